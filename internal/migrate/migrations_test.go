package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pcpline/internal/db"
	"pcpline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := migrate.CurrentVersion(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err = migrate.CurrentVersion(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	_, err = conn.ExecContext(ctx, `INSERT INTO schedule_entries(work_order_id,sector_id,department_id,start_planned,end_planned,status,created_by,created_at,updated_at) VALUES ('os','s','d','2025-03-01T10:00:00Z','2025-03-01T08:00:00Z','PROGRAMADA','u','x','x')`)
	require.Error(t, err, "end before start must violate the check constraint")
}
