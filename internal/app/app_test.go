package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcpline/internal/config"
	"pcpline/internal/directory"
	"pcpline/internal/domain"
	"pcpline/internal/engine"
)

func TestOpenWiresWorkspace(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte("directory:\n  cache_size: 16\nnotifications:\n  log: false\n"), 0o644))

	a, err := Open(ctx, workspace, Options{})
	require.NoError(t, err)
	assert.Equal(t, 16, a.Config.Directory.CacheSize)
	assert.Equal(t, []string{"PCP", "ADMIN"}, a.Config.Roles.Schedulers)

	_, err = a.Directory.Import(ctx, directory.File{
		Sectors:       []domain.Sector{{ID: "S1", DepartmentID: "D1"}},
		Collaborators: []domain.Collaborator{{ID: "PCP1", SectorID: "S1", Role: "PCP"}},
		WorkOrders:    []domain.WorkOrder{{ID: "OS-1", Number: "1"}},
	})
	require.NoError(t, err)

	start := time.Now().UTC().Add(time.Hour)
	entry, err := a.Engine.CreateEntry(ctx, engine.EntryCreateOptions{
		WorkOrderID:  "OS-1",
		SectorID:     "S1",
		StartPlanned: start,
		EndPlanned:   start.Add(time.Hour),
		ActorID:      "PCP1",
	})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// Reopening runs migrations again without touching existing rows.
	a, err = Open(ctx, workspace, Options{})
	require.NoError(t, err)
	defer a.Close()
	got, err := a.Engine.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "D1", got.DepartmentID)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("reports:\n  efficiency:\n    on_time: 0.9\n    rework: 0.3\n"), 0o644))
	_, err := Open(context.Background(), t.TempDir(), Options{ConfigPath: path})
	assert.Error(t, err)
}

func TestOpenSurvivesUnreachableNATS(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	cfg := "notifications:\n  log: false\n  nats:\n    url: nats://127.0.0.1:1\n    subject_prefix: pcp.notify\n"
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(cfg), 0o644))

	a, err := Open(ctx, workspace, Options{})
	require.NoError(t, err)

	_, err = a.Directory.Import(ctx, directory.File{
		Sectors:       []domain.Sector{{ID: "S1", DepartmentID: "D1"}},
		Collaborators: []domain.Collaborator{{ID: "PCP1", SectorID: "S1", Role: "PCP"}, {ID: "U7", SectorID: "S1", Role: "TECNICO"}},
		WorkOrders:    []domain.WorkOrder{{ID: "OS-1", Number: "1"}},
	})
	require.NoError(t, err)

	start := time.Now().UTC().Add(time.Hour)
	entry, err := a.Engine.CreateEntry(ctx, engine.EntryCreateOptions{
		WorkOrderID:   "OS-1",
		SectorID:      "S1",
		StartPlanned:  start,
		EndPlanned:    start.Add(time.Hour),
		ResponsibleID: "U7",
		ActorID:       "PCP1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProgramada, entry.Status)
	assert.NoError(t, a.Close())
}
