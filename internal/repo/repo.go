package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a conditional write that matched no row because
	// another writer changed it first.
	ErrConflict = errors.New("conflict")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t the way it is stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ComposeCursor joins a sort key and an id into an opaque page cursor.
func ComposeCursor(key string, id int64) string {
	if key == "" {
		return strconv.FormatInt(id, 10)
	}
	return key + "|" + strconv.FormatInt(id, 10)
}

// ParseCursor splits a cursor built by ComposeCursor. A bare id yields an empty key.
func ParseCursor(cursor string) (string, int64, error) {
	if cursor == "" {
		return "", 0, nil
	}
	key, idPart := "", cursor
	if i := strings.LastIndex(cursor, "|"); i >= 0 {
		key, idPart = cursor[:i], cursor[i+1:]
		if key == "" {
			return "", 0, fmt.Errorf("invalid cursor")
		}
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid cursor")
	}
	return key, id, nil
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}
