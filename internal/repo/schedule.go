package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"pcpline/internal/domain"
)

const entryColumns = `id,work_order_id,sector_id,department_id,responsible_id,start_planned,end_planned,status,priority,notes,version,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.ScheduleEntry, error) {
	var e domain.ScheduleEntry
	var responsible, notes sql.NullString
	var start, end, created, updated string
	var status, priority string
	err := row.Scan(&e.ID, &e.WorkOrderID, &e.SectorID, &e.DepartmentID, &responsible, &start, &end, &status, &priority, &notes, &e.Version, &e.CreatedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ResponsibleID = stringPtr(responsible)
	e.Status = domain.Status(status)
	e.Priority = domain.Priority(priority)
	if notes.Valid {
		e.Notes = notes.String
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&e.StartPlanned, start}, {&e.EndPlanned, end}, {&e.CreatedAt, created}, {&e.UpdatedAt, updated}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return e, err
		}
	}
	return e, nil
}

// InsertEntryTx stores a new entry and returns its assigned id. Version starts at 1.
func (r Repo) InsertEntryTx(ctx context.Context, tx *sql.Tx, e domain.ScheduleEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO schedule_entries(work_order_id,sector_id,department_id,responsible_id,start_planned,end_planned,status,priority,notes,version,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,1,?,?,?)`,
		e.WorkOrderID, e.SectorID, e.DepartmentID, nullableStringPtr(e.ResponsibleID), FormatTime(e.StartPlanned), FormatTime(e.EndPlanned),
		string(e.Status), string(e.Priority), nullable(e.Notes), e.CreatedBy, FormatTime(e.CreatedAt), FormatTime(e.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert schedule entry: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) GetEntry(ctx context.Context, id int64) (domain.ScheduleEntry, error) {
	return getEntry(ctx, r.DB, id)
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, id int64) (domain.ScheduleEntry, error) {
	return getEntry(ctx, tx, id)
}

func getEntry(ctx context.Context, q DBTX, id int64) (domain.ScheduleEntry, error) {
	return scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM schedule_entries WHERE id=?`, id))
}

// UpdateEntryTx writes the mutable fields of e when the stored version still
// equals expectedVersion, bumping it by one. A stale version yields ErrConflict.
func (r Repo) UpdateEntryTx(ctx context.Context, tx *sql.Tx, e domain.ScheduleEntry, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE schedule_entries SET sector_id=?, department_id=?, responsible_id=?, start_planned=?, end_planned=?, status=?, priority=?, notes=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		e.SectorID, e.DepartmentID, nullableStringPtr(e.ResponsibleID), FormatTime(e.StartPlanned), FormatTime(e.EndPlanned),
		string(e.Status), string(e.Priority), nullable(e.Notes), FormatTime(e.UpdatedAt), e.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update schedule entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// InsertTransitionTx appends one row to the transition log.
func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.Transition) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO schedule_transitions(entry_id,ts,actor_id,from_state,to_state,kind,reason,responsible_id,sector_id,override,idempotency_key) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.EntryID, FormatTime(t.TS), t.ActorID, string(t.FromState), string(t.ToState), t.Kind, nullable(t.Reason),
		nullableStringPtr(t.ResponsibleID), nullable(t.SectorID), boolInt(t.Override), nullable(t.IdempotencyKey))
	if err != nil {
		return 0, fmt.Errorf("append transition: %w", err)
	}
	return res.LastInsertId()
}

const transitionColumns = `id,entry_id,ts,actor_id,from_state,to_state,kind,reason,responsible_id,sector_id,override,idempotency_key`

func scanTransition(row rowScanner) (domain.Transition, error) {
	var t domain.Transition
	var ts, from, to string
	var reason, responsible, sector, key sql.NullString
	var override int
	if err := row.Scan(&t.ID, &t.EntryID, &ts, &t.ActorID, &from, &to, &t.Kind, &reason, &responsible, &sector, &override, &key); err != nil {
		return t, err
	}
	var err error
	if t.TS, err = parseTime(ts); err != nil {
		return t, err
	}
	t.FromState = domain.Status(from)
	t.ToState = domain.Status(to)
	t.Reason = reason.String
	t.ResponsibleID = stringPtr(responsible)
	t.SectorID = sector.String
	t.Override = override != 0
	t.IdempotencyKey = key.String
	return t, nil
}

// TransitionByKeyTx finds the transition previously recorded for an idempotency key.
func (r Repo) TransitionByKeyTx(ctx context.Context, tx *sql.Tx, entryID int64, key string) (domain.Transition, error) {
	t, err := scanTransition(tx.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM schedule_transitions WHERE entry_id=? AND idempotency_key=?`, entryID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTransitions(ctx context.Context, entryID int64) ([]domain.Transition, error) {
	return listTransitions(ctx, r.DB, entryID)
}

func (r Repo) ListTransitionsTx(ctx context.Context, tx *sql.Tx, entryID int64) ([]domain.Transition, error) {
	return listTransitions(ctx, tx, entryID)
}

func listTransitions(ctx context.Context, q DBTX, entryID int64) ([]domain.Transition, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+transitionColumns+` FROM schedule_transitions WHERE entry_id=? ORDER BY id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TransitionsForEntries loads the logs of many entries at once, keyed by entry id.
func (r Repo) TransitionsForEntries(ctx context.Context, ids []int64) (map[int64][]domain.Transition, error) {
	res := make(map[int64][]domain.Transition, len(ids))
	const chunk = 200
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		args := make([]any, 0, end-start)
		marks := make([]byte, 0, 2*(end-start))
		for i, id := range ids[start:end] {
			if i > 0 {
				marks = append(marks, ',')
			}
			marks = append(marks, '?')
			args = append(args, id)
		}
		rows, err := r.DB.QueryContext(ctx, `SELECT `+transitionColumns+` FROM schedule_transitions WHERE entry_id IN (`+string(marks)+`) ORDER BY entry_id ASC, id ASC`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			t, err := scanTransition(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			res[t.EntryID] = append(res[t.EntryID], t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return res, nil
}

// Entry list orderings.
const (
	OrderInsertion = "insertion"
	OrderStart     = "start_planned"
)

type EntryFilters struct {
	Statuses      []domain.Status
	SectorID      string
	DepartmentID  string
	Priority      domain.Priority
	WorkOrderID   string
	ResponsibleID string
	StartFrom     *time.Time
	StartTo       *time.Time
	// Assigned filters on whether a responsible collaborator is set.
	Assigned *bool
	Order    string
	Limit    int
	// AfterID and AfterStart position the page strictly after a previous item.
	AfterID    int64
	AfterStart string
}

func (f EntryFilters) query() (string, []any) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		marks := ""
		for i, s := range f.Statuses {
			if i > 0 {
				marks += ","
			}
			marks += "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+marks+")")
	}
	if f.SectorID != "" {
		clauses = append(clauses, "sector_id=?")
		args = append(args, f.SectorID)
	}
	if f.DepartmentID != "" {
		clauses = append(clauses, "department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, string(f.Priority))
	}
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.ResponsibleID != "" {
		clauses = append(clauses, "responsible_id=?")
		args = append(args, f.ResponsibleID)
	}
	if f.StartFrom != nil {
		clauses = append(clauses, "start_planned>=?")
		args = append(args, FormatTime(*f.StartFrom))
	}
	if f.StartTo != nil {
		clauses = append(clauses, "start_planned<?")
		args = append(args, FormatTime(*f.StartTo))
	}
	if f.Assigned != nil {
		if *f.Assigned {
			clauses = append(clauses, "responsible_id IS NOT NULL")
		} else {
			clauses = append(clauses, "responsible_id IS NULL")
		}
	}
	order := "ORDER BY id ASC"
	if f.Order == OrderStart {
		order = "ORDER BY start_planned ASC, id ASC"
		if f.AfterStart != "" && f.AfterID > 0 {
			clauses = append(clauses, "(start_planned > ? OR (start_planned = ? AND id > ?))")
			args = append(args, f.AfterStart, f.AfterStart, f.AfterID)
		}
	} else if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + entryColumns + ` FROM schedule_entries ` + whereClause(clauses) + " " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

// ListEntries returns one page of entries matching f.
func (r Repo) ListEntries(ctx context.Context, f EntryFilters) ([]domain.ScheduleEntry, error) {
	query, args := f.query()
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EntryCursor is the cursor that resumes a listing after e.
func EntryCursor(e domain.ScheduleEntry, order string) string {
	if order == OrderStart {
		return ComposeCursor(FormatTime(e.StartPlanned), e.ID)
	}
	return ComposeCursor("", e.ID)
}

// Entries lazily walks every entry matching f, fetching one page at a time.
// No rows are held open while the consumer runs, and ranging again restarts
// from the first page.
func (r Repo) Entries(ctx context.Context, f EntryFilters) iter.Seq2[domain.ScheduleEntry, error] {
	return func(yield func(domain.ScheduleEntry, error) bool) {
		page := f
		if page.Limit <= 0 {
			page.Limit = 100
		}
		for {
			items, err := r.ListEntries(ctx, page)
			if err != nil {
				yield(domain.ScheduleEntry{}, err)
				return
			}
			for _, e := range items {
				if !yield(e, nil) {
					return
				}
			}
			if len(items) < page.Limit {
				return
			}
			last := items[len(items)-1]
			page.AfterID = last.ID
			page.AfterStart = FormatTime(last.StartPlanned)
		}
	}
}

// CountEntriesByStatus counts entries whose planned start falls in [from, to).
func (r Repo) CountEntriesByStatus(ctx context.Context, from, to time.Time, sectorID string) (map[domain.Status]int, error) {
	clauses := []string{"start_planned>=?", "start_planned<?"}
	args := []any{FormatTime(from), FormatTime(to)}
	if sectorID != "" {
		clauses = append(clauses, "sector_id=?")
		args = append(args, sectorID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM schedule_entries `+whereClause(clauses)+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = count
	}
	return res, rows.Err()
}
