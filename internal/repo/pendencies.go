package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pcpline/internal/domain"
)

const pendencyColumns = `id,work_order_id,raised_by,description,status,opened_at,closed_at,closed_by,resolution_notes,updated_at`

func scanPendency(row rowScanner) (domain.Pendency, error) {
	var p domain.Pendency
	var status, opened, updated string
	var closedAt, closedBy, notes sql.NullString
	err := row.Scan(&p.ID, &p.WorkOrderID, &p.RaisedBy, &p.Description, &status, &opened, &closedAt, &closedBy, &notes, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.PendencyStatus(status)
	if p.OpenedAt, err = parseTime(opened); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return p, err
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return p, err
		}
		p.ClosedAt = &t
	}
	p.ClosedBy = stringPtr(closedBy)
	p.ResolutionNotes = notes.String
	return p, nil
}

func (r Repo) InsertPendencyTx(ctx context.Context, tx *sql.Tx, p domain.Pendency) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO pendencies(work_order_id,raised_by,description,status,opened_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.WorkOrderID, p.RaisedBy, p.Description, string(p.Status), FormatTime(p.OpenedAt), FormatTime(p.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert pendency: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) GetPendency(ctx context.Context, id int64) (domain.Pendency, error) {
	return scanPendency(r.DB.QueryRowContext(ctx, `SELECT `+pendencyColumns+` FROM pendencies WHERE id=?`, id))
}

func (r Repo) GetPendencyTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Pendency, error) {
	return scanPendency(tx.QueryRowContext(ctx, `SELECT `+pendencyColumns+` FROM pendencies WHERE id=?`, id))
}

// UpdatePendencyTx persists p only if the stored status is still expected.
func (r Repo) UpdatePendencyTx(ctx context.Context, tx *sql.Tx, p domain.Pendency, expected domain.PendencyStatus) error {
	var closedAt any
	if p.ClosedAt != nil {
		closedAt = FormatTime(*p.ClosedAt)
	}
	res, err := tx.ExecContext(ctx, `UPDATE pendencies SET status=?, closed_at=?, closed_by=?, resolution_notes=?, updated_at=? WHERE id=? AND status=?`,
		string(p.Status), closedAt, nullableStringPtr(p.ClosedBy), nullable(p.ResolutionNotes), FormatTime(p.UpdatedAt), p.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update pendency: %w", err)
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

func (r Repo) ListOpenPendencies(ctx context.Context, workOrderID string) ([]domain.Pendency, error) {
	return listOpenPendencies(ctx, r.DB, workOrderID)
}

// ListOpenPendenciesTx is used by the approval gate so the check and the
// status write share one transaction.
func (r Repo) ListOpenPendenciesTx(ctx context.Context, tx *sql.Tx, workOrderID string) ([]domain.Pendency, error) {
	return listOpenPendencies(ctx, tx, workOrderID)
}

func listOpenPendencies(ctx context.Context, q DBTX, workOrderID string) ([]domain.Pendency, error) {
	return queryPendencies(ctx, q, `SELECT `+pendencyColumns+` FROM pendencies WHERE work_order_id=? AND status IN (?,?) ORDER BY id ASC`,
		workOrderID, string(domain.PendencyAberta), string(domain.PendencyEmAndamento))
}

type PendencyFilters struct {
	WorkOrderID string
	Status      domain.PendencyStatus
	RaisedBy    string
	Limit       int
	AfterID     int64
}

func (r Repo) ListPendencies(ctx context.Context, f PendencyFilters) ([]domain.Pendency, error) {
	var clauses []string
	var args []any
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.RaisedBy != "" {
		clauses = append(clauses, "raised_by=?")
		args = append(args, f.RaisedBy)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + pendencyColumns + ` FROM pendencies ` + whereClause(clauses) + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryPendencies(ctx, r.DB, query, args...)
}

func queryPendencies(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Pendency, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pendency
	for rows.Next() {
		p, err := scanPendency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
