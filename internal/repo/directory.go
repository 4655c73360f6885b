package repo

import (
	"context"
	"database/sql"
	"errors"

	"pcpline/internal/domain"
)

func (r Repo) UpsertSector(ctx context.Context, tx *sql.Tx, s domain.Sector) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sectors(id,name,department_id) VALUES (?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, department_id=excluded.department_id`, s.ID, s.Name, s.DepartmentID)
	return err
}

func (r Repo) UpsertCollaborator(ctx context.Context, tx *sql.Tx, c domain.Collaborator) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO collaborators(id,name,sector_id,role,active) VALUES (?,?,?,?,1)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, sector_id=excluded.sector_id, role=excluded.role, active=1`, c.ID, c.Name, c.SectorID, c.Role)
	return err
}

func (r Repo) DeactivateCollaborator(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE collaborators SET active=0 WHERE id=?`, id)
	return err
}

func (r Repo) UpsertWorkOrder(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(id,number,machine,client,description) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET number=excluded.number, machine=excluded.machine, client=excluded.client, description=excluded.description`,
		w.ID, w.Number, nullable(w.Machine), nullable(w.Client), nullable(w.Description))
	return err
}

func (r Repo) GetSector(ctx context.Context, id string) (domain.Sector, error) {
	var s domain.Sector
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,department_id FROM sectors WHERE id=?`, id).Scan(&s.ID, &s.Name, &s.DepartmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// GetCollaborator returns active collaborators only.
func (r Repo) GetCollaborator(ctx context.Context, id string) (domain.Collaborator, error) {
	var c domain.Collaborator
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,sector_id,role FROM collaborators WHERE id=? AND active=1`, id).Scan(&c.ID, &c.Name, &c.SectorID, &c.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	var w domain.WorkOrder
	var machine, client, desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,number,machine,client,description FROM work_orders WHERE id=?`, id).Scan(&w.ID, &w.Number, &machine, &client, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	w.Machine, w.Client, w.Description = machine.String, client.String, desc.String
	return w, err
}

func (r Repo) ListSectors(ctx context.Context) ([]domain.Sector, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,department_id FROM sectors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sector
	for rows.Next() {
		var s domain.Sector
		if err := rows.Scan(&s.ID, &s.Name, &s.DepartmentID); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListCollaborators(ctx context.Context, sectorID string) ([]domain.Collaborator, error) {
	query := `SELECT id,name,sector_id,role FROM collaborators WHERE active=1`
	var args []any
	if sectorID != "" {
		query += ` AND sector_id=?`
		args = append(args, sectorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Collaborator
	for rows.Next() {
		var c domain.Collaborator
		if err := rows.Scan(&c.ID, &c.Name, &c.SectorID, &c.Role); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
