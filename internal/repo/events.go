package repo

import (
	"context"
	"database/sql"

	"pcpline/internal/domain"
)

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	// BeforeID pages backwards from the newest event.
	BeforeID int64
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	return queryEvents(ctx, r.DB, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events `+whereClause(clauses)+` ORDER BY id DESC LIMIT ?`, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryEvents(ctx, r.DB, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func queryEvents(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertNotificationFailure(ctx context.Context, f domain.NotificationFailure) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_failures(ts,delivery_id,collaborator_id,kind,sink,error,payload_json) VALUES (?,?,?,?,?,?,?)`,
		f.TS, f.DeliveryID, f.CollaboratorID, f.Kind, f.Sink, f.Error, nullable(f.Payload))
	return err
}

func (r Repo) ListNotificationFailures(ctx context.Context, limit int) ([]domain.NotificationFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,delivery_id,collaborator_id,kind,sink,error,payload_json FROM notification_failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationFailure
	for rows.Next() {
		var f domain.NotificationFailure
		var payload sql.NullString
		if err := rows.Scan(&f.ID, &f.TS, &f.DeliveryID, &f.CollaboratorID, &f.Kind, &f.Sink, &f.Error, &payload); err != nil {
			return nil, err
		}
		f.Payload = payload.String
		res = append(res, f)
	}
	return res, rows.Err()
}
