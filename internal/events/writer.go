package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	EntryCreated    = "entry.created"
	EntryEdited     = "entry.edited"
	EntryAssigned   = "entry.assigned"
	EntryReassigned = "entry.reassigned"
	EntryTransition = "entry.transitioned"
	PendencyOpened  = "pendency.opened"
	PendencyStarted = "pendency.started"
	PendencyClosed  = "pendency.closed"
)

// Entity kinds.
const (
	KindEntry    = "schedule_entry"
	KindPendency = "pendency"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
