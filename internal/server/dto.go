package server

import (
	"encoding/json"
	"time"

	"pcpline/internal/domain"
)

// Request payloads

type CreateEntryRequest struct {
	WorkOrderID   string    `json:"work_order_id"`
	SectorID      string    `json:"sector_id"`
	ResponsibleID *string   `json:"responsible_id,omitempty"`
	StartPlanned  time.Time `json:"start_planned" format:"date-time"`
	EndPlanned    time.Time `json:"end_planned" format:"date-time"`
	Priority      string    `json:"priority,omitempty" enum:"BAIXA,NORMAL,ALTA,URGENTE"`
	Notes         string    `json:"notes,omitempty"`
}

type EditEntryRequest struct {
	StartPlanned *time.Time `json:"start_planned,omitempty" format:"date-time"`
	EndPlanned   *time.Time `json:"end_planned,omitempty" format:"date-time"`
	Notes        *string    `json:"notes,omitempty"`
	Priority     *string    `json:"priority,omitempty" enum:"BAIXA,NORMAL,ALTA,URGENTE"`
}

type AssignRequest struct {
	ResponsibleID string `json:"responsible_id"`
}

type ReassignRequest struct {
	ResponsibleID string `json:"responsible_id"`
	Reason        string `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type TransitionRequest struct {
	To             string `json:"to" enum:"PROGRAMADA,ENVIADA,EM_ANDAMENTO,AGUARDANDO_APROVACAO,APROVADA,REJEITADA,CANCELADA"`
	ExpectedState  string `json:"expected_state,omitempty" enum:"PROGRAMADA,ENVIADA,EM_ANDAMENTO,AGUARDANDO_APROVACAO,APROVADA,REJEITADA,CANCELADA"`
	Reason         string `json:"reason,omitempty"`
	TargetSectorID string `json:"target_sector_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type OpenPendencyRequest struct {
	WorkOrderID string `json:"work_order_id"`
	Description string `json:"description"`
}

type ClosePendencyRequest struct {
	ResolutionNotes string `json:"resolution_notes,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type EntryResponse struct {
	domain.ScheduleEntry
	DisplayStatus string                   `json:"display_status"`
	WorkOrder     *domain.WorkOrderSummary `json:"work_order,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type NotificationFailureResponse struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts" format:"date-time"`
	DeliveryID     string         `json:"delivery_id"`
	CollaboratorID string         `json:"collaborator_id"`
	Kind           string         `json:"kind"`
	Sink           string         `json:"sink"`
	Error          string         `json:"error"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID  string   `json:"actor_id"`
	Name     string   `json:"name,omitempty"`
	SectorID string   `json:"sector_id,omitempty"`
	Role     string   `json:"role,omitempty"`
	Roles    []string `json:"roles"`
	Source   string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEntries struct {
	Items      []EntryResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedPendencies struct {
	Items      []domain.Pendency `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func entryResponse(e domain.ScheduleEntry, now time.Time) EntryResponse {
	return EntryResponse{
		ScheduleEntry: e,
		DisplayStatus: domain.DisplayStatus(e, now),
	}
}

func mapEntries(items []domain.ScheduleEntry, now time.Time) []EntryResponse {
	out := make([]EntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, entryResponse(e, now))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    parsePayload(e.Payload),
	}
}

func notificationFailureResponse(f domain.NotificationFailure) NotificationFailureResponse {
	return NotificationFailureResponse{
		ID:             f.ID,
		TS:             f.TS,
		DeliveryID:     f.DeliveryID,
		CollaboratorID: f.CollaboratorID,
		Kind:           f.Kind,
		Sink:           f.Sink,
		Error:          f.Error,
		Payload:        parsePayload(f.Payload),
	}
}

func parsePayload(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
