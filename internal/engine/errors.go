package engine

import (
	"fmt"
	"strings"

	"pcpline/internal/domain"
	"pcpline/internal/repo"
)

// ValidationError reports malformed input. Nothing is persisted when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidAssigneeError reports a collaborator that cannot take the entry.
type InvalidAssigneeError struct {
	EntryID       int64
	ResponsibleID string
	SectorID      string
	Reason        string
}

func (e InvalidAssigneeError) Error() string {
	return fmt.Sprintf("collaborator %s cannot be assigned to entry %d in sector %s: %s", e.ResponsibleID, e.EntryID, e.SectorID, e.Reason)
}

// InvalidTransitionError names the current and requested state and the legal targets.
type InvalidTransitionError struct {
	EntryID int64
	From    domain.Status
	To      domain.Status
	Allowed []domain.Status
}

func (e InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("invalid transition %s -> %s for entry %d (allowed: [%s])", e.From, e.To, e.EntryID, strings.Join(allowed, ", "))
}

// ConflictError is returned when the caller's view of the entry is stale.
// Re-read and retry.
type ConflictError struct {
	EntryID  int64
	Expected domain.Status
	Actual   domain.Status
}

func (e ConflictError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("entry %d was modified concurrently", e.EntryID)
	}
	return fmt.Sprintf("entry %d is %s, expected %s", e.EntryID, e.Actual, e.Expected)
}

// BlockedByPendencyError lists the open pendencies that veto approval.
type BlockedByPendencyError struct {
	EntryID     int64
	WorkOrderID string
	PendencyIDs []int64
}

func (e BlockedByPendencyError) Error() string {
	ids := make([]string, len(e.PendencyIDs))
	for i, id := range e.PendencyIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("entry %d blocked by open pendencies [%s] on work order %s", e.EntryID, strings.Join(ids, ", "), e.WorkOrderID)
}

// EntryLockedError reports a mutation on an entry whose status no longer allows it.
type EntryLockedError struct {
	EntryID int64
	Status  domain.Status
}

func (e EntryLockedError) Error() string {
	return fmt.Sprintf("entry %d is locked in status %s", e.EntryID, e.Status)
}

// AlreadyClosedError is returned when a FECHADA pendency is closed or started again.
type AlreadyClosedError struct {
	PendencyID int64
}

func (e AlreadyClosedError) Error() string {
	return fmt.Sprintf("pendency %d is already closed", e.PendencyID)
}

// NotFoundError matches repo.ErrNotFound with errors.Is.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error {
	return repo.ErrNotFound
}
