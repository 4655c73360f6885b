package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pcpline/internal/domain"
	"pcpline/internal/engine/auth"
	"pcpline/internal/events"
	"pcpline/internal/logger"
	"pcpline/internal/repo"
)

var transitions = map[domain.Status][]domain.Status{
	domain.StatusProgramada:          {domain.StatusEmAndamento, domain.StatusEnviada, domain.StatusCancelada},
	domain.StatusEnviada:             {domain.StatusEmAndamento, domain.StatusCancelada},
	domain.StatusEmAndamento:         {domain.StatusAguardandoAprovacao, domain.StatusCancelada},
	domain.StatusAguardandoAprovacao: {domain.StatusAprovada, domain.StatusRejeitada},
	domain.StatusRejeitada:           {domain.StatusEmAndamento},
}

// AllowedTransitions lists the states reachable from s in one step.
func AllowedTransitions(s domain.Status) []domain.Status {
	return append([]domain.Status(nil), transitions[s]...)
}

func ensureTransition(entryID int64, from, to domain.Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return InvalidTransitionError{EntryID: entryID, From: from, To: to, Allowed: AllowedTransitions(from)}
}

// TransitionOptions are parameters for a status change.
type TransitionOptions struct {
	EntryID int64
	To      domain.Status
	// ExpectedState is the status the caller last saw. A mismatch yields
	// ConflictError; empty skips the check.
	ExpectedState domain.Status
	ActorID       string
	Reason        string
	// IdempotencyKey makes retries after a timeout safe: a key already
	// recorded for this entry returns the current entry without a new row.
	IdempotencyKey string
	// TargetSectorID is required for ENVIADA.
	TargetSectorID string
}

// Transition moves an entry along the state machine and appends the change to its log.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.ScheduleEntry, error) {
	opts.Reason = strings.TrimSpace(opts.Reason)
	opts.IdempotencyKey = strings.TrimSpace(opts.IdempotencyKey)
	if opts.ActorID == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "actor_id", Message: "is required"}
	}
	if !opts.To.Valid() {
		return domain.ScheduleEntry{}, ValidationError{Field: "to", Message: fmt.Sprintf("unknown status %q", opts.To)}
	}
	if opts.ExpectedState != "" && !opts.ExpectedState.Valid() {
		return domain.ScheduleEntry{}, ValidationError{Field: "expected_state", Message: fmt.Sprintf("unknown status %q", opts.ExpectedState)}
	}
	if opts.To == domain.StatusCancelada && opts.Reason == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "reason", Message: "is required to cancel"}
	}
	if opts.To == domain.StatusAprovada || opts.To == domain.StatusRejeitada {
		if err := e.Auth.Require(ctx, opts.ActorID, auth.PermApprove); err != nil {
			return domain.ScheduleEntry{}, err
		}
	}
	var target domain.Sector
	if opts.To == domain.StatusEnviada {
		if opts.TargetSectorID == "" {
			return domain.ScheduleEntry{}, ValidationError{Field: "target_sector_id", Message: "is required to hand off"}
		}
		var err error
		target, err = e.Directory.ResolveSector(ctx, opts.TargetSectorID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ScheduleEntry{}, ValidationError{Field: "target_sector_id", Message: fmt.Sprintf("sector %s does not exist", opts.TargetSectorID)}
		}
		if err != nil {
			return domain.ScheduleEntry{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduleEntry{}, err
	}
	defer tx.Rollback()
	entry, err := e.loadEntry(ctx, tx, opts.EntryID)
	if err != nil {
		return entry, err
	}
	if opts.IdempotencyKey != "" {
		prior, err := e.Repo.TransitionByKeyTx(ctx, tx, entry.ID, opts.IdempotencyKey)
		switch {
		case err == nil:
			if prior.ToState != opts.To {
				return entry, ValidationError{Field: "idempotency_key", Message: fmt.Sprintf("key already used for a transition to %s", prior.ToState)}
			}
			logger.Debug("transition replayed", zap.Int64("entry_id", entry.ID), zap.String("idempotency_key", opts.IdempotencyKey))
			return entry, nil
		case !errors.Is(err, repo.ErrNotFound):
			return entry, err
		}
	}
	if opts.ExpectedState != "" && entry.Status != opts.ExpectedState {
		e.Metrics.Conflict()
		return entry, ConflictError{EntryID: entry.ID, Expected: opts.ExpectedState, Actual: entry.Status}
	}
	if err := ensureTransition(entry.ID, entry.Status, opts.To); err != nil {
		return entry, err
	}
	if opts.To == domain.StatusAprovada {
		open, err := e.Repo.ListOpenPendenciesTx(ctx, tx, entry.WorkOrderID)
		if err != nil {
			return entry, err
		}
		if len(open) > 0 {
			ids := make([]int64, len(open))
			for i, p := range open {
				ids[i] = p.ID
			}
			return entry, BlockedByPendencyError{EntryID: entry.ID, WorkOrderID: entry.WorkOrderID, PendencyIDs: ids}
		}
	}

	from := entry.Status
	previous := entry.ResponsibleID
	now := e.now()
	entry.Status = opts.To
	entry.UpdatedAt = now
	if opts.To == domain.StatusEnviada {
		if target.ID == entry.SectorID {
			return entry, ValidationError{Field: "target_sector_id", Message: "must differ from the current sector"}
		}
		entry.SectorID = target.ID
		entry.DepartmentID = target.DepartmentID
		entry.ResponsibleID = nil
	}
	if err := e.Repo.UpdateEntryTx(ctx, tx, entry, entry.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			e.Metrics.Conflict()
			return entry, ConflictError{EntryID: entry.ID, Expected: from}
		}
		return entry, err
	}
	entry.Version++
	row := domain.Transition{
		EntryID:        entry.ID,
		TS:             now,
		ActorID:        opts.ActorID,
		FromState:      from,
		ToState:        opts.To,
		Kind:           domain.KindStatus,
		Reason:         opts.Reason,
		ResponsibleID:  entry.ResponsibleID,
		SectorID:       entry.SectorID,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if _, err := e.Repo.InsertTransitionTx(ctx, tx, row); err != nil {
		return entry, err
	}
	payload := events.EventPayload{"from": string(from), "to": string(opts.To)}
	if opts.Reason != "" {
		payload["reason"] = opts.Reason
	}
	if opts.To == domain.StatusEnviada {
		payload["target_sector_id"] = entry.SectorID
	}
	if err := e.appendEvent(ctx, tx, events.EntryTransition, events.KindEntry, strconv.FormatInt(entry.ID, 10), opts.ActorID, payload); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	e.Metrics.Transition(string(opts.To))
	logger.Debug("schedule entry transitioned",
		zap.Int64("entry_id", entry.ID),
		zap.String("from", string(from)),
		zap.String("to", string(opts.To)),
		zap.String("actor_id", opts.ActorID))

	notice := entryPayload(entry, map[string]any{"from": string(from), "reason": opts.Reason})
	if previous != nil {
		kind := NoticeStatus
		if entry.ResponsibleID == nil {
			kind = NoticeUnassigned
		}
		e.notify(ctx, *previous, kind, notice)
	}
	return entry, nil
}

// Cancel aborts an entry. A reason is mandatory.
func (e Engine) Cancel(ctx context.Context, entryID int64, actorID, reason string) (domain.ScheduleEntry, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "reason", Message: "is required to cancel"}
	}
	return e.Transition(ctx, TransitionOptions{EntryID: entryID, To: domain.StatusCancelada, ActorID: actorID, Reason: reason})
}

// EntryEditOptions carries the editable fields; nil leaves a field unchanged.
type EntryEditOptions struct {
	EntryID      int64
	StartPlanned *time.Time
	EndPlanned   *time.Time
	Notes        *string
	Priority     *domain.Priority
	ActorID      string
}

// Edit changes planning fields while the entry is PROGRAMADA or EM_ANDAMENTO.
func (e Engine) Edit(ctx context.Context, opts EntryEditOptions) (domain.ScheduleEntry, error) {
	if opts.ActorID == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "actor_id", Message: "is required"}
	}
	if opts.Priority != nil && !opts.Priority.Valid() {
		return domain.ScheduleEntry{}, ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *opts.Priority)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduleEntry{}, err
	}
	defer tx.Rollback()
	entry, err := e.loadEntry(ctx, tx, opts.EntryID)
	if err != nil {
		return entry, err
	}
	if entry.Status != domain.StatusProgramada && entry.Status != domain.StatusEmAndamento {
		return entry, EntryLockedError{EntryID: entry.ID, Status: entry.Status}
	}
	changed := events.EventPayload{}
	if opts.StartPlanned != nil {
		entry.StartPlanned = plannedTime(*opts.StartPlanned)
		changed["start_planned"] = repo.FormatTime(entry.StartPlanned)
	}
	if opts.EndPlanned != nil {
		entry.EndPlanned = plannedTime(*opts.EndPlanned)
		changed["end_planned"] = repo.FormatTime(entry.EndPlanned)
	}
	if err := validateWindow(entry.StartPlanned, entry.EndPlanned); err != nil {
		return entry, err
	}
	if opts.Notes != nil {
		entry.Notes = *opts.Notes
		changed["notes"] = entry.Notes
	}
	if opts.Priority != nil {
		entry.Priority = *opts.Priority
		changed["priority"] = string(entry.Priority)
	}
	if len(changed) == 0 {
		return entry, nil
	}
	entry.UpdatedAt = e.now()
	if err := e.Repo.UpdateEntryTx(ctx, tx, entry, entry.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return entry, ConflictError{EntryID: entry.ID}
		}
		return entry, err
	}
	entry.Version++
	if err := e.appendEvent(ctx, tx, events.EntryEdited, events.KindEntry, strconv.FormatInt(entry.ID, 10), opts.ActorID, changed); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}
