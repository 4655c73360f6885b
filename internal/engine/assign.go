package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"pcpline/internal/domain"
	"pcpline/internal/events"
	"pcpline/internal/logger"
	"pcpline/internal/repo"
)

// checkAssignee verifies that the collaborator belongs to the sector. Actors
// holding an override role may assign across sectors; override reports that.
func (e Engine) checkAssignee(ctx context.Context, entryID int64, sectorID, responsibleID, actorID string) (bool, error) {
	c, err := e.Directory.ResolveCollaborator(ctx, responsibleID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, InvalidAssigneeError{EntryID: entryID, ResponsibleID: responsibleID, SectorID: sectorID, Reason: "unknown or inactive collaborator"}
	}
	if err != nil {
		return false, err
	}
	if c.SectorID == sectorID {
		return false, nil
	}
	ok, err := e.Auth.CanOverride(ctx, actorID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, InvalidAssigneeError{EntryID: entryID, ResponsibleID: responsibleID, SectorID: sectorID, Reason: fmt.Sprintf("collaborator belongs to sector %s", c.SectorID)}
	}
	logger.Warn("cross-sector assignment override",
		zap.Int64("entry_id", entryID),
		zap.String("responsible_id", responsibleID),
		zap.String("collaborator_sector", c.SectorID),
		zap.String("entry_sector", sectorID),
		zap.String("actor_id", actorID))
	return true, nil
}

// Assign sets the responsible collaborator of a non-terminal entry.
func (e Engine) Assign(ctx context.Context, entryID int64, responsibleID, actorID string) (domain.ScheduleEntry, error) {
	return e.applyAssignment(ctx, entryID, responsibleID, actorID, "", false)
}

// Reassign replaces the responsible collaborator and records why.
func (e Engine) Reassign(ctx context.Context, entryID int64, newResponsibleID, actorID, reason string) (domain.ScheduleEntry, error) {
	return e.applyAssignment(ctx, entryID, newResponsibleID, actorID, reason, true)
}

func (e Engine) applyAssignment(ctx context.Context, entryID int64, responsibleID, actorID, reason string, reassign bool) (domain.ScheduleEntry, error) {
	responsibleID = strings.TrimSpace(responsibleID)
	reason = strings.TrimSpace(reason)
	if actorID == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "actor_id", Message: "is required"}
	}
	if responsibleID == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "responsible_id", Message: "is required"}
	}
	if reassign && reason == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "reason", Message: "is required to reassign"}
	}
	seen, err := e.loadEntry(ctx, nil, entryID)
	if err != nil {
		return seen, err
	}
	if seen.Status.Terminal() {
		return seen, EntryLockedError{EntryID: entryID, Status: seen.Status}
	}
	if reassign && seen.ResponsibleID != nil && *seen.ResponsibleID == responsibleID {
		return seen, ValidationError{Field: "responsible_id", Message: fmt.Sprintf("entry is already assigned to %s", responsibleID)}
	}
	override, err := e.checkAssignee(ctx, entryID, seen.SectorID, responsibleID, actorID)
	if err != nil {
		return seen, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return seen, err
	}
	defer tx.Rollback()
	entry, err := e.loadEntry(ctx, tx, entryID)
	if err != nil {
		return entry, err
	}
	// The sector membership check ran against the version read above.
	if entry.Version != seen.Version {
		e.Metrics.Conflict()
		return entry, ConflictError{EntryID: entryID, Expected: seen.Status, Actual: entry.Status}
	}
	previous := entry.ResponsibleID
	now := e.now()
	entry.ResponsibleID = &responsibleID
	entry.UpdatedAt = now
	if err := e.Repo.UpdateEntryTx(ctx, tx, entry, entry.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			e.Metrics.Conflict()
			return entry, ConflictError{EntryID: entryID}
		}
		return entry, err
	}
	entry.Version++
	if _, err := e.Repo.InsertTransitionTx(ctx, tx, domain.Transition{
		EntryID:       entryID,
		TS:            now,
		ActorID:       actorID,
		FromState:     entry.Status,
		ToState:       entry.Status,
		Kind:          domain.KindAssignment,
		Reason:        reason,
		ResponsibleID: &responsibleID,
		SectorID:      entry.SectorID,
		Override:      override,
	}); err != nil {
		return entry, err
	}
	evt := events.EntryAssigned
	if reassign {
		evt = events.EntryReassigned
	}
	payload := events.EventPayload{"responsible_id": responsibleID, "override": override}
	if previous != nil {
		payload["previous_responsible_id"] = *previous
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.appendEvent(ctx, tx, evt, events.KindEntry, strconv.FormatInt(entryID, 10), actorID, payload); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}

	kind := NoticeAssigned
	if reassign {
		kind = NoticeReassigned
	}
	e.notify(ctx, responsibleID, kind, entryPayload(entry, map[string]any{"override": override, "reason": reason}))
	if previous != nil && *previous != responsibleID {
		e.notify(ctx, *previous, NoticeUnassigned, entryPayload(entry, map[string]any{"reason": reason}))
	}
	return entry, nil
}
