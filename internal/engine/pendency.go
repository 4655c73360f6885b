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

func pendencyNotFound(id int64) error {
	return NotFoundError{Kind: "pendency", ID: strconv.FormatInt(id, 10)}
}

// OpenPendency records a blocking issue against a work order.
func (e Engine) OpenPendency(ctx context.Context, workOrderID, raisedBy, description string) (domain.Pendency, error) {
	workOrderID = strings.TrimSpace(workOrderID)
	description = strings.TrimSpace(description)
	if workOrderID == "" {
		return domain.Pendency{}, ValidationError{Field: "work_order_id", Message: "is required"}
	}
	if raisedBy == "" {
		return domain.Pendency{}, ValidationError{Field: "raised_by", Message: "is required"}
	}
	if description == "" {
		return domain.Pendency{}, ValidationError{Field: "description", Message: "is required"}
	}
	exists, err := e.WorkOrders.Exists(ctx, workOrderID)
	if err != nil {
		return domain.Pendency{}, err
	}
	if !exists {
		return domain.Pendency{}, ValidationError{Field: "work_order_id", Message: fmt.Sprintf("work order %s does not exist", workOrderID)}
	}
	now := e.now()
	p := domain.Pendency{
		WorkOrderID: workOrderID,
		RaisedBy:    raisedBy,
		Description: description,
		Status:      domain.PendencyAberta,
		OpenedAt:    now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if p.ID, err = e.Repo.InsertPendencyTx(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.appendEvent(ctx, tx, events.PendencyOpened, events.KindPendency, strconv.FormatInt(p.ID, 10), raisedBy, events.EventPayload{
		"work_order_id": workOrderID,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.notifyPendency(ctx, p)
	return p, nil
}

// notifyPendency tells the responsibles of live entries for the work order.
func (e Engine) notifyPendency(ctx context.Context, p domain.Pendency) {
	if e.Notifier == nil {
		return
	}
	entries, err := e.Repo.ListEntries(ctx, repo.EntryFilters{
		WorkOrderID: p.WorkOrderID,
		Statuses: []domain.Status{
			domain.StatusProgramada, domain.StatusEnviada, domain.StatusEmAndamento,
			domain.StatusAguardandoAprovacao, domain.StatusRejeitada,
		},
	})
	if err != nil {
		logger.Warn("pendency notification lookup failed", zap.Int64("pendency_id", p.ID), zap.Error(err))
		return
	}
	notified := map[string]bool{}
	for _, entry := range entries {
		if entry.ResponsibleID == nil || notified[*entry.ResponsibleID] {
			continue
		}
		notified[*entry.ResponsibleID] = true
		e.notify(ctx, *entry.ResponsibleID, NoticePendency, map[string]any{
			"pendency_id":   p.ID,
			"work_order_id": p.WorkOrderID,
			"description":   p.Description,
			"entry_id":      entry.ID,
		})
	}
}

// StartPendency moves an ABERTA pendency to EM_ANDAMENTO. Starting one already
// in progress is a no-op.
func (e Engine) StartPendency(ctx context.Context, id int64, actorID string) (domain.Pendency, error) {
	if actorID == "" {
		return domain.Pendency{}, ValidationError{Field: "actor_id", Message: "is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pendency{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPendencyTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, pendencyNotFound(id)
	}
	if err != nil {
		return p, err
	}
	if settled, err := startSettled(p); settled {
		return p, err
	}
	p.Status = domain.PendencyEmAndamento
	p.UpdatedAt = e.now()
	if err := e.Repo.UpdatePendencyTx(ctx, tx, p, domain.PendencyAberta); err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			return p, err
		}
		current, gerr := e.Repo.GetPendencyTx(ctx, tx, id)
		if errors.Is(gerr, repo.ErrNotFound) {
			return current, pendencyNotFound(id)
		}
		if gerr != nil {
			return current, gerr
		}
		if settled, serr := startSettled(current); settled {
			return current, serr
		}
		return current, fmt.Errorf("start pendency %d: %w", id, err)
	}
	if err := e.appendEvent(ctx, tx, events.PendencyStarted, events.KindPendency, strconv.FormatInt(id, 10), actorID, nil); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// startSettled reports whether p is past ABERTA. Closed pendencies cannot be
// started; one already in progress is returned unchanged.
func startSettled(p domain.Pendency) (bool, error) {
	switch p.Status {
	case domain.PendencyFechada:
		return true, AlreadyClosedError{PendencyID: p.ID}
	case domain.PendencyEmAndamento:
		return true, nil
	}
	return false, nil
}

// ClosePendency resolves a pendency. FECHADA is terminal.
func (e Engine) ClosePendency(ctx context.Context, id int64, resolutionNotes, actorID string) (domain.Pendency, error) {
	if actorID == "" {
		return domain.Pendency{}, ValidationError{Field: "actor_id", Message: "is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pendency{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPendencyTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, pendencyNotFound(id)
	}
	if err != nil {
		return p, err
	}
	if p.Status == domain.PendencyFechada {
		return p, AlreadyClosedError{PendencyID: id}
	}
	expected := p.Status
	now := e.now()
	p.Status = domain.PendencyFechada
	p.ClosedAt = &now
	p.ClosedBy = &actorID
	p.ResolutionNotes = strings.TrimSpace(resolutionNotes)
	p.UpdatedAt = now
	if err := e.Repo.UpdatePendencyTx(ctx, tx, p, expected); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return p, AlreadyClosedError{PendencyID: id}
		}
		return p, err
	}
	if err := e.appendEvent(ctx, tx, events.PendencyClosed, events.KindPendency, strconv.FormatInt(id, 10), actorID, events.EventPayload{
		"work_order_id": p.WorkOrderID,
	}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) GetPendency(ctx context.Context, id int64) (domain.Pendency, error) {
	p, err := e.Repo.GetPendency(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, pendencyNotFound(id)
	}
	return p, err
}

// ListOpenPendencies returns the ABERTA and EM_ANDAMENTO pendencies of a work order.
func (e Engine) ListOpenPendencies(ctx context.Context, workOrderID string) ([]domain.Pendency, error) {
	if workOrderID == "" {
		return nil, ValidationError{Field: "work_order_id", Message: "is required"}
	}
	return e.Repo.ListOpenPendencies(ctx, workOrderID)
}

// ListPendencies pages through pendencies in id order.
func (e Engine) ListPendencies(ctx context.Context, f repo.PendencyFilters, cursor string) ([]domain.Pendency, string, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, "", ValidationError{Field: "status", Message: fmt.Sprintf("unknown pendency status %q", f.Status)}
	}
	key, id, err := repo.ParseCursor(cursor)
	if err != nil || key != "" {
		return nil, "", ValidationError{Field: "cursor", Message: "invalid cursor"}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	f.AfterID = id
	f.Limit = limit + 1
	items, err := e.Repo.ListPendencies(ctx, f)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) > limit {
		items = items[:limit]
		next = repo.ComposeCursor("", items[limit-1].ID)
	}
	return items, next, nil
}
