package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pcpline/internal/config"
	"pcpline/internal/domain"
	"pcpline/internal/engine/auth"
	"pcpline/internal/events"
	"pcpline/internal/logger"
	"pcpline/internal/metrics"
	"pcpline/internal/repo"
)

// Directory resolves organizational identities. It is read-only here.
type Directory interface {
	ResolveCollaborator(ctx context.Context, id string) (domain.Collaborator, error)
	ResolveSector(ctx context.Context, id string) (domain.Sector, error)
}

// WorkOrderRegistry owns the canonical work order records.
type WorkOrderRegistry interface {
	Exists(ctx context.Context, workOrderID string) (bool, error)
	Summary(ctx context.Context, workOrderID string) (domain.WorkOrderSummary, error)
}

// Notifier receives fire-and-forget notices after a mutation commits.
type Notifier interface {
	Notify(ctx context.Context, collaboratorID, kind string, payload map[string]any)
}

// Notification kinds.
const (
	NoticeAssigned   = "entry.assigned"
	NoticeReassigned = "entry.reassigned"
	NoticeUnassigned = "entry.unassigned"
	NoticeStatus     = "entry.status_changed"
	NoticePendency   = "pendency.opened"
)

// Engine runs every schedule and pendency mutation in its own transaction.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Directory  Directory
	WorkOrders WorkOrderRegistry
	Auth       auth.Service
	Notifier   Notifier
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// New builds an engine over db. Directory and registry are usually the same
// directory cache; notifier and metrics may be nil.
func New(db *sql.DB, cfg *config.Config, dir Directory, workOrders WorkOrderRegistry, notifier Notifier, m *metrics.Metrics) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Directory:  dir,
		WorkOrders: workOrders,
		Auth:       auth.Service{Directory: dir, Roles: cfg},
		Notifier:   notifier,
		Metrics:    m,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// appendEvent stamps audit events with the engine clock unless the writer has its own.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

func (e Engine) notify(ctx context.Context, collaboratorID, kind string, payload map[string]any) {
	if e.Notifier == nil || collaboratorID == "" {
		return
	}
	e.Notifier.Notify(context.WithoutCancel(ctx), collaboratorID, kind, payload)
}

func entryNotFound(id int64) error {
	return NotFoundError{Kind: "schedule entry", ID: strconv.FormatInt(id, 10)}
}

func (e Engine) loadEntry(ctx context.Context, tx *sql.Tx, id int64) (domain.ScheduleEntry, error) {
	var (
		entry domain.ScheduleEntry
		err   error
	)
	if tx != nil {
		entry, err = e.Repo.GetEntryTx(ctx, tx, id)
	} else {
		entry, err = e.Repo.GetEntry(ctx, id)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return entry, entryNotFound(id)
	}
	return entry, err
}

// EntryCreateOptions are parameters for scheduling a work order.
type EntryCreateOptions struct {
	WorkOrderID   string
	SectorID      string
	ResponsibleID string
	StartPlanned  time.Time
	EndPlanned    time.Time
	Priority      domain.Priority
	Notes         string
	ActorID       string
}

// plannedTime drops precision the store cannot keep.
func plannedTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

func validateWindow(start, end time.Time) error {
	if start.IsZero() {
		return ValidationError{Field: "start_planned", Message: "is required"}
	}
	if end.IsZero() {
		return ValidationError{Field: "end_planned", Message: "is required"}
	}
	if !end.After(start) {
		return ValidationError{Field: "end_planned", Message: "must be after start_planned"}
	}
	return nil
}

// CreateEntry schedules a work order in a sector. The entry starts PROGRAMADA.
func (e Engine) CreateEntry(ctx context.Context, opts EntryCreateOptions) (domain.ScheduleEntry, error) {
	opts.WorkOrderID = strings.TrimSpace(opts.WorkOrderID)
	opts.SectorID = strings.TrimSpace(opts.SectorID)
	if opts.ActorID == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "actor_id", Message: "is required"}
	}
	if opts.WorkOrderID == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "work_order_id", Message: "is required"}
	}
	if opts.SectorID == "" {
		return domain.ScheduleEntry{}, ValidationError{Field: "sector_id", Message: "is required"}
	}
	opts.StartPlanned = plannedTime(opts.StartPlanned)
	opts.EndPlanned = plannedTime(opts.EndPlanned)
	if err := validateWindow(opts.StartPlanned, opts.EndPlanned); err != nil {
		return domain.ScheduleEntry{}, err
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return domain.ScheduleEntry{}, ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", opts.Priority)}
	}
	if err := e.Auth.Require(ctx, opts.ActorID, auth.PermSchedule); err != nil {
		return domain.ScheduleEntry{}, err
	}
	exists, err := e.WorkOrders.Exists(ctx, opts.WorkOrderID)
	if err != nil {
		return domain.ScheduleEntry{}, err
	}
	if !exists {
		return domain.ScheduleEntry{}, ValidationError{Field: "work_order_id", Message: fmt.Sprintf("work order %s does not exist", opts.WorkOrderID)}
	}
	sector, err := e.Directory.ResolveSector(ctx, opts.SectorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ScheduleEntry{}, ValidationError{Field: "sector_id", Message: fmt.Sprintf("sector %s does not exist", opts.SectorID)}
	}
	if err != nil {
		return domain.ScheduleEntry{}, err
	}
	var responsible *string
	override := false
	if opts.ResponsibleID != "" {
		override, err = e.checkAssignee(ctx, 0, sector.ID, opts.ResponsibleID, opts.ActorID)
		if err != nil {
			return domain.ScheduleEntry{}, err
		}
		responsible = &opts.ResponsibleID
	}

	now := e.now()
	entry := domain.ScheduleEntry{
		WorkOrderID:   opts.WorkOrderID,
		SectorID:      sector.ID,
		DepartmentID:  sector.DepartmentID,
		ResponsibleID: responsible,
		StartPlanned:  opts.StartPlanned,
		EndPlanned:    opts.EndPlanned,
		Status:        domain.StatusProgramada,
		Priority:      opts.Priority,
		Notes:         opts.Notes,
		Version:       1,
		CreatedBy:     opts.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()
	entry.ID, err = e.Repo.InsertEntryTx(ctx, tx, entry)
	if err != nil {
		return entry, err
	}
	if _, err := e.Repo.InsertTransitionTx(ctx, tx, domain.Transition{
		EntryID:       entry.ID,
		TS:            now,
		ActorID:       opts.ActorID,
		ToState:       domain.StatusProgramada,
		Kind:          domain.KindCreated,
		ResponsibleID: responsible,
		SectorID:      sector.ID,
		Override:      override,
	}); err != nil {
		return entry, err
	}
	if err := e.appendEvent(ctx, tx, events.EntryCreated, events.KindEntry, strconv.FormatInt(entry.ID, 10), opts.ActorID, events.EventPayload{
		"work_order_id": entry.WorkOrderID,
		"sector_id":     entry.SectorID,
		"start_planned": repo.FormatTime(entry.StartPlanned),
		"end_planned":   repo.FormatTime(entry.EndPlanned),
	}); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	logger.Debug("schedule entry created", zap.Int64("entry_id", entry.ID), zap.String("work_order_id", entry.WorkOrderID))
	if responsible != nil {
		e.notify(ctx, *responsible, NoticeAssigned, entryPayload(entry, nil))
	}
	return entry, nil
}

// GetEntry returns the entry with its transition log.
func (e Engine) GetEntry(ctx context.Context, id int64) (domain.ScheduleEntry, error) {
	entry, err := e.loadEntry(ctx, nil, id)
	if err != nil {
		return entry, err
	}
	entry.TransitionLog, err = e.Repo.ListTransitions(ctx, id)
	return entry, err
}

func (e Engine) ListTransitions(ctx context.Context, id int64) ([]domain.Transition, error) {
	if _, err := e.loadEntry(ctx, nil, id); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, id)
}

// ListEntries returns one page plus the cursor of the next one, empty at the end.
func (e Engine) ListEntries(ctx context.Context, f repo.EntryFilters, cursor string) ([]domain.ScheduleEntry, string, error) {
	if err := validateFilters(f); err != nil {
		return nil, "", err
	}
	key, id, err := repo.ParseCursor(cursor)
	if err != nil {
		return nil, "", ValidationError{Field: "cursor", Message: "invalid cursor"}
	}
	if f.Order == repo.OrderStart {
		if id > 0 && key == "" {
			return nil, "", ValidationError{Field: "cursor", Message: "cursor does not match order"}
		}
		f.AfterStart, f.AfterID = key, id
	} else {
		if key != "" {
			return nil, "", ValidationError{Field: "cursor", Message: "cursor does not match order"}
		}
		f.AfterID = id
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	f.Limit = limit + 1
	items, err := e.Repo.ListEntries(ctx, f)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) > limit {
		items = items[:limit]
		next = repo.EntryCursor(items[limit-1], f.Order)
	}
	return items, next, nil
}

// Entries walks every matching entry lazily; ranging again restarts the walk.
func (e Engine) Entries(ctx context.Context, f repo.EntryFilters) iter.Seq2[domain.ScheduleEntry, error] {
	if err := validateFilters(f); err != nil {
		return func(yield func(domain.ScheduleEntry, error) bool) {
			yield(domain.ScheduleEntry{}, err)
		}
	}
	return e.Repo.Entries(ctx, f)
}

func validateFilters(f repo.EntryFilters) error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
		}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", f.Priority)}
	}
	if f.Order != "" && f.Order != repo.OrderInsertion && f.Order != repo.OrderStart {
		return ValidationError{Field: "order", Message: fmt.Sprintf("unknown order %q", f.Order)}
	}
	if f.StartFrom != nil && f.StartTo != nil && !f.StartTo.After(*f.StartFrom) {
		return ValidationError{Field: "start_to", Message: "must be after start_from"}
	}
	return nil
}

func entryPayload(entry domain.ScheduleEntry, extra map[string]any) map[string]any {
	p := map[string]any{
		"entry_id":      entry.ID,
		"work_order_id": entry.WorkOrderID,
		"sector_id":     entry.SectorID,
		"status":        string(entry.Status),
		"start_planned": repo.FormatTime(entry.StartPlanned),
		"end_planned":   repo.FormatTime(entry.EndPlanned),
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}
