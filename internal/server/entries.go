package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"pcpline/internal/domain"
	"pcpline/internal/engine"
	"pcpline/internal/repo"
)

var entryErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type entryPath struct {
	ID int64 `path:"id"`
}

type entryOutput struct {
	Body EntryResponse `json:"body"`
}

func (out *entryOutput) set(e engine.Engine, entry domain.ScheduleEntry) *entryOutput {
	out.Body = entryResponse(entry, e.Now())
	return out
}

func registerEntries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entry",
		Method:        http.MethodPost,
		Path:          "/schedule-entries",
		Summary:       "Schedule a work order in a sector",
		DefaultStatus: http.StatusCreated,
		Errors:        entryErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateEntryRequest `json:"body"`
	}) (*entryOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EntryCreateOptions{
			WorkOrderID:  input.Body.WorkOrderID,
			SectorID:     input.Body.SectorID,
			StartPlanned: input.Body.StartPlanned,
			EndPlanned:   input.Body.EndPlanned,
			Priority:     domain.Priority(input.Body.Priority),
			Notes:        input.Body.Notes,
			ActorID:      actorID,
		}
		if input.Body.ResponsibleID != nil {
			opts.ResponsibleID = *input.Body.ResponsibleID
		}
		entry, err := e.CreateEntry(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return (&entryOutput{}).set(e, entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/schedule-entries",
		Summary:     "List schedule entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" doc:"Comma-separated statuses"`
		SectorID      string `query:"sector_id"`
		DepartmentID  string `query:"department_id"`
		Priority      string `query:"priority"`
		WorkOrderID   string `query:"work_order_id"`
		ResponsibleID string `query:"responsible_id"`
		Assigned      string `query:"assigned" enum:"true,false"`
		StartFrom     string `query:"start_from"`
		StartTo       string `query:"start_to"`
		Order         string `query:"order" enum:"insertion,start_planned"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedEntries `json:"body"`
	}, error) {
		f := repo.EntryFilters{
			SectorID:      input.SectorID,
			DepartmentID:  input.DepartmentID,
			Priority:      domain.Priority(input.Priority),
			WorkOrderID:   input.WorkOrderID,
			ResponsibleID: input.ResponsibleID,
			Order:         input.Order,
			Limit:         normalizeLimit(input.Limit),
		}
		for _, s := range splitList(input.Status) {
			f.Statuses = append(f.Statuses, domain.Status(strings.ToUpper(s)))
		}
		if input.Assigned != "" {
			assigned, err := strconv.ParseBool(input.Assigned)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation_error", "assigned must be true or false", map[string]any{"field": "assigned"})
			}
			f.Assigned = &assigned
		}
		var terr huma.StatusError
		if f.StartFrom, terr = parseTimeQuery("start_from", input.StartFrom); terr != nil {
			return nil, terr
		}
		if f.StartTo, terr = parseTimeQuery("start_to", input.StartTo); terr != nil {
			return nil, terr
		}
		items, next, err := e.ListEntries(ctx, f, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEntries `json:"body"`
		}{Body: paginatedEntries{Items: mapEntries(items, e.Now()), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/schedule-entries/{id}",
		Summary:     "Get a schedule entry with its transition log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*entryOutput, error) {
		entry, err := e.GetEntry(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := (&entryOutput{}).set(e, entry)
		if e.WorkOrders != nil {
			if summary, err := e.WorkOrders.Summary(ctx, entry.WorkOrderID); err == nil {
				out.Body.WorkOrder = &summary
			}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-entry",
		Method:      http.MethodPatch,
		Path:        "/schedule-entries/{id}",
		Summary:     "Edit planning fields",
		Errors:      entryErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body EditEntryRequest `json:"body"`
	}) (*entryOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EntryEditOptions{
			EntryID:      input.ID,
			StartPlanned: input.Body.StartPlanned,
			EndPlanned:   input.Body.EndPlanned,
			Notes:        input.Body.Notes,
			ActorID:      actorID,
		}
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			opts.Priority = &p
		}
		entry, err := e.Edit(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return (&entryOutput{}).set(e, entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-entry",
		Method:      http.MethodPost,
		Path:        "/schedule-entries/{id}/assign",
		Summary:     "Assign the responsible collaborator",
		Errors:      entryErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*entryOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Assign(ctx, input.ID, input.Body.ResponsibleID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return (&entryOutput{}).set(e, entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-entry",
		Method:      http.MethodPost,
		Path:        "/schedule-entries/{id}/reassign",
		Summary:     "Replace the responsible collaborator",
		Errors:      entryErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body ReassignRequest `json:"body"`
	}) (*entryOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Reassign(ctx, input.ID, input.Body.ResponsibleID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return (&entryOutput{}).set(e, entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-entry",
		Method:      http.MethodPost,
		Path:        "/schedule-entries/{id}/cancel",
		Summary:     "Cancel an entry",
		Errors:      entryErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body CancelRequest `json:"body"`
	}) (*entryOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.Cancel(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return (&entryOutput{}).set(e, entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-entry",
		Method:      http.MethodPost,
		Path:        "/schedule-entries/{id}/transitions",
		Summary:     "Move an entry along its lifecycle",
		Description: "Retries carrying the same Idempotency-Key return the current entry without a second transition.",
		Errors:      entryErrors,
	}, func(ctx context.Context, input *struct {
		ID             int64             `path:"id"`
		IdempotencyKey string            `header:"Idempotency-Key"`
		Body           TransitionRequest `json:"body"`
	}) (*entryOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := input.Body.IdempotencyKey
		if key == "" {
			key = input.IdempotencyKey
		}
		entry, err := e.Transition(ctx, engine.TransitionOptions{
			EntryID:        input.ID,
			To:             domain.Status(input.Body.To),
			ExpectedState:  domain.Status(input.Body.ExpectedState),
			ActorID:        actorID,
			Reason:         input.Body.Reason,
			IdempotencyKey: key,
			TargetSectorID: input.Body.TargetSectorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return (&entryOutput{}).set(e, entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/schedule-entries/{id}/transitions",
		Summary:     "Transition log of an entry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entryPath) (*struct {
		Body []domain.Transition `json:"body"`
	}, error) {
		items, err := e.ListTransitions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transition `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
