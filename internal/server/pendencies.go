package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"pcpline/internal/domain"
	"pcpline/internal/engine"
	"pcpline/internal/repo"
)

type pendencyOutput struct {
	Body domain.Pendency `json:"body"`
}

func registerPendencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-pendency",
		Method:        http.MethodPost,
		Path:          "/pendencies",
		Summary:       "Raise a pendency against a work order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body OpenPendencyRequest `json:"body"`
	}) (*pendencyOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.OpenPendency(ctx, input.Body.WorkOrderID, actorID, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &pendencyOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pendencies",
		Method:      http.MethodGet,
		Path:        "/pendencies",
		Summary:     "List pendencies",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkOrderID string `query:"work_order_id"`
		Status      string `query:"status"`
		RaisedBy    string `query:"raised_by"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedPendencies `json:"body"`
	}, error) {
		items, next, err := e.ListPendencies(ctx, repo.PendencyFilters{
			WorkOrderID: input.WorkOrderID,
			Status:      domain.PendencyStatus(strings.ToUpper(input.Status)),
			RaisedBy:    input.RaisedBy,
			Limit:       normalizeLimit(input.Limit),
		}, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedPendencies `json:"body"`
		}{Body: paginatedPendencies{Items: nonNilSlice(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pendency",
		Method:      http.MethodGet,
		Path:        "/pendencies/{id}",
		Summary:     "Get a pendency",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*pendencyOutput, error) {
		p, err := e.GetPendency(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &pendencyOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{id}/start",
		Summary:     "Mark a pendency as being worked on",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*pendencyOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.StartPendency(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &pendencyOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{id}/close",
		Summary:     "Close a pendency",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body ClosePendencyRequest `json:"body"`
	}) (*pendencyOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ClosePendency(ctx, input.ID, input.Body.ResolutionNotes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &pendencyOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-open-pendencies",
		Method:      http.MethodGet,
		Path:        "/work-orders/{work_order_id}/pendencies/open",
		Summary:     "Pendencies still blocking approval for a work order",
	}, func(ctx context.Context, input *struct {
		WorkOrderID string `path:"work_order_id"`
	}) (*struct {
		Body []domain.Pendency `json:"body"`
	}, error) {
		items, err := e.ListOpenPendencies(ctx, input.WorkOrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Pendency `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
