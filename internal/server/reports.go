package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pcpline/internal/report"
)

func registerReports(api huma.API, r report.Reader) {
	huma.Register(api, huma.Operation{
		OperationID: "report-summary",
		Method:      http.MethodGet,
		Path:        "/reports/summary",
		Summary:     "Status counts, cycle time, sector efficiency and rankings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		From      string `query:"from" required:"true"`
		To        string `query:"to" required:"true"`
		SectorID  string `query:"sector_id"`
		RankLimit int    `query:"rank_limit"`
	}) (*struct {
		Body report.Summary `json:"body"`
	}, error) {
		from, terr := parseTimeQuery("from", input.From)
		if terr != nil {
			return nil, terr
		}
		to, terr := parseTimeQuery("to", input.To)
		if terr != nil {
			return nil, terr
		}
		if from == nil || to == nil || !to.After(*from) {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "to must be after from", map[string]any{"field": "to"})
		}
		s, err := r.Summary(ctx, report.Window{From: *from, To: *to}, input.SectorID, input.RankLimit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.Summary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-overdue",
		Method:      http.MethodGet,
		Path:        "/reports/overdue",
		Summary:     "Live entries past their planned end",
	}, func(ctx context.Context, input *struct {
		SectorID string `query:"sector_id"`
	}) (*struct {
		Body []report.OverdueEntry `json:"body"`
	}, error) {
		items, err := r.Overdue(ctx, input.SectorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []report.OverdueEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
