// Package report derives dashboard figures from the schedule store and its
// transition logs. Nothing here is cached or written.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pcpline/internal/config"
	"pcpline/internal/domain"
	"pcpline/internal/repo"
)

type Reader struct {
	Repo    repo.Repo
	Weights config.EfficiencyWeights
	Now     func() time.Time
}

func (r Reader) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Reader) weights() config.EfficiencyWeights {
	if r.Weights.OnTime == 0 && r.Weights.Rework == 0 {
		return config.EfficiencyWeights{OnTime: 0.7, Rework: 0.3}
	}
	return r.Weights
}

// Window selects entries whose planned start falls in [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("window from and to are required")
	}
	if !w.To.After(w.From) {
		return fmt.Errorf("window to must be after from")
	}
	return nil
}

type SectorEfficiency struct {
	SectorID   string  `json:"sector_id"`
	Entries    int     `json:"entries"`
	Delivered  int     `json:"delivered"`
	OnTimeRate float64 `json:"on_time_rate"`
	Rejections int     `json:"rejections"`
	ReworkRate float64 `json:"rework_rate"`
	Efficiency float64 `json:"efficiency"`
}

type CollaboratorRank struct {
	CollaboratorID string `json:"collaborator_id"`
	Approved       int    `json:"approved"`
	Transitions    int    `json:"transitions"`
}

type Summary struct {
	Window           Window                `json:"window"`
	SectorID         string                `json:"sector_id,omitempty"`
	Total            int                   `json:"total"`
	CountsByStatus   map[domain.Status]int `json:"counts_by_status"`
	Approved         int                   `json:"approved"`
	MeanCycleSeconds float64               `json:"mean_cycle_seconds"`
	Delivered        int                   `json:"delivered"`
	OnTimeRate       float64               `json:"on_time_rate"`
	Sectors          []SectorEfficiency    `json:"sectors"`
	Rankings         []CollaboratorRank    `json:"rankings"`
}

// entryFacts are the per-entry figures read off one transition log.
type entryFacts struct {
	created    time.Time
	approved   time.Time
	delivered  time.Time
	rejections int
}

func factsOf(log []domain.Transition) entryFacts {
	var f entryFacts
	for _, t := range log {
		switch {
		case t.Kind == domain.KindCreated:
			f.created = t.TS
		case t.Kind != domain.KindStatus:
		case t.ToState == domain.StatusAguardandoAprovacao:
			f.delivered = t.TS
		case t.ToState == domain.StatusAprovada:
			f.approved = t.TS
		case t.ToState == domain.StatusRejeitada:
			f.rejections++
		}
	}
	return f
}

// Summary computes the dashboard over a window, optionally for one sector.
// rankLimit caps the ranking, 0 means 10.
func (r Reader) Summary(ctx context.Context, w Window, sectorID string, rankLimit int) (Summary, error) {
	if err := w.validate(); err != nil {
		return Summary{}, err
	}
	if rankLimit <= 0 {
		rankLimit = 10
	}
	from, to := w.From.UTC(), w.To.UTC()
	var entries []domain.ScheduleEntry
	for e, err := range r.Repo.Entries(ctx, repo.EntryFilters{SectorID: sectorID, StartFrom: &from, StartTo: &to}) {
		if err != nil {
			return Summary{}, err
		}
		entries = append(entries, e)
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	logs, err := r.Repo.TransitionsForEntries(ctx, ids)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Window:         Window{From: from, To: to},
		SectorID:       sectorID,
		Total:          len(entries),
		CountsByStatus: map[domain.Status]int{},
	}
	type sectorAcc struct {
		entries, delivered, onTime, rejections int
	}
	sectors := map[string]*sectorAcc{}
	ranks := map[string]*CollaboratorRank{}
	rank := func(id string) *CollaboratorRank {
		if ranks[id] == nil {
			ranks[id] = &CollaboratorRank{CollaboratorID: id}
		}
		return ranks[id]
	}
	var cycleTotal time.Duration
	onTime := 0
	for _, e := range entries {
		s.CountsByStatus[e.Status]++
		acc := sectors[e.SectorID]
		if acc == nil {
			acc = &sectorAcc{}
			sectors[e.SectorID] = acc
		}
		acc.entries++
		log := logs[e.ID]
		f := factsOf(log)
		acc.rejections += f.rejections
		if !f.delivered.IsZero() {
			s.Delivered++
			acc.delivered++
			if !f.delivered.After(e.EndPlanned) {
				onTime++
				acc.onTime++
			}
		}
		if e.Status == domain.StatusAprovada && !f.approved.IsZero() && !f.created.IsZero() {
			s.Approved++
			cycleTotal += f.approved.Sub(f.created)
			if e.ResponsibleID != nil {
				rank(*e.ResponsibleID).Approved++
			}
		}
		for _, t := range log {
			if t.Kind == domain.KindStatus {
				rank(t.ActorID).Transitions++
			}
		}
	}
	if s.Approved > 0 {
		s.MeanCycleSeconds = cycleTotal.Seconds() / float64(s.Approved)
	}
	s.OnTimeRate = ratio(onTime, s.Delivered)

	weights := r.weights()
	for id, acc := range sectors {
		se := SectorEfficiency{
			SectorID:   id,
			Entries:    acc.entries,
			Delivered:  acc.delivered,
			OnTimeRate: ratio(acc.onTime, acc.delivered),
			Rejections: acc.rejections,
			ReworkRate: ratio(acc.rejections, acc.entries),
		}
		se.Efficiency = weights.OnTime*se.OnTimeRate + weights.Rework*(1-min(se.ReworkRate, 1))
		s.Sectors = append(s.Sectors, se)
	}
	sort.Slice(s.Sectors, func(i, j int) bool { return s.Sectors[i].SectorID < s.Sectors[j].SectorID })

	for _, rk := range ranks {
		s.Rankings = append(s.Rankings, *rk)
	}
	sort.Slice(s.Rankings, func(i, j int) bool {
		a, b := s.Rankings[i], s.Rankings[j]
		if a.Approved != b.Approved {
			return a.Approved > b.Approved
		}
		if a.Transitions != b.Transitions {
			return a.Transitions > b.Transitions
		}
		return a.CollaboratorID < b.CollaboratorID
	})
	if len(s.Rankings) > rankLimit {
		s.Rankings = s.Rankings[:rankLimit]
	}
	return s, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// OverdueEntry is an entry past its planned end, with its display status.
type OverdueEntry struct {
	domain.ScheduleEntry
	DisplayStatus string  `json:"display_status"`
	LateSeconds   float64 `json:"late_seconds"`
}

// Overdue lists live entries whose planned end has passed.
func (r Reader) Overdue(ctx context.Context, sectorID string) ([]OverdueEntry, error) {
	now := r.now()
	var res []OverdueEntry
	f := repo.EntryFilters{
		SectorID: sectorID,
		Statuses: []domain.Status{domain.StatusProgramada, domain.StatusEnviada, domain.StatusEmAndamento, domain.StatusRejeitada},
		Order:    repo.OrderStart,
	}
	for e, err := range r.Repo.Entries(ctx, f) {
		if err != nil {
			return nil, err
		}
		if !domain.Overdue(e, now) {
			continue
		}
		res = append(res, OverdueEntry{
			ScheduleEntry: e,
			DisplayStatus: domain.DisplayStatus(e, now),
			LateSeconds:   now.Sub(e.EndPlanned).Seconds(),
		})
	}
	return res, nil
}
