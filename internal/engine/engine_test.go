package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcpline/internal/config"
	"pcpline/internal/db"
	"pcpline/internal/directory"
	"pcpline/internal/domain"
	"pcpline/internal/engine"
	"pcpline/internal/engine/auth"
	"pcpline/internal/migrate"
	"pcpline/internal/notify"
	"pcpline/internal/repo"
)

type notice struct {
	CollaboratorID string
	Kind           string
	Payload        map[string]any
}

type recorder struct {
	mu      sync.Mutex
	notices []notice
}

func (r *recorder) Notify(_ context.Context, collaboratorID, kind string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{CollaboratorID: collaboratorID, Kind: kind, Payload: payload})
}

func (r *recorder) kinds(collaboratorID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		if n.CollaboratorID == collaboratorID {
			out = append(out, n.Kind)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Clock    *clock
	Notices  *recorder
	Dir      *directory.Cache
	Repo     repo.Repo
	morning  time.Time
	evening  time.Time
	sequence int
}

var seed = directory.File{
	Sectors: []domain.Sector{
		{ID: "S1", Name: "Usinagem", DepartmentID: "D1"},
		{ID: "S2", Name: "Montagem", DepartmentID: "D2"},
	},
	Collaborators: []domain.Collaborator{
		{ID: "U7", Name: "Ana", SectorID: "S1", Role: "TECNICO"},
		{ID: "U8", Name: "Caio", SectorID: "S2", Role: "TECNICO"},
		{ID: "U9", Name: "Duda", SectorID: "S1", Role: "TECNICO"},
		{ID: "PCP1", Name: "Planejador", SectorID: "S1", Role: "PCP"},
		{ID: "SUP", Name: "Supervisor", SectorID: "S1", Role: "SUPERVISOR"},
		{ID: "ADM", Name: "Admin", SectorID: "S1", Role: "ADMIN"},
	},
	WorkOrders: []domain.WorkOrder{
		{ID: "OS-1", Number: "1001", Machine: "Torno CNC", Description: "Troca de rolamento"},
		{ID: "OS-2", Number: "1002", Machine: "Prensa", Description: "Revisão hidráulica"},
	},
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	cache, err := directory.NewCache(directory.Store{Repo: r}, 0)
	require.NoError(t, err)
	_, err = cache.Import(ctx, seed)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)}
	notices := &recorder{}
	eng := engine.New(conn, config.Default(), cache, cache, notices, nil)
	eng.Now = clk.Now
	return &testEnv{
		Engine:  eng,
		Ctx:     ctx,
		Clock:   clk,
		Notices: notices,
		Dir:     cache,
		Repo:    r,
		morning: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC),
		evening: time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC),
	}
}

// schedule creates an entry for OS-1 in S1 with U7 responsible.
func (env *testEnv) schedule(t *testing.T) domain.ScheduleEntry {
	t.Helper()
	return env.scheduleFor(t, "OS-1", "U7")
}

func (env *testEnv) scheduleFor(t *testing.T, workOrderID, responsibleID string) domain.ScheduleEntry {
	t.Helper()
	env.sequence++
	offset := time.Duration(env.sequence) * time.Minute
	entry, err := env.Engine.CreateEntry(env.Ctx, engine.EntryCreateOptions{
		WorkOrderID:   workOrderID,
		SectorID:      "S1",
		ResponsibleID: responsibleID,
		StartPlanned:  env.morning.Add(offset),
		EndPlanned:    env.evening.Add(offset),
		ActorID:       "PCP1",
	})
	require.NoError(t, err)
	return entry
}

func (env *testEnv) move(t *testing.T, id int64, actor string, to ...domain.Status) domain.ScheduleEntry {
	t.Helper()
	var entry domain.ScheduleEntry
	var err error
	for _, s := range to {
		env.Clock.Advance(time.Minute)
		opts := engine.TransitionOptions{EntryID: id, To: s, ActorID: actor, Reason: "test"}
		if s == domain.StatusEnviada {
			opts.TargetSectorID = "S2"
		}
		entry, err = env.Engine.Transition(env.Ctx, opts)
		require.NoError(t, err, "transition to %s", s)
	}
	return entry
}

func (env *testEnv) logOf(t *testing.T, id int64) []domain.Transition {
	t.Helper()
	log, err := env.Engine.ListTransitions(env.Ctx, id)
	require.NoError(t, err)
	return log
}

// assertConsistent checks that the stored status is the target of the last
// status-changing row of the log.
func (env *testEnv) assertConsistent(t *testing.T, id int64) {
	t.Helper()
	entry, err := env.Engine.GetEntry(env.Ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, entry.TransitionLog)
	assert.Equal(t, domain.KindCreated, entry.TransitionLog[0].Kind)
	var last domain.Status
	for i, row := range entry.TransitionLog {
		if i > 0 {
			assert.False(t, row.TS.Before(entry.TransitionLog[i-1].TS), "log timestamps must not go backwards")
		}
		if row.Kind != domain.KindAssignment {
			last = row.ToState
		}
	}
	assert.Equal(t, last, entry.Status)
}

func TestCreateEntryStartsProgramada(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)

	assert.Equal(t, domain.StatusProgramada, entry.Status)
	assert.Equal(t, "D1", entry.DepartmentID)
	assert.Equal(t, domain.PriorityNormal, entry.Priority)
	require.NotNil(t, entry.ResponsibleID)
	assert.Equal(t, "U7", *entry.ResponsibleID)

	log := env.logOf(t, entry.ID)
	require.Len(t, log, 1)
	assert.Equal(t, domain.Status(""), log[0].FromState)
	assert.Equal(t, domain.StatusProgramada, log[0].ToState)
	assert.Equal(t, "PCP1", log[0].ActorID)
	assert.Equal(t, []string{engine.NoticeAssigned}, env.Notices.kinds("U7"))
	env.assertConsistent(t, entry.ID)
}

func TestCreateEntryValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.EntryCreateOptions{
		WorkOrderID:  "OS-1",
		SectorID:     "S1",
		StartPlanned: env.morning,
		EndPlanned:   env.evening,
		ActorID:      "PCP1",
	}
	cases := []struct {
		name  string
		mut   func(o *engine.EntryCreateOptions)
		field string
	}{
		{"end before start", func(o *engine.EntryCreateOptions) { o.EndPlanned = o.StartPlanned.Add(-time.Hour) }, "end_planned"},
		{"end equals start", func(o *engine.EntryCreateOptions) { o.EndPlanned = o.StartPlanned }, "end_planned"},
		{"window under a microsecond", func(o *engine.EntryCreateOptions) { o.EndPlanned = o.StartPlanned.Add(500 * time.Nanosecond) }, "end_planned"},
		{"missing start", func(o *engine.EntryCreateOptions) { o.StartPlanned = time.Time{} }, "start_planned"},
		{"unknown work order", func(o *engine.EntryCreateOptions) { o.WorkOrderID = "OS-404" }, "work_order_id"},
		{"unknown sector", func(o *engine.EntryCreateOptions) { o.SectorID = "S9" }, "sector_id"},
		{"bad priority", func(o *engine.EntryCreateOptions) { o.Priority = "CRITICA" }, "priority"},
		{"missing actor", func(o *engine.EntryCreateOptions) { o.ActorID = "" }, "actor_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mut(&opts)
			_, err := env.Engine.CreateEntry(env.Ctx, opts)
			var verr engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	items, _, err := env.Engine.ListEntries(env.Ctx, repo.EntryFilters{}, "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPlannedTimesKeepStoredPrecision(t *testing.T) {
	env := newTestEnv(t)
	start := env.morning.Add(123456789 * time.Nanosecond)
	entry, err := env.Engine.CreateEntry(env.Ctx, engine.EntryCreateOptions{
		WorkOrderID:  "OS-1",
		SectorID:     "S1",
		StartPlanned: start,
		EndPlanned:   env.evening,
		ActorID:      "PCP1",
	})
	require.NoError(t, err)
	assert.Equal(t, start.Truncate(time.Microsecond), entry.StartPlanned)

	stored, err := env.Engine.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, stored.StartPlanned.Equal(entry.StartPlanned))

	end := entry.StartPlanned.Add(999 * time.Nanosecond)
	_, err = env.Engine.Edit(env.Ctx, engine.EntryEditOptions{EntryID: entry.ID, EndPlanned: &end, ActorID: "PCP1"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "end_planned", verr.Field)
}

func TestCreateEntryRequiresSchedulerRole(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateEntry(env.Ctx, engine.EntryCreateOptions{
		WorkOrderID:  "OS-1",
		SectorID:     "S1",
		StartPlanned: env.morning,
		EndPlanned:   env.evening,
		ActorID:      "U7",
	})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, auth.PermSchedule, forbidden.Permission)
}

// Happy path to approval, then an illegal move out of the terminal state.
func TestScenarioApprovalAndTerminalLock(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)

	entry = env.move(t, entry.ID, "U7", domain.StatusEmAndamento, domain.StatusAguardandoAprovacao)
	entry = env.move(t, entry.ID, "SUP", domain.StatusAprovada)
	assert.Equal(t, domain.StatusAprovada, entry.Status)
	assert.Len(t, env.logOf(t, entry.ID), 4)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		EntryID:       entry.ID,
		To:            domain.StatusEmAndamento,
		ExpectedState: domain.StatusAprovada,
		ActorID:       "SUP",
	})
	var terr engine.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.StatusAprovada, terr.From)
	assert.Equal(t, domain.StatusEmAndamento, terr.To)
	assert.Empty(t, terr.Allowed)

	after, err := env.Engine.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAprovada, after.Status)
	assert.Len(t, after.TransitionLog, 4)
	env.assertConsistent(t, entry.ID)
}

// An open pendency vetoes approval until it is closed.
func TestScenarioPendencyBlocksApproval(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)
	env.move(t, entry.ID, "U7", domain.StatusEmAndamento, domain.StatusAguardandoAprovacao)

	p, err := env.Engine.OpenPendency(env.Ctx, "OS-1", "U7", "falta peça")
	require.NoError(t, err)
	assert.Equal(t, domain.PendencyAberta, p.Status)
	assert.Contains(t, env.Notices.kinds("U7"), engine.NoticePendency)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: entry.ID, To: domain.StatusAprovada, ActorID: "SUP"})
	var blocked engine.BlockedByPendencyError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []int64{p.ID}, blocked.PendencyIDs)
	assert.Equal(t, "OS-1", blocked.WorkOrderID)

	closed, err := env.Engine.ClosePendency(env.Ctx, p.ID, "peça chegou", "SUP")
	require.NoError(t, err)
	assert.Equal(t, domain.PendencyFechada, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	approved, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: entry.ID, To: domain.StatusAprovada, ActorID: "SUP"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAprovada, approved.Status)
	env.assertConsistent(t, entry.ID)
}

// Assigning outside the entry's sector is refused and nothing is written.
func TestScenarioCrossSectorAssignmentRejected(t *testing.T) {
	env := newTestEnv(t)
	entry := env.scheduleFor(t, "OS-1", "")

	_, err := env.Engine.Assign(env.Ctx, entry.ID, "U8", "PCP1")
	var aerr engine.InvalidAssigneeError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "U8", aerr.ResponsibleID)
	assert.Equal(t, "S1", aerr.SectorID)

	after, err := env.Engine.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	assert.Nil(t, after.ResponsibleID)
	assert.Len(t, after.TransitionLog, 1)
	assert.Empty(t, env.Notices.kinds("U8"))
}

func TestAssignOverride(t *testing.T) {
	env := newTestEnv(t)
	entry := env.scheduleFor(t, "OS-1", "")

	updated, err := env.Engine.Assign(env.Ctx, entry.ID, "U8", "ADM")
	require.NoError(t, err)
	require.NotNil(t, updated.ResponsibleID)
	assert.Equal(t, "U8", *updated.ResponsibleID)

	log := env.logOf(t, entry.ID)
	require.Len(t, log, 2)
	assert.Equal(t, domain.KindAssignment, log[1].Kind)
	assert.True(t, log[1].Override)
	assert.Equal(t, domain.StatusProgramada, log[1].FromState)
	assert.Equal(t, domain.StatusProgramada, log[1].ToState)
	env.assertConsistent(t, entry.ID)
}

func TestAssignUnknownOrInactiveCollaborator(t *testing.T) {
	env := newTestEnv(t)
	entry := env.scheduleFor(t, "OS-1", "")

	_, err := env.Engine.Assign(env.Ctx, entry.ID, "U404", "PCP1")
	var aerr engine.InvalidAssigneeError
	require.ErrorAs(t, err, &aerr)

	_, err = env.Dir.Import(env.Ctx, directory.File{Inactive: []string{"U9"}})
	require.NoError(t, err)
	_, err = env.Engine.Assign(env.Ctx, entry.ID, "U9", "PCP1")
	require.ErrorAs(t, err, &aerr)
}

func TestAssignLockedOnTerminalEntry(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)
	_, err := env.Engine.Cancel(env.Ctx, entry.ID, "PCP1", "cliente desistiu")
	require.NoError(t, err)

	_, err = env.Engine.Assign(env.Ctx, entry.ID, "U9", "PCP1")
	var locked engine.EntryLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, domain.StatusCancelada, locked.Status)
}

func TestReassign(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)

	_, err := env.Engine.Reassign(env.Ctx, entry.ID, "U9", "PCP1", "")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reason", verr.Field)

	_, err = env.Engine.Reassign(env.Ctx, entry.ID, "U7", "PCP1", "same person")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "responsible_id", verr.Field)

	updated, err := env.Engine.Reassign(env.Ctx, entry.ID, "U9", "PCP1", "Ana de férias")
	require.NoError(t, err)
	assert.Equal(t, "U9", *updated.ResponsibleID)

	log := env.logOf(t, entry.ID)
	require.Len(t, log, 2)
	assert.Equal(t, "Ana de férias", log[1].Reason)
	assert.Equal(t, "U9", *log[1].ResponsibleID)
	assert.Equal(t, []string{engine.NoticeReassigned}, env.Notices.kinds("U9"))
	assert.Equal(t, []string{engine.NoticeAssigned, engine.NoticeUnassigned}, env.Notices.kinds("U7"))
}

func TestTransitionTable(t *testing.T) {
	paths := map[domain.Status][]domain.Status{
		domain.StatusProgramada:          nil,
		domain.StatusEnviada:             {domain.StatusEnviada},
		domain.StatusEmAndamento:         {domain.StatusEmAndamento},
		domain.StatusAguardandoAprovacao: {domain.StatusEmAndamento, domain.StatusAguardandoAprovacao},
		domain.StatusAprovada:            {domain.StatusEmAndamento, domain.StatusAguardandoAprovacao, domain.StatusAprovada},
		domain.StatusRejeitada:           {domain.StatusEmAndamento, domain.StatusAguardandoAprovacao, domain.StatusRejeitada},
		domain.StatusCancelada:           {domain.StatusCancelada},
	}
	env := newTestEnv(t)
	for _, from := range domain.Statuses {
		allowed := engine.AllowedTransitions(from)
		for _, to := range domain.Statuses {
			entry := env.schedule(t)
			env.move(t, entry.ID, "ADM", paths[from]...)
			before := env.logOf(t, entry.ID)

			opts := engine.TransitionOptions{EntryID: entry.ID, To: to, ExpectedState: from, ActorID: "ADM", Reason: "table"}
			if to == domain.StatusEnviada {
				opts.TargetSectorID = "S2"
			}
			got, err := env.Engine.Transition(env.Ctx, opts)
			if contains(allowed, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, got.Status)
				assert.Len(t, env.logOf(t, entry.ID), len(before)+1)
			} else {
				var terr engine.InvalidTransitionError
				require.ErrorAs(t, err, &terr, "%s -> %s", from, to)
				assert.Equal(t, allowed, terr.Allowed)
				after, err := env.Engine.GetEntry(env.Ctx, entry.ID)
				require.NoError(t, err)
				assert.Equal(t, from, after.Status)
				assert.Len(t, after.TransitionLog, len(before))
			}
			env.assertConsistent(t, entry.ID)
		}
	}
}

func contains(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	assert.Empty(t, engine.AllowedTransitions(domain.StatusAprovada))
	assert.Empty(t, engine.AllowedTransitions(domain.StatusCancelada))
	assert.Equal(t, []domain.Status{domain.StatusEmAndamento}, engine.AllowedTransitions(domain.StatusRejeitada))
}

func TestApprovalRequiresApproverRole(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)
	env.move(t, entry.ID, "U7", domain.StatusEmAndamento, domain.StatusAguardandoAprovacao)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: entry.ID, To: domain.StatusAprovada, ActorID: "U7"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, auth.PermApprove, forbidden.Permission)
}

func TestRejectionCycle(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)
	env.move(t, entry.ID, "U7", domain.StatusEmAndamento, domain.StatusAguardandoAprovacao)
	env.move(t, entry.ID, "SUP", domain.StatusRejeitada)
	env.move(t, entry.ID, "U7", domain.StatusEmAndamento, domain.StatusAguardandoAprovacao)
	entry = env.move(t, entry.ID, "SUP", domain.StatusAprovada)

	assert.Equal(t, domain.StatusAprovada, entry.Status)
	log := env.logOf(t, entry.ID)
	assert.Len(t, log, 7)
	assert.Contains(t, env.Notices.kinds("U7"), engine.NoticeStatus)
	env.assertConsistent(t, entry.ID)
}

func TestExpectedStateConflict(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)
	env.move(t, entry.ID, "U7", domain.StatusEmAndamento)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		EntryID:       entry.ID,
		To:            domain.StatusAguardandoAprovacao,
		ExpectedState: domain.StatusProgramada,
		ActorID:       "U7",
	})
	var cerr engine.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, domain.StatusProgramada, cerr.Expected)
	assert.Equal(t, domain.StatusEmAndamento, cerr.Actual)
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)

	const workers = 2
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
				EntryID:       entry.ID,
				To:            domain.StatusEmAndamento,
				ExpectedState: domain.StatusProgramada,
				ActorID:       "U7",
			})
		}(i)
	}
	close(start)
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		var cerr engine.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &cerr):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, env.logOf(t, entry.ID), 2)
	env.assertConsistent(t, entry.ID)
}

func TestConcurrentTransitionsOnDistinctEntries(t *testing.T) {
	env := newTestEnv(t)
	ids := make([]int64, 6)
	for i := range ids {
		ids[i] = env.schedule(t).ID
	}
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: id, To: domain.StatusEmAndamento, ActorID: "U7"})
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err)
		env.assertConsistent(t, ids[i])
	}
}

func TestIdempotentTransitionReplay(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)
	opts := engine.TransitionOptions{
		EntryID:        entry.ID,
		To:             domain.StatusEmAndamento,
		ExpectedState:  domain.StatusProgramada,
		ActorID:        "U7",
		IdempotencyKey: "k-1",
	}
	first, err := env.Engine.Transition(env.Ctx, opts)
	require.NoError(t, err)

	// The retry carries a now-stale expected state and still succeeds.
	second, err := env.Engine.Transition(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Version, second.Version)
	log := env.logOf(t, entry.ID)
	require.Len(t, log, 2)
	assert.Equal(t, "k-1", log[1].IdempotencyKey)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		EntryID:        entry.ID,
		To:             domain.StatusCancelada,
		ActorID:        "U7",
		Reason:         "oops",
		IdempotencyKey: "k-1",
	})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "idempotency_key", verr.Field)
}

func TestCancelRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)

	_, err := env.Engine.Cancel(env.Ctx, entry.ID, "PCP1", "  ")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reason", verr.Field)

	cancelled, err := env.Engine.Cancel(env.Ctx, entry.ID, "PCP1", "máquina vendida")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelada, cancelled.Status)
	log := env.logOf(t, entry.ID)
	assert.Equal(t, "máquina vendida", log[len(log)-1].Reason)
}

func TestCancelAfterDeliveryIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)
	env.move(t, entry.ID, "U7", domain.StatusEmAndamento, domain.StatusAguardandoAprovacao)

	_, err := env.Engine.Cancel(env.Ctx, entry.ID, "PCP1", "late")
	var terr engine.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestHandOffMovesSector(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: entry.ID, To: domain.StatusEnviada, ActorID: "PCP1"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "target_sector_id", verr.Field)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: entry.ID, To: domain.StatusEnviada, ActorID: "PCP1", TargetSectorID: "S1"})
	require.ErrorAs(t, err, &verr)

	sent, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: entry.ID, To: domain.StatusEnviada, ActorID: "PCP1", TargetSectorID: "S2"})
	require.NoError(t, err)
	assert.Equal(t, "S2", sent.SectorID)
	assert.Equal(t, "D2", sent.DepartmentID)
	assert.Nil(t, sent.ResponsibleID)
	assert.Contains(t, env.Notices.kinds("U7"), engine.NoticeUnassigned)

	// The new sector's people are now eligible.
	assigned, err := env.Engine.Assign(env.Ctx, entry.ID, "U8", "PCP1")
	require.NoError(t, err)
	assert.Equal(t, "U8", *assigned.ResponsibleID)
	env.assertConsistent(t, entry.ID)
}

func TestEdit(t *testing.T) {
	env := newTestEnv(t)
	entry := env.schedule(t)

	newEnd := env.evening.Add(2 * time.Hour)
	notes := "trazer calibrador"
	prio := domain.PriorityUrgente
	edited, err := env.Engine.Edit(env.Ctx, engine.EntryEditOptions{EntryID: entry.ID, EndPlanned: &newEnd, Notes: &notes, Priority: &prio, ActorID: "PCP1"})
	require.NoError(t, err)
	assert.True(t, edited.EndPlanned.Equal(newEnd))
	assert.Equal(t, notes, edited.Notes)
	assert.Equal(t, domain.PriorityUrgente, edited.Priority)
	assert.Equal(t, entry.Version+1, edited.Version)
	assert.Len(t, env.logOf(t, entry.ID), 1, "edits do not change status")

	badEnd := edited.StartPlanned.Add(-time.Minute)
	_, err = env.Engine.Edit(env.Ctx, engine.EntryEditOptions{EntryID: entry.ID, EndPlanned: &badEnd, ActorID: "PCP1"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	stored, err := env.Engine.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, stored.EndPlanned.Equal(newEnd))

	env.move(t, entry.ID, "U7", domain.StatusEmAndamento, domain.StatusAguardandoAprovacao)
	_, err = env.Engine.Edit(env.Ctx, engine.EntryEditOptions{EntryID: entry.ID, Notes: &notes, ActorID: "PCP1"})
	var locked engine.EntryLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, domain.StatusAguardandoAprovacao, locked.Status)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetEntry(env.Ctx, 999)
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{EntryID: 999, To: domain.StatusEmAndamento, ActorID: "U7"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.ClosePendency(env.Ctx, 999, "", "SUP")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

type brokenSink struct{}

func (brokenSink) Name() string { return "broken" }

func (brokenSink) Send(context.Context, notify.Notification) error {
	return errors.New("connection refused")
}

func TestFailedNotificationDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	entry := env.scheduleFor(t, "OS-1", "")

	d, err := notify.NewDispatcher([]notify.Sink{brokenSink{}}, notify.Options{
		PoolSize: 1,
		Failures: notify.RepoFailureLog{Repo: env.Repo},
		Now:      env.Clock.Now,
	})
	require.NoError(t, err)
	defer d.Close(time.Second)
	env.Engine.Notifier = d

	_, err = env.Engine.Assign(env.Ctx, entry.ID, "U7", "PCP1")
	require.NoError(t, err)
	d.Wait()

	stored, err := env.Engine.GetEntry(env.Ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResponsibleID)
	assert.Equal(t, "U7", *stored.ResponsibleID)

	failures, err := env.Repo.ListNotificationFailures(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "U7", failures[0].CollaboratorID)
	assert.Equal(t, engine.NoticeAssigned, failures[0].Kind)
	assert.Equal(t, "connection refused", failures[0].Error)
}
