package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcpline/internal/config"
	"pcpline/internal/db"
	"pcpline/internal/directory"
	"pcpline/internal/domain"
	"pcpline/internal/engine"
	"pcpline/internal/metrics"
	"pcpline/internal/migrate"
	"pcpline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	dir := directory.Store{Repo: repo.Repo{DB: conn}}
	_, err = dir.Import(context.Background(), directory.File{
		Sectors: []domain.Sector{
			{ID: "S1", Name: "Usinagem", DepartmentID: "D1"},
			{ID: "S2", Name: "Montagem", DepartmentID: "D2"},
		},
		Collaborators: []domain.Collaborator{
			{ID: "U7", Name: "Ana", SectorID: "S1", Role: "TECNICO"},
			{ID: "U8", Name: "Bruno", SectorID: "S2", Role: "TECNICO"},
			{ID: "PCP1", Name: "Carla", SectorID: "S1", Role: "PCP"},
			{ID: "SUP", Name: "Davi", SectorID: "S1", Role: "SUPERVISOR"},
		},
		WorkOrders: []domain.WorkOrder{
			{ID: "OS-1", Number: "1001", Machine: "Torno CNC"},
			{ID: "OS-2", Number: "1002"},
		},
	})
	require.NoError(t, err)

	e := engine.New(conn, config.Default(), dir, dir, nil, metrics.New())
	handler, err := New(Config{
		Engine:  e,
		Metrics: e.Metrics,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			AllowDevLogin:          true,
		},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

var morning = time.Date(2030, 3, 3, 8, 0, 0, 0, time.UTC)

func createEntry(t *testing.T, srv *testServer, workOrder, responsible string) EntryResponse {
	t.Helper()
	body := map[string]any{
		"work_order_id": workOrder,
		"sector_id":     "S1",
		"start_planned": morning.Format(time.RFC3339),
		"end_planned":   morning.Add(4 * time.Hour).Format(time.RFC3339),
		"priority":      "ALTA",
	}
	if responsible != "" {
		body["responsible_id"] = responsible
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/schedule-entries", body, as("PCP1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out EntryResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func transition(t *testing.T, srv *testServer, id int64, actor string, body map[string]any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	h := as(actor)
	for k, v := range headers {
		h[k] = v
	}
	return doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v1/schedule-entries/%d/transitions", srv.URL, id), body, h)
}

func TestHealthIsOpenAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/schedule-entries", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)
}

func TestApprovalBlockedUntilPendencyClosed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	entry := createEntry(t, srv, "OS-1", "U7")
	assert.Equal(t, domain.StatusProgramada, entry.Status)
	assert.Equal(t, "D1", entry.DepartmentID)

	for _, to := range []string{"EM_ANDAMENTO", "AGUARDANDO_APROVACAO"} {
		res, data := transition(t, srv, entry.ID, "U7", map[string]any{"to": to}, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/pendencies", map[string]any{
		"work_order_id": "OS-1",
		"description":   "falta rolamento",
	}, as("U7"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var pendency domain.Pendency
	require.NoError(t, json.Unmarshal(data, &pendency))
	assert.Equal(t, domain.PendencyAberta, pendency.Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders/OS-1/pendencies/open", nil, as("SUP"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var open []domain.Pendency
	require.NoError(t, json.Unmarshal(data, &open))
	require.Len(t, open, 1)

	res, data = transition(t, srv, entry.ID, "SUP", map[string]any{"to": "APROVADA"}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "blocked_by_pendency", env.Error.Code)
	assert.Equal(t, []any{float64(pendency.ID)}, env.Error.Details["pendency_ids"])

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/pendencies/%d/close", srv.URL, pendency.ID), map[string]any{
		"resolution_notes": "peça trocada",
	}, as("U7"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/pendencies/%d/close", srv.URL, pendency.ID), map[string]any{}, as("U7"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "already_closed", decodeError(t, data).Error.Code)

	res, data = transition(t, srv, entry.ID, "SUP", map[string]any{"to": "APROVADA", "expected_state": "AGUARDANDO_APROVACAO"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/schedule-entries/%d", srv.URL, entry.ID), nil, as("SUP"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got EntryResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, domain.StatusAprovada, got.Status)
	assert.Equal(t, "APROVADA", got.DisplayStatus)
	require.NotNil(t, got.WorkOrder)
	assert.Equal(t, "1001", got.WorkOrder.Number)
	require.NotEmpty(t, got.TransitionLog)
	assert.Equal(t, domain.StatusAprovada, got.TransitionLog[len(got.TransitionLog)-1].ToState)
}

func TestInvalidTransitionListsAllowedTargets(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	entry := createEntry(t, srv, "OS-1", "U7")

	res, data := transition(t, srv, entry.ID, "SUP", map[string]any{"to": "APROVADA"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "PROGRAMADA", env.Error.Details["from"])
	assert.ElementsMatch(t, []any{"ENVIADA", "EM_ANDAMENTO", "CANCELADA"}, env.Error.Details["allowed"])
}

func TestTransitionReplayWithIdempotencyKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	entry := createEntry(t, srv, "OS-1", "U7")
	key := map[string]string{"Idempotency-Key": "retry-1"}

	res, data := transition(t, srv, entry.ID, "U7", map[string]any{"to": "EM_ANDAMENTO"}, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = transition(t, srv, entry.ID, "U7", map[string]any{"to": "EM_ANDAMENTO"}, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/schedule-entries/%d/transitions", srv.URL, entry.ID), nil, as("U7"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var log []domain.Transition
	require.NoError(t, json.Unmarshal(data, &log))
	moves := 0
	for _, row := range log {
		if row.ToState == domain.StatusEmAndamento {
			moves++
		}
	}
	assert.Equal(t, 1, moves)

	res, data = transition(t, srv, entry.ID, "U7", map[string]any{"to": "AGUARDANDO_APROVACAO"}, key)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "validation_error", env.Error.Code)
	assert.Equal(t, "idempotency_key", env.Error.Details["field"])
}

func TestStaleExpectedStateConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	entry := createEntry(t, srv, "OS-1", "U7")

	res, data := transition(t, srv, entry.ID, "U7", map[string]any{"to": "EM_ANDAMENTO", "expected_state": "PROGRAMADA"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = transition(t, srv, entry.ID, "U7", map[string]any{"to": "EM_ANDAMENTO", "expected_state": "PROGRAMADA"}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "conflict", env.Error.Code)
	assert.Equal(t, "EM_ANDAMENTO", env.Error.Details["actual"])
}

func TestValidationAndAssigneeErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/schedule-entries", map[string]any{
		"work_order_id": "OS-1",
		"sector_id":     "S1",
		"start_planned": morning.Format(time.RFC3339),
		"end_planned":   morning.Add(-time.Hour).Format(time.RFC3339),
	}, as("PCP1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "validation_error", decodeError(t, data).Error.Code)

	entry := createEntry(t, srv, "OS-1", "")
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/schedule-entries/%d/assign", srv.URL, entry.ID), map[string]any{
		"responsible_id": "U8",
	}, as("PCP1"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "invalid_assignee", env.Error.Code)
	assert.Equal(t, "U8", env.Error.Details["responsible_id"])

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v1/schedule-entries/%d/cancel", srv.URL, entry.ID), map[string]any{
		"reason": "",
	}, as("PCP1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/schedule-entries/999", nil, as("PCP1"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
}

func TestBearerTokens(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, err := SignToken(testSecret, "SUP", []string{"SUPERVISOR"}, time.Hour)
	require.NoError(t, err)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "SUP", me.ActorID)
	assert.Equal(t, "SUPERVISOR", me.Role)
	assert.Equal(t, "jwt", me.Source)

	forged, err := SignToken("other-secret", "SUP", nil, time.Hour)
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + forged,
		"X-Actor-Id":    "SUP",
	})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "PCP1"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestListEntriesPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		createEntry(t, srv, "OS-2", "U7")
	}

	var seen []int64
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		url := srv.URL + "/v1/schedule-entries?limit=2&work_order_id=OS-2&status=programada"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, as("PCP1"))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var page struct {
			Items      []EntryResponse `json:"items"`
			NextCursor string          `json:"next_cursor"`
		}
		require.NoError(t, json.Unmarshal(data, &page))
		for _, item := range page.Items {
			seen = append(seen, item.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 3)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/schedule-entries?cursor=bogus", nil, as("PCP1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestMetricsAndReports(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	entry := createEntry(t, srv, "OS-1", "U7")
	res, data := transition(t, srv, entry.ID, "U7", map[string]any{"to": "EM_ANDAMENTO"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), `pcp_transitions_total{to="EM_ANDAMENTO"} 1`), string(data))

	from := morning.Format(time.DateOnly)
	to := morning.Add(24 * time.Hour).Format(time.DateOnly)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reports/summary?from="+from+"&to="+to, nil, as("SUP"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var summary struct {
		Total          int            `json:"total"`
		CountsByStatus map[string]int `json:"counts_by_status"`
	}
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.CountsByStatus["EM_ANDAMENTO"])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reports/summary?from="+to+"&to="+from, nil, as("SUP"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=schedule_entry&limit=1", nil, as("SUP"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events struct {
		Items      []EventResponse `json:"items"`
		NextCursor string          `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	assert.NotEmpty(t, events.NextCursor)
}
