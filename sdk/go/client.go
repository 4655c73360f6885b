package pcpsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal PCP HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; servers accept it only in legacy mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Entry represents the API schedule entry model (partial).
type Entry struct {
	ID            int64        `json:"id"`
	WorkOrderID   string       `json:"work_order_id"`
	SectorID      string       `json:"sector_id"`
	DepartmentID  string       `json:"department_id"`
	ResponsibleID *string      `json:"responsible_id,omitempty"`
	StartPlanned  time.Time    `json:"start_planned"`
	EndPlanned    time.Time    `json:"end_planned"`
	Status        string       `json:"status"`
	DisplayStatus string       `json:"display_status"`
	Priority      string       `json:"priority"`
	Notes         string       `json:"notes,omitempty"`
	Version       int64        `json:"version"`
	TransitionLog []Transition `json:"transition_log,omitempty"`
}

// Transition is one row of an entry's history.
type Transition struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	ActorID   string    `json:"actor_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
}

// Pendency blocks approval of its work order while open.
type Pendency struct {
	ID          int64     `json:"id"`
	WorkOrderID string    `json:"work_order_id"`
	RaisedBy    string    `json:"raised_by"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// CreateEntryInput is the body of POST /schedule-entries.
type CreateEntryInput struct {
	WorkOrderID   string    `json:"work_order_id"`
	SectorID      string    `json:"sector_id"`
	ResponsibleID string    `json:"responsible_id,omitempty"`
	StartPlanned  time.Time `json:"start_planned"`
	EndPlanned    time.Time `json:"end_planned"`
	Priority      string    `json:"priority,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

// TransitionInput is the body of POST /schedule-entries/{id}/transitions.
type TransitionInput struct {
	To             string `json:"to"`
	ExpectedState  string `json:"expected_state,omitempty"`
	Reason         string `json:"reason,omitempty"`
	TargetSectorID string `json:"target_sector_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// APIError wraps non-2xx responses; Code and Details come from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEntries wraps list responses with cursors.
type PaginatedEntries struct {
	Items      []Entry `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateEntry schedules a work order.
func (c *Client) CreateEntry(ctx context.Context, in CreateEntryInput) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, "schedule-entries", in, &resp)
	return resp, err
}

// GetEntry fetches an entry with its transition log.
func (c *Client) GetEntry(ctx context.Context, id int64) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodGet, entryPath(id, ""), nil, &resp)
	return resp, err
}

// ListEntries returns one page of entries. Query keys follow the API (status, sector_id, ...).
func (c *Client) ListEntries(ctx context.Context, query url.Values, cursor string) (PaginatedEntries, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "schedule-entries"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEntries
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves an entry; retries with the same IdempotencyKey are safe.
func (c *Client) Transition(ctx context.Context, id int64, in TransitionInput) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, entryPath(id, "transitions"), in, &resp)
	return resp, err
}

// Assign sets the responsible collaborator.
func (c *Client) Assign(ctx context.Context, id int64, responsibleID string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, entryPath(id, "assign"), map[string]any{"responsible_id": responsibleID}, &resp)
	return resp, err
}

// Cancel cancels an entry.
func (c *Client) Cancel(ctx context.Context, id int64, reason string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodPost, entryPath(id, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// OpenPendency raises a pendency on a work order.
func (c *Client) OpenPendency(ctx context.Context, workOrderID, description string) (Pendency, error) {
	var resp Pendency
	err := c.do(ctx, http.MethodPost, "pendencies", map[string]any{
		"work_order_id": workOrderID,
		"description":   description,
	}, &resp)
	return resp, err
}

// ClosePendency closes a pendency.
func (c *Client) ClosePendency(ctx context.Context, id int64, notes string) (Pendency, error) {
	var resp Pendency
	endpoint := fmt.Sprintf("pendencies/%d/close", id)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"resolution_notes": notes}, &resp)
	return resp, err
}

// OpenPendencies lists the pendencies blocking approval for a work order.
func (c *Client) OpenPendencies(ctx context.Context, workOrderID string) ([]Pendency, error) {
	var resp []Pendency
	endpoint := fmt.Sprintf("work-orders/%s/pendencies/open", url.PathEscape(workOrderID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func entryPath(id int64, sub string) string {
	p := fmt.Sprintf("schedule-entries/%d", id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
