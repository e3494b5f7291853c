package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	FarmID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, farmID string) *Client {
	return &Client{
		BaseURL: baseURL,
		FarmID:  farmID,
		Timeout: 10 * time.Second,
	}
}

// Block represents the API block model.
type Block struct {
	ID                  string            `json:"id"`
	FarmID              string            `json:"farm_id"`
	Name                string            `json:"name"`
	State               string            `json:"state"`
	Crop                string            `json:"crop,omitempty"`
	PlannedPlantingDate string            `json:"planned_planting_date,omitempty"`
	ExpectedStateDates  map[string]string `json:"expected_state_dates,omitempty"`
	AlertReason         string            `json:"alert_reason,omitempty"`
	Version             int64             `json:"version"`
}

// Task represents the API task model.
type Task struct {
	ID            string  `json:"id"`
	FarmID        string  `json:"farm_id"`
	BlockID       string  `json:"block_id"`
	Type          string  `json:"type"`
	Title         string  `json:"title"`
	Status        string  `json:"status"`
	ScheduledDate string  `json:"scheduled_date"`
	TriggerState  *string `json:"trigger_state,omitempty"`
	Overdue       bool    `json:"overdue"`
	CompletedBy   *string `json:"completed_by,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FarmID     string         `json:"farm_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// TransitionOptions carries the optional fields of a transition call. Crop
// and PlantingDate only matter on the empty->planned edge, Reason on alert.
type TransitionOptions struct {
	Crop         string
	PlantingDate string
	Reason       string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateBlock registers a block.
func (c *Client) CreateBlock(ctx context.Context, name string) (Block, error) {
	body := map[string]any{"name": name}
	var resp Block
	err := c.do(ctx, http.MethodPost, c.farmPath("blocks"), body, &resp)
	return resp, err
}

// GetBlock fetches a block by id.
func (c *Client) GetBlock(ctx context.Context, id string) (Block, error) {
	var resp Block
	endpoint := c.farmPath(fmt.Sprintf("blocks/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a block to a new lifecycle state.
func (c *Client) Transition(ctx context.Context, blockID, toState string, opts TransitionOptions) (Block, error) {
	body := map[string]any{"to_state": toState}
	if opts.Crop != "" {
		body["crop"] = opts.Crop
	}
	if opts.PlantingDate != "" {
		body["planting_date"] = opts.PlantingDate
	}
	if opts.Reason != "" {
		body["reason"] = opts.Reason
	}
	var resp Block
	endpoint := c.farmPath(fmt.Sprintf("blocks/%s/transition", url.PathEscape(blockID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteTask settles a pending task.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.farmPath(fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// CancelTask withdraws a pending task (manager only).
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.farmPath(fmt.Sprintf("tasks/%s/cancel", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// Tasks returns a page of tasks, optionally filtered by block and status.
func (c *Client) Tasks(ctx context.Context, blockID, status string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if blockID != "" {
		q.Set("block_id", blockID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.farmPath("tasks")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SweepOverdue flags pending tasks scheduled before today.
func (c *Client) SweepOverdue(ctx context.Context) (int64, error) {
	var resp struct {
		Flagged int64 `json:"flagged"`
	}
	err := c.do(ctx, http.MethodPost, c.farmPath("overdue/sweep"), struct{}{}, &resp)
	return resp.Flagged, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.farmPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) farmPath(p string) string {
	farm := url.PathEscape(c.FarmID)
	return fmt.Sprintf("v0/farms/%s/%s", farm, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
