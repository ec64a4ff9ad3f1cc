package gatelinesdk

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

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Checkpoint  string  `json:"checkpoint"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// TaskView is a task together with its attempt counters and any open escalation.
type TaskView struct {
	Task           Task           `json:"task"`
	Attempts       map[string]int `json:"attempts"`
	OpenEscalation *Escalation    `json:"open_escalation,omitempty"`
}

// Proof is one submitted artifact.
type Proof struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Checkpoint  string `json:"checkpoint"`
	Kind        string `json:"kind"`
	Result      string `json:"result"`
	Ref         string `json:"ref,omitempty"`
	SubmittedBy string `json:"submitted_by"`
	SubmittedAt string `json:"submitted_at"`
}

// ProofInput is an artifact offered against a checkpoint.
type ProofInput struct {
	Kind        string `json:"kind"`
	Result      string `json:"result,omitempty"`
	Ref         string `json:"ref,omitempty"`
	SubmittedBy string `json:"submitted_by,omitempty"`
}

// Evaluation is the verdict returned after submitting proofs.
type Evaluation struct {
	Outcome   string   `json:"outcome"`
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
	Attempts  int      `json:"attempts"`
	Task      Task     `json:"task"`
}

// Escalation is a request for human attention.
type Escalation struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	Checkpoint string  `json:"checkpoint"`
	Reason     string  `json:"reason"`
	RiskTag    string  `json:"risk_tag,omitempty"`
	RaisedAt   string  `json:"raised_at"`
	Decision   *string `json:"decision,omitempty"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

// Handoff is the role-transition record emitted on a checkpoint pass.
type Handoff struct {
	ID                  string   `json:"id"`
	TaskID              string   `json:"task_id"`
	FromRole            string   `json:"from_role"`
	ToRole              string   `json:"to_role"`
	CheckpointCompleted string   `json:"checkpoint_completed"`
	ProofRefs           []string `json:"proof_refs"`
	TS                  string   `json:"ts"`
}

// Event represents a log entry. Payload holds the raw JSON document recorded
// with the event.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedTasks wraps task listings with a cursor.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task at the first checkpoint.
func (c *Client) CreateTask(ctx context.Context, title string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", map[string]any{"title": title}, &resp)
	return resp, err
}

// GetTask fetches a task with attempt counters and any open escalation.
func (c *Client) GetTask(ctx context.Context, id string) (TaskView, error) {
	var resp TaskView
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns a page of tasks.
func (c *Client) ListTasks(ctx context.Context, status string, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := "v0/tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitProofs submits proofs against the task's current checkpoint and
// returns the evaluation verdict.
func (c *Client) SubmitProofs(ctx context.Context, taskID, checkpoint string, proofs []ProofInput) (Evaluation, error) {
	body := map[string]any{
		"checkpoint": checkpoint,
		"proofs":     proofs,
	}
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/proofs", body, &resp)
	return resp, err
}

// Advance moves the task past its current checkpoint when criteria hold.
func (c *Client) Advance(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/advance", nil, &resp)
	return resp, err
}

// Abandon cancels a task.
func (c *Client) Abandon(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/abandon", nil, &resp)
	return resp, err
}

// Escalate raises a manual escalation on a task.
func (c *Client) Escalate(ctx context.Context, taskID, reason, riskTag string) (Escalation, error) {
	body := map[string]any{"reason": reason, "risk_tag": riskTag}
	var resp Escalation
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/escalate", body, &resp)
	return resp, err
}

// Resolve records a human decision on an escalation and returns the task in
// its post-decision state.
func (c *Client) Resolve(ctx context.Context, escalationID, decision string) (Task, error) {
	body := map[string]any{"decision": decision}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/escalations/"+url.PathEscape(escalationID)+"/resolve", body, &resp)
	return resp, err
}

// ListProofs returns a task's proofs.
func (c *Client) ListProofs(ctx context.Context, taskID string) ([]Proof, error) {
	var resp []Proof
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/proofs", nil, &resp)
	return resp, err
}

// ListHandoffs returns a task's handoff records.
func (c *Client) ListHandoffs(ctx context.Context, taskID string) ([]Handoff, error) {
	var resp []Handoff
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/handoffs", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
