package planlinesdk

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

// Client is a minimal Planline HTTP API client.
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

// Project represents a development submission.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	OwnerID     string `json:"owner_id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`
	ApprovedAt  string `json:"approved_at,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Approval is one ledger entry.
type Approval struct {
	Seq             int64    `json:"seq"`
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	StatusFrom      string   `json:"status_from,omitempty"`
	StatusTo        string   `json:"status_to"`
	ActorID         string   `json:"actor_id"`
	ActorRole       string   `json:"actor_role"`
	TS              string   `json:"ts"`
	Comment         string   `json:"comment,omitempty"`
	Attachments     []string `json:"attachments,omitempty"`
	IsAdminOverride bool     `json:"is_admin_override"`
}

// Transition is the committed outcome of a status change.
type Transition struct {
	Project  Project  `json:"project"`
	Approval Approval `json:"approval"`
}

// Assignment is a review handed to a reviewer.
type Assignment struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	AssigneeID  string `json:"assignee_id"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	AssignedAt  string `json:"assigned_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// QueueItem is an open assignment joined with project display fields.
type QueueItem struct {
	Assignment  Assignment `json:"assignment"`
	ProjectName string     `json:"project_name"`
	ProjectKind string     `json:"project_kind"`
}

// Stats aggregates a reviewer's workload and decisions.
type Stats struct {
	Pending       int `json:"pending"`
	Completed     int `json:"completed"`
	Approved      int `json:"approved"`
	Rejected      int `json:"rejected"`
	TotalReviewed int `json:"total_reviewed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject registers a submission owned by the authenticated actor.
func (c *Client) CreateProject(ctx context.Context, name, kind, description string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"kind":        kind,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(id, ""), nil, &resp)
	return resp, err
}

// ListProjects lists projects, optionally filtered by owner and status.
func (c *Client) ListProjects(ctx context.Context, ownerID, status string) ([]Project, error) {
	endpoint := "v0/projects"
	q := url.Values{}
	if ownerID != "" {
		q.Set("owner_id", ownerID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit moves a project into review.
func (c *Client) Submit(ctx context.Context, projectID, comment string) (Transition, error) {
	return c.transition(ctx, projectID, "submit", comment)
}

// Approve signs off the current review stage.
func (c *Client) Approve(ctx context.Context, projectID, comment string) (Transition, error) {
	return c.transition(ctx, projectID, "approve", comment)
}

// Reject terminally rejects a project.
func (c *Client) Reject(ctx context.Context, projectID, comment string) (Transition, error) {
	return c.transition(ctx, projectID, "reject", comment)
}

// RequestRevision sends a project back for changes.
func (c *Client) RequestRevision(ctx context.Context, projectID, comment string) (Transition, error) {
	return c.transition(ctx, projectID, "revise", comment)
}

// Cancel withdraws a submission.
func (c *Client) Cancel(ctx context.Context, projectID, comment string) (Transition, error) {
	return c.transition(ctx, projectID, "cancel", comment)
}

// Ledger returns the project's full approval chain, oldest first.
func (c *Client) Ledger(ctx context.Context, projectID string) ([]Approval, error) {
	var resp []Approval
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "ledger"), nil, &resp)
	return resp, err
}

// Queue returns the caller's open review assignments.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var resp []QueueItem
	err := c.do(ctx, http.MethodGet, "v0/queue", nil, &resp)
	return resp, err
}

// StartAssignment marks a pending review in progress.
func (c *Client) StartAssignment(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/start", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Stats returns the caller's reviewer statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v0/me/stats", nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, projectID, action, comment string) (Transition, error) {
	body := map[string]any{}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, action), body, &resp)
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

func (c *Client) projectPath(projectID, rest string) string {
	p := fmt.Sprintf("v0/projects/%s", url.PathEscape(projectID))
	if rest != "" {
		p += "/" + strings.TrimLeft(rest, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
