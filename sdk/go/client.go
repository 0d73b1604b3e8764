package carelinesdk

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

// Client is a minimal Careline HTTP API client.
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

// Resident represents the API resident model.
type Resident struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	Active      bool   `json:"active"`
	OnboardedAt string `json:"onboarded_at"`
}

// CareState is a resident's versioned operational phase.
type CareState struct {
	ResidentID string `json:"resident_id"`
	State      string `json:"state"`
	Emergency  bool   `json:"emergency"`
	Version    int64  `json:"version"`
	UpdatedAt  string `json:"updated_at"`
	UpdatedBy  string `json:"updated_by"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string  `json:"id"`
	ResidentID      string  `json:"resident_id"`
	Name            string  `json:"name"`
	Priority        string  `json:"priority"`
	State           string  `json:"state"`
	OwnerID         *string `json:"owner_id,omitempty"`
	ClaimedAt       *string `json:"claimed_at,omitempty"`
	EscalationLevel int     `json:"escalation_level"`
	EvidenceCount   int     `json:"evidence_count"`
	ScheduledStart  string  `json:"scheduled_start"`
	ScheduledEnd    *string `json:"scheduled_end,omitempty"`
}

// Escalation represents an open or closed escalation.
type Escalation struct {
	ID                 string  `json:"id"`
	TaskID             *string `json:"task_id,omitempty"`
	ResidentID         string  `json:"resident_id"`
	Kind               string  `json:"kind"`
	Priority           string  `json:"priority"`
	Level              int     `json:"level"`
	Status             string  `json:"status"`
	RequiredResponseBy string  `json:"required_response_by"`
	ComplianceFlagged  bool    `json:"compliance_flagged"`
	Breached           bool    `json:"breached"`
	SLARemaining       string  `json:"sla_remaining,omitempty"`
}

// AuditEntry is one immutable audit log record.
type AuditEntry struct {
	ID            int64   `json:"id"`
	TS            string  `json:"ts"`
	Action        string  `json:"action"`
	EntityKind    string  `json:"entity_kind"`
	EntityID      string  `json:"entity_id"`
	ResidentID    string  `json:"resident_id,omitempty"`
	ActorID       string  `json:"actor_id"`
	BeforeState   string  `json:"before_state,omitempty"`
	BeforeVersion int64   `json:"before_version"`
	AfterState    string  `json:"after_state,omitempty"`
	AfterVersion  int64   `json:"after_version"`
	Reason        *string `json:"reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// OnboardResident registers a resident.
func (c *Client) OnboardResident(ctx context.Context, name, unit string) (Resident, error) {
	var resp Resident
	err := c.do(ctx, http.MethodPost, "v0/residents", map[string]any{"name": name, "unit": unit}, &resp)
	return resp, err
}

// GetCareState returns the resident's current care state and version.
func (c *Client) GetCareState(ctx context.Context, residentID string) (CareState, error) {
	var resp CareState
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/residents/%s/care-state", url.PathEscape(residentID)), nil, &resp)
	return resp, err
}

// Transition submits a care-state change against the version the caller
// read. A 409 means the version moved; re-read and retry.
func (c *Client) Transition(ctx context.Context, residentID, toState string, readVersion int64, reason string) (CareState, error) {
	body := map[string]any{
		"to_state":     toState,
		"read_version": readVersion,
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp CareState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/residents/%s/care-state/transition", url.PathEscape(residentID)), body, &resp)
	return resp, err
}

// CreateTask schedules a task for a resident.
func (c *Client) CreateTask(ctx context.Context, residentID, name, priority, scheduledStart string) (Task, error) {
	body := map[string]any{
		"name":            name,
		"scheduled_start": scheduledStart,
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/residents/%s/tasks", url.PathEscape(residentID)), body, &resp)
	return resp, err
}

// ClaimTask takes ownership of a task.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/claim", url.PathEscape(taskID)), map[string]any{}, &resp)
	return resp, err
}

// OverrideClaim forces ownership transfer with a reason.
func (c *Client) OverrideClaim(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/claim", url.PathEscape(taskID)), map[string]any{
		"override": true,
		"reason":   reason,
	}, &resp)
	return resp, err
}

// CompleteTask closes an in-progress task.
func (c *Client) CompleteTask(ctx context.Context, taskID, outcome string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(taskID)), map[string]any{"outcome": outcome}, &resp)
	return resp, err
}

// SkipTask closes a task without doing it.
func (c *Client) SkipTask(ctx context.Context, taskID, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/skip", url.PathEscape(taskID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ListEscalations returns escalations, optionally only open ones.
func (c *Client) ListEscalations(ctx context.Context, openOnly bool) ([]Escalation, error) {
	endpoint := "v0/escalations"
	if openOnly {
		endpoint += "?open=true"
	}
	var resp []Escalation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AuditTrail returns audit entries for one entity in append order.
func (c *Client) AuditTrail(ctx context.Context, entityKind, entityID string) ([]AuditEntry, error) {
	endpoint := fmt.Sprintf("v0/audit?entity_kind=%s&entity_id=%s", url.QueryEscape(entityKind), url.QueryEscape(entityID))
	var resp []AuditEntry
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
