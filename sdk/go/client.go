package missioncontrolsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Mission Control HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  2 * time.Minute,
	}
}

// Reason is one blocking condition returned by preflight and the gates.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WorkOrder represents the API work order model (partial). Amounts are USD.
type WorkOrder struct {
	ID              string   `json:"id"`
	Number          string   `json:"number"`
	AgentID         string   `json:"agent_id"`
	WorkType        string   `json:"work_type"`
	Title           string   `json:"title,omitempty"`
	Status          string   `json:"status"`
	CostCap         *float64 `json:"cost_cap,omitempty"`
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
	ActualCost      *float64 `json:"actual_cost,omitempty"`
	BlockingReasons []Reason `json:"blocking_reasons"`
	ApprovedBy      *string  `json:"approved_by,omitempty"`
	Attempt         int      `json:"attempt"`
	CreatedAt       string   `json:"created_at"`
}

// Estimate represents a stored estimate (partial).
type Estimate struct {
	ID            string  `json:"id"`
	Model         string  `json:"model"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	Cost          float64 `json:"cost"`
	WorstCaseCost float64 `json:"worst_case_cost"`
	CanProceed    bool    `json:"can_proceed"`
}

// Budget is today's budget snapshot.
type Budget struct {
	Day            string  `json:"day"`
	DailyCap       float64 `json:"daily_cap"`
	Actual         float64 `json:"actual"`
	Reserved       float64 `json:"reserved"`
	Remaining      float64 `json:"remaining"`
	UtilizationPct float64 `json:"utilization_pct"`
	Status         string  `json:"status"`
}

// Preflight is the gate decision for a work order.
type Preflight struct {
	WorkOrder        WorkOrder `json:"work_order"`
	Estimate         Estimate  `json:"estimate"`
	PreflightStatus  string    `json:"preflight_status"`
	CanProceed       bool      `json:"can_proceed"`
	RequiresApproval bool      `json:"requires_approval"`
	Reasons          []Reason  `json:"reasons"`
	Summary          string    `json:"summary"`
	Budget           Budget    `json:"budget"`
}

// Execution is the outcome of one dispatch (partial).
type Execution struct {
	ID          string  `json:"id"`
	WorkOrderID string  `json:"work_order_id"`
	Status      string  `json:"status"`
	ChargedCost float64 `json:"charged_cost"`
	Error       *string `json:"error,omitempty"`
}

// Comparison is the actual-versus-estimate view of an execution.
type Comparison struct {
	EstimatedTokens  int64    `json:"estimated_tokens"`
	ActualTokens     int64    `json:"actual_tokens"`
	EstimatedCost    float64  `json:"estimated_cost"`
	ActualCost       float64  `json:"actual_cost"`
	TokenVariancePct *float64 `json:"token_variance_pct"`
	CostVariancePct  *float64 `json:"cost_variance_pct"`
}

type ExecutionResult struct {
	WorkOrder  WorkOrder  `json:"work_order"`
	Execution  Execution  `json:"execution"`
	Comparison Comparison `json:"comparison"`
	Budget     Budget     `json:"budget"`
}

// Event represents a trail entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses and the decoded error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Reasons returns the blocking reasons attached to a gate error.
func (e *APIError) Reasons() []Reason {
	raw, ok := e.Details["reasons"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []Reason
	_ = json.Unmarshal(b, &out)
	return out
}

// IsGated reports whether err is a budget or approval gate refusal.
func IsGated(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "budget_exceeded" || apiErr.Code == "approval_required"
}

// CreateWorkOrderInput is the body of CreateWorkOrder.
type CreateWorkOrderInput struct {
	AgentID        string         `json:"agent_id"`
	WorkType       string         `json:"work_type"`
	Title          string         `json:"title,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	ContextSnippet string         `json:"context_snippet,omitempty"`
	CostCapUSD     *float64       `json:"cost_cap_usd,omitempty"`
}

func (c *Client) CreateWorkOrder(ctx context.Context, in CreateWorkOrderInput) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders", in, &resp)
	return resp, err
}

func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, "work-orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Preflight runs the gate and records its decision.
func (c *Client) Preflight(ctx context.Context, id string) (Preflight, error) {
	var resp Preflight
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/preflight", nil, &resp)
	return resp, err
}

// Execute dispatches a work order. Gate refusals come back as *APIError.
func (c *Client) Execute(ctx context.Context, id string) (ExecutionResult, error) {
	var resp ExecutionResult
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/execute", nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id, notes string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/approve", map[string]any{"notes": notes}, &resp)
	return resp, err
}

func (c *Client) DailyBudget(ctx context.Context) (Budget, error) {
	var resp Budget
	err := c.do(ctx, http.MethodGet, "daily-budget", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
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

// DevLogin mints a bearer token on servers started with --dev-login and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID, "roles": roles}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
