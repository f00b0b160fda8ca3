// Package concierge provides a thin Go client for the concierge REST API.
package concierge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// IdempotencyHeader carries the client supplied idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// Client wraps the HTTP interactions with the concierge REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	TaskID      string            `json:"task_id,omitempty"`
	Intent      string            `json:"intent"`
	Constraints map[string]any    `json:"constraints,omitempty"`
	Memory      map[string]string `json:"memory,omitempty"`
}

// ReplanRequest carries the new intent and constraints for a replan.
type ReplanRequest struct {
	Intent      string            `json:"intent,omitempty"`
	Constraints map[string]any    `json:"constraints,omitempty"`
	Memory      map[string]string `json:"memory,omitempty"`
}

// Step is the runtime view of a single plan step.
type Step struct {
	ID         string `json:"id"`
	ToolType   string `json:"tool_type"`
	Label      string `json:"label"`
	Status     string `json:"status"`
	EtaSeconds int    `json:"eta_seconds"`
}

// Terms is the confirmation pricing presented to the user.
type Terms struct {
	Amount   float64 `json:"amount"`
	Deposit  float64 `json:"deposit"`
	Currency string  `json:"currency"`
}

// Plan is the compiled plan attached to a task.
type Plan struct {
	Title string `json:"title"`
	Terms Terms  `json:"terms"`
}

// Task is the aggregate returned by the task endpoints.
type Task struct {
	ID        string `json:"id"`
	Intent    string `json:"intent"`
	Category  string `json:"category"`
	Status    string `json:"status"`
	Plan      *Plan  `json:"plan,omitempty"`
	Steps     []Step `json:"steps,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Pricing is the order pricing breakdown.
type Pricing struct {
	Gross    float64 `json:"gross"`
	Markup   float64 `json:"markup"`
	Net      float64 `json:"net"`
	Deposit  float64 `json:"deposit"`
	Currency string  `json:"currency"`
}

// Order is produced once a task completes successfully.
type Order struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Category    string  `json:"category"`
	Status      string  `json:"status"`
	Pricing     Pricing `json:"pricing"`
	PaymentRef  string  `json:"payment_ref"`
	VoucherCode string  `json:"voucher_code,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// Settlement is a ledger entry for a confirmed order.
type Settlement struct {
	OrderID      string  `json:"order_id"`
	TaskID       string  `json:"task_id,omitempty"`
	Currency     string  `json:"currency"`
	Gross        float64 `json:"gross"`
	Net          float64 `json:"net"`
	Markup       float64 `json:"markup"`
	Refund       float64 `json:"refund"`
	SettledGross float64 `json:"settled_gross"`
	SettledNet   float64 `json:"settled_net"`
}

// ReconciliationRun is the result of one reconciliation pass.
type ReconciliationRun struct {
	ID         string  `json:"id"`
	Total      int     `json:"total"`
	Matched    int     `json:"matched"`
	MatchRate  float64 `json:"match_rate"`
	StartedAt  int64   `json:"started_at"`
	FinishedAt int64   `json:"finished_at"`
}

// Stats aggregates task counts by status.
type Stats struct {
	Total     int `json:"total"`
	Planned   int `json:"planned"`
	Confirmed int `json:"confirmed"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
	Canceled  int `json:"canceled"`
}

// ListTasksOptions narrows the task listing.
type ListTasksOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Category string
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("concierge api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("concierge api error (%d): %s", e.StatusCode, e.Message)
}

// RequestOption customizes a single API call.
type RequestOption func(*http.Request)

// WithIdempotencyKey attaches an idempotency key so retried calls replay the
// original response instead of repeating the side effect.
func WithIdempotencyKey(key string) RequestOption {
	return func(req *http.Request) {
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
	}
}

// NewClient instantiates a client for the concierge API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateTask compiles a plan for the intent and leaves the task awaiting
// confirmation.
func (c *Client) CreateTask(ctx context.Context, submission TaskSubmission, opts ...RequestOption) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created, opts...); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var found Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &found); err != nil {
		return Task{}, err
	}
	return found, nil
}

// ListTasks returns tasks matching the provided filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Category != "" {
		query.Set("category", opts.Category)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	endpoint := "/api/v1/tasks"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStats aggregates task counts by status.
func (c *Client) TaskStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/tasks/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// ConfirmTask accepts the presented terms and unlocks execution.
func (c *Client) ConfirmTask(ctx context.Context, taskID string) (Task, error) {
	return c.taskAction(ctx, taskID, "confirm", nil)
}

// ExecuteTask enqueues a confirmed task for asynchronous execution.
func (c *Client) ExecuteTask(ctx context.Context, taskID string, opts ...RequestOption) (Task, error) {
	return c.taskAction(ctx, taskID, "execute", nil, opts...)
}

// PauseTask requests a pause; the runner yields at the next step boundary.
func (c *Client) PauseTask(ctx context.Context, taskID, reason string) (Task, error) {
	return c.taskAction(ctx, taskID, "pause", map[string]string{"reason": reason})
}

// ResumeTask requeues a paused task. Settled steps keep their results.
func (c *Client) ResumeTask(ctx context.Context, taskID string) (Task, error) {
	return c.taskAction(ctx, taskID, "resume", nil)
}

// CancelTask cancels a non-terminal task.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string) (Task, error) {
	return c.taskAction(ctx, taskID, "cancel", map[string]string{"reason": reason})
}

// ReplanTask recompiles the plan and clears all execution artifacts.
func (c *Client) ReplanTask(ctx context.Context, taskID string, req ReplanRequest) (Task, error) {
	return c.taskAction(ctx, taskID, "replan", req)
}

// GetOrder fetches an order by identifier.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	if err := c.get(ctx, "/api/v1/orders/"+url.PathEscape(orderID), &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// ListOrders returns the most recently updated orders.
func (c *Client) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	endpoint := "/api/v1/orders"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var orders []Order
	if err := c.get(ctx, endpoint, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetSettlement fetches the settlement for an order.
func (c *Client) GetSettlement(ctx context.Context, orderID string) (Settlement, error) {
	var found Settlement
	if err := c.get(ctx, "/api/v1/settlements/"+url.PathEscape(orderID), &found); err != nil {
		return Settlement{}, err
	}
	return found, nil
}

// ListSettlements returns settlements ordered by order ID.
func (c *Client) ListSettlements(ctx context.Context, limit int) ([]Settlement, error) {
	endpoint := "/api/v1/settlements"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var settlements []Settlement
	if err := c.get(ctx, endpoint, &settlements); err != nil {
		return nil, err
	}
	return settlements, nil
}

// RunReconciliation triggers a reconciliation pass and returns its result.
func (c *Client) RunReconciliation(ctx context.Context) (ReconciliationRun, error) {
	var run ReconciliationRun
	if err := c.post(ctx, "/api/v1/reconciliation/run", nil, &run); err != nil {
		return ReconciliationRun{}, err
	}
	return run, nil
}

// ListReconciliationRuns returns the most recent reconciliation results.
func (c *Client) ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error) {
	endpoint := "/api/v1/reconciliation/runs"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var runs []ReconciliationRun
	if err := c.get(ctx, endpoint, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) taskAction(ctx context.Context, taskID, action string, payload any, opts ...RequestOption) (Task, error) {
	var updated Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/" + action
	if err := c.post(ctx, endpoint, payload, &updated, opts...); err != nil {
		return Task{}, err
	}
	return updated, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, opts ...RequestOption) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		if opt != nil {
			opt(req)
		}
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			envelope := struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}
			if err := json.Unmarshal(data, &envelope); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
