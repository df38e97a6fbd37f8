package casedesksdk

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

// Client is a minimal casedesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    int64
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Handler is a team member who works cases.
type Handler struct {
	ID                   int64    `json:"id"`
	Name                 string   `json:"name"`
	Email                string   `json:"email,omitempty"`
	Role                 string   `json:"role"`
	IsActive             bool     `json:"is_active"`
	IsAvailable          bool     `json:"is_available"`
	MaxConcurrentCases   int      `json:"max_concurrent_cases"`
	CurrentCaseCount     int      `json:"current_case_count"`
	CarrierSpecialties   []string `json:"carrier_specialties"`
	IssueTypeSpecialties []string `json:"issue_type_specialties"`
	SuccessRate          float64  `json:"success_rate"`
	TotalCasesHandled    int      `json:"total_cases_handled"`
}

// NewHandler is the create payload for a handler.
type NewHandler struct {
	Name                 string   `json:"name"`
	Email                string   `json:"email,omitempty"`
	Role                 string   `json:"role,omitempty"`
	MaxConcurrentCases   int      `json:"max_concurrent_cases"`
	CarrierSpecialties   []string `json:"carrier_specialties,omitempty"`
	IssueTypeSpecialties []string `json:"issue_type_specialties,omitempty"`
	SuccessRate          *float64 `json:"success_rate,omitempty"`
}

// Rule is an assignment rule.
type Rule struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	Priority          int      `json:"priority"`
	IsActive          bool     `json:"is_active"`
	Carrier           *string  `json:"carrier,omitempty"`
	IssueType         *string  `json:"issue_type,omitempty"`
	PriorityLevel     *string  `json:"priority_level,omitempty"`
	AmountMin         *float64 `json:"amount_min,omitempty"`
	AmountMax         *float64 `json:"amount_max,omitempty"`
	Strategy          string   `json:"strategy"`
	AssignToRole      *string  `json:"assign_to_role,omitempty"`
	AssignToHandlerID *int64   `json:"assign_to_handler_id,omitempty"`
	AssignmentCount   int      `json:"assignment_count"`
}

// NewRule is the create payload for a rule. Nil criteria match every case.
type NewRule struct {
	Name              string   `json:"name"`
	Priority          int      `json:"priority,omitempty"`
	Carrier           *string  `json:"carrier,omitempty"`
	IssueType         *string  `json:"issue_type,omitempty"`
	PriorityLevel     *string  `json:"priority_level,omitempty"`
	AmountMin         *float64 `json:"amount_min,omitempty"`
	AmountMax         *float64 `json:"amount_max,omitempty"`
	Strategy          string   `json:"strategy"`
	AssignToRole      *string  `json:"assign_to_role,omitempty"`
	AssignToHandlerID *int64   `json:"assign_to_handler_id,omitempty"`
}

// Case is a claim case as seen by the assignment engine.
type Case struct {
	ID                    int64       `json:"id"`
	Reference             string      `json:"reference,omitempty"`
	Carrier               string      `json:"carrier"`
	IssueType             string      `json:"issue_type"`
	Priority              string      `json:"priority"`
	ClaimedAmount         float64     `json:"claimed_amount"`
	AssignedTo            *int64      `json:"assigned_to,omitempty"`
	NeedsManualAssignment bool        `json:"needs_manual_assignment"`
	ActiveAssignment      *Assignment `json:"active_assignment,omitempty"`
}

// NewCase is the create payload for a case.
type NewCase struct {
	Reference     string  `json:"reference,omitempty"`
	Carrier       string  `json:"carrier"`
	IssueType     string  `json:"issue_type,omitempty"`
	Priority      string  `json:"priority,omitempty"`
	ClaimedAmount float64 `json:"claimed_amount,omitempty"`
	AutoAssign    bool    `json:"auto_assign,omitempty"`
}

// Assignment is one row of a case's assignment history.
type Assignment struct {
	ID         int64    `json:"id"`
	CaseID     int64    `json:"case_id"`
	AssignedTo int64    `json:"assigned_to"`
	Method     string   `json:"assignment_method"`
	RuleID     *int64   `json:"assignment_rule_id,omitempty"`
	Status     string   `json:"status"`
	Score      *float64 `json:"score,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	AssignedAt string   `json:"assigned_at"`
}

type Transfer struct {
	Assignment Assignment `json:"assignment"`
	From       *Handler   `json:"from,omitempty"`
	To         Handler    `json:"to"`
}

type AutoAssignResult struct {
	CaseID                int64  `json:"case_id"`
	HandlerID             *int64 `json:"handler_id"`
	NeedsManualAssignment bool   `json:"needs_manual_assignment"`
}

// Workload is a handler with its utilization percentage.
type Workload struct {
	Handler
	Utilization       float64 `json:"utilization"`
	ActiveAssignments int     `json:"active_assignments"`
}

type BalanceResult struct {
	RebalancedCount int `json:"rebalanced_count"`
	Skipped         int `json:"skipped"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is an assignment conflict the caller may retry.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Code == "assignment_conflict"
}

func (c *Client) CreateHandler(ctx context.Context, h NewHandler) (Handler, error) {
	var resp Handler
	err := c.do(ctx, http.MethodPost, "handlers", h, &resp)
	return resp, err
}

func (c *Client) ListHandlers(ctx context.Context) ([]Handler, error) {
	var resp []Handler
	err := c.do(ctx, http.MethodGet, "handlers", nil, &resp)
	return resp, err
}

// SetAvailability toggles whether the handler receives new cases.
func (c *Client) SetAvailability(ctx context.Context, handlerID int64, available bool) (Handler, error) {
	var resp Handler
	err := c.do(ctx, http.MethodPatch, "handlers/"+strconv.FormatInt(handlerID, 10), map[string]any{"is_available": available}, &resp)
	return resp, err
}

func (c *Client) CreateRule(ctx context.Context, r NewRule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", r, &resp)
	return resp, err
}

func (c *Client) CreateCase(ctx context.Context, nc NewCase) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", nc, &resp)
	return resp, err
}

func (c *Client) GetCase(ctx context.Context, caseID int64) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, casePath(caseID, ""), nil, &resp)
	return resp, err
}

// AutoAssign runs the assignment engine for a case.
func (c *Client) AutoAssign(ctx context.Context, caseID int64) (AutoAssignResult, error) {
	var resp AutoAssignResult
	err := c.do(ctx, http.MethodPost, casePath(caseID, "auto-assign"), nil, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, caseID, handlerID int64) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, casePath(caseID, "assign"), map[string]any{"handler_id": handlerID}, &resp)
	return resp, err
}

// Reassign moves a case to handlerID. Pass the active assignment id last read
// from GetCase as expectedAssignmentID to have a concurrent move rejected with a
// conflict (see IsConflict) instead of being overwritten.
func (c *Client) Reassign(ctx context.Context, caseID, handlerID int64, expectedAssignmentID *int64) (Transfer, error) {
	body := map[string]any{"handler_id": handlerID}
	if expectedAssignmentID != nil {
		body["expected_assignment_id"] = *expectedAssignmentID
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, casePath(caseID, "reassign"), body, &resp)
	return resp, err
}

// Complete closes the case's active assignment. It reports false when there was none.
func (c *Client) Complete(ctx context.Context, caseID int64) (bool, error) {
	var resp struct {
		Completed bool `json:"completed"`
	}
	err := c.do(ctx, http.MethodPost, casePath(caseID, "complete"), nil, &resp)
	return resp.Completed, err
}

func (c *Client) Workload(ctx context.Context) ([]Workload, error) {
	var resp []Workload
	err := c.do(ctx, http.MethodGet, "workload", nil, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context) (BalanceResult, error) {
	var resp BalanceResult
	err := c.do(ctx, http.MethodPost, "workload/balance", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
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
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID > 0:
		req.Header.Set("X-Actor-Id", strconv.FormatInt(c.ActorID, 10))
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func casePath(caseID int64, action string) string {
	p := "cases/" + strconv.FormatInt(caseID, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
