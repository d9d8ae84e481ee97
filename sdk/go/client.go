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
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Feature is a named scope unit with an optional priority (P0, P1, P2).
type Feature struct {
	Name     string `json:"name"`
	Priority string `json:"priority,omitempty"`
}

// AnalyzeRequest is the input to an analysis.
type AnalyzeRequest struct {
	SessionID       string    `json:"session_id,omitempty"`
	PRDText         string    `json:"prd_text,omitempty"`
	Features        []Feature `json:"features"`
	RosterCSV       string    `json:"roster_csv"`
	BudgetCSV       string    `json:"budget_csv,omitempty"`
	BudgetCeiling   *float64  `json:"budget_ceiling,omitempty"`
	DeadlineSprints int       `json:"deadline_sprints"`
}

// Task represents the API task model (partial).
type Task struct {
	ID             string  `json:"id"`
	Feature        string  `json:"feature"`
	Title          string  `json:"title"`
	Assignee       *string `json:"assignee,omitempty"`
	EstimatedHours float64 `json:"estimated_hours"`
	SalaryCost     float64 `json:"salary_cost"`
	Sprint         int     `json:"sprint"`
	RiskLevel      string  `json:"risk_level"`
}

// DeliveryOption is a graded adjustment recommendation.
type DeliveryOption struct {
	Option      string  `json:"option"`
	Grade       string  `json:"grade"`
	Description string  `json:"description"`
	Adjustment  float64 `json:"adjustment,omitempty"`
}

// Plan represents a committed plan (partial).
type Plan struct {
	Tasks           []Task             `json:"tasks"`
	Unassigned      []string           `json:"unassigned,omitempty"`
	HoursByStaff    map[string]float64 `json:"hours_by_staff"`
	TotalCost       float64            `json:"total_cost"`
	BudgetCeiling   float64            `json:"budget_ceiling"`
	RemainingBudget float64            `json:"remaining_budget"`
	HorizonSprints  int                `json:"horizon_sprints"`
	DeadlineSprints int                `json:"deadline_sprints"`
	Verdict         string             `json:"verdict"`
	DeliveryOptions []DeliveryOption   `json:"delivery_options"`
}

// Session represents a planning session.
type Session struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Plan      *Plan  `json:"plan,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ChatResult is one revision turn's outcome.
type ChatResult struct {
	SessionID string `json:"session_id"`
	Intent    string `json:"intent"`
	Action    string `json:"action"`
	Response  string `json:"response"`
	Plan      *Plan  `json:"plan,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Analyze creates a session with an initial plan.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/analyses", req, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &resp)
	return resp, err
}

// GetPlan fetches the committed plan for a session.
func (c *Client) GetPlan(ctx context.Context, id string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, "plan"), nil, &resp)
	return resp, err
}

// Chat sends a natural-language revision message.
func (c *Client) Chat(ctx context.Context, id, message string) (ChatResult, error) {
	var resp ChatResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "chat"), map[string]any{"message": message}, &resp)
	return resp, err
}

// Confirm locks a session's plan.
func (c *Client) Confirm(ctx context.Context, id string) (ChatResult, error) {
	var resp ChatResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "confirm"), nil, &resp)
	return resp, err
}

// Events returns recent events, optionally filtered by session.
func (c *Client) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if sessionID != "" {
		params.Set("session_id", sessionID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
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

func (c *Client) sessionPath(id, suffix string) string {
	p := fmt.Sprintf("v0/sessions/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
