package cliplinesdk

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

// Client is a minimal Clipline HTTP API client.
type Client struct {
	BaseURL       string
	APIKey        string
	BearerToken   string
	CorrelationID string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkPackage represents the API work package model.
type WorkPackage struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	AssignmentState   string  `json:"assignment_state"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	AssignedRole      *string `json:"assigned_role,omitempty"`
	AssignedExpiresAt *string `json:"assigned_expires_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

// Lease is the assignment snapshot returned by claim, release, and lease reads.
type Lease struct {
	WorkPackageID     string  `json:"work_package_id"`
	AssignmentState   string  `json:"assignment_state"`
	AssignedTo        *string `json:"assigned_to,omitempty"`
	AssignedRole      *string `json:"assigned_role,omitempty"`
	AssignedExpiresAt *string `json:"assigned_expires_at,omitempty"`
	CorrelationID     string  `json:"correlation_id,omitempty"`
}

// ScriptVersion represents one entry in a work package's script history.
type ScriptVersion struct {
	WorkPackageID string  `json:"work_package_id"`
	VersionNumber int     `json:"version_number"`
	Content       string  `json:"content,omitempty"`
	ContentHash   string  `json:"content_hash"`
	Locked        bool    `json:"locked"`
	LockedAt      *string `json:"locked_at,omitempty"`
	LockedBy      *string `json:"locked_by,omitempty"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     string  `json:"created_at"`
}

// ReclaimResult reports a completed expiry sweep.
type ReclaimResult struct {
	ReclaimedCount int      `json:"reclaimed_count"`
	ReclaimedIDs   []string `json:"reclaimed_ids"`
	Summary        string   `json:"summary"`
}

// Event represents an audit log entry.
type Event struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	Type          string         `json:"type"`
	WorkPackageID string         `json:"work_package_id"`
	ActorID       string         `json:"actor_id"`
	FromState     string         `json:"from_state,omitempty"`
	ToState       string         `json:"to_state,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkPackage creates a work package.
func (c *Client) CreateWorkPackage(ctx context.Context, id, title string) (WorkPackage, error) {
	body := map[string]any{"title": title}
	if id != "" {
		body["id"] = id
	}
	var resp WorkPackage
	err := c.do(ctx, http.MethodPost, "v0/work-packages", body, &resp)
	return resp, err
}

// GetWorkPackage fetches a work package by id.
func (c *Client) GetWorkPackage(ctx context.Context, id string) (WorkPackage, error) {
	var resp WorkPackage
	err := c.do(ctx, http.MethodGet, c.wpPath(id, ""), nil, &resp)
	return resp, err
}

// Claim takes or renews a lease on a work package.
func (c *Client) Claim(ctx context.Context, workPackageID, role string, ttlSeconds int) (Lease, error) {
	body := map[string]any{"role": role}
	if ttlSeconds > 0 {
		body["ttl_seconds"] = ttlSeconds
	}
	var resp Lease
	err := c.do(ctx, http.MethodPost, c.wpPath(workPackageID, "claim"), body, &resp)
	return resp, err
}

// Release ends the caller's active lease.
func (c *Client) Release(ctx context.Context, workPackageID string) (Lease, error) {
	var resp Lease
	err := c.do(ctx, http.MethodPost, c.wpPath(workPackageID, "release"), map[string]any{}, &resp)
	return resp, err
}

// GetLease returns the current assignment snapshot.
func (c *Client) GetLease(ctx context.Context, workPackageID string) (Lease, error) {
	var resp Lease
	err := c.do(ctx, http.MethodGet, c.wpPath(workPackageID, "lease"), nil, &resp)
	return resp, err
}

// ReclaimExpired sweeps leases past their deadline. Requires admin.
func (c *Client) ReclaimExpired(ctx context.Context) (ReclaimResult, error) {
	var resp ReclaimResult
	err := c.do(ctx, http.MethodPost, "v0/work-packages/reclaim-expired", nil, &resp)
	return resp, err
}

// CurrentScript returns the single unlocked script version.
func (c *Client) CurrentScript(ctx context.Context, workPackageID string) (ScriptVersion, error) {
	var resp ScriptVersion
	err := c.do(ctx, http.MethodGet, c.wpPath(workPackageID, "script"), nil, &resp)
	return resp, err
}

// CreateScript appends a new script version, superseding any unlocked draft.
func (c *Client) CreateScript(ctx context.Context, workPackageID, content string) (ScriptVersion, error) {
	var resp ScriptVersion
	err := c.do(ctx, http.MethodPost, c.wpPath(workPackageID, "script"), map[string]any{"content": content}, &resp)
	return resp, err
}

// LockScript freezes the current script version. Safe to retry.
func (c *Client) LockScript(ctx context.Context, workPackageID string) (ScriptVersion, error) {
	var resp ScriptVersion
	err := c.do(ctx, http.MethodPost, c.wpPath(workPackageID, "script/lock"), map[string]any{}, &resp)
	return resp, err
}

// ScriptVersions lists the full version history.
func (c *Client) ScriptVersions(ctx context.Context, workPackageID string) ([]ScriptVersion, error) {
	var resp []ScriptVersion
	err := c.do(ctx, http.MethodGet, c.wpPath(workPackageID, "script/versions"), nil, &resp)
	return resp, err
}

// Events returns recent audit events, optionally scoped to a work package.
func (c *Client) Events(ctx context.Context, workPackageID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if workPackageID != "" {
		params.Set("work_package_id", workPackageID)
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
	if c.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", c.CorrelationID)
	}
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

func (c *Client) wpPath(id, sub string) string {
	p := fmt.Sprintf("v0/work-packages/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
