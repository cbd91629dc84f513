// Package crm is the REST client for the remote record-of-truth task store.
// The CRM exposes a PostgREST-style API: filters are query parameters like
// updated_at=gt.<ts> and sync_source=neq.<tag>.
package crm

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

	"github.com/apprapid/missionctl/internal/shared"
)

const requestTimeout = 15 * time.Second

type Config struct {
	BaseURL    string
	ServiceKey string

	// HTTPClient overrides the default client; tests inject one.
	HTTPClient *http.Client
}

// Client talks to the CRM REST API. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		http:       httpClient,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + "/rest/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes req and decodes a 2xx JSON response into out (may be nil).
// Non-2xx responses become errors carrying the (redacted) response body.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("crm %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, shared.Redact(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm %s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// QueryTasksSince fetches up to limit tasks whose updated_at is strictly
// after since, excluding rows whose sync_source equals excludeSource, ordered
// by updated_at ascending.
func (c *Client) QueryTasksSince(ctx context.Context, since time.Time, excludeSource string, limit int) ([]RemoteTask, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("updated_at", "gt."+since.UTC().Format(time.RFC3339Nano))
	if excludeSource != "" {
		q.Set("sync_source", "neq."+excludeSource)
	}
	q.Set("order", "updated_at.asc")
	q.Set("limit", strconv.Itoa(limit))

	req, err := c.newRequest(ctx, http.MethodGet, "/tasks", q, nil)
	if err != nil {
		return nil, err
	}
	var tasks []RemoteTask
	if err := c.do(req, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// QueryAllTasks pages through the tasks table without a watermark filter.
// Used by full reconcile sweeps.
func (c *Client) QueryAllTasks(ctx context.Context, limit, offset int) ([]RemoteTask, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "updated_at.asc")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	req, err := c.newRequest(ctx, http.MethodGet, "/tasks", q, nil)
	if err != nil {
		return nil, err
	}
	var tasks []RemoteTask
	if err := c.do(req, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTaskByMCID returns the remote task holding the given local
// cross-reference, or nil if none exists.
func (c *Client) GetTaskByMCID(ctx context.Context, mcID string) (*RemoteTask, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("mc_task_id", "eq."+mcID)
	q.Set("limit", "1")

	req, err := c.newRequest(ctx, http.MethodGet, "/tasks", q, nil)
	if err != nil {
		return nil, err
	}
	var tasks []RemoteTask
	if err := c.do(req, &tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// InsertTask creates a remote task row.
func (c *Client) InsertTask(ctx context.Context, task RemoteTask) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/tasks", nil, task)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return c.do(req, nil)
}

// UpdateTaskByMCID patches the remote task correlated by local ID.
func (c *Client) UpdateTaskByMCID(ctx context.Context, mcID string, fields map[string]any) error {
	q := url.Values{}
	q.Set("mc_task_id", "eq."+mcID)

	req, err := c.newRequest(ctx, http.MethodPatch, "/tasks", q, fields)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return c.do(req, nil)
}

// UpdateTaskFields patches individual columns of a remote task by its own ID.
// The pull path uses this to write the cross-reference back.
func (c *Client) UpdateTaskFields(ctx context.Context, id string, fields map[string]any) error {
	q := url.Values{}
	q.Set("id", "eq."+id)

	req, err := c.newRequest(ctx, http.MethodPatch, "/tasks", q, fields)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return c.do(req, nil)
}

// InsertAgentActivity appends a row to the CRM agent_activity feed.
func (c *Client) InsertAgentActivity(ctx context.Context, activity AgentActivity) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/agent_activity", nil, activity)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return c.do(req, nil)
}

// CountTasks returns the exact number of remote tasks. Used as a
// connectivity probe by the health check.
func (c *Client) CountTasks(ctx context.Context) (int64, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")

	req, err := c.newRequest(ctx, http.MethodHead, "/tasks", q, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Prefer", "count=exact")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("crm HEAD /tasks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("crm HEAD /tasks: status %d", resp.StatusCode)
	}

	// Content-Range looks like "0-0/42"; the total follows the slash.
	cr := resp.Header.Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 || idx == len(cr)-1 {
		return 0, fmt.Errorf("crm HEAD /tasks: missing count in Content-Range %q", cr)
	}
	n, err := strconv.ParseInt(cr[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("crm HEAD /tasks: parse Content-Range %q: %w", cr, err)
	}
	return n, nil
}
