// Package client is a typed Go client for the llamactl Admin API. The
// CLI is built on it, and scripts that drive the control plane from Go
// can use it directly. Request and response shapes live in pkg/models.
package client

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

	"github.com/appkitstudio/llamactl/pkg/models"
)

// Client talks to one Admin API endpoint. Safe for concurrent use.
//
// Control actions are not idempotent (a retried start can race its first
// attempt), so the client never retries; callers decide.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// New returns a client for the Admin API at baseURL, authenticating
// with apiKey. A start can wait out supervisor polling, so the timeout
// is generous.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx Admin API response decoded from the error
// envelope. Code carries machine readable values like
// OPERATION_IN_PROGRESS for callers that branch on them.
type APIError struct {
	StatusCode int
	Response   models.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Error == "" {
		return fmt.Sprintf("admin API returned HTTP %d", e.StatusCode)
	}
	if e.Response.Details != "" {
		return fmt.Sprintf("%s (%s)", e.Response.Error, e.Response.Details)
	}
	return e.Response.Error
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// Tolerate non-JSON bodies from proxies in between.
		_ = json.Unmarshal(data, &apiErr.Response)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Health probes /health without authentication.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// ── Servers ──────────────────────────────────────────────────

func (c *Client) ListServers(ctx context.Context) ([]*models.BackendConfig, error) {
	var out []*models.BackendConfig
	if err := c.do(ctx, http.MethodGet, "/api/servers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateServer(ctx context.Context, req models.CreateServerRequest) (*models.BackendConfig, error) {
	var out models.BackendConfig
	if err := c.do(ctx, http.MethodPost, "/api/servers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetServer resolves ident like the API does: id, alias, port or a
// unique substring.
func (c *Client) GetServer(ctx context.Context, ident string) (*models.BackendConfig, error) {
	var out models.BackendConfig
	if err := c.do(ctx, http.MethodGet, "/api/servers/"+url.PathEscape(ident), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateServer(ctx context.Context, ident string, req models.UpdateServerRequest) (*models.UpdateServerResponse, error) {
	var out models.UpdateServerResponse
	if err := c.do(ctx, http.MethodPatch, "/api/servers/"+url.PathEscape(ident), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteServer removes the backend and returns its resolved id, which
// can differ from ident when an alias or substring matched.
func (c *Client) DeleteServer(ctx context.Context, ident string) (string, error) {
	var out struct {
		Deleted string `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/servers/"+url.PathEscape(ident), nil, &out); err != nil {
		return "", err
	}
	return out.Deleted, nil
}

func (c *Client) StartServer(ctx context.Context, ident string) (*models.BackendConfig, error) {
	var out models.BackendConfig
	if err := c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(ident)+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopServer(ctx context.Context, ident string) (*models.BackendConfig, error) {
	var out models.BackendConfig
	if err := c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(ident)+"/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RestartServer(ctx context.Context, ident string) (*models.BackendConfig, error) {
	var out models.BackendConfig
	if err := c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(ident)+"/restart", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServerLogs tails one backend log. logType is "stderr" (default),
// "stdout", or "http"; lines limits the tail.
func (c *Client) ServerLogs(ctx context.Context, ident, logType string, lines int) (*models.LogsResponse, error) {
	q := url.Values{}
	if logType != "" {
		q.Set("type", logType)
	}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	var out models.LogsResponse
	path := "/api/servers/" + url.PathEscape(ident) + "/logs" + query(q)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ServerHistory(ctx context.Context, ident string) ([]models.HistoryEntry, error) {
	var out []models.HistoryEntry
	path := "/api/servers/" + url.PathEscape(ident) + "/history"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ── Models ───────────────────────────────────────────────────

func (c *Client) ListModels(ctx context.Context) ([]models.ModelEntry, error) {
	var out []models.ModelEntry
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetModel(ctx context.Context, ref string) (*models.ModelEntry, error) {
	var out models.ModelEntry
	if err := c.do(ctx, http.MethodGet, "/api/models/"+url.PathEscape(ref), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteModel removes a model file or shard set. With cascade, dependent
// backends are stopped and removed first; without it, dependents make
// the call fail with MODEL_IN_USE.
func (c *Client) DeleteModel(ctx context.Context, ref string, cascade bool) (*models.DeleteResult, error) {
	q := url.Values{}
	if cascade {
		q.Set("cascade", "true")
	}
	var out models.DeleteResult
	path := "/api/models/" + url.PathEscape(ref) + query(q)
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SearchModels(ctx context.Context, q string, limit int) ([]models.SearchResult, error) {
	v := url.Values{}
	v.Set("q", q)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out []models.SearchResult
	if err := c.do(ctx, http.MethodGet, "/api/models/search"+query(v), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download enqueues a hub download and returns the job id.
func (c *Client) Download(ctx context.Context, repo, filename string) (string, error) {
	var out models.DownloadAccepted
	req := models.DownloadRequest{Repo: repo, Filename: filename}
	if err := c.do(ctx, http.MethodPost, "/api/models/download", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// ── Jobs ─────────────────────────────────────────────────────

func (c *Client) ListJobs(ctx context.Context) ([]*models.DownloadJob, error) {
	var out []*models.DownloadJob
	if err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.DownloadJob, error) {
	var out models.DownloadJob
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

// ── Router ───────────────────────────────────────────────────

func (c *Client) RouterConfig(ctx context.Context) (*models.RouterConfig, error) {
	var out models.RouterConfig
	if err := c.do(ctx, http.MethodGet, "/api/router", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateRouter(ctx context.Context, req models.UpdateRouterRequest) (*models.RouterConfig, error) {
	var out models.RouterConfig
	if err := c.do(ctx, http.MethodPatch, "/api/router", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartRouter(ctx context.Context) (*models.RouterConfig, error) {
	var out models.RouterConfig
	if err := c.do(ctx, http.MethodPost, "/api/router/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StopRouter(ctx context.Context) (*models.RouterConfig, error) {
	var out models.RouterConfig
	if err := c.do(ctx, http.MethodPost, "/api/router/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RestartRouter(ctx context.Context) (*models.RouterConfig, error) {
	var out models.RouterConfig
	if err := c.do(ctx, http.MethodPost, "/api/router/restart", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RouterLogs tails a router log. logType is "stdout" (default),
// "stderr" or "requests".
func (c *Client) RouterLogs(ctx context.Context, logType string, lines int) (*models.LogsResponse, error) {
	q := url.Values{}
	if logType != "" {
		q.Set("type", logType)
	}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	var out models.LogsResponse
	if err := c.do(ctx, http.MethodGet, "/api/router/logs"+query(q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Status ───────────────────────────────────────────────────

func (c *Client) Status(ctx context.Context) (*models.StatusResponse, error) {
	var out models.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func query(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}
