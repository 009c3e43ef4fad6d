package reportflowsdk

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

// Client is a minimal reportflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Pipeline runs are synchronous on
// the server, so the default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  5 * time.Minute,
	}
}

// StageResult is the outcome of one stage within a run.
type StageResult struct {
	Position   int    `json:"position"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Handoff    string `json:"handoff,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Run is a pipeline run with its stage results.
type Run struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Conf       map[string]string `json:"conf,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at,omitempty"`
	Stages     []StageResult     `json:"stages,omitempty"`
}

// BundleID returns the handoff of the train_and_report stage, if any.
func (r Run) BundleID() string {
	for _, s := range r.Stages {
		if s.Stage == "train_and_report" {
			return s.Handoff
		}
	}
	return ""
}

// Event represents a ledger entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Bundle summarizes a report bundle on the server.
type Bundle struct {
	ID       string             `json:"id"`
	Dir      string             `json:"dir"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Images   []string           `json:"images,omitempty"`
	Fallback bool               `json:"fallback,omitempty"`
	Error    string             `json:"error,omitempty"`
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

// TriggerRun runs the full pipeline and waits for it to finish.
func (c *Client) TriggerRun(ctx context.Context, conf map[string]string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", map[string]any{"conf": conf}, &resp)
	return resp, err
}

// TriggerStage runs a single stage with conf as its trigger configuration.
func (c *Client) TriggerStage(ctx context.Context, stage string, conf map[string]string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("stages/%s/trigger", url.PathEscape(stage))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"conf": conf}, &resp)
	return resp, err
}

// Runs lists runs, newest first.
func (c *Client) Runs(ctx context.Context, status string, limit int) ([]Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp.Items, err
}

// Run fetches a run by id.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// EventsPage returns a page of events, of one run when runID is set.
func (c *Client) EventsPage(ctx context.Context, runID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if runID != "" {
		endpoint = fmt.Sprintf("runs/%s/events", url.PathEscape(runID))
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, q), nil, &resp)
	return resp, err
}

// Bundles lists report bundles, newest first.
func (c *Client) Bundles(ctx context.Context, limit int) ([]Bundle, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Bundle `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("bundles", q), nil, &resp)
	return resp.Items, err
}

// LatestBundle resolves id, or the newest bundle when id is empty or missing.
func (c *Client) LatestBundle(ctx context.Context, id string) (Bundle, error) {
	q := url.Values{}
	if id != "" {
		q.Set("id", id)
	}
	var resp Bundle
	err := c.do(ctx, http.MethodGet, withQuery("bundles/latest", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
