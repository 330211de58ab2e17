// Package client talks to a running intensity server. Its methods mirror the
// engine's so callers can use either interchangeably.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/intensity/internal/behavior"
	"github.com/lazypower/intensity/internal/engine"
	"github.com/lazypower/intensity/internal/progression"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 10 * time.Second
)

// Client talks to the intensity server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL falls back to
// INTENSITY_URL, then http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("INTENSITY_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// do sends a JSON request and decodes the JSON response into out when out is
// non-nil. Error statuses come back as the matching behavior error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, r)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", behavior.ErrStorageUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

func statusError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := string(data)
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	var kind error
	switch status {
	case http.StatusBadRequest:
		kind = behavior.ErrInvalidArgument
	case http.StatusNotFound:
		kind = behavior.ErrNotFound
	case http.StatusConflict:
		kind = behavior.ErrStaleEvent
	case http.StatusServiceUnavailable:
		kind = behavior.ErrStorageUnavailable
	default:
		return fmt.Errorf("status %d: %s", status, msg)
	}
	return fmt.Errorf("%w (server: %s)", kind, msg)
}

func agentPath(agentID string) string {
	return "/api/agents/" + url.PathEscape(agentID)
}

func behaviorPath(agentID string, t behavior.Type) string {
	return agentPath(agentID) + "/behaviors/" + url.PathEscape(string(t))
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

func (c *Client) SubmitTrigger(ctx context.Context, ev behavior.TriggerEvent) (engine.Result, error) {
	var res engine.Result
	err := c.do(ctx, http.MethodPost, agentPath(ev.AgentID)+"/triggers", ev, &res)
	return res, err
}

func (c *Client) GetAgentState(ctx context.Context, agentID string) (behavior.ProgressionState, error) {
	var state behavior.ProgressionState
	err := c.do(ctx, http.MethodGet, agentPath(agentID)+"/state", nil, &state)
	return state, err
}

func (c *Client) GetSafetySnapshot(ctx context.Context, agentID string) (behavior.SafetySnapshot, error) {
	var snap behavior.SafetySnapshot
	err := c.do(ctx, http.MethodGet, agentPath(agentID)+"/snapshot", nil, &snap)
	return snap, err
}

func (c *Client) Profile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	var p behavior.Profile
	if err := c.do(ctx, http.MethodGet, behaviorPath(agentID, t), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) EnsureProfile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	var p behavior.Profile
	if err := c.do(ctx, http.MethodPost, behaviorPath(agentID, t), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) UpdateParameters(ctx context.Context, agentID string, t behavior.Type, params behavior.Params) (*behavior.Profile, error) {
	var p behavior.Profile
	if err := c.do(ctx, http.MethodPut, behaviorPath(agentID, t)+"/params", params, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ResetBehavior(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error) {
	var p behavior.Profile
	if err := c.do(ctx, http.MethodPost, behaviorPath(agentID, t)+"/reset", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DeleteBehavior(ctx context.Context, agentID string, t behavior.Type) error {
	return c.do(ctx, http.MethodDelete, behaviorPath(agentID, t), nil, nil)
}

func (c *Client) History(ctx context.Context, agentID string, t behavior.Type, q behavior.HistoryQuery) ([]behavior.TriggerLogEntry, error) {
	v := url.Values{}
	if since := q.SinceParam(); since != "" {
		v.Set("since", since)
	}
	if q.Limit != 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := behaviorPath(agentID, t) + "/history"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var resp struct {
		Entries []behavior.TriggerLogEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) Curve(ctx context.Context, agentID string, t behavior.Type) ([]engine.CurvePoint, error) {
	var resp struct {
		Points []engine.CurvePoint `json:"points"`
	}
	if err := c.do(ctx, http.MethodGet, behaviorPath(agentID, t)+"/curve", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Points, nil
}

func (c *Client) Analytics(ctx context.Context) (progression.Summary, error) {
	var s progression.Summary
	err := c.do(ctx, http.MethodGet, "/api/analytics", nil, &s)
	return s, err
}
