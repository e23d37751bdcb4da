package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running server; the CLI and TUI use it
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL (e.g. http://127.0.0.1:3001)
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL returns the server address
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks that the server is up and returns its running-task count
func (c *Client) Health(ctx context.Context) (int, error) {
	var resp struct {
		Status  string `json:"status"`
		Running int    `json:"running"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Running, nil
}

// Running lists running tasks and busy domains
func (c *Client) Running(ctx context.Context) (*RunningResponse, error) {
	var resp RunningResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks/running", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns an issue's task status
func (c *Client) Status(ctx context.Context, issueID string) (*TaskStatusResponse, error) {
	var resp TaskStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(issueID)+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute starts a command for an issue
func (c *Client) Execute(ctx context.Context, issueID string, req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(issueID)+"/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel stops an issue's running task
func (c *Client) Cancel(ctx context.Context, issueID string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(issueID)+"/cancel", nil, nil)
}

// Issues lists all issues
func (c *Client) Issues(ctx context.Context) ([]IssueResponse, error) {
	var resp []IssueResponse
	if err := c.do(ctx, http.MethodGet, "/api/issues", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteIssue deletes an issue, killing its running task first
func (c *Client) DeleteIssue(ctx context.Context, issueID string) error {
	return c.do(ctx, http.MethodDelete, "/api/issues/"+url.PathEscape(issueID), nil, nil)
}

// FollowLog streams an execution's log over the WebSocket endpoint and calls
// fn for every event until the stream completes, fn errors, or ctx is done
func (c *Client) FollowLog(ctx context.Context, executionID string, fn func(executor.LogEvent) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/executions/" + url.PathEscape(executionID) + "/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: readError(resp.Body)}
		}
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev executor.LogEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Type == executor.EventComplete {
			return nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: readError(resp.Body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
