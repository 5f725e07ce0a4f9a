// Package client is a thin HTTP wrapper for the aigrid API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthenticated is returned, before any request is sent, by calls that
// need a token when the client has none.
var ErrUnauthenticated = errors.New("not authenticated: log in first")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one aigrid server.
type Client struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	// Anonymous allows calls without a token, for servers with
	// authentication disabled.
	Anonymous bool
}

// New creates a new aigrid client.
func New(url string) *Client {
	return &Client{
		URL: strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Token is a login result.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login exchanges the server password for a token and keeps it on the
// client.
func (c *Client) Login(ctx context.Context, password string) (*Token, error) {
	var tok Token
	if err := c.do(ctx, "POST", "/api/v1/auth/login", map[string]string{"password": password}, &tok, false); err != nil {
		return nil, err
	}
	c.Token = tok.AccessToken
	return &tok, nil
}

// Verify checks that the client's token is accepted.
func (c *Client) Verify(ctx context.Context) error {
	return c.do(ctx, "POST", "/api/v1/auth/verify", nil, nil, true)
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "GET", "/api/v1/ping", nil, nil, false)
}

// TableState is a stored table. Data holds columns, rows, global rules,
// filters and chunks as JSON.
type TableState struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// ListStates returns every table state, most recently updated first.
func (c *Client) ListStates(ctx context.Context) ([]TableState, error) {
	var out struct {
		Items []TableState `json:"items"`
	}
	if err := c.do(ctx, "GET", "/api/v1/table-state/", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetState returns one table state.
func (c *Client) GetState(ctx context.Context, id string) (*TableState, error) {
	var st TableState
	if err := c.do(ctx, "GET", "/api/v1/table-state/"+id, nil, &st, true); err != nil {
		return nil, err
	}
	return &st, nil
}

// CreateState stores a new table state. It fails with a conflict when the
// id is taken.
func (c *Client) CreateState(ctx context.Context, st TableState) (*TableState, error) {
	body := map[string]any{"id": st.ID, "name": st.Name, "data": st.Data}
	var out TableState
	if err := c.do(ctx, "POST", "/api/v1/table-state/", body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateState replaces the name and/or data of a table state. A nil name
// or empty data keeps the stored value.
func (c *Client) UpdateState(ctx context.Context, id string, name *string, data json.RawMessage) (*TableState, error) {
	body := map[string]any{}
	if name != nil {
		body["name"] = *name
	}
	if len(data) > 0 {
		body["data"] = data
	}
	var out TableState
	if err := c.do(ctx, "PUT", "/api/v1/table-state/"+id, body, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveState creates the table state, or updates it when it already exists.
func (c *Client) SaveState(ctx context.Context, st TableState) (*TableState, error) {
	out, err := c.CreateState(ctx, st)
	if IsConflict(err) {
		return c.UpdateState(ctx, st.ID, &st.Name, st.Data)
	}
	return out, err
}

// DeleteState removes a table state.
func (c *Client) DeleteState(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/api/v1/table-state/"+id, nil, nil, true)
}

// Cell names one cell of a table.
type Cell struct {
	RowID    string `json:"row_id"`
	ColumnID string `json:"column_id"`
}

// RunRequest selects the cells of a run. An empty Scope runs the whole
// table.
type RunRequest struct {
	Scope     string   `json:"scope,omitempty"`
	ColumnIDs []string `json:"column_ids,omitempty"`
	RowIDs    []string `json:"row_ids,omitempty"`
	Cells     []Cell   `json:"cells,omitempty"`
}

// Run is a server-side run.
type Run struct {
	ID         string     `json:"id"`
	TableID    string     `json:"table_id"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Succeeded  int        `json:"succeeded"`
	Fallbacks  int        `json:"fallbacks"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the run has stopped.
func (r *Run) Finished() bool {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// StartRun starts a run over a stored table.
func (c *Client) StartRun(ctx context.Context, tableID string, req RunRequest) (*Run, error) {
	var run Run
	if err := c.do(ctx, "POST", "/api/v1/table-state/"+tableID+"/runs", req, &run, true); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns a run's status.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.do(ctx, "GET", "/api/v1/runs/"+id, nil, &run, true); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun asks a run to stop.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, "POST", "/api/v1/runs/"+id+"/cancel", nil, nil, true)
}

// WaitRun polls a run until it finishes or ctx is done.
func (c *Client) WaitRun(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-t.C:
		}
	}
}

// HTTP helpers

func (c *Client) do(ctx context.Context, method, path string, body, result any, authed bool) error {
	if authed && c.Token == "" && !c.Anonymous {
		return ErrUnauthenticated
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}

	if result != nil && len(data) > 0 {
		return json.Unmarshal(data, result)
	}
	return nil
}
