package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/auth"
	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/observability"
	"github.com/user/aigrid/internal/persist"
	"github.com/user/aigrid/internal/query"
	"github.com/user/aigrid/internal/scheduler"
	"github.com/user/aigrid/internal/statestore"
	"github.com/user/aigrid/internal/tablestore"
)

// stubQuerier answers by column id. When release is set, every query waits
// for it to be closed.
type stubQuerier struct {
	answers map[string]any
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (q *stubQuerier) Query(ctx context.Context, req query.Request) (*answer.Result, error) {
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
	if q.release != nil {
		select {
		case <-q.release:
		case <-ctx.Done():
			return nil, answer.Cancelled(ctx.Err())
		}
	}
	return &answer.Result{Answer: q.answers[req.Prompt.ID]}, nil
}

func (q *stubQuerier) QueryBatch(ctx context.Context, reqs []query.Request) ([]*answer.Result, error) {
	out := make([]*answer.Result, len(reqs))
	for i, r := range reqs {
		res, err := q.Query(ctx, r)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func testServer(t *testing.T, opts ...func(*Config)) (*Server, *statestore.DB) {
	t.Helper()
	return testServerWithQuerier(t, &stubQuerier{answers: map[string]any{"num": "INV-42"}}, opts...)
}

func testServerWithQuerier(t *testing.T, q *stubQuerier, opts ...func(*Config)) (*Server, *statestore.DB) {
	t.Helper()
	db, err := statestore.Open(statestore.Config{Driver: statestore.DriverSQLite, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	engineCfg := tablestore.DefaultConfig()
	engineCfg.RunOptions = scheduler.Options{MaxRetries: -1}
	engine := tablestore.New(scheduler.New(q, scheduler.DefaultConfig()), nil, engineCfg)

	cfg := Config{
		Bind:    ":0",
		States:  db,
		Engine:  engine,
		Persist: persist.Config{Debounce: 10 * time.Millisecond},
	}
	for _, o := range opts {
		o(&cfg)
	}
	srv := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, db
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	return doAuthRequest(srv, method, path, body, "")
}

func doAuthRequest(srv *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

// invoiceState is a table with one generated column and one document row.
func invoiceState(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": "Invoices",
		"data": map[string]any{
			"columns": []map[string]any{{
				"id": "num", "entityType": "Invoice Number", "query": "What is the invoice number?",
				"type": "str", "generate": true,
			}},
			"rows": []map[string]any{{
				"id":         "r1",
				"sourceData": map[string]any{"type": "document", "document": map[string]any{"id": "doc1", "name": "inv.pdf"}},
				"cells":      map[string]any{},
			}},
			"globalRules": []any{},
			"filters":     []any{},
		},
	}
}

func createState(t *testing.T, srv *Server, id string) {
	t.Helper()
	rr := doRequest(srv, "POST", "/api/v1/table-state/", invoiceState(id))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body: %s", rr.Code, rr.Body.String())
	}
}

func startRun(t *testing.T, srv *Server, tableID string, body any) runTask {
	t.Helper()
	rr := doRequest(srv, "POST", "/api/v1/table-state/"+tableID+"/runs", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var task runTask
	decodeResponse(t, rr, &task)
	return task
}

func waitRun(t *testing.T, srv *Server, id string) runTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr := doRequest(srv, "GET", "/api/v1/runs/"+id, nil)
		var task runTask
		decodeResponse(t, rr, &task)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return runTask{}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	rr = doRequest(srv, "GET", "/api/v1/ping", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("ping status = %d", rr.Code)
	}
}

func TestTableStateCRUD(t *testing.T) {
	srv, _ := testServer(t)
	createState(t, srv, "t1")

	rr := doRequest(srv, "POST", "/api/v1/table-state/", invoiceState("t1"))
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rr.Code)
	}

	rr = doRequest(srv, "GET", "/api/v1/table-state/t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var rec statestore.Record
	decodeResponse(t, rr, &rec)
	if rec.Name != "Invoices" || !strings.Contains(string(rec.Data), `"num"`) {
		t.Errorf("record = %+v", rec)
	}

	rr = doRequest(srv, "PUT", "/api/v1/table-state/t1", map[string]any{"name": "Renamed"})
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d, body: %s", rr.Code, rr.Body.String())
	}
	decodeResponse(t, rr, &rec)
	if rec.Name != "Renamed" || !strings.Contains(string(rec.Data), `"num"`) {
		t.Errorf("partial update lost data: %+v", rec)
	}

	rr = doRequest(srv, "GET", "/api/v1/table-state/", nil)
	var list struct {
		Items []statestore.Record `json:"items"`
	}
	decodeResponse(t, rr, &list)
	if len(list.Items) != 1 || list.Items[0].ID != "t1" {
		t.Errorf("list = %+v", list.Items)
	}

	for _, req := range []struct{ method, path string }{
		{"GET", "/api/v1/table-state/missing"},
		{"PUT", "/api/v1/table-state/missing"},
		{"DELETE", "/api/v1/table-state/missing"},
	} {
		rr = doRequest(srv, req.method, req.path, map[string]any{"name": "x"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", req.method, req.path, rr.Code)
		}
	}

	rr = doRequest(srv, "DELETE", "/api/v1/table-state/t1", nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rr.Code)
	}
	rr = doRequest(srv, "GET", "/api/v1/table-state/t1", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/table-state/", map[string]any{"id": "t1", "data": map[string]any{"rows": "nope"}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad data status = %d, want 400", rr.Code)
	}
	rr = doRequest(srv, "POST", "/api/v1/table-state/", map[string]any{"id": "a::b"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/table-state/", map[string]any{"name": "untitled"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create without id status = %d", rr.Code)
	}
	var rec statestore.Record
	decodeResponse(t, rr, &rec)
	if rec.ID == "" || string(rec.Data) != "{}" {
		t.Errorf("record = %+v", rec)
	}
}

func TestAuthRequired(t *testing.T) {
	a, err := auth.New(context.Background(), auth.Config{Password: "pw", Secret: "secret"})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	srv, _ := testServer(t, func(c *Config) { c.Auth = a })

	if rr := doRequest(srv, "GET", "/api/v1/ping", nil); rr.Code != http.StatusOK {
		t.Errorf("ping should not need a token, status = %d", rr.Code)
	}
	if rr := doRequest(srv, "GET", "/api/v1/table-state/", nil); rr.Code != http.StatusForbidden {
		t.Errorf("no token status = %d, want 403", rr.Code)
	}
	if rr := doAuthRequest(srv, "GET", "/api/v1/table-state/", nil, "garbage"); rr.Code != http.StatusForbidden {
		t.Errorf("bad token status = %d, want 403", rr.Code)
	}
	if rr := doRequest(srv, "POST", "/api/v1/auth/login", LoginRequest{Password: "wrong"}); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", rr.Code)
	}

	rr := doRequest(srv, "POST", "/api/v1/auth/login", LoginRequest{Password: "pw"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var tok auth.Token
	decodeResponse(t, rr, &tok)

	rr = doAuthRequest(srv, "POST", "/api/v1/auth/verify", nil, tok.AccessToken)
	var verified VerifyResponse
	decodeResponse(t, rr, &verified)
	if rr.Code != http.StatusOK || verified.Status != "authenticated" {
		t.Errorf("verify = %d %+v", rr.Code, verified)
	}

	rr = doAuthRequest(srv, "POST", "/api/v1/table-state/", invoiceState("t1"), tok.AccessToken)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create with token status = %d", rr.Code)
	}
	var rec statestore.Record
	decodeResponse(t, rr, &rec)
	if rec.UserID != "user" {
		t.Errorf("user_id = %q, want user", rec.UserID)
	}
}

func TestHostedRunSavesResults(t *testing.T) {
	srv, db := testServer(t)
	createState(t, srv, "t1")

	task := startRun(t, srv, "t1", nil)
	if task.Total != 1 || task.Status != scheduler.StateRunning {
		t.Fatalf("task = %+v", task)
	}
	done := waitRun(t, srv, task.ID)
	if done.Status != scheduler.StateCompleted || done.Succeeded != 1 || done.Completed != 1 {
		t.Fatalf("finished task = %+v", done)
	}

	rec, err := db.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var data grid.StateData
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if got := data.Rows[0].Cells["num"]; got != "INV-42" {
		t.Errorf("saved cell = %v, want INV-42", got)
	}
	if _, ok := srv.engine.Table("t1"); ok {
		t.Error("finished table should be unloaded from the engine")
	}
}

func TestRunScopes(t *testing.T) {
	srv, _ := testServer(t)
	createState(t, srv, "t1")

	task := startRun(t, srv, "t1", RunRequest{Scope: "cells", Cells: []tablestore.CellRef{{RowID: "r1", ColumnID: "num"}}})
	if task.Total != 1 {
		t.Errorf("cells total = %d", task.Total)
	}
	waitRun(t, srv, task.ID)

	rr := doRequest(srv, "POST", "/api/v1/table-state/t1/runs", RunRequest{Scope: "columns", ColumnIDs: []string{"missing"}})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown column status = %d, want 422", rr.Code)
	}
	rr = doRequest(srv, "POST", "/api/v1/table-state/t1/runs", RunRequest{Scope: "sideways"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad scope status = %d, want 400", rr.Code)
	}
	rr = doRequest(srv, "POST", "/api/v1/table-state/nope/runs", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown table status = %d, want 404", rr.Code)
	}
	if _, ok := srv.engine.Table("t1"); ok {
		t.Error("rejected runs should not leave the table loaded")
	}
}

func TestRunConflictsAndCancel(t *testing.T) {
	q := &stubQuerier{answers: map[string]any{"num": "INV-42"}, release: make(chan struct{})}
	srv, _ := testServerWithQuerier(t, q)
	createState(t, srv, "t1")

	task := startRun(t, srv, "t1", nil)

	rr := doRequest(srv, "POST", "/api/v1/table-state/t1/runs", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("second run status = %d, want 409", rr.Code)
	}
	rr = doRequest(srv, "PUT", "/api/v1/table-state/t1", map[string]any{"name": "x"})
	if rr.Code != http.StatusConflict {
		t.Errorf("update during run status = %d, want 409", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/runs/"+task.ID+"/cancel", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d", rr.Code)
	}
	done := waitRun(t, srv, task.ID)
	if done.Status != scheduler.StateCancelled {
		t.Errorf("status = %s, want cancelled", done.Status)
	}

	rr = doRequest(srv, "POST", "/api/v1/runs/"+task.ID+"/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("cancel finished run status = %d, want 200", rr.Code)
	}
	rr = doRequest(srv, "POST", "/api/v1/runs/run_missing/cancel", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("cancel unknown run status = %d, want 404", rr.Code)
	}
}

func TestRunProgressStream(t *testing.T) {
	q := &stubQuerier{answers: map[string]any{"num": "INV-42"}, release: make(chan struct{})}
	srv, _ := testServerWithQuerier(t, q)
	createState(t, srv, "t1")
	task := startRun(t, srv, "t1", nil)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + task.ID + "/progress")
	if err != nil {
		t.Fatalf("GET progress: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	close(q.release)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	for _, want := range []string{"event: run.started", "event: run.completed", `"succeeded":1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}

	// A finished run replays its terminal event.
	rr := doRequest(srv, "GET", "/api/v1/runs/"+task.ID+"/progress", nil)
	if !strings.Contains(rr.Body.String(), "event: run.completed") {
		t.Errorf("replay = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := observability.NewMetrics()
	srv, _ := testServer(t, func(c *Config) { c.Metrics = m })

	doRequest(srv, "GET", "/api/v1/ping", nil)
	rr := doRequest(srv, "GET", "/metrics", nil)
	want := `aigrid_http_requests_total{method="GET",route="/api/v1/ping",status="200"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Errorf("metrics missing %q", want)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := testServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, ReadRPS: 0.001, ReadBurst: 2}
	})
	for i := 0; i < 2; i++ {
		if rr := doRequest(srv, "GET", "/api/v1/ping", nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rr.Code)
		}
	}
	if rr := doRequest(srv, "GET", "/api/v1/ping", nil); rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rr.Code)
	}
	if rr := doRequest(srv, "GET", "/healthz", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz should not be limited, status = %d", rr.Code)
	}
}

func TestRateLimitRuns(t *testing.T) {
	srv, _ := testServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, RunRPS: 0.001, RunBurst: 1}
	})
	createState(t, srv, "t1")
	startRun(t, srv, "t1", nil)

	rr := doRequest(srv, "POST", "/api/v1/table-state/t1/runs", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second run status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rr := doRequest(srv, "GET", "/api/v1/table-state/t1", nil); rr.Code != http.StatusOK {
		t.Errorf("reads should use their own budget, status = %d", rr.Code)
	}
}
