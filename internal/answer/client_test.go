package answer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/query"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testClient(t *testing.T, h http.Handler, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL,
		Tokens:      tokens,
		QueryPolicy: fastPolicy(3),
		BatchPolicy: fastPolicy(2),
	})
}

func intRequest(id string) query.Request {
	return query.Request{DocumentID: "doc1", Prompt: query.Prompt{ID: id, EntityType: "Total", Query: "Total?", Type: grid.TypeInt, Rules: []grid.Rule{}}}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestQueryRetriesGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		io.WriteString(w, `{"answer":{"answer":"100"},"chunks":[{"content":"Total 100","page":2}],"resolved_entities":null}`)
	}), nil)

	res, err := c.Query(context.Background(), intRequest("c1"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if res.Answer != 100 {
		t.Errorf("answer = %#v, want 100", res.Answer)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].Page != 2 {
		t.Errorf("chunks = %+v", res.Chunks)
	}
}

func TestQueryDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"detail":"bad prompt"}`)
	}), nil)

	_, err := c.Query(context.Background(), intRequest("c1"))
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want APIError 400", err)
	}
	if ae.Message != "bad prompt" {
		t.Errorf("message = %q", ae.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestQueryRejectsResultWithoutAnswer(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"chunks":[]}`)
	}), nil)
	_, err := c.Query(context.Background(), intRequest("c1"))
	if !IsValidationError(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestNullAnswerIsFallbackAndNotCached(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"answer":{"answer":null},"chunks":[]}`)
	}), nil)
	q := NewCachingQuerier(c, &memCache{m: map[string][]byte{}})

	for range 2 {
		res, err := q.Query(context.Background(), intRequest("a"))
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if !res.Fallback {
			t.Error("null answer not marked as fallback")
		}
		if res.Answer != 0 {
			t.Errorf("answer = %#v, want int fallback 0", res.Answer)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (fallbacks are not cached)", calls.Load())
	}
}

func TestQueryCancelledDuringBackoff(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), nil)
	c.cfg.QueryPolicy = Policy{MaxRetries: 3, InitialDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := c.Query(ctx, intRequest("c1"))
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != StatusCancelled {
		t.Errorf("status = %v, want %d", err, StatusCancelled)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
}

func TestQueryBatchKeepsOrderAndFlagsInvalid(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query/batch" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var reqs []query.Request
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Errorf("decode: %v", err)
		}
		io.WriteString(w, `[
			{"answer":{"answer":"INV-42"},"chunks":[],"resolved_entities":null},
			{"oops":true},
			{"answer":{"answer":["1","2"]},"chunks":null,"resolved_entities":[{"original":["Acme","Corp"],"resolved":"ACME","source":"x","entityType":"Vendor"}]}
		]`)
	}), nil)

	reqs := []query.Request{intRequest("a"), intRequest("b"), intRequest("c")}
	reqs[0].Prompt.Type = grid.TypeString
	reqs[2].Prompt.Type = grid.TypeIntArray
	out, err := c.QueryBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("QueryBatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if out[0] == nil || out[0].Answer != "INV-42" {
		t.Errorf("out[0] = %+v", out[0])
	}
	if out[1] != nil {
		t.Errorf("out[1] = %+v, want nil for invalid item", out[1])
	}
	if out[2] == nil || len(out[2].ResolvedEntities) != 1 || out[2].ResolvedEntities[0].Original.Joined() != "Acme Corp" {
		t.Errorf("out[2] = %+v", out[2])
	}
}

func TestBearerTokenAttached(t *testing.T) {
	var got string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		io.WriteString(w, `{"answer":{"answer":1}}`)
	}), StaticToken("secret"))
	if _, err := c.Query(context.Background(), intRequest("c1")); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestUploadDocument(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		if hdr.Filename != "invoice.pdf" || string(b) != "%PDF" {
			t.Errorf("upload = %s %q", hdr.Filename, b)
		}
		io.WriteString(w, `{"id":"doc9","name":"invoice.pdf","author":"a","tag":"t","page_count":4}`)
	}), nil)
	doc, err := c.UploadDocument(context.Background(), "invoice.pdf", strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("UploadDocument: %v", err)
	}
	if doc.ID != "doc9" || doc.PageCount != 4 {
		t.Errorf("doc = %+v", doc)
	}
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *memCache) Get(_ context.Context, k string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[k]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, k string, v []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = v
	return nil
}

func TestCachingQuerierServesRepeats(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/query/batch" {
			io.WriteString(w, `[{"answer":{"answer":7}}]`)
			return
		}
		io.WriteString(w, `{"answer":{"answer":5}}`)
	}), nil)
	q := NewCachingQuerier(c, &memCache{m: map[string][]byte{}})

	for range 3 {
		res, err := q.Query(context.Background(), intRequest("a"))
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if res.Answer != 5 {
			t.Errorf("answer = %#v, want 5", res.Answer)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	out, err := q.QueryBatch(context.Background(), []query.Request{intRequest("a"), intRequest("b")})
	if err != nil {
		t.Fatalf("QueryBatch: %v", err)
	}
	if out[0].Answer != 5 || out[1].Answer != 7 {
		t.Errorf("batch answers = %#v, %#v", out[0].Answer, out[1].Answer)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

// blockingAnswer serves a fixed answer once release is closed and signals
// started on the first request.
func blockingAnswer(calls *atomic.Int32, started chan<- struct{}, release <-chan struct{}) http.Handler {
	var once sync.Once
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		io.WriteString(w, `{"answer":{"answer":5}}`)
	})
}

func TestCachingQuerierCollapsesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c := testClient(t, blockingAnswer(&calls, started, release), nil)
	q := NewCachingQuerier(c, &memCache{m: map[string][]byte{}})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	answers := make([]any, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Query(context.Background(), intRequest("a"))
			errs[i] = err
			if res != nil {
				answers[i] = res.Answer
			}
		}()
	}
	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if answers[i] != 5 {
			t.Errorf("caller %d answer = %#v, want 5", i, answers[i])
		}
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestCachingQuerierSharedCallOutlivesFirstCaller(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c := testClient(t, blockingAnswer(&calls, started, release), nil)
	q := NewCachingQuerier(c, nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := q.Query(first, intRequest("a"))
		firstErr <- err
	}()
	<-started

	type outcome struct {
		res *Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := q.Query(context.Background(), intRequest("a"))
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !IsCancelled(err) {
		t.Fatalf("first caller err = %v, want cancellation", err)
	}
	close(release)

	got := <-second
	if got.err != nil {
		t.Fatalf("second caller err = %v, its context was never cancelled", got.err)
	}
	if got.res.Answer != 5 {
		t.Errorf("answer = %#v, want 5", got.res.Answer)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestCachingQuerierSharedTimeoutIsRetryable(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}), nil)
	q := NewCachingQuerier(c, nil)
	q.SharedTimeout = 20 * time.Millisecond

	_, err := q.Query(context.Background(), intRequest("a"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if IsCancelled(err) {
		t.Errorf("err = %v, a caller that was not cancelled should not see a cancellation", err)
	}
	if !IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}
