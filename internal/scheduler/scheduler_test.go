package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/query"
)

// fakeQuerier answers every prompt with its prompt id unless told otherwise.
type fakeQuerier struct {
	mu          sync.Mutex
	batchCalls  int
	singleCalls int
	batchSizes  []int

	failBatch   func(call int) error
	failSingle  func(id string, call int) error
	dropInBatch map[string]bool
	block       bool
	panicBatch  bool
	afterBatch  func(call int)
}

func (f *fakeQuerier) Query(ctx context.Context, req query.Request) (*answer.Result, error) {
	f.mu.Lock()
	f.singleCalls++
	call := f.singleCalls
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, answer.Cancelled(ctx.Err())
	}
	if f.failSingle != nil {
		if err := f.failSingle(req.Prompt.ID, call); err != nil {
			return nil, err
		}
	}
	return &answer.Result{Answer: "single:" + req.Prompt.ID}, nil
}

func (f *fakeQuerier) QueryBatch(ctx context.Context, reqs []query.Request) ([]*answer.Result, error) {
	f.mu.Lock()
	f.batchCalls++
	call := f.batchCalls
	f.batchSizes = append(f.batchSizes, len(reqs))
	f.mu.Unlock()
	if f.panicBatch {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return nil, answer.Cancelled(ctx.Err())
	}
	if f.failBatch != nil {
		if err := f.failBatch(call); err != nil {
			return nil, err
		}
	}
	out := make([]*answer.Result, len(reqs))
	for i, r := range reqs {
		if f.dropInBatch[r.Prompt.ID] {
			continue
		}
		out[i] = &answer.Result{Answer: "batch:" + r.Prompt.ID}
	}
	if f.afterBatch != nil {
		f.afterBatch(call)
	}
	return out, nil
}

func makeQueries(n int, typ grid.ValueType) []query.Query {
	out := make([]query.Query, n)
	for i := range out {
		out[i] = query.Query{
			RowID:      fmt.Sprintf("r%d", i),
			Column:     grid.Column{ID: fmt.Sprintf("q%d", i), EntityType: "E", Query: "?", Type: typ, Generate: true},
			DocumentID: "doc1",
		}
	}
	return out
}

func fastConfig() Config {
	return Config{RetryDelay: time.Millisecond, MaxRetries: 2}
}

func TestRunNothingToRun(t *testing.T) {
	s := New(&fakeQuerier{}, fastConfig())
	if _, err := s.Run(context.Background(), nil, Options{}); !errors.Is(err, ErrNothingToRun) {
		t.Fatalf("err = %v, want ErrNothingToRun", err)
	}
}

func TestRunMapsResultsByIndex(t *testing.T) {
	f := &fakeQuerier{}
	s := New(f, fastConfig())
	qs := makeQueries(12, grid.TypeString)

	var progressCalls atomic.Int32
	seen := make(map[int]bool)
	var mu sync.Mutex
	out, err := s.Run(context.Background(), qs, Options{
		OnQueryProgress: func(res *answer.Result, index, total int) {
			progressCalls.Add(1)
			mu.Lock()
			defer mu.Unlock()
			if seen[index] {
				t.Errorf("progress reported twice for index %d", index)
			}
			seen[index] = true
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.State != StateCompleted {
		t.Errorf("state = %s, want completed", out.State)
	}
	if len(out.Results) != 12 {
		t.Fatalf("len(results) = %d, want 12", len(out.Results))
	}
	for i, res := range out.Results {
		want := fmt.Sprintf("batch:q%d", i)
		if res == nil || res.Answer != want {
			t.Errorf("results[%d] = %+v, want %s", i, res, want)
		}
	}
	if progressCalls.Load() != 12 {
		t.Errorf("progress calls = %d, want 12", progressCalls.Load())
	}
	if !reflect.DeepEqual(f.batchSizes, []int{5, 5, 2}) {
		t.Errorf("batch sizes = %v, want [5 5 2]", f.batchSizes)
	}
	if out.Succeeded != 12 || out.Fallbacks != 0 {
		t.Errorf("succeeded/fallbacks = %d/%d", out.Succeeded, out.Fallbacks)
	}
}

func TestRunResultCountInvariantWithFallbacks(t *testing.T) {
	f := &fakeQuerier{
		failBatch:  func(int) error { return &answer.APIError{Message: "down", Status: 500} },
		failSingle: func(string, int) error { return &answer.APIError{Message: "down", Status: 500} },
	}
	s := New(f, fastConfig())
	qs := makeQueries(7, grid.TypeBool)
	qs[1].Column.Type = grid.TypeInt
	qs[2].Column.Type = grid.TypeIntArray
	qs[3].Column.Type = grid.TypeString

	out, err := s.Run(context.Background(), qs, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Results) != 7 {
		t.Fatalf("len(results) = %d, want 7", len(out.Results))
	}
	for i, res := range out.Results {
		if res == nil || !res.Fallback {
			t.Fatalf("results[%d] = %+v, want fallback", i, res)
		}
	}
	if out.Results[0].Answer != false || out.Results[1].Answer != 0 {
		t.Errorf("bool/int fallbacks = %#v, %#v", out.Results[0].Answer, out.Results[1].Answer)
	}
	if v, ok := out.Results[2].Answer.([]int); !ok || len(v) != 0 {
		t.Errorf("int_array fallback = %#v", out.Results[2].Answer)
	}
	if s, ok := out.Results[3].Answer.(string); !ok || s == "" {
		t.Errorf("str fallback = %#v", out.Results[3].Answer)
	}
	if out.Fallbacks != 7 || out.State != StateCompleted {
		t.Errorf("outcome = %+v", out)
	}
	// each of the 7 indices gets MaxRetries individual attempts
	if f.singleCalls != 14 {
		t.Errorf("single calls = %d, want 14", f.singleCalls)
	}
}

func TestRunRetriesBatchFailuresIndividually(t *testing.T) {
	f := &fakeQuerier{
		failBatch: func(call int) error {
			if call == 2 {
				return &answer.APIError{Message: "gateway", Status: 504}
			}
			return nil
		},
		dropInBatch: map[string]bool{"q0": true},
	}
	s := New(f, fastConfig())
	out, err := s.Run(context.Background(), makeQueries(10, grid.TypeString), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, res := range out.Results {
		if res == nil || res.Fallback {
			t.Fatalf("results[%d] = %+v, want real answer", i, res)
		}
	}
	if out.Results[0].Answer != "single:q0" {
		t.Errorf("dropped index = %v, want single retry", out.Results[0].Answer)
	}
	for i := 5; i < 10; i++ {
		if want := fmt.Sprintf("single:q%d", i); out.Results[i].Answer != want {
			t.Errorf("results[%d] = %v, want %s", i, out.Results[i].Answer, want)
		}
	}
}

func TestRunSmallCountsFanOut(t *testing.T) {
	f := &fakeQuerier{}
	s := New(f, fastConfig())
	out, err := s.Run(context.Background(), makeQueries(2, grid.TypeString), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.batchCalls != 0 || f.singleCalls != 2 {
		t.Errorf("batch/single calls = %d/%d, want 0/2", f.batchCalls, f.singleCalls)
	}
	if out.Results[1].Answer != "single:q1" {
		t.Errorf("results[1] = %v", out.Results[1].Answer)
	}
}

func TestRunLargeBatchFansOut(t *testing.T) {
	f := &fakeQuerier{}
	s := New(f, Config{RetryDelay: time.Millisecond, MaxBatchPayload: 4})
	out, err := s.Run(context.Background(), makeQueries(6, grid.TypeString), Options{BatchSize: 6})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.batchCalls != 0 || f.singleCalls != 6 {
		t.Errorf("batch/single calls = %d/%d, want 0/6", f.batchCalls, f.singleCalls)
	}
	if out.Succeeded != 6 {
		t.Errorf("succeeded = %d", out.Succeeded)
	}
}

func TestRunCancellationStopsBatches(t *testing.T) {
	f := &fakeQuerier{}
	s := New(f, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const batchSize = 3
	qs := makeQueries(10*batchSize, grid.TypeString)
	start := time.Now()
	out, err := s.Run(ctx, qs, Options{
		BatchSize: batchSize,
		OnBatchProgress: func(_ []*answer.Result, batchIndex, totalBatches int) {
			if totalBatches != 10 {
				t.Errorf("totalBatches = %d, want 10", totalBatches)
			}
			if batchIndex == 1 {
				cancel()
			}
		},
	})
	if !answer.IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
	if f.batchCalls != 2 {
		t.Errorf("batch calls = %d, want 2", f.batchCalls)
	}
	if out.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", out.State)
	}
	for i, res := range out.Results {
		if i < 2*batchSize && res == nil {
			t.Errorf("results[%d] unresolved", i)
		}
		if i >= 2*batchSize && res != nil {
			t.Errorf("results[%d] = %+v, want nil after cancellation", i, res)
		}
	}
}

func TestRunCancelAbortsInFlightCall(t *testing.T) {
	f := &fakeQuerier{block: true}
	s := New(f, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, makeQueries(8, grid.TypeString), Options{})
		done <- err
	}()
	select {
	case err := <-done:
		if !answer.IsCancelled(err) {
			t.Errorf("err = %v, want cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunDropsBatchResultsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeQuerier{afterBatch: func(int) { cancel() }}
	out, err := New(f, fastConfig()).Run(ctx, makeQueries(6, grid.TypeString), Options{BatchSize: 3})
	if !answer.IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if f.batchCalls != 1 {
		t.Errorf("batch calls = %d, want 1", f.batchCalls)
	}
	for i, res := range out.Results {
		if res != nil {
			t.Errorf("results[%d] = %+v, want nil for a batch that returned after cancel", i, res)
		}
	}
}

func TestRunRetriesCancellationFromAnotherCaller(t *testing.T) {
	var failed atomic.Bool
	f := &fakeQuerier{
		failSingle: func(id string, _ int) error {
			if id == "q0" && failed.CompareAndSwap(false, true) {
				return answer.Cancelled(context.Canceled)
			}
			return nil
		},
	}
	out, err := New(f, fastConfig()).Run(context.Background(), makeQueries(2, grid.TypeString), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res := out.Results[0]; res == nil || res.Fallback || res.Answer != "single:q0" {
		t.Errorf("results[0] = %+v, want the retried answer", res)
	}
	if out.Fallbacks != 0 {
		t.Errorf("fallbacks = %d, want 0", out.Fallbacks)
	}
}

func TestRunAlreadyCancelled(t *testing.T) {
	f := &fakeQuerier{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := New(f, fastConfig()).Run(ctx, makeQueries(3, grid.TypeString), Options{})
	if !answer.IsCancelled(err) {
		t.Fatalf("err = %v", err)
	}
	if f.batchCalls+f.singleCalls != 0 {
		t.Error("calls made after cancellation")
	}
	if out.State != StateCancelled {
		t.Errorf("state = %s", out.State)
	}
}

func TestRunPanicMarksFailedAndKeepsResults(t *testing.T) {
	f := &fakeQuerier{}
	s := New(f, fastConfig())
	calls := 0
	out, err := s.Run(context.Background(), makeQueries(10, grid.TypeString), Options{
		OnBatchProgress: func([]*answer.Result, int, int) {
			calls++
			if calls == 1 {
				f.panicBatch = true
			}
		},
	})
	if err == nil {
		t.Fatal("err = nil, want failure")
	}
	if out.State != StateFailed {
		t.Errorf("state = %s, want failed", out.State)
	}
	for i := 0; i < 5; i++ {
		if out.Results[i] == nil {
			t.Errorf("results[%d] lost after failure", i)
		}
	}
	for i := 5; i < 10; i++ {
		if out.Results[i] != nil {
			t.Errorf("results[%d] = %+v, want nil", i, out.Results[i])
		}
	}
}

func TestRunDuplicateWriteIgnored(t *testing.T) {
	r := newRun(&fakeQuerier{}, makeQueries(2, grid.TypeString), Options{})
	first := &answer.Result{Answer: "first"}
	if !r.write(0, first) {
		t.Fatal("first write rejected")
	}
	if r.write(0, &answer.Result{Answer: "second"}) {
		t.Error("second write accepted")
	}
	if r.results[0] != first {
		t.Error("result overwritten")
	}
	if r.tracker.Snapshot().Processed != 1 {
		t.Errorf("processed = %d, want 1", r.tracker.Snapshot().Processed)
	}
}

func TestBatchSizeFor(t *testing.T) {
	tests := []struct{ n, want int }{{0, 1}, {1, 5}, {20, 5}, {21, 10}, {100, 10}, {500, 20}, {501, 25}}
	for _, tt := range tests {
		if got := BatchSizeFor(tt.n); got != tt.want {
			t.Errorf("BatchSizeFor(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}
