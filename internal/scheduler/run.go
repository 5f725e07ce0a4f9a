package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/progress"
	"github.com/user/aigrid/internal/query"
)

// run is the state of one Scheduler.Run call.
type run struct {
	querier  Querier
	queries  []query.Query
	requests []query.Request
	opts     Options
	tracker  *progress.Tracker

	mu      sync.Mutex
	state   State
	results []*answer.Result
	batches int
	fatal   error

	// cbMu serializes progress callbacks.
	cbMu sync.Mutex
}

func newRun(q Querier, queries []query.Query, opts Options) *run {
	reqs := make([]query.Request, len(queries))
	for i, qq := range queries {
		reqs[i] = qq.Request()
	}
	return &run{
		querier:  q,
		queries:  queries,
		requests: reqs,
		opts:     opts,
		tracker:  progress.New(len(queries)),
		state:    StateIdle,
		results:  make([]*answer.Result, len(queries)),
	}
}

func (r *run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// write stores res at index i. A second write to the same index is logged
// and ignored.
func (r *run) write(i int, res *answer.Result) bool {
	r.mu.Lock()
	if r.results[i] != nil {
		r.mu.Unlock()
		slog.Error("scheduler: duplicate result ignored", "index", i, "row_id", r.queries[i].RowID, "column_id", r.queries[i].Column.ID)
		return false
	}
	r.results[i] = res
	r.mu.Unlock()

	if !r.tracker.MarkDone(i) {
		return true
	}
	if r.opts.OnQueryProgress != nil {
		r.cbMu.Lock()
		defer r.cbMu.Unlock()
		r.opts.OnQueryProgress(res, i, r.tracker.Snapshot().Processed)
	}
	return true
}

func (r *run) collect(indices []int) []*answer.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*answer.Result, len(indices))
	for j, i := range indices {
		out[j] = r.results[i]
	}
	return out
}

func (r *run) pending() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for i, res := range r.results {
		if res == nil {
			out = append(out, i)
		}
	}
	return out
}

func (r *run) cancel(ctx context.Context) error {
	r.setState(StateCancelled)
	snap := r.tracker.Snapshot()
	slog.Info("scheduler: run cancelled", "resolved", snap.Processed, "total", snap.Total)
	return answer.Cancelled(ctx.Err())
}

func (r *run) outcome() *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := &Outcome{
		State:   r.state,
		Results: append([]*answer.Result(nil), r.results...),
		Batches: r.batches,
	}
	for _, res := range r.results {
		switch {
		case res == nil:
		case res.Fallback:
			out.Fallbacks++
		default:
			out.Succeeded++
		}
	}
	return out
}

// runBatch sends the batch to the batch endpoint. A failed batch leaves its
// indices unresolved for the retry pass.
func (r *run) runBatch(ctx context.Context, batch []int) {
	defer r.recoverWorker()
	reqs := make([]query.Request, len(batch))
	for j, i := range batch {
		reqs[j] = r.requests[i]
	}
	results, err := r.querier.QueryBatch(ctx, reqs)
	if err != nil {
		if !answer.IsCancelled(err) {
			slog.Warn("scheduler: batch failed", "size", len(batch), "first_index", batch[0], "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	for j, res := range results {
		if j >= len(batch) {
			slog.Error("scheduler: batch returned extra results", "want", len(batch), "got", len(results))
			break
		}
		if res != nil {
			r.write(batch[j], res)
		}
	}
}

// runIndividually sends each query of the batch on its own, concurrently.
func (r *run) runIndividually(ctx context.Context, batch []int) {
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, i := range batch {
		g.Go(func() error {
			defer r.recoverWorker()
			if ctx.Err() != nil {
				return nil
			}
			res, err := r.querier.Query(ctx, r.requests[i])
			if err != nil {
				if !answer.IsCancelled(err) {
					slog.Warn("scheduler: query failed", "index", i, "error", err)
				}
				return nil
			}
			if ctx.Err() != nil || res == nil {
				return nil
			}
			r.write(i, res)
			return nil
		})
	}
	g.Wait()
}

// retryIndividually gives every unresolved index up to MaxRetries further
// attempts with exponential backoff.
func (r *run) retryIndividually(ctx context.Context, indices []int) {
	policy := answer.Policy{InitialDelay: r.opts.RetryDelay}
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, i := range indices {
		g.Go(func() error {
			defer r.recoverWorker()
			for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
				if !sleep(ctx, policy.Delay(attempt)) {
					return nil
				}
				res, err := r.querier.Query(ctx, r.requests[i])
				if err == nil && res != nil {
					if ctx.Err() == nil {
						r.write(i, res)
					}
					return nil
				}
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("scheduler: retry failed", "index", i, "attempt", attempt, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (r *run) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *run) fail(cause error) error {
	r.setState(StateFailed)
	snap := r.tracker.Snapshot()
	slog.Error("scheduler: run failed", "resolved", snap.Processed, "total", snap.Total, "error", cause)
	return fmt.Errorf("scheduler: run failed: %w", cause)
}

// recoverWorker turns a panic in a worker goroutine into a run failure.
func (r *run) recoverWorker() {
	if p := recover(); p != nil {
		r.mu.Lock()
		if r.fatal == nil {
			r.fatal = fmt.Errorf("%v", p)
		}
		r.mu.Unlock()
	}
}
