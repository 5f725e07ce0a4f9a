// Package scheduler drives a run of answering-service queries: it batches
// them, fans out where batching does not fit, retries what did not resolve
// and fills the rest with typed fallbacks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/query"
)

var tracer = otel.Tracer("github.com/user/aigrid/internal/scheduler")

// ErrNothingToRun is returned when Run is given no queries.
var ErrNothingToRun = errors.New("no eligible queries to run")

// Run states
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// State is where a run is in its lifecycle.
type State string

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Querier is the answering service as seen by the scheduler. QueryBatch
// returns one entry per request; nil entries are treated as unresolved.
type Querier interface {
	Query(ctx context.Context, req query.Request) (*answer.Result, error)
	QueryBatch(ctx context.Context, reqs []query.Request) ([]*answer.Result, error)
}

// Config holds scheduler defaults. Per-run Options override them.
type Config struct {
	// MaxBatchPayload is the largest batch sent to the batch endpoint; a
	// larger batch is sent as individual queries.
	MaxBatchPayload int
	// SmallRunThreshold: runs with fewer queries skip the batch endpoint.
	SmallRunThreshold int
	Concurrency       int           // parallel single-query calls
	MaxRetries        int           // retries per unresolved query
	RetryDelay        time.Duration // initial backoff for those retries
	BatchDelay        time.Duration // pause between batches
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchPayload:   50,
		SmallRunThreshold: 3,
		Concurrency:       5,
		MaxRetries:        2,
		RetryDelay:        time.Second,
	}
}

// Options tune a single run. Zero values take the scheduler's Config.
type Options struct {
	// BatchSize fixes the batch size; 0 picks one from the query count.
	BatchSize           int
	ProcessIndividually bool
	// MaxRetries < 0 disables the retry pass.
	MaxRetries      int
	RetryDelay      time.Duration
	Concurrency     int
	BatchDelay      time.Duration
	MaxBatchPayload int

	// OnQueryProgress is called exactly once per resolved index with the
	// number of indices resolved so far.
	OnQueryProgress func(res *answer.Result, index, totalProcessed int)
	// OnBatchProgress is called once per batch with that batch's results in
	// batch order; unresolved entries are nil.
	OnBatchProgress func(results []*answer.Result, batchIndex, totalBatches int)
}

// Outcome is what a run produced.
type Outcome struct {
	State State
	// Results has one entry per query, in input order. Entries are nil only
	// when the run was cancelled or failed before they resolved.
	Results   []*answer.Result
	Succeeded int
	Fallbacks int
	Batches   int
	Duration  time.Duration
}

// Scheduler executes runs against a Querier. It holds no per-run state and
// may be shared.
type Scheduler struct {
	querier Querier
	config  Config
}

// New creates a Scheduler.
func New(q Querier, config Config) *Scheduler {
	def := DefaultConfig()
	if config.MaxBatchPayload <= 0 {
		config.MaxBatchPayload = def.MaxBatchPayload
	}
	if config.SmallRunThreshold <= 0 {
		config.SmallRunThreshold = def.SmallRunThreshold
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	return &Scheduler{querier: q, config: config}
}

// BatchSizeFor picks a batch size for a run of n queries: small runs use
// small batches so results start arriving early.
func BatchSizeFor(n int) int {
	switch {
	case n <= 0:
		return 1
	case n <= 20:
		return 5
	case n <= 100:
		return 10
	case n <= 500:
		return 20
	default:
		return 25
	}
}

func (s *Scheduler) resolve(opts Options) Options {
	if opts.MaxBatchPayload <= 0 {
		opts.MaxBatchPayload = s.config.MaxBatchPayload
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = s.config.Concurrency
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = s.config.MaxRetries
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = s.config.RetryDelay
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = s.config.BatchDelay
	}
	return opts
}

// Run resolves every query. On success the outcome holds a result for each
// query and the state is Completed. If ctx is cancelled the outcome holds the
// results written so far, the state is Cancelled and the error satisfies
// answer.IsCancelled. If the run loop panics the state is Failed and the
// partial results are kept.
func (s *Scheduler) Run(ctx context.Context, queries []query.Query, opts Options) (out *Outcome, err error) {
	if len(queries) == 0 {
		return nil, ErrNothingToRun
	}
	opts = s.resolve(opts)
	ctx, span := tracer.Start(ctx, "scheduler.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("queries", len(queries)))

	r := newRun(s.querier, queries, opts)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = r.fail(fmt.Errorf("%v", p))
		}
		out = r.outcome()
		out.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("state", string(out.State)),
			attribute.Int("succeeded", out.Succeeded), attribute.Int("fallbacks", out.Fallbacks))
	}()

	if ctx.Err() != nil {
		return nil, r.cancel(ctx)
	}
	r.setState(StateRunning)

	size := opts.BatchSize
	if size <= 0 {
		size = BatchSizeFor(len(queries))
	}
	batches := partition(len(queries), size)
	r.batches = len(batches)
	individually := opts.ProcessIndividually || len(queries) < s.config.SmallRunThreshold

	for bi, batch := range batches {
		if ctx.Err() != nil {
			return nil, r.cancel(ctx)
		}
		if bi > 0 && opts.BatchDelay > 0 {
			if !sleep(ctx, opts.BatchDelay) {
				return nil, r.cancel(ctx)
			}
		}
		if individually || len(batch) > opts.MaxBatchPayload {
			r.runIndividually(ctx, batch)
		} else {
			r.runBatch(ctx, batch)
		}
		if err := r.failure(); err != nil {
			return nil, r.fail(err)
		}
		if opts.OnBatchProgress != nil {
			opts.OnBatchProgress(r.collect(batch), bi, len(batches))
		}
		if ctx.Err() != nil {
			return nil, r.cancel(ctx)
		}
	}

	if pending := r.pending(); len(pending) > 0 {
		slog.Info("scheduler: retrying unresolved queries", "count", len(pending), "max_retries", opts.MaxRetries)
		r.retryIndividually(ctx, pending)
		if err := r.failure(); err != nil {
			return nil, r.fail(err)
		}
		if ctx.Err() != nil {
			return nil, r.cancel(ctx)
		}
	}

	for _, i := range r.pending() {
		r.write(i, answer.FallbackResult(queries[i].Column.Type))
	}
	r.setState(StateCompleted)
	return nil, nil
}

// partition splits [0, n) into consecutive index ranges of at most size.
func partition(n, size int) [][]int {
	if size < 1 {
		size = 1
	}
	var out [][]int
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		b := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			b = append(b, i)
		}
		out = append(out, b)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
