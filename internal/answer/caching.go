package answer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/query"
)

// Querier answers queries one at a time or in batches.
type Querier interface {
	Query(ctx context.Context, req query.Request) (*Result, error)
	QueryBatch(ctx context.Context, reqs []query.Request) ([]*Result, error)
}

// ResultCache stores encoded results by request signature.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// DefaultSharedTimeout bounds a collapsed call once no single caller owns it.
const DefaultSharedTimeout = 5 * time.Minute

// CachingQuerier serves repeated requests from a cache and collapses
// identical in-flight single queries into one call. Only real answers are
// cached; fallbacks and errors never are.
//
// A collapsed call is detached from the cancellation of whichever caller
// started it: each caller stops waiting when its own context ends, and the
// call itself is bounded by SharedTimeout.
type CachingQuerier struct {
	next  Querier
	cache ResultCache
	group singleflight.Group

	SharedTimeout time.Duration
}

// NewCachingQuerier wraps next. A nil cache disables caching but keeps
// in-flight dedupe.
func NewCachingQuerier(next Querier, cache ResultCache) *CachingQuerier {
	return &CachingQuerier{next: next, cache: cache, SharedTimeout: DefaultSharedTimeout}
}

func (q *CachingQuerier) Query(ctx context.Context, req query.Request) (*Result, error) {
	key := req.Signature()
	if res, ok := q.lookup(ctx, key, req.Prompt.Type); ok {
		return res, nil
	}
	ch := q.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.sharedTimeout())
		defer cancel()
		res, err := q.next.Query(callCtx, req)
		if err != nil {
			return nil, err
		}
		q.store(callCtx, key, res)
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, Cancelled(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			// The shared call timing out is not this caller's cancellation.
			if IsCancelled(r.Err) && ctx.Err() == nil {
				return nil, &APIError{Message: "shared request aborted: " + r.Err.Error()}
			}
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

func (q *CachingQuerier) sharedTimeout() time.Duration {
	if q.SharedTimeout <= 0 {
		return DefaultSharedTimeout
	}
	return q.SharedTimeout
}

func (q *CachingQuerier) QueryBatch(ctx context.Context, reqs []query.Request) ([]*Result, error) {
	out := make([]*Result, len(reqs))
	keys := make([]string, len(reqs))
	var missIdx []int
	var misses []query.Request
	for i, req := range reqs {
		keys[i] = req.Signature()
		if res, ok := q.lookup(ctx, keys[i], req.Prompt.Type); ok {
			out[i] = res
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, req)
	}
	if len(misses) == 0 {
		return out, nil
	}
	results, err := q.next.QueryBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for j, res := range results {
		if j >= len(missIdx) {
			break
		}
		i := missIdx[j]
		out[i] = res
		if res != nil {
			q.store(ctx, keys[i], res)
		}
	}
	return out, nil
}

func (q *CachingQuerier) lookup(ctx context.Context, key string, t grid.ValueType) (*Result, bool) {
	if q.cache == nil {
		return nil, false
	}
	b, ok, err := q.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("answer cache: get failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(b, &res); err != nil {
		slog.Warn("answer cache: corrupt entry", "key", key, "error", err)
		return nil, false
	}
	res.Answer = grid.Coerce(t, res.Answer)
	return &res, true
}

func (q *CachingQuerier) store(ctx context.Context, key string, res *Result) {
	if q.cache == nil || res == nil || res.Fallback {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := q.cache.Set(ctx, key, b); err != nil {
		slog.Warn("answer cache: set failed", "key", key, "error", err)
	}
}
