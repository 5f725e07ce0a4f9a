// Package progress counts resolved queries within one run.
package progress

import (
	"math"
	"sync"
)

// Snapshot is a point-in-time view of a run's progress.
type Snapshot struct {
	Processed  int `json:"processed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Tracker records which query indices of a run have resolved. The set of
// indices is the only source of the processed count, so marking an index
// twice never double-counts. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	total int
	done  map[int]struct{}
}

// New returns a tracker for a run of total queries.
func New(total int) *Tracker {
	t := &Tracker{}
	t.Reset(total)
	return t
}

// Reset starts a new run of total queries.
func (t *Tracker) Reset(total int) {
	if total < 0 {
		total = 0
	}
	t.mu.Lock()
	t.total = total
	t.done = make(map[int]struct{}, total)
	t.mu.Unlock()
}

// MarkDone records index as resolved. It returns false if the index was
// already marked or is out of range.
func (t *Tracker) MarkDone(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= t.total {
		return false
	}
	if _, ok := t.done[index]; ok {
		return false
	}
	t.done[index] = struct{}{}
	return true
}

// IsDone reports whether index has been marked.
func (t *Tracker) IsDone(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.done[index]
	return ok
}

// Snapshot returns the current counts.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{Processed: len(t.done), Total: t.total}
	if t.total > 0 {
		s.Percentage = int(math.Round(float64(s.Processed) / float64(t.total) * 100))
	}
	return s
}
