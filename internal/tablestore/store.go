// Package tablestore owns the tables of a session. Every change clones the
// current table, modifies the copy and publishes it as the new snapshot, so
// readers never observe a half-applied update.
package tablestore

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/scheduler"
)

var (
	// ErrTableNotFound is returned for operations on an unknown table.
	ErrTableNotFound = errors.New("table not found")
	// ErrRunInProgress is returned when a run is started on a table that
	// already has one.
	ErrRunInProgress = errors.New("a run is already in progress for this table")
	// ErrNothingToRun is returned when none of the requested cells can be
	// queried.
	ErrNothingToRun = scheduler.ErrNothingToRun
	// ErrNotFound is returned for unknown rows or columns.
	ErrNotFound = errors.New("row or column not found")
)

// Notice levels
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notice is a user-visible message about a table.
type Notice struct {
	TableID string `json:"table_id"`
	RunID   string `json:"run_id,omitempty"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Notifier receives user-visible notices.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// RunObserver is told when runs start and finish.
type RunObserver interface {
	RunStarted(tableID string, total int)
	RunFinished(tableID string, state scheduler.State, total, succeeded, fallbacks int, d time.Duration)
}

// Event kinds
const (
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Event describes one published change.
type Event struct {
	TableID string
	Version uint64
	Kind    string
}

// Config holds store configuration.
type Config struct {
	// LargeRunThreshold is the run size from which a "Processing N cells"
	// notice is emitted.
	LargeRunThreshold int
	// RunOptions are passed to the scheduler for every run. Progress
	// callbacks are set by the store.
	RunOptions scheduler.Options
	// UploadConcurrency bounds parallel document uploads.
	UploadConcurrency int
	Notifier          Notifier
	Observer          RunObserver
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LargeRunThreshold: 50,
		UploadConcurrency: 3,
	}
}

type snapshot struct {
	tables  map[string]*grid.Table
	order   []string
	version uint64
}

// Store holds every table. Reads are lock-free; writes are serialized by
// mu and published with an atomic swap.
type Store struct {
	config   Config
	sched    *scheduler.Scheduler
	uploader Uploader

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	runs map[string]*Run

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// New creates an empty store. uploader may be nil when documents are never
// added.
func New(sched *scheduler.Scheduler, uploader Uploader, config Config) *Store {
	def := DefaultConfig()
	if config.LargeRunThreshold <= 0 {
		config.LargeRunThreshold = def.LargeRunThreshold
	}
	if config.UploadConcurrency <= 0 {
		config.UploadConcurrency = def.UploadConcurrency
	}
	s := &Store{
		config:   config,
		sched:    sched,
		uploader: uploader,
		runs:     make(map[string]*Run),
		subs:     make(map[int]func(Event)),
	}
	s.snap.Store(&snapshot{tables: map[string]*grid.Table{}})
	return s
}

// Version returns the number of changes published so far.
func (s *Store) Version() uint64 {
	return s.snap.Load().version
}

// Subscribe registers fn to be called after every published change, in
// version order. fn runs while the store's write lock is held: it must be
// quick and must not call mutating Store methods. Reads are fine.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// publish installs t (or removes the table when t is nil) as the next
// snapshot. Callers hold s.mu.
func (s *Store) publish(id string, t *grid.Table) uint64 {
	cur := s.snap.Load()
	next := &snapshot{
		tables:  make(map[string]*grid.Table, len(cur.tables)+1),
		order:   cur.order,
		version: cur.version + 1,
	}
	for k, v := range cur.tables {
		next.tables[k] = v
	}
	kind := EventUpdated
	if t == nil {
		kind = EventDeleted
		delete(next.tables, id)
		order := make([]string, 0, len(cur.order))
		for _, o := range cur.order {
			if o != id {
				order = append(order, o)
			}
		}
		next.order = order
	} else {
		if _, existed := cur.tables[id]; !existed {
			next.order = append(append([]string(nil), cur.order...), id)
		}
		next.tables[id] = t
	}
	s.snap.Store(next)

	ev := Event{TableID: id, Version: next.version, Kind: kind}
	s.subMu.Lock()
	for _, fn := range s.subs {
		fn(ev)
	}
	s.subMu.Unlock()
	return next.version
}

// update applies fn to a private copy of the table and publishes it. If fn
// returns an error nothing is published.
func (s *Store) update(id string, fn func(t *grid.Table) error) (*grid.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(id, fn)
}

func (s *Store) updateLocked(id string, fn func(t *grid.Table) error) (*grid.Table, error) {
	cur, ok := s.snap.Load().tables[id]
	if !ok {
		return nil, ErrTableNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.publish(id, next)
	return next, nil
}

func (s *Store) notify(n Notice) {
	switch n.Level {
	case LevelError:
		slog.Error("notice", "table_id", n.TableID, "run_id", n.RunID, "message", n.Message)
	case LevelWarning:
		slog.Warn("notice", "table_id", n.TableID, "run_id", n.RunID, "message", n.Message)
	default:
		slog.Info("notice", "table_id", n.TableID, "run_id", n.RunID, "message", n.Message)
	}
	if s.config.Notifier != nil {
		s.config.Notifier.Notify(n)
	}
}
