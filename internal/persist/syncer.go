// Package persist saves tables to a repository whenever they change. It
// runs downstream of the table store and never blocks it.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/statestore"
	"github.com/user/aigrid/internal/tablestore"
)

// Repository stores table states.
type Repository interface {
	Save(ctx context.Context, r statestore.Record) (statestore.Record, error)
	Delete(ctx context.Context, id string) error
}

// Source is the table store as seen by the syncer.
type Source interface {
	Subscribe(fn func(tablestore.Event)) (cancel func())
	Export(id string) (grid.State, error)
}

// Config tunes the syncer.
type Config struct {
	// Debounce is how long changes are collected before a save.
	Debounce time.Duration
	// MaxRows and MaxBytes bound what is saved in full. Larger tables are
	// saved without chunks, opened chunks and loading cells.
	MaxRows  int
	MaxBytes int
	// Timeout bounds one repository call.
	Timeout time.Duration
	// UserID is recorded on created table states.
	UserID string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce: 500 * time.Millisecond,
		MaxRows:  100,
		MaxBytes: 1 << 20,
		Timeout:  10 * time.Second,
	}
}

// Syncer collects changed table ids and saves them after a quiet period.
type Syncer struct {
	src    Source
	repo   Repository
	config Config

	mu    sync.Mutex
	dirty map[string]bool

	kick   chan struct{}
	flushc chan chan struct{}
	stop   chan struct{}
	done   chan struct{}
	unsub  func()
}

// New creates and starts a Syncer.
func New(src Source, repo Repository, cfg Config) *Syncer {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	s := &Syncer{
		src:    src,
		repo:   repo,
		config: cfg,
		dirty:  make(map[string]bool),
		kick:   make(chan struct{}, 1),
		flushc: make(chan chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.unsub = src.Subscribe(s.observe)
	go s.loop()
	return s
}

// observe runs under the store's lock; it only records the id.
func (s *Syncer) observe(ev tablestore.Event) {
	s.mu.Lock()
	s.dirty[ev.TableID] = true
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Flush saves every pending change now and waits for it.
func (s *Syncer) Flush() {
	ack := make(chan struct{})
	select {
	case s.flushc <- ack:
		<-ack
	case <-s.done:
	}
}

// Stop unsubscribes, saves what is pending and stops the loop.
func (s *Syncer) Stop() {
	s.unsub()
	close(s.stop)
	<-s.done
}

func (s *Syncer) loop() {
	defer close(s.done)

	timer := time.NewTimer(s.config.Debounce)
	timer.Stop()
	armed := false

	for {
		select {
		case <-s.kick:
			if !armed {
				timer.Reset(s.config.Debounce)
				armed = true
			}
		case <-timer.C:
			armed = false
			s.flush()
		case ack := <-s.flushc:
			timer.Stop()
			armed = false
			s.flush()
			close(ack)
		case <-s.stop:
			timer.Stop()
			s.flush()
			return
		}
	}
}

func (s *Syncer) flush() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	clear(s.dirty)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.save(id); err != nil {
			slog.Error("persist table", "table_id", id, "error", err)
		}
	}
}

func (s *Syncer) save(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	st, err := s.src.Export(id)
	if errors.Is(err, tablestore.ErrTableNotFound) {
		err = s.repo.Delete(ctx, id)
		if errors.Is(err, statestore.ErrNotFound) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	data, err := s.encode(st)
	if err != nil {
		return err
	}
	_, err = s.repo.Save(ctx, statestore.Record{ID: st.ID, Name: st.Name, UserID: s.config.UserID, Data: data})
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	slog.Debug("table persisted", "table_id", id, "bytes", len(data))
	return nil
}

// encode serializes the state's data, pruning it when the table is large.
func (s *Syncer) encode(st grid.State) (json.RawMessage, error) {
	if len(st.Data.Rows) > s.config.MaxRows {
		return json.Marshal(st.Prune().Data)
	}
	data, err := json.Marshal(st.Data)
	if err != nil {
		return nil, fmt.Errorf("encode table %s: %w", st.ID, err)
	}
	if len(data) > s.config.MaxBytes {
		return json.Marshal(st.Prune().Data)
	}
	return data, nil
}
