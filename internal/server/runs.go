package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/persist"
	"github.com/user/aigrid/internal/scheduler"
	"github.com/user/aigrid/internal/statestore"
	"github.com/user/aigrid/internal/tablestore"
)

var errInvalidScope = errors.New("scope must be one of table, columns, rows or cells")

type runEvent struct {
	Type        string `json:"type"`
	RunID       string `json:"run_id"`
	TableID     string `json:"table_id"`
	Status      string `json:"status"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Percent     int    `json:"percent"`
	Succeeded   int    `json:"succeeded,omitempty"`
	Fallbacks   int    `json:"fallbacks,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAtNs int64  `json:"created_at_ns"`
}

// runTask is the API view of a hosted run.
type runTask struct {
	ID         string          `json:"id"`
	TableID    string          `json:"table_id"`
	Status     scheduler.State `json:"status"`
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	Succeeded  int             `json:"succeeded"`
	Fallbacks  int             `json:"fallbacks"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func (t *runTask) percent() int {
	if t.Total == 0 {
		return 0
	}
	return t.Completed * 100 / t.Total
}

func (t *runTask) event(typ string) runEvent {
	return runEvent{
		Type:        typ,
		RunID:       t.ID,
		TableID:     t.TableID,
		Status:      string(t.Status),
		Total:       t.Total,
		Completed:   t.Completed,
		Percent:     t.percent(),
		Succeeded:   t.Succeeded,
		Fallbacks:   t.Fallbacks,
		Error:       t.Error,
		CreatedAtNs: time.Now().UnixNano(),
	}
}

// runManager starts runs on the hosted engine and tracks them for the
// status and progress endpoints. A table is loaded from the repository when
// its run starts and dropped from the engine once the run's results are
// saved.
type runManager struct {
	mu      sync.RWMutex
	tasks   map[string]*runTask
	events  map[string]chan runEvent
	handles map[string]*tablestore.Run
	byTable map[string]string

	// lifecycle serializes loading a table with unloading a finished one.
	lifecycle sync.Mutex

	ctx    context.Context
	engine *tablestore.Store
	states StateRepository
	syncer *persist.Syncer
	unsub  func()
	wg     sync.WaitGroup
}

func newRunManager(ctx context.Context, engine *tablestore.Store, states StateRepository, syncer *persist.Syncer) *runManager {
	m := &runManager{
		tasks:   make(map[string]*runTask),
		events:  make(map[string]chan runEvent),
		handles: make(map[string]*tablestore.Run),
		byTable: make(map[string]string),
		ctx:     ctx,
		engine:  engine,
		states:  states,
		syncer:  syncer,
	}
	m.unsub = engine.Subscribe(m.observe)
	return m
}

func (m *runManager) start(ctx context.Context, tableID string, req RunRequest) (*runTask, error) {
	rec, err := m.states.Get(ctx, tableID)
	if err != nil {
		return nil, err
	}
	data, err := decodeStateData(rec.Data)
	if err != nil {
		return nil, err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if _, running := m.engine.ActiveRun(tableID); running {
		return nil, tablestore.ErrRunInProgress
	}
	t, err := m.engine.Import(grid.State{ID: rec.ID, Name: rec.Name, Data: data})
	if err != nil {
		return nil, err
	}
	refs, err := req.refs(t)
	var run *tablestore.Run
	if err == nil {
		run, err = m.engine.Start(m.ctx, tableID, refs)
	}
	if err != nil {
		m.engine.DeleteTable(tableID)
		return nil, err
	}

	now := time.Now().UTC()
	task := &runTask{
		ID:        run.ID,
		TableID:   tableID,
		Status:    scheduler.StateRunning,
		Total:     run.Total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.events[task.ID] = make(chan runEvent, 1024)
	m.handles[task.ID] = run
	m.byTable[tableID] = task.ID
	m.mu.Unlock()

	m.publish(task.ID, task.event("run.started"))
	slog.Info("hosted run started", "run_id", run.ID, "table_id", tableID, "total", run.Total)

	m.wg.Add(1)
	go m.wait(task.ID, run)
	return copyRunTask(task), nil
}

func (req RunRequest) refs(t *grid.Table) ([]tablestore.CellRef, error) {
	switch req.Scope {
	case "", "table":
		return tablestore.TableRefs(t), nil
	case "columns":
		return tablestore.ColumnRefs(t, req.ColumnIDs), nil
	case "rows":
		return tablestore.RowRefs(t, req.RowIDs), nil
	case "cells":
		return req.Cells, nil
	default:
		return nil, errInvalidScope
	}
}

// observe turns table updates into progress events. It runs under the
// engine's lock and only reads the published snapshot.
func (m *runManager) observe(ev tablestore.Event) {
	if ev.Kind != tablestore.EventUpdated {
		return
	}
	m.mu.RLock()
	id, ok := m.byTable[ev.TableID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	t, ok := m.engine.Table(ev.TableID)
	if !ok || !t.Progress.InProgress {
		return
	}

	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok || task.Status != scheduler.StateRunning || t.Progress.Completed <= task.Completed {
		m.mu.Unlock()
		return
	}
	task.Completed = t.Progress.Completed
	task.UpdatedAt = time.Now().UTC()
	progress := task.event("run.progress")
	m.mu.Unlock()

	m.publish(id, progress)
}

func (m *runManager) wait(id string, run *tablestore.Run) {
	defer m.wg.Done()
	res, runErr := run.Wait()

	m.lifecycle.Lock()
	m.syncer.Flush()
	if err := m.engine.DeleteTable(run.TableID); err != nil && !errors.Is(err, tablestore.ErrTableNotFound) {
		slog.Warn("unload hosted table", "table_id", run.TableID, "error", err)
	}
	m.lifecycle.Unlock()

	now := time.Now().UTC()
	m.update(id, func(t *runTask) {
		t.Status = res.State
		t.Succeeded = res.Succeeded
		t.Fallbacks = res.Fallbacks
		t.Completed = res.Succeeded + res.Fallbacks
		if runErr != nil && res.State == scheduler.StateFailed {
			t.Error = runErr.Error()
		}
		t.FinishedAt = &now
	})
	m.mu.Lock()
	if m.byTable[run.TableID] == id {
		delete(m.byTable, run.TableID)
	}
	delete(m.handles, id)
	m.mu.Unlock()

	t, _ := m.get(id)
	m.publish(id, t.event(terminalEventType(t.Status)))
	m.closeEvents(id)
	slog.Info("hosted run finished", "run_id", id, "table_id", run.TableID, "state", res.State,
		"succeeded", res.Succeeded, "fallbacks", res.Fallbacks, "duration", res.Duration)
}

func (m *runManager) get(id string) (*runTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return copyRunTask(task), true
}

// cancel asks a running run to stop and returns without waiting for it.
// It reports whether the run is known and whether it was still running.
func (m *runManager) cancel(id string) (known, running bool) {
	m.mu.RLock()
	run, running := m.handles[id]
	_, known = m.tasks[id]
	m.mu.RUnlock()
	if running {
		running = m.engine.CancelRun(run.TableID)
	}
	return known, running
}

func (m *runManager) eventsFor(id string) (<-chan runEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.events[id]
	return ch, ok
}

func (m *runManager) update(id string, fn func(t *runTask)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		fn(t)
		t.UpdatedAt = time.Now().UTC()
	}
}

func (m *runManager) publish(id string, ev runEvent) {
	m.mu.RLock()
	ch, ok := m.events[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		// dropped under pressure; the status endpoint remains the source of truth
	}
}

func (m *runManager) closeEvents(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.events[id]; ok {
		close(ch)
		delete(m.events, id)
	}
}

// close waits for every run to finish. Runs stop when the manager's context
// is cancelled.
func (m *runManager) close() {
	m.wg.Wait()
	m.unsub()
}

func terminalEventType(s scheduler.State) string {
	return fmt.Sprintf("run.%s", s)
}

func copyRunTask(t *runTask) *runTask {
	if t == nil {
		return nil
	}
	cp := *t
	if t.FinishedAt != nil {
		ft := *t.FinishedAt
		cp.FinishedAt = &ft
	}
	return &cp
}

// hostedStates lets the persist syncer write hosted-run progress back to the
// repository. Records are only updated: a table state deleted through the
// API is never recreated by a late save, and deletion itself is left to the
// API.
type hostedStates struct {
	states StateRepository
}

func (h hostedStates) Save(ctx context.Context, r statestore.Record) (statestore.Record, error) {
	rec, err := h.states.Update(ctx, r.ID, statestore.Patch{Name: &r.Name, Data: r.Data})
	if errors.Is(err, statestore.ErrNotFound) {
		return statestore.Record{}, nil
	}
	return rec, err
}

func (h hostedStates) Delete(context.Context, string) error { return nil }
