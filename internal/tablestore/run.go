package tablestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/grid"
	"github.com/user/aigrid/internal/query"
	"github.com/user/aigrid/internal/reconcile"
	"github.com/user/aigrid/internal/scheduler"
)

// CellRef names one cell of a table.
type CellRef struct {
	RowID    string `json:"row_id"`
	ColumnID string `json:"column_id"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID     string          `json:"run_id"`
	TableID   string          `json:"table_id"`
	State     scheduler.State `json:"state"`
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Fallbacks int             `json:"fallbacks"`
	Duration  time.Duration   `json:"duration_ns"`
}

// Run is a handle on an active or finished run.
type Run struct {
	ID      string
	TableID string
	Total   int
	Started time.Time

	keys    []string
	queries []query.Query
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	result  *RunResult
	err     error
}

// Done is closed when the run has finished and its state is published.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes. The error is nil for completed runs,
// including runs where some cells fell back to defaults.
func (r *Run) Wait() (*RunResult, error) {
	<-r.done
	return r.result, r.err
}

// Finished reports whether the run is over.
func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// ActiveRun returns the table's running run, if any.
func (s *Store) ActiveRun(tableID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[tableID]
	return r, ok
}

// CancelRun cancels the table's active run. It reports whether there was
// one. Cells already answered keep their values.
func (s *Store) CancelRun(tableID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[tableID]
	if ok {
		r.cancel()
	}
	return ok
}

// ColumnRefs lists every cell of the given columns.
func ColumnRefs(t *grid.Table, columnIDs []string) []CellRef {
	var out []CellRef
	for _, row := range t.Rows {
		for _, c := range columnIDs {
			out = append(out, CellRef{RowID: row.ID, ColumnID: c})
		}
	}
	return out
}

// RowRefs lists every cell of the given rows.
func RowRefs(t *grid.Table, rowIDs []string) []CellRef {
	var out []CellRef
	for _, r := range rowIDs {
		for _, col := range t.Columns {
			out = append(out, CellRef{RowID: r, ColumnID: col.ID})
		}
	}
	return out
}

// TableRefs lists every cell of the table.
func TableRefs(t *grid.Table) []CellRef {
	ids := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		ids[i] = r.ID
	}
	return RowRefs(t, ids)
}

// Start begins a run over refs and returns without waiting for it. Cells
// that cannot be queried are left alone and not counted. The run stops when
// ctx is cancelled or CancelRun is called.
func (s *Store) Start(ctx context.Context, tableID string, refs []CellRef) (*Run, error) {
	s.mu.Lock()
	cur, ok := s.snap.Load().tables[tableID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrTableNotFound
	}
	if _, running := s.runs[tableID]; running || cur.Progress.InProgress {
		s.mu.Unlock()
		s.notify(Notice{TableID: tableID, Level: LevelWarning, Message: "A run is already in progress for this table"})
		return nil, ErrRunInProgress
	}

	refs = uniqueRefs(cur, refs)
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = grid.CellKey(ref.RowID, ref.ColumnID)
	}

	next := cur.Clone()
	if !touchesNewRow(cur, refs) {
		reconcile.PruneEntitiesIn(next, keys)
	}
	var queries []query.Query
	var runKeys []string
	for i, ref := range refs {
		d := query.PrepareCell(cur, ref.RowID, ref.ColumnID)
		if !d.Eligible() {
			delete(next.LoadingCells, keys[i])
			continue
		}
		next.LoadingCells[keys[i]] = true
		queries = append(queries, *d.Query)
		runKeys = append(runKeys, keys[i])
	}
	if len(queries) == 0 {
		s.publish(tableID, next)
		s.mu.Unlock()
		return nil, ErrNothingToRun
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:      grid.NewRunID(),
		TableID: tableID,
		Total:   len(queries),
		Started: time.Now(),
		keys:    runKeys,
		queries: queries,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	next.Progress = grid.RequestProgress{Total: run.Total, InProgress: true}
	s.runs[tableID] = run
	s.publish(tableID, next)
	s.mu.Unlock()

	if run.Total >= s.config.LargeRunThreshold {
		s.notify(Notice{TableID: tableID, RunID: run.ID, Level: LevelInfo, Message: fmt.Sprintf("Processing %d cells", run.Total)})
	}
	if s.config.Observer != nil {
		s.config.Observer.RunStarted(tableID, run.Total)
	}
	go s.execute(run)
	return run, nil
}

func (s *Store) execute(run *Run) {
	opts := s.config.RunOptions
	opts.OnQueryProgress = func(res *answer.Result, index, processed int) {
		s.applyResult(run, index, res, processed)
	}
	opts.OnBatchProgress = nil
	out, err := s.sched.Run(run.ctx, run.queries, opts)
	s.finish(run, out, err)
}

// applyResult writes one result into the table unless the run has been
// superseded (table deleted or reimported).
func (s *Store) applyResult(run *Run, index int, res *answer.Result, processed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[run.TableID] != run {
		return
	}
	q := run.queries[index]
	_, err := s.updateLocked(run.TableID, func(t *grid.Table) error {
		reconcile.ApplyTo(t, q.RowID, q.Column.ID, res)
		t.Progress.Completed = min(processed, t.Progress.Total)
		return nil
	})
	if err != nil && !errors.Is(err, ErrTableNotFound) {
		s.notify(Notice{TableID: run.TableID, RunID: run.ID, Level: LevelError, Message: err.Error()})
	}
}

func (s *Store) finish(run *Run, out *scheduler.Outcome, runErr error) {
	defer run.cancel()
	if out == nil {
		out = &scheduler.Outcome{State: scheduler.StateFailed}
	}
	result := &RunResult{
		RunID:     run.ID,
		TableID:   run.TableID,
		State:     out.State,
		Total:     run.Total,
		Succeeded: out.Succeeded,
		Fallbacks: out.Fallbacks,
		Duration:  out.Duration,
	}

	s.mu.Lock()
	if s.runs[run.TableID] == run {
		delete(s.runs, run.TableID)
		s.updateLocked(run.TableID, func(t *grid.Table) error {
			for _, k := range run.keys {
				delete(t.LoadingCells, k)
			}
			t.Progress.InProgress = false
			t.Progress.Error = runErr != nil || out.Fallbacks > 0
			return nil
		})
	}
	s.mu.Unlock()

	switch {
	case answer.IsCancelled(runErr):
		s.notify(Notice{TableID: run.TableID, RunID: run.ID, Level: LevelInfo,
			Message: fmt.Sprintf("Run cancelled: %d of %d queries processed", result.Succeeded+result.Fallbacks, result.Total)})
	case runErr != nil:
		s.notify(Notice{TableID: run.TableID, RunID: run.ID, Level: LevelError,
			Message: fmt.Sprintf("Run failed: %d of %d queries processed successfully", result.Succeeded, result.Total)})
	case result.Fallbacks > 0:
		s.notify(Notice{TableID: run.TableID, RunID: run.ID, Level: LevelWarning,
			Message: fmt.Sprintf("%d of %d queries processed successfully", result.Succeeded, result.Total)})
	}
	if s.config.Observer != nil {
		s.config.Observer.RunFinished(run.TableID, result.State, result.Total, result.Succeeded, result.Fallbacks, result.Duration)
	}

	run.result = result
	run.err = runErr
	close(run.done)
}

// RerunCells runs the given cells and waits for the run to finish.
func (s *Store) RerunCells(ctx context.Context, tableID string, refs []CellRef) (*RunResult, error) {
	run, err := s.Start(ctx, tableID, refs)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// RerunColumns runs every cell of the given columns and waits.
func (s *Store) RerunColumns(ctx context.Context, tableID string, columnIDs []string) (*RunResult, error) {
	t, ok := s.Table(tableID)
	if !ok {
		return nil, ErrTableNotFound
	}
	return s.RerunCells(ctx, tableID, ColumnRefs(t, columnIDs))
}

// RerunRows runs every cell of the given rows and waits.
func (s *Store) RerunRows(ctx context.Context, tableID string, rowIDs []string) (*RunResult, error) {
	t, ok := s.Table(tableID)
	if !ok {
		return nil, ErrTableNotFound
	}
	return s.RerunCells(ctx, tableID, RowRefs(t, rowIDs))
}

// RunTable runs every cell of the table and waits.
func (s *Store) RunTable(ctx context.Context, tableID string) (*RunResult, error) {
	t, ok := s.Table(tableID)
	if !ok {
		return nil, ErrTableNotFound
	}
	return s.RerunCells(ctx, tableID, TableRefs(t))
}

// uniqueRefs drops duplicates and cells whose row or column does not exist.
func uniqueRefs(t *grid.Table, refs []CellRef) []CellRef {
	seen := make(map[CellRef]bool, len(refs))
	out := make([]CellRef, 0, len(refs))
	for _, r := range refs {
		if seen[r] || t.Row(r.RowID) == nil || t.Column(r.ColumnID) == nil {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// touchesNewRow reports whether any ref is on a row with no values yet.
func touchesNewRow(t *grid.Table, refs []CellRef) bool {
	for _, ref := range refs {
		row := t.Row(ref.RowID)
		if row == nil {
			continue
		}
		empty := true
		for _, v := range row.Cells {
			if v != nil {
				empty = false
				break
			}
		}
		if empty {
			return true
		}
	}
	return false
}
