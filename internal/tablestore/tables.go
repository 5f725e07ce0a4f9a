package tablestore

import (
	"fmt"
	"strings"

	"github.com/user/aigrid/internal/grid"
)

// Table returns the current snapshot of a table. The returned table is
// shared and must not be modified.
func (s *Store) Table(id string) (*grid.Table, bool) {
	t, ok := s.snap.Load().tables[id]
	return t, ok
}

// Tables returns every table in creation order.
func (s *Store) Tables() []*grid.Table {
	snap := s.snap.Load()
	out := make([]*grid.Table, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.tables[id])
	}
	return out
}

// AddTable creates an empty table. A blank name gets a numbered default.
func (s *Store) AddTable(name string) *grid.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Table %d", len(s.snap.Load().order)+1)
	}
	t := grid.NewTable(grid.NewID(), name)
	s.publish(t.ID, t)
	return t
}

// DeleteTable removes a table, cancelling its run if one is active.
func (s *Store) DeleteTable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.Load().tables[id]; !ok {
		return ErrTableNotFound
	}
	if r, ok := s.runs[id]; ok {
		r.cancel()
		delete(s.runs, id)
	}
	s.publish(id, nil)
	return nil
}

// RenameTable changes a table's display name.
func (s *Store) RenameTable(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	_, err := s.update(id, func(t *grid.Table) error {
		t.Name = name
		return nil
	})
	return err
}

// Import loads a persisted table, replacing any table with the same id.
// Importing over a table with an active run is rejected.
func (s *Store) Import(state grid.State) (*grid.Table, error) {
	if state.ID == "" {
		state.ID = grid.NewID()
	}
	for _, c := range state.Data.Columns {
		if err := grid.ValidateID(c.ID); err != nil {
			return nil, fmt.Errorf("column %q: %w", c.ID, err)
		}
	}
	for _, r := range state.Data.Rows {
		if err := grid.ValidateID(r.ID); err != nil {
			return nil, fmt.Errorf("row %q: %w", r.ID, err)
		}
	}
	t := grid.FromState(state)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.runs[t.ID]; running {
		return nil, ErrRunInProgress
	}
	s.publish(t.ID, t)
	return t, nil
}

// Export returns the persisted form of a table.
func (s *Store) Export(id string) (grid.State, error) {
	t, ok := s.Table(id)
	if !ok {
		return grid.State{}, ErrTableNotFound
	}
	return t.State(), nil
}
