package tablestore

import (
	"github.com/user/aigrid/internal/grid"
)

// AddRows appends rows, generating blank ids. The stored rows are returned.
func (s *Store) AddRows(tableID string, rows []grid.Row) ([]grid.Row, error) {
	added := make([]grid.Row, len(rows))
	for i, r := range rows {
		r = r.Clone()
		if r.ID == "" {
			r.ID = grid.NewID()
		}
		if err := grid.ValidateID(r.ID); err != nil {
			return nil, err
		}
		added[i] = r
	}
	_, err := s.update(tableID, func(t *grid.Table) error {
		for _, r := range added {
			for colID, v := range r.Cells {
				if col := t.Column(colID); col != nil {
					r.Cells[colID] = grid.Coerce(col.Type, v)
				}
			}
			t.Rows = append(t.Rows, r.Clone())
		}
		grid.ApplyFilters(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// DeleteRows removes rows with their chunks and loading flags. Unknown ids
// are ignored.
func (s *Store) DeleteRows(tableID string, rowIDs []string) error {
	drop := make(map[string]bool, len(rowIDs))
	for _, id := range rowIDs {
		drop[id] = true
	}
	_, err := s.update(tableID, func(t *grid.Table) error {
		rows := t.Rows[:0]
		for _, r := range t.Rows {
			if !drop[r.ID] {
				rows = append(rows, r)
			}
		}
		t.Rows = rows
		inDropped := func(key string) bool {
			row, _, ok := grid.SplitCellKey(key)
			return ok && drop[row]
		}
		for key := range t.Chunks {
			if inDropped(key) {
				delete(t.Chunks, key)
			}
		}
		for key := range t.LoadingCells {
			if inDropped(key) {
				delete(t.LoadingCells, key)
			}
		}
		t.OpenedChunks = dropKeys(t.OpenedChunks, inDropped)
		return nil
	})
	return err
}

// SetSourceData replaces a row's source. A nil source clears it.
func (s *Store) SetSourceData(tableID, rowID string, src *grid.SourceData) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		row := t.Row(rowID)
		if row == nil {
			return ErrNotFound
		}
		if src == nil {
			row.Source = nil
			return nil
		}
		c := *src
		if src.Document != nil {
			d := *src.Document
			c.Document = &d
		}
		row.Source = &c
		return nil
	})
	return err
}

// EditCell sets a cell by hand. The value is coerced to the column type and
// the cell's evidence chunks are dropped. A nil value clears the cell.
func (s *Store) EditCell(tableID, rowID, columnID string, value any) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		row := t.Row(rowID)
		col := t.Column(columnID)
		if row == nil || col == nil {
			return ErrNotFound
		}
		if row.Cells == nil {
			row.Cells = map[string]any{}
		}
		key := grid.CellKey(rowID, columnID)
		if value == nil {
			delete(row.Cells, columnID)
		} else {
			row.Cells[columnID] = grid.Coerce(col.Type, value)
		}
		delete(t.Chunks, key)
		grid.ApplyFilters(t)
		return nil
	})
	return err
}

// SetGlobalRules replaces the table's global rules. Blank ids are
// generated. Entities already filed under a rule that is kept stay with it.
func (s *Store) SetGlobalRules(tableID string, rules []grid.GlobalRule) ([]grid.GlobalRule, error) {
	var out []grid.GlobalRule
	_, err := s.update(tableID, func(t *grid.Table) error {
		prev := make(map[string][]grid.ResolvedEntity, len(t.GlobalRules))
		for _, g := range t.GlobalRules {
			prev[g.ID] = g.ResolvedEntities
		}
		next := make([]grid.GlobalRule, len(rules))
		for i, g := range rules {
			g = g.Clone()
			if g.ID == "" {
				g.ID = grid.NewID()
			}
			if len(g.ResolvedEntities) == 0 {
				g.ResolvedEntities = prev[g.ID]
			}
			next[i] = g
		}
		t.GlobalRules = next
		out = make([]grid.GlobalRule, len(next))
		for i := range next {
			out[i] = next[i].Clone()
		}
		return nil
	})
	return out, err
}

// SetFilters replaces the table's filters and recomputes row visibility.
func (s *Store) SetFilters(tableID string, filters []grid.Filter) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		t.Filters = make([]grid.Filter, len(filters))
		for i, f := range filters {
			if f.ID == "" {
				f.ID = grid.NewID()
			}
			t.Filters[i] = f
		}
		grid.ApplyFilters(t)
		return nil
	})
	return err
}

// ToggleChunks opens each closed cell key and closes each open one.
func (s *Store) ToggleChunks(tableID string, cellKeys []string) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		open := make(map[string]bool, len(t.OpenedChunks))
		for _, k := range t.OpenedChunks {
			open[k] = true
		}
		for _, k := range cellKeys {
			if open[k] {
				delete(open, k)
				t.OpenedChunks = dropKeys(t.OpenedChunks, func(o string) bool { return o == k })
				continue
			}
			open[k] = true
			t.OpenedChunks = append(t.OpenedChunks, k)
		}
		return nil
	})
	return err
}

// OpenEditor makes editorID the table's only open contextual editor.
func (s *Store) OpenEditor(tableID, editorID string) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		t.ActiveEditor = editorID
		return nil
	})
	return err
}

// CloseEditor closes editorID if it is the open one. An empty editorID
// closes whichever editor is open.
func (s *Store) CloseEditor(tableID, editorID string) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		if editorID == "" || t.ActiveEditor == editorID {
			t.ActiveEditor = ""
		}
		return nil
	})
	return err
}
