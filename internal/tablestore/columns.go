package tablestore

import (
	"fmt"

	"github.com/user/aigrid/internal/grid"
)

// MinColumnWidth is the narrowest a column can be resized to.
const MinColumnWidth = 40

// ColumnUpdate carries the column fields to change; nil fields are kept.
type ColumnUpdate struct {
	EntityType *string
	Query      *string
	Type       *grid.ValueType
	Generate   *bool
	Rules      []grid.Rule
	SetRules   bool
}

// AddColumn appends a column. A blank id is generated; a blank type
// defaults to str.
func (s *Store) AddColumn(tableID string, col grid.Column) (grid.Column, error) {
	if col.ID == "" {
		col.ID = grid.NewID()
	}
	if err := grid.ValidateID(col.ID); err != nil {
		return grid.Column{}, err
	}
	if col.Type == "" {
		col.Type = grid.TypeString
	}
	col = col.Clone()
	_, err := s.update(tableID, func(t *grid.Table) error {
		if t.Column(col.ID) != nil {
			return fmt.Errorf("column %s already exists", col.ID)
		}
		t.Columns = append(t.Columns, col)
		return nil
	})
	return col, err
}

// UpdateColumn edits a column's question. Changing the type re-coerces the
// column's existing cells.
func (s *Store) UpdateColumn(tableID, columnID string, u ColumnUpdate) (grid.Column, error) {
	var out grid.Column
	_, err := s.update(tableID, func(t *grid.Table) error {
		col := t.Column(columnID)
		if col == nil {
			return ErrNotFound
		}
		if u.EntityType != nil {
			col.EntityType = *u.EntityType
		}
		if u.Query != nil {
			col.Query = *u.Query
		}
		if u.Generate != nil {
			col.Generate = *u.Generate
		}
		if u.SetRules {
			col.Rules = make([]grid.Rule, len(u.Rules))
			for i, r := range u.Rules {
				col.Rules[i] = r.Clone()
			}
		}
		if u.Type != nil && *u.Type != col.Type {
			col.Type = *u.Type
			for i := range t.Rows {
				if v, ok := t.Rows[i].Cell(columnID); ok {
					t.Rows[i].Cells[columnID] = grid.Coerce(col.Type, v)
				}
			}
		}
		out = col.Clone()
		return nil
	})
	return out, err
}

// DeleteColumn removes a column with its cells, chunks, loading flags and
// filters.
func (s *Store) DeleteColumn(tableID, columnID string) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		idx := t.ColumnIndex(columnID)
		if idx < 0 {
			return ErrNotFound
		}
		t.Columns = append(t.Columns[:idx], t.Columns[idx+1:]...)
		for i := range t.Rows {
			delete(t.Rows[i].Cells, columnID)
			key := grid.CellKey(t.Rows[i].ID, columnID)
			delete(t.Chunks, key)
			delete(t.LoadingCells, key)
		}
		t.OpenedChunks = dropKeys(t.OpenedChunks, func(key string) bool {
			_, col, ok := grid.SplitCellKey(key)
			return ok && col == columnID
		})
		filters := t.Filters[:0]
		for _, f := range t.Filters {
			if f.ColumnID != columnID {
				filters = append(filters, f)
			}
		}
		t.Filters = filters
		grid.ApplyFilters(t)
		return nil
	})
	return err
}

// SetColumnHidden shows or hides a column.
func (s *Store) SetColumnHidden(tableID, columnID string, hidden bool) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		col := t.Column(columnID)
		if col == nil {
			return ErrNotFound
		}
		col.Hidden = hidden
		return nil
	})
	return err
}

// ResizeColumn sets a column's display width, clamped to MinColumnWidth.
func (s *Store) ResizeColumn(tableID, columnID string, width int) error {
	_, err := s.update(tableID, func(t *grid.Table) error {
		col := t.Column(columnID)
		if col == nil {
			return ErrNotFound
		}
		col.Width = max(width, MinColumnWidth)
		return nil
	})
	return err
}

func dropKeys(keys []string, drop func(string) bool) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !drop(k) {
			out = append(out, k)
		}
	}
	return out
}
