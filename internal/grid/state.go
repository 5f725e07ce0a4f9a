package grid

// State is the persisted form of a table.
type State struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Data StateData `json:"data"`
}

// StateData carries everything persisted besides id and name.
type StateData struct {
	Columns      []Column           `json:"columns"`
	Rows         []Row              `json:"rows"`
	GlobalRules  []GlobalRule       `json:"globalRules"`
	Filters      []Filter           `json:"filters"`
	Chunks       map[string][]Chunk `json:"chunks,omitempty"`
	OpenedChunks []string           `json:"openedChunks,omitempty"`
	LoadingCells map[string]bool    `json:"loadingCells,omitempty"`
}

// State converts the table into its persisted form. The result shares no
// memory with t.
func (t *Table) State() State {
	c := t.Clone()
	return State{
		ID:   c.ID,
		Name: c.Name,
		Data: StateData{
			Columns:      c.Columns,
			Rows:         c.Rows,
			GlobalRules:  c.GlobalRules,
			Filters:      c.Filters,
			Chunks:       c.Chunks,
			OpenedChunks: c.OpenedChunks,
			LoadingCells: c.LoadingCells,
		},
	}
}

// Prune drops the transient fields that large tables skip when persisted.
func (s State) Prune() State {
	s.Data.Chunks = nil
	s.Data.OpenedChunks = nil
	s.Data.LoadingCells = nil
	return s
}

// FromState rebuilds a table from its persisted form. Cell values are
// coerced to their column types and missing collections are initialized.
// Loading flags and progress are not restored: a loaded table has no run.
func FromState(s State) *Table {
	t := NewTable(s.ID, s.Name)
	src := &Table{
		Columns:      s.Data.Columns,
		Rows:         s.Data.Rows,
		GlobalRules:  s.Data.GlobalRules,
		Filters:      s.Data.Filters,
		Chunks:       s.Data.Chunks,
		OpenedChunks: s.Data.OpenedChunks,
	}
	c := src.Clone()
	t.Columns = c.Columns
	t.Rows = c.Rows
	t.GlobalRules = c.GlobalRules
	t.Filters = c.Filters
	t.Chunks = c.Chunks
	t.OpenedChunks = c.OpenedChunks

	types := make(map[string]ValueType, len(t.Columns))
	for _, col := range t.Columns {
		types[col.ID] = col.Type
	}
	for i := range t.Rows {
		for colID, v := range t.Rows[i].Cells {
			if typ, ok := types[colID]; ok {
				t.Rows[i].Cells[colID] = Coerce(typ, v)
			}
		}
	}
	ApplyFilters(t)
	return t
}
