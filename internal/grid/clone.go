package grid

// Clone returns a deep copy of t. Store updates clone the current snapshot,
// modify the copy and publish it, so published tables are never mutated.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := *t
	c.Columns = make([]Column, len(t.Columns))
	for i := range t.Columns {
		c.Columns[i] = t.Columns[i].Clone()
	}
	c.Rows = make([]Row, len(t.Rows))
	for i := range t.Rows {
		c.Rows[i] = t.Rows[i].Clone()
	}
	c.GlobalRules = make([]GlobalRule, len(t.GlobalRules))
	for i := range t.GlobalRules {
		c.GlobalRules[i] = t.GlobalRules[i].Clone()
	}
	c.Filters = append([]Filter{}, t.Filters...)
	c.Chunks = make(map[string][]Chunk, len(t.Chunks))
	for k, v := range t.Chunks {
		c.Chunks[k] = append([]Chunk(nil), v...)
	}
	c.OpenedChunks = append([]string{}, t.OpenedChunks...)
	c.LoadingCells = make(map[string]bool, len(t.LoadingCells))
	for k, v := range t.LoadingCells {
		c.LoadingCells[k] = v
	}
	return &c
}

// Clone returns a deep copy of the column.
func (c Column) Clone() Column {
	out := c
	out.Rules = make([]Rule, len(c.Rules))
	for i, r := range c.Rules {
		out.Rules[i] = r.Clone()
	}
	out.ResolvedEntities = cloneEntities(c.ResolvedEntities)
	return out
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	out := r
	out.Options = append([]string(nil), r.Options...)
	if r.Length != nil {
		n := *r.Length
		out.Length = &n
	}
	return out
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	out := r
	out.Source = r.Source.clone()
	out.Cells = make(map[string]any, len(r.Cells))
	for k, v := range r.Cells {
		out.Cells[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the global rule.
func (g GlobalRule) Clone() GlobalRule {
	out := g
	out.Options = append([]string(nil), g.Options...)
	out.ResolvedEntities = cloneEntities(g.ResolvedEntities)
	return out
}

// Clone returns a deep copy of the entity.
func (e ResolvedEntity) Clone() ResolvedEntity {
	out := e
	out.Original = e.Original.clone()
	out.Resolved = e.Resolved.clone()
	return out
}

func cloneEntities(in []ResolvedEntity) []ResolvedEntity {
	if in == nil {
		return nil
	}
	out := make([]ResolvedEntity, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
