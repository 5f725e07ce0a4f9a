// Package reconcile merges query results into table state.
package reconcile

import (
	"strings"

	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/grid"
)

// Apply returns a copy of t with res merged into the cell (rowID,
// columnID). t is not modified.
func Apply(t *grid.Table, rowID, columnID string, res *answer.Result) *grid.Table {
	c := t.Clone()
	ApplyTo(c, rowID, columnID, res)
	return c
}

// ApplyTo merges res into t in place: it writes the answer, stores the
// evidence chunks under the cell key, clears the loading flag and files the
// resolved entities under their column or global rule. A row or column
// deleted while the query was in flight only has its loading flag cleared.
func ApplyTo(t *grid.Table, rowID, columnID string, res *answer.Result) {
	key := grid.CellKey(rowID, columnID)
	delete(t.LoadingCells, key)

	row := t.Row(rowID)
	col := t.Column(columnID)
	if row == nil || col == nil || res == nil {
		return
	}
	if row.Cells == nil {
		row.Cells = map[string]any{}
	}
	row.Cells[columnID] = res.Answer
	chunks := res.Chunks
	if chunks == nil {
		chunks = []grid.Chunk{}
	}
	t.Chunks[key] = append([]grid.Chunk(nil), chunks...)

	for _, e := range res.ResolvedEntities {
		e = e.Clone()
		e.CellKey = key
		if e.EntityType == "" {
			e.EntityType = col.EntityType
		}
		if ruleID, ok := Partition(e, t.GlobalRules); ok {
			e.Source = grid.EntitySource{Type: grid.SourceGlobal, ID: ruleID}
			for i := range t.GlobalRules {
				if t.GlobalRules[i].ID == ruleID {
					t.GlobalRules[i].ResolvedEntities = append(t.GlobalRules[i].ResolvedEntities, e)
					break
				}
			}
			continue
		}
		e.Source = grid.EntitySource{Type: grid.SourceColumn, ID: columnID}
		col.ResolvedEntities = append(col.ResolvedEntities, e)
	}
	grid.ApplyFilters(t)
}

// Partition decides where an entity belongs. It returns the id of the first
// resolve_entity rule with an option that occurs, ignoring case, in the
// entity's joined original text. ok is false when the entity is
// column-scoped.
func Partition(e grid.ResolvedEntity, rules []grid.GlobalRule) (ruleID string, ok bool) {
	text := strings.ToLower(e.Original.Joined())
	for _, r := range rules {
		if r.Type != grid.RuleResolveEntity {
			continue
		}
		for _, opt := range r.Options {
			opt = strings.ToLower(strings.TrimSpace(opt))
			if opt != "" && strings.Contains(text, opt) {
				return r.ID, true
			}
		}
	}
	return "", false
}

// PruneEntities returns a copy of t without the entities produced by the
// given cells, so a rerun does not leave stale entities next to fresh ones.
func PruneEntities(t *grid.Table, cellKeys []string) *grid.Table {
	c := t.Clone()
	PruneEntitiesIn(c, cellKeys)
	return c
}

// PruneEntitiesIn is PruneEntities operating in place.
func PruneEntitiesIn(t *grid.Table, cellKeys []string) {
	if len(cellKeys) == 0 {
		return
	}
	drop := make(map[string]bool, len(cellKeys))
	for _, k := range cellKeys {
		drop[k] = true
	}
	keep := func(in []grid.ResolvedEntity) []grid.ResolvedEntity {
		out := in[:0:0]
		for _, e := range in {
			if e.CellKey != "" && drop[e.CellKey] {
				continue
			}
			out = append(out, e)
		}
		return out
	}
	for i := range t.Columns {
		t.Columns[i].ResolvedEntities = keep(t.Columns[i].ResolvedEntities)
	}
	for i := range t.GlobalRules {
		t.GlobalRules[i].ResolvedEntities = keep(t.GlobalRules[i].ResolvedEntities)
	}
}
