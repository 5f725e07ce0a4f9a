package query

import (
	"regexp"
	"strings"

	"github.com/user/aigrid/internal/grid"
)

// Skip reasons
const (
	SkipNone              SkipReason = ""
	SkipUnknownCell       SkipReason = "unknown_cell"
	SkipBlankEntityType   SkipReason = "blank_entity_type"
	SkipNotGenerated      SkipReason = "not_generated"
	SkipAlreadyLoading    SkipReason = "already_loading"
	SkipMissingReference  SkipReason = "missing_reference"
	SkipNoSourceOrContext SkipReason = "no_source"
)

// SkipReason explains why a cell was not turned into a query.
type SkipReason string

// Decision is the outcome of Prepare: either Query is set or Skip is.
type Decision struct {
	Query *Query
	Skip  SkipReason
}

// Eligible reports whether the decision carries a runnable query.
func (d Decision) Eligible() bool { return d.Query != nil }

var backReference = regexp.MustCompile(`@\[([^\]]*)\]\(([^)]+)\)`)

// Prepare decides whether the cell (row, col) can be queried against the
// snapshot t, and if so builds the query. Neither t nor col is modified.
func Prepare(t *grid.Table, row grid.Row, col grid.Column) Decision {
	if strings.TrimSpace(col.EntityType) == "" {
		return Decision{Skip: SkipBlankEntityType}
	}
	if !col.Generate {
		return Decision{Skip: SkipNotGenerated}
	}
	if t.IsLoading(grid.CellKey(row.ID, col.ID)) {
		return Decision{Skip: SkipAlreadyLoading}
	}

	docID, hasDoc := row.DocumentID()
	q := col.Clone()

	matched := false
	missing := false
	q.Query = backReference.ReplaceAllStringFunc(col.Query, func(m string) string {
		sub := backReference.FindStringSubmatch(m)
		if t.Column(sub[2]) == nil {
			return m
		}
		matched = true
		v, ok := row.Cell(sub[2])
		if !ok {
			if !hasDoc {
				missing = true
			}
			return ""
		}
		return grid.FormatValue(v)
	})
	if missing {
		return Decision{Skip: SkipMissingReference}
	}
	if !matched && !hasDoc {
		return Decision{Skip: SkipNoSourceOrContext}
	}

	rules := make([]grid.Rule, 0, len(q.Rules))
	rules = append(rules, q.Rules...)
	for _, g := range t.RulesFor(col.EntityType) {
		rules = append(rules, g.Rule())
	}
	return Decision{Query: &Query{
		RowID:      row.ID,
		Column:     q,
		Rules:      rules,
		DocumentID: docID,
	}}
}

// PrepareCell looks up the row and column by id and calls Prepare.
func PrepareCell(t *grid.Table, rowID, columnID string) Decision {
	row := t.Row(rowID)
	col := t.Column(columnID)
	if row == nil || col == nil {
		return Decision{Skip: SkipUnknownCell}
	}
	return Prepare(t, *row, *col)
}
