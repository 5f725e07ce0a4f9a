package grid

import "strings"

// Matches reports whether row satisfies f. Matching is a case-insensitive
// substring test against the formatted cell value.
func (f Filter) Matches(row Row) bool {
	v, _ := row.Cell(f.ColumnID)
	contains := strings.Contains(strings.ToLower(FormatValue(v)), strings.ToLower(f.Value))
	if f.Criteria == FilterNotContains {
		return !contains
	}
	return contains
}

// ApplyFilters recomputes Row.Hidden in place: a row is hidden when any
// filter does not match it.
func ApplyFilters(t *Table) {
	for i := range t.Rows {
		hidden := false
		for _, f := range t.Filters {
			if !f.Matches(t.Rows[i]) {
				hidden = true
				break
			}
		}
		t.Rows[i].Hidden = hidden
	}
}
