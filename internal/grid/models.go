package grid

// Value types a column can declare.
const (
	TypeString      ValueType = "str"
	TypeInt         ValueType = "int"
	TypeBool        ValueType = "bool"
	TypeStringArray ValueType = "str_array"
	TypeIntArray    ValueType = "int_array"
)

// ValueType is the declared answer type of a column.
type ValueType string

// IsArray reports whether the type is one of the *_array variants.
func (t ValueType) IsArray() bool {
	return t == TypeStringArray || t == TypeIntArray
}

// Rule types
const (
	RuleMustReturn    RuleType = "must_return"
	RuleMayReturn     RuleType = "may_return"
	RuleMaxLength     RuleType = "max_length"
	RuleResolveEntity RuleType = "resolve_entity"
)

// RuleType identifies what an extraction rule constrains.
type RuleType string

// Rule is an extraction constraint sent along with a query.
type Rule struct {
	Type    RuleType `json:"type"`
	Options []string `json:"options,omitempty"`
	Length  *int     `json:"length,omitempty"`
}

// GlobalRule applies to every column sharing EntityType. Rules of type
// resolve_entity also decide which discovered entities are scoped globally.
type GlobalRule struct {
	ID               string           `json:"id"`
	EntityType       string           `json:"entityType"`
	Type             RuleType         `json:"type"`
	Options          []string         `json:"options,omitempty"`
	ResolvedEntities []ResolvedEntity `json:"resolvedEntities,omitempty"`
}

// Rule returns the wire form of the global rule.
func (g GlobalRule) Rule() Rule {
	return Rule{Type: g.Type, Options: append([]string(nil), g.Options...)}
}

// Entity source types
const (
	SourceColumn EntitySourceType = "column"
	SourceGlobal EntitySourceType = "global"
)

// EntitySourceType says whether an entity belongs to a column or a global rule.
type EntitySourceType string

// EntitySource points at the column or global rule owning an entity.
type EntitySource struct {
	Type EntitySourceType `json:"type"`
	ID   string           `json:"id"`
}

// ResolvedEntity is a structured extraction produced alongside an answer.
type ResolvedEntity struct {
	Original   TextValue    `json:"original"`
	Resolved   TextValue    `json:"resolved"`
	Source     EntitySource `json:"source"`
	EntityType string       `json:"entityType"`
	// CellKey is the cell whose answer produced the entity.
	CellKey string `json:"cellKey,omitempty"`
}

// Chunk is a snippet of source-document evidence supporting an answer.
type Chunk struct {
	Content string `json:"content"`
	Page    int    `json:"page"`
}

// Column is a question asked of every row.
type Column struct {
	ID               string           `json:"id"`
	EntityType       string           `json:"entityType"`
	Query            string           `json:"query"`
	Type             ValueType        `json:"type"`
	Generate         bool             `json:"generate"`
	Rules            []Rule           `json:"rules,omitempty"`
	Hidden           bool             `json:"hidden,omitempty"`
	Width            int              `json:"width,omitempty"`
	ResolvedEntities []ResolvedEntity `json:"resolvedEntities,omitempty"`
}

// Row is one source document and its answers keyed by column id.
type Row struct {
	ID     string         `json:"id"`
	Source *SourceData    `json:"sourceData,omitempty"`
	Hidden bool           `json:"hidden,omitempty"`
	Cells  map[string]any `json:"cells"`
}

// Cell returns the value stored for columnID and whether one is present.
func (r Row) Cell(columnID string) (any, bool) {
	v, ok := r.Cells[columnID]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// DocumentID returns the id of the row's uploaded document, if any.
func (r Row) DocumentID() (string, bool) {
	if r.Source == nil || r.Source.Kind != SourceDocument || r.Source.Document == nil {
		return "", false
	}
	return r.Source.Document.ID, r.Source.Document.ID != ""
}

// Filter criteria
const (
	FilterContains    = "contains"
	FilterNotContains = "contains_not"
)

// Filter hides rows whose cell for ColumnID does not satisfy Criteria.
type Filter struct {
	ID       string `json:"id"`
	ColumnID string `json:"columnId"`
	Criteria string `json:"criteria"`
	Value    string `json:"value"`
}

// RequestProgress is the aggregate progress of the table's active run.
type RequestProgress struct {
	Total      int  `json:"total"`
	Completed  int  `json:"completed"`
	InProgress bool `json:"inProgress"`
	Error      bool `json:"error"`
}

// Table is the aggregate every store operation reads and writes.
type Table struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Columns      []Column           `json:"columns"`
	Rows         []Row              `json:"rows"`
	GlobalRules  []GlobalRule       `json:"globalRules"`
	Filters      []Filter           `json:"filters"`
	Chunks       map[string][]Chunk `json:"chunks"`
	OpenedChunks []string           `json:"openedChunks"`
	LoadingCells map[string]bool    `json:"loadingCells"`
	Progress     RequestProgress    `json:"requestProgress"`
	Uploading    bool               `json:"uploadingFiles"`
	ActiveEditor string             `json:"activeEditor,omitempty"`
}

// NewTable returns an empty table with initialized maps.
func NewTable(id, name string) *Table {
	return &Table{
		ID:           id,
		Name:         name,
		Columns:      []Column{},
		Rows:         []Row{},
		GlobalRules:  []GlobalRule{},
		Filters:      []Filter{},
		Chunks:       map[string][]Chunk{},
		OpenedChunks: []string{},
		LoadingCells: map[string]bool{},
	}
}

// ColumnIndex returns the position of the column with id, or -1.
func (t *Table) ColumnIndex(id string) int {
	for i := range t.Columns {
		if t.Columns[i].ID == id {
			return i
		}
	}
	return -1
}

// RowIndex returns the position of the row with id, or -1.
func (t *Table) RowIndex(id string) int {
	for i := range t.Rows {
		if t.Rows[i].ID == id {
			return i
		}
	}
	return -1
}

// Column returns a pointer into t.Columns, or nil.
func (t *Table) Column(id string) *Column {
	if i := t.ColumnIndex(id); i >= 0 {
		return &t.Columns[i]
	}
	return nil
}

// Row returns a pointer into t.Rows, or nil.
func (t *Table) Row(id string) *Row {
	if i := t.RowIndex(id); i >= 0 {
		return &t.Rows[i]
	}
	return nil
}

// IsLoading reports whether the cell identified by key is awaiting an answer.
func (t *Table) IsLoading(key string) bool {
	return t.LoadingCells[key]
}

// RulesFor returns the global rules that apply to entityType.
func (t *Table) RulesFor(entityType string) []GlobalRule {
	var out []GlobalRule
	for _, g := range t.GlobalRules {
		if g.EntityType == entityType {
			out = append(out, g)
		}
	}
	return out
}
