package grid

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestCellKeyRoundTrip(t *testing.T) {
	key := CellKey("row-1", "col-2")
	if key != "row-1|col-2" {
		t.Fatalf("CellKey = %q, want %q", key, "row-1|col-2")
	}
	row, col, ok := SplitCellKey(key)
	if !ok || row != "row-1" || col != "col-2" {
		t.Errorf("SplitCellKey(%q) = %q, %q, %v", key, row, col, ok)
	}
}

func TestSplitCellKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "nodelim", "|col", "row|", "a|b|c"} {
		if _, _, ok := SplitCellKey(key); ok {
			t.Errorf("SplitCellKey(%q) ok = true, want false", key)
		}
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID("abc"); err != nil {
		t.Errorf("ValidateID(abc) = %v", err)
	}
	if err := ValidateID(""); err == nil {
		t.Error("ValidateID(\"\") = nil, want error")
	}
	if err := ValidateID("a|b"); err == nil {
		t.Error("ValidateID(a|b) = nil, want error")
	}
	if err := ValidateID(NewID()); err != nil {
		t.Errorf("ValidateID(NewID()) = %v", err)
	}
}

func TestFallbackTyping(t *testing.T) {
	if v := Fallback(TypeBool); v != false {
		t.Errorf("Fallback(bool) = %#v, want false", v)
	}
	if v := Fallback(TypeInt); v != 0 {
		t.Errorf("Fallback(int) = %#v, want 0", v)
	}
	for _, typ := range []ValueType{TypeStringArray, TypeIntArray} {
		v := Fallback(typ)
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice || rv.Len() != 0 {
			t.Errorf("Fallback(%s) = %#v, want empty slice", typ, v)
		}
	}
	s, ok := Fallback(TypeString).(string)
	if !ok || s == "" {
		t.Errorf("Fallback(str) = %#v, want non-empty string", Fallback(TypeString))
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		typ  ValueType
		in   any
		want any
	}{
		{"int from float", TypeInt, float64(100), 100},
		{"int from string", TypeInt, " 1,250 ", 1250},
		{"int from garbage", TypeInt, "n/a", 0},
		{"bool yes", TypeBool, "Yes", true},
		{"bool no", TypeBool, "no", false},
		{"bool native", TypeBool, true, true},
		{"nested answer", TypeString, map[string]any{"answer": "INV-42"}, "INV-42"},
		{"str from number", TypeString, float64(3), "3"},
		{"wrap scalar str", TypeStringArray, "solo", []string{"solo"}},
		{"wrap scalar int", TypeIntArray, float64(7), []int{7}},
		{"int array", TypeIntArray, []any{float64(1), "2"}, []int{1, 2}},
		{"str array", TypeStringArray, []any{"a", float64(2)}, []string{"a", "2"}},
		{"nil stays nil", TypeInt, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Coerce(tt.typ, tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Coerce(%s, %#v) = %#v, want %#v", tt.typ, tt.in, got, tt.want)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	tbl := NewTable("t1", "Invoices")
	tbl.Columns = append(tbl.Columns, Column{ID: "c1", Rules: []Rule{{Type: RuleMayReturn, Options: []string{"a"}}}})
	tbl.Rows = append(tbl.Rows, Row{ID: "r1", Source: DocumentSource(Document{ID: "doc1"}), Cells: map[string]any{"c1": []string{"x"}}})
	tbl.LoadingCells[CellKey("r1", "c1")] = true

	c := tbl.Clone()
	c.Columns[0].Rules[0].Options[0] = "changed"
	c.Rows[0].Cells["c1"].([]string)[0] = "changed"
	c.Rows[0].Source.Document.ID = "changed"
	c.LoadingCells[CellKey("r1", "c1")] = false

	if tbl.Columns[0].Rules[0].Options[0] != "a" {
		t.Error("clone shares rule options")
	}
	if tbl.Rows[0].Cells["c1"].([]string)[0] != "x" {
		t.Error("clone shares cell arrays")
	}
	if tbl.Rows[0].Source.Document.ID != "doc1" {
		t.Error("clone shares source document")
	}
	if !tbl.IsLoading(CellKey("r1", "c1")) {
		t.Error("clone shares loading map")
	}
}

func TestSourceDataJSON(t *testing.T) {
	var s SourceData
	if err := json.Unmarshal([]byte(`{"type":"document","document":{"id":"doc1","name":"a.pdf","page_count":3}}`), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s.Kind != SourceDocument || s.Document.ID != "doc1" || s.Document.PageCount != 3 {
		t.Errorf("decoded %+v", s)
	}
	if err := json.Unmarshal([]byte(`{"type":"document"}`), &s); err == nil {
		t.Error("document variant without payload accepted")
	}
	if err := json.Unmarshal([]byte(`{"type":"bogus"}`), &s); err == nil {
		t.Error("unknown variant accepted")
	}
}

func TestTextValueJSON(t *testing.T) {
	var single, list TextValue
	if err := json.Unmarshal([]byte(`"Acme"`), &single); err != nil {
		t.Fatalf("Unmarshal single: %v", err)
	}
	if err := json.Unmarshal([]byte(`["Acme","Corp"]`), &list); err != nil {
		t.Fatalf("Unmarshal list: %v", err)
	}
	if single.List || single.Joined() != "Acme" {
		t.Errorf("single = %+v", single)
	}
	if !list.List || list.Joined() != "Acme Corp" {
		t.Errorf("list = %+v", list)
	}
	out, _ := json.Marshal(list)
	if string(out) != `["Acme","Corp"]` {
		t.Errorf("Marshal list = %s", out)
	}
}

func TestFromStateCoercesAndFilters(t *testing.T) {
	raw := `{"id":"t1","name":"n","data":{
		"columns":[{"id":"c1","entityType":"Total","query":"q","type":"int","generate":true}],
		"rows":[{"id":"r1","cells":{"c1":100}},{"id":"r2","cells":{"c1":5}}],
		"globalRules":[],
		"filters":[{"id":"f1","columnId":"c1","criteria":"contains","value":"10"}]}}`
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	tbl := FromState(s)
	if v, _ := tbl.Rows[0].Cell("c1"); v != 100 {
		t.Errorf("cell = %#v, want int 100", v)
	}
	if tbl.Rows[0].Hidden || !tbl.Rows[1].Hidden {
		t.Errorf("hidden = %v,%v, want false,true", tbl.Rows[0].Hidden, tbl.Rows[1].Hidden)
	}
	if tbl.LoadingCells == nil || tbl.Chunks == nil {
		t.Error("maps not initialized")
	}
}

func TestNewRunIDSortable(t *testing.T) {
	prev := NewRunID()
	if !strings.HasPrefix(prev, "run_") || len(prev) != 30 {
		t.Fatalf("NewRunID() = %q", prev)
	}
	for range 100 {
		id := NewRunID()
		if id <= prev {
			t.Fatalf("ids not increasing: %q <= %q", id, prev)
		}
		prev = id
	}
}
