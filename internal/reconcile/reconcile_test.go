package reconcile

import (
	"testing"

	"github.com/user/aigrid/internal/answer"
	"github.com/user/aigrid/internal/grid"
)

func testTable() *grid.Table {
	tbl := grid.NewTable("t1", "Contracts")
	tbl.Columns = []grid.Column{
		{ID: "c1", EntityType: "Party", Query: "Who?", Type: grid.TypeString, Generate: true},
	}
	tbl.Rows = []grid.Row{{ID: "r1", Source: grid.DocumentSource(grid.Document{ID: "doc1"}), Cells: map[string]any{}}}
	tbl.GlobalRules = []grid.GlobalRule{
		{ID: "g1", EntityType: "Party", Type: grid.RuleResolveEntity, Options: []string{"ACME"}},
		{ID: "g2", EntityType: "Party", Type: grid.RuleMustReturn, Options: []string{"globex"}},
	}
	tbl.LoadingCells[grid.CellKey("r1", "c1")] = true
	return tbl
}

func TestApplyWritesCellAndClearsLoading(t *testing.T) {
	tbl := testTable()
	res := &answer.Result{
		Answer: "Acme Corp",
		Chunks: []grid.Chunk{{Content: "Acme Corp, the buyer", Page: 1}},
		ResolvedEntities: []grid.ResolvedEntity{
			{Original: grid.TextList("acme", "corp"), Resolved: grid.Text("ACME")},
			{Original: grid.Text("Globex"), Resolved: grid.Text("GLOBEX")},
		},
	}
	out := Apply(tbl, "r1", "c1", res)

	key := grid.CellKey("r1", "c1")
	if v, _ := out.Row("r1").Cell("c1"); v != "Acme Corp" {
		t.Errorf("cell = %#v", v)
	}
	if out.IsLoading(key) {
		t.Error("loading flag not cleared")
	}
	if len(out.Chunks[key]) != 1 {
		t.Errorf("chunks = %+v", out.Chunks[key])
	}
	g := out.GlobalRules[0].ResolvedEntities
	if len(g) != 1 || g[0].Source != (grid.EntitySource{Type: grid.SourceGlobal, ID: "g1"}) || g[0].CellKey != key {
		t.Errorf("global entities = %+v", g)
	}
	col := out.Column("c1").ResolvedEntities
	if len(col) != 1 || col[0].Source != (grid.EntitySource{Type: grid.SourceColumn, ID: "c1"}) {
		t.Errorf("column entities = %+v", col)
	}
	if col[0].EntityType != "Party" {
		t.Errorf("entity type = %q, want column's", col[0].EntityType)
	}

	// input untouched
	if !tbl.IsLoading(key) || len(tbl.GlobalRules[0].ResolvedEntities) != 0 {
		t.Error("Apply mutated its input")
	}
}

func TestPartitionExclusive(t *testing.T) {
	rules := testTable().GlobalRules
	cases := []grid.ResolvedEntity{
		{Original: grid.Text("ACME inc")},
		{Original: grid.Text("acme")},
		{Original: grid.Text("Globex")},
		{Original: grid.TextList()},
		{Original: grid.TextList("foo", "Acme")},
	}
	for _, e := range cases {
		global := 0
		column := 0
		if _, ok := Partition(e, rules); ok {
			global++
		} else {
			column++
		}
		if global+column != 1 {
			t.Errorf("entity %+v classified %d global, %d column", e, global, column)
		}
	}
	if _, ok := Partition(grid.ResolvedEntity{Original: grid.Text("Globex")}, rules); ok {
		t.Error("must_return rule options used for partitioning")
	}
}

func TestApplyIgnoresDeletedRow(t *testing.T) {
	tbl := testTable()
	tbl.LoadingCells[grid.CellKey("gone", "c1")] = true
	out := Apply(tbl, "gone", "c1", &answer.Result{Answer: "x"})
	if out.IsLoading(grid.CellKey("gone", "c1")) {
		t.Error("loading flag kept for deleted row")
	}
	if _, ok := out.Chunks[grid.CellKey("gone", "c1")]; ok {
		t.Error("chunks stored for deleted row")
	}
}

func TestPruneEntities(t *testing.T) {
	tbl := testTable()
	tbl = Apply(tbl, "r1", "c1", &answer.Result{Answer: "x", ResolvedEntities: []grid.ResolvedEntity{
		{Original: grid.Text("acme")}, {Original: grid.Text("other")},
	}})
	tbl.Column("c1").ResolvedEntities = append(tbl.Column("c1").ResolvedEntities,
		grid.ResolvedEntity{Original: grid.Text("kept"), CellKey: grid.CellKey("r2", "c1")})

	out := PruneEntities(tbl, []string{grid.CellKey("r1", "c1")})
	if n := len(out.GlobalRules[0].ResolvedEntities); n != 0 {
		t.Errorf("global entities left = %d", n)
	}
	col := out.Column("c1").ResolvedEntities
	if len(col) != 1 || col[0].Original.Joined() != "kept" {
		t.Errorf("column entities = %+v", col)
	}
	if len(tbl.Column("c1").ResolvedEntities) != 2 {
		t.Error("PruneEntities mutated its input")
	}
}
