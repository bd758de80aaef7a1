package table

import (
	"testing"

	"github.com/relicio/rsqlcore/internal/dataitem"
)

func sampleSchema(t *testing.T) *Schema {
	t.Helper()
	cols := []Column{
		{Name: "id", Type: ColType{Kind: ColInteger}, PK: true},
		{Name: "name", Type: ColType{Kind: ColChars, Size: 16}, Nullable: true},
		{Name: "bio", Type: ColType{Kind: ColVarChar, Size: 1024}, Nullable: true},
		{Name: "active", Type: ColType{Kind: ColBool}},
		{Name: "score", Type: ColType{Kind: ColFloat}, Index: true},
	}
	s, err := NewSchema(cols, 4096)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func TestSchemaIndexedColumnsIncludesPK(t *testing.T) {
	s := sampleSchema(t)
	idx := s.IndexedColumns()
	if len(idx) != 2 || idx[0] != "id" || idx[1] != "score" {
		t.Fatalf("unexpected indexed columns: %v", idx)
	}
}

func TestSchemaRejectsIndexedVarChar(t *testing.T) {
	cols := []Column{
		{Name: "id", Type: ColType{Kind: ColInteger}, PK: true},
		{Name: "v", Type: ColType{Kind: ColVarChar, Size: 10}, Index: true},
	}
	if _, err := NewSchema(cols, 4096); err == nil {
		t.Fatalf("expected error indexing a VarChar column")
	}
}

func TestSchemaRejectsOversizedVarChar(t *testing.T) {
	cols := []Column{
		{Name: "id", Type: ColType{Kind: ColInteger}, PK: true},
		{Name: "v", Type: ColType{Kind: ColVarChar, Size: 99999}},
	}
	if _, err := NewSchema(cols, 4096); err == nil {
		t.Fatalf("expected error for oversized varchar declaration")
	}
}

func TestSchemaMarshalUnmarshalRoundTrip(t *testing.T) {
	s := sampleSchema(t)
	buf := MarshalSchema(s)
	got, err := UnmarshalSchema(buf)
	if err != nil {
		t.Fatalf("UnmarshalSchema: %v", err)
	}
	if len(got.Columns) != len(s.Columns) {
		t.Fatalf("expected %d columns, got %d", len(s.Columns), len(got.Columns))
	}
	for i, c := range s.Columns {
		gc := got.Columns[i]
		if gc.Name != c.Name || gc.Type.Kind != c.Type.Kind || gc.Type.Size != c.Type.Size ||
			gc.PK != c.PK || gc.Nullable != c.Nullable || gc.Index != c.Index || gc.Unique != c.Unique {
			t.Fatalf("column %d mismatch: got %+v want %+v", i, gc, c)
		}
	}
}

func TestSchemaSatisfyRejectsWrongColumnCount(t *testing.T) {
	s := sampleSchema(t)
	row := []dataitem.DataItem{dataitem.Integer(1)}
	if err := s.Satisfy(row); err == nil {
		t.Fatalf("expected error for wrong column count")
	}
}

func TestSchemaSatisfyRejectsNullInNonNullable(t *testing.T) {
	s := sampleSchema(t)
	row := []dataitem.DataItem{
		dataitem.NullInt(),
		dataitem.NullChars(16),
		dataitem.NullVarChar(),
		dataitem.Boolean(true),
		dataitem.Float(1.0),
	}
	if err := s.Satisfy(row); err == nil {
		t.Fatalf("expected error for null id (non-nullable PK)")
	}
}

func TestSchemaSatisfyAcceptsWellFormedRow(t *testing.T) {
	s := sampleSchema(t)
	row := []dataitem.DataItem{
		dataitem.Integer(1),
		dataitem.Chars(16, "alice"),
		dataitem.VarChar(1024, "hello"),
		dataitem.Boolean(true),
		dataitem.Float(3.5),
	}
	if err := s.Satisfy(row); err != nil {
		t.Fatalf("Satisfy: %v", err)
	}
}

func TestSchemaRowSizeMatchesItemSizes(t *testing.T) {
	s := sampleSchema(t)
	sizes := s.RowItemSizes()
	total := 0
	for _, sz := range sizes {
		total += sz
	}
	if total != s.RowSize() {
		t.Fatalf("RowSize() = %d, sum of RowItemSizes() = %d", s.RowSize(), total)
	}
}
