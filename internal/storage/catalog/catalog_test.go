package catalog

import (
	"path/filepath"
	"testing"

	"github.com/relicio/rsqlcore/internal/storage/table"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

const testPageSize = 4096

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	log, err := wal.Open(filepath.Join(dir, "catalog.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	cat, err := Open(1, dir, testPageSize, 32, log, 64, 64, 64, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func userSchema(t *testing.T) *table.Schema {
	t.Helper()
	s, err := table.NewSchema([]table.Column{
		{Name: "id", Type: table.ColType{Kind: table.ColInteger}, PK: true},
		{Name: "email", Type: table.ColType{Kind: table.ColVarChar, Size: 256}, Nullable: true},
	}, 4096)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func TestRegisterTableAssignsIDsFromFour(t *testing.T) {
	cat := newTestCatalog(t)
	id, err := cat.RegisterTable(1, "users", userSchema(t), 1000)
	if err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if id != FirstUserTableID {
		t.Fatalf("expected first user table id %d, got %d", FirstUserTableID, id)
	}
	id2, err := cat.RegisterTable(1, "orders", userSchema(t), 1001)
	if err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if id2 != FirstUserTableID+1 {
		t.Fatalf("expected second user table id %d, got %d", FirstUserTableID+1, id2)
	}
}

func TestRegisterTableRejectsDuplicateName(t *testing.T) {
	cat := newTestCatalog(t)
	if _, err := cat.RegisterTable(1, "users", userSchema(t), 1000); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	if _, err := cat.RegisterTable(1, "users", userSchema(t), 1000); err == nil {
		t.Fatalf("expected duplicate table name to error")
	}
}

func TestGetTableIDAndName(t *testing.T) {
	cat := newTestCatalog(t)
	id, err := cat.RegisterTable(1, "users", userSchema(t), 1000)
	if err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	gotID, ok, err := cat.GetTableID("users")
	if err != nil || !ok || gotID != id {
		t.Fatalf("GetTableID: gotID=%d ok=%v err=%v want=%d", gotID, ok, err, id)
	}
	gotName, ok, err := cat.GetTableName(id)
	if err != nil || !ok || gotName != "users" {
		t.Fatalf("GetTableName: gotName=%q ok=%v err=%v", gotName, ok, err)
	}
}

func TestGetTableSchemaRoundTrip(t *testing.T) {
	cat := newTestCatalog(t)
	schema := userSchema(t)
	id, err := cat.RegisterTable(1, "users", schema, 1000)
	if err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	got, ok, err := cat.GetTableSchema(id)
	if err != nil {
		t.Fatalf("GetTableSchema: %v", err)
	}
	if !ok {
		t.Fatalf("expected schema to be found")
	}
	if len(got.Columns) != len(schema.Columns) {
		t.Fatalf("expected %d columns, got %d", len(schema.Columns), len(got.Columns))
	}
	for i, c := range schema.Columns {
		gc := got.Columns[i]
		if gc.Name != c.Name || gc.Type.Kind != c.Type.Kind || gc.Type.Size != c.Type.Size || gc.PK != c.PK {
			t.Fatalf("column %d mismatch: got %+v want %+v", i, gc, c)
		}
	}
}

func TestGetTableSchemaMissingReturnsNotFound(t *testing.T) {
	cat := newTestCatalog(t)
	_, ok, err := cat.GetTableSchema(999)
	if err != nil {
		t.Fatalf("GetTableSchema: %v", err)
	}
	if ok {
		t.Fatalf("expected not found for unregistered table id")
	}
}

func TestCreateUserAndValidate(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateUser(1, "alice", "hunter2", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	ok, err := cat.ValidateUser("alice", "hunter2")
	if err != nil || !ok {
		t.Fatalf("expected valid credentials, ok=%v err=%v", ok, err)
	}
	ok, err = cat.ValidateUser("alice", "wrong")
	if err != nil || ok {
		t.Fatalf("expected invalid credentials to be rejected, ok=%v err=%v", ok, err)
	}
	ok, err = cat.ValidateUser("nobody", "whatever")
	if err != nil || ok {
		t.Fatalf("expected unknown user to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestIsAdmin(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateUser(1, "root", "pw", true); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := cat.CreateUser(1, "bob", "pw", false); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	admin, err := cat.IsAdmin("root")
	if err != nil || !admin {
		t.Fatalf("expected root to be admin, admin=%v err=%v", admin, err)
	}
	admin, err = cat.IsAdmin("bob")
	if err != nil || admin {
		t.Fatalf("expected bob to not be admin, admin=%v err=%v", admin, err)
	}
}

func TestNextSequenceValueIncrements(t *testing.T) {
	cat := newTestCatalog(t)
	first, err := cat.NextSequenceValue(1, "orders_id")
	if err != nil {
		t.Fatalf("NextSequenceValue: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first sequence value 1, got %d", first)
	}
	second, err := cat.NextSequenceValue(1, "orders_id")
	if err != nil {
		t.Fatalf("NextSequenceValue: %v", err)
	}
	if second != 2 {
		t.Fatalf("expected second sequence value 2, got %d", second)
	}
}
