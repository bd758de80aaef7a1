package btreeidx

import (
	"path/filepath"
	"testing"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/storage/consistent"
	"github.com/relicio/rsqlcore/internal/storage/pager"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

const testPageSize = 256 // small page forces splits with few keys

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	pf, err := pager.OpenPagedFile(filepath.Join(dir, "t.dat"), testPageSize)
	if err != nil {
		t.Fatalf("OpenPagedFile: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	cache := pager.NewCache(pf, 64)
	log, err := wal.Open(filepath.Join(dir, "t.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	s := consistent.New(1, pf, cache, log)
	tree, err := Create(1, s, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tree
}

func TestInsertFindRoundTrip(t *testing.T) {
	tree := newTestTree(t)
	for i := int64(0); i < 5; i++ {
		if err := tree.Insert(1, dataitem.Integer(i), uint64(i), uint64(i*10)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := int64(0); i < 5; i++ {
		page, off, ok, err := tree.FindEntry(dataitem.Integer(i))
		if err != nil {
			t.Fatalf("FindEntry(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("expected key %d to be found", i)
		}
		if page != uint64(i) || off != uint64(i*10) {
			t.Fatalf("key %d: expected (%d,%d), got (%d,%d)", i, i, i*10, page, off)
		}
	}
}

func TestInsertDuplicateKeyErrors(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Insert(1, dataitem.Integer(1), 0, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(1, dataitem.Integer(1), 0, 0); err == nil {
		t.Fatalf("expected duplicate key insert to fail")
	}
}

func TestInsertManyKeysForcesSplitsAndStaysFindable(t *testing.T) {
	tree := newTestTree(t)
	const n = 200
	for i := int64(0); i < n; i++ {
		if err := tree.Insert(1, dataitem.Integer(i), uint64(i), 0); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if tree.Root == 0 {
		t.Fatalf("expected a valid root")
	}
	for i := int64(0); i < n; i++ {
		_, _, ok, err := tree.FindEntry(dataitem.Integer(i))
		if err != nil {
			t.Fatalf("FindEntry(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("key %d missing after splits", i)
		}
	}
	entries, err := tree.TraverseAllEntries()
	if err != nil {
		t.Fatalf("TraverseAllEntries: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries via full scan, got %d", n, len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if dataitem.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Fatalf("full scan not in ascending order at index %d", i)
		}
	}
}

func TestFindRangeEntry(t *testing.T) {
	tree := newTestTree(t)
	for i := int64(0); i < 50; i++ {
		if err := tree.Insert(1, dataitem.Integer(i), uint64(i), 0); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	start := dataitem.Integer(10)
	end := dataitem.Integer(20)
	got, err := tree.FindRangeEntry(&start, &end)
	if err != nil {
		t.Fatalf("FindRangeEntry: %v", err)
	}
	if len(got) != 11 {
		t.Fatalf("expected 11 entries in [10,20], got %d", len(got))
	}
	if dataitem.Compare(got[0].Key, start) != 0 {
		t.Fatalf("expected first entry to be the start bound")
	}
	if dataitem.Compare(got[len(got)-1].Key, end) != 0 {
		t.Fatalf("expected last entry to be the end bound")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t)
	for i := int64(0); i < 10; i++ {
		if err := tree.Insert(1, dataitem.Integer(i), uint64(i), 0); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tree.Delete(1, dataitem.Integer(5)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, _, ok, err := tree.FindEntry(dataitem.Integer(5))
	if err != nil {
		t.Fatalf("FindEntry: %v", err)
	}
	if ok {
		t.Fatalf("expected deleted key to be absent")
	}
	if err := tree.Delete(1, dataitem.Integer(5)); err == nil {
		t.Fatalf("expected deleting an absent key to error")
	}
}

// TestDeleteAcrossMultipleLeavesStaysFindable forces several splits (and
// therefore several leaves), deletes a large fraction of the keys -- enough
// to drive repeated borrow and merge passes -- and checks every surviving
// key is still reachable both by point lookup and by a full ascending scan.
func TestDeleteAcrossMultipleLeavesStaysFindable(t *testing.T) {
	tree := newTestTree(t)
	const n = 200
	for i := int64(0); i < n; i++ {
		if err := tree.Insert(1, dataitem.Integer(i), uint64(i), 0); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	deleted := make(map[int64]bool)
	for i := int64(0); i < n; i += 3 {
		if err := tree.Delete(1, dataitem.Integer(i)); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
		deleted[i] = true
	}

	for i := int64(0); i < n; i++ {
		_, _, ok, err := tree.FindEntry(dataitem.Integer(i))
		if err != nil {
			t.Fatalf("FindEntry(%d): %v", i, err)
		}
		if deleted[i] {
			if ok {
				t.Fatalf("key %d should have been deleted", i)
			}
			continue
		}
		if !ok {
			t.Fatalf("key %d missing after surrounding deletes", i)
		}
	}

	entries, err := tree.TraverseAllEntries()
	if err != nil {
		t.Fatalf("TraverseAllEntries: %v", err)
	}
	want := 0
	for i := int64(0); i < n; i++ {
		if !deleted[i] {
			want++
		}
	}
	if len(entries) != want {
		t.Fatalf("expected %d surviving entries, got %d", want, len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if dataitem.Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Fatalf("full scan not in ascending order at index %d", i)
		}
	}
}

// TestDeleteAllKeysCollapsesRootToLeaf drives every key out of a tree that
// has split into multiple levels and checks the root shrinks back down to a
// single, directly addressable leaf rather than being left as an internal
// node with too few children to be useful.
func TestDeleteAllKeysCollapsesRootToLeaf(t *testing.T) {
	tree := newTestTree(t)
	const n = 200
	for i := int64(0); i < n; i++ {
		if err := tree.Insert(1, dataitem.Integer(i), uint64(i), 0); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := int64(0); i < n; i++ {
		if err := tree.Delete(1, dataitem.Integer(i)); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}

	root, err := tree.readNode(tree.Root)
	if err != nil {
		t.Fatalf("readNode(root): %v", err)
	}
	if root.Type != TypeLeaf {
		t.Fatalf("expected the root to collapse back to a leaf, got type %v", root.Type)
	}
	if len(root.LeafItems) != 0 {
		t.Fatalf("expected an empty root leaf, got %d items", len(root.LeafItems))
	}

	entries, err := tree.TraverseAllEntries()
	if err != nil {
		t.Fatalf("TraverseAllEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries left, got %d", len(entries))
	}
}

func TestVarCharKeyPanics(t *testing.T) {
	tree := newTestTree(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected inserting a VarChar key to panic")
		}
	}()
	_ = tree.Insert(1, dataitem.VarChar(64, "oops"), 0, 0)
}
