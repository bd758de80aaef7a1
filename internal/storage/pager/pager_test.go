package pager

import (
	"path/filepath"
	"testing"
)

func TestNewPageAndReadWrite(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenPagedFile(filepath.Join(dir, "t.dat"), DefaultPageSize)
	if err != nil {
		t.Fatalf("OpenPagedFile: %v", err)
	}
	defer f.Close()

	idx, p, err := f.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected first page index 0, got %d", idx)
	}
	copy(p.Data, []byte("hello"))
	if err := f.WritePage(idx, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := f.ReadPage(idx)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if string(got.Data[:5]) != "hello" {
		t.Fatalf("round-trip mismatch: got %q", got.Data[:5])
	}
}

func TestFreeTruncatesTail(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenPagedFile(filepath.Join(dir, "t.dat"), DefaultPageSize)
	if err != nil {
		t.Fatalf("OpenPagedFile: %v", err)
	}
	defer f.Close()

	idx0, _, _ := f.NewPage()
	idx1, _, _ := f.NewPage()
	if idx1 != idx0+1 {
		t.Fatalf("expected sequential page indices")
	}
	freed, err := f.Free()
	if err != nil {
		t.Fatalf("Free: %v", err)
	}
	if freed != idx1 {
		t.Fatalf("expected Free to remove the tail page %d, got %d", idx1, freed)
	}
	maxIdx, ok, err := f.MaxPageIndex()
	if err != nil {
		t.Fatalf("MaxPageIndex: %v", err)
	}
	if !ok || maxIdx != idx0 {
		t.Fatalf("expected max index %d after truncation, got %d (ok=%v)", idx0, maxIdx, ok)
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenPagedFile(filepath.Join(dir, "t.dat"), DefaultPageSize)
	if err != nil {
		t.Fatalf("OpenPagedFile: %v", err)
	}
	defer f.Close()

	c := NewCache(f, 2)
	idxs := make([]uint64, 3)
	for i := range idxs {
		idx, p, err := f.NewPage()
		if err != nil {
			t.Fatalf("NewPage: %v", err)
		}
		if err := c.Put(idx, p); err != nil {
			t.Fatalf("Put: %v", err)
		}
		idxs[i] = idx
	}
	// capacity is 2, so the least-recently-used (idxs[0]) should have been
	// evicted from the cache -- Get still succeeds because it falls back to
	// disk, it's only the in-memory frame that's gone.
	if _, err := c.Get(idxs[0]); err != nil {
		t.Fatalf("Get after eviction should still read through to disk: %v", err)
	}
}
