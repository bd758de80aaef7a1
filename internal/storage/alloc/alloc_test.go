package alloc

import (
	"path/filepath"
	"testing"

	"github.com/relicio/rsqlcore/internal/storage/consistent"
	"github.com/relicio/rsqlcore/internal/storage/pager"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

func newTestStorage(t *testing.T) *consistent.Storage {
	t.Helper()
	dir := t.TempDir()
	pf, err := pager.OpenPagedFile(filepath.Join(dir, "t.dat"), pager.DefaultPageSize)
	if err != nil {
		t.Fatalf("OpenPagedFile: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	cache := pager.NewCache(pf, 16)
	log, err := wal.Open(filepath.Join(dir, "t.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return consistent.New(1, pf, cache, log)
}

func TestEntryAllocFreeRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	a := NewEntryAllocator(s, pager.DefaultPageSize, 32)
	if a.EntriesPerPage < 1 {
		t.Fatalf("expected at least one entry per page, got %d", a.EntriesPerPage)
	}

	var slots [][2]uint64
	for i := 0; i < a.EntriesPerPage+2; i++ {
		page, off, err := a.AllocEntry(1)
		if err != nil {
			t.Fatalf("AllocEntry #%d: %v", i, err)
		}
		slots = append(slots, [2]uint64{page, uint64(off)})
	}
	// slots must be unique
	seen := make(map[[2]uint64]bool)
	for _, s := range slots {
		if seen[s] {
			t.Fatalf("duplicate slot allocated: %v", s)
		}
		seen[s] = true
	}

	for _, sl := range slots {
		if err := a.FreeEntry(1, sl[0], int(sl[1])); err != nil {
			t.Fatalf("FreeEntry: %v", err)
		}
	}
}

func TestEntryAllocatorReusesFreedSlot(t *testing.T) {
	s := newTestStorage(t)
	a := NewEntryAllocator(s, pager.DefaultPageSize, 16)

	page, off, err := a.AllocEntry(1)
	if err != nil {
		t.Fatalf("AllocEntry: %v", err)
	}
	if err := a.FreeEntry(1, page, off); err != nil {
		t.Fatalf("FreeEntry: %v", err)
	}
	page2, off2, err := a.AllocEntry(1)
	if err != nil {
		t.Fatalf("AllocEntry after free: %v", err)
	}
	if page2 != page || off2 != off {
		t.Fatalf("expected freed slot (%d,%d) to be reused, got (%d,%d)", page, off, page2, off2)
	}
}

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	h := NewHeapAllocator(s, pager.DefaultPageSize)

	page, off, err := h.Alloc(1, 100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := h.Free(1, page, off); err != nil {
		t.Fatalf("Free: %v", err)
	}

	// Freeing the only chunk leaves the heap page fully free, so it is
	// dropped from the tail; a second same-size allocation recreates it and
	// lands at the same (page, offset).
	page2, off2, err := h.Alloc(1, 100)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if page2 != page || off2 != off {
		t.Fatalf("expected coalesced chunk to be reused at (%d,%d), got (%d,%d)", page, off, page2, off2)
	}
}

func TestHeapAllocatorMergesAdjacentFreeChunks(t *testing.T) {
	s := newTestStorage(t)
	h := NewHeapAllocator(s, pager.DefaultPageSize)

	p1, o1, err := h.Alloc(1, 50)
	if err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	p2, o2, err := h.Alloc(1, 50)
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected both small chunks on the same page")
	}
	if err := h.Free(1, p1, o1); err != nil {
		t.Fatalf("Free 1: %v", err)
	}
	if err := h.Free(1, p2, o2); err != nil {
		t.Fatalf("Free 2: %v", err)
	}
	// after freeing both adjacent chunks they coalesce with each other and the
	// page's remaining free space, leaving the page fully free; it is dropped
	// and recreated, so a larger allocation that fits in neither 50-byte chunk
	// starts again at the first chunk's (page, offset). Without coalescing it
	// would come from the free space after the second chunk instead.
	p3, o3, err := h.Alloc(1, 120)
	if err != nil {
		t.Fatalf("expected coalesced space to satisfy a larger allocation: %v", err)
	}
	if p3 != p1 || o3 != o1 {
		t.Fatalf("expected coalesced space to be reused at (%d,%d), got (%d,%d)", p1, o1, p3, o3)
	}
}

func TestHeapAllocRejectsOversizedRequest(t *testing.T) {
	s := newTestStorage(t)
	h := NewHeapAllocator(s, pager.DefaultPageSize)
	if _, _, err := h.Alloc(1, pager.DefaultPageSize); err == nil {
		t.Fatalf("expected an oversized allocation to be rejected")
	}
}
