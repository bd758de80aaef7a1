package consistent

import (
	"path/filepath"
	"testing"

	"github.com/relicio/rsqlcore/internal/storage/pager"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

func newTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()
	dir := t.TempDir()
	pf, err := pager.OpenPagedFile(filepath.Join(dir, "t.dat"), pager.DefaultPageSize)
	if err != nil {
		t.Fatalf("OpenPagedFile: %v", err)
	}
	cache := pager.NewCache(pf, 16)
	log, err := wal.Open(filepath.Join(dir, "t.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	s := New(1, pf, cache, log)
	return s, func() {
		log.Close()
		pf.Close()
	}
}

func TestWriteIsUndoneByRollback(t *testing.T) {
	s, closeFn := newTestStorage(t)
	defer closeFn()

	idx, p, err := s.NewPage(1)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	copy(p.Data, []byte("original"))
	if err := s.Write(1, idx, p); err != nil {
		t.Fatalf("Write: %v", err)
	}

	updated := p.Clone()
	copy(updated.Data, []byte("modified"))
	if err := s.Write(1, idx, updated); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.Rollback(1); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := s.ReadPage(idx)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if string(got.Data[:8]) != "original" {
		t.Fatalf("expected rollback to restore prior content, got %q", got.Data[:8])
	}
}

func TestNewPageIsFreedByRollback(t *testing.T) {
	s, closeFn := newTestStorage(t)
	defer closeFn()

	idx, _, err := s.NewPage(1)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	if err := s.Rollback(1); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	maxIdx, ok, err := s.MaxPageIndex()
	if err != nil {
		t.Fatalf("MaxPageIndex: %v", err)
	}
	if ok && maxIdx >= idx {
		t.Fatalf("expected the allocated page to be freed by rollback")
	}
}

func TestForgetDropsUndoState(t *testing.T) {
	s, closeFn := newTestStorage(t)
	defer closeFn()

	idx, p, err := s.NewPage(1)
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	copy(p.Data, []byte("committed"))
	if err := s.Write(1, idx, p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Forget(1)

	// Rollback after Forget should be a no-op: there is nothing tracked.
	if err := s.Rollback(1); err != nil {
		t.Fatalf("Rollback after Forget: %v", err)
	}
	got, err := s.ReadPage(idx)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if string(got.Data[:9]) != "committed" {
		t.Fatalf("expected committed content to survive a post-Forget rollback, got %q", got.Data[:9])
	}
}
