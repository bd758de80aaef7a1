// Package pager implements fixed-size paged file I/O with an LRU page
// cache. It deliberately does not stamp a generic per-page header/CRC the
// way a uniform page store would: this engine's page 0, entry pages, heap
// pages and B+-tree nodes each carry their own domain-specific header
// (see internal/storage/alloc and internal/storage/btreeidx), and the only
// CRC-checked format in this engine is the WAL record (internal/storage/wal).
package pager

import (
	"os"
	"sync"

	"github.com/relicio/rsqlcore/internal/dberrors"
)

const (
	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 65536
)

// Page is a single fixed-size page buffer.
type Page struct {
	Data []byte
}

// NewPage allocates a zeroed page buffer of the given size.
func NewPage(size int) *Page {
	return &Page{Data: make([]byte, size)}
}

// Clone returns a deep copy, used whenever a page's prior bytes must be
// preserved for WAL undo purposes before it is mutated in place.
func (p *Page) Clone() *Page {
	cp := make([]byte, len(p.Data))
	copy(cp, p.Data)
	return &Page{Data: cp}
}

// PagedFile is a single append/random-access file of fixed-size pages.
type PagedFile struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
}

// OpenPagedFile opens (creating if necessary) a paged file at path.
func OpenPagedFile(path string, pageSize int) (*PagedFile, error) {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return nil, dberrors.New(dberrors.InvalidInput, "pager: page size %d out of range", pageSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.Storage, err, "opening paged file %s", path)
	}
	return &PagedFile{f: f, pageSize: pageSize}, nil
}

func (pf *PagedFile) PageSize() int { return pf.pageSize }

// MaxPageIndex returns the highest valid page index and whether the file has
// any pages at all.
func (pf *PagedFile) MaxPageIndex() (uint64, bool, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	info, err := pf.f.Stat()
	if err != nil {
		return 0, false, dberrors.Wrap(dberrors.Storage, err, "stat paged file")
	}
	size := info.Size()
	if size < int64(pf.pageSize) {
		return 0, false, nil
	}
	n := size / int64(pf.pageSize)
	return uint64(n - 1), true, nil
}

// ReadPage reads the page at idx.
func (pf *PagedFile) ReadPage(idx uint64) (*Page, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	buf := make([]byte, pf.pageSize)
	off := int64(idx) * int64(pf.pageSize)
	n, err := pf.f.ReadAt(buf, off)
	if err != nil && n != pf.pageSize {
		return nil, dberrors.Wrap(dberrors.Storage, err, "reading page %d", idx)
	}
	return &Page{Data: buf}, nil
}

// WritePage writes p at idx. idx must already exist (use NewPage to append).
func (pf *PagedFile) WritePage(idx uint64, p *Page) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	off := int64(idx) * int64(pf.pageSize)
	if _, err := pf.f.WriteAt(p.Data, off); err != nil {
		return dberrors.Wrap(dberrors.Storage, err, "writing page %d", idx)
	}
	return nil
}

// NewPage appends a fresh zeroed page and returns its index.
func (pf *PagedFile) NewPage() (uint64, *Page, error) {
	pf.mu.Lock()
	info, err := pf.f.Stat()
	if err != nil {
		pf.mu.Unlock()
		return 0, nil, dberrors.Wrap(dberrors.Storage, err, "stat paged file")
	}
	idx := uint64(info.Size() / int64(pf.pageSize))
	p := NewPage(pf.pageSize)
	off := int64(idx) * int64(pf.pageSize)
	if _, err := pf.f.WriteAt(p.Data, off); err != nil {
		pf.mu.Unlock()
		return 0, nil, dberrors.Wrap(dberrors.Storage, err, "appending page %d", idx)
	}
	pf.mu.Unlock()
	return idx, p, nil
}

// Free truncates the file by exactly one page and returns the freed index.
// Callers must ensure idx passed to FreePage logic elsewhere equals this
// returned index (pages can only be freed from the tail).
func (pf *PagedFile) Free() (uint64, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	info, err := pf.f.Stat()
	if err != nil {
		return 0, dberrors.Wrap(dberrors.Storage, err, "stat paged file")
	}
	n := info.Size() / int64(pf.pageSize)
	if n == 0 {
		return 0, dberrors.New(dberrors.Storage, "pager: free on empty file")
	}
	idx := uint64(n - 1)
	if err := pf.f.Truncate(int64(idx) * int64(pf.pageSize)); err != nil {
		return 0, dberrors.Wrap(dberrors.Storage, err, "truncating paged file")
	}
	return idx, nil
}

func (pf *PagedFile) Sync() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.f.Sync(); err != nil {
		return dberrors.Wrap(dberrors.Storage, err, "fsync paged file")
	}
	return nil
}

func (pf *PagedFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.f.Close()
}
