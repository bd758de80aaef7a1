// Package consistent wraps the page cache and WAL into a single write path
// that guarantees WAL-before-write: no dirty page reaches a data file before
// its WAL record is appended.
package consistent

import (
	"sync"

	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/pager"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

// Storage is the consistent-write boundary for exactly one table file. The
// engine keeps one Storage per open table (see internal/storage/table).
type Storage struct {
	TableID uint64

	file  *pager.PagedFile
	cache *pager.Cache
	log   *wal.Log

	mu      sync.Mutex
	pending map[uint64][]wal.Record // tnxID -> ops appended this transaction, for explicit ROLLBACK
}

// New wraps file/cache for tableID, logging through log.
func New(tableID uint64, file *pager.PagedFile, cache *pager.Cache, log *wal.Log) *Storage {
	return &Storage{TableID: tableID, file: file, cache: cache, log: log, pending: make(map[uint64][]wal.Record)}
}

func (s *Storage) track(tnxID uint64, r wal.Record) {
	s.mu.Lock()
	s.pending[tnxID] = append(s.pending[tnxID], r)
	s.mu.Unlock()
}

// Begin records that tnxID has started touching this table, so a later
// explicit Rollback knows what to undo even without re-reading the WAL.
func (s *Storage) Begin(tnxID uint64) {
	s.mu.Lock()
	if _, ok := s.pending[tnxID]; !ok {
		s.pending[tnxID] = nil
	}
	s.mu.Unlock()
}

// ReadPage returns the current content of a page through the cache.
func (s *Storage) ReadPage(idx uint64) (*pager.Page, error) {
	return s.cache.Get(idx)
}

// Write overwrites the page at idx, logging its prior bytes for undo before
// the new bytes are written through the cache.
func (s *Storage) Write(tnxID, idx uint64, newPage *pager.Page) error {
	old, err := s.cache.Get(idx)
	if err != nil {
		return err
	}
	rec := wal.Record{Op: wal.OpUpdatePage, TnxID: tnxID, TableID: s.TableID, PageID: idx, OldData: old.Clone().Data, NewData: newPage.Clone().Data}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.track(tnxID, rec)
	return s.cache.Put(idx, newPage)
}

// NewPage appends a fresh page to the file, logging its image after the
// append succeeds (an appended page cannot yet be referenced by anything
// else, so there is nothing to race).
func (s *Storage) NewPage(tnxID uint64) (uint64, *pager.Page, error) {
	idx, p, err := s.file.NewPage()
	if err != nil {
		return 0, nil, err
	}
	rec := wal.Record{Op: wal.OpNewPage, TnxID: tnxID, TableID: s.TableID, PageID: idx, Data: p.Clone().Data}
	if err := s.log.Append(rec); err != nil {
		return 0, nil, err
	}
	s.track(tnxID, rec)
	if err := s.cache.Put(idx, p); err != nil {
		return 0, nil, err
	}
	return idx, p, nil
}

// FreePage truncates the file by one page. idx must be the current tail
// (this engine never punches holes).
func (s *Storage) FreePage(tnxID, idx uint64) error {
	old, err := s.cache.Get(idx)
	if err != nil {
		return err
	}
	rec := wal.Record{Op: wal.OpDeletePage, TnxID: tnxID, TableID: s.TableID, PageID: idx, OldData: old.Clone().Data}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.track(tnxID, rec)
	freed, err := s.file.Free()
	if err != nil {
		return err
	}
	if freed != idx {
		return dberrors.New(dberrors.Internal, "consistent: free page index mismatch: freed %d, expected %d", freed, idx)
	}
	s.cache.Invalidate(idx)
	return nil
}

// MaxPageIndex delegates to the underlying file.
func (s *Storage) MaxPageIndex() (uint64, bool, error) { return s.file.MaxPageIndex() }

// Rollback undoes every operation this Storage recorded for tnxID, in
// reverse order, then forgets it. Used for explicit ROLLBACK; crash recovery
// instead goes through wal.Recover against the on-disk log.
func (s *Storage) Rollback(tnxID uint64) error {
	s.mu.Lock()
	ops := s.pending[tnxID]
	delete(s.pending, tnxID)
	s.mu.Unlock()

	for i := len(ops) - 1; i >= 0; i-- {
		r := ops[i]
		switch r.Op {
		case wal.OpUpdatePage:
			if err := s.cache.Put(r.PageID, &pager.Page{Data: r.OldData}); err != nil {
				return err
			}
		case wal.OpNewPage:
			freed, err := s.file.Free()
			if err != nil {
				return err
			}
			if freed != r.PageID {
				return dberrors.New(dberrors.Internal, "consistent: rollback free mismatch: freed %d, expected %d", freed, r.PageID)
			}
			s.cache.Invalidate(r.PageID)
		case wal.OpDeletePage:
			// Restoring a deleted page means re-appending it at the same
			// index; since deletes only ever happen at the tail, the next
			// NewPage call will hand back exactly this index.
			idx, p, err := s.file.NewPage()
			if err != nil {
				return err
			}
			if idx != r.PageID {
				return dberrors.New(dberrors.Internal, "consistent: rollback restore mismatch: got %d, expected %d", idx, r.PageID)
			}
			p.Data = r.OldData
			if err := s.cache.Put(idx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Forget discards tracked undo state for tnxID after a successful commit.
func (s *Storage) Forget(tnxID uint64) {
	s.mu.Lock()
	delete(s.pending, tnxID)
	s.mu.Unlock()
}

func (s *Storage) Sync() error { return s.file.Sync() }
func (s *Storage) Close() error { return s.file.Close() }

// PagerFileSink adapts a tableID -> *Storage map into a wal.PageSink for
// wal.Recover during startup crash recovery.
type PagerFileSink struct {
	Tables map[uint64]*Storage
}

func (ps PagerFileSink) Write(tableID, pageID uint64, data []byte) error {
	st, ok := ps.Tables[tableID]
	if !ok {
		return nil
	}
	return st.cache.Put(pageID, &pager.Page{Data: data})
}

func (ps PagerFileSink) Delete(tableID, pageID uint64) error {
	st, ok := ps.Tables[tableID]
	if !ok {
		return nil
	}
	freed, err := st.file.Free()
	if err != nil {
		return err
	}
	if freed == pageID {
		st.cache.Invalidate(pageID)
	}
	return nil
}
