// Package alloc implements the two page-level allocators every table uses:
// a fixed-size entry-slot allocator (for rows and B+-tree nodes) and a
// variable-size heap allocator (for VarChar bodies). Both are ported from
// the reference implementation's storage/allocator/allocator.rs: the
// entries-per-page capacity formula, the free-page doubly-linked list, and
// the tail-only page truncation rule all match it exactly.
package alloc

import (
	"encoding/binary"
	"math/bits"

	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/consistent"
)

// entry page header layout: [next_free(8)][prev_free(8)][bitmap(ceil(n/8))]
const entryPageHeaderFixed = 16

// EntryAllocator hands out fixed-size S-byte slots. Its own metadata
// (EntrySize, EntriesPerPage, FirstFreePage) is persisted by the caller:
// internal/storage/table writes entry_size and entries_per_page into the
// table's page 0 right after the index directory, followed by
// FirstFreePage, and reads all three back on Open rather than recomputing
// them -- matching the original allocator's page-0 placement convention.
type EntryAllocator struct {
	Storage        *consistent.Storage
	PageSize       int
	EntrySize      int
	EntriesPerPage int
	FirstFreePage  uint64 // 0 = none; page 0 is reserved and never used as a data page
}

// NewEntryAllocator computes EntriesPerPage the same way the reference
// implementation does: grow the candidate count until the page would
// overflow, then back off by one.
func NewEntryAllocator(storage *consistent.Storage, pageSize, entrySize int) *EntryAllocator {
	n := 1
	for entryPageHeaderFixed+ceilDiv(n+1, 8)+(n+1)*entrySize <= pageSize {
		n++
	}
	return &EntryAllocator{Storage: storage, PageSize: pageSize, EntrySize: entrySize, EntriesPerPage: n}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func bitmapSize(n int) int { return ceilDiv(n, 8) }

func (a *EntryAllocator) entriesOffset() int {
	return entryPageHeaderFixed + bitmapSize(a.EntriesPerPage)
}

func (a *EntryAllocator) readHeader(p []byte) (next, prev uint64, bitmap []byte) {
	next = binary.LittleEndian.Uint64(p[0:8])
	prev = binary.LittleEndian.Uint64(p[8:16])
	bitmap = p[16 : 16+bitmapSize(a.EntriesPerPage)]
	return
}

func (a *EntryAllocator) writeLinks(p []byte, next, prev uint64) {
	binary.LittleEndian.PutUint64(p[0:8], next)
	binary.LittleEndian.PutUint64(p[8:16], prev)
}

func isAllOnes(bitmap []byte, n int) bool {
	full := n / 8
	for i := 0; i < full; i++ {
		if bitmap[i] != 0xFF {
			return false
		}
	}
	rem := n % 8
	if rem == 0 {
		return true
	}
	mask := byte(1<<rem) - 1
	return bitmap[full]&mask == mask
}

func isAllZero(bitmap []byte) bool {
	for _, b := range bitmap {
		if b != 0 {
			return false
		}
	}
	return true
}

func findZeroBit(bitmap []byte, n int) (int, bool) {
	for i, b := range bitmap {
		if b == 0xFF {
			continue
		}
		inv := ^b
		bitIdx := bits.TrailingZeros8(inv)
		pos := i*8 + bitIdx
		if pos < n {
			return pos, true
		}
	}
	return 0, false
}

func setBit(bitmap []byte, idx int, v bool) {
	byteIdx, bitIdx := idx/8, uint(idx%8)
	if v {
		bitmap[byteIdx] |= 1 << bitIdx
	} else {
		bitmap[byteIdx] &^= 1 << bitIdx
	}
}

func (a *EntryAllocator) newEntryPage(tnxID uint64) (uint64, error) {
	idx, p, err := a.Storage.NewPage(tnxID)
	if err != nil {
		return 0, err
	}
	buf := p.Clone()
	a.writeLinks(buf.Data, a.FirstFreePage, 0)
	if a.FirstFreePage != 0 {
		head, err := a.Storage.ReadPage(a.FirstFreePage)
		if err != nil {
			return 0, err
		}
		hbuf := head.Clone()
		binary.LittleEndian.PutUint64(hbuf.Data[8:16], idx)
		if err := a.Storage.Write(tnxID, a.FirstFreePage, hbuf); err != nil {
			return 0, err
		}
	}
	a.FirstFreePage = idx
	if err := a.Storage.Write(tnxID, idx, buf); err != nil {
		return 0, err
	}
	return idx, nil
}

func (a *EntryAllocator) unlinkFreePage(tnxID, idx uint64, p []byte) error {
	next, prev, _ := a.readHeader(p)
	if prev != 0 {
		prevPage, err := a.Storage.ReadPage(prev)
		if err != nil {
			return err
		}
		buf := prevPage.Clone()
		binary.LittleEndian.PutUint64(buf.Data[0:8], next)
		if err := a.Storage.Write(tnxID, prev, buf); err != nil {
			return err
		}
	} else {
		a.FirstFreePage = next
	}
	if next != 0 {
		nextPage, err := a.Storage.ReadPage(next)
		if err != nil {
			return err
		}
		buf := nextPage.Clone()
		binary.LittleEndian.PutUint64(buf.Data[8:16], prev)
		if err := a.Storage.Write(tnxID, next, buf); err != nil {
			return err
		}
	}
	return nil
}

func (a *EntryAllocator) delEntryPage(tnxID, idx uint64, p []byte) error {
	if err := a.unlinkFreePage(tnxID, idx, p); err != nil {
		return err
	}
	maxIdx, ok, err := a.Storage.MaxPageIndex()
	if err != nil {
		return err
	}
	if ok && maxIdx == idx {
		return a.Storage.FreePage(tnxID, idx)
	}
	return nil
}

// AllocEntry reserves one S-byte slot and returns (pageIdx, byteOffset).
func (a *EntryAllocator) AllocEntry(tnxID uint64) (uint64, int, error) {
	if a.FirstFreePage == 0 {
		if _, err := a.newEntryPage(tnxID); err != nil {
			return 0, 0, err
		}
	}
	pageIdx := a.FirstFreePage
	page, err := a.Storage.ReadPage(pageIdx)
	if err != nil {
		return 0, 0, err
	}
	buf := page.Clone()
	_, _, bitmap := a.readHeader(buf.Data)
	pos, found := findZeroBit(bitmap, a.EntriesPerPage)
	if !found {
		return 0, 0, dberrors.New(dberrors.Internal, "alloc: free-list page %d reports no free entry", pageIdx)
	}
	setBit(bitmap, pos, true)
	full := isAllOnes(bitmap, a.EntriesPerPage)
	if full {
		if err := a.unlinkFreePage(tnxID, pageIdx, buf.Data); err != nil {
			return 0, 0, err
		}
	}
	if err := a.Storage.Write(tnxID, pageIdx, buf); err != nil {
		return 0, 0, err
	}
	offset := a.entriesOffset() + pos*a.EntrySize
	return pageIdx, offset, nil
}

// FreeEntry releases the slot at (pageIdx, byteOffset).
func (a *EntryAllocator) FreeEntry(tnxID, pageIdx uint64, byteOffset int) error {
	pos := (byteOffset - a.entriesOffset()) / a.EntrySize
	page, err := a.Storage.ReadPage(pageIdx)
	if err != nil {
		return err
	}
	buf := page.Clone()
	next, prev, bitmap := a.readHeader(buf.Data)
	_ = next
	_ = prev
	wasFull := isAllOnes(bitmap, a.EntriesPerPage)
	setBit(bitmap, pos, false)
	if wasFull {
		a.writeLinks(buf.Data, a.FirstFreePage, 0)
		if a.FirstFreePage != 0 {
			head, err := a.Storage.ReadPage(a.FirstFreePage)
			if err != nil {
				return err
			}
			hbuf := head.Clone()
			binary.LittleEndian.PutUint64(hbuf.Data[8:16], pageIdx)
			if err := a.Storage.Write(tnxID, a.FirstFreePage, hbuf); err != nil {
				return err
			}
		}
		a.FirstFreePage = pageIdx
	}
	if err := a.Storage.Write(tnxID, pageIdx, buf); err != nil {
		return err
	}
	if isAllZero(bitmap) {
		refreshed, err := a.Storage.ReadPage(pageIdx)
		if err != nil {
			return err
		}
		return a.delEntryPage(tnxID, pageIdx, refreshed.Clone().Data)
	}
	return nil
}
