package alloc

import (
	"encoding/binary"

	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/consistent"
	"github.com/relicio/rsqlcore/internal/storage/pager"
)

// heap page header: [prev_free(8)][next_free(8)][first_free_chunk_offset(8)]
const heapPageHeaderSize = 24

// heap chunk header: [size(8)][prev_free_chunk(8)][next_free_chunk(8)]
const heapChunkHeaderSize = 24

// HeapAllocator hands out variable-size byte ranges for VarChar bodies using
// first-fit search with same-page adjacent-chunk coalescing on free. Chunk
// merging never crosses a page boundary: no single allocation can span two
// pages, so a chunk's neighbors by byte-adjacency are always on the same
// page it lives on (this resolves the "heap chunk merge policy across page
// boundaries" question: there is no cross-page merge).
type HeapAllocator struct {
	Storage       *consistent.Storage
	PageSize      int
	FirstFreePage uint64
}

func NewHeapAllocator(storage *consistent.Storage, pageSize int) *HeapAllocator {
	return &HeapAllocator{Storage: storage, PageSize: pageSize}
}

func (h *HeapAllocator) usableSize() int { return h.PageSize - heapPageHeaderSize }

func readChunkHeader(p []byte, off int) (size int64, prev, next uint64) {
	size = int64(binary.LittleEndian.Uint64(p[off : off+8]))
	prev = binary.LittleEndian.Uint64(p[off+8 : off+16])
	next = binary.LittleEndian.Uint64(p[off+16 : off+24])
	return
}

func writeChunkHeader(p []byte, off int, size int64, prev, next uint64) {
	binary.LittleEndian.PutUint64(p[off:off+8], uint64(size))
	binary.LittleEndian.PutUint64(p[off+8:off+16], prev)
	binary.LittleEndian.PutUint64(p[off+16:off+24], next)
}

// A free chunk's size field is stored positive; an allocated chunk stores
// the negative of its size, so a scan can tell free from allocated without
// a separate bitmap.
func isFree(size int64) bool { return size > 0 }

func (h *HeapAllocator) newHeapPage(tnxID uint64) (uint64, error) {
	idx, p, err := h.Storage.NewPage(tnxID)
	if err != nil {
		return 0, err
	}
	buf := p.Clone()
	binary.LittleEndian.PutUint64(buf.Data[0:8], 0) // prev_free
	binary.LittleEndian.PutUint64(buf.Data[8:16], h.FirstFreePage)
	binary.LittleEndian.PutUint64(buf.Data[16:24], heapPageHeaderSize)
	chunkSize := int64(h.usableSize() - heapChunkHeaderSize)
	writeChunkHeader(buf.Data, heapPageHeaderSize, chunkSize, 0, 0)
	if h.FirstFreePage != 0 {
		head, err := h.Storage.ReadPage(h.FirstFreePage)
		if err != nil {
			return 0, err
		}
		hbuf := head.Clone()
		binary.LittleEndian.PutUint64(hbuf.Data[0:8], idx)
		if err := h.Storage.Write(tnxID, h.FirstFreePage, hbuf); err != nil {
			return 0, err
		}
	}
	h.FirstFreePage = idx
	if err := h.Storage.Write(tnxID, idx, buf); err != nil {
		return 0, err
	}
	return idx, nil
}

func (h *HeapAllocator) unlinkFreePage(tnxID, idx uint64, p []byte) error {
	prev := binary.LittleEndian.Uint64(p[0:8])
	next := binary.LittleEndian.Uint64(p[8:16])
	if prev != 0 {
		pp, err := h.Storage.ReadPage(prev)
		if err != nil {
			return err
		}
		buf := pp.Clone()
		binary.LittleEndian.PutUint64(buf.Data[8:16], next)
		if err := h.Storage.Write(tnxID, prev, buf); err != nil {
			return err
		}
	} else {
		h.FirstFreePage = next
	}
	if next != 0 {
		np, err := h.Storage.ReadPage(next)
		if err != nil {
			return err
		}
		buf := np.Clone()
		binary.LittleEndian.PutUint64(buf.Data[0:8], prev)
		if err := h.Storage.Write(tnxID, next, buf); err != nil {
			return err
		}
	}
	return nil
}

func (h *HeapAllocator) delHeapPage(tnxID, idx uint64, p []byte) error {
	if err := h.unlinkFreePage(tnxID, idx, p); err != nil {
		return err
	}
	maxIdx, ok, err := h.Storage.MaxPageIndex()
	if err != nil {
		return err
	}
	if ok && maxIdx == idx {
		return h.Storage.FreePage(tnxID, idx)
	}
	return nil
}

// Alloc reserves size bytes, returning (pageIdx, byteOffset to payload).
func (h *HeapAllocator) Alloc(tnxID uint64, size int) (uint64, int, error) {
	if size+heapChunkHeaderSize > h.usableSize() {
		return 0, 0, dberrors.New(dberrors.Alloc, "heap: requested size %d exceeds page capacity", size)
	}
	for {
		pageIdx := h.FirstFreePage
		for pageIdx != 0 {
			page, err := h.Storage.ReadPage(pageIdx)
			if err != nil {
				return 0, 0, err
			}
			buf := page.Clone()
			firstChunk := binary.LittleEndian.Uint64(buf.Data[16:24])
			off := int(firstChunk)
			for off != 0 {
				chunkSize, prev, next := readChunkHeader(buf.Data, off)
				if isFree(chunkSize) && chunkSize >= int64(size) {
					payloadOff, err := h.allocChunk(tnxID, pageIdx, buf, off, int(chunkSize), prev, next, size)
					if err != nil {
						return 0, 0, err
					}
					return pageIdx, payloadOff, nil
				}
				if next == 0 {
					break
				}
				off = int(next)
			}
			pageIdx = binary.LittleEndian.Uint64(buf.Data[8:16])
		}
		if _, err := h.newHeapPage(tnxID); err != nil {
			return 0, 0, err
		}
	}
}

func (h *HeapAllocator) allocChunk(tnxID, pageIdx uint64, buf *pager.Page, off int, chunkSize int, prev, next uint64, want int) (int, error) {
	remaining := chunkSize - want
	h.unlinkFreeChunk(buf.Data, off, prev, next)
	if remaining >= heapChunkHeaderSize+1 {
		newOff := off + heapChunkHeaderSize + want
		newSize := int64(remaining - heapChunkHeaderSize)
		writeChunkHeader(buf.Data, newOff, newSize, 0, 0)
		h.linkFreeChunk(buf.Data, newOff)
		writeChunkHeader(buf.Data, off, int64(-want), 0, 0)
	} else {
		writeChunkHeader(buf.Data, off, int64(-chunkSize), 0, 0)
	}
	full := binary.LittleEndian.Uint64(buf.Data[16:24]) == 0
	if full {
		if err := h.unlinkFreePage(tnxID, pageIdx, buf.Data); err != nil {
			return 0, err
		}
	}
	if err := h.Storage.Write(tnxID, pageIdx, buf); err != nil {
		return 0, err
	}
	return off + heapChunkHeaderSize, nil
}

// unlinkFreeChunk removes the chunk at off from its page's free list,
// patching neighbor pointers or the page's first-free-chunk pointer.
func (h *HeapAllocator) unlinkFreeChunk(p []byte, off int, prev, next uint64) {
	if prev != 0 {
		size, pp, _ := readChunkHeader(p, int(prev))
		writeChunkHeader(p, int(prev), size, pp, next)
	} else {
		binary.LittleEndian.PutUint64(p[16:24], next)
	}
	if next != 0 {
		size, _, nn := readChunkHeader(p, int(next))
		writeChunkHeader(p, int(next), size, prev, nn)
	}
}

// linkFreeChunk inserts the chunk at off as the new head of the page's free
// chunk list.
func (h *HeapAllocator) linkFreeChunk(p []byte, off int) {
	oldHead := binary.LittleEndian.Uint64(p[16:24])
	size, _, _ := readChunkHeader(p, off)
	writeChunkHeader(p, off, size, 0, oldHead)
	if oldHead != 0 {
		oSize, _, oNext := readChunkHeader(p, int(oldHead))
		writeChunkHeader(p, int(oldHead), oSize, uint64(off), oNext)
	}
	binary.LittleEndian.PutUint64(p[16:24], uint64(off))
}

// Free releases the chunk at (pageIdx, payloadOffset), coalescing with any
// immediately adjacent free chunk on the same page.
func (h *HeapAllocator) Free(tnxID, pageIdx uint64, payloadOffset int) error {
	off := payloadOffset - heapChunkHeaderSize
	page, err := h.Storage.ReadPage(pageIdx)
	if err != nil {
		return err
	}
	buf := page.Clone()
	size, _, _ := readChunkHeader(buf.Data, off)
	if isFree(size) {
		return dberrors.New(dberrors.Internal, "heap: double free at offset %d", off)
	}
	size = -size
	wasEmpty := binary.LittleEndian.Uint64(buf.Data[16:24]) == 0

	writeChunkHeader(buf.Data, off, size, 0, 0)
	h.linkFreeChunk(buf.Data, off)
	h.coalesce(buf.Data, off)

	if wasEmpty && h.FirstFreePage != pageIdx {
		binary.LittleEndian.PutUint64(buf.Data[8:16], h.FirstFreePage)
		if h.FirstFreePage != 0 {
			head, err := h.Storage.ReadPage(h.FirstFreePage)
			if err != nil {
				return err
			}
			hbuf := head.Clone()
			binary.LittleEndian.PutUint64(hbuf.Data[0:8], pageIdx)
			if err := h.Storage.Write(tnxID, h.FirstFreePage, hbuf); err != nil {
				return err
			}
		}
		h.FirstFreePage = pageIdx
	}

	if err := h.Storage.Write(tnxID, pageIdx, buf); err != nil {
		return err
	}

	if h.pageFullyFree(buf.Data) {
		refreshed, err := h.Storage.ReadPage(pageIdx)
		if err != nil {
			return err
		}
		return h.delHeapPage(tnxID, pageIdx, refreshed.Clone().Data)
	}
	return nil
}

// coalesce merges the free chunk at off with its immediately adjacent
// neighbors (preceding and following, by byte offset) on the same page,
// repeating until no further merge is possible. Heap pages hold few chunks
// in practice, so a linear scan for the preceding neighbor is acceptable.
func (h *HeapAllocator) coalesce(p []byte, off int) {
	for {
		size, prev, next := readChunkHeader(p, off)
		followingOff := off + heapChunkHeaderSize + int(size)
		merged := false
		if followingOff+heapChunkHeaderSize <= h.PageSize {
			fSize, fPrev, fNext := readChunkHeader(p, followingOff)
			if isFree(fSize) {
				h.unlinkFreeChunk(p, followingOff, fPrev, fNext)
				size, prev, next = readChunkHeader(p, off)
				newSize := size + int64(heapChunkHeaderSize) + fSize
				writeChunkHeader(p, off, newSize, prev, next)
				merged = true
			}
		}
		cur := binary.LittleEndian.Uint64(p[16:24])
		for cur != 0 {
			cSize, cPrev, cNext := readChunkHeader(p, int(cur))
			if int(cur)+heapChunkHeaderSize+int(cSize) == off {
				h.unlinkFreeChunk(p, off, prev, next)
				size, _, _ = readChunkHeader(p, off)
				newSize := cSize + int64(heapChunkHeaderSize) + size
				writeChunkHeader(p, int(cur), newSize, cPrev, cNext)
				off = int(cur)
				merged = true
				break
			}
			cur = cNext
		}
		if !merged {
			return
		}
	}
}

func (h *HeapAllocator) pageFullyFree(p []byte) bool {
	first := binary.LittleEndian.Uint64(p[16:24])
	if first == 0 {
		return false
	}
	size, _, next := readChunkHeader(p, int(first))
	return next == 0 && int(size) == h.usableSize()-heapChunkHeaderSize
}
