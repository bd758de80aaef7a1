package table

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/alloc"
	"github.com/relicio/rsqlcore/internal/storage/btreeidx"
	"github.com/relicio/rsqlcore/internal/storage/consistent"
	"github.com/relicio/rsqlcore/internal/storage/pager"
	"github.com/relicio/rsqlcore/internal/storage/wal"
)

const (
	headerMagic   uint32 = 0x4c515352 // "RSQL" little-endian
	headerVersion uint32 = 1
	// fixed portion before the index directory: magic(4) + version(4) + index_count(8)
	headerPreamble = 4 + 4 + 8
	// per-index directory record: column name (64 bytes, NUL-padded) + root page(8)
	indexRecordSize = 64 + 8
	// allocator metadata block, written immediately after the index
	// directory: entry_size(8) + entries_per_page(8) + entry_first_free_page(8)
	// + heap_first_free_page(8)
	allocMetaSize = 8 + 8 + 8 + 8
)

// openGuard mirrors the reference implementation's process-wide table guard
// (a static HashSet<u64> behind a mutex): a table file must never be opened
// twice concurrently in the same process, since two Table values would
// maintain independent, conflicting page caches over the same file.
var openGuard = struct {
	mu  sync.Mutex
	ids map[uint64]bool
}{ids: make(map[uint64]bool)}

func registerOpen(id uint64) {
	openGuard.mu.Lock()
	defer openGuard.mu.Unlock()
	if openGuard.ids[id] {
		panic(fmt.Sprintf("table: table %d already opened in this process", id))
	}
	openGuard.ids[id] = true
}

func unregisterOpen(id uint64) {
	openGuard.mu.Lock()
	defer openGuard.mu.Unlock()
	delete(openGuard.ids, id)
}

// Table is one open table file: its schema, its primary and secondary
// B+-tree indexes, and the row/VarChar-body allocators built on top of it.
// Page 0 holds the magic number, version, the index directory, the entry
// allocator's slot layout, and both allocators' free-list head pointers;
// every other page belongs to the entry allocator, the heap allocator, or a
// B+-tree index.
type Table struct {
	ID       uint64
	Schema   *Schema
	PageSize int

	storage *consistent.Storage
	file    *pager.PagedFile

	entries *alloc.EntryAllocator
	heap    *alloc.HeapAllocator
	indexes map[string]*btreeidx.Tree

	mu sync.Mutex
}

func tablePath(dbDir string, id uint64) string {
	return filepath.Join(dbDir, fmt.Sprintf("%d.dbt", id))
}

// Exists reports whether a table file for id already exists under dbDir, so
// callers (e.g. the system catalog bootstrap) can decide between Create and
// Open.
func Exists(dbDir string, id uint64) bool {
	_, err := os.Stat(tablePath(dbDir, id))
	return err == nil
}

// Create initializes a brand-new table file for id with schema, and an
// index (a B+-tree) for every column marked PK or Index.
func Create(tnxID, id uint64, schema *Schema, dbDir string, pageSize, cacheCapacity int, log *wal.Log) (*Table, error) {
	registerOpen(id)
	file, err := pager.OpenPagedFile(tablePath(dbDir, id), pageSize)
	if err != nil {
		unregisterOpen(id)
		return nil, err
	}
	cache := pager.NewCache(file, cacheCapacity)
	storage := consistent.New(id, file, cache, log)

	headerIdx, _, err := storage.NewPage(tnxID)
	if err != nil {
		unregisterOpen(id)
		return nil, err
	}
	if headerIdx != 0 {
		return nil, dberrors.New(dberrors.Internal, "table: first page of a new table file must be page 0, got %d", headerIdx)
	}

	entries := alloc.NewEntryAllocator(storage, pageSize, schema.RowSize())
	heap := alloc.NewHeapAllocator(storage, pageSize)
	indexes := make(map[string]*btreeidx.Tree)
	for _, col := range schema.IndexedColumns() {
		tree, err := btreeidx.Create(tnxID, storage, pageSize)
		if err != nil {
			return nil, err
		}
		indexes[col] = tree
	}

	t := &Table{ID: id, Schema: schema, PageSize: pageSize, storage: storage, file: file, entries: entries, heap: heap, indexes: indexes}
	if err := t.writeHeader(tnxID); err != nil {
		return nil, err
	}
	return t, nil
}

// Open reopens an existing table file, validating its header against schema.
func Open(id uint64, schema *Schema, dbDir string, pageSize, cacheCapacity int, log *wal.Log) (*Table, error) {
	registerOpen(id)
	file, err := pager.OpenPagedFile(tablePath(dbDir, id), pageSize)
	if err != nil {
		unregisterOpen(id)
		return nil, err
	}
	cache := pager.NewCache(file, cacheCapacity)
	storage := consistent.New(id, file, cache, log)

	if _, ok, err := storage.MaxPageIndex(); err != nil {
		return nil, err
	} else if !ok {
		return nil, dberrors.New(dberrors.Storage, "table: table %d file is empty, possibly corrupted", id)
	}
	header, err := storage.ReadPage(0)
	if err != nil {
		return nil, err
	}
	data := header.Data
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != headerMagic {
		return nil, dberrors.New(dberrors.Storage, "table: table %d has an invalid header magic number", id)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != headerVersion {
		return nil, dberrors.New(dberrors.Unsupported, "table: table %d has unsupported file version %d", id, version)
	}
	count := binary.LittleEndian.Uint64(data[8:16])

	indexes := make(map[string]*btreeidx.Tree, count)
	off := headerPreamble
	for i := uint64(0); i < count; i++ {
		name := trimNulString(data[off : off+64])
		root := binary.LittleEndian.Uint64(data[off+64 : off+72])
		indexes[name] = btreeidx.Open(storage, pageSize, root)
		off += indexRecordSize
	}
	if len(indexes) != len(schema.IndexedColumns()) {
		return nil, dberrors.New(dberrors.Storage, "table: index count in file (%d) does not match schema (%d) for table %d", len(indexes), len(schema.IndexedColumns()), id)
	}

	entrySize := binary.LittleEndian.Uint64(data[off : off+8])
	entriesPerPage := binary.LittleEndian.Uint64(data[off+8 : off+16])
	entryFirstFree := binary.LittleEndian.Uint64(data[off+16 : off+24])
	heapFirstFree := binary.LittleEndian.Uint64(data[off+24 : off+32])
	if int(entrySize) != schema.RowSize() {
		return nil, dberrors.New(dberrors.Storage, "table: table %d header entry size %d does not match schema row size %d", id, entrySize, schema.RowSize())
	}

	entries := &alloc.EntryAllocator{Storage: storage, PageSize: pageSize, EntrySize: int(entrySize), EntriesPerPage: int(entriesPerPage), FirstFreePage: entryFirstFree}
	heap := alloc.NewHeapAllocator(storage, pageSize)
	heap.FirstFreePage = heapFirstFree

	return &Table{ID: id, Schema: schema, PageSize: pageSize, storage: storage, file: file, entries: entries, heap: heap, indexes: indexes}, nil
}

// writeHeader persists the current index roots, the entry allocator's
// layout, and both allocators' free-list heads into page 0. Called after
// every mutation that might move one of them (a B+-tree split changing a
// root, an allocator consuming or freeing its last page). The allocator
// metadata block is written immediately after the index directory, matching
// the original allocator's page-0 placement convention.
func (t *Table) writeHeader(tnxID uint64) error {
	cols := t.Schema.IndexedColumns()
	size := headerPreamble + len(cols)*indexRecordSize + allocMetaSize
	if size > t.PageSize {
		return dberrors.New(dberrors.Internal, "table: index directory too large for page size")
	}
	buf := make([]byte, t.PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], headerVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(cols)))
	off := headerPreamble
	for _, col := range cols {
		var name [64]byte
		copy(name[:], col)
		copy(buf[off:off+64], name[:])
		binary.LittleEndian.PutUint64(buf[off+64:off+72], t.indexes[col].Root)
		off += indexRecordSize
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(t.entries.EntrySize))
	binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(t.entries.EntriesPerPage))
	binary.LittleEndian.PutUint64(buf[off+16:off+24], t.entries.FirstFreePage)
	binary.LittleEndian.PutUint64(buf[off+24:off+32], t.heap.FirstFreePage)
	page, err := t.storage.ReadPage(0)
	if err != nil {
		return err
	}
	clone := page.Clone()
	copy(clone.Data, buf)
	return t.storage.Write(tnxID, 0, clone)
}

func (t *Table) writeRow(tnxID, page uint64, offset int, row []dataitem.DataItem) error {
	p, err := t.storage.ReadPage(page)
	if err != nil {
		return err
	}
	buf := p.Clone()
	off := offset
	for _, item := range row {
		if err := item.MarshalHead(buf.Data[off:]); err != nil {
			return err
		}
		off += item.Size()
	}
	return t.storage.Write(tnxID, page, buf)
}

func (t *Table) readRow(page uint64, offset int) ([]dataitem.DataItem, error) {
	p, err := t.storage.ReadPage(page)
	if err != nil {
		return nil, err
	}
	row := make([]dataitem.DataItem, len(t.Schema.Columns))
	off := offset
	for i := range t.Schema.Columns {
		item, n, err := dataitem.UnmarshalHead(p.Data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		if item.Tag == dataitem.TagVarChar {
			body, err := t.readVarCharBody(item)
			if err != nil {
				return nil, err
			}
			item = item.AttachBody(body)
		}
		row[i] = item
	}
	return row, nil
}

func (t *Table) readVarCharBody(item dataitem.DataItem) ([]byte, error) {
	if item.VarCharHead.PagePtr == 0 {
		return nil, dberrors.New(dberrors.Storage, "table: varchar value has no allocated body page")
	}
	p, err := t.storage.ReadPage(item.VarCharHead.PagePtr)
	if err != nil {
		return nil, err
	}
	start := int(item.VarCharHead.Offset)
	end := start + int(item.VarCharHead.Len)
	return append([]byte(nil), p.Data[start:end]...), nil
}

func (t *Table) allocVarCharBodies(tnxID uint64, row []dataitem.DataItem) error {
	for i, col := range t.Schema.Columns {
		if col.Type.Kind != ColVarChar || row[i].IsNull() {
			continue
		}
		value := row[i].VarCharVal
		page, off, err := t.heap.Alloc(tnxID, len(value))
		if err != nil {
			return err
		}
		p, err := t.storage.ReadPage(page)
		if err != nil {
			return err
		}
		buf := p.Clone()
		copy(buf.Data[off:off+len(value)], value)
		if err := t.storage.Write(tnxID, page, buf); err != nil {
			return err
		}
		row[i].VarCharHead.PagePtr = page
		row[i].VarCharHead.Offset = uint64(off)
	}
	return nil
}

func (t *Table) freeVarCharBodies(tnxID uint64, row []dataitem.DataItem) error {
	for i, col := range t.Schema.Columns {
		if col.Type.Kind != ColVarChar || row[i].IsNull() {
			continue
		}
		if err := t.heap.Free(tnxID, row[i].VarCharHead.PagePtr, int(row[i].VarCharHead.Offset)); err != nil {
			return err
		}
	}
	return nil
}

// InsertRow validates row against the schema, rejects a duplicate primary
// key, writes it into a freshly allocated entry slot, and updates every
// index. A failure partway through (e.g. a duplicate secondary-index key)
// leaves partially-applied WAL-logged writes in place; the caller's
// surrounding transaction is expected to roll back on error, which is what
// undoes them (see internal/storage/txn) -- InsertRow does not attempt its
// own compensating undo.
func (t *Table) InsertRow(tnxID uint64, row []dataitem.DataItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.Schema.Satisfy(row); err != nil {
		return err
	}
	pkCol, ok := t.Schema.PKColumn()
	if !ok {
		return dberrors.New(dberrors.InvalidInput, "table: cannot insert into a table with no primary key")
	}
	pkIdx := t.Schema.ColumnIndex(pkCol.Name)
	if _, _, found, err := t.indexes[pkCol.Name].FindEntry(row[pkIdx]); err != nil {
		return err
	} else if found {
		return dberrors.New(dberrors.InvalidInput, "table: duplicate primary key value")
	}

	if err := t.allocVarCharBodies(tnxID, row); err != nil {
		return err
	}
	page, off, err := t.entries.AllocEntry(tnxID)
	if err != nil {
		return err
	}
	if err := t.writeRow(tnxID, page, off, row); err != nil {
		return err
	}
	for name, idx := range t.indexes {
		colIdx := t.Schema.ColumnIndex(name)
		if err := idx.Insert(tnxID, row[colIdx], page, uint64(off)); err != nil {
			return err
		}
	}
	return t.writeHeader(tnxID)
}

// DeleteRow removes the row identified by its primary key value.
func (t *Table) DeleteRow(tnxID uint64, pk dataitem.DataItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteRowLocked(tnxID, pk)
}

func (t *Table) deleteRowLocked(tnxID uint64, pk dataitem.DataItem) error {
	pkCol, ok := t.Schema.PKColumn()
	if !ok {
		return dberrors.New(dberrors.InvalidInput, "table: table has no primary key")
	}
	page, off, found, err := t.indexes[pkCol.Name].FindEntry(pk)
	if err != nil {
		return err
	}
	if !found {
		return dberrors.New(dberrors.NotFound, "table: no row with the given primary key")
	}
	row, err := t.readRow(page, int(off))
	if err != nil {
		return err
	}
	if err := t.freeVarCharBodies(tnxID, row); err != nil {
		return err
	}
	for name, idx := range t.indexes {
		colIdx := t.Schema.ColumnIndex(name)
		if err := idx.Delete(tnxID, row[colIdx]); err != nil {
			return err
		}
	}
	if err := t.entries.FreeEntry(tnxID, page, int(off)); err != nil {
		return err
	}
	return t.writeHeader(tnxID)
}

// UpdateRow replaces the row identified by pk with newRow, performed as a
// delete followed by an insert so that every index (primary and secondary)
// stays consistent even when newRow changes the primary key itself.
func (t *Table) UpdateRow(tnxID uint64, pk dataitem.DataItem, newRow []dataitem.DataItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.deleteRowLocked(tnxID, pk); err != nil {
		return err
	}
	if err := t.Schema.Satisfy(newRow); err != nil {
		return err
	}
	pkCol, _ := t.Schema.PKColumn()
	pkIdx := t.Schema.ColumnIndex(pkCol.Name)
	if _, _, found, err := t.indexes[pkCol.Name].FindEntry(newRow[pkIdx]); err != nil {
		return err
	} else if found {
		return dberrors.New(dberrors.InvalidInput, "table: duplicate primary key value")
	}
	if err := t.allocVarCharBodies(tnxID, newRow); err != nil {
		return err
	}
	page, off, err := t.entries.AllocEntry(tnxID)
	if err != nil {
		return err
	}
	if err := t.writeRow(tnxID, page, off, newRow); err != nil {
		return err
	}
	for name, idx := range t.indexes {
		colIdx := t.Schema.ColumnIndex(name)
		if err := idx.Insert(tnxID, newRow[colIdx], page, uint64(off)); err != nil {
			return err
		}
	}
	return t.writeHeader(tnxID)
}

// GetRowByPK looks up a row by its primary key value.
func (t *Table) GetRowByPK(pk dataitem.DataItem) ([]dataitem.DataItem, bool, error) {
	pkCol, ok := t.Schema.PKColumn()
	if !ok {
		return nil, false, dberrors.New(dberrors.InvalidInput, "table: table has no primary key")
	}
	return t.GetRowByIndexedCol(pkCol.Name, pk)
}

// GetRowByIndexedCol looks up a row by the value of one of its indexed
// columns (primary or secondary).
func (t *Table) GetRowByIndexedCol(colName string, value dataitem.DataItem) ([]dataitem.DataItem, bool, error) {
	idx, ok := t.indexes[colName]
	if !ok {
		return nil, false, dberrors.New(dberrors.InvalidInput, "table: column %q is not indexed", colName)
	}
	page, off, found, err := idx.FindEntry(value)
	if err != nil || !found {
		return nil, false, err
	}
	row, err := t.readRow(page, int(off))
	return row, err == nil, err
}

// GetRowsByRangeIndexedCol returns every row whose indexed column falls in
// [start, end] (either bound may be nil for an open range), in ascending
// key order.
func (t *Table) GetRowsByRangeIndexedCol(colName string, start, end *dataitem.DataItem) ([][]dataitem.DataItem, error) {
	idx, ok := t.indexes[colName]
	if !ok {
		return nil, dberrors.New(dberrors.InvalidInput, "table: column %q is not indexed", colName)
	}
	entries, err := idx.FindRangeEntry(start, end)
	if err != nil {
		return nil, err
	}
	rows := make([][]dataitem.DataItem, 0, len(entries))
	for _, e := range entries {
		row, err := t.readRow(e.DataPage, int(e.DataOffset))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetAllRows returns every row in the table in primary-key order.
func (t *Table) GetAllRows() ([][]dataitem.DataItem, error) {
	pkCol, ok := t.Schema.PKColumn()
	if !ok {
		return nil, dberrors.New(dberrors.InvalidInput, "table: table has no primary key, cannot scan all rows")
	}
	idx := t.indexes[pkCol.Name]
	entries, err := idx.TraverseAllEntries()
	if err != nil {
		return nil, err
	}
	rows := make([][]dataitem.DataItem, 0, len(entries))
	for _, e := range entries {
		row, err := t.readRow(e.DataPage, int(e.DataOffset))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// IndexedColumns returns the names of the table's indexed columns.
func (t *Table) IndexedColumns() []string {
	cols := make([]string, 0, len(t.indexes))
	for name := range t.indexes {
		cols = append(cols, name)
	}
	return cols
}

// Drop truncates the table file to nothing and removes it from the
// process-wide open-table guard. Matches the reference implementation's
// simplification of not deleting the underlying file.
func (t *Table) Drop(tnxID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	maxIdx, ok, err := t.storage.MaxPageIndex()
	if err != nil {
		return err
	}
	if ok {
		for i := maxIdx; ; i-- {
			if err := t.storage.FreePage(tnxID, i); err != nil {
				return err
			}
			if i == 0 {
				break
			}
		}
	}
	unregisterOpen(t.ID)
	return t.file.Close()
}

// Close releases the table's file handle without altering its contents.
func (t *Table) Close() error {
	unregisterOpen(t.ID)
	return t.file.Close()
}

// BeginTnx records that tnxID is about to touch this table, matching
// consistent.Storage.Begin. Callers that span several row operations under
// one tnxID (explicit SQL transactions) call this once up front so a table
// that ends up untouched by any write still has an (empty) undo record to
// forget or roll back.
func (t *Table) BeginTnx(tnxID uint64) { t.storage.Begin(tnxID) }

// CommitTnx discards tnxID's undo history, making its writes permanent from
// this table's point of view. The WAL record of the commit itself is the
// caller's responsibility (see internal/engine).
func (t *Table) CommitTnx(tnxID uint64) { t.storage.Forget(tnxID) }

// RollbackTnx undoes every write tnxID made to this table, in reverse order.
func (t *Table) RollbackTnx(tnxID uint64) error { return t.storage.Rollback(tnxID) }

// Sync fsyncs the table's underlying file, used by checkpointing.
func (t *Table) Sync() error { return t.storage.Sync() }

// Storage exposes the table's consistent.Storage so startup crash recovery
// can assemble a wal.PageSink (consistent.PagerFileSink) covering every
// table a recovered WAL record might reference.
func (t *Table) Storage() *consistent.Storage { return t.storage }
