// Package wal implements the physical write-ahead log: a single append-only
// file of length-prefixed, CRC-checked records used for crash recovery and
// transaction rollback.
//
// Record format and op-type byte values are ported from the reference
// implementation's wal_entry.rs: [total_size:8][op_type:1][payload][crc32:4],
// little-endian, CRC32 computed with the IEEE/zlib polynomial (0xEDB88320),
// matching crc32fast's default in the original Rust.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/relicio/rsqlcore/internal/dberrors"
)

type OpType byte

const (
	OpUpdatePage OpType = 0
	OpNewPage    OpType = 1
	OpDeletePage OpType = 2
	OpOpenTnx    OpType = 3
	OpCommitTnx  OpType = 4
	OpRollback   OpType = 5
	OpCheckpoint OpType = 6
)

// Record is one decoded WAL entry. Field use depends on Op.
type Record struct {
	Op            OpType
	TnxID         uint64
	TableID       uint64
	PageID        uint64
	Offset        uint64
	OldData       []byte
	NewData       []byte
	Data          []byte // NewPage/DeletePage full page image
	ActiveTnxIDs  []uint64
}

var crcTable = crc32.IEEETable

// Log is the append-only WAL file. All writers go through mu so record
// ordering in the file matches logical commit order.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens (creating if necessary) the WAL file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.Wal, err, "opening WAL file %s", path)
	}
	return &Log{f: f, path: path}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		return dberrors.Wrap(dberrors.Wal, err, "fsync WAL")
	}
	return nil
}

func lenPrefixed(buf []byte, data []byte) []byte {
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], uint64(len(data)))
	buf = append(buf, l[:]...)
	buf = append(buf, data...)
	return buf
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// encode serializes r into the on-disk record format.
func encode(r Record) []byte {
	buf := make([]byte, 8) // placeholder for total_size
	buf = append(buf, byte(r.Op))
	switch r.Op {
	case OpUpdatePage:
		buf = putU64(buf, r.TnxID)
		buf = putU64(buf, r.TableID)
		buf = putU64(buf, r.PageID)
		buf = putU64(buf, r.Offset)
		buf = lenPrefixed(buf, r.OldData)
		buf = lenPrefixed(buf, r.NewData)
	case OpNewPage:
		buf = putU64(buf, r.TnxID)
		buf = putU64(buf, r.TableID)
		buf = putU64(buf, r.PageID)
		buf = lenPrefixed(buf, r.Data)
	case OpDeletePage:
		buf = putU64(buf, r.TnxID)
		buf = putU64(buf, r.TableID)
		buf = putU64(buf, r.PageID)
		buf = lenPrefixed(buf, r.OldData)
	case OpOpenTnx, OpCommitTnx, OpRollback:
		buf = putU64(buf, r.TnxID)
	case OpCheckpoint:
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(r.ActiveTnxIDs)))
		buf = append(buf, n[:]...)
		for _, id := range r.ActiveTnxIDs {
			buf = putU64(buf, id)
		}
	}
	totalSize := len(buf) + 4 // + CRC
	binary.LittleEndian.PutUint64(buf[0:8], uint64(totalSize))
	crc := crc32.Checksum(buf, crcTable)
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], crc)
	buf = append(buf, c[:]...)
	return buf
}

// Append writes r to the end of the log.
func (l *Log) Append(r Record) error {
	buf := encode(r)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(buf); err != nil {
		return dberrors.Wrap(dberrors.Wal, err, "appending WAL record op=%d", r.Op)
	}
	return nil
}

// AppendSync is Append followed by an fsync, used for OpenTnx/CommitTnx so
// the transaction boundary is durable before the caller is told it succeeded.
func (l *Log) AppendSync(r Record) error {
	if err := l.Append(r); err != nil {
		return err
	}
	return l.Sync()
}

func readU64(b []byte, off int) (uint64, int) {
	return binary.LittleEndian.Uint64(b[off : off+8]), off + 8
}

// decode parses one record starting at buf[0:]. It returns the record, the
// number of bytes consumed, and ok. A torn tail or CRC mismatch is reported
// via ok=false (decode has no error result): matching the reference
// implementation, the caller must stop iterating at the first such record.
func decode(buf []byte) (rec Record, consumed int, ok bool) {
	if len(buf) < 8 {
		return Record{}, 0, false
	}
	totalSize, _ := readU64(buf, 0)
	if totalSize < 13 || uint64(len(buf)) < totalSize {
		return Record{}, 0, false
	}
	body := buf[:totalSize]
	crcField := body[totalSize-4:]
	gotCRC := binary.LittleEndian.Uint32(crcField)
	wantCRC := crc32.Checksum(body[:totalSize-4], crcTable)
	if gotCRC != wantCRC {
		return Record{}, 0, false
	}
	off := 8
	op := OpType(body[off])
	off++
	r := Record{Op: op}
	switch op {
	case OpUpdatePage:
		r.TnxID, off = readU64(body, off)
		r.TableID, off = readU64(body, off)
		r.PageID, off = readU64(body, off)
		r.Offset, off = readU64(body, off)
		var n uint64
		n, off = readU64(body, off)
		r.OldData = append([]byte(nil), body[off:off+int(n)]...)
		off += int(n)
		n, off = readU64(body, off)
		r.NewData = append([]byte(nil), body[off:off+int(n)]...)
		off += int(n)
	case OpNewPage:
		r.TnxID, off = readU64(body, off)
		r.TableID, off = readU64(body, off)
		r.PageID, off = readU64(body, off)
		var n uint64
		n, off = readU64(body, off)
		r.Data = append([]byte(nil), body[off:off+int(n)]...)
		off += int(n)
	case OpDeletePage:
		r.TnxID, off = readU64(body, off)
		r.TableID, off = readU64(body, off)
		r.PageID, off = readU64(body, off)
		var n uint64
		n, off = readU64(body, off)
		r.OldData = append([]byte(nil), body[off:off+int(n)]...)
		off += int(n)
	case OpOpenTnx, OpCommitTnx, OpRollback:
		r.TnxID, off = readU64(body, off)
	case OpCheckpoint:
		var n uint64
		n, off = readU64(body, off)
		ids := make([]uint64, n)
		for i := range ids {
			ids[i], off = readU64(body, off)
		}
		r.ActiveTnxIDs = ids
	default:
		return Record{}, 0, false
	}
	return r, int(totalSize), true
}

// ReadAll reads every well-formed record from the start of the log,
// stopping at the first torn or corrupt record (its bytes, and everything
// after, are treated as not present).
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Seek(0, 0); err != nil {
		return nil, dberrors.Wrap(dberrors.Wal, err, "seeking WAL")
	}
	data, err := readFileAll(l.f)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.Wal, err, "reading WAL")
	}
	var out []Record
	pos := 0
	for pos < len(data) {
		r, n, ok := decode(data[pos:])
		if !ok {
			break
		}
		out = append(out, r)
		pos += n
	}
	return out, nil
}

func readFileAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Truncate discards the entire log (used right after a checkpoint confirms
// every prior record is no longer needed for recovery).
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Truncate(0); err != nil {
		return dberrors.Wrap(dberrors.Wal, err, "truncating WAL")
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return dberrors.Wrap(dberrors.Wal, err, "seeking WAL after truncate")
	}
	return nil
}
