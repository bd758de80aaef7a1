// Package table implements an open on-disk table: its schema, primary and
// secondary B+-tree indexes, and the row CRUD operations built on top of
// internal/storage/consistent, internal/storage/alloc and
// internal/storage/btreeidx. Schema (de)serialization is ported from the
// reference implementation's table_schema.rs.
package table

import (
	"encoding/binary"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
)

// ColKind identifies a column's storage type.
type ColKind byte

const (
	ColInteger ColKind = 0
	ColFloat   ColKind = 1
	ColChars   ColKind = 2
	ColVarChar ColKind = 3
	ColBool    ColKind = 4
)

// ColType is a column's data type plus its size parameter: the fixed length
// for Chars, the declared maximum length for VarChar, unused otherwise.
type ColType struct {
	Kind ColKind
	Size uint64
}

// Column describes one table column. Name is persisted NUL-padded to 64
// bytes, matching the reference implementation's on-disk layout.
type Column struct {
	Name     string
	Type     ColType
	PK       bool
	Nullable bool
	Index    bool
	Unique bool // accepted but not enforced, matching the reference implementation's TODO
}

// Schema is an ordered list of columns.
type Schema struct {
	Columns []Column
}

// columnRecordSize is the on-disk size of one column record: 64-byte name +
// 1-byte type + 8-byte extra + pk/nullable/unique/index flag bytes.
const columnRecordSize = 64 + 1 + 8 + 1 + 1 + 1 + 1

// NewSchema validates columns and returns a Schema. A VarChar column cannot
// be indexed (the B+-tree never accepts VarChar keys, see internal/storage/btreeidx),
// and a VarChar's declared max size cannot exceed maxVarCharSize.
func NewSchema(columns []Column, maxVarCharSize uint64) (*Schema, error) {
	for _, col := range columns {
		if col.Index && col.Type.Kind == ColVarChar {
			return nil, dberrors.New(dberrors.InvalidInput, "schema: VarChar column %q cannot be indexed", col.Name)
		}
		if col.Type.Kind == ColVarChar && col.Type.Size > maxVarCharSize {
			return nil, dberrors.New(dberrors.InvalidInput, "schema: VarChar column %q size %d exceeds max %d", col.Name, col.Type.Size, maxVarCharSize)
		}
		if len(col.Name) > 64 {
			return nil, dberrors.New(dberrors.InvalidInput, "schema: column name %q longer than 64 bytes", col.Name)
		}
	}
	return &Schema{Columns: columns}, nil
}

// PKColumn returns the schema's primary key column, if any.
func (s *Schema) PKColumn() (Column, bool) {
	for _, c := range s.Columns {
		if c.PK {
			return c, true
		}
	}
	return Column{}, false
}

// IndexedColumns returns the names of every column marked Index (PK columns
// always get an index too, see Table.Create).
func (s *Schema) IndexedColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Index || c.PK {
			out = append(out, c.Name)
		}
	}
	return out
}

// ColumnIndex returns the position of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// RowItemSizes returns the on-disk head size of each column's DataItem,
// matching dataitem.DataItem.Size() for a freshly-constructed value of that
// column's type. Summed, this is the fixed-width row size stored in entry
// pages.
func (s *Schema) RowItemSizes() []int {
	sizes := make([]int, len(s.Columns))
	for i, c := range s.Columns {
		switch c.Type.Kind {
		case ColInteger, ColFloat:
			sizes[i] = 9
		case ColBool:
			sizes[i] = 2
		case ColChars:
			sizes[i] = 9 + int(c.Type.Size)
		case ColVarChar:
			sizes[i] = 33
		}
	}
	return sizes
}

// RowSize returns the total fixed-width on-disk size of one row.
func (s *Schema) RowSize() int {
	total := 0
	for _, sz := range s.RowItemSizes() {
		total += sz
	}
	return total
}

// NullItem returns the Null* DataItem appropriate for column i, used to fill
// in unspecified columns on INSERT.
func (s *Schema) NullItem(i int) dataitem.DataItem {
	c := s.Columns[i]
	switch c.Type.Kind {
	case ColInteger:
		return dataitem.NullInt()
	case ColFloat:
		return dataitem.NullFloat()
	case ColChars:
		return dataitem.NullChars(c.Type.Size)
	case ColVarChar:
		return dataitem.NullVarChar()
	case ColBool:
		return dataitem.NullBool()
	default:
		return dataitem.NullInt()
	}
}

// Satisfy checks that row matches the schema: same column count, no nulls in
// non-nullable columns, and each value's tag/size agrees with its column's
// declared type.
func (s *Schema) Satisfy(row []dataitem.DataItem) error {
	if len(row) != len(s.Columns) {
		return dberrors.New(dberrors.InvalidInput, "schema: row has %d values, expected %d", len(row), len(s.Columns))
	}
	for i, col := range s.Columns {
		item := row[i]
		if item.IsNull() {
			if !col.Nullable {
				return dberrors.New(dberrors.InvalidInput, "schema: null value for non-nullable column %q", col.Name)
			}
			continue
		}
		switch col.Type.Kind {
		case ColInteger:
			if item.Tag != dataitem.TagInteger {
				return dberrors.New(dberrors.InvalidInput, "schema: expected Integer for column %q", col.Name)
			}
		case ColFloat:
			if item.Tag != dataitem.TagFloat {
				return dberrors.New(dberrors.InvalidInput, "schema: expected Float for column %q", col.Name)
			}
		case ColChars:
			if item.Tag != dataitem.TagChars {
				return dberrors.New(dberrors.InvalidInput, "schema: expected Chars for column %q", col.Name)
			}
			if item.CharsLen != col.Type.Size {
				return dberrors.New(dberrors.InvalidInput, "schema: expected Chars(%d) for column %q, got Chars(%d)", col.Type.Size, col.Name, item.CharsLen)
			}
			if uint64(len(item.Chars)) > col.Type.Size {
				return dberrors.New(dberrors.InvalidInput, "schema: value length %d exceeds size %d for column %q", len(item.Chars), col.Type.Size, col.Name)
			}
		case ColVarChar:
			if item.Tag != dataitem.TagVarChar {
				return dberrors.New(dberrors.InvalidInput, "schema: expected VarChar for column %q", col.Name)
			}
			if uint64(len(item.VarCharVal)) > col.Type.Size {
				return dberrors.New(dberrors.InvalidInput, "schema: value length %d exceeds max varchar size %d for column %q", len(item.VarCharVal), col.Type.Size, col.Name)
			}
		case ColBool:
			if item.Tag != dataitem.TagBool {
				return dberrors.New(dberrors.InvalidInput, "schema: expected Bool for column %q", col.Name)
			}
		}
	}
	return nil
}

// MarshalSchema encodes s as [schema_length:8][col record]*, one
// columnRecordSize-byte record per column.
func MarshalSchema(s *Schema) []byte {
	buf := make([]byte, 8+len(s.Columns)*columnRecordSize)
	off := 8
	for _, col := range s.Columns {
		var name [64]byte
		copy(name[:], col.Name)
		copy(buf[off:off+64], name[:])
		off += 64
		buf[off] = byte(col.Type.Kind)
		off++
		binary.LittleEndian.PutUint64(buf[off:off+8], col.Type.Size)
		off += 8
		buf[off] = boolByte(col.PK)
		off++
		buf[off] = boolByte(col.Nullable)
		off++
		buf[off] = boolByte(col.Unique)
		off++
		buf[off] = boolByte(col.Index)
		off++
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(buf)))
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// UnmarshalSchema parses a schema previously written by MarshalSchema.
func UnmarshalSchema(buf []byte) (*Schema, error) {
	if len(buf) < 8 {
		return nil, dberrors.New(dberrors.Storage, "schema: buffer too small")
	}
	length := binary.LittleEndian.Uint64(buf[0:8])
	if int(length) > len(buf) {
		return nil, dberrors.New(dberrors.Storage, "schema: declared length %d exceeds buffer", length)
	}
	var cols []Column
	off := 8
	for off+columnRecordSize <= int(length) {
		nameBytes := buf[off : off+64]
		name := trimNulString(nameBytes)
		off += 64
		kind := ColKind(buf[off])
		off++
		size := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		pk := buf[off] != 0
		off++
		nullable := buf[off] != 0
		off++
		unique := buf[off] != 0
		off++
		index := buf[off] != 0
		off++
		cols = append(cols, Column{
			Name:     name,
			Type:     ColType{Kind: kind, Size: size},
			PK:       pk,
			Nullable: nullable,
			Unique:   unique,
			Index:    index,
		})
	}
	return &Schema{Columns: cols}, nil
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
