// Package dataitem implements the tagged-value union that every stored row,
// index key, and index value is built from.
//
// Ported from the reference implementation's data_item.rs: tag byte values,
// comparison semantics (including the panic on cross-group comparison) and
// the on-disk size of every variant except VarChar are kept compatible with
// it. A VarChar head here is 33 bytes, 8 more than the reference's, because it
// also stores the body's offset within its heap page (see VarCharHead).
package dataitem

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/relicio/rsqlcore/internal/dberrors"
)

// Tag identifies a DataItem's variant on disk. Values 1-10 match the
// reference implementation exactly; they are a stable wire format.
type Tag byte

const (
	TagInteger Tag = 1
	TagFloat   Tag = 2
	TagChars   Tag = 3
	TagVarChar Tag = 4
	TagBool    Tag = 5

	TagNullInt     Tag = 6
	TagNullFloat   Tag = 7
	TagNullChars   Tag = 8
	TagNullVarChar Tag = 9
	TagNullBool    Tag = 10
)

// group classifies tags into the families that may be compared to one
// another; Null-Int and Int are in the same group, etc.
func (t Tag) group() int {
	switch t {
	case TagInteger, TagNullInt:
		return 0
	case TagFloat, TagNullFloat:
		return 1
	case TagChars, TagNullChars:
		return 2
	case TagVarChar, TagNullVarChar:
		return 3
	case TagBool, TagNullBool:
		return 4
	default:
		return -1
	}
}

func (t Tag) isNull() bool {
	switch t {
	case TagNullInt, TagNullFloat, TagNullChars, TagNullVarChar, TagNullBool:
		return true
	default:
		return false
	}
}

// VarCharHead is the inline head of a VarChar value: the declared maximum
// length, the actual length, and the (page, offset) location of the body in
// the table's heap. The reference implementation's VarCharHead carries only
// a page pointer, assuming one value per page; its own heap allocator
// (allocator.rs alloc_heap) hands out sub-page (page, offset) pairs, which a
// page-only pointer cannot address. This head adds the offset field the
// reference type is missing, rather than reproducing that inconsistency.
type VarCharHead struct {
	MaxLen  uint64
	Len     uint64
	PagePtr uint64 // page index; 0 = none.
	Offset  uint64 // byte offset of the body within PagePtr's page.
}

const varCharHeadSize = 32 // 8*4, see VarCharHead doc comment

// DataItem is the tagged union. Only the fields relevant to Tag are valid.
type DataItem struct {
	Tag Tag

	Int   int64
	Flt   float64
	B     bool
	Chars string // fixed-width logical value; NUL padding/trim applied at marshal boundaries
	// for Chars, CharsLen is the declared fixed size (used for Null placeholder marshaling)
	CharsLen uint64

	VarCharVal  string
	VarCharHead VarCharHead
}

func Integer(v int64) DataItem  { return DataItem{Tag: TagInteger, Int: v} }
func Float(v float64) DataItem  { return DataItem{Tag: TagFloat, Flt: v} }
func Boolean(v bool) DataItem   { return DataItem{Tag: TagBool, B: v} }
func NullInt() DataItem         { return DataItem{Tag: TagNullInt} }
func NullFloat() DataItem       { return DataItem{Tag: TagNullFloat} }
func NullBool() DataItem        { return DataItem{Tag: TagNullBool} }
func NullVarChar() DataItem     { return DataItem{Tag: TagNullVarChar} }
func NullChars(l uint64) DataItem {
	return DataItem{Tag: TagNullChars, CharsLen: l}
}

func Chars(fixedLen uint64, value string) DataItem {
	return DataItem{Tag: TagChars, CharsLen: fixedLen, Chars: value}
}

func VarChar(maxLen uint64, value string) DataItem {
	return DataItem{
		Tag:        TagVarChar,
		VarCharVal: value,
		VarCharHead: VarCharHead{
			MaxLen: maxLen,
			Len:    uint64(len(value)),
		},
	}
}

// IsNull reports whether this item is one of the Null* variants.
func (d DataItem) IsNull() bool { return d.Tag.isNull() }

// Size returns the on-disk size of the item's inline (head) representation,
// matching the reference implementation's size() for every variant except
// VarChar, whose head is 33 bytes here (see VarCharHead): 1 byte tag plus a
// fixed or variable payload. VarChar's body lives out-of-line in the heap and
// is not counted here.
func (d DataItem) Size() int {
	switch d.Tag {
	case TagInteger, TagFloat, TagNullInt, TagNullFloat:
		return 1 + 8
	case TagBool, TagNullBool:
		return 1 + 1
	case TagChars:
		return 1 + 8 + int(d.CharsLen)
	case TagNullChars:
		return 1 + 8 + int(d.CharsLen)
	case TagVarChar, TagNullVarChar:
		return 1 + varCharHeadSize
	default:
		return 1
	}
}

// HasBody reports whether the item has an out-of-line body (only VarChar).
func (d DataItem) HasBody() bool {
	return d.Tag == TagVarChar
}

// MarshalHead writes the item's inline representation (tag + fixed head)
// into buf, which must be at least Size() bytes. For Chars the logical value
// is NUL-padded out to CharsLen.
func (d DataItem) MarshalHead(buf []byte) error {
	if len(buf) < d.Size() {
		return dberrors.New(dberrors.Internal, "dataitem: buffer too small for marshal")
	}
	buf[0] = byte(d.Tag)
	switch d.Tag {
	case TagInteger:
		binary.LittleEndian.PutUint64(buf[1:9], uint64(d.Int))
	case TagFloat:
		binary.LittleEndian.PutUint64(buf[1:9], floatBits(d.Flt))
	case TagNullInt, TagNullFloat:
		binary.LittleEndian.PutUint64(buf[1:9], 0)
	case TagBool:
		if d.B {
			buf[1] = 1
		} else {
			buf[1] = 0
		}
	case TagNullBool:
		buf[1] = 0
	case TagChars, TagNullChars:
		binary.LittleEndian.PutUint64(buf[1:9], d.CharsLen)
		body := buf[9 : 9+int(d.CharsLen)]
		for i := range body {
			body[i] = 0
		}
		copy(body, d.Chars)
	case TagVarChar, TagNullVarChar:
		binary.LittleEndian.PutUint64(buf[1:9], d.VarCharHead.MaxLen)
		binary.LittleEndian.PutUint64(buf[9:17], d.VarCharHead.Len)
		binary.LittleEndian.PutUint64(buf[17:25], d.VarCharHead.PagePtr)
		binary.LittleEndian.PutUint64(buf[25:33], d.VarCharHead.Offset)
	default:
		return dberrors.New(dberrors.Internal, "dataitem: unknown tag %d", d.Tag)
	}
	return nil
}

// MarshalBody returns the VarChar out-of-line body bytes. It errors if the
// value has no allocated page pointer yet, matching the reference
// implementation's to_bytes() requirement that page_ptr be set and nonzero.
func (d DataItem) MarshalBody() ([]byte, error) {
	if d.Tag != TagVarChar {
		return nil, nil
	}
	if d.VarCharHead.PagePtr == 0 {
		return nil, dberrors.New(dberrors.Internal, "dataitem: varchar has no body page allocated")
	}
	return []byte(d.VarCharVal), nil
}

// UnmarshalHead reads the tag and fixed head from buf and returns the item
// together with the number of bytes consumed. For Chars/NullChars the body
// length is read from the 8-byte length field that follows the tag, so no
// schema information is needed.
func UnmarshalHead(buf []byte) (DataItem, int, error) {
	if len(buf) < 1 {
		return DataItem{}, 0, dberrors.New(dberrors.Internal, "dataitem: empty buffer")
	}
	tag := Tag(buf[0])
	switch tag {
	case TagInteger:
		if len(buf) < 9 {
			return DataItem{}, 0, shortBuf()
		}
		return DataItem{Tag: tag, Int: int64(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case TagNullInt:
		return DataItem{Tag: tag}, 9, nil
	case TagFloat:
		if len(buf) < 9 {
			return DataItem{}, 0, shortBuf()
		}
		return DataItem{Tag: tag, Flt: bitsFloat(binary.LittleEndian.Uint64(buf[1:9]))}, 9, nil
	case TagNullFloat:
		return DataItem{Tag: tag}, 9, nil
	case TagBool:
		if len(buf) < 2 {
			return DataItem{}, 0, shortBuf()
		}
		return DataItem{Tag: tag, B: buf[1] != 0}, 2, nil
	case TagNullBool:
		return DataItem{Tag: tag}, 2, nil
	case TagChars, TagNullChars:
		if len(buf) < 9 {
			return DataItem{}, 0, shortBuf()
		}
		l := binary.LittleEndian.Uint64(buf[1:9])
		total := 9 + int(l)
		if len(buf) < total {
			return DataItem{}, 0, shortBuf()
		}
		if tag == TagNullChars {
			return DataItem{Tag: tag, CharsLen: l}, total, nil
		}
		raw := string(buf[9:total])
		// Trailing-NUL trim: matches the reference implementation's
		// trim_matches('\0'), which cannot round-trip a value whose
		// logical content legitimately ends in NUL bytes.
		return DataItem{Tag: tag, CharsLen: l, Chars: strings.TrimRight(raw, "\x00")}, total, nil
	case TagVarChar, TagNullVarChar:
		if len(buf) < 33 {
			return DataItem{}, 0, shortBuf()
		}
		head := VarCharHead{
			MaxLen:  binary.LittleEndian.Uint64(buf[1:9]),
			Len:     binary.LittleEndian.Uint64(buf[9:17]),
			PagePtr: binary.LittleEndian.Uint64(buf[17:25]),
			Offset:  binary.LittleEndian.Uint64(buf[25:33]),
		}
		return DataItem{Tag: tag, VarCharHead: head}, 33, nil
	default:
		return DataItem{}, 0, dberrors.New(dberrors.Storage, "dataitem: invalid tag byte %d", buf[0])
	}
}

// AttachBody fills in VarCharVal for a VarChar item whose head was already
// parsed by UnmarshalHead, given its out-of-line body bytes.
func (d DataItem) AttachBody(body []byte) DataItem {
	if d.Tag == TagVarChar {
		d.VarCharVal = string(body[:d.VarCharHead.Len])
	}
	return d
}

func shortBuf() error {
	return dberrors.New(dberrors.Storage, "dataitem: buffer too short")
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }

// Compare orders two DataItems of the same comparison group. Null sorts
// below any non-null value of the same group; Null == Null is equal.
// Comparing items from different groups is a programmer error and panics,
// matching the reference implementation's PartialOrd impl.
func Compare(a, b DataItem) int {
	ga, gb := a.Tag.group(), b.Tag.group()
	if ga != gb || ga == -1 {
		panic("dataitem: cannot compare values of different type groups")
	}
	an, bn := a.IsNull(), b.IsNull()
	if an && bn {
		return 0
	}
	if an {
		return -1
	}
	if bn {
		return 1
	}
	switch ga {
	case 0:
		return cmpInt(a.Int, b.Int)
	case 1:
		return cmpFloat(a.Flt, b.Flt)
	case 2:
		return strings.Compare(a.Chars, b.Chars)
	case 3:
		return strings.Compare(a.VarCharVal, b.VarCharVal)
	case 4:
		return cmpBool(a.B, b.B)
	default:
		panic("dataitem: unreachable comparison group")
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}
