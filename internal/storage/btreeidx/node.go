// Package btreeidx implements the B+-tree index used for primary and
// secondary keys. Node serialization is ported from the reference
// implementation's btree_index/btree_node.rs: [node_length:8][node_type:1]
// [items...][next_page_num:8], node_type 0=Internal/1=Leaf, next_page_num
// stored at the tail of the buffer. Keys are never VarChar (inserting one is
// a programmer error and panics), matching the original.
package btreeidx

import (
	"encoding/binary"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
)

type NodeType byte

const (
	TypeInternal NodeType = 0
	TypeLeaf     NodeType = 1
)

// IndexItem is one internal-node entry: key, child page.
type IndexItem struct {
	Key         dataitem.DataItem
	ChildPage   uint64
}

// LeafItem is one leaf-node entry: key, and the (page, offset) of the row.
type LeafItem struct {
	Key        dataitem.DataItem
	DataPage   uint64
	DataOffset uint64
}

// Node is the in-memory decoded form of one B+-tree page.
type Node struct {
	Type         NodeType
	InternalItems []IndexItem
	LeafItems     []LeafItem
	NextPage      uint64 // sibling pointer for leaves; unused (0) for internal nodes
}

func requireNonVarChar(k dataitem.DataItem) {
	if k.HasBody() {
		panic("btreeidx: VarChar values cannot be used as index keys")
	}
}

// SerializedSize returns the number of bytes Encode would produce.
func (n *Node) SerializedSize() int {
	size := 8 + 1 // node_length + node_type
	if n.Type == TypeInternal {
		for _, it := range n.InternalItems {
			size += it.Key.Size() + 8
		}
	} else {
		for _, it := range n.LeafItems {
			size += it.Key.Size() + 8 + 8
		}
	}
	size += 8 // next_page_num
	return size
}

// Encode writes the node into a page-sized buffer. page must be at least
// SerializedSize() bytes; unused tail bytes are left zeroed.
func (n *Node) Encode(page []byte) error {
	size := n.SerializedSize()
	if len(page) < size {
		return dberrors.New(dberrors.Internal, "btreeidx: page too small to encode node (%d < %d)", len(page), size)
	}
	off := 8
	page[off] = byte(n.Type)
	off++
	if n.Type == TypeInternal {
		for _, it := range n.InternalItems {
			requireNonVarChar(it.Key)
			if err := it.Key.MarshalHead(page[off:]); err != nil {
				return err
			}
			off += it.Key.Size()
			binary.LittleEndian.PutUint64(page[off:off+8], it.ChildPage)
			off += 8
		}
	} else {
		for _, it := range n.LeafItems {
			requireNonVarChar(it.Key)
			if err := it.Key.MarshalHead(page[off:]); err != nil {
				return err
			}
			off += it.Key.Size()
			binary.LittleEndian.PutUint64(page[off:off+8], it.DataPage)
			off += 8
			binary.LittleEndian.PutUint64(page[off:off+8], it.DataOffset)
			off += 8
		}
	}
	binary.LittleEndian.PutUint64(page[0:8], uint64(size))
	binary.LittleEndian.PutUint64(page[size-8:size], n.NextPage)
	return nil
}

// Decode parses a node previously written by Encode.
func Decode(page []byte) (*Node, error) {
	if len(page) < 17 {
		return nil, dberrors.New(dberrors.Storage, "btreeidx: page too small to decode")
	}
	length := binary.LittleEndian.Uint64(page[0:8])
	if length < 17 || int(length) > len(page) {
		return nil, dberrors.New(dberrors.Storage, "btreeidx: invalid node length %d", length)
	}
	nodeType := NodeType(page[8])
	nextPage := binary.LittleEndian.Uint64(page[length-8 : length])
	n := &Node{Type: nodeType, NextPage: nextPage}
	off := 9
	end := int(length) - 8
	for off < end {
		item, consumed, err := dataitem.UnmarshalHead(page[off:end])
		if err != nil {
			return nil, err
		}
		off += consumed
		switch nodeType {
		case TypeInternal:
			child := binary.LittleEndian.Uint64(page[off : off+8])
			off += 8
			n.InternalItems = append(n.InternalItems, IndexItem{Key: item, ChildPage: child})
		case TypeLeaf:
			dpage := binary.LittleEndian.Uint64(page[off : off+8])
			off += 8
			doff := binary.LittleEndian.Uint64(page[off : off+8])
			off += 8
			n.LeafItems = append(n.LeafItems, LeafItem{Key: item, DataPage: dpage, DataOffset: doff})
		default:
			return nil, dberrors.New(dberrors.Storage, "btreeidx: invalid node type byte %d", nodeType)
		}
	}
	return n, nil
}
