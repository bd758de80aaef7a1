package btreeidx

import (
	"sort"

	"github.com/relicio/rsqlcore/internal/dataitem"
	"github.com/relicio/rsqlcore/internal/dberrors"
	"github.com/relicio/rsqlcore/internal/storage/consistent"
)

// Tree is a B+-tree index rooted at a page within one table's Storage. A
// node is split once its serialized size would exceed two-thirds of the
// page size, trading a little wasted space for fewer splits under bursty
// insert patterns.
type Tree struct {
	Storage  *consistent.Storage
	PageSize int
	Root     uint64
}

func (t *Tree) splitThreshold() int { return t.PageSize * 2 / 3 }

// Create initializes a brand-new, empty tree (a single empty leaf page) and
// returns the Tree positioned at its root.
func Create(tnxID uint64, storage *consistent.Storage, pageSize int) (*Tree, error) {
	idx, p, err := storage.NewPage(tnxID)
	if err != nil {
		return nil, err
	}
	n := &Node{Type: TypeLeaf}
	buf := p.Clone()
	if err := n.Encode(buf.Data); err != nil {
		return nil, err
	}
	if err := storage.Write(tnxID, idx, buf); err != nil {
		return nil, err
	}
	return &Tree{Storage: storage, PageSize: pageSize, Root: idx}, nil
}

// Open wraps an existing tree whose root is already at rootPage.
func Open(storage *consistent.Storage, pageSize int, rootPage uint64) *Tree {
	return &Tree{Storage: storage, PageSize: pageSize, Root: rootPage}
}

func (t *Tree) readNode(page uint64) (*Node, error) {
	p, err := t.Storage.ReadPage(page)
	if err != nil {
		return nil, err
	}
	return Decode(p.Data)
}

func (t *Tree) writeNode(tnxID, page uint64, n *Node) error {
	p, err := t.Storage.ReadPage(page)
	if err != nil {
		return err
	}
	buf := p.Clone()
	if n.SerializedSize() > len(buf.Data) {
		return dberrors.New(dberrors.Internal, "btreeidx: node exceeds page size")
	}
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	if err := n.Encode(buf.Data); err != nil {
		return err
	}
	return t.Storage.Write(tnxID, page, buf)
}

// findLeafPage walks down from the root to the leaf that would hold key.
// Traversal does not yet take the per-page latches exposed by
// pager.Cache.Latch; callers serialize concurrent tree mutations at the
// table's write lock instead (see internal/storage/txn), which is coarser
// than crab-latching but correct.
func (t *Tree) findLeafPage(key dataitem.DataItem) (uint64, error) {
	page := t.Root
	for {
		n, err := t.readNode(page)
		if err != nil {
			return 0, err
		}
		if n.Type == TypeLeaf {
			return page, nil
		}
		child := n.InternalItems[len(n.InternalItems)-1].ChildPage
		for _, it := range n.InternalItems {
			if dataitem.Compare(key, it.Key) <= 0 {
				child = it.ChildPage
				break
			}
		}
		page = child
	}
}

// FindEntry returns the (dataPage, dataOffset) for key, or ok=false if
// absent.
func (t *Tree) FindEntry(key dataitem.DataItem) (dataPage, dataOffset uint64, ok bool, err error) {
	leafPage, err := t.findLeafPage(key)
	if err != nil {
		return 0, 0, false, err
	}
	n, err := t.readNode(leafPage)
	if err != nil {
		return 0, 0, false, err
	}
	for _, it := range n.LeafItems {
		if dataitem.Compare(it.Key, key) == 0 {
			return it.DataPage, it.DataOffset, true, nil
		}
	}
	return 0, 0, false, nil
}

// Entry is one (key, dataPage, dataOffset) result from a scan.
type Entry struct {
	Key        dataitem.DataItem
	DataPage   uint64
	DataOffset uint64
}

// FindRangeEntry returns every entry with start <= key <= end, in ascending
// key order. Either bound may be nil for an open range. The scan walks the
// leaf sibling list starting from the first qualifying leaf, reading one leaf
// page at a time; it takes no page latches.
func (t *Tree) FindRangeEntry(start, end *dataitem.DataItem) ([]Entry, error) {
	var leafPage uint64
	var err error
	if start != nil {
		leafPage, err = t.findLeafPage(*start)
	} else {
		leafPage, err = t.leftmostLeaf()
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for leafPage != 0 {
		n, err := t.readNode(leafPage)
		if err != nil {
			return nil, err
		}
		for _, it := range n.LeafItems {
			if start != nil && dataitem.Compare(it.Key, *start) < 0 {
				continue
			}
			if end != nil && dataitem.Compare(it.Key, *end) > 0 {
				return out, nil
			}
			out = append(out, Entry{Key: it.Key, DataPage: it.DataPage, DataOffset: it.DataOffset})
		}
		leafPage = n.NextPage
	}
	return out, nil
}

// TraverseAllEntries returns every entry in ascending key order.
func (t *Tree) TraverseAllEntries() ([]Entry, error) {
	return t.FindRangeEntry(nil, nil)
}

func (t *Tree) leftmostLeaf() (uint64, error) {
	page := t.Root
	for {
		n, err := t.readNode(page)
		if err != nil {
			return 0, err
		}
		if n.Type == TypeLeaf {
			return page, nil
		}
		page = n.InternalItems[0].ChildPage
	}
}

// Insert adds (key, dataPage, dataOffset) to the tree, splitting leaves (and
// propagating splits up through internal nodes) as needed. Inserting a
// duplicate key is a caller error surfaced as InvalidInput.
func (t *Tree) Insert(tnxID uint64, key dataitem.DataItem, dataPage, dataOffset uint64) error {
	requireNonVarChar(key)
	split, err := t.insertPath(tnxID, t.Root, key, dataPage, dataOffset)
	if err != nil {
		return err
	}
	if split != nil {
		return t.newRoot(tnxID, split.separator, t.Root, split.rightPage)
	}
	return nil
}

// splitResult is returned up the recursion when a node had to split: the
// caller must insert (separator, rightPage) into its own node.
type splitResult struct {
	separator dataitem.DataItem
	rightPage uint64
}

// insertPath recurses to the correct leaf, inserting and splitting
// bottom-up; a non-nil splitResult tells the caller to insert a new
// separator entry for the page it just descended through.
func (t *Tree) insertPath(tnxID uint64, page uint64, key dataitem.DataItem, dataPage, dataOffset uint64) (*splitResult, error) {
	n, err := t.readNode(page)
	if err != nil {
		return nil, err
	}
	if n.Type == TypeLeaf {
		for _, it := range n.LeafItems {
			if dataitem.Compare(it.Key, key) == 0 {
				return nil, dberrors.New(dberrors.InvalidInput, "btreeidx: duplicate key insert")
			}
		}
		n.LeafItems = append(n.LeafItems, LeafItem{Key: key, DataPage: dataPage, DataOffset: dataOffset})
		sort.Slice(n.LeafItems, func(i, j int) bool { return dataitem.Compare(n.LeafItems[i].Key, n.LeafItems[j].Key) < 0 })
		if n.SerializedSize() <= t.splitThreshold() {
			return nil, t.writeNode(tnxID, page, n)
		}
		return t.splitLeaf(tnxID, page, n)
	}

	childIdx := len(n.InternalItems) - 1
	for i, it := range n.InternalItems {
		if dataitem.Compare(key, it.Key) <= 0 {
			childIdx = i
			break
		}
	}
	childPage := n.InternalItems[childIdx].ChildPage
	childSplit, err := t.insertPath(tnxID, childPage, key, dataPage, dataOffset)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	newItems := make([]IndexItem, 0, len(n.InternalItems)+1)
	newItems = append(newItems, n.InternalItems[:childIdx+1]...)
	newItems = append(newItems, IndexItem{Key: childSplit.separator, ChildPage: childSplit.rightPage})
	newItems = append(newItems, n.InternalItems[childIdx+1:]...)
	n.InternalItems = newItems
	if n.SerializedSize() <= t.splitThreshold() {
		return nil, t.writeNode(tnxID, page, n)
	}
	return t.splitInternal(tnxID, page, n)
}

func (t *Tree) splitLeaf(tnxID uint64, page uint64, n *Node) (*splitResult, error) {
	mid := len(n.LeafItems) / 2
	left := &Node{Type: TypeLeaf, LeafItems: append([]LeafItem(nil), n.LeafItems[:mid]...)}
	right := &Node{Type: TypeLeaf, LeafItems: append([]LeafItem(nil), n.LeafItems[mid:]...), NextPage: n.NextPage}

	rightPage, rp, err := t.Storage.NewPage(tnxID)
	if err != nil {
		return nil, err
	}
	rbuf := rp.Clone()
	if err := right.Encode(rbuf.Data); err != nil {
		return nil, err
	}
	if err := t.Storage.Write(tnxID, rightPage, rbuf); err != nil {
		return nil, err
	}
	left.NextPage = rightPage
	if err := t.writeNode(tnxID, page, left); err != nil {
		return nil, err
	}
	return &splitResult{separator: right.LeafItems[0].Key, rightPage: rightPage}, nil
}

// newRoot creates a fresh internal root with two children: the old root
// (now holding keys < separator) and newRightPage (keys >= separator).
func (t *Tree) newRoot(tnxID uint64, separator dataitem.DataItem, leftPage, rightPage uint64) error {
	newRootIdx, p, err := t.Storage.NewPage(tnxID)
	if err != nil {
		return err
	}
	root := &Node{Type: TypeInternal, InternalItems: []IndexItem{
		{Key: separator, ChildPage: leftPage},
		{Key: maxSentinel(separator), ChildPage: rightPage},
	}}
	buf := p.Clone()
	if err := root.Encode(buf.Data); err != nil {
		return err
	}
	if err := t.Storage.Write(tnxID, newRootIdx, buf); err != nil {
		return err
	}
	t.Root = newRootIdx
	return nil
}

// maxSentinel returns a key guaranteed to be >= any real key ever compared
// against it within the same comparison group, used as the separator for an
// internal node's right-most (catch-all) child entry.
func maxSentinel(sample dataitem.DataItem) dataitem.DataItem {
	switch sample.Tag {
	case dataitem.TagInteger, dataitem.TagNullInt:
		return dataitem.Integer(int64(^uint64(0) >> 1))
	case dataitem.TagFloat, dataitem.TagNullFloat:
		return dataitem.Float(1.0e308)
	case dataitem.TagBool, dataitem.TagNullBool:
		return dataitem.Boolean(true)
	case dataitem.TagChars, dataitem.TagNullChars:
		return dataitem.Chars(sample.CharsLen, string(rune(0x10FFFF)))
	default:
		return sample
	}
}

func (t *Tree) splitInternal(tnxID uint64, page uint64, n *Node) (*splitResult, error) {
	mid := len(n.InternalItems) / 2
	promoted := n.InternalItems[mid].Key
	left := &Node{Type: TypeInternal, InternalItems: append([]IndexItem(nil), n.InternalItems[:mid]...)}
	right := &Node{Type: TypeInternal, InternalItems: append([]IndexItem(nil), n.InternalItems[mid:]...)}

	rightPage, rp, err := t.Storage.NewPage(tnxID)
	if err != nil {
		return nil, err
	}
	rbuf := rp.Clone()
	if err := right.Encode(rbuf.Data); err != nil {
		return nil, err
	}
	if err := t.Storage.Write(tnxID, rightPage, rbuf); err != nil {
		return nil, err
	}
	if err := t.writeNode(tnxID, page, left); err != nil {
		return nil, err
	}
	return &splitResult{separator: promoted, rightPage: rightPage}, nil
}

// underflowThreshold is the serialized size below which a node is
// considered half-empty and a candidate for borrowing from a sibling or, if
// no sibling has anything to spare, merging into one. Half of
// splitThreshold, matching the "half-full" merge criterion.
func (t *Tree) underflowThreshold() int { return t.splitThreshold() / 2 }

// Delete removes key from the tree if present, then walks back up the
// descent path fixing any underflow the removal (or a child merge)
// leaves behind: borrow one item from a sibling when it has one to spare,
// otherwise merge the node into a sibling and drop the now-redundant
// separator from the parent, propagating the merge upward. If that leaves
// the root with a single child, the child becomes the new root and the
// tree shrinks by one level.
func (t *Tree) Delete(tnxID uint64, key dataitem.DataItem) error {
	requireNonVarChar(key)
	if _, err := t.deletePath(tnxID, t.Root, key); err != nil {
		return err
	}
	return t.collapseRootIfNeeded(tnxID)
}

// deletePath recurses to key's leaf, removes it, and on the way back up
// fixes any underflow left in the child it just returned from. It returns
// the (possibly rewritten) node at page so the caller can check its size
// without a redundant read.
func (t *Tree) deletePath(tnxID uint64, page uint64, key dataitem.DataItem) (*Node, error) {
	n, err := t.readNode(page)
	if err != nil {
		return nil, err
	}

	if n.Type == TypeLeaf {
		idx := -1
		for i, it := range n.LeafItems {
			if dataitem.Compare(it.Key, key) == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, dberrors.New(dberrors.NotFound, "btreeidx: key not found for delete")
		}
		n.LeafItems = append(n.LeafItems[:idx], n.LeafItems[idx+1:]...)
		if err := t.writeNode(tnxID, page, n); err != nil {
			return nil, err
		}
		return n, nil
	}

	childIdx := len(n.InternalItems) - 1
	for i, it := range n.InternalItems {
		if dataitem.Compare(key, it.Key) <= 0 {
			childIdx = i
			break
		}
	}
	child, err := t.deletePath(tnxID, n.InternalItems[childIdx].ChildPage, key)
	if err != nil {
		return nil, err
	}
	if child.SerializedSize() >= t.underflowThreshold() {
		return n, nil
	}
	return t.fixUnderflow(tnxID, page, n, childIdx, child)
}

// fixUnderflow repairs n's child at childIdx (known to be underflowing) by
// borrowing from an adjacent sibling or, failing that, merging with one.
func (t *Tree) fixUnderflow(tnxID uint64, page uint64, n *Node, childIdx int, child *Node) (*Node, error) {
	if child.Type == TypeLeaf {
		return t.fixLeafUnderflow(tnxID, page, n, childIdx, child)
	}
	return t.fixInternalUnderflow(tnxID, page, n, childIdx, child)
}

func leafItemSize(it LeafItem) int { return it.Key.Size() + 16 }

func (t *Tree) fixLeafUnderflow(tnxID uint64, page uint64, n *Node, childIdx int, child *Node) (*Node, error) {
	childPage := n.InternalItems[childIdx].ChildPage

	if childIdx+1 < len(n.InternalItems) {
		rightPage := n.InternalItems[childIdx+1].ChildPage
		right, err := t.readNode(rightPage)
		if err != nil {
			return nil, err
		}
		if len(right.LeafItems) > 1 && right.SerializedSize()-leafItemSize(right.LeafItems[0]) >= t.underflowThreshold() {
			child.LeafItems = append(child.LeafItems, right.LeafItems[0])
			right.LeafItems = right.LeafItems[1:]
			n.InternalItems[childIdx].Key = right.LeafItems[0].Key
			return n, t.writeThree(tnxID, page, n, childPage, child, rightPage, right)
		}
	}
	if childIdx > 0 {
		leftPage := n.InternalItems[childIdx-1].ChildPage
		left, err := t.readNode(leftPage)
		if err != nil {
			return nil, err
		}
		if len(left.LeafItems) > 1 && left.SerializedSize()-leafItemSize(left.LeafItems[len(left.LeafItems)-1]) >= t.underflowThreshold() {
			borrowed := left.LeafItems[len(left.LeafItems)-1]
			left.LeafItems = left.LeafItems[:len(left.LeafItems)-1]
			child.LeafItems = append([]LeafItem{borrowed}, child.LeafItems...)
			n.InternalItems[childIdx-1].Key = borrowed.Key
			return n, t.writeThree(tnxID, page, n, childPage, child, leftPage, left)
		}
	}

	// Neither sibling has anything to spare: merge. Merging always keeps the
	// physically lower-keyed page and absorbs the higher-keyed one into it,
	// so the leaf sibling chain only ever needs its NextPage pointer patched
	// on the surviving page, never retargeted from elsewhere.
	if childIdx+1 < len(n.InternalItems) {
		rightPage := n.InternalItems[childIdx+1].ChildPage
		right, err := t.readNode(rightPage)
		if err != nil {
			return nil, err
		}
		child.LeafItems = append(child.LeafItems, right.LeafItems...)
		child.NextPage = right.NextPage
		if err := t.writeNode(tnxID, childPage, child); err != nil {
			return nil, err
		}
		if err := t.Storage.FreePage(tnxID, rightPage); err != nil {
			return nil, err
		}
		n.InternalItems[childIdx].Key = n.InternalItems[childIdx+1].Key
		n.InternalItems = append(n.InternalItems[:childIdx+1], n.InternalItems[childIdx+2:]...)
		return n, t.writeNode(tnxID, page, n)
	}
	leftPage := n.InternalItems[childIdx-1].ChildPage
	left, err := t.readNode(leftPage)
	if err != nil {
		return nil, err
	}
	left.LeafItems = append(left.LeafItems, child.LeafItems...)
	left.NextPage = child.NextPage
	if err := t.writeNode(tnxID, leftPage, left); err != nil {
		return nil, err
	}
	if err := t.Storage.FreePage(tnxID, childPage); err != nil {
		return nil, err
	}
	n.InternalItems[childIdx-1].Key = n.InternalItems[childIdx].Key
	n.InternalItems = append(n.InternalItems[:childIdx], n.InternalItems[childIdx+1:]...)
	return n, t.writeNode(tnxID, page, n)
}

func internalItemSize(it IndexItem) int { return it.Key.Size() + 8 }

func (t *Tree) fixInternalUnderflow(tnxID uint64, page uint64, n *Node, childIdx int, child *Node) (*Node, error) {
	childPage := n.InternalItems[childIdx].ChildPage

	if childIdx+1 < len(n.InternalItems) {
		rightPage := n.InternalItems[childIdx+1].ChildPage
		right, err := t.readNode(rightPage)
		if err != nil {
			return nil, err
		}
		if len(right.InternalItems) > 1 && right.SerializedSize()-internalItemSize(right.InternalItems[0]) >= t.underflowThreshold() {
			child.InternalItems = append(child.InternalItems, right.InternalItems[0])
			right.InternalItems = right.InternalItems[1:]
			n.InternalItems[childIdx].Key = right.InternalItems[0].Key
			return n, t.writeThree(tnxID, page, n, childPage, child, rightPage, right)
		}
	}
	if childIdx > 0 {
		leftPage := n.InternalItems[childIdx-1].ChildPage
		left, err := t.readNode(leftPage)
		if err != nil {
			return nil, err
		}
		if len(left.InternalItems) > 1 && left.SerializedSize()-internalItemSize(left.InternalItems[len(left.InternalItems)-1]) >= t.underflowThreshold() {
			borrowed := left.InternalItems[len(left.InternalItems)-1]
			left.InternalItems = left.InternalItems[:len(left.InternalItems)-1]
			child.InternalItems = append([]IndexItem{borrowed}, child.InternalItems...)
			n.InternalItems[childIdx-1].Key = borrowed.Key
			return n, t.writeThree(tnxID, page, n, childPage, child, leftPage, left)
		}
	}

	if childIdx+1 < len(n.InternalItems) {
		rightPage := n.InternalItems[childIdx+1].ChildPage
		right, err := t.readNode(rightPage)
		if err != nil {
			return nil, err
		}
		child.InternalItems = append(child.InternalItems, right.InternalItems...)
		if err := t.writeNode(tnxID, childPage, child); err != nil {
			return nil, err
		}
		if err := t.Storage.FreePage(tnxID, rightPage); err != nil {
			return nil, err
		}
		n.InternalItems[childIdx].Key = n.InternalItems[childIdx+1].Key
		n.InternalItems = append(n.InternalItems[:childIdx+1], n.InternalItems[childIdx+2:]...)
		return n, t.writeNode(tnxID, page, n)
	}
	leftPage := n.InternalItems[childIdx-1].ChildPage
	left, err := t.readNode(leftPage)
	if err != nil {
		return nil, err
	}
	left.InternalItems = append(left.InternalItems, child.InternalItems...)
	if err := t.writeNode(tnxID, leftPage, left); err != nil {
		return nil, err
	}
	if err := t.Storage.FreePage(tnxID, childPage); err != nil {
		return nil, err
	}
	n.InternalItems[childIdx-1].Key = n.InternalItems[childIdx].Key
	n.InternalItems = append(n.InternalItems[:childIdx], n.InternalItems[childIdx+1:]...)
	return n, t.writeNode(tnxID, page, n)
}

// writeThree persists a parent and the two sibling pages a borrow moved an
// item between, in child-pages-first order so a crash between writes never
// leaves the parent pointing at a sibling pair whose item counts it hasn't
// accounted for yet.
func (t *Tree) writeThree(tnxID uint64, parentPage uint64, parent *Node, aPage uint64, a *Node, bPage uint64, b *Node) error {
	if err := t.writeNode(tnxID, aPage, a); err != nil {
		return err
	}
	if err := t.writeNode(tnxID, bPage, b); err != nil {
		return err
	}
	return t.writeNode(tnxID, parentPage, parent)
}

// collapseRootIfNeeded replaces the root with its only remaining child once
// enough merges have reduced it to a single entry, shrinking the tree by
// one level.
func (t *Tree) collapseRootIfNeeded(tnxID uint64) error {
	root, err := t.readNode(t.Root)
	if err != nil {
		return err
	}
	if root.Type != TypeInternal || len(root.InternalItems) != 1 {
		return nil
	}
	oldRoot := t.Root
	t.Root = root.InternalItems[0].ChildPage
	return t.Storage.FreePage(tnxID, oldRoot)
}
