package pager

import (
	"bytes"
	"encoding/binary"

	"github.com/kestrel-db/kestrel/internal/dberr"
)

// BTree on-disk format
//
// Both leaf and internal pages are slotted pages (slotted.go) whose content
// area starts at offset 24 instead of 16: bytes [16:24] hold a single
// PageID pointer reused for two different purposes depending on page type:
//   - Internal page: the "first child", i.e. the subtree for keys less
//     than the page's first separator key.
//   - Leaf page: the right-sibling pointer, for ordered range scans.
//
// Internal slot entry: [keyLen u16][key][childPageID u64] — childPageID is
// the subtree holding keys in [this key, next key).
//
// Leaf slot entry: [keyLen u16][key][flag u8][...]
//   flag 0: valLen u32 + value bytes, stored inline.
//   flag 1: overflow head PageID u64 + total value size u32.
//
// Split policy: internal nodes split 50/50; leaves split 75/25 (right-
// heavy) to favor append-mostly workloads. Deletes lazily merge a
// now-under-one-third-full leaf with its right sibling on the next
// structural traversal that visits it, rather than eagerly rebalancing.

const btreeExtraOff = PageHeaderSize // 16, holds one PageID (8 bytes)
const btreeContentStart = btreeExtraOff + 8

// NewLeafRootPage allocates a zeroed, initialized empty leaf page buffer
// suitable as a brand-new table or index B-tree's root.
func NewLeafRootPage(pageSize int) []byte {
	buf := make([]byte, pageSize)
	initBTreePage(buf, true)
	return buf
}

func isLeafPage(buf []byte) bool { return readHeader(buf).Type == PageTypeLeaf }

func initBTreePage(buf []byte, leaf bool) {
	pt := PageTypeInternal
	if leaf {
		pt = PageTypeLeaf
	}
	MarshalPageHeader(&PageHeader{Type: pt, FreeSpaceStart: btreeContentStart}, buf)
	binary.LittleEndian.PutUint64(buf[btreeExtraOff:], uint64(InvalidPageID))
}

func pageSidePointer(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint64(buf[btreeExtraOff:]))
}
func setPageSidePointer(buf []byte, id PageID) {
	binary.LittleEndian.PutUint64(buf[btreeExtraOff:], uint64(id))
}

func encodeInternalEntry(key []byte, child PageID) []byte {
	buf := make([]byte, 2+len(key)+8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	binary.LittleEndian.PutUint64(buf[2+len(key):], uint64(child))
	return buf
}

func decodeInternalEntry(e []byte) (key []byte, child PageID) {
	kl := binary.LittleEndian.Uint16(e[0:2])
	key = e[2 : 2+kl]
	child = PageID(binary.LittleEndian.Uint64(e[2+kl:]))
	return
}

func encodeLeafEntryInline(key, val []byte) []byte {
	buf := make([]byte, 2+len(key)+1+4+len(val))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	off := 2 + len(key)
	buf[off] = 0
	binary.LittleEndian.PutUint32(buf[off+1:], uint32(len(val)))
	copy(buf[off+5:], val)
	return buf
}

func encodeLeafEntryOverflow(key []byte, head PageID, totalSize uint32) []byte {
	buf := make([]byte, 2+len(key)+1+8+4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	off := 2 + len(key)
	buf[off] = 1
	binary.LittleEndian.PutUint64(buf[off+1:], uint64(head))
	binary.LittleEndian.PutUint32(buf[off+9:], totalSize)
	return buf
}

type leafEntry struct {
	key       []byte
	inline    []byte
	overflow  PageID
	totalSize uint32
	isOverflow bool
}

func decodeLeafEntry(e []byte) leafEntry {
	kl := binary.LittleEndian.Uint16(e[0:2])
	key := e[2 : 2+kl]
	off := 2 + int(kl)
	flag := e[off]
	if flag == 0 {
		vl := binary.LittleEndian.Uint32(e[off+1:])
		val := e[off+5 : off+5+int(vl)]
		return leafEntry{key: key, inline: val}
	}
	head := PageID(binary.LittleEndian.Uint64(e[off+1:]))
	total := binary.LittleEndian.Uint32(e[off+9:])
	return leafEntry{key: key, overflow: head, totalSize: total, isOverflow: true}
}

// BTree is an ordered byte-key index rooted at a page managed by a Pager.
type BTree struct {
	p    *Pager
	root PageID
}

func NewBTree(p *Pager, root PageID) *BTree { return &BTree{p: p, root: root} }

// CreateBTree allocates a brand-new empty leaf root.
func CreateBTree(p *Pager, tx TxID) (*BTree, error) {
	id, buf, err := p.AllocPage()
	if err != nil {
		return nil, err
	}
	initBTreePage(buf, true)
	if err := p.WritePage(tx, id, buf); err != nil {
		return nil, err
	}
	return &BTree{p: p, root: id}, nil
}

func (bt *BTree) Root() PageID { return bt.root }

func (bt *BTree) findLeaf(key []byte) (PageID, []PageID, error) {
	id := bt.root
	var path []PageID
	for {
		buf, err := bt.p.ReadPage(id)
		if err != nil {
			return 0, nil, err
		}
		if isLeafPage(buf) {
			bt.p.UnpinPage(id)
			return id, path, nil
		}
		path = append(path, id)
		sp := WrapSlottedPage(buf)
		child := pageSidePointer(buf)
		for i := 0; i < sp.SlotCount(); i++ {
			tup, ok := sp.GetSlot(i)
			if !ok {
				continue
			}
			k, c := decodeInternalEntry(tup)
			if bytes.Compare(key, k) < 0 {
				break
			}
			child = c
		}
		bt.p.UnpinPage(id)
		id = child
	}
}

// Get performs a point lookup.
func (bt *BTree) Get(key []byte) ([]byte, bool, error) {
	leafID, _, err := bt.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	buf, err := bt.p.ReadPage(leafID)
	if err != nil {
		return nil, false, err
	}
	defer bt.p.UnpinPage(leafID)
	sp := WrapSlottedPage(buf)
	for i := 0; i < sp.SlotCount(); i++ {
		tup, ok := sp.GetSlot(i)
		if !ok {
			continue
		}
		e := decodeLeafEntry(tup)
		if bytes.Equal(e.key, key) {
			return bt.materialize(e)
		}
	}
	return nil, false, nil
}

func (bt *BTree) materialize(e leafEntry) ([]byte, bool, error) {
	if !e.isOverflow {
		return append([]byte(nil), e.inline...), true, nil
	}
	data, err := bt.readOverflow(e.overflow, e.totalSize)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Insert upserts key -> value. Fails with ConstraintViolation if
// insertUnique is requested by the caller (see InsertUnique) and the key
// already exists.
func (bt *BTree) Insert(tx TxID, key, value []byte) error {
	return bt.insert(tx, key, value, false)
}

// InsertUnique behaves like Insert but rejects an existing key.
func (bt *BTree) InsertUnique(tx TxID, key, value []byte) error {
	return bt.insert(tx, key, value, true)
}

func (bt *BTree) insert(tx TxID, key, value []byte, unique bool) error {
	leafID, path, err := bt.findLeaf(key)
	if err != nil {
		return err
	}
	buf, err := bt.p.ReadPage(leafID)
	if err != nil {
		return err
	}
	sp := WrapSlottedPage(buf)

	for i := 0; i < sp.SlotCount(); i++ {
		tup, ok := sp.GetSlot(i)
		if !ok {
			continue
		}
		e := decodeLeafEntry(tup)
		if bytes.Equal(e.key, key) {
			if unique {
				bt.p.UnpinPage(leafID)
				return dberr.New(dberr.ConstraintViolation, "duplicate key")
			}
			if e.isOverflow {
				bt.freeOverflowChain(e.overflow)
			}
			entry, err := bt.encodeValue(tx, key, value)
			if err != nil {
				bt.p.UnpinPage(leafID)
				return err
			}
			if sp.ReplaceSlot(i, entry) {
				bt.p.UnpinPage(leafID)
				return bt.p.WritePage(tx, leafID, buf)
			}
			// Grew too large for in-place replace: tombstone + append.
			sp.TombstoneSlot(i)
			if _, ok := sp.PutSlot(entry); ok {
				bt.p.UnpinPage(leafID)
				return bt.p.WritePage(tx, leafID, buf)
			}
			bt.p.UnpinPage(leafID)
			return bt.insertWithSplit(tx, leafID, path, key, entry)
		}
	}

	entry, err := bt.encodeValue(tx, key, value)
	if err != nil {
		bt.p.UnpinPage(leafID)
		return err
	}
	if _, ok := sp.PutSlot(entry); ok {
		bt.p.UnpinPage(leafID)
		return bt.p.WritePage(tx, leafID, buf)
	}
	bt.p.UnpinPage(leafID)
	return bt.insertWithSplit(tx, leafID, path, key, entry)
}

func (bt *BTree) encodeValue(tx TxID, key, value []byte) ([]byte, error) {
	if len(value) <= OverflowThreshold {
		return encodeLeafEntryInline(key, value), nil
	}
	head, err := bt.writeOverflow(tx, value)
	if err != nil {
		return nil, err
	}
	return encodeLeafEntryOverflow(key, head, uint32(len(value))), nil
}

// insertWithSplit splits a full leaf 75/25 (right-heavy) and propagates the
// new separator up the path, splitting internal nodes 50/50 as needed.
func (bt *BTree) insertWithSplit(tx TxID, leafID PageID, path []PageID, key, entry []byte) error {
	buf, err := bt.p.ReadPage(leafID)
	if err != nil {
		return err
	}
	sp := WrapSlottedPage(buf)

	type kv struct{ key, raw []byte }
	var all []kv
	for i := 0; i < sp.SlotCount(); i++ {
		tup, ok := sp.GetSlot(i)
		if !ok {
			continue
		}
		e := decodeLeafEntry(tup)
		all = append(all, kv{key: append([]byte(nil), e.key...), raw: append([]byte(nil), tup...)})
	}
	all = append(all, kv{key: key, raw: entry})
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && bytes.Compare(all[j-1].key, all[j].key) > 0; j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}

	splitAt := (len(all) * 3) / 4 // 75/25: left keeps 75%
	if splitAt == 0 {
		splitAt = 1
	}
	if splitAt >= len(all) {
		splitAt = len(all) - 1
	}

	newID, newBuf, err := bt.p.AllocPage()
	if err != nil {
		bt.p.UnpinPage(leafID)
		return err
	}
	oldRightSibling := pageSidePointer(buf)
	initBTreePage(newBuf, true)
	setPageSidePointer(newBuf, oldRightSibling)

	initBTreePage(buf, true)
	setPageSidePointer(buf, newID)

	leftSP := WrapSlottedPage(buf)
	rightSP := WrapSlottedPage(newBuf)
	for i := 0; i < splitAt; i++ {
		leftSP.PutSlot(all[i].raw)
	}
	for i := splitAt; i < len(all); i++ {
		rightSP.PutSlot(all[i].raw)
	}
	sepKey := all[splitAt].key

	if err := bt.p.WritePage(tx, leafID, buf); err != nil {
		return err
	}
	if err := bt.p.WritePage(tx, newID, newBuf); err != nil {
		return err
	}
	bt.p.UnpinPage(leafID)
	return bt.insertIntoParent(tx, path, leafID, sepKey, newID)
}

func (bt *BTree) insertIntoParent(tx TxID, path []PageID, leftID PageID, sepKey []byte, rightID PageID) error {
	if len(path) == 0 {
		return bt.createNewRoot(tx, leftID, sepKey, rightID)
	}
	parentID := path[len(path)-1]
	buf, err := bt.p.ReadPage(parentID)
	if err != nil {
		return err
	}
	sp := WrapSlottedPage(buf)
	entry := encodeInternalEntry(sepKey, rightID)
	if _, ok := sp.PutSlot(entry); ok {
		bt.p.UnpinPage(parentID)
		return bt.p.WritePage(tx, parentID, buf)
	}
	bt.p.UnpinPage(parentID)
	return bt.splitInternal(tx, path[:len(path)-1], parentID, sepKey, rightID)
}

// splitInternal splits a full internal node 50/50 after conceptually
// adding (sepKey -> rightID), propagating the middle key further up.
func (bt *BTree) splitInternal(tx TxID, ancestors []PageID, nodeID PageID, sepKey []byte, rightID PageID) error {
	buf, err := bt.p.ReadPage(nodeID)
	if err != nil {
		return err
	}
	sp := WrapSlottedPage(buf)
	first := pageSidePointer(buf)

	type ent struct {
		key   []byte
		child PageID
	}
	var all []ent
	for i := 0; i < sp.SlotCount(); i++ {
		tup, ok := sp.GetSlot(i)
		if !ok {
			continue
		}
		k, c := decodeInternalEntry(tup)
		all = append(all, ent{key: append([]byte(nil), k...), child: c})
	}
	all = append(all, ent{key: sepKey, child: rightID})
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && bytes.Compare(all[j-1].key, all[j].key) > 0; j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}

	mid := len(all) / 2
	midKey := all[mid].key

	newID, newBuf, err := bt.p.AllocPage()
	if err != nil {
		bt.p.UnpinPage(nodeID)
		return err
	}
	initBTreePage(newBuf, false)
	setPageSidePointer(newBuf, all[mid].child)
	rightSP := WrapSlottedPage(newBuf)
	for i := mid + 1; i < len(all); i++ {
		rightSP.PutSlot(encodeInternalEntry(all[i].key, all[i].child))
	}

	initBTreePage(buf, false)
	setPageSidePointer(buf, first)
	leftSP := WrapSlottedPage(buf)
	for i := 0; i < mid; i++ {
		leftSP.PutSlot(encodeInternalEntry(all[i].key, all[i].child))
	}

	if err := bt.p.WritePage(tx, nodeID, buf); err != nil {
		return err
	}
	if err := bt.p.WritePage(tx, newID, newBuf); err != nil {
		return err
	}
	bt.p.UnpinPage(nodeID)
	return bt.insertIntoParent(tx, ancestors, nodeID, midKey, newID)
}

func (bt *BTree) createNewRoot(tx TxID, leftID PageID, sepKey []byte, rightID PageID) error {
	id, buf, err := bt.p.AllocPage()
	if err != nil {
		return err
	}
	initBTreePage(buf, false)
	setPageSidePointer(buf, leftID)
	sp := WrapSlottedPage(buf)
	sp.PutSlot(encodeInternalEntry(sepKey, rightID))
	if err := bt.p.WritePage(tx, id, buf); err != nil {
		return err
	}
	bt.root = id
	return nil
}

// Delete tombstones the entry for key, freeing any overflow chain. If the
// owning leaf drops under one third full, it is opportunistically merged
// with its right sibling (lazy rebalancing per the split/merge policy).
func (bt *BTree) Delete(tx TxID, key []byte) (bool, error) {
	leafID, _, err := bt.findLeaf(key)
	if err != nil {
		return false, err
	}
	buf, err := bt.p.ReadPage(leafID)
	if err != nil {
		return false, err
	}
	sp := WrapSlottedPage(buf)
	found := false
	for i := 0; i < sp.SlotCount(); i++ {
		tup, ok := sp.GetSlot(i)
		if !ok {
			continue
		}
		e := decodeLeafEntry(tup)
		if bytes.Equal(e.key, key) {
			if e.isOverflow {
				bt.freeOverflowChain(e.overflow)
			}
			sp.TombstoneSlot(i)
			found = true
			break
		}
	}
	if !found {
		bt.p.UnpinPage(leafID)
		return false, nil
	}
	if err := bt.p.WritePage(tx, leafID, buf); err != nil {
		return false, err
	}
	bt.p.UnpinPage(leafID)
	bt.maybeMergeLeaf(tx, leafID)
	return true, nil
}

func (bt *BTree) liveCount(buf []byte) int {
	sp := WrapSlottedPage(buf)
	n := 0
	for i := 0; i < sp.SlotCount(); i++ {
		if _, ok := sp.GetSlot(i); ok {
			n++
		}
	}
	return n
}

// maybeMergeLeaf checks whether leafID is under one third full and, if so,
// folds its live entries into its right sibling, freeing leafID. This is a
// best-effort lazy merge: it does nothing if there is no right sibling or
// the combined entries would not fit in one page.
func (bt *BTree) maybeMergeLeaf(tx TxID, leafID PageID) {
	buf, err := bt.p.ReadPage(leafID)
	if err != nil {
		return
	}
	defer bt.p.UnpinPage(leafID)
	used := 0
	lsp := WrapSlottedPage(buf)
	for i := 0; i < lsp.SlotCount(); i++ {
		if tup, ok := lsp.GetSlot(i); ok {
			used += len(tup) + slotEntrySize
		}
	}
	capacity := sp_capacity(len(buf))
	if capacity == 0 || used*3 >= capacity {
		return
	}
	sibID := pageSidePointer(buf)
	if sibID == InvalidPageID {
		return
	}
	sibBuf, err := bt.p.ReadPage(sibID)
	if err != nil {
		return
	}
	defer bt.p.UnpinPage(sibID)

	leftSP := WrapSlottedPage(buf)
	rightSP := WrapSlottedPage(sibBuf)
	merged := make([][]byte, 0, leftSP.SlotCount()+rightSP.SlotCount())
	for i := 0; i < leftSP.SlotCount(); i++ {
		if tup, ok := leftSP.GetSlot(i); ok {
			merged = append(merged, tup)
		}
	}
	for i := 0; i < rightSP.SlotCount(); i++ {
		if tup, ok := rightSP.GetSlot(i); ok {
			merged = append(merged, tup)
		}
	}
	newBuf := make([]byte, len(buf))
	initBTreePage(newBuf, true)
	setPageSidePointer(newBuf, pageSidePointer(sibBuf))
	newSP := WrapSlottedPage(newBuf)
	for _, tup := range merged {
		if _, ok := newSP.PutSlot(tup); !ok {
			return // doesn't fit merged — leave both pages as-is
		}
	}
	_ = bt.p.WritePage(tx, leafID, newBuf)
	bt.p.FreePage(sibID)
}

func sp_capacity(pageSize int) int {
	return pageSize - btreeContentStart
}

// ScanRange calls fn for every live (key, value) with startKey <= key and
// (endKey == nil || key <= endKey), in ascending key order. fn returning
// false stops the scan early.
func (bt *BTree) ScanRange(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	leafID, _, err := bt.findLeaf(startKey)
	if err != nil {
		return err
	}
	for leafID != InvalidPageID {
		buf, err := bt.p.ReadPage(leafID)
		if err != nil {
			return err
		}
		sp := WrapSlottedPage(buf)
		type kv struct {
			key []byte
			e   leafEntry
		}
		var entries []kv
		for i := 0; i < sp.SlotCount(); i++ {
			tup, ok := sp.GetSlot(i)
			if !ok {
				continue
			}
			e := decodeLeafEntry(tup)
			entries = append(entries, kv{key: e.key, e: e})
		}
		for i := 1; i < len(entries); i++ {
			for j := i; j > 0 && bytes.Compare(entries[j-1].key, entries[j].key) > 0; j-- {
				entries[j-1], entries[j] = entries[j], entries[j-1]
			}
		}
		next := pageSidePointer(buf)
		bt.p.UnpinPage(leafID)

		for _, kv := range entries {
			if bytes.Compare(kv.key, startKey) < 0 {
				continue
			}
			if endKey != nil && bytes.Compare(kv.key, endKey) > 0 {
				return nil
			}
			val, _, err := bt.materialize(kv.e)
			if err != nil {
				return err
			}
			if !fn(kv.key, val) {
				return nil
			}
		}
		leafID = next
	}
	return nil
}

// Count returns the number of live entries across the whole tree.
func (bt *BTree) Count() (int, error) {
	n := 0
	err := bt.ScanRange(nil, nil, func(_, _ []byte) bool { n++; return true })
	return n, err
}

// ───────────────────────────────────────────────────────────────────────
// Overflow chain helpers
// ───────────────────────────────────────────────────────────────────────

func (bt *BTree) writeOverflow(tx TxID, data []byte) (PageID, error) {
	if bt.p.compress {
		data = CompressOverflow(data)
	}
	var headID PageID = InvalidPageID
	var prevID PageID = InvalidPageID
	var prevBuf []byte
	cap := OverflowCapacity(bt.p.pageSize)
	for offset := 0; offset < len(data) || (offset == 0 && len(data) == 0); {
		end := offset + cap
		if end > len(data) {
			end = len(data)
		}
		id, buf, err := bt.p.AllocPage()
		if err != nil {
			return 0, err
		}
		op := InitOverflowPage(buf)
		op.SetData(data[offset:end])
		if headID == InvalidPageID {
			headID = id
		}
		if prevBuf != nil {
			WrapOverflowPage(prevBuf).SetNext(id)
			if err := bt.p.WritePage(tx, prevID, prevBuf); err != nil {
				return 0, err
			}
		}
		prevID, prevBuf = id, buf
		offset = end
		if end == len(data) {
			break
		}
	}
	if prevBuf != nil {
		if err := bt.p.WritePage(tx, prevID, prevBuf); err != nil {
			return 0, err
		}
	}
	return headID, nil
}

func (bt *BTree) readOverflow(headID PageID, totalSize uint32) ([]byte, error) {
	out := make([]byte, 0, totalSize)
	id := headID
	for id != InvalidPageID {
		buf, err := bt.p.ReadPage(id)
		if err != nil {
			return nil, err
		}
		op := WrapOverflowPage(buf)
		out = append(out, op.Data()...)
		next := op.Next()
		bt.p.UnpinPage(id)
		id = next
	}
	if bt.p.compress {
		return DecompressOverflow(out)
	}
	return out, nil
}

func (bt *BTree) freeOverflowChain(headID PageID) {
	id := headID
	for id != InvalidPageID {
		buf, err := bt.p.ReadPage(id)
		if err != nil {
			return
		}
		next := WrapOverflowPage(buf).Next()
		bt.p.UnpinPage(id)
		bt.p.FreePage(id)
		id = next
	}
}
