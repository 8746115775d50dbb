// BTree (C6) — copy-on-write B-tree algorithms: lookup, insert,
// delete, split and merge. Grounded on the teacher's filodb_btree.go
// treeInsert/treeDelete/nodeSplit3/nodeMerge family, generalized from
// a single fixed 4096-byte page to Options.PageSize and from raw
// []byte values to the inline/fragmented value encoding in node.go.
package engine

import (
	"bytes"
	"fmt"
)

// valueCodec turns a value too large to store inline into a
// kind+payload pair (and back), by spilling the overflow to separate
// pages (spec.md §4.6 "Fragmented Values"). It is injected so BTree
// itself never touches the page allocator directly.
type valueCodec interface {
	encode(tx *Transaction, value []byte) (kind byte, payload []byte, err error)
	decode(tx *Transaction, kind byte, payload []byte) ([]byte, error)
	free(tx *Transaction, kind byte, payload []byte) error
}

// BTree is one ordered index's root pointer plus the page-management
// callbacks the tree needs. Every structural operation is copy-on-
// write: existing pages are never mutated in place, matching the
// teacher's get/new/del callback shape.
type BTree struct {
	root     uint64
	pageSize int
	maxKey   int
	maxValue int // inline cutoff; larger values fragment

	get func(uint64) *Node
	new func(*Node) uint64
	del func(uint64)

	codec valueCodec
}

// NewBTree constructs a tree backed by the given page callbacks. The
// codec may be nil for a tree that never stores values requiring
// fragmentation (the internal index registry, say).
func NewBTree(root uint64, pageSize int, get func(uint64) *Node, new func(*Node) uint64, del func(uint64), codec valueCodec) *BTree {
	maxValue := pageSize/4 - 64
	if maxValue < 0 {
		maxValue = 0
	}
	return &BTree{
		root:     root,
		pageSize: pageSize,
		maxKey:   pageSize / 4,
		maxValue: maxValue,
		get:      get,
		new:      new,
		del:      del,
		codec:    codec,
	}
}

// Root returns the current root page id (0 if the tree is empty).
func (tree *BTree) Root() uint64 { return tree.root }

// Insert stores or replaces key's value. ErrLargeKey/ErrLargeValue are
// returned for inputs outside the configured limits; large values
// fragment automatically via tree.codec instead of failing.
func (tree *BTree) Insert(tx *Transaction, key, val []byte) error {
	if len(key) == 0 {
		return ErrNilKey
	}
	if len(key) > tree.maxKey {
		return ErrLargeKey
	}
	kind, payload, err := tree.encodeValue(tx, val)
	if err != nil {
		return err
	}
	return tree.InsertEncoded(tx, key, kind, payload)
}

// InsertEncoded stores an already-encoded kind+payload pair directly,
// bypassing encodeValue. Used by Cursor's positional value API, which
// manages fragment pages itself rather than handing a whole value to
// tree.codec, and by undo's region-write rollback, which restores an
// exact prior encoding.
func (tree *BTree) InsertEncoded(tx *Transaction, key []byte, kind byte, payload []byte) error {
	if len(key) == 0 {
		return ErrNilKey
	}
	if len(key) > tree.maxKey {
		return ErrLargeKey
	}

	if tree.root == 0 {
		root := newNode(tree.pageSize)
		root.setHeader(nodeLeaf, 2)
		nodeAppendKV(root, 0, 0, nil, valueInline, nil)
		nodeAppendKV(root, 1, 0, key, kind, payload)
		tree.root = tree.new(root)
		return nil
	}

	node := tree.get(tree.root)
	tree.del(tree.root)
	node = tree.treeInsert(tx, node, key, kind, payload)

	nsplit, parts := tree.nodeSplit3(node)
	if nsplit > 1 {
		root := newNode(tree.pageSize)
		root.setHeader(nodeInternal, nsplit)
		for i, kid := range parts[:nsplit] {
			ptr, sep := tree.new(kid), kid.getKey(0)
			nodeAppendKV(root, uint16(i), ptr, sep, valueInline, nil)
		}
		tree.root = tree.new(root)
	} else {
		tree.root = tree.new(parts[0])
	}
	return nil
}

func (tree *BTree) encodeValue(tx *Transaction, val []byte) (byte, []byte, error) {
	if len(val) <= tree.maxValue || tree.codec == nil {
		if len(val) > tree.maxValue {
			return 0, nil, ErrLargeValue
		}
		return valueInline, val, nil
	}
	return tree.codec.encode(tx, val)
}

// Delete removes key, reporting whether it was present.
func (tree *BTree) Delete(tx *Transaction, key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrNilKey
	}
	if tree.root == 0 {
		return false, nil
	}
	updated, freed, ok := tree.treeDelete(tx, tree.get(tree.root), key)
	if !ok {
		return false, nil
	}
	if tree.codec != nil && (freed.kind == valueFragDirect || freed.kind == valueFragIndirect) {
		if err := tree.codec.free(tx, freed.kind, freed.payload); err != nil {
			return false, err
		}
	}
	tree.del(tree.root)
	if updated.nodeType() == nodeInternal && updated.nKeys() == 1 {
		tree.root = updated.getPtr(0)
	} else {
		tree.root = tree.new(updated)
	}
	return true, nil
}

// Ghost replaces key's leaf entry with a ghost tombstone in place,
// keeping its slot (and so its lock-table adjacency) instead of
// removing it outright (spec.md §4.6 Ghost tombstones). Unlike Delete,
// it never merges or shrinks a node, since a ghost's nil payload only
// ever makes an entry smaller. Returns the value that was ghosted and
// whether key existed; the caller (Index.Delete) is responsible for
// eventually calling Delete to physically remove the ghost once no
// rollback can need it back.
func (tree *BTree) Ghost(tx *Transaction, key []byte) (freedValue, bool, error) {
	if len(key) == 0 {
		return freedValue{}, false, ErrNilKey
	}
	if tree.root == 0 {
		return freedValue{}, false, nil
	}
	newRoot, freed, ok := tree.treeGhost(tree.get(tree.root), key)
	if !ok {
		return freedValue{}, false, nil
	}
	tree.del(tree.root)
	tree.root = tree.new(newRoot)
	return freed, true, nil
}

func (tree *BTree) treeGhost(node *Node, key []byte) (*Node, freedValue, bool) {
	idx := nodeLookupLE(node, key)
	switch node.nodeType() {
	case nodeLeaf:
		if !bytes.Equal(node.getKey(idx), key) {
			return nil, freedValue{}, false
		}
		kind := node.getValueKind(idx)
		if kind == valueGhost {
			return nil, freedValue{}, false
		}
		freed := freedValue{kind: kind, payload: append([]byte(nil), node.getValuePayload(idx)...)}
		newN := &Node{data: make([]byte, 2*tree.pageSize)}
		leafUpdate(newN, node, idx, key, valueGhost, nil)
		newN.data = newN.data[:tree.pageSize]
		return newN, freed, true
	case nodeInternal:
		kptr := node.getPtr(idx)
		updatedKid, freed, ok := tree.treeGhost(tree.get(kptr), key)
		if !ok {
			return nil, freedValue{}, false
		}
		tree.del(kptr)
		newN := newNode(tree.pageSize)
		tree.nodeReplaceKidN(newN, node, idx, updatedKid)
		return newN, freed, true
	default:
		return nil, freedValue{}, false
	}
}

// lookupRawIncludingGhosts is lookupRaw without the ghost filter,
// reporting a tombstone as present. Used by tests and commit-time
// bookkeeping that must distinguish "entry removed" from "entry
// ghosted".
func (tree *BTree) lookupRawIncludingGhosts(key []byte) (byte, []byte, bool) {
	if len(key) == 0 || tree.root == 0 {
		return 0, nil, false
	}
	node := tree.get(tree.root)
	for {
		idx := nodeLookupLE(node, key)
		switch node.nodeType() {
		case nodeLeaf:
			if !bytes.Equal(node.getKey(idx), key) {
				return 0, nil, false
			}
			return node.getValueKind(idx), append([]byte(nil), node.getValuePayload(idx)...), true
		case nodeInternal:
			node = tree.get(node.getPtr(idx))
		default:
			return 0, nil, false
		}
	}
}

// lookupRaw returns the raw kind+payload stored for key without
// decoding a fragmented value, so a positional cursor operation can
// inspect which representation it is working with before deciding how
// to splice it. A ghosted entry reports not-found, same as Get.
func (tree *BTree) lookupRaw(key []byte) (byte, []byte, bool) {
	if len(key) == 0 || tree.root == 0 {
		return 0, nil, false
	}
	node := tree.get(tree.root)
	for {
		idx := nodeLookupLE(node, key)
		switch node.nodeType() {
		case nodeLeaf:
			if !bytes.Equal(node.getKey(idx), key) {
				return 0, nil, false
			}
			kind := node.getValueKind(idx)
			if kind == valueGhost {
				return 0, nil, false
			}
			return kind, append([]byte(nil), node.getValuePayload(idx)...), true
		case nodeInternal:
			node = tree.get(node.getPtr(idx))
		default:
			return 0, nil, false
		}
	}
}

// Get fetches key's decoded value.
func (tree *BTree) Get(tx *Transaction, key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrNilKey
	}
	if tree.root == 0 {
		return nil, false, nil
	}
	node := tree.get(tree.root)
	for {
		idx := nodeLookupLE(node, key)
		switch node.nodeType() {
		case nodeLeaf:
			if !bytes.Equal(node.getKey(idx), key) {
				return nil, false, nil
			}
			kind := node.getValueKind(idx)
			payload := node.getValuePayload(idx)
			if kind == valueGhost {
				return nil, false, nil
			}
			if kind == valueInline || tree.codec == nil {
				return payload, true, nil
			}
			val, err := tree.codec.decode(tx, kind, payload)
			return val, err == nil, err
		case nodeInternal:
			node = tree.get(node.getPtr(idx))
		default:
			return nil, false, fmt.Errorf("tupl: corrupt node type %d", node.nodeType())
		}
	}
}

func (tree *BTree) treeInsert(tx *Transaction, node *Node, key []byte, kind byte, payload []byte) *Node {
	newN := &Node{data: make([]byte, 2*tree.pageSize)}
	idx := nodeLookupLE(node, key)
	switch node.nodeType() {
	case nodeLeaf:
		if bytes.Equal(key, node.getKey(idx)) {
			leafUpdate(newN, node, idx, key, kind, payload)
		} else {
			leafInsert(newN, node, idx+1, key, kind, payload)
		}
	case nodeInternal:
		tree.nodeInsert(tx, newN, node, idx, key, kind, payload)
	}
	return newN
}

func (tree *BTree) nodeInsert(tx *Transaction, newN, node *Node, idx uint16, key []byte, kind byte, payload []byte) {
	kptr := node.getPtr(idx)
	kid := tree.get(kptr)
	tree.del(kptr)
	kid = tree.treeInsert(tx, kid, key, kind, payload)
	nsplit, parts := tree.nodeSplit3(kid)
	tree.nodeReplaceKidN(newN, node, idx, parts[:nsplit]...)
}

func (tree *BTree) nodeSplit3(old *Node) (uint16, [3]*Node) {
	if int(old.nbytes()) <= tree.pageSize {
		old.data = old.data[:tree.pageSize]
		return 1, [3]*Node{old}
	}
	left := &Node{data: make([]byte, 2*tree.pageSize)}
	right := newNode(tree.pageSize)
	tree.nodeSplit2(left, right, old)
	if int(left.nbytes()) <= tree.pageSize {
		left.data = left.data[:tree.pageSize]
		return 2, [3]*Node{left, right}
	}
	leftLeft := newNode(tree.pageSize)
	middle := newNode(tree.pageSize)
	tree.nodeSplit2(leftLeft, middle, left)
	return 3, [3]*Node{leftLeft, middle, right}
}

func (tree *BTree) nodeSplit2(left, right, old *Node) {
	mid := old.nKeys() / 2
	nodeAppendRange(left, old, 0, 0, mid)
	nodeAppendRange(right, old, 0, mid, old.nKeys()-mid)
}

func (tree *BTree) nodeReplaceKidN(newN, old *Node, idx uint16, kids ...*Node) {
	inc := uint16(len(kids))
	newN.setHeader(nodeInternal, old.nKeys()+inc-1)
	nodeAppendRange(newN, old, 0, 0, idx)
	for i, kid := range kids {
		nodeAppendKV(newN, idx+uint16(i), tree.new(kid), kid.getKey(0), valueInline, nil)
	}
	nodeAppendRange(newN, old, idx+inc, idx+1, old.nKeys()-(idx+1))
}

type freedValue struct {
	kind    byte
	payload []byte
}

func (tree *BTree) treeDelete(tx *Transaction, node *Node, key []byte) (*Node, freedValue, bool) {
	idx := nodeLookupLE(node, key)
	switch node.nodeType() {
	case nodeLeaf:
		if !bytes.Equal(key, node.getKey(idx)) {
			return nil, freedValue{}, false
		}
		freed := freedValue{kind: node.getValueKind(idx), payload: append([]byte(nil), node.getValuePayload(idx)...)}
		newN := newNode(tree.pageSize)
		leafDelete(newN, node, idx)
		return newN, freed, true
	case nodeInternal:
		return tree.nodeDelete(tx, node, idx, key)
	default:
		return nil, freedValue{}, false
	}
}

func (tree *BTree) nodeDelete(tx *Transaction, node *Node, idx uint16, key []byte) (*Node, freedValue, bool) {
	kptr := node.getPtr(idx)
	updated, freed, ok := tree.treeDelete(tx, tree.get(kptr), key)
	if !ok {
		return nil, freedValue{}, false
	}
	tree.del(kptr)

	newN := newNode(tree.pageSize)
	dir, sibling := tree.shouldMerge(node, idx, updated)
	switch {
	case dir < 0:
		merged := newNode(tree.pageSize)
		nodeMerge(merged, sibling, updated)
		tree.del(node.getPtr(idx - 1))
		nodeReplace2Kid(newN, node, idx-1, tree.new(merged), merged.getKey(0))
	case dir > 0:
		merged := newNode(tree.pageSize)
		nodeMerge(merged, sibling, updated)
		tree.del(node.getPtr(idx + 1))
		nodeReplace2Kid(newN, node, idx, tree.new(merged), merged.getKey(0))
	default:
		tree.nodeReplaceKidN(newN, node, idx, updated)
	}
	return newN, freed, true
}

func (tree *BTree) shouldMerge(node *Node, idx uint16, updated *Node) (int, *Node) {
	if int(updated.nbytes()) > tree.pageSize/4 {
		return 0, nil
	}
	if idx > 0 {
		sibling := tree.get(node.getPtr(idx - 1))
		if int(sibling.nbytes()+updated.nbytes()-nodeHeaderSize) <= tree.pageSize {
			return -1, sibling
		}
	}
	if idx+1 < node.nKeys() {
		sibling := tree.get(node.getPtr(idx + 1))
		if int(sibling.nbytes()+updated.nbytes()-nodeHeaderSize) <= tree.pageSize {
			return 1, sibling
		}
	}
	return 0, nil
}
