// Cursor (C6) — ordered traversal and in-place positioned access.
// Rewritten from the teacher's filodb_queries.go BIter: the root-to-
// leaf path/position stack and iterNext/iterPrev walk are kept
// almost verbatim (that part of the teacher generalizes cleanly),
// generalized from a fixed BNode to the fragmenting-aware Node, and
// extended with the find/store/delete/value-stream operations
// spec.md §4.6/§5 Cursor requires that the teacher's read-only
// iterator never needed.
package engine

import (
	"bytes"
	"encoding/binary"
)

// Cmp selects which boundary condition Cursor.Find applies.
type Cmp int

const (
	CmpGe Cmp = +3
	CmpGt Cmp = +2
	CmpLt Cmp = -2
	CmpLe Cmp = -3
)

// Cursor walks one BTree's ordered keyspace, optionally bound to a
// Transaction for positioned store/delete (spec.md §4.6).
type Cursor struct {
	tree *BTree
	tx   *Transaction
	idx  *Index // set for cursors opened via Index.Cursor; nil for internal trees
	path []*Node
	pos  []uint16

	cursorID uint64 // non-zero once Register has assigned a durable id
}

// newCursor creates a cursor over tree. tx may be nil for a read-only
// cursor that only ever calls First/Last/Find/Next/Previous/Load.
func newCursor(tree *BTree, tx *Transaction) *Cursor {
	return &Cursor{tree: tree, tx: tx}
}

// Valid reports whether the cursor is positioned on an existing
// entry.
func (c *Cursor) Valid() bool {
	if len(c.path) == 0 {
		return false
	}
	last := c.path[len(c.path)-1]
	return last.data != nil && c.pos[len(c.pos)-1] < last.nKeys()
}

// Key returns the current entry's key. Panics if !Valid().
func (c *Cursor) Key() []byte {
	n := c.path[len(c.path)-1]
	return n.getKey(c.pos[len(c.pos)-1])
}

func (c *Cursor) rawValue() []byte {
	n := c.path[len(c.path)-1]
	return n.getValuePayload(c.pos[len(c.pos)-1])
}

// Load decodes the current entry's value, fragmenting in via
// tree.codec as needed.
func (c *Cursor) Load() ([]byte, error) {
	if !c.Valid() {
		return nil, ErrNotFound
	}
	n := c.path[len(c.path)-1]
	idx := c.pos[len(c.pos)-1]
	kind := n.getValueKind(idx)
	payload := n.getValuePayload(idx)
	if kind == valueGhost {
		return nil, ErrNotFound
	}
	if kind == valueInline || c.tree.codec == nil {
		return payload, nil
	}
	return c.tree.codec.decode(c.tx, kind, payload)
}

// ValueLength returns the current entry's decoded value length
// without materializing it in full for the inline case.
func (c *Cursor) ValueLength() (int, error) {
	if !c.Valid() {
		return 0, ErrNotFound
	}
	n := c.path[len(c.path)-1]
	idx := c.pos[len(c.pos)-1]
	kind := n.getValueKind(idx)
	payload := n.getValuePayload(idx)
	if kind == valueInline {
		return len(payload), nil
	}
	if len(payload) < 8 {
		return 0, ErrCorrupt
	}
	return int(beUint64(payload)), nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// First positions the cursor at the smallest key. Every tree's
// leftmost leaf carries a zero-length fence entry at position 0 (the
// copy of the parent separator the node layout requires); it is not a
// real row, so First steps past it.
func (c *Cursor) First() error {
	if err := c.descend(nil, true); err != nil {
		return err
	}
	if c.Valid() && len(c.Key()) == 0 {
		return c.Next()
	}
	return nil
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() error {
	if err := c.descendLast(); err != nil {
		return err
	}
	if c.Valid() && len(c.Key()) == 0 {
		// Only the fence entry exists: the tree is empty.
		return c.Previous()
	}
	return nil
}

// Find positions the cursor at key using cmp to pick the nearest
// match when key itself is absent (spec.md §4.6 findGe/Gt/Le/Lt).
func (c *Cursor) Find(key []byte, cmp Cmp) error {
	if err := c.seekLE(key); err != nil {
		return err
	}
	if cmp != CmpLe && c.Valid() {
		if !cmpOK(c.Key(), cmp, key) {
			if cmp > 0 {
				return c.Next()
			}
			return c.Previous()
		}
	}
	if c.Valid() && len(c.Key()) == 0 {
		// Landed on the leftmost fence entry: nothing is <= key.
		return c.Previous()
	}
	return nil
}

// FindGe, FindGt, FindLe and FindLt are the four boundary searches of
// spec.md §4.6, spelled out for callers that don't want to thread a Cmp.
func (c *Cursor) FindGe(key []byte) error { return c.Find(key, CmpGe) }
func (c *Cursor) FindGt(key []byte) error { return c.Find(key, CmpGt) }
func (c *Cursor) FindLe(key []byte) error { return c.Find(key, CmpLe) }
func (c *Cursor) FindLt(key []byte) error { return c.Find(key, CmpLt) }

// FindNearby positions the cursor like Find. It performs the same
// root-to-leaf descent as Find on every call; the cursor's current
// path is not reused.
func (c *Cursor) FindNearby(key []byte, cmp Cmp) error { return c.Find(key, cmp) }

// Exists reports whether key is present, without loading its value.
func (c *Cursor) Exists(key []byte) (bool, error) {
	if err := c.seekLE(key); err != nil {
		return false, err
	}
	return c.Valid() && bytes.Equal(c.Key(), key), nil
}

func (c *Cursor) seekLE(key []byte) error {
	return c.descend(key, false)
}

func (c *Cursor) descend(key []byte, toFirst bool) error {
	c.path = c.path[:0]
	c.pos = c.pos[:0]
	for ptr := c.tree.root; ptr != 0; {
		node := c.tree.get(ptr)
		var idx uint16
		if toFirst {
			idx = 0
		} else {
			idx = nodeLookupLE(node, key)
		}
		c.path = append(c.path, node)
		c.pos = append(c.pos, idx)
		if node.nodeType() == nodeInternal {
			ptr = node.getPtr(idx)
		} else {
			ptr = 0
		}
	}
	return nil
}

func (c *Cursor) descendLast() error {
	c.path = c.path[:0]
	c.pos = c.pos[:0]
	for ptr := c.tree.root; ptr != 0; {
		node := c.tree.get(ptr)
		idx := uint16(0)
		if node.nKeys() > 0 {
			idx = node.nKeys() - 1
		}
		c.path = append(c.path, node)
		c.pos = append(c.pos, idx)
		if node.nodeType() == nodeInternal {
			ptr = node.getPtr(idx)
		} else {
			ptr = 0
		}
	}
	return nil
}

func cmpOK(key []byte, cmp Cmp, ref []byte) bool {
	r := bytes.Compare(key, ref)
	switch cmp {
	case CmpGe:
		return r >= 0
	case CmpGt:
		return r > 0
	case CmpLt:
		return r < 0
	case CmpLe:
		return r <= 0
	default:
		return false
	}
}

// Next advances to the next key in order.
func (c *Cursor) Next() error {
	iterNext(c, len(c.path)-1)
	return nil
}

// Previous moves to the preceding key in order.
func (c *Cursor) Previous() error {
	iterPrev(c, len(c.path)-1)
	if c.Valid() && len(c.Key()) == 0 {
		// The leftmost leaf's zero-length fence entry is not a row; step past it.
		iterPrev(c, len(c.path)-1)
	}
	return nil
}

// Move advances (amount > 0) or retreats (amount < 0) by amount
// entries, stopping early if the keyspace is exhausted.
func (c *Cursor) Move(amount int) error {
	for amount > 0 && c.Valid() {
		if err := c.Next(); err != nil {
			return err
		}
		amount--
	}
	for amount < 0 && c.Valid() {
		if err := c.Previous(); err != nil {
			return err
		}
		amount++
	}
	return nil
}

// Skip behaves like Move but also reports how many entries it
// actually traversed (spec.md §4.6 skip, used for offset-style scans).
func (c *Cursor) Skip(amount int) (int, error) {
	moved := 0
	for moved < amount && c.Valid() {
		if err := c.Next(); err != nil {
			return moved, err
		}
		moved++
	}
	for moved > amount && c.Valid() {
		if err := c.Previous(); err != nil {
			return moved, err
		}
		moved--
	}
	return moved, nil
}

// SkipLimit behaves like Skip but stops once the cursor's key crosses
// limit: with inclusive set the entry equal to limit is still visited,
// otherwise traversal halts just before it (spec.md §4.6
// skip(n,limit,inclusive)). Returns the number of entries actually
// traversed.
func (c *Cursor) SkipLimit(amount int, limit []byte, inclusive bool) (int, error) {
	if limit == nil {
		return c.Skip(amount)
	}
	within := func() bool {
		if !c.Valid() {
			return false
		}
		r := bytes.Compare(c.Key(), limit)
		if amount >= 0 {
			if inclusive {
				return r <= 0
			}
			return r < 0
		}
		if inclusive {
			return r >= 0
		}
		return r > 0
	}
	moved := 0
	for moved < amount && c.Valid() {
		if err := c.Next(); err != nil {
			return moved, err
		}
		if !within() {
			// Crossed the boundary: settle on the last entry inside it.
			if c.Valid() {
				return moved, c.Previous()
			}
			return moved, nil
		}
		moved++
	}
	for moved > amount && c.Valid() {
		if err := c.Previous(); err != nil {
			return moved, err
		}
		if !within() {
			if c.Valid() {
				return moved, c.Next()
			}
			return moved, nil
		}
		moved--
	}
	return moved, nil
}

func iterPrev(c *Cursor, level int) bool {
	if level < 0 {
		return false
	}
	if c.pos[level] > 0 {
		c.pos[level]--
	} else if level == 0 || !iterPrev(c, level-1) {
		c.pos[level] = ^uint16(0) // walk off the front: Valid() becomes false
		return false
	}
	if level+1 < len(c.pos) {
		parent := c.path[level]
		kid := c.tree.get(parent.getPtr(c.pos[level]))
		c.path[level+1] = kid
		if kid.nKeys() > 0 {
			c.pos[level+1] = kid.nKeys() - 1
		} else {
			c.pos[level+1] = 0
		}
	}
	return true
}

// iterNext mirrors iterPrev: it starts at the leaf level and, on
// exhausting the current level's entries, recurses toward the root
// (level-1). Once a level's position actually advances, it re-descends
// to the leftmost entry of the newly selected subtree at every level
// below, cascading back down to the leaf as the recursion unwinds.
func iterNext(c *Cursor, level int) bool {
	if level < 0 {
		return false
	}
	n := c.path[level]
	if c.pos[level] < n.nKeys()-1 {
		c.pos[level]++
	} else if level == 0 || !iterNext(c, level-1) {
		c.pos[level] = n.nKeys() // walk off the end: Valid() becomes false
		return false
	}
	if level+1 < len(c.pos) {
		parent := c.path[level]
		kid := c.tree.get(parent.getPtr(c.pos[level]))
		c.path[level+1] = kid
		c.pos[level+1] = 0
	}
	return true
}

// Store inserts or replaces key's value through the cursor's bound
// index, taking the key lock and recording undo/redo exactly like
// Index.Insert. A nil value deletes the entry (spec.md §4.6
// "store(null) deletes"). The cursor re-seeks afterwards, since the
// mutation produced a new tree root.
func (c *Cursor) Store(key, value []byte) error {
	if c.tx == nil {
		return ErrReadOnly
	}
	if c.idx == nil {
		// Internal cursors over unregistered trees mutate directly.
		if value == nil {
			_, err := c.tree.Delete(c.tx, key)
			return err
		}
		return c.tree.Insert(c.tx, key, value)
	}
	var err error
	if value == nil {
		_, err = c.idx.Delete(c.tx, key)
	} else {
		err = c.idx.Insert(c.tx, key, value)
	}
	if err != nil {
		return err
	}
	return c.reseek(key)
}

// Delete removes key through the bound index.
func (c *Cursor) Delete(key []byte) (bool, error) {
	if c.tx == nil {
		return false, ErrReadOnly
	}
	if c.idx == nil {
		return c.tree.Delete(c.tx, key)
	}
	ok, err := c.idx.Delete(c.tx, key)
	if err != nil {
		return ok, err
	}
	return ok, c.reseek(key)
}

// Commit stores value at the cursor's current key and commits the
// bound transaction in one call (spec.md §4.6 commit(value)).
func (c *Cursor) Commit(value []byte) error {
	if c.tx == nil {
		return ErrReadOnly
	}
	if !c.Valid() {
		return ErrIllegalState
	}
	key := append([]byte(nil), c.Key()...)
	if err := c.Store(key, value); err != nil {
		return err
	}
	return c.tx.Commit()
}

// Register assigns the cursor a durable id, letting subsequent
// positional value operations be redo-logged as compact cursor records
// instead of full key+value stores (spec.md §4.6 register).
func (c *Cursor) Register() error {
	if c.idx == nil || c.tx == nil {
		return ErrIllegalState
	}
	if c.cursorID != 0 {
		return nil
	}
	c.cursorID = c.idx.db.nextCursorPos()
	if c.idx.redoEnabled(c.tx) {
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], c.cursorID)
		c.idx.db.redo.Write(RedoRecord{TxnID: c.tx.id, Op: RedoOpCursorRegister, IndexID: c.idx.info.ID, Value: idBuf[:]})
	}
	return nil
}

// Unregister releases the durable id, if any.
func (c *Cursor) Unregister() {
	if c.cursorID == 0 {
		return
	}
	if c.idx != nil && c.tx != nil && c.idx.redoEnabled(c.tx) {
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], c.cursorID)
		c.idx.db.redo.Write(RedoRecord{TxnID: c.tx.id, Op: RedoOpCursorUnregister, IndexID: c.idx.info.ID, Value: idBuf[:]})
	}
	c.cursorID = 0
}

// reseek rebinds the cursor to the index's current root and
// repositions at key's slot (or its successor's).
func (c *Cursor) reseek(key []byte) error {
	if c.idx != nil {
		c.tree = c.idx.tree(c.tx)
	}
	return c.seekLE(key)
}

// Reset releases the cursor's path, allowing it to be reused for a
// fresh traversal.
func (c *Cursor) Reset() {
	c.Unregister()
	c.path = c.path[:0]
	c.pos = c.pos[:0]
}

// Copy returns an independent cursor positioned identically to c. The
// copy is unregistered; durable ids are not shared.
func (c *Cursor) Copy() *Cursor {
	cp := &Cursor{tree: c.tree, tx: c.tx, idx: c.idx}
	cp.path = append(cp.path, c.path...)
	cp.pos = append(cp.pos, c.pos...)
	return cp
}
