// Positional value access (C6) — reading and rewriting regions of a
// value in place, without materializing the whole thing. This is where
// fragmented storage pays off: a write to the middle of a 10 MiB value
// copies only the pages the region overlaps (spec.md §4.6 "Large
// values / fragmented writes").
//
// The exported operations live on Cursor; the no-undo splice and
// set-length primitives live on Index so undo replay can reuse them
// without recording further undo.
package engine

import "encoding/binary"

// packRegionUndo lays out the rollback payload for a positional value
// operation: the value's pre-op length, the region offset, and the
// region's prior bytes. Flat bytes rather than a closure so the record
// can spill to the undo page chain (spec.md §4.7).
func packRegionUndo(total int, pos int64, data []byte) []byte {
	buf := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(total))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(pos))
	copy(buf[16:], data)
	return buf
}

func unpackRegionUndo(buf []byte) (int, int64, []byte) {
	if len(buf) < 16 {
		return 0, 0, nil
	}
	total := int(binary.LittleEndian.Uint64(buf[0:8]))
	pos := int64(binary.LittleEndian.Uint64(buf[8:16]))
	return total, pos, buf[16:]
}

// ValueRead copies up to len(buf) bytes of the current entry's value
// starting at byte offset pos, returning how many were read. A sparse
// (never-written) region reads as zeros.
func (c *Cursor) ValueRead(pos int64, buf []byte) (int, error) {
	if err := c.valueOpCheck(); err != nil {
		return 0, err
	}
	key := c.Key()
	if c.tx.mode != LockModeUnsafe && c.tx.mode != LockModeReadUncommitted {
		if err := c.tx.lock(c.idx.info.ID, key, LockShared); err != nil {
			return 0, err
		}
	}
	t := c.idx.tree(c.tx)
	kind, payload, found := t.lookupRaw(key)
	if !found {
		return 0, ErrNotFound
	}
	if kind == valueInline {
		if pos >= int64(len(payload)) {
			return 0, nil
		}
		return copy(buf, payload[pos:]), nil
	}
	codec := c.idx.db.codec
	ids, total, err := codec.pageIDs(c.tx, kind, payload)
	if err != nil {
		return 0, c.tx.failOp(err)
	}
	return codec.readRegion(c.tx, ids, pos, buf, total), nil
}

// ValueWrite splices buf into the current entry's value at byte offset
// pos, extending the value if the region reaches past its end. Only
// the overlapped pages are rewritten (copy-on-write); the prior bytes
// of the region are captured for rollback, once, per spec.md §4.6
// step 2.
func (c *Cursor) ValueWrite(pos int64, buf []byte) error {
	if err := c.valueOpCheck(); err != nil {
		return err
	}
	key := append([]byte(nil), c.Key()...)
	if err := c.tx.lock(c.idx.info.ID, key, LockExclusive); err != nil {
		return err
	}
	idx, tx := c.idx, c.tx

	oldTotal, found, err := idx.valueLength(tx, key)
	if err != nil {
		return tx.failOp(err)
	}
	// Capture the about-to-be-overwritten bytes (clamped to the old
	// length) so the rollback closure can splice them back.
	var oldRegion []byte
	if found && pos < int64(oldTotal) {
		n := len(buf)
		if int64(oldTotal)-pos < int64(n) {
			n = int(int64(oldTotal) - pos)
		}
		oldRegion = make([]byte, n)
		if _, err := idx.valueReadAt(tx, key, pos, oldRegion); err != nil {
			return tx.failOp(err)
		}
	}

	if err := idx.valueSpliceNoUndo(tx, key, pos, buf); err != nil {
		return tx.failOp(err)
	}

	if !found {
		tx.undo.PushInsert(idx.info.ID, key)
	} else {
		tx.undo.PushRegionWrite(idx.info.ID, key, packRegionUndo(oldTotal, pos, oldRegion))
	}

	if idx.redoEnabled(tx) {
		rec := make([]byte, 8+len(buf))
		binary.LittleEndian.PutUint64(rec, uint64(pos))
		copy(rec[8:], buf)
		idx.db.redo.Write(RedoRecord{TxnID: tx.id, Op: RedoOpCursorValueWrite, IndexID: idx.info.ID, Key: key, Value: rec})
	}
	return c.reseek(key)
}

// ValueClear zeroes length bytes starting at pos without changing the
// value's length. Pages the cleared region fully covers revert to
// sparse holes instead of being rewritten.
func (c *Cursor) ValueClear(pos, length int64) error {
	if err := c.valueOpCheck(); err != nil {
		return err
	}
	key := append([]byte(nil), c.Key()...)
	if err := c.tx.lock(c.idx.info.ID, key, LockExclusive); err != nil {
		return err
	}
	idx, tx := c.idx, c.tx

	total, found, err := idx.valueLength(tx, key)
	if err != nil {
		return tx.failOp(err)
	}
	if !found {
		return ErrNotFound
	}
	if pos >= int64(total) || length <= 0 {
		return nil
	}
	if pos+length > int64(total) {
		length = int64(total) - pos
	}
	oldRegion := make([]byte, length)
	if _, err := idx.valueReadAt(tx, key, pos, oldRegion); err != nil {
		return tx.failOp(err)
	}
	if err := idx.valueClearNoUndo(tx, key, pos, length); err != nil {
		return tx.failOp(err)
	}
	tx.undo.PushRegionWrite(idx.info.ID, key, packRegionUndo(total, pos, oldRegion))
	if idx.redoEnabled(tx) {
		rec := make([]byte, 16)
		binary.LittleEndian.PutUint64(rec, uint64(pos))
		binary.LittleEndian.PutUint64(rec[8:], uint64(length))
		idx.db.redo.Write(RedoRecord{TxnID: tx.id, Op: RedoOpCursorValueClear, IndexID: idx.info.ID, Key: key, Value: rec})
	}
	return c.reseek(key)
}

// ValueSetLength truncates or extends the current entry's value to
// length bytes. Extension is sparse: new pages materialize only when
// data first reaches them, but the length changes immediately
// (spec.md §4.6 step 3). Truncation captures the dropped tail for
// rollback and may collapse the representation back to inline when
// thresholds cross (step 4).
func (c *Cursor) ValueSetLength(length int64) error {
	if err := c.valueOpCheck(); err != nil {
		return err
	}
	key := append([]byte(nil), c.Key()...)
	if err := c.tx.lock(c.idx.info.ID, key, LockExclusive); err != nil {
		return err
	}
	idx, tx := c.idx, c.tx

	oldTotal, found, err := idx.valueLength(tx, key)
	if err != nil {
		return tx.failOp(err)
	}
	if found && int64(oldTotal) == length {
		return nil
	}
	var tail []byte
	if found && length < int64(oldTotal) {
		tail = make([]byte, int64(oldTotal)-length)
		if _, err := idx.valueReadAt(tx, key, length, tail); err != nil {
			return tx.failOp(err)
		}
	}
	if err := idx.valueSetLengthNoUndo(tx, key, int(length)); err != nil {
		return tx.failOp(err)
	}
	if !found {
		tx.undo.PushInsert(idx.info.ID, key)
	} else {
		tx.undo.PushRegionExtend(idx.info.ID, key, packRegionUndo(oldTotal, length, tail))
	}
	if idx.redoEnabled(tx) {
		rec := make([]byte, 8)
		binary.LittleEndian.PutUint64(rec, uint64(length))
		idx.db.redo.Write(RedoRecord{TxnID: tx.id, Op: RedoOpCursorValueSetLength, IndexID: idx.info.ID, Key: key, Value: rec})
	}
	return c.reseek(key)
}

func (c *Cursor) valueOpCheck() error {
	if c.idx == nil || c.tx == nil {
		return ErrReadOnly
	}
	if err := c.tx.checkLive(); err != nil {
		return err
	}
	if !c.Valid() {
		return ErrIllegalState
	}
	return nil
}

// valueLength reports key's current decoded length and presence.
func (idx *Index) valueLength(tx *Transaction, key []byte) (int, bool, error) {
	t := idx.tree(tx)
	kind, payload, found := t.lookupRaw(key)
	if !found {
		return 0, false, nil
	}
	if kind == valueInline {
		return len(payload), true, nil
	}
	if len(payload) < 8 {
		return 0, false, ErrCorrupt
	}
	return int(binary.LittleEndian.Uint64(payload)), true, nil
}

// valueReadAt is ValueRead's core without cursor state or locking.
func (idx *Index) valueReadAt(tx *Transaction, key []byte, pos int64, buf []byte) (int, error) {
	t := idx.tree(tx)
	kind, payload, found := t.lookupRaw(key)
	if !found {
		return 0, ErrNotFound
	}
	if kind == valueInline {
		if pos >= int64(len(payload)) {
			return 0, nil
		}
		return copy(buf, payload[pos:]), nil
	}
	codec := idx.db.codec
	ids, total, err := codec.pageIDs(tx, kind, payload)
	if err != nil {
		return 0, err
	}
	return codec.readRegion(tx, ids, pos, buf, total), nil
}

// valueSpliceNoUndo writes data at pos, extending the value as needed,
// converting inline to fragmented when the result no longer fits, and
// rewriting overlapped pages copy-on-write. No undo, no redo, no
// locks: callers own all three.
func (idx *Index) valueSpliceNoUndo(tx *Transaction, key []byte, pos int64, data []byte) error {
	t := idx.tree(tx)
	kind, payload, found := t.lookupRaw(key)
	codec := idx.db.codec
	ps := codec.pageSize

	var total int
	var inline []byte
	var ids []uint64
	var err error
	if found {
		if kind == valueInline {
			inline = payload
			total = len(payload)
		} else {
			ids, total, err = codec.pageIDs(tx, kind, payload)
			if err != nil {
				return err
			}
		}
	}
	newTotal := total
	if end := int(pos) + len(data); end > newTotal {
		newTotal = end
	}

	if ids == nil && newTotal <= t.maxValue {
		buf := make([]byte, newTotal)
		copy(buf, inline)
		copy(buf[pos:], data)
		if err := t.InsertEncoded(tx, key, valueInline, buf); err != nil {
			return err
		}
		return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
	}

	want := (newTotal + ps - 1) / ps
	if ids == nil {
		ids = make([]uint64, want)
		if len(inline) > 0 {
			if err := codec.splice(tx, ids, 0, inline); err != nil {
				return err
			}
		}
	}
	for len(ids) < want {
		ids = append(ids, 0)
	}
	if err := codec.splice(tx, ids, pos, data); err != nil {
		return err
	}
	for _, ptr := range fragPtrIDs(kind, payload) {
		tx.freePage(ptr)
	}
	kind2, payload2, err := codec.encodeIDs(tx, ids, newTotal)
	if err != nil {
		return err
	}
	if err := t.InsertEncoded(tx, key, kind2, payload2); err != nil {
		return err
	}
	return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
}

// valueClearNoUndo zeroes [pos, pos+length) in place: fully covered
// pages become sparse holes, partially covered ones are spliced.
func (idx *Index) valueClearNoUndo(tx *Transaction, key []byte, pos, length int64) error {
	t := idx.tree(tx)
	kind, payload, found := t.lookupRaw(key)
	if !found {
		return ErrNotFound
	}
	codec := idx.db.codec
	ps := int64(codec.pageSize)

	if kind == valueInline {
		buf := append([]byte(nil), payload...)
		for i := pos; i < pos+length && i < int64(len(buf)); i++ {
			buf[i] = 0
		}
		if err := t.InsertEncoded(tx, key, valueInline, buf); err != nil {
			return err
		}
		return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
	}

	ids, total, err := codec.pageIDs(tx, kind, payload)
	if err != nil {
		return err
	}
	end := pos + length
	if end > int64(total) {
		end = int64(total)
	}
	at := pos
	for at < end {
		pi := at / ps
		off := at % ps
		n := ps - off
		if end-at < n {
			n = end - at
		}
		if off == 0 && n == ps {
			if ids[pi] != 0 {
				tx.freePage(ids[pi])
				ids[pi] = 0
			}
		} else if ids[pi] != 0 {
			if err := codec.splice(tx, ids, at, make([]byte, n)); err != nil {
				return err
			}
		}
		at += n
	}
	for _, ptr := range fragPtrIDs(kind, payload) {
		tx.freePage(ptr)
	}
	kind2, payload2, err := codec.encodeIDs(tx, ids, total)
	if err != nil {
		return err
	}
	if err := t.InsertEncoded(tx, key, kind2, payload2); err != nil {
		return err
	}
	return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
}

// valueSetLengthNoUndo resizes key's value to length bytes, converting
// between inline and fragmented representations as the thresholds
// cross.
func (idx *Index) valueSetLengthNoUndo(tx *Transaction, key []byte, length int) error {
	t := idx.tree(tx)
	kind, payload, found := t.lookupRaw(key)
	codec := idx.db.codec
	ps := codec.pageSize

	if !found {
		// A set-length on an absent entry creates it, zero-filled.
		if length <= t.maxValue {
			if err := t.InsertEncoded(tx, key, valueInline, make([]byte, length)); err != nil {
				return err
			}
			return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
		}
		ids := make([]uint64, (length+ps-1)/ps)
		kind2, payload2, err := codec.encodeIDs(tx, ids, length)
		if err != nil {
			return err
		}
		if err := t.InsertEncoded(tx, key, kind2, payload2); err != nil {
			return err
		}
		return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
	}

	if kind == valueInline {
		if length <= t.maxValue {
			buf := make([]byte, length)
			copy(buf, payload)
			if err := t.InsertEncoded(tx, key, valueInline, buf); err != nil {
				return err
			}
			return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
		}
		// Inline → fragmented: spill the head, leave the rest sparse.
		ids := make([]uint64, (length+ps-1)/ps)
		if len(payload) > 0 {
			if err := codec.splice(tx, ids, 0, payload); err != nil {
				return err
			}
		}
		kind2, payload2, err := codec.encodeIDs(tx, ids, length)
		if err != nil {
			return err
		}
		if err := t.InsertEncoded(tx, key, kind2, payload2); err != nil {
			return err
		}
		return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
	}

	ids, total, err := codec.pageIDs(tx, kind, payload)
	if err != nil {
		return err
	}

	if length <= t.maxValue {
		// Fragmented → inline: the survivors fit in the leaf again.
		buf := make([]byte, length)
		codec.readRegion(tx, ids, 0, buf, total)
		for _, id := range ids {
			if id != 0 {
				tx.freePage(id)
			}
		}
		for _, ptr := range fragPtrIDs(kind, payload) {
			tx.freePage(ptr)
		}
		if err := t.InsertEncoded(tx, key, valueInline, buf); err != nil {
			return err
		}
		return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
	}

	want := (length + ps - 1) / ps
	if want < len(ids) {
		for _, id := range ids[want:] {
			if id != 0 {
				tx.freePage(id)
			}
		}
		ids = ids[:want]
	}
	for len(ids) < want {
		ids = append(ids, 0)
	}
	if length < total && length%ps != 0 {
		// Zero the dropped suffix of the last surviving page so a later
		// extension reads zeros, not stale bytes.
		pi := length / ps
		if ids[pi] != 0 {
			pad := (pi+1)*ps - length
			if err := codec.splice(tx, ids, int64(length), make([]byte, pad)); err != nil {
				return err
			}
		}
	}
	for _, ptr := range fragPtrIDs(kind, payload) {
		tx.freePage(ptr)
	}
	kind2, payload2, err := codec.encodeIDs(tx, ids, length)
	if err != nil {
		return err
	}
	if err := t.InsertEncoded(tx, key, kind2, payload2); err != nil {
		return err
	}
	return idx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
}
