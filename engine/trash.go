// Fragmented trash (C6) — the holding pen for fragmented values a
// transaction has deleted but whose pages cannot be reclaimed yet,
// because rollback must be able to restore them (spec.md §4.6
// Fragmented trash). The trash is itself just another tree, registered
// under a reserved unnamed slot: each staged delete is one entry keyed
// by (transaction id, per-transaction sequence), so a commit can drain
// exactly its own suffix and recovery can drain whatever an unclean
// shutdown left behind.
package engine

import (
	"bytes"
	"encoding/binary"
)

// trashIndexName begins with a NUL byte so it can never collide with a
// caller-supplied index name.
const trashIndexName = "\x00tupl.fragmented.trash"

// trashInfo returns the trash tree's registration, creating it on
// first use.
func (db *Database) trashInfo(tx *Transaction) (IndexInfo, error) {
	if info, ok := db.registry.lookup(trashIndexName); ok {
		return info, nil
	}
	return db.registry.create(tx, trashIndexName, indexFlagInternal)
}

func trashKeyFor(txnID uint64, seq uint32) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[0:8], txnID)
	binary.BigEndian.PutUint32(key[8:12], seq)
	return key
}

// stageTrash files one deleted fragmented value under tx's id,
// returning the trash key so the rollback closure can unstage it.
func (db *Database) stageTrash(tx *Transaction, kind byte, payload []byte) ([]byte, error) {
	info, err := db.trashInfo(tx)
	if err != nil {
		return nil, err
	}
	key := trashKeyFor(tx.id, tx.trashSeq)
	tx.trashSeq++
	val := append([]byte{kind}, payload...)

	tree := NewBTree(info.Root, db.opts.PageSize, tx.getNode, tx.newNode, tx.delNode, nil)
	if err := tree.Insert(tx, key, val); err != nil {
		return nil, err
	}
	if err := db.registry.updateRootNoUndo(tx, info.ID, tree.Root()); err != nil {
		return nil, err
	}
	tx.hasTrash = true
	return key, nil
}

// unstageTrash removes one staged entry; called from the rollback
// closure that restores the value to its index.
func (db *Database) unstageTrash(tx *Transaction, key []byte) {
	info, ok := db.registry.lookup(trashIndexName)
	if !ok {
		return
	}
	tree := NewBTree(info.Root, db.opts.PageSize, tx.getNode, tx.newNode, tx.delNode, nil)
	if ok, _ := tree.Delete(tx, key); ok {
		db.registry.updateRootNoUndo(tx, info.ID, tree.Root())
	}
}

// drainTxnTrash frees the fragment pages of every entry txnID staged
// and deletes the entries, in one non-transactional sweep (locks and
// redo would be pointless: the owning transaction already committed,
// and the pages are unreachable from any index). Runs on the worker
// pool after commit, or inline from the pending-commit release.
func (db *Database) drainTxnTrash(txnID uint64) {
	db.drainTrashRange(trashKeyFor(txnID, 0), trashKeyFor(txnID+1, 0))
}

// drainAllTrash reclaims every staged entry regardless of owner; the
// recovery path for trash a crash stranded (spec.md §4.11 step 4).
func (db *Database) drainAllTrash() {
	db.drainTrashRange(nil, nil)
}

func (db *Database) drainTrashRange(lo, hi []byte) {
	info, ok := db.registry.lookup(trashIndexName)
	if !ok || info.Root == 0 {
		return
	}
	tx := db.newTransactionLocked(LockModeUnsafe, DurabilityNoRedo, db.opts.LockTimeout, false)
	tree := NewBTree(info.Root, db.opts.PageSize, tx.getNode, tx.newNode, tx.delNode, nil)

	cur := newCursor(tree, tx)
	var keys [][]byte
	var err error
	if lo == nil {
		err = cur.First()
	} else {
		err = cur.Find(lo, CmpGe)
	}
	if err != nil {
		tx.Rollback()
		return
	}
	for cur.Valid() {
		key := append([]byte(nil), cur.Key()...)
		if len(key) != 12 {
			// The dummy low-fence entry every root carries.
			if err := cur.Next(); err != nil {
				break
			}
			continue
		}
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			break
		}
		val := append([]byte(nil), cur.rawValue()...)
		if len(val) > 0 {
			db.codec.free(tx, val[0], val[1:])
		}
		keys = append(keys, key)
		if err := cur.Next(); err != nil {
			break
		}
	}
	for _, key := range keys {
		tree.Delete(tx, key)
	}
	if len(keys) > 0 {
		if err := db.registry.updateRootNoUndo(tx, info.ID, tree.Root()); err != nil {
			tx.Rollback()
			return
		}
		tx.Commit()
		return
	}
	tx.Rollback()
}
