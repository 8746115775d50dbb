// Transaction (C9) — scope-stack transaction handle. Rewritten from
// the teacher's filodb_transactions.go KVTX/DBTX: the single-writer-
// mutex commit/rollback shape survives (Begin takes db.writerMu,
// Commit/Abort release it), generalized from one hardcoded tree to
// the Index registry, with row locking, an undo log, and redo
// durability layered on top (spec.md §4.9).
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// BOGUS is the shared placeholder transaction used by callers that
// want auto-commit semantics without an explicit Transaction, per
// spec.md §4.9's singleton.
var BOGUS = &Transaction{id: 0, bork: &TxnError{State: BorkBogus}}

type heldLock struct {
	indexID uint64
	key     []byte
}

// Transaction is a nested-scope unit of work. Enter/Exit/Commit map
// to spec.md §4.9's scope stack; the zero-depth scope is implicit.
type Transaction struct {
	db         *Database
	id         uint64
	mode       LockMode
	durability DurabilityMode
	timeout    time.Duration
	readOnly   bool

	version uint64 // snapshot version this txn reads through

	undo    *UndoLog
	updates map[uint64][]byte // pending page writes; nil value = freed
	locks   []heldLock

	ghosts   []ghostRef // tombstones to physically remove at commit
	trashSeq uint32     // per-txn sequence for fragmented-trash keys
	hasTrash bool       // HAS_TRASH: a fragmented delete was staged

	// droppedIndexes queues DropIndex page sweeps until commit.
	droppedIndexes []IndexInfo

	// pendingRelease is set by commitTxn when the transaction's locks
	// and trash were handed to the pending-commit queue (spec.md §4.8):
	// the background redo-sync worker releases them, not Commit.
	pendingRelease bool

	// prevRegistryRoot is the registry root as of Begin, restored by a
	// full Rollback: the roots the rollback closures rebuild live in
	// this transaction's page buffer, which Rollback discards.
	prevRegistryRoot uint64

	done bool // Commit or Rollback has already run
	bork *TxnError
}

// ghostRef names one leaf entry Index.Delete ghosted, so Commit can
// physically remove it without a registry lookup.
type ghostRef struct {
	idx *Index
	key []byte
}

func newTransaction(db *Database, id uint64, mode LockMode, durability DurabilityMode, timeout time.Duration, readOnly bool) *Transaction {
	return &Transaction{
		db: db, id: id, mode: mode, durability: durability, timeout: timeout,
		readOnly: readOnly, undo: NewUndoLog(), updates: make(map[uint64][]byte),
	}
}

// Enter opens a nested scope (spec.md §4.9 HAS_SCOPE).
func (tx *Transaction) Enter() { tx.undo.Enter() }

// Exit rolls back everything since the matching Enter.
func (tx *Transaction) Exit() error {
	if tx.bork != nil {
		return tx.bork
	}
	tx.undo.Rollback(tx.applyUndo)
	return nil
}

// CommitScope folds the current nested scope into its parent without
// releasing locks or writing redo — only the outermost Commit does
// that (spec.md §4.9 HAS_COMMIT).
func (tx *Transaction) CommitScope() {
	tx.undo.Commit()
}

func (tx *Transaction) checkLive() error {
	if tx.bork != nil {
		return tx.bork
	}
	if tx.done {
		return ErrIllegalState
	}
	return nil
}

// lock acquires mode on (indexID, key) for the duration of the
// transaction, blocking up to tx.timeout, and records it for release
// at commit/rollback.
func (tx *Transaction) lock(indexID uint64, key []byte, mode LockHold) error {
	if tx.mode == LockModeUnsafe {
		return nil
	}
	result := tx.db.locks.TryLock(tx.id, indexID, key, mode, tx.timeout)
	if result.Granted() {
		tx.locks = append(tx.locks, heldLock{indexID: indexID, key: append([]byte(nil), key...)})
		return nil
	}
	return lockFailure(result)
}

// lockFailure maps a failed LockResult onto the sentinel error the
// caller retries or aborts on (spec.md §7 Lock failures).
func lockFailure(result LockResult) error {
	switch result {
	case LockResultDeadlock:
		return ErrDeadlock
	case LockResultTimedOut:
		return ErrTimedOut
	default:
		return ErrInterrupted
	}
}

func (tx *Transaction) releaseLocks() {
	for _, l := range tx.locks {
		tx.db.locks.Unlock(tx.id, l.indexID, l.key)
	}
	tx.locks = nil
}

// getNode returns the decoded node for id, preferring this
// transaction's own uncommitted writes, then the shared cache, then
// the backing page array.
func (tx *Transaction) getNode(id uint64) *Node {
	if data, ok := tx.updates[id]; ok && data != nil {
		return &Node{data: data}
	}
	if n, ok := tx.db.cache.Lookup(id); ok {
		return n
	}
	data := tx.db.pages.ReadPage(id)
	n := &Node{data: append([]byte(nil), data...)}
	tx.db.cache.TryAllocLatched(id, n, Evictable)
	return n
}

func (tx *Transaction) newNode(n *Node) uint64 {
	id := tx.db.allocatePageID()
	tx.updates[id] = n.data
	tx.undo.PushAlloc(id)
	return id
}

func (tx *Transaction) delNode(id uint64) {
	tx.updates[id] = nil
}

// allocPage/writePage/readPage/freePage back fragmentCodec's direct
// page access, bypassing the Node-shaped cache since fragment storage
// isn't a B-tree node.
func (tx *Transaction) allocPage() (uint64, error) {
	id := tx.db.allocatePageID()
	tx.undo.PushAlloc(id)
	return id, nil
}

func (tx *Transaction) writePage(id uint64, data []byte) {
	tx.updates[id] = data
}

func (tx *Transaction) readPage(id uint64) []byte {
	if data, ok := tx.updates[id]; ok && data != nil {
		return data
	}
	return tx.db.pages.ReadPage(id)
}

func (tx *Transaction) freePage(id uint64) {
	tx.updates[id] = nil
}

// applyUndo replays one compensating record. Every engine-generated
// record is typed and self-describing (indexID, key, value), so the
// same dispatch serves records read back from the spill chain, where
// a closure could never survive.
func (tx *Transaction) applyUndo(rec undoRecordView) {
	switch rec.op {
	case OpUndoAlloc:
		delete(tx.updates, rec.pageID)
		// The id came off the free list (or the fresh-id counter) and
		// was never committed; hand it back rather than stranding it
		// until the next reopen.
		tx.db.releaseFreedID(rec.pageID)

	case OpUndoCustom:
		if rec.custom != nil {
			rec.custom()
		}

	case OpUndoInsert:
		idx, ok := tx.db.indexHandleByID(rec.indexID)
		if !ok {
			return
		}
		t := idx.tree(tx)
		t.Delete(tx, rec.key)
		tx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
		if len(rec.value) > 0 {
			// The store had superseded this transaction's own pending
			// tombstone; reinstate it.
			tx.ghosts = append(tx.ghosts, ghostRef{idx: idx, key: append([]byte(nil), rec.key...)})
		}

	case OpUndoUpdate:
		idx, ok := tx.db.indexHandleByID(rec.indexID)
		if !ok {
			return
		}
		t := idx.tree(tx)
		t.Insert(tx, rec.key, rec.value)
		tx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())

	case OpUndoDelete:
		idx, ok := tx.db.indexHandleByID(rec.indexID)
		if !ok || len(rec.value) == 0 {
			return
		}
		t := idx.tree(tx)
		t.InsertEncoded(tx, rec.key, rec.value[0], rec.value[1:])
		tx.db.registry.updateRootNoUndo(tx, idx.info.ID, t.Root())
		tx.takeGhost(rec.indexID, rec.key)

	case OpUndoTrashUnstage:
		tx.db.unstageTrash(tx, rec.key)

	case OpUndoRegionWrite:
		idx, ok := tx.db.indexHandleByID(rec.indexID)
		if !ok {
			return
		}
		total, pos, data := unpackRegionUndo(rec.value)
		if len(data) > 0 {
			idx.valueSpliceNoUndo(tx, rec.key, pos, data)
		}
		idx.valueSetLengthNoUndo(tx, rec.key, total)

	case OpUndoRegionExtend:
		idx, ok := tx.db.indexHandleByID(rec.indexID)
		if !ok {
			return
		}
		total, pos, tail := unpackRegionUndo(rec.value)
		idx.valueSetLengthNoUndo(tx, rec.key, total)
		if len(tail) > 0 {
			idx.valueSpliceNoUndo(tx, rec.key, pos, tail)
		}

	case OpUndoCreateIndex:
		if info, err := decodeIndexInfo(string(rec.key), rec.value); err == nil {
			tx.db.registry.removeNoUndo(tx, info.Name, info.ID)
		}

	case OpUndoDropIndex:
		info, err := decodeIndexInfo(string(rec.key), rec.value)
		if err != nil {
			return
		}
		tx.db.registry.persist(tx, info)
		for i, d := range tx.droppedIndexes {
			if d.ID == info.ID {
				tx.droppedIndexes = append(tx.droppedIndexes[:i], tx.droppedIndexes[i+1:]...)
				break
			}
		}

	case OpUndoRename:
		// key is the new name; value carries the old registration, its
		// name embedded past the fixed fields.
		if len(rec.value) < 20 {
			return
		}
		info, err := decodeIndexInfo(string(rec.value[20:]), rec.value)
		if err != nil {
			return
		}
		tx.db.registry.removeNoUndo(tx, string(rec.key), info.ID)
		tx.db.registry.persist(tx, info)
	}
}

// Commit flushes every pending page write, advances the database's
// visible version, persists the durability record the transaction's
// mode calls for, and releases its locks. Nested scopes must already
// have been folded in via CommitScope.
func (tx *Transaction) Commit() error {
	if err := tx.checkLive(); err != nil {
		return err
	}
	tx.done = true
	if tx.readOnly || (len(tx.updates) == 0 && len(tx.ghosts) == 0) {
		tx.releaseLocks()
		tx.db.endTxn(tx)
		return nil
	}
	if err := tx.removeGhosts(); err != nil {
		tx.releaseLocks()
		tx.db.endTxn(tx)
		return err
	}
	tx.undo.Commit()
	err := tx.db.commitTxn(tx)
	tx.db.endTxn(tx)
	if err != nil {
		tx.releaseLocks()
		return err
	}
	if !tx.pendingRelease {
		tx.releaseLocks()
		if tx.hasTrash {
			id := tx.id
			tx.db.pool.Submit(func() { tx.db.drainTxnTrash(id) })
		}
	}
	for _, info := range tx.droppedIndexes {
		dropped := info
		tx.db.pool.Submit(func() { tx.db.drainTrash(dropped) })
	}
	return nil
}

// removeGhosts physically deletes every tombstone this transaction
// placed, so the committed tree carries no ghosts (spec.md §8 "no
// ghost lost"). Runs just before the page flush, while the exclusive
// key locks are still held.
func (tx *Transaction) removeGhosts() error {
	for _, g := range tx.ghosts {
		t := g.idx.tree(tx)
		if _, err := t.Delete(tx, g.key); err != nil {
			return tx.failOp(err)
		}
		if err := tx.db.registry.updateRootNoUndo(tx, g.idx.info.ID, t.Root()); err != nil {
			return tx.failOp(err)
		}
	}
	tx.ghosts = nil
	return nil
}

// Rollback undoes every scope and releases locks without making any
// change visible.
func (tx *Transaction) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.releaseLocks()
	for len(tx.undo.marks) > 1 {
		tx.undo.Rollback(tx.applyUndo)
	}
	tx.undo.Rollback(tx.applyUndo) // unwind the implicit top-level scope
	tx.ghosts = nil
	if !tx.readOnly {
		tx.db.registryRoot = tx.prevRegistryRoot
		tx.db.registry.reloadRoots()
	}
	tx.db.endTxn(tx)
	return nil
}

// takeGhost forgets a pending tombstone, reporting whether one
// existed. Called by the rollback closure that just restored the
// ghosted entry's value, and by Insert when a re-insert over a
// ghosted key supersedes the pending removal.
func (tx *Transaction) takeGhost(indexID uint64, key []byte) bool {
	for i, g := range tx.ghosts {
		if g.idx.info.ID == indexID && bytes.Equal(g.key, key) {
			tx.ghosts = append(tx.ghosts[:i], tx.ghosts[i+1:]...)
			return true
		}
	}
	return false
}

// markBorked marks the transaction unusable, matching spec.md §4.9's
// quarantine of a transaction that touched corrupted state.
func (tx *Transaction) markBorked(state BorkState, cause error) {
	tx.bork = &TxnError{State: state, Cause: cause}
}

// failOp implements spec.md §7's propagation policy: a pre-state
// failure (argument/capacity/lock errors, none of which changed
// anything) is returned as-is and leaves the transaction usable for
// retry; anything else is assumed to have happened mid-operation and
// borks the transaction, since the caller can no longer tell which of
// its locks/undo/redo effects actually landed.
func (tx *Transaction) failOp(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNilKey), errors.Is(err, ErrLargeKey), errors.Is(err, ErrLargeValue),
		errors.Is(err, ErrUniqueConstraint), errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists):
		return err
	case errors.Is(err, ErrDeadlock), errors.Is(err, ErrTimedOut), errors.Is(err, ErrInterrupted):
		return err
	default:
		tx.markBorked(BorkCorrupted, err)
		return tx.bork
	}
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("txn#%d", tx.id)
}
