// Index registry — replaces the teacher's TableDef/initializeInternalTables
// scheme (filodb_engine.go) with Tupl's flatter model: every ordered
// index is just another BTree, and index 0 is reserved to hold the
// registry mapping names to ids and root pointers (spec.md §4 Index).
package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const registryIndexID = 0

const (
	indexFlagNone      = 0
	indexFlagTemporary = 1 << 0 // excluded from redo, dropped on recovery
	indexFlagInternal  = 1 << 1 // engine bookkeeping (fragmented trash); survives recovery, hidden from users
)

// IndexInfo is the registry's durable record for one user index.
type IndexInfo struct {
	ID    uint64
	Name  string
	Root  uint64
	Flags uint32
}

func encodeIndexInfo(info IndexInfo) []byte {
	buf := make([]byte, 8+8+4+len(info.Name))
	binary.LittleEndian.PutUint64(buf[0:8], info.ID)
	binary.LittleEndian.PutUint64(buf[8:16], info.Root)
	binary.LittleEndian.PutUint32(buf[16:20], info.Flags)
	copy(buf[20:], info.Name)
	return buf
}

func decodeIndexInfo(name string, buf []byte) (IndexInfo, error) {
	if len(buf) < 20 {
		return IndexInfo{}, fmt.Errorf("tupl: %w: short index record", ErrCorrupt)
	}
	return IndexInfo{
		ID:    binary.LittleEndian.Uint64(buf[0:8]),
		Root:  binary.LittleEndian.Uint64(buf[8:16]),
		Flags: binary.LittleEndian.Uint32(buf[16:20]),
		Name:  name,
	}, nil
}

// Index is a handle to one ordered index, bound fresh to whichever
// Transaction a given call supplies so the same handle can be reused
// across transactions.
type Index struct {
	db   *Database
	info IndexInfo
}

// Name returns the index's registered name.
func (idx *Index) Name() string { return idx.info.Name }

// tree binds a fresh BTree over the index's current root to tx. The
// root is read from the registry's live table rather than the handle's
// own snapshot, so every handle to the same index observes the same
// tree across transactions (a handle's cached info would otherwise go
// stale after any other handle's commit or rollback).
func (idx *Index) tree(tx *Transaction) *BTree {
	root := idx.info.Root
	if live, ok := idx.db.registry.rootOf(idx.info.ID); ok {
		root = live
	}
	return NewBTree(root, idx.db.opts.PageSize, tx.getNode, tx.newNode, tx.delNode, idx.db.codec)
}

// Get fetches key's value as of tx's snapshot, locking per the
// transaction's LockMode: ReadUncommitted (and Unsafe) read without a
// lock, ReadCommitted takes a shared lock only for the duration of the
// read, RepeatableRead retains it, and UpgradableRead retains an
// upgradable hold so a later write can't deadlock against a peer
// reader (spec.md §3 Transaction lock modes).
func (idx *Index) Get(tx *Transaction, key []byte) ([]byte, bool, error) {
	if err := tx.checkLive(); err != nil {
		return nil, false, err
	}
	switch tx.mode {
	case LockModeUnsafe, LockModeReadUncommitted:
		// No lock.
	case LockModeReadCommitted:
		res := tx.db.locks.TryLock(tx.id, idx.info.ID, key, LockShared, tx.timeout)
		if !res.Granted() {
			return nil, false, lockFailure(res)
		}
		defer tx.db.locks.Unlock(tx.id, idx.info.ID, key)
	case LockModeUpgradableRead:
		if err := tx.lock(idx.info.ID, key, LockUpgradable); err != nil {
			return nil, false, err
		}
	default: // LockModeRepeatableRead
		if err := tx.lock(idx.info.ID, key, LockShared); err != nil {
			return nil, false, err
		}
	}
	val, ok, err := idx.tree(tx).Get(tx, key)
	if err != nil {
		return nil, false, tx.failOp(err)
	}
	return val, ok, nil
}

// redoEnabled reports whether a mutation of idx under tx should append
// a redo record.
func (idx *Index) redoEnabled(tx *Transaction) bool {
	return idx.db.redo != nil && tx.durability != DurabilityNoRedo &&
		idx.info.Flags&(indexFlagTemporary|indexFlagInternal) == 0
}

// Insert stores or replaces key's value, recording enough undo state
// to invert the change if tx rolls back.
func (idx *Index) Insert(tx *Transaction, key, val []byte) error {
	if err := tx.checkLive(); err != nil {
		return err
	}
	if err := tx.lock(idx.info.ID, key, LockExclusive); err != nil {
		return err
	}
	t := idx.tree(tx)
	prevKind, prevPayload, existed := t.lookupRaw(key)
	var pv []byte
	if existed {
		decoded, _, err := t.Get(tx, key)
		if err != nil {
			return tx.failOp(err)
		}
		pv = append([]byte(nil), decoded...)
	}
	if err := t.Insert(tx, key, val); err != nil {
		return tx.failOp(err)
	}
	if existed && prevKind != valueInline && idx.db.codec != nil {
		// The overwrite unlinked the prior fragmented payload; reclaim
		// its pages now that pv preserves the bytes for rollback.
		if err := idx.db.codec.free(tx, prevKind, prevPayload); err != nil {
			return tx.failOp(err)
		}
	}
	key = append([]byte(nil), key...)
	// A store over a key this transaction ghosted supersedes the
	// pending removal; rollback of the store reinstates it.
	hadGhost := tx.takeGhost(idx.info.ID, key)
	switch {
	case existed:
		tx.undo.PushUpdate(idx.info.ID, key, pv)
	case hadGhost:
		tx.undo.PushInsertOverGhost(idx.info.ID, key)
	default:
		tx.undo.PushInsert(idx.info.ID, key)
	}
	if idx.redoEnabled(tx) {
		idx.db.redo.Write(RedoRecord{TxnID: tx.id, Op: RedoOpInsert, IndexID: idx.info.ID, Key: key, Value: val})
	}
	return tx.failOp(idx.db.registry.updateRoot(tx, idx.info.ID, t.Root()))
}

// Delete removes key, reporting whether it was present. Under any lock
// mode except Unsafe the leaf entry is first replaced by a ghost
// tombstone: the slot (and its exclusive lock) survives until the
// transaction resolves, commit removing the ghost physically and
// rollback restoring the value (spec.md §4.6 Ghost tombstones). A
// fragmented value is staged in the fragmented trash rather than freed,
// so rollback can restore it without rewriting its pages (§4.6
// Fragmented trash).
func (idx *Index) Delete(tx *Transaction, key []byte) (bool, error) {
	if err := tx.checkLive(); err != nil {
		return false, err
	}
	if err := tx.lock(idx.info.ID, key, LockExclusive); err != nil {
		return false, err
	}
	t := idx.tree(tx)

	if tx.mode == LockModeUnsafe {
		ok, err := t.Delete(tx, key)
		if err != nil || !ok {
			return ok, tx.failOp(err)
		}
		return true, tx.failOp(idx.db.registry.updateRoot(tx, idx.info.ID, t.Root()))
	}

	freed, existed, err := t.Ghost(tx, key)
	if err != nil || !existed {
		return false, tx.failOp(err)
	}
	key = append([]byte(nil), key...)
	tx.ghosts = append(tx.ghosts, ghostRef{idx: idx, key: key})

	// The restore record carries the exact prior encoding (kind byte +
	// payload); replay re-inserts it and forgets the tombstone. A
	// fragmented delete also stages trash, whose unstage record is
	// pushed second so it replays first.
	tx.undo.PushDelete(idx.info.ID, key, append([]byte{freed.kind}, freed.payload...))
	if freed.kind != valueInline {
		trashKey, err := idx.db.stageTrash(tx, freed.kind, freed.payload)
		if err != nil {
			return false, tx.failOp(err)
		}
		tx.undo.PushTrashUnstage(trashKey)
	}
	if idx.redoEnabled(tx) {
		idx.db.redo.Write(RedoRecord{TxnID: tx.id, Op: RedoOpDelete, IndexID: idx.info.ID, Key: key})
	}
	return true, tx.failOp(idx.db.registry.updateRoot(tx, idx.info.ID, t.Root()))
}

// Cursor returns a new cursor over idx bound to tx.
func (idx *Index) Cursor(tx *Transaction) *Cursor {
	c := newCursor(idx.tree(tx), tx)
	c.idx = idx
	return c
}

// indexRegistry wraps the index-0 tree that maps index name to
// IndexInfo, plus the in-memory table of currently open roots.
type indexRegistry struct {
	db     *Database
	byName map[string]IndexInfo
	byID   map[uint64]IndexInfo
}

func newIndexRegistry(db *Database) *indexRegistry {
	return &indexRegistry{db: db, byName: make(map[string]IndexInfo), byID: make(map[uint64]IndexInfo)}
}

// newIndexID draws a random non-zero 64-bit id (spec.md §3 "Index ...
// identified by a random non-zero 64-bit id"), seeded from a freshly
// generated uuid rather than a plain math/rand source so ids stay
// well-distributed across repeated opens of the same database. Index 0
// is reserved for the registry itself, so a collision with it or with
// an already-registered id is retried.
func (r *indexRegistry) newIndexID() uint64 {
	for {
		u := uuid.New()
		id := binary.LittleEndian.Uint64(u[:8]) ^ binary.LittleEndian.Uint64(u[8:])
		if id == registryIndexID {
			continue
		}
		if _, exists := r.byID[id]; exists {
			continue
		}
		return id
	}
}

// load replays the registry tree's contents into memory at Open time.
func (r *indexRegistry) load(tx *Transaction) error {
	root := r.db.registryRoot
	if root == 0 {
		return nil
	}
	tree := NewBTree(root, r.db.opts.PageSize, tx.getNode, tx.newNode, tx.delNode, nil)
	cur := newCursor(tree, nil)
	if err := cur.First(); err != nil {
		return err
	}
	for cur.Valid() {
		info, err := decodeIndexInfo(string(cur.Key()), cur.rawValue())
		if err != nil {
			return err
		}
		r.byName[info.Name] = info
		r.byID[info.ID] = info
		if err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}

// reloadRoots rebuilds the in-memory table from the durable registry
// tree. Called after a full rollback: the rollback closures repaired
// the table through the transaction's own page buffer, which the
// rollback then discarded, so the committed tree is the only copy left
// worth trusting.
func (r *indexRegistry) reloadRoots() {
	r.byName = make(map[string]IndexInfo)
	r.byID = make(map[uint64]IndexInfo)
	root := r.db.registryRoot
	if root == 0 {
		return
	}
	tree := NewBTree(root, r.db.opts.PageSize, r.db.getNodeShared, nil, nil, nil)
	cur := newCursor(tree, nil)
	if err := cur.First(); err != nil {
		return
	}
	for cur.Valid() {
		if info, err := decodeIndexInfo(string(cur.Key()), cur.rawValue()); err == nil {
			r.byName[info.Name] = info
			r.byID[info.ID] = info
		}
		if err := cur.Next(); err != nil {
			return
		}
	}
}

// create allocates a new index id and persists its (empty) record.
// Rollback removes the entry again.
func (r *indexRegistry) create(tx *Transaction, name string, flags uint32) (IndexInfo, error) {
	if _, exists := r.byName[name]; exists {
		return IndexInfo{}, ErrAlreadyExists
	}
	info := IndexInfo{ID: r.newIndexID(), Name: name, Root: 0, Flags: flags}
	if err := r.persist(tx, info); err != nil {
		return IndexInfo{}, err
	}
	tx.undo.PushCreateIndex(info)
	return info, nil
}

func (r *indexRegistry) lookup(name string) (IndexInfo, bool) {
	info, ok := r.byName[name]
	return info, ok
}

// rootOf reports the live root for an open index id.
func (r *indexRegistry) rootOf(id uint64) (uint64, bool) {
	info, ok := r.byID[id]
	return info.Root, ok
}

// registryTree binds the index-0 tree to tx.
func (r *indexRegistry) registryTree(tx *Transaction) *BTree {
	return NewBTree(r.db.registryRoot, r.db.opts.PageSize, tx.getNode, tx.newNode, tx.delNode, nil)
}

// persist writes info into the registry tree and the in-memory table,
// with no undo bookkeeping of its own.
func (r *indexRegistry) persist(tx *Transaction, info IndexInfo) error {
	tree := r.registryTree(tx)
	if err := tree.Insert(tx, []byte(info.Name), encodeIndexInfo(info)); err != nil {
		return err
	}
	r.db.registryRoot = tree.Root()
	r.byName[info.Name] = info
	r.byID[info.ID] = info
	return nil
}

// removeNoUndo deletes an entry from the tree and table without
// pushing undo; used inside rollback closures.
func (r *indexRegistry) removeNoUndo(tx *Transaction, name string, id uint64) {
	tree := r.registryTree(tx)
	tree.Delete(tx, []byte(name))
	r.db.registryRoot = tree.Root()
	delete(r.byName, name)
	delete(r.byID, id)
}

// updateRoot persists a new root page for an already-registered index
// after a mutation changes its tree shape. It records no undo of its
// own: rollback in this engine is inverse-operation replay (each
// mutation's closure re-runs the opposite tree op and calls
// updateRootNoUndo with the root that produces), never a raw root-
// pointer restore — restoring an old root would resurrect pages the
// operation already marked freed.
func (r *indexRegistry) updateRoot(tx *Transaction, id uint64, root uint64) error {
	return r.updateRootNoUndo(tx, id, root)
}

// updateRootNoUndo is the shared implementation, named for its use
// inside rollback closures where pushing further undo would corrupt
// the log being unwound.
func (r *indexRegistry) updateRootNoUndo(tx *Transaction, id uint64, root uint64) error {
	info, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	info.Root = root
	return r.persist(tx, info)
}

// rename rebinds an index record to a new name. Rollback restores the
// old binding.
func (r *indexRegistry) rename(tx *Transaction, oldName, newName string) (IndexInfo, error) {
	info, ok := r.byName[oldName]
	if !ok {
		return IndexInfo{}, ErrNotFound
	}
	if _, exists := r.byName[newName]; exists {
		return IndexInfo{}, ErrAlreadyExists
	}
	tree := r.registryTree(tx)
	if _, err := tree.Delete(tx, []byte(oldName)); err != nil {
		return IndexInfo{}, err
	}
	r.db.registryRoot = tree.Root()
	delete(r.byName, oldName)
	renamed := info
	renamed.Name = newName
	if err := r.persist(tx, renamed); err != nil {
		return IndexInfo{}, err
	}
	tx.undo.PushRename(newName, info)
	return renamed, nil
}

// drop removes an index's registry entry; the caller is responsible
// for reclaiming its pages (spec.md §4's "drop marks trash, a worker
// drains it" — see Database.DropIndex). Rollback re-registers it.
func (r *indexRegistry) drop(tx *Transaction, name string) (IndexInfo, error) {
	info, ok := r.byName[name]
	if !ok {
		return IndexInfo{}, ErrNotFound
	}
	tree := r.registryTree(tx)
	if _, err := tree.Delete(tx, []byte(name)); err != nil {
		return IndexInfo{}, err
	}
	r.db.registryRoot = tree.Root()
	delete(r.byName, name)
	delete(r.byID, info.ID)
	tx.undo.PushDropIndex(info)
	return info, nil
}
