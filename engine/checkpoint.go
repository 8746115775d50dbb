// Checkpointer (C10) — produces a consistent durable snapshot of the
// tree root and allocator state. Grounded on the teacher's
// filodb_storage.go syncPages (the teacher's entire durability story
// is "fsync the mmap'd region"); this generalizes that single step
// into spec.md §4.10's seven-step procedure, simplified where this
// engine's commit path already makes steps redundant — see the
// per-step notes below and DESIGN.md's Open Questions entry.
package engine

import "time"

// runCheckpoint implements spec.md §4.10. Steps 1-3 (quiesce, note the
// redo position, release) collapse into holding writerMu for the
// whole procedure: this engine has no separate commit lock, and there
// are no in-flight writers to note once writerMu is held. Step 4
// (flush dirty pages) is already satisfied, since Database.commitTxn
// writes and syncs every dirty page before a commit returns — nothing
// is buffered in the cache past the point a transaction completes.
// What remains is exactly steps 5-7: sync, write the new header, sync
// again, and truncate redo up to the position the new header renders
// obsolete.
func runCheckpoint(db *Database) error {
	start := time.Now()
	defer func() { db.opts.EventListener.CheckpointDuration(time.Since(start)) }()

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if err := db.pages.Sync(); err != nil {
		return err
	}

	db.mu.Lock()
	version := db.version
	db.mu.Unlock()

	db.allocMu.Lock()
	flHead := db.alloc.CommitAllocator(version)
	db.allocMu.Unlock()
	if err := db.pages.StoreHeader(db.registryRoot, flHead, db.pages.PagesUsed(), version); err != nil {
		return err
	}
	if err := db.pages.Sync(); err != nil {
		return err
	}

	// Step 7: every redo record written so far belongs to a
	// transaction that either committed (and so is already reflected
	// in the header just stored) or never will, since commitTxn always
	// persists pages and header before it appends a record. The whole
	// segment is therefore prunable, not just a prefix.
	if t, ok := db.redo.(interface{ Truncate() error }); ok {
		if err := t.Truncate(); err != nil {
			return err
		}
	}
	return nil
}
