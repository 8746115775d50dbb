// Redo log (C8) — append-only durability journal with group commit.
// New relative to the teacher (FiloDB's only durability story is a
// single fsync of the whole mmap'd region, filodb_storage.go's
// syncPages); grounded in shape on the teacher's worker-pool queue
// (filodb_workers.go) for the group-commit flush goroutine.
package engine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// RedoOp tags one redo record, mirroring spec.md §3/§6's opcode set.
type RedoOp byte

const (
	RedoOpInsert RedoOp = iota + 1
	RedoOpUpdate
	RedoOpDelete
	RedoOpCommit
	RedoOpPrepare
	RedoOpTimestamp
	RedoOpRename      // Key: old index name, Value: new name
	RedoOpDeleteIndex // Key: dropped index name

	// Registered-cursor records (spec.md §4.6 register): positional
	// value operations logged compactly instead of as full key+value
	// stores. Value encodings are little-endian: register/unregister
	// carry the 8-byte cursor id; value-write carries pos(8) || bytes;
	// value-clear pos(8) || length(8); value-set-length length(8).
	RedoOpCursorRegister
	RedoOpCursorUnregister
	RedoOpCursorValueWrite
	RedoOpCursorValueClear
	RedoOpCursorValueSetLength
)

// RedoRecord is one logical change, tagged with the transaction it
// belongs to so recovery can group records by transaction.
type RedoRecord struct {
	TxnID   uint64
	Op      RedoOp
	IndexID uint64
	Key     []byte
	Value   []byte
}

// RedoWriter is the durability sink a Transaction commits through. A
// local file-backed implementation is provided (fileRedoWriter); a
// caller may substitute Options.RedoWriter with something else (a
// replication stream) entirely, per spec.md §9's Open Question on
// replication: the interface is the whole of what's in scope here.
type RedoWriter interface {
	Write(rec RedoRecord) error
	Flush() error
	Sync() error
	Close() error
}

func encodeRedoRecord(rec RedoRecord) []byte {
	buf := make([]byte, 0, 1+8+8+2+len(rec.Key)+4+len(rec.Value)+4)
	buf = append(buf, byte(rec.Op))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], rec.TxnID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], rec.IndexID)
	buf = append(buf, tmp[:]...)
	var l32 [4]byte
	binary.LittleEndian.PutUint32(l32[:], uint32(len(rec.Key)))
	buf = append(buf, l32[:]...)
	buf = append(buf, rec.Key...)
	binary.LittleEndian.PutUint32(l32[:], uint32(len(rec.Value)))
	buf = append(buf, l32[:]...)
	buf = append(buf, rec.Value...)
	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(l32[:], crc)
	buf = append(buf, l32[:]...)
	return buf
}

func decodeRedoRecord(buf []byte) (RedoRecord, int, error) {
	if len(buf) < 1+8+8+4 {
		return RedoRecord{}, 0, fmt.Errorf("tupl: %w: truncated redo record", ErrCorrupt)
	}
	pos := 0
	op := RedoOp(buf[pos])
	pos++
	txnID := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	indexID := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	klen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+klen > len(buf) {
		return RedoRecord{}, 0, fmt.Errorf("tupl: %w: truncated redo key", ErrCorrupt)
	}
	key := buf[pos : pos+klen]
	pos += klen
	if pos+4 > len(buf) {
		return RedoRecord{}, 0, fmt.Errorf("tupl: %w: truncated redo value length", ErrCorrupt)
	}
	vlen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+vlen+4 > len(buf) {
		return RedoRecord{}, 0, fmt.Errorf("tupl: %w: truncated redo value", ErrCorrupt)
	}
	value := buf[pos : pos+vlen]
	pos += vlen
	wantCRC := binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	if crc32.ChecksumIEEE(buf[:pos-4]) != wantCRC {
		return RedoRecord{}, 0, fmt.Errorf("tupl: %w: redo record checksum mismatch", ErrCorrupt)
	}
	return RedoRecord{TxnID: txnID, Op: op, IndexID: indexID, Key: key, Value: value}, pos, nil
}

// fileRedoWriter appends length-framed, checksummed records to a
// single growing segment file and supports group commit: concurrent
// Write calls queue behind one mutex, and Sync only blocks its caller
// until the buffered writer has been flushed and the file synced —
// any records a concurrent committer added in between ride along for
// free, same as Tupl's real redo writer.
//
// Write only stages bytes in bw, a userspace buffer: that is what lets
// Flush and Sync mean different things, matching spec.md §4.8's NO_SYNC
// (Flush: reaches the OS, not yet durable) versus NO_FLUSH (record sits
// in bw until something else flushes it) durability modes.
type fileRedoWriter struct {
	mu       sync.Mutex
	fp       *os.File
	bw       *bufio.Writer
	buffered int
	listener EventListener
}

// NewFileRedoWriter opens (creating if absent) a redo segment at path.
func NewFileRedoWriter(path string, listener EventListener) (RedoWriter, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tupl: open redo log: %w", err)
	}
	if listener == nil {
		listener = noopListener{}
	}
	return &fileRedoWriter{fp: fp, bw: bufio.NewWriterSize(fp, 64*1024), listener: listener}, nil
}

func (w *fileRedoWriter) Write(rec RedoRecord) error {
	buf := encodeRedoRecord(rec)
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(buf)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.bw.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("tupl: redo write: %w", err)
	}
	if _, err := w.bw.Write(buf); err != nil {
		return fmt.Errorf("tupl: redo write: %w", err)
	}
	w.buffered++
	w.listener.RedoQueueDepth(w.buffered)
	return nil
}

// Flush pushes every buffered record to the OS, short of an fsync —
// the NO_SYNC durability mode's contract.
func (w *fileRedoWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("tupl: redo flush: %w", err)
	}
	return nil
}

func (w *fileRedoWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("tupl: redo flush: %w", err)
	}
	if err := w.fp.Sync(); err != nil {
		return fmt.Errorf("tupl: redo sync: %w", err)
	}
	w.buffered = 0
	w.listener.RedoQueueDepth(0)
	return nil
}

func (w *fileRedoWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("tupl: redo flush: %w", err)
	}
	return w.fp.Close()
}

// Truncate discards every record written so far. A Checkpointer calls
// this once a new header is durable, since every committed record up
// to that point is already reflected in the tree root it just stored
// (spec.md §4.10 step 7's redo-truncation, coarsened here to "the
// whole segment" rather than a tracked position — see DESIGN.md).
// fileRedoWriter is local-disk-only, so this is an optional capability
// type-asserted for by Checkpoint rather than part of RedoWriter: a
// replication-backed RedoWriter has no equivalent operation.
func (w *fileRedoWriter) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bw.Reset(w.fp)
	if err := w.fp.Truncate(0); err != nil {
		return fmt.Errorf("tupl: truncate redo log: %w", err)
	}
	if _, err := w.fp.Seek(0, 0); err != nil {
		return fmt.Errorf("tupl: seek redo log: %w", err)
	}
	w.buffered = 0
	w.listener.RedoQueueDepth(0)
	return nil
}

// ReadRedoSegment decodes every well-formed record in a segment file,
// stopping (without error) at the first truncated or corrupt record —
// the tail left by a crash mid-append — per spec.md §4.11's recovery
// contract: replay everything complete, ignore the torn remainder.
func ReadRedoSegment(path string) ([]RedoRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []RedoRecord
	pos := 0
	for pos+4 <= len(data) {
		n := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+n > len(data) {
			break
		}
		rec, _, err := decodeRedoRecord(data[pos : pos+n])
		if err != nil {
			break
		}
		recs = append(recs, rec)
		pos += n
	}
	return recs, nil
}
