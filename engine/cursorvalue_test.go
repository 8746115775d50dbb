package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pattern fills n bytes with a position-dependent sequence so a
// misplaced page or offset shows up as a mismatch, not a lucky match.
func pattern(seed byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
	return buf
}

func openBlobCursor(t *testing.T, db *Database, tx *Transaction, key []byte) *Cursor {
	t.Helper()
	idx, err := db.OpenIndex(tx, "blobs")
	require.NoError(t, err)
	require.NoError(t, idx.Insert(tx, key, []byte("seed")))
	cur := idx.Cursor(tx)
	require.NoError(t, cur.FindGe(key))
	require.True(t, cur.Valid())
	return cur
}

func TestValueWriteReadRoundTripAcrossPages(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	key := []byte("blob-1")
	cur := openBlobCursor(t, db, tx, key)

	data := pattern(3, 10000) // spans three 4096-byte pages
	require.NoError(t, cur.ValueSetLength(int64(len(data))))
	// Write in chunks, out of order, the way a streaming caller would.
	require.NoError(t, cur.ValueWrite(6000, data[6000:]))
	require.NoError(t, cur.ValueWrite(0, data[:6000]))

	got := make([]byte, len(data))
	n, err := cur.ValueRead(0, got)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.True(t, bytes.Equal(data, got), "value bytes must round-trip exactly")

	length, err := cur.ValueLength()
	require.NoError(t, err)
	assert.Equal(t, len(data), length)
	require.NoError(t, tx.Commit())

	// And again through a fresh transaction, off the committed pages.
	tx2 := db.NewReadOnlyTransaction()
	idx, ok := db.FindIndex("blobs")
	require.True(t, ok)
	val, found, err := idx.Get(tx2, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, bytes.Equal(data, val))
	require.NoError(t, tx2.Commit())
}

func TestValueWriteExtendsLength(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	cur := openBlobCursor(t, db, tx, []byte("blob-ext"))

	require.NoError(t, cur.ValueWrite(9000, []byte("tail")))
	length, err := cur.ValueLength()
	require.NoError(t, err)
	assert.Equal(t, 9004, length)

	// The gap between the old value and the write reads as zeros.
	hole := make([]byte, 16)
	n, err := cur.ValueRead(5000, hole)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, make([]byte, 16), hole)
	require.NoError(t, tx.Commit())
}

func TestValueSetLengthTruncatePreservesPrefix(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	cur := openBlobCursor(t, db, tx, []byte("blob-trunc"))

	data := pattern(11, 16384)
	require.NoError(t, cur.ValueWrite(0, data))
	require.NoError(t, cur.ValueSetLength(8192))

	length, err := cur.ValueLength()
	require.NoError(t, err)
	assert.Equal(t, 8192, length)

	got := make([]byte, 8192)
	n, err := cur.ValueRead(0, got)
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
	assert.True(t, bytes.Equal(data[:8192], got))

	// Growing back exposes zeros, not the truncated bytes.
	require.NoError(t, cur.ValueSetLength(16384))
	tail := make([]byte, 8192)
	n, err = cur.ValueRead(8192, tail)
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
	assert.Equal(t, make([]byte, 8192), tail)
	require.NoError(t, tx.Commit())
}

func TestValueSetLengthCollapsesToInline(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	key := []byte("blob-collapse")
	cur := openBlobCursor(t, db, tx, key)

	data := pattern(29, 12000)
	require.NoError(t, cur.ValueWrite(0, data))
	require.NoError(t, cur.ValueSetLength(100))

	idx, _ := db.FindIndex("blobs")
	kind, payload, found := idx.tree(tx).lookupRaw(key)
	require.True(t, found)
	assert.Equal(t, byte(valueInline), kind, "a 100-byte value must store inline again")
	assert.True(t, bytes.Equal(data[:100], payload))
	require.NoError(t, tx.Commit())
}

func TestValueClearZeroesRegionWithoutChangingLength(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	cur := openBlobCursor(t, db, tx, []byte("blob-clear"))

	data := pattern(43, 12000)
	require.NoError(t, cur.ValueWrite(0, data))
	require.NoError(t, cur.ValueClear(1000, 6000))

	length, err := cur.ValueLength()
	require.NoError(t, err)
	assert.Equal(t, 12000, length)

	got := make([]byte, 12000)
	_, err = cur.ValueRead(0, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[:1000], got[:1000]))
	assert.Equal(t, make([]byte, 6000), got[1000:7000])
	assert.True(t, bytes.Equal(data[7000:], got[7000:]))
	require.NoError(t, tx.Commit())
}

func TestValueWriteRollbackRestoresPriorBytes(t *testing.T) {
	db := openTestDB(t)
	key := []byte("blob-rollback")
	data := pattern(57, 10000)

	tx1 := db.NewTransaction()
	idx, err := db.OpenIndex(tx1, "blobs")
	require.NoError(t, err)
	require.NoError(t, idx.Insert(tx1, key, data))
	require.NoError(t, tx1.Commit())

	tx2 := db.NewTransaction()
	idx2, _ := db.FindIndex("blobs")
	cur := idx2.Cursor(tx2)
	require.NoError(t, cur.FindGe(key))
	require.NoError(t, cur.ValueWrite(5000, []byte("SCRIBBLE")))
	require.NoError(t, cur.ValueSetLength(2000))
	require.NoError(t, tx2.Rollback())

	tx3 := db.NewReadOnlyTransaction()
	val, found, err := idx2.Get(tx3, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, bytes.Equal(data, val), "rollback must restore the pre-write bytes and length")
	require.NoError(t, tx3.Commit())
}

func TestTenMiBValueRoundTripAndTruncate(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	key := []byte("blob-10mib")
	cur := openBlobCursor(t, db, tx, key)

	// 10 MiB needs 2560 data pages at 4096 bytes — several pointer
	// pages' worth, exercising the multi-pointer-page indirect form.
	const total = 10 << 20
	const chunk = 64 << 10
	data := pattern(91, total)
	for off := 0; off < total; off += chunk {
		require.NoError(t, cur.ValueWrite(int64(off), data[off:off+chunk]))
	}

	length, err := cur.ValueLength()
	require.NoError(t, err)
	require.Equal(t, total, length)

	got := make([]byte, total)
	n, err := cur.ValueRead(0, got)
	require.NoError(t, err)
	require.Equal(t, total, n)
	require.True(t, bytes.Equal(data, got), "10 MiB value must round-trip byte-for-byte")

	// Truncating to 5 MiB preserves the first 5 MiB exactly.
	require.NoError(t, cur.ValueSetLength(5<<20))
	got = make([]byte, 5<<20)
	n, err = cur.ValueRead(0, got)
	require.NoError(t, err)
	require.Equal(t, 5<<20, n)
	require.True(t, bytes.Equal(data[:5<<20], got))
	require.NoError(t, tx.Commit())
}

func TestInsertMultiMegabyteValue(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "blobs")
	require.NoError(t, err)

	// Past the single-pointer-page capacity (~2 MiB at 4096), so the
	// one-shot Insert path builds the multi-pointer-page form too.
	data := pattern(123, 3<<20)
	require.NoError(t, idx.Insert(tx, []byte("big"), data))
	require.NoError(t, tx.Commit())

	tx2 := db.NewReadOnlyTransaction()
	val, found, err := idx.Get(tx2, []byte("big"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, bytes.Equal(data, val))
	require.NoError(t, tx2.Commit())
}

func TestCursorRegisterAssignsDurableID(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	cur := openBlobCursor(t, db, tx, []byte("blob-reg"))

	require.NoError(t, cur.Register())
	first := cur.cursorID
	assert.NotZero(t, first)
	require.NoError(t, cur.Register(), "re-registering is a no-op")
	assert.Equal(t, first, cur.cursorID)

	cur.Reset()
	assert.Zero(t, cur.cursorID, "Reset unregisters")
	require.NoError(t, tx.Commit())
}
