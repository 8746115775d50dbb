package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMultiLevelTree inserts n keys "key-%04d". At 4096-byte pages
// the 200- and 400-key callers grow the tree past a single leaf,
// exercising the internal-node path in iterNext/iterPrev; the 50- and
// 100-key callers stay within one leaf.
func buildMultiLevelTree(t *testing.T, db *Database, idx *Index, tx *Transaction, n int) []string {
	t.Helper()
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%04d", i)
		keys[i] = k
		require.NoError(t, idx.Insert(tx, []byte(k), []byte(fmt.Sprintf("val-%d", i))))
	}
	return keys
}

func TestCursorNextVisitsEveryKeyInOrder(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)

	keys := buildMultiLevelTree(t, db, idx, tx, 400)

	cur := idx.Cursor(tx)
	require.NoError(t, cur.First())
	var seen []string
	for cur.Valid() {
		seen = append(seen, string(cur.Key()))
		require.NoError(t, cur.Next())
	}
	require.NoError(t, tx.Commit())

	assert.Equal(t, keys, seen, "cursor must visit every key exactly once, in order")
}

func TestCursorPreviousVisitsEveryKeyInReverseOrder(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)

	keys := buildMultiLevelTree(t, db, idx, tx, 400)

	cur := idx.Cursor(tx)
	require.NoError(t, cur.Last())
	var seen []string
	for cur.Valid() {
		seen = append(seen, string(cur.Key()))
		require.NoError(t, cur.Previous())
	}
	require.NoError(t, tx.Commit())

	require.Len(t, seen, len(keys))
	for i, k := range keys {
		assert.Equal(t, k, seen[len(seen)-1-i])
	}
}

func TestCursorNextStopsAtEnd(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	buildMultiLevelTree(t, db, idx, tx, 200)

	cur := idx.Cursor(tx)
	require.NoError(t, cur.First())
	count := 0
	for cur.Valid() {
		count++
		require.NoError(t, cur.Next())
	}
	require.NoError(t, tx.Commit())
	assert.Equal(t, 200, count)
	assert.False(t, cur.Valid())
}

func TestCursorFindGe(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	buildMultiLevelTree(t, db, idx, tx, 100)

	cur := idx.Cursor(tx)
	require.NoError(t, cur.Find([]byte("key-0050x"), CmpGe))
	require.True(t, cur.Valid())
	assert.Equal(t, "key-0051", string(cur.Key()))
	require.NoError(t, tx.Commit())
}

func TestCursorFindBoundaryVariants(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	buildMultiLevelTree(t, db, idx, tx, 100)

	cur := idx.Cursor(tx)

	require.NoError(t, cur.FindGe([]byte("key-0050")))
	assert.Equal(t, "key-0050", string(cur.Key()))

	require.NoError(t, cur.FindGt([]byte("key-0050")))
	assert.Equal(t, "key-0051", string(cur.Key()))

	require.NoError(t, cur.FindLe([]byte("key-0050")))
	assert.Equal(t, "key-0050", string(cur.Key()))

	require.NoError(t, cur.FindLt([]byte("key-0050")))
	assert.Equal(t, "key-0049", string(cur.Key()))

	// Nothing precedes the first key.
	require.NoError(t, cur.FindLt([]byte("key-0000")))
	assert.False(t, cur.Valid())

	require.NoError(t, tx.Commit())
}

func TestCursorSkipLimitStopsAtBoundary(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	buildMultiLevelTree(t, db, idx, tx, 50)

	cur := idx.Cursor(tx)
	require.NoError(t, cur.First())

	// An exclusive limit halts just before it...
	moved, err := cur.SkipLimit(20, []byte("key-0005"), false)
	require.NoError(t, err)
	assert.Equal(t, 4, moved)
	assert.Equal(t, "key-0004", string(cur.Key()))

	// ...while an inclusive one still visits the boundary entry.
	moved, err = cur.SkipLimit(20, []byte("key-0010"), true)
	require.NoError(t, err)
	assert.Equal(t, 6, moved)
	assert.Equal(t, "key-0010", string(cur.Key()))

	require.NoError(t, tx.Commit())
}

func TestCursorStoreNilDeletes(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	require.NoError(t, idx.Insert(tx, []byte("k"), []byte("v")))

	cur := idx.Cursor(tx)
	require.NoError(t, cur.Store([]byte("k"), nil))

	_, ok, err := idx.Get(tx, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok, "store(nil) deletes the entry")
	require.NoError(t, tx.Commit())
}

func TestCursorMoveAndSkip(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	keys := buildMultiLevelTree(t, db, idx, tx, 50)

	cur := idx.Cursor(tx)
	require.NoError(t, cur.First())
	require.NoError(t, cur.Move(10))
	assert.Equal(t, keys[10], string(cur.Key()))

	moved, err := cur.Skip(5)
	require.NoError(t, err)
	assert.Equal(t, 5, moved)
	assert.Equal(t, keys[15], string(cur.Key()))

	require.NoError(t, tx.Commit())
}
