package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(Options{PageSize: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesUsableDatabase(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	assert.NotZero(t, idx.info.ID)
	assert.Equal(t, "widgets", idx.Name())
	require.NoError(t, tx.Commit())
}

func TestOpenIndexIsIdempotentByName(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	first, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	second, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	assert.Equal(t, first.info.ID, second.info.ID)
	require.NoError(t, tx.Commit())
}

func TestIndexIDsAreRandomNonZero(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	seen := make(map[uint64]bool)
	for i := 0; i < 8; i++ {
		idx, err := db.OpenIndex(tx, fmt.Sprintf("idx-%d", i))
		require.NoError(t, err)
		assert.NotZero(t, idx.info.ID)
		assert.False(t, seen[idx.info.ID], "index id collided across distinct indexes")
		seen[idx.info.ID] = true
	}
	require.NoError(t, tx.Commit())
}

func TestInsertGetDeleteRoundTrip(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)

	require.NoError(t, idx.Insert(tx, []byte("a"), []byte("1")))
	require.NoError(t, idx.Insert(tx, []byte("b"), []byte("2")))

	val, ok, err := idx.Get(tx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)

	deleted, err := idx.Delete(tx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = idx.Get(tx, []byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Commit())
}

func TestCommittedDataSurvivesNewTransaction(t *testing.T) {
	db := openTestDB(t)

	tx1 := db.NewTransaction()
	idx, err := db.OpenIndex(tx1, "widgets")
	require.NoError(t, err)
	require.NoError(t, idx.Insert(tx1, []byte("key"), []byte("value")))
	require.NoError(t, tx1.Commit())

	tx2 := db.NewTransaction()
	idx2, err := db.OpenIndex(tx2, "widgets")
	require.NoError(t, err)
	val, ok, err := idx2.Get(tx2, []byte("key"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), val)
	require.NoError(t, tx2.Commit())
}

func TestRollbackUndoesInsert(t *testing.T) {
	db := openTestDB(t)

	tx1 := db.NewTransaction()
	_, err := db.OpenIndex(tx1, "widgets")
	require.NoError(t, err)
	require.NoError(t, tx1.Commit())

	tx2 := db.NewTransaction()
	idx2, err := db.OpenIndex(tx2, "widgets")
	require.NoError(t, err)
	require.NoError(t, idx2.Insert(tx2, []byte("key"), []byte("value")))
	require.NoError(t, tx2.Rollback())

	tx3 := db.NewTransaction()
	idx3, err := db.OpenIndex(tx3, "widgets")
	require.NoError(t, err)
	_, ok, err := idx3.Get(tx3, []byte("key"))
	require.NoError(t, err)
	assert.False(t, ok, "rolled-back insert must not be visible")
	require.NoError(t, tx3.Commit())
}

func TestRollbackUndoesDelete(t *testing.T) {
	db := openTestDB(t)

	tx1 := db.NewTransaction()
	idx, err := db.OpenIndex(tx1, "widgets")
	require.NoError(t, err)
	require.NoError(t, idx.Insert(tx1, []byte("key"), []byte("value")))
	require.NoError(t, tx1.Commit())

	tx2 := db.NewTransaction()
	idx2, err := db.OpenIndex(tx2, "widgets")
	require.NoError(t, err)
	deleted, err := idx2.Delete(tx2, []byte("key"))
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, tx2.Rollback())

	tx3 := db.NewTransaction()
	idx3, err := db.OpenIndex(tx3, "widgets")
	require.NoError(t, err)
	val, ok, err := idx3.Get(tx3, []byte("key"))
	require.NoError(t, err)
	require.True(t, ok, "rolled-back delete must restore the entry")
	assert.Equal(t, []byte("value"), val)
	require.NoError(t, tx3.Commit())
}

func TestDropIndexRemovesFromRegistry(t *testing.T) {
	db := openTestDB(t)

	tx := db.NewTransaction()
	_, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	require.NoError(t, db.DropIndex(tx, "widgets"))
	require.NoError(t, tx.Commit())

	tx2 := db.NewTransaction()
	_, ok := db.registry.lookup("widgets")
	assert.False(t, ok)
	recreated, err := db.OpenIndex(tx2, "widgets")
	require.NoError(t, err)
	assert.NotZero(t, recreated.info.ID)
	require.NoError(t, tx2.Commit())
}

func TestReadOnlyTransactionRegistersAsReader(t *testing.T) {
	db := openTestDB(t)
	tx := db.NewReadOnlyTransaction()
	assert.Len(t, db.readers, 1)
	require.NoError(t, tx.Commit())
	assert.Len(t, db.readers, 0)
}

func TestCheckpointDoesNotErrorOnEmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Checkpoint())
}
