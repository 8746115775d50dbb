package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUndoLogRollbackAppliesReverseOrder(t *testing.T) {
	u := NewUndoLog()
	var order []int
	u.PushCustom(func() { order = append(order, 1) })
	u.PushCustom(func() { order = append(order, 2) })
	u.PushCustom(func() { order = append(order, 3) })

	u.Rollback(func(rec undoRecordView) { rec.custom() })

	assert.Equal(t, []int{3, 2, 1}, order)
	assert.Equal(t, 0, u.Len())
}

func TestUndoLogNestedScopeRollbackOnlyUndoesInnerFrame(t *testing.T) {
	u := NewUndoLog()
	var applied []string

	u.PushCustom(func() { applied = append(applied, "outer") })
	u.Enter()
	u.PushCustom(func() { applied = append(applied, "inner") })

	u.Rollback(func(rec undoRecordView) { rec.custom() })

	assert.Equal(t, []string{"inner"}, applied)
	assert.Equal(t, 1, u.Len(), "outer frame's record must survive the inner rollback")
}

func TestUndoLogCommitFoldsScopeWithoutApplying(t *testing.T) {
	u := NewUndoLog()
	var applied []string
	u.PushCustom(func() { applied = append(applied, "outer") })
	u.Enter()
	u.PushCustom(func() { applied = append(applied, "inner") })

	u.Commit()
	assert.Empty(t, applied, "CommitScope must not invoke any undo action")
	assert.Equal(t, 2, u.Len(), "committed scope's records fold into the parent")

	u.Rollback(func(rec undoRecordView) { rec.custom() })
	assert.Equal(t, []string{"inner", "outer"}, applied)
}

// TestLongTransactionSpillsUndoAndRollsBack drives enough mutations
// through one transaction that the undo log crosses its in-memory
// threshold and spills to the page chain, then rolls the whole thing
// back: every record, resident or spilled, must replay.
func TestLongTransactionSpillsUndoAndRollsBack(t *testing.T) {
	db := openTestDB(t)

	tx := db.NewTransaction()
	idx, err := db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	const rows = 300 // each insert pushes one typed record plus its COW allocs
	for i := 0; i < rows; i++ {
		require.NoError(t, idx.Insert(tx, []byte(fmt.Sprintf("spill-%04d", i)), []byte("v")))
	}
	assert.Greater(t, tx.undo.spilled, 0, "the log must have spilled to the page chain")
	require.NoError(t, tx.Rollback())

	tx2 := db.NewReadOnlyTransaction()
	idx2, ok := db.FindIndex("widgets")
	if ok {
		for i := 0; i < rows; i += 37 {
			_, found, err := idx2.Get(tx2, []byte(fmt.Sprintf("spill-%04d", i)))
			require.NoError(t, err)
			assert.False(t, found, "spilled undo records must replay on rollback")
		}
	}
	require.NoError(t, tx2.Commit())

	// The database stays usable: a fresh transaction can write and read.
	tx3 := db.NewTransaction()
	idx3, err := db.OpenIndex(tx3, "widgets")
	require.NoError(t, err)
	require.NoError(t, idx3.Insert(tx3, []byte("after"), []byte("ok")))
	require.NoError(t, tx3.Commit())
}

func TestUndoLogPushAllocRecordsPageID(t *testing.T) {
	u := NewUndoLog()
	u.PushAlloc(42)
	var freed uint64
	u.Rollback(func(rec undoRecordView) {
		if rec.op == OpUndoAlloc {
			freed = rec.pageID
		}
	})
	assert.Equal(t, uint64(42), freed)
}
