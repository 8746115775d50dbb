package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecoveryDropsLeftoverTemporaryIndex exercises Recover's cleanup
// path: a temporary index left behind by an unclean shutdown must be
// gone from the registry by the time the next Open call returns, and
// must not deadlock doing it (dropLeftoverTemporaryIndexes commits its
// drop transaction before draining trash, since drainTrash opens a
// transaction of its own).
func TestRecoveryDropsLeftoverTemporaryIndex(t *testing.T) {
	base := filepath.Join(t.TempDir(), "recover")

	db, err := Open(Options{BaseFile: base, PageSize: 4096})
	require.NoError(t, err)

	tx := db.NewTransaction()
	idx, err := db.OpenTemporaryIndex(tx, "scratch")
	require.NoError(t, err)
	require.NoError(t, idx.Insert(tx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	reopened, err := Open(Options{BaseFile: base, PageSize: 4096})
	require.NoError(t, err)
	defer reopened.Close()

	_, ok := reopened.registry.lookup("scratch")
	assert.False(t, ok, "temporary index must not survive a reopen")
}

// TestRecoveryLeavesPermanentIndexesAlone confirms the cleanup pass
// only targets indexFlagTemporary entries.
func TestRecoveryLeavesPermanentIndexesAlone(t *testing.T) {
	base := filepath.Join(t.TempDir(), "recover-permanent")

	db, err := Open(Options{BaseFile: base, PageSize: 4096})
	require.NoError(t, err)

	tx := db.NewTransaction()
	_, err = db.OpenIndex(tx, "widgets")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	reopened, err := Open(Options{BaseFile: base, PageSize: 4096})
	require.NoError(t, err)
	defer reopened.Close()

	_, ok := reopened.registry.lookup("widgets")
	assert.True(t, ok)
}
