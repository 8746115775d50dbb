package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs rootCmd fresh against args, capturing whatever the
// invoked subcommand wrote through cmd.OutOrStdout().
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd.SetArgs(args)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPutThenGetRoundTripsThroughCLI(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")

	_, err := execute(t, "--db", base, "put", "widgets", "a", "1")
	require.NoError(t, err)

	out, err := execute(t, "--db", base, "get", "widgets", "a")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

func TestDeleteThenGetReturnsNotFound(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")

	_, err := execute(t, "--db", base, "put", "widgets", "a", "1")
	require.NoError(t, err)
	_, err = execute(t, "--db", base, "delete", "widgets", "a")
	require.NoError(t, err)

	_, err = execute(t, "--db", base, "get", "widgets", "a")
	assert.Error(t, err)
}

func TestScanPrintsEveryKeyInOrder(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")

	_, err := execute(t, "--db", base, "put", "widgets", "b", "2")
	require.NoError(t, err)
	_, err = execute(t, "--db", base, "put", "widgets", "a", "1")
	require.NoError(t, err)

	out, err := execute(t, "--db", base, "scan", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "a\t1\nb\t2\n", out)
}

func TestRenameRebindsIndexThroughCLI(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")

	_, err := execute(t, "--db", base, "put", "widgets", "a", "1")
	require.NoError(t, err)
	_, err = execute(t, "--db", base, "rename", "widgets", "gadgets")
	require.NoError(t, err)

	out, err := execute(t, "--db", base, "get", "gadgets", "a")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = execute(t, "--db", base, "get", "widgets", "a")
	assert.Error(t, err)
}

func TestStatsReportsPageCount(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")
	out, err := execute(t, "--db", base, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "pages used:")
}

func TestCheckpointSucceedsOnFreshDatabase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")
	_, err := execute(t, "--db", base, "checkpoint")
	require.NoError(t, err)
}

func TestSnapshotRequiresOutFlag(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")
	_, err := execute(t, "--db", base, "snapshot")
	assert.Error(t, err)
}

func TestSnapshotWritesToFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")
	out := filepath.Join(t.TempDir(), "snap.bin")

	_, err := execute(t, "--db", base, "put", "widgets", "a", "1")
	require.NoError(t, err)

	_, err = execute(t, "--db", base, "snapshot", "--out", out)
	require.NoError(t, err)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRestoreRequiresInFlag(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cli")
	_, err := execute(t, "--db", base, "restore")
	assert.Error(t, err)
}

func TestRestoreRoundTripsThroughCLI(t *testing.T) {
	orig := filepath.Join(t.TempDir(), "orig")
	snap := filepath.Join(t.TempDir(), "snap.bin")
	restored := filepath.Join(t.TempDir(), "restored")

	_, err := execute(t, "--db", orig, "put", "widgets", "a", "1")
	require.NoError(t, err)
	_, err = execute(t, "--db", orig, "checkpoint")
	require.NoError(t, err)
	_, err = execute(t, "--db", orig, "snapshot", "--out", snap)
	require.NoError(t, err)

	out, err := execute(t, "--db", restored, "restore", "--in", snap)
	require.NoError(t, err)
	assert.Contains(t, out, "restored")

	out, err = execute(t, "--db", restored, "get", "widgets", "a")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}
