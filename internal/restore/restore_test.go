package restore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultback/vaultback/internal/blockstore"
	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/remote/memstore"
	"github.com/vaultback/vaultback/internal/splitter"
)

func newTestEngine(t *testing.T) (*Engine, *manifest.Store, *blockstore.Store) {
	e, ms, bs, _ := newTestEngineWithRemote(t)
	return e, ms, bs
}

func newTestEngineWithRemote(t *testing.T) (*Engine, *manifest.Store, *blockstore.Store, *memstore.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "manifest-*.db")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ms, err := manifest.Open(manifest.Config{Type: manifest.DatabaseSQLite, Path: f.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ms.Close() })

	var master crypto.MasterKey
	for i := range master {
		master[i] = byte(i + 1)
	}
	remoteStore := memstore.New()
	bs := blockstore.New(blockstore.Config{MinArchiveLen: 1 << 20, CompressionLevel: 3, CacheBudget: 1 << 20}, ms, remoteStore, master)

	return New(ms, bs), ms, bs, remoteStore
}

// seedFile writes content as one block for path, via a single manifest
// transaction, mirroring what a snapshot run would produce.
func seedFile(t *testing.T, ms *manifest.Store, bs *blockstore.Store, path string, content []byte) {
	t.Helper()
	ctx := context.Background()

	var blocks []splitter.Block
	require.NoError(t, splitter.Split(bytes.NewReader(content), splitter.DefaultParams(), func(b splitter.Block) error {
		require.NoError(t, bs.Stage(ctx, b.Hash, b.Data))
		blocks = append(blocks, b)
		return nil
	}))

	tx, err := ms.Begin(ctx)
	require.NoError(t, err)

	file, err := tx.EnsureFile(path)
	require.NoError(t, err)
	version, err := tx.OpenNewVersion(file.ID, 0, 1000, uint64(len(content)), 0o644)
	require.NoError(t, err)
	for i, b := range blocks {
		require.NoError(t, tx.InsertVersionBlock(&manifest.VersionBlock{
			FileID:    file.ID,
			VersionIx: version.VersionIx,
			Position:  uint32(i),
			BlockHash: hexHash(b.Hash),
		}))
	}

	_, _, err = bs.SealCurrent(ctx, tx)
	require.NoError(t, err)
	patchsetID, err := ms.NextPatchsetID(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(patchsetID, fmt.Sprintf("patchset/%06d", patchsetID), 0))
}

func TestRestoreWritesMatchingFileContent(t *testing.T) {
	e, ms, bs := newTestEngine(t)
	seedFile(t, ms, bs, "/data/docs/a.txt", []byte("hello vaultback"))

	dir := t.TempDir()
	res, err := e.Restore(context.Background(), "/data/docs/a.txt", dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesRestored)

	got, err := os.ReadFile(filepath.Join(dir, "/data/docs/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello vaultback"), got)
}

func TestRestoreSelectorMatchesDirectoryPrefix(t *testing.T) {
	e, ms, bs := newTestEngine(t)
	seedFile(t, ms, bs, "/data/docs/a.txt", []byte("aaa"))
	seedFile(t, ms, bs, "/data/other/b.txt", []byte("bbb"))

	matches, err := e.Resolve(context.Background(), "/data/docs")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "/data/docs/a.txt", matches[0].File.Path)
}

func TestRestoreSkipsTombstonedFile(t *testing.T) {
	e, ms, bs := newTestEngine(t)
	seedFile(t, ms, bs, "/data/docs/a.txt", []byte("aaa"))

	ctx := context.Background()
	_, version, ok, err := ms.OpenVersion(ctx, "/data/docs/a.txt")
	require.NoError(t, err)
	require.True(t, ok)

	tx, err := ms.Begin(ctx)
	require.NoError(t, err)
	file, err := tx.EnsureFile("/data/docs/a.txt")
	require.NoError(t, err)
	require.NoError(t, tx.CloseVersion(file.ID, version.VersionIx))
	tombstone, err := tx.OpenNewVersion(file.ID, version.VersionIx+1, version.MTime, 0, 0)
	require.NoError(t, err)
	require.NoError(t, tx.CloseVersion(file.ID, tombstone.VersionIx))
	require.NoError(t, tx.Commit(2, "patchset/000002", 0))

	matches, err := e.Resolve(ctx, "/data/docs/a.txt")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRestoreContinuesPastOneFileFailure(t *testing.T) {
	e, ms, bs, remoteStore := newTestEngineWithRemote(t)
	seedFile(t, ms, bs, "/data/docs/good.txt", []byte("hello vaultback"))
	seedFile(t, ms, bs, "/data/docs/bad.txt", []byte("this one gets corrupted"))

	ctx := context.Background()

	badFile, badVersion, ok, err := ms.OpenVersion(ctx, "/data/docs/bad.txt")
	require.NoError(t, err)
	require.True(t, ok)
	badBlocks, err := ms.VersionBlocks(ctx, badFile.ID, badVersion.VersionIx)
	require.NoError(t, err)
	require.NotEmpty(t, badBlocks)

	badLoc, err := ms.BlockLocation(ctx, badBlocks[0].BlockHash)
	require.NoError(t, err)
	badArchive, err := ms.Archive(ctx, badLoc.ArchiveID)
	require.NoError(t, err)

	raw, err := remoteStore.Get(ctx, badArchive.ObjectName)
	require.NoError(t, err)
	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)/2] ^= 0xFF
	require.NoError(t, remoteStore.Delete(ctx, badArchive.ObjectName))
	require.NoError(t, remoteStore.Put(ctx, badArchive.ObjectName, tampered))

	dir := t.TempDir()
	res, err := e.Restore(ctx, "", dir)
	require.Error(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "/data/docs/bad.txt", res.Failures[0].Path)
	assert.Equal(t, 1, res.FilesRestored)

	got, err := os.ReadFile(filepath.Join(dir, "/data/docs/good.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello vaultback"), got)

	_, statErr := os.Stat(filepath.Join(dir, "/data/docs/bad.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func hexHash(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range h {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}
