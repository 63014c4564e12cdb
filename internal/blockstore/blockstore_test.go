package blockstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/remote/memstore"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

func newTestStore(t *testing.T) (*Store, *manifest.Store, *memstore.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "manifest-*.db")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ms, err := manifest.Open(manifest.Config{Type: manifest.DatabaseSQLite, Path: f.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ms.Close() })

	remoteStore := memstore.New()
	var master crypto.MasterKey
	for i := range master {
		master[i] = byte(i)
	}

	cfg := Config{MinArchiveLen: 1024, CompressionLevel: 3, CacheBudget: 1 << 20}
	return New(cfg, ms, remoteStore, master), ms, remoteStore
}

func TestStageDedupSkipsKnownHash(t *testing.T) {
	bs, ms, _ := newTestStore(t)
	ctx := context.Background()

	hash := crypto.Hash([]byte("hello"))
	require.NoError(t, bs.Stage(ctx, hash, []byte("hello")))
	require.NoError(t, bs.Stage(ctx, hash, []byte("hello")))

	assert.Equal(t, uint64(len("hello")), bs.PendingLen())
	have, err := bs.Have(ctx, hash)
	require.NoError(t, err)
	assert.True(t, have)
	_ = ms
}

func TestSealCurrentUploadsAndRecordsBlocks(t *testing.T) {
	bs, ms, remoteStore := newTestStore(t)
	ctx := context.Background()

	hashA := crypto.Hash([]byte("aaaa"))
	hashB := crypto.Hash([]byte("bbbb"))
	require.NoError(t, bs.Stage(ctx, hashA, []byte("aaaa")))
	require.NoError(t, bs.Stage(ctx, hashB, []byte("bbbb")))

	tx, err := ms.Begin(ctx)
	require.NoError(t, err)

	id, ok, err := bs.SealCurrent(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)

	require.NoError(t, tx.Commit(1, "patchset/test", 0))
	assert.Equal(t, 1, remoteStore.Len())

	fetched, err := bs.FetchBlock(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), fetched)
}

func TestFetchBlockDetectsCorruption(t *testing.T) {
	bs, ms, remoteStore := newTestStore(t)
	ctx := context.Background()

	hash := crypto.Hash([]byte("payload-bytes"))
	require.NoError(t, bs.Stage(ctx, hash, []byte("payload-bytes")))

	tx, err := ms.Begin(ctx)
	require.NoError(t, err)
	_, ok, err := bs.SealCurrent(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Commit(1, "patchset/test", 0))

	loc, err := ms.BlockLocation(ctx, hashHex(hash))
	require.NoError(t, err)
	archive, err := ms.Archive(ctx, loc.ArchiveID)
	require.NoError(t, err)

	// Tamper with the uploaded archive object directly.
	tampered := append([]byte(nil), mustGet(t, remoteStore, archive.ObjectName)...)
	tampered[len(tampered)-1] ^= 0xFF
	require.NoError(t, remoteStore.Delete(ctx, archive.ObjectName))
	require.NoError(t, remoteStore.Put(ctx, archive.ObjectName, tampered))

	_, err = bs.FetchBlock(ctx, hash)
	require.Error(t, err)
}

// TestReconcileOrphanArchivesDeletesUncommittedUpload simulates a crash
// between seal()'s successful remote upload and the caller's manifest
// commit: the archive object exists remotely at the
// id NextArchiveID would reissue, with no matching Archive row.
// ReconcileOrphanArchives must discard it so the next seal() at that id
// doesn't collide with ErrObjectExists forever.
func TestReconcileOrphanArchivesDeletesUncommittedUpload(t *testing.T) {
	bs, ms, remoteStore := newTestStore(t)
	ctx := context.Background()

	orphanName := remote.ArchiveName(1)
	require.NoError(t, remoteStore.Put(ctx, orphanName, []byte("uncommitted-archive-bytes")))

	require.NoError(t, bs.ReconcileOrphanArchives(ctx))

	_, err := remoteStore.Get(ctx, orphanName)
	assert.Error(t, err)

	next, err := ms.NextArchiveID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, next)
}

// TestReconcileOrphanArchivesKeepsCommittedArchive ensures reconciliation
// never touches an archive object the manifest actually knows about.
func TestReconcileOrphanArchivesKeepsCommittedArchive(t *testing.T) {
	bs, ms, remoteStore := newTestStore(t)
	ctx := context.Background()

	hash := crypto.Hash([]byte("keep-me"))
	require.NoError(t, bs.Stage(ctx, hash, []byte("keep-me")))
	tx, err := ms.Begin(ctx)
	require.NoError(t, err)
	_, ok, err := bs.SealCurrent(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Commit(1, "patchset/test", 0))

	require.NoError(t, bs.ReconcileOrphanArchives(ctx))

	archives, err := ms.AllArchives(ctx)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	_, err = remoteStore.Get(ctx, archives[0].ObjectName)
	assert.NoError(t, err)
}

// TestSealCurrentClassifiesCollisionAsConcurrency verifies seal()'s
// upload-failure path: when the chosen object name is already occupied
// remotely despite the manifest saying it shouldn't be (a genuine
// collision reconciliation didn't catch), the error must be KindConcurrency,
// not KindRemote: such a collision is fatal and operator-actionable.
func TestSealCurrentClassifiesCollisionAsConcurrency(t *testing.T) {
	bs, ms, remoteStore := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, remoteStore.Put(ctx, remote.ArchiveName(1), []byte("already-occupied")))

	hash := crypto.Hash([]byte("colliding-data"))
	require.NoError(t, bs.Stage(ctx, hash, []byte("colliding-data")))
	tx, err := ms.Begin(ctx)
	require.NoError(t, err)

	_, _, err = bs.SealCurrent(ctx, tx)
	require.Error(t, err)
	kind, ok := vaulterr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, vaulterr.KindConcurrency, kind)
}

func hashHex(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range h {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}

func mustGet(t *testing.T, s *memstore.Store, name string) []byte {
	t.Helper()
	data, err := s.Get(context.Background(), name)
	require.NoError(t, err)
	return data
}
