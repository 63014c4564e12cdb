package compactor

import (
	"context"
	"fmt"
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultback/vaultback/internal/blockstore"
	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/remote/memstore"
)

func newTestRig(t *testing.T) (*manifest.Store, *blockstore.Store, *memstore.Store, crypto.MasterKey) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "manifest-*.db")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ms, err := manifest.Open(manifest.Config{Type: manifest.DatabaseSQLite, Path: f.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ms.Close() })

	var master crypto.MasterKey
	for i := range master {
		master[i] = byte(i + 7)
	}
	remoteStore := memstore.New()
	bs := blockstore.New(blockstore.Config{MinArchiveLen: 1, CompressionLevel: 3, CacheBudget: 1 << 20}, ms, remoteStore, master)
	return ms, bs, remoteStore, master
}

// seedHalfLiveArchive stages one live block (referenced by a file version)
// and one dead block (never referenced) into their own sealed archive, to
// build a half-live-ratio archive fixture.
func seedHalfLiveArchive(t *testing.T, ms *manifest.Store, bs *blockstore.Store, path string, live, dead []byte) (archiveID uint64, liveHash [32]byte) {
	t.Helper()
	ctx := context.Background()

	liveHash = crypto.Hash(live)
	deadHash := crypto.Hash(dead)
	require.NoError(t, bs.Stage(ctx, liveHash, live))
	require.NoError(t, bs.Stage(ctx, deadHash, dead))

	tx, err := ms.Begin(ctx)
	require.NoError(t, err)

	file, err := tx.EnsureFile(path)
	require.NoError(t, err)
	version, err := tx.OpenNewVersion(file.ID, 0, 1000, uint64(len(live)), 0o644)
	require.NoError(t, err)
	require.NoError(t, tx.InsertVersionBlock(&manifest.VersionBlock{
		FileID: file.ID, VersionIx: version.VersionIx, Position: 0, BlockHash: hexHash(liveHash),
	}))

	id, ok, err := bs.SealCurrent(ctx, tx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Commit(id, objectNameFor(id), 0))

	return id, liveHash
}

func objectNameFor(id uint64) string {
	return "patchset/seed-" + string(rune('a'+id))
}

func TestCompactArchivesRewritesStaleArchivesAndKeepsLiveBlocksFetchable(t *testing.T) {
	ms, bs, remoteStore, master := newTestRig(t)
	ctx := context.Background()

	var liveHashes [][32]byte
	for i := 0; i < 3; i++ {
		_, liveHash := seedHalfLiveArchive(t, ms, bs,
			"/data/file"+string(rune('0'+i)),
			[]byte("live-bytes-"+string(rune('0'+i))),
			[]byte("dead-bytes-"+string(rune('0'+i))),
		)
		liveHashes = append(liveHashes, liveHash)
	}

	archivesBefore, err := ms.AllArchives(ctx)
	require.NoError(t, err)
	require.Len(t, archivesBefore, 3)
	archiveObjectsBefore, err := remoteStore.List(ctx, "archive/")
	require.NoError(t, err)
	require.Len(t, archiveObjectsBefore, 3)

	cfg := Config{
		MinArchiveLen:           1 << 20,
		StaleRatioThreshold:     0.6,
		SmallArchivesUpperLimit: 2,
		SmallArchivesLowerLimit: 1,
		SmallPatchsetsLimit:     1 << 20, // only exercise the archive sweep here
	}
	engine := New(cfg, ms, bs, remoteStore, master)

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ArchivesDeleted)
	assert.Equal(t, 1, res.ArchivesRewritten)

	archivesAfter, err := ms.AllArchives(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(archivesAfter), 2)

	for _, h := range liveHashes {
		data, err := bs.FetchBlock(ctx, h)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}

	// The two superseded archive objects are gone remotely; exactly one new
	// archive object replaces them, matching what the manifest now tracks.
	archiveObjectsAfter, err := remoteStore.List(ctx, "archive/")
	require.NoError(t, err)
	assert.Len(t, archiveObjectsAfter, len(archivesAfter))
}

// TestCompletePendingCompactionFinishesInterruptedSweep simulates a crash
// between a rewrite sweep's manifest commit and its remote cleanup: the
// marker row is already committed (so PendingCompactionMarker finds it)
// but the superseded archive object is still present remotely.
// completePendingCompaction must delete it and clear the marker, the way
// Engine.Run does automatically on its next invocation.
func TestCompletePendingCompactionFinishesInterruptedSweep(t *testing.T) {
	ms, bs, remoteStore, master := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, remoteStore.Put(ctx, "archive/superseded", []byte("stale-archive-bytes")))

	tx, err := ms.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetCompactionMarker([]string{"archive/superseded"}))
	require.NoError(t, tx.Commit(1, "patchset/0000000000000000001", 0))

	marker, err := ms.PendingCompactionMarker(ctx)
	require.NoError(t, err)
	require.NotNil(t, marker)

	engine := New(Config{}, ms, bs, remoteStore, master)
	require.NoError(t, engine.completePendingCompaction(ctx))

	_, err = remoteStore.Get(ctx, "archive/superseded")
	assert.Error(t, err)

	marker, err = ms.PendingCompactionMarker(ctx)
	require.NoError(t, err)
	assert.Nil(t, marker)
}

// TestCompletePendingCompactionNoOpWhenNoMarker covers the common case: an
// uninterrupted sweep leaves no marker behind, so the next Run's check is
// a cheap no-op.
func TestCompletePendingCompactionNoOpWhenNoMarker(t *testing.T) {
	ms, bs, remoteStore, master := newTestRig(t)
	engine := New(Config{}, ms, bs, remoteStore, master)
	require.NoError(t, engine.completePendingCompaction(context.Background()))
}

// seedPatchsetRow commits one small manifest transaction whose patchset
// row carries byteSize, with a matching object in the remote store.
func seedPatchsetRow(t *testing.T, ms *manifest.Store, remoteStore *memstore.Store, id uint64, byteSize uint64) {
	t.Helper()
	ctx := context.Background()

	tx, err := ms.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.EnsureFile(fmt.Sprintf("/data/seed%d", id))
	require.NoError(t, err)

	name := remote.PatchsetName(id)
	require.NoError(t, remoteStore.Put(ctx, name, []byte("patchset-object-bytes")))
	require.NoError(t, tx.Commit(id, name, byteSize))
}

// TestCompactPatchsetsForcedByAccumulatedSize exercises the size trigger:
// two patchsets well under the count limit still collapse into a base
// snapshot once their accumulated byte size crosses max_manifest_len, and
// the next patchset id keeps climbing past the collapsed ones.
func TestCompactPatchsetsForcedByAccumulatedSize(t *testing.T) {
	ms, bs, remoteStore, master := newTestRig(t)
	ctx := context.Background()

	seedPatchsetRow(t, ms, remoteStore, 1, 6_000_000)
	seedPatchsetRow(t, ms, remoteStore, 2, 6_000_000)

	eng := New(Config{
		SmallPatchsetsLimit: 10,
		MaxManifestLen:      10_000_000,
	}, ms, bs, remoteStore, master)

	res, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PatchsetsCollapsed)

	patchsetObjects, err := remoteStore.List(ctx, "patchset/")
	require.NoError(t, err)
	assert.Empty(t, patchsetObjects)
	baseObjects, err := remoteStore.List(ctx, "base/")
	require.NoError(t, err)
	assert.Len(t, baseObjects, 1)

	base, err := ms.BasePatchsetID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, base)

	next, err := ms.NextPatchsetID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, next)
}

// TestCompactPatchsetsDisabledByZeroLimit pins the sweep's off switch: a
// small_patchsets_limit of 0 means no collapse, size trigger included.
func TestCompactPatchsetsDisabledByZeroLimit(t *testing.T) {
	ms, bs, remoteStore, master := newTestRig(t)
	ctx := context.Background()

	seedPatchsetRow(t, ms, remoteStore, 1, 6_000_000)

	eng := New(Config{SmallPatchsetsLimit: 0, MaxManifestLen: 1}, ms, bs, remoteStore, master)
	res, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.PatchsetsCollapsed)

	patchsetObjects, err := remoteStore.List(ctx, "patchset/")
	require.NoError(t, err)
	assert.Len(t, patchsetObjects, 1)
}

// TestTieBreakOrderingIsTotalAndDeterministic pins down the candidate
// ordering: ascending live ratio first, then descending uncompressed
// length between equal ratios, so sorting any permutation of the same
// candidate set always yields the same sequence.
func TestTieBreakOrderingIsTotalAndDeterministic(t *testing.T) {
	mk := func(id uint64, size uint64, ratio float64) candidate {
		return candidate{archive: manifest.Archive{ID: id, UncompressedLen: size}, ratio: ratio}
	}
	cands := []candidate{
		mk(1, 100, 0.4),
		mk(2, 900, 0.1),
		mk(3, 500, 0.1),
		mk(4, 900, 0.1),
		mk(5, 300, 0.0),
	}

	sorted := append([]candidate(nil), cands...)
	slices.SortStableFunc(sorted, TieBreak)

	var ids []uint64
	for _, c := range sorted {
		ids = append(ids, c.archive.ID)
	}
	// Lowest ratio first; among the 0.1 trio the largest archive leads, and
	// the two equal (ratio, length) candidates keep their input order.
	assert.Equal(t, []uint64{5, 2, 4, 3, 1}, ids)

	// Every rotation of the input sorts to the same sequence.
	for shift := 1; shift < len(cands); shift++ {
		rotated := append(append([]candidate(nil), cands[shift:]...), cands[:shift]...)
		slices.SortFunc(rotated, TieBreak)
		for i, c := range rotated {
			assert.Equal(t, sorted[i].ratio, c.ratio)
			assert.Equal(t, sorted[i].archive.UncompressedLen, c.archive.UncompressedLen)
		}
	}

	// Antisymmetry: a before b implies b not before a.
	for _, a := range cands {
		for _, b := range cands {
			if TieBreak(a, b) < 0 {
				assert.Positive(t, TieBreak(b, a))
			}
		}
	}
}

func hexHash(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range h {
		out = append(out, hextable[b>>4], hextable[b&0x0f])
	}
	return string(out)
}
