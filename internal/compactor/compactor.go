// Package compactor implements the two reclaim sweeps that keep remote
// storage bounded: rewriting stale-heavy archives down to their live
// content, and collapsing an accumulating patchset chain into a fresh base
// snapshot.
package compactor

import (
	"cmp"
	"context"
	"encoding/hex"
	"errors"
	"slices"
	"strings"

	"github.com/vaultback/vaultback/internal/blockstore"
	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/logger"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/metrics"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

// Config configures one compaction sweep.
type Config struct {
	// MinArchiveLen mirrors blockstore.Config.MinArchiveLen: the rewrite
	// buffer is sealed into a fresh archive once it reaches this size, so a
	// large compaction sweep still produces several bounded archives
	// rather than one unbounded one.
	MinArchiveLen uint64
	// StaleRatioThreshold is the live-ratio cutoff below which an archive
	// is a compaction candidate. 0.5 by default: an archive under half
	// live is worth rewriting.
	StaleRatioThreshold     float64
	SmallArchivesUpperLimit uint32
	SmallArchivesLowerLimit uint32
	SmallPatchsetsLimit     uint32
	// MaxManifestLen forces the patchset sweep once the accumulated byte
	// size of patchset objects exceeds it, even while their count is still
	// under SmallPatchsetsLimit. 0 leaves only the count trigger.
	MaxManifestLen uint64
}

// Engine runs compaction sweeps against a manifest and block store.
type Engine struct {
	cfg         Config
	manifest    *manifest.Store
	blocks      *blockstore.Store
	remote      remote.Store
	baseKey     [crypto.KeySize]byte
	patchsetKey [crypto.KeySize]byte
	metrics     *metrics.Metrics
}

// New constructs a compaction Engine with no metrics collection.
func New(cfg Config, manifestStore *manifest.Store, blockStore *blockstore.Store, remoteStore remote.Store, master crypto.MasterKey) *Engine {
	return NewWithMetrics(cfg, manifestStore, blockStore, remoteStore, master, metrics.Null())
}

// NewWithMetrics constructs a compaction Engine that records rewrite and
// upload activity against m (a nil m behaves exactly like New).
func NewWithMetrics(cfg Config, manifestStore *manifest.Store, blockStore *blockstore.Store, remoteStore remote.Store, master crypto.MasterKey, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:         cfg,
		manifest:    manifestStore,
		blocks:      blockStore,
		remote:      remoteStore,
		baseKey:     crypto.DeriveSubkey(master, crypto.DomainBase),
		patchsetKey: crypto.DeriveSubkey(master, crypto.DomainPatchset),
		metrics:     m,
	}
}

// Result summarizes one completed compaction sweep.
type Result struct {
	ArchivesRewritten  int
	ArchivesDeleted    int
	PatchsetsCollapsed int
}

// Run performs the archive sweep followed by the patchset sweep. Either
// sweep may be a no-op if nothing crosses its threshold.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var res Result

	if err := e.blocks.ReconcileOrphanArchives(ctx); err != nil {
		return res, err
	}
	if err := e.completePendingCompaction(ctx); err != nil {
		return res, err
	}

	rewritten, deleted, err := e.compactArchives(ctx)
	if err != nil {
		return res, err
	}
	res.ArchivesRewritten = rewritten
	res.ArchivesDeleted = deleted

	collapsed, err := e.compactPatchsets(ctx)
	if err != nil {
		return res, err
	}
	res.PatchsetsCollapsed = collapsed

	return res, nil
}

// completePendingCompaction finishes a rewrite sweep a prior run committed
// but crashed before cleaning up after: the
// manifest transaction that cuts an archive rewrite over is also where the
// marker naming the superseded objects becomes durable, so if one is found
// here the cutover itself already happened and all that is left is to
// delete those objects remotely; there is no half-applied state to
// discard.
func (e *Engine) completePendingCompaction(ctx context.Context) error {
	marker, err := e.manifest.PendingCompactionMarker(ctx)
	if err != nil {
		return err
	}
	if marker == nil {
		return nil
	}

	logger.WarnCtx(ctx, "resuming archive compaction interrupted by a prior crash",
		logger.Component("compactor"))
	for _, name := range strings.Split(marker.ObjectNames, ",") {
		if name == "" {
			continue
		}
		if err := e.remote.Delete(ctx, name); err != nil {
			logger.WarnCtx(ctx, "failed to delete superseded archive object",
				logger.Component("compactor"), logger.Key(name), logger.Err(err))
		}
	}
	return e.manifest.ClearCompactionMarker(ctx)
}

// candidate is one archive under consideration for rewrite, with its
// precomputed live ratio.
type candidate struct {
	archive manifest.Archive
	ratio   float64
}

// TieBreak orders compaction candidates: ascending live ratio first, and
// between archives of equal ratio, descending uncompressed length, so the
// rewrite that reclaims the most space runs first. The ordering is total
// and deterministic for any pair of candidates with equal ratio and
// length up to their relative input order.
func TieBreak(a, b candidate) int {
	if c := cmp.Compare(a.ratio, b.ratio); c != 0 {
		return c
	}
	return cmp.Compare(b.archive.UncompressedLen, a.archive.UncompressedLen)
}

// compactArchives finds archives whose live ratio is below the stale
// threshold and, if there are more of them than small_archives_upper_limit,
// rewrites the worst ones (ordered by TieBreak: ascending ratio, then
// descending uncompressed length) down to small_archives_lower_limit.
func (e *Engine) compactArchives(ctx context.Context) (rewritten, deleted int, err error) {
	if e.cfg.SmallArchivesUpperLimit == 0 {
		return 0, 0, nil
	}
	archives, err := e.manifest.AllArchives(ctx)
	if err != nil {
		return 0, 0, err
	}
	liveBytes, err := e.manifest.LiveBytesByArchive(ctx)
	if err != nil {
		return 0, 0, err
	}

	var stale []candidate
	for _, a := range archives {
		ratio := float64(0)
		if a.UncompressedLen > 0 {
			ratio = float64(liveBytes[a.ID]) / float64(a.UncompressedLen)
		}
		if ratio < e.cfg.StaleRatioThreshold {
			stale = append(stale, candidate{archive: a, ratio: ratio})
		}
	}

	if uint32(len(stale)) <= e.cfg.SmallArchivesUpperLimit {
		return 0, 0, nil
	}

	slices.SortFunc(stale, TieBreak)

	selectCount := len(stale) - int(e.cfg.SmallArchivesLowerLimit)
	if selectCount <= 0 {
		return 0, 0, nil
	}
	selected := stale[:selectCount]

	tx, err := e.manifest.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	staleNames := make([]string, len(selected))
	for i, c := range selected {
		staleNames[i] = c.archive.ObjectName
	}
	if err := tx.SetCompactionMarker(staleNames); err != nil {
		return 0, 0, err
	}

	var sealedArchiveIDs []uint64
	for _, c := range selected {
		if ctx.Err() != nil {
			return 0, 0, vaulterr.New(vaulterr.KindInterrupted, "compactor.compactArchives", ctx.Err())
		}

		liveBlocks, err := e.manifest.LiveBlocksInArchive(ctx, c.archive.ID)
		if err != nil {
			return 0, 0, err
		}

		if len(liveBlocks) > 0 {
			raw, err := e.blocks.FetchArchive(ctx, c.archive.ID)
			if err != nil {
				return 0, 0, err
			}
			for _, b := range liveBlocks {
				if uint64(b.Offset)+uint64(b.Length) > uint64(len(raw)) {
					return 0, 0, vaulterr.Wrap(vaulterr.KindCorruption, "compactor.compactArchives",
						"block %s location exceeds archive %d length %d", b.Hash, c.archive.ID, len(raw))
				}
				data := raw[b.Offset : b.Offset+uint64(b.Length)]
				var hash [32]byte
				if err := decodeHashInto(&hash, b.Hash); err != nil {
					return 0, 0, vaulterr.New(vaulterr.KindCorruption, "compactor.compactArchives", err)
				}
				if crypto.Hash(data) != hash {
					return 0, 0, vaulterr.Wrap(vaulterr.KindCorruption, "compactor.compactArchives",
						"block %s failed hash verification during rewrite", b.Hash)
				}
				e.blocks.StageForRewrite(hash, data)
			}

			if e.blocks.PendingLen() >= e.cfg.MinArchiveLen {
				if id, ok, err := e.blocks.SealRewrite(ctx, tx); err != nil {
					return 0, 0, err
				} else if ok {
					sealedArchiveIDs = append(sealedArchiveIDs, id)
				}
			}
		}

		// Every block still pointing at this archive after the live ones
		// were repointed above is dead; drop its row before the archive
		// row itself so nothing is left referencing a deleted archive.
		remaining, err := e.manifest.BlocksInArchive(ctx, c.archive.ID)
		if err != nil {
			return 0, 0, err
		}
		for _, b := range remaining {
			if err := tx.DeleteBlock(b.Hash); err != nil {
				return 0, 0, err
			}
		}
		if err := tx.DeleteArchive(c.archive.ID); err != nil {
			return 0, 0, err
		}
		deleted++
	}

	if id, ok, err := e.blocks.SealRewrite(ctx, tx); err != nil {
		return 0, 0, err
	} else if ok {
		sealedArchiveIDs = append(sealedArchiveIDs, id)
	}

	patchsetID, err := e.manifest.NextPatchsetID(ctx)
	if err != nil {
		return 0, 0, err
	}
	objectName := remote.PatchsetName(patchsetID)

	plaintext, err := manifest.SerializePatchset(tx)
	if err != nil {
		return 0, 0, err
	}
	envelope, err := manifest.SealPatchset(e.patchsetKey, objectName, plaintext)
	if err != nil {
		return 0, 0, err
	}
	if err := e.remote.Put(ctx, objectName, envelope); err != nil {
		if errors.Is(err, vaulterr.ErrObjectExists) {
			return 0, 0, vaulterr.New(vaulterr.KindConcurrency, "compactor.compactArchives", err)
		}
		return 0, 0, vaulterr.New(vaulterr.KindRemote, "compactor.compactArchives", err)
	}
	e.metrics.RecordUpload("patchset", uint64(len(envelope)))
	if err := tx.Commit(patchsetID, objectName, uint64(len(envelope))); err != nil {
		return 0, 0, err
	}
	committed = true
	e.metrics.RecordCompaction(len(sealedArchiveIDs), deleted)

	// Only once the manifest commit durably reflects the rewrite do the
	// superseded archive objects get deleted remotely. If the process dies
	// during this loop, completePendingCompaction picks up the marker
	// committed above and finishes it on the next run.
	for _, c := range selected {
		if err := e.remote.Delete(ctx, c.archive.ObjectName); err != nil {
			logger.WarnCtx(ctx, "failed to delete superseded archive object",
				logger.Component("compactor"), logger.Key(c.archive.ObjectName), logger.Err(err))
		}
	}
	if err := e.manifest.ClearCompactionMarker(ctx); err != nil {
		return 0, 0, err
	}

	logger.InfoCtx(ctx, "archive compaction completed",
		logger.Component("compactor"),
		logger.PatchsetID(patchsetID),
		"archives_rewritten", len(sealedArchiveIDs),
		"archives_deleted", deleted,
	)
	return len(sealedArchiveIDs), deleted, nil
}

// compactPatchsets collapses the patchset chain: once the patchset count
// above the base exceeds small_patchsets_limit, or their accumulated byte
// size exceeds max_manifest_len, collapse the manifest's current full
// state (already the result of replaying every patchset in order) into a
// fresh base snapshot and drop the superseded patchset objects. A
// small_patchsets_limit of 0 disables the sweep entirely.
func (e *Engine) compactPatchsets(ctx context.Context) (int, error) {
	if e.cfg.SmallPatchsetsLimit == 0 {
		return 0, nil
	}

	patchsets, err := e.manifest.AllPatchsets(ctx)
	if err != nil {
		return 0, err
	}
	if len(patchsets) == 0 {
		return 0, nil
	}

	var totalBytes uint64
	for _, p := range patchsets {
		totalBytes += p.ByteSize
	}
	overCount := uint32(len(patchsets)) > e.cfg.SmallPatchsetsLimit
	overSize := e.cfg.MaxManifestLen > 0 && totalBytes > e.cfg.MaxManifestLen
	if !overCount && !overSize {
		return 0, nil
	}
	newBaseID := patchsets[len(patchsets)-1].ID

	plaintext, err := manifest.SerializeBase(ctx, e.manifest)
	if err != nil {
		return 0, err
	}
	objectName := remote.BaseName(newBaseID)
	envelope, err := manifest.SealBase(e.baseKey, objectName, plaintext)
	if err != nil {
		return 0, err
	}
	if err := e.remote.Put(ctx, objectName, envelope); err != nil {
		if errors.Is(err, vaulterr.ErrObjectExists) {
			return 0, vaulterr.New(vaulterr.KindConcurrency, "compactor.compactPatchsets", err)
		}
		return 0, vaulterr.New(vaulterr.KindRemote, "compactor.compactPatchsets", err)
	}
	e.metrics.RecordUpload("base", uint64(len(envelope)))

	if err := manifest.CollapseToBase(ctx, e.manifest, newBaseID); err != nil {
		return 0, err
	}

	for _, p := range patchsets {
		if err := e.remote.Delete(ctx, p.ObjectName); err != nil {
			logger.WarnCtx(ctx, "failed to delete superseded patchset object",
				logger.Component("compactor"), logger.Key(p.ObjectName), logger.Err(err))
		}
	}

	logger.InfoCtx(ctx, "patchset compaction completed",
		logger.Component("compactor"), logger.PatchsetID(newBaseID),
		"patchsets_collapsed", len(patchsets),
	)
	return len(patchsets), nil
}

func decodeHashInto(out *[32]byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(out) {
		return vaulterr.ErrBlockNotFound
	}
	copy(out[:], b)
	return nil
}
