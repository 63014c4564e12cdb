// Package snapshot implements the backup-run algorithm: it walks the
// configured include/exclude tree, detects changed files,
// splits and stages their content, closes or tombstones files that
// disappeared, and commits the resulting manifest delta as a single
// patchset.
package snapshot

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/vaultback/vaultback/internal/blockstore"
	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/logger"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/metrics"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/splitter"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

// Config configures one snapshot run.
type Config struct {
	Includes         []string
	Excludes         []string
	KeepDeletedFiles bool
	NumThreads       int
	SplitParams      splitter.Params
}

// Engine runs backup snapshots against a manifest and block store.
type Engine struct {
	cfg      Config
	manifest *manifest.Store
	blocks   *blockstore.Store
	remote   remote.Store
	subkey   [crypto.KeySize]byte
	metrics  *metrics.Metrics
}

// New constructs a snapshot Engine with no metrics collection.
func New(cfg Config, manifestStore *manifest.Store, blockStore *blockstore.Store, remoteStore remote.Store, master crypto.MasterKey) *Engine {
	return NewWithMetrics(cfg, manifestStore, blockStore, remoteStore, master, metrics.Null())
}

// NewWithMetrics constructs a snapshot Engine that records patchset uploads
// against m (a nil m behaves exactly like New).
func NewWithMetrics(cfg Config, manifestStore *manifest.Store, blockStore *blockstore.Store, remoteStore remote.Store, master crypto.MasterKey, m *metrics.Metrics) *Engine {
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	return &Engine{
		cfg:      cfg,
		manifest: manifestStore,
		blocks:   blockStore,
		remote:   remoteStore,
		subkey:   crypto.DeriveSubkey(master, crypto.DomainPatchset),
		metrics:  m,
	}
}

// Result summarizes one completed run, for logging and tests.
type Result struct {
	FilesScanned    int
	FilesChanged    int
	FilesTombstoned int
	ArchivesSealed  int
	PatchsetID      uint64
	Committed       bool
}

// splitResult is one worker's output: the path's ordered block list and
// its filesystem metadata at scan time.
type splitResult struct {
	path   string
	mtime  int64
	size   uint64
	mode   uint32
	blocks []splitter.Block
	err    error
}

// Run performs one full backup snapshot.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var res Result

	if err := e.reconcileOrphanPatchsets(ctx); err != nil {
		return res, err
	}
	if err := e.blocks.ReconcileOrphanArchives(ctx); err != nil {
		return res, err
	}

	live, err := walk(e.cfg.Includes, e.cfg.Excludes)
	if err != nil {
		return res, vaulterr.New(vaulterr.KindIO, "snapshot.Run", err)
	}
	res.FilesScanned = len(live)
	liveSet := make(map[string]struct{}, len(live))
	for _, p := range live {
		liveSet[p] = struct{}{}
	}

	// Decide which files actually need re-splitting before spending any
	// worker-pool time on them.
	var toProcess []string
	for _, path := range live {
		if ctx.Err() != nil {
			return res, vaulterr.New(vaulterr.KindInterrupted, "snapshot.Run", ctx.Err())
		}
		info, err := os.Lstat(path)
		if err != nil {
			return res, vaulterr.New(vaulterr.KindIO, "snapshot.Run", err)
		}
		_, version, ok, err := e.manifest.OpenVersion(ctx, path)
		if err != nil {
			return res, err
		}
		if ok && unchanged(version, info) {
			continue
		}
		toProcess = append(toProcess, path)
	}

	results := e.splitAll(ctx, toProcess)

	tx, err := e.manifest.Begin(ctx)
	if err != nil {
		return res, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, r := range results {
		if r.err != nil {
			return res, vaulterr.New(vaulterr.KindIO, "snapshot.Run", r.err)
		}
		if err := e.commitFileVersion(ctx, tx, r); err != nil {
			return res, err
		}
		if _, ok, err := e.blocks.FlushIfFull(ctx, tx); err != nil {
			return res, err
		} else if ok {
			res.ArchivesSealed++
		}
		res.FilesChanged++
	}

	// Close or tombstone files no longer present on disk.
	liveFiles, err := e.manifest.LiveFiles(ctx)
	if err != nil {
		return res, err
	}
	for path, fileID := range liveFiles {
		if _, ok := liveSet[path]; ok {
			continue
		}
		if e.cfg.KeepDeletedFiles {
			continue
		}
		_, version, ok, err := e.manifest.OpenVersion(ctx, path)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		if err := tx.CloseVersion(fileID, version.VersionIx); err != nil {
			return res, err
		}
		// The tombstone itself is a new version, opened and immediately
		// closed, with size 0, an empty block list, and mode 0. A version's
		// fields are fixed at insert, so closing the prior version alone
		// cannot express them.
		tombstone, err := tx.OpenNewVersion(fileID, version.VersionIx+1, version.MTime, 0, 0)
		if err != nil {
			return res, err
		}
		if err := tx.CloseVersion(fileID, tombstone.VersionIx); err != nil {
			return res, err
		}
		res.FilesTombstoned++
	}

	if _, ok, err := e.blocks.SealCurrent(ctx, tx); err != nil {
		return res, err
	} else if ok {
		res.ArchivesSealed++
	}

	if len(tx.Changes()) == 0 {
		// Nothing changed: no patchset to publish.
		tx.Rollback()
		committed = true
		return res, nil
	}

	patchsetID, err := e.manifest.NextPatchsetID(ctx)
	if err != nil {
		return res, err
	}
	objectName := remote.PatchsetName(patchsetID)

	plaintext, err := manifest.SerializePatchset(tx)
	if err != nil {
		return res, err
	}
	envelope, err := manifest.SealPatchset(e.subkey, objectName, plaintext)
	if err != nil {
		return res, err
	}

	if err := e.remote.Put(ctx, objectName, envelope); err != nil {
		if errors.Is(err, vaulterr.ErrObjectExists) {
			return res, vaulterr.New(vaulterr.KindConcurrency, "snapshot.Run", err)
		}
		return res, vaulterr.New(vaulterr.KindRemote, "snapshot.Run", err)
	}
	e.metrics.RecordUpload("patchset", uint64(len(envelope)))

	if err := tx.Commit(patchsetID, objectName, uint64(len(envelope))); err != nil {
		return res, err
	}
	committed = true

	res.PatchsetID = patchsetID
	res.Committed = true
	logger.InfoCtx(ctx, "snapshot committed",
		logger.Component("snapshot"),
		logger.PatchsetID(patchsetID),
		"files_changed", res.FilesChanged,
		"files_tombstoned", res.FilesTombstoned,
		"archives_sealed", res.ArchivesSealed,
	)
	return res, nil
}

// reconcileOrphanPatchsets deletes any remote patchset object whose id was
// never recorded in the manifest:
// a prior run's remote.Put of a patchset succeeded but the process was
// killed before the matching local commit, so the object exists remotely
// under an id NextPatchsetID will reissue, with no corresponding row in
// the manifest's patchsets table. Left in place, the next run's put of
// that same id would collide; reconciling here means that collision never
// happens and the crashed run's upload is simply discarded.
func (e *Engine) reconcileOrphanPatchsets(ctx context.Context) error {
	names, err := e.remote.List(ctx, remote.PrefixPatchset)
	if err != nil {
		return vaulterr.New(vaulterr.KindRemote, "snapshot.reconcileOrphanPatchsets", err)
	}
	if len(names) == 0 {
		return nil
	}

	known, err := e.manifest.AllPatchsets(ctx)
	if err != nil {
		return err
	}
	committed := make(map[string]struct{}, len(known))
	for _, p := range known {
		committed[p.ObjectName] = struct{}{}
	}

	for _, name := range names {
		if _, ok := committed[name]; ok {
			continue
		}
		logger.WarnCtx(ctx, "discarding orphaned patchset object from a prior crashed run",
			logger.Component("snapshot"), "object", name)
		if err := e.remote.Delete(ctx, name); err != nil {
			return vaulterr.New(vaulterr.KindRemote, "snapshot.reconcileOrphanPatchsets", err)
		}
	}
	return nil
}

// splitAll runs the split+stage step for every path in paths across a
// bounded worker pool sized by NumThreads. Staging into the block store is
// internally
// serialized by blockstore.Store's own mutex, so concurrent workers never
// race on archive layout. Results are returned sorted by path, whatever
// order paths came in, so the caller can apply manifest writes
// deterministically.
func (e *Engine) splitAll(ctx context.Context, paths []string) []splitResult {
	p := pool.NewWithResults[splitResult]().WithMaxGoroutines(e.cfg.NumThreads)
	for _, path := range paths {
		path := path
		p.Go(func() splitResult {
			return e.splitFile(ctx, path)
		})
	}
	results := p.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].path < results[j].path })
	return results
}

// splitFile reads path sequentially, splits it into content-defined
// blocks, and stages every novel one.
func (e *Engine) splitFile(ctx context.Context, path string) splitResult {
	info, err := os.Lstat(path)
	if err != nil {
		return splitResult{path: path, err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return splitResult{path: path, err: err}
	}
	defer f.Close()

	var blocks []splitter.Block
	err = splitter.Split(f, e.cfg.SplitParams, func(b splitter.Block) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stageErr := e.blocks.Stage(ctx, b.Hash, b.Data); stageErr != nil {
			return stageErr
		}
		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		return splitResult{path: path, err: err}
	}

	return splitResult{
		path:   path,
		mtime:  info.ModTime().Unix(),
		size:   uint64(info.Size()),
		mode:   uint32(info.Mode().Perm()),
		blocks: blocks,
	}
}

// commitFileVersion closes the prior open version (if any) and opens a new
// one referencing r's block list.
func (e *Engine) commitFileVersion(ctx context.Context, tx *manifest.Tx, r splitResult) error {
	file, err := tx.EnsureFile(r.path)
	if err != nil {
		return err
	}

	_, prior, ok, err := e.manifest.OpenVersion(ctx, r.path)
	if err != nil {
		return err
	}
	nextIx := uint32(0)
	if prior != nil {
		nextIx = prior.VersionIx + 1
	}
	if ok {
		if err := tx.CloseVersion(file.ID, prior.VersionIx); err != nil {
			return err
		}
	}

	version, err := tx.OpenNewVersion(file.ID, nextIx, r.mtime, r.size, r.mode)
	if err != nil {
		return err
	}

	for position, b := range r.blocks {
		if err := tx.InsertVersionBlock(&manifest.VersionBlock{
			FileID:    file.ID,
			VersionIx: version.VersionIx,
			Position:  uint32(position),
			BlockHash: hex.EncodeToString(b.Hash[:]),
		}); err != nil {
			return err
		}
	}
	return nil
}

// unchanged reports whether a file's on-disk metadata still matches its
// current open version, in which case the snapshot engine reuses it
// without re-splitting.
func unchanged(v *manifest.FileVersion, info os.FileInfo) bool {
	return v.MTime == info.ModTime().Unix() &&
		v.Size == uint64(info.Size()) &&
		v.Mode == uint32(info.Mode().Perm())
}
