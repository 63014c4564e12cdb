// Package restore resolves a path selector to its newest non-tombstoned
// file versions and writes their content back to disk, block by block,
// with per-block BLAKE3 verification.
package restore

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/vaultback/vaultback/internal/blockstore"
	"github.com/vaultback/vaultback/internal/logger"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

// Engine resolves selectors against a manifest and writes file content back
// to disk by fetching blocks from a block store.
type Engine struct {
	manifest *manifest.Store
	blocks   *blockstore.Store
}

// New constructs a restore Engine.
func New(manifestStore *manifest.Store, blockStore *blockstore.Store) *Engine {
	return &Engine{manifest: manifestStore, blocks: blockStore}
}

// Result summarizes one restore invocation.
type Result struct {
	FilesRestored int
	BytesWritten  uint64
	Failures      []Failure
}

// Failure names one matched file that failed to restore, and why.
type Failure struct {
	Path string
	Err  error
}

// Match is one file selected for restore, naming its manifest identity and
// the version to materialize.
type Match struct {
	File      manifest.File
	VersionIx uint32
}

// Resolve returns every tracked file matching selector at its newest
// non-tombstoned version. selector matches a file whose
// canonical path equals it or has it as a directory prefix; an empty
// selector matches every tracked file, which is how `list` with no
// argument enumerates the whole backup set.
func (e *Engine) Resolve(ctx context.Context, selector string) ([]Match, error) {
	files, err := e.manifest.AllFiles(ctx)
	if err != nil {
		return nil, err
	}

	clean := ""
	if selector != "" {
		clean = filepath.Clean(selector)
	}

	var matches []Match
	for _, f := range files {
		if clean != "" && f.Path != clean && !strings.HasPrefix(f.Path, clean+string(filepath.Separator)) {
			continue
		}
		_, version, ok, err := e.manifest.NewestNonTombstoneVersion(ctx, f.Path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matches = append(matches, Match{File: f, VersionIx: version.VersionIx})
	}
	return matches, nil
}

// Restore resolves selector and writes every matching file's newest
// non-tombstoned version under targetDir, at its full canonical path
// joined onto targetDir (the selector does not shorten it). Each file is
// written atomically: content goes to a temp file in the same directory,
// fsynced, then renamed over the final path. A file that fails integrity
// verification is reported in Result.Failures but does not stop the rest
// of the restore; the returned error, if any, is the first file's failure
// (so a caller checking only the error still observes its Kind), while the
// full set of failures is available on Result for a caller that wants it.
func (e *Engine) Restore(ctx context.Context, selector, targetDir string) (Result, error) {
	var res Result

	matches, err := e.Resolve(ctx, selector)
	if err != nil {
		return res, err
	}

	for _, m := range matches {
		if ctx.Err() != nil {
			return res, vaulterr.New(vaulterr.KindInterrupted, "restore.Restore", ctx.Err())
		}
		n, err := e.restoreFile(ctx, m, targetDir)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Path: m.File.Path, Err: err})
			logger.WarnCtx(ctx, "file failed to restore",
				logger.Component("restore"), logger.Path(m.File.Path), logger.Err(err))
			continue
		}
		res.FilesRestored++
		res.BytesWritten += n
	}
	if len(res.Failures) > 0 {
		return res, res.Failures[0].Err
	}
	return res, nil
}

// restoreFile writes one file's blocks, in order, to targetDir.
// Blocks are fetched one at a time in position order through
// blockstore.FetchBlock; they are not grouped by archive id here, so
// repeat downloads of an archive are avoided only while it stays in the
// blockstore's LRU fetch cache, which also coalesces concurrent fetches of
// one archive. Once the temp file exists, a failure removes it and any
// directories this call created.
func (e *Engine) restoreFile(ctx context.Context, m Match, targetDir string) (uint64, error) {
	vbs, err := e.manifest.VersionBlocks(ctx, m.File.ID, m.VersionIx)
	if err != nil {
		return 0, err
	}

	destPath := filepath.Join(targetDir, m.File.Path)
	createdRoot := ""
	for d := filepath.Dir(destPath); ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil || filepath.Dir(d) == d {
			break
		}
		createdRoot = d
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "restore.restoreFile", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".vaultback-restore-*")
	if err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "restore.restoreFile", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
			if createdRoot != "" {
				os.RemoveAll(createdRoot)
			}
		}
	}()

	var written uint64
	for _, vb := range vbs {
		if ctx.Err() != nil {
			return 0, vaulterr.New(vaulterr.KindInterrupted, "restore.restoreFile", ctx.Err())
		}

		hash, err := decodeHash(vb.BlockHash)
		if err != nil {
			return 0, vaulterr.New(vaulterr.KindCorruption, "restore.restoreFile", err)
		}

		data, err := e.blocks.FetchBlock(ctx, hash)
		if err != nil {
			kind := vaulterr.KindCorruption
			if k, ok := vaulterr.KindOf(err); ok {
				kind = k
			}
			return 0, vaulterr.Wrap(kind, "restore.restoreFile",
				"%s: block %s: %v", m.File.Path, vb.BlockHash, err)
		}
		if _, err := tmp.Write(data); err != nil {
			return 0, vaulterr.New(vaulterr.KindIO, "restore.restoreFile", err)
		}
		written += uint64(len(data))
	}

	if err := tmp.Sync(); err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "restore.restoreFile", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "restore.restoreFile", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, vaulterr.New(vaulterr.KindIO, "restore.restoreFile", err)
	}
	cleanup = false

	logger.InfoCtx(ctx, "file restored",
		logger.Component("restore"),
		logger.Path(m.File.Path),
		logger.Size(written),
		logger.VersionIx(m.VersionIx),
	)
	return written, nil
}

// decodeHash parses a hex-encoded block hash back into its fixed-size form.
func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, vaulterr.ErrBlockNotFound
	}
	copy(out[:], b)
	return out, nil
}
