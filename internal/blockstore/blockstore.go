// Package blockstore implements block deduplication, archive
// staging, and the pack-and-seal pipeline (Zstd compression then an
// authenticated-encryption envelope) that turns staged blocks into sealed,
// uploaded archive objects. It also serves block reads during restore and
// compaction through a bounded LRU cache of decrypted archive bytes.
package blockstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/logger"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/metrics"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/vaulterr"
)

// Config configures a Store.
type Config struct {
	// MinArchiveLen is the staged-bytes threshold that triggers
	// FlushIfFull to seal the current archive buffer.
	MinArchiveLen uint64
	// CompressionLevel is the Zstd compression level, mapped onto
	// klauspost/compress's named encoder tiers.
	CompressionLevel int
	// CacheBudget bounds the decrypted-archive fetch cache in bytes.
	CacheBudget uint64
}

// pendingBlock is one block staged into the in-flight archive buffer.
type pendingBlock struct {
	hash   [32]byte
	offset uint64
	length uint32
}

// Store owns archive composition end to end: staging, dedup, sealing, and
// fetch. Staging state is guarded by a single mutex so archive layout is
// deterministic with respect to "hash first seen".
type Store struct {
	cfg      Config
	manifest *manifest.Store
	remote   remote.Store
	subkey   [crypto.KeySize]byte
	metrics  *metrics.Metrics

	mu      sync.Mutex
	buf     bytes.Buffer
	pending []pendingBlock
	staged  map[[32]byte]struct{}

	cache *fetchCache
}

// New constructs a Store with no metrics collection. master is the run's
// master key; the "archive" sub-key is derived once and reused for every
// seal/fetch in this run.
func New(cfg Config, manifestStore *manifest.Store, remoteStore remote.Store, master crypto.MasterKey) *Store {
	return NewWithMetrics(cfg, manifestStore, remoteStore, master, metrics.Null())
}

// NewWithMetrics constructs a Store that records staging, sealing, and
// cache activity against m (a nil m behaves exactly like New).
func NewWithMetrics(cfg Config, manifestStore *manifest.Store, remoteStore remote.Store, master crypto.MasterKey, m *metrics.Metrics) *Store {
	subkey := crypto.DeriveSubkey(master, crypto.DomainArchive)
	return &Store{
		cfg:      cfg,
		manifest: manifestStore,
		remote:   remoteStore,
		subkey:   subkey,
		metrics:  m,
		staged:   make(map[[32]byte]struct{}),
		cache:    newFetchCache(cfg.CacheBudget, manifestStore, remoteStore, subkey, m),
	}
}

// Have reports whether hash already has a recorded location, either
// committed in the manifest or staged earlier in the current run.
func (s *Store) Have(ctx context.Context, hash [32]byte) (bool, error) {
	s.mu.Lock()
	_, staged := s.staged[hash]
	s.mu.Unlock()
	if staged {
		return true, nil
	}
	return s.manifest.HaveBlock(ctx, hex.EncodeToString(hash[:]))
}

// Stage appends bytes to the current archive buffer if hash is novel.
// It is a no-op if the block is already known.
func (s *Store) Stage(ctx context.Context, hash [32]byte, data []byte) error {
	have, err := s.Have(ctx, hash)
	if err != nil {
		return err
	}
	if have {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock: another goroutine may have staged the same
	// hash between the unlocked Have() above and acquiring the lock.
	if _, ok := s.staged[hash]; ok {
		return nil
	}

	offset := uint64(s.buf.Len())
	s.buf.Write(data)
	s.pending = append(s.pending, pendingBlock{hash: hash, offset: offset, length: uint32(len(data))})
	s.staged[hash] = struct{}{}
	s.metrics.RecordBlockStaged()
	return nil
}

// PendingLen returns the current archive buffer's uncompressed length.
func (s *Store) PendingLen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.buf.Len())
}

// FlushIfFull seals the current archive into tx if staged bytes have
// reached MinArchiveLen. Returns the sealed archive id, or ok=false if
// nothing was sealed.
func (s *Store) FlushIfFull(ctx context.Context, tx *manifest.Tx) (id uint64, ok bool, err error) {
	if s.PendingLen() < s.cfg.MinArchiveLen {
		return 0, false, nil
	}
	return s.SealCurrent(ctx, tx)
}

// SealCurrent compresses and seals the current archive buffer regardless
// of size, uploads it, and, only once the upload has durably succeeded,
// records the archive and block-location rows into tx. tx is the caller's
// single manifest transaction for the whole run; its rows are collapsed
// into one patchset at commit time. A call with an empty buffer is a
// no-op.
func (s *Store) SealCurrent(ctx context.Context, tx *manifest.Tx) (id uint64, ok bool, err error) {
	id, ok, err = s.seal(ctx, tx, tx.InsertBlockLocation)
	if ok {
		s.metrics.RecordArchiveSealed()
	}
	return id, ok, err
}

// StageForRewrite appends data to the current archive buffer unconditionally,
// bypassing the novelty check Stage performs: the compactor rewrites blocks
// that are already known to the manifest, just under a stale archive id.
func (s *Store) StageForRewrite(hash [32]byte, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := uint64(s.buf.Len())
	s.buf.Write(data)
	s.pending = append(s.pending, pendingBlock{hash: hash, offset: offset, length: uint32(len(data))})
}

// SealRewrite behaves like SealCurrent but repoints each block's existing
// location row to the new archive instead of inserting a fresh one, since
// the compactor is moving already-known blocks, not staging novel content.
func (s *Store) SealRewrite(ctx context.Context, tx *manifest.Tx) (id uint64, ok bool, err error) {
	return s.seal(ctx, tx, tx.RepointBlock)
}

// seal is the shared implementation behind SealCurrent and SealRewrite: it
// compresses and encrypts the current buffer, uploads it, then, only once
// the upload has durably succeeded, records the archive row and calls
// record for each block's location. record is InsertBlockLocation for newly
// staged blocks or RepointBlock when compaction moves existing ones.
func (s *Store) seal(ctx context.Context, tx *manifest.Tx, record func(*manifest.Block) error) (id uint64, ok bool, err error) {
	s.mu.Lock()
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return 0, false, nil
	}
	raw := append([]byte(nil), s.buf.Bytes()...)
	pending := s.pending
	s.buf.Reset()
	s.pending = nil
	s.staged = make(map[[32]byte]struct{})
	s.mu.Unlock()

	archiveID, err := s.manifest.NextArchiveID(ctx)
	if err != nil {
		return 0, false, err
	}
	objectName := remote.ArchiveName(archiveID)

	compressed, err := compress(raw, s.cfg.CompressionLevel)
	if err != nil {
		return 0, false, vaulterr.New(vaulterr.KindIO, "blockstore.seal", err)
	}

	envelope, err := crypto.Seal(s.subkey, []byte(objectName), compressed)
	if err != nil {
		return 0, false, err
	}

	// The archive id is consumed only once the upload that names it
	// succeeds; if upload fails, staging is restored so a retry reuses the
	// same pending blocks under the same archive id candidate, since
	// NextArchiveID only moves past an id once its Archive row commits.
	if err := s.remote.Put(ctx, objectName, envelope); err != nil {
		s.restoreStaging(raw, pending)
		if errors.Is(err, vaulterr.ErrObjectExists) {
			return 0, false, vaulterr.New(vaulterr.KindConcurrency, "blockstore.seal", err)
		}
		return 0, false, vaulterr.New(vaulterr.KindRemote, "blockstore.seal", err)
	}
	s.metrics.RecordUpload("archive", uint64(len(envelope)))

	if err := tx.InsertArchive(&manifest.Archive{
		ID:              archiveID,
		ObjectName:      objectName,
		UncompressedLen: uint64(len(raw)),
	}); err != nil {
		return 0, false, err
	}

	for _, p := range pending {
		if err := record(&manifest.Block{
			Hash:      hex.EncodeToString(p.hash[:]),
			ArchiveID: archiveID,
			Offset:    p.offset,
			Length:    p.length,
		}); err != nil {
			return 0, false, err
		}
	}

	return archiveID, true, nil
}

// restoreStaging puts raw bytes and their pending block records back into
// the in-flight buffer after a failed upload, so the next call retries
// with the same archive id candidate and staged content.
func (s *Store) restoreStaging(raw []byte, pending []pendingBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(raw)
	s.pending = append(pending, s.pending...)
	for _, p := range pending {
		s.staged[p.hash] = struct{}{}
	}
}

// FetchBlock resolves hash to its archive location, downloads (and
// decrypts/decompresses, via the LRU cache) the enclosing archive, and
// slices out the block's bytes, verifying content integrity.
func (s *Store) FetchBlock(ctx context.Context, hash [32]byte) ([]byte, error) {
	hexHash := hex.EncodeToString(hash[:])
	loc, err := s.manifest.BlockLocation(ctx, hexHash)
	if err != nil {
		return nil, err
	}

	archiveBytes, err := s.cache.fetch(ctx, loc.ArchiveID)
	if err != nil {
		return nil, err
	}

	if uint64(loc.Offset)+uint64(loc.Length) > uint64(len(archiveBytes)) {
		return nil, vaulterr.Wrap(vaulterr.KindCorruption, "blockstore.FetchBlock",
			"block %s location (offset=%d length=%d) exceeds archive %d length %d",
			hexHash, loc.Offset, loc.Length, loc.ArchiveID, len(archiveBytes))
	}

	data := archiveBytes[loc.Offset : loc.Offset+uint64(loc.Length)]
	if crypto.Hash(data) != hash {
		return nil, vaulterr.Wrap(vaulterr.KindCorruption, "blockstore.FetchBlock",
			"block %s failed hash verification", hexHash)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// FetchArchive returns the full decrypted, decompressed bytes of
// archiveID, via the same LRU fetch cache FetchBlock uses. The compactor
// uses this to read every live block out of an archive it is rewriting
// without re-downloading per block.
func (s *Store) FetchArchive(ctx context.Context, archiveID uint64) ([]byte, error) {
	return s.cache.fetch(ctx, archiveID)
}

// ReconcileOrphanArchives deletes any remote archive object whose id was
// never recorded in the manifest, the archive-side counterpart of a
// patchset left orphaned by a crashed run: a
// prior call to seal can succeed in uploading an archive just before the
// caller's manifest transaction commits the matching Archive row, so the
// object exists remotely under an id NextArchiveID will reissue with no
// corresponding row. Left in place, the next seal targeting that same id
// would collide and permanently fail with ErrObjectExists, since
// NextArchiveID derives the next id from committed state only (the archive
// rows and the meta row's high-water mark). Callers
// (snapshot.Engine.Run, compactor.Engine.Run) run this before sealing
// anything new, so such a collision never happens and the crashed run's
// upload is simply discarded.
func (s *Store) ReconcileOrphanArchives(ctx context.Context) error {
	names, err := s.remote.List(ctx, remote.PrefixArchive)
	if err != nil {
		return vaulterr.New(vaulterr.KindRemote, "blockstore.ReconcileOrphanArchives", err)
	}
	if len(names) == 0 {
		return nil
	}

	known, err := s.manifest.AllArchives(ctx)
	if err != nil {
		return err
	}
	committed := make(map[string]struct{}, len(known))
	for _, a := range known {
		committed[a.ObjectName] = struct{}{}
	}

	for _, name := range names {
		if _, ok := committed[name]; ok {
			continue
		}
		logger.WarnCtx(ctx, "discarding orphaned archive object from a prior crashed run",
			logger.Component("blockstore"), "object", name)
		if err := s.remote.Delete(ctx, name); err != nil {
			return vaulterr.New(vaulterr.KindRemote, "blockstore.ReconcileOrphanArchives", err)
		}
	}
	return nil
}

// compress compresses data with Zstd at the given level.
func compress(data []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// zstdLevel maps the configured integer compression_level onto klauspost/
// compress's coarser named levels, clamping to the nearest supported tier.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}
