package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so logs for a run
// can be correlated and queried.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry-style trace ID for run correlation
	KeyRunID   = "run_id"   // Backup/restore/collect run identifier

	// ========================================================================
	// Operation
	// ========================================================================
	KeyComponent = "component" // splitter, blockstore, manifest, snapshot, restore, compactor
	KeyOperation = "operation" // sub-operation within a component

	// ========================================================================
	// Filesystem
	// ========================================================================
	KeyPath = "path" // file/directory path
	KeySize = "size" // file or block size in bytes
	KeyMode = "mode" // file mode/permissions

	// ========================================================================
	// Content addressing
	// ========================================================================
	KeyBlockHash  = "block_hash"  // BLAKE3 hash of a block, hex-encoded
	KeyArchiveID  = "archive_id"  // archive object id
	KeyPatchsetID = "patchset_id" // patchset object id
	KeyVersionIx  = "version_ix"  // file version index

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"

	// ========================================================================
	// Remote object store
	// ========================================================================
	KeyBucket = "bucket"
	KeyKey    = "object_key"
	KeyRegion = "region"

	// ========================================================================
	// Cache
	// ========================================================================
	KeyCacheHit      = "cache_hit"
	KeyCacheSize     = "cache_size"
	KeyCacheCapacity = "cache_capacity"
	KeyEvicted       = "evicted"
)

// TraceID returns a slog.Attr for the run's trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// RunID returns a slog.Attr for the run identifier.
func RunID(id string) slog.Attr { return slog.String(KeyRunID, id) }

// Component returns a slog.Attr naming the emitting component.
func Component(name string) slog.Attr { return slog.String(KeyComponent, name) }

// Operation returns a slog.Attr for a sub-operation name.
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// Path returns a slog.Attr for a filesystem path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Size returns a slog.Attr for a size in bytes.
func Size(s uint64) slog.Attr { return slog.Uint64(KeySize, s) }

// Mode returns a slog.Attr for a file mode.
func Mode(m uint32) slog.Attr { return slog.Any(KeyMode, m) }

// BlockHash returns a slog.Attr for a hex-encoded block hash.
func BlockHash(hex string) slog.Attr { return slog.String(KeyBlockHash, hex) }

// ArchiveID returns a slog.Attr for an archive id.
func ArchiveID(id uint64) slog.Attr { return slog.Uint64(KeyArchiveID, id) }

// PatchsetID returns a slog.Attr for a patchset id.
func PatchsetID(id uint64) slog.Attr { return slog.Uint64(KeyPatchsetID, id) }

// VersionIx returns a slog.Attr for a file version index.
func VersionIx(ix uint32) slog.Attr { return slog.Uint64(KeyVersionIx, uint64(ix)) }

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error, or a zero Attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for the current retry attempt.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// MaxRetries returns a slog.Attr for the maximum retry attempts.
func MaxRetries(n int) slog.Attr { return slog.Int(KeyMaxRetries, n) }

// Bucket returns a slog.Attr for the remote bucket name.
func Bucket(name string) slog.Attr { return slog.String(KeyBucket, name) }

// Key returns a slog.Attr for a remote object key.
func Key(k string) slog.Attr { return slog.String(KeyKey, k) }

// Region returns a slog.Attr for a remote region.
func Region(r string) slog.Attr { return slog.String(KeyRegion, r) }

// CacheHit returns a slog.Attr for a cache hit/miss indicator.
func CacheHit(hit bool) slog.Attr { return slog.Bool(KeyCacheHit, hit) }

// CacheSize returns a slog.Attr for the current cache size.
func CacheSize(size int64) slog.Attr { return slog.Int64(KeyCacheSize, size) }

// CacheCapacity returns a slog.Attr for the maximum cache capacity.
func CacheCapacity(capacity int64) slog.Attr { return slog.Int64(KeyCacheCapacity, capacity) }

// Evicted returns a slog.Attr for the number of cache entries evicted.
func Evicted(n int) slog.Attr { return slog.Int(KeyEvicted, n) }
