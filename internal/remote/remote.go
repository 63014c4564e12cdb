// Package remote defines the narrow object-store capability the storage
// engine depends on: named, immutable objects with atomic create,
// full-object read, prefix listing, and idempotent delete.
//
// This is the only abstraction barrier the engine warrants:
// implementations exist for an S3-compatible (Backblaze B2) bucket
// (internal/remote/s3) and an in-memory fake for tests
// (internal/remote/memstore).
package remote

import "context"

// Store is the object-store contract consumed by the block store and the
// manifest store. Implementations need not offer strong read-after-list
// consistency; the engine never relies on List for correctness of writes
// performed in the same run.
type Store interface {
	// Put publishes name atomically. It fails with vaulterr.ErrObjectExists
	// if name is already occupied; overwrite is never allowed.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads the full bytes of name. Returns vaulterr.ErrObjectNotFound
	// if name does not exist.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns every object name with the given prefix. Listing may be
	// eventually consistent.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes name. It is idempotent: deleting a name that does not
	// exist is not an error.
	Delete(ctx context.Context, name string) error

	// Exists reports whether name is currently present.
	Exists(ctx context.Context, name string) (bool, error)
}
