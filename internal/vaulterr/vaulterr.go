// Package vaulterr defines the closed set of error kinds the storage engine
// and its callers reason about, plus the CLI's exit-code mapping.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the categories the engine's
// propagation policy distinguishes.
type Kind int

const (
	// KindConfig covers bad YAML or missing required configuration fields.
	KindConfig Kind = iota
	// KindIO covers local filesystem failures.
	KindIO
	// KindRemote covers network/auth/rate-limit failures against the object
	// store. Retryable.
	KindRemote
	// KindIntegrity covers AEAD tag mismatches. Fatal, never retried.
	KindIntegrity
	// KindCorruption covers structural inconsistency in the manifest DB or
	// an archive.
	KindCorruption
	// KindInterrupted covers cooperative cancellation.
	KindInterrupted
	// KindConcurrency covers a remote object already existing under a name
	// this process chose to publish: a concurrent writer or a stale local
	// manifest. Fatal, requires operator intervention.
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindIO:
		return "IoError"
	case KindRemote:
		return "RemoteError"
	case KindIntegrity:
		return "IntegrityError"
	case KindCorruption:
		return "CorruptionError"
	case KindInterrupted:
		return "InterruptedError"
	case KindConcurrency:
		return "ConcurrencyError"
	default:
		return "UnknownError"
	}
}

// ExitCode maps a Kind to a process exit code. 0 is reserved for success.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 2
	case KindIO:
		return 3
	case KindRemote:
		return 4
	case KindIntegrity:
		return 5
	case KindCorruption:
		return 6
	case KindInterrupted:
		return 7
	case KindConcurrency:
		return 8
	default:
		return 1
	}
}

// Retryable reports whether an error of this kind should be retried by the
// remote adapter's backoff loop.
func (k Kind) Retryable() bool {
	return k == KindRemote
}

// Error wraps an underlying cause with a Kind and optional context.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "blockstore.seal_current"
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes *Error comparable against a bare Kind via errors.Is(err, KindX)
// by way of wrapping KindX in a sentinel (see kindSentinel below). Most
// callers instead use KindOf below.
func (e *Error) Is(target error) bool {
	var ks *kindSentinel
	if errors.As(target, &ks) {
		return e.Kind == ks.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (s *kindSentinel) Error() string { return s.kind.String() }

// Sentinel returns an error value suitable for errors.Is(err, Sentinel(k)).
func Sentinel(k Kind) error { return &kindSentinel{kind: k} }

// New constructs a new *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New with a formatted cause.
func Wrap(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error. Returns ok=false if err carries no Kind.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var (
	// ErrBlockNotFound is returned when a requested block has no recorded
	// location.
	ErrBlockNotFound = errors.New("vaultback: block not found")
	// ErrArchiveNotFound is returned when a referenced archive id has no
	// row in the manifest.
	ErrArchiveNotFound = errors.New("vaultback: archive not found")
	// ErrObjectNotFound is returned by a remote adapter when get/delete
	// targets a name that does not exist.
	ErrObjectNotFound = errors.New("vaultback: remote object not found")
	// ErrObjectExists is returned by a remote adapter's put when the name
	// is already occupied (fails-if-exists semantics).
	ErrObjectExists = errors.New("vaultback: remote object already exists")
	// ErrStoreClosed is returned when an operation is attempted on a
	// closed remote adapter or block store.
	ErrStoreClosed = errors.New("vaultback: store is closed")
)
