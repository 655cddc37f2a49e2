// Package securemem defines the contracts for secrets held in protected
// memory. A Secret keeps sensitive bytes in pages that are locked against
// swap and unreadable outside an explicit access scope. Implementations
// live in the protectedmemory and memguard subpackages.
package securemem

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter tracks cumulative secret allocations. It only ever
	// increases; see InUseCounter for the live count.
	AllocCounter = metrics.GetOrRegisterCounter("secret.allocated", nil)

	// InUseCounter tracks the number of secrets currently allocated and
	// not yet closed.
	InUseCounter = metrics.GetOrRegisterCounter("secret.inuse", nil)
)

// ErrSecretClosed is returned when a secret is accessed after it has been
// destroyed.
var ErrSecretClosed = errors.New("secret has already been destroyed")

// ErrResourceLimit indicates that secure memory could not be allocated or
// locked because a resource limit was reached (typically RLIMIT_MEMLOCK).
// Callers may release older secrets and retry.
var ErrResourceLimit = errors.New("secure memory limit reached")

// Secret holds sensitive bytes in protected page(s) in memory. Always
// call Close after use to release the locked pages.
type Secret interface {
	// WithBytes makes the underlying bytes readable for the duration of
	// action and passes them in. It returns the error returned by action.
	//
	// Calling WithBytes on a closed secret fails with ErrSecretClosed.
	// If action fails and the protection state cannot be restored, the
	// two errors are combined into one.
	//
	// A reference MUST NOT be kept to the bytes passed to action; the
	// underlying array is unreadable again once action returns.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc makes the underlying bytes readable for the duration
	// of action and returns the byte slice produced by action. Error
	// handling follows WithBytes.
	//
	// A reference MUST NOT be kept to the bytes passed to action.
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed returns true once the secret has been destroyed.
	IsClosed() bool

	// Close destroys the secret, zeroing and releasing its pages. Close
	// is idempotent.
	Close() error

	// NewReader returns an io.Reader that reads the secret's bytes
	// through scoped access.
	NewReader() io.Reader
}

// SecretFactory creates Secrets for a specific backing implementation.
type SecretFactory interface {
	// New copies b into a new Secret and wipes b before returning.
	New(b []byte) (Secret, error)

	// CreateRandom returns a Secret holding size cryptographically
	// random bytes.
	CreateRandom(size int) (Secret, error)
}
