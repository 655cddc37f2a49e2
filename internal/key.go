package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rowseal/rowseal/securemem"
)

// CryptoKey couples raw key material held in a secure memory secret with
// its creation timestamp and revocation state.
type CryptoKey struct {
	created int64
	secret  securemem.Secret
	once    sync.Once
	revoked uint32
}

// Created returns the key's creation time as a Unix epoch in seconds.
func (k *CryptoKey) Created() int64 {
	return k.created
}

// Revoked returns whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool {
	return atomic.LoadUint32(&k.revoked) == 1
}

// SetRevoked atomically updates the key's revoked flag.
func (k *CryptoKey) SetRevoked(revoked bool) {
	var v uint32
	if revoked {
		v = 1
	}

	atomic.StoreUint32(&k.revoked, v)
}

// Close destroys the underlying secret. Close is idempotent.
func (k *CryptoKey) Close() {
	k.once.Do(k.close)
}

func (k *CryptoKey) close() {
	// secret is nil only for keys constructed in tests.
	if k.secret == nil {
		return
	}

	k.secret.Close()
}

// IsClosed returns true once the underlying secret has been destroyed.
func (k *CryptoKey) IsClosed() bool {
	return k.secret.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){secret(%p)}", k, k.secret)
}

// WithBytes implements BytesAccessor.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc implements BytesFuncAccessor.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

// NewCryptoKey copies key into a new secret with the supplied metadata.
// The source slice is wiped before the function returns.
func NewCryptoKey(factory securemem.SecretFactory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	var v uint32
	if revoked {
		v = 1
	}

	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{
		created: created,
		revoked: v,
		secret:  sec,
	}, nil
}

// NewCryptoKeyForTest creates a secret-less CryptoKey for tests that only
// exercise metadata handling.
func NewCryptoKeyForTest(created int64, revoked bool) *CryptoKey {
	var v uint32
	if revoked {
		v = 1
	}

	return &CryptoKey{
		created: created,
		revoked: v,
	}
}

// GenerateKey creates a new CryptoKey with random material of the given
// size.
func GenerateKey(factory securemem.SecretFactory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{
		created: created,
		secret:  sec,
	}, nil
}

// BytesAccessor provides scoped read access to key bytes.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey makes key's bytes readable for the duration of action. A
// reference MUST NOT be kept to the provided bytes.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor provides scoped read access to key bytes for
// operations that produce a byte slice.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc makes key's bytes readable for the duration of action and
// returns action's result. A reference MUST NOT be kept to the provided
// bytes.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable describes keys that can report revocation and age.
type Revokable interface {
	// Revoked returns true if the key is revoked.
	Revoked() bool

	// Created returns the key's creation time as a Unix epoch in seconds.
	Created() int64
}

// IsKeyInvalid returns true if the key is revoked or expired.
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}

// IsKeyExpired returns true if created is older than expireAfter.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}
