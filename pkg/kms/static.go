// Package kms provides KeyManagementService implementations: a static
// in-memory master key for testing and a multi-region AWS KMS driver.
package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/rowseal/rowseal"
	"github.com/rowseal/rowseal/internal"
	"github.com/rowseal/rowseal/securemem/memguard"
)

var _ rowseal.KeyManagementService = (*StaticKMS)(nil)

const staticKMSKeySize = 32

// StaticKMS wraps system keys with a fixed in-memory master key.
// NOTE: for testing only; never use it in production.
type StaticKMS struct {
	Crypto rowseal.AEAD
	key    *internal.CryptoKey
}

// NewStatic constructs a StaticKMS from a 32-byte master key.
func NewStatic(key string, crypto rowseal.AEAD) (*StaticKMS, error) {
	if len(key) != staticKMSKeySize {
		return nil, errors.Wrapf(rowseal.ErrInvalidConfig, "static master key must be %d bytes, got %d", staticKMSKeySize, len(key))
	}

	masterKey, err := internal.NewCryptoKey(new(memguard.SecretFactory), time.Now().Unix(), false, []byte(key))
	if err != nil {
		return nil, err
	}

	return &StaticKMS{
		Crypto: crypto,
		key:    masterKey,
	}, nil
}

// EncryptKey encrypts keyBytes with the static master key.
func (s *StaticKMS) EncryptKey(_ context.Context, keyBytes []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterBytes []byte) ([]byte, error) {
		return s.Crypto.Encrypt(keyBytes, masterBytes)
	})
}

// DecryptKey decrypts encKeyBytes with the static master key.
func (s *StaticKMS) DecryptKey(_ context.Context, encKeyBytes []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterBytes []byte) ([]byte, error) {
		return s.Crypto.Decrypt(encKeyBytes, masterBytes)
	})
}

// Close releases the memory locked by the master key.
func (s *StaticKMS) Close() {
	if s.key != nil {
		s.key.Close()
	}
}
