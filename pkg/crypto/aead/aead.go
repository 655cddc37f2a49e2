// Package aead provides the authenticated ciphers used to encrypt
// payloads and wrap keys. The wire format appends the nonce to the
// sealed ciphertext: ciphertext || tag || nonce.
package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/rowseal/rowseal"
	"github.com/rowseal/rowseal/internal"
)

// cipherFactory builds a cipher.AEAD for the given key bytes.
type cipherFactory func(key []byte) (cipher.AEAD, error)

// Encrypt encrypts data using the provided key bytes. A fresh random
// nonce is generated per call and appended to the sealed output.
func (c cipherFactory) Encrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("data too large for GCM")
	}

	if aeadCipher.Overhead() != gcmTagSize {
		return nil, errors.New("unexpected cipher overhead")
	}

	if aeadCipher.NonceSize() != gcmNonceSize {
		return nil, errors.New("unexpected cipher nonce size")
	}

	sealed := make([]byte, len(data)+gcmTagSize+gcmNonceSize)
	noncePos := len(sealed) - gcmNonceSize

	internal.FillRandom(sealed[noncePos:])

	aeadCipher.Seal(sealed[:0], sealed[noncePos:], data, nil)

	return sealed, nil
}

// Decrypt decrypts data using the provided key bytes. Tag mismatch,
// truncation, and wrong-key failures are indistinguishable.
func (c cipherFactory) Decrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aeadCipher.NonceSize() {
		return nil, errors.Wrap(rowseal.ErrDecryptionFailed, "data shorter than nonce")
	}

	noncePos := len(data) - aeadCipher.NonceSize()

	// The ciphertext's storage can't be reused for the plaintext: the
	// caller controls its lifecycle and may wipe it as soon as this
	// returns (wrapped keys, in particular). A non-nil destination makes
	// an empty plaintext come back as an empty slice rather than nil.
	d, err := aeadCipher.Open(make([]byte, 0, noncePos), data[noncePos:], data[:noncePos], nil)
	if err != nil {
		return nil, errors.Wrap(rowseal.ErrDecryptionFailed, err.Error())
	}

	return d, nil
}
