package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/rowseal/rowseal"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16

	// gcmMaxDataSize is the plaintext limit for a single GCM seal.
	gcmMaxDataSize = 1<<31 - 1
)

// aesGCMCipherFactory returns an AEAD cipher using AES/GCM with the
// provided key.
func aesGCMCipherFactory(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// NewAES256GCM returns an AEAD that encrypts data using AES-256-GCM with
// a 96-bit random nonce and 128-bit tag.
func NewAES256GCM() rowseal.AEAD {
	return cipherFactory(aesGCMCipherFactory)
}
