package internal

import (
	"crypto/rand"
	"runtime"
)

// MemClr wipes buf with zeroes. clear is guaranteed not to be elided by
// the compiler.
func MemClr(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically secure random bytes.
func FillRandom(buf []byte) {
	fillRandom(buf, rand.Read)
}

func fillRandom(buf []byte, r func([]byte) (int, error)) {
	if _, err := r(buf); err != nil {
		panic(err)
	}

	// Defeat dead store elimination for callers that randomize a backing
	// array they no longer read. See golang.org/issue/33325.
	runtime.KeepAlive(buf)
}

// GetRandBytes returns n cryptographically secure random bytes.
func GetRandBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
