// Package secrets holds helpers shared by the secret implementations.
package secrets

import "io"

// BytesWrapper provides scoped access to an internal byte slice.
type BytesWrapper interface {
	WithBytes(action func([]byte) error) error
}

// Reader reads a secret's bytes through scoped access, re-protecting the
// pages between calls.
type Reader struct {
	secret BytesWrapper
	off    int
}

// NewReader returns a Reader positioned at the start of s.
func NewReader(s BytesWrapper) *Reader {
	return &Reader{secret: s}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (n int, err error) {
	err = r.secret.WithBytes(func(b []byte) error {
		if r.off >= len(b) {
			return io.EOF
		}

		n = copy(p, b[r.off:])
		r.off += n

		if r.off >= len(b) {
			return io.EOF
		}

		return nil
	})

	return
}
