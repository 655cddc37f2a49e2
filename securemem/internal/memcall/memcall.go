// Package memcall wraps the low-level memory syscalls behind an interface
// so secret implementations can be exercised against fakes.
package memcall

import (
	"strings"

	"github.com/awnumar/memcall"
	"github.com/pkg/errors"
)

// MemoryProtectionFlag selects a page protection state.
type MemoryProtectionFlag = memcall.MemoryProtectionFlag

// NoAccess marks memory unreadable and immutable.
func NoAccess() MemoryProtectionFlag { return memcall.NoAccess() }

// ReadOnly marks memory read-only.
func ReadOnly() MemoryProtectionFlag { return memcall.ReadOnly() }

// ReadWrite marks memory readable and writable.
func ReadWrite() MemoryProtectionFlag { return memcall.ReadWrite() }

type Allocator interface {
	Alloc(size int) ([]byte, error)
}

type Freer interface {
	Free([]byte) error
}

type Protector interface {
	Protect([]byte, MemoryProtectionFlag) error
}

type Locker interface {
	Lock([]byte) error
}

type Unlocker interface {
	Unlock([]byte) error
}

// Interface groups the syscall wrappers used by a secret over its
// lifetime.
type Interface interface {
	Allocator
	Freer
	Protector
	Locker
	Unlocker
}

type wrapper struct{}

// Default delegates directly to the memcall package.
var Default Interface = &wrapper{}

func (*wrapper) Alloc(size int) ([]byte, error) {
	return memcall.Alloc(size)
}

func (*wrapper) Protect(b []byte, flag MemoryProtectionFlag) error {
	return memcall.Protect(b, flag)
}

func (*wrapper) Lock(b []byte) error {
	return memcall.Lock(b)
}

func (*wrapper) Unlock(b []byte) error {
	return memcall.Unlock(b)
}

func (*wrapper) Free(b []byte) error {
	return memcall.Free(b)
}

// Cleaner groups Free and Unlock.
type Cleaner interface {
	Freer
	Unlocker
}

// Clean unlocks and frees b, combining any errors into a single return
// value.
func Clean(c Cleaner, b []byte) (err error) {
	if err = c.Unlock(b); err != nil {
		err = errors.WithStack(err)
	}

	if err2 := c.Free(b); err2 != nil {
		err2 = errors.WithStack(err2)

		if err == nil {
			err = err2
		} else {
			err = errors.Wrap(err, err2.Error())
		}
	}

	return
}

// IsResourceLimit reports whether err from Alloc or Lock indicates
// resource exhaustion rather than a hard fault. memcall does not expose
// errno values, so this matches the message text produced for ENOMEM and
// EAGAIN.
func IsResourceLimit(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "limit reached") ||
		strings.Contains(msg, "cannot allocate memory") ||
		strings.Contains(msg, "resource temporarily unavailable")
}
