// Package protectedmemory implements secrets backed by raw protected
// memory: page-aligned allocations locked against swap, no-access by
// default, and excluded from core dumps.
package protectedmemory

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	// The core import disables core dumps at init; if it is ever removed
	// an explicit memcall.DisableCoreDumps call must take its place.
	"github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal/pkg/log"
	"github.com/rowseal/rowseal/securemem"
	"github.com/rowseal/rowseal/securemem/internal/memcall"
	"github.com/rowseal/rowseal/securemem/internal/secrets"
)

// AllocTimer records the time taken to allocate a secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.protectedmemory.alloctimer", nil)

// secret stores data in protected page(s) in memory. Always call Close
// after use to release the locked pages.
type secret struct {
	*inner
	// dummy carries the finalizer; attaching it to the secret itself
	// would keep the secret reachable forever.
	dummy *bool
}

// inner holds the state shared with the finalizer. The finalizer must not
// reference the outer secret or it would never become unreachable.
type inner struct {
	bytes   []byte
	mc      memcall.Interface
	rw      *sync.RWMutex
	cond    *sync.Cond
	readers int
	closing bool
	closed  bool

	// stack is captured at creation when debug logging is enabled so a
	// finalized-before-closed secret can be traced to its origin.
	stack    []byte
	origAddr string
}

// WithBytes makes the underlying bytes readable and passes them to
// action. A reference MUST NOT be kept to the bytes passed to action.
func (s *secret) WithBytes(action func([]byte) error) (err error) {
	if err = s.access(); err != nil {
		return
	}

	defer func() {
		if err2 := s.release(); err2 != nil {
			if err == nil {
				err = err2
				return
			}

			err = errors.WithMessage(err, err2.Error())
		}
	}()

	return action(s.bytes)
}

// WithBytesFunc makes the underlying bytes readable and passes them to
// action, returning action's byte slice. A reference MUST NOT be kept to
// the bytes passed to action.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.access(); err != nil {
		return
	}

	defer func() {
		if err2 := s.release(); err2 != nil {
			if err == nil {
				err = err2
				return
			}

			err = errors.WithMessage(err, err2.Error())
		}
	}()

	return action(s.bytes)
}

// IsClosed returns true if the secret has been destroyed.
func (s *secret) IsClosed() bool {
	return s.inner.isClosed()
}

// NewReader returns an io.Reader reading from s.
func (s *secret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

// access transitions the pages to read-only on the 0→1 reader
// transition.
func (s *inner) access() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || s.closed {
		return errors.WithStack(securemem.ErrSecretClosed)
	}

	if s.readers == 0 {
		if err := s.mc.Protect(s.bytes, memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}

	s.readers++

	return nil
}

// release restores no-access on the 1→0 reader transition.
func (s *inner) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.cond.Broadcast()

	s.readers--
	if s.readers == 0 {
		if err := s.mc.Protect(s.bytes, memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

func (s *inner) isClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return s.closed
}

// finalize is the GC safety net for secrets that escape without a Close.
func (s *inner) finalize() {
	s.rw.Lock()
	if !s.closing {
		log.Debugf("finalized before closed: secret(%s){inner(%p)}\n%s\n", s.origAddr, s, s.stack)
	}
	s.rw.Unlock()

	s.Close()
}

// Close destroys the secret once all readers have released it. Close is
// idempotent.
func (s *inner) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if s.closed {
			return nil
		}

		if s.readers == 0 {
			return s.close()
		}

		s.cond.Wait()
	}
}

// close wipes, unlocks, and frees the pages. Caller holds rw.
func (s *inner) close() error {
	if err := s.mc.Protect(s.bytes, memcall.ReadWrite()); err != nil {
		return err
	}

	core.Wipe(s.bytes)

	if err := s.mc.Unlock(s.bytes); err != nil {
		return err
	}

	if err := s.mc.Free(s.bytes); err != nil {
		return err
	}

	s.bytes = nil
	s.closed = true

	securemem.InUseCounter.Dec(1)

	return nil
}

// SecretFactory creates protected memory backed secrets.
type SecretFactory struct {
	mc memcall.Interface
}

func (f *SecretFactory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New copies b into a new protected memory backed Secret and wipes b
// before returning.
func (f *SecretFactory) New(b []byte) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := newSecret(len(b), f.memcall())
	if err != nil {
		core.Wipe(b)
		return nil, err
	}

	subtle.ConstantTimeCopy(1, s.bytes, b)
	core.Wipe(b)

	if err := f.memcall().Protect(s.bytes, memcall.NoAccess()); err != nil {
		// Free what we can; the protect failure is the error worth
		// reporting.
		if err2 := memcall.Clean(f.memcall(), s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	return s, nil
}

// CreateRandom returns a protected memory backed Secret containing size
// cryptographically random bytes.
func (f *SecretFactory) CreateRandom(size int) (securemem.Secret, error) {
	return f.createRandom(size, rand.Read)
}

func (f *SecretFactory) createRandom(size int, readFunc func(b []byte) (int, error)) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := newSecret(size, f.memcall())
	if err != nil {
		return nil, err
	}

	if _, err := readFunc(s.bytes); err != nil {
		if err2 := memcall.Clean(f.memcall(), s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	if err := f.memcall().Protect(s.bytes, memcall.NoAccess()); err != nil {
		if err2 := memcall.Clean(f.memcall(), s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	return s, nil
}

// newSecret allocates and locks the pages for a secret of the given
// size. Partial allocations are rolled back on failure.
func newSecret(size int, mc memcall.Interface) (*secret, error) {
	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	// mmap rounds the allocation up to the next page boundary.
	bytes, err := mc.Alloc(size)
	if err != nil {
		if memcall.IsResourceLimit(err) {
			return nil, errors.Wrap(securemem.ErrResourceLimit, err.Error())
		}

		return nil, errors.WithMessage(err, "secure memory allocation failed")
	}

	// mlock so the pages never hit swap. Failure here is almost always
	// RLIMIT_MEMLOCK.
	if err := mc.Lock(bytes); err != nil {
		if err2 := mc.Free(bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, errors.Wrap(securemem.ErrResourceLimit, err.Error())
	}

	rw := new(sync.RWMutex)
	in := &inner{
		rw:    rw,
		cond:  sync.NewCond(rw),
		mc:    mc,
		bytes: bytes,
	}

	s := &secret{
		inner: in,
		dummy: new(bool),
	}

	if log.DebugEnabled() {
		in.origAddr = fmt.Sprintf("%p", s)
		in.stack = debug.Stack()
	}

	// The finalizer hangs off the dummy so the secret itself can become
	// unreachable; it closes via inner for the same reason.
	runtime.SetFinalizer(s.dummy, func(_ *bool) {
		go in.finalize()
	})

	return s, nil
}
