// Package memguard implements secrets backed by memguard locked buffers:
// locked, no-access pages like those of the protectedmemory
// implementation, plus memguard's guard pages and canaries. It does not
// build on protectedmemory. This is the default secret backend.
package memguard

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/rowseal/rowseal/securemem"
	"github.com/rowseal/rowseal/securemem/internal/memcall"
	"github.com/rowseal/rowseal/securemem/internal/secrets"
)

// AllocTimer records the time taken to allocate a secret.
var AllocTimer = metrics.GetOrRegisterTimer("secret.memguard.alloctimer", nil)

// secret stores data in a memguard locked buffer. Always call Close
// after use to release the locked pages.
type secret struct {
	buffer  *memguard.LockedBuffer
	mc      memcall.Interface
	rw      *sync.RWMutex
	cond    *sync.Cond
	readers int
	closing bool
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

	return action(s.buffer.Bytes())
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

	return action(s.buffer.Bytes())
}

// IsClosed returns true if the secret has been destroyed.
func (s *secret) IsClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return !s.buffer.IsAlive()
}

// Close destroys the secret once all readers have released it. Close is
// idempotent.
func (s *secret) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if !s.buffer.IsAlive() {
			return nil
		}

		if s.readers == 0 {
			// Destroy wipes and unmaps; it panics on syscall failure.
			s.buffer.Destroy()

			securemem.InUseCounter.Dec(1)

			return nil
		}

		s.cond.Wait()
	}
}

// access transitions the pages to read-only on the 0→1 reader
// transition.
func (s *secret) access() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || !s.buffer.IsAlive() {
		return errors.WithStack(securemem.ErrSecretClosed)
	}

	if s.readers == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}

	s.readers++

	return nil
}

// release restores no-access on the 1→0 reader transition.
func (s *secret) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.cond.Broadcast()

	s.readers--
	if s.readers == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

// NewReader returns an io.Reader reading from s.
func (s *secret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

// SecretFactory creates memguard backed secrets.
type SecretFactory struct {
	mc memcall.Interface
}

func (f *SecretFactory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New copies b into a new memguard backed Secret and wipes b before
// returning.
func (f *SecretFactory) New(b []byte) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return f.newFromBuffer(memguard.NewBufferFromBytes(b))
}

// CreateRandom returns a memguard backed Secret containing size
// cryptographically random bytes.
func (f *SecretFactory) CreateRandom(size int) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	return f.newFromBuffer(memguard.NewBufferRandom(size))
}

func (f *SecretFactory) newFromBuffer(lb *memguard.LockedBuffer) (*secret, error) {
	if !lb.IsAlive() {
		// memguard hands back a dead buffer when the allocation or
		// mlock fails; the locked-memory limit is the usual culprit.
		return nil, errors.WithStack(securemem.ErrResourceLimit)
	}

	// Pages start no-access and are opened per read scope.
	if err := f.memcall().Protect(lb.Inner(), memcall.NoAccess()); err != nil {
		if err2 := memcall.Clean(f.memcall(), lb.Inner()); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	securemem.AllocCounter.Inc(1)
	securemem.InUseCounter.Inc(1)

	rw := new(sync.RWMutex)

	return &secret{
		rw:     rw,
		cond:   sync.NewCond(rw),
		mc:     f.memcall(),
		buffer: lb,
	}, nil
}
