package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ref is the opaque connection state carried inside a Holder. The pool
// never touches it while a caller has the holder checked out; it only
// closes idle refs on Stop.
type Ref interface {
	Close() error
}

// Acquirer is implemented by refs that keep an in-use counter. The
// coordinator marks the counter on every checkout transfer and unmarks
// it when the checkout ends, whichever side ends it.
type Acquirer interface {
	Acquire()
	Release()
}

func acquire(ref Ref) {
	if a, ok := ref.(Acquirer); ok {
		a.Acquire()
	}
}

func release(ref Ref) {
	if a, ok := ref.(Acquirer); ok {
		a.Release()
	}
}

// Holder is the transferable ownership token for one worker's
// connection. At any instant it is owned by exactly one party: the
// coordinator (idle, queued) or a single checked-out caller.
type Holder struct {
	id          uuid.UUID
	lock        uuid.UUID // rotated on every transfer, stale locks are rejected
	ref         Ref
	checkinTime time.Time
}

// ID identifies the holder for the lifetime of its worker.
func (h *Holder) ID() uuid.UUID {
	return h.id
}

// Session is the checkout handle returned to a caller. It is valid from
// the moment Checkout returns until Checkin. If the connection dies or
// the checkout deadline elapses while the caller holds it, the session
// is failed asynchronously: Done is closed and Err reports the reason.
type Session struct {
	pool   *Pool
	holder *Holder
	lock   uuid.UUID
	ref    Ref

	mu       sync.Mutex
	resolved bool
	err      error
	done     chan struct{}
}

// Ref returns the connection state this session owns exclusively.
func (s *Session) Ref() Ref {
	return s.ref
}

// Done is closed once the session is over: checked in, reclaimed, lost
// or shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session was failed, or nil if it is still live or
// was checked in normally.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) state() (err error, resolved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err, s.resolved
}

// resolve ends the session exactly once. Later calls keep the first
// verdict.
func (s *Session) resolve(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return
	}
	s.resolved = true
	s.err = err
	close(s.done)
}
