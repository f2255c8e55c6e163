// Package pool implements a broker that multiplexes many concurrent
// callers over a small fixed set of expensive connections. Exclusive
// ownership of a connection moves between the coordinator and callers
// as Holder tokens; excess demand queues FIFO and is shed with a
// controlled-delay estimator under sustained congestion.
//
// All pool state is mutated by a single coordinator goroutine consuming
// an ordered event channel, which is what makes the queue invariants
// and FIFO ordering hold under concurrency.
package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrWrongPoolSize     = errors.New("pool size should be greater than zero")
	ErrWrongDuration     = errors.New("durations should not be negative")
	ErrPoolFull          = errors.New("all pool slots already hold a worker")
	ErrBusy              = errors.New("no idle connection and queueing is disallowed")
	ErrOverloaded        = errors.New("pool is shedding load, try again later")
	ErrCheckoutTimeout   = errors.New("timed out waiting for a connection")
	ErrInvalidHandle     = errors.New("checkin with a stale or unknown lock")
	ErrAlreadyCheckedIn  = errors.New("session was already checked in")
	ErrConnectionLost    = errors.New("connection lost while checked out")
	ErrCheckoutReclaimed = errors.New("checkout exceeded its deadline and was reclaimed")
	ErrShutdown          = errors.New("pool is shut down")
)

// Opts carries pool tuning. Zero values select the defaults.
type Opts struct {
	// QueueTarget is the acceptable queue wait. Sustained waits above
	// it for a whole QueueInterval put the pool into load shedding.
	QueueTarget time.Duration

	// QueueInterval is the sliding window over which QueueTarget is
	// judged.
	QueueInterval time.Duration

	// Deadline bounds how long a caller may keep a checkout. Past it
	// the holder is forcibly checked back in and the caller's session
	// fails with ErrCheckoutReclaimed. Zero disables reclaim.
	Deadline time.Duration

	// Clock is the time source, swappable in tests.
	Clock clock.Clock
}

const (
	defaultQueueTarget   = 50 * time.Millisecond
	defaultQueueInterval = time.Second
)

// Pool is the coordinator handle returned from Start. All methods are
// safe for concurrent use.
type Pool struct {
	size int
	opts Opts

	clock   clock.Clock
	events  chan event
	control chan struct{}
	state   uint32
}

type event interface{}

// checkoutReq doubles as the waiter queue entry while the pool is busy.
type checkoutReq struct {
	queueing bool
	enqueued time.Time // assigned by the coordinator
	reply    chan checkoutReply
}

type checkoutReply struct {
	sess *Session
	err  error
}

type checkinReq struct {
	sess  *Session
	reply chan error
}

type cancelReq struct {
	req    *checkoutReq
	reason error
}

type readyReq struct {
	ref   Ref
	reply chan readyReply
}

type readyReply struct {
	holder *Holder
	err    error
}

type failedReq struct {
	holder *Holder
}

type reclaimReq struct {
	holder *Holder
	lock   uuid.UUID
}

type statsReq struct {
	reply chan Stats
}

// Stats is a point-in-time snapshot of coordinator state.
type Stats struct {
	Size       int
	State      State
	Available  int
	Waiters    int
	CheckedOut int
	Dropping   bool

	// OldestIdle is how long the longest-idle connection has sat
	// unused, zero while none is idle.
	OldestIdle time.Duration
}

// Start creates a pool sized for `size` workers and launches its
// coordinator. Workers register themselves afterwards via
// AnnounceReady.
func Start(size int, opts Opts) (*Pool, error) {
	if size < 1 {
		return nil, ErrWrongPoolSize
	}
	if opts.QueueTarget < 0 || opts.QueueInterval < 0 || opts.Deadline < 0 {
		return nil, ErrWrongDuration
	}
	if opts.QueueTarget == 0 {
		opts.QueueTarget = defaultQueueTarget
	}
	if opts.QueueInterval == 0 {
		opts.QueueInterval = defaultQueueInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}

	p := &Pool{
		size:    size,
		opts:    opts,
		clock:   opts.Clock,
		events:  make(chan event),
		control: make(chan struct{}),
	}

	c := &coordinator{
		pool:  p,
		state: Busy,
		owned: make(map[uuid.UUID]*checkout),
		ctl:   newCodel(opts.QueueTarget, opts.QueueInterval, p.clock.Now()),
	}
	go c.run()

	return p, nil
}

// Checkout acquires exclusive use of one connection. With queueing
// enabled the call blocks until served, `timeout` elapses (zero waits
// forever) or the pool shuts down; with queueing disabled a saturated
// pool fails fast with ErrBusy.
func (p *Pool) Checkout(queueing bool, timeout time.Duration) (*Session, error) {
	return p.CheckoutContext(context.Background(), queueing, timeout)
}

// CheckoutContext is Checkout with caller-side cancellation. Withdrawal
// races the serve path through the coordinator's event stream: whichever
// lands first wins, the other is a no-op.
func (p *Pool) CheckoutContext(ctx context.Context, queueing bool, timeout time.Duration) (*Session, error) {
	if timeout < 0 {
		return nil, ErrWrongDuration
	}
	req := &checkoutReq{
		queueing: queueing,
		reply:    make(chan checkoutReply, 1),
	}

	select {
	case p.events <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.control:
		return nil, ErrShutdown
	}

	// The coordinator owns req now and replies exactly once, even
	// across shutdown, so the reply reads below never abandon a served
	// session.
	var expire <-chan time.Time
	if timeout > 0 {
		t := p.clock.NewTimer(timeout)
		defer t.Stop()
		expire = t.C()
	}

	select {
	case r := <-req.reply:
		return p.accept(r)
	case <-expire:
		return p.withdraw(req, ErrCheckoutTimeout)
	case <-ctx.Done():
		return p.withdraw(req, ctx.Err())
	}
}

// withdraw asks the coordinator to cancel a pending waiter. If the
// waiter was already served the reply carries the session and the local
// expiry loses the race.
func (p *Pool) withdraw(req *checkoutReq, reason error) (*Session, error) {
	select {
	case p.events <- &cancelReq{req: req, reason: reason}:
	case <-p.control:
	}
	return p.accept(<-req.reply)
}

func (p *Pool) accept(r checkoutReply) (*Session, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err, resolved := r.sess.state(); resolved && err == ErrShutdown {
		// served and shut down before the caller saw the session;
		// nobody else holds this ref anymore
		r.sess.ref.Close()
		return nil, ErrShutdown
	}
	return r.sess, nil
}

// Checkin returns a session's holder to the pool. It completes in
// bounded time: the coordinator either hands the holder straight to the
// oldest waiter or requeues it as idle.
func (p *Pool) Checkin(s *Session) error {
	if s == nil || s.pool != p {
		return ErrInvalidHandle
	}
	if err, resolved := s.state(); resolved {
		if err != nil {
			return err
		}
		return ErrAlreadyCheckedIn
	}

	req := &checkinReq{sess: s, reply: make(chan error, 1)}
	select {
	case p.events <- req:
	case <-p.control:
		return ErrShutdown
	}
	return <-req.reply
}

// AnnounceReady registers a worker's connection with the pool and hands
// its ownership to the coordinator. The returned holder is the token
// the worker must use in AnnounceFailed.
func (p *Pool) AnnounceReady(ref Ref) (*Holder, error) {
	if ref == nil {
		return nil, ErrInvalidHandle
	}
	req := &readyReq{ref: ref, reply: make(chan readyReply, 1)}
	select {
	case p.events <- req:
	case <-p.control:
		return nil, ErrShutdown
	}
	r := <-req.reply
	return r.holder, r.err
}

// AnnounceFailed purges a dead worker's holder. If a caller holds it
// the caller's session fails with ErrConnectionLost; the pool runs one
// connection short until the worker announces ready again.
func (p *Pool) AnnounceFailed(h *Holder) {
	if h == nil {
		return
	}
	select {
	case p.events <- &failedReq{holder: h}:
	case <-p.control:
	}
}

// Stats snapshots coordinator state.
func (p *Pool) Stats() Stats {
	req := &statsReq{reply: make(chan Stats, 1)}
	select {
	case p.events <- req:
	case <-p.control:
		return Stats{Size: p.size}
	}
	return <-req.reply
}

// Stop tears the pool down: every queued waiter fails with ErrShutdown,
// every checked-out session is failed the same way, and idle
// connections are closed. Checked-out refs stay with their callers.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapUint32(&p.state, poolRunning, poolClosed) {
		return
	}
	close(p.control)
}

//
// coordinator
//

type checkout struct {
	holder *Holder
	sess   *Session
}

type coordinator struct {
	pool    *Pool
	state   State
	holders []*Holder
	waiters []*checkoutReq
	owned   map[uuid.UUID]*checkout
	ctl     *codel
}

func (c *coordinator) run() {
	for {
		select {
		case <-c.pool.control:
			c.shutdown()
			c.drain()
			return
		case e := <-c.pool.events:
			c.handle(e)
		}
	}
}

func (c *coordinator) handle(e event) {
	now := c.pool.clock.Now()
	switch e := e.(type) {
	case *checkoutReq:
		c.checkout(e, now)
	case *checkinReq:
		c.checkin(e, now)
	case *cancelReq:
		c.cancel(e)
	case *readyReq:
		c.workerReady(e, now)
	case *failedReq:
		c.workerFailed(e.holder)
	case *reclaimReq:
		c.reclaim(e, now)
	case *statsReq:
		e.reply <- c.stats(now)
	}
}

func (c *coordinator) checkout(req *checkoutReq, now time.Time) {
	if c.state == Ready {
		h := c.popHolder()
		c.ctl.sample(0, now)
		c.transfer(req, h)
		return
	}
	if !req.queueing {
		req.reply <- checkoutReply{err: ErrBusy}
		return
	}
	if c.ctl.overloaded(now) {
		req.reply <- checkoutReply{err: ErrOverloaded}
		return
	}
	req.enqueued = now
	c.waiters = append(c.waiters, req)
}

func (c *coordinator) checkin(req *checkinReq, now time.Time) {
	s := req.sess
	rec, ok := c.owned[s.holder.id]
	if !ok || rec.sess != s || rec.holder.lock != s.lock {
		if err, resolved := s.state(); resolved {
			if err != nil {
				req.reply <- err
			} else {
				req.reply <- ErrAlreadyCheckedIn
			}
			return
		}
		// an unresolved session the coordinator does not know about
		// means ownership transfer went wrong somewhere
		logrus.Errorf("pool: checkin with stale lock for holder %s", s.holder.id)
		req.reply <- ErrInvalidHandle
		return
	}

	s.resolve(nil)
	delete(c.owned, s.holder.id)
	release(rec.holder.ref)
	c.admit(rec.holder, now)
	req.reply <- nil
}

func (c *coordinator) cancel(e *cancelReq) {
	for i, w := range c.waiters {
		if w == e.req {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.reply <- checkoutReply{err: e.reason}
			return
		}
	}
	// already served or already resolved, the reply channel has the
	// verdict and the cancellation loses the race
}

func (c *coordinator) workerReady(req *readyReq, now time.Time) {
	if len(c.holders)+len(c.owned) >= c.pool.size {
		req.reply <- readyReply{err: ErrPoolFull}
		return
	}
	h := &Holder{
		id:          uuid.New(),
		ref:         req.ref,
		checkinTime: now,
	}
	req.reply <- readyReply{holder: h}
	c.admit(h, now)
}

func (c *coordinator) workerFailed(h *Holder) {
	for i, q := range c.holders {
		if q == h {
			c.holders = append(c.holders[:i], c.holders[i+1:]...)
			if len(c.holders) == 0 {
				c.state = Busy
			}
			return
		}
	}
	if rec, ok := c.owned[h.id]; ok && rec.holder == h {
		logrus.Warnf("pool: connection lost for checked-out holder %s", h.id)
		rec.sess.resolve(ErrConnectionLost)
		delete(c.owned, h.id)
		release(rec.holder.ref)
		return
	}
	// duplicate announcement for a holder already purged
}

func (c *coordinator) reclaim(e *reclaimReq, now time.Time) {
	rec, ok := c.owned[e.holder.id]
	if !ok || rec.holder != e.holder || rec.holder.lock != e.lock {
		return // resolved before the deadline fired
	}
	logrus.Warnf("pool: reclaiming holder %s past its checkout deadline", e.holder.id)
	rec.sess.resolve(ErrCheckoutReclaimed)
	delete(c.owned, e.holder.id)
	release(rec.holder.ref)
	c.admit(rec.holder, now)
}

// admit gives a coordinator-owned holder a destination: the oldest
// waiter if any, the idle queue otherwise.
func (c *coordinator) admit(h *Holder, now time.Time) {
	h.checkinTime = now
	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.ctl.sample(now.Sub(w.enqueued), now)
		c.transfer(w, h)
		return
	}
	c.holders = append(c.holders, h)
	c.state = Ready
}

// transfer moves exclusive ownership of h to the caller behind req. The
// lock rotates so any checkin tagged with the previous lock is rejected
// as stale.
func (c *coordinator) transfer(req *checkoutReq, h *Holder) {
	h.lock = uuid.New()
	s := &Session{
		pool:   c.pool,
		holder: h,
		lock:   h.lock,
		ref:    h.ref,
		done:   make(chan struct{}),
	}
	c.owned[h.id] = &checkout{holder: h, sess: s}
	acquire(h.ref)
	if d := c.pool.opts.Deadline; d > 0 {
		c.watchdog(h, h.lock, s, d)
	}
	req.reply <- checkoutReply{sess: s}
}

// watchdog arms the forcible-reclaim timer for one checkout. It is
// disarmed by the session resolving first, whatever the reason.
func (c *coordinator) watchdog(h *Holder, lock uuid.UUID, s *Session, d time.Duration) {
	p := c.pool
	t := p.clock.NewTimer(d)
	go func() {
		defer t.Stop()
		select {
		case <-t.C():
			select {
			case p.events <- &reclaimReq{holder: h, lock: lock}:
			case <-p.control:
			}
		case <-s.done:
		case <-p.control:
		}
	}()
}

func (c *coordinator) popHolder() *Holder {
	h := c.holders[0]
	c.holders = c.holders[1:]
	if len(c.holders) == 0 {
		c.state = Busy
	}
	return h
}

func (c *coordinator) stats(now time.Time) Stats {
	s := Stats{
		Size:       c.pool.size,
		State:      c.state,
		Available:  len(c.holders),
		Waiters:    len(c.waiters),
		CheckedOut: len(c.owned),
		Dropping:   c.ctl.overloaded(now),
	}
	if len(c.holders) > 0 {
		// holders queue oldest-first, so the head has sat longest
		s.OldestIdle = now.Sub(c.holders[0].checkinTime)
	}
	return s
}

func (c *coordinator) shutdown() {
	for _, w := range c.waiters {
		w.reply <- checkoutReply{err: ErrShutdown}
	}
	c.waiters = nil
	for _, rec := range c.owned {
		rec.sess.resolve(ErrShutdown)
		release(rec.holder.ref)
	}
	c.owned = map[uuid.UUID]*checkout{}
	for _, h := range c.holders {
		if err := h.ref.Close(); err != nil {
			logrus.Warnf("pool: closing idle connection failed: %s", err)
		}
	}
	c.holders = nil
	c.state = Busy
}

// drain refuses whatever events raced the shutdown so no sender is left
// waiting on a reply.
func (c *coordinator) drain() {
	for {
		select {
		case e := <-c.pool.events:
			switch e := e.(type) {
			case *checkoutReq:
				e.reply <- checkoutReply{err: ErrShutdown}
			case *checkinReq:
				e.reply <- ErrShutdown
			case *readyReq:
				e.reply <- readyReply{err: ErrShutdown}
			case *statsReq:
				e.reply <- Stats{Size: c.pool.size}
			}
		default:
			return
		}
	}
}
