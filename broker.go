// Package connbroker multiplexes many concurrent callers over a small
// fixed set of connections to one backing service. Callers check a
// connection out for exclusive use and check it back in when done;
// excess demand queues FIFO and is shed under sustained congestion.
package connbroker

import (
	"context"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"

	"github.com/connbroker/connbroker/pool"
)

// Broker owns a pool of workers connected to one address.
type Broker struct {
	addr string
	opts Opts

	pool    *pool.Pool
	clk     clock.Clock
	control chan struct{}

	closeOnce sync.Once
}

// Session is a checked-out connection. The caller owns Conn exclusively
// until Checkin.
type Session struct {
	s    *pool.Session
	conn *Conn
}

// Conn returns the exclusively owned connection.
func (sess *Session) Conn() *Conn {
	return sess.conn
}

// Err reports why the session was failed underneath the caller:
// pool.ErrConnectionLost, pool.ErrCheckoutReclaimed or pool.ErrShutdown.
func (sess *Session) Err() error {
	return sess.s.Err()
}

// Done is closed once the session is over, however it ended.
func (sess *Session) Done() <-chan struct{} {
	return sess.s.Done()
}

// Fail reports the connection broken on the caller's behalf, e.g. after
// an I/O error while using it. The owning worker announces the failure
// and reconnects.
func (sess *Session) Fail() {
	sess.conn.markBroken()
}

// Connect starts a broker for `addr`: a coordinator plus
// opts.PoolSize workers that dial and register themselves. Workers that
// cannot connect keep retrying in the background, so Connect succeeds
// even while the backing service is still coming up.
func Connect(addr string, opts Opts) (*Broker, error) {
	if addr == "" {
		return nil, ErrEmptyAddr
	}
	opts = opts.withDefaults()

	clk := clock.NewClock()
	p, err := pool.Start(opts.PoolSize, pool.Opts{
		QueueTarget:   opts.QueueTarget,
		QueueInterval: opts.QueueInterval,
		Deadline:      opts.Deadline,
		Clock:         clk,
	})
	if err != nil {
		return nil, err
	}

	b := &Broker{
		addr:    addr,
		opts:    opts,
		pool:    p,
		clk:     clk,
		control: make(chan struct{}),
	}

	for i := 0; i < opts.PoolSize; i++ {
		w := &worker{
			addr:    addr,
			opts:    opts,
			pool:    p,
			clk:     clk,
			control: b.control,
		}
		go w.run()
	}

	if opts.IdleInterval > 0 {
		go b.pinger()
	}

	return b, nil
}

// Checkout acquires exclusive use of one connection, honoring the
// broker's NoQueueing and Timeout options.
func (b *Broker) Checkout() (*Session, error) {
	return b.CheckoutContext(context.Background())
}

// CheckoutContext is Checkout with caller-side cancellation.
func (b *Broker) CheckoutContext(ctx context.Context) (*Session, error) {
	s, err := b.pool.CheckoutContext(ctx, !b.opts.NoQueueing, b.opts.Timeout)
	if err != nil {
		return nil, err
	}
	return &Session{s: s, conn: s.Ref().(*Conn)}, nil
}

// Checkin returns the session's connection to the pool.
func (b *Broker) Checkin(sess *Session) error {
	return b.pool.Checkin(sess.s)
}

// Stats snapshots the underlying pool.
func (b *Broker) Stats() pool.Stats {
	return b.pool.Stats()
}

// Close tears everything down: workers stop, idle connections close and
// pending waiters fail with pool.ErrShutdown. A caller still holding a
// session owns its connection and should close it.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.control)
		b.pool.Stop()
	})
}

// pinger keeps idle connections alive by cycling a non-queueing
// checkout through the pool. A pool with no idle capacity is being
// exercised by callers already and needs no pings.
func (b *Broker) pinger() {
	t := b.clk.NewTicker(b.opts.IdleInterval)
	defer t.Stop()
	for {
		select {
		case <-b.control:
			return
		case <-t.C():
			s, err := b.pool.Checkout(false, 0)
			if err != nil {
				continue
			}
			conn := s.Ref().(*Conn)
			if err := conn.Ping(); err != nil {
				logrus.Warnf("connbroker: idle ping on %s failed: %s", conn.Addr(), err)
			}
			if err := b.pool.Checkin(s); err != nil {
				// a failed ping fails the session before the checkin
				// lands, so ErrConnectionLost is the usual verdict here
				logrus.Debugf("connbroker: idle ping checkin on %s: %s", conn.Addr(), err)
			}
		}
	}
}
