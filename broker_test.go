package connbroker_test

import (
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/connbroker/connbroker"
	"github.com/connbroker/connbroker/pool"
	"github.com/connbroker/connbroker/test_helpers"
)

const waitTimeout = 5 * time.Second

var opts = connbroker.Opts{
	ConnectTimeout: 500 * time.Millisecond,
	RequestTimeout: 500 * time.Millisecond,
	Reconnect:      10 * time.Millisecond,
}

func startBackend(t *testing.T) *test_helpers.FakeBackend {
	t.Helper()
	srv, err := test_helpers.StartBackend()
	assert.NilError(t, err)
	t.Cleanup(srv.Stop)
	return srv
}

func waitAvailable(t *testing.T, b *connbroker.Broker, n int) {
	t.Helper()
	assert.Assert(t, test_helpers.WaitUntil(waitTimeout, func() bool {
		return b.Stats().Available == n
	}), "expected %d available connections, have %d", n, b.Stats().Available)
}

func TestConnectEmptyAddr(t *testing.T) {
	_, err := connbroker.Connect("", connbroker.Opts{})
	assert.Equal(t, connbroker.ErrEmptyAddr, err)
}

func TestConnectAndRoundTrip(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 2
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)
	defer b.Close()

	waitAvailable(t, b, 2)

	sess, err := b.Checkout()
	assert.NilError(t, err)
	assert.Assert(t, sess.Conn().InUse())
	assert.NilError(t, sess.Conn().Ping())

	assert.NilError(t, b.Checkin(sess))
	assert.Assert(t, !sess.Conn().InUse())
	waitAvailable(t, b, 2)
}

func TestBusyFailFast(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 1
	o.NoQueueing = true
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)
	defer b.Close()

	waitAvailable(t, b, 1)

	sess, err := b.Checkout()
	assert.NilError(t, err)

	_, err = b.Checkout()
	assert.Equal(t, pool.ErrBusy, err)

	assert.NilError(t, b.Checkin(sess))
}

func TestCheckoutTimeout(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 1
	o.Timeout = 20 * time.Millisecond
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)
	defer b.Close()

	waitAvailable(t, b, 1)

	sess, err := b.Checkout()
	assert.NilError(t, err)

	_, err = b.Checkout()
	assert.Equal(t, pool.ErrCheckoutTimeout, err)

	assert.NilError(t, b.Checkin(sess))
}

func TestConnectionLossAndRecovery(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 1
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)
	defer b.Close()

	waitAvailable(t, b, 1)

	sess, err := b.Checkout()
	assert.NilError(t, err)

	srv.DropConns()
	err = sess.Conn().Ping()
	assert.Assert(t, err != nil, "ping should fail after the backend dropped the connection")

	// the worker notices the broken connection and fails the session
	select {
	case <-sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session not failed after connection loss")
	}
	assert.Equal(t, pool.ErrConnectionLost, sess.Err())
	assert.Equal(t, pool.ErrConnectionLost, b.Checkin(sess))

	// the worker reconnects and capacity comes back
	waitAvailable(t, b, 1)
}

func TestCallerReportedFailure(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 1
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)
	defer b.Close()

	waitAvailable(t, b, 1)

	sess, err := b.Checkout()
	assert.NilError(t, err)

	sess.Fail()
	select {
	case <-sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session not failed after caller report")
	}
	assert.Equal(t, pool.ErrConnectionLost, sess.Err())

	waitAvailable(t, b, 1)
}

func TestIdlePing(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 1
	o.IdleInterval = 10 * time.Millisecond
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)
	defer b.Close()

	waitAvailable(t, b, 1)
	time.Sleep(50 * time.Millisecond)

	// pings cycle through checkout/checkin and leave the pool intact
	waitAvailable(t, b, 1)
	sess, err := b.Checkout()
	assert.NilError(t, err)
	assert.NilError(t, sess.Conn().Ping())
	assert.NilError(t, b.Checkin(sess))
}

func TestIdlePingDetectsFailure(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 1
	o.IdleInterval = 5 * time.Millisecond
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)
	defer b.Close()

	waitAvailable(t, b, 1)
	srv.DropConns()

	// the pinger finds the dead connection on its next cycle, the
	// worker replaces it and a fresh checkout works again
	assert.Assert(t, test_helpers.WaitUntil(waitTimeout, func() bool {
		sess, err := b.Checkout()
		if err != nil {
			return false
		}
		ok := sess.Conn().Ping() == nil
		b.Checkin(sess)
		return ok
	}), "broker did not recover after the backend dropped its connection")
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	srv := startBackend(t)

	o := opts
	o.PoolSize = 1
	b, err := connbroker.Connect(srv.Addr(), o)
	assert.NilError(t, err)

	waitAvailable(t, b, 1)

	sess, err := b.Checkout()
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := b.Checkout()
		done <- err
	}()
	assert.Assert(t, test_helpers.WaitUntil(waitTimeout, func() bool {
		return b.Stats().Waiters == 1
	}))

	b.Close()
	assert.Equal(t, pool.ErrShutdown, <-done)
	assert.Equal(t, pool.ErrShutdown, b.Checkin(sess))
	sess.Conn().Close()
}
