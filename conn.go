package connbroker

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/vmihailenco/msgpack.v2"
)

// Conn is the usable state of one physical connection. Whoever owns its
// pool holder is the only party allowed to touch it; the pool enforces
// that, Conn does not.
type Conn struct {
	addr    string
	nc      net.Conn
	w       *bufio.Writer
	enc     *msgpack.Encoder
	dec     *msgpack.Decoder
	timeout time.Duration

	sync  uint32
	inUse int32

	broken    chan struct{}
	breakOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func dial(addr string, opts Opts) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, opts.ConnectTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connbroker: dial %s", addr)
	}
	w := bufio.NewWriter(nc)
	conn := &Conn{
		addr:    addr,
		nc:      nc,
		w:       w,
		enc:     msgpack.NewEncoder(w),
		dec:     msgpack.NewDecoder(bufio.NewReader(nc)),
		timeout: opts.RequestTimeout,
		broken:  make(chan struct{}),
	}
	return conn, nil
}

// Addr returns the address this connection was dialed to.
func (conn *Conn) Addr() string {
	return conn.addr
}

// Ping round-trips an empty request. Any wire error marks the
// connection broken, which the owning worker picks up and reports to
// the pool.
func (conn *Conn) Ping() error {
	conn.sync++
	req := request{Code: PingCode, Sync: conn.sync}
	if conn.timeout > 0 {
		conn.nc.SetDeadline(time.Now().Add(conn.timeout))
		defer conn.nc.SetDeadline(time.Time{})
	}
	if err := writeRequest(conn.enc, req); err != nil {
		conn.markBroken()
		return errors.Wrapf(err, "connbroker: ping %s", conn.addr)
	}
	if err := conn.w.Flush(); err != nil {
		conn.markBroken()
		return errors.Wrapf(err, "connbroker: ping %s", conn.addr)
	}
	resp, err := readResponse(conn.dec)
	if err != nil {
		conn.markBroken()
		return errors.Wrapf(err, "connbroker: ping %s", conn.addr)
	}
	if resp.Sync != req.Sync {
		conn.markBroken()
		return errors.Errorf("connbroker: ping %s: sync mismatch, sent %d got %d", conn.addr, req.Sync, resp.Sync)
	}
	if resp.Code != OkCode {
		return errors.Errorf("connbroker: ping %s: %s", conn.addr, resp.Error)
	}
	return nil
}

// Close shuts the physical connection. Safe to call more than once.
func (conn *Conn) Close() error {
	conn.closeOnce.Do(func() {
		conn.closeErr = conn.nc.Close()
	})
	return conn.closeErr
}

// markBroken flags the connection as unusable. The owning worker reacts
// by announcing failure and reconnecting with a fresh one.
func (conn *Conn) markBroken() {
	conn.breakOnce.Do(func() {
		close(conn.broken)
	})
}

// Acquire marks the in-use counter. The pool calls it on every checkout
// transfer.
func (conn *Conn) Acquire() {
	atomic.AddInt32(&conn.inUse, 1)
}

// Release undoes Acquire when the checkout ends, whether by checkin or
// by the pool failing the session.
func (conn *Conn) Release() {
	atomic.AddInt32(&conn.inUse, -1)
}

// InUse reports whether some caller currently has the connection
// checked out.
func (conn *Conn) InUse() bool {
	return atomic.LoadInt32(&conn.inUse) > 0
}
