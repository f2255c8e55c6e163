package connbroker

import (
	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"

	"github.com/connbroker/connbroker/pool"
)

// worker maintains one physical connection and does no pooling itself:
// dial, handshake, announce ready, wait for the connection to break,
// announce failure, reconnect. The pool only ever reacts to these
// readiness events.
type worker struct {
	addr    string
	opts    Opts
	pool    *pool.Pool
	clk     clock.Clock
	control chan struct{}
}

func (w *worker) run() {
	var attempts uint
	for {
		conn, err := dial(w.addr, w.opts)
		if err == nil {
			// adapter setup before the first ready announcement
			err = conn.Ping()
		}
		if err != nil {
			if conn != nil {
				conn.Close()
			}
			attempts++
			if w.opts.MaxReconnects > 0 && attempts > w.opts.MaxReconnects {
				logrus.Errorf("connbroker: worker for %s giving up after %d attempts: %s", w.addr, attempts, err)
				return
			}
			logrus.Warnf("connbroker: connect to %s failed: %s", w.addr, err)
			backoff := w.clk.NewTimer(w.opts.Reconnect)
			select {
			case <-w.control:
				backoff.Stop()
				return
			case <-backoff.C():
			}
			backoff.Stop()
			continue
		}
		attempts = 0

		h, err := w.pool.AnnounceReady(conn)
		if err != nil {
			conn.Close()
			if err != pool.ErrShutdown {
				logrus.Errorf("connbroker: registering worker for %s failed: %s", w.addr, err)
			}
			return
		}

		select {
		case <-conn.broken:
			w.pool.AnnounceFailed(h)
			conn.Close()
			// a fresh holder comes with the fresh connection
		case <-w.control:
			return
		}
	}
}
