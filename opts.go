package connbroker

import (
	"errors"
	"time"
)

var ErrEmptyAddr = errors.New("addr should not be empty")

// Opts recognized by Connect.
type Opts struct {
	// PoolSize is the number of connection workers. Defaults to 1.
	PoolSize int

	// NoQueueing makes saturated checkouts fail fast with ErrBusy
	// instead of waiting in the queue.
	NoQueueing bool

	// Timeout caps how long a checkout may wait in the queue. Zero
	// waits until served.
	Timeout time.Duration

	// ConnectTimeout bounds dialing one worker connection.
	ConnectTimeout time.Duration

	// RequestTimeout is the I/O deadline for health-check requests.
	RequestTimeout time.Duration

	// QueueTarget and QueueInterval tune the overload controller: if
	// the minimum queue wait stays above QueueTarget for a whole
	// QueueInterval, new checkouts are rejected until it recovers.
	QueueTarget   time.Duration
	QueueInterval time.Duration

	// IdleInterval is the period for pinging idle connections. Zero
	// disables idle pings.
	IdleInterval time.Duration

	// Deadline bounds how long a caller may keep a checkout before the
	// holder is forcibly reclaimed. Zero disables reclaim.
	Deadline time.Duration

	// Reconnect is the pause between a worker's reconnect attempts.
	Reconnect time.Duration

	// MaxReconnects caps consecutive failed reconnect attempts per
	// worker, after which the worker stays down. Zero retries forever.
	MaxReconnects uint
}

func (opts Opts) withDefaults() Opts {
	if opts.PoolSize == 0 {
		opts.PoolSize = 1
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.Reconnect == 0 {
		opts.Reconnect = 500 * time.Millisecond
	}
	return opts
}
