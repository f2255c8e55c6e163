package test_helpers

import (
	"net"
	"sync"

	"gopkg.in/vmihailenco/msgpack.v2"
)

// FakeBackend is an in-process stand-in for the backing service. It
// listens on a loopback port and answers ping requests, which is all
// the broker's workers need from the real thing.
type FakeBackend struct {
	ln net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// StartBackend listens on an ephemeral loopback port and serves until
// Stop.
func StartBackend() (*FakeBackend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &FakeBackend{
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}
	go b.acceptLoop()
	return b, nil
}

// Addr is the address to hand to Connect.
func (b *FakeBackend) Addr() string {
	return b.ln.Addr().String()
}

// DropConns closes every live connection while keeping the listener up,
// simulating a backend that kicked its clients.
func (b *FakeBackend) DropConns() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.Close()
		delete(b.conns, c)
	}
}

// Stop shuts the listener and all live connections down.
func (b *FakeBackend) Stop() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.ln.Close()
	b.DropConns()
}

func (b *FakeBackend) acceptLoop() {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			c.Close()
			return
		}
		b.conns[c] = struct{}{}
		b.mu.Unlock()
		go b.serve(c)
	}
}

func (b *FakeBackend) serve(c net.Conn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		c.Close()
	}()

	dec := msgpack.NewDecoder(c)
	enc := msgpack.NewEncoder(c)
	for {
		sync, ok, err := readPing(dec)
		if err != nil {
			return
		}
		if err := writeAck(enc, sync, ok); err != nil {
			return
		}
	}
}

// wire keys and codes, mirroring the broker's protocol
const (
	keyCode  = 0x00
	keySync  = 0x01
	keyError = 0x31

	okCode   = 0x00
	pingCode = 0x40
	errCode  = 0x01
)

func readPing(dec *msgpack.Decoder) (sync uint32, ok bool, err error) {
	var l int
	if l, err = dec.DecodeMapLen(); err != nil {
		return
	}
	var code uint64
	for ; l > 0; l-- {
		var key int
		if key, err = dec.DecodeInt(); err != nil {
			return
		}
		switch key {
		case keyCode:
			if code, err = dec.DecodeUint64(); err != nil {
				return
			}
		case keySync:
			var v uint64
			if v, err = dec.DecodeUint64(); err != nil {
				return
			}
			sync = uint32(v)
		default:
			if err = dec.Skip(); err != nil {
				return
			}
		}
	}
	return sync, code == pingCode, nil
}

func writeAck(enc *msgpack.Encoder, sync uint32, ok bool) error {
	n := 2
	if !ok {
		n = 3
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint(keyCode)); err != nil {
		return err
	}
	code := uint(okCode)
	if !ok {
		code = errCode
	}
	if err := enc.EncodeUint(code); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint(keySync)); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint(sync)); err != nil {
		return err
	}
	if !ok {
		if err := enc.EncodeUint(uint(keyError)); err != nil {
			return err
		}
		return enc.EncodeString("unknown request")
	}
	return nil
}
