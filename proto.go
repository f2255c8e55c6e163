package connbroker

import (
	"gopkg.in/vmihailenco/msgpack.v2"
)

// Wire format: every message is a msgpack map of small integer keys.
// Only the health-check surface lives here; the real query protocol is
// the adapter's business.
const (
	KeyCode  = 0x00
	KeySync  = 0x01
	KeyError = 0x31
)

const (
	OkCode   = 0x00
	PingCode = 0x40
)

type request struct {
	Code uint32
	Sync uint32
}

type response struct {
	Code  uint32
	Sync  uint32
	Error string
}

func writeRequest(enc *msgpack.Encoder, req request) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint(KeyCode)); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint(req.Code)); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint(KeySync)); err != nil {
		return err
	}
	return enc.EncodeUint(uint(req.Sync))
}

func readResponse(dec *msgpack.Decoder) (resp response, err error) {
	var l int
	if l, err = dec.DecodeMapLen(); err != nil {
		return
	}
	for ; l > 0; l-- {
		var key int
		if key, err = dec.DecodeInt(); err != nil {
			return
		}
		switch key {
		case KeyCode:
			var v uint64
			if v, err = dec.DecodeUint64(); err != nil {
				return
			}
			resp.Code = uint32(v)
		case KeySync:
			var v uint64
			if v, err = dec.DecodeUint64(); err != nil {
				return
			}
			resp.Sync = uint32(v)
		case KeyError:
			if resp.Error, err = dec.DecodeString(); err != nil {
				return
			}
		default:
			if err = dec.Skip(); err != nil {
				return
			}
		}
	}
	return
}
