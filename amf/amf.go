// Package amf dispatches between the AMF0 and AMF3 wire codecs by version
// byte. AMF3 decode is not implemented (see amf/amf3), matching its encode
// side's coverage; command dispatch falls back to logging AMF3 payloads
// instead of decoding them.
package amf

import (
	"github.com/pkg/errors"

	"github.com/jfcarter/rtmp-server/amf/amf0"
	"github.com/jfcarter/rtmp-server/amf/amf3"
)

const AMFVersion0 uint8 = 0
const AMFVersion3 uint8 = 3

func Encode(v interface{}, version uint8) ([]byte, error) {
	switch version {
	case AMFVersion0:
		return amf0.Encode(v)
	case AMFVersion3:
		return amf3.Encode(v)
	default:
		return nil, errors.Errorf("unsupported AMF version %d", version)
	}
}

func Decode(b []byte, version uint8) (interface{}, error) {
	switch version {
	case AMFVersion0:
		return amf0.Decode(b)
	case AMFVersion3:
		return nil, errors.New("amf: AMF3 decode is not implemented")
	default:
		return nil, errors.Errorf("unsupported AMF version %d", version)
	}
}
