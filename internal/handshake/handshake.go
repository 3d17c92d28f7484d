// Package handshake implements the RTMP handshake (C0/C1 -> S0/S1/S2 ->
// C2) against the session's incremental byte buffer, so the fixed
// 1536/1537-byte reads obey the same "need more data" discipline as chunk
// parsing instead of blocking directly on a bufio.Reader.
package handshake

import (
	"github.com/pkg/errors"

	"github.com/jfcarter/rtmp-server/internal/buffer"
	"github.com/jfcarter/rtmp-server/internal/idgen"
)

const rtmpVersion3 = 3

const (
	c0c1Size = 1537
	c2Size   = 1536
	s1Size   = 1536
)

// ErrNeedMore signals the buffer does not yet hold a full handshake
// message; callers check with errors.Is and retry after more reads.
var ErrNeedMore = errors.New("handshake: need more data")

// ErrUnsupportedVersion is returned when C0 names an RTMP version other
// than 3, the only version this server speaks.
var ErrUnsupportedVersion = errors.New("handshake: unsupported RTMP version")

// Handshake drives one connection's handshake to completion. It is used
// once per session and then discarded.
type Handshake struct {
	c1 []byte
}

// HandleC0C1 consumes the 1537-byte C0+C1 message from buf. It validates
// the version byte and retains C1's body (time + random payload) so it
// can echo it back inside S2.
func (h *Handshake) HandleC0C1(buf *buffer.ByteBuffer) error {
	if !buf.Require(c0c1Size) {
		return ErrNeedMore
	}
	msg := buf.Peek()[:c0c1Size]
	if msg[0] != rtmpVersion3 {
		return ErrUnsupportedVersion
	}
	h.c1 = append([]byte(nil), msg[1:]...)
	buf.Consume(c0c1Size)
	return nil
}

// SendS0S1S2 builds the 1+1536+1536 byte S0+S1+S2 response: S0 names our
// version, S1 is a zero-timestamp, random-payload message of our own,
// and S2 echoes the C1 body this server just received.
func (h *Handshake) SendS0S1S2() ([]byte, error) {
	out := make([]byte, 1+s1Size+c2Size)
	out[0] = rtmpVersion3

	s1 := out[1 : 1+s1Size]
	// Bytes 0-3 are the server's epoch timestamp; left zero, matching a
	// server that does not track handshake-relative time. Bytes 4-7 are
	// reserved (zero). The remainder is random payload.
	if err := idgen.FillRandom(s1[8:]); err != nil {
		return nil, errors.Wrap(err, "handshake: generate S1 payload")
	}

	s2 := out[1+s1Size:]
	copy(s2, h.c1)

	return out, nil
}

// HandleC2 consumes the 1536-byte C2 message from buf. Per the RTMP
// handshake's compatibility allowance, its content is not validated
// against the S1 this server sent — only its length matters.
func (h *Handshake) HandleC2(buf *buffer.ByteBuffer) error {
	if !buf.Require(c2Size) {
		return ErrNeedMore
	}
	buf.Consume(c2Size)
	return nil
}
