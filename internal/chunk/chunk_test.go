package chunk

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/jfcarter/rtmp-server/internal/buffer"
)

func TestReadBasicHeaderForms(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		wantFmt  Format
		wantCSID uint32
	}{
		{"one-byte form", []byte{0x43}, Format1, 3},
		{"two-byte form", []byte{0x00, 0x05}, Format0, 64 + 5},
		{"three-byte form", []byte{0x01, 0x01, 0x02}, Format0, 64 + 1 + 256*2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := buffer.New()
			buf.Append(tt.input)
			fmtType, csid, err := ReadBasicHeader(buf)
			if err != nil {
				t.Fatalf("ReadBasicHeader() error = %v", err)
			}
			if fmtType != tt.wantFmt {
				t.Errorf("fmtType = %d, want %d", fmtType, tt.wantFmt)
			}
			if csid != tt.wantCSID {
				t.Errorf("csid = %d, want %d", csid, tt.wantCSID)
			}
			if buf.Len() != 0 {
				t.Errorf("expected basic header fully consumed, %d bytes left", buf.Len())
			}
		})
	}
}

func TestReadBasicHeaderNeedsMore(t *testing.T) {
	buf := buffer.New()
	buf.Append([]byte{0x00}) // two-byte form, second byte missing
	_, _, err := ReadBasicHeader(buf)
	if !errors.Is(err, ErrNeedMore) {
		t.Fatalf("err = %v, want ErrNeedMore", err)
	}
	if buf.Len() != 1 {
		t.Fatalf("ErrNeedMore must not consume any bytes, Len() = %d", buf.Len())
	}
}

func TestFormat0ThenFormat3Message(t *testing.T) {
	cs := New(3)
	buf := buffer.New()

	// Type-0 header: timestamp=100, length=10, typeID=9 (video), streamID=1.
	buf.Append([]byte{
		0x00, 0x00, 0x64, // timestamp
		0x00, 0x00, 0x0A, // message length
		0x09,                   // type id
		0x01, 0x00, 0x00, 0x00, // message stream id, little-endian
	})
	payload := []byte("0123456789")
	buf.Append(payload)

	if err := cs.ReadHeader(Format0, buf); err != nil {
		t.Fatalf("ReadHeader(Format0) error = %v", err)
	}
	status, err := cs.ReadPayload(128, buf)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if status != StatusOk {
		t.Fatalf("status = %v, want StatusOk", status)
	}
	if string(cs.Payload()) != string(payload) {
		t.Fatalf("Payload() = %q, want %q", cs.Payload(), payload)
	}
	if cs.Timestamp() != 100 {
		t.Fatalf("Timestamp() = %d, want 100", cs.Timestamp())
	}
	cs.Reset()

	// A fmt=3 chunk on the same csid starts a new message and must inherit
	// every header field, advancing the timestamp by the last delta (which
	// is 0 here since the prior chunk was a fmt=0 with no predecessor).
	buf.Append(payload)
	if err := cs.ReadHeader(Format3, buf); err != nil {
		t.Fatalf("ReadHeader(Format3) error = %v", err)
	}
	status, err = cs.ReadPayload(128, buf)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if status != StatusOk {
		t.Fatalf("status = %v, want StatusOk", status)
	}
	if cs.MessageLength() != 10 || cs.TypeID() != 9 || cs.MessageStreamID() != 1 {
		t.Fatalf("fmt=3 chunk did not inherit header fields: len=%d type=%d msid=%d",
			cs.MessageLength(), cs.TypeID(), cs.MessageStreamID())
	}
}

func TestFormat3WithoutPriorHeaderIsProtocolError(t *testing.T) {
	cs := New(5)
	buf := buffer.New()
	buf.Append([]byte("anything"))
	err := cs.ReadHeader(Format3, buf)
	if err == nil {
		t.Fatal("expected an error when fmt=3 has no prior header to inherit from")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v (%T), want *ProtocolError", err, err)
	}
}

func TestChunkBoundarySplitsPayloadAcrossReadPayloadCalls(t *testing.T) {
	cs := New(4)
	buf := buffer.New()
	buf.Append([]byte{
		0x00, 0x00, 0x00,
		0x00, 0x00, 0x08, // message length 8
		0x08,                   // audio
		0x00, 0x00, 0x00, 0x00,
	})
	if err := cs.ReadHeader(Format0, buf); err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}

	buf.Append([]byte("abcd"))
	status, err := cs.ReadPayload(4, buf)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if status != StatusContinue {
		t.Fatalf("status = %v, want StatusContinue", status)
	}

	// Needs another basic+type-3 header in real traffic; here we just feed
	// the remaining payload bytes directly to ReadPayload since the header
	// step is already covered by other tests.
	buf.Append([]byte("efgh"))
	status, err = cs.ReadPayload(4, buf)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if status != StatusOk {
		t.Fatalf("status = %v, want StatusOk", status)
	}
	if string(cs.Payload()) != "abcdefgh" {
		t.Fatalf("Payload() = %q, want %q", cs.Payload(), "abcdefgh")
	}
}

func TestReadPayloadNeedsMoreConsumesNothing(t *testing.T) {
	cs := New(2)
	buf := buffer.New()
	buf.Append([]byte{
		0x00, 0x00, 0x00,
		0x00, 0x00, 0x04,
		0x14,
		0x00, 0x00, 0x00, 0x00,
	})
	if err := cs.ReadHeader(Format0, buf); err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	buf.Append([]byte{0x01}) // only 1 of 4 bytes available
	_, err := cs.ReadPayload(128, buf)
	if !errors.Is(err, ErrNeedMore) {
		t.Fatalf("err = %v, want ErrNeedMore", err)
	}
	if buf.Len() != 1 {
		t.Fatalf("ErrNeedMore must not consume bytes, Len() = %d", buf.Len())
	}
}

func TestExtendedTimestampFormat0(t *testing.T) {
	cs := New(7)
	buf := buffer.New()
	buf.Append([]byte{
		0xFF, 0xFF, 0xFF, // extended timestamp marker
		0x00, 0x00, 0x03,
		0x14,
		0x00, 0x00, 0x00, 0x00,
	})
	buf.Append([]byte{0x00, 0x01, 0x00, 0x00}) // extended timestamp = 65536
	buf.Append([]byte("xyz"))

	if err := cs.ReadHeader(Format0, buf); err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if cs.Timestamp() != 65536 {
		t.Fatalf("Timestamp() = %d, want 65536", cs.Timestamp())
	}
	status, err := cs.ReadPayload(128, buf)
	if err != nil || status != StatusOk {
		t.Fatalf("ReadPayload() = (%v, %v)", status, err)
	}
}
