package session

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jfcarter/rtmp-server/config"
	"github.com/jfcarter/rtmp-server/internal/control"
	"github.com/jfcarter/rtmp-server/internal/media"
)

// queuedPacket carries a media packet destined for this session as a
// subscriber; writePump frames it as an RTMP message.
type queuedPacket struct {
	media *media.Packet
}

// WriteMessage implements control.Sender by fragmenting payload into
// outChunkSize chunks, writing a type-0 header followed by type-3
// continuation headers, exactly as the teacher's ChunkHandler.send does.
// Protocol and command responses call it from the session's own read-loop
// goroutine; media fan-out goes through the queue (see Write below) and
// reaches it from the writer-pump goroutine. writeMu serializes the two
// so their chunks never interleave on the conn.
func (s *Session) WriteMessage(csid uint32, typeID uint8, streamID uint32, timestamp uint32, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeChunked(csid, typeID, streamID, timestamp, payload)
}

// writeChunked assumes writeMu is already held.
func (s *Session) writeChunked(csid uint32, typeID uint8, streamID uint32, timestamp uint32, payload []byte) error {
	header := make([]byte, 12)
	basicAndFmt0 := byte(csid & 0x3F) // fmt=0 (top 2 bits zero) + csid in the low 6 bits
	header[0] = basicAndFmt0
	header[1] = byte(timestamp >> 16)
	header[2] = byte(timestamp >> 8)
	header[3] = byte(timestamp)
	header[4] = byte(len(payload) >> 16)
	header[5] = byte(len(payload) >> 8)
	header[6] = byte(len(payload))
	header[7] = typeID
	binary.LittleEndian.PutUint32(header[8:], streamID)

	if _, err := s.conn.Write(header); err != nil {
		return err
	}

	chunkSize := int(s.outChunkSize)
	if len(payload) <= chunkSize {
		_, err := s.conn.Write(payload)
		return err
	}

	continuationHeader := byte(chunk3) | (basicAndFmt0 & 0x3F)
	written := 0
	for written < len(payload) {
		if written > 0 {
			if _, err := s.conn.Write([]byte{continuationHeader}); err != nil {
				return err
			}
		}
		end := written + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := s.conn.Write(payload[written:end]); err != nil {
			return err
		}
		written = end
	}
	return nil
}

const chunk3 = 0xC0 // fmt=3 in the top 2 bits

// SetInboundChunkSize implements control.Sender.
func (s *Session) SetInboundChunkSize(size uint32) error {
	s.inChunkSize = size
	return nil
}

// SetStreamKey implements control.Sender, recording the app/name key this
// session is bound to once a publish or play command names it. It is
// only ever set once per session, from the read-loop goroutine, and read
// by the writer-pump goroutine through streamKey, hence the mutex rather
// than a plain field.
func (s *Session) SetStreamKey(key string) {
	s.streamKeyMu.Lock()
	s.streamKeyVal = key
	s.streamKeyMu.Unlock()
}

func (s *Session) streamKey() string {
	s.streamKeyMu.Lock()
	defer s.streamKeyMu.Unlock()
	return s.streamKeyVal
}

// SetOutboundChunkSize updates the size this session fragments its own
// outbound messages into, applied after the handler sends its own
// Set Chunk Size control message.
func (s *Session) SetOutboundChunkSize(size uint32) {
	s.outChunkSize = size
}

// Close implements control.Sender: it unblocks Serve's read loop by
// closing the connection. reason is stored in closeErr; Serve does not
// return it, but reports the read error the closed connection produces.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.closeErr = reason
		_ = s.conn.Close()
	})
}

// rawWrite sends bytes with no chunk framing, used only for the
// handshake, which has its own fixed wire format.
func (s *Session) rawWrite(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

// writerHandle is this session's registry.WriterHandle when it plays a
// stream: Write enqueues onto a bounded channel that writePump drains on
// a dedicated goroutine, so a slow subscriber's socket never blocks the
// publisher's fan-out inside Registry.WritePacket.
type writerHandle struct {
	s *Session
}

func (w *writerHandle) Key() string { return w.s.streamKey() }

// ID returns this session's writer identity, distinct from its session ID
// so a session that reconnects (or, in principle, both publishes and
// plays) is never confused with another by the registry's writers map.
func (w *writerHandle) ID() string { return w.s.writerID }

func (w *writerHandle) IsInitialized() bool {
	return atomic.LoadUint32(&w.s.initialized) == 1
}

func (w *writerHandle) MarkInitialized() {
	atomic.StoreUint32(&w.s.initialized, 1)
}

func (w *writerHandle) Write(pkt media.Packet) error {
	qp := queuedPacket{media: &pkt}
	select {
	case w.s.queue <- qp:
		return nil
	default:
	}

	switch w.s.cfg.SlowSubscriberPolicy {
	case config.Disconnect:
		w.s.Close(errors.New("session: subscriber queue full"))
		return nil
	case config.Block:
		select {
		case w.s.queue <- qp:
			return nil
		case <-w.s.done:
			return nil
		}
	default: // DropNonKey
		if pkt.IsKeyFrame || pkt.IsSequenceHeader {
			// Make room by dropping the oldest queued packet, whatever its
			// kind, so the keyframe/sequence header itself gets enqueued.
			select {
			case <-w.s.queue:
			default:
			}
			select {
			case w.s.queue <- qp:
			default:
			}
		}
		return nil
	}
}

// writePump drains the outbound queue for as long as the session lives,
// translating each media.Packet into a framed RTMP message on the wire.
func (s *Session) writePump() {
	for {
		select {
		case qp, ok := <-s.queue:
			if !ok {
				return
			}
			if qp.media != nil {
				if err := s.writeMediaPacket(*qp.media); err != nil {
					s.log.Debug("subscriber write failed", zap.Error(err))
					s.Close(err)
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeMediaPacket(pkt media.Packet) error {
	var csid uint32
	var typeID uint8
	switch pkt.MediaType {
	case media.TypeAudio:
		csid, typeID = audioChannel, control.TypeAudio
	case media.TypeVideo:
		csid, typeID = videoChannel, control.TypeVideo
	default:
		csid, typeID = control.ProtocolChannel, control.TypeDataAMF0
	}
	return s.WriteMessage(csid, typeID, playStreamID, pkt.DTS, pkt.Payload)
}

const (
	audioChannel uint32 = 4
	videoChannel uint32 = 5
	playStreamID uint32 = 1
)
