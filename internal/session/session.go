// Package session drives a single RTMP connection end to end: handshake,
// chunk-stream demultiplexing, control/command dispatch, and the
// per-subscriber outbound writer. One Session is created per accepted
// net.Conn and runs entirely on its own goroutine except for the
// dedicated writer-pump goroutine it spawns for outbound media fan-out.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jfcarter/rtmp-server/config"
	"github.com/jfcarter/rtmp-server/internal/buffer"
	"github.com/jfcarter/rtmp-server/internal/chunk"
	"github.com/jfcarter/rtmp-server/internal/control"
	"github.com/jfcarter/rtmp-server/internal/handshake"
	"github.com/jfcarter/rtmp-server/internal/idgen"
	"github.com/jfcarter/rtmp-server/internal/registry"
)

type phase uint8

const (
	phaseAwaitC0C1 phase = iota
	phaseAwaitC2
	phaseConnected
	phaseClosed
)

const readChunkSize = 4096

// Session owns one connection's protocol state machine.
type Session struct {
	id       string
	writerID string
	log      *zap.Logger
	cfg config.Config
	reg *registry.Registry

	conn net.Conn
	buf  *buffer.ByteBuffer

	phase phase
	hs    handshake.Handshake

	fmtReady    bool
	headerReady bool // the pending chunk's message header is already consumed
	readyFmt  chunk.Format
	readyCSID uint32
	streams   map[uint32]*chunk.ChunkStream

	inChunkSize  uint32
	outChunkSize uint32

	handler *control.Handler

	writeMu sync.Mutex

	queue       chan queuedPacket
	initialized uint32
	closeOnce   sync.Once
	closeErr    error
	done        chan struct{}

	streamKeyMu  sync.Mutex
	streamKeyVal string
}

// New returns a Session for conn, ready for Serve to drive.
func New(log *zap.Logger, cfg config.Config, reg *registry.Registry, conn net.Conn) *Session {
	id := idgen.NewSessionID()
	s := &Session{
		id:           id,
		writerID:     idgen.NewWriterID(),
		log:          log.With(zap.String("session_id", id), zap.String("remote_addr", conn.RemoteAddr().String())),
		cfg:          cfg,
		reg:          reg,
		conn:         conn,
		buf:          buffer.New(),
		phase:        phaseAwaitC0C1,
		streams:      make(map[uint32]*chunk.ChunkStream),
		inChunkSize:  128,
		outChunkSize: 128,
		queue:        make(chan queuedPacket, maxInt(cfg.WriteQueueSize, 1)),
		done:         make(chan struct{}),
	}
	s.handler = control.New(s.log, reg, s, &writerHandle{s: s}, control.Config{
		AppName:          cfg.AppName,
		DefaultChunkSize: cfg.DefaultOutChunkSize,
		WindowAckSize:    cfg.WindowAckSize,
	})
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ID identifies this session for logging. The registry keys this
// session's subscriber handle by a separate writer ID, not by this value.
func (s *Session) ID() string { return s.id }

// Serve runs the handshake and the blocking chunk-read loop until ctx is
// canceled, the peer disconnects, or a protocol error occurs. It always
// closes conn and detaches from the registry before returning.
func (s *Session) Serve(ctx context.Context) error {
	go s.writePump()
	defer close(s.done)
	defer s.handler.Detach()
	defer s.conn.Close()

	if s.cfg.HandshakeTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}

	for s.phase != phaseConnected {
		if err := s.stepHandshake(ctx); err != nil {
			return err
		}
	}

	if s.cfg.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.stepChunk()
		if err == nil {
			continue
		}
		if !errors.Is(err, chunk.ErrNeedMore) {
			return err
		}
		if err := s.fill(ctx); err != nil {
			return err
		}
	}
}

// stepHandshake drives one handshake phase transition, reading more from
// the socket whenever the buffer doesn't hold the next fixed-size
// message.
func (s *Session) stepHandshake(ctx context.Context) error {
	switch s.phase {
	case phaseAwaitC0C1:
		if err := s.hs.HandleC0C1(s.buf); err != nil {
			if errors.Is(err, handshake.ErrNeedMore) {
				return s.fill(ctx)
			}
			return err
		}
		resp, err := s.hs.SendS0S1S2()
		if err != nil {
			return err
		}
		if err := s.rawWrite(resp); err != nil {
			return err
		}
		s.phase = phaseAwaitC2
		return nil
	case phaseAwaitC2:
		if err := s.hs.HandleC2(s.buf); err != nil {
			if errors.Is(err, handshake.ErrNeedMore) {
				return s.fill(ctx)
			}
			return err
		}
		s.phase = phaseConnected
		return nil
	default:
		return nil
	}
}

// fill blocks on one conn.Read and appends whatever arrived to buf. It is
// the only suspension point in the session, matching the "NeedMore is
// not an error, it's a signal to await more input" contract.
func (s *Session) fill(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if s.phase == phaseConnected && s.cfg.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	tmp := make([]byte, readChunkSize)
	n, err := s.conn.Read(tmp)
	if n > 0 {
		s.buf.Append(tmp[:n])
	}
	if err != nil {
		return errors.Wrap(err, "session: read")
	}
	return nil
}

// stepChunk attempts one unit of parsing progress: a basic header if
// none is pending, then a message header and payload for the
// corresponding ChunkStream. A nil return means progress was made and
// the caller should loop again immediately; chunk.ErrNeedMore means the
// buffer is exhausted and the caller should read more from the socket.
func (s *Session) stepChunk() error {
	if !s.fmtReady {
		fmtType, csid, err := chunk.ReadBasicHeader(s.buf)
		if err != nil {
			return err
		}
		s.readyFmt = fmtType
		s.readyCSID = csid
		s.fmtReady = true
	}

	cs, ok := s.streams[s.readyCSID]
	if !ok {
		cs = chunk.New(s.readyCSID)
		s.streams[s.readyCSID] = cs
	}

	if !s.headerReady {
		if err := cs.ReadHeader(s.readyFmt, s.buf); err != nil {
			return err
		}
		s.headerReady = true
	}

	status, err := cs.ReadPayload(s.inChunkSize, s.buf)
	if err != nil {
		return err
	}
	s.fmtReady = false
	s.headerReady = false
	if status == chunk.StatusContinue {
		return nil
	}

	payload := cs.Payload()
	typeID := cs.TypeID()
	msid := cs.MessageStreamID()
	ts := cs.Timestamp()
	cs.Reset()

	return s.handler.HandleMessage(typeID, s.readyCSID, msid, ts, payload)
}
