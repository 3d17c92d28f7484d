// Package control implements protocol-control message handling (type IDs
// 1-6) and AMF command dispatch (connect, createStream, publish, play,
// and friends) for one RTMP session, translating wire messages into
// registry operations and response messages.
package control

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jfcarter/rtmp-server/amf"
	"github.com/jfcarter/rtmp-server/amf/amf0"
	"github.com/jfcarter/rtmp-server/av/audio"
	"github.com/jfcarter/rtmp-server/av/video"
	"github.com/jfcarter/rtmp-server/internal/media"
	"github.com/jfcarter/rtmp-server/internal/registry"
)

// Message type IDs, as assigned by the RTMP spec.
const (
	TypeSetChunkSize     uint8 = 1
	TypeAbort            uint8 = 2
	TypeAck              uint8 = 3
	TypeUserControl      uint8 = 4
	TypeWindowAckSize    uint8 = 5
	TypeSetPeerBandwidth uint8 = 6
	TypeAudio            uint8 = 8
	TypeVideo            uint8 = 9
	TypeDataAMF3         uint8 = 15
	TypeCommandAMF3      uint8 = 17
	TypeDataAMF0         uint8 = 18
	TypeCommandAMF0      uint8 = 20
)

// User Control event types (the u16 that opens a type-4 payload).
const (
	eventStreamBegin        uint16 = 0
	eventStreamEOF          uint16 = 1
	eventStreamDry          uint16 = 2
	eventSetBufferLength    uint16 = 3
	eventStreamIsRecorded   uint16 = 4
	eventPingRequest        uint16 = 6
	eventPingResponse       uint16 = 7
)

// ProtocolChannel is the chunk stream ID protocol-control and command
// messages travel on, per the RTMP spec.
const ProtocolChannel uint32 = 2

const (
	limitDynamic uint8 = 2
)

// Sender is the outbound half of a session that Handler drives: framing,
// fragmentation, and inbound chunk-size bookkeeping live with the
// session's chunk writer/reader, not here.
type Sender interface {
	WriteMessage(csid uint32, typeID uint8, streamID uint32, timestamp uint32, payload []byte) error
	SetInboundChunkSize(size uint32) error
	SetOutboundChunkSize(size uint32)
	SetStreamKey(key string)
	Close(reason error)
}

// Config names the handler's connect-time policy knobs.
type Config struct {
	AppName          string
	DefaultChunkSize uint32
	WindowAckSize    uint32
}

// Handler owns one session's protocol-control and command-message state:
// its role (publisher/subscriber), bound stream key, and ack accounting.
type Handler struct {
	log *zap.Logger
	reg *registry.Registry
	out Sender
	cfg Config

	handle registry.WriterHandle // non-nil once this session plays a stream

	app       string
	streamID  uint32
	streamKey string
	streamRef *registry.StreamRef

	isPublisher bool
	isPlayer    bool

	nextSeq uint64

	bytesReceived uint32
	lastAck       uint32
	windowAckSize uint32
}

// New returns a Handler for one session. handle is the session's own
// WriterHandle, used only if/when the session issues a play command.
func New(log *zap.Logger, reg *registry.Registry, out Sender, handle registry.WriterHandle, cfg Config) *Handler {
	return &Handler{log: log, reg: reg, out: out, handle: handle, cfg: cfg}
}

// Detach releases whatever registry role this session holds (publisher,
// subscriber, or both), called once when the session closes.
func (h *Handler) Detach() {
	if h.isPublisher {
		h.reg.RemovePublisher(h.streamRef)
		h.streamRef = nil
		h.isPublisher = false
	}
	if h.isPlayer {
		h.reg.RemovePlayer(h.streamKey, h.handle)
		h.isPlayer = false
	}
}

// HandleMessage dispatches one fully assembled message by type ID. It is
// called once per completed chunk-stream message.
func (h *Handler) HandleMessage(typeID uint8, csid uint32, streamID uint32, timestamp uint32, payload []byte) error {
	h.accountBytes(uint32(len(payload)))

	switch typeID {
	case TypeSetChunkSize, TypeAbort, TypeAck, TypeWindowAckSize, TypeSetPeerBandwidth:
		return h.handleProtocolControl(typeID, payload)
	case TypeUserControl:
		return h.handleUserControl(payload)
	case TypeCommandAMF0:
		return h.handleCommand(csid, streamID, payload)
	case TypeCommandAMF3:
		h.log.Debug("ignoring AMF3 command: amf3 decode not implemented")
		return nil
	case TypeDataAMF0:
		return h.handleData(payload)
	case TypeDataAMF3:
		h.log.Debug("ignoring AMF3 data message: amf3 decode not implemented")
		return nil
	case TypeAudio:
		return h.handleAudio(payload, timestamp)
	case TypeVideo:
		return h.handleVideo(payload, timestamp)
	default:
		h.log.Warn("unknown message type ID", zap.Uint8("type_id", typeID))
		return nil
	}
}

// accountBytes implements the ack discipline: once bytes received since
// the last ack reach the negotiated window, emit an Acknowledgement.
func (h *Handler) accountBytes(n uint32) {
	h.bytesReceived += n
	if h.windowAckSize == 0 {
		return
	}
	if h.bytesReceived-h.lastAck >= h.windowAckSize {
		h.lastAck = h.bytesReceived
		h.sendAck(h.bytesReceived)
	}
}

func (h *Handler) handleProtocolControl(typeID uint8, payload []byte) error {
	switch typeID {
	case TypeSetChunkSize:
		if len(payload) < 4 {
			return errors.New("control: short SetChunkSize payload")
		}
		size := binary.BigEndian.Uint32(payload) &^ (1 << 31)
		return h.out.SetInboundChunkSize(size)
	case TypeAbort:
		// Abort tells the peer's own chunk assembler to drop a partial
		// message; the session's ChunkStream discards the partial payload
		// when the next fmt 0/1/2 header for that csid opens a new message,
		// so there is nothing further to do here.
		return nil
	case TypeAck:
		// Informational: the peer's received byte count. Nothing in this
		// server currently throttles sends based on it.
		return nil
	case TypeWindowAckSize:
		if len(payload) < 4 {
			return errors.New("control: short WindowAckSize payload")
		}
		h.windowAckSize = binary.BigEndian.Uint32(payload)
		return nil
	case TypeSetPeerBandwidth:
		return nil
	}
	return nil
}

func (h *Handler) handleUserControl(payload []byte) error {
	if len(payload) < 2 {
		return errors.New("control: short UserControl payload")
	}
	event := binary.BigEndian.Uint16(payload[:2])
	body := payload[2:]
	switch event {
	case eventPingRequest:
		if len(body) < 4 {
			return errors.New("control: short Ping Request payload")
		}
		return h.sendUserControl(eventPingResponse, body[:4])
	case eventStreamBegin, eventStreamEOF, eventStreamDry, eventSetBufferLength, eventStreamIsRecorded, eventPingResponse:
		h.log.Debug("user control event received", zap.Uint16("event", event))
		return nil
	default:
		h.log.Debug("unhandled user control event", zap.Uint16("event", event))
		return nil
	}
}

func (h *Handler) handleCommand(csid uint32, streamID uint32, payload []byte) error {
	name, rest, err := decodeNext(payload)
	if err != nil {
		return errors.Wrap(err, "control: decode command name")
	}
	commandName, ok := name.(string)
	if !ok {
		return errors.New("control: command name is not a string")
	}

	tid, rest, err := decodeNext(rest)
	if err != nil {
		return errors.Wrap(err, "control: decode transaction id")
	}
	transactionID, _ := tid.(float64)

	cmdObjRaw, rest, err := decodeNext(rest)
	if err != nil {
		return errors.Wrap(err, "control: decode command object")
	}
	cmdObject := asObject(cmdObjRaw)

	switch commandName {
	case "connect":
		return h.onConnect(csid, transactionID, cmdObject)
	case "releaseStream":
		return nil
	case "FCPublish":
		streamKey, _, _ := decodeNext(rest)
		if key, ok := streamKey.(string); ok {
			return h.sendOnFCPublish(csid, transactionID, key)
		}
		return nil
	case "createStream":
		return h.onCreateStream(csid, transactionID, cmdObject)
	case "publish":
		streamKeyRaw, rest2, err := decodeNext(rest)
		if err != nil {
			return errors.Wrap(err, "control: decode publish stream key")
		}
		streamKey, _ := streamKeyRaw.(string)
		publishingTypeRaw, _, _ := decodeNext(rest2)
		publishingType, _ := publishingTypeRaw.(string)
		return h.onPublish(streamID, streamKey, publishingType)
	case "play":
		streamKeyRaw, rest2, err := decodeNext(rest)
		if err != nil {
			return errors.Wrap(err, "control: decode play stream key")
		}
		streamKey, _ := streamKeyRaw.(string)
		_ = rest2
		return h.onPlay(streamID, streamKey)
	case "FCUnpublish", "deleteStream", "closeStream":
		h.Detach()
		return nil
	case "_result", "onStatus":
		// Server role does not initiate commands that expect these
		// replies; logged for visibility when a client sends them anyway.
		h.log.Debug("received client-directed reply on server session", zap.String("command", commandName))
		return nil
	default:
		h.log.Debug("unhandled command", zap.String("command", commandName))
		return nil
	}
}

func (h *Handler) handleData(payload []byte) error {
	name, rest, err := decodeNext(payload)
	if err != nil {
		return errors.Wrap(err, "control: decode data message name")
	}
	dataName, _ := name.(string)
	if dataName != "@setDataFrame" {
		h.log.Debug("unhandled data message", zap.String("name", dataName))
		return nil
	}
	// @setDataFrame wraps a second string ("onMetadata") and the metadata
	// object itself; the wrapper name carries no information we need.
	_, rest, err = decodeNext(rest)
	if err != nil {
		return errors.Wrap(err, "control: decode onMetadata wrapper")
	}
	_, _, err = decodeNext(rest)
	if err != nil {
		return errors.Wrap(err, "control: decode metadata object")
	}
	return nil
}

func (h *Handler) handleAudio(payload []byte, timestamp uint32) error {
	if !h.isPublisher || len(payload) == 0 {
		return nil
	}
	hdr := audio.ParseHeader(payload[0])
	pkt := media.Packet{
		StreamKey:        h.streamKey,
		MediaType:        media.TypeAudio,
		Codec:            uint8(hdr.Format),
		IsSequenceHeader: audio.IsAACSequenceHeader(payload),
		DTS:              timestamp,
		PTS:              timestamp,
		Payload:          payload,
		SequenceNumber:   h.nextSequenceNumber(),
	}
	return h.reg.WritePacket(pkt)
}

func (h *Handler) handleVideo(payload []byte, timestamp uint32) error {
	if !h.isPublisher || len(payload) == 0 {
		return nil
	}
	hdr := video.ParseHeader(payload[0])
	pkt := media.Packet{
		StreamKey:        h.streamKey,
		MediaType:        media.TypeVideo,
		Codec:            uint8(hdr.Codec),
		IsKeyFrame:       video.IsKeyFrame(payload),
		IsSequenceHeader: video.IsAVCSequenceHeader(payload),
		DTS:              timestamp,
		PTS:              timestamp,
		Payload:          payload,
		SequenceNumber:   h.nextSequenceNumber(),
	}
	return h.reg.WritePacket(pkt)
}

func (h *Handler) onConnect(csid uint32, transactionID float64, cmdObject map[string]interface{}) error {
	app, _ := cmdObject["app"].(string)
	h.app = app
	if h.app != h.cfg.AppName {
		h.log.Warn("rejecting connect to unknown app", zap.String("app", h.app))
		h.out.Close(errors.Errorf("control: unknown app %q", h.app))
		return nil
	}

	if err := h.sendWindowAckSize(h.cfg.WindowAckSize); err != nil {
		return err
	}
	if err := h.sendSetPeerBandwidth(h.cfg.WindowAckSize, limitDynamic); err != nil {
		return err
	}
	if err := h.sendUserControl(eventStreamBegin, encodeU32(0)); err != nil {
		return err
	}
	if err := h.sendSetChunkSize(h.cfg.DefaultChunkSize); err != nil {
		return err
	}
	return h.sendConnectSuccess(csid, transactionID)
}

func (h *Handler) onCreateStream(csid uint32, transactionID float64, _ map[string]interface{}) error {
	h.streamID++
	return h.sendCreateStreamResult(csid, transactionID, float64(h.streamID))
}

func (h *Handler) onPublish(streamID uint32, name, publishingType string) error {
	h.streamKey = h.app + "/" + name
	if h.reg.HasPublisher(h.streamKey) {
		h.log.Warn("rejecting publish: key already has a live publisher", zap.String("stream_key", h.streamKey))
		return h.sendStatus(ProtocolChannel, streamID, "error", "NetStream.Publish.BadName", h.streamKey+" is already being published.")
	}
	h.isPublisher = true
	h.out.SetStreamKey(h.streamKey)
	h.streamRef = h.reg.AddPublisher(h.streamKey)
	h.log.Info("publish started", zap.String("stream_key", h.streamKey), zap.String("type", publishingType))
	return h.sendStatus(ProtocolChannel, streamID, "status", "NetStream.Publish.Start", h.streamKey+" is now published.")
}

func (h *Handler) onPlay(streamID uint32, name string) error {
	h.streamKey = h.app + "/" + name
	if !h.reg.CanPlay(h.streamKey) {
		h.log.Warn("rejecting play: no publisher or cached GOP for key", zap.String("stream_key", h.streamKey))
		return h.sendStatus(ProtocolChannel, streamID, "error", "NetStream.Play.StreamNotFound", h.streamKey+" was not found.")
	}
	h.isPlayer = true
	h.out.SetStreamKey(h.streamKey)
	if _, err := h.reg.AddPlayer(h.streamKey, h.handle); err != nil {
		return errors.Wrap(err, "control: attach player")
	}
	h.log.Info("play started", zap.String("stream_key", h.streamKey))
	if err := h.sendStatus(ProtocolChannel, streamID, "status", "NetStream.Play.Reset", "Playing and resetting "+h.streamKey); err != nil {
		return err
	}
	return h.sendStatus(ProtocolChannel, streamID, "status", "NetStream.Play.Start", "Started playing "+h.streamKey)
}

// nextSequenceNumber hands out this session's monotonic per-publisher
// packet counter; each session only ever publishes on its own goroutine,
// so no lock is needed.
func (h *Handler) nextSequenceNumber() uint64 {
	h.nextSeq++
	return h.nextSeq
}

func decodeNext(payload []byte) (interface{}, []byte, error) {
	if len(payload) == 0 {
		return nil, payload, errors.New("control: empty AMF payload")
	}
	v, err := amf.Decode(payload, amf.AMFVersion0)
	if err != nil {
		return nil, payload, err
	}
	n := int(amf0.Size(v))
	if n > len(payload) {
		n = len(payload)
	}
	return v, payload[n:], nil
}

func asObject(v interface{}) map[string]interface{} {
	switch o := v.(type) {
	case map[string]interface{}:
		return o
	case amf0.ECMAArray:
		return o
	default:
		return nil
	}
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
