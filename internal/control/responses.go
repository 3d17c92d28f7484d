package control

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jfcarter/rtmp-server/amf"
)

// amfConcat AMF0-encodes each value in order and concatenates the
// results, the shape every AMF0 command/response payload takes (a
// command name, a transaction id, an object, ...). It replaces what the
// teacher's chunk_generator.go did by hand-building a dozen near-
// identical byte-builders, one per response.
func amfConcat(values ...interface{}) ([]byte, error) {
	var out []byte
	for _, v := range values {
		b, err := amf.Encode(v, amf.AMFVersion0)
		if err != nil {
			return nil, errors.Wrapf(err, "control: encode %T", v)
		}
		out = append(out, b...)
	}
	return out, nil
}

func (h *Handler) sendAck(bytesReceived uint32) {
	if err := h.out.WriteMessage(ProtocolChannel, TypeAck, 0, 0, encodeU32(bytesReceived)); err != nil {
		h.log.Warn("failed to send Acknowledgement", zap.Error(err))
	}
}

func (h *Handler) sendUserControl(event uint16, body []byte) error {
	payload := make([]byte, 2+len(body))
	payload[0] = byte(event >> 8)
	payload[1] = byte(event)
	copy(payload[2:], body)
	return h.out.WriteMessage(ProtocolChannel, TypeUserControl, 0, 0, payload)
}

func (h *Handler) sendWindowAckSize(size uint32) error {
	return h.out.WriteMessage(ProtocolChannel, TypeWindowAckSize, 0, 0, encodeU32(size))
}

func (h *Handler) sendSetPeerBandwidth(size uint32, limitType uint8) error {
	payload := append(encodeU32(size), limitType)
	return h.out.WriteMessage(ProtocolChannel, TypeSetPeerBandwidth, 0, 0, payload)
}

func (h *Handler) sendSetChunkSize(size uint32) error {
	if err := h.out.WriteMessage(ProtocolChannel, TypeSetChunkSize, 0, 0, encodeU32(size)); err != nil {
		return err
	}
	h.out.SetOutboundChunkSize(size)
	return nil
}

func (h *Handler) sendConnectSuccess(csid uint32, transactionID float64) error {
	cmdObject := map[string]interface{}{
		"fmsVer":       "FMS/3,0,1,123",
		"capabilities": float64(31),
	}
	info := map[string]interface{}{
		"level":          "status",
		"code":           "NetConnection.Connect.Success",
		"description":    "Connection succeeded.",
		"objectEncoding": float64(0),
	}
	payload, err := amfConcat("_result", transactionID, cmdObject, info)
	if err != nil {
		return err
	}
	return h.out.WriteMessage(csid, TypeCommandAMF0, 0, 0, payload)
}

func (h *Handler) sendCreateStreamResult(csid uint32, transactionID float64, streamID float64) error {
	payload, err := amfConcat("_result", transactionID, nil, streamID)
	if err != nil {
		return err
	}
	return h.out.WriteMessage(csid, TypeCommandAMF0, 0, 0, payload)
}

func (h *Handler) sendOnFCPublish(csid uint32, transactionID float64, streamKey string) error {
	info := map[string]interface{}{
		"level": "status",
		"code":  "NetStream.Publish.Start",
	}
	payload, err := amfConcat("onFCPublish", transactionID, nil, info, streamKey)
	if err != nil {
		return err
	}
	return h.out.WriteMessage(csid, TypeCommandAMF0, 0, 0, payload)
}

func (h *Handler) sendStatus(csid uint32, streamID uint32, level, code, description string) error {
	info := map[string]interface{}{
		"level":       level,
		"code":        code,
		"description": description,
	}
	payload, err := amfConcat("onStatus", float64(0), nil, info)
	if err != nil {
		return err
	}
	return h.out.WriteMessage(csid, TypeCommandAMF0, streamID, 0, payload)
}
