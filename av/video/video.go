// Package video defines the FLV video tag header bitfields carried in the
// first byte (and, for AVC, second byte) of an RTMP video message payload.
// See the FLV spec: https://www.adobe.com/content/dam/acom/en/devnet/flv/video_file_format_spec_v10_1.pdf
package video

type FrameType uint8

const (
	KeyFrame             FrameType = 1
	InterFrame           FrameType = 2
	DisposableInterFrame FrameType = 3
	GeneratedKeyFrame    FrameType = 4
	CommandFrame         FrameType = 5
)

type Codec uint8

const (
	SorensonH263    Codec = 2
	ScreenVideo     Codec = 3
	VP6             Codec = 4
	VP6AlphaChannel Codec = 5
	ScreenVideoV2   Codec = 6
	H264            Codec = 7
)

type AVCPacketType uint8

const (
	AVCSequenceHeader AVCPacketType = 0
	AVCNALU           AVCPacketType = 1
	AVCEndOfSequence  AVCPacketType = 2
)

// Header describes the bitfields packed into a video message's first byte.
type Header struct {
	FrameType FrameType
	Codec     Codec
}

// ParseHeader decodes the leading byte of a video message payload.
func ParseHeader(b byte) Header {
	return Header{
		FrameType: FrameType((b >> 4) & 0x0F),
		Codec:     Codec(b & 0x0F),
	}
}

// IsAVCSequenceHeader reports whether payload is an AVC codec-init packet
// (the sequence header that must precede any decodable H.264 video).
func IsAVCSequenceHeader(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	h := ParseHeader(payload[0])
	return h.Codec == H264 && AVCPacketType(payload[1]) == AVCSequenceHeader
}

// IsKeyFrame reports whether payload begins a new group of pictures.
func IsKeyFrame(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	return ParseHeader(payload[0]).FrameType == KeyFrame
}
