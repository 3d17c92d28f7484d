// Package gop implements the single-GOP (group of pictures) media cache
// replayed to a subscriber the moment it attaches, so a player joining
// mid-stream still gets a decodable video start instead of waiting for the
// next keyframe.
package gop

import (
	"sync"

	"github.com/jfcarter/rtmp-server/internal/media"
)

// WriterHandle is the subset of registry.WriterHandle the cache needs to
// replay packets; kept separate so this package does not import registry.
type WriterHandle interface {
	Write(pkt media.Packet) error
}

// Cache retains the current GOP (packets since the last video keyframe)
// plus the most recent audio/video sequence headers, which are kept
// out-of-band so they always replay first regardless of where the GOP
// ring currently starts. A Cache is shared by the registry between the
// publisher's Insert calls and concurrent subscribers' WriteTo replays,
// so it guards its own state rather than relying on a caller-held lock.
type Cache struct {
	mu sync.Mutex

	maxPackets int
	maxBytes   int

	videoSeqHeader *media.Packet
	audioSeqHeader *media.Packet

	packets  []media.Packet
	byteSize int
}

// New returns an empty cache bounded by maxPackets and maxBytes. A zero
// value for either disables that particular bound.
func New(maxPackets, maxBytes int) *Cache {
	return &Cache{maxPackets: maxPackets, maxBytes: maxBytes}
}

// Insert records pkt into the cache. A video keyframe starts a new GOP,
// discarding whatever the cache held before it (single-GOP retention);
// sequence headers are captured out-of-band and never expire via the
// packet-count/byte ceiling. Non-keyframe packets before the first
// keyframe has been observed are dropped, since a GOP cache with no
// keyframe to anchor on cannot produce a decodable replay.
func (c *Cache) Insert(pkt media.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pkt.IsSequenceHeader {
		switch pkt.MediaType {
		case media.TypeVideo:
			h := pkt
			c.videoSeqHeader = &h
		case media.TypeAudio:
			h := pkt
			c.audioSeqHeader = &h
		}
		return
	}

	if pkt.MediaType == media.TypeVideo && pkt.IsKeyFrame {
		c.packets = c.packets[:0]
		c.byteSize = 0
	}

	if len(c.packets) == 0 && !(pkt.MediaType == media.TypeVideo && pkt.IsKeyFrame) {
		return
	}

	c.packets = append(c.packets, pkt)
	c.byteSize += len(pkt.Payload)
	c.evict()
}

// evict enforces the configured ceilings by dropping packets from the
// back of the current GOP (the newest ones) while a ceiling is exceeded.
// The oldest packets, starting with the keyframe, are never discarded
// mid-GOP; they go only when the next keyframe starts a new GOP.
func (c *Cache) evict() {
	for c.maxPackets > 0 && len(c.packets) > c.maxPackets {
		last := len(c.packets) - 1
		c.byteSize -= len(c.packets[last].Payload)
		c.packets = c.packets[:last]
	}
	for c.maxBytes > 0 && c.byteSize > c.maxBytes && len(c.packets) > 1 {
		last := len(c.packets) - 1
		c.byteSize -= len(c.packets[last].Payload)
		c.packets = c.packets[:last]
	}
}

// HasContent reports whether the cache holds a sequence header or any
// packets of the current GOP, distinguishing a stream that was never
// published from one whose publisher has left but left a replayable GOP
// behind for the subscribers still attached.
func (c *Cache) HasContent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoSeqHeader != nil || c.audioSeqHeader != nil || len(c.packets) > 0
}

// WriteTo replays, in order, the video sequence header (if any), the
// audio sequence header (if any), then every cached packet of the
// current GOP in arrival order. It stops and returns the first error a
// write produces. The cache is only locked long enough to snapshot its
// state; the writer handle's Write calls themselves (which may block on
// a subscriber's outbound queue) run unlocked so a slow subscriber's
// replay cannot stall a concurrent Insert or another subscriber's
// attach.
func (c *Cache) WriteTo(h WriterHandle) error {
	c.mu.Lock()
	videoSeqHeader := c.videoSeqHeader
	audioSeqHeader := c.audioSeqHeader
	packets := make([]media.Packet, len(c.packets))
	copy(packets, c.packets)
	c.mu.Unlock()

	if videoSeqHeader != nil {
		if err := h.Write(*videoSeqHeader); err != nil {
			return err
		}
	}
	if audioSeqHeader != nil {
		if err := h.Write(*audioSeqHeader); err != nil {
			return err
		}
	}
	for _, pkt := range packets {
		if err := h.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}
