// Package registry implements the process-wide stream directory coupling
// one publisher to N subscribers per stream key, with a single mutex
// serializing mutations the way a small-scale RTMP relay can get away
// with (spec permits one global lock, a lock per entry, or an actor; a
// global lock is the simplest of the three and matches the scale this
// server targets).
package registry

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/jfcarter/rtmp-server/internal/gop"
	"github.com/jfcarter/rtmp-server/internal/media"
)

// WriterHandle is a subscriber's delivery endpoint. Write is called after
// the registry's mutex is released, but on the publisher's fan-out path,
// so it must not block for longer than a local enqueue.
type WriterHandle interface {
	Key() string
	ID() string
	IsInitialized() bool
	MarkInitialized()
	Write(pkt media.Packet) error
}

// StreamRef is the handle a publishing session keeps to know which entry
// it owns; it carries no behavior beyond identifying the key, since all
// mutation goes back through the Registry.
type StreamRef struct {
	Key string
}

type mediaStream struct {
	key             string
	publisherExists bool
	writers         map[string]WriterHandle
	cache           *gop.Cache
}

// Registry is the shared, process-wide stream directory.
type Registry struct {
	mu            sync.Mutex
	streams       map[string]*mediaStream
	gopMaxPackets int
	gopMaxBytes   int
}

// New returns an empty registry. Each stream's GOP cache is bounded by
// gopMaxPackets and gopMaxBytes (see internal/gop).
func New(gopMaxPackets, gopMaxBytes int) *Registry {
	return &Registry{
		streams:       make(map[string]*mediaStream),
		gopMaxPackets: gopMaxPackets,
		gopMaxBytes:   gopMaxBytes,
	}
}

func (r *Registry) entryLocked(key string) *mediaStream {
	s, ok := r.streams[key]
	if !ok {
		s = &mediaStream{
			key:     key,
			writers: make(map[string]WriterHandle),
			cache:   gop.New(r.gopMaxPackets, r.gopMaxBytes),
		}
		r.streams[key] = s
	}
	return s
}

// removeIfEmptyLocked drops the entry once both the publisher is gone and
// no subscribers remain, maintaining "entry exists iff publisher_exists
// or subscribers != empty".
func (r *Registry) removeIfEmptyLocked(s *mediaStream) {
	if !s.publisherExists && len(s.writers) == 0 {
		delete(r.streams, s.key)
	}
}

// AddPublisher is idempotent: if subscribers are already waiting on key,
// it marks the existing entry's publisher flag; otherwise it creates a
// fresh entry.
func (r *Registry) AddPublisher(key string) *StreamRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entryLocked(key)
	s.publisherExists = true
	return &StreamRef{Key: key}
}

// RemovePublisher clears the publisher flag for ref's key and removes
// the entry if no subscribers remain. It never forcibly disconnects
// subscribers; they observe end-of-stream through the absence of new
// packets. Taking the StreamRef AddPublisher returned, rather than a
// bare key, keeps the publishing session's registry membership tied to
// the specific publish it was granted.
func (r *Registry) RemovePublisher(ref *StreamRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[ref.Key]
	if !ok {
		return
	}
	s.publisherExists = false
	r.removeIfEmptyLocked(s)
}

// HasPublisher reports whether key currently has a live publisher.
func (r *Registry) HasPublisher(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	return ok && s.publisherExists
}

// CanPlay reports whether key has either a live publisher or a cached
// GOP a new subscriber could still replay -- the condition that
// distinguishes a stream worth playing from one that was never
// published (or has fully torn down).
func (r *Registry) CanPlay(key string) bool {
	r.mu.Lock()
	s, ok := r.streams[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.publisherExists || s.cache.HasContent()
}

// AddPlayer attaches h to key, creating the entry if absent (subscribers
// may precede a publisher). If a publisher is already live, the GOP
// cache is replayed synchronously to h before returning, so the caller's
// own send ordering is preserved relative to the replay. It returns the
// subscriber count for key after the add.
func (r *Registry) AddPlayer(key string, h WriterHandle) (int, error) {
	r.mu.Lock()
	s := r.entryLocked(key)
	s.writers[h.ID()] = h
	publisherExists := s.publisherExists
	cache := s.cache
	count := len(s.writers)
	r.mu.Unlock()

	if publisherExists {
		h.MarkInitialized()
		if err := cache.WriteTo(h); err != nil {
			return count, errors.Wrap(err, "registry: replay GOP cache to new subscriber")
		}
	}
	return count, nil
}

// RemovePlayer detaches h from key by writer id and removes the entry if
// both the publisher is absent and no subscribers remain.
func (r *Registry) RemovePlayer(key string, h WriterHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	if !ok {
		return
	}
	delete(s.writers, h.ID())
	r.removeIfEmptyLocked(s)
}

// WritePacket finds or creates the entry keyed by pkt.StreamKey, appends
// pkt to its GOP cache, then fans it out: a subscriber's first packet
// triggers a GOP replay and marks it initialized instead of receiving
// pkt directly (the replay already includes packets up to and including
// the current GOP state); an already-initialized subscriber receives pkt
// live. The subscriber snapshot is taken under the lock and iterated
// after releasing it, so a subscriber that detaches mid-fan-out cannot
// corrupt the map being walked.
func (r *Registry) WritePacket(pkt media.Packet) error {
	r.mu.Lock()
	s := r.entryLocked(pkt.StreamKey)
	s.cache.Insert(pkt)
	handles := make([]WriterHandle, 0, len(s.writers))
	for _, h := range s.writers {
		handles = append(handles, h)
	}
	cache := s.cache
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		var err error
		if !h.IsInitialized() {
			h.MarkInitialized()
			err = cache.WriteTo(h)
		} else {
			err = h.Write(pkt)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StreamExists reports whether key currently has a live publisher,
// waiting subscribers, or both.
func (r *Registry) StreamExists(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[key]
	return ok
}
