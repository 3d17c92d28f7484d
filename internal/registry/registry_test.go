package registry

import (
	"testing"

	"github.com/jfcarter/rtmp-server/internal/media"
)

type fakeWriter struct {
	id          string
	initialized bool
	received    []media.Packet
}

func newFakeWriter(id string) *fakeWriter { return &fakeWriter{id: id} }

func (w *fakeWriter) Key() string           { return "" }
func (w *fakeWriter) ID() string            { return w.id }
func (w *fakeWriter) IsInitialized() bool   { return w.initialized }
func (w *fakeWriter) MarkInitialized()      { w.initialized = true }
func (w *fakeWriter) Write(pkt media.Packet) error {
	w.received = append(w.received, pkt)
	return nil
}

func keyframe(key, payload string) media.Packet {
	return media.Packet{StreamKey: key, MediaType: media.TypeVideo, IsKeyFrame: true, Payload: []byte(payload)}
}

func TestStreamExistsReflectsPublisherAndSubscribers(t *testing.T) {
	r := New(0, 0)
	if r.StreamExists("app/stream") {
		t.Fatal("fresh registry should have no entries")
	}

	ref := r.AddPublisher("app/stream")
	if !r.StreamExists("app/stream") {
		t.Fatal("expected entry to exist once a publisher is added")
	}

	r.RemovePublisher(ref)
	if r.StreamExists("app/stream") {
		t.Fatal("entry should be removed once publisher leaves and no subscribers remain")
	}
}

func TestEntryOutlivesPublisherWhileSubscribersRemain(t *testing.T) {
	r := New(0, 0)
	ref := r.AddPublisher("app/stream")
	w := newFakeWriter("w1")
	if _, err := r.AddPlayer("app/stream", w); err != nil {
		t.Fatalf("AddPlayer() error = %v", err)
	}

	r.RemovePublisher(ref)
	if !r.StreamExists("app/stream") {
		t.Fatal("entry must survive publisher departure while a subscriber remains")
	}

	r.RemovePlayer("app/stream", w)
	if r.StreamExists("app/stream") {
		t.Fatal("entry should be removed once the last subscriber also leaves")
	}
}

func TestHasPublisherReflectsOnlyTheLivePublisherFlag(t *testing.T) {
	r := New(0, 0)
	if r.HasPublisher("app/stream") {
		t.Fatal("fresh registry should report no publisher")
	}

	ref := r.AddPublisher("app/stream")
	if !r.HasPublisher("app/stream") {
		t.Fatal("expected HasPublisher to be true once a publisher is added")
	}

	r.RemovePublisher(ref)
	if r.HasPublisher("app/stream") {
		t.Fatal("expected HasPublisher to be false once the publisher leaves")
	}
}

func TestCanPlayRequiresAPublisherOrCachedGOP(t *testing.T) {
	r := New(0, 0)
	if r.CanPlay("app/stream") {
		t.Fatal("a never-published key must not be playable")
	}

	ref := r.AddPublisher("app/stream")
	if !r.CanPlay("app/stream") {
		t.Fatal("a live publisher with no cached GOP yet should still be playable")
	}

	w := newFakeWriter("w1")
	if _, err := r.AddPlayer("app/stream", w); err != nil {
		t.Fatalf("AddPlayer() error = %v", err)
	}
	if err := r.WritePacket(keyframe("app/stream", "k1")); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}

	r.RemovePublisher(ref)
	if !r.CanPlay("app/stream") {
		t.Fatal("a departed publisher that left a cached GOP (and a subscriber keeping the entry alive) should still be playable")
	}
}

func TestAddPlayerBeforePublisherDoesNotReplayYet(t *testing.T) {
	r := New(0, 0)
	w := newFakeWriter("w1")
	if _, err := r.AddPlayer("app/stream", w); err != nil {
		t.Fatalf("AddPlayer() error = %v", err)
	}
	if w.initialized {
		t.Fatal("a subscriber added before any publisher should not be marked initialized yet")
	}
	if len(w.received) != 0 {
		t.Fatal("no replay should happen before a publisher exists")
	}
}

func TestWritePacketReplaysGOPToUninitializedSubscriber(t *testing.T) {
	r := New(0, 0)
	w := newFakeWriter("w1")
	if _, err := r.AddPlayer("app/stream", w); err != nil {
		t.Fatalf("AddPlayer() error = %v", err)
	}
	r.AddPublisher("app/stream")
	if w.initialized {
		t.Fatal("a subscriber added before the publisher should not be initialized before its first packet")
	}

	pkt := keyframe("app/stream", "frame1")
	if err := r.WritePacket(pkt); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}
	if !w.initialized {
		t.Fatal("subscriber should be marked initialized after its first packet")
	}
	if len(w.received) != 1 || string(w.received[0].Payload) != "frame1" {
		t.Fatalf("received = %v, want exactly [frame1]", w.received)
	}
}

func TestWritePacketFansOutLiveOnceInitialized(t *testing.T) {
	r := New(0, 0)
	r.AddPublisher("app/stream")
	w := newFakeWriter("w1")
	w.initialized = true // simulate a subscriber that already replayed its GOP
	if _, err := r.AddPlayer("app/stream", w); err != nil {
		t.Fatalf("AddPlayer() error = %v", err)
	}

	pkt1 := keyframe("app/stream", "frame1")
	pkt1.SequenceNumber = 1
	pkt2 := keyframe("app/stream", "frame2")
	pkt2.SequenceNumber = 2
	if err := r.WritePacket(pkt1); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}
	if err := r.WritePacket(pkt2); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}
	if len(w.received) != 2 {
		t.Fatalf("received %d packets, want 2", len(w.received))
	}
	if w.received[0].SequenceNumber != 1 || w.received[1].SequenceNumber != 2 {
		t.Fatalf("packets arrived out of order: got sequence numbers %d, %d, want 1, 2",
			w.received[0].SequenceNumber, w.received[1].SequenceNumber)
	}
}

func TestWritePacketNeverReordersAcrossManyPackets(t *testing.T) {
	r := New(0, 0)
	r.AddPublisher("app/stream")
	w := newFakeWriter("w1")
	w.initialized = true
	if _, err := r.AddPlayer("app/stream", w); err != nil {
		t.Fatalf("AddPlayer() error = %v", err)
	}

	const n = 50
	for i := 1; i <= n; i++ {
		pkt := keyframe("app/stream", "frame")
		pkt.SequenceNumber = uint64(i)
		if err := r.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket() error = %v", err)
		}
	}

	if len(w.received) != n {
		t.Fatalf("received %d packets, want %d", len(w.received), n)
	}
	for i, pkt := range w.received {
		want := uint64(i + 1)
		if pkt.SequenceNumber != want {
			t.Fatalf("packet at index %d has sequence number %d, want %d (delivery order must match send order)",
				i, pkt.SequenceNumber, want)
		}
	}
}

func TestMultipleSubscribersEachGetIndependentDelivery(t *testing.T) {
	r := New(0, 0)
	r.AddPublisher("app/stream")
	w1 := newFakeWriter("w1")
	w2 := newFakeWriter("w2")
	if _, err := r.AddPlayer("app/stream", w1); err != nil {
		t.Fatalf("AddPlayer(w1) error = %v", err)
	}
	if _, err := r.AddPlayer("app/stream", w2); err != nil {
		t.Fatalf("AddPlayer(w2) error = %v", err)
	}

	if err := r.WritePacket(keyframe("app/stream", "frame1")); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}
	if len(w1.received) != 1 || len(w2.received) != 1 {
		t.Fatalf("expected both subscribers to receive the packet, got w1=%d w2=%d",
			len(w1.received), len(w2.received))
	}
}
