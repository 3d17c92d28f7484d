package gop

import (
	"errors"
	"testing"

	"github.com/jfcarter/rtmp-server/internal/media"
)

type recordingWriter struct {
	packets []media.Packet
	failAt  int
}

func (w *recordingWriter) Write(pkt media.Packet) error {
	if w.failAt > 0 && len(w.packets) == w.failAt {
		return errors.New("boom")
	}
	w.packets = append(w.packets, pkt)
	return nil
}

func keyframe(payload string) media.Packet {
	return media.Packet{MediaType: media.TypeVideo, IsKeyFrame: true, Payload: []byte(payload)}
}

func interframe(payload string) media.Packet {
	return media.Packet{MediaType: media.TypeVideo, Payload: []byte(payload)}
}

func TestPacketsBeforeFirstKeyframeAreDropped(t *testing.T) {
	c := New(0, 0)
	c.Insert(interframe("a"))
	c.Insert(interframe("b"))

	w := &recordingWriter{}
	if err := c.WriteTo(w); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if len(w.packets) != 0 {
		t.Fatalf("expected no replayed packets, got %d", len(w.packets))
	}
}

func TestNewKeyframeClearsPriorGOP(t *testing.T) {
	c := New(0, 0)
	c.Insert(keyframe("k1"))
	c.Insert(interframe("p1"))
	c.Insert(interframe("p2"))
	c.Insert(keyframe("k2"))
	c.Insert(interframe("p3"))

	w := &recordingWriter{}
	if err := c.WriteTo(w); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	want := []string{"k2", "p3"}
	if len(w.packets) != len(want) {
		t.Fatalf("got %d packets, want %d: %v", len(w.packets), len(want), w.packets)
	}
	for i, p := range w.packets {
		if string(p.Payload) != want[i] {
			t.Fatalf("packet %d = %q, want %q", i, p.Payload, want[i])
		}
	}
}

func TestSequenceHeadersReplayBeforePackets(t *testing.T) {
	c := New(0, 0)
	videoSeq := media.Packet{MediaType: media.TypeVideo, IsSequenceHeader: true, Payload: []byte("vseq")}
	audioSeq := media.Packet{MediaType: media.TypeAudio, IsSequenceHeader: true, Payload: []byte("aseq")}
	c.Insert(videoSeq)
	c.Insert(audioSeq)
	c.Insert(keyframe("k1"))

	w := &recordingWriter{}
	if err := c.WriteTo(w); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	want := []string{"vseq", "aseq", "k1"}
	if len(w.packets) != len(want) {
		t.Fatalf("got %d packets, want %d", len(w.packets), len(want))
	}
	for i, p := range w.packets {
		if string(p.Payload) != want[i] {
			t.Fatalf("packet %d = %q, want %q", i, p.Payload, want[i])
		}
	}
}

func TestMaxPacketsEvictionKeepsKeyframe(t *testing.T) {
	c := New(2, 0)
	c.Insert(keyframe("k1"))
	c.Insert(interframe("p1"))
	c.Insert(interframe("p2"))
	c.Insert(interframe("p3"))

	w := &recordingWriter{}
	if err := c.WriteTo(w); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if len(w.packets) != 2 {
		t.Fatalf("got %d packets, want 2 after eviction to maxPackets", len(w.packets))
	}
	if string(w.packets[0].Payload) != "k1" || string(w.packets[1].Payload) != "p1" {
		t.Fatalf("unexpected surviving packets: %v", w.packets)
	}
}

func TestWriteToStopsOnFirstError(t *testing.T) {
	c := New(0, 0)
	c.Insert(keyframe("k1"))
	c.Insert(interframe("p1"))
	c.Insert(interframe("p2"))

	w := &recordingWriter{failAt: 1}
	err := c.WriteTo(w)
	if err == nil {
		t.Fatal("expected WriteTo to propagate the writer's error")
	}
	if len(w.packets) != 1 {
		t.Fatalf("expected exactly 1 packet written before the failure, got %d", len(w.packets))
	}
}
