package voice

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeStream is a channel-backed FrameStream.
type fakeStream struct {
	ch chan []byte

	mu         sync.Mutex
	closeCalls int
}

func (s *fakeStream) Frames() <-chan []byte { return s.ch }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

func (s *fakeStream) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls > 0
}

type fakeSource struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(map[string]*fakeStream)}
}

func (f *fakeSource) Subscribe(speakerID string) (FrameStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &fakeStream{ch: make(chan []byte, 16)}
	f.streams[speakerID] = st
	return st, nil
}

func (f *fakeSource) stream(speakerID string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[speakerID]
}

// byteDecoder maps each frame byte to one PCM sample; a frame starting with
// 0xFF fails decoding.
type byteDecoder struct{}

func (byteDecoder) Decode(frame []byte) ([]int16, error) {
	if len(frame) > 0 && frame[0] == 0xFF {
		return nil, fmt.Errorf("%w: corrupt", ErrDecode)
	}
	out := make([]int16, len(frame))
	for i, b := range frame {
		out[i] = int16(b)
	}
	return out, nil
}

func byteDecoderFactory() (Decoder, error) { return byteDecoder{}, nil }

type endEvent struct {
	speakerID     string
	buf           *SpeakerBuffer
	correlationID string
}

func newCaptureHarness(t *testing.T, silence time.Duration) (*CaptureManager, *fakeSource, chan endEvent) {
	t.Helper()
	src := newFakeSource()
	ends := make(chan endEvent, 8)
	m := NewCaptureManager(src, byteDecoderFactory, silence, 48000, 1, func(sp string, buf *SpeakerBuffer, cid string) {
		ends <- endEvent{speakerID: sp, buf: buf, correlationID: cid}
	})
	return m, src, ends
}

func waitEnd(t *testing.T, ends chan endEvent) endEvent {
	t.Helper()
	select {
	case e := <-ends:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream end")
		return endEvent{}
	}
}

func TestOpenIsExclusivePerSpeaker(t *testing.T) {
	m, _, _ := newCaptureHarness(t, time.Hour)
	defer m.CloseAll()

	if err := m.Open("a"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := m.Open("a"); !errors.Is(err, ErrStreamOpen) {
		t.Fatalf("second open: want ErrStreamOpen got %v", err)
	}
	if !m.Has("a") || m.OpenCount() != 1 {
		t.Fatal("expected exactly one open stream")
	}
}

func TestSilenceCloseEmitsBufferedAudio(t *testing.T) {
	m, src, ends := newCaptureHarness(t, 40*time.Millisecond)

	if err := m.Open("a"); err != nil {
		t.Fatalf("open: %v", err)
	}
	src.stream("a").ch <- []byte{1, 2, 3}
	src.stream("a").ch <- []byte{4}

	e := waitEnd(t, ends)
	if e.speakerID != "a" || e.correlationID == "" {
		t.Fatalf("unexpected end event: %+v", e)
	}
	wav := e.buf.WAV()
	if !bytes.Equal(wav[44:], []byte{1, 0, 2, 0, 3, 0, 4, 0}) {
		t.Fatalf("buffered PCM mismatch: %v", wav[44:])
	}
	if m.Has("a") {
		t.Error("stream should be deregistered after end")
	}
	if !src.stream("a").closed() {
		t.Error("subscription should be cancelled on end")
	}
}

func TestForcedCloseEmitsExactlyOnce(t *testing.T) {
	m, src, ends := newCaptureHarness(t, 50*time.Millisecond)

	if err := m.Open("a"); err != nil {
		t.Fatalf("open: %v", err)
	}
	src.stream("a").ch <- []byte{9}

	m.Close("a")
	m.Close("a") // idempotent

	waitEnd(t, ends)

	// Let the silence window elapse too; no second emission may follow.
	select {
	case e := <-ends:
		t.Fatalf("stream end fired twice: %+v", e)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestCloseUnknownSpeakerIsNoop(t *testing.T) {
	m, _, _ := newCaptureHarness(t, time.Hour)
	m.Close("ghost")
}

func TestDecodeErrorDropsFrameOnly(t *testing.T) {
	m, src, ends := newCaptureHarness(t, 40*time.Millisecond)

	if err := m.Open("a"); err != nil {
		t.Fatalf("open: %v", err)
	}
	src.stream("a").ch <- []byte{1}
	src.stream("a").ch <- []byte{0xFF, 0xAB} // corrupt
	src.stream("a").ch <- []byte{2}

	e := waitEnd(t, ends)
	wav := e.buf.WAV()
	if !bytes.Equal(wav[44:], []byte{1, 0, 2, 0}) {
		t.Fatalf("corrupt frame should be dropped, kept PCM: %v", wav[44:])
	}
}

func TestCloseAllExcept(t *testing.T) {
	m, _, ends := newCaptureHarness(t, time.Hour)

	for _, id := range []string{"a", "b", "c"} {
		if err := m.Open(id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	m.CloseAllExcept("b")

	seen := map[string]bool{}
	seen[waitEnd(t, ends).speakerID] = true
	seen[waitEnd(t, ends).speakerID] = true
	if !seen["a"] || !seen["c"] {
		t.Fatalf("expected a and c to close, got %v", seen)
	}
	if !m.Has("b") || m.OpenCount() != 1 {
		t.Error("b should remain open")
	}
	m.CloseAll()
}

func TestSourceEndClosesStream(t *testing.T) {
	m, src, ends := newCaptureHarness(t, time.Hour)

	if err := m.Open("a"); err != nil {
		t.Fatalf("open: %v", err)
	}
	src.stream("a").ch <- []byte{7}
	close(src.stream("a").ch)

	e := waitEnd(t, ends)
	if e.buf.Empty() {
		t.Error("buffer should hold the frame received before source end")
	}
}
