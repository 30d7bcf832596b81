package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/discord-voice-assistant/internal/logging"
	"github.com/google/uuid"
)

// EndFunc receives the finished stream's buffered audio. It runs on the
// stream's own goroutine; implementations must not assume any lock is held.
type EndFunc func(speakerID string, buf *SpeakerBuffer, correlationID string)

// CaptureManager owns the set of open per-speaker capture streams. At most
// one stream exists per speaker at any time. Each stream decodes and
// buffers its frames on a dedicated goroutine, auto-closes after the
// configured silence window, and emits its end event exactly once whether
// it ended naturally or was force-closed.
type CaptureManager struct {
	source     CaptureSource
	newDecoder DecoderFactory
	silence    time.Duration
	sampleRate int
	channels   int
	onEnd      EndFunc

	mu      sync.Mutex
	streams map[string]*captureStream
}

func NewCaptureManager(source CaptureSource, factory DecoderFactory, silence time.Duration, sampleRate, channels int, onEnd EndFunc) *CaptureManager {
	return &CaptureManager{
		source:     source,
		newDecoder: factory,
		silence:    silence,
		sampleRate: sampleRate,
		channels:   channels,
		onEnd:      onEnd,
		streams:    make(map[string]*captureStream),
	}
}

// Open subscribes to the speaker's frames and starts the capture goroutine.
// Returns ErrStreamOpen if a stream for the speaker already exists.
func (m *CaptureManager) Open(speakerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[speakerID]; ok {
		return ErrStreamOpen
	}
	frames, err := m.source.Subscribe(speakerID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", speakerID, err)
	}
	dec, err := m.newDecoder()
	if err != nil {
		_ = frames.Close()
		return fmt.Errorf("decoder for %s: %w", speakerID, err)
	}
	st := &captureStream{
		speakerID:     speakerID,
		correlationID: uuid.NewString(),
		frames:        frames,
		dec:           dec,
		buf:           NewSpeakerBuffer(m.sampleRate, m.channels),
		done:          make(chan struct{}),
	}
	m.streams[speakerID] = st
	go m.run(st)
	logging.Infow("capture stream opened", "speaker_id", speakerID, "correlation_id", st.correlationID)
	return nil
}

// Has reports whether a stream for the speaker is currently open.
func (m *CaptureManager) Has(speakerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[speakerID]
	return ok
}

// OpenCount returns the number of live capture streams.
func (m *CaptureManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close force-closes the speaker's stream if one exists. Idempotent. The
// stream's end event still fires (exactly once) from its own goroutine.
func (m *CaptureManager) Close(speakerID string) {
	m.mu.Lock()
	st := m.streams[speakerID]
	m.mu.Unlock()
	if st != nil {
		st.signalClose()
	}
}

// CloseAllExcept force-closes every open stream but the named speaker's.
func (m *CaptureManager) CloseAllExcept(speakerID string) {
	m.mu.Lock()
	var closing []*captureStream
	for id, st := range m.streams {
		if id != speakerID {
			closing = append(closing, st)
		}
	}
	m.mu.Unlock()
	for _, st := range closing {
		st.signalClose()
	}
}

// CloseAll tears down every open stream; used on session shutdown.
func (m *CaptureManager) CloseAll() {
	m.CloseAllExcept("")
}

// run is the per-stream capture loop: reset the silence timer on every
// incoming frame, decode, buffer, and finish on silence, forced close or
// source end. The end event is emitted exactly once, always from here.
func (m *CaptureManager) run(st *captureStream) {
	timer := time.NewTimer(m.silence)
	defer timer.Stop()

	dropped := 0
loop:
	for {
		select {
		case <-st.done:
			break loop
		case frame, ok := <-st.frames.Frames():
			if !ok {
				break loop
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.silence)
			samples, err := st.dec.Decode(frame)
			if err != nil {
				// A corrupt frame must not abort the utterance.
				dropped++
				logging.Debugw("dropping undecodable frame", "speaker_id", st.speakerID, "correlation_id", st.correlationID, "err", err)
				continue
			}
			if len(samples) > 0 {
				st.buf.Append(samples)
			}
		case <-timer.C:
			break loop
		}
	}

	// Cancel the subscription first so no further frames are processed,
	// then deregister so a new stream for this speaker may open while the
	// end handler runs.
	st.signalClose()
	m.mu.Lock()
	if m.streams[st.speakerID] == st {
		delete(m.streams, st.speakerID)
	}
	m.mu.Unlock()

	logging.Infow("capture stream ended",
		"speaker_id", st.speakerID,
		"correlation_id", st.correlationID,
		"buffered_ms", st.buf.Duration().Milliseconds(),
		"dropped_frames", dropped)
	if m.onEnd != nil {
		m.onEnd(st.speakerID, st.buf, st.correlationID)
	}
}

// captureStream is one live per-speaker subscription. The buffer and the
// decoder are owned exclusively by the run goroutine.
type captureStream struct {
	speakerID     string
	correlationID string
	frames        FrameStream
	dec           Decoder
	buf           *SpeakerBuffer

	done      chan struct{}
	closeOnce sync.Once
}

func (st *captureStream) signalClose() {
	st.closeOnce.Do(func() {
		close(st.done)
		_ = st.frames.Close()
	})
}
