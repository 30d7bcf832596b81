// Package voice implements the call-session core: per-speaker audio capture,
// wake-phrase arbitration and response playback. The voice gateway, the
// codec and the recognition/synthesis service are consumed through the
// narrow contracts defined here.
package voice

import (
	"context"
	"errors"
)

// Speaker IDs are the gateway's participant identifiers (Discord user IDs),
// passed through as opaque strings.

var (
	// ErrDecode marks a single undecodable frame. Non-fatal: the frame is
	// dropped and the capture stream continues.
	ErrDecode = errors.New("frame decode failed")

	// ErrStreamOpen is returned by CaptureManager.Open when a stream for
	// the speaker already exists.
	ErrStreamOpen = errors.New("capture stream already open")

	// ErrPlaybackBusy rejects a playback request while another one is in
	// flight. There is a single output channel; overlaps are refused, not
	// queued.
	ErrPlaybackBusy = errors.New("playback busy")

	// ErrCueMissing indicates the static notification cue file is absent.
	// Logged and skipped; never fatal to the turn.
	ErrCueMissing = errors.New("cue resource missing")
)

// CaptureSource is the gateway side of the capture contract: a subscription
// yields the compressed frames of one speaker until closed.
type CaptureSource interface {
	Subscribe(speakerID string) (FrameStream, error)
}

// FrameStream delivers compressed audio frames for a single speaker.
// The channel is closed when the source itself ends (e.g. disconnect).
// Close cancels the subscription; it must be safe to call more than once.
type FrameStream interface {
	Frames() <-chan []byte
	Close() error
}

// Decoder converts one compressed frame into raw interleaved PCM samples.
// A decoder is stateful and owned by exactly one capture stream.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
}

// DecoderFactory creates a fresh decoder for a new capture stream.
type DecoderFactory func() (Decoder, error)

// Sink plays a local audio resource through the voice channel and returns
// once playback went idle or failed. This is the single-fire completion
// signal the playback controller waits on.
type Sink interface {
	Play(ctx context.Context, path string) error
}

// Transcriber is the assistant-service boundary used by the arbitrator.
// SpeechToText returns "" (no error) when no usable speech was detected.
// TextToSpeech returns the path of a generated audio artifact; the caller
// owns its deletion.
type Transcriber interface {
	SpeechToText(ctx context.Context, wav []byte) (string, error)
	TextToSpeech(ctx context.Context, text string) (string, error)
}

// NameResolver maps speaker IDs to display names for logs and events.
type NameResolver interface {
	UserName(speakerID string) string
}
