package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-assistant/internal/events"
	"github.com/discord-voice-assistant/internal/logging"
)

// Arbitrator is the single authority over who holds the floor and when
// capture and playback transitions happen. The gateway delivers speaking
// and stream-end callbacks concurrently and in any order across speakers;
// this type is the only serialization point.
//
// Locking discipline: mu guards activeSpeaker and is held only for
// decisions, never across a network call. A stream-end first takes the
// lock for a cheap pre-check (buffers from non-floor speakers are dropped
// while someone holds the floor), transcribes outside the lock, then
// re-acquires it to re-validate and commit the transition. Floor granting
// happens inside that second critical section, so two racing stream-ends
// can never both win the floor.
type Arbitrator struct {
	captures  *CaptureManager
	assistant Transcriber
	wake      *WakeDetector
	playback  *Controller
	resolver  NameResolver
	events    events.Publisher
	archive   *Archive

	cueName            string
	requestTimeout     time.Duration
	closeOnSpeakingEnd bool

	mu            sync.Mutex
	activeSpeaker string
}

// ArbitratorConfig collects the collaborators and policy knobs.
type ArbitratorConfig struct {
	Assistant Transcriber
	Wake      *WakeDetector
	Playback  *Controller
	Resolver  NameResolver
	Events    events.Publisher
	Archive   *Archive

	CueName            string
	RequestTimeout     time.Duration
	CloseOnSpeakingEnd bool
}

func NewArbitrator(cfg ArbitratorConfig) *Arbitrator {
	a := &Arbitrator{
		assistant:          cfg.Assistant,
		wake:               cfg.Wake,
		playback:           cfg.Playback,
		resolver:           cfg.Resolver,
		events:             cfg.Events,
		archive:            cfg.Archive,
		cueName:            cfg.CueName,
		requestTimeout:     cfg.RequestTimeout,
		closeOnSpeakingEnd: cfg.CloseOnSpeakingEnd,
	}
	if a.resolver == nil {
		a.resolver = NoopResolver{}
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	if a.requestTimeout <= 0 {
		a.requestTimeout = 30 * time.Second
	}
	return a
}

// SetCaptures wires the capture manager. Done post-construction because the
// manager's end callback points back at the arbitrator.
func (a *Arbitrator) SetCaptures(m *CaptureManager) { a.captures = m }

// ActiveSpeaker returns the speaker currently holding the floor, or "".
func (a *Arbitrator) ActiveSpeaker() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeSpeaker
}

// HandleSpeakingStart opens a capture stream for the speaker unless someone
// else holds the floor. Duplicate starts while a stream is open are no-ops.
// A re-entrant start from the floor holder closes every other open stream.
func (a *Arbitrator) HandleSpeakingStart(speakerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeSpeaker != "" && a.activeSpeaker != speakerID {
		logging.Debugw("ignoring speaker while floor is held",
			"speaker_id", speakerID, "active_speaker", a.activeSpeaker)
		return
	}
	if !a.captures.Has(speakerID) {
		if err := a.captures.Open(speakerID); err != nil && !errors.Is(err, ErrStreamOpen) {
			logging.Warnw("failed to open capture stream", "speaker_id", speakerID, "err", err)
			return
		}
	}
	if a.activeSpeaker == speakerID {
		// The floor holder keeps talking; nobody else should have a live stream.
		a.captures.CloseAllExcept(speakerID)
	}
}

// HandleSpeakingEnd is observational: stream teardown is driven by the
// capture source's silence auto-close, because a speaker may pause without
// the utterance being over. The force-close policy is configurable.
func (a *Arbitrator) HandleSpeakingEnd(speakerID string) {
	logging.Debugw("speaking end", "speaker_id", speakerID)
	if a.closeOnSpeakingEnd {
		a.captures.Close(speakerID)
	}
}

// HandleStreamEnd runs the turn pipeline for one finished utterance. It is
// invoked from the capture stream's goroutine.
func (a *Arbitrator) HandleStreamEnd(speakerID string, buf *SpeakerBuffer, correlationID string) {
	if buf.Empty() {
		return
	}

	// Pre-check: while someone holds the floor, other speakers' buffers are
	// dropped before any network call is made. This is what makes closing
	// the losers on a floor grant cheap.
	a.mu.Lock()
	if a.activeSpeaker != "" && a.activeSpeaker != speakerID {
		a.mu.Unlock()
		logging.Debugw("discarding utterance from non-floor speaker",
			"speaker_id", speakerID, "correlation_id", correlationID)
		return
	}
	a.mu.Unlock()

	wav := buf.WAV()
	if a.archive != nil {
		a.archive.SaveUtterance(speakerID, correlationID, wav)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
	text, err := a.assistant.SpeechToText(ctx, wav)
	cancel()
	if err != nil {
		logging.Warnw("transcription failed; dropping utterance",
			"speaker_id", speakerID, "correlation_id", correlationID, "err", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		// No usable speech detected; nothing to act on.
		return
	}

	name := a.resolver.UserName(speakerID)
	logging.Infow("utterance transcribed", append(logging.SpeakerFields(speakerID, name),
		"correlation_id", correlationID, "text", text)...)
	a.events.Publish(events.Event{
		Type: events.TypeTranscript, SpeakerID: speakerID, SpeakerName: name,
		Text: text, CorrelationID: correlationID,
	})
	if a.archive != nil {
		_ = a.archive.MergeByCID(correlationID, map[string]interface{}{"transcript": text})
	}

	// Re-validate and commit under the lock.
	a.mu.Lock()
	switch {
	case a.activeSpeaker == "":
		if !a.wake.Match(text) {
			a.mu.Unlock()
			return
		}
		a.activeSpeaker = speakerID
		a.captures.CloseAllExcept(speakerID)
		a.mu.Unlock()
		a.grantFloor(speakerID, name, correlationID)

	case a.activeSpeaker == speakerID:
		a.mu.Unlock()
		a.respond(speakerID, name, text, correlationID)

	default:
		// A stream for a non-floor speaker should not reach this point, but
		// the race with a concurrent grant is real: drop defensively.
		a.mu.Unlock()
		logging.Debugw("discarding utterance superseded by floor grant",
			"speaker_id", speakerID, "correlation_id", correlationID)
	}
}

// grantFloor announces the wake and plays the notification cue. Cue
// failures are non-fatal; the speaker keeps the floor and the session keeps
// listening for their follow-up utterance.
func (a *Arbitrator) grantFloor(speakerID, name, correlationID string) {
	logging.Infow("floor granted", append(logging.SpeakerFields(speakerID, name),
		"correlation_id", correlationID)...)
	a.events.Publish(events.Event{
		Type: events.TypeFloorGranted, SpeakerID: speakerID, SpeakerName: name,
		CorrelationID: correlationID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
	defer cancel()
	if err := a.playback.PlayCue(ctx, a.cueName); err != nil {
		logging.Warnw("notification cue failed", "cue", a.cueName, "err", err)
	}
}

// respond runs the floor holder's request/response turn: synthesize the
// reply, play it, then release the floor. The floor is released on every
// outcome except a busy-skip, which leaves the turn open for the next
// utterance.
func (a *Arbitrator) respond(speakerID, name, text, correlationID string) {
	if a.playback.Busy() {
		logging.Warnw("playback busy; skipping duplicate response",
			"speaker_id", speakerID, "correlation_id", correlationID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.requestTimeout)
	artifact, err := a.assistant.TextToSpeech(ctx, text)
	cancel()
	if err != nil {
		logging.Warnw("synthesis failed; ending turn",
			"speaker_id", speakerID, "correlation_id", correlationID, "err", err)
		a.releaseFloor(speakerID, correlationID)
		a.events.Publish(events.Event{
			Type: events.TypeTurnFailed, SpeakerID: speakerID, SpeakerName: name,
			CorrelationID: correlationID,
		})
		return
	}
	if a.archive != nil {
		_ = a.archive.MergeByCID(correlationID, map[string]interface{}{"response_artifact": artifact})
	}

	playCtx, cancelPlay := context.WithTimeout(context.Background(), a.requestTimeout)
	err = a.playback.PlayResponse(playCtx, artifact)
	cancelPlay()
	if errors.Is(err, ErrPlaybackBusy) {
		// Raced with another playback; keep the floor for the next utterance.
		logging.Warnw("response rejected by busy playback",
			"speaker_id", speakerID, "correlation_id", correlationID)
		return
	}

	evtType := events.TypeTurnCompleted
	if err != nil {
		logging.Warnw("response playback failed",
			"speaker_id", speakerID, "correlation_id", correlationID, "err", err)
		evtType = events.TypeTurnFailed
	}
	// End of turn even when playback errored: never deadlock the session
	// behind a stale active speaker.
	a.releaseFloor(speakerID, correlationID)
	a.events.Publish(events.Event{
		Type: evtType, SpeakerID: speakerID, SpeakerName: name,
		Text: text, CorrelationID: correlationID,
	})
}

func (a *Arbitrator) releaseFloor(speakerID, correlationID string) {
	a.mu.Lock()
	released := a.activeSpeaker == speakerID
	if released {
		a.activeSpeaker = ""
	}
	a.mu.Unlock()
	if released {
		logging.Infow("floor released", "speaker_id", speakerID, "correlation_id", correlationID)
		a.events.Publish(events.Event{
			Type: events.TypeFloorReleased, SpeakerID: speakerID, CorrelationID: correlationID,
		})
	}
}

// Reset force-releases the floor and closes all capture streams; used on
// session teardown or when the bot leaves the channel.
func (a *Arbitrator) Reset() {
	a.mu.Lock()
	a.activeSpeaker = ""
	a.mu.Unlock()
	a.captures.CloseAll()
}
