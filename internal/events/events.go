// Package events streams structured session events (transcripts, floor
// grants, turn outcomes) to an operator endpoint over a websocket. The
// stream is best-effort: publishing never blocks the call session, and
// events are dropped when the forwarder cannot keep up.
package events

import (
	"fmt"
	"time"

	"github.com/discord-voice-assistant/internal/logging"
	"github.com/gorilla/websocket"
)

// Event types emitted by the session core.
const (
	TypeTranscript    = "transcript"
	TypeFloorGranted  = "floor_granted"
	TypeFloorReleased = "floor_released"
	TypeTurnCompleted = "turn_completed"
	TypeTurnFailed    = "turn_failed"
)

type Event struct {
	Type          string    `json:"type"`
	SpeakerID     string    `json:"speaker_id,omitempty"`
	SpeakerName   string    `json:"speaker_name,omitempty"`
	Text          string    `json:"text,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"ts"`
}

// Publisher is the session core's view of the event stream.
type Publisher interface {
	Publish(evt Event)
	Close() error
}

// Nop discards all events; used when no endpoint is configured.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

// WSForwarder pushes events to a websocket endpoint from a single writer
// goroutine fed by a bounded queue.
type WSForwarder struct {
	conn *websocket.Conn
	ch   chan Event
	done chan struct{}
	quit chan struct{}
}

// NewWSForwarder dials the endpoint and starts the writer. The dial is the
// only blocking step; a failure here disables the stream for the session.
func NewWSForwarder(url string) (*WSForwarder, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("events dial %s: %w", url, err)
	}
	f := &WSForwarder{
		conn: conn,
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	go f.writeLoop()
	logging.Infow("event stream connected", "url", url)
	return f, nil
}

// Publish enqueues the event, stamping it if needed. Drops on overflow.
func (f *WSForwarder) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case f.ch <- evt:
	default:
		logging.Debugw("event queue full; dropping event", "type", evt.Type)
	}
}

// Close flushes nothing; it stops the writer and closes the connection.
func (f *WSForwarder) Close() error {
	close(f.quit)
	<-f.done
	return f.conn.Close()
}

func (f *WSForwarder) writeLoop() {
	defer close(f.done)
	for {
		select {
		case <-f.quit:
			deadline := time.Now().Add(time.Second)
			_ = f.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case evt := <-f.ch:
			if err := f.conn.WriteJSON(evt); err != nil {
				logging.Warnw("event stream write failed; stopping forwarder", "err", err)
				return
			}
		}
	}
}
