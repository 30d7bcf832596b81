package voice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/discord-voice-assistant/internal/logging"
)

// Controller serializes audio output to the single voice channel. An
// overlapping request is rejected with ErrPlaybackBusy rather than queued:
// there is one output channel, and a stale queued response is worse than
// none.
type Controller struct {
	sink   Sink
	cueDir string

	mu   sync.Mutex
	busy bool
}

func NewController(sink Sink, cueDir string) *Controller {
	return &Controller{sink: sink, cueDir: cueDir}
}

// Busy reports whether a playback is currently in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// PlayCue plays a static notification sound from the cue directory and
// blocks until it finishes. A missing file yields ErrCueMissing.
func (c *Controller) PlayCue(ctx context.Context, name string) error {
	path := filepath.Join(c.cueDir, name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrCueMissing, path)
	}
	if !c.acquire() {
		return ErrPlaybackBusy
	}
	defer c.release()
	if err := c.sink.Play(ctx, path); err != nil {
		return fmt.Errorf("cue playback: %w", err)
	}
	return nil
}

// PlayResponse plays a synthesized response artifact and blocks until it
// finishes. The artifact file is deleted on every exit path, including
// busy-reject and sink errors.
func (c *Controller) PlayResponse(ctx context.Context, path string) error {
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warnw("failed to remove response artifact", "path", path, "err", err)
		}
	}()
	if !c.acquire() {
		return ErrPlaybackBusy
	}
	defer c.release()
	if err := c.sink.Play(ctx, path); err != nil {
		return fmt.Errorf("response playback: %w", err)
	}
	return nil
}

func (c *Controller) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}
