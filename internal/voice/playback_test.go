package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// blockingSink blocks inside Play until released, recording played paths.
type blockingSink struct {
	playing chan string
	release chan struct{}
	err     error
}

func newBlockingSink() *blockingSink {
	return &blockingSink{playing: make(chan string, 4), release: make(chan struct{})}
}

func (s *blockingSink) Play(ctx context.Context, path string) error {
	s.playing <- path
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.err
}

func writeTempArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "response.wav")
	if err := os.WriteFile(path, []byte("wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPlayResponseRemovesArtifactOnSuccess(t *testing.T) {
	sink := newBlockingSink()
	close(sink.release)
	c := NewController(sink, "")

	path := writeTempArtifact(t)
	if err := c.PlayResponse(context.Background(), path); err != nil {
		t.Fatalf("PlayResponse: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact should be deleted after playback")
	}
}

func TestPlayResponseRemovesArtifactOnError(t *testing.T) {
	sink := newBlockingSink()
	sink.err = errors.New("sink broke")
	close(sink.release)
	c := NewController(sink, "")

	path := writeTempArtifact(t)
	if err := c.PlayResponse(context.Background(), path); err == nil {
		t.Fatal("expected playback error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact should be deleted even when playback fails")
	}
}

func TestOverlappingPlaybackRejected(t *testing.T) {
	sink := newBlockingSink()
	c := NewController(sink, "")

	first := writeTempArtifact(t)
	done := make(chan error, 1)
	go func() { done <- c.PlayResponse(context.Background(), first) }()

	// Wait until the first playback is inside the sink.
	select {
	case <-sink.playing:
	case <-time.After(2 * time.Second):
		t.Fatal("first playback never started")
	}
	if !c.Busy() {
		t.Error("controller should report busy")
	}

	second := writeTempArtifact(t)
	if err := c.PlayResponse(context.Background(), second); !errors.Is(err, ErrPlaybackBusy) {
		t.Fatalf("want ErrPlaybackBusy, got %v", err)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Error("rejected artifact should still be deleted")
	}

	close(sink.release)
	if err := <-done; err != nil {
		t.Fatalf("first playback: %v", err)
	}
	if c.Busy() {
		t.Error("controller should be idle again")
	}
}

func TestPlayCueMissingResource(t *testing.T) {
	sink := newBlockingSink()
	close(sink.release)
	c := NewController(sink, t.TempDir())

	if err := c.PlayCue(context.Background(), "absent.wav"); !errors.Is(err, ErrCueMissing) {
		t.Fatalf("want ErrCueMissing, got %v", err)
	}
}

func TestPlayCuePlaysExistingResource(t *testing.T) {
	sink := newBlockingSink()
	close(sink.release)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ding.wav"), []byte("wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewController(sink, dir)

	if err := c.PlayCue(context.Background(), "ding.wav"); err != nil {
		t.Fatalf("PlayCue: %v", err)
	}
	select {
	case p := <-sink.playing:
		if filepath.Base(p) != "ding.wav" {
			t.Errorf("sink played %q", p)
		}
	default:
		t.Error("sink was never invoked")
	}
}
