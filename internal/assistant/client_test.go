package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// startService runs a loopback TCP service that answers each connection
// with handle(req) and closes it.
func startService(t *testing.T, handle func(req request) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var req request
				if err := json.NewDecoder(conn).Decode(&req); err != nil {
					return
				}
				_, _ = conn.Write([]byte(handle(req)))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSpeechToTextSendsAudioByPath(t *testing.T) {
	gotAudio := make(chan []byte, 1)
	addr := startService(t, func(req request) string {
		if req.Type != "audio" {
			t.Errorf("request type = %q, want audio", req.Type)
		}
		// The utterance file must be readable while the request is in flight.
		b, err := os.ReadFile(req.Content)
		if err != nil {
			t.Errorf("utterance file unreadable: %v", err)
		}
		gotAudio <- b
		return "oye asistente\n"
	})

	c := NewClient(addr)
	text, err := c.SpeechToText(context.Background(), []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("SpeechToText: %v", err)
	}
	if text != "oye asistente" {
		t.Fatalf("transcript = %q", text)
	}
	select {
	case b := <-gotAudio:
		if string(b) != "RIFFdata" {
			t.Errorf("service saw wrong audio: %q", b)
		}
	case <-time.After(time.Second):
		t.Fatal("service never read the audio")
	}
}

func TestSpeechToTextCleansUpUtteranceFile(t *testing.T) {
	paths := make(chan string, 1)
	addr := startService(t, func(req request) string {
		paths <- req.Content
		return "hola"
	})

	c := NewClient(addr)
	if _, err := c.SpeechToText(context.Background(), []byte("wav")); err != nil {
		t.Fatal(err)
	}
	path := <-paths
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("utterance file %s should be removed after the request", path)
	}
}

func TestTextToSpeechReturnsArtifactPath(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "reply.wav")
	if err := os.WriteFile(artifact, []byte("wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	addr := startService(t, func(req request) string {
		if req.Type != "text" || req.Content != "que hora es" {
			t.Errorf("unexpected request: %+v", req)
		}
		return artifact
	})

	c := NewClient(addr)
	got, err := c.TextToSpeech(context.Background(), "que hora es")
	if err != nil {
		t.Fatalf("TextToSpeech: %v", err)
	}
	if got != artifact {
		t.Fatalf("artifact path = %q, want %q", got, artifact)
	}
}

func TestTextToSpeechEmptyReplyIsSynthesisError(t *testing.T) {
	addr := startService(t, func(request) string { return "\n" })

	c := NewClient(addr)
	if _, err := c.TextToSpeech(context.Background(), "hola"); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("want ErrSynthesis, got %v", err)
	}
}

func TestTextToSpeechMissingArtifactIsSynthesisError(t *testing.T) {
	addr := startService(t, func(request) string { return "/nonexistent/reply.wav" })

	c := NewClient(addr)
	if _, err := c.TextToSpeech(context.Background(), "hola"); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("want ErrSynthesis, got %v", err)
	}
}

func TestUnreachableServiceIsTransportError(t *testing.T) {
	c := NewClient("127.0.0.1:1")
	if _, err := c.SpeechToText(context.Background(), []byte("wav")); !errors.Is(err, ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
	if _, err := c.TextToSpeech(context.Background(), "hola"); !errors.Is(err, ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}

func TestRequestTimeoutIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		// Accept but never reply, leaving the connection open.
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := NewClient(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.TextToSpeech(ctx, "hola"); !errors.Is(err, ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}
