// Package assistant talks to the external recognition/synthesis service
// over its JSON-per-connection TCP protocol: each request opens a fresh
// connection, writes one JSON object, and reads the reply until EOF. Audio
// is exchanged by file path on the shared host, not inline.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/discord-voice-assistant/internal/logging"
)

var (
	// ErrTransport marks connection and I/O failures against the service.
	ErrTransport = errors.New("assistant transport failure")
	// ErrSynthesis marks a synthesis request that yielded no usable artifact.
	ErrSynthesis = errors.New("assistant synthesis failure")
)

type request struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Client issues one TCP connection per request and carries no state between
// calls, so it is safe for concurrent use. Retries are the caller's policy.
type Client struct {
	addr   string
	dialer net.Dialer
}

func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// SpeechToText submits captured WAV audio for recognition and returns the
// transcript, which may be empty when no speech was recognized. The audio
// is handed over as a temp file path; the file is removed before returning
// on every path.
func (c *Client) SpeechToText(ctx context.Context, wav []byte) (string, error) {
	f, err := os.CreateTemp("", "utterance-*.wav")
	if err != nil {
		return "", fmt.Errorf("create utterance file: %w", err)
	}
	path := f.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Debugw("failed to remove utterance file", "path", path, "err", err)
		}
	}()
	if _, err := f.Write(wav); err != nil {
		f.Close()
		return "", fmt.Errorf("write utterance file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close utterance file: %w", err)
	}

	reply, err := c.roundTrip(ctx, request{Type: "audio", Content: path})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// TextToSpeech asks the service to synthesize the text and returns the path
// of the artifact it wrote. An empty reply or a missing artifact is a
// synthesis failure.
func (c *Client) TextToSpeech(ctx context.Context, text string) (string, error) {
	reply, err := c.roundTrip(ctx, request{Type: "text", Content: text})
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", ErrSynthesis)
	}
	if _, err := os.Stat(reply); err != nil {
		return "", fmt.Errorf("%w: artifact %s not readable: %v", ErrSynthesis, reply, err)
	}
	return reply, nil
}

// roundTrip performs one request/response exchange. The write side is
// half-closed after the request so the service sees end-of-request, and the
// reply is everything it writes before closing.
func (c *Client) roundTrip(ctx context.Context, req request) (string, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", ErrTransport, c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return "", fmt.Errorf("%w: send request: %v", ErrTransport, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	b, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("%w: read reply: %v", ErrTransport, err)
	}
	return strings.TrimSpace(string(b)), nil
}
