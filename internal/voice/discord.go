package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-assistant/internal/logging"
	"github.com/hraban/opus"
)

const (
	frameDurationMs   = 20
	sendFrameTimeout  = 5 * time.Second
	subscriberBacklog = 64
	maxOpusFrameBytes = 4000
)

// Gateway adapts one Discord voice connection to the session core. Inbound,
// it demuxes the connection's packet stream by SSRC into per-speaker frame
// channels (CaptureSource). Outbound, it encodes WAV files to Opus frames
// on the connection's send channel (Sink). Speaking updates from the voice
// websocket are surfaced as start/end callbacks keyed by user id.
type Gateway struct {
	session     *discordgo.Session
	sampleRate  int
	channels    int
	joinTimeout time.Duration

	onSpeakingStart func(speakerID string)
	onSpeakingEnd   func(speakerID string)

	mu       sync.Mutex
	vc       *discordgo.VoiceConnection
	ssrcUser map[uint32]string
	subs     map[string]*gatewayStream
	done     chan struct{}
}

func NewGateway(session *discordgo.Session, sampleRate, channels int, joinTimeout time.Duration) *Gateway {
	return &Gateway{
		session:     session,
		sampleRate:  sampleRate,
		channels:    channels,
		joinTimeout: joinTimeout,
		ssrcUser:    make(map[uint32]string),
		subs:        make(map[string]*gatewayStream),
	}
}

// SetSpeakingHandlers wires the speaking start/end callbacks. Must be called
// before Join.
func (g *Gateway) SetSpeakingHandlers(onStart, onEnd func(speakerID string)) {
	g.onSpeakingStart = onStart
	g.onSpeakingEnd = onEnd
}

// Connected reports whether a voice connection is currently established.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vc != nil
}

// Join connects to the voice channel, registers the speaking-update handler
// on the voice websocket (session-level registration would be invalid), and
// starts the receive demux loop. An existing connection is torn down first.
func (g *Gateway) Join(guildID, channelID string) error {
	g.Leave()

	vc, err := g.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("voice join %s/%s: %w", guildID, channelID, err)
	}
	// discordgo exposes readiness only as a flag, so poll it on a ticker
	// bounded by the join timeout.
	deadline := time.After(g.joinTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !vc.Ready {
		select {
		case <-deadline:
			_ = vc.Disconnect()
			return fmt.Errorf("voice join %s/%s: not ready after %s", guildID, channelID, g.joinTimeout)
		case <-ticker.C:
		}
	}

	done := make(chan struct{})
	g.mu.Lock()
	g.vc = vc
	g.done = done
	g.ssrcUser = make(map[uint32]string)
	g.mu.Unlock()

	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		g.handleSpeakingUpdate(su)
	})
	go g.receiveLoop(vc, done)

	logging.Infow("voice channel joined", "guild_id", guildID, "channel_id", channelID)
	return nil
}

// Leave disconnects and closes every subscriber channel so downstream
// consumers see end-of-stream. Safe to call when not connected.
func (g *Gateway) Leave() {
	g.mu.Lock()
	vc := g.vc
	done := g.done
	g.vc = nil
	g.done = nil
	// Subscriber channels are closed under the lock; see receiveLoop.
	for _, st := range g.subs {
		st.closeChan()
	}
	g.subs = make(map[string]*gatewayStream)
	g.mu.Unlock()

	if done != nil {
		close(done)
	}
	if vc != nil {
		if err := vc.Disconnect(); err != nil {
			logging.Warnw("voice disconnect failed", "err", err)
		}
		logging.Infow("voice channel left")
	}
}

func (g *Gateway) handleSpeakingUpdate(su *discordgo.VoiceSpeakingUpdate) {
	if su.UserID == "" {
		return
	}
	g.mu.Lock()
	g.ssrcUser[uint32(su.SSRC)] = su.UserID
	g.mu.Unlock()

	logging.Debugw("speaking update", "speaker_id", su.UserID, "ssrc", su.SSRC, "speaking", su.Speaking)
	if su.Speaking {
		if g.onSpeakingStart != nil {
			g.onSpeakingStart(su.UserID)
		}
	} else if g.onSpeakingEnd != nil {
		g.onSpeakingEnd(su.UserID)
	}
}

// receiveLoop demuxes inbound packets to per-speaker subscribers. Packets
// for speakers without a live subscription are dropped; so are frames for a
// subscriber whose channel is full, because a slow consumer must not stall
// every other speaker on the shared receive channel.
//
// The non-blocking send happens while holding g.mu, and subscriber channels
// are only ever closed under the same lock (dropSub, Leave). That ordering
// is what makes a force-close racing an inbound frame safe: the frame
// either lands before the close or sees the subscription gone, never a
// send on a closed channel.
func (g *Gateway) receiveLoop(vc *discordgo.VoiceConnection, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			g.mu.Lock()
			speakerID := g.ssrcUser[pkt.SSRC]
			st := g.subs[speakerID]
			if st == nil {
				g.mu.Unlock()
				continue
			}
			frame := append([]byte(nil), pkt.Opus...)
			select {
			case st.ch <- frame:
				g.mu.Unlock()
			default:
				g.mu.Unlock()
				logging.Debugw("subscriber backlog full; dropping frame", "speaker_id", speakerID)
			}
		}
	}
}

// Subscribe returns the speaker's frame stream, creating it if absent.
func (g *Gateway) Subscribe(speakerID string) (FrameStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.vc == nil {
		return nil, errors.New("not connected to a voice channel")
	}
	if _, ok := g.subs[speakerID]; ok {
		return nil, fmt.Errorf("%w: subscriber exists for %s", ErrStreamOpen, speakerID)
	}
	st := &gatewayStream{
		ch:         make(chan []byte, subscriberBacklog),
		unregister: func() { g.dropSub(speakerID) },
	}
	g.subs[speakerID] = st
	return st, nil
}

func (g *Gateway) dropSub(speakerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.subs[speakerID]
	delete(g.subs, speakerID)
	if st != nil {
		// Closed under g.mu so it cannot race the demux send in receiveLoop.
		st.closeChan()
	}
}

// gatewayStream is one speaker's inbound frame channel.
type gatewayStream struct {
	ch         chan []byte
	unregister func()
	once       sync.Once
}

func (st *gatewayStream) Frames() <-chan []byte { return st.ch }

func (st *gatewayStream) Close() error {
	st.unregister()
	return nil
}

func (st *gatewayStream) closeChan() {
	st.once.Do(func() { close(st.ch) })
}

// Play encodes the WAV file to 20ms Opus frames and streams them on the
// voice connection, honoring ctx cancellation. Blocks until the last frame
// is handed to the connection.
func (g *Gateway) Play(ctx context.Context, path string) error {
	g.mu.Lock()
	vc := g.vc
	g.mu.Unlock()
	if vc == nil {
		return errors.New("not connected to a voice channel")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read audio %s: %w", path, err)
	}
	pcm, rate, channels, err := parseWAV(raw)
	if err != nil {
		return fmt.Errorf("parse audio %s: %w", path, err)
	}

	enc, err := opus.NewEncoder(rate, channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("opus encoder: %w", err)
	}

	samplesPerFrame := rate * frameDurationMs / 1000 * channels
	if err := vc.Speaking(true); err != nil {
		return fmt.Errorf("speaking on: %w", err)
	}
	defer func() {
		if err := vc.Speaking(false); err != nil {
			logging.Debugw("speaking off failed", "err", err)
		}
	}()

	buf := make([]byte, maxOpusFrameBytes)
	for off := 0; off < len(pcm); off += samplesPerFrame {
		end := off + samplesPerFrame
		frame := pcm[off:min(end, len(pcm))]
		if len(frame) < samplesPerFrame {
			// Opus needs full frames; zero-pad the tail.
			padded := make([]int16, samplesPerFrame)
			copy(padded, frame)
			frame = padded
		}
		n, err := enc.Encode(frame, buf)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case vc.OpusSend <- data:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendFrameTimeout):
			return errors.New("timed out sending audio frame")
		}
	}
	return nil
}

// parseWAV extracts 16-bit PCM samples from a RIFF/WAVE byte stream.
func parseWAV(raw []byte) (pcm []int16, sampleRate, channels int, err error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("not a RIFF/WAVE stream")
	}
	var data []byte
	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := raw[off+8:]
		if size > len(body) {
			size = len(body)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("truncated fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported audio format %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return nil, 0, 0, fmt.Errorf("unsupported bit depth %d", bits)
			}
		case "data":
			data = body[:size]
		}
		off += 8 + size
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}
	if sampleRate == 0 || channels == 0 {
		return nil, 0, 0, errors.New("missing fmt chunk")
	}
	if channels != 1 && channels != 2 {
		return nil, 0, 0, fmt.Errorf("unsupported channel count %d", channels)
	}
	if len(data) == 0 {
		return nil, 0, 0, errors.New("missing data chunk")
	}
	pcm = make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[2*i : 2*i+2]))
	}
	return pcm, sampleRate, channels, nil
}
