// Package config loads the bridge configuration from environment variables.
// Every knob has a documented default; only the bot token is mandatory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings for the voice assistant bridge.
type Config struct {
	// DiscordToken is the bot token. Required.
	DiscordToken string

	// GuildID / VoiceChannelID enable auto-joining a voice channel at
	// startup. When empty, the bot waits for a !join command.
	GuildID        string
	VoiceChannelID string

	// AssistantAddr is the host:port of the recognition/synthesis service.
	AssistantAddr string

	// WakePhrases are the utterances that grant the floor, lowercase.
	WakePhrases []string
	// WakeThreshold is the minimum Jaro-Winkler similarity for a fuzzy
	// wake-phrase match.
	WakeThreshold float64

	// SilenceClose is how long a capture stream may go without frames
	// before it auto-closes and the utterance is finalized.
	SilenceClose time.Duration
	// CloseOnSpeakingEnd force-closes a speaker's stream on the gateway's
	// speaking-stop event instead of waiting for the silence window.
	CloseOnSpeakingEnd bool

	SampleRate int
	Channels   int

	// CueDir / CueName locate the notification sound played on wake.
	CueDir  string
	CueName string

	// JoinTimeout bounds the wait for the voice connection to become ready.
	JoinTimeout time.Duration

	// RequestTimeout bounds each transcription or synthesis exchange.
	RequestTimeout time.Duration

	// ArchiveDir, when set, enables saving utterance WAVs with JSON
	// sidecars for offline debugging.
	ArchiveDir string

	// EventsWSURL, when set, streams turn events to an operator websocket.
	EventsWSURL string
}

// FromEnv builds a Config from the process environment, applying defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DiscordToken:       os.Getenv("DISCORD_BOT_TOKEN"),
		GuildID:            strings.TrimSpace(os.Getenv("GUILD_ID")),
		VoiceChannelID:     strings.TrimSpace(os.Getenv("VOICE_CHANNEL_ID")),
		AssistantAddr:      envStr("ASSISTANT_ADDR", "127.0.0.1:5067"),
		WakePhrases:        envList("WAKE_PHRASES", []string{"oye asistente", "hola asistente"}),
		WakeThreshold:      envFloat("WAKE_THRESHOLD", 0.85),
		SilenceClose:       envMillis("SILENCE_CLOSE_MS", 3000),
		CloseOnSpeakingEnd: envBool("CLOSE_ON_SPEAKING_END", false),
		SampleRate:         envInt("SAMPLE_RATE", 48000),
		Channels:           envInt("CHANNELS", 2),
		CueDir:             envStr("CUE_DIR", "sounds"),
		CueName:            envStr("CUE_NAME", "notification.wav"),
		JoinTimeout:        envMillis("JOIN_TIMEOUT_MS", 20000),
		RequestTimeout:     envMillis("REQUEST_TIMEOUT_MS", 30000),
		ArchiveDir:         strings.TrimSpace(os.Getenv("ARCHIVE_DIR")),
		EventsWSURL:        strings.TrimSpace(os.Getenv("EVENTS_WS_URL")),
	}
	if cfg.WakeThreshold <= 0 || cfg.WakeThreshold > 1 {
		return nil, fmt.Errorf("WAKE_THRESHOLD must be in (0, 1], got %v", cfg.WakeThreshold)
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, fmt.Errorf("CHANNELS must be 1 or 2, got %d", cfg.Channels)
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

// envList parses a comma-separated list, lowercasing and trimming entries.
func envList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.ToLower(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
