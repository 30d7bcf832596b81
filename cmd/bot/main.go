// Command bot runs the voice assistant bridge: it sits in a Discord voice
// channel, listens for the wake phrase, relays utterances to the external
// recognition/synthesis service, and plays the spoken replies back into the
// channel.
package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-assistant/internal/assistant"
	"github.com/discord-voice-assistant/internal/config"
	"github.com/discord-voice-assistant/internal/events"
	"github.com/discord-voice-assistant/internal/logging"
	"github.com/discord-voice-assistant/internal/voice"
	"go.uber.org/zap"
)

const (
	archiveRetention     = 24 * time.Hour
	archiveSweepInterval = 10 * time.Minute
	archiveMaxFiles      = 500
)

func main() {
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	cfg, err := config.FromEnv()
	if err != nil {
		sugar.Fatalf("configuration: %v", err)
	}
	if cfg.DiscordToken == "" {
		sugar.Fatal("DISCORD_BOT_TOKEN required")
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}
	// Guilds + GuildVoiceStates cover voice state and speaking mapping;
	// GuildMessages + MessageContent are needed for the !join / !leave
	// commands. MessageContent is privileged and must be enabled in the
	// Developer Portal.
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	var publisher events.Publisher = events.Nop{}
	if cfg.EventsWSURL != "" {
		if f, err := events.NewWSForwarder(cfg.EventsWSURL); err != nil {
			sugar.Warnw("event stream unavailable", "url", cfg.EventsWSURL, "err", err)
		} else {
			publisher = f
		}
	}

	archive := voice.NewArchive(cfg.ArchiveDir)
	sweepDone := make(chan struct{})
	var wg sync.WaitGroup
	if archive != nil {
		wg.Add(1)
		archive.StartSweeper(sweepDone, &wg, archiveRetention, archiveSweepInterval, archiveMaxFiles)
	}

	gateway := voice.NewGateway(dg, cfg.SampleRate, cfg.Channels, cfg.JoinTimeout)
	arb := voice.NewArbitrator(voice.ArbitratorConfig{
		Assistant:          assistant.NewClient(cfg.AssistantAddr),
		Wake:               voice.NewWakeDetector(cfg.WakePhrases, cfg.WakeThreshold),
		Playback:           voice.NewController(gateway, cfg.CueDir),
		Resolver:           voice.NewDiscordResolver(dg, cfg.GuildID),
		Events:             publisher,
		Archive:            archive,
		CueName:            cfg.CueName,
		RequestTimeout:     cfg.RequestTimeout,
		CloseOnSpeakingEnd: cfg.CloseOnSpeakingEnd,
	})
	captures := voice.NewCaptureManager(
		gateway,
		voice.NewOpusDecoderFactory(cfg.SampleRate, cfg.Channels),
		cfg.SilenceClose,
		cfg.SampleRate,
		cfg.Channels,
		arb.HandleStreamEnd,
	)
	arb.SetCaptures(captures)
	gateway.SetSpeakingHandlers(arb.HandleSpeakingStart, arb.HandleSpeakingEnd)

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		switch m.Content {
		case "!join":
			channelID := voiceChannelOf(s, m.GuildID, m.Author.ID)
			if channelID == "" {
				_, _ = s.ChannelMessageSend(m.ChannelID, "Join a voice channel first.")
				return
			}
			arb.Reset()
			if err := gateway.Join(m.GuildID, channelID); err != nil {
				sugar.Warnw("join command failed", "guild_id", m.GuildID, "channel_id", channelID, "err", err)
				_, _ = s.ChannelMessageSend(m.ChannelID, "Could not join the voice channel.")
				return
			}
			_, _ = s.ChannelMessageSend(m.ChannelID, "Listening. Say the wake phrase to talk to me.")
		case "!leave":
			arb.Reset()
			gateway.Leave()
			_, _ = s.ChannelMessageSend(m.ChannelID, "Left the voice channel.")
		}
	})

	sugar.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}
	sugar.Infow("discord session opened")

	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		sugar.Infow("auto-joining voice channel", "guild_id", cfg.GuildID, "channel_id", cfg.VoiceChannelID)
		if err := gateway.Join(cfg.GuildID, cfg.VoiceChannelID); err != nil {
			sugar.Warnw("auto-join failed", "err", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received")

	arb.Reset()
	gateway.Leave()
	if err := publisher.Close(); err != nil {
		sugar.Warnw("event stream close failed", "err", err)
	}
	if err := dg.Close(); err != nil {
		sugar.Warnw("discord session close failed", "err", err)
	}
	close(sweepDone)
	wg.Wait()

	if l := zap.L(); l != nil {
		_ = l.Sync()
	}
	sugar.Info("shutdown complete")
}

// voiceChannelOf finds the voice channel the user currently occupies.
func voiceChannelOf(s *discordgo.Session, guildID, userID string) string {
	g, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}
