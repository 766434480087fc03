package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/discord-silence-kick/internal/bot"
	"github.com/discord-silence-kick/internal/config"
	"github.com/discord-silence-kick/internal/cue"
	"github.com/discord-silence-kick/internal/kick"
	"github.com/discord-silence-kick/internal/logging"
	"github.com/discord-silence-kick/internal/metrics"
	"github.com/discord-silence-kick/internal/vad"
	"github.com/discord-silence-kick/internal/voice"
)

const shutdownTimeout = 5 * time.Second

// defaultIntents covers guild metadata, voice state updates and member
// lookups for bot detection and display names.
const defaultIntents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers

func coordinatorConfig(cfg config.Config) bot.Config {
	return bot.Config{
		VAD: vad.Config{
			Floor:     cfg.VAD.Floor,
			Threshold: cfg.VAD.Threshold,
			Strong:    cfg.VAD.ThresholdStrong,
			Sustain:   cfg.VAD.Sustain,
			Cooldown:  cfg.VAD.Cooldown,
			Window:    cfg.VAD.SmoothingWindow,
		},
		Kick: kick.Config{
			BaseTimeout:    cfg.Kick.InactivityTimeout,
			Increment:      cfg.Kick.TimeoutIncrement,
			RemovalTimeout: cfg.Kick.RemovalTimeout,
		},
		QueueSize: cfg.EventQueueSize,
	}
}

func routerConfig(cfg config.Config) voice.Config {
	return voice.Config{
		Channels:      voice.Channels,
		IdleTimeout:   cfg.Stream.IdleTimeout,
		DebugInterval: cfg.Stream.DebugInterval,
	}
}

func main() {
	envFile, envErr := config.LoadDotEnv()
	cfg, cfgErr := config.Loader{}.Load()

	// Initialize centralized logging. An empty level falls back to LOG_LEVEL.
	logging.Init(cfg.LogLevel)
	defer func() { _ = logging.Sync() }()

	if envErr != nil {
		logging.FatalExitw("loading .env failed", "error", envErr)
	}
	if envFile != "" {
		logging.Infow("loaded environment file", "path", envFile)
	}
	if cfgErr != nil {
		logging.FatalExitw("invalid configuration", "error", cfgErr)
	}
	logging.Infow("configuration loaded",
		"inactivity_timeout_ms", cfg.Kick.InactivityTimeout.Milliseconds(),
		"timeout_increment_ms", cfg.Kick.TimeoutIncrement.Milliseconds(),
		"vad_floor", cfg.VAD.Floor,
		"vad_threshold", cfg.VAD.Threshold,
		"vad_threshold_strong", cfg.VAD.ThresholdStrong,
		"vad_sustain_ms", cfg.VAD.Sustain.Milliseconds(),
		"vad_cooldown_ms", cfg.VAD.Cooldown.Milliseconds(),
	)

	if err := run(cfg); err != nil {
		logging.FatalExitw("bot stopped with error", "error", err)
	}
	logging.Infow("shutdown complete")
}

// newSession builds the gateway session. Events are delivered in gateway
// order on one goroutine so a join followed by a leave reaches the
// coordinator in that order.
func newSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discordgo.New: %w", err)
	}
	dg.Identify.Intents = defaultIntents
	dg.SyncEvents = true
	return dg, nil
}

func run(cfg config.Config) error {
	dg, err := newSession(cfg.Token)
	if err != nil {
		return err
	}

	// Privileged intents must also be enabled in the Developer Portal.
	privileged := discordgo.IntentsGuildMembers | discordgo.IntentsGuildPresences
	if dg.Identify.Intents&privileged != 0 {
		logging.Warnw("bot is requesting privileged gateway intents; ensure these are enabled in the Discord Developer Portal", "intents", dg.Identify.Intents)
	}

	names := voice.NewDiscordNames(dg)
	player := cue.NewPlayer(cfg.Cue.Path, cfg.Cue.Channels, cue.SessionConns(dg))
	adapter := bot.NewDiscord(dg, player)
	coord := bot.NewCoordinator(coordinatorConfig(cfg), adapter, bot.WithNames(names))
	router := voice.NewRouter(routerConfig(cfg), coord, voice.WithRouterNames(names))
	adapter.SetEvents(coord)
	adapter.SetRouter(router)
	adapter.SetNames(names)

	dg.AddHandler(adapter.HandleVoiceState)
	dg.AddHandler(func(_ *discordgo.Session, gc *discordgo.GuildCreate) {
		adapter.Seed(gc.VoiceStates)
		for _, m := range gc.Members {
			names.RememberMember(m)
		}
	})
	dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		logging.Infow("discord ready", "user.id", r.User.ID, "guilds", len(r.Guilds))
	})

	logging.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord session open failed: %w", err)
	}
	logging.Infow("discord session opened")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return router.RunSweeper(gctx) })

	if cfg.MetricsAddr != "" {
		exporter := metrics.NewExporter(cfg.MetricsAddr)
		g.Go(func() error {
			logging.Infow("serving metrics", "addr", cfg.MetricsAddr)
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics exporter: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return exporter.Shutdown(sctx)
		})
	}

	var vc *discordgo.VoiceConnection
	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		logging.Infow("joining voice channel", "guild.id", cfg.GuildID, "channel.id", cfg.VoiceChannelID)
		// Not deafened: the bot has to hear members to detect speech.
		vc, err = dg.ChannelVoiceJoin(cfg.GuildID, cfg.VoiceChannelID, false, false)
		if err != nil {
			logging.Warnw("voice join failed", "error", err)
		} else {
			vc.AddHandler(router.HandleSpeakingUpdate)
			g.Go(func() error {
				router.Listen(gctx, vc.OpusRecv)
				return nil
			})
			logging.Infow("voice joined", "guild.id", cfg.GuildID, "channel.id", cfg.VoiceChannelID)
		}
	}

	<-gctx.Done()
	logging.Infow("shutdown signal received, closing resources")
	werr := g.Wait()

	router.Close()
	player.Close()
	if vc != nil {
		if err := vc.Disconnect(); err != nil {
			logging.Warnw("voice disconnect error", "error", err)
		}
	}
	if err := dg.Close(); err != nil {
		logging.Warnw("discord session close error", "error", err)
	}
	return werr
}
