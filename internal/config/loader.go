package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Loader reads the configuration from environment variables. Tests set
// Lookup to feed a fixed map.
type Loader struct {
	Lookup func(string) (string, bool)
}

// LoadDotEnv loads the first existing file of paths into the process
// environment without overriding variables that are already set. A missing
// file is not an error; a malformed one is.
func LoadDotEnv(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return "", fmt.Errorf("config: load %s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}

// Load builds a Config from defaults plus environment overrides and
// validates it.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	cfg := Default()

	overrideString(l.Lookup, "DISCORD_BOT_TOKEN", &cfg.Token)
	overrideString(l.Lookup, "GUILD_ID", &cfg.GuildID)
	overrideString(l.Lookup, "VOICE_CHANNEL_ID", &cfg.VoiceChannelID)
	overrideString(l.Lookup, "LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "METRICS_ADDR", &cfg.MetricsAddr)
	overrideString(l.Lookup, "COUNTDOWN_PATH", &cfg.Cue.Path)

	millis := []struct {
		key    string
		target *time.Duration
	}{
		{"INACTIVITY_TIMEOUT", &cfg.Kick.InactivityTimeout},
		{"USER_TIMEOUT_INCREMENT", &cfg.Kick.TimeoutIncrement},
		{"REMOVAL_TIMEOUT_MS", &cfg.Kick.RemovalTimeout},
		{"VAD_SUSTAIN_MS", &cfg.VAD.Sustain},
		{"VAD_COOLDOWN_MS", &cfg.VAD.Cooldown},
		{"STREAM_IDLE_TIMEOUT_MS", &cfg.Stream.IdleTimeout},
		{"VAD_DEBUG_INTERVAL_MS", &cfg.Stream.DebugInterval},
	}
	for _, m := range millis {
		if err := overrideMillis(l.Lookup, m.key, m.target); err != nil {
			return Config{}, err
		}
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{"VAD_FLOOR", &cfg.VAD.Floor},
		{"VAD_THRESHOLD", &cfg.VAD.Threshold},
		{"VAD_THRESHOLD_STRONG", &cfg.VAD.ThresholdStrong},
	}
	for _, f := range floats {
		if err := overrideFloat(l.Lookup, f.key, f.target); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"VAD_SMOOTHING_WINDOW", &cfg.VAD.SmoothingWindow},
		{"COUNTDOWN_CHANNELS", &cfg.Cue.Channels},
		{"EVENT_QUEUE_SIZE", &cfg.EventQueueSize},
	}
	for _, i := range ints {
		if err := overrideInt(l.Lookup, i.key, i.target); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideMillis(lookup func(string) (string, bool), key string, target *time.Duration) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		ms, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = time.Duration(ms) * time.Millisecond
	}
	return nil
}
