package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultInactivityTimeout = 2000 * time.Millisecond
	DefaultTimeoutIncrement  = 500 * time.Millisecond
	DefaultRemovalTimeout    = 5 * time.Second

	DefaultVADFloor           = 1200
	DefaultVADThreshold       = 3000
	DefaultVADThresholdStrong = 7000
	DefaultVADSustain         = 150 * time.Millisecond
	DefaultVADCooldown        = 400 * time.Millisecond
	DefaultVADSmoothingWindow = 3

	DefaultStreamIdleTimeout = 600 * time.Millisecond
	DefaultVADDebugInterval  = 500 * time.Millisecond

	DefaultCountdownPath     = "assets/contagem.ogg"
	DefaultCountdownChannels = 2

	DefaultEventQueueSize = 1024
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

// Config holds every tunable of the bot. Durations are read from the
// environment as integer milliseconds.
type Config struct {
	Token          string
	GuildID        string
	VoiceChannelID string
	LogLevel       string
	MetricsAddr    string

	Kick   KickConfig
	VAD    VADConfig
	Stream StreamConfig
	Cue    CueConfig

	EventQueueSize int
}

// KickConfig parameterises the inactivity scheduler.
type KickConfig struct {
	InactivityTimeout time.Duration
	TimeoutIncrement  time.Duration
	RemovalTimeout    time.Duration
}

// VADConfig parameterises the frame classifier. Energies are RMS values of
// 16-bit samples.
type VADConfig struct {
	Floor           float64
	Threshold       float64
	ThresholdStrong float64
	Sustain         time.Duration
	Cooldown        time.Duration
	SmoothingWindow int
}

// StreamConfig parameterises the per-speaker audio streams.
type StreamConfig struct {
	IdleTimeout   time.Duration
	DebugInterval time.Duration
}

// CueConfig points at the countdown clip played when a removal is armed.
type CueConfig struct {
	Path     string
	Channels int
}

// Default returns a Config populated with the built-in defaults and no
// Discord credentials.
func Default() Config {
	return Config{
		Kick: KickConfig{
			InactivityTimeout: DefaultInactivityTimeout,
			TimeoutIncrement:  DefaultTimeoutIncrement,
			RemovalTimeout:    DefaultRemovalTimeout,
		},
		VAD: VADConfig{
			Floor:           DefaultVADFloor,
			Threshold:       DefaultVADThreshold,
			ThresholdStrong: DefaultVADThresholdStrong,
			Sustain:         DefaultVADSustain,
			Cooldown:        DefaultVADCooldown,
			SmoothingWindow: DefaultVADSmoothingWindow,
		},
		Stream: StreamConfig{
			IdleTimeout:   DefaultStreamIdleTimeout,
			DebugInterval: DefaultVADDebugInterval,
		},
		Cue: CueConfig{
			Path:     DefaultCountdownPath,
			Channels: DefaultCountdownChannels,
		},
		EventQueueSize: DefaultEventQueueSize,
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("%w: DISCORD_BOT_TOKEN is required", ErrInvalidConfig)
	}
	if (c.GuildID == "") != (c.VoiceChannelID == "") {
		return fmt.Errorf("%w: GUILD_ID and VOICE_CHANNEL_ID must be set together", ErrInvalidConfig)
	}
	if c.Kick.InactivityTimeout <= 0 {
		return fmt.Errorf("%w: INACTIVITY_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.Kick.TimeoutIncrement < 0 {
		return fmt.Errorf("%w: USER_TIMEOUT_INCREMENT must not be negative", ErrInvalidConfig)
	}
	if c.Kick.RemovalTimeout <= 0 {
		return fmt.Errorf("%w: REMOVAL_TIMEOUT_MS must be positive", ErrInvalidConfig)
	}
	if err := c.VAD.Validate(); err != nil {
		return err
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("%w: STREAM_IDLE_TIMEOUT_MS must be positive", ErrInvalidConfig)
	}
	if c.Cue.Channels != 1 && c.Cue.Channels != 2 {
		return fmt.Errorf("%w: COUNTDOWN_CHANNELS must be 1 or 2, got %d", ErrInvalidConfig, c.Cue.Channels)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("%w: EVENT_QUEUE_SIZE must be positive", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the classifier thresholds are ordered and the windows
// are usable.
func (v VADConfig) Validate() error {
	if v.Floor < 0 {
		return fmt.Errorf("%w: VAD_FLOOR must not be negative", ErrInvalidConfig)
	}
	if v.Floor > v.Threshold {
		return fmt.Errorf("%w: VAD_FLOOR (%v) above VAD_THRESHOLD (%v)", ErrInvalidConfig, v.Floor, v.Threshold)
	}
	if v.Threshold > v.ThresholdStrong {
		return fmt.Errorf("%w: VAD_THRESHOLD (%v) above VAD_THRESHOLD_STRONG (%v)", ErrInvalidConfig, v.Threshold, v.ThresholdStrong)
	}
	if v.Sustain <= 0 || v.Cooldown < 0 {
		return fmt.Errorf("%w: VAD_SUSTAIN_MS must be positive and VAD_COOLDOWN_MS not negative", ErrInvalidConfig)
	}
	if v.SmoothingWindow < 1 {
		return fmt.Errorf("%w: VAD_SMOOTHING_WINDOW must be at least 1", ErrInvalidConfig)
	}
	return nil
}
