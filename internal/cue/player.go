// Package cue plays the countdown clip that warns a silent participant.
package cue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/discord-silence-kick/internal/logging"
)

const (
	sampleRate = 48000
	// frameSize is 20ms of audio per channel, the frame Discord expects.
	frameSize = sampleRate / 50
	// maxPacket bounds one encoded Opus frame.
	maxPacket   = 4000
	sendTimeout = time.Second
)

var errSendTimeout = errors.New("cue: voice send timed out")

// Sender is a voice connection able to carry encoded Opus frames.
type Sender interface {
	Speaking(on bool) error
	Send(ctx context.Context, frame []byte) error
}

// Conns finds the sender for a guild, or nil when the bot has no voice
// connection there.
type Conns func(guildID string) Sender

// Player plays the cue at most once at a time per guild. Requests arriving
// while the cue is already playing in that guild are dropped.
type Player struct {
	path     string
	channels int
	conns    Conns
	load     func() ([][]byte, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	playing map[string]bool
	frames  [][]byte
}

// NewPlayer returns a Player for the Ogg Opus file at path.
func NewPlayer(path string, channels int, conns Conns) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		path:     path,
		channels: channels,
		conns:    conns,
		ctx:      ctx,
		cancel:   cancel,
		playing:  make(map[string]bool),
	}
	p.load = func() ([][]byte, error) { return EncodeFile(p.path, p.channels) }
	return p
}

// Play starts the cue in the guild and returns immediately.
func (p *Player) Play(guildID string) {
	p.mu.Lock()
	if p.playing[guildID] {
		p.mu.Unlock()
		logging.Debugw("cue already playing", "guild.id", guildID)
		return
	}
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.playing[guildID] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.playing, guildID)
			p.mu.Unlock()
		}()
		if err := p.play(guildID); err != nil {
			logging.Warnw("cue playback failed", "guild.id", guildID, "path", p.path, "error", err)
		}
	}()
}

func (p *Player) play(guildID string) error {
	frames, err := p.encoded()
	if err != nil {
		return err
	}
	s := p.conns(guildID)
	if s == nil {
		logging.Debugw("no voice connection for cue", "guild.id", guildID)
		return nil
	}
	if err := s.Speaking(true); err != nil {
		return fmt.Errorf("speaking on: %w", err)
	}
	defer func() {
		if err := s.Speaking(false); err != nil {
			logging.Debugw("speaking off failed", "guild.id", guildID, "error", err)
		}
	}()
	for _, f := range frames {
		if err := s.Send(p.ctx, f); err != nil {
			return err
		}
	}
	logging.Infow("cue played", "guild.id", guildID, "frames", len(frames))
	return nil
}

// encoded returns the cue's Opus frames, loading them on first success.
func (p *Player) encoded() ([][]byte, error) {
	p.mu.Lock()
	frames := p.frames
	p.mu.Unlock()
	if frames != nil {
		return frames, nil
	}
	frames, err := p.load()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.frames = frames
	p.mu.Unlock()
	return frames, nil
}

// Close stops playback and waits for running cues to end.
func (p *Player) Close() {
	p.cancel()
	p.wg.Wait()
}

// EncodeFile decodes an Ogg Opus file and re-encodes it as 20ms Opus
// frames. The last frame is padded with silence.
func EncodeFile(path string, channels int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cue: %w", err)
	}
	defer f.Close()

	stream, err := opus.NewStream(f)
	if err != nil {
		return nil, fmt.Errorf("read ogg stream: %w", err)
	}
	defer stream.Close()

	var samples []int16
	buf := make([]int16, 5760*channels)
	for {
		n, err := stream.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode cue: %w", err)
		}
		samples = append(samples, buf[:n*channels]...)
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("new encoder: %w", err)
	}
	return encodeFrames(enc, samples, channels)
}

type encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

func encodeFrames(enc encoder, samples []int16, channels int) ([][]byte, error) {
	step := frameSize * channels
	var frames [][]byte
	chunk := make([]int16, step)
	out := make([]byte, maxPacket)
	for off := 0; off < len(samples); off += step {
		end := off + step
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(chunk, samples[off:end])
		for i := n; i < step; i++ {
			chunk[i] = 0
		}
		size, err := enc.Encode(chunk, out)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", len(frames), err)
		}
		frames = append(frames, append([]byte(nil), out[:size]...))
	}
	return frames, nil
}

// SessionConns looks voice connections up on a discordgo session.
func SessionConns(s *discordgo.Session) Conns {
	return func(guildID string) Sender {
		s.RLock()
		vc, ok := s.VoiceConnections[guildID]
		s.RUnlock()
		if !ok || vc == nil || vc.OpusSend == nil {
			return nil
		}
		return voiceSender{vc: vc}
	}
}

type voiceSender struct {
	vc *discordgo.VoiceConnection
}

func (v voiceSender) Speaking(on bool) error { return v.vc.Speaking(on) }

func (v voiceSender) Send(ctx context.Context, frame []byte) error {
	t := time.NewTimer(sendTimeout)
	defer t.Stop()
	select {
	case v.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errSendTimeout
	}
}
