// Package voice turns the bot's incoming Opus packets into per-speaker
// frame energies.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"
	"golang.org/x/time/rate"

	"github.com/discord-silence-kick/internal/clock"
	"github.com/discord-silence-kick/internal/logging"
	"github.com/discord-silence-kick/internal/metrics"
	"github.com/discord-silence-kick/internal/vad"
)

const (
	// SampleRate is Discord's Opus clock rate.
	SampleRate = 48000
	// Channels is the channel count Discord sends.
	Channels = 2
	// frameSamples is the largest per-channel frame Opus produces (120ms).
	frameSamples = SampleRate / 1000 * 120
)

// Sink receives router output. Implementations must not block.
type Sink interface {
	PostEnergy(participantID string, energy float64, at time.Time)
	PostStreamEnd(participantID string)
}

// Decoder decodes one Opus packet into interleaved 16-bit PCM and returns
// the number of samples per channel.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// DecoderFactory opens a decoder for a new stream.
type DecoderFactory func() (Decoder, error)

// OpusDecoders returns a factory for libopus decoders.
func OpusDecoders(sampleRate, channels int) DecoderFactory {
	return func() (Decoder, error) {
		return opus.NewDecoder(sampleRate, channels)
	}
}

// errEmptyPacket is reported for packets with no payload.
var errEmptyPacket = errors.New("voice: empty opus packet")

// transientDecodeError reports whether err only spoils the current frame.
func transientDecodeError(err error) bool {
	return errors.Is(err, opus.ErrInvalidPacket) || errors.Is(err, errEmptyPacket)
}

// Config parameterises a Router.
type Config struct {
	Channels      int
	IdleTimeout   time.Duration
	DebugInterval time.Duration
}

// stream is one speaker's open audio subscription.
type stream struct {
	ssrc    uint32
	userID  string
	dec     Decoder
	pcm     []int16
	opened  time.Time
	last    time.Time
	frames  int
	limiter *rate.Limiter
}

// Router maps SSRCs to users, decodes each speaker's packets and forwards
// the frame energy to a Sink. A stream opens on the first packet from a
// mapped SSRC and closes when the speaker goes idle, stops speaking, leaves,
// or hits an unexpected decode error.
type Router struct {
	cfg        Config
	sink       Sink
	newDecoder DecoderFactory
	clock      clock.Clock
	names      Names

	mu      sync.Mutex
	ssrcMap map[uint32]string
	streams map[uint32]*stream
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithDecoders replaces the libopus decoder factory.
func WithDecoders(f DecoderFactory) RouterOption { return func(r *Router) { r.newDecoder = f } }

// WithRouterClock replaces the wall clock.
func WithRouterClock(c clock.Clock) RouterOption { return func(r *Router) { r.clock = c } }

// WithRouterNames sets the resolver used to decorate log lines.
func WithRouterNames(n Names) RouterOption { return func(r *Router) { r.names = n } }

// NewRouter builds a Router feeding sink.
func NewRouter(cfg Config, sink Sink, opts ...RouterOption) *Router {
	if cfg.Channels < 1 {
		cfg.Channels = Channels
	}
	r := &Router{
		cfg:     cfg,
		sink:    sink,
		clock:   clock.Real{},
		names:   NoopNames{},
		ssrcMap: make(map[uint32]string),
		streams: make(map[uint32]*stream),
	}
	r.newDecoder = OpusDecoders(SampleRate, cfg.Channels)
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleSpeakingUpdate maps the SSRC to its user. It has the signature of a
// discordgo voice connection handler.
func (r *Router) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	ssrc := uint32(su.SSRC)
	var ended []*stream

	r.mu.Lock()
	prev := r.ssrcMap[ssrc]
	r.ssrcMap[ssrc] = su.UserID
	if st, ok := r.streams[ssrc]; ok && (prev != su.UserID || !su.Speaking) {
		ended = append(ended, r.detachLocked(st))
	}
	r.mu.Unlock()

	if prev != su.UserID {
		logging.Infow("mapped SSRC to user", logging.With(logging.ParticipantFields(su.UserID, r.names.UserName(su.UserID)), "ssrc", ssrc)...)
	}
	r.finish(ended, "speaking stopped")
}

// Forget closes every stream of the user and drops their SSRC mappings.
// Called when the user leaves the bot's channel.
func (r *Router) Forget(userID string) {
	var ended []*stream
	r.mu.Lock()
	for ssrc, uid := range r.ssrcMap {
		if uid != userID {
			continue
		}
		delete(r.ssrcMap, ssrc)
		if st, ok := r.streams[ssrc]; ok {
			ended = append(ended, r.detachLocked(st))
		}
	}
	r.mu.Unlock()
	r.finish(ended, "participant left")
}

// Listen feeds packets from recv until it is closed or ctx is done.
func (r *Router) Listen(ctx context.Context, recv <-chan *discordgo.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			r.ProcessOpusFrame(pkt.SSRC, pkt.Opus)
		}
	}
}

// ProcessOpusFrame decodes one packet and forwards its energy. Packets from
// SSRCs with no known user are dropped.
func (r *Router) ProcessOpusFrame(ssrc uint32, payload []byte) {
	now := r.clock.Now()

	r.mu.Lock()
	uid := r.ssrcMap[ssrc]
	if uid == "" {
		r.mu.Unlock()
		logging.Debugw("dropping packet from unmapped SSRC", "ssrc", ssrc)
		return
	}
	st, ok := r.streams[ssrc]
	if !ok {
		dec, err := r.newDecoder()
		if err != nil {
			r.mu.Unlock()
			logging.Errorw("opening decoder failed", logging.With(logging.ParticipantFields(uid, r.names.UserName(uid)), "ssrc", ssrc, "error", err)...)
			return
		}
		st = &stream{
			ssrc:    ssrc,
			userID:  uid,
			dec:     dec,
			pcm:     make([]int16, frameSamples*r.cfg.Channels),
			opened:  now,
			limiter: rate.NewLimiter(rate.Every(r.debugInterval()), 1),
		}
		r.streams[ssrc] = st
		metrics.SetActiveStreams(len(r.streams))
		logging.Debugw("stream opened", logging.With(logging.ParticipantFields(uid, r.names.UserName(uid)), "ssrc", ssrc)...)
	}
	st.last = now

	var n int
	var err error
	if len(payload) == 0 {
		err = errEmptyPacket
	} else {
		n, err = st.dec.Decode(payload, st.pcm)
	}
	if err != nil {
		if transientDecodeError(err) {
			r.mu.Unlock()
			metrics.RecordDecodeError()
			logging.Debugw("dropping corrupt frame", "user.id", uid, "ssrc", ssrc, "error", err)
			return
		}
		ended := r.detachLocked(st)
		r.mu.Unlock()
		metrics.RecordDecodeError()
		logging.Errorw("decode failed, closing stream", "user.id", uid, "ssrc", ssrc, "error", err)
		r.finish([]*stream{ended}, "decode error")
		return
	}
	st.frames++
	energy := vad.FrameEnergy(st.pcm[:n*r.cfg.Channels], r.cfg.Channels)
	logEnergy := st.limiter.AllowN(now, 1)
	frames := st.frames
	r.mu.Unlock()

	if logEnergy {
		logging.Debugw("frame energy", "user.id", uid, "ssrc", ssrc, "energy", energy, "frames", frames)
	}
	r.sink.PostEnergy(uid, energy, now)
}

// Sweep closes every stream idle for longer than the idle timeout and
// returns how many it closed.
func (r *Router) Sweep(now time.Time) int {
	var ended []*stream
	r.mu.Lock()
	for _, st := range r.streams {
		if now.Sub(st.last) > r.cfg.IdleTimeout {
			ended = append(ended, r.detachLocked(st))
		}
	}
	r.mu.Unlock()
	r.finish(ended, "idle")
	return len(ended)
}

// RunSweeper calls Sweep on a ticker until ctx is done.
func (r *Router) RunSweeper(ctx context.Context) error {
	interval := r.cfg.IdleTimeout / 3
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Close ends every open stream.
func (r *Router) Close() {
	var ended []*stream
	r.mu.Lock()
	for _, st := range r.streams {
		ended = append(ended, r.detachLocked(st))
	}
	r.mu.Unlock()
	r.finish(ended, "shutdown")
}

// Streams returns how many streams are open.
func (r *Router) Streams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// UserFor returns the user mapped to ssrc.
func (r *Router) UserFor(ssrc uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.ssrcMap[ssrc]
	return uid, ok
}

func (r *Router) debugInterval() time.Duration {
	if r.cfg.DebugInterval <= 0 {
		return 500 * time.Millisecond
	}
	return r.cfg.DebugInterval
}

func (r *Router) detachLocked(st *stream) *stream {
	delete(r.streams, st.ssrc)
	metrics.SetActiveStreams(len(r.streams))
	return st
}

// finish reports ended streams to the sink. Must be called without r.mu.
func (r *Router) finish(ended []*stream, reason string) {
	for _, st := range ended {
		logging.Debugw("stream closed", "user.id", st.userID, "ssrc", st.ssrc, "reason", reason,
			"frames", st.frames, "duration_ms", st.last.Sub(st.opened).Milliseconds())
		r.sink.PostStreamEnd(st.userID)
	}
}
