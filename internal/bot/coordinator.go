// Package bot wires the classifier and the kick scheduler to Discord.
//
// Every piece of per-participant state lives on the Coordinator's single
// event loop. Gateway handlers, the audio router and timer expiries only
// post events to it.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/discord-silence-kick/internal/clock"
	"github.com/discord-silence-kick/internal/kick"
	"github.com/discord-silence-kick/internal/logging"
	"github.com/discord-silence-kick/internal/metrics"
	"github.com/discord-silence-kick/internal/vad"
)

// ErrStopped is returned by Do once the event loop has exited.
var ErrStopped = errors.New("bot: coordinator stopped")

// Config parameterises a Coordinator.
type Config struct {
	VAD       vad.Config
	Kick      kick.Config
	QueueSize int
}

type event func(ctx context.Context)

// Coordinator owns the classifier and the scheduler and runs every state
// transition on one goroutine.
type Coordinator struct {
	events     chan event
	done       chan struct{}
	classifier *vad.Classifier
	scheduler  *kick.Scheduler
	names      kick.Names
}

// Option customises a Coordinator.
type Option func(*options)

type options struct {
	clock clock.Clock
	names kick.Names
}

// WithClock replaces the wall clock used for timers.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithNames sets the resolver used to decorate log lines.
func WithNames(n kick.Names) Option { return func(o *options) { o.names = n } }

// NewCoordinator builds a Coordinator whose scheduler acts on platform.
func NewCoordinator(cfg Config, platform kick.Platform, opts ...Option) *Coordinator {
	o := options{clock: clock.Real{}}
	for _, fn := range opts {
		fn(&o)
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	c := &Coordinator{
		events: make(chan event, size),
		done:   make(chan struct{}),
		names:  o.names,
	}
	kopts := []kick.Option{kick.WithClock(o.clock)}
	if o.names != nil {
		kopts = append(kopts, kick.WithNames(o.names))
	}
	c.scheduler = kick.NewScheduler(cfg.Kick, platform, c.Dispatch, kopts...)
	c.classifier = vad.NewClassifier(cfg.VAD, c.onConfirm)
	return c
}

// Run drains events until ctx is done. It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	logging.Infow("coordinator started", "queue_size", cap(c.events))
	for {
		select {
		case <-ctx.Done():
			n := c.scheduler.CancelAll("shutdown")
			logging.Infow("coordinator stopped", "cancelled", n)
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("event handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	ev(ctx)
}

// post queues ev, waiting for room unless the loop has exited.
func (c *Coordinator) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Dispatch queues fn to run on the event loop. It is the scheduler's timer
// hook.
func (c *Coordinator) Dispatch(fn func(ctx context.Context)) {
	if !c.post(fn) {
		logging.Debugw("dispatch after shutdown dropped")
	}
}

// Do runs fn on the event loop and waits for it to finish.
func (c *Coordinator) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ev := func(context.Context) {
		defer close(finished)
		fn()
	}
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostEnergy queues one frame energy. It never blocks: when the queue is
// full the frame is dropped.
func (c *Coordinator) PostEnergy(participantID string, energy float64, at time.Time) {
	ev := func(context.Context) {
		c.classifier.Observe(participantID, energy, at)
	}
	select {
	case c.events <- ev:
	default:
		metrics.RecordDroppedEvent()
	}
}

// PostStreamEnd resets the participant's audio state.
func (c *Coordinator) PostStreamEnd(participantID string) {
	c.post(func(context.Context) {
		c.classifier.Reset(participantID)
	})
}

// Joined handles a participant entering room.
func (c *Coordinator) Joined(participantID string, room kick.Room) {
	c.post(func(context.Context) {
		c.classifier.Reset(participantID)
		c.scheduler.MarkEligible(participantID, room, kick.ReasonJoined)
		c.scheduler.Arm(participantID)
	})
}

// Moved handles a participant switching channels.
func (c *Coordinator) Moved(participantID string, from, to kick.Room) {
	c.post(func(context.Context) {
		logging.Debugw("participant moved", "user.id", participantID, "from", from.ChannelID, "to", to.ChannelID)
		c.scheduler.MarkEligible(participantID, to, kick.ReasonMoved)
		c.scheduler.Arm(participantID)
	})
}

// Left handles a participant leaving voice entirely.
func (c *Coordinator) Left(participantID string) {
	c.post(func(context.Context) {
		c.scheduler.OnDeparture(participantID)
		c.classifier.Reset(participantID)
	})
}

// ActorLeft handles the bot leaving or being moved out of its channel.
func (c *Coordinator) ActorLeft(reason string) {
	c.post(func(context.Context) {
		c.scheduler.CancelAll(reason)
	})
}

func (c *Coordinator) onConfirm(conf vad.Confirmation) {
	metrics.RecordConfirmation(conf.Path.String())
	name := ""
	if c.names != nil {
		name = c.names.UserName(conf.ParticipantID)
	}
	logging.Infow("speech confirmed", logging.With(logging.ParticipantFields(conf.ParticipantID, name),
		"path", conf.Path.String(),
		"energy", conf.Energy,
		"sustained_ms", conf.Sustained.Milliseconds(),
		"ratio", conf.Ratio,
	)...)
	c.scheduler.Disarm(conf.ParticipantID)
}

// Scheduler exposes the scheduler. Only use it from inside Do.
func (c *Coordinator) Scheduler() *kick.Scheduler { return c.scheduler }

// Classifier exposes the classifier. Only use it from inside Do.
func (c *Coordinator) Classifier() *vad.Classifier { return c.classifier }
