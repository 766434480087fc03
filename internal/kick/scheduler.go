// Package kick arms, cancels and fires the deferred silence removals.
//
// A Scheduler is owned by a single goroutine. Timer expiries never touch
// scheduler state directly: they are handed to a Dispatch function that
// runs the firing on the owning goroutine, where it revalidates everything
// before removing anyone.
package kick

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/discord-silence-kick/internal/clock"
	"github.com/discord-silence-kick/internal/logging"
	"github.com/discord-silence-kick/internal/metrics"
)

// Room identifies one voice channel.
type Room struct {
	GuildID   string
	ChannelID string
}

// Platform is what the scheduler needs from the chat platform.
type Platform interface {
	// ActorInRoom reports whether the bot's own voice connection is in room.
	ActorInRoom(room Room) bool
	// InRoom reports whether the participant is currently in room.
	InRoom(participantID string, room Room) bool
	// Remove disconnects the participant from voice.
	Remove(ctx context.Context, room Room, participantID string) error
	// PlayCue plays the attention cue in room without blocking.
	PlayCue(room Room)
}

// Names resolves display names for logs. Optional.
type Names interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// Dispatch runs fn on the goroutine that owns the scheduler.
type Dispatch func(fn func(ctx context.Context))

// Reason says why a participant became eligible.
type Reason string

const (
	ReasonJoined Reason = "joined"
	ReasonMoved  Reason = "moved"
)

// Config sets the removal deadlines.
type Config struct {
	BaseTimeout    time.Duration
	Increment      time.Duration
	RemovalTimeout time.Duration
}

// Action is a pending removal. Cancel is safe to call any number of times,
// including after the action fired.
type Action struct {
	ID            uuid.UUID
	ParticipantID string
	Room          Room
	Deadline      time.Time

	timer clock.Timer
	done  atomic.Bool
}

// Cancel stops the action and reports whether this call did so.
func (a *Action) Cancel() bool {
	if a == nil || !a.done.CompareAndSwap(false, true) {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	return true
}

// Done reports whether the action was cancelled or has fired.
func (a *Action) Done() bool { return a.done.Load() }

type participantState struct {
	eligible bool
	room     Room
	action   *Action
}

// Scheduler holds per-participant kick state. Penalties live apart from the
// rest so they survive departures.
type Scheduler struct {
	cfg      Config
	clock    clock.Clock
	platform Platform
	dispatch Dispatch
	names    Names

	states    map[string]*participantState
	penalties map[string]int
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithNames sets the resolver used to decorate log lines.
func WithNames(n Names) Option { return func(s *Scheduler) { s.names = n } }

// NewScheduler builds a Scheduler. dispatch must eventually run every
// function it receives on the goroutine that calls the Scheduler's methods.
func NewScheduler(cfg Config, platform Platform, dispatch Dispatch, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		clock:     clock.Real{},
		platform:  platform,
		dispatch:  dispatch,
		states:    make(map[string]*participantState),
		penalties: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) fields(participantID string, kv ...interface{}) []interface{} {
	name := ""
	if s.names != nil {
		name = s.names.UserName(participantID)
	}
	return logging.With(logging.ParticipantFields(participantID, name), kv...)
}

func (s *Scheduler) roomFields(room Room, kv ...interface{}) []interface{} {
	var guild, channel string
	if s.names != nil {
		guild = s.names.GuildName(room.GuildID)
		channel = s.names.ChannelName(room.ChannelID)
	}
	fields := logging.With(logging.GuildFields(room.GuildID, guild), logging.ChannelFields(room.ChannelID, channel)...)
	return logging.With(fields, kv...)
}

// MarkEligible makes the participant removable for silence in room. A move
// cancels any earlier armed action so the participant starts a fresh window.
func (s *Scheduler) MarkEligible(participantID string, room Room, reason Reason) {
	st, ok := s.states[participantID]
	if !ok {
		st = &participantState{}
		s.states[participantID] = st
	}
	if reason == ReasonMoved && st.action != nil {
		s.cancel(st, "moved")
	}
	st.eligible = true
	st.room = room
	logging.Debugw("participant eligible", s.fields(participantID, s.roomFields(room, "reason", string(reason))...)...)
}

// Arm schedules the participant's removal. It is a logged no-op unless the
// participant is eligible and the bot is in the participant's room. An
// action that is already armed is replaced.
func (s *Scheduler) Arm(participantID string) bool {
	st, ok := s.states[participantID]
	if !ok || !st.eligible {
		logging.Infow("arm skipped: participant not eligible", s.fields(participantID)...)
		metrics.RecordArm("skipped_ineligible")
		return false
	}
	if !s.platform.ActorInRoom(st.room) {
		logging.Infow("arm skipped: bot not in participant's channel", s.fields(participantID, s.roomFields(st.room)...)...)
		metrics.RecordArm("skipped_absent")
		return false
	}
	if st.action != nil {
		s.cancel(st, "rearmed")
	}

	s.platform.PlayCue(st.room)

	timeout := s.Timeout(participantID)
	a := &Action{
		ID:            uuid.New(),
		ParticipantID: participantID,
		Room:          st.room,
		Deadline:      s.clock.Now().Add(timeout),
	}
	a.timer = s.clock.AfterFunc(timeout, func() {
		s.dispatch(func(ctx context.Context) { s.fire(ctx, a) })
	})
	st.action = a
	metrics.RecordArm("armed")
	s.syncGauge()

	logging.Infow("removal armed", s.fields(participantID, s.roomFields(a.Room,
		"episode", a.ID.String(),
		"timeout_ms", timeout.Milliseconds(),
		"penalty", s.penalties[participantID],
	)...)...)
	return true
}

// Disarm is called when the participant's speech is confirmed. It cancels
// any armed action, ends eligibility until the next join or move, and
// clears the participant's penalty.
func (s *Scheduler) Disarm(participantID string) bool {
	cancelled := false
	if st, ok := s.states[participantID]; ok {
		if st.action != nil {
			cancelled = s.cancel(st, "speech")
		}
		delete(s.states, participantID)
	}
	if s.penalties[participantID] > 0 {
		logging.Debugw("penalty cleared", s.fields(participantID, "penalty", s.penalties[participantID])...)
	}
	delete(s.penalties, participantID)
	if cancelled {
		logging.Infow("removal cancelled: speech confirmed", s.fields(participantID)...)
	}
	return cancelled
}

// OnDeparture drops the participant's kick state. The penalty is kept.
func (s *Scheduler) OnDeparture(participantID string) {
	st, ok := s.states[participantID]
	if !ok {
		return
	}
	if st.action != nil {
		s.cancel(st, "departed")
	}
	delete(s.states, participantID)
	logging.Debugw("participant departed", s.fields(participantID)...)
}

// CancelAll cancels every armed action and forgets every eligibility. It is
// used when the bot itself leaves or is moved out of its channel. It
// returns how many actions were cancelled.
func (s *Scheduler) CancelAll(reason string) int {
	n := 0
	for id, st := range s.states {
		if st.action != nil && s.cancel(st, reason) {
			n++
		}
		delete(s.states, id)
	}
	s.syncGauge()
	if n > 0 {
		logging.Infow("all pending removals cancelled", "reason", reason, "count", n)
	}
	return n
}

// fire runs on the owning goroutine when a's deadline passes.
func (s *Scheduler) fire(ctx context.Context, a *Action) {
	id := a.ParticipantID
	st, ok := s.states[id]
	if !ok || st.action != a {
		// cancelled, or replaced by a newer action, after the timer expired
		logging.Debugw("stale removal ignored", s.fields(id, "episode", a.ID.String())...)
		return
	}
	a.done.Store(true)
	// The episode ends here whatever the outcome.
	delete(s.states, id)
	s.syncGauge()

	fields := s.fields(id, s.roomFields(a.Room, "episode", a.ID.String())...)
	switch {
	case !st.eligible:
		logging.Infow("removal aborted: participant no longer eligible", fields...)
		metrics.RecordRemoval("aborted", 0)
		return
	case !s.platform.ActorInRoom(a.Room):
		logging.Infow("removal aborted: bot left the channel", fields...)
		metrics.RecordRemoval("aborted", 0)
		return
	case !s.platform.InRoom(id, a.Room):
		logging.Infow("removal aborted: participant not in channel", fields...)
		metrics.RecordRemoval("aborted", 0)
		return
	}

	rctx := ctx
	if s.cfg.RemovalTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.cfg.RemovalTimeout)
		defer cancel()
	}
	start := time.Now()
	err := s.platform.Remove(rctx, a.Room, id)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		logging.Errorw("removal failed", logging.With(fields, "error", err)...)
		metrics.RecordRemoval("failed", elapsed)
		return
	}
	s.penalties[id]++
	metrics.RecordRemoval("removed", elapsed)
	logging.Infow("participant removed for silence", logging.With(fields, "penalty", s.penalties[id])...)
}

func (s *Scheduler) cancel(st *participantState, reason string) bool {
	a := st.action
	st.action = nil
	ok := a.Cancel()
	if ok {
		metrics.RecordCancelled(reason)
		logging.Debugw("removal cancelled", s.fields(a.ParticipantID, "episode", a.ID.String(), "reason", reason)...)
	}
	s.syncGauge()
	return ok
}

func (s *Scheduler) syncGauge() {
	metrics.SetArmedActions(s.ArmedCount())
}

// Timeout returns the grace period the participant would get if armed now.
func (s *Scheduler) Timeout(participantID string) time.Duration {
	return s.cfg.BaseTimeout + time.Duration(s.penalties[participantID])*s.cfg.Increment
}

// Eligible reports whether the participant may currently be armed.
func (s *Scheduler) Eligible(participantID string) bool {
	st, ok := s.states[participantID]
	return ok && st.eligible
}

// Armed returns the participant's pending action, or nil.
func (s *Scheduler) Armed(participantID string) *Action {
	if st, ok := s.states[participantID]; ok {
		return st.action
	}
	return nil
}

// Penalty returns how many times the participant has been removed since
// they last spoke.
func (s *Scheduler) Penalty(participantID string) int {
	return s.penalties[participantID]
}

// ArmedCount returns how many actions are pending.
func (s *Scheduler) ArmedCount() int {
	n := 0
	for _, st := range s.states {
		if st.action != nil {
			n++
		}
	}
	return n
}
