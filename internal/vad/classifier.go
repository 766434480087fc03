// Package vad decides, per participant, when a stream of frame energies
// amounts to real speech rather than background noise or mic artifacts.
package vad

import "time"

// minAboveRatio is the share of frames in a run that must reach the speech
// threshold before a sustained run counts as speech.
const minAboveRatio = 0.5

// Config holds the classifier thresholds. Energies are RMS amplitudes of
// 16-bit samples; nothing here has a built-in default.
type Config struct {
	// Floor: anything below is treated as silence and wipes the current run.
	Floor float64
	// Threshold: frames at or above it are speech candidates.
	Threshold float64
	// Strong: a single frame at or above it confirms immediately.
	Strong float64
	// Sustain is the minimum run length before a run can confirm.
	Sustain time.Duration
	// Cooldown suppresses all classification after a confirmation.
	Cooldown time.Duration
	// Window is the smoothing window, in frames, used by Observe.
	Window int
}

// Path says which rule produced a confirmation.
type Path int

const (
	PathFast Path = iota + 1
	PathSustained
)

func (p Path) String() string {
	switch p {
	case PathFast:
		return "fast"
	case PathSustained:
		return "sustained"
	default:
		return "unknown"
	}
}

// Confirmation is emitted once per detected speech onset.
type Confirmation struct {
	ParticipantID string
	Path          Path
	Energy        float64
	Sustained     time.Duration
	Ratio         float64
	At            time.Time
}

// State is one participant's classification state. Zero times mean unset.
// FramesAbove <= FramesTotal always holds and both are zero while
// RisingSince is unset.
type State struct {
	RisingSince   time.Time
	LastAbove     time.Time
	CooldownUntil time.Time
	FramesAbove   int
	FramesTotal   int
}

func (s *State) clearRun() {
	s.RisingSince = time.Time{}
	s.LastAbove = time.Time{}
	s.FramesAbove = 0
	s.FramesTotal = 0
}

// Classifier is the per-participant voice activity state machine. It is not
// safe for concurrent use; the coordinator drives it from one goroutine.
type Classifier struct {
	cfg       Config
	smoother  *Smoother
	states    map[string]*State
	onConfirm func(Confirmation)
}

// NewClassifier builds a Classifier. onConfirm may be nil.
func NewClassifier(cfg Config, onConfirm func(Confirmation)) *Classifier {
	return &Classifier{
		cfg:       cfg,
		smoother:  NewSmoother(cfg.Window),
		states:    make(map[string]*State),
		onConfirm: onConfirm,
	}
}

// Observe smooths a raw frame energy and classifies the smoothed value.
func (c *Classifier) Observe(participantID string, raw float64, now time.Time) bool {
	return c.Process(participantID, c.smoother.Observe(participantID, Clamp(raw)), now)
}

// Process classifies one smoothed energy value observed at now and reports
// whether it confirmed speech. Rules, first match wins:
//
//  1. inside the cooldown window: ignored, no state change
//  2. energy >= Strong: confirm
//  3. energy < Floor: the run is wiped
//  4. Floor <= energy < Threshold: the frame only counts toward the run total
//  5. energy >= Threshold: the run is extended and confirms once it has lasted
//     Sustain with at least half its frames above Threshold
func (c *Classifier) Process(participantID string, energy float64, now time.Time) bool {
	st := c.state(participantID)
	if !st.CooldownUntil.IsZero() && now.Before(st.CooldownUntil) {
		return false
	}

	switch {
	case energy >= c.cfg.Strong:
		c.confirm(st, Confirmation{ParticipantID: participantID, Path: PathFast, Energy: energy, At: now})
		return true
	case energy < c.cfg.Floor:
		st.clearRun()
		return false
	case energy < c.cfg.Threshold:
		// Sub-threshold frames dilute the ratio of an active run. Outside a
		// run the count would be zeroed when the next run starts anyway.
		if !st.RisingSince.IsZero() {
			st.FramesTotal++
		}
		st.LastAbove = time.Time{}
		return false
	}

	if st.RisingSince.IsZero() {
		st.RisingSince = now
		st.FramesAbove = 0
		st.FramesTotal = 0
	}
	st.LastAbove = now
	st.FramesAbove++
	st.FramesTotal++

	sustained := now.Sub(st.RisingSince)
	ratio := float64(st.FramesAbove) / float64(st.FramesTotal)
	if sustained < c.cfg.Sustain || ratio < minAboveRatio {
		return false
	}
	c.confirm(st, Confirmation{
		ParticipantID: participantID,
		Path:          PathSustained,
		Energy:        energy,
		Sustained:     sustained,
		Ratio:         ratio,
		At:            now,
	})
	return true
}

func (c *Classifier) confirm(st *State, conf Confirmation) {
	st.clearRun()
	st.CooldownUntil = conf.At.Add(c.cfg.Cooldown)
	// The window restarts so the frames that triggered this confirmation do
	// not carry into the next decision.
	c.smoother.Reset(conf.ParticipantID)
	if c.onConfirm != nil {
		c.onConfirm(conf)
	}
}

func (c *Classifier) state(participantID string) *State {
	st, ok := c.states[participantID]
	if !ok {
		st = &State{}
		c.states[participantID] = st
	}
	return st
}

// Reset forgets everything about the participant, including smoothing
// history and any pending cooldown.
func (c *Classifier) Reset(participantID string) {
	delete(c.states, participantID)
	c.smoother.Reset(participantID)
}

// State returns a copy of the participant's state.
func (c *Classifier) State(participantID string) (State, bool) {
	st, ok := c.states[participantID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Tracked reports how many participants currently hold state.
func (c *Classifier) Tracked() int { return len(c.states) }
