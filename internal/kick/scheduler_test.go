package kick

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/discord-silence-kick/internal/clock"
	"github.com/discord-silence-kick/internal/logging"
)

var (
	lobby = Room{GuildID: "g1", ChannelID: "lobby"}
	quiet = Room{GuildID: "g1", ChannelID: "quiet"}
)

type fakePlatform struct {
	actorIn     map[Room]bool
	members     map[string]Room
	removeErr   error
	removed     []string
	cues        []Room
	hadDeadline bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		actorIn: map[Room]bool{lobby: true},
		members: map[string]Room{},
	}
}

func (p *fakePlatform) ActorInRoom(room Room) bool { return p.actorIn[room] }

func (p *fakePlatform) InRoom(id string, room Room) bool {
	r, ok := p.members[id]
	return ok && r == room
}

func (p *fakePlatform) Remove(ctx context.Context, _ Room, id string) error {
	_, p.hadDeadline = ctx.Deadline()
	if p.removeErr != nil {
		return p.removeErr
	}
	p.removed = append(p.removed, id)
	delete(p.members, id)
	return nil
}

func (p *fakePlatform) PlayCue(room Room) { p.cues = append(p.cues, room) }

// harness queues dispatched firings so tests control when they reach the
// scheduler, the way the coordinator's event loop does.
type harness struct {
	clk      *clock.Manual
	platform *fakePlatform
	sched    *Scheduler
	queue    []func(context.Context)
}

func newHarness() *harness {
	h := &harness{
		clk:      clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		platform: newFakePlatform(),
	}
	h.sched = NewScheduler(Config{
		BaseTimeout:    2000 * time.Millisecond,
		Increment:      500 * time.Millisecond,
		RemovalTimeout: time.Second,
	}, h.platform, func(fn func(context.Context)) {
		h.queue = append(h.queue, fn)
	}, WithClock(h.clk))
	return h
}

func (h *harness) drain() {
	for len(h.queue) > 0 {
		fn := h.queue[0]
		h.queue = h.queue[1:]
		fn(context.Background())
	}
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.drain()
}

func (h *harness) join(id string, room Room) bool {
	h.platform.members[id] = room
	h.sched.MarkEligible(id, room, ReasonJoined)
	return h.sched.Arm(id)
}

func TestSilentParticipantIsRemovedAtDeadline(t *testing.T) {
	h := newHarness()
	require.True(t, h.join("u1", lobby))
	assert.Equal(t, []Room{lobby}, h.platform.cues)

	h.advance(1999 * time.Millisecond)
	assert.Empty(t, h.platform.removed)

	h.advance(time.Millisecond)
	assert.Equal(t, []string{"u1"}, h.platform.removed)
	assert.Equal(t, 1, h.sched.Penalty("u1"))
	assert.False(t, h.sched.Eligible("u1"))
	assert.Nil(t, h.sched.Armed("u1"))
	assert.True(t, h.platform.hadDeadline)
}

func TestDisarmBeforeFirePreventsRemoval(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	a := h.sched.Armed("u1")
	require.NotNil(t, a)

	h.advance(1999 * time.Millisecond)
	assert.True(t, h.sched.Disarm("u1"))
	assert.True(t, a.Done())
	assert.False(t, h.sched.Eligible("u1"))

	h.advance(time.Second)
	assert.Empty(t, h.platform.removed)
}

func TestDisarmRacingExpiredTimerStillWins(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)

	// the timer expires and its firing is queued behind the confirmation
	h.clk.Advance(2 * time.Second)
	require.Len(t, h.queue, 1)
	h.sched.Disarm("u1")
	h.drain()

	assert.Empty(t, h.platform.removed)
	assert.Zero(t, h.sched.Penalty("u1"))
}

func TestDisarmAfterFireHasNoEffect(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	h.advance(2 * time.Second)
	require.Equal(t, []string{"u1"}, h.platform.removed)

	assert.False(t, h.sched.Disarm("u1"))
	assert.Equal(t, []string{"u1"}, h.platform.removed)
}

func TestPenaltyEscalatesAndResetsOnSpeech(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	h.advance(2 * time.Second)
	require.Equal(t, 1, h.sched.Penalty("u1"))

	start := h.clk.Now()
	h.join("u1", lobby)
	a := h.sched.Armed("u1")
	require.NotNil(t, a)
	assert.Equal(t, 2500*time.Millisecond, a.Deadline.Sub(start))

	h.advance(2499 * time.Millisecond)
	assert.Len(t, h.platform.removed, 1)
	h.advance(time.Millisecond)
	assert.Len(t, h.platform.removed, 2)
	assert.Equal(t, 2, h.sched.Penalty("u1"))
	assert.Equal(t, 3000*time.Millisecond, h.sched.Timeout("u1"))

	h.join("u1", lobby)
	h.sched.Disarm("u1")
	assert.Zero(t, h.sched.Penalty("u1"))
	assert.Equal(t, 2000*time.Millisecond, h.sched.Timeout("u1"))
}

func TestArmSkippedWhenBotAbsent(t *testing.T) {
	h := newHarness()
	assert.False(t, h.join("u1", quiet))
	assert.Empty(t, h.platform.cues)
	assert.Nil(t, h.sched.Armed("u1"))
	assert.True(t, h.sched.Eligible("u1"))
	assert.Zero(t, h.clk.Pending())
}

func TestArmSkippedWhenNotEligible(t *testing.T) {
	h := newHarness()
	assert.False(t, h.sched.Arm("ghost"))

	h.join("u1", lobby)
	h.sched.Disarm("u1")
	assert.False(t, h.sched.Arm("u1"))
	assert.Empty(t, h.platform.cues[1:])
}

func TestMoveGivesFreshWindow(t *testing.T) {
	h := newHarness()
	h.platform.actorIn[quiet] = true
	h.join("u1", lobby)
	first := h.sched.Armed("u1")

	h.advance(1500 * time.Millisecond)
	h.platform.members["u1"] = quiet
	h.sched.MarkEligible("u1", quiet, ReasonMoved)
	assert.True(t, first.Done())
	require.True(t, h.sched.Arm("u1"))

	h.advance(1000 * time.Millisecond)
	assert.Empty(t, h.platform.removed)
	h.advance(1000 * time.Millisecond)
	assert.Equal(t, []string{"u1"}, h.platform.removed)
}

func TestStaleFiringAfterMoveIsIgnored(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)

	// the first deadline expires, then a move rearms before the firing runs
	h.clk.Advance(2 * time.Second)
	require.Len(t, h.queue, 1)
	h.sched.MarkEligible("u1", lobby, ReasonMoved)
	require.True(t, h.sched.Arm("u1"))
	h.drain()

	assert.Empty(t, h.platform.removed)
	assert.NotNil(t, h.sched.Armed("u1"))
}

func TestFireAbortsWhenParticipantLeftRoom(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	delete(h.platform.members, "u1")

	h.advance(2 * time.Second)
	assert.Empty(t, h.platform.removed)
	assert.Zero(t, h.sched.Penalty("u1"))
	assert.Nil(t, h.sched.Armed("u1"))
	assert.False(t, h.sched.Eligible("u1"))
}

func TestFireAbortsWhenBotLeft(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	h.platform.actorIn[lobby] = false

	h.advance(2 * time.Second)
	assert.Empty(t, h.platform.removed)
	assert.False(t, h.sched.Eligible("u1"))
	assert.Nil(t, h.sched.Armed("u1"))

	// a later arm needs a fresh join or move
	h.platform.actorIn[lobby] = true
	assert.False(t, h.sched.Arm("u1"))
}

func TestFailedRemovalEndsEpisode(t *testing.T) {
	h := newHarness()
	h.platform.removeErr = errors.New("missing permissions")
	h.join("u1", lobby)

	h.advance(2 * time.Second)
	assert.Empty(t, h.platform.removed)
	assert.Zero(t, h.sched.Penalty("u1"))
	assert.False(t, h.sched.Eligible("u1"))
	assert.Nil(t, h.sched.Armed("u1"))

	// no retry
	h.advance(10 * time.Second)
	assert.Zero(t, h.clk.Pending())
}

func TestDepartureKeepsPenalty(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	h.advance(2 * time.Second)

	h.join("u1", lobby)
	a := h.sched.Armed("u1")
	h.sched.OnDeparture("u1")
	assert.True(t, a.Done())
	assert.False(t, h.sched.Eligible("u1"))
	assert.Equal(t, 1, h.sched.Penalty("u1"))

	h.advance(5 * time.Second)
	assert.Len(t, h.platform.removed, 1)
}

func TestSpeakThenRejoinArmsFreshTimer(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	h.advance(100 * time.Millisecond)
	h.sched.Disarm("u1")
	assert.Nil(t, h.sched.Armed("u1"))
	assert.False(t, h.sched.Eligible("u1"))

	h.sched.OnDeparture("u1")
	require.True(t, h.join("u1", lobby))
	assert.True(t, h.sched.Eligible("u1"))
	assert.Equal(t, h.clk.Now().Add(2*time.Second), h.sched.Armed("u1").Deadline)
}

func TestRearmReplacesAction(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	first := h.sched.Armed("u1")
	h.sched.MarkEligible("u1", lobby, ReasonJoined)
	require.True(t, h.sched.Arm("u1"))

	assert.True(t, first.Done())
	assert.NotEqual(t, first.ID, h.sched.Armed("u1").ID)
	assert.Equal(t, 1, h.sched.ArmedCount())
	assert.Equal(t, 1, h.clk.Pending())
}

func TestCancelAll(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	h.join("u2", lobby)
	h.join("u3", quiet)

	assert.Equal(t, 2, h.sched.CancelAll("actor_left"))
	assert.Zero(t, h.sched.ArmedCount())
	assert.False(t, h.sched.Eligible("u3"))

	h.advance(5 * time.Second)
	assert.Empty(t, h.platform.removed)
}

func TestActionCancelIsIdempotent(t *testing.T) {
	h := newHarness()
	h.join("u1", lobby)
	a := h.sched.Armed("u1")

	assert.True(t, a.Cancel())
	assert.False(t, a.Cancel())
	var nilAction *Action
	assert.False(t, nilAction.Cancel())
}

type fixedNames map[string]string

func (n fixedNames) UserName(id string) string    { return n["user/"+id] }
func (n fixedNames) GuildName(id string) string   { return n["guild/"+id] }
func (n fixedNames) ChannelName(id string) string { return n["channel/"+id] }

func TestLogsCarryRoomNames(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logging.SetLogger(zap.New(core).Sugar())
	t.Cleanup(func() { logging.SetLogger(nil) })

	h := newHarness()
	h.sched.names = fixedNames{"user/u1": "alice", "guild/g1": "Guild", "channel/lobby": "Lobby"}
	require.True(t, h.join("u1", lobby))

	armed := logs.FilterMessage("removal armed").All()
	require.Len(t, armed, 1)
	ctx := armed[0].ContextMap()
	assert.Equal(t, "alice", ctx["user.name"])
	assert.Equal(t, "g1", ctx["guild.id"])
	assert.Equal(t, "Guild", ctx["guild.name"])
	assert.Equal(t, "lobby", ctx["channel.id"])
	assert.Equal(t, "Lobby", ctx["channel.name"])
}
