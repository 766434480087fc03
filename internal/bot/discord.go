package bot

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-silence-kick/internal/kick"
	"github.com/discord-silence-kick/internal/logging"
)

// Events receives membership changes. The Coordinator implements it.
type Events interface {
	Joined(participantID string, room kick.Room)
	Moved(participantID string, from, to kick.Room)
	Left(participantID string)
	ActorLeft(reason string)
}

// Forgetter drops a departed user's audio streams.
type Forgetter interface {
	Forget(userID string)
}

// CuePlayer plays the attention cue into a guild's voice connection.
type CuePlayer interface {
	Play(guildID string)
}

// NameCache learns display names from gateway events and names guilds in
// adapter logs.
type NameCache interface {
	RememberMember(m *discordgo.Member)
	GuildName(guildID string) string
}

// gateway is the slice of the Discord session the adapter reads and acts on.
type gateway interface {
	SelfID() string
	// ActorChannel returns the channel of the bot's ready voice connection
	// in the guild, or "".
	ActorChannel(guildID string) string
	// MemberChannel returns the user's current voice channel, or "".
	MemberChannel(guildID, userID string) string
	Disconnect(ctx context.Context, guildID, userID string) error
}

// Discord translates gateway voice events into Events and implements
// kick.Platform on top of the session.
type Discord struct {
	gw     gateway
	events Events
	router Forgetter
	cue    CuePlayer
	names  NameCache

	mu   sync.Mutex
	last map[string]string // guildID/userID -> channelID
}

// NewDiscord builds the adapter for s. events may be set later with
// SetEvents because the Coordinator needs the adapter as its platform.
func NewDiscord(s *discordgo.Session, cue CuePlayer) *Discord {
	return newDiscord(sessionGateway{s: s}, cue)
}

func newDiscord(gw gateway, cue CuePlayer) *Discord {
	return &Discord{gw: gw, cue: cue, last: make(map[string]string)}
}

// SetEvents sets the receiver of membership changes.
func (d *Discord) SetEvents(e Events) { d.events = e }

// SetRouter sets the audio router told about departures.
func (d *Discord) SetRouter(f Forgetter) { d.router = f }

// SetNames sets the cache fed with member names.
func (d *Discord) SetNames(n NameCache) { d.names = n }

// HandleVoiceState classifies a voice state update as a join, move or
// leave. Other bots are ignored; the bot's own departures cancel every
// pending removal.
func (d *Discord) HandleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || d.events == nil {
		return
	}
	if d.names != nil && vs.Member != nil {
		d.names.RememberMember(vs.Member)
	}

	prev := d.swapLast(vs.GuildID, vs.UserID, vs.ChannelID)
	if vs.BeforeUpdate != nil {
		prev = vs.BeforeUpdate.ChannelID
	}
	cur := vs.ChannelID
	if prev == cur {
		// mute, deafen or stream toggles
		return
	}

	if vs.UserID == d.gw.SelfID() {
		if prev != "" {
			reason := "actor_left"
			if cur != "" {
				reason = "actor_moved"
			}
			guildName := ""
			if d.names != nil {
				guildName = d.names.GuildName(vs.GuildID)
			}
			logging.Infow("bot left its channel, cancelling pending removals",
				logging.With(logging.GuildFields(vs.GuildID, guildName), "from", prev, "to", cur)...)
			d.events.ActorLeft(reason)
		}
		return
	}
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}

	switch {
	case prev == "":
		d.events.Joined(vs.UserID, kick.Room{GuildID: vs.GuildID, ChannelID: cur})
	case cur == "":
		if d.router != nil {
			d.router.Forget(vs.UserID)
		}
		d.events.Left(vs.UserID)
	default:
		d.events.Moved(vs.UserID,
			kick.Room{GuildID: vs.GuildID, ChannelID: prev},
			kick.Room{GuildID: vs.GuildID, ChannelID: cur})
	}
}

func (d *Discord) swapLast(guildID, userID, channelID string) string {
	key := guildID + "/" + userID
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.last[key]
	if channelID == "" {
		delete(d.last, key)
	} else {
		d.last[key] = channelID
	}
	return prev
}

// Seed records the channels of users already in voice so their first
// update is classified correctly.
func (d *Discord) Seed(states []*discordgo.VoiceState) {
	for _, vs := range states {
		if vs == nil || vs.ChannelID == "" {
			continue
		}
		d.swapLast(vs.GuildID, vs.UserID, vs.ChannelID)
	}
}

func (d *Discord) ActorInRoom(room kick.Room) bool {
	ch := d.gw.ActorChannel(room.GuildID)
	return ch != "" && ch == room.ChannelID
}

func (d *Discord) InRoom(participantID string, room kick.Room) bool {
	return d.gw.MemberChannel(room.GuildID, participantID) == room.ChannelID
}

func (d *Discord) Remove(ctx context.Context, room kick.Room, participantID string) error {
	return d.gw.Disconnect(ctx, room.GuildID, participantID)
}

func (d *Discord) PlayCue(room kick.Room) {
	if d.cue == nil {
		return
	}
	d.cue.Play(room.GuildID)
}

// sessionGateway reads the session's state cache and voice connections.
type sessionGateway struct {
	s *discordgo.Session
}

func (g sessionGateway) SelfID() string {
	if g.s == nil || g.s.State == nil || g.s.State.User == nil {
		return ""
	}
	return g.s.State.User.ID
}

func (g sessionGateway) ActorChannel(guildID string) string {
	g.s.RLock()
	vc, ok := g.s.VoiceConnections[guildID]
	g.s.RUnlock()
	if !ok || vc == nil {
		return ""
	}
	vc.RLock()
	defer vc.RUnlock()
	if !vc.Ready {
		return ""
	}
	return vc.ChannelID
}

func (g sessionGateway) MemberChannel(guildID, userID string) string {
	if g.s.State == nil {
		return ""
	}
	vs, err := g.s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (g sessionGateway) Disconnect(ctx context.Context, guildID, userID string) error {
	return g.s.GuildMemberMove(guildID, userID, nil, discordgo.WithContext(ctx))
}
