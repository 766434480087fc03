package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-silence-kick/internal/clock"
)

// Names resolves ids to human-friendly names for log lines. Lookups never
// hit the network: they run on the event loop and must not block.
type Names interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// cacheTTL controls how long a remembered user name is valid.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

// DiscordNames answers from the session state cache plus user names learned
// from voice state updates.
type DiscordNames struct {
	s     *discordgo.Session
	clock clock.Clock

	mu    sync.Mutex
	users map[string]cacheEntry
}

// NewDiscordNames returns a resolver backed by s. s may be nil.
func NewDiscordNames(s *discordgo.Session) *DiscordNames {
	return &DiscordNames{s: s, clock: clock.Real{}, users: make(map[string]cacheEntry)}
}

// Remember records a display name seen on a gateway event.
func (d *DiscordNames) Remember(userID, name string) {
	if userID == "" || name == "" {
		return
	}
	d.mu.Lock()
	d.users[userID] = cacheEntry{val: name, expiry: d.clock.Now().Add(cacheTTL)}
	d.mu.Unlock()
}

// RememberMember records the best display name carried by m.
func (d *DiscordNames) RememberMember(m *discordgo.Member) {
	if m == nil || m.User == nil {
		return
	}
	name := m.Nick
	if name == "" {
		name = m.User.GlobalName
	}
	if name == "" {
		name = m.User.Username
	}
	d.Remember(m.User.ID, name)
}

func (d *DiscordNames) UserName(userID string) string {
	if userID == "" {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[userID]
	if !ok {
		return ""
	}
	if d.clock.Now().After(e.expiry) {
		delete(d.users, userID)
		return ""
	}
	return e.val
}

func (d *DiscordNames) GuildName(guildID string) string {
	if d.s == nil || d.s.State == nil || guildID == "" {
		return ""
	}
	if g, err := d.s.State.Guild(guildID); err == nil && g != nil {
		return g.Name
	}
	return ""
}

func (d *DiscordNames) ChannelName(channelID string) string {
	if d.s == nil || d.s.State == nil || channelID == "" {
		return ""
	}
	if c, err := d.s.State.Channel(channelID); err == nil && c != nil {
		return c.Name
	}
	return ""
}

// NoopNames resolves nothing.
type NoopNames struct{}

func (NoopNames) UserName(string) string    { return "" }
func (NoopNames) GuildName(string) string   { return "" }
func (NoopNames) ChannelName(string) string { return "" }
