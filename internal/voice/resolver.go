package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NoopResolver returns empty names; used in tests and when REST lookups are
// unwanted.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string { return "" }

// resolverTTL bounds how long a cached name is trusted.
var resolverTTL = 5 * time.Minute

type nameEntry struct {
	val    string
	expiry time.Time
}

// discordResolver resolves speaker ids to display names with a small TTL
// cache in front of the gateway state and the REST API.
type discordResolver struct {
	s       *discordgo.Session
	guildID string

	mu    sync.Mutex
	cache map[string]nameEntry
}

func NewDiscordResolver(s *discordgo.Session, guildID string) NameResolver {
	return &discordResolver{s: s, guildID: guildID, cache: make(map[string]nameEntry)}
}

func (d *discordResolver) UserName(speakerID string) string {
	if d.s == nil || speakerID == "" {
		return ""
	}
	d.mu.Lock()
	if e, ok := d.cache[speakerID]; ok {
		if time.Now().Before(e.expiry) {
			d.mu.Unlock()
			return e.val
		}
		delete(d.cache, speakerID)
	}
	d.mu.Unlock()

	name := d.lookup(speakerID)
	if name != "" {
		d.mu.Lock()
		d.cache[speakerID] = nameEntry{val: name, expiry: time.Now().Add(resolverTTL)}
		d.mu.Unlock()
	}
	return name
}

// lookup prefers the guild nickname from gateway state and falls back to a
// REST user fetch.
func (d *discordResolver) lookup(speakerID string) string {
	if d.s.State != nil && d.guildID != "" {
		if m, err := d.s.State.Member(d.guildID, speakerID); err == nil && m != nil {
			if m.Nick != "" {
				return m.Nick
			}
			if m.User != nil && m.User.Username != "" {
				return m.User.Username
			}
		}
	}
	if u, err := d.s.User(speakerID); err == nil && u != nil {
		return u.Username
	}
	return ""
}
