package presence

import (
	"sync"
	"time"
)

// ActiveSession is one entry of the active session cache: the engine's current
// belief that a user is connected, and since when.
type ActiveSession struct {
	UserID  string
	GuildID string
	Start   time.Time
}

type cacheKey struct{ user, guild string }

// sessionCache mirrors currently-open sessions in process memory. It is never
// the source of truth for accumulated time, only for open-session freshness;
// it is rebuilt from the ledger at startup. Critical sections are map-op
// sized, so ledger round trips never hold the lock.
type sessionCache struct {
	mu       sync.Mutex
	sessions map[cacheKey]time.Time
}

func newSessionCache() *sessionCache {
	return &sessionCache{sessions: make(map[cacheKey]time.Time)}
}

// open registers an open session. It reports false without overwriting when
// the key already has one, which is what makes duplicate Joins a no-op.
func (c *sessionCache) open(userID, guildID string, start time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{userID, guildID}
	if _, ok := c.sessions[k]; ok {
		return false
	}
	c.sessions[k] = start
	return true
}

// close removes the entry and returns its start time; ok=false when the key
// had no open session (already closed, or the marker was lost).
func (c *sessionCache) close(userID, guildID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{userID, guildID}
	start, ok := c.sessions[k]
	if ok {
		delete(c.sessions, k)
	}
	return start, ok
}

// restamp moves an existing entry's start, returning the previous start.
// ok=false (and no entry created) when the key has no open session.
func (c *sessionCache) restamp(userID, guildID string, start time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{userID, guildID}
	prev, ok := c.sessions[k]
	if !ok {
		return time.Time{}, false
	}
	c.sessions[k] = start
	return prev, true
}

// snapshot copies the current open sessions.
func (c *sessionCache) snapshot() []ActiveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ActiveSession, 0, len(c.sessions))
	for k, start := range c.sessions {
		out = append(out, ActiveSession{UserID: k.user, GuildID: k.guild, Start: start})
	}
	return out
}

// dropGuild removes every entry for a guild (guild reset).
func (c *sessionCache) dropGuild(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.sessions {
		if k.guild == guildID {
			delete(c.sessions, k)
		}
	}
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
