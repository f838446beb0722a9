// Package rewards grants XP for voice presence and chat activity. Grants are
// side effects of presence tracking and must never block it: every entry point
// swallows its own errors after logging.
package rewards

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hearthbot/hearth/presence"
	"github.com/hearthbot/hearth/telemetry"
)

const (
	messageXPFloor  = 10
	messageXPSpan   = 15 // message grant is 10..24
	messageCooldown = 60 * time.Second

	joinBonus    = 5
	joinCooldown = 5 * time.Minute

	tickBonus = 2
)

type grantKey struct {
	userID  string
	guildID string
	source  string
}

// Engine writes XP grants to the user_levels table with per-source rate
// limiting, so a flood of one signal kind cannot farm XP.
type Engine struct {
	dbc *sql.DB
	now func() time.Time

	mu        sync.Mutex
	lastGrant map[grantKey]time.Time
}

// NewEngine builds an Engine over the given database handle.
func NewEngine(dbc *sql.DB) *Engine {
	return &Engine{
		dbc:       dbc,
		now:       time.Now,
		lastGrant: make(map[grantKey]time.Time),
	}
}

// LevelFor converts accumulated XP to a level. Level n needs 50*n*(n+1) total
// XP, so each level costs 100 XP more than the one before.
func LevelFor(xp int64) int {
	if xp <= 0 {
		return 0
	}
	return int((math.Sqrt(float64(2500+200*xp)) - 50) / 100)
}

// allow reports whether a grant from source may fire now, and records it.
func (e *Engine) allow(userID, guildID, source string, minInterval time.Duration) bool {
	key := grantKey{userID, guildID, source}
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastGrant[key]; ok && now.Sub(last) < minInterval {
		return false
	}
	if len(e.lastGrant) > 8192 {
		for k, last := range e.lastGrant {
			if now.Sub(last) > time.Hour {
				delete(e.lastGrant, k)
			}
		}
	}
	e.lastGrant[key] = now
	return true
}

// grant credits amount XP and recomputes the stored level. Returns the levels
// before and after so callers can announce level-ups.
func (e *Engine) grant(ctx context.Context, userID, guildID string, amount int) (before, after int, err error) {
	if _, err = e.dbc.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_levels (user_id, guild_id, xp, level) VALUES (?, ?, 0, 0)`,
		userID, guildID); err != nil {
		return 0, 0, err
	}

	var xp int64
	var level int
	if err = e.dbc.QueryRowContext(ctx,
		`SELECT xp, level FROM user_levels WHERE user_id = ? AND guild_id = ?`,
		userID, guildID).Scan(&xp, &level); err != nil {
		return 0, 0, err
	}

	xp += int64(amount)
	before, after = level, LevelFor(xp)
	if _, err = e.dbc.ExecContext(ctx,
		`UPDATE user_levels SET xp = ?, level = ?, last_xp_gain = ? WHERE user_id = ? AND guild_id = ?`,
		xp, after, e.now().Unix(), userID, guildID); err != nil {
		return 0, 0, err
	}
	telemetry.Inc(telemetry.RewardsGranted)
	return before, after, nil
}

// VoiceJoined pays a flat bonus for entering voice, rate limited so channel
// hopping cannot farm it. Implements the tracker's reward sink.
func (e *Engine) VoiceJoined(ctx context.Context, userID, guildID string) {
	if !e.allow(userID, guildID, "voice_join", joinCooldown) {
		return
	}
	if _, _, err := e.grant(ctx, userID, guildID, joinBonus); err != nil {
		slog.Error("voice join grant failed",
			slog.String("user", userID), slog.String("guild", guildID),
			slog.Any("err", err), slog.String("component", "rewards"))
	}
}

// VoiceElapsed pays one XP per full minute of a credited presence segment.
// Implements the tracker's reward sink.
func (e *Engine) VoiceElapsed(ctx context.Context, userID, guildID string, elapsed time.Duration) {
	minutes := int(elapsed / time.Minute)
	if minutes <= 0 {
		return
	}
	if !e.allow(userID, guildID, "voice", time.Minute) {
		return
	}
	if _, _, err := e.grant(ctx, userID, guildID, minutes); err != nil {
		slog.Error("voice time grant failed",
			slog.String("user", userID), slog.String("guild", guildID),
			slog.Any("err", err), slog.String("component", "rewards"))
	}
}

// Message pays random XP for a chat message, at most once per cooldown window.
// Returns whether the grant crossed a level boundary and the new level.
func (e *Engine) Message(ctx context.Context, userID, guildID string) (leveledUp bool, level int, err error) {
	if !e.allow(userID, guildID, "message", messageCooldown) {
		return false, 0, nil
	}
	amount := messageXPFloor + rand.Intn(messageXPSpan)
	before, after, err := e.grant(ctx, userID, guildID, amount)
	if err != nil {
		return false, 0, err
	}
	return after > before, after, nil
}

// Standing returns a user's XP and level; found=false when never rewarded.
func (e *Engine) Standing(ctx context.Context, userID, guildID string) (xp int64, level int, found bool, err error) {
	err = e.dbc.QueryRowContext(ctx,
		`SELECT xp, level FROM user_levels WHERE user_id = ? AND guild_id = ?`,
		userID, guildID).Scan(&xp, &level)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return xp, level, true, nil
}

// ResetUser removes a user's XP record, mirroring the presence reset.
func (e *Engine) ResetUser(ctx context.Context, userID, guildID string) error {
	_, err := e.dbc.ExecContext(ctx,
		`DELETE FROM user_levels WHERE user_id = ? AND guild_id = ?`, userID, guildID)
	return err
}

// ResetGuild removes all XP records for a guild.
func (e *Engine) ResetGuild(ctx context.Context, guildID string) error {
	_, err := e.dbc.ExecContext(ctx, `DELETE FROM user_levels WHERE guild_id = ?`, guildID)
	return err
}

// StartVoiceTickJob pays a small presence bonus to every open session each
// interval. The per-source limiter caps it at one grant per interval even if
// ticks overlap. Runs until ctx is cancelled; call in a goroutine.
func (e *Engine) StartVoiceTickJob(ctx context.Context, interval time.Duration, snapshot func() []presence.ActiveSession) {
	if interval <= 0 {
		slog.Info("voice reward tick disabled", slog.String("component", "rewards"))
		return
	}
	slog.Info("voice reward tick started",
		slog.Duration("interval", interval), slog.String("component", "rewards"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("voice reward tick stopped", slog.String("component", "rewards"))
			return
		case <-ticker.C:
			for _, s := range snapshot() {
				if !e.allow(s.UserID, s.GuildID, "voice_tick", interval) {
					continue
				}
				if _, _, err := e.grant(ctx, s.UserID, s.GuildID, tickBonus); err != nil {
					slog.Error("voice tick grant failed",
						slog.String("user", s.UserID), slog.String("guild", s.GuildID),
						slog.Any("err", err), slog.String("component", "rewards"))
				}
			}
		}
	}
}
