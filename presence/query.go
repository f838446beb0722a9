package presence

import (
	"context"
	"time"

	"github.com/hearthbot/hearth/db"
	"github.com/hearthbot/hearth/telemetry"
)

// UserSummary is the per-user view served to commands: accumulated time with
// any open session folded in, plus standing within the guild.
type UserSummary struct {
	UserID    string
	GuildID   string
	Effective time.Duration
	Sessions  int64
	Rank      int
	Online    bool
	Since     time.Time // session start when Online
}

// LeaderboardEntry is one row of the guild ranking.
type LeaderboardEntry struct {
	UserID    string
	Effective time.Duration
	Sessions  int64
	Online    bool
}

// Summary returns a user's accumulated time and rank. The second return is
// false when the user has never been tracked in the guild.
func (t *Tracker) Summary(ctx context.Context, userID, guildID string) (UserSummary, bool, error) {
	now := t.now()
	rec, found, err := db.GetRecord(ctx, t.dbc, userID, guildID)
	if err != nil || !found {
		return UserSummary{}, false, err
	}
	rank, err := db.RankAt(ctx, t.dbc, rec, now)
	if err != nil {
		return UserSummary{}, false, err
	}
	s := UserSummary{
		UserID:    rec.UserID,
		GuildID:   rec.GuildID,
		Effective: rec.EffectiveTime(now),
		Sessions:  rec.Sessions,
		Rank:      rank,
		Online:    rec.Open(),
		Since:     rec.SessionStart,
	}
	return s, true, nil
}

// Leaderboard returns up to limit users ranked by effective time. Ties break
// by earlier first-seen time, then user ID, matching Summary's rank.
func (t *Tracker) Leaderboard(ctx context.Context, guildID string, limit int) ([]LeaderboardEntry, error) {
	now := t.now()
	recs, err := db.ListByGuild(ctx, t.dbc, guildID, now, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]LeaderboardEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, LeaderboardEntry{
			UserID:    r.UserID,
			Effective: r.EffectiveTime(now),
			Sessions:  r.Sessions,
			Online:    r.Open(),
		})
	}
	return entries, nil
}

// ActiveSessions lists the open sessions for one guild, longest-running first.
func (t *Tracker) ActiveSessions(guildID string) []ActiveSession {
	all := t.cache.snapshot()
	out := make([]ActiveSession, 0, len(all))
	for _, s := range all {
		if s.GuildID == guildID {
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Start.Before(out[j-1].Start); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// GuildStats aggregates tracked-time figures for a guild.
func (t *Tracker) GuildStats(ctx context.Context, guildID string) (db.GuildStats, error) {
	return db.Stats(ctx, t.dbc, guildID, t.now())
}

// ResetUser removes a user's accumulated time and any open session. Used by
// the admin reset command and member-departure cleanup.
func (t *Tracker) ResetUser(ctx context.Context, userID, guildID string) error {
	t.cache.close(userID, guildID)
	telemetry.SetActiveSessions(t.cache.len())
	return db.DeleteUser(ctx, t.dbc, userID, guildID)
}

// ResetGuild removes all tracked time for a guild.
func (t *Tracker) ResetGuild(ctx context.Context, guildID string) error {
	t.cache.dropGuild(guildID)
	telemetry.SetActiveSessions(t.cache.len())
	return db.DeleteGuild(ctx, t.dbc, guildID)
}
