package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one session ledger row: accumulated voice time for a (user, guild)
// pair plus the open-session marker. A non-zero SessionStart means the engine
// currently believes the user is connected.
type Record struct {
	UserID       string
	GuildID      string
	TotalTime    time.Duration
	SessionStart time.Time // zero when no session is open
	Sessions     int64
	CreatedAt    time.Time
}

// Open reports whether the record carries an open session marker.
func (r Record) Open() bool { return !r.SessionStart.IsZero() }

// EffectiveTime is the accumulated total plus the elapsed portion of an open
// session, evaluated at now. Negative elapsed (clock skew) counts as zero.
func (r Record) EffectiveTime(now time.Time) time.Duration {
	if !r.Open() {
		return r.TotalTime
	}
	elapsed := now.Sub(r.SessionStart)
	if elapsed < 0 {
		elapsed = 0
	}
	return r.TotalTime + elapsed
}

// effectiveExpr computes effective time in SQL. The bound parameter is the unix
// timestamp of "now". max() clamps clock skew the same way EffectiveTime does.
const effectiveExpr = `CASE WHEN session_start IS NOT NULL
	THEN total_time + MAX(0, ? - session_start)
	ELSE total_time END`

// EnsureRecord lazily creates the ledger row with zero accumulated time. It is
// a no-op for existing rows, so cold start and duplicate delivery are safe.
func EnsureRecord(ctx context.Context, dbc *sql.DB, userID, guildID string) error {
	_, err := dbc.ExecContext(ctx,
		`INSERT OR IGNORE INTO voice_time (user_id, guild_id, total_time, sessions) VALUES (?, ?, 0, 0)`,
		userID, guildID)
	return err
}

// OpenSession opens a session at start and bumps the session counter. The
// update is guarded on session_start IS NULL so a duplicate Join can never
// double-open or double-count; it reports whether this call opened the session.
func OpenSession(ctx context.Context, dbc *sql.DB, userID, guildID string, start time.Time) (bool, error) {
	if err := EnsureRecord(ctx, dbc, userID, guildID); err != nil {
		return false, fmt.Errorf("ensure record: %w", err)
	}
	res, err := dbc.ExecContext(ctx,
		`UPDATE voice_time SET session_start = ?, sessions = sessions + 1
		 WHERE user_id = ? AND guild_id = ? AND session_start IS NULL`,
		start.Unix(), userID, guildID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CloseSession credits elapsed to the total and clears the open marker. Guarded
// on session_start IS NOT NULL: closing an already-closed session is a no-op,
// reported via the bool so the caller can record the inconsistency.
func CloseSession(ctx context.Context, dbc *sql.DB, userID, guildID string, elapsed time.Duration) (bool, error) {
	if elapsed < 0 {
		elapsed = 0
	}
	res, err := dbc.ExecContext(ctx,
		`UPDATE voice_time SET total_time = total_time + ?, session_start = NULL
		 WHERE user_id = ? AND guild_id = ? AND session_start IS NOT NULL`,
		int64(elapsed.Seconds()), userID, guildID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RolloverSession atomically closes and reopens a session within one row:
// elapsed is credited and the marker restarts at newStart. The session counter
// is untouched (a channel move or sweep boundary is not a new session). Used
// for Moves, the periodic sweep, and the shutdown flush, which all must not
// double-credit across the boundary.
func RolloverSession(ctx context.Context, dbc *sql.DB, userID, guildID string, elapsed time.Duration, newStart time.Time) (bool, error) {
	if elapsed < 0 {
		elapsed = 0
	}
	res, err := dbc.ExecContext(ctx,
		`UPDATE voice_time SET total_time = total_time + ?, session_start = ?
		 WHERE user_id = ? AND guild_id = ? AND session_start IS NOT NULL`,
		int64(elapsed.Seconds()), newStart.Unix(), userID, guildID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetRecord returns the ledger row for the key; found=false when absent.
func GetRecord(ctx context.Context, dbc *sql.DB, userID, guildID string) (Record, bool, error) {
	row := dbc.QueryRowContext(ctx,
		`SELECT user_id, guild_id, total_time, session_start, sessions, created_at
		 FROM voice_time WHERE user_id = ? AND guild_id = ?`,
		userID, guildID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ListByGuild returns guild records with positive effective time, ordered by
// effective time descending. Ties resolve by created_at then user_id, so the
// ordering is stable across repeated calls. limit <= 0 means no limit.
func ListByGuild(ctx context.Context, dbc *sql.DB, guildID string, now time.Time, limit int) ([]Record, error) {
	q := `SELECT user_id, guild_id, total_time, session_start, sessions, created_at
		 FROM voice_time
		 WHERE guild_id = ? AND ` + effectiveExpr + ` > 0
		 ORDER BY ` + effectiveExpr + ` DESC, created_at ASC, user_id ASC`
	args := []any{guildID, now.Unix(), now.Unix()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := dbc.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OpenSessions returns every row with an open marker, across all guilds. Used
// by the startup reconciliation pass.
func OpenSessions(ctx context.Context, dbc *sql.DB) ([]Record, error) {
	rows, err := dbc.QueryContext(ctx,
		`SELECT user_id, guild_id, total_time, session_start, sessions, created_at
		 FROM voice_time WHERE session_start IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RankAt returns the 1-based leaderboard position of the target record in its
// guild at now: one plus the number of records that order before it (strictly
// greater effective time, or equal time with earlier insertion). Consistent
// with ListByGuild's ordering by construction.
func RankAt(ctx context.Context, dbc *sql.DB, target Record, now time.Time) (int, error) {
	eff := int64(target.EffectiveTime(now).Seconds())
	var ahead int
	err := dbc.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voice_time
		 WHERE guild_id = ? AND user_id <> ?
		 AND (`+effectiveExpr+` > ?
			OR (`+effectiveExpr+` = ?
				AND (created_at < ? OR (created_at = ? AND user_id < ?))))`,
		target.GuildID, target.UserID,
		now.Unix(), eff,
		now.Unix(), eff,
		target.CreatedAt.Unix(), target.CreatedAt.Unix(), target.UserID,
	).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// GuildStats aggregates a guild's ledger at now.
type GuildStats struct {
	Users       int           // rows with any recorded time
	Online      int           // rows with an open session
	Total       time.Duration // sum of effective time
	Average     time.Duration // mean effective time per user
	Max         time.Duration // largest individual effective time
	ActiveToday int           // sessions opened within the last 24h
}

// Stats computes guild aggregates in two round trips.
func Stats(ctx context.Context, dbc *sql.DB, guildID string, now time.Time) (GuildStats, error) {
	var s GuildStats
	var total, avg, max sql.NullFloat64
	err := dbc.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COUNT(CASE WHEN session_start IS NOT NULL THEN 1 END),
			SUM(`+effectiveExpr+`),
			AVG(`+effectiveExpr+`),
			MAX(`+effectiveExpr+`)
		 FROM voice_time WHERE guild_id = ? AND `+effectiveExpr+` > 0`,
		now.Unix(), now.Unix(), now.Unix(), guildID, now.Unix(),
	).Scan(&s.Users, &s.Online, &total, &avg, &max)
	if err != nil {
		return GuildStats{}, err
	}
	s.Total = time.Duration(total.Float64) * time.Second
	s.Average = time.Duration(avg.Float64) * time.Second
	s.Max = time.Duration(max.Float64) * time.Second

	dayAgo := now.Add(-24 * time.Hour).Unix()
	if err := dbc.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM voice_time WHERE guild_id = ? AND session_start > ?`,
		guildID, dayAgo,
	).Scan(&s.ActiveToday); err != nil {
		return GuildStats{}, err
	}
	return s, nil
}

// DeleteUser removes the ledger row for one (user, guild) key. Backs both the
// explicit admin reset and member-departure cleanup; irreversible.
func DeleteUser(ctx context.Context, dbc *sql.DB, userID, guildID string) error {
	_, err := dbc.ExecContext(ctx,
		`DELETE FROM voice_time WHERE user_id = ? AND guild_id = ?`, userID, guildID)
	return err
}

// DeleteGuild removes every ledger row for a guild. Irreversible.
func DeleteGuild(ctx context.Context, dbc *sql.DB, guildID string) error {
	_, err := dbc.ExecContext(ctx, `DELETE FROM voice_time WHERE guild_id = ?`, guildID)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var total, created int64
	var start sql.NullInt64
	if err := row.Scan(&rec.UserID, &rec.GuildID, &total, &start, &rec.Sessions, &created); err != nil {
		return Record{}, err
	}
	rec.TotalTime = time.Duration(total) * time.Second
	rec.CreatedAt = time.Unix(created, 0).UTC()
	if start.Valid {
		rec.SessionStart = time.Unix(start.Int64, 0).UTC()
	}
	return rec, nil
}
