package presence

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hearthbot/hearth/db"
	"github.com/hearthbot/hearth/telemetry"
)

// RewardSink consumes the rate-limited reward signal emitted alongside session
// transitions. Implementations must absorb their own failures; the tracker
// never lets a reward grant block or fail a state transition.
type RewardSink interface {
	VoiceJoined(ctx context.Context, userID, guildID string)
	VoiceElapsed(ctx context.Context, userID, guildID string, elapsed time.Duration)
}

// Tracker is the presence engine: it applies classified voice transitions to
// the session ledger and the active session cache. Events for different
// (user, guild) keys may be handled concurrently; correctness relies on the
// ledger's guarded single-row updates plus the cache's atomic map operations,
// not on callers serializing delivery.
type Tracker struct {
	dbc     *sql.DB
	cache   *sessionCache
	rewards RewardSink
	now     func() time.Time

	retryAttempts int
	retryWait     time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRewardSink attaches a reward consumer.
func WithRewardSink(r RewardSink) Option { return func(t *Tracker) { t.rewards = r } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithRetryPolicy sets attempts and initial wait for transient ledger
// failures. Wait doubles per attempt.
func WithRetryPolicy(attempts int, wait time.Duration) Option {
	return func(t *Tracker) { t.retryAttempts = attempts; t.retryWait = wait }
}

// NewTracker builds a Tracker over the given ledger handle.
func NewTracker(dbc *sql.DB, opts ...Option) *Tracker {
	t := &Tracker{
		dbc:           dbc,
		cache:         newSessionCache(),
		now:           time.Now,
		retryAttempts: 3,
		retryWait:     100 * time.Millisecond,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// HandleEvent applies one transition. It never returns an error: persistence
// failures are retried, then logged and dropped (a small accounting gap is
// preferable to halting ingestion), and malformed or duplicate events are
// absorbed per policy.
func (t *Tracker) HandleEvent(ctx context.Context, ev Event) {
	kind := ev.Kind()
	if kind == KindNone {
		return
	}
	ctx, span := telemetry.StartSpan(ctx, "presence", "ingest."+kind.String())
	defer span.End()
	telemetry.TimeFunc(telemetry.IngestDuration, func() {
		switch kind {
		case KindJoin:
			t.handleJoin(ctx, ev)
		case KindLeave:
			t.handleLeave(ctx, ev)
		case KindMove:
			t.handleMove(ctx, ev)
		}
	})
	telemetry.SetActiveSessions(t.cache.len())
}

func (t *Tracker) handleJoin(ctx context.Context, ev Event) {
	if !t.cache.open(ev.UserID, ev.GuildID, ev.Timestamp) {
		telemetry.Inc(telemetry.DuplicateJoins)
		slog.Debug("duplicate join ignored",
			slog.String("user", ev.UserID), slog.String("guild", ev.GuildID),
			slog.String("component", "presence"))
		return
	}
	t.persistOpen(ctx, ev.UserID, ev.GuildID, ev.Timestamp)
	telemetry.Inc(telemetry.SessionsOpened)
	if t.rewards != nil {
		t.rewards.VoiceJoined(ctx, ev.UserID, ev.GuildID)
	}
}

// persistOpen opens the ledger marker. When the row already carries an open
// marker with no matching cache entry (stale leftover from a lost Leave or a
// crash raced with reconciliation), the stale session resolves to a
// zero-elapsed close before the fresh open.
func (t *Tracker) persistOpen(ctx context.Context, userID, guildID string, start time.Time) {
	var opened bool
	err := t.withRetry(ctx, "open session", func(ctx context.Context) error {
		var err error
		opened, err = db.OpenSession(ctx, t.dbc, userID, guildID, start)
		return err
	})
	if err != nil {
		return
	}
	if !opened {
		telemetry.Inc(telemetry.Inconsistencies)
		slog.Warn("join found stale open marker; closing with zero elapsed",
			slog.String("user", userID), slog.String("guild", guildID),
			slog.String("component", "presence"))
		_ = t.withRetry(ctx, "resolve stale marker", func(ctx context.Context) error {
			if _, err := db.CloseSession(ctx, t.dbc, userID, guildID, 0); err != nil {
				return err
			}
			_, err := db.OpenSession(ctx, t.dbc, userID, guildID, start)
			return err
		})
	}
}

func (t *Tracker) handleLeave(ctx context.Context, ev Event) {
	start, had := t.cache.close(ev.UserID, ev.GuildID)
	var elapsed time.Duration
	if had {
		elapsed = t.clampElapsed(ev.Timestamp, start, ev.UserID, ev.GuildID)
	} else {
		telemetry.Inc(telemetry.Inconsistencies)
		slog.Warn("leave without open session; crediting zero elapsed",
			slog.String("user", ev.UserID), slog.String("guild", ev.GuildID),
			slog.String("component", "presence"))
	}

	var closed bool
	err := t.withRetry(ctx, "close session", func(ctx context.Context) error {
		var err error
		closed, err = db.CloseSession(ctx, t.dbc, ev.UserID, ev.GuildID, elapsed)
		return err
	})
	if err == nil && !closed && had {
		// Cache said open but the ledger marker was already gone.
		telemetry.Inc(telemetry.Inconsistencies)
		slog.Warn("ledger had no open marker on leave",
			slog.String("user", ev.UserID), slog.String("guild", ev.GuildID),
			slog.String("component", "presence"))
	}
	telemetry.Inc(telemetry.SessionsClosed)
	if had && elapsed > 0 && t.rewards != nil {
		t.rewards.VoiceElapsed(ctx, ev.UserID, ev.GuildID, elapsed)
	}
}

func (t *Tracker) handleMove(ctx context.Context, ev Event) {
	prev, had := t.cache.restamp(ev.UserID, ev.GuildID, ev.Timestamp)
	if !had {
		// Missed the Join; the move proves the user is connected, so open a
		// genuine session now.
		telemetry.Inc(telemetry.Inconsistencies)
		slog.Warn("move without open session; opening fresh",
			slog.String("user", ev.UserID), slog.String("guild", ev.GuildID),
			slog.String("component", "presence"))
		t.cache.open(ev.UserID, ev.GuildID, ev.Timestamp)
		t.persistOpen(ctx, ev.UserID, ev.GuildID, ev.Timestamp)
		return
	}

	elapsed := t.clampElapsed(ev.Timestamp, prev, ev.UserID, ev.GuildID)
	var rolled bool
	err := t.withRetry(ctx, "rollover session", func(ctx context.Context) error {
		var err error
		rolled, err = db.RolloverSession(ctx, t.dbc, ev.UserID, ev.GuildID, elapsed, ev.Timestamp)
		return err
	})
	if err == nil && !rolled {
		// Ledger lost the marker (likely a dropped write at join); restore it.
		telemetry.Inc(telemetry.Inconsistencies)
		t.persistOpen(ctx, ev.UserID, ev.GuildID, ev.Timestamp)
	}
	telemetry.Inc(telemetry.SessionsMoved)
	if elapsed > 0 && t.rewards != nil {
		t.rewards.VoiceElapsed(ctx, ev.UserID, ev.GuildID, elapsed)
	}
}

// clampElapsed computes now-start clamped at zero, logging clock skew.
func (t *Tracker) clampElapsed(now, start time.Time, userID, guildID string) time.Duration {
	elapsed := now.Sub(start)
	if elapsed < 0 {
		telemetry.Inc(telemetry.ClockSkewClamps)
		slog.Warn("negative elapsed clamped to zero",
			slog.String("user", userID), slog.String("guild", guildID),
			slog.Time("start", start), slog.Time("now", now),
			slog.String("component", "presence"))
		return 0
	}
	return elapsed
}

// withRetry runs fn with capped exponential backoff. Exhausted retries log the
// final error and report it; callers drop the write rather than propagate.
func (t *Tracker) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	wait := t.retryWait
	var err error
	for attempt := 0; attempt < t.retryAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == t.retryAttempts-1 {
			break
		}
		telemetry.Inc(telemetry.StoreRetries)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = t.retryAttempts // bail out
		}
		wait *= 2
	}
	telemetry.Inc(telemetry.StoreDrops)
	slog.Error("ledger write dropped after retries",
		slog.String("op", op), slog.Any("err", err),
		slog.String("component", "presence"))
	return err
}

// Snapshot returns the current open sessions (the cache view).
func (t *Tracker) Snapshot() []ActiveSession { return t.cache.snapshot() }

// OpenCount returns the number of open sessions in the cache.
func (t *Tracker) OpenCount() int { return t.cache.len() }
