package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthbot/hearth/db"
	"github.com/hearthbot/hearth/telemetry"
)

// ConnectivitySource reports which users are currently connected to voice in a
// guild. The gateway adapter implements it over its state cache.
type ConnectivitySource interface {
	ConnectedUsers(ctx context.Context, guildID string) (map[string]struct{}, error)
}

// ReconcileStartup replays open ledger markers left over from a previous
// process against live connectivity. Users still connected resume with their
// original session start, so time spent across the restart is credited in
// full. Users no longer connected close with zero elapsed: the disconnect
// moment is unknowable, and under-crediting beats inventing duration.
func (t *Tracker) ReconcileStartup(ctx context.Context, conn ConnectivitySource) error {
	rows, err := db.OpenSessions(ctx, t.dbc)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	byGuild := make(map[string][]db.Record)
	for _, r := range rows {
		byGuild[r.GuildID] = append(byGuild[r.GuildID], r)
	}

	var resumed, closed int
	for guildID, recs := range byGuild {
		connected, err := conn.ConnectedUsers(ctx, guildID)
		if err != nil {
			slog.Warn("connectivity snapshot failed; leaving guild sessions open",
				slog.String("guild", guildID), slog.Any("err", err),
				slog.String("component", "presence"))
			continue
		}
		for _, r := range recs {
			if _, ok := connected[r.UserID]; ok {
				t.cache.open(r.UserID, r.GuildID, r.SessionStart)
				telemetry.Inc(telemetry.ReconcileResumed)
				resumed++
				continue
			}
			if _, err := db.CloseSession(ctx, t.dbc, r.UserID, r.GuildID, 0); err != nil {
				slog.Error("failed to close orphaned session",
					slog.String("user", r.UserID), slog.String("guild", r.GuildID),
					slog.Any("err", err), slog.String("component", "presence"))
				continue
			}
			telemetry.Inc(telemetry.ReconcileClosed)
			closed++
		}
	}

	telemetry.SetActiveSessions(t.cache.len())
	slog.Info("startup reconciliation complete",
		slog.Int("open_markers", len(rows)),
		slog.Int("resumed", resumed),
		slog.Int("closed", closed),
		slog.String("component", "presence"))
	return nil
}

// FlushShutdown credits every open session with its elapsed time so far while
// keeping the ledger marker open for the next startup to adopt. The marker's
// start advances to the flush instant, so time already flushed is never
// credited twice. The drain is bounded by timeout; sessions left unflushed
// when it expires lose at most the current run's uncredited tail.
func (t *Tracker) FlushShutdown(ctx context.Context, timeout time.Duration) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	sessions := t.cache.snapshot()
	if len(sessions) == 0 {
		return
	}
	now := t.now()

	var flushed int
	telemetry.TimeFunc(telemetry.FlushDuration, func() {
		for _, s := range sessions {
			if fctx.Err() != nil {
				break
			}
			elapsed := t.clampElapsed(now, s.Start, s.UserID, s.GuildID)
			if _, err := db.RolloverSession(fctx, t.dbc, s.UserID, s.GuildID, elapsed, now); err != nil {
				slog.Error("shutdown flush write failed",
					slog.String("user", s.UserID), slog.String("guild", s.GuildID),
					slog.Any("err", err), slog.String("component", "presence"))
				continue
			}
			flushed++
		}
	})

	if flushed < len(sessions) {
		slog.Warn("shutdown flush incomplete",
			slog.Int("flushed", flushed), slog.Int("open", len(sessions)),
			slog.String("component", "presence"))
		return
	}
	slog.Info("shutdown flush complete",
		slog.Int("flushed", flushed), slog.String("component", "presence"))
}

// StartSweepJob periodically bounds runaway sessions. Any session open longer
// than maxSession is credited exactly maxSession; a user still connected gets
// a fresh segment starting at the old start plus maxSession, so no instant is
// counted twice, while a user who vanished without a Leave closes out. Runs
// until ctx is cancelled; call in a goroutine.
func (t *Tracker) StartSweepJob(ctx context.Context, conn ConnectivitySource, interval, maxSession time.Duration) {
	if interval <= 0 {
		slog.Info("session sweep disabled", slog.String("component", "presence"))
		return
	}
	slog.Info("session sweep started",
		slog.Duration("interval", interval),
		slog.Duration("max_session", maxSession),
		slog.String("component", "presence"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweep stopped", slog.String("component", "presence"))
			return
		case <-ticker.C:
			t.sweepOnce(ctx, conn, maxSession)
		}
	}
}

func (t *Tracker) sweepOnce(ctx context.Context, conn ConnectivitySource, maxSession time.Duration) {
	now := t.now()
	stale := make([]ActiveSession, 0)
	for _, s := range t.cache.snapshot() {
		if now.Sub(s.Start) >= maxSession {
			stale = append(stale, s)
		}
	}
	if len(stale) == 0 {
		return
	}

	snapshots := make(map[string]map[string]struct{})
	for _, s := range stale {
		connected, ok := snapshots[s.GuildID]
		if !ok && conn != nil {
			var err error
			connected, err = conn.ConnectedUsers(ctx, s.GuildID)
			if err != nil {
				slog.Warn("sweep connectivity snapshot failed; assuming connected",
					slog.String("guild", s.GuildID), slog.Any("err", err),
					slog.String("component", "presence"))
				connected = nil
			}
			snapshots[s.GuildID] = connected
		}

		boundary := s.Start.Add(maxSession)
		stillConnected := true
		if connected != nil {
			_, stillConnected = connected[s.UserID]
		}

		if stillConnected {
			if _, ok := t.cache.restamp(s.UserID, s.GuildID, boundary); !ok {
				continue // closed concurrently, nothing to bound
			}
			if _, err := db.RolloverSession(ctx, t.dbc, s.UserID, s.GuildID, maxSession, boundary); err != nil {
				slog.Error("sweep rollover failed",
					slog.String("user", s.UserID), slog.String("guild", s.GuildID),
					slog.Any("err", err), slog.String("component", "presence"))
				continue
			}
		} else {
			if _, ok := t.cache.close(s.UserID, s.GuildID); !ok {
				continue
			}
			if _, err := db.CloseSession(ctx, t.dbc, s.UserID, s.GuildID, maxSession); err != nil {
				slog.Error("sweep close failed",
					slog.String("user", s.UserID), slog.String("guild", s.GuildID),
					slog.Any("err", err), slog.String("component", "presence"))
				continue
			}
		}
		telemetry.Inc(telemetry.SweepRollovers)
		slog.Warn("bounded runaway session",
			slog.String("user", s.UserID), slog.String("guild", s.GuildID),
			slog.Time("started", s.Start), slog.Bool("connected", stillConnected),
			slog.String("component", "presence"))
	}
	telemetry.SetActiveSessions(t.cache.len())
}
