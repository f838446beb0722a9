package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hearthbot/hearth/db"
	"github.com/hearthbot/hearth/testutil"
)

func TestReconcileStartupResumes(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()

	// Marker left by the previous process.
	if _, err := db.OpenSession(ctx, dbc, "u1", "g1", testBase); err != nil {
		t.Fatalf("seed: %v", err)
	}

	conn := &testutil.StaticConnectivity{}
	conn.Connect("g1", "u1")

	trk := NewTracker(dbc)
	if err := trk.ReconcileStartup(ctx, conn); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if trk.OpenCount() != 1 {
		t.Fatalf("open count = %d, want resumed session", trk.OpenCount())
	}

	// The resumed session keeps its original start, so downtime-spanning
	// presence is credited in full.
	trk.HandleEvent(ctx, leave("u1", testBase.Add(600*time.Second)))
	rec := record(t, dbc, "u1")
	if rec.TotalTime != 600*time.Second {
		t.Fatalf("total = %v, want 600s from the original start", rec.TotalTime)
	}
	if rec.Sessions != 1 {
		t.Fatalf("sessions = %d, resume must not count a new session", rec.Sessions)
	}
}

func TestReconcileStartupClosesOrphans(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()

	if _, err := db.OpenSession(ctx, dbc, "u1", "g1", testBase); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := db.CloseSession(ctx, dbc, "u1", "g1", 100*time.Second); err != nil {
		t.Fatalf("seed close: %v", err)
	}
	if _, err := db.OpenSession(ctx, dbc, "u1", "g1", testBase.Add(time.Hour)); err != nil {
		t.Fatalf("seed reopen: %v", err)
	}

	trk := NewTracker(dbc)
	if err := trk.ReconcileStartup(ctx, &testutil.StaticConnectivity{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec := record(t, dbc, "u1")
	if rec.Open() {
		t.Fatal("orphaned marker must be closed")
	}
	if rec.TotalTime != 100*time.Second {
		t.Fatalf("total = %v, orphan close must credit zero", rec.TotalTime)
	}
	if trk.OpenCount() != 0 {
		t.Fatalf("open count = %d, want 0", trk.OpenCount())
	}
}

func TestReconcileSnapshotFailureLeavesSessionsOpen(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()

	if _, err := db.OpenSession(ctx, dbc, "u1", "g1", testBase); err != nil {
		t.Fatalf("seed: %v", err)
	}

	trk := NewTracker(dbc)
	conn := &testutil.StaticConnectivity{Err: errors.New("gateway not ready")}
	if err := trk.ReconcileStartup(ctx, conn); err != nil {
		t.Fatalf("snapshot failure must not abort reconciliation: %v", err)
	}

	if rec := record(t, dbc, "u1"); !rec.Open() {
		t.Fatal("marker must survive a failed snapshot for the sweep to bound")
	}
}

func TestFlushShutdownThenRestartNoDoubleCredit(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	flushAt := testBase.Add(600 * time.Second)

	trk := NewTracker(dbc, WithClock(func() time.Time { return flushAt }))
	trk.HandleEvent(ctx, join("u1", testBase))
	trk.FlushShutdown(ctx, 5*time.Second)

	rec := record(t, dbc, "u1")
	if rec.TotalTime != 600*time.Second {
		t.Fatalf("flushed total = %v, want 600s", rec.TotalTime)
	}
	if !rec.Open() {
		t.Fatal("flush must leave the marker open for the next startup")
	}
	if !rec.SessionStart.Equal(flushAt) {
		t.Fatalf("marker = %v, must advance to the flush instant", rec.SessionStart)
	}

	// Restart: the user is still connected, the resumed session runs another
	// 300s. Credits sum to exactly 900s, nothing counted twice.
	conn := &testutil.StaticConnectivity{}
	conn.Connect("g1", "u1")
	trk2 := NewTracker(dbc)
	if err := trk2.ReconcileStartup(ctx, conn); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	trk2.HandleEvent(ctx, leave("u1", flushAt.Add(300*time.Second)))

	rec = record(t, dbc, "u1")
	if rec.TotalTime != 900*time.Second {
		t.Fatalf("total = %v, want 900s across the restart", rec.TotalTime)
	}
	if rec.Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", rec.Sessions)
	}
}

func TestSweepBoundsConnectedSession(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	maxSession := 24 * time.Hour
	now := testBase.Add(25 * time.Hour)

	trk := NewTracker(dbc, WithClock(func() time.Time { return now }))
	trk.HandleEvent(ctx, join("u1", testBase))

	conn := &testutil.StaticConnectivity{}
	conn.Connect("g1", "u1")
	trk.sweepOnce(ctx, conn, maxSession)

	rec := record(t, dbc, "u1")
	if rec.TotalTime != maxSession {
		t.Fatalf("total = %v, sweep must credit exactly the cap", rec.TotalTime)
	}
	if !rec.Open() {
		t.Fatal("connected user must keep an open session")
	}
	if !rec.SessionStart.Equal(testBase.Add(maxSession)) {
		t.Fatalf("marker = %v, want restarted at the cap boundary", rec.SessionStart)
	}
	if rec.Sessions != 1 {
		t.Fatalf("sessions = %d, sweep must not count a new session", rec.Sessions)
	}

	// The next hour accrues on the fresh segment only.
	trk.HandleEvent(ctx, leave("u1", testBase.Add(25*time.Hour)))
	if rec = record(t, dbc, "u1"); rec.TotalTime != 25*time.Hour {
		t.Fatalf("total = %v, want 25h with no double credit", rec.TotalTime)
	}
}

func TestSweepClosesDisconnectedSession(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	maxSession := 24 * time.Hour
	now := testBase.Add(30 * time.Hour)

	trk := NewTracker(dbc, WithClock(func() time.Time { return now }))
	trk.HandleEvent(ctx, join("u1", testBase))

	// User vanished without a Leave (missed gateway event).
	trk.sweepOnce(ctx, &testutil.StaticConnectivity{}, maxSession)

	rec := record(t, dbc, "u1")
	if rec.Open() {
		t.Fatal("disconnected user must be closed out")
	}
	if rec.TotalTime != maxSession {
		t.Fatalf("total = %v, credit is capped at the session bound", rec.TotalTime)
	}
	if trk.OpenCount() != 0 {
		t.Fatalf("open count = %d, want 0", trk.OpenCount())
	}
}

func TestSweepIgnoresFreshSessions(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	ctx := context.Background()
	now := testBase.Add(time.Hour)

	trk := NewTracker(dbc, WithClock(func() time.Time { return now }))
	trk.HandleEvent(ctx, join("u1", testBase))

	trk.sweepOnce(ctx, &testutil.StaticConnectivity{}, 24*time.Hour)

	if rec := record(t, dbc, "u1"); !rec.Open() || rec.TotalTime != 0 {
		t.Fatalf("fresh session touched by sweep: open=%v total=%v", rec.Open(), rec.TotalTime)
	}
}
