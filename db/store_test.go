package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	dbc, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dbc.SetMaxOpenConns(1)
	if err := Migrate(context.Background(), dbc); err != nil {
		dbc.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { dbc.Close() })
	return dbc
}

// seed records a closed session with the given accumulated time.
func seed(t *testing.T, dbc *sql.DB, userID, guildID string, total time.Duration, start time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := OpenSession(ctx, dbc, userID, guildID, start); err != nil {
		t.Fatalf("seed open %s: %v", userID, err)
	}
	if _, err := CloseSession(ctx, dbc, userID, guildID, total); err != nil {
		t.Fatalf("seed close %s: %v", userID, err)
	}
}

func getRecord(t *testing.T, dbc *sql.DB, userID, guildID string) Record {
	t.Helper()
	rec, found, err := GetRecord(context.Background(), dbc, userID, guildID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !found {
		t.Fatalf("record %s/%s not found", userID, guildID)
	}
	return rec
}

func TestOpenSessionGuard(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0).UTC()

	opened, err := OpenSession(ctx, dbc, "u1", "g1", start)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !opened {
		t.Fatal("first open should succeed")
	}

	opened, err = OpenSession(ctx, dbc, "u1", "g1", start.Add(time.Minute))
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if opened {
		t.Fatal("open with marker already set should be refused")
	}

	rec := getRecord(t, dbc, "u1", "g1")
	if rec.Sessions != 1 {
		t.Fatalf("sessions = %d, want 1", rec.Sessions)
	}
	if !rec.Open() {
		t.Fatal("record should carry an open marker")
	}
	if !rec.SessionStart.Equal(start) {
		t.Fatalf("session start = %v, want %v (refused open must not restamp)", rec.SessionStart, start)
	}
}

func TestCloseSessionCredits(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0).UTC()

	if _, err := OpenSession(ctx, dbc, "u1", "g1", start); err != nil {
		t.Fatalf("open: %v", err)
	}
	closed, err := CloseSession(ctx, dbc, "u1", "g1", 10*time.Minute)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatal("close with open marker should succeed")
	}

	rec := getRecord(t, dbc, "u1", "g1")
	if rec.TotalTime != 10*time.Minute {
		t.Fatalf("total = %v, want 10m", rec.TotalTime)
	}
	if rec.Open() {
		t.Fatal("marker should be cleared")
	}
	if eff := rec.EffectiveTime(start.Add(time.Hour)); eff != 10*time.Minute {
		t.Fatalf("effective after close = %v, want total only", eff)
	}

	closed, err = CloseSession(ctx, dbc, "u1", "g1", time.Minute)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if closed {
		t.Fatal("close without marker should be refused")
	}
	if rec := getRecord(t, dbc, "u1", "g1"); rec.TotalTime != 10*time.Minute {
		t.Fatalf("refused close must not credit, total = %v", rec.TotalTime)
	}
}

func TestRolloverSession(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0).UTC()
	boundary := start.Add(5 * time.Minute)

	if _, err := OpenSession(ctx, dbc, "u1", "g1", start); err != nil {
		t.Fatalf("open: %v", err)
	}
	rolled, err := RolloverSession(ctx, dbc, "u1", "g1", 5*time.Minute, boundary)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if !rolled {
		t.Fatal("rollover with open marker should succeed")
	}

	rec := getRecord(t, dbc, "u1", "g1")
	if rec.TotalTime != 5*time.Minute {
		t.Fatalf("total = %v, want 5m", rec.TotalTime)
	}
	if !rec.SessionStart.Equal(boundary) {
		t.Fatalf("marker = %v, want restarted at %v", rec.SessionStart, boundary)
	}
	if rec.Sessions != 1 {
		t.Fatalf("sessions = %d, rollover must not count a new session", rec.Sessions)
	}

	// No double credit across the boundary: effective at boundary+1m is 6m.
	if eff := rec.EffectiveTime(boundary.Add(time.Minute)); eff != 6*time.Minute {
		t.Fatalf("effective = %v, want 6m", eff)
	}

	if _, err := CloseSession(ctx, dbc, "u1", "g1", time.Minute); err != nil {
		t.Fatalf("close: %v", err)
	}
	rolled, err = RolloverSession(ctx, dbc, "u1", "g1", time.Minute, boundary)
	if err != nil {
		t.Fatalf("rollover closed: %v", err)
	}
	if rolled {
		t.Fatal("rollover without marker should be refused")
	}
}

func TestEffectiveTimeOpenSession(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0).UTC()
	now := start.Add(300 * time.Second)

	seed(t, dbc, "u1", "g1", 100*time.Second, start.Add(-time.Hour))
	if _, err := OpenSession(ctx, dbc, "u1", "g1", start); err != nil {
		t.Fatalf("open: %v", err)
	}

	rec := getRecord(t, dbc, "u1", "g1")
	if eff := rec.EffectiveTime(now); eff != 400*time.Second {
		t.Fatalf("effective = %v, want 400s", eff)
	}
	// Clock skew clamps to zero elapsed rather than going negative.
	if eff := rec.EffectiveTime(start.Add(-time.Minute)); eff != 100*time.Second {
		t.Fatalf("skewed effective = %v, want total only", eff)
	}
}

func TestListByGuildOrdering(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	now := base.Add(time.Hour)

	seed(t, dbc, "alice", "g1", 300*time.Second, base)
	seed(t, dbc, "bob", "g1", 200*time.Second, base)
	seed(t, dbc, "carol", "g1", 200*time.Second, base)
	seed(t, dbc, "dave", "g1", 0, base)               // zero effective, excluded
	seed(t, dbc, "eve", "g2", 900*time.Second, base)  // other guild

	// carol registered before bob; the tie resolves in her favor.
	for user, created := range map[string]int64{"bob": base.Unix() + 50, "carol": base.Unix() + 10} {
		if _, err := dbc.ExecContext(ctx,
			`UPDATE voice_time SET created_at = ? WHERE user_id = ?`, created, user); err != nil {
			t.Fatalf("set created_at: %v", err)
		}
	}

	recs, err := ListByGuild(ctx, dbc, "g1", now, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alice", "carol", "bob"}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, u := range want {
		if recs[i].UserID != u {
			t.Fatalf("position %d = %s, want %s", i+1, recs[i].UserID, u)
		}
	}

	limited, err := ListByGuild(ctx, dbc, "g1", now, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[1].UserID != "carol" {
		t.Fatalf("limited list = %v", limited)
	}
}

func TestRankMatchesListOrder(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	now := base.Add(time.Hour)

	seed(t, dbc, "alice", "g1", 300*time.Second, base)
	seed(t, dbc, "bob", "g1", 200*time.Second, base)
	seed(t, dbc, "carol", "g1", 200*time.Second, base)
	if _, err := OpenSession(ctx, dbc, "bob", "g1", now.Add(-100*time.Second)); err != nil {
		t.Fatalf("open: %v", err)
	}

	recs, err := ListByGuild(ctx, dbc, "g1", now, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, rec := range recs {
		rank, err := RankAt(ctx, dbc, rec, now)
		if err != nil {
			t.Fatalf("rank %s: %v", rec.UserID, err)
		}
		if rank != i+1 {
			t.Fatalf("rank(%s) = %d, list position %d", rec.UserID, rank, i+1)
		}
	}
}

func TestStats(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	now := base.Add(time.Hour)

	seed(t, dbc, "alice", "g1", 300*time.Second, base)
	seed(t, dbc, "bob", "g1", 100*time.Second, base)
	if _, err := OpenSession(ctx, dbc, "bob", "g1", now.Add(-200*time.Second)); err != nil {
		t.Fatalf("open: %v", err)
	}

	s, err := Stats(ctx, dbc, "g1", now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Users != 2 || s.Online != 1 {
		t.Fatalf("users=%d online=%d, want 2/1", s.Users, s.Online)
	}
	if s.Total != 600*time.Second {
		t.Fatalf("total = %v, want 600s", s.Total)
	}
	if s.Max != 300*time.Second {
		t.Fatalf("max = %v, want 300s", s.Max)
	}
	if s.ActiveToday != 1 {
		t.Fatalf("active today = %d, want 1", s.ActiveToday)
	}
}

func TestDelete(t *testing.T) {
	dbc := setupDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	seed(t, dbc, "alice", "g1", time.Minute, base)
	seed(t, dbc, "bob", "g1", time.Minute, base)
	seed(t, dbc, "alice", "g2", time.Minute, base)

	if err := DeleteUser(ctx, dbc, "alice", "g1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, found, _ := GetRecord(ctx, dbc, "alice", "g1"); found {
		t.Fatal("alice/g1 should be gone")
	}
	if _, found, _ := GetRecord(ctx, dbc, "alice", "g2"); !found {
		t.Fatal("alice/g2 must survive a single-guild reset")
	}

	if err := DeleteGuild(ctx, dbc, "g1"); err != nil {
		t.Fatalf("delete guild: %v", err)
	}
	if _, found, _ := GetRecord(ctx, dbc, "bob", "g1"); found {
		t.Fatal("g1 rows should be gone")
	}
}
