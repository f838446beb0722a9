package presence

import (
	"context"
	"testing"
	"time"
)

func TestSummaryAndLeaderboard(t *testing.T) {
	now := testBase.Add(time.Hour)
	trk, _ := newTestTracker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// alice: 1800s closed. bob: 600s closed plus 300s still running.
	trk.HandleEvent(ctx, join("alice", testBase))
	trk.HandleEvent(ctx, leave("alice", testBase.Add(1800*time.Second)))
	trk.HandleEvent(ctx, join("bob", testBase))
	trk.HandleEvent(ctx, leave("bob", testBase.Add(600*time.Second)))
	trk.HandleEvent(ctx, join("bob", now.Add(-300*time.Second)))

	sum, found, err := trk.Summary(ctx, "bob", "g1")
	if err != nil || !found {
		t.Fatalf("summary: found=%v err=%v", found, err)
	}
	if sum.Effective != 900*time.Second {
		t.Fatalf("effective = %v, want 900s with the open tail", sum.Effective)
	}
	if !sum.Online {
		t.Fatal("bob should be online")
	}
	if sum.Rank != 2 {
		t.Fatalf("rank = %d, want 2", sum.Rank)
	}
	if sum.Sessions != 2 {
		t.Fatalf("sessions = %d, want 2", sum.Sessions)
	}

	if _, found, err := trk.Summary(ctx, "nobody", "g1"); err != nil || found {
		t.Fatalf("unknown user: found=%v err=%v", found, err)
	}

	board, err := trk.Leaderboard(ctx, "g1", 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 || board[0].UserID != "alice" || board[1].UserID != "bob" {
		t.Fatalf("leaderboard = %+v", board)
	}
	if board[1].Effective != 900*time.Second || !board[1].Online {
		t.Fatalf("bob entry = %+v", board[1])
	}
}

func TestActiveSessionsSorted(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	trk.HandleEvent(ctx, join("late", testBase.Add(time.Minute)))
	trk.HandleEvent(ctx, join("early", testBase))
	trk.HandleEvent(ctx, Event{
		UserID: "other", GuildID: "g2", NewChannel: "general", Timestamp: testBase,
	})

	active := trk.ActiveSessions("g1")
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	if active[0].UserID != "early" || active[1].UserID != "late" {
		t.Fatalf("active order = %s, %s", active[0].UserID, active[1].UserID)
	}
}

func TestResetUser(t *testing.T) {
	trk, dbc := newTestTracker(t)
	ctx := context.Background()

	trk.HandleEvent(ctx, join("u1", testBase))
	trk.HandleEvent(ctx, join("u2", testBase))

	if err := trk.ResetUser(ctx, "u1", "g1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, found, _ := trk.Summary(ctx, "u1", "g1"); found {
		t.Fatal("u1 should be gone after reset")
	}
	if trk.OpenCount() != 1 {
		t.Fatalf("open count = %d, reset must drop the open session", trk.OpenCount())
	}

	// A fresh join after reset starts from scratch.
	trk.HandleEvent(ctx, join("u1", testBase.Add(time.Hour)))
	trk.HandleEvent(ctx, leave("u1", testBase.Add(time.Hour+60*time.Second)))
	rec := record(t, dbc, "u1")
	if rec.TotalTime != 60*time.Second || rec.Sessions != 1 {
		t.Fatalf("after reset: total=%v sessions=%d", rec.TotalTime, rec.Sessions)
	}
}

func TestResetGuild(t *testing.T) {
	trk, _ := newTestTracker(t)
	ctx := context.Background()

	trk.HandleEvent(ctx, join("u1", testBase))
	trk.HandleEvent(ctx, Event{
		UserID: "u2", GuildID: "g2", NewChannel: "general", Timestamp: testBase,
	})

	if err := trk.ResetGuild(ctx, "g1"); err != nil {
		t.Fatalf("reset guild: %v", err)
	}
	if _, found, _ := trk.Summary(ctx, "u1", "g1"); found {
		t.Fatal("g1 rows should be gone")
	}
	if trk.OpenCount() != 1 {
		t.Fatalf("open count = %d, other guilds must survive", trk.OpenCount())
	}
}
