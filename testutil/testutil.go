// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthbot/hearth/db"
)

// SetupTestDB opens an in-memory SQLite database with the full schema
// applied. The handle is closed automatically when the test finishes.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbc, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	dbc.SetMaxOpenConns(1)
	if err := db.Migrate(context.Background(), dbc); err != nil {
		dbc.Close()
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { dbc.Close() })
	return dbc
}

// StaticConnectivity is a fixed connectivity snapshot keyed by guild ID.
type StaticConnectivity struct {
	Users map[string]map[string]struct{}
	Err   error
}

// Connect marks a user as connected in a guild.
func (s *StaticConnectivity) Connect(guildID, userID string) {
	if s.Users == nil {
		s.Users = make(map[string]map[string]struct{})
	}
	if s.Users[guildID] == nil {
		s.Users[guildID] = make(map[string]struct{})
	}
	s.Users[guildID][userID] = struct{}{}
}

// ConnectedUsers returns the snapshot for a guild, or the configured error.
func (s *StaticConnectivity) ConnectedUsers(_ context.Context, guildID string) (map[string]struct{}, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string]struct{}, len(s.Users[guildID]))
	for u := range s.Users[guildID] {
		out[u] = struct{}{}
	}
	return out, nil
}
