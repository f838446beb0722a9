// Package server exposes the operational HTTP API: health and readiness
// probes, a status summary, Prometheus metrics, and admin reset endpoints.
package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hearthbot/hearth/db"
	"github.com/hearthbot/hearth/presence"
	"github.com/hearthbot/hearth/rewards"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      *sql.DB
	tracker *presence.Tracker
	rewards *rewards.Engine
	started time.Time
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(dbc *sql.DB, tracker *presence.Tracker, engine *rewards.Engine) *Handlers {
	return &Handlers{db: dbc, tracker: tracker, rewards: engine, started: time.Now().UTC()}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			_, err := h.db.ExecContext(r.Context(), "SELECT 1 FROM voice_time LIMIT 1")
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status       string `json:"status"`
	UptimeSecs   int64  `json:"uptime_seconds"`
	OpenSessions int    `json:"open_sessions"`
	TrackedRows  int    `json:"tracked_rows"`
	Guilds       int    `json:"guilds"`
	Migration    uint   `json:"migration_version"`
	Dirty        bool   `json:"migration_dirty"`
}

// HandleStatus reports a summary of the engine's state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var tracked, guilds int
	if err := h.db.QueryRowContext(r.Context(),
		"SELECT COUNT(*), COUNT(DISTINCT guild_id) FROM voice_time").Scan(&tracked, &guilds); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	version, dirty, err := db.MigrationVersion(h.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		Status:       "ok",
		UptimeSecs:   int64(time.Since(h.started).Seconds()),
		OpenSessions: h.tracker.OpenCount(),
		TrackedRows:  tracked,
		Guilds:       guilds,
		Migration:    version,
		Dirty:        dirty,
	})
}

// HandleAdminReset wipes tracked time for a guild, or a single user within it
// when user_id is given. POST only; protected by admin auth upstream.
func (h *Handlers) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		http.Error(w, "guild_id is required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")

	var err error
	if userID != "" {
		if err = h.tracker.ResetUser(r.Context(), userID, guildID); err == nil {
			err = h.rewards.ResetUser(r.Context(), userID, guildID)
		}
	} else {
		if err = h.tracker.ResetGuild(r.Context(), guildID); err == nil {
			err = h.rewards.ResetGuild(r.Context(), guildID)
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":   "reset",
		"guild_id": guildID,
		"user_id":  userID,
	})
}
