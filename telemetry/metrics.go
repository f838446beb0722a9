// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionsOpened    prometheus.Counter
	SessionsClosed    prometheus.Counter
	SessionsMoved     prometheus.Counter
	DuplicateJoins    prometheus.Counter
	Inconsistencies   prometheus.Counter
	ClockSkewClamps   prometheus.Counter
	StoreRetries      prometheus.Counter
	StoreDrops        prometheus.Counter
	ReconcileResumed  prometheus.Counter
	ReconcileClosed   prometheus.Counter
	SweepRollovers    prometheus.Counter
	RewardsGranted    prometheus.Counter

	// Histograms (seconds)
	IngestDuration prometheus.Observer
	FlushDuration  prometheus.Observer

	// Gauges
	ActiveSessionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_sessions_opened_total", Help: "Voice sessions opened"})
		SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_sessions_closed_total", Help: "Voice sessions closed"})
		SessionsMoved = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_sessions_moved_total", Help: "Same-guild channel moves rolled over"})
		DuplicateJoins = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_duplicate_joins_total", Help: "Join events ignored because a session was already open"})
		Inconsistencies = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_inconsistencies_total", Help: "State inconsistencies resolved by the zero-elapsed policy"})
		ClockSkewClamps = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_clock_skew_clamps_total", Help: "Negative elapsed values clamped to zero"})
		StoreRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_store_retries_total", Help: "Ledger write retries after transient failures"})
		StoreDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_store_drops_total", Help: "Ledger writes dropped after exhausting retries"})
		ReconcileResumed = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_reconcile_resumed_total", Help: "Open sessions resumed at startup reconciliation"})
		ReconcileClosed = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_reconcile_closed_total", Help: "Abandoned sessions closed at startup reconciliation"})
		SweepRollovers = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_sweep_rollovers_total", Help: "Sessions force-closed by the periodic sweep"})
		RewardsGranted = promauto.NewCounter(prometheus.CounterOpts{Name: "voice_rewards_granted_total", Help: "XP reward grants emitted"})
		IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "voice_ingest_duration_seconds", Help: "Event ingestion duration seconds", Buckets: prometheus.DefBuckets})
		FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "voice_flush_duration_seconds", Help: "Shutdown flush duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voice_active_sessions", Help: "Currently open voice sessions"})
	})
}

// Inc increments a counter if metrics are initialized. Callers in the ingestion
// path must never panic on an unregistered metric (tests construct trackers
// without calling Init).
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetActiveSessions records the current open-session count.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
