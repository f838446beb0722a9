// Command hearth is the main entrypoint for the voice presence tracker.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to SQLite and runs idempotent migrations.
//   - Reconciles sessions left open by a previous run against live voice state.
//   - Starts background jobs: the runaway-session sweep and the voice reward tick.
//   - Exposes an HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: open sessions are flushed so no
// accumulated time is lost across restarts.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hearthbot/hearth/bot"
	"github.com/hearthbot/hearth/config"
	"github.com/hearthbot/hearth/db"
	"github.com/hearthbot/hearth/presence"
	"github.com/hearthbot/hearth/rewards"
	"github.com/hearthbot/hearth/server"
	"github.com/hearthbot/hearth/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateGatewayReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("hearth", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Dual-system migrations: versioned (golang-migrate) from db/migrations/
	// first, embedded SQL as fallback for deployments shipped without the
	// migration files.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core engine
	engine := rewards.NewEngine(database)
	tracker := presence.NewTracker(database, presence.WithRewardSink(engine))

	// Gateway
	discord, err := bot.New(cfg.DiscordToken, tracker, engine)
	if err != nil {
		slog.Error("failed to create bot", slog.Any("err", err))
		os.Exit(1)
	}
	if err := discord.Start(ctx); err != nil {
		slog.Error("failed to start bot", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := discord.Stop(); err != nil {
			slog.Error("failed to close gateway", slog.Any("err", err))
		}
	}()

	// Adopt or close sessions left open by the previous run, now that the
	// gateway's voice state cache is populated.
	conn := discord.Connectivity()
	if err := tracker.ReconcileStartup(ctx, conn); err != nil {
		slog.Error("startup reconciliation failed", slog.Any("err", err))
	}

	// Background jobs
	go tracker.StartSweepJob(ctx, conn, cfg.SweepInterval, cfg.MaxSessionLength)
	go engine.StartVoiceTickJob(ctx, cfg.RewardTickInterval, tracker.Snapshot)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/admin)
	go func() {
		if err := server.Start(ctx, database, tracker, engine, cfg.HTTPAddr, cfg.AdminToken); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then flush open sessions so time spent in
	// voice during this run is credited before the process exits.
	<-ctx.Done()
	slog.Info("shutting down")
	tracker.FlushShutdown(ctx, cfg.FlushTimeout)
}
