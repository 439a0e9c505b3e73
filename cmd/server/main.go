package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/planroom/internal/api"
	"github.com/manpreetbhatti/planroom/internal/auth"
	"github.com/manpreetbhatti/planroom/internal/bridge"
	"github.com/manpreetbhatti/planroom/internal/compaction"
	"github.com/manpreetbhatti/planroom/internal/config"
	"github.com/manpreetbhatti/planroom/internal/db"
	"github.com/manpreetbhatti/planroom/internal/metrics"
	"github.com/manpreetbhatti/planroom/internal/ratelimit"
	"github.com/manpreetbhatti/planroom/internal/room"
	"github.com/manpreetbhatti/planroom/internal/ws"
)

// REST mutation budget per caller.
const (
	restRate  = 5
	restBurst = 20
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (db.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return db.NewPostgres(ctx, db.PostgresConfig{
			DSN:      cfg.Storage.PostgresDSN,
			MaxConns: cfg.Storage.MaxConns,
			MinConns: cfg.Storage.MinConns,
		}, logger)
	case "memory":
		logger.Warn("using in-memory storage; nothing survives a restart")
		return db.NewMemory(), nil
	default:
		return db.New(cfg.Storage.SQLitePath, logger)
	}
}

func resolver(cfg *config.Config) auth.StaticTokens {
	tokens := make(auth.StaticTokens, len(cfg.Auth.Tokens))
	for token, id := range cfg.Auth.Tokens {
		name := id.DisplayName
		if name == "" {
			name = id.UserID
		}
		tokens[token] = auth.Identity{UserID: id.UserID, DisplayName: name}
	}
	return tokens
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	m := metrics.New()
	bus := bridge.Open(*cfg, logger, m)
	defer bus.Close()

	registry := room.NewRegistry(room.Config{
		ChannelPrefix:    cfg.Bridge.ChannelPrefix,
		BatchInterval:    cfg.Collab.BatchInterval,
		AutosaveInterval: cfg.Collab.AutosaveInterval,
		KeepAutoVersions: cfg.Compaction.KeepAutoVersions,
	}, room.Deps{Store: store, Bridge: bus, Metrics: m, Logger: logger})

	sweeper := room.NewSweeper(registry, cfg.Collab.PresenceTTL, cfg.Collab.PresenceSweepInterval, m, logger)

	tokens := resolver(cfg)
	limiters := ratelimit.NewClientLimiters(restRate, restBurst)
	defer limiters.Stop()

	router := mux.NewRouter()
	router.Handle("/ws/projects/{id}", ws.NewHandler(registry, tokens, cfg.Collab, m, logger))
	api.New(registry, store, bus, tokens, limiters, m, logger).Routes(router)

	if cfg.Compaction.Enabled {
		svc := compaction.New(store, registry, compaction.Config{
			Interval:         cfg.Compaction.Interval,
			JournalThreshold: cfg.Compaction.JournalThreshold,
			KeepAutoVersions: cfg.Compaction.KeepAutoVersions,
		}, logger)
		svc.Start()
		defer svc.Stop()
	}

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     corsMiddleware(router),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("planroom server starting",
			"addr", cfg.Server.Addr,
			"storage", cfg.Storage.Driver,
			"bridge", cfg.Bridge.Driver,
			"remote_bridge", bus.Remote())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		registry.Close(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
