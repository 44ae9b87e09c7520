package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wovenlab/callsig/internal/config"
	"github.com/wovenlab/callsig/internal/coordinator"
	"github.com/wovenlab/callsig/internal/directory"
	"github.com/wovenlab/callsig/internal/httpserver"
	"github.com/wovenlab/callsig/internal/metrics"
	"github.com/wovenlab/callsig/internal/signaling"
	"github.com/wovenlab/callsig/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting callsig",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"db_path", cfg.DBPath,
		"auth_mode", cfg.AuthMode,
		"allow_guests", cfg.AllowGuests,
		"max_connections", cfg.MaxConnections,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("signaling websocket accepts unauthenticated connections; set AUTH_MODE=api_key or jwt in production")
	}

	registry, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open user registry", "err", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer registry.Close()

	if err := seedUsers(context.Background(), registry, cfg.SeedUsers, logger); err != nil {
		logger.Error("failed to seed users", "err", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	dir := directory.New(registry, cfg.AllowGuests)
	clients := signaling.NewRegistry(logger, cfg.MaxConnections)
	coord := coordinator.New(dir, clients, logger, m)

	sig, err := signaling.NewServer(cfg, coord, clients, logger, m)
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	srv.Mux().Handle("GET /ws", sig)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func seedUsers(ctx context.Context, s store.Store, entries []string, logger *slog.Logger) error {
	for _, entry := range entries {
		name, password, admin, err := config.ParseSeedUser(entry)
		if err != nil {
			return err
		}
		rec, err := store.EnsureUser(ctx, s, name, password, admin)
		if err != nil {
			return fmt.Errorf("seeding %q: %w", name, err)
		}
		logger.Info("seed user ensured", "name", rec.Name, "admin", rec.IsAdmin)
	}
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
