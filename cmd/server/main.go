package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/knximport/internal/config"
	"github.com/JonMunkholm/knximport/internal/importer"
	"github.com/JonMunkholm/knximport/internal/logging"
	"github.com/JonMunkholm/knximport/internal/store"
	"github.com/JonMunkholm/knximport/internal/web"
)

// projectStore is what both the importer and the API need from storage.
type projectStore interface {
	importer.ProjectStore
	web.ProjectReader
}

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	closeLog := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer func() {
		if err := closeLog(); err != nil {
			slog.Warn("closing log file", "error", err)
		}
	}()

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"in_memory", cfg.Database.InMemory(),
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"attempts_policy", cfg.Import.AttemptsPolicy,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	projects, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, err := importer.ParseAttemptsPolicy(cfg.Import.AttemptsPolicy)
	if err != nil {
		return err
	}

	service := importer.NewService(projects, importer.Options{
		PasswordAttempts: cfg.Import.PasswordAttempts,
		AttemptsPolicy:   policy,
		RunTimeout:       cfg.Import.Timeout,
		MaxConcurrent:    cfg.Import.MaxConcurrent,
		MaxWait:          cfg.Import.MaxWaitTime,
	})
	server := web.NewServer(service, projects, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		service.StartRetentionSweeper(gctx, importer.RetentionConfig{
			Finished: cfg.Import.Retention,
			Waiting:  cfg.Import.WaitingTTL,
			Interval: cfg.Import.SweepInterval,
		})
		return nil
	})

	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Server.Addr())
		if err := server.Start(cfg.Server.Addr()); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Let running imports finish, cancelling them at the deadline
		status := service.LimiterStatus()
		if status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
		}
		if err := service.Wait(shutdownCtx); err != nil {
			slog.Warn("imports did not complete in time", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore connects to Postgres, or falls back to the in-memory store when
// no database URL is configured.
func openStore(ctx context.Context, cfg *config.Config) (projectStore, func(), error) {
	if cfg.Database.InMemory() {
		slog.Warn("no database configured, projects are kept in memory")
		return store.NewMemory(), func() {}, nil
	}

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}
