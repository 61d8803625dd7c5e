// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/auth/postgres"
	"github.com/schoolgate/schoolgate/internal/config"
	"github.com/schoolgate/schoolgate/internal/logging"
	"github.com/schoolgate/schoolgate/internal/observability"
	"github.com/schoolgate/schoolgate/internal/store"
	"github.com/schoolgate/schoolgate/internal/web"
	"github.com/schoolgate/schoolgate/pkg/errutil"
)

const serviceName = "schoolgate"

// autoMigrateEnv disables startup migrations when set to a false value.
const autoMigrateEnv = "SCHOOLGATE_DB_AUTO_MIGRATE"

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the portal HTTP server",
		Long: `Start the HTTP server that serves login, logout, password reset and
change, and guards the portal's protected areas.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// setupLogging installs the default logger from the configuration.
func setupLogging(cfg *config.Config, cmd *cobra.Command) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.SetDefault(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   level,
		Writer:  cmd.ErrOrStderr(),
	}), nil
}

func autoMigrateEnabled() bool {
	v, ok := os.LookupEnv(autoMigrateEnv)
	if !ok || v == "" {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	return err != nil || enabled
}

// openDatabase connects and, unless disabled, applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, deps *CommonDeps, logger *slog.Logger, migrate bool) (Database, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	db, err := deps.DatabaseOpener(ctx, cfg.Database.URL, store.PoolConfig{
		MaxConns:       cfg.Database.MaxConns,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	if migrate {
		if err := runAutoMigrate(cfg.Database.URL, deps.MigratorFactory, logger); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func runAutoMigrate(url string, factory func(string) (AutoMigrator, error), logger *slog.Logger) error {
	migrator, err := factory(url)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			errutil.LogError(logger, "failed to close migrator", closeErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		return err
	}
	logger.Info("database schema up to date")
	return nil
}

// newAuthService wires the auth service onto the PostgreSQL repositories.
func newAuthService(cfg *config.Config, db Database, logger *slog.Logger) (*auth.Service, error) {
	return auth.NewService(auth.Deps{
		Users:    postgres.NewUserRepository(db),
		Sessions: postgres.NewSessionRepository(db),
		Tokens:   postgres.NewTokenRepository(db),
		Hasher:   auth.NewArgon2idHasherWithParams(cfg.Argon2Params()),
		Activity: auth.NewSlogActivityLogger(logger),
		Notifier: auth.NewLogResetNotifier(logger),
	}, cfg.AuthConfig(), auth.WithLogger(logger))
}

// runServeWithDeps starts the portal with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.applyDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := setupLogging(cfg, cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting schoolgate", "http_addr", cfg.HTTP.Addr, "metrics_addr", cfg.Metrics.Addr)

	db, err := openDatabase(ctx, cfg, &deps.CommonDeps, logger, autoMigrateEnabled())
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := newAuthService(cfg, db, logger)
	if err != nil {
		return err
	}

	var (
		obsServer *observability.Server
		obsErrs   <-chan error
		metrics   *observability.Metrics
	)
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, db.Ping).WithLogger(logger)
		auth.RegisterMetrics(obsServer.Registry())
		obsErrs, err = obsServer.Start()
		if err != nil {
			return err
		}
		metrics = obsServer.Metrics()
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	handler, err := web.NewRouter(web.Options{
		Auth:           svc,
		Logger:         logger,
		Metrics:        metrics,
		CookieSecure:   cfg.Cookies.Secure,
		SessionTTL:     cfg.Session.TTL,
		RememberTTL:    cfg.Tokens.RememberTTL,
		LoginPerMinute: cfg.RateLimit.LoginPerMinute,
		Dashboards:     true,
	})
	if err != nil {
		return err
	}

	listener, err := deps.ListenerFactory("tcp", cfg.HTTP.Addr)
	if err != nil {
		stopObservability(obsServer, logger)
		return err
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	serveErrs := make(chan error, 1)
	go func() {
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serveErrs <- serveErr
		}
	}()

	cmd.Printf("SchoolGate listening on %s\n", listener.Addr())
	logger.Info("schoolgate ready", "http_addr", listener.Addr().String())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-serveErrs:
		logger.Error("http server failed", "error", runErr)
	case obsErr, ok := <-obsErrs:
		if ok && obsErr != nil {
			runErr = obsErr
			logger.Error("observability server failed", "error", obsErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping http server", "error", err)
	}
	stopObservability(obsServer, logger)

	logger.Info("shutdown complete")
	return runErr
}

func stopObservability(s *observability.Server, logger *slog.Logger) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
}
