package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/config"
	"github.com/agentworkforce/threadsync/internal/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, addr string
	root := &cobra.Command{
		Use:           "threadsd",
		Short:         "Development server for thread and inbox notification sync",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, level, err := config.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
			}
			watchPath := ""
			if _, err := os.Stat(configPath); err == nil {
				watchPath = configPath
			}
			return serve(ctx, cfg, watchPath, ln, logger, level)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "threadsync.yaml", "config file path")
	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	root.AddCommand(newTokenCmd(&configPath))
	return root
}

func newTokenCmd(configPath *string) *cobra.Command {
	var userID string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, userID, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{server.ScopeRead, server.ScopeWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// loadConfig reads .env and the config file. The file is optional unless the
// flag was given explicitly.
func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return config.Config{}, err
	}
	return config.Load(path, !cmd.Flags().Changed("config"))
}

func serverConfig(cfg config.Config, logger *zap.Logger) server.Config {
	return server.Config{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitRPS:    cfg.Server.RateLimit.RPS,
		RateLimitBurst:  cfg.Server.RateLimit.Burst,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes.Int64(),
		DefaultPageSize: cfg.Server.DefaultPageSize,
		MaxPageSize:     cfg.Server.MaxPageSize,
		Logger:          logger,
	}
}

// reloader applies the hot-reloadable parts of a changed config file.
func reloader(srv *server.Server, level zap.AtomicLevel, logger *zap.Logger) func(config.Config) {
	return func(cfg config.Config) {
		srv.UpdateRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
		if lvl, err := config.ParseLevel(cfg.Logging.Level); err == nil && lvl != level.Level() {
			level.SetLevel(lvl)
			logger.Info("log_level_updated", zap.Stringer("level", lvl))
		}
	}
}

// serve runs the API on ln until ctx is done, then shuts down gracefully.
// When watchPath is set, edits to it reload the rate limit and log level.
func serve(ctx context.Context, cfg config.Config, watchPath string, ln net.Listener, logger *zap.Logger, level zap.AtomicLevel) error {
	backend, err := server.BuildStateBackendFromDSN(cfg.Server.StateDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize state backend: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}
	svc, err := server.NewThreadService(server.ServiceOptions{Backend: backend, Logger: logger})
	if err != nil {
		return err
	}
	srv, err := server.New(svc, serverConfig(cfg, logger))
	if err != nil {
		return err
	}

	if watchPath != "" {
		go func() {
			err := config.Watch(ctx, watchPath, config.DefaultDebounce, reloader(srv, level, logger), func(err error) {
				logger.Warn("config_reload_failed", zap.String("path", watchPath), zap.Error(err))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("config_watch_stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	logger.Info("threadsd_listening", zap.String("addr", ln.Addr().String()), zap.String("state_dsn_scheme", dsnScheme(cfg.Server.StateDSN)))

	select {
	case err := <-errCh:
		srv.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("threadsd_shutting_down")
	srv.Close()
	timeout := cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// dsnScheme names the backend kind without logging credentials.
func dsnScheme(dsn string) string {
	if dsn == "" {
		return "none"
	}
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme
	}
	return "file"
}
