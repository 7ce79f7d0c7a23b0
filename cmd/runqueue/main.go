// Package main implements the runqueue engine: it loads configuration, opens
// the task store, starts the worker pool with its health monitor and
// recurring producers, and serves the control API until interrupted.
//
// Usage:
//
//	runqueue [-config path] [serve]
//	runqueue [-config path] migrate
//	runqueue [-config path] token -subject name [-ttl 24h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/runqueue/internal/auth"
	"github.com/phrazzld/runqueue/internal/config"
	"github.com/phrazzld/runqueue/internal/platform/logger"
	"github.com/phrazzld/runqueue/internal/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "runqueue: %s\n", redact.Error(err))
		stop()
		os.Exit(1)
	}
}

// run parses args and dispatches to a subcommand. It returns when the
// subcommand finishes or, for serve, after ctx is cancelled and shutdown
// completes.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runqueue", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (default ./config.yaml if present)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cmd, rest := "serve", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	switch cmd {
	case "serve":
		return serve(ctx, cfg)
	case "migrate":
		return migrate(ctx, cfg)
	case "token":
		return mintToken(ctx, cfg, rest, stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver,
		"strategy", cfg.Task.SchedulingStrategy,
		"max_concurrent_runs", cfg.Task.MaxConcurrentRuns,
		"auth_enabled", cfg.Auth.JWTSecret != "")

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(ctx)
}

func migrate(ctx context.Context, cfg *config.Config) error {
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	log.Info("task store migrated", "driver", cfg.Database.Driver)
	return st.Close()
}

func mintToken(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (operator or producer name)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	token, err := tokens.GenerateToken(ctx, *subject, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
