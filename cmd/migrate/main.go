// Command migrate applies or reverts the position store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tradegate/config"
	dbmigrations "github.com/coachpo/tradegate/db/migrations"
	"github.com/coachpo/tradegate/internal/infra/persistence/migrations"
	"github.com/coachpo/tradegate/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN; falls back to DATABASE_URL")
		dir     = fs.String("path", "", "Directory containing SQL migrations; the embedded set is used when empty")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}
	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = config.FromEnv().Postgres.DSN
	}
	if target == "" {
		return errors.New("-database flag or DATABASE_URL is required")
	}

	logger := observability.Nop()
	if !*quiet {
		l, err := observability.NewLogrus(observability.LogConfig{Level: "info", Format: "text"})
		if err != nil {
			return err
		}
		logger = l.With(observability.F("service", "migrate"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if strings.TrimSpace(*dir) == "" {
			return migrations.ApplyFS(ctx, target, dbmigrations.Files, logger)
		}
		return migrations.Apply(ctx, target, *dir, logger)
	case "down":
		if strings.TrimSpace(*dir) == "" {
			return errors.New("down requires -path")
		}
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, target, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
