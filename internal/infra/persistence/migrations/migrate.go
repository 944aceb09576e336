// Package migrations runs golang-migrate against the position snapshot database.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply runs every pending up migration found in migrationsDir.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	dir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, dir, func() (*migrate.Migrate, error) {
		return newFromURL(ctx, dsn, fileURL(dir))
	}, up, observability.OrNop(logger))
}

// ApplyFS runs every pending up migration embedded in fsys.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger observability.Logger) error {
	return run(ctx, dsn, "embedded", func() (*migrate.Migrate, error) {
		src, err := iofs.New(fsys, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return newFromSource(ctx, dsn, "iofs", src)
	}, up, observability.OrNop(logger))
}

// Rollback reverts steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	dir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, dir, func() (*migrate.Migrate, error) {
		return newFromURL(ctx, dsn, fileURL(dir))
	}, func(m *migrate.Migrate) error { return m.Steps(-steps) }, observability.OrNop(logger))
}

func up(m *migrate.Migrate) error {
	return m.Up()
}

func run(ctx context.Context, dsn, path string, open func() (*migrate.Migrate, error), step func(*migrate.Migrate) error, logger observability.Logger) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("database dsn required")
	}
	logger = logger.With(observability.F("component", "migrations"), observability.F("path", path))

	m, err := open()
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("migrations db close", observability.Err(dbErr))
		}
	}()

	logger.Info("running database migrations")
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied")
	logger.Info("database migrations applied")
	return nil
}

// openDriver returns a pgx v5 migrate driver. Closing the driver closes the connection.
func openDriver(ctx context.Context, dsn string) (database.Driver, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping migrations database: %w", err)
	}
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	return driver, nil
}

func newFromURL(ctx context.Context, dsn, sourceURL string) (*migrate.Migrate, error) {
	driver, err := openDriver(ctx, dsn)
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, nil
}

func newFromSource(ctx context.Context, dsn, name string, src source.Driver) (*migrate.Migrate, error) {
	driver, err := openDriver(ctx, dsn)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	m, err := migrate.NewWithInstance(name, src, "pgx5", driver)
	if err != nil {
		_ = driver.Close()
		_ = src.Close()
		return nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		counter, err := otel.Meter("persistence.migrations").Int64Counter("tradegate.db.migrations",
			metric.WithDescription("Migration runs via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(telemetry.AttrResult.String(result)))
}
