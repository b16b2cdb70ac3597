// Package migrations runs the tradeguard schema migrations with golang-migrate,
// either from a directory on disk or from the files embedded in the binary.
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
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")
	errNoSource     = errors.New("migrations source required")
)

// Source is where migration files come from.
type Source struct {
	label string
	open  func(database.Driver) (*migrate.Migrate, error)
}

// String names the source in logs and metrics.
func (s Source) String() string { return s.label }

// FromDir reads migrations from dir. The path is resolved and checked
// before any connection is made.
func FromDir(dir string) (Source, error) {
	abs, err := resolveDir(dir)
	if err != nil {
		return Source{}, err
	}
	return Source{
		label: abs,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			return migrate.NewWithDatabaseInstance(fileURL(abs), "pgx5", driver)
		},
	}, nil
}

// FromFS reads migrations from the root of fsys.
func FromFS(fsys fs.FS) (Source, error) {
	if fsys == nil {
		return Source{}, fmt.Errorf("embedded migrations: %w", errNoSource)
	}
	return Source{
		label: "embedded",
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			src, err := iofs.New(fsys, ".")
			if err != nil {
				return nil, fmt.Errorf("open embedded migrations: %w", err)
			}
			return migrate.NewWithInstance("iofs", src, "pgx5", driver)
		},
	}, nil
}

// Up applies every pending migration. An up-to-date schema is not an error.
func Up(ctx context.Context, dsn string, src Source, logger observability.Logger) error {
	return execute(ctx, dsn, src, logger, "up", func(m *migrate.Migrate) error { return m.Up() })
}

// Down reverts the last steps migrations.
func Down(ctx context.Context, dsn string, src Source, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback %d: %w", steps, errInvalidSteps)
	}
	return execute(ctx, dsn, src, logger, "down", func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func execute(ctx context.Context, dsn string, src Source, logger observability.Logger, direction string, step func(*migrate.Migrate) error) (err error) {
	if src.open == nil {
		return errNoSource
	}
	if logger == nil {
		logger = observability.Log()
	}
	log := observability.With(logger, observability.F("direction", direction), observability.F("source", src.label))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Warn("close migrations connection", observability.F("error", cerr))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := src.open(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn("close migrate instance", observability.F("sourceError", srcErr), observability.F("dbError", dbErr))
		}
	}()

	log.Info("running database migrations")
	result := "applied"
	switch stepErr := step(m); {
	case errors.Is(stepErr, migrate.ErrNoChange):
		result = "noop"
		log.Info("database schema up to date")
	case stepErr != nil:
		result = "failed"
		err = fmt.Errorf("migrate %s: %w", direction, stepErr)
	default:
		log.Info("database migrations complete")
	}
	countRun(ctx, direction, result, src.label)
	return err
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path: %w", errNoSource)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("migrations directory: %w", err)
	case err != nil:
		return "", fmt.Errorf("stat migrations directory: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return abs, nil
}

// fileURL turns a local path into the file:// URL golang-migrate expects,
// including Windows drive paths.
func fileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

var runCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("tradeguard/migrations").Int64Counter("tradeguard.db.migration.runs",
		metric.WithDescription("Migration runs by direction and outcome"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil
	}
	return counter
})

func countRun(ctx context.Context, direction, result, source string) {
	counter := runCounter()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
		attribute.String("source", source),
	))
}
