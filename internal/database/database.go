package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"storybridge/internal/domain"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Required by the library implementation.
)

// Database is the story cache. It is safe for concurrent use; each upsert is
// its own atomic statement.
type Database struct {
	db       *sql.DB
	pushable []domain.FeedStatus
	log      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// New opens the sqlite database at dbPath and applies pending migrations.
// pushable is the set of feed statuses eligible for the outbound push.
func New(
	ctx context.Context,
	dbPath string,
	pushable []domain.FeedStatus,
	log *slog.Logger,
) (*Database, error) {
	dbFile, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open DB file: %w", err)
	}

	d := &Database{
		db:       dbFile,
		pushable: pushable,
		log:      log,
	}

	dbInstance, err := sqlite3.WithInstance(dbFile, &sqlite3.Config{})
	if err != nil {
		return nil, d.closeAfter(ctx, fmt.Errorf("create migration driver: %w", err))
	}

	srcInstance, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, d.closeAfter(ctx, fmt.Errorf("read embedded migrations: %w", err))
	}

	m, err := migrate.NewWithInstance("iofs", srcInstance, "sqlite3", dbInstance)
	if err != nil {
		return nil, d.closeAfter(ctx, fmt.Errorf("create migrator: %w", err))
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return nil, d.closeAfter(ctx, fmt.Errorf("migrate stories schema: %w", upErr))
	}

	version, dirty, versionErr := m.Version()
	switch {
	case versionErr != nil && !errors.Is(versionErr, migrate.ErrNilVersion):
		log.WarnContext(ctx, "Failed to read schema version",
			"error", versionErr,
			"dbPath", dbPath)
	case upErr != nil:
		log.InfoContext(ctx, "Story cache schema is up to date",
			"dbPath", dbPath,
			"version", version)
	default:
		log.InfoContext(ctx, "Story cache schema is migrated",
			"dbPath", dbPath,
			"version", version,
			"dirty", dirty)
	}

	return d, nil
}

// closeAfter closes a database that failed to initialize and returns cause.
func (d *Database) closeAfter(ctx context.Context, cause error) error {
	if err := d.db.Close(); err != nil {
		d.log.ErrorContext(ctx, "Failed to close DB after failed initialization",
			"error", err)
	}

	return cause
}

// Close closes the underlying connection. Every later call fails with
// domain.ErrStoreUnavailable.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	return d.db.Close()
}

// conn returns the live connection or ErrStoreUnavailable. The read lock is
// held until release is called so Close waits for in-flight queries.
func (d *Database) conn() (*sql.DB, func(), error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, nil, domain.ErrStoreUnavailable
	}

	return d.db, d.mu.RUnlock, nil
}
