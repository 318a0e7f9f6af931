package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// maxReaders bounds the read pool. WAL readers do not block the writer.
const maxReaders = 4

// DB is an open hotswap database. Writes go through a single connection;
// reads use a separate read-only pool so a long query never holds up an
// append.
type DB struct {
	db     *sql.DB
	reader *sql.DB
}

// Open creates or opens a SQLite database at path, applies pragmas and
// brings the schema up to date. Safe to call repeatedly on the same file.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	reader, err := openReader(path)
	if err != nil {
		db.Close()
		return nil, err
	}
	if reader == nil {
		reader = db
	}

	return &DB{db: db, reader: reader}, nil
}

// openReader opens the read-only pool. It returns nil for in-memory
// databases, which a second pool would not share.
func openReader(path string) (*sql.DB, error) {
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		return nil, nil
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "mode=ro&_busy_timeout=5000&_foreign_keys=on"

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	if err := reader.Ping(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to connect read pool: %w", err)
	}
	reader.SetMaxOpenConns(maxReaders)
	reader.SetMaxIdleConns(maxReaders)
	return reader, nil
}

// Wrap uses an already configured connection for both reads and writes,
// without touching its schema.
func Wrap(db *sql.DB) *DB {
	return &DB{db: db, reader: db}
}

// Close closes both pools.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	var errs []error
	if d.reader != nil && d.reader != d.db {
		errs = append(errs, d.reader.Close())
	}
	errs = append(errs, d.db.Close())
	return errors.Join(errs...)
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// SQL returns the write handle. It has a single connection: a statement
// left open on it blocks every append.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Reader returns the read-only pool.
func (d *DB) Reader() *sql.DB {
	return d.reader
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// migrateUp applies pending migrations. The migrate instance is not closed:
// closing it would close db.
func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		slog.Warn("database is in dirty state, forcing recorded version", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to recover dirty migration state at version %d: %w", version, err)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Debug("database migrated", "from_version", version, "to_version", newVersion)
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (d *DB) verifyPragma(name, expected string) error {
	var value string
	if err := d.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
