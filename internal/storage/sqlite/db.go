// Package sqlite persists the pose journal: one row per capture session and
// one row per registration cycle, so that accepted transforms survive a
// restart and can seed the next session's coarse alignment.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/depthfuse/internal/monitoring"
)

// Migrations holds the schema migrations compiled into the binary.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// DB wraps the journal database handle.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// connection pragmas. Use ":memory:" for a private in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &DB{db}, nil
}

// MigrateUp applies all pending migrations from migrations, whose root
// holds the NNNNNN_name.{up,down}.sql files. A nil fs uses the embedded
// set.
func (db *DB) MigrateUp(migrations fs.FS) error {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return err
	}
	// m is not closed: that would close db.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version and dirty state, or
// 0, false when no migration has run.
func (db *DB) MigrateVersion(migrations fs.FS) (uint, bool, error) {
	m, err := db.newMigrate(migrations)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate(migrations fs.FS) (*migrate.Migrate, error) {
	dir := "."
	if migrations == nil {
		migrations, dir = Migrations, "migrations"
	}
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(db.DB, &msqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }
