// internal/database/db.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Register the "pgx" and "sqlite" drivers for database/sql
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"workflow-crawler/migrations"
)

// Dialect identifies the SQL flavour of the store.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// DB is an open, migrated store.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Dialect returns the SQL flavour of the store.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Queries returns a query helper that runs outside any transaction.
func (db *DB) Queries() *Queries {
	return New(db.DB, db.dialect)
}

// IsPostgresDSN reports whether dsn is a postgres connection URL.
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// Open connects to the store named by dsn and applies the embedded migrations.
// postgres:// URLs use pgx; anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if IsPostgresDSN(dsn) {
		return openPostgres(ctx, dsn)
	}
	return openSQLite(ctx, dsn)
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(ON)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", filepath.ToSlash(absPath))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the crawl session holds a single transaction at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise migrate driver: %w", err)
	}
	if err := runMigrations(driver, "sqlite", "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{DB: db, dialect: DialectSQLite}, nil
}

func openPostgres(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migratePostgres(dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{DB: db, dialect: DialectPostgres}, nil
}

// migratePostgres runs the migrations on a handle of its own. The pgx driver pins
// a connection until it is closed, and closing it closes the handle too.
func migratePostgres(dsn string) error {
	migrationDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := migratepgx.WithInstance(migrationDB, &migratepgx.Config{})
	if err != nil {
		_ = migrationDB.Close()
		return fmt.Errorf("failed to initialise migrate driver: %w", err)
	}
	defer func() {
		_ = driver.Close()
	}()

	return runMigrations(driver, "pgx5", "postgres")
}

// runMigrations applies the migrations in dir. The migrator is left open; closing
// it would close the database handle behind driver.
func runMigrations(driver database.Driver, driverName, dir string) error {
	sourceDriver, err := iofs.New(migrations.Files, dir)
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	defer func() {
		_ = sourceDriver.Close()
	}()

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
