// Package statestore persists table states in SQLite or Postgres.
package statestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when no table state has the requested id.
	ErrNotFound = errors.New("table state not found")
	// ErrConflict is returned when creating a table state whose id is taken.
	ErrConflict = errors.New("table state already exists")
)

// Config selects and locates the database.
type Config struct {
	Driver string
	// Dir holds the SQLite file.
	Dir string
	// DSN is the Postgres connection string.
	DSN string
}

// DefaultConfig returns a Config using SQLite under ./data.
func DefaultConfig() Config {
	return Config{Driver: DriverSQLite, Dir: "data"}
}

// DB is a table-state repository.
type DB struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Open opens the database named by cfg and applies pending migrations.
func Open(cfg Config) (*DB, error) {
	def := DefaultConfig()
	if cfg.Driver == "" {
		cfg.Driver = def.Driver
	}
	var (
		conn *sql.DB
		err  error
	)
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Dir == "" {
			cfg.Dir = def.Dir
		}
		conn, err = openSQLite(cfg.Dir)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		conn, err = openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown state store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	db := &DB{db: conn, dialect: cfg.Driver, now: time.Now}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("state store opened", "driver", cfg.Driver)
	return db, nil
}

func openSQLite(dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "table_states.db")
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return conn, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, nil
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	dir := "migrations/" + db.dialect
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, e := range entries {
		version, err := strconv.Atoi(strings.SplitN(e.Name(), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("migration %s: bad version prefix", e.Name())
		}
		if version <= current {
			continue
		}
		body, err := migrations.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %03d: %w", version, err)
		}
		if err := db.apply(ctx, version, string(body)); err != nil {
			return err
		}
		slog.Info("applied migration", "version", version, "driver", db.dialect)
	}
	return nil
}

func (db *DB) apply(ctx context.Context, version int, body string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(body, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute migration %03d: %w", version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, db.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"), version, db.now().UnixNano()); err != nil {
		return fmt.Errorf("record migration %03d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %03d: %w", version, err)
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}
