// Package store handles database connectivity, migrations, and data access
// for the fedisky bridge. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB with driver-specific placeholder handling and
// in-memory caches for the hot PostMapping lookup path.
type Store struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"

	// mappingByAP/mappingByNote front the post_mappings table so the firehose
	// and inbox paths don't round-trip to the database for every lookup.
	mappingByAP   sync.Map // atUri -> apNoteId
	mappingByNote sync.Map // apNoteId -> atUri
}

// Open opens (and if necessary creates) the store at databaseURL, detecting
// the driver from the URL scheme.
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driverName(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
		if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
			return nil, fmt.Errorf("set foreign_keys: %w", err)
		}
		if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
			return nil, fmt.Errorf("set synchronous: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(4)
	}

	return &Store{db: db, driver: driver}, nil
}

func driverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func detectDriver(databaseURL string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://")
	default:
		return "sqlite", databaseURL
	}
}

// commonMigrations is the ordered list of schema statements, shared between
// drivers. Forward-only: never edit a statement once released, append a new
// one instead.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS follows (
		user_did TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		actor_inbox TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_did, activity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_user_created ON follows(user_did, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_user_actor ON follows(user_did, actor_uri)`,

	`CREATE TABLE IF NOT EXISTS key_pairs (
		user_did TEXT NOT NULL,
		type TEXT NOT NULL,
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_did, type)
	)`,

	`CREATE TABLE IF NOT EXISTS bridge_account (
		id INTEGER PRIMARY KEY,
		did TEXT NOT NULL,
		handle TEXT NOT NULL,
		password TEXT NOT NULL,
		access_jwt TEXT NOT NULL,
		refresh_jwt TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS post_mappings (
		at_uri TEXT NOT NULL UNIQUE,
		ap_note_id TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS monitored_posts (
		at_uri TEXT PRIMARY KEY,
		author_did TEXT NOT NULL,
		last_checked TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitored_posts_last_checked ON monitored_posts(last_checked)`,

	`CREATE TABLE IF NOT EXISTS external_replies (
		at_uri TEXT PRIMARY KEY,
		parent_at_uri TEXT NOT NULL,
		author_did TEXT NOT NULL,
		ap_note_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		timestamp TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp)`,
}

// Migrate runs all pending migrations. A failure aborts boot; callers should
// treat a non-nil error as fatal.
func (s *Store) Migrate() error {
	if s.driver == "postgres" {
		return s.migratePostgres()
	}
	return s.migrateSQLite()
}

func (s *Store) migrateSQLite() error {
	for _, stmt := range commonMigrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %s: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) migratePostgres() error {
	for _, stmt := range commonMigrations {
		if _, err := s.db.Exec(stmt); err != nil && !alreadyExists(err) {
			return fmt.Errorf("migration failed: %s: %w", stmt, err)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

// ph returns the driver-appropriate placeholder for the n-th (1-indexed) bind
// parameter.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func nowRFC3339Nano() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
