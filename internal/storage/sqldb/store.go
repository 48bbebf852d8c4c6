// Package sqldb implements the gateway's persistence on SQLite or PostgreSQL:
// API keys, user profiles, rate limit buckets and the usage log.
package sqldb

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/iotedge-gateway/internal/storage"
	"github.com/tjfontaine/iotedge-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of storage.Store that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	boolType := s.dialect.BooleanType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
id TEXT PRIMARY KEY,
organization_id TEXT NOT NULL,
name TEXT NOT NULL DEFAULT '',
key_prefix TEXT NOT NULL,
key_hash TEXT NOT NULL UNIQUE,
scopes TEXT NOT NULL DEFAULT '[]',
expires_at BIGINT,
is_active %s NOT NULL,
created_at BIGINT NOT NULL,
last_used_at BIGINT
)`, boolType),
		`CREATE TABLE IF NOT EXISTS profiles (
user_id TEXT PRIMARY KEY,
default_organization_id TEXT
)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_buckets (
api_key_id TEXT NOT NULL,
bucket_type TEXT NOT NULL,
current_count BIGINT NOT NULL DEFAULT 0,
limit_value BIGINT NOT NULL,
reset_time BIGINT NOT NULL,
PRIMARY KEY (api_key_id, bucket_type)
)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
id TEXT PRIMARY KEY,
request_id TEXT NOT NULL,
organization_id TEXT,
api_key_id TEXT,
endpoint TEXT NOT NULL,
method TEXT NOT NULL,
response_status INTEGER NOT NULL,
processing_time_ms BIGINT NOT NULL,
ip_address TEXT,
user_agent TEXT,
created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_org ON api_keys(organization_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_org_created ON usage_logs(organization_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_key ON usage_logs(api_key_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, ch := range s {
		if ch == '\n' {
			return s[:i]
		}
	}
	return s
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
