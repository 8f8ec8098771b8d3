package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("already exists")
)

// SQLiteStore persists symbols, downloads, daily prices and configuration.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the analysis readers run while a download writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS symbols (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker       TEXT NOT NULL UNIQUE,
			company_name TEXT NOT NULL DEFAULT '',
			is_active    INTEGER NOT NULL DEFAULT 1,
			created_at   INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS downloads (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol_id     INTEGER NOT NULL REFERENCES symbols(id),
			downloaded_at INTEGER NOT NULL,
			start_date    TEXT NOT NULL,
			end_date      TEXT NOT NULL,
			status        TEXT NOT NULL,
			row_count     INTEGER NOT NULL DEFAULT 0,
			error         TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_downloads_symbol ON downloads(symbol_id, downloaded_at)`,

		`CREATE TABLE IF NOT EXISTS prices (
			symbol_id   INTEGER NOT NULL REFERENCES symbols(id),
			date        TEXT NOT NULL,
			open        TEXT NOT NULL,
			high        TEXT NOT NULL,
			low         TEXT NOT NULL,
			close       TEXT,
			volume      INTEGER NOT NULL,
			download_id INTEGER REFERENCES downloads(id),
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (symbol_id, date)
		)`,

		`CREATE TABLE IF NOT EXISTS configuration (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			updated_at  INTEGER NOT NULL
		)`,
	}

	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return fmt.Errorf("exec %q: %w", head(st, 40), err)
		}
	}
	return nil
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// isUniqueViolation matches the constraint error text of the sqlite driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetConfigValue returns a stored configuration value.
func (s *SQLiteStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM configuration WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get config %q: %w", key, err)
	}
	return v, nil
}

// SetConfigValue inserts or replaces a configuration value.
func (s *SQLiteStore) SetConfigValue(ctx context.Context, key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO configuration (key, value, description, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			description = excluded.description, updated_at = excluded.updated_at`,
		key, value, description, s.now().Unix())
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	log.Info().Msg("closing sqlite store")
	return s.db.Close()
}
