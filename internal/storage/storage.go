// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage persists preimage records and swap sessions for the daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if needed) the daemon's database under cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "subswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Preimage records, keyed by payment hash. The preimage itself is
	-- stored sealed (Argon2id + AES-256-GCM envelope, JSON-encoded).
	CREATE TABLE IF NOT EXISTS preimages (
		payment_hash TEXT PRIMARY KEY,
		invoice TEXT,
		sealed BLOB NOT NULL,
		revealed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		revealed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_preimages_revealed ON preimages(revealed);

	-- Swap session journal. One row per protocol run per role; lets a
	-- restarted process resume from the last recorded state.
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		state TEXT NOT NULL,
		payment_hash TEXT NOT NULL,
		amount_sats INTEGER NOT NULL,
		invoice TEXT,

		-- Contract parameters (enough to rebuild the HTLC deterministically)
		claim_pubkey TEXT,
		refund_pubkey TEXT,
		timelock INTEGER NOT NULL DEFAULT 0,
		variant TEXT,
		htlc_address TEXT,

		-- Funding coordinates once observed
		funding_txid TEXT,
		funding_vout INTEGER NOT NULL DEFAULT 0,
		funding_value INTEGER NOT NULL DEFAULT 0,

		-- Result
		spend_txid TEXT,
		failure_reason TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_hash ON sessions(payment_hash);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
