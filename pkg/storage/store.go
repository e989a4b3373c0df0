package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dougsko/k4d/pkg/logging"
)

// Store handles persistent storage of radio configurations and the CAT
// command history
type Store struct {
	db         *sql.DB
	dbPath     string
	maxHistory int
}

// NewStore creates a new store with SQLite backend
func NewStore(dbPath string, maxHistory int) (*Store, error) {
	store := &Store{
		dbPath:     dbPath,
		maxHistory: maxHistory,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (s *Store) initialize() error {
	if s.dbPath == "" {
		s.dbPath = "./k4d.db"
	}

	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := s.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := s.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := s.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Info(logging.CompStorage, "Store initialized", map[string]interface{}{
		"path":        s.dbPath,
		"max_history": s.maxHistory,
	})
	return nil
}

// createTables creates the database schema
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS radios (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 9205,
		password TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		description TEXT NOT NULL DEFAULT '',
		last_connected DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS command_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		radio_id TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history_stats (
		id INTEGER PRIMARY KEY,
		total_commands INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO history_stats (id, total_commands) VALUES (1, 0);
	`

	_, err := s.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (s *Store) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_radios_name ON radios(name)",
		"CREATE INDEX IF NOT EXISTS idx_history_timestamp ON command_history(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_history_radio ON command_history(radio_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
