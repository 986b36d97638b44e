package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration
// ARCHITECTURAL DISCOVERY: Configuration struct provides all database settings
// needed for production deployment without hardcoded values
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// DefaultConfig returns production-ready database configuration
// FUNCTIONAL DISCOVERY: Membership lookups are short reads issued once per recipient
// per message, so a modest pool serves many concurrent broadcasts under WAL
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/roomrelay.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string for path
// TECHNICAL DISCOVERY: Foreign keys and the busy timeout are per-connection settings,
// so they travel in the DSN and apply to every pooled connection
func DSN(path string) string {
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Open opens and tunes the SQLite database described by c
func Open(c *Config) (*sql.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(c.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", DSN(c.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(c.MaxConnections)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	return db, nil
}

// SQLite optimization pragmas
// ARCHITECTURAL DISCOVERY: WAL mode enables concurrent membership reads while the
// store keeps a single writer
var sqliteOptimizations = []string{
	"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrency
	"PRAGMA synchronous = NORMAL", // Balance safety and performance
	"PRAGMA cache_size = -16000",  // 16MB cache (negative = KB)
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

func applySQLiteOptimizations(db *sql.DB) error {
	for _, pragma := range sqliteOptimizations {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
