package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// schemaSQL is the single source of truth for the database schema,
// embedded at compile time from schema.sql.
//
//go:embed schema.sql
var schemaSQL string

// DB wraps a SQLite database connection with write serialization.
type DB struct {
	conn    *sql.DB
	writeMu sync.Mutex // serializes writes to avoid nested-transaction errors
}

// Connect opens a SQLite database with WAL mode enabled.
func Connect(dbPath string) (*DB, error) {
	dsn := dbPath + "?_journal=WAL&_fk=1&_busy_timeout=5000"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time: a single connection plus the
	// write mutex keeps concurrent confirmations from tripping over each
	// other's transactions.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	log.Printf("Connected to SQLite database: %s", dbPath)
	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// EnsureSchema creates tables if they don't exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Println("Database schema ensured (from embedded schema.sql)")
	return nil
}
