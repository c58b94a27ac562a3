// Package database is the record-store collaborator: match results, chat
// history, and the token blacklist live here. The core stays in-memory and
// volatile; everything in this package is optional at runtime.
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"arena1/config"
	"arena1/logging"
)

type DB struct {
	*sql.DB
}

// NewConnection opens the configured postgres pool. Callers should treat a
// nil *DB as "collaborator absent" and degrade to in-memory behavior.
func NewConnection() (*DB, error) {
	dsn := config.GetDatabaseDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.Info("database connection established", map[string]interface{}{
		"host": config.Config.Database.Host,
		"port": config.Config.Database.Port,
		"name": config.Config.Database.Name,
	})

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// InitializeSchema creates the collaborator tables when missing
func (db *DB) InitializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS match_results (
		id UUID PRIMARY KEY,
		room_id UUID NOT NULL,
		game_mode TEXT NOT NULL,
		map_name TEXT NOT NULL,
		winner TEXT NOT NULL,
		reason TEXT NOT NULL,
		scores JSONB NOT NULL,
		duration_ticks BIGINT NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id UUID PRIMARY KEY,
		room_id UUID NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		body TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS chat_messages_room_idx ON chat_messages (room_id, sent_at);

	CREATE TABLE IF NOT EXISTS token_blacklist (
		token_id TEXT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	logging.Info("database schema initialized", nil)
	return nil
}
