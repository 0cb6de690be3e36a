// Package store persists session snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"cadence-ai/internal/domain"
	"cadence-ai/internal/usecase"
)

// SQLiteSessionStore implements usecase.SessionStore using SQLite.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration. Parent directories are created as needed.
func NewSQLiteSessionStore(dbPath string) (*SQLiteSessionStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			prompt_mode        TEXT NOT NULL DEFAULT 'agent',
			history            TEXT NOT NULL DEFAULT '[]',
			completed_turns    INTEGER NOT NULL DEFAULT 0,
			compression_failed INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

// Save upserts a session snapshot.
func (s *SQLiteSessionStore) Save(_ context.Context, snap usecase.Snapshot) error {
	histJSON, err := json.Marshal(snap.History)
	if err != nil {
		return fmt.Errorf("marshal session history: %w", err)
	}
	failed := 0
	if snap.CompressionFailed {
		failed = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, prompt_mode, history, completed_turns, compression_failed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prompt_mode        = excluded.prompt_mode,
			history            = excluded.history,
			completed_turns    = excluded.completed_turns,
			compression_failed = excluded.compression_failed,
			updated_at         = excluded.updated_at`,
		snap.ID, snap.PromptMode, string(histJSON), snap.CompletedTurns, failed,
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapOp("SQLiteSessionStore.Save", fmt.Errorf("%w: %v", domain.ErrStore, err))
	}
	return nil
}

// Load fetches a session snapshot by ID.
func (s *SQLiteSessionStore) Load(_ context.Context, id string) (usecase.Snapshot, error) {
	row := s.db.QueryRow(
		"SELECT id, prompt_mode, history, completed_turns, compression_failed, created_at, updated_at FROM sessions WHERE id = ?", id,
	)

	var snap usecase.Snapshot
	var histStr, createdStr, updatedStr string
	var failed int
	if err := row.Scan(&snap.ID, &snap.PromptMode, &histStr, &snap.CompletedTurns, &failed, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return usecase.Snapshot{}, domain.ErrSessionNotFound
		}
		return usecase.Snapshot{}, domain.WrapOp("SQLiteSessionStore.Load", err)
	}
	if err := json.Unmarshal([]byte(histStr), &snap.History); err != nil {
		return usecase.Snapshot{}, fmt.Errorf("unmarshal session history: %w", err)
	}
	snap.CompressionFailed = failed != 0

	created, err := time.Parse(time.RFC3339Nano, createdStr)
	if err != nil {
		return usecase.Snapshot{}, fmt.Errorf("parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedStr)
	if err != nil {
		return usecase.Snapshot{}, fmt.Errorf("parse updated_at: %w", err)
	}
	snap.CreatedAt = created
	snap.UpdatedAt = updated
	return snap, nil
}

// Delete removes a session by ID.
func (s *SQLiteSessionStore) Delete(_ context.Context, id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return domain.WrapOp("SQLiteSessionStore.Delete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// List returns all session IDs ordered by creation time.
func (s *SQLiteSessionStore) List(_ context.Context) ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, domain.WrapOp("SQLiteSessionStore.List", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ usecase.SessionStore = (*SQLiteSessionStore)(nil)
