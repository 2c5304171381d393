// Package persistence provides the SQLite-backed durable mirror of the
// workspace session registry, so identifier mappings and session metadata
// survive gateway restarts.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is the durable form of a workspace session: the stable
// workspace id the gateway minted, the engine session id currently mapped
// to it, and enough metadata to list and resume the session later.
type SessionRecord struct {
	WorkspaceID     string `json:"workspaceId"`
	UserID          string `json:"userId"`
	EngineSessionID string `json:"engineSessionId"`
	WorkDir         string `json:"workDir"`
	Title           string `json:"title"`
	CreatedAt       string `json:"createdAt"` // ISO 8601
	UpdatedAt       string `json:"updatedAt"`
}

// Store provides persistent session state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	// Create schema_version table if not exists
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Get current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the initial sessions table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			workspace_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			engine_session_id TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`)
	return err
}

// migrateV2 adds the title column for the session history UI.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE sessions ADD COLUMN title TEXT NOT NULL DEFAULT ''`)
	return err
}

// UpsertSession persists a workspace session record. Missing timestamps
// are filled with the current time.
func (s *Store) UpsertSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions
			(workspace_id, user_id, engine_session_id, work_dir, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkspaceID, rec.UserID, rec.EngineSessionID, rec.WorkDir, rec.Title, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a persisted session record.
// Returns nil, nil if no record exists for the given workspace ID.
func (s *Store) GetSession(workspaceID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec SessionRecord
	err := s.db.QueryRow(
		`SELECT workspace_id, user_id, engine_session_id, work_dir, title, created_at, updated_at
		FROM sessions WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&rec.WorkspaceID, &rec.UserID, &rec.EngineSessionID, &rec.WorkDir,
		&rec.Title, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

// UpdateEngineSessionID records the engine session id currently mapped to a
// workspace session. Last write wins; the engine mints a fresh id on every
// resumed conversation.
func (s *Store) UpdateEngineSessionID(workspaceID, engineSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET engine_session_id = ?, updated_at = ? WHERE workspace_id = ?",
		engineSessionID, time.Now().UTC().Format(time.RFC3339), workspaceID,
	)
	if err != nil {
		return fmt.Errorf("update engine session id: %w", err)
	}
	return nil
}

// UpdateTitle sets the display title of a session. Called once with a
// snippet of the first user prompt.
func (s *Store) UpdateTitle(workspaceID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET title = ?, updated_at = ? WHERE workspace_id = ?",
		title, time.Now().UTC().Format(time.RFC3339), workspaceID,
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// ListSessions returns all sessions for a user, newest first.
func (s *Store) ListSessions(userID string) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT workspace_id, user_id, engine_session_id, work_dir, title, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC, workspace_id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.WorkspaceID, &rec.UserID, &rec.EngineSessionID, &rec.WorkDir,
			&rec.Title, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	if recs == nil {
		recs = []SessionRecord{}
	}
	return recs, nil
}

// DeleteSession removes a persisted session record. Transcript files are
// the engine's property and are left untouched.
func (s *Store) DeleteSession(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE workspace_id = ?", workspaceID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SessionCount returns the number of sessions for a user.
func (s *Store) SessionCount(userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}
