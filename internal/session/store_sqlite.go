package session

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore provides SQLite-based session and turn storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		work_dir TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession records a session and its working directory binding
func (s *SQLiteStore) SaveSession(ctx context.Context, id, workDir string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, work_dir) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET work_dir = excluded.work_dir
	`, id, workDir)
	return err
}

// GetSessionWorkDir returns the working directory for a session
func (s *SQLiteStore) GetSessionWorkDir(ctx context.Context, id string) (string, error) {
	var workDir string
	err := s.db.QueryRowContext(ctx, `SELECT work_dir FROM sessions WHERE id = ?`, id).Scan(&workDir)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return workDir, nil
}

// SaveTurn appends a turn to a session's history
func (s *SQLiteStore) SaveTurn(ctx context.Context, sessionID string, turn *Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)
	`, sessionID, turn.Role, turn.Content, turn.CreatedAt)
	return err
}

// ListTurns returns the most recent turns in chronological order
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	query := `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM turns
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`
	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as unlimited
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn := &Turn{}
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// DeleteSession removes a session and all of its turns
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}
