package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore provides Postgres-based session and turn storage via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres with the given DSN and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		work_dir TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS turns (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveSession records a session and its working directory binding
func (s *PostgresStore) SaveSession(ctx context.Context, id, workDir string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, work_dir) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET work_dir = EXCLUDED.work_dir
	`, id, workDir)
	return err
}

// GetSessionWorkDir returns the working directory for a session
func (s *PostgresStore) GetSessionWorkDir(ctx context.Context, id string) (string, error) {
	var workDir string
	err := s.pool.QueryRow(ctx, `SELECT work_dir FROM sessions WHERE id = $1`, id).Scan(&workDir)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return workDir, nil
}

// SaveTurn appends a turn to a session's history
func (s *PostgresStore) SaveTurn(ctx context.Context, sessionID string, turn *Turn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turns (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)
	`, sessionID, turn.Role, turn.Content, turn.CreatedAt)
	return err
}

// ListTurns returns the most recent turns in chronological order
func (s *PostgresStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	query := `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM turns
			WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC
	`

	var limitArg any
	if limit > 0 {
		limitArg = limit
	} // nil means LIMIT ALL

	rows, err := s.pool.Query(ctx, query, sessionID, limitArg)
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
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	return err
}
