package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aayush-48/MeshPe/internal/domain"
)

const schema = `
	CREATE TABLE IF NOT EXISTS session_identity (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL,
		language TEXT NOT NULL,
		saved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)
`

// SQLiteStore keeps the identity in a single-row SQLite table so a session
// survives restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and ensures the schema
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init identity schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (domain.Identity, error) {
	var id domain.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, phone, language FROM session_identity WHERE slot = 1`,
	).Scan(&id.ID, &id.Name, &id.Phone, &id.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, ErrNotFound
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to load identity: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id domain.Identity) error {
	if !id.Valid() {
		return errors.New("identity has no user id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_identity (slot, user_id, name, phone, language, saved_at)
		VALUES (1, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (slot) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			phone = excluded.phone,
			language = excluded.language,
			saved_at = excluded.saved_at
	`, id.ID, id.Name, id.Phone, id.Language)
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_identity`); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
