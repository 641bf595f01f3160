// Package users exposes the identity collaborator consumed during job
// creation: a single existence lookup by user id.
package users

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store looks up whether a claimed user id exists.
type Store interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// PostgresStore reads the users table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`

	if err := s.db.GetContext(ctx, &exists, query, userID); err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}
