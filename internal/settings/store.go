// README: Settings store backed by PostgreSQL.
package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads settings from the settings table. Missing keys are reported
// as absent so the accessor can apply defaults.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key)
	var v string
	err := row.Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set upserts a setting value (admin/tooling path).
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO settings (key, value, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value,
	)
	return err
}
