// README: Vehicle ownership lookup against the profile-owned vehicles table.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadcall/internal/faults"
	"roadcall/internal/types"
)

// PGVehicleRegistry answers ownership checks from the vehicles table. The
// table is written by the profile system; dispatch only reads it.
type PGVehicleRegistry struct {
	db *pgxpool.Pool
}

func NewPGVehicleRegistry(db *pgxpool.Pool) *PGVehicleRegistry {
	return &PGVehicleRegistry{db: db}
}

func (r *PGVehicleRegistry) Owner(ctx context.Context, vehicleID string) (types.ID, error) {
	var owner string
	err := r.db.QueryRow(ctx, `SELECT owner_id FROM vehicles WHERE id = $1`, vehicleID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", faults.New(faults.NotFound, "vehicle not found")
	}
	if err != nil {
		return "", fmt.Errorf("lookup vehicle owner: %w", err)
	}
	return types.ID(owner), nil
}
