// README: Device-token registry and the push-alert bridge built on it.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadcall/internal/faults"
	"roadcall/internal/types"
)

// DeviceTokens resolves a provider's current push token. Tokens are written
// by the user-profile system; this side only reads them.
type DeviceTokens interface {
	Token(ctx context.Context, providerID types.ID) (string, error)
}

// PGDeviceRegistry reads push tokens from the provider_devices table.
type PGDeviceRegistry struct {
	db *pgxpool.Pool
}

func NewPGDeviceRegistry(db *pgxpool.Pool) *PGDeviceRegistry {
	return &PGDeviceRegistry{db: db}
}

func (r *PGDeviceRegistry) Token(ctx context.Context, providerID types.ID) (string, error) {
	var token string
	err := r.db.QueryRow(ctx,
		`SELECT fcm_token FROM provider_devices WHERE provider_id = $1`,
		string(providerID),
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", faults.Newf(faults.NotFound, "no registered device for provider %s", string(providerID))
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// DeviceAlerter pairs the token registry with the FCM pusher. A provider
// without a registered device is skipped silently; pub/sub remains the
// primary channel and push is the wake-up.
type DeviceAlerter struct {
	tokens DeviceTokens
	pusher *Pusher
	logger *slog.Logger
}

func NewDeviceAlerter(tokens DeviceTokens, pusher *Pusher, logger *slog.Logger) *DeviceAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceAlerter{tokens: tokens, pusher: pusher, logger: logger}
}

func (a *DeviceAlerter) AlertNewBroadcast(ctx context.Context, providerID types.ID, alert JobAlert) error {
	token, err := a.tokens.Token(ctx, providerID)
	if err != nil {
		if faults.IsKind(err, faults.NotFound) {
			return nil
		}
		return err
	}
	return a.pusher.PushJobAlert(ctx, token, alert)
}
