// README: FCM push delivery for provider devices.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"firebase.google.com/go/v4/messaging"

	"roadcall/internal/types"
)

// JobAlert is the payload pushed to a provider device when a new broadcast
// opens near them.
type JobAlert struct {
	JobID       types.ID
	JobNumber   string
	ServiceType string
	PickupLat   float64
	PickupLng   float64
	DistanceKm  float64
	QuotedPrice float64
	Currency    string
}

// Messenger is the slice of the FCM client the pusher uses.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Pusher sends data messages to provider devices. Device tokens are
// resolved by the caller (the user-profile system owns them).
type Pusher struct {
	client Messenger
	logger *slog.Logger
}

func NewPusher(client Messenger, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{client: client, logger: logger}
}

// PushJobAlert sends an FCM data message to the given device token.
func (p *Pusher) PushJobAlert(ctx context.Context, deviceToken string, alert JobAlert) error {
	if deviceToken == "" {
		return fmt.Errorf("empty device token for job %s", string(alert.JobID))
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Data: map[string]string{
			"type":         EventNewBroadcast,
			"job_id":       string(alert.JobID),
			"job_number":   alert.JobNumber,
			"service_type": alert.ServiceType,
			"pickup_lat":   strconv.FormatFloat(alert.PickupLat, 'f', 6, 64),
			"pickup_lng":   strconv.FormatFloat(alert.PickupLng, 'f', 6, 64),
			"distance_km":  strconv.FormatFloat(alert.DistanceKm, 'f', 2, 64),
			"quoted_price": strconv.FormatFloat(alert.QuotedPrice, 'f', 2, 64),
		},
		Notification: &messaging.Notification{
			Title: "New job nearby",
			Body:  fmt.Sprintf("%s request %.1f km away, quoted %.2f %s", alert.ServiceType, alert.DistanceKm, alert.QuotedPrice, alert.Currency),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := p.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM to token %s: %w", deviceToken, err)
	}
	p.logger.Debug("fcm sent", "job_id", string(alert.JobID), "message_id", messageID)
	return nil
}
