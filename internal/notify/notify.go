// README: Real-time fan-out channel with publish-by-topic semantics.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"roadcall/internal/types"
)

// Event is a single fan-out message. Payload must be JSON-serialisable.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Event types published by the core.
const (
	EventNewBroadcast  = "new_broadcast"
	EventOfferReceived = "offer_received"
	EventOfferAccepted = "offer_accepted"
	EventOfferRejected = "offer_rejected"
	EventBroadcastOver = "broadcast_closed"
	EventETAUpdate     = "eta_update"
)

// JobTopic is the per-job channel the customer subscribes to.
func JobTopic(jobID types.ID) string {
	return fmt.Sprintf("job:%s", string(jobID))
}

// ProviderTopic is the per-provider channel for new-broadcast and
// offer-outcome notifications.
func ProviderTopic(providerID types.ID) string {
	return fmt.Sprintf("provider:%s", string(providerID))
}

// Publisher fans an event out to every subscriber of a topic.
// Delivery is best effort; the dispatch core never fails an operation
// because a notification could not be delivered.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// RedisPublisher delivers events over Redis pub/sub channels.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.Publish(ctx, topic, body).Err()
}

// Subscribe returns a channel of raw events for a topic. Used by the
// request layer to bridge subscriptions to its own transport.
func (p *RedisPublisher) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	sub := p.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

// Noop discards all events; used in tests and offline tooling.
type Noop struct{}

func (Noop) Publish(context.Context, string, Event) error { return nil }
