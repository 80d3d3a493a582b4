// README: Kafka wire format and producer for the location firehose.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"roadcall/internal/modules/tracking"
	"roadcall/internal/types"
)

// LocationReport is the broker wire format for one provider position.
type LocationReport struct {
	ProviderID string   `json:"provider_id"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
	SpeedKmh   *float64 `json:"speed_kmh,omitempty"`
	AccuracyM  *float64 `json:"accuracy_m,omitempty"`
	Status     string   `json:"status"`
	JobID      string   `json:"job_id,omitempty"`
	// RecordedAt is the device timestamp in RFC 3339; empty means receive time.
	RecordedAt string `json:"recorded_at,omitempty"`
}

// ToPush converts the wire form to the tracking input, parsing the optional
// device timestamp.
func (r LocationReport) ToPush() (tracking.PushInput, error) {
	in := tracking.PushInput{
		ProviderID: types.ID(r.ProviderID),
		Position:   types.Point{Lat: r.Lat, Lng: r.Lng},
		HeadingDeg: r.HeadingDeg,
		SpeedKmh:   r.SpeedKmh,
		AccuracyM:  r.AccuracyM,
		Status:     r.Status,
	}
	if r.JobID != "" {
		id := types.ID(r.JobID)
		in.JobID = &id
	}
	if r.RecordedAt != "" {
		t, err := time.Parse(time.RFC3339, r.RecordedAt)
		if err != nil {
			return tracking.PushInput{}, fmt.Errorf("parse recorded_at: %w", err)
		}
		in.RecordedAt = t
	}
	return in, nil
}

const produceTimeout = 2 * time.Second

// Producer publishes location reports keyed by provider so a provider's
// reports stay ordered within a partition.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Producer{writer: w}
}

func (p *Producer) Publish(ctx context.Context, r LocationReport) error {
	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal location report: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.ProviderID), Value: b})
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
