// README: Kafka consumer loop feeding the tracking service.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"roadcall/internal/modules/tracking"
	"roadcall/internal/observability"
)

// LocationSink accepts decoded reports. *tracking.Service satisfies it.
type LocationSink interface {
	PushLocation(ctx context.Context, in tracking.PushInput) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type Consumer struct {
	reader messageReader
	sink   LocationSink
	logger *slog.Logger
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *slog.Logger
}

func NewConsumer(cfg ConsumerConfig, sink LocationSink) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, sink: sink, logger: logger}
}

const maxReadBackoff = 30 * time.Second

// Run consumes until ctx is cancelled. Read errors back off exponentially;
// undecodable or rejected messages are counted and skipped, never retried.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The reader reports io.EOF once closed.
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("broker read failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReadBackoff {
				backoff = maxReadBackoff
			}
			continue
		}
		backoff = time.Second
		observability.IngestConsumed.Inc()
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var report LocationReport
	if err := json.Unmarshal(m.Value, &report); err != nil {
		observability.IngestInvalid.Inc()
		c.logger.Warn("undecodable location message", "err", err)
		return
	}
	in, err := report.ToPush()
	if err != nil {
		observability.IngestInvalid.Inc()
		c.logger.Warn("malformed location report", "provider_id", report.ProviderID, "err", err)
		return
	}
	if err := c.sink.PushLocation(ctx, in); err != nil {
		observability.IngestRejected.Inc()
		c.logger.Warn("location report rejected", "provider_id", report.ProviderID, "err", err)
	}
}
