// README: Periodic expiry sweep for stale broadcasts.
package dispatch

import (
	"context"
	"time"

	"roadcall/internal/modules/job"
	"roadcall/internal/notify"
	"roadcall/internal/observability"
)

// RunExpirySweep marks overdue broadcasts expired on a fixed interval until
// ctx is cancelled. Expiry is also applied lazily on every read, so the
// sweep only bounds how long a stale row can linger; it is idempotent and
// safe to run on every replica (the store serialises passes).
func (s *Service) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	started := s.now()
	expired, err := s.store.ExpireDue(ctx, started)
	if err != nil {
		s.logger.Error("expiry sweep failed", "err", err)
		return
	}
	for _, e := range expired {
		observability.BroadcastsExpired.Inc()
		s.appendEvent(ctx, e.JobID, job.StatusBroadcasting, job.StatusExpired, "system", nil)
		s.publish(ctx, notify.JobTopic(e.JobID), notify.Event{
			Type:    notify.EventBroadcastOver,
			Payload: map[string]any{"expired": true, "broadcast_id": e.BroadcastID},
		})
	}
	observability.SweepDuration.Observe(time.Since(started).Seconds())
	if len(expired) > 0 {
		s.logger.Info("expiry sweep", "expired", len(expired))
	}
}
