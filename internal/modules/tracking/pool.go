// README: Adapts the tracking index to the dispatcher's provider pool queries.
package tracking

import (
	"context"
	"time"

	"roadcall/internal/modules/dispatch"
	"roadcall/internal/types"
)

// Pool exposes the live tracking index as the dispatcher's eligibility
// source. Only online providers with a fix newer than the freshness window
// count as candidates.
type Pool struct {
	store Store
	now   func() time.Time
}

func NewPool(store Store) *Pool {
	return &Pool{store: store, now: time.Now}
}

func (p *Pool) Nearby(ctx context.Context, origin types.Point, radiusKm float64, freshness time.Duration) ([]dispatch.ProviderCandidate, error) {
	hits, err := p.store.Nearby(ctx, origin, radiusKm)
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-freshness)
	out := make([]dispatch.ProviderCandidate, 0, len(hits))
	for _, h := range hits {
		if h.Fix.Status != StatusOnline || h.Fix.At.Before(cutoff) {
			continue
		}
		out = append(out, dispatch.ProviderCandidate{
			ProviderID: h.ProviderID,
			Position:   h.Position,
			DistanceKm: h.DistanceKm,
		})
	}
	return out, nil
}

func (p *Pool) LastKnown(ctx context.Context, providerID types.ID) (*dispatch.ProviderFix, error) {
	fix, err := p.store.Fix(ctx, providerID)
	if err != nil || fix == nil {
		return nil, err
	}
	return &dispatch.ProviderFix{Position: fix.Position, Status: fix.Status, At: fix.At}, nil
}
