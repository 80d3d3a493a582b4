// README: Road-routing resolver with straight-line fallback.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"googlemaps.github.io/maps"

	"roadcall/internal/geo"
	"roadcall/internal/observability"
	"roadcall/internal/settings"
	"roadcall/internal/types"
)

// Method records how an estimate was produced.
type Method string

const (
	MethodRouted    Method = "ROUTED"
	MethodEstimated Method = "ESTIMATED"
)

// Estimate is a best-effort distance/duration for a trip.
type Estimate struct {
	DistanceKm      float64
	DurationMinutes float64
	Method          Method
	Accurate        bool
}

// DirectionsClient is the slice of the Google Maps client the resolver uses.
type DirectionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

const (
	defaultTimeout = 5 * time.Second
	// Used when the settings read fails or yields a nonsensical speed.
	fallbackSpeedKmh = 40
)

// Resolver queries the routing provider and degrades to a haversine estimate
// when the provider is slow, errors, or returns no route. Resolve never
// returns an error; callers always get a usable Estimate. The fallback's
// average speed is a runtime setting, tunable like the pricing rates.
type Resolver struct {
	client   DirectionsClient
	timeout  time.Duration
	settings *settings.Accessor
	logger   *slog.Logger
	now      func() time.Time
}

func NewResolver(client DirectionsClient, acc *settings.Accessor, logger *slog.Logger) *Resolver {
	if acc == nil {
		acc = settings.NewAccessor(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:   client,
		timeout:  defaultTimeout,
		settings: acc,
		logger:   logger,
		now:      time.Now,
	}
}

// NewClient builds the production Google Maps client.
func NewClient(apiKey string) (*maps.Client, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return c, nil
}

// Resolve returns a routed estimate when the provider answers in time, and
// an ESTIMATED one otherwise.
func (r *Resolver) Resolve(ctx context.Context, from, to types.Point) Estimate {
	if r.client != nil {
		if est, ok := r.routed(ctx, from, to); ok {
			return est
		}
	}
	return r.Estimated(ctx, from, to, r.now())
}

func (r *Resolver) routed(ctx context.Context, from, to types.Point) (Estimate, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lng),
		Destination: fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lng),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := r.client.Directions(ctx, req)
	if err != nil {
		r.logger.Warn("routing provider failed, falling back", "err", err)
		observability.RoutingFallbacks.Inc()
		return Estimate{}, false
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		r.logger.Warn("routing provider returned no route, falling back")
		observability.RoutingFallbacks.Inc()
		return Estimate{}, false
	}

	leg := routes[0].Legs[0]
	return Estimate{
		DistanceKm:      float64(leg.Distance.Meters) / 1000.0,
		DurationMinutes: leg.Duration.Minutes(),
		Method:          MethodRouted,
		Accurate:        true,
	}, true
}

// Estimated computes the straight-line fallback for the given request time.
// The same step function feeds dispatch pricing and live-tracking ETA so the
// two surfaces never disagree.
func (r *Resolver) Estimated(ctx context.Context, from, to types.Point, at time.Time) Estimate {
	distKm := geo.DistanceKm(from, to)
	speed, err := r.settings.Float(ctx, settings.KeyAverageSpeedKmh)
	if err != nil || speed <= 0 {
		if err != nil {
			r.logger.Warn("average speed setting unreadable, using fallback", "err", err)
		}
		speed = fallbackSpeedKmh
	}
	minutes := distKm / speed * 60 * TrafficFactor(at.Hour())
	return Estimate{
		DistanceKm:      distKm,
		DurationMinutes: minutes,
		Method:          MethodEstimated,
		Accurate:        false,
	}
}

// TrafficFactor is a deterministic step function of local hour-of-day:
// elevated during the two commute windows, reduced late night, baseline
// otherwise.
func TrafficFactor(hour int) float64 {
	switch {
	case hour >= 7 && hour < 9:
		return 1.5
	case hour >= 17 && hour < 19:
		return 1.5
	case hour >= 22 || hour < 5:
		return 0.8
	default:
		return 1.0
	}
}
