// README: Runtime business settings read by key with explicit defaults.
package settings

import (
	"context"
	"strconv"
	"time"

	"roadcall/internal/faults"
)

// Well-known setting keys. Values are stored as text and parsed by type.
const (
	KeyBaseFee            = "pricing.base_fee"
	KeyPerKmRate          = "pricing.per_km_rate"
	KeyNightSurge         = "pricing.night_surge"
	KeyUrgencySurge       = "pricing.urgency_surge"
	KeyCurrency           = "pricing.currency"
	KeyVATRate            = "billing.vat_rate"
	KeyCommissionPercent  = "billing.commission_percent"
	KeyBroadcastTimeout   = "dispatch.broadcast_timeout_minutes"
	KeySearchRadiusKm     = "dispatch.search_radius_km"
	KeyLocationFreshness  = "dispatch.location_freshness_minutes"
	KeyAverageSpeedKmh    = "routing.average_speed_kmh"
)

// Defaults applied when a key is absent from the backing store.
var defaults = map[string]string{
	KeyBaseFee:           "50",
	KeyPerKmRate:         "5",
	KeyNightSurge:        "1.25",
	KeyUrgencySurge:      "1.5",
	KeyCurrency:          "SAR",
	KeyVATRate:           "0.15",
	KeyCommissionPercent: "0.20",
	KeyBroadcastTimeout:  "15",
	KeySearchRadiusKm:    "30",
	KeyLocationFreshness: "10",
	KeyAverageSpeedKmh:   "40",
}

// Provider reads a raw setting value by key. Implementations return
// ok=false when the key is absent so the accessor can fall back to defaults.
type Provider interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

// Accessor wraps a Provider with typed, defaulted reads.
type Accessor struct {
	provider Provider
}

func NewAccessor(p Provider) *Accessor {
	return &Accessor{provider: p}
}

func (a *Accessor) raw(ctx context.Context, key string) (string, error) {
	if a.provider != nil {
		v, ok, err := a.provider.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if ok {
			return v, nil
		}
	}
	if def, ok := defaults[key]; ok {
		return def, nil
	}
	return "", faults.Newf(faults.NotFound, "no value or default for setting %q", key)
}

func (a *Accessor) Float(ctx context.Context, key string) (float64, error) {
	v, err := a.raw(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, faults.Wrap(faults.Validation, "setting "+key+" is not a number", err)
	}
	return f, nil
}

func (a *Accessor) String(ctx context.Context, key string) (string, error) {
	return a.raw(ctx, key)
}

func (a *Accessor) Duration(ctx context.Context, key string) (time.Duration, error) {
	f, err := a.Float(ctx, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Minute)), nil
}

// Fraction reads a rate that must be stored canonically as a 0..1 fraction.
// Legacy percentage values (> 1) are rejected rather than rescaled.
func (a *Accessor) Fraction(ctx context.Context, key string) (float64, error) {
	f, err := a.Float(ctx, key)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > 1 {
		return 0, faults.Newf(faults.Validation, "setting %q must be a 0..1 fraction, got %v", key, f)
	}
	return f, nil
}

// Static is a fixed in-memory provider, used in tests and local runs.
type Static map[string]string

func (s Static) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}
