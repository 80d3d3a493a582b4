// README: Pricing engine computes dispatch quotes and settlement splits.
package pricing

import (
	"context"
	"math"
	"time"

	"roadcall/internal/faults"
	"roadcall/internal/settings"
	"roadcall/internal/types"
)

// Night surge window: 22:00 (inclusive) to 06:00 (exclusive) local time.
const (
	nightStartHour = 22
	nightEndHour   = 6
)

type Engine struct {
	settings *settings.Accessor
}

func NewEngine(s *settings.Accessor) *Engine {
	return &Engine{settings: s}
}

// Quote prices a job at dispatch time: base fee + per-km rate, then
// multiplicative surge for night hours and high urgency.
func (e *Engine) Quote(ctx context.Context, distanceKm float64, urgency types.Urgency, requestTime time.Time) (Quote, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) {
		return Quote{}, faults.Newf(faults.Validation, "invalid distance %v km", distanceKm)
	}

	baseFee, err := e.settings.Float(ctx, settings.KeyBaseFee)
	if err != nil {
		return Quote{}, err
	}
	perKm, err := e.settings.Float(ctx, settings.KeyPerKmRate)
	if err != nil {
		return Quote{}, err
	}
	currency, err := e.settings.String(ctx, settings.KeyCurrency)
	if err != nil {
		return Quote{}, err
	}

	basePrice := baseFee + distanceKm*perKm

	surge := 1.0
	var reasons []string
	if isNightHour(requestTime.Hour()) {
		nightSurge, err := e.settings.Float(ctx, settings.KeyNightSurge)
		if err != nil {
			return Quote{}, err
		}
		surge *= nightSurge
		reasons = append(reasons, ReasonNightHours)
	}
	if urgency == types.UrgencyHigh {
		urgencySurge, err := e.settings.Float(ctx, settings.KeyUrgencySurge)
		if err != nil {
			return Quote{}, err
		}
		surge *= urgencySurge
		reasons = append(reasons, ReasonHighUrgency)
	}

	final := round2(basePrice * surge)
	return Quote{
		BasePrice:       round2(basePrice),
		SurgeMultiplier: surge,
		SurgeReasons:    reasons,
		FinalPrice:      final,
		Currency:        currency,
		Breakdown: map[string]float64{
			"base_fee":        baseFee,
			"distance_charge": round2(distanceKm * perKm),
		},
	}, nil
}

// Settle splits an agreed subtotal into customer total and vendor earnings.
// Each derived value is rounded to 2 decimal places as it is computed, never
// accumulated and rounded once, so the figures always add up on an invoice.
func (e *Engine) Settle(ctx context.Context, subtotal, discount float64) (Settlement, error) {
	if subtotal < 0 || discount < 0 || discount > subtotal {
		return Settlement{}, faults.Newf(faults.Validation, "invalid settlement input: subtotal=%v discount=%v", subtotal, discount)
	}

	vat, err := e.settings.Fraction(ctx, settings.KeyVATRate)
	if err != nil {
		return Settlement{}, err
	}
	commission, err := e.settings.Fraction(ctx, settings.KeyCommissionPercent)
	if err != nil {
		return Settlement{}, err
	}

	afterDiscount := round2(subtotal - discount)
	tax := round2(afterDiscount * vat)
	total := round2(afterDiscount + tax)
	platformCut := round2(afterDiscount * commission)
	vendor := round2(afterDiscount - platformCut)

	return Settlement{
		AfterDiscount:      afterDiscount,
		Tax:                tax,
		TotalForCustomer:   total,
		PlatformCommission: platformCut,
		VendorEarnings:     vendor,
	}, nil
}

func isNightHour(hour int) bool {
	return hour >= nightStartHour || hour < nightEndHour
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
