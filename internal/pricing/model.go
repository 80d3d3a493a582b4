// README: Pricing result types.
package pricing

// Quote is the dispatch-time price for a job request.
type Quote struct {
	BasePrice       float64
	SurgeMultiplier float64
	SurgeReasons    []string
	FinalPrice      float64
	Currency        string
	Breakdown       map[string]float64
}

// Settlement is the acceptance-time split of an agreed subtotal.
type Settlement struct {
	AfterDiscount      float64
	Tax                float64
	TotalForCustomer   float64
	PlatformCommission float64
	VendorEarnings     float64
}

// Surge reason tags recorded for transparency.
const (
	ReasonNightHours  = "night_hours"
	ReasonHighUrgency = "high_urgency"
)
