// README: Common value objects shared across modules.
package types

// ID is an opaque entity identifier.
type ID string

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lng float64
}

// Money is an amount in the smallest practical unit for the currency
// with two decimal places (e.g. 12.50 SAR is stored as 12.50).
type Money struct {
	Amount   float64
	Currency string
}

// Urgency is the customer-declared urgency tier for a job request.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)
