// README: Broadcast and offer records for the dispatch round.
package dispatch

import (
	"time"

	"roadcall/internal/geo"
	"roadcall/internal/types"
)

type BroadcastStatus string

const (
	StatusBroadcasting       BroadcastStatus = "broadcasting"
	StatusOffersReceived     BroadcastStatus = "offers_received"
	StatusTechnicianSelected BroadcastStatus = "technician_selected"
	StatusCompleted          BroadcastStatus = "completed"
	StatusExpired            BroadcastStatus = "expired"
	StatusCancelled          BroadcastStatus = "cancelled"
)

// openStatuses are the states in which a broadcast still accepts offers and
// acceptance. TECHNICIAN_SELECTED is permanent: once one offer wins, the
// broadcast never returns to an open state.
var openStatuses = []BroadcastStatus{StatusBroadcasting, StatusOffersReceived}

// IsOpen reports whether the status still admits offers/acceptance.
func IsOpen(s BroadcastStatus) bool {
	for _, o := range openStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// Broadcast is one dispatch round for a job. At most one broadcast per job
// is open at a time (enforced by a partial unique index).
type Broadcast struct {
	ID            types.ID
	JobID         types.ID
	Origin        types.Point
	Destination   *types.Point
	RadiusKm      float64
	Status        BroadcastStatus
	StatusVersion int
	CreatedAt     time.Time
	// BroadcastUntil is the implicit timeout: past this instant the round is
	// expired regardless of the stored status.
	BroadcastUntil time.Time
}

// EffectiveStatus applies lazy expiry: an open broadcast whose deadline has
// passed reads as EXPIRED even before the sweep persists the transition.
func (b *Broadcast) EffectiveStatus(now time.Time) BroadcastStatus {
	if IsOpen(b.Status) && now.After(b.BroadcastUntil) {
		return StatusExpired
	}
	return b.Status
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferSelected OfferStatus = "selected"
	OfferRejected OfferStatus = "rejected"
)

// Offer is a provider's bid against an open broadcast. (BroadcastID,
// ProviderID) is unique; offers are mutated only by the acceptance path.
type Offer struct {
	ID          types.ID
	BroadcastID types.ID
	ProviderID  types.ID
	Amount      float64
	Currency    string
	Message     string
	// EstimatedArrivalMinutes is the provider's own promise; ComputedETAMinutes
	// and DistanceKm are derived from their last known position at bid time.
	EstimatedArrivalMinutes float64
	ComputedETAMinutes      float64
	ProviderLocation        types.Point
	DistanceKm              float64
	Status                  OfferStatus
	Selected                bool
	CreatedAt               time.Time
}

// SortOffersByETA reorders offers for callers that prefer arrival time over
// price. The store's canonical order is ascending bid amount.
func SortOffersByETA(offers []Offer) {
	geo.SortByDistance(offers, func(o Offer) float64 { return o.ComputedETAMinutes })
}
