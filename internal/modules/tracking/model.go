// README: Provider location samples and the live fix kept for dispatch queries.
package tracking

import (
	"time"

	"roadcall/internal/types"
)

// Provider availability tags carried on every location report.
const (
	StatusOnline  = "online"
	StatusOnJob   = "on_job"
	StatusOffline = "offline"
)

// ValidStatus reports whether s is one of the known availability tags.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusOnJob, StatusOffline:
		return true
	}
	return false
}

// LocationSample is one appended position report. Samples are append-only;
// history queries replay them in recorded order.
type LocationSample struct {
	ID         int64
	ProviderID types.ID
	Position   types.Point
	HeadingDeg *float64
	SpeedKmh   *float64
	AccuracyM  *float64
	Status     string
	// JobID is set while the provider reports against an active assignment.
	JobID      *types.ID
	RecordedAt time.Time
}

// Fix is a provider's latest known state, kept hot in Redis alongside the
// geo index.
type Fix struct {
	ProviderID types.ID    `json:"provider_id"`
	Position   types.Point `json:"position"`
	Status     string      `json:"status"`
	JobID      *types.ID   `json:"job_id,omitempty"`
	At         time.Time   `json:"at"`
}

// NearbyProvider is a geo-index hit with its live fix attached.
type NearbyProvider struct {
	ProviderID types.ID
	Position   types.Point
	DistanceKm float64
	Fix        Fix
}

// Info is the customer-facing tracking view for an assigned job.
type Info struct {
	JobID      types.ID
	ProviderID types.ID
	Position   types.Point
	Status     string
	RecordedAt time.Time
	Target     types.Point
	DistanceKm float64
	ETAMinutes float64
}
