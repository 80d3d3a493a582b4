// README: Job aggregate and status definitions.
package job

import (
	"time"

	"roadcall/internal/types"
)

type Status string

const (
	StatusNone             Status = "none"
	StatusPendingBroadcast Status = "pending_broadcast"
	StatusBroadcasting     Status = "broadcasting"
	StatusNoProviders      Status = "no_providers_available"
	StatusProviderAssigned Status = "provider_assigned"
	StatusEnRoute          Status = "en_route"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusExpired          Status = "expired"
	StatusCancelled        Status = "cancelled"
)

// Job is the customer-facing unit of work a broadcast dispatches.
// Terminal jobs are retained for history, never hard-deleted.
type Job struct {
	ID            types.ID
	Number        string
	CustomerID    types.ID
	ProviderID    *types.ID
	Status        Status
	StatusVersion int
	Pickup        types.Point
	PickupAddress string
	// Destination equals pickup for on-site services (mobile wash).
	Destination        *types.Point
	DestinationAddress string
	Urgency            types.Urgency
	QuotedPrice        types.Money
	AgreedPrice        *types.Money
	Details            Details
	CreatedAt          time.Time
	AssignedAt         *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancelReason       *string
}

// ActiveTarget is the point the assigned provider is currently heading to:
// the pickup while en route, the destination once the job is in progress.
// ok is false when the job has no live target (not yet assigned or terminal).
func (j *Job) ActiveTarget() (types.Point, bool) {
	switch j.Status {
	case StatusProviderAssigned, StatusEnRoute:
		return j.Pickup, true
	case StatusInProgress:
		if j.Destination != nil {
			return *j.Destination, true
		}
		return j.Pickup, true
	default:
		return types.Point{}, false
	}
}

type Event struct {
	ID         int64
	JobID      types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the job state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPendingBroadcast: {StatusBroadcasting, StatusNoProviders, StatusCancelled},
	StatusBroadcasting:     {StatusProviderAssigned, StatusExpired, StatusCancelled},
	StatusProviderAssigned: {StatusEnRoute, StatusCancelled},
	StatusEnRoute:          {StatusInProgress, StatusCancelled},
	StatusInProgress:       {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job in this status can never move again.
func IsTerminal(s Status) bool {
	return len(AllowedTransitions[s]) == 0
}
