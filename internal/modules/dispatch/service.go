// README: Dispatch service orchestrates broadcast rounds, offers, and the single-winner acceptance.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"roadcall/internal/faults"
	"roadcall/internal/geo"
	"roadcall/internal/modules/job"
	"roadcall/internal/notify"
	"roadcall/internal/observability"
	"roadcall/internal/pricing"
	"roadcall/internal/routing"
	"roadcall/internal/settings"
	"roadcall/internal/types"
)

// Store is the durable side of the dispatch round. The acceptance method
// must be atomic with respect to concurrent acceptance attempts on the same
// broadcast (see PGStore.AcceptOffer).
type Store interface {
	CreateBroadcast(ctx context.Context, b *Broadcast) error
	GetBroadcast(ctx context.Context, id types.ID) (*Broadcast, error)
	OpenBroadcastForJob(ctx context.Context, jobID types.ID) (*Broadcast, error)
	MarkOffersReceived(ctx context.Context, id types.ID) error
	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id types.ID) (*Offer, error)
	ListOffers(ctx context.Context, broadcastID types.ID) ([]Offer, error)
	AcceptOffer(ctx context.Context, broadcastID, offerID types.ID, now time.Time) (*AcceptResult, error)
	CancelOpen(ctx context.Context, broadcastID types.ID) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]ExpiredBroadcast, error)
}

// AcceptResult reports the acceptance outcome for notification fan-out.
type AcceptResult struct {
	Winner            Offer
	RejectedProviders []types.ID
}

type ExpiredBroadcast struct {
	BroadcastID types.ID
	JobID       types.ID
}

// Jobs is the slice of the job store the dispatcher mutates.
// *job.Store satisfies it.
type Jobs interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id types.ID) (*job.Job, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to job.Status, version int, providerID *types.ID) (bool, error)
	AppendEvent(ctx context.Context, e *job.Event) error
	HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error)
}

// ProviderFix is a provider's last known position and availability tag.
type ProviderFix struct {
	Position types.Point
	Status   string // "online", "on_job", "offline"
	At       time.Time
}

// ProviderCandidate is an eligible pool member with its distance to the
// broadcast origin.
type ProviderCandidate struct {
	ProviderID types.ID
	Position   types.Point
	DistanceKm float64
}

// ProviderPool answers geographic eligibility queries; backed by the live
// tracking index.
type ProviderPool interface {
	Nearby(ctx context.Context, origin types.Point, radiusKm float64, freshness time.Duration) ([]ProviderCandidate, error)
	LastKnown(ctx context.Context, providerID types.ID) (*ProviderFix, error)
}

// VehicleRegistry verifies the requester-owned resource referenced by the
// job details. Owned by the excluded profile system.
type VehicleRegistry interface {
	Owner(ctx context.Context, vehicleID string) (types.ID, error)
}

// Router resolves distance/ETA; it never fails (see routing.Resolver).
type Router interface {
	Resolve(ctx context.Context, from, to types.Point) routing.Estimate
}

// Pricer quotes a job at dispatch time.
type Pricer interface {
	Quote(ctx context.Context, distanceKm float64, urgency types.Urgency, at time.Time) (pricing.Quote, error)
}

// DeviceAlerts wakes provider devices when a new round opens near them.
// Optional; pub/sub alone is enough when no push channel is configured.
type DeviceAlerts interface {
	AlertNewBroadcast(ctx context.Context, providerID types.ID, alert notify.JobAlert) error
}

type Service struct {
	store    Store
	jobs     Jobs
	pool     ProviderPool
	vehicles VehicleRegistry
	router   Router
	pricer   Pricer
	events   notify.Publisher
	alerts   DeviceAlerts
	settings *settings.Accessor
	bounds   geo.Bounds
	logger   *slog.Logger
	now      func() time.Time
}

type ServiceDeps struct {
	Store    Store
	Jobs     Jobs
	Pool     ProviderPool
	Vehicles VehicleRegistry
	Router   Router
	Pricer   Pricer
	Events   notify.Publisher
	Alerts   DeviceAlerts
	Settings *settings.Accessor
	Bounds   geo.Bounds
	Logger   *slog.Logger
}

func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = notify.Noop{}
	}
	return &Service{
		store:    deps.Store,
		jobs:     deps.Jobs,
		pool:     deps.Pool,
		vehicles: deps.Vehicles,
		router:   deps.Router,
		pricer:   deps.Pricer,
		events:   events,
		alerts:   deps.Alerts,
		settings: deps.Settings,
		bounds:   deps.Bounds,
		logger:   logger,
		now:      time.Now,
	}
}

type CreateRequest struct {
	CustomerID         types.ID
	Pickup             types.Point
	PickupAddress      string
	Destination        *types.Point
	DestinationAddress string
	Urgency            types.Urgency
	Details            job.Details
}

type CreateResult struct {
	Job       *job.Job
	Broadcast *Broadcast
	Quote     pricing.Quote
	PoolSize  int
	Route     routing.Estimate
}

// CreateBroadcast sizes the job, persists it, determines the eligible pool,
// and opens the dispatch round. With an empty pool the job is parked as
// NO_PROVIDERS_AVAILABLE and no broadcast is created.
func (s *Service) CreateBroadcast(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	started := s.now()

	if req.CustomerID == "" {
		return nil, faults.New(faults.Validation, "customer id is required")
	}
	if req.Details == nil {
		return nil, faults.New(faults.Validation, "job details are required")
	}
	if err := req.Details.Validate(); err != nil {
		return nil, err
	}
	if err := geo.ValidateCoordinate(req.Pickup.Lat, req.Pickup.Lng, s.bounds); err != nil {
		return nil, err
	}
	if req.Destination != nil {
		if err := geo.ValidateCoordinate(req.Destination.Lat, req.Destination.Lng, s.bounds); err != nil {
			return nil, err
		}
	}

	owner, err := s.vehicles.Owner(ctx, req.Details.VehicleRef())
	if err != nil {
		return nil, err
	}
	if owner != req.CustomerID {
		return nil, faults.New(faults.Forbidden, "vehicle does not belong to the requester")
	}

	active, err := s.jobs.HasActiveByCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, faults.New(faults.Conflict, "customer already has an active job")
	}

	// Destination equals pickup for on-site services.
	dest := req.Pickup
	if req.Destination != nil {
		dest = *req.Destination
	}
	route := s.router.Resolve(ctx, req.Pickup, dest)

	quote, err := s.pricer.Quote(ctx, route.DistanceKm, req.Urgency, started)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:                 job.NewID(),
		Number:             job.NewNumber(started),
		CustomerID:         req.CustomerID,
		Status:             job.StatusPendingBroadcast,
		Pickup:             req.Pickup,
		PickupAddress:      req.PickupAddress,
		Destination:        req.Destination,
		DestinationAddress: req.DestinationAddress,
		Urgency:            req.Urgency,
		QuotedPrice:        types.Money{Amount: quote.FinalPrice, Currency: quote.Currency},
		Details:            req.Details,
		CreatedAt:          started,
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, j.ID, job.StatusNone, job.StatusPendingBroadcast, "customer", &req.CustomerID)

	radiusKm, err := s.settings.Float(ctx, settings.KeySearchRadiusKm)
	if err != nil {
		return nil, err
	}
	freshness, err := s.settings.Duration(ctx, settings.KeyLocationFreshness)
	if err != nil {
		return nil, err
	}
	candidates, err := s.pool.Nearby(ctx, req.Pickup, radiusKm, freshness)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if ok, err := s.jobs.UpdateStatus(ctx, j.ID, job.StatusPendingBroadcast, job.StatusNoProviders, j.StatusVersion, nil); err != nil || !ok {
			s.logger.Error("failed to park job with empty pool", "job_id", string(j.ID), "err", err)
		}
		s.appendEvent(ctx, j.ID, job.StatusPendingBroadcast, job.StatusNoProviders, "system", nil)
		return nil, faults.Newf(faults.NoProviders, "no eligible providers within %.0f km", radiusKm)
	}

	timeout, err := s.settings.Duration(ctx, settings.KeyBroadcastTimeout)
	if err != nil {
		return nil, err
	}
	b := &Broadcast{
		ID:             types.ID(uuid.NewString()),
		JobID:          j.ID,
		Origin:         req.Pickup,
		Destination:    req.Destination,
		RadiusKm:       radiusKm,
		Status:         StatusBroadcasting,
		CreatedAt:      started,
		BroadcastUntil: started.Add(timeout),
	}
	if err := s.store.CreateBroadcast(ctx, b); err != nil {
		return nil, err
	}

	ok, err := s.jobs.UpdateStatus(ctx, j.ID, job.StatusPendingBroadcast, job.StatusBroadcasting, j.StatusVersion, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.New(faults.Conflict, "job changed while opening broadcast")
	}
	s.appendEvent(ctx, j.ID, job.StatusPendingBroadcast, job.StatusBroadcasting, "system", nil)
	j.Status = job.StatusBroadcasting
	j.StatusVersion++

	for _, c := range candidates {
		s.publish(ctx, notify.ProviderTopic(c.ProviderID), notify.Event{
			Type: notify.EventNewBroadcast,
			Payload: map[string]any{
				"broadcast_id": b.ID,
				"job_id":       j.ID,
				"job_number":   j.Number,
				"service_type": req.Details.ServiceType(),
				"distance_km":  c.DistanceKm,
				"quoted_price": quote.FinalPrice,
				"expires_at":   b.BroadcastUntil,
			},
		})
		if s.alerts != nil {
			err := s.alerts.AlertNewBroadcast(ctx, c.ProviderID, notify.JobAlert{
				JobID:       j.ID,
				JobNumber:   j.Number,
				ServiceType: req.Details.ServiceType(),
				PickupLat:   req.Pickup.Lat,
				PickupLng:   req.Pickup.Lng,
				DistanceKm:  c.DistanceKm,
				QuotedPrice: quote.FinalPrice,
				Currency:    quote.Currency,
			})
			if err != nil {
				s.logger.Warn("device alert failed", "provider_id", string(c.ProviderID), "err", err)
			}
		}
	}

	observability.BroadcastsCreated.Inc()
	observability.DispatchLatency.Observe(s.now().Sub(started).Seconds())
	s.logger.Info("broadcast opened",
		"broadcast_id", string(b.ID), "job_id", string(j.ID),
		"pool_size", len(candidates), "routed", route.Accurate)

	return &CreateResult{Job: j, Broadcast: b, Quote: quote, PoolSize: len(candidates), Route: route}, nil
}

type OfferInput struct {
	Amount                  float64
	Message                 string
	EstimatedArrivalMinutes float64
}

// SubmitOffer records a provider's bid against an open broadcast.
func (s *Service) SubmitOffer(ctx context.Context, providerID, broadcastID types.ID, in OfferInput) (*Offer, error) {
	if in.Amount <= 0 {
		return nil, faults.New(faults.Validation, "bid amount must be positive")
	}

	fix, err := s.pool.LastKnown(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if fix == nil {
		return nil, faults.New(faults.Unavailable, "provider has no recent known location")
	}
	if fix.Status != "online" {
		return nil, faults.Newf(faults.Unavailable, "provider is %s", fix.Status)
	}

	b, err := s.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch eff := b.EffectiveStatus(now); {
	case eff == StatusExpired:
		return nil, faults.New(faults.Expired, "broadcast has expired")
	case !IsOpen(eff):
		return nil, faults.Newf(faults.InvalidStatus, "broadcast is %s", eff)
	}

	est := s.router.Resolve(ctx, fix.Position, b.Origin)
	j, err := s.jobs.Get(ctx, b.JobID)
	if err != nil {
		return nil, err
	}

	o := &Offer{
		ID:                      types.ID(uuid.NewString()),
		BroadcastID:             b.ID,
		ProviderID:              providerID,
		Amount:                  in.Amount,
		Currency:                j.QuotedPrice.Currency,
		Message:                 in.Message,
		EstimatedArrivalMinutes: in.EstimatedArrivalMinutes,
		ComputedETAMinutes:      est.DurationMinutes,
		ProviderLocation:        fix.Position,
		DistanceKm:              est.DistanceKm,
		Status:                  OfferPending,
		CreatedAt:               now,
	}
	if err := s.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}

	// First offer moves the round to OFFERS_RECEIVED; losing this write to a
	// concurrent acceptance is harmless.
	if err := s.store.MarkOffersReceived(ctx, b.ID); err != nil {
		s.logger.Warn("mark offers_received failed", "broadcast_id", string(b.ID), "err", err)
	}

	s.publish(ctx, notify.JobTopic(b.JobID), notify.Event{
		Type: notify.EventOfferReceived,
		Payload: map[string]any{
			"offer_id":    o.ID,
			"provider_id": o.ProviderID,
			"amount":      o.Amount,
			"eta_minutes": o.ComputedETAMinutes,
			"distance_km": o.DistanceKm,
		},
	})
	observability.OffersSubmitted.Inc()
	return o, nil
}

// ListOffers returns the round's offers, cheapest first, to the job owner.
func (s *Service) ListOffers(ctx context.Context, customerID, broadcastID types.ID) ([]Offer, error) {
	b, err := s.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return nil, err
	}
	j, err := s.jobs.Get(ctx, b.JobID)
	if err != nil {
		return nil, err
	}
	if j.CustomerID != customerID {
		return nil, faults.New(faults.Forbidden, "job does not belong to the caller")
	}
	return s.store.ListOffers(ctx, broadcastID)
}

// AcceptOffer selects the winning bid. Exactly one acceptance can win per
// broadcast; concurrent losers receive CONCURRENT_MODIFICATION or
// INVALID_STATUS and may re-read the current offers and retry.
func (s *Service) AcceptOffer(ctx context.Context, customerID, broadcastID, offerID types.ID) (*AcceptResult, error) {
	b, err := s.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return nil, err
	}
	j, err := s.jobs.Get(ctx, b.JobID)
	if err != nil {
		return nil, err
	}
	if j.CustomerID != customerID {
		return nil, faults.New(faults.Forbidden, "job does not belong to the caller")
	}

	now := s.now()
	switch eff := b.EffectiveStatus(now); {
	case eff == StatusExpired:
		return nil, faults.New(faults.Expired, "broadcast has expired")
	case !IsOpen(eff):
		return nil, faults.Newf(faults.InvalidStatus, "broadcast is %s", eff)
	}

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.BroadcastID != b.ID {
		return nil, faults.New(faults.NotFound, "offer does not belong to this broadcast")
	}
	if o.Status != OfferPending {
		return nil, faults.Newf(faults.InvalidStatus, "offer is %s", o.Status)
	}

	res, err := s.store.AcceptOffer(ctx, b.ID, o.ID, now)
	if err != nil {
		if faults.IsKind(err, faults.Conflict) || faults.IsKind(err, faults.InvalidStatus) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	observability.AcceptWins.Inc()

	s.publish(ctx, notify.ProviderTopic(res.Winner.ProviderID), notify.Event{
		Type: notify.EventOfferAccepted,
		Payload: map[string]any{
			"job_id":       b.JobID,
			"broadcast_id": b.ID,
			"offer_id":     res.Winner.ID,
			"amount":       res.Winner.Amount,
		},
	})
	for _, p := range res.RejectedProviders {
		s.publish(ctx, notify.ProviderTopic(p), notify.Event{
			Type:    notify.EventOfferRejected,
			Payload: map[string]any{"broadcast_id": b.ID, "job_id": b.JobID},
		})
	}
	s.publish(ctx, notify.JobTopic(b.JobID), notify.Event{
		Type: notify.EventBroadcastOver,
		Payload: map[string]any{
			"provider_id":  res.Winner.ProviderID,
			"agreed_price": res.Winner.Amount,
		},
	})

	s.logger.Info("offer accepted",
		"broadcast_id", string(b.ID), "offer_id", string(res.Winner.ID),
		"provider_id", string(res.Winner.ProviderID), "rejected", len(res.RejectedProviders))
	return res, nil
}

// CancelJob lets the customer withdraw before assignment, closing any open
// round and rejecting in-flight offers.
func (s *Service) CancelJob(ctx context.Context, customerID, jobID types.ID, reason string) error {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.CustomerID != customerID {
		return faults.New(faults.Forbidden, "job does not belong to the caller")
	}
	if !job.CanTransition(j.Status, job.StatusCancelled) {
		return faults.Newf(faults.InvalidStatus, "cannot cancel a %s job", j.Status)
	}
	if j.Status == job.StatusProviderAssigned || j.Status == job.StatusEnRoute {
		return faults.New(faults.InvalidStatus, "job already assigned; cancellation is handled by support")
	}

	if b, err := s.store.OpenBroadcastForJob(ctx, jobID); err == nil {
		if _, err := s.store.CancelOpen(ctx, b.ID); err != nil {
			return err
		}
	} else if !faults.IsKind(err, faults.NotFound) {
		return err
	}

	ok, err := s.jobs.UpdateStatus(ctx, j.ID, j.Status, job.StatusCancelled, j.StatusVersion, nil)
	if err != nil {
		return err
	}
	if !ok {
		return faults.New(faults.Conflict, "job changed concurrently, re-read and retry")
	}
	s.appendEvent(ctx, j.ID, j.Status, job.StatusCancelled, "customer", &customerID)
	s.publish(ctx, notify.JobTopic(j.ID), notify.Event{
		Type:    notify.EventBroadcastOver,
		Payload: map[string]any{"cancelled": true, "reason": reason},
	})
	return nil
}

// GetBroadcast returns the round with lazy expiry applied.
func (s *Service) GetBroadcast(ctx context.Context, id types.ID) (*Broadcast, error) {
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Status = b.EffectiveStatus(s.now())
	return b, nil
}

func (s *Service) appendEvent(ctx context.Context, jobID types.ID, from, to job.Status, actorType string, actorID *types.ID) {
	err := s.jobs.AppendEvent(ctx, &job.Event{
		JobID:      jobID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger.Warn("append job event failed", "job_id", string(jobID), "err", err)
	}
}

func (s *Service) publish(ctx context.Context, topic string, ev notify.Event) {
	if err := s.events.Publish(ctx, topic, ev); err != nil {
		s.logger.Warn("publish failed", "topic", topic, "event", ev.Type, "err", err)
	}
}
