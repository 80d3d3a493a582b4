// README: Tracking service ingests provider positions and serves the live job feed.
package tracking

import (
	"context"
	"log/slog"
	"time"

	"roadcall/internal/faults"
	"roadcall/internal/geo"
	"roadcall/internal/modules/job"
	"roadcall/internal/notify"
	"roadcall/internal/observability"
	"roadcall/internal/routing"
	"roadcall/internal/types"
)

// Store is the persistence side of tracking. *PGStore satisfies it.
type Store interface {
	Append(ctx context.Context, sample *LocationSample) error
	SetFix(ctx context.Context, fix Fix) error
	Fix(ctx context.Context, providerID types.ID) (*Fix, error)
	Nearby(ctx context.Context, origin types.Point, radiusKm float64) ([]NearbyProvider, error)
	History(ctx context.Context, providerID types.ID, from, to time.Time, limit int) ([]LocationSample, error)
	HistoryByJob(ctx context.Context, jobID types.ID, from, to time.Time, limit int) ([]LocationSample, error)
}

// Jobs is the slice of the job store tracking reads.
type Jobs interface {
	Get(ctx context.Context, id types.ID) (*job.Job, error)
}

// Router resolves ETA from a fix to the job's active target.
type Router interface {
	Resolve(ctx context.Context, from, to types.Point) routing.Estimate
}

type Service struct {
	store  Store
	jobs   Jobs
	router Router
	events notify.Publisher
	bounds geo.Bounds
	logger *slog.Logger
	now    func() time.Time
}

type ServiceDeps struct {
	Store  Store
	Jobs   Jobs
	Router Router
	Events notify.Publisher
	Bounds geo.Bounds
	Logger *slog.Logger
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
		store:  deps.Store,
		jobs:   deps.Jobs,
		router: deps.Router,
		events: events,
		bounds: deps.Bounds,
		logger: logger,
		now:    time.Now,
	}
}

// PushInput is one position report from a provider device.
type PushInput struct {
	ProviderID types.ID
	Position   types.Point
	HeadingDeg *float64
	SpeedKmh   *float64
	AccuracyM  *float64
	Status     string
	JobID      *types.ID
	// RecordedAt is the device timestamp; zero means "now".
	RecordedAt time.Time
}

// PushLocation validates and stores one sample, refreshes the live fix, and
// fans out an ETA update to the job feed when the report is tied to an
// active assignment.
func (s *Service) PushLocation(ctx context.Context, in PushInput) error {
	if in.ProviderID == "" {
		return faults.New(faults.Validation, "provider id is required")
	}
	if !ValidStatus(in.Status) {
		return faults.Newf(faults.Validation, "unknown provider status %q", in.Status)
	}
	if err := geo.ValidateCoordinate(in.Position.Lat, in.Position.Lng, s.bounds); err != nil {
		return err
	}
	recordedAt := in.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	sample := &LocationSample{
		ProviderID: in.ProviderID,
		Position:   in.Position,
		HeadingDeg: in.HeadingDeg,
		SpeedKmh:   in.SpeedKmh,
		AccuracyM:  in.AccuracyM,
		Status:     in.Status,
		JobID:      in.JobID,
		RecordedAt: recordedAt,
	}
	if err := s.store.Append(ctx, sample); err != nil {
		return err
	}
	err := s.store.SetFix(ctx, Fix{
		ProviderID: in.ProviderID,
		Position:   in.Position,
		Status:     in.Status,
		JobID:      in.JobID,
		At:         recordedAt,
	})
	if err != nil {
		return err
	}
	observability.LocationSamples.Inc()

	if in.JobID != nil {
		s.publishETA(ctx, *in.JobID, in.ProviderID, in.Position, recordedAt)
	}
	return nil
}

func (s *Service) publishETA(ctx context.Context, jobID, providerID types.ID, pos types.Point, at time.Time) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("eta update skipped, job lookup failed", "job_id", string(jobID), "err", err)
		return
	}
	if j.ProviderID == nil || *j.ProviderID != providerID {
		return
	}
	target, ok := j.ActiveTarget()
	if !ok {
		return
	}
	est := s.router.Resolve(ctx, pos, target)
	ev := notify.Event{
		Type: notify.EventETAUpdate,
		Payload: map[string]any{
			"provider_id": providerID,
			"lat":         pos.Lat,
			"lng":         pos.Lng,
			"distance_km": est.DistanceKm,
			"eta_minutes": est.DurationMinutes,
			"recorded_at": at,
		},
	}
	if err := s.events.Publish(ctx, notify.JobTopic(jobID), ev); err != nil {
		s.logger.Warn("eta update publish failed", "job_id", string(jobID), "err", err)
	}
}

// CurrentTracking returns the live provider position and ETA for the
// caller's job. Only assigned, non-terminal jobs are trackable.
func (s *Service) CurrentTracking(ctx context.Context, customerID, jobID types.ID) (*Info, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.CustomerID != customerID {
		return nil, faults.New(faults.Forbidden, "job does not belong to the caller")
	}
	if j.ProviderID == nil {
		return nil, faults.New(faults.NotFound, "job has no assigned provider to track")
	}
	target, ok := j.ActiveTarget()
	if !ok {
		return nil, faults.Newf(faults.NotFound, "a %s job has no live tracking", j.Status)
	}

	fix, err := s.store.Fix(ctx, *j.ProviderID)
	if err != nil {
		return nil, err
	}
	if fix == nil {
		return nil, faults.New(faults.Unavailable, "provider has not reported a location yet")
	}

	est := s.router.Resolve(ctx, fix.Position, target)
	return &Info{
		JobID:      j.ID,
		ProviderID: *j.ProviderID,
		Position:   fix.Position,
		Status:     fix.Status,
		RecordedAt: fix.At,
		Target:     target,
		DistanceKm: est.DistanceKm,
		ETAMinutes: est.DurationMinutes,
	}, nil
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// History returns a provider's samples in [from, to], oldest first.
func (s *Service) History(ctx context.Context, providerID types.ID, from, to time.Time, limit int) ([]LocationSample, error) {
	if providerID == "" {
		return nil, faults.New(faults.Validation, "provider id is required")
	}
	if to.IsZero() {
		to = s.now()
	}
	if !from.Before(to) {
		return nil, faults.New(faults.Validation, "history range start must precede its end")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.History(ctx, providerID, from, to, limit)
}

// JobHistory returns the route reported against the caller's job, oldest
// first. A zero from defaults to the job's creation time, a zero to defaults
// to now, so a finished job's full route is one call.
func (s *Service) JobHistory(ctx context.Context, customerID, jobID types.ID, from, to time.Time, limit int) ([]LocationSample, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.CustomerID != customerID {
		return nil, faults.New(faults.Forbidden, "job does not belong to the caller")
	}
	if j.ProviderID == nil {
		return nil, faults.New(faults.NotFound, "job has no assigned provider, so no route")
	}
	if from.IsZero() {
		from = j.CreatedAt
	}
	if to.IsZero() {
		to = s.now()
	}
	if !from.Before(to) {
		return nil, faults.New(faults.Validation, "history range start must precede its end")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.HistoryByJob(ctx, jobID, from, to, limit)
}
