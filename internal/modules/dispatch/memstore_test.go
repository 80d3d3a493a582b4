// README: In-memory test doubles honouring the store's atomicity contract.
package dispatch

import (
	"context"
	"sync"
	"time"

	"roadcall/internal/faults"
	"roadcall/internal/geo"
	"roadcall/internal/modules/job"
	"roadcall/internal/types"
)

// memBackend implements Store and Jobs with a single mutex standing in for
// the database transaction, so the acceptance race behaves like the real
// store under -race.
type memBackend struct {
	mu         sync.Mutex
	jobs       map[types.ID]*job.Job
	broadcasts map[types.ID]*Broadcast
	offers     map[types.ID]*Offer
	events     []job.Event
}

func newMemBackend() *memBackend {
	return &memBackend{
		jobs:       make(map[types.ID]*job.Job),
		broadcasts: make(map[types.ID]*Broadcast),
		offers:     make(map[types.ID]*Offer),
	}
}

func (m *memBackend) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memBackend) Get(_ context.Context, id types.ID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, faults.New(faults.NotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (m *memBackend) UpdateStatus(_ context.Context, id types.ID, from, to job.Status, version int, providerID *types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from || j.StatusVersion != version {
		return false, nil
	}
	j.Status = to
	j.StatusVersion++
	if providerID != nil {
		j.ProviderID = providerID
	}
	return true, nil
}

func (m *memBackend) AppendEvent(_ context.Context, e *job.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memBackend) HasActiveByCustomer(_ context.Context, customerID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.CustomerID != customerID {
			continue
		}
		switch j.Status {
		case job.StatusPendingBroadcast, job.StatusBroadcasting,
			job.StatusProviderAssigned, job.StatusEnRoute, job.StatusInProgress:
			return true, nil
		}
	}
	return false, nil
}

func (m *memBackend) CreateBroadcast(_ context.Context, b *Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.broadcasts {
		if existing.JobID == b.JobID && IsOpen(existing.Status) {
			return faults.New(faults.InvalidStatus, "job already has an open broadcast")
		}
	}
	cp := *b
	m.broadcasts[b.ID] = &cp
	return nil
}

func (m *memBackend) GetBroadcast(_ context.Context, id types.ID) (*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return nil, faults.New(faults.NotFound, "broadcast not found")
	}
	cp := *b
	return &cp, nil
}

func (m *memBackend) OpenBroadcastForJob(_ context.Context, jobID types.ID) (*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.broadcasts {
		if b.JobID == jobID && IsOpen(b.Status) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, faults.New(faults.NotFound, "job has no open broadcast")
}

func (m *memBackend) MarkOffersReceived(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.broadcasts[id]; ok && b.Status == StatusBroadcasting {
		b.Status = StatusOffersReceived
		b.StatusVersion++
	}
	return nil
}

func (m *memBackend) CreateOffer(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[o.BroadcastID]
	if !ok {
		return faults.New(faults.NotFound, "broadcast not found")
	}
	switch eff := b.EffectiveStatus(o.CreatedAt); {
	case eff == StatusExpired:
		return faults.New(faults.Expired, "broadcast has expired")
	case !IsOpen(eff):
		return faults.Newf(faults.InvalidStatus, "broadcast is %s", eff)
	}
	for _, existing := range m.offers {
		if existing.BroadcastID == o.BroadcastID && existing.ProviderID == o.ProviderID {
			return faults.New(faults.DuplicateOffer, "provider already has an offer on this broadcast")
		}
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *memBackend) GetOffer(_ context.Context, id types.ID) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, faults.New(faults.NotFound, "offer not found")
	}
	cp := *o
	return &cp, nil
}

func (m *memBackend) ListOffers(_ context.Context, broadcastID types.ID) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offer
	for _, o := range m.offers {
		if o.BroadcastID == broadcastID {
			out = append(out, *o)
		}
	}
	// cheapest first, then oldest, matching the store's canonical order
	geo.SortByDistance(out, func(o Offer) float64 { return o.Amount })
	return out, nil
}

func (m *memBackend) AcceptOffer(_ context.Context, broadcastID, offerID types.ID, now time.Time) (*AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.broadcasts[broadcastID]
	if !ok {
		return nil, faults.New(faults.NotFound, "broadcast not found")
	}
	if !IsOpen(b.Status) || now.After(b.BroadcastUntil) {
		switch b.EffectiveStatus(now) {
		case StatusExpired:
			return nil, faults.New(faults.Expired, "broadcast has expired")
		case StatusTechnicianSelected, StatusCompleted:
			return nil, faults.New(faults.Conflict, "another offer was already accepted")
		default:
			return nil, faults.Newf(faults.InvalidStatus, "broadcast is %s", b.Status)
		}
	}

	winner, ok := m.offers[offerID]
	if !ok || winner.BroadcastID != broadcastID || winner.Status != OfferPending {
		return nil, faults.New(faults.InvalidStatus, "offer is not pending on this broadcast")
	}

	b.Status = StatusTechnicianSelected
	b.StatusVersion++
	winner.Status = OfferSelected
	winner.Selected = true

	var rejected []types.ID
	for _, o := range m.offers {
		if o.BroadcastID == broadcastID && o.ID != offerID && o.Status == OfferPending {
			o.Status = OfferRejected
			rejected = append(rejected, o.ProviderID)
		}
	}

	j, ok := m.jobs[b.JobID]
	if !ok || j.Status != job.StatusBroadcasting {
		return nil, faults.New(faults.Conflict, "job state changed during acceptance, re-read and retry")
	}
	pid := winner.ProviderID
	j.Status = job.StatusProviderAssigned
	j.StatusVersion++
	j.ProviderID = &pid
	j.AgreedPrice = &types.Money{Amount: winner.Amount, Currency: winner.Currency}
	at := now
	j.AssignedAt = &at

	return &AcceptResult{Winner: *winner, RejectedProviders: rejected}, nil
}

func (m *memBackend) CancelOpen(_ context.Context, broadcastID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[broadcastID]
	if !ok || !IsOpen(b.Status) {
		return false, nil
	}
	b.Status = StatusCancelled
	b.StatusVersion++
	for _, o := range m.offers {
		if o.BroadcastID == broadcastID && o.Status == OfferPending {
			o.Status = OfferRejected
		}
	}
	return true, nil
}

func (m *memBackend) ExpireDue(_ context.Context, now time.Time) ([]ExpiredBroadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []ExpiredBroadcast
	for _, b := range m.broadcasts {
		if IsOpen(b.Status) && b.BroadcastUntil.Before(now) {
			b.Status = StatusExpired
			b.StatusVersion++
			expired = append(expired, ExpiredBroadcast{BroadcastID: b.ID, JobID: b.JobID})
			if j, ok := m.jobs[b.JobID]; ok && j.Status == job.StatusBroadcasting {
				j.Status = job.StatusExpired
				j.StatusVersion++
			}
		}
	}
	return expired, nil
}

// memPool is a fixed provider-position index.
type memPool struct {
	mu    sync.Mutex
	fixes map[types.ID]ProviderFix
}

func newMemPool() *memPool {
	return &memPool{fixes: make(map[types.ID]ProviderFix)}
}

func (p *memPool) set(id types.ID, fix ProviderFix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixes[id] = fix
}

func (p *memPool) Nearby(_ context.Context, origin types.Point, radiusKm float64, freshness time.Duration) ([]ProviderCandidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ProviderCandidate
	for id, fix := range p.fixes {
		if fix.Status != "online" {
			continue
		}
		d := geo.DistanceKm(origin, fix.Position)
		if d <= radiusKm {
			out = append(out, ProviderCandidate{ProviderID: id, Position: fix.Position, DistanceKm: d})
		}
	}
	geo.SortByDistance(out, func(c ProviderCandidate) float64 { return c.DistanceKm })
	return out, nil
}

func (p *memPool) LastKnown(_ context.Context, providerID types.ID) (*ProviderFix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fix, ok := p.fixes[providerID]
	if !ok {
		return nil, nil
	}
	cp := fix
	return &cp, nil
}

// memVehicles maps vehicle id to owner.
type memVehicles map[string]types.ID

func (v memVehicles) Owner(_ context.Context, vehicleID string) (types.ID, error) {
	owner, ok := v[vehicleID]
	if !ok {
		return "", faults.New(faults.NotFound, "vehicle not found")
	}
	return owner, nil
}
