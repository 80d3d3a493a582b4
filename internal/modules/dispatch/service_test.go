// README: Dispatch service tests against the in-memory backend.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"roadcall/internal/faults"
	"roadcall/internal/geo"
	"roadcall/internal/modules/job"
	"roadcall/internal/notify"
	"roadcall/internal/pricing"
	"roadcall/internal/routing"
	"roadcall/internal/settings"
	"roadcall/internal/types"
)

var (
	riyadh     = types.Point{Lat: 24.7136, Lng: 46.6753}
	testBounds = geo.Bounds{MinLat: 16.0, MaxLat: 32.5, MinLng: 34.0, MaxLng: 56.0}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *Service
	mem   *memBackend
	pool  *memPool
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Midday so no night surge interferes with price assertions.
	clock := &testClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	mem := newMemBackend()
	pool := newMemPool()
	acc := settings.NewAccessor(nil)
	svc := NewService(ServiceDeps{
		Store:    mem,
		Jobs:     mem,
		Pool:     pool,
		Vehicles: memVehicles{"veh-1": "cust-1", "veh-2": "cust-2"},
		Router:   routing.NewResolver(nil, nil, nil),
		Pricer:   pricing.NewEngine(acc),
		Events:   notify.Noop{},
		Settings: acc,
		Bounds:   testBounds,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	svc.now = clock.Now
	return &fixture{svc: svc, mem: mem, pool: pool, clock: clock}
}

func (f *fixture) addProvider(id types.ID, latOffset float64) {
	f.pool.set(id, ProviderFix{
		Position: types.Point{Lat: riyadh.Lat + latOffset, Lng: riyadh.Lng},
		Status:   "online",
		At:       f.clock.Now(),
	})
}

func towingRequest() CreateRequest {
	dest := types.Point{Lat: riyadh.Lat + 0.09, Lng: riyadh.Lng}
	return CreateRequest{
		CustomerID:    "cust-1",
		Pickup:        riyadh,
		PickupAddress: "King Fahd Rd",
		Destination:   &dest,
		Urgency:       types.UrgencyNormal,
		Details:       job.TowingDetails{VehicleID: "veh-1", VehicleCondition: "no_start"},
	}
}

func (f *fixture) openBroadcast(t *testing.T) *CreateResult {
	t.Helper()
	res, err := f.svc.CreateBroadcast(context.Background(), towingRequest())
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	return res
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts map[types.ID]notify.JobAlert
}

func (r *recordingAlerts) AlertNewBroadcast(_ context.Context, providerID types.ID, alert notify.JobAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alerts == nil {
		r.alerts = make(map[types.ID]notify.JobAlert)
	}
	r.alerts[providerID] = alert
	return nil
}

func TestCreateBroadcastAlertsDevices(t *testing.T) {
	f := newFixture(t)
	rec := &recordingAlerts{}
	f.svc.alerts = rec
	f.addProvider("prov-1", 0.01)
	f.addProvider("prov-2", 0.05)

	res := f.openBroadcast(t)

	if len(rec.alerts) != 2 {
		t.Fatalf("alerted %d providers, want 2", len(rec.alerts))
	}
	a, ok := rec.alerts["prov-1"]
	if !ok {
		t.Fatal("prov-1 got no alert")
	}
	if a.JobID != res.Job.ID {
		t.Errorf("alert job id = %s, want %s", a.JobID, res.Job.ID)
	}
	if a.QuotedPrice != res.Quote.FinalPrice {
		t.Errorf("alert price = %v, want %v", a.QuotedPrice, res.Quote.FinalPrice)
	}
	if a.PickupLat != riyadh.Lat || a.PickupLng != riyadh.Lng {
		t.Errorf("alert pickup = %v,%v, want %v,%v", a.PickupLat, a.PickupLng, riyadh.Lat, riyadh.Lng)
	}
}

func TestCreateBroadcastOpensRound(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	f.addProvider("prov-2", 0.05)

	res := f.openBroadcast(t)

	if res.PoolSize != 2 {
		t.Fatalf("pool size = %d, want 2", res.PoolSize)
	}
	if res.Job.Status != job.StatusBroadcasting {
		t.Fatalf("job status = %s, want %s", res.Job.Status, job.StatusBroadcasting)
	}
	if res.Broadcast.Status != StatusBroadcasting {
		t.Fatalf("broadcast status = %s", res.Broadcast.Status)
	}
	wantUntil := f.clock.Now().Add(15 * time.Minute)
	if !res.Broadcast.BroadcastUntil.Equal(wantUntil) {
		t.Fatalf("broadcast_until = %v, want %v", res.Broadcast.BroadcastUntil, wantUntil)
	}
	if res.Quote.FinalPrice <= 0 || res.Quote.Currency != "SAR" {
		t.Fatalf("quote = %+v", res.Quote)
	}
	if res.Job.QuotedPrice.Amount != res.Quote.FinalPrice {
		t.Fatalf("job quoted price %v != quote %v", res.Job.QuotedPrice.Amount, res.Quote.FinalPrice)
	}
	if res.Route.Method != routing.MethodEstimated {
		t.Fatalf("nil directions client should fall back, got %s", res.Route.Method)
	}
}

func TestCreateBroadcastValidation(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		want   faults.Kind
	}{
		{"missing customer", func(r *CreateRequest) { r.CustomerID = "" }, faults.Validation},
		{"nil details", func(r *CreateRequest) { r.Details = nil }, faults.Validation},
		{"incomplete details", func(r *CreateRequest) {
			r.Details = job.TowingDetails{VehicleID: "veh-1"}
		}, faults.Validation},
		{"pickup out of range", func(r *CreateRequest) { r.Pickup.Lat = 91 }, faults.InvalidCoordinates},
		{"pickup out of bounds", func(r *CreateRequest) { r.Pickup = types.Point{Lat: 48.85, Lng: 2.35} }, faults.InvalidCoordinates},
		{"destination out of bounds", func(r *CreateRequest) {
			r.Destination = &types.Point{Lat: 1, Lng: 1}
		}, faults.InvalidCoordinates},
		{"unknown vehicle", func(r *CreateRequest) {
			r.Details = job.TowingDetails{VehicleID: "veh-404", VehicleCondition: "no_start"}
		}, faults.NotFound},
		{"vehicle owned by another customer", func(r *CreateRequest) {
			r.Details = job.TowingDetails{VehicleID: "veh-2", VehicleCondition: "no_start"}
		}, faults.Forbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := towingRequest()
			tc.mutate(&req)
			_, err := f.svc.CreateBroadcast(context.Background(), req)
			if !faults.IsKind(err, tc.want) {
				t.Fatalf("err = %v, want kind %s", err, tc.want)
			}
		})
	}
}

func TestCreateBroadcastOneActiveJobPerCustomer(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	f.openBroadcast(t)

	_, err := f.svc.CreateBroadcast(context.Background(), towingRequest())
	if !faults.IsKind(err, faults.Conflict) {
		t.Fatalf("second request: err = %v, want %s", err, faults.Conflict)
	}

	// A different customer is unaffected.
	other := towingRequest()
	other.CustomerID = "cust-2"
	other.Details = job.TowingDetails{VehicleID: "veh-2", VehicleCondition: "no_start"}
	if _, err := f.svc.CreateBroadcast(context.Background(), other); err != nil {
		t.Fatalf("other customer: %v", err)
	}
}

func TestCreateBroadcastEmptyPool(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateBroadcast(context.Background(), towingRequest())
	if !faults.IsKind(err, faults.NoProviders) {
		t.Fatalf("err = %v, want %s", err, faults.NoProviders)
	}

	// The job is persisted and parked, not discarded.
	var parked *job.Job
	f.mem.mu.Lock()
	for _, j := range f.mem.jobs {
		parked = j
	}
	f.mem.mu.Unlock()
	if parked == nil {
		t.Fatal("job was not persisted")
	}
	if parked.Status != job.StatusNoProviders {
		t.Fatalf("job status = %s, want %s", parked.Status, job.StatusNoProviders)
	}
}

func TestSubmitOffer(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	res := f.openBroadcast(t)

	o, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 120})
	if err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	if o.Status != OfferPending {
		t.Fatalf("offer status = %s", o.Status)
	}
	if o.Currency != "SAR" {
		t.Fatalf("currency = %s", o.Currency)
	}
	if o.ComputedETAMinutes <= 0 || o.DistanceKm <= 0 {
		t.Fatalf("computed eta/distance not derived: %+v", o)
	}

	b, err := f.svc.GetBroadcast(context.Background(), res.Broadcast.ID)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if b.Status != StatusOffersReceived {
		t.Fatalf("broadcast status = %s, want %s", b.Status, StatusOffersReceived)
	}
}

func TestSubmitOfferDuplicate(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	res := f.openBroadcast(t)

	if _, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 120}); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	_, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 110})
	if !faults.IsKind(err, faults.DuplicateOffer) {
		t.Fatalf("err = %v, want %s", err, faults.DuplicateOffer)
	}
}

func TestSubmitOfferRejections(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	f.pool.set("prov-busy", ProviderFix{Position: riyadh, Status: "on_job", At: f.clock.Now()})
	res := f.openBroadcast(t)

	if _, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 0}); !faults.IsKind(err, faults.Validation) {
		t.Fatalf("zero amount: err = %v", err)
	}
	if _, err := f.svc.SubmitOffer(context.Background(), "prov-unknown", res.Broadcast.ID, OfferInput{Amount: 100}); !faults.IsKind(err, faults.Unavailable) {
		t.Fatalf("unknown provider: err = %v", err)
	}
	if _, err := f.svc.SubmitOffer(context.Background(), "prov-busy", res.Broadcast.ID, OfferInput{Amount: 100}); !faults.IsKind(err, faults.Unavailable) {
		t.Fatalf("busy provider: err = %v", err)
	}

	f.clock.Advance(16 * time.Minute)
	if _, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 100}); !faults.IsKind(err, faults.Expired) {
		t.Fatalf("past deadline: err = %v", err)
	}
}

func TestOfferWriteRefusedAfterAcceptance(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	f.addProvider("prov-2", 0.02)
	res := f.openBroadcast(t)
	ctx := context.Background()

	won, err := f.svc.SubmitOffer(ctx, "prov-1", res.Broadcast.ID, OfferInput{Amount: 100})
	if err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	if _, err := f.svc.AcceptOffer(ctx, "cust-1", res.Broadcast.ID, won.ID); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	// A bid that passed its status check before the acceptance committed is
	// refused by the store itself, never left pending.
	late := &Offer{
		ID:          "offer-late",
		BroadcastID: res.Broadcast.ID,
		ProviderID:  "prov-2",
		Amount:      90,
		Status:      OfferPending,
		CreatedAt:   f.clock.Now(),
	}
	if err := f.mem.CreateOffer(ctx, late); !faults.IsKind(err, faults.InvalidStatus) {
		t.Fatalf("late bid: err = %v, want %s", err, faults.InvalidStatus)
	}

	offers, err := f.mem.ListOffers(ctx, res.Broadcast.ID)
	if err != nil {
		t.Fatalf("ListOffers: %v", err)
	}
	for _, o := range offers {
		if o.Status == OfferPending {
			t.Errorf("pending offer %s on closed broadcast", o.ID)
		}
	}
}

func TestOfferWriteRefusedPastDeadline(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	res := f.openBroadcast(t)

	f.clock.Advance(16 * time.Minute)
	tardy := &Offer{
		ID:          "offer-tardy",
		BroadcastID: res.Broadcast.ID,
		ProviderID:  "prov-1",
		Amount:      90,
		Status:      OfferPending,
		CreatedAt:   f.clock.Now(),
	}
	if err := f.mem.CreateOffer(context.Background(), tardy); !faults.IsKind(err, faults.Expired) {
		t.Fatalf("err = %v, want %s", err, faults.Expired)
	}
}

func TestListOffersCheapestFirst(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	f.addProvider("prov-2", 0.02)
	f.addProvider("prov-3", 0.03)
	res := f.openBroadcast(t)

	for id, amount := range map[types.ID]float64{"prov-1": 150, "prov-2": 90, "prov-3": 120} {
		if _, err := f.svc.SubmitOffer(context.Background(), id, res.Broadcast.ID, OfferInput{Amount: amount}); err != nil {
			t.Fatalf("SubmitOffer(%s): %v", id, err)
		}
	}

	offers, err := f.svc.ListOffers(context.Background(), "cust-1", res.Broadcast.ID)
	if err != nil {
		t.Fatalf("ListOffers: %v", err)
	}
	if len(offers) != 3 {
		t.Fatalf("got %d offers", len(offers))
	}
	for i := 1; i < len(offers); i++ {
		if offers[i-1].Amount > offers[i].Amount {
			t.Fatalf("offers not ordered by amount: %v then %v", offers[i-1].Amount, offers[i].Amount)
		}
	}

	if _, err := f.svc.ListOffers(context.Background(), "cust-2", res.Broadcast.ID); !faults.IsKind(err, faults.Forbidden) {
		t.Fatalf("foreign customer: err = %v", err)
	}
}

func TestAcceptOfferSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	f.addProvider("prov-2", 0.02)
	f.addProvider("prov-3", 0.03)
	res := f.openBroadcast(t)

	var offers []*Offer
	for _, id := range []types.ID{"prov-1", "prov-2", "prov-3"} {
		o, err := f.svc.SubmitOffer(context.Background(), id, res.Broadcast.ID, OfferInput{Amount: 100})
		if err != nil {
			t.Fatalf("SubmitOffer(%s): %v", id, err)
		}
		offers = append(offers, o)
	}

	accepted, err := f.svc.AcceptOffer(context.Background(), "cust-1", res.Broadcast.ID, offers[1].ID)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if accepted.Winner.ID != offers[1].ID || accepted.Winner.Status != OfferSelected {
		t.Fatalf("winner = %+v", accepted.Winner)
	}
	if len(accepted.RejectedProviders) != 2 {
		t.Fatalf("rejected = %v", accepted.RejectedProviders)
	}

	j, err := f.mem.Get(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if j.Status != job.StatusProviderAssigned {
		t.Fatalf("job status = %s", j.Status)
	}
	if j.ProviderID == nil || *j.ProviderID != "prov-2" {
		t.Fatalf("job provider = %v", j.ProviderID)
	}
	if j.AgreedPrice == nil || j.AgreedPrice.Amount != 100 {
		t.Fatalf("agreed price = %v", j.AgreedPrice)
	}

	b, err := f.mem.GetBroadcast(context.Background(), res.Broadcast.ID)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if b.Status != StatusTechnicianSelected {
		t.Fatalf("broadcast status = %s", b.Status)
	}

	// A second acceptance on the same round reports the conflict.
	_, err = f.svc.AcceptOffer(context.Background(), "cust-1", res.Broadcast.ID, offers[0].ID)
	if !faults.IsKind(err, faults.Conflict) && !faults.IsKind(err, faults.InvalidStatus) {
		t.Fatalf("second accept: err = %v", err)
	}
}

func TestAcceptOfferChecks(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	res := f.openBroadcast(t)
	o, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 100})
	if err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}

	if _, err := f.svc.AcceptOffer(context.Background(), "cust-2", res.Broadcast.ID, o.ID); !faults.IsKind(err, faults.Forbidden) {
		t.Fatalf("foreign customer: err = %v", err)
	}
	if _, err := f.svc.AcceptOffer(context.Background(), "cust-1", res.Broadcast.ID, "offer-404"); !faults.IsKind(err, faults.NotFound) {
		t.Fatalf("unknown offer: err = %v", err)
	}

	f.clock.Advance(16 * time.Minute)
	if _, err := f.svc.AcceptOffer(context.Background(), "cust-1", res.Broadcast.ID, o.ID); !faults.IsKind(err, faults.Expired) {
		t.Fatalf("past deadline: err = %v", err)
	}
}

func TestAcceptOfferConcurrent(t *testing.T) {
	f := newFixture(t)
	const n = 8
	for i := 0; i < n; i++ {
		f.addProvider(types.ID("prov-"+string(rune('a'+i))), 0.01*float64(i+1))
	}
	res := f.openBroadcast(t)

	offerIDs := make([]types.ID, 0, n)
	for i := 0; i < n; i++ {
		id := types.ID("prov-" + string(rune('a'+i)))
		o, err := f.svc.SubmitOffer(context.Background(), id, res.Broadcast.ID, OfferInput{Amount: 100 + float64(i)})
		if err != nil {
			t.Fatalf("SubmitOffer(%s): %v", id, err)
		}
		offerIDs = append(offerIDs, o.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.AcceptOffer(context.Background(), "cust-1", res.Broadcast.ID, offerIDs[i])
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !faults.IsKind(err, faults.Conflict) && !faults.IsKind(err, faults.InvalidStatus) {
			t.Fatalf("loser %d got unexpected error: %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	j, err := f.mem.Get(context.Background(), res.Job.ID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if j.Status != job.StatusProviderAssigned || j.ProviderID == nil {
		t.Fatalf("job not assigned after race: %+v", j)
	}

	offers, err := f.mem.ListOffers(context.Background(), res.Broadcast.ID)
	if err != nil {
		t.Fatalf("ListOffers: %v", err)
	}
	selected := 0
	for _, o := range offers {
		switch o.Status {
		case OfferSelected:
			selected++
		case OfferRejected:
		default:
			t.Fatalf("offer %s left %s after acceptance", o.ID, o.Status)
		}
	}
	if selected != 1 {
		t.Fatalf("selected offers = %d, want 1", selected)
	}
}

func TestCancelJobClosesOpenRound(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	res := f.openBroadcast(t)
	if _, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 100}); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}

	if err := f.svc.CancelJob(context.Background(), "cust-1", res.Job.ID, "changed my mind"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	j, _ := f.mem.Get(context.Background(), res.Job.ID)
	if j.Status != job.StatusCancelled {
		t.Fatalf("job status = %s", j.Status)
	}
	b, _ := f.mem.GetBroadcast(context.Background(), res.Broadcast.ID)
	if b.Status != StatusCancelled {
		t.Fatalf("broadcast status = %s", b.Status)
	}
	offers, _ := f.mem.ListOffers(context.Background(), res.Broadcast.ID)
	for _, o := range offers {
		if o.Status != OfferRejected {
			t.Fatalf("offer left %s after cancel", o.Status)
		}
	}
}

func TestCancelJobAfterAssignment(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	res := f.openBroadcast(t)
	o, err := f.svc.SubmitOffer(context.Background(), "prov-1", res.Broadcast.ID, OfferInput{Amount: 100})
	if err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	if _, err := f.svc.AcceptOffer(context.Background(), "cust-1", res.Broadcast.ID, o.ID); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	err = f.svc.CancelJob(context.Background(), "cust-1", res.Job.ID, "too slow")
	if !faults.IsKind(err, faults.InvalidStatus) {
		t.Fatalf("err = %v, want %s", err, faults.InvalidStatus)
	}
}

func TestExpirySweep(t *testing.T) {
	f := newFixture(t)
	f.addProvider("prov-1", 0.01)
	res := f.openBroadcast(t)

	f.clock.Advance(16 * time.Minute)
	f.svc.sweepOnce(context.Background())

	b, _ := f.mem.GetBroadcast(context.Background(), res.Broadcast.ID)
	if b.Status != StatusExpired {
		t.Fatalf("broadcast status = %s", b.Status)
	}
	j, _ := f.mem.Get(context.Background(), res.Job.ID)
	if j.Status != job.StatusExpired {
		t.Fatalf("job status = %s", j.Status)
	}

	// Second pass finds nothing to do.
	f.svc.sweepOnce(context.Background())
	b2, _ := f.mem.GetBroadcast(context.Background(), res.Broadcast.ID)
	if b2.StatusVersion != b.StatusVersion {
		t.Fatalf("sweep is not idempotent: version %d -> %d", b.StatusVersion, b2.StatusVersion)
	}
}
