// README: Dispatch store backed by PostgreSQL; owns the transactional acceptance write.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadcall/internal/faults"
	"roadcall/internal/types"
)

// sweepLockKey is the PostgreSQL advisory lock key for the expiry sweep.
// Only one replica runs a sweep pass at a time; the others skip.
const sweepLockKey = int64(0x524F4144)

const uniqueViolation = "23505"

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateBroadcast(ctx context.Context, b *Broadcast) error {
	var destLat, destLng *float64
	if b.Destination != nil {
		destLat, destLng = &b.Destination.Lat, &b.Destination.Lng
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO broadcasts (
            id, job_id, origin_lat, origin_lng, dest_lat, dest_lng,
            radius_km, status, status_version, created_at, broadcast_until
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(b.ID), string(b.JobID), b.Origin.Lat, b.Origin.Lng, destLat, destLng,
		b.RadiusKm, string(b.Status), b.StatusVersion, b.CreatedAt, b.BroadcastUntil,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return faults.New(faults.InvalidStatus, "job already has an open broadcast")
	}
	return err
}

const broadcastColumns = `
    id, job_id, origin_lat, origin_lng, dest_lat, dest_lng,
    radius_km, status, status_version, created_at, broadcast_until`

func (s *PGStore) GetBroadcast(ctx context.Context, id types.ID) (*Broadcast, error) {
	row := s.db.QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, string(id))
	return scanBroadcast(row)
}

func scanBroadcast(row pgx.Row) (*Broadcast, error) {
	var b Broadcast
	var destLat, destLng sql.NullFloat64
	err := row.Scan(
		&b.ID, &b.JobID, &b.Origin.Lat, &b.Origin.Lng, &destLat, &destLng,
		&b.RadiusKm, &b.Status, &b.StatusVersion, &b.CreatedAt, &b.BroadcastUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.NotFound, "broadcast not found")
	}
	if err != nil {
		return nil, err
	}
	if destLat.Valid && destLng.Valid {
		b.Destination = &types.Point{Lat: destLat.Float64, Lng: destLng.Float64}
	}
	return &b, nil
}

// MarkOffersReceived nudges an open broadcast to OFFERS_RECEIVED after the
// first bid. Best effort: losing the write to a concurrent acceptance or
// expiry is fine.
func (s *PGStore) MarkOffersReceived(ctx context.Context, id types.ID) error {
	_, err := s.db.Exec(ctx, `
        UPDATE broadcasts
        SET status = 'offers_received', status_version = status_version + 1
        WHERE id = $1 AND status = 'broadcasting'`, string(id),
	)
	return err
}

// CreateOffer inserts the bid only while its broadcast is still open and
// within the deadline, so a bid racing an acceptance or expiry is refused at
// write time rather than landing as a forever-pending offer.
func (s *PGStore) CreateOffer(ctx context.Context, o *Offer) error {
	tag, err := s.db.Exec(ctx, `
        INSERT INTO offers (
            id, broadcast_id, provider_id, amount, currency, message,
            estimated_arrival_minutes, computed_eta_minutes,
            provider_lat, provider_lng, distance_km, status, selected, created_at
        )
        SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
        WHERE EXISTS (
            SELECT 1 FROM broadcasts
            WHERE id = $2
              AND status IN ('broadcasting', 'offers_received')
              AND broadcast_until > $14
        )`,
		string(o.ID), string(o.BroadcastID), string(o.ProviderID), o.Amount, o.Currency, o.Message,
		o.EstimatedArrivalMinutes, o.ComputedETAMinutes,
		o.ProviderLocation.Lat, o.ProviderLocation.Lng, o.DistanceKm,
		string(o.Status), o.Selected, o.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return faults.New(faults.DuplicateOffer, "provider already has an offer on this broadcast")
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return s.explainOfferFailure(ctx, o.BroadcastID, o.CreatedAt)
	}
	return nil
}

// explainOfferFailure re-reads the broadcast after a refused insert so the
// bidder learns deterministically why the round is closed to them.
func (s *PGStore) explainOfferFailure(ctx context.Context, broadcastID types.ID, now time.Time) error {
	b, err := s.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	eff := b.EffectiveStatus(now)
	if eff == StatusExpired {
		return faults.New(faults.Expired, "broadcast has expired")
	}
	return faults.Newf(faults.InvalidStatus, "broadcast is %s", eff)
}

const offerColumns = `
    id, broadcast_id, provider_id, amount, currency, message,
    estimated_arrival_minutes, computed_eta_minutes,
    provider_lat, provider_lng, distance_km, status, selected, created_at`

func (s *PGStore) GetOffer(ctx context.Context, id types.ID) (*Offer, error) {
	row := s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, string(id))
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.NotFound, "offer not found")
	}
	return o, err
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	err := row.Scan(
		&o.ID, &o.BroadcastID, &o.ProviderID, &o.Amount, &o.Currency, &o.Message,
		&o.EstimatedArrivalMinutes, &o.ComputedETAMinutes,
		&o.ProviderLocation.Lat, &o.ProviderLocation.Lng, &o.DistanceKm,
		&o.Status, &o.Selected, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOffers returns the broadcast's offers cheapest first (canonical order).
func (s *PGStore) ListOffers(ctx context.Context, broadcastID types.ID) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+offerColumns+`
        FROM offers
        WHERE broadcast_id = $1
        ORDER BY amount ASC, created_at ASC`, string(broadcastID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// AcceptOffer performs the single-winner acceptance as one transaction:
// the broadcast status CAS serialises racing acceptors, then the winning
// offer is selected, every sibling rejected, and the job assigned. A CAS
// miss is re-read to report why the caller lost.
func (s *PGStore) AcceptOffer(ctx context.Context, broadcastID, offerID types.ID, now time.Time) (*AcceptResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
        UPDATE broadcasts
        SET status = 'technician_selected', status_version = status_version + 1
        WHERE id = $1
          AND status IN ('broadcasting', 'offers_received')
          AND broadcast_until > $2`,
		string(broadcastID), now,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, s.explainAcceptFailure(ctx, broadcastID, now)
	}

	tag, err = tx.Exec(ctx, `
        UPDATE offers
        SET status = 'selected', selected = TRUE
        WHERE id = $1 AND broadcast_id = $2 AND status = 'pending'`,
		string(offerID), string(broadcastID),
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, faults.New(faults.InvalidStatus, "offer is not pending on this broadcast")
	}

	rows, err := tx.Query(ctx, `
        UPDATE offers
        SET status = 'rejected'
        WHERE broadcast_id = $1 AND id <> $2 AND status = 'pending'
        RETURNING provider_id`,
		string(broadcastID), string(offerID),
	)
	if err != nil {
		return nil, err
	}
	var rejected []types.ID
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		rejected = append(rejected, types.ID(p))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var winner Offer
	row := tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, string(offerID))
	w, err := scanOffer(row)
	if err != nil {
		return nil, err
	}
	winner = *w

	tag, err = tx.Exec(ctx, `
        UPDATE jobs
        SET status = 'provider_assigned',
            status_version = status_version + 1,
            provider_id = $1,
            agreed_price = $2,
            assigned_at = $3
        WHERE id = (SELECT job_id FROM broadcasts WHERE id = $4)
          AND status = 'broadcasting'`,
		string(winner.ProviderID), winner.Amount, now, string(broadcastID),
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, faults.New(faults.Conflict, "job state changed during acceptance, re-read and retry")
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO job_status_events (job_id, from_status, to_status, actor_type, actor_id, created_at)
        SELECT job_id, 'broadcasting', 'provider_assigned', 'customer', NULL, $2
        FROM broadcasts WHERE id = $1`,
		string(broadcastID), now,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, faults.Wrap(faults.Conflict, "acceptance transaction failed, retry", err)
	}
	return &AcceptResult{Winner: winner, RejectedProviders: rejected}, nil
}

// explainAcceptFailure re-reads the broadcast after a CAS miss so the caller
// learns deterministically why they lost.
func (s *PGStore) explainAcceptFailure(ctx context.Context, broadcastID types.ID, now time.Time) error {
	b, err := s.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	switch b.EffectiveStatus(now) {
	case StatusExpired:
		return faults.New(faults.Expired, "broadcast has expired")
	case StatusTechnicianSelected, StatusCompleted:
		return faults.New(faults.Conflict, "another offer was already accepted")
	default:
		return faults.Newf(faults.InvalidStatus, "broadcast is %s", b.Status)
	}
}

// ExpireDue marks every overdue open broadcast (and its job) expired.
// The advisory lock makes the sweep single-writer across replicas; a pass
// that does not win the lock is a no-op, which is safe because expiry is
// also applied lazily on every read.
func (s *PGStore) ExpireDue(ctx context.Context, now time.Time) ([]ExpiredBroadcast, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var won bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, sweepLockKey).Scan(&won); err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}
	defer func() { _, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, sweepLockKey) }()

	rows, err := conn.Query(ctx, `
        UPDATE broadcasts
        SET status = 'expired', status_version = status_version + 1
        WHERE status IN ('broadcasting', 'offers_received')
          AND broadcast_until < $1
        RETURNING id, job_id`, now,
	)
	if err != nil {
		return nil, err
	}
	var expired []ExpiredBroadcast
	for rows.Next() {
		var e ExpiredBroadcast
		if err := rows.Scan(&e.BroadcastID, &e.JobID); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		_, err := conn.Exec(ctx, `
            UPDATE jobs
            SET status = 'expired', status_version = status_version + 1
            WHERE id = $1 AND status = 'broadcasting'`, string(e.JobID),
		)
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// CancelOpen closes an open broadcast for a cancelled job and rejects its
// in-flight offers.
func (s *PGStore) CancelOpen(ctx context.Context, broadcastID types.ID) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
        UPDATE broadcasts
        SET status = 'cancelled', status_version = status_version + 1
        WHERE id = $1 AND status IN ('broadcasting', 'offers_received')`,
		string(broadcastID),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
        UPDATE offers SET status = 'rejected'
        WHERE broadcast_id = $1 AND status = 'pending'`, string(broadcastID),
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// OpenBroadcastForJob returns the job's current open broadcast, if any.
func (s *PGStore) OpenBroadcastForJob(ctx context.Context, jobID types.ID) (*Broadcast, error) {
	row := s.db.QueryRow(ctx, `
        SELECT `+broadcastColumns+` FROM broadcasts
        WHERE job_id = $1 AND status IN ('broadcasting', 'offers_received')`,
		string(jobID),
	)
	b, err := scanBroadcast(row)
	if faults.IsKind(err, faults.NotFound) {
		return nil, faults.New(faults.NotFound, "job has no open broadcast")
	}
	return b, err
}
