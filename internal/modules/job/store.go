// README: Job store backed by PostgreSQL.
package job

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roadcall/internal/faults"
	"roadcall/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const jobColumns = `
    id, number, customer_id, provider_id, status, status_version,
    pickup_lat, pickup_lng, pickup_address,
    dest_lat, dest_lng, dest_address,
    urgency, quoted_price, agreed_price, currency, details,
    created_at, assigned_at, started_at, completed_at, cancelled_at, cancel_reason`

func (s *Store) Create(ctx context.Context, j *Job) error {
	details, err := EncodeDetails(j.Details)
	if err != nil {
		return err
	}
	var destLat, destLng *float64
	if j.Destination != nil {
		destLat, destLng = &j.Destination.Lat, &j.Destination.Lng
	}
	var agreed *float64
	if j.AgreedPrice != nil {
		agreed = &j.AgreedPrice.Amount
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO jobs (
            id, number, customer_id, provider_id, status, status_version,
            pickup_lat, pickup_lng, pickup_address,
            dest_lat, dest_lng, dest_address,
            urgency, quoted_price, agreed_price, currency, details, created_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6,
            $7, $8, $9,
            $10, $11, $12,
            $13, $14, $15, $16, $17, $18
        )`,
		string(j.ID), j.Number, string(j.CustomerID), idPtr(j.ProviderID),
		string(j.Status), j.StatusVersion,
		j.Pickup.Lat, j.Pickup.Lng, j.PickupAddress,
		destLat, destLng, j.DestinationAddress,
		string(j.Urgency), j.QuotedPrice.Amount, agreed, j.QuotedPrice.Currency,
		details, j.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, string(id))
	return scanJob(row)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var providerID, destAddr, cancelReason sql.NullString
	var destLat, destLng, agreed sql.NullFloat64
	var assignedAt, startedAt, completedAt, cancelledAt sql.NullTime
	var details []byte

	err := row.Scan(
		&j.ID, &j.Number, &j.CustomerID, &providerID, &j.Status, &j.StatusVersion,
		&j.Pickup.Lat, &j.Pickup.Lng, &j.PickupAddress,
		&destLat, &destLng, &destAddr,
		&j.Urgency, &j.QuotedPrice.Amount, &agreed, &j.QuotedPrice.Currency, &details,
		&j.CreatedAt, &assignedAt, &startedAt, &completedAt, &cancelledAt, &cancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.NotFound, "job not found")
	}
	if err != nil {
		return nil, err
	}

	if providerID.Valid {
		p := types.ID(providerID.String)
		j.ProviderID = &p
	}
	if destLat.Valid && destLng.Valid {
		j.Destination = &types.Point{Lat: destLat.Float64, Lng: destLng.Float64}
	}
	if destAddr.Valid {
		j.DestinationAddress = destAddr.String
	}
	if agreed.Valid {
		j.AgreedPrice = &types.Money{Amount: agreed.Float64, Currency: j.QuotedPrice.Currency}
	}
	j.AssignedAt = timePtr(assignedAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.CancelledAt = timePtr(cancelledAt)
	if cancelReason.Valid {
		j.CancelReason = &cancelReason.String
	}
	if len(details) > 0 {
		d, err := DecodeDetails(details)
		if err != nil {
			return nil, err
		}
		j.Details = d
	}
	return &j, nil
}

// UpdateStatus performs the optimistic status transition: the write only
// lands when both the expected status and version still hold. Returns false
// when another writer got there first.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, providerID *types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE jobs
        SET status = $1,
            status_version = status_version + 1,
            provider_id = COALESCE($2, provider_id),
            assigned_at = CASE WHEN $1 = 'provider_assigned' THEN NOW() ELSE assigned_at END,
            started_at = CASE WHEN $1 = 'in_progress' THEN NOW() ELSE started_at END,
            completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
            cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END
        WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(to), idPtr(providerID), string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO job_status_events (
            job_id, from_status, to_status, actor_type, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.JobID), string(e.FromStatus), string(e.ToStatus),
		e.ActorType, idPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, jobID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, job_id, from_status, to_status, actor_type, actor_id, created_at
        FROM job_status_events
        WHERE job_id = $1
        ORDER BY id ASC`, string(jobID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM jobs
            WHERE customer_id = $1
              AND status IN ('pending_broadcast','broadcasting','provider_assigned','en_route','in_progress')
        )`, string(customerID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
