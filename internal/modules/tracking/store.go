// README: Tracking store backed by Redis GEO for live fixes and Postgres for history.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"roadcall/internal/faults"
	"roadcall/internal/types"
)

const (
	geoKey       = "tracking:providers"
	fixKeyPrefix = "tracking:provider:%s:fix"
	// Fixes self-expire so a provider that stops reporting eventually drops
	// out of LastKnown; geo entries are removed explicitly on offline.
	fixTTL = 24 * time.Hour
)

type PGStore struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewPGStore(db *pgxpool.Pool, rdb *redis.Client) *PGStore {
	return &PGStore{db: db, redis: rdb}
}

// Append persists one sample to the append-only history.
func (s *PGStore) Append(ctx context.Context, sample *LocationSample) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO location_samples
			(provider_id, lat, lng, heading_deg, speed_kmh, accuracy_m, status, job_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		sample.ProviderID, sample.Position.Lat, sample.Position.Lng,
		sample.HeadingDeg, sample.SpeedKmh, sample.AccuracyM,
		sample.Status, idPtr(sample.JobID), sample.RecordedAt,
	).Scan(&sample.ID)
	if err != nil {
		return fmt.Errorf("append location sample: %w", err)
	}
	return nil
}

// SetFix refreshes the live fix and the geo index. Offline providers are
// dropped from the index so Nearby never returns them.
func (s *PGStore) SetFix(ctx context.Context, fix Fix) error {
	raw, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("marshal fix: %w", err)
	}
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, fixKey(fix.ProviderID), raw, fixTTL)
	if fix.Status == StatusOffline {
		pipe.ZRem(ctx, geoKey, string(fix.ProviderID))
	} else {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      string(fix.ProviderID),
			Longitude: fix.Position.Lng,
			Latitude:  fix.Position.Lat,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set fix: %w", err)
	}
	return nil
}

// Fix returns the latest known fix, or nil when the provider has none.
func (s *PGStore) Fix(ctx context.Context, providerID types.ID) (*Fix, error) {
	raw, err := s.redis.Get(ctx, fixKey(providerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fix: %w", err)
	}
	var fix Fix
	if err := json.Unmarshal(raw, &fix); err != nil {
		return nil, fmt.Errorf("decode fix: %w", err)
	}
	return &fix, nil
}

// Nearby queries the geo index around origin, nearest first, and attaches
// each hit's live fix. Hits whose fix has already expired are skipped.
func (s *PGStore) Nearby(ctx context.Context, origin types.Point, radiusKm float64) ([]NearbyProvider, error) {
	hits, err := s.redis.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lng,
			Latitude:   origin.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = fixKey(types.ID(h.Name))
	}
	raws, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget fixes: %w", err)
	}

	out := make([]NearbyProvider, 0, len(hits))
	for i, h := range hits {
		str, ok := raws[i].(string)
		if !ok {
			continue
		}
		var fix Fix
		if err := json.Unmarshal([]byte(str), &fix); err != nil {
			continue
		}
		out = append(out, NearbyProvider{
			ProviderID: types.ID(h.Name),
			Position:   types.Point{Lat: h.Latitude, Lng: h.Longitude},
			DistanceKm: h.Dist,
			Fix:        fix,
		})
	}
	return out, nil
}

// History returns samples for a provider within [from, to], oldest first.
func (s *PGStore) History(ctx context.Context, providerID types.ID, from, to time.Time, limit int) ([]LocationSample, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider_id, lat, lng, heading_deg, speed_kmh, accuracy_m, status, job_id, recorded_at
		FROM location_samples
		WHERE provider_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC
		LIMIT $4`,
		providerID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query location history: %w", err)
	}
	defer rows.Close()
	return collectSamples(rows)
}

// HistoryByJob returns the samples reported against a job within [from, to],
// oldest first. This is the route-reconstruction read for finished jobs.
func (s *PGStore) HistoryByJob(ctx context.Context, jobID types.ID, from, to time.Time, limit int) ([]LocationSample, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider_id, lat, lng, heading_deg, speed_kmh, accuracy_m, status, job_id, recorded_at
		FROM location_samples
		WHERE job_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC
		LIMIT $4`,
		string(jobID), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query job location history: %w", err)
	}
	defer rows.Close()
	return collectSamples(rows)
}

func collectSamples(rows pgx.Rows) ([]LocationSample, error) {
	var out []LocationSample
	for rows.Next() {
		var sample LocationSample
		var jobID *string
		err := rows.Scan(&sample.ID, &sample.ProviderID,
			&sample.Position.Lat, &sample.Position.Lng,
			&sample.HeadingDeg, &sample.SpeedKmh, &sample.AccuracyM,
			&sample.Status, &jobID, &sample.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("scan location sample: %w", err)
		}
		if jobID != nil {
			id := types.ID(*jobID)
			sample.JobID = &id
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.Internal, "read location history", err)
	}
	return out, nil
}

func fixKey(providerID types.ID) string {
	return fmt.Sprintf(fixKeyPrefix, string(providerID))
}

func idPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
