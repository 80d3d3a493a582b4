// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"

	"roadcall/internal/faults"
	"roadcall/internal/types"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func DistanceKm(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// IsWithinRadius reports whether point lies within radiusKm of center.
func IsWithinRadius(center, point types.Point, radiusKm float64) bool {
	return DistanceKm(center, point) <= radiusKm
}

// Bounds is the operating region; coordinates outside it are rejected.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// Contains reports whether p lies inside the bounds (inclusive).
func (b Bounds) Contains(p types.Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// ValidateCoordinate rejects malformed coordinates and coordinates outside
// the configured operating region.
func ValidateCoordinate(lat, lng float64, bounds Bounds) error {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return faults.New(faults.InvalidCoordinates, "coordinate is not a number")
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return faults.Newf(faults.InvalidCoordinates, "coordinate out of range: %.6f,%.6f", lat, lng)
	}
	if !bounds.Contains(types.Point{Lat: lat, Lng: lng}) {
		return faults.Newf(faults.InvalidCoordinates, "coordinate outside operating region: %.6f,%.6f", lat, lng)
	}
	return nil
}

// SortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func SortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
