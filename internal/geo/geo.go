package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// DistanceKm is the great-circle (haversine) distance between a and b.
// The haversine term is clamped to [0, 1] so rounding near the poles or the
// antimeridian never feeds asin/sqrt an out-of-domain value.
func DistanceKm(a, b models.Coord) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	h = clamp(h, 0, 1)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
