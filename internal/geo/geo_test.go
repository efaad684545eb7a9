package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	p := models.Coord{Lat: 14.69, Lng: -17.44}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.Coord{Lat: 14.69, Lng: -17.44}
	b := models.Coord{Lat: 14.70, Lng: -17.45}
	assert.Equal(t, DistanceKm(a, b), DistanceKm(b, a))
}

func TestDistanceKnownPair(t *testing.T) {
	// Dakar Plateau to AIBD airport, roughly 38 km as the crow flies.
	plateau := models.Coord{Lat: 14.6708, Lng: -17.4381}
	aibd := models.Coord{Lat: 14.7397, Lng: -17.0900}
	assert.InDelta(t, 38.3, DistanceKm(plateau, aibd), 1.0)

	// One degree of latitude along a meridian.
	assert.InDelta(t, EarthRadiusKm*math.Pi/180, DistanceKm(models.Coord{}, models.Coord{Lat: 1}), 1e-9)
}

func TestDistanceStableAtExtremes(t *testing.T) {
	cases := []struct {
		name string
		a, b models.Coord
	}{
		{"poles", models.Coord{Lat: 90, Lng: 0}, models.Coord{Lat: -90, Lng: 0}},
		{"antipodal equator", models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 180}},
		{"antimeridian", models.Coord{Lat: 10, Lng: 179.9999}, models.Coord{Lat: 10, Lng: -179.9999}},
		{"north pole different lng", models.Coord{Lat: 90, Lng: 10}, models.Coord{Lat: 90, Lng: -170}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := DistanceKm(tc.a, tc.b)
			assert.False(t, math.IsNaN(d), "distance is NaN")
			assert.GreaterOrEqual(t, d, 0.0)
			assert.LessOrEqual(t, d, math.Pi*EarthRadiusKm+1e-6)
		})
	}
	assert.InDelta(t, math.Pi*EarthRadiusKm, DistanceKm(models.Coord{Lat: 90}, models.Coord{Lat: -90}), 1e-6)
	assert.Less(t, DistanceKm(models.Coord{Lat: 10, Lng: 179.9999}, models.Coord{Lat: 10, Lng: -179.9999}), 0.1)
}
