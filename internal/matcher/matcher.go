package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultRadiusKm     = 10.0
	DefaultMinRating    = 4.0
	DefaultMinBattery   = 20
	DefaultNearestLimit = 5

	// absorbs float error for a driver sitting exactly on the radius
	radiusEpsilonKm = 1e-9
	// jobs closer together than this are ranked oldest first
	JobTieToleranceKm = 0.001
)

// Criteria are the driver eligibility filters.
type Criteria struct {
	RadiusKm  float64 `json:"radius_km"`
	MinRating float64 `json:"min_rating"`
	// Battery must be strictly above this level.
	MinBattery int `json:"min_battery"`
}

func DefaultCriteria() Criteria {
	return Criteria{RadiusKm: DefaultRadiusKm, MinRating: DefaultMinRating, MinBattery: DefaultMinBattery}
}

// Eligible applies the rating and battery filters.
func (c Criteria) Eligible(d models.Driver) bool {
	return d.Rating >= c.MinRating && d.BatteryLevel > c.MinBattery
}

func (c Criteria) InRadius(km float64) bool {
	return km <= c.RadiusKm+radiusEpsilonKm
}

type DriverSource interface {
	QueryDrivers(ctx context.Context, q storage.DriverQuery) ([]models.Driver, error)
}

type Candidate struct {
	Driver     models.Driver `json:"driver"`
	DistanceKm float64       `json:"distance_km"`
}

type JobCandidate struct {
	Job        models.Job `json:"job"`
	DistanceKm float64    `json:"distance_km"`
}

type Service struct {
	Drivers  DriverSource
	Criteria Criteria
	// Distance defaults to geo.DistanceKm.
	Distance func(a, b models.Coord) float64
}

func New(drivers DriverSource, c Criteria) *Service {
	return &Service{Drivers: drivers, Criteria: c}
}

// FindBestDriver returns the nearest eligible driver for the pickup and the
// full ranked candidate list. best is nil when nobody qualifies.
func (s *Service) FindBestDriver(ctx context.Context, pickup models.Coord, category models.VehicleCategory) (*Candidate, []Candidate, error) {
	start := time.Now()
	drivers, err := s.Drivers.QueryDrivers(ctx, storage.DriverQuery{Category: category, AvailableOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("query drivers: %w", err)
	}
	cands := s.Rank(pickup, category, drivers)
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	observability.MatchCandidates.Observe(float64(len(cands)))
	if len(cands) == 0 {
		return nil, cands, nil
	}
	best := cands[0]
	return &best, cands, nil
}

// FindNearestDrivers is the ranked list truncated to limit, for display.
func (s *Service) FindNearestDrivers(ctx context.Context, pickup models.Coord, category models.VehicleCategory, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = DefaultNearestLimit
	}
	_, cands, err := s.FindBestDriver(ctx, pickup, category)
	if err != nil {
		return nil, err
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

// Rank filters drivers by availability, category, radius, rating and
// battery, then orders them by distance with ties broken by driver ID.
func (s *Service) Rank(pickup models.Coord, category models.VehicleCategory, drivers []models.Driver) []Candidate {
	dist := s.distance()
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.Available || d.CurrentJobID != "" || d.Category != category {
			continue
		}
		km := dist(pickup, d.Location.Coord)
		if !s.Criteria.InRadius(km) {
			continue
		}
		if !s.Criteria.Eligible(d) {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: km})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}

// RankJobs orders pending jobs of the driver's category within radius of
// from. jobs must be supplied oldest first: nearest wins, and jobs within
// JobTieToleranceKm of each other keep their oldest-first order.
func (s *Service) RankJobs(from models.Coord, category models.VehicleCategory, jobs []models.Job) []JobCandidate {
	dist := s.distance()
	pool := make([]JobCandidate, 0, len(jobs))
	for _, j := range jobs {
		if j.Status != models.JobPending || j.Category != category {
			continue
		}
		km := dist(from, j.Pickup.Coord)
		if !s.Criteria.InRadius(km) {
			continue
		}
		pool = append(pool, JobCandidate{Job: j, DistanceKm: km})
	}

	out := make([]JobCandidate, 0, len(pool))
	for len(pool) > 0 {
		best := 0
		for i := 1; i < len(pool); i++ {
			if pool[i].DistanceKm < pool[best].DistanceKm-JobTieToleranceKm {
				best = i
			}
		}
		out = append(out, pool[best])
		pool = append(pool[:best], pool[best+1:]...)
	}
	return out
}

func (s *Service) distance() func(a, b models.Coord) float64 {
	if s.Distance != nil {
		return s.Distance
	}
	return geo.DistanceKm
}

// NearestJob is the head of RankJobs, or nil.
func (s *Service) NearestJob(from models.Coord, category models.VehicleCategory, jobs []models.Job) *JobCandidate {
	ranked := s.RankJobs(from, category, jobs)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}
