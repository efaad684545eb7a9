// Package dispatch assigns drivers to jobs when a job is created and jobs
// to drivers when a driver comes back online.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/breaker"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	pathJobCreated      = "job_created"
	pathDriverAvailable = "driver_available"

	defaultPendingPageSize = 200
)

type Dispatcher struct {
	Store    storage.Store
	Matcher  *matcher.Service
	Breaker  breaker.Breaker
	Notifier notify.Notifier
	ETA      *eta.Resolver
	Log      zerolog.Logger
	Now      func() time.Time
	// PendingPageSize is how many pending jobs are read per query while a
	// returning driver is compared against the whole pending pool.
	PendingPageSize int
}

func New(st storage.Store, m *matcher.Service, b breaker.Breaker, n notify.Notifier, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{Store: st, Matcher: m, Breaker: b, Notifier: n, Log: log, Now: time.Now}
}

// OnJobCreated tries to assign the best driver to a freshly created job. A
// missing or no-longer-pending job is a no-op. Failed atomic writes are
// recorded on the job and returned so the trigger can be retried.
func (d *Dispatcher) OnJobCreated(ctx context.Context, jobID string) error {
	log := d.Log.With().Str("job_id", jobID).Str("path", pathJobCreated).Logger()

	job, err := d.Store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Msg("job not found")
		outcome(pathJobCreated, "skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != models.JobPending || job.DriverID != "" {
		log.Debug().Str("status", string(job.Status)).Msg("job no longer pending")
		outcome(pathJobCreated, "skipped")
		return nil
	}

	if d.Breaker.IsOpen(ctx) {
		log.Warn().Msg("circuit open, matching skipped")
		d.markDiagnostic(ctx, job.ID, models.DiagCircuitOpen)
		outcome(pathJobCreated, "circuit_open")
		return nil
	}

	best, cands, err := d.Matcher.FindBestDriver(ctx, job.Pickup.Coord, job.Category)
	if err != nil {
		d.Breaker.RecordOutcome(ctx, false)
		d.markDiagnostic(ctx, job.ID, err.Error())
		outcome(pathJobCreated, "error")
		return fmt.Errorf("match job %s: %w", jobID, err)
	}
	if best == nil {
		d.Breaker.RecordOutcome(ctx, true)
		log.Info().Msg("no driver available")
		d.markDiagnostic(ctx, job.ID, models.DiagNoDriver)
		outcome(pathJobCreated, "no_driver")
		return nil
	}

	for _, c := range cands {
		err := d.assign(ctx, job, c.Driver.ID)
		if err == nil {
			d.Breaker.RecordOutcome(ctx, true)
			outcome(pathJobCreated, "assigned")
			log.Info().Str("driver_id", c.Driver.ID).Float64("distance_km", c.DistanceKm).Msg("job assigned")
			d.notifyAssigned(ctx, job, c)
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			d.Breaker.RecordOutcome(ctx, false)
			d.markDiagnostic(ctx, job.ID, err.Error())
			outcome(pathJobCreated, "error")
			return fmt.Errorf("assign job %s: %w", jobID, err)
		}
		current, gerr := d.Store.GetJob(ctx, job.ID)
		if gerr != nil {
			d.Breaker.RecordOutcome(ctx, false)
			return fmt.Errorf("reload job %s: %w", jobID, gerr)
		}
		if current.Status != models.JobPending || current.DriverID != "" {
			// a concurrent delivery of the same trigger won
			d.Breaker.RecordOutcome(ctx, true)
			outcome(pathJobCreated, "conflict")
			return nil
		}
		log.Debug().Str("driver_id", c.Driver.ID).Msg("driver taken concurrently, trying next")
	}

	d.Breaker.RecordOutcome(ctx, true)
	d.markDiagnostic(ctx, job.ID, models.DiagNoDriver)
	outcome(pathJobCreated, "no_driver")
	return nil
}

// OnDriverAvailable reacts to a driver going from unavailable to available
// by offering them the nearest pending job, oldest first on ties. Only
// store read failures are returned; write failures are marked on the job.
func (d *Dispatcher) OnDriverAvailable(ctx context.Context, driverID string, before, after models.DriverAvailability) error {
	if before.Available || !after.Available {
		return nil
	}
	log := d.Log.With().Str("driver_id", driverID).Str("path", pathDriverAvailable).Logger()

	if d.Breaker.IsOpen(ctx) {
		log.Warn().Msg("circuit open, matching skipped")
		outcome(pathDriverAvailable, "circuit_open")
		return nil
	}

	drv, err := d.Store.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn().Msg("driver not found")
		outcome(pathDriverAvailable, "skipped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load driver %s: %w", driverID, err)
	}
	if !drv.Available || drv.CurrentJobID != "" {
		outcome(pathDriverAvailable, "skipped")
		return nil
	}
	if !d.Matcher.Criteria.Eligible(drv) {
		log.Info().Float64("rating", drv.Rating).Int("battery", drv.BatteryLevel).Msg("driver not eligible")
		outcome(pathDriverAvailable, "skipped")
		return nil
	}

	ranked, err := d.rankPending(ctx, drv)
	if err != nil {
		d.Breaker.RecordOutcome(ctx, false)
		return err
	}

	for _, jc := range ranked {
		err := d.assign(ctx, jc.Job, drv.ID)
		if err == nil {
			d.Breaker.RecordOutcome(ctx, true)
			outcome(pathDriverAvailable, "assigned")
			log.Info().Str("job_id", jc.Job.ID).Float64("distance_km", jc.DistanceKm).Msg("job assigned")
			d.notifyAssigned(ctx, jc.Job, matcher.Candidate{Driver: drv, DistanceKm: jc.DistanceKm})
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			d.Breaker.RecordOutcome(ctx, false)
			log.Error().Err(err).Str("job_id", jc.Job.ID).Msg("assignment write failed")
			d.markDiagnostic(ctx, jc.Job.ID, err.Error())
			outcome(pathDriverAvailable, "error")
			return nil
		}
		again, gerr := d.Store.GetDriver(ctx, drv.ID)
		if gerr != nil {
			return fmt.Errorf("reload driver %s: %w", driverID, gerr)
		}
		if !again.Available || again.CurrentJobID != "" {
			d.Breaker.RecordOutcome(ctx, true)
			outcome(pathDriverAvailable, "conflict")
			return nil
		}
		log.Debug().Str("job_id", jc.Job.ID).Msg("job taken concurrently, trying next")
	}

	d.Breaker.RecordOutcome(ctx, true)
	outcome(pathDriverAvailable, "no_job")
	return nil
}

// rankPending pages through every pending job of the driver's category and
// ranks the ones in range. Only in-range jobs are kept between pages.
func (d *Dispatcher) rankPending(ctx context.Context, drv models.Driver) ([]matcher.JobCandidate, error) {
	size := d.PendingPageSize
	if size <= 0 {
		size = defaultPendingPageSize
	}
	q := storage.JobQuery{Status: models.JobPending, Category: drv.Category, Limit: size}
	var inRange []models.Job
	for {
		page, err := d.Store.QueryJobs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query pending jobs: %w", err)
		}
		keep := make(map[string]bool)
		for _, jc := range d.Matcher.RankJobs(drv.Location.Coord, drv.Category, page) {
			keep[jc.Job.ID] = true
		}
		// page order is creation order, which breaks distance ties
		for _, j := range page {
			if keep[j.ID] {
				inRange = append(inRange, j)
			}
		}
		if len(page) < size {
			break
		}
		q.After = storage.CursorAfter(page[len(page)-1])
	}
	return d.Matcher.RankJobs(drv.Location.Coord, drv.Category, inRange), nil
}

// assign writes the job and driver sides of an assignment as one unit.
func (d *Dispatcher) assign(ctx context.Context, job models.Job, driverID string) error {
	return d.Store.AtomicUpdate(ctx, AssignMutations(job.ID, driverID, d.now())...)
}

// AssignMutations guards on a pending, unowned job and a free driver.
func AssignMutations(jobID, driverID string, at time.Time) []storage.Mutation {
	return []storage.Mutation{
		{
			Collection: storage.Jobs,
			ID:         jobID,
			Set: storage.Fields{
				storage.FieldStatus:        models.JobAssigned,
				storage.FieldDriverID:      driverID,
				storage.FieldAssignedAt:    at,
				storage.FieldDispatchError: "",
			},
			Expect: storage.Fields{
				storage.FieldStatus:   models.JobPending,
				storage.FieldDriverID: "",
			},
		},
		{
			Collection: storage.Drivers,
			ID:         driverID,
			Set:        storage.Fields{storage.FieldAvailable: false, storage.FieldCurrentJobID: jobID},
			Expect:     storage.Fields{storage.FieldAvailable: true, storage.FieldCurrentJobID: ""},
		},
	}
}

// markDiagnostic records why a pending job is still pending. It never
// touches a job that has moved on.
func (d *Dispatcher) markDiagnostic(ctx context.Context, jobID, diag string) {
	err := d.Store.AtomicUpdate(ctx, storage.Mutation{
		Collection: storage.Jobs,
		ID:         jobID,
		Set:        storage.Fields{storage.FieldDispatchError: diag},
		Expect:     storage.Fields{storage.FieldStatus: models.JobPending},
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		d.Log.Error().Err(err).Str("job_id", jobID).Str("diagnostic", diag).Msg("diagnostic write failed")
	}
}

func (d *Dispatcher) notifyAssigned(ctx context.Context, job models.Job, c matcher.Candidate) {
	_ = d.Notifier.Notify(ctx, c.Driver.ID, notify.KindJobAssigned, AssignmentPayload(ctx, d.ETA, job, c))
}

// AssignmentPayload is what the driver app needs to head to the pickup.
func AssignmentPayload(ctx context.Context, r *eta.Resolver, job models.Job, c matcher.Candidate) map[string]string {
	var secs float64
	if r != nil {
		secs = r.Seconds(ctx, c.Driver.Location.Coord, job.Pickup.Coord)
	} else {
		secs = eta.Straight(c.Driver.Location.Coord, job.Pickup.Coord, 0)
	}
	return map[string]string{
		"job_id":         job.ID,
		"rider_id":       job.RiderID,
		"pickup_lat":     strconv.FormatFloat(job.Pickup.Lat, 'f', 6, 64),
		"pickup_lng":     strconv.FormatFloat(job.Pickup.Lng, 'f', 6, 64),
		"pickup_address": job.Pickup.Address,
		"distance_km":    strconv.FormatFloat(c.DistanceKm, 'f', 3, 64),
		"eta_seconds":    strconv.Itoa(int(secs + 0.5)),
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func outcome(path, result string) {
	observability.DispatchAttempts.WithLabelValues(path, result).Inc()
}
