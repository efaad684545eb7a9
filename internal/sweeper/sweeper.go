// Package sweeper enforces the dispatch deadlines. Each sweep re-reads the
// stored timestamps, so there is no timer state to lose between ticks.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	scanAssigned = "assigned_timeout"
	scanPending  = "pending_timeout"
)

type Config struct {
	AssignedTimeout time.Duration
	PendingTimeout  time.Duration
	// MaxRedispatches of 0 means unbounded.
	MaxRedispatches int
	ScanLimit       int
}

func DefaultConfig() Config {
	return Config{AssignedTimeout: 30 * time.Second, PendingTimeout: 5 * time.Minute, MaxRedispatches: 5, ScanLimit: 500}
}

// Report counts what one sweep did.
type Report struct {
	Redispatched   int `json:"redispatched"`
	Requeued       int `json:"requeued"`
	CancelledLimit int `json:"cancelled_redispatch_limit"`
	CancelledStale int `json:"cancelled_no_drivers"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Redispatched += o.Redispatched
	r.Requeued += o.Requeued
	r.CancelledLimit += o.CancelledLimit
	r.CancelledStale += o.CancelledStale
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

type Sweeper struct {
	Store    storage.Store
	Matcher  *matcher.Service
	Notifier notify.Notifier
	Payments payments.HoldReleaser
	ETA      *eta.Resolver
	Config   Config
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(st storage.Store, m *matcher.Service, n notify.Notifier, cfg Config, log zerolog.Logger) *Sweeper {
	return &Sweeper{Store: st, Matcher: m, Notifier: n, Payments: payments.Noop{}, Config: cfg, Log: log, Now: time.Now}
}

// Sweep runs both deadline scans concurrently and logs the combined report.
// Per-job failures are logged and counted; only a failed scan query is
// returned, after the other scan has run to completion.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := s.now()
	var assigned, pending Report
	// The scans share ctx but not a group context: a failed query in one
	// must not cancel the writes of the other.
	var g errgroup.Group
	g.Go(func() error {
		var err error
		assigned, err = s.scanAssigned(ctx, now)
		return err
	})
	g.Go(func() error {
		var err error
		pending, err = s.scanPending(ctx, now)
		return err
	})
	err := g.Wait()

	var rep Report
	rep.add(assigned)
	rep.add(pending)
	s.Log.Info().
		Int("redispatched", rep.Redispatched).
		Int("requeued", rep.Requeued).
		Int("cancelled_limit", rep.CancelledLimit).
		Int("cancelled_stale", rep.CancelledStale).
		Int("failed", rep.Failed).
		Msg("sweep finished")
	return rep, err
}

func (s *Sweeper) scanAssigned(ctx context.Context, now time.Time) (Report, error) {
	defer observeScan(scanAssigned, time.Now())
	var rep Report
	jobs, err := s.Store.QueryJobs(ctx, storage.JobQuery{
		Status:         models.JobAssigned,
		AssignedBefore: now.Add(-s.Config.AssignedTimeout),
		Limit:          s.Config.ScanLimit,
	})
	if err != nil {
		return rep, fmt.Errorf("query timed-out assignments: %w", err)
	}
	for _, job := range jobs {
		res, err := s.expireAssignment(ctx, job, now)
		if err != nil {
			rep.Failed++
			observability.SweepErrors.WithLabelValues(scanAssigned).Inc()
			s.Log.Error().Err(err).Str("job_id", job.ID).Str("driver_id", job.DriverID).Msg("redispatch failed")
			continue
		}
		rep.add(res)
	}
	return rep, nil
}

func (s *Sweeper) scanPending(ctx context.Context, now time.Time) (Report, error) {
	defer observeScan(scanPending, time.Now())
	var rep Report
	jobs, err := s.Store.QueryJobs(ctx, storage.JobQuery{
		Status:        models.JobPending,
		CreatedBefore: now.Add(-s.Config.PendingTimeout),
		Limit:         s.Config.ScanLimit,
	})
	if err != nil {
		return rep, fmt.Errorf("query stale pending jobs: %w", err)
	}
	for _, job := range jobs {
		err := s.Store.AtomicUpdate(ctx, storage.Mutation{
			Collection: storage.Jobs,
			ID:         job.ID,
			Set: storage.Fields{
				storage.FieldStatus:       models.JobCancelled,
				storage.FieldCancelReason: models.CancelNoDrivers,
				storage.FieldCancelledAt:  now,
			},
			Expect: storage.Fields{storage.FieldStatus: models.JobPending},
		})
		if errors.Is(err, storage.ErrConflict) {
			rep.Skipped++
			continue
		}
		if err != nil {
			rep.Failed++
			observability.SweepErrors.WithLabelValues(scanPending).Inc()
			s.Log.Error().Err(err).Str("job_id", job.ID).Msg("cancel failed")
			continue
		}
		rep.CancelledStale++
		observability.Cancellations.WithLabelValues(models.CancelNoDrivers).Inc()
		s.Log.Info().Str("job_id", job.ID).Msg("job cancelled, no drivers")
		s.afterCancel(ctx, job, models.CancelNoDrivers)
	}
	return rep, nil
}

// expireAssignment handles one assignment that outlived its deadline: the
// job is cancelled at the redispatch limit, else handed to the best driver
// (the released one only when nobody else qualifies), else put back to
// pending.
func (s *Sweeper) expireAssignment(ctx context.Context, job models.Job, now time.Time) (Report, error) {
	prior := job.DriverID
	release, priorDriver, err := s.releaseMutation(ctx, job)
	if err != nil {
		return Report{}, err
	}

	if s.Config.MaxRedispatches > 0 && job.RedispatchCount >= s.Config.MaxRedispatches {
		muts := append([]storage.Mutation{{
			Collection: storage.Jobs,
			ID:         job.ID,
			Set: storage.Fields{
				storage.FieldStatus:           models.JobCancelled,
				storage.FieldCancelReason:     models.CancelRedispatchLimit,
				storage.FieldCancelledAt:      now,
				storage.FieldDriverID:         "",
				storage.FieldPreviousDriverID: prior,
			},
			Expect: assignedTo(prior),
		}}, release...)
		if err := s.Store.AtomicUpdate(ctx, muts...); err != nil {
			return skipOnConflict(err)
		}
		observability.Cancellations.WithLabelValues(models.CancelRedispatchLimit).Inc()
		observability.Redispatches.WithLabelValues("limit").Inc()
		s.Log.Info().Str("job_id", job.ID).Int("redispatch_count", job.RedispatchCount).Msg("redispatch limit reached, job cancelled")
		s.notifyExpired(ctx, prior, job.ID)
		s.afterCancel(ctx, job, models.CancelRedispatchLimit)
		return Report{CancelledLimit: 1}, nil
	}

	pool, err := s.Store.QueryDrivers(ctx, storage.DriverQuery{Category: job.Category, AvailableOnly: true})
	if err != nil {
		return Report{}, fmt.Errorf("query drivers: %w", err)
	}
	if priorDriver != nil {
		freed := *priorDriver
		freed.Available = true
		freed.CurrentJobID = ""
		pool = append(pool, freed)
	}

	for _, c := range priorLast(s.Matcher.Rank(job.Pickup.Coord, job.Category, pool), prior) {
		muts := []storage.Mutation{{
			Collection: storage.Jobs,
			ID:         job.ID,
			Set: storage.Fields{
				storage.FieldDriverID:         c.Driver.ID,
				storage.FieldPreviousDriverID: prior,
				storage.FieldAssignedAt:       now,
				storage.FieldRedispatchCount:  job.RedispatchCount + 1,
				storage.FieldDispatchError:    "",
			},
			Expect: assignedTo(prior),
		}}
		if c.Driver.ID == prior {
			// same driver again: the prior driver keeps the job
			muts = append(muts, storage.Mutation{
				Collection: storage.Drivers,
				ID:         prior,
				Set:        storage.Fields{storage.FieldAvailable: false, storage.FieldCurrentJobID: job.ID},
				Expect:     storage.Fields{storage.FieldCurrentJobID: job.ID},
			})
		} else {
			muts = append(muts, release...)
			muts = append(muts, storage.Mutation{
				Collection: storage.Drivers,
				ID:         c.Driver.ID,
				Set:        storage.Fields{storage.FieldAvailable: false, storage.FieldCurrentJobID: job.ID},
				Expect:     storage.Fields{storage.FieldAvailable: true, storage.FieldCurrentJobID: ""},
			})
		}

		err := s.Store.AtomicUpdate(ctx, muts...)
		if err == nil {
			observability.Redispatches.WithLabelValues("reassigned").Inc()
			s.Log.Info().Str("job_id", job.ID).Str("from", prior).Str("to", c.Driver.ID).Msg("job redispatched")
			if c.Driver.ID != prior {
				s.notifyExpired(ctx, prior, job.ID)
			}
			_ = s.Notifier.Notify(ctx, c.Driver.ID, notify.KindJobAssigned, dispatch.AssignmentPayload(ctx, s.ETA, job, c))
			return Report{Redispatched: 1}, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return Report{}, err
		}
		current, gerr := s.Store.GetJob(ctx, job.ID)
		if gerr != nil {
			return Report{}, gerr
		}
		if current.Status != models.JobAssigned || current.DriverID != prior {
			return Report{Skipped: 1}, nil
		}
	}

	muts := append([]storage.Mutation{{
		Collection: storage.Jobs,
		ID:         job.ID,
		Set: storage.Fields{
			storage.FieldStatus:           models.JobPending,
			storage.FieldDriverID:         "",
			storage.FieldAssignedAt:       nil,
			storage.FieldPreviousDriverID: prior,
			storage.FieldRedispatchCount:  job.RedispatchCount + 1,
			storage.FieldDispatchError:    models.DiagNoDriverRedispatch,
		},
		Expect: assignedTo(prior),
	}}, release...)
	if err := s.Store.AtomicUpdate(ctx, muts...); err != nil {
		return skipOnConflict(err)
	}
	observability.Redispatches.WithLabelValues("requeued").Inc()
	s.Log.Info().Str("job_id", job.ID).Str("from", prior).Msg("no driver on redispatch, job back to pending")
	s.notifyExpired(ctx, prior, job.ID)
	return Report{Requeued: 1}, nil
}

// releaseMutation frees the prior driver, but only while they still hold
// this job. The returned driver is nil when there is nobody to release.
func (s *Sweeper) releaseMutation(ctx context.Context, job models.Job) ([]storage.Mutation, *models.Driver, error) {
	if job.DriverID == "" {
		return nil, nil, nil
	}
	d, err := s.Store.GetDriver(ctx, job.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load driver %s: %w", job.DriverID, err)
	}
	if d.CurrentJobID != job.ID {
		return nil, nil, nil
	}
	return []storage.Mutation{{
		Collection: storage.Drivers,
		ID:         d.ID,
		Set:        storage.Fields{storage.FieldAvailable: true, storage.FieldCurrentJobID: ""},
		Expect:     storage.Fields{storage.FieldCurrentJobID: job.ID},
	}}, &d, nil
}

func (s *Sweeper) notifyExpired(ctx context.Context, driverID, jobID string) {
	if driverID == "" {
		return
	}
	_ = s.Notifier.Notify(ctx, driverID, notify.KindAssignmentExpired, map[string]string{"job_id": jobID})
}

// afterCancel tells the rider and releases any payment hold. Both are
// best-effort.
func (s *Sweeper) afterCancel(ctx context.Context, job models.Job, reason string) {
	_ = s.Notifier.Notify(ctx, job.RiderID, notify.KindJobCancelled, map[string]string{
		"job_id": job.ID,
		"reason": reason,
	})
	if job.PaymentIntentID == "" || s.Payments == nil {
		return
	}
	if err := s.Payments.ReleaseHold(ctx, job.PaymentIntentID); err != nil {
		s.Log.Warn().Err(err).Str("job_id", job.ID).Str("payment_intent", job.PaymentIntentID).Msg("payment hold release failed")
	}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// priorLast keeps the ranking but moves the released driver to the end, so
// they only get the job back when nobody else qualifies.
func priorLast(ranked []matcher.Candidate, prior string) []matcher.Candidate {
	out := make([]matcher.Candidate, 0, len(ranked))
	var held []matcher.Candidate
	for _, c := range ranked {
		if c.Driver.ID == prior {
			held = append(held, c)
			continue
		}
		out = append(out, c)
	}
	return append(out, held...)
}

func assignedTo(driverID string) storage.Fields {
	return storage.Fields{storage.FieldStatus: models.JobAssigned, storage.FieldDriverID: driverID}
}

func skipOnConflict(err error) (Report, error) {
	if errors.Is(err, storage.ErrConflict) {
		return Report{Skipped: 1}, nil
	}
	return Report{}, err
}

func observeScan(scan string, start time.Time) {
	observability.SweepDuration.WithLabelValues(scan).Observe(time.Since(start).Seconds())
}
