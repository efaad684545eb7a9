package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

// runContract exercises the behaviour every Backend must share.
func runContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("put and get driver", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		d := driver("d1", models.CategoryBerline, true)
		d.Location.Address = "Place de l'Independance"
		require.NoError(t, b.PutDriver(ctx, d))

		got, err := b.GetDriver(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
		assert.Equal(t, d.Location, got.Location)
		assert.Equal(t, d.Category, got.Category)
		assert.Equal(t, d.Rating, got.Rating)
		assert.Equal(t, d.BatteryLevel, got.BatteryLevel)
		assert.True(t, got.Available)
		assert.Empty(t, got.CurrentJobID)

		_, err = b.GetDriver(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put driver keeps assignment of an existing driver", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, b.PutDriver(ctx, driver("d1", models.CategoryBerline, true)))
		require.NoError(t, b.AtomicUpdate(ctx, Mutation{Collection: Drivers, ID: "d1",
			Set:    Fields{FieldAvailable: false, FieldCurrentJobID: "j1"},
			Expect: Fields{FieldAvailable: true, FieldCurrentJobID: ""}}))

		again := driver("d1", models.CategoryBerline, true)
		again.Location.Lat = 14.71
		again.Rating = 4.9
		require.NoError(t, b.PutDriver(ctx, again))

		got, err := b.GetDriver(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, 14.71, got.Location.Lat)
		assert.Equal(t, 4.9, got.Rating)
		assert.False(t, got.Available)
		assert.Equal(t, "j1", got.CurrentJobID)
	})

	t.Run("create job twice conflicts", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		j := job("j1", time.Now())
		require.NoError(t, b.CreateJob(ctx, j))
		assert.ErrorIs(t, b.CreateJob(ctx, j), ErrConflict)

		got, err := b.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, got.Status)
		assert.Nil(t, got.AssignedAt)
		assert.True(t, j.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("query drivers filters category and availability", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, b.PutDriver(ctx, driver("b", models.CategoryBerline, true)))
		require.NoError(t, b.PutDriver(ctx, driver("a", models.CategoryBerline, true)))
		require.NoError(t, b.PutDriver(ctx, driver("c", models.CategoryBerline, false)))
		require.NoError(t, b.PutDriver(ctx, driver("d", models.CategoryMoto, true)))

		got, err := b.QueryDrivers(ctx, DriverQuery{Category: models.CategoryBerline, AvailableOnly: true})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
	})

	t.Run("query jobs orders oldest first and honours cutoffs", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, b.CreateJob(ctx, job("new", now)))
		require.NoError(t, b.CreateJob(ctx, job("old", now.Add(-10*time.Minute))))
		require.NoError(t, b.CreateJob(ctx, job("mid", now.Add(-6*time.Minute))))

		all, err := b.QueryJobs(ctx, JobQuery{Status: models.JobPending})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"old", "mid", "new"}, ids(all))

		stale, err := b.QueryJobs(ctx, JobQuery{Status: models.JobPending, CreatedBefore: now.Add(-5 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, []string{"old", "mid"}, ids(stale))

		limited, err := b.QueryJobs(ctx, JobQuery{Status: models.JobPending, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids(limited))
	})

	t.Run("atomic update commits job and driver together", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, b.PutDriver(ctx, driver("d1", models.CategoryBerline, true)))
		require.NoError(t, b.CreateJob(ctx, job("j1", time.Now())))
		at := time.Now().Truncate(time.Millisecond)

		err := b.AtomicUpdate(ctx,
			Mutation{Collection: Jobs, ID: "j1",
				Set:    Fields{FieldStatus: models.JobAssigned, FieldDriverID: "d1", FieldAssignedAt: at},
				Expect: Fields{FieldStatus: models.JobPending, FieldDriverID: ""}},
			Mutation{Collection: Drivers, ID: "d1",
				Set:    Fields{FieldAvailable: false, FieldCurrentJobID: "j1"},
				Expect: Fields{FieldAvailable: true, FieldCurrentJobID: ""}},
		)
		require.NoError(t, err)

		j, err := b.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobAssigned, j.Status)
		assert.Equal(t, "d1", j.DriverID)
		require.NotNil(t, j.AssignedAt)
		assert.True(t, at.Equal(*j.AssignedAt))

		d, err := b.GetDriver(ctx, "d1")
		require.NoError(t, err)
		assert.False(t, d.Available)
		assert.Equal(t, "j1", d.CurrentJobID)

		// AssignedBefore sees the job once the cutoff passes.
		timedOut, err := b.QueryJobs(ctx, JobQuery{Status: models.JobAssigned, AssignedBefore: at.Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, []string{"j1"}, ids(timedOut))
		none, err := b.QueryJobs(ctx, JobQuery{Status: models.JobAssigned, AssignedBefore: at})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("query jobs pages with a cursor", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		base := time.Now().Truncate(time.Second)
		require.NoError(t, b.CreateJob(ctx, job("j3", base.Add(time.Second))))
		require.NoError(t, b.CreateJob(ctx, job("j2", base)))
		require.NoError(t, b.CreateJob(ctx, job("j1", base)))
		require.NoError(t, b.CreateJob(ctx, job("j4", base.Add(2*time.Second))))

		q := JobQuery{Status: models.JobPending, Limit: 2}
		first, err := b.QueryJobs(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"j1", "j2"}, ids(first))

		q.After = CursorAfter(first[1])
		second, err := b.QueryJobs(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"j3", "j4"}, ids(second))

		q.After = CursorAfter(second[1])
		rest, err := b.QueryJobs(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})

	t.Run("failed guard rolls back earlier mutations", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		taken := driver("d1", models.CategoryBerline, true)
		taken.Available = false
		taken.CurrentJobID = "other"
		require.NoError(t, b.PutDriver(ctx, taken))
		require.NoError(t, b.CreateJob(ctx, job("j1", time.Now())))

		err := b.AtomicUpdate(ctx,
			Mutation{Collection: Jobs, ID: "j1",
				Set:    Fields{FieldStatus: models.JobAssigned, FieldDriverID: "d1", FieldAssignedAt: time.Now()},
				Expect: Fields{FieldStatus: models.JobPending}},
			Mutation{Collection: Drivers, ID: "d1",
				Set:    Fields{FieldAvailable: false, FieldCurrentJobID: "j1"},
				Expect: Fields{FieldAvailable: true, FieldCurrentJobID: ""}},
		)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		j, err := b.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, j.Status)
		assert.Empty(t, j.DriverID)
		assert.Nil(t, j.AssignedAt)
	})

	t.Run("missing record and unknown field", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		err := b.AtomicUpdate(ctx, Mutation{Collection: Jobs, ID: "nope", Set: Fields{FieldDispatchError: "x"}})
		assert.ErrorIs(t, err, ErrNotFound)

		err = b.AtomicUpdate(ctx, Mutation{Collection: Jobs, ID: "nope", Set: Fields{"rider_id": "x"}})
		assert.ErrorIs(t, err, ErrUnknownField)
	})

	t.Run("clearing fields writes null", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		j := job("j1", time.Now())
		j.Status = models.JobAssigned
		j.DriverID = "d1"
		at := time.Now()
		j.AssignedAt = &at
		require.NoError(t, b.CreateJob(ctx, j))

		require.NoError(t, b.AtomicUpdate(ctx, Mutation{Collection: Jobs, ID: "j1",
			Set:    Fields{FieldStatus: models.JobPending, FieldDriverID: "", FieldAssignedAt: nil, FieldRedispatchCount: 1},
			Expect: Fields{FieldStatus: models.JobAssigned, FieldDriverID: "d1"}}))

		got, err := b.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, got.Status)
		assert.Empty(t, got.DriverID)
		assert.Nil(t, got.AssignedAt)
		assert.Equal(t, 1, got.RedispatchCount)
	})

	t.Run("alerts are idempotent on id", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		a := models.FraudAlert{ID: "a1", TripID: "t1", DriverID: "d1", Kind: models.AlertExcessiveSpeed,
			Value: 180, Message: "speed", CreatedAt: time.Now()}
		inserted, err := b.AppendAlert(ctx, a)
		require.NoError(t, err)
		assert.True(t, inserted)

		a.Value = 999
		inserted, err = b.AppendAlert(ctx, a)
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("notification failures are recorded", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.RecordNotificationFailure(context.Background(), models.NotificationFailure{
			ID: "n1", RecipientID: "d1", Kind: "job_assigned", JobID: "j1", Error: "boom", CreatedAt: time.Now(),
		}))
	})
}

func driver(id string, cat models.VehicleCategory, available bool) models.Driver {
	return models.Driver{
		ID:           id,
		Location:     models.Location{Coord: models.Coord{Lat: 14.70, Lng: -17.45}},
		Category:     cat,
		Rating:       4.5,
		BatteryLevel: 80,
		Available:    available,
		UpdatedAt:    time.Now(),
	}
}

func job(id string, created time.Time) models.Job {
	return models.Job{
		ID:        id,
		RiderID:   "r1",
		Pickup:    models.Location{Coord: models.Coord{Lat: 14.69, Lng: -17.44}},
		Dropoff:   models.Location{Coord: models.Coord{Lat: 14.74, Lng: -17.47}},
		Category:  models.CategoryBerline,
		Status:    models.JobPending,
		CreatedAt: created,
	}
}

func ids(jobs []models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
