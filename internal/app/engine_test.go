package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/breaker"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type sent struct {
	recipient, kind string
	payload         map[string]string
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) Notify(_ context.Context, recipientID, kind string, payload map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{recipientID, kind, payload})
	return nil
}

var pickup = models.Location{Coord: models.Coord{Lat: 14.6928, Lng: -17.4467}, Address: "Place de l'Independance"}

func newEngine(t *testing.T) (*Engine, *storage.MemoryStore, *recorder) {
	t.Helper()
	st := storage.NewMemoryStore()
	rec := &recorder{}
	cfg := config.Default()
	e := New(cfg, st, breaker.NewMemory(breakerLimits(cfg.Breaker)), notify.NewWSRegistry(zerolog.Nop()),
		rec, nil, payments.Noop{}, zerolog.Nop())
	return e, st, rec
}

func TestHandleJobCreatedAssignsNearest(t *testing.T) {
	e, st, rec := newEngine(t)
	ctx := context.Background()
	near := models.Driver{ID: "D1", Location: models.Location{Coord: models.Coord{Lat: 14.70, Lng: -17.44}},
		Category: models.CategoryBerline, Rating: 4.8, BatteryLevel: 80, Available: true}
	far := near
	far.ID, far.Location.Lat = "D2", 14.75
	require.NoError(t, st.PutDriver(ctx, near))
	require.NoError(t, st.PutDriver(ctx, far))
	require.NoError(t, st.CreateJob(ctx, models.Job{ID: "J1", RiderID: "R1", Pickup: pickup,
		Category: models.CategoryBerline, Status: models.JobPending, CreatedAt: time.Now()}))

	require.NoError(t, e.Handle(ctx, ingest.JobCreated("J1")))

	j, err := st.GetJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.JobAssigned, j.Status)
	assert.Equal(t, "D1", j.DriverID)
	d, err := st.GetDriver(ctx, "D1")
	require.NoError(t, err)
	assert.False(t, d.Available)
	assert.Equal(t, "J1", d.CurrentJobID)

	require.Len(t, rec.out, 1)
	assert.Equal(t, "D1", rec.out[0].recipient)
	assert.Equal(t, notify.KindJobAssigned, rec.out[0].kind)
	assert.NotEmpty(t, rec.out[0].payload["eta_seconds"])
}

func TestHandleTripUpdatedRaisesAlert(t *testing.T) {
	e, st, _ := newEngine(t)
	u := models.TripTelemetryUpdate{
		TripID: "T1", DriverID: "D1", Phase: models.PhaseToPickup,
		Positions: []models.PositionSample{{SpeedKmh: 180, RecordedAt: time.Now()}},
	}
	require.NoError(t, e.OnTelemetry(context.Background(), u))
	require.NoError(t, e.OnTelemetry(context.Background(), u))

	alerts := st.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertExcessiveSpeed, alerts[0].Kind)
}

func TestHandleSweepCancelsStalePending(t *testing.T) {
	e, st, rec := newEngine(t)
	ctx := context.Background()
	require.NoError(t, st.CreateJob(ctx, models.Job{ID: "J1", RiderID: "R1", Pickup: pickup,
		Category: models.CategoryVan, Status: models.JobPending, CreatedAt: time.Now().Add(-6 * time.Minute)}))

	require.NoError(t, e.Handle(ctx, ingest.SweepTick()))

	j, err := st.GetJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, j.Status)
	assert.Equal(t, models.CancelNoDrivers, j.CancelReason)
	require.Len(t, rec.out, 1)
	assert.Equal(t, "R1", rec.out[0].recipient)
}

func TestHandleSweepLogsReportOnce(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	e := New(cfg, storage.NewMemoryStore(), breaker.NewMemory(breakerLimits(cfg.Breaker)),
		notify.NewWSRegistry(zerolog.Nop()), &recorder{}, nil, payments.Noop{}, zerolog.New(&buf))

	require.NoError(t, e.Handle(context.Background(), ingest.SweepTick()))
	assert.Equal(t, 1, strings.Count(buf.String(), `"message":"sweep finished"`))
}

func TestHandleDriverAvailability(t *testing.T) {
	e, st, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, st.PutDriver(ctx, models.Driver{ID: "D1", Location: models.Location{Coord: models.Coord{Lat: 14.70, Lng: -17.44}},
		Category: models.CategorySUV, Rating: 4.5, BatteryLevel: 60, Available: true}))
	require.NoError(t, st.CreateJob(ctx, models.Job{ID: "J1", RiderID: "R1", Pickup: pickup,
		Category: models.CategorySUV, Status: models.JobPending, CreatedAt: time.Now()}))

	require.NoError(t, e.Handle(ctx, ingest.DriverAvailabilityChanged("D1",
		models.DriverAvailability{Available: false}, models.DriverAvailability{Available: true})))

	j, err := st.GetJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, "D1", j.DriverID)
}

func TestHandleRejectsInvalidTrigger(t *testing.T) {
	e, _, _ := newEngine(t)
	assert.ErrorIs(t, e.Handle(context.Background(), ingest.Trigger{Kind: "rider_rated"}), ingest.ErrInvalidTrigger)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	st, err := OpenStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, st)

	st, err = OpenStore(ctx, config.StoreConfig{Driver: "sqlite", SQLitePath: ":memory:", Migrate: true})
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.PutDriver(ctx, models.Driver{ID: "D1", Category: models.CategoryMoto, Available: true}))
	d, err := st.GetDriver(ctx, "D1")
	require.NoError(t, err)
	assert.True(t, d.Available)

	_, err = OpenStore(ctx, config.StoreConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestBuildWithDefaults(t *testing.T) {
	e, err := Build(context.Background(), config.Default(), zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, e.Dispatcher)
	assert.NotNil(t, e.Sweeper)
	assert.NoError(t, e.Close())
}
