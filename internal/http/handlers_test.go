package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/breaker"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakePublisher struct {
	got []ingest.Trigger
	err error
}

func (p *fakePublisher) Publish(_ context.Context, t ingest.Trigger) error {
	p.got = append(p.got, t)
	return p.err
}

func newTestServer(t *testing.T, pub Publisher) (*Server, *storage.MemoryStore, *notify.WSRegistry) {
	t.Helper()
	st := storage.NewMemoryStore()
	ws := notify.NewWSRegistry(zerolog.Nop())
	cfg := config.Default()
	e := app.New(cfg, st, breaker.NewMemory(breaker.Limits{MaxConsecutiveErrors: 5}), ws,
		notify.Chain{ws, notify.Log{Logger: zerolog.Nop()}}, nil, payments.Noop{}, zerolog.Nop())
	return NewServer(e, pub, zerolog.Nop()), st, ws
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func putDriver(t *testing.T, st *storage.MemoryStore, id string, lat float64) {
	t.Helper()
	require.NoError(t, st.PutDriver(context.Background(), models.Driver{
		ID: id, Location: models.Location{Coord: models.Coord{Lat: lat, Lng: -17.44}},
		Category: models.CategoryBerline, Rating: 4.7, BatteryLevel: 70, Available: true,
	}))
}

const jobBody = `{"rider_id":"R1","pickup":{"lat":14.6928,"lng":-17.4467},"vehicle_category":"berline"}`

func TestCreateJobDispatchesInline(t *testing.T) {
	s, st, _ := newTestServer(t, nil)
	putDriver(t, st, "D1", 14.70)

	rr := do(t, s, http.MethodPost, "/api/v1/jobs", jobBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var job models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, models.JobAssigned, job.Status)
	assert.Equal(t, "D1", job.DriverID)

	rr = do(t, s, http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestCreateJobPublishes(t *testing.T) {
	pub := &fakePublisher{}
	s, st, _ := newTestServer(t, pub)
	putDriver(t, st, "D1", 14.70)

	rr := do(t, s, http.MethodPost, "/api/v1/jobs", jobBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, models.JobPending, job.Status)
	require.Len(t, pub.got, 1)
	assert.Equal(t, ingest.KindJobCreated, pub.got[0].Kind)
	assert.Equal(t, job.ID, pub.got[0].JobID)
}

func TestCreateJobPublishFailureStillCreates(t *testing.T) {
	s, _, _ := newTestServer(t, &fakePublisher{err: errors.New("broker down")})
	rr := do(t, s, http.MethodPost, "/api/v1/jobs", jobBody)
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestCreateJobValidation(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/jobs", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/jobs", `{"rider_id":"R1","vehicle_category":"bus"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/jobs/nope", "").Code)
}

func TestPutDriverRaisesAvailability(t *testing.T) {
	pub := &fakePublisher{}
	s, st, _ := newTestServer(t, pub)
	body := `{"location":{"lat":14.7,"lng":-17.44},"vehicle_category":"suv","rating":4.5,"battery_level":50,"available":true}`

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPut, "/api/v1/drivers/D9", body).Code)
	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPut, "/api/v1/drivers/D9", body).Code)

	d, err := st.GetDriver(context.Background(), "D9")
	require.NoError(t, err)
	assert.True(t, d.Available)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "D9", pub.got[0].DriverID)
	assert.False(t, pub.got[0].DriverBefore.Available)
	assert.True(t, pub.got[0].DriverAfter.Available)
}

func TestPutDriverCannotReleaseAssignedDriver(t *testing.T) {
	pub := &fakePublisher{}
	s, st, _ := newTestServer(t, nil)
	ctx := context.Background()
	body := `{"location":{"lat":14.7,"lng":-17.44},"vehicle_category":"suv","rating":4.5,"battery_level":50,"available":true}`
	suvJob := `{"rider_id":"R1","pickup":{"lat":14.6928,"lng":-17.4467},"vehicle_category":"suv"}`

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPut, "/api/v1/drivers/D9", body).Code)
	rr := do(t, s, http.MethodPost, "/api/v1/jobs", suvJob)
	require.Equal(t, http.StatusCreated, rr.Code)
	var first models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))
	require.Equal(t, "D9", first.DriverID)

	s.Publisher = pub
	moved := strings.Replace(body, `"lat":14.7,`, `"lat":14.71,`, 1)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPut, "/api/v1/drivers/D9", moved).Code)
	assert.Empty(t, pub.got)
	s.Publisher = nil

	d, err := st.GetDriver(ctx, "D9")
	require.NoError(t, err)
	assert.False(t, d.Available)
	assert.Equal(t, first.ID, d.CurrentJobID)
	assert.Equal(t, 14.71, d.Location.Lat)

	rr = do(t, s, http.MethodPost, "/api/v1/jobs", suvJob)
	require.Equal(t, http.StatusCreated, rr.Code)
	var second models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	assert.Equal(t, models.JobPending, second.Status)
	assert.Empty(t, second.DriverID)
}

func TestPutDriverIgnoresClientJobID(t *testing.T) {
	s, st, _ := newTestServer(t, nil)
	body := `{"location":{"lat":14.7,"lng":-17.44},"vehicle_category":"moto","rating":4.5,"battery_level":50,"available":false,"current_job_id":"J7"}`
	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPut, "/api/v1/drivers/D3", body).Code)

	d, err := st.GetDriver(context.Background(), "D3")
	require.NoError(t, err)
	assert.False(t, d.Available)
	assert.Empty(t, d.CurrentJobID)
}

func TestNearestDrivers(t *testing.T) {
	s, st, _ := newTestServer(t, nil)
	putDriver(t, st, "D1", 14.71)
	putDriver(t, st, "D2", 14.70)
	putDriver(t, st, "D3", 14.72)

	rr := do(t, s, http.MethodGet, "/api/v1/drivers/nearest?lat=14.6928&lng=-17.4467&category=berline&limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Drivers []struct {
			Driver     models.Driver `json:"driver"`
			DistanceKm float64       `json:"distance_km"`
		} `json:"drivers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out.Drivers, 2)
	assert.Equal(t, "D2", out.Drivers[0].Driver.ID)
	assert.Equal(t, "D1", out.Drivers[1].Driver.ID)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/drivers/nearest?lat=x&lng=1&category=berline", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/drivers/nearest?lat=1&lng=1&category=berline&limit=0", "").Code)
}

func TestTriggerEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t, nil)
	ctx := context.Background()
	putDriver(t, st, "D1", 14.70)
	require.NoError(t, st.CreateJob(ctx, models.Job{ID: "J1", RiderID: "R1",
		Pickup:   models.Location{Coord: models.Coord{Lat: 14.6928, Lng: -17.4467}},
		Category: models.CategoryBerline, Status: models.JobPending, CreatedAt: time.Now()}))

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/internal/triggers/job-created", `{"job_id":"J1"}`).Code)
	j, err := st.GetJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, "D1", j.DriverID)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/internal/triggers/job-created", `{}`).Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/internal/triggers/driver-availability",
		`{"driver_id":"D1","before":{"available":true},"after":{"available":false}}`).Code)

	trip := `{"trip_id":"T1","after":{"driver_id":"D1","phase":"in_ride","positions":[{"lat":1,"lng":1,"speed_kmh":190,"recorded_at":"2026-05-04T21:00:00Z"}]}}`
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/internal/triggers/trip-updated", trip).Code)
	require.Len(t, st.Alerts(), 1)
	assert.Equal(t, "T1", st.Alerts()[0].TripID)

	rr := do(t, s, http.MethodPost, "/internal/triggers/sweep", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "redispatched")
}

func TestBreakerAndHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := do(t, s, http.MethodGet, "/internal/breaker", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st models.BreakerState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.False(t, st.Open)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/metrics", "").Code)
}

func TestWebSocketReceivesAssignment(t *testing.T) {
	s, st, ws := newTestServer(t, nil)
	putDriver(t, st, "D1", 14.70)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/D1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ws.Len() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(jobBody))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var env notify.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, notify.KindJobAssigned, env.Kind)
	assert.Equal(t, "R1", env.Payload["rider_id"])
}
