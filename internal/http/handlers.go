// Package httpapi exposes the booking API, the trigger endpoints and live
// push sessions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Publisher hands triggers to an asynchronous transport such as Kafka.
type Publisher interface {
	Publish(ctx context.Context, t ingest.Trigger) error
}

type Server struct {
	Engine *app.Engine
	// Publisher is used for triggers raised by the booking API. Nil means
	// they are handled inline.
	Publisher Publisher

	log zerolog.Logger
	mux *mux.Router
	now func() time.Time
}

func NewServer(e *app.Engine, pub Publisher, log zerolog.Logger) *Server {
	s := &Server{Engine: e, Publisher: pub, log: log, mux: mux.NewRouter(), now: time.Now}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/drivers/nearest", s.handleNearestDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handlePutDriver).Methods(http.MethodPut)

	in := s.mux.PathPrefix("/internal").Subrouter()
	in.HandleFunc("/triggers/job-created", s.handleJobCreatedTrigger).Methods(http.MethodPost)
	in.HandleFunc("/triggers/driver-availability", s.handleDriverAvailabilityTrigger).Methods(http.MethodPost)
	in.HandleFunc("/triggers/trip-updated", s.handleTripUpdatedTrigger).Methods(http.MethodPost)
	in.HandleFunc("/triggers/sweep", s.handleSweepTrigger).Methods(http.MethodPost)
	in.HandleFunc("/breaker", s.handleBreaker).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{recipient_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createJobRequest struct {
	RiderID         string                 `json:"rider_id"`
	Pickup          models.Location        `json:"pickup"`
	Dropoff         models.Location        `json:"dropoff"`
	Category        models.VehicleCategory `json:"vehicle_category"`
	PaymentIntentID string                 `json:"payment_intent_id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RiderID == "" || !req.Category.Valid() {
		writeError(w, http.StatusBadRequest, "rider_id and a known vehicle_category are required")
		return
	}
	job := models.Job{
		ID:              uuid.NewString(),
		RiderID:         req.RiderID,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		Category:        req.Category,
		Status:          models.JobPending,
		CreatedAt:       s.now().UTC(),
		PaymentIntentID: req.PaymentIntentID,
	}
	ctx := r.Context()
	if err := s.Engine.Store.CreateJob(ctx, job); err != nil {
		reqLog(r).Error().Err(err).Msg("create job")
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	// The job stays pending if the trigger is lost; the sweep cancels it
	// after the pending timeout.
	if err := s.raise(ctx, ingest.JobCreated(job.ID)); err != nil {
		reqLog(r).Warn().Err(err).Str("job_id", job.ID).Msg("job-created trigger failed")
	}
	if cur, err := s.Engine.Store.GetJob(ctx, job.ID); err == nil {
		job = cur
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.Store.GetJob(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handlePutDriver upserts a driver's profile and location. The body's
// current_job_id is ignored, and availability only moves through a guarded
// update that refuses to free a driver who still holds a job. A
// driver-availability trigger is raised when the stored state changed.
func (s *Server) handlePutDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d.ID = mux.Vars(r)["id"]
	if !d.Category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown vehicle_category")
		return
	}
	ctx := r.Context()
	var before models.DriverAvailability
	prev, err := s.Engine.Store.GetDriver(ctx, d.ID)
	switch {
	case err == nil:
		before = models.DriverAvailability{Available: prev.Available, CurrentJobID: prev.CurrentJobID}
	case !errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	want := d.Available
	d.Available, d.CurrentJobID = before.Available, ""
	d.UpdatedAt = s.now().UTC()
	if err := s.Engine.Store.PutDriver(ctx, d); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	after := before
	if want != before.Available {
		err := s.Engine.Store.AtomicUpdate(ctx, availabilityChange(d.ID, want))
		switch {
		case err == nil:
			after.Available = want
		case errors.Is(err, storage.ErrConflict):
			reqLog(r).Info().Str("driver_id", d.ID).Bool("available", want).Msg("availability change refused")
			writeError(w, http.StatusConflict, "profile saved; availability is held by an active job")
			return
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if before != after {
		if err := s.raise(ctx, ingest.DriverAvailabilityChanged(d.ID, before, after)); err != nil {
			reqLog(r).Warn().Err(err).Str("driver_id", d.ID).Msg("driver-availability trigger failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// availabilityChange flips a driver who holds no job.
func availabilityChange(driverID string, available bool) storage.Mutation {
	return storage.Mutation{
		Collection: storage.Drivers,
		ID:         driverID,
		Set:        storage.Fields{storage.FieldAvailable: available},
		Expect:     storage.Fields{storage.FieldAvailable: !available, storage.FieldCurrentJobID: ""},
	}
}

func (s *Server) handleNearestDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	category := models.VehicleCategory(q.Get("category"))
	if !category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	limit := s.Engine.Config.Matching.NearestLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	cands, err := s.Engine.Matcher.FindNearestDrivers(r.Context(), models.Coord{Lat: lat, Lng: lng}, category, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": cands})
}

func (s *Server) handleJobCreatedTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID string `json:"job_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.handleTrigger(w, r, ingest.JobCreated(body.JobID))
}

func (s *Server) handleDriverAvailabilityTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string                    `json:"driver_id"`
		Before   models.DriverAvailability `json:"before"`
		After    models.DriverAvailability `json:"after"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.handleTrigger(w, r, ingest.DriverAvailabilityChanged(body.DriverID, body.Before, body.After))
}

func (s *Server) handleTripUpdatedTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TripID string                     `json:"trip_id"`
		Before models.TripTelemetryUpdate `json:"before"`
		After  models.TripTelemetryUpdate `json:"after"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.handleTrigger(w, r, ingest.TripUpdated(body.TripID, body.Before, body.After))
}

func (s *Server) handleSweepTrigger(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Engine.Sweeper.Sweep(r.Context())
	if err != nil {
		reqLog(r).Error().Err(err).Msg("sweep")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleTrigger runs t inline. A 5xx asks the caller to redeliver.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, t ingest.Trigger) {
	err := s.Engine.Handle(r.Context(), t)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ingest.ErrInvalidTrigger):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		reqLog(r).Error().Err(err).Str("kind", string(t.Kind)).Msg("trigger failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.Breaker.State(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["recipient_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLog(r).Warn().Err(err).Str("recipient_id", id).Msg("ws upgrade failed")
		return
	}
	s.Engine.WS.Serve(id, conn)
}

func (s *Server) raise(ctx context.Context, t ingest.Trigger) error {
	if s.Publisher != nil {
		return s.Publisher.Publish(ctx, t)
	}
	return s.Engine.Handle(ctx, t)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
