// Package ingest carries dispatch triggers between the services that
// observe state changes and the engine that reacts to them.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

type Kind string

const (
	KindJobCreated         Kind = "job_created"
	KindDriverAvailability Kind = "driver_availability_changed"
	KindTripUpdated        Kind = "trip_updated"
	KindSweep              Kind = "sweep_tick"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger is one delivery. Deliveries are at-least-once; handlers are
// idempotent so ID is only used for tracing.
type Trigger struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	JobID    string `json:"job_id,omitempty"`
	DriverID string `json:"driver_id,omitempty"`
	TripID   string `json:"trip_id,omitempty"`

	DriverBefore *models.DriverAvailability  `json:"driver_before,omitempty"`
	DriverAfter  *models.DriverAvailability  `json:"driver_after,omitempty"`
	TripBefore   *models.TripTelemetryUpdate `json:"trip_before,omitempty"`
	TripAfter    *models.TripTelemetryUpdate `json:"trip_after,omitempty"`

	EmittedAt time.Time `json:"emitted_at"`
}

func JobCreated(jobID string) Trigger {
	return stamp(Trigger{Kind: KindJobCreated, JobID: jobID})
}

func DriverAvailabilityChanged(driverID string, before, after models.DriverAvailability) Trigger {
	return stamp(Trigger{Kind: KindDriverAvailability, DriverID: driverID, DriverBefore: &before, DriverAfter: &after})
}

func TripUpdated(tripID string, before, after models.TripTelemetryUpdate) Trigger {
	return stamp(Trigger{Kind: KindTripUpdated, TripID: tripID, TripBefore: &before, TripAfter: &after})
}

func SweepTick() Trigger {
	return stamp(Trigger{Kind: KindSweep})
}

func stamp(t Trigger) Trigger {
	t.ID = uuid.NewString()
	t.EmittedAt = time.Now().UTC()
	return t
}

func (t Trigger) Validate() error {
	switch t.Kind {
	case KindJobCreated:
		if t.JobID == "" {
			return fmt.Errorf("%w: %s without job_id", ErrInvalidTrigger, t.Kind)
		}
	case KindDriverAvailability:
		if t.DriverID == "" || t.DriverBefore == nil || t.DriverAfter == nil {
			return fmt.Errorf("%w: %s needs driver_id, driver_before and driver_after", ErrInvalidTrigger, t.Kind)
		}
	case KindTripUpdated:
		if t.TripID == "" || t.TripAfter == nil {
			return fmt.Errorf("%w: %s needs trip_id and trip_after", ErrInvalidTrigger, t.Kind)
		}
	case KindSweep:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
	return nil
}

// Key is the partition key: all triggers about one record land on one
// partition and are consumed in order.
func (t Trigger) Key() string {
	switch t.Kind {
	case KindJobCreated:
		return t.JobID
	case KindDriverAvailability:
		return t.DriverID
	case KindTripUpdated:
		return t.TripID
	}
	return string(t.Kind)
}
