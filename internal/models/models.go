package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type VehicleCategory string

const (
	CategoryBerline VehicleCategory = "berline"
	CategorySUV     VehicleCategory = "suv"
	CategoryVan     VehicleCategory = "van"
	CategoryMoto    VehicleCategory = "moto"
)

func (c VehicleCategory) Valid() bool {
	switch c {
	case CategoryBerline, CategorySUV, CategoryVan, CategoryMoto:
		return true
	}
	return false
}

type Driver struct {
	ID           string          `json:"id"`
	Location     Location        `json:"location"`
	Category     VehicleCategory `json:"vehicle_category"`
	Rating       float64         `json:"rating"`        // 0..5
	BatteryLevel int             `json:"battery_level"` // 0..100
	Available    bool            `json:"available"`
	CurrentJobID string          `json:"current_job_id,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DriverAvailability is the slice of driver state carried by an
// availability-changed trigger.
type DriverAvailability struct {
	Available    bool   `json:"available"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobCancelled JobStatus = "cancelled"
	// JobCompleted is written by the trip flow, never by the engine.
	JobCompleted JobStatus = "completed"
)

// Diagnostics and cancel reasons recorded on jobs.
const (
	DiagNoDriver           = "no_driver_available"
	DiagNoDriverRedispatch = "no_driver_available_on_redispatch"
	DiagCircuitOpen        = "circuit_open"

	CancelNoDrivers       = "no_drivers"
	CancelRedispatchLimit = "redispatch_limit"
)

type Job struct {
	ID               string          `json:"id"`
	RiderID          string          `json:"rider_id"`
	Pickup           Location        `json:"pickup"`
	Dropoff          Location        `json:"dropoff"`
	Category         VehicleCategory `json:"vehicle_category"`
	Status           JobStatus       `json:"status"`
	DriverID         string          `json:"driver_id,omitempty"`
	PreviousDriverID string          `json:"previous_driver_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	AssignedAt       *time.Time      `json:"assigned_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	RedispatchCount  int             `json:"redispatch_count"`
	DispatchError    string          `json:"dispatch_error,omitempty"`
	PaymentIntentID  string          `json:"payment_intent_id,omitempty"`
}

type TripPhase string

const (
	PhaseToPickup TripPhase = "to_pickup"
	PhaseInRide   TripPhase = "in_ride"
	PhaseFinished TripPhase = "finished"
)

type PositionSample struct {
	Coord
	SpeedKmh   float64   `json:"speed_kmh"`
	RecordedAt time.Time `json:"recorded_at"`
}

type TripTelemetryUpdate struct {
	TripID         string           `json:"trip_id"`
	DriverID       string           `json:"driver_id"`
	Phase          TripPhase        `json:"phase"`
	Positions      []PositionSample `json:"positions"`
	LastMovementAt time.Time        `json:"last_movement_at"`
}

// Latest returns the most recent sample: greatest RecordedAt, ties going to
// the later position in the list.
func (u TripTelemetryUpdate) Latest() (PositionSample, bool) {
	if len(u.Positions) == 0 {
		return PositionSample{}, false
	}
	best := 0
	for i := 1; i < len(u.Positions); i++ {
		if !u.Positions[i].RecordedAt.Before(u.Positions[best].RecordedAt) {
			best = i
		}
	}
	return u.Positions[best], true
}

type AlertKind string

const (
	AlertExcessiveSpeed AlertKind = "excessive_speed"
	AlertExcessiveIdle  AlertKind = "excessive_idle"
)

type FraudAlert struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	DriverID  string    `json:"driver_id"`
	Kind      AlertKind `json:"kind"`
	Value     float64   `json:"value"`
	Message   string    `json:"message"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationFailure is the audit record written when a dispatch
// notification could not be delivered.
type NotificationFailure struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Kind        string    `json:"kind"`
	JobID       string    `json:"job_id,omitempty"`
	Error       string    `json:"error"`
	CreatedAt   time.Time `json:"created_at"`
}

type BreakerState struct {
	HourlyCalls       int64     `json:"hourly_calls"`
	DailyCalls        int64     `json:"daily_calls"`
	ConsecutiveErrors int64     `json:"consecutive_errors"`
	Open              bool      `json:"open"`
	OpenUntil         time.Time `json:"open_until,omitempty"`
	LastReset         time.Time `json:"last_reset"`
}
