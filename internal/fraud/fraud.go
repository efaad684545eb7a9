// Package fraud flags anomalous trip telemetry.
package fraud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// alertNamespace seeds the name-based alert IDs.
var alertNamespace = uuid.MustParse("6f1c1f5e-2b7a-4d55-9a53-3f0c8e1d2a47")

type Rules struct {
	MaxSpeedKmh float64
	MaxIdle     time.Duration
}

func DefaultRules() Rules {
	return Rules{MaxSpeedKmh: 150, MaxIdle: 10 * time.Minute}
}

// Evaluate applies the rules in priority order and returns the first
// match, or nil. Speed is read from the latest sample; idle time only
// counts while in ride.
func Evaluate(u models.TripTelemetryUpdate, now time.Time, r Rules) *models.FraudAlert {
	if latest, ok := u.Latest(); ok && latest.SpeedKmh > r.MaxSpeedKmh {
		return &models.FraudAlert{
			ID:        alertID(u.TripID, models.AlertExcessiveSpeed, latest.RecordedAt),
			TripID:    u.TripID,
			DriverID:  u.DriverID,
			Kind:      models.AlertExcessiveSpeed,
			Value:     latest.SpeedKmh,
			Message:   fmt.Sprintf("speed %.1f km/h above limit of %.0f km/h", latest.SpeedKmh, r.MaxSpeedKmh),
			CreatedAt: now,
		}
	}
	if u.Phase == models.PhaseInRide && !u.LastMovementAt.IsZero() {
		idle := now.Sub(u.LastMovementAt)
		if idle > r.MaxIdle {
			return &models.FraudAlert{
				ID:        alertID(u.TripID, models.AlertExcessiveIdle, u.LastMovementAt),
				TripID:    u.TripID,
				DriverID:  u.DriverID,
				Kind:      models.AlertExcessiveIdle,
				Value:     float64(idle.Milliseconds()),
				Message:   fmt.Sprintf("no movement for %s during ride", idle.Truncate(time.Second)),
				CreatedAt: now,
			}
		}
	}
	return nil
}

// alertID is stable for the same trip, kind and evidence so a redelivered
// update maps onto the alert already stored.
func alertID(tripID string, kind models.AlertKind, evidence time.Time) string {
	name := tripID + "|" + string(kind) + "|" + strconv.FormatInt(evidence.UnixNano(), 10)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

type Detector struct {
	Alerts storage.AlertStore
	Rules  Rules
	Log    zerolog.Logger
	Now    func() time.Time
}

func NewDetector(alerts storage.AlertStore, r Rules, log zerolog.Logger) *Detector {
	return &Detector{Alerts: alerts, Rules: r, Log: log, Now: time.Now}
}

// Process evaluates one update and persists the alert, if any. It returns
// the alert this call stored: a redelivered update whose alert is already
// stored returns nil and is neither counted nor logged again.
func (d *Detector) Process(ctx context.Context, u models.TripTelemetryUpdate) (*models.FraudAlert, error) {
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	alert := Evaluate(u, now, d.Rules)
	if alert == nil {
		return nil, nil
	}
	inserted, err := d.Alerts.AppendAlert(ctx, *alert)
	if err != nil {
		return nil, fmt.Errorf("append alert for trip %s: %w", u.TripID, err)
	}
	if !inserted {
		d.Log.Debug().Str("trip_id", alert.TripID).Str("alert_id", alert.ID).Msg("alert already stored")
		return nil, nil
	}
	observability.FraudAlerts.WithLabelValues(string(alert.Kind)).Inc()
	d.Log.Warn().
		Str("trip_id", alert.TripID).
		Str("driver_id", alert.DriverID).
		Str("kind", string(alert.Kind)).
		Float64("value", alert.Value).
		Msg("fraud alert")
	return alert, nil
}

// OnTripUpdated is the trip-updated trigger. Only the new state matters.
func (d *Detector) OnTripUpdated(ctx context.Context, tripID string, _, after models.TripTelemetryUpdate) (*models.FraudAlert, error) {
	if after.TripID == "" {
		after.TripID = tripID
	}
	return d.Process(ctx, after)
}
