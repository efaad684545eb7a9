package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrConflict     = errors.New("precondition failed")
	ErrUnknownField = errors.New("unknown field")
)

type Collection string

const (
	Jobs    Collection = "jobs"
	Drivers Collection = "drivers"
)

// Field names accepted by AtomicUpdate. They double as SQL column names.
const (
	FieldStatus           = "status"
	FieldDriverID         = "driver_id"
	FieldPreviousDriverID = "previous_driver_id"
	FieldAssignedAt       = "assigned_at"
	FieldCancelledAt      = "cancelled_at"
	FieldCancelReason     = "cancel_reason"
	FieldRedispatchCount  = "redispatch_count"
	FieldDispatchError    = "dispatch_error"

	FieldAvailable    = "available"
	FieldCurrentJobID = "current_job_id"
)

var mutableFields = map[Collection]map[string]bool{
	Jobs: {
		FieldStatus: true, FieldDriverID: true, FieldPreviousDriverID: true,
		FieldAssignedAt: true, FieldCancelledAt: true, FieldCancelReason: true,
		FieldRedispatchCount: true, FieldDispatchError: true,
	},
	Drivers: {
		FieldAvailable: true, FieldCurrentJobID: true,
	},
}

// Fields maps field names to values. An empty string or a nil *time.Time
// stands for NULL.
type Fields map[string]any

// Mutation sets fields on one record. Every Expect entry must match the
// record's current value or the whole AtomicUpdate fails with ErrConflict.
type Mutation struct {
	Collection Collection
	ID         string
	Set        Fields
	Expect     Fields
}

func (m Mutation) validate() error {
	allowed, ok := mutableFields[m.Collection]
	if !ok {
		return fmt.Errorf("collection %q: %w", m.Collection, ErrUnknownField)
	}
	if m.ID == "" {
		return fmt.Errorf("%s: empty id", m.Collection)
	}
	for f := range m.Set {
		if !allowed[f] {
			return fmt.Errorf("%s.%s: %w", m.Collection, f, ErrUnknownField)
		}
	}
	for f := range m.Expect {
		if !allowed[f] {
			return fmt.Errorf("%s.%s: %w", m.Collection, f, ErrUnknownField)
		}
	}
	return nil
}

type DriverQuery struct {
	Category      models.VehicleCategory
	AvailableOnly bool
}

type JobQuery struct {
	Status         models.JobStatus
	Category       models.VehicleCategory
	AssignedBefore time.Time // zero = no bound
	CreatedBefore  time.Time // zero = no bound
	After          *JobCursor
	Limit          int // <= 0 = unbounded
}

// JobCursor resumes QueryJobs strictly after the (created_at, id) of the
// last job of the previous page.
type JobCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that continues after j.
func CursorAfter(j models.Job) *JobCursor {
	return &JobCursor{CreatedAt: j.CreatedAt, ID: j.ID}
}

func (c *JobCursor) before(j models.Job) bool {
	if !j.CreatedAt.Equal(c.CreatedAt) {
		return c.CreatedAt.Before(j.CreatedAt)
	}
	return c.ID < j.ID
}

// Store is the engine's only persistence dependency. Results of QueryJobs
// are ordered by created_at ascending, then id.
type Store interface {
	QueryDrivers(ctx context.Context, q DriverQuery) ([]models.Driver, error)
	QueryJobs(ctx context.Context, q JobQuery) ([]models.Job, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	AtomicUpdate(ctx context.Context, muts ...Mutation) error
}

// Writer covers records created outside the engine: onboarding and the
// driver app write drivers, the booking API creates jobs.
//
// PutDriver inserts a new driver as given. On an existing driver it only
// rewrites the profile and location; availability and the current job are
// left to AtomicUpdate.
type Writer interface {
	PutDriver(ctx context.Context, d models.Driver) error
	CreateJob(ctx context.Context, j models.Job) error
}

type AlertStore interface {
	// AppendAlert is idempotent on alert ID. It reports false when an alert
	// with the same ID was already stored.
	AppendAlert(ctx context.Context, a models.FraudAlert) (bool, error)
}

type AuditStore interface {
	RecordNotificationFailure(ctx context.Context, f models.NotificationFailure) error
}

// Backend is everything the service wires from one storage driver.
type Backend interface {
	Store
	Writer
	AlertStore
	AuditStore
	Close() error
}

// normalize turns a field value into its comparable, storable form:
// strings (empty = nil), int64, bool, float64 and unix nanoseconds for times.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return x
	case models.JobStatus:
		return normalize(string(x))
	case models.VehicleCategory:
		return normalize(string(x))
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case bool:
		return x
	case float64:
		return x
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UnixNano()
	case *time.Time:
		if x == nil {
			return nil
		}
		return normalize(*x)
	}
	return v
}
