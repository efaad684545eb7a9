package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is an in-process Backend. AtomicUpdate stages every mutation
// on copies and commits them together under one lock.
type MemoryStore struct {
	mu       sync.RWMutex
	drivers  map[string]models.Driver
	jobs     map[string]models.Job
	alerts   map[string]models.FraudAlert
	failures []models.NotificationFailure

	// BeforeMutation, when set, runs before mutation i is staged. Returning
	// an error aborts the whole update; tests use it to inject failures.
	BeforeMutation func(i int, m Mutation) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers: make(map[string]models.Driver),
		jobs:    make(map[string]models.Job),
		alerts:  make(map[string]models.FraudAlert),
	}
}

func (m *MemoryStore) PutDriver(_ context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	if prev, ok := m.drivers[d.ID]; ok {
		d.Available, d.CurrentJobID = prev.Available, prev.CurrentJobID
	}
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) CreateJob(_ context.Context, j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, ErrConflict)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (m *MemoryStore) QueryDrivers(_ context.Context, q DriverQuery) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if q.Category != "" && d.Category != q.Category {
			continue
		}
		if q.AvailableOnly && !d.Available {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) QueryJobs(_ context.Context, q JobQuery) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		if q.Category != "" && j.Category != q.Category {
			continue
		}
		if !q.AssignedBefore.IsZero() && (j.AssignedAt == nil || !j.AssignedAt.Before(q.AssignedBefore)) {
			continue
		}
		if !q.CreatedBefore.IsZero() && !j.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		if q.After != nil && !q.After.before(j) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AtomicUpdate(_ context.Context, muts ...Mutation) error {
	for _, mu := range muts {
		if err := mu.validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make(map[string]models.Job)
	drivers := make(map[string]models.Driver)
	for i, mu := range muts {
		if m.BeforeMutation != nil {
			if err := m.BeforeMutation(i, mu); err != nil {
				return err
			}
		}
		switch mu.Collection {
		case Jobs:
			j, ok := jobs[mu.ID]
			if !ok {
				if j, ok = m.jobs[mu.ID]; !ok {
					return fmt.Errorf("job %s: %w", mu.ID, ErrNotFound)
				}
			}
			for f, want := range mu.Expect {
				if normalize(jobField(j, f)) != normalize(want) {
					return fmt.Errorf("job %s %s: %w", mu.ID, f, ErrConflict)
				}
			}
			for f, v := range mu.Set {
				if err := setJobField(&j, f, v); err != nil {
					return err
				}
			}
			jobs[mu.ID] = j
		case Drivers:
			d, ok := drivers[mu.ID]
			if !ok {
				if d, ok = m.drivers[mu.ID]; !ok {
					return fmt.Errorf("driver %s: %w", mu.ID, ErrNotFound)
				}
			}
			for f, want := range mu.Expect {
				if normalize(driverField(d, f)) != normalize(want) {
					return fmt.Errorf("driver %s %s: %w", mu.ID, f, ErrConflict)
				}
			}
			for f, v := range mu.Set {
				if err := setDriverField(&d, f, v); err != nil {
					return err
				}
			}
			d.UpdatedAt = time.Now()
			drivers[mu.ID] = d
		}
	}

	for id, j := range jobs {
		m.jobs[id] = j
	}
	for id, d := range drivers {
		m.drivers[id] = d
	}
	return nil
}

func (m *MemoryStore) AppendAlert(_ context.Context, a models.FraudAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return false, nil
	}
	m.alerts[a.ID] = a
	return true, nil
}

// Alerts returns stored alerts ordered by creation time.
func (m *MemoryStore) Alerts() []models.FraudAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FraudAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) RecordNotificationFailure(_ context.Context, f models.NotificationFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

func (m *MemoryStore) NotificationFailures() []models.NotificationFailure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NotificationFailure, len(m.failures))
	copy(out, m.failures)
	return out
}

func (m *MemoryStore) Close() error { return nil }

func jobField(j models.Job, f string) any {
	switch f {
	case FieldStatus:
		return j.Status
	case FieldDriverID:
		return j.DriverID
	case FieldPreviousDriverID:
		return j.PreviousDriverID
	case FieldAssignedAt:
		return j.AssignedAt
	case FieldCancelledAt:
		return j.CancelledAt
	case FieldCancelReason:
		return j.CancelReason
	case FieldRedispatchCount:
		return j.RedispatchCount
	case FieldDispatchError:
		return j.DispatchError
	}
	return nil
}

func driverField(d models.Driver, f string) any {
	switch f {
	case FieldAvailable:
		return d.Available
	case FieldCurrentJobID:
		return d.CurrentJobID
	}
	return nil
}

func setJobField(j *models.Job, f string, v any) error {
	var err error
	switch f {
	case FieldStatus:
		var s string
		s, err = asString(v)
		j.Status = models.JobStatus(s)
	case FieldDriverID:
		j.DriverID, err = asString(v)
	case FieldPreviousDriverID:
		j.PreviousDriverID, err = asString(v)
	case FieldAssignedAt:
		j.AssignedAt, err = asTime(v)
	case FieldCancelledAt:
		j.CancelledAt, err = asTime(v)
	case FieldCancelReason:
		j.CancelReason, err = asString(v)
	case FieldRedispatchCount:
		j.RedispatchCount, err = asInt(v)
	case FieldDispatchError:
		j.DispatchError, err = asString(v)
	default:
		return fmt.Errorf("jobs.%s: %w", f, ErrUnknownField)
	}
	if err != nil {
		return fmt.Errorf("jobs.%s: %w", f, err)
	}
	return nil
}

func setDriverField(d *models.Driver, f string, v any) error {
	var err error
	switch f {
	case FieldAvailable:
		d.Available, err = asBool(v)
	case FieldCurrentJobID:
		d.CurrentJobID, err = asString(v)
	default:
		return fmt.Errorf("drivers.%s: %w", f, ErrUnknownField)
	}
	if err != nil {
		return fmt.Errorf("drivers.%s: %w", f, err)
	}
	return nil
}

func asString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case models.JobStatus:
		return string(x), nil
	case models.VehicleCategory:
		return string(x), nil
	}
	return "", fmt.Errorf("want string, got %T", v)
}

func asTime(v any) (*time.Time, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return &x, nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		t := *x
		return &t, nil
	}
	return nil, fmt.Errorf("want time, got %T", v)
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case int32:
		return int(x), nil
	}
	return 0, fmt.Errorf("want int, got %T", v)
}

func asBool(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("want bool, got %T", v)
}
