// Package breaker gates dispatch volume. It counts matching calls per hour
// and per day, tracks consecutive failures and opens for a cooldown once
// too many failures pile up.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Breaker interface {
	IsOpen(ctx context.Context) bool
	RecordOutcome(ctx context.Context, success bool)
	State(ctx context.Context) (models.BreakerState, error)
}

// Limits of zero disable the matching check.
type Limits struct {
	MaxPerHour           int64
	MaxPerDay            int64
	MaxConsecutiveErrors int64
	Cooldown             time.Duration
}

func (l Limits) cooldown() time.Duration {
	if l.Cooldown <= 0 {
		return 5 * time.Minute
	}
	return l.Cooldown
}

// exceeded applies the volume limits to a snapshot.
func (l Limits) exceeded(hourly, daily int64) bool {
	if l.MaxPerHour > 0 && hourly >= l.MaxPerHour {
		return true
	}
	return l.MaxPerDay > 0 && daily >= l.MaxPerDay
}

// Memory keeps the counters in process. Use Redis when several engine
// instances share one budget.
type Memory struct {
	limits Limits
	now    func() time.Time

	mu          sync.Mutex
	hourStart   time.Time
	dayStart    time.Time
	hourly      int64
	daily       int64
	consecutive int64
	openUntil   time.Time
}

func NewMemory(l Limits) *Memory {
	return &Memory{limits: l, now: time.Now}
}

// WithClock replaces the time source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) IsOpen(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.roll(now)
	open := now.Before(m.openUntil) || m.limits.exceeded(m.hourly, m.daily)
	setGauge(open)
	return open
}

func (m *Memory) RecordOutcome(_ context.Context, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.roll(now)
	m.hourly++
	m.daily++
	if success {
		m.consecutive = 0
		return
	}
	m.consecutive++
	if m.limits.MaxConsecutiveErrors > 0 && m.consecutive >= m.limits.MaxConsecutiveErrors {
		m.openUntil = now.Add(m.limits.cooldown())
		m.consecutive = 0
		setGauge(true)
	}
}

func (m *Memory) State(_ context.Context) (models.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.roll(now)
	st := models.BreakerState{
		HourlyCalls:       m.hourly,
		DailyCalls:        m.daily,
		ConsecutiveErrors: m.consecutive,
		Open:              now.Before(m.openUntil) || m.limits.exceeded(m.hourly, m.daily),
		LastReset:         m.hourStart,
	}
	if now.Before(m.openUntil) {
		st.OpenUntil = m.openUntil
	}
	return st, nil
}

// roll resets the counters whose window has passed. Caller holds mu.
func (m *Memory) roll(now time.Time) {
	hour := now.UTC().Truncate(time.Hour)
	if !hour.Equal(m.hourStart) {
		m.hourStart = hour
		m.hourly = 0
	}
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(m.dayStart) {
		m.dayStart = day
		m.daily = 0
	}
}

// Never is a breaker that is always closed.
type Never struct{}

func (Never) IsOpen(context.Context) bool         { return false }
func (Never) RecordOutcome(context.Context, bool) {}
func (Never) State(context.Context) (models.BreakerState, error) {
	return models.BreakerState{}, nil
}

func setGauge(open bool) {
	if open {
		observability.BreakerOpen.Set(1)
		return
	}
	observability.BreakerOpen.Set(0)
}
