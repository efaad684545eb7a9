package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
)

// Redis shares the counters between engine instances. Hour and day
// counters live in keys named after their window and expire on their own.
type Redis struct {
	rdb    *redis.Client
	prefix string
	limits Limits
	log    zerolog.Logger
	now    func() time.Time
}

func NewRedis(rdb *redis.Client, prefix string, l Limits, log zerolog.Logger) *Redis {
	if prefix == "" {
		prefix = "dispatch:breaker"
	}
	return &Redis{rdb: rdb, prefix: prefix, limits: l, log: log, now: time.Now}
}

func (r *Redis) hourKey(t time.Time) string {
	return fmt.Sprintf("%s:hour:%s", r.prefix, t.UTC().Format("2006010215"))
}

func (r *Redis) dayKey(t time.Time) string {
	return fmt.Sprintf("%s:day:%s", r.prefix, t.UTC().Format("20060102"))
}

func (r *Redis) consecutiveKey() string { return r.prefix + ":consecutive" }
func (r *Redis) openKey() string        { return r.prefix + ":open_until" }

// IsOpen reports closed when Redis is unreachable.
func (r *Redis) IsOpen(ctx context.Context) bool {
	st, err := r.State(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("breaker state unavailable")
		return false
	}
	setGauge(st.Open)
	return st.Open
}

func (r *Redis) RecordOutcome(ctx context.Context, success bool) {
	now := r.now()
	var consecutive *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hk, dk := r.hourKey(now), r.dayKey(now)
		pipe.Incr(ctx, hk)
		pipe.Expire(ctx, hk, 2*time.Hour)
		pipe.Incr(ctx, dk)
		pipe.Expire(ctx, dk, 48*time.Hour)
		if success {
			pipe.Set(ctx, r.consecutiveKey(), 0, 0)
		} else {
			consecutive = pipe.Incr(ctx, r.consecutiveKey())
		}
		return nil
	})
	if err != nil {
		r.log.Warn().Err(err).Bool("success", success).Msg("breaker record failed")
		return
	}
	if consecutive == nil || r.limits.MaxConsecutiveErrors <= 0 || consecutive.Val() < r.limits.MaxConsecutiveErrors {
		return
	}
	cool := r.limits.cooldown()
	until := now.Add(cool)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.openKey(), until.UnixNano(), cool)
		pipe.Set(ctx, r.consecutiveKey(), 0, 0)
		return nil
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("breaker trip failed")
		return
	}
	setGauge(true)
	r.log.Warn().Time("open_until", until).Msg("dispatch breaker opened")
}

func (r *Redis) State(ctx context.Context) (models.BreakerState, error) {
	now := r.now()
	pipe := r.rdb.Pipeline()
	hourly := pipe.Get(ctx, r.hourKey(now))
	daily := pipe.Get(ctx, r.dayKey(now))
	consecutive := pipe.Get(ctx, r.consecutiveKey())
	openUntil := pipe.Get(ctx, r.openKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.BreakerState{}, err
	}

	st := models.BreakerState{
		HourlyCalls:       intOrZero(hourly),
		DailyCalls:        intOrZero(daily),
		ConsecutiveErrors: intOrZero(consecutive),
		LastReset:         now.UTC().Truncate(time.Hour),
	}
	if ns := intOrZero(openUntil); ns > 0 {
		if until := time.Unix(0, ns); now.Before(until) {
			st.OpenUntil = until
			st.Open = true
		}
	}
	if r.limits.exceeded(st.HourlyCalls, st.DailyCalls) {
		st.Open = true
	}
	return st, nil
}

func intOrZero(cmd *redis.StringCmd) int64 {
	v, err := cmd.Result()
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
