// Package app wires the dispatch engine from configuration and routes
// triggers to it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/breaker"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fraud"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/sweeper"
)

// Engine owns every component of one running instance.
type Engine struct {
	Config     config.Config
	Store      storage.Backend
	Matcher    *matcher.Service
	Breaker    breaker.Breaker
	WS         *notify.WSRegistry
	Notifier   notify.Notifier
	ETA        *eta.Resolver
	Dispatcher *dispatch.Dispatcher
	Sweeper    *sweeper.Sweeper
	Fraud      *fraud.Detector
	Log        zerolog.Logger

	closers []func() error
}

// Build opens the configured backends and wires the engine on top.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Engine, error) {
	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	closers := []func() error{st.Close}

	var br breaker.Breaker
	limits := breakerLimits(cfg.Breaker)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		closers = append(closers, rdb.Close)
		br = breaker.NewRedis(rdb, cfg.Redis.KeyPrefix, limits, logging.Component(log, "breaker"))
	} else {
		br = breaker.NewMemory(limits)
	}

	ws := notify.NewWSRegistry(logging.Component(log, "ws"))
	chain := notify.Chain{ws}
	if cfg.Push.FCMProjectID != "" {
		fcm, err := notify.NewFCMNotifier(ctx, cfg.Push.FCMProjectID, cfg.Push.FCMCredentialsFile)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("fcm: %w", err)
		}
		chain = append(chain, fcm)
	}
	if cfg.Push.WebhookURL != "" {
		chain = append(chain, notify.NewWebhookNotifier(cfg.Push.WebhookURL, cfg.Push.WebhookRatePerSec, cfg.Push.WebhookBurst))
	}
	if len(chain) == 1 {
		// nobody offline can be reached; keep a trace of what was sent
		chain = append(chain, notify.Log{Logger: logging.Component(log, "notify")})
	}

	var etaClient eta.Client
	if cfg.ETA.OSRMURL != "" {
		etaClient = eta.NewOSRMClient(cfg.ETA.OSRMURL)
	}

	var hr payments.HoldReleaser = payments.Noop{}
	if cfg.Payments.StripeKey != "" {
		hr = payments.NewStripeClient(cfg.Payments.StripeKey)
	}

	e := New(cfg, st, br, ws, chain, etaClient, hr, log)
	e.closers = closers
	return e, nil
}

// OpenStore returns the backend selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.Backend, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return storage.NewMemoryStore(), nil
	}
	d, err := storage.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.PGDSN
	if d.Name == storage.SQLite.Name {
		dsn = cfg.SQLitePath
	}
	st, err := storage.OpenSQL(ctx, d, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.Name, err)
	}
	if cfg.Migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate %s store: %w", d.Name, err)
		}
	}
	return st, nil
}

// New wires already-built dependencies. Notification failures are audited
// into st.
func New(cfg config.Config, st storage.Backend, br breaker.Breaker, ws *notify.WSRegistry, n notify.Notifier,
	etaClient eta.Client, hr payments.HoldReleaser, log zerolog.Logger) *Engine {
	m := matcher.New(st, matcher.Criteria{
		RadiusKm:   cfg.Matching.RadiusKm,
		MinRating:  cfg.Matching.MinRating,
		MinBattery: cfg.Matching.MinBattery,
	})
	audited := notify.Audited{Next: n, Audit: st, Log: logging.Component(log, "notify")}
	resolver := eta.NewResolver(etaClient, cfg.ETA.AvgSpeedKmh, logging.Component(log, "eta"))

	d := dispatch.New(st, m, br, audited, logging.Component(log, "dispatch"))
	d.ETA = resolver

	sw := sweeper.New(st, m, audited, sweeper.Config{
		AssignedTimeout: cfg.Sweep.AssignedTimeout,
		PendingTimeout:  cfg.Sweep.PendingTimeout,
		MaxRedispatches: cfg.Sweep.MaxRedispatches,
		ScanLimit:       cfg.Sweep.ScanLimit,
	}, logging.Component(log, "sweeper"))
	sw.ETA = resolver
	if hr != nil {
		sw.Payments = hr
	}

	fd := fraud.NewDetector(st, fraud.Rules{MaxSpeedKmh: cfg.Fraud.MaxSpeedKmh, MaxIdle: cfg.Fraud.MaxIdle},
		logging.Component(log, "fraud"))

	return &Engine{
		Config:     cfg,
		Store:      st,
		Matcher:    m,
		Breaker:    br,
		WS:         ws,
		Notifier:   audited,
		ETA:        resolver,
		Dispatcher: d,
		Sweeper:    sw,
		Fraud:      fd,
		Log:        log,
	}
}

// Handle routes one trigger. Returned errors mean the delivery should be
// retried; every handler is safe to run again.
func (e *Engine) Handle(ctx context.Context, t ingest.Trigger) error {
	err := e.handle(ctx, t)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.TriggersHandled.WithLabelValues(string(t.Kind), result).Inc()
	return err
}

func (e *Engine) handle(ctx context.Context, t ingest.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	switch t.Kind {
	case ingest.KindJobCreated:
		return e.Dispatcher.OnJobCreated(ctx, t.JobID)
	case ingest.KindDriverAvailability:
		return e.Dispatcher.OnDriverAvailable(ctx, t.DriverID, *t.DriverBefore, *t.DriverAfter)
	case ingest.KindTripUpdated:
		var before models.TripTelemetryUpdate
		if t.TripBefore != nil {
			before = *t.TripBefore
		}
		_, err := e.Fraud.OnTripUpdated(ctx, t.TripID, before, *t.TripAfter)
		return err
	case ingest.KindSweep:
		_, err := e.Sweeper.Sweep(ctx)
		return err
	}
	return fmt.Errorf("%w: %s", ingest.ErrInvalidTrigger, t.Kind)
}

// OnTelemetry adapts live MQTT telemetry to the trip-updated trigger.
func (e *Engine) OnTelemetry(ctx context.Context, u models.TripTelemetryUpdate) error {
	return e.Handle(ctx, ingest.TripUpdated(u.TripID, models.TripTelemetryUpdate{}, u))
}

func (e *Engine) Close() error {
	return closeAll(e.closers)
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func breakerLimits(c config.BreakerConfig) breaker.Limits {
	return breaker.Limits{
		MaxPerHour:           c.MaxPerHour,
		MaxPerDay:            c.MaxPerDay,
		MaxConsecutiveErrors: c.MaxConsecutiveErrors,
		Cooldown:             c.Cooldown,
	}
}
