package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client estimates driving time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns the cached value if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Straight is the crow-flies estimate at a constant average speed.
func Straight(from, to models.Coord, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = 30
	}
	return geo.DistanceKm(from, to) / speedKmh * 3600
}

// Resolver asks the routing client when one is configured and falls back to
// the straight-line estimate on any failure.
type Resolver struct {
	Client   Client
	Cache    *Cache
	SpeedKmh float64
	Log      zerolog.Logger
}

func NewResolver(client Client, speedKmh float64, log zerolog.Logger) *Resolver {
	return &Resolver{Client: client, Cache: NewCache(2 * time.Minute), SpeedKmh: speedKmh, Log: log}
}

func (r *Resolver) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if r.Cache != nil {
		if v, ok := r.Cache.Get(from, to); ok {
			return v
		}
	}
	if r.Client != nil {
		v, err := r.Client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if r.Cache != nil {
				r.Cache.Set(from, to, v)
			}
			return v
		}
		r.Log.Debug().Err(err).Msg("routing eta failed, using straight line")
	}
	return Straight(from, to, r.SpeedKmh)
}
