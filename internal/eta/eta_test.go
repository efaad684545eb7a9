package eta

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	plateau = models.Coord{Lat: 14.6708, Lng: -17.4381}
	almadie = models.Coord{Lat: 14.7440, Lng: -17.5160}
)

func TestOSRMClientParsesRoute(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":742.5}]}`)
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL+"/").EstimateSeconds(context.Background(), plateau, almadie)
	require.NoError(t, err)
	assert.Equal(t, 742.5, got)
	assert.Equal(t, "/route/v1/driving/-17.438100,14.670800;-17.516000,14.744000", path)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), plateau, almadie)
	assert.ErrorContains(t, err, "NoRoute")
}

type countingClient struct {
	calls atomic.Int32
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls.Add(1)
	return 300, c.err
}

func TestResolverCachesRoutingAnswers(t *testing.T) {
	c := &countingClient{}
	r := NewResolver(c, 30, zerolog.Nop())
	assert.Equal(t, 300.0, r.Seconds(context.Background(), plateau, almadie))
	assert.Equal(t, 300.0, r.Seconds(context.Background(), plateau, almadie))
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestResolverFallsBackToStraightLine(t *testing.T) {
	r := NewResolver(&countingClient{err: fmt.Errorf("down")}, 60, zerolog.Nop())
	got := r.Seconds(context.Background(), plateau, almadie)
	assert.InDelta(t, Straight(plateau, almadie, 60), got, 1e-9)
	assert.Greater(t, got, 0.0)
}

func TestStraightOneDegreeAtSixtyKmh(t *testing.T) {
	// one degree of latitude is ~111.2 km
	s := Straight(models.Coord{}, models.Coord{Lat: 1}, 60)
	assert.InDelta(t, 111.19*60, s, 5)
}

func TestCacheExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	c.Set(plateau, almadie, 10)
	_, ok := c.Get(plateau, almadie)
	assert.True(t, ok)
	now = now.Add(2 * time.Minute)
	_, ok = c.Get(plateau, almadie)
	assert.False(t, ok)
}
