package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

var (
	tunis  = models.Coord{Lat: 36.8065, Lon: 10.1815}
	ariana = models.Coord{Lat: 36.8625, Lon: 10.1956}
)

func osrmServer(t *testing.T, hits *int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":8200,"duration":900,
			"geometry":{"coordinates":[[10.1815,36.8065],[10.1956,36.8625]]}}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDistanceUsesOSRMAndCaches(t *testing.T) {
	var hits int32
	srv := osrmServer(t, &hits, http.StatusOK)
	svc := NewService(NewOSRMClient(srv.URL, time.Second), NewCache(time.Minute, clock.NewFake(time.Now())), nil)

	km, err := svc.DistanceKm(context.Background(), tunis, ariana)
	require.NoError(t, err)
	require.InDelta(t, 8.2, km, 1e-9)

	_, err = svc.DistanceKm(context.Background(), tunis, ariana)
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestDistanceFallsBackToHaversine(t *testing.T) {
	var hits int32
	srv := osrmServer(t, &hits, http.StatusBadGateway)
	svc := NewService(NewOSRMClient(srv.URL, time.Second), nil, nil)

	km, err := svc.DistanceKm(context.Background(), tunis, ariana)
	require.NoError(t, err)
	require.InDelta(t, geo.Distance(tunis, ariana), km, 1e-9)
}

func TestRouteHasNoFallback(t *testing.T) {
	var hits int32
	srv := osrmServer(t, &hits, http.StatusInternalServerError)
	svc := NewService(NewOSRMClient(srv.URL, time.Second), nil, nil)

	_, err := svc.Route(context.Background(), tunis, ariana)
	require.True(t, apperr.Is(err, apperr.KindUpstream))

	_, err = NewService(nil, nil, nil).Route(context.Background(), tunis, ariana)
	require.True(t, apperr.Is(err, apperr.KindUpstream))
}

func TestRouteGeometry(t *testing.T) {
	var hits int32
	srv := osrmServer(t, &hits, http.StatusOK)
	svc := NewService(NewOSRMClient(srv.URL, time.Second), nil, nil)

	r, err := svc.Route(context.Background(), tunis, ariana)
	require.NoError(t, err)
	require.Len(t, r.Geometry, 2)
	require.Equal(t, 36.8625, r.Geometry[1].Lat)
	require.Equal(t, 900.0, r.DurationSec)
}

func TestCacheExpires(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c := NewCache(time.Minute, clk)
	c.Set(tunis, ariana, 5)
	_, ok := c.Get(tunis, ariana)
	require.True(t, ok)
	clk.Advance(2 * time.Minute)
	_, ok = c.Get(tunis, ariana)
	require.False(t, ok)
}
