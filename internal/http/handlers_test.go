package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/pricing"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/riderequest"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/subscription"
	"github.com/example/carpool/internal/trip"
)

var now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type pings struct {
	mu  sync.Mutex
	got []ingest.LocationPing
}

func (p *pings) PublishLocation(_ context.Context, ping ingest.LocationPing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, ping)
	return nil
}

type harness struct {
	ledger *subscription.Ledger
	trips  *trip.Manager
	pings  *pings
	srv    *Server
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	index := geo.NewMemoryIndex()
	routes := routing.NewService(nil, nil, nil)
	calc := pricing.NewCalculator(routes)

	h := &harness{ledger: subscription.NewLedger(store, clk, nil), pings: &pings{}}
	_, err := h.ledger.SeedPlans(context.Background())
	require.NoError(t, err)
	h.trips = trip.NewManager(trip.Deps{Store: store, Clock: clk, Index: index, Pricer: calc, Routes: routes})

	d := Deps{
		Trips:         h.trips,
		Requests:      riderequest.NewWorkflow(store, clk, nil, nil, nil),
		Subscriptions: h.ledger,
		Payments:      payments.NewService(store, nil, clk, "eur", nil),
		Finder:        matcher.NewFinder(index, store, 0, 0, nil),
		Ratings:       rating.NewService(store, clk, nil),
		Pricing:       calc,
		AdminToken:    "secret",
	}
	if mutate != nil {
		mutate(&d)
	}
	h.srv = NewServer(d)
	return h
}

func (h *harness) grant(t *testing.T, userID, plan string) {
	t.Helper()
	p, err := h.ledger.PlanByName(context.Background(), plan)
	require.NoError(t, err)
	_, err = h.ledger.Grant(context.Background(), userID, p.ID)
	require.NoError(t, err)
}

func (h *harness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

var (
	tunis  = models.Coord{Lat: 36.8065, Lon: 10.1815}
	sousse = models.Coord{Lat: 35.8256, Lon: 10.6084}
)

func tripBody(price float64) map[string]any {
	return map[string]any{
		"start":      tunis,
		"end":        sousse,
		"start_time": now.Add(3 * time.Hour),
		"capacity":   2,
		"price":      price,
	}
}

func TestTripBookingFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "driver", "gold")

	rec := h.do(t, "POST", "/api/v1/trips", "driver", tripBody(15))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tr := decodeBody[models.Trip](t, rec)
	require.Equal(t, models.TripOpen, tr.Status)

	rec = h.do(t, "GET", "/api/v1/trips/search?from_lat=36.80&from_lon=10.18&to_lat=35.82&to_lon=10.60", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decodeBody[[]matcher.Candidate](t, rec)
	require.Len(t, found, 1)
	require.Equal(t, tr.ID, found[0].Trip.ID)

	rec = h.do(t, "POST", "/api/v1/trips/"+tr.ID+"/requests", "rider", map[string]string{"comment": "two bags"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decodeBody[models.RideRequest](t, rec)

	rec = h.do(t, "POST", "/api/v1/requests/"+req.ID+"/accept", "rider", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, "POST", "/api/v1/requests/"+req.ID+"/accept", "driver", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, models.RequestAccepted, decodeBody[models.RideRequest](t, rec).Status)

	rec = h.do(t, "GET", "/api/v1/trips/"+tr.ID, "", nil)
	got := decodeBody[models.Trip](t, rec)
	require.Equal(t, 1, got.AvailableSeats)
	require.Equal(t, []string{"rider"}, got.PassengerIDs)

	rec = h.do(t, "GET", "/api/v1/requests?role=driver", "driver", nil)
	require.Len(t, decodeBody[[]models.RideRequest](t, rec), 1)

	rec = h.do(t, "POST", "/api/v1/trips/"+tr.ID+"/cancel", "driver", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.TripCanceled, decodeBody[models.Trip](t, rec).Status)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "POST", "/api/v1/trips", "", tripBody(10))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, "POST", "/api/v1/trips", "nosub", tripBody(10))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, "quota_exceeded", decodeBody[errorBody](t, rec).Kind)

	rec = h.do(t, "GET", "/api/v1/trips/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeBody[errorBody](t, rec).Kind)

	h.grant(t, "driver", "silver")
	bad := tripBody(10)
	bad["capacity"] = 0
	rec = h.do(t, "POST", "/api/v1/trips", "driver", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	bad = tripBody(10)
	bad["unexpected"] = true
	rec = h.do(t, "POST", "/api/v1/trips", "driver", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "POST", "/api/v1/trips", "driver", tripBody(10))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[models.Trip](t, rec).ID
	rec = h.do(t, "PUT", "/api/v1/trips/"+id+"/status", "driver", map[string]string{"status": "COMPLETED"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invalid_state", decodeBody[errorBody](t, rec).Kind)

	rec = h.do(t, "GET", "/api/v1/trips/search?from_lat=abc&from_lon=1&to_lat=1&to_lon=1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No payment provider is configured in the harness.
	plan, err := h.ledger.PlanByName(context.Background(), "gold")
	require.NoError(t, err)
	rec = h.do(t, "POST", "/api/v1/payments/checkout", "buyer", map[string]string{
		"plan_id": plan.ID, "success_url": "https://app.example/ok", "cancel_url": "https://app.example/no",
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPriceSuggestionFillsZeroPrice(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "driver", "diamond")

	rec := h.do(t, "GET", "/api/v1/pricing/suggest?from_lat=36.8065&from_lon=10.1815&to_lat=35.8256&to_lon=10.6084&fuel_type=diesel&seats=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sug := decodeBody[pricing.Suggestion](t, rec)
	require.Equal(t, pricing.Diesel, sug.FuelType)
	require.Greater(t, sug.Suggested, 0.0)

	rec = h.do(t, "POST", "/api/v1/trips", "driver", tripBody(0))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Greater(t, decodeBody[models.Trip](t, rec).Price, 0.0)
}

func TestPlansAndSubscriptions(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/api/v1/plans", "", nil)
	require.Len(t, decodeBody[[]models.SubscriptionPlan](t, rec), 4)

	rec = h.do(t, "POST", "/api/v1/plans", "", map[string]any{"name": "trial", "price": 0, "trip_limit": 2, "duration_days": 7})
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest("POST", "/api/v1/plans", bytes.NewBufferString(`{"name":"trial","price":0,"trip_limit":2,"duration_days":7}`))
	req.Header.Set(adminHeader, "secret")
	created := httptest.NewRecorder()
	h.srv.ServeHTTP(created, req)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	trial := decodeBody[models.SubscriptionPlan](t, created)

	gold, err := h.ledger.PlanByName(context.Background(), "gold")
	require.NoError(t, err)
	rec = h.do(t, "POST", "/api/v1/subscriptions", "u1", map[string]string{"plan_id": gold.ID})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, "POST", "/api/v1/subscriptions", "u1", map[string]string{"plan_id": trial.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, "GET", "/api/v1/subscriptions/me", "u1", nil)
	st := decodeBody[subscription.Status](t, rec)
	require.True(t, st.HasActive)
	require.Equal(t, "trial", st.PlanName)
	require.Equal(t, 2, *st.RemainingTrips)
}

func TestDriverLocationIngest(t *testing.T) {
	h := newHarness(t, nil)
	var sink *pings
	queued := newHarness(t, func(d *Deps) { sink = &pings{}; d.Locations = sink })

	ping := ingest.LocationPing{TripID: "t1", DriverID: "d1", Lat: 36.8, Lon: 10.1}
	rec := queued.do(t, "POST", "/internal/driver/locations", "", ping)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sink.got, 1)
	require.False(t, sink.got[0].At.IsZero())

	// Applied inline without a stream: the trip does not exist.
	rec = h.do(t, "POST", "/internal/driver/locations", "", ping)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, "POST", "/internal/driver/locations", "", ingest.LocationPing{Lat: 1, Lon: 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = queued.do(t, "POST", "/internal/driver/locations", "", ingest.LocationPing{TripID: "t1", Lat: 36.8, Lon: 10.1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, sink.got, 1)
}

func TestRateLimitAndCORS(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Limiter = NewRateLimiter(0.001, 2)
		d.CORSOrigins = []string{"https://app.example"}
	})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/plans", "", nil).Code)
	}
	rec := h.do(t, "GET", "/api/v1/plans", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	req := httptest.NewRequest("OPTIONS", "/api/v1/trips", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	pre := httptest.NewRecorder()
	h.srv.ServeHTTP(pre, req)
	require.Equal(t, "https://app.example", pre.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = h.do(t, "GET", "/healthz", "", nil)
	require.Len(t, rec.Header().Get("X-Request-ID"), 36)
}
