package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/pricing"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/riderequest"
	"github.com/example/carpool/internal/subscription"
	"github.com/example/carpool/internal/trip"
)

// LocationPublisher forwards driver pings to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p ingest.LocationPing) error
}

// Deps wires the HTTP adapter. Payments, Locations and WS are optional.
type Deps struct {
	Trips         *trip.Manager
	Requests      *riderequest.Workflow
	Subscriptions *subscription.Ledger
	Payments      *payments.Service
	Finder        *matcher.Finder
	Ratings       *rating.Service
	Pricing       *pricing.Calculator
	WS            *dispatch.WSRegistry
	Locations     LocationPublisher
	Limiter       *RateLimiter
	CORSOrigins   []string
	AdminToken    string
	Logger        *slog.Logger
}

type Server struct {
	trips      *trip.Manager
	requests   *riderequest.Workflow
	subs       *subscription.Ledger
	payments   *payments.Service
	finder     *matcher.Finder
	ratings    *rating.Service
	pricing    *pricing.Calculator
	ws         *dispatch.WSRegistry
	locations  LocationPublisher
	limiter    *RateLimiter
	adminToken string
	logger     *slog.Logger
	validate   *validator.Validate
	mux        *mux.Router
	handler    http.Handler
}

func NewServer(d Deps) *Server {
	s := &Server{
		trips:      d.Trips,
		requests:   d.Requests,
		subs:       d.Subscriptions,
		payments:   d.Payments,
		finder:     d.Finder,
		ratings:    d.Ratings,
		pricing:    d.Pricing,
		ws:         d.WS,
		locations:  d.Locations,
		limiter:    d.Limiter,
		adminToken: d.AdminToken,
		logger:     logging.OrDefault(d.Logger),
		validate:   validator.New(),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	s.handler = withCORS(d.CORSOrigins, s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()

	// Static segments are registered before {id} so they are not captured.
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips", s.handleListTrips).Methods("GET")
	api.HandleFunc("/trips/search", s.handleSearchTrips).Methods("GET")
	api.HandleFunc("/trips/active", s.handleActiveTrips).Methods("GET")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}", s.handleUpdateTrip).Methods("PUT")
	api.HandleFunc("/trips/{id}", s.handleCancelTrip).Methods("DELETE")
	api.HandleFunc("/trips/{id}/status", s.handleSetStatus).Methods("PUT")
	api.HandleFunc("/trips/{id}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/end", s.handleEndTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/archive", s.handleArchiveTrip).Methods("PUT")
	api.HandleFunc("/trips/{id}/location", s.handleUpdateLocation).Methods("PUT")
	api.HandleFunc("/trips/{id}/location", s.handleGetLocation).Methods("GET")
	api.HandleFunc("/trips/{id}/route", s.handleTripRoute).Methods("GET")
	api.HandleFunc("/trips/{id}/passengers", s.handlePassengers).Methods("GET")
	api.HandleFunc("/trips/{id}/passengers/{passenger_id}", s.handleRemovePassenger).Methods("DELETE")
	api.HandleFunc("/trips/{id}/leave", s.handleLeaveTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/trips/{id}/requests", s.handleTripRequests).Methods("GET")
	api.HandleFunc("/trips/{id}/ratings", s.handleRate).Methods("POST")
	api.HandleFunc("/trips/{id}/ratings", s.handleTripRatings).Methods("GET")

	api.HandleFunc("/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/accept", s.handleAcceptRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/reject", s.handleRejectRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")

	api.HandleFunc("/plans", s.handleListPlans).Methods("GET")
	api.HandleFunc("/plans", s.handleCreatePlan).Methods("POST")
	api.HandleFunc("/plans/{id}", s.handleGetPlan).Methods("GET")
	api.HandleFunc("/plans/{id}", s.handleUpdatePlan).Methods("PUT")
	api.HandleFunc("/plans/{id}/archive", s.handleArchivePlan).Methods("PUT")

	api.HandleFunc("/subscriptions/me", s.handleSubscriptionStatus).Methods("GET")
	api.HandleFunc("/subscriptions/history", s.handleSubscriptionHistory).Methods("GET")
	api.HandleFunc("/subscriptions", s.handlePurchase).Methods("POST")
	api.HandleFunc("/subscriptions/{id}", s.handleCancelSubscription).Methods("DELETE")

	api.HandleFunc("/payments/checkout", s.handleCheckout).Methods("POST")
	api.HandleFunc("/payments/webhook", s.handleWebhook).Methods("POST")
	api.HandleFunc("/payments/verify/{session_id}", s.handleVerifyPayment).Methods("GET")
	api.HandleFunc("/payments/{id}", s.handleGetPayment).Methods("GET")
	api.HandleFunc("/payments/{id}", s.handleCancelPayment).Methods("DELETE")

	api.HandleFunc("/pricing/suggest", s.handleSuggestPrice).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var in trip.CreateInput
	in.DriverID = uid
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.DriverID = uid
	t, err := s.trips.CreateTrip(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// handleListTrips serves ?driver=, ?passenger= or, by default, OPEN trips.
func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	var (
		trips []models.Trip
		err   error
	)
	q := r.URL.Query()
	switch {
	case q.Get("driver") != "":
		trips, err = s.trips.ListByDriver(r.Context(), q.Get("driver"))
	case q.Get("passenger") != "":
		trips, err = s.trips.ListByPassenger(r.Context(), q.Get("passenger"))
	default:
		trips, err = s.trips.ListOpen(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleSearchTrips(w http.ResponseWriter, r *http.Request) {
	from, err := queryCoord(r, "from_lat", "from_lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := queryCoord(r, "to_lat", "to_lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.finder.Find(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []matcher.Candidate{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleActiveTrips(w http.ResponseWriter, r *http.Request) {
	trips, err := s.trips.ListActive(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTrip(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var in trip.UpdateInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTrip(w, r)(s.trips.UpdateTrip(r.Context(), pathVar(r, "id"), uid, in))
}

type statusBody struct {
	Status string `json:"status" validate:"required"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body statusBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTrip(w, r)(s.trips.SetStatus(r.Context(), pathVar(r, "id"), uid, body.Status))
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondTrip(w, r)(s.trips.StartNavigation(r.Context(), pathVar(r, "id"), uid))
	}
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondTrip(w, r)(s.trips.EndNavigation(r.Context(), pathVar(r, "id"), uid))
	}
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondTrip(w, r)(s.trips.CancelTrip(r.Context(), pathVar(r, "id"), uid))
	}
}

type archiveBody struct {
	Archived bool `json:"archived"`
}

func (s *Server) handleArchiveTrip(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body archiveBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTrip(w, r)(s.trips.SetArchived(r.Context(), pathVar(r, "id"), uid, body.Archived))
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var u trip.NavUpdate
	if err := s.decode(r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondTrip(w, r)(s.trips.UpdateDriverLocation(r.Context(), pathVar(r, "id"), uid, u))
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	nav, err := s.trips.GetDriverLocation(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

func (s *Server) handleTripRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.trips.Route(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handlePassengers(w http.ResponseWriter, r *http.Request) {
	users, err := s.trips.Passengers(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleRemovePassenger(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondTrip(w, r)(s.trips.RemovePassenger(r.Context(), pathVar(r, "id"), uid, pathVar(r, "passenger_id")))
	}
}

func (s *Server) handleLeaveTrip(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondTrip(w, r)(s.trips.LeaveTrip(r.Context(), pathVar(r, "id"), uid))
	}
}

func (s *Server) respondTrip(w http.ResponseWriter, r *http.Request) func(models.Trip, error) {
	return func(t models.Trip, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// handleDriverLocation takes pings from driver devices. With a location
// stream configured the ping is queued for the consumer, otherwise it is
// applied inline.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p ingest.LocationPing
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := p.Validate(); err != nil {
		s.writeError(w, r, apperr.Validation("%v", err))
		return
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), p); err != nil {
			s.writeError(w, r, apperr.Upstream("publish location", err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_, err := s.trips.UpdateDriverLocation(r.Context(), p.TripID, p.DriverID, trip.NavUpdate{
		Lat: p.Lat, Lon: p.Lon, SpeedKmh: p.SpeedKmh, Bearing: p.Bearing, Accuracy: p.Accuracy,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a notification socket open for a user until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		http.Error(w, "websocket notifications disabled", http.StatusNotFound)
		return
	}
	id := pathVar(r, "user_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.ws.Add(id, conn)
	defer func() {
		s.ws.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newID() string { return uuid.NewString() }
