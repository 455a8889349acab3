package httpapi

import (
	"net/http"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
)

type createRequestBody struct {
	Comment string `json:"comment" validate:"max=500"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body createRequestBody
	if r.ContentLength != 0 {
		if err := s.decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	req, err := s.requests.Create(r.Context(), pathVar(r, "id"), uid, body.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleTripRequests lists a trip's requests for its driver.
func (s *Server) handleTripRequests(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	t, err := s.trips.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if t.DriverID != uid {
		s.writeError(w, r, apperr.Authorization("only the driver can list requests of trip %s", t.ID))
		return
	}
	s.respondRequests(w, r)(s.requests.ForTrip(r.Context(), t.ID))
}

// handleListRequests serves ?role=driver (requests on my trips) or the
// default role=passenger (requests I sent).
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	switch role := r.URL.Query().Get("role"); role {
	case "driver":
		s.respondRequests(w, r)(s.requests.ForDriver(r.Context(), uid))
	case "", "passenger":
		s.respondRequests(w, r)(s.requests.ForPassenger(r.Context(), uid))
	default:
		s.writeError(w, r, apperr.Validation("role must be driver or passenger, got %q", role))
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	req, err := s.requests.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PassengerID != uid {
		t, err := s.trips.Get(r.Context(), req.TripID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if t.DriverID != uid {
			s.writeError(w, r, apperr.Authorization("request %s is not yours", req.ID))
			return
		}
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondRequest(w, r)(s.requests.Accept(r.Context(), pathVar(r, "id"), uid))
	}
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondRequest(w, r)(s.requests.Reject(r.Context(), pathVar(r, "id"), uid))
	}
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondRequest(w, r)(s.requests.Cancel(r.Context(), pathVar(r, "id"), uid))
	}
}

func (s *Server) respondRequest(w http.ResponseWriter, r *http.Request) func(models.RideRequest, error) {
	return func(req models.RideRequest, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func (s *Server) respondRequests(w http.ResponseWriter, r *http.Request) func([]models.RideRequest, error) {
	return func(reqs []models.RideRequest, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if reqs == nil {
			reqs = []models.RideRequest{}
		}
		writeJSON(w, http.StatusOK, reqs)
	}
}

type rateBody struct {
	Stars   int    `json:"stars" validate:"required"`
	Comment string `json:"comment" validate:"max=500"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body rateBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rt, err := s.ratings.Rate(r.Context(), pathVar(r, "id"), uid, body.Stars, body.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) handleTripRatings(w http.ResponseWriter, r *http.Request) {
	ratings, err := s.ratings.TripRatings(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ratings == nil {
		ratings = []models.Rating{}
	}
	writeJSON(w, http.StatusOK, ratings)
}
