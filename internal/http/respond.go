package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
)

const (
	userHeader  = "X-User-ID"
	adminHeader = "X-Admin-Token"
	maxBodySize = 1 << 20
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps application errors onto status codes. Unclassified errors
// are logged and hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: "internal error"}
	if ae, ok := apperr.As(err); ok {
		body = errorBody{Error: ae.Message, Kind: string(ae.Kind)}
	}
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "status", status, "error", err,
			"request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body and runs struct validation on it.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return apperr.FromValidator(err)
	}
	return nil
}

// actor is the caller's user id. Authentication happens upstream of this
// service; the gateway forwards the verified id in X-User-ID.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + userHeader + " header"})
		return "", false
	}
	return id, true
}

func (s *Server) admin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" || r.Header.Get(adminHeader) != s.adminToken {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "admin token required"})
		return false
	}
	return true
}

func pathVar(r *http.Request, name string) string { return mux.Vars(r)[name] }

func queryFloat(r *http.Request, key string) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, apperr.Validation("query parameter %s is required", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Validation("query parameter %s must be a number", key)
	}
	return v, nil
}

func queryCoord(r *http.Request, latKey, lonKey string) (models.Coord, error) {
	lat, err := queryFloat(r, latKey)
	if err != nil {
		return models.Coord{}, err
	}
	lon, err := queryFloat(r, lonKey)
	if err != nil {
		return models.Coord{}, err
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}
