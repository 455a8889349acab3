package models

import (
	"time"

	"github.com/example/carpool/internal/apperr"
)

// RideRequest is a passenger's bid for a seat on a Trip.
type RideRequest struct {
	ID          string        `json:"id"`
	TripID      string        `json:"trip_id"`
	PassengerID string        `json:"passenger_id"`
	Status      RequestStatus `json:"status"`
	Comment     string        `json:"comment,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (r *RideRequest) Transition(to RequestStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(to) {
		return apperr.InvalidState("ride request %s cannot move from %s to %s", r.ID, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}
