package models

import (
	"time"

	"github.com/example/carpool/internal/apperr"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Navigation is the driver's live position; only set while the trip is ACTIVE.
type Navigation struct {
	Position  Coord     `json:"position"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Bearing   float64   `json:"bearing"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Trip struct {
	ID             string      `json:"id"`
	DriverID       string      `json:"driver_id"`
	PassengerIDs   []string    `json:"passenger_ids"`
	Start          Coord       `json:"start"`
	End            Coord       `json:"end"`
	StartTime      time.Time   `json:"start_time"`
	Description    string      `json:"description"`
	Capacity       int         `json:"capacity"`
	AvailableSeats int         `json:"available_seats"`
	Price          float64     `json:"price"`
	Status         TripStatus  `json:"status"`
	Archived       bool        `json:"archived"`
	Navigation     *Navigation `json:"navigation,omitempty"`
	AverageRating  *float64    `json:"average_rating,omitempty"`
	TotalRatings   int         `json:"total_ratings"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Clone returns a deep copy so stored records never alias caller memory.
func (t Trip) Clone() Trip {
	out := t
	out.PassengerIDs = append([]string(nil), t.PassengerIDs...)
	if t.Navigation != nil {
		nav := *t.Navigation
		out.Navigation = &nav
	}
	if t.AverageRating != nil {
		avg := *t.AverageRating
		out.AverageRating = &avg
	}
	return out
}

func (t *Trip) HasPassenger(userID string) bool {
	for _, p := range t.PassengerIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// ReserveSeat takes one seat for the passenger. The counter is decremented
// before the passenger is appended.
func (t *Trip) ReserveSeat(passengerID string) error {
	if t.Status.Terminal() {
		return apperr.InvalidState("trip %s is %s", t.ID, t.Status)
	}
	if t.HasPassenger(passengerID) {
		return apperr.Conflict("passenger %s already on trip %s", passengerID, t.ID)
	}
	if t.AvailableSeats <= 0 {
		return apperr.Capacity("no available seats on trip %s", t.ID)
	}
	t.AvailableSeats--
	t.PassengerIDs = append(t.PassengerIDs, passengerID)
	return nil
}

// ReleaseSeat removes the passenger, then frees the seat. Finished trips
// keep their passenger list.
func (t *Trip) ReleaseSeat(passengerID string) error {
	if t.Status.Terminal() {
		return apperr.InvalidState("trip %s is %s", t.ID, t.Status)
	}
	idx := -1
	for i, p := range t.PassengerIDs {
		if p == passengerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperr.NotFound("passenger %s is not on trip %s", passengerID, t.ID)
	}
	t.PassengerIDs = append(t.PassengerIDs[:idx], t.PassengerIDs[idx+1:]...)
	t.AvailableSeats++
	return nil
}

// ClearPassengers empties the passenger list and returns every freed seat.
func (t *Trip) ClearPassengers() []string {
	removed := t.PassengerIDs
	t.PassengerIDs = []string{}
	t.AvailableSeats += len(removed)
	return removed
}

// Transition moves the trip to the given status. Leaving ACTIVE clears the
// live navigation fields in the same step.
func (t *Trip) Transition(to TripStatus, now time.Time) error {
	if t.Status == to {
		return nil
	}
	if !t.Status.CanTransitionTo(to) {
		return apperr.InvalidState("trip %s cannot move from %s to %s", t.ID, t.Status, to)
	}
	t.Status = to
	if to != TripActive {
		t.Navigation = nil
	}
	t.UpdatedAt = now
	return nil
}

// CheckSeats verifies availableSeats + passengers == capacity and seats >= 0.
func (t *Trip) CheckSeats() error {
	if t.AvailableSeats < 0 {
		return apperr.InvalidState("trip %s has negative seats", t.ID)
	}
	if t.AvailableSeats+len(t.PassengerIDs) != t.Capacity {
		return apperr.InvalidState("trip %s seat accounting broken: %d free + %d taken != %d",
			t.ID, t.AvailableSeats, len(t.PassengerIDs), t.Capacity)
	}
	return nil
}
