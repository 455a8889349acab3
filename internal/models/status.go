package models

import (
	"strings"

	"github.com/example/carpool/internal/apperr"
)

// TripStatus is the lifecycle state of a Trip.
type TripStatus string

const (
	TripOpen      TripStatus = "OPEN"
	TripScheduled TripStatus = "SCHEDULED"
	TripActive    TripStatus = "ACTIVE"
	TripCompleted TripStatus = "COMPLETED"
	TripCanceled  TripStatus = "CANCELED"
)

var tripTransitions = map[TripStatus][]TripStatus{
	TripOpen:      {TripScheduled, TripActive, TripCanceled},
	TripScheduled: {TripActive, TripCanceled},
	TripActive:    {TripCompleted, TripCanceled},
}

// ParseTripStatus accepts the five known values, case-insensitively.
// "CANCELLED" is accepted as an alias of CANCELED.
func ParseTripStatus(s string) (TripStatus, error) {
	v := TripStatus(strings.ToUpper(strings.TrimSpace(s)))
	if v == "CANCELLED" {
		v = TripCanceled
	}
	switch v {
	case TripOpen, TripScheduled, TripActive, TripCompleted, TripCanceled:
		return v, nil
	}
	return "", apperr.Validation("unknown trip status %q", s)
}

// Terminal reports whether no transition leaves this state.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCanceled
}

// CanTransitionTo is the single authority on trip state changes.
func (s TripStatus) CanTransitionTo(to TripStatus) bool {
	for _, next := range tripTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// RequestStatus is the state of a RideRequest.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestAccepted  RequestStatus = "ACCEPTED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Open reports whether the request still holds or may claim a seat.
func (s RequestStatus) Open() bool {
	return s == RequestPending || s == RequestAccepted
}

// CanTransitionTo: PENDING may go anywhere terminal; ACCEPTED only to
// CANCELLED (passenger left, removed, or trip cancelled).
func (s RequestStatus) CanTransitionTo(to RequestStatus) bool {
	switch s {
	case RequestPending:
		return to == RequestAccepted || to == RequestRejected || to == RequestCancelled
	case RequestAccepted:
		return to == RequestCancelled
	}
	return false
}

// PaymentStatus tracks a checkout payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)
