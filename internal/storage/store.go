package storage

import (
	"context"
	"time"

	"github.com/example/carpool/internal/models"
)

// Store runs units of work. Update serialises writes that touch the same
// Trip or Subscription row; View never writes.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the repository surface visible inside a unit of work. Getters
// called from Update lock the returned row until the unit commits.
type Tx interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	InsertTrip(ctx context.Context, t models.Trip) error
	UpdateTrip(ctx context.Context, t models.Trip) error
	ListTrips(ctx context.Context, f TripFilter) ([]models.Trip, error)
	// CancelOpenTripsBefore flips every OPEN trip starting before cutoff to
	// CANCELED without touching passengers or requests.
	CancelOpenTripsBefore(ctx context.Context, cutoff, now time.Time) (int, error)

	GetRequest(ctx context.Context, id string) (models.RideRequest, error)
	InsertRequest(ctx context.Context, r models.RideRequest) error
	UpdateRequest(ctx context.Context, r models.RideRequest) error
	ListRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error)

	GetSubscription(ctx context.Context, id string) (models.Subscription, error)
	// ActiveSubscription returns the user's active, unarchived subscription
	// whose end date is after now.
	ActiveSubscription(ctx context.Context, userID string, now time.Time) (models.Subscription, error)
	InsertSubscription(ctx context.Context, s models.Subscription) error
	UpdateSubscription(ctx context.Context, s models.Subscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error)
	DeactivateLapsedSubscriptions(ctx context.Context, now time.Time) (int, error)

	GetPlan(ctx context.Context, id string) (models.SubscriptionPlan, error)
	GetPlanByName(ctx context.Context, name string) (models.SubscriptionPlan, error)
	InsertPlan(ctx context.Context, p models.SubscriptionPlan) error
	UpdatePlan(ctx context.Context, p models.SubscriptionPlan) error
	ListPlans(ctx context.Context, includeArchived bool) ([]models.SubscriptionPlan, error)

	GetUser(ctx context.Context, id string) (models.User, error)
	UpsertUser(ctx context.Context, u models.User) error

	GetPayment(ctx context.Context, id string) (models.Payment, error)
	GetPaymentBySession(ctx context.Context, sessionID string) (models.Payment, error)
	InsertPayment(ctx context.Context, p models.Payment) error
	UpdatePayment(ctx context.Context, p models.Payment) error
	ExpirePendingPayments(ctx context.Context, now time.Time) (int, error)

	InsertRating(ctx context.Context, r models.Rating) error
	ListRatings(ctx context.Context, tripID string) ([]models.Rating, error)
}

// TripFilter narrows ListTrips. Zero values mean "any".
type TripFilter struct {
	DriverID        string
	PassengerID     string
	Statuses        []models.TripStatus
	StartFrom       time.Time // inclusive
	StartBefore     time.Time // exclusive
	WithNavigation  bool
	IncludeArchived bool
}

func (f TripFilter) match(t models.Trip) bool {
	if f.DriverID != "" && t.DriverID != f.DriverID {
		return false
	}
	if f.PassengerID != "" && !t.HasPassenger(f.PassengerID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if !f.StartFrom.IsZero() && t.StartTime.Before(f.StartFrom) {
		return false
	}
	if !f.StartBefore.IsZero() && !t.StartTime.Before(f.StartBefore) {
		return false
	}
	if f.WithNavigation && t.Navigation == nil {
		return false
	}
	if !f.IncludeArchived && t.Archived {
		return false
	}
	return true
}

// RequestFilter narrows ListRequests. DriverID matches the driver of the
// request's trip.
type RequestFilter struct {
	TripID      string
	PassengerID string
	DriverID    string
	Statuses    []models.RequestStatus
}

func containsStatus[S comparable](set []S, v S) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
