package models

import "time"

// SubscriptionPlan is a catalog entry. Price and limit are snapshotted into
// each Subscription at purchase time.
type SubscriptionPlan struct {
	ID                          string    `json:"id"`
	Name                        string    `json:"name"`
	Price                       float64   `json:"price"`
	TripLimit                   *int      `json:"trip_limit"` // nil = unlimited
	DurationDays                int       `json:"duration_days"`
	RequiresStudentVerification bool      `json:"requires_student_verification"`
	Archived                    bool      `json:"archived"`
	CreatedAt                   time.Time `json:"created_at"`
}

// Subscription is a time-boxed grant of trip credits.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PlanID    string    `json:"plan_id"`
	PlanName  string    `json:"plan_name"`
	PricePaid float64   `json:"price_paid"`
	TripLimit *int      `json:"trip_limit"`
	TripsUsed int       `json:"trips_used"`
	Active    bool      `json:"active"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsValid: active, not archived, and endDate > now.
func (s Subscription) IsValid(now time.Time) bool {
	return s.Active && !s.Archived && s.EndDate.After(now)
}

func (s Subscription) HasRemainingTrips() bool {
	return s.TripLimit == nil || s.TripsUsed < *s.TripLimit
}

// RemainingTrips returns nil for unlimited plans.
func (s Subscription) RemainingTrips() *int {
	if s.TripLimit == nil {
		return nil
	}
	left := *s.TripLimit - s.TripsUsed
	if left < 0 {
		left = 0
	}
	return &left
}

// Lapsed reports a subscription still flagged active whose end date passed.
func (s Subscription) Lapsed(now time.Time) bool {
	return s.Active && !s.EndDate.After(now)
}

func (s Subscription) Clone() Subscription {
	out := s
	if s.TripLimit != nil {
		limit := *s.TripLimit
		out.TripLimit = &limit
	}
	return out
}

func (p SubscriptionPlan) Clone() SubscriptionPlan {
	out := p
	if p.TripLimit != nil {
		limit := *p.TripLimit
		out.TripLimit = &limit
	}
	return out
}

// IntPtr is a small helper for optional trip limits.
func IntPtr(v int) *int { return &v }
