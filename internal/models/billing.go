package models

import "time"

type User struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Email           string   `json:"email"`
	StudentVerified bool     `json:"student_verified"`
	FCMToken        string   `json:"-"`
	AverageRating   *float64 `json:"average_rating,omitempty"`
	TotalRatings    int      `json:"total_ratings"`
}

// Payment is a checkout attempt for a subscription plan.
type Payment struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	PlanID          string        `json:"plan_id"`
	SubscriptionID  string        `json:"subscription_id,omitempty"`
	SessionID       string        `json:"session_id"`
	PaymentIntentID string        `json:"payment_intent_id,omitempty"`
	Amount          float64       `json:"amount"`
	Currency        string        `json:"currency"`
	Status          PaymentStatus `json:"status"`
	CheckoutURL     string        `json:"checkout_url,omitempty"`
	SuccessURL      string        `json:"success_url,omitempty"`
	CancelURL       string        `json:"cancel_url,omitempty"`
	ReceiptEmail    string        `json:"receipt_email,omitempty"`
	FailureMessage  string        `json:"failure_message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
}

// Rating is a passenger's 1..5 star score for a completed trip.
type Rating struct {
	ID          string    `json:"id"`
	TripID      string    `json:"trip_id"`
	PassengerID string    `json:"passenger_id"`
	Stars       int       `json:"stars"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
