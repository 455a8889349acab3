package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Ledger tracks subscriptions and the trip credits they grant.
type Ledger struct {
	store    storage.Store
	clock    clock.Clock
	log      *slog.Logger
	validate *validator.Validate
}

func NewLedger(store storage.Store, clk clock.Clock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Ledger{store: store, clock: clk, log: logging.OrDefault(logger), validate: validator.New()}
}

// Now exposes the ledger's time source to callers sharing a transaction.
func (l *Ledger) Now() time.Time { return l.clock.Now() }

// HasCapacity reports whether the user may create one more trip right now.
func (l *Ledger) HasCapacity(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := l.store.View(ctx, func(tx storage.Tx) error {
		sub, err := tx.ActiveSubscription(ctx, userID, l.clock.Now())
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = sub.HasRemainingTrips()
		return nil
	})
	return ok, err
}

// CheckCapacity loads (and inside Update, locks) the user's active
// subscription and fails with QuotaExceeded when it cannot fund a trip.
func CheckCapacity(ctx context.Context, tx storage.Tx, userID string, now time.Time) (models.Subscription, error) {
	sub, err := tx.ActiveSubscription(ctx, userID, now)
	if apperr.Is(err, apperr.KindNotFound) {
		return models.Subscription{}, apperr.QuotaExceeded("user %s has no active subscription", userID)
	}
	if err != nil {
		return models.Subscription{}, err
	}
	if !sub.HasRemainingTrips() {
		return models.Subscription{}, apperr.QuotaExceeded("subscription %s has used all %d trips", sub.ID, *sub.TripLimit)
	}
	return sub, nil
}

// ConsumeCredit increments tripsUsed by exactly one inside tx. Callers
// invoke it at most once per trip.
func ConsumeCredit(ctx context.Context, tx storage.Tx, userID string, now time.Time) (models.Subscription, error) {
	sub, err := CheckCapacity(ctx, tx, userID, now)
	if err != nil {
		return models.Subscription{}, err
	}
	sub.TripsUsed++
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return models.Subscription{}, fmt.Errorf("consume credit: %w", err)
	}
	observability.CreditsConsumed.Inc()
	return sub, nil
}

// ConsumeCredit runs the single-credit consumption in its own transaction.
func (l *Ledger) ConsumeCredit(ctx context.Context, userID string) (models.Subscription, error) {
	var sub models.Subscription
	err := l.store.Update(ctx, func(tx storage.Tx) (err error) {
		sub, err = ConsumeCredit(ctx, tx, userID, l.clock.Now())
		return err
	})
	return sub, err
}

// PurchaseOptions tune Purchase for non-checkout paths.
type PurchaseOptions struct {
	// SkipStudentCheck is set by admin grants.
	SkipStudentCheck bool
}

// Purchase creates a subscription for the plan inside tx. A lapsed
// subscription still flagged active is retired first so the one-active
// rule only counts live subscriptions.
func Purchase(ctx context.Context, tx storage.Tx, userID, planID string, now time.Time, opts PurchaseOptions) (models.Subscription, error) {
	plan, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return models.Subscription{}, err
	}
	if plan.Archived {
		return models.Subscription{}, apperr.Validation("plan %s is archived", plan.Name)
	}
	if err := checkEligible(ctx, tx, userID, plan, now, opts); err != nil {
		return models.Subscription{}, err
	}

	history, err := tx.ListSubscriptions(ctx, userID)
	if err != nil {
		return models.Subscription{}, err
	}
	for _, s := range history {
		if s.Lapsed(now) {
			s.Active = false
			s.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, s); err != nil {
				return models.Subscription{}, err
			}
		}
	}

	sub := models.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		PricePaid: plan.Price,
		TripLimit: plan.Clone().TripLimit,
		Active:    true,
		StartDate: now,
		EndDate:   now.AddDate(0, 0, plan.DurationDays),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertSubscription(ctx, sub); err != nil {
		return models.Subscription{}, err
	}
	return sub, nil
}

// CheckEligible applies the purchase preconditions without writing.
func CheckEligible(ctx context.Context, tx storage.Tx, userID string, plan models.SubscriptionPlan, now time.Time) error {
	return checkEligible(ctx, tx, userID, plan, now, PurchaseOptions{})
}

func checkEligible(ctx context.Context, tx storage.Tx, userID string, plan models.SubscriptionPlan, now time.Time, opts PurchaseOptions) error {
	if plan.RequiresStudentVerification && !opts.SkipStudentCheck {
		user, err := tx.GetUser(ctx, userID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
		if !user.StudentVerified {
			return apperr.Validation("plan %s requires student verification", plan.Name)
		}
	}
	if active, err := tx.ActiveSubscription(ctx, userID, now); err == nil {
		return apperr.Conflict("user %s already has active subscription %s", userID, active.ID)
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	return nil
}

func (l *Ledger) Purchase(ctx context.Context, userID, planID string) (models.Subscription, error) {
	return l.purchase(ctx, userID, planID, PurchaseOptions{})
}

// Grant is the admin path: same as Purchase minus student verification.
func (l *Ledger) Grant(ctx context.Context, userID, planID string) (models.Subscription, error) {
	return l.purchase(ctx, userID, planID, PurchaseOptions{SkipStudentCheck: true})
}

func (l *Ledger) purchase(ctx context.Context, userID, planID string, opts PurchaseOptions) (models.Subscription, error) {
	if userID == "" || planID == "" {
		return models.Subscription{}, apperr.Validation("user id and plan id are required")
	}
	var sub models.Subscription
	err := l.store.Update(ctx, func(tx storage.Tx) (err error) {
		sub, err = Purchase(ctx, tx, userID, planID, l.clock.Now(), opts)
		return err
	})
	if err != nil {
		return models.Subscription{}, err
	}
	l.log.Info("subscription purchased", "user_id", userID, "subscription_id", sub.ID, "plan", sub.PlanName)
	return sub, nil
}

// Cancel deactivates a subscription owned by requestingUserID.
func (l *Ledger) Cancel(ctx context.Context, subscriptionID, requestingUserID string) (models.Subscription, error) {
	var sub models.Subscription
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		sub, err = tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.UserID != requestingUserID {
			return apperr.Authorization("subscription %s does not belong to user %s", subscriptionID, requestingUserID)
		}
		if !sub.Active {
			return apperr.InvalidState("subscription %s is already inactive", subscriptionID)
		}
		sub.Active = false
		sub.UpdatedAt = l.clock.Now()
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return models.Subscription{}, err
	}
	l.log.Info("subscription cancelled", "user_id", requestingUserID, "subscription_id", subscriptionID)
	return sub, nil
}

// DeactivateExpired flips every lapsed subscription to inactive.
func (l *Ledger) DeactivateExpired(ctx context.Context) (int, error) {
	var n int
	err := l.store.Update(ctx, func(tx storage.Tx) (err error) {
		n, err = tx.DeactivateLapsedSubscriptions(ctx, l.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	observability.SubscriptionsExpired.Add(float64(n))
	return n, nil
}

func (l *Ledger) Active(ctx context.Context, userID string) (models.Subscription, error) {
	var sub models.Subscription
	err := l.store.View(ctx, func(tx storage.Tx) (err error) {
		sub, err = tx.ActiveSubscription(ctx, userID, l.clock.Now())
		return err
	})
	return sub, err
}

func (l *Ledger) History(ctx context.Context, userID string) ([]models.Subscription, error) {
	var out []models.Subscription
	err := l.store.View(ctx, func(tx storage.Tx) (err error) {
		out, err = tx.ListSubscriptions(ctx, userID)
		return err
	})
	return out, err
}

// Status is the user-facing summary of a user's subscription.
type Status struct {
	HasActive      bool       `json:"has_active_subscription"`
	CanCreateTrip  bool       `json:"can_create_trip"`
	PlanName       string     `json:"plan_name,omitempty"`
	TripsUsed      int        `json:"trips_used"`
	TripLimit      *int       `json:"trip_limit"`
	RemainingTrips *int       `json:"remaining_trips"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Message        string     `json:"message"`
}

func (l *Ledger) Status(ctx context.Context, userID string) (Status, error) {
	sub, err := l.Active(ctx, userID)
	if apperr.Is(err, apperr.KindNotFound) {
		return Status{Message: "No active subscription. Choose a plan to start offering trips."}, nil
	}
	if err != nil {
		return Status{}, err
	}
	end := sub.EndDate
	st := Status{
		HasActive:      true,
		CanCreateTrip:  sub.HasRemainingTrips(),
		PlanName:       sub.PlanName,
		TripsUsed:      sub.TripsUsed,
		TripLimit:      sub.TripLimit,
		RemainingTrips: sub.RemainingTrips(),
		ExpiresAt:      &end,
	}
	switch {
	case sub.TripLimit == nil:
		st.Message = fmt.Sprintf("Plan %s: unlimited trips until %s.", sub.PlanName, end.Format("2006-01-02"))
	case st.CanCreateTrip:
		st.Message = fmt.Sprintf("Plan %s: %d of %d trips left.", sub.PlanName, *st.RemainingTrips, *sub.TripLimit)
	default:
		st.Message = fmt.Sprintf("Plan %s: trip limit reached.", sub.PlanName)
	}
	return st, nil
}
