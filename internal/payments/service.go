package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/subscription"
)

// CheckoutTTL is how long a pending checkout stays payable.
const CheckoutTTL = 30 * time.Minute

// Service records checkout payments and turns completed ones into
// subscriptions.
type Service struct {
	store    storage.Store
	gateway  Gateway
	clock    clock.Clock
	currency string
	log      *slog.Logger
}

func NewService(store storage.Store, gateway Gateway, clk clock.Clock, currency string, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if currency == "" {
		currency = "eur"
	}
	return &Service{store: store, gateway: gateway, clock: clk, currency: strings.ToLower(currency), log: logging.OrDefault(logger)}
}

// CreateCheckout applies the purchase checks, opens a hosted checkout and
// stores a PENDING payment. The provider call happens outside any
// transaction.
func (s *Service) CreateCheckout(ctx context.Context, userID, planID, successURL, cancelURL string) (models.Payment, error) {
	if userID == "" || planID == "" {
		return models.Payment{}, apperr.Validation("user id and plan id are required")
	}
	if successURL == "" || cancelURL == "" {
		return models.Payment{}, apperr.Validation("success and cancel urls are required")
	}
	if s.gateway == nil {
		return models.Payment{}, apperr.Upstream("payment provider not configured", nil)
	}
	var (
		plan models.SubscriptionPlan
		user models.User
	)
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		plan, err = tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Archived {
			return apperr.NotFound("plan %s not found", planID)
		}
		user, err = tx.GetUser(ctx, userID)
		if apperr.Is(err, apperr.KindNotFound) {
			user = models.User{ID: userID}
		} else if err != nil {
			return err
		}
		return subscription.CheckEligible(ctx, tx, userID, plan, s.clock.Now())
	})
	if err != nil {
		return models.Payment{}, err
	}

	sess, err := s.gateway.CreateCheckout(ctx, CheckoutRequest{
		UserID:      userID,
		Email:       user.Email,
		PlanID:      plan.ID,
		PlanName:    plan.Name,
		Description: planDescription(plan),
		Amount:      int64(math.Round(plan.Price * 100)),
		Currency:    s.currency,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
	})
	if err != nil {
		return models.Payment{}, apperr.Upstream("create checkout session", err)
	}

	now := s.clock.Now()
	p := models.Payment{
		ID:          uuid.NewString(),
		UserID:      userID,
		PlanID:      plan.ID,
		SessionID:   sess.ID,
		Amount:      plan.Price,
		Currency:    s.currency,
		Status:      models.PaymentPending,
		CheckoutURL: sess.URL,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(CheckoutTTL),
	}
	if err := s.store.Update(ctx, func(tx storage.Tx) error { return tx.InsertPayment(ctx, p) }); err != nil {
		return models.Payment{}, err
	}
	s.log.Info("checkout session created", "user_id", userID, "plan", plan.Name, "session_id", sess.ID)
	return p, nil
}

// HandleWebhook applies a provider callback. Unknown event types are
// acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.gateway == nil {
		return apperr.Upstream("payment provider not configured", nil)
	}
	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		return apperr.Validation("invalid webhook: %v", err)
	}
	s.log.Info("payment webhook", "event", ev.Type, "session_id", ev.Session.ID)
	switch ev.Type {
	case "checkout.session.completed":
		_, err = s.complete(ctx, ev.Session)
	case "checkout.session.expired":
		_, err = s.markClosed(ctx, ev.Session.ID, models.PaymentExpired)
	case "payment_intent.payment_failed":
		s.log.Warn("payment failed upstream", "payment_intent", ev.Session.PaymentIntentID)
		return nil
	default:
		return nil
	}
	if apperr.Is(err, apperr.KindNotFound) {
		s.log.Warn("webhook for unknown session", "session_id", ev.Session.ID)
		return nil
	}
	return err
}

// Verify asks the provider for the session state and syncs the payment.
func (s *Service) Verify(ctx context.Context, sessionID string) (models.Payment, error) {
	if s.gateway == nil {
		return models.Payment{}, apperr.Upstream("payment provider not configured", nil)
	}
	if _, err := s.BySession(ctx, sessionID); err != nil {
		return models.Payment{}, err
	}
	sess, err := s.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return models.Payment{}, apperr.Upstream("retrieve checkout session", err)
	}
	switch {
	case sess.Status == "complete" && sess.PaymentStatus == "paid":
		return s.complete(ctx, sess)
	case sess.Status == "expired":
		return s.markClosed(ctx, sessionID, models.PaymentExpired)
	}
	return s.BySession(ctx, sessionID)
}

// complete marks the payment SUCCEEDED and buys the subscription. It is
// idempotent. If the purchase fails the payment still succeeds and keeps
// the failure message.
func (s *Service) complete(ctx context.Context, sess Session) (models.Payment, error) {
	var (
		p     models.Payment
		done  bool
		subID string
	)
	purchaseErr := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetPaymentBySession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if p.Status == models.PaymentSucceeded {
			done = true
			return nil
		}
		now := s.clock.Now()
		sub, err := subscription.Purchase(ctx, tx, p.UserID, p.PlanID, now, subscription.PurchaseOptions{})
		if err != nil {
			return err
		}
		subID = sub.ID
		s.succeed(&p, sess, now)
		p.SubscriptionID = sub.ID
		return tx.UpdatePayment(ctx, p)
	})
	if apperr.Is(purchaseErr, apperr.KindNotFound) && p.ID == "" {
		return models.Payment{}, purchaseErr
	}
	if purchaseErr == nil {
		if !done {
			s.log.Info("subscription purchased after payment", "user_id", p.UserID, "subscription_id", subID, "session_id", sess.ID)
		}
		return p, nil
	}

	s.log.Error("subscription purchase after payment failed", "session_id", sess.ID, "error", purchaseErr)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetPaymentBySession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if p.Status == models.PaymentSucceeded {
			return nil
		}
		s.succeed(&p, sess, s.clock.Now())
		p.FailureMessage = fmt.Sprintf("payment succeeded but subscription creation failed: %v", purchaseErr)
		return tx.UpdatePayment(ctx, p)
	})
	return p, err
}

func (s *Service) succeed(p *models.Payment, sess Session, now time.Time) {
	p.Status = models.PaymentSucceeded
	p.PaymentIntentID = sess.PaymentIntentID
	if sess.CustomerEmail != "" {
		p.ReceiptEmail = sess.CustomerEmail
	}
	p.CompletedAt = &now
}

// markClosed moves a PENDING payment to a closed status. Other statuses are
// left untouched.
func (s *Service) markClosed(ctx context.Context, sessionID string, status models.PaymentStatus) (models.Payment, error) {
	var p models.Payment
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetPaymentBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentPending {
			return nil
		}
		p.Status = status
		return tx.UpdatePayment(ctx, p)
	})
	return p, err
}

// CancelCheckout lets the owner abandon a PENDING checkout.
func (s *Service) CancelCheckout(ctx context.Context, paymentID, userID string) (models.Payment, error) {
	p, err := s.Get(ctx, paymentID)
	if err != nil {
		return models.Payment{}, err
	}
	if p.UserID != userID {
		return models.Payment{}, apperr.Authorization("payment %s does not belong to user %s", paymentID, userID)
	}
	if p.Status != models.PaymentPending {
		return models.Payment{}, apperr.InvalidState("payment %s is %s", paymentID, p.Status)
	}
	if s.gateway != nil {
		if err := s.gateway.ExpireSession(ctx, p.SessionID); err != nil {
			return models.Payment{}, apperr.Upstream("expire checkout session", err)
		}
	}
	return s.markClosed(ctx, p.SessionID, models.PaymentCancelled)
}

// ExpirePending flips every PENDING payment past its expiry to EXPIRED.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	var n int
	err := s.store.Update(ctx, func(tx storage.Tx) (err error) {
		n, err = tx.ExpirePendingPayments(ctx, s.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	observability.PaymentsExpired.Add(float64(n))
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Payment, error) {
	var p models.Payment
	err := s.store.View(ctx, func(tx storage.Tx) (err error) {
		p, err = tx.GetPayment(ctx, id)
		return err
	})
	return p, err
}

func (s *Service) BySession(ctx context.Context, sessionID string) (models.Payment, error) {
	var p models.Payment
	err := s.store.View(ctx, func(tx storage.Tx) (err error) {
		p, err = tx.GetPaymentBySession(ctx, sessionID)
		return err
	})
	return p, err
}

func planDescription(p models.SubscriptionPlan) string {
	trips := "Unlimited"
	if p.TripLimit != nil {
		trips = fmt.Sprint(*p.TripLimit)
	}
	return fmt.Sprintf("%s trips for %d days", trips, p.DurationDays)
}
