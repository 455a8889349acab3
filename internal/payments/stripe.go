package payments

import (
	"context"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
	stripewebhook "github.com/stripe/stripe-go/v74/webhook"
)

// Session is the part of a hosted checkout session the service cares about.
type Session struct {
	ID              string
	URL             string
	Status          string // open, complete, expired
	PaymentStatus   string // paid, unpaid, no_payment_required
	PaymentIntentID string
	CustomerEmail   string
}

// CheckoutRequest describes one subscription plan purchase.
type CheckoutRequest struct {
	UserID      string
	Email       string
	PlanID      string
	PlanName    string
	Description string
	// Amount is in the currency's smallest unit.
	Amount     int64
	Currency   string
	SuccessURL string
	CancelURL  string
}

// WebhookEvent is a verified provider callback about a checkout session.
type WebhookEvent struct {
	Type    string
	Session Session
}

// Gateway is the payment provider surface.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ExpireSession(ctx context.Context, id string) error
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

// StripeGateway talks to Stripe Checkout with stripe-go.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway sets the process-wide Stripe key.
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(req.PlanName + " subscription"),
					Description: stripe.String(req.Description),
				},
			},
		}},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("plan_id", req.PlanID)
	params.AddMetadata("plan_name", req.PlanName)

	s, err := session.New(params)
	if err != nil {
		return Session{}, err
	}
	return fromStripe(s), nil
}

func (g *StripeGateway) GetSession(ctx context.Context, id string) (Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(id, params)
	if err != nil {
		return Session{}, err
	}
	return fromStripe(s), nil
}

func (g *StripeGateway) ExpireSession(ctx context.Context, id string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	_, err := session.Expire(id, params)
	return err
}

// ParseWebhook verifies the Stripe-Signature header. Without a configured
// secret the payload is trusted as-is, which only suits local testing.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	var ev stripe.Event
	if g.webhookSecret != "" {
		var err error
		ev, err = stripewebhook.ConstructEvent(payload, signature, g.webhookSecret)
		if err != nil {
			return WebhookEvent{}, err
		}
	} else if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}

	out := WebhookEvent{Type: string(ev.Type)}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}
	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode checkout session: %w", err)
	}
	out.Session = fromStripe(&s)
	return out, nil
}

func fromStripe(s *stripe.CheckoutSession) Session {
	out := Session{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		CustomerEmail: s.CustomerEmail,
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if out.CustomerEmail == "" && s.CustomerDetails != nil {
		out.CustomerEmail = s.CustomerDetails.Email
	}
	return out
}
