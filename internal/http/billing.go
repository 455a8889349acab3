package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/pricing"
	"github.com/example/carpool/internal/subscription"
)

const maxWebhookSize = 64 << 10

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("include_archived") == "true"
	plans, err := s.subs.ListPlans(r.Context(), all)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if plans == nil {
		plans = []models.SubscriptionPlan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	s.respondPlan(w, r, http.StatusOK)(s.subs.GetPlan(r.Context(), pathVar(r, "id")))
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	var in subscription.PlanInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondPlan(w, r, http.StatusCreated)(s.subs.CreatePlan(r.Context(), in))
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	var in subscription.PlanInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondPlan(w, r, http.StatusOK)(s.subs.UpdatePlan(r.Context(), pathVar(r, "id"), in))
}

func (s *Server) handleArchivePlan(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	var body archiveBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondPlan(w, r, http.StatusOK)(s.subs.SetPlanArchived(r.Context(), pathVar(r, "id"), body.Archived))
}

func (s *Server) respondPlan(w http.ResponseWriter, r *http.Request, status int) func(models.SubscriptionPlan, error) {
	return func(p models.SubscriptionPlan, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, p)
	}
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	st, err := s.subs.Status(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSubscriptionHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	subs, err := s.subs.History(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

type purchaseBody struct {
	PlanID string `json:"plan_id" validate:"required"`
}

// handlePurchase activates a plan without a payment. Paid plans go through
// /payments/checkout; this route is for free plans and admin grants.
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body purchaseBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.subs.GetPlan(r.Context(), body.PlanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	admin := s.adminToken != "" && r.Header.Get(adminHeader) == s.adminToken
	var sub models.Subscription
	switch {
	case admin:
		sub, err = s.subs.Grant(r.Context(), uid, plan.ID)
	case plan.Price == 0:
		sub, err = s.subs.Purchase(r.Context(), uid, plan.ID)
	default:
		err = apperr.Validation("plan %s is paid; use checkout", plan.Name)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	sub, err := s.subs.Cancel(r.Context(), pathVar(r, "id"), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type checkoutBody struct {
	PlanID     string `json:"plan_id" validate:"required"`
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"required,url"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body checkoutBody
	if err := s.decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondPayment(w, r, http.StatusCreated)(s.payments.CreateCheckout(r.Context(), uid, body.PlanID, body.SuccessURL, body.CancelURL))
}

// handleWebhook needs the raw body for signature verification, so it skips
// the JSON decoder.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookSize))
	if err != nil {
		s.writeError(w, r, apperr.Validation("read webhook body: %v", err))
		return
	}
	if err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	s.respondPayment(w, r, http.StatusOK)(s.payments.Verify(r.Context(), pathVar(r, "session_id")))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.actor(w, r)
	if !ok {
		return
	}
	p, err := s.payments.Get(r.Context(), pathVar(r, "id"))
	if err == nil && p.UserID != uid {
		err = apperr.Authorization("payment %s is not yours", p.ID)
	}
	s.respondPayment(w, r, http.StatusOK)(p, err)
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	if uid, ok := s.actor(w, r); ok {
		s.respondPayment(w, r, http.StatusOK)(s.payments.CancelCheckout(r.Context(), pathVar(r, "id"), uid))
	}
}

func (s *Server) respondPayment(w http.ResponseWriter, r *http.Request, status int) func(models.Payment, error) {
	return func(p models.Payment, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, p)
	}
}

func (s *Server) handleSuggestPrice(w http.ResponseWriter, r *http.Request) {
	from, err := queryCoord(r, "from_lat", "from_lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := queryCoord(r, "to_lat", "to_lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	seats := 1
	if raw := r.URL.Query().Get("seats"); raw != "" {
		if seats, err = strconv.Atoi(raw); err != nil {
			s.writeError(w, r, apperr.Validation("seats must be an integer"))
			return
		}
	}
	sug, err := s.pricing.Suggest(r.Context(), from, to, pricing.ParseFuel(r.URL.Query().Get("fuel_type")), seats)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}
