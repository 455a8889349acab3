package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
)

var errReadOnly = errors.New("storage: write inside read-only transaction")

type table[T any] struct {
	rows  map[string]T
	clone func(T) T
}

func newTable[T any](clone func(T) T) *table[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &table[T]{rows: make(map[string]T), clone: clone}
}

func (t *table[T]) get(id string) (T, bool) {
	v, ok := t.rows[id]
	if ok {
		v = t.clone(v)
	}
	return v, ok
}

func (t *table[T]) scan(keep func(T) bool) []T {
	out := make([]T, 0)
	for _, v := range t.rows {
		if keep == nil || keep(v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

// MemoryStore keeps every record in process. Update holds the write lock for
// the whole unit of work and undoes its writes if fn fails.
type MemoryStore struct {
	mu            sync.RWMutex
	trips         *table[models.Trip]
	requests      *table[models.RideRequest]
	subscriptions *table[models.Subscription]
	plans         *table[models.SubscriptionPlan]
	users         *table[models.User]
	payments      *table[models.Payment]
	ratings       *table[models.Rating]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:         newTable(models.Trip.Clone),
		requests:      newTable[models.RideRequest](nil),
		subscriptions: newTable(models.Subscription.Clone),
		plans:         newTable(models.SubscriptionPlan.Clone),
		users:         newTable[models.User](nil),
		payments:      newTable[models.Payment](nil),
		ratings:       newTable[models.Rating](nil),
	}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, writable: true}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{m: m})
}

func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	m        *MemoryStore
	writable bool
	undo     []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func put[T any](tx *memTx, t *table[T], id string, v T) error {
	if !tx.writable {
		return errReadOnly
	}
	prev, existed := t.rows[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			t.rows[id] = prev
		} else {
			delete(t.rows, id)
		}
	})
	t.rows[id] = t.clone(v)
	return nil
}

// trips

func (tx *memTx) GetTrip(_ context.Context, id string) (models.Trip, error) {
	t, ok := tx.m.trips.get(id)
	if !ok {
		return models.Trip{}, apperr.NotFound("trip %s not found", id)
	}
	return t, nil
}

func (tx *memTx) InsertTrip(_ context.Context, t models.Trip) error {
	if _, ok := tx.m.trips.rows[t.ID]; ok {
		return apperr.Conflict("trip %s already exists", t.ID)
	}
	return put(tx, tx.m.trips, t.ID, t)
}

func (tx *memTx) UpdateTrip(_ context.Context, t models.Trip) error {
	if _, ok := tx.m.trips.rows[t.ID]; !ok {
		return apperr.NotFound("trip %s not found", t.ID)
	}
	return put(tx, tx.m.trips, t.ID, t)
}

func (tx *memTx) ListTrips(_ context.Context, f TripFilter) ([]models.Trip, error) {
	out := tx.m.trips.scan(f.match)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) CancelOpenTripsBefore(ctx context.Context, cutoff, now time.Time) (int, error) {
	overdue, _ := tx.ListTrips(ctx, TripFilter{
		Statuses:        []models.TripStatus{models.TripOpen},
		StartBefore:     cutoff,
		IncludeArchived: true,
	})
	for _, t := range overdue {
		t.Status = models.TripCanceled
		t.Navigation = nil
		t.UpdatedAt = now
		if err := put(tx, tx.m.trips, t.ID, t); err != nil {
			return 0, err
		}
	}
	return len(overdue), nil
}

// ride requests

func (tx *memTx) GetRequest(_ context.Context, id string) (models.RideRequest, error) {
	r, ok := tx.m.requests.get(id)
	if !ok {
		return models.RideRequest{}, apperr.NotFound("ride request %s not found", id)
	}
	return r, nil
}

func (tx *memTx) InsertRequest(_ context.Context, r models.RideRequest) error {
	for _, existing := range tx.m.requests.rows {
		if existing.TripID == r.TripID && existing.PassengerID == r.PassengerID && existing.Status.Open() {
			return apperr.Conflict("passenger %s already has an open request on trip %s", r.PassengerID, r.TripID)
		}
	}
	return put(tx, tx.m.requests, r.ID, r)
}

func (tx *memTx) UpdateRequest(_ context.Context, r models.RideRequest) error {
	if _, ok := tx.m.requests.rows[r.ID]; !ok {
		return apperr.NotFound("ride request %s not found", r.ID)
	}
	return put(tx, tx.m.requests, r.ID, r)
}

func (tx *memTx) ListRequests(_ context.Context, f RequestFilter) ([]models.RideRequest, error) {
	out := tx.m.requests.scan(func(r models.RideRequest) bool {
		if f.TripID != "" && r.TripID != f.TripID {
			return false
		}
		if f.PassengerID != "" && r.PassengerID != f.PassengerID {
			return false
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
			return false
		}
		if f.DriverID != "" {
			t, ok := tx.m.trips.rows[r.TripID]
			if !ok || t.DriverID != f.DriverID {
				return false
			}
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// subscriptions

func (tx *memTx) GetSubscription(_ context.Context, id string) (models.Subscription, error) {
	s, ok := tx.m.subscriptions.get(id)
	if !ok {
		return models.Subscription{}, apperr.NotFound("subscription %s not found", id)
	}
	return s, nil
}

func (tx *memTx) ActiveSubscription(_ context.Context, userID string, now time.Time) (models.Subscription, error) {
	found := tx.m.subscriptions.scan(func(s models.Subscription) bool {
		return s.UserID == userID && s.IsValid(now)
	})
	if len(found) == 0 {
		return models.Subscription{}, apperr.NotFound("no active subscription for user %s", userID)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].EndDate.After(found[j].EndDate) })
	return found[0], nil
}

// activeFlagged mirrors the partial unique index on (user_id) where active
// and not archived.
func (tx *memTx) activeFlagged(userID, exceptID string) bool {
	for id, s := range tx.m.subscriptions.rows {
		if id != exceptID && s.UserID == userID && s.Active && !s.Archived {
			return true
		}
	}
	return false
}

func (tx *memTx) InsertSubscription(_ context.Context, s models.Subscription) error {
	if s.Active && !s.Archived && tx.activeFlagged(s.UserID, s.ID) {
		return apperr.Conflict("user %s already has an active subscription", s.UserID)
	}
	return put(tx, tx.m.subscriptions, s.ID, s)
}

func (tx *memTx) UpdateSubscription(_ context.Context, s models.Subscription) error {
	if _, ok := tx.m.subscriptions.rows[s.ID]; !ok {
		return apperr.NotFound("subscription %s not found", s.ID)
	}
	if s.Active && !s.Archived && tx.activeFlagged(s.UserID, s.ID) {
		return apperr.Conflict("user %s already has an active subscription", s.UserID)
	}
	return put(tx, tx.m.subscriptions, s.ID, s)
}

func (tx *memTx) ListSubscriptions(_ context.Context, userID string) ([]models.Subscription, error) {
	out := tx.m.subscriptions.scan(func(s models.Subscription) bool { return s.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) DeactivateLapsedSubscriptions(_ context.Context, now time.Time) (int, error) {
	lapsed := tx.m.subscriptions.scan(func(s models.Subscription) bool { return s.Lapsed(now) })
	for _, s := range lapsed {
		s.Active = false
		s.UpdatedAt = now
		if err := put(tx, tx.m.subscriptions, s.ID, s); err != nil {
			return 0, err
		}
	}
	return len(lapsed), nil
}

// plans

func (tx *memTx) GetPlan(_ context.Context, id string) (models.SubscriptionPlan, error) {
	p, ok := tx.m.plans.get(id)
	if !ok {
		return models.SubscriptionPlan{}, apperr.NotFound("plan %s not found", id)
	}
	return p, nil
}

func (tx *memTx) GetPlanByName(_ context.Context, name string) (models.SubscriptionPlan, error) {
	found := tx.m.plans.scan(func(p models.SubscriptionPlan) bool { return strings.EqualFold(p.Name, name) })
	if len(found) == 0 {
		return models.SubscriptionPlan{}, apperr.NotFound("plan %q not found", name)
	}
	return found[0], nil
}

func (tx *memTx) planNameTaken(name, exceptID string) bool {
	for id, p := range tx.m.plans.rows {
		if id != exceptID && strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

func (tx *memTx) InsertPlan(_ context.Context, p models.SubscriptionPlan) error {
	if tx.planNameTaken(p.Name, p.ID) {
		return apperr.Conflict("plan %q already exists", p.Name)
	}
	return put(tx, tx.m.plans, p.ID, p)
}

func (tx *memTx) UpdatePlan(_ context.Context, p models.SubscriptionPlan) error {
	if _, ok := tx.m.plans.rows[p.ID]; !ok {
		return apperr.NotFound("plan %s not found", p.ID)
	}
	if tx.planNameTaken(p.Name, p.ID) {
		return apperr.Conflict("plan %q already exists", p.Name)
	}
	return put(tx, tx.m.plans, p.ID, p)
}

func (tx *memTx) ListPlans(_ context.Context, includeArchived bool) ([]models.SubscriptionPlan, error) {
	out := tx.m.plans.scan(func(p models.SubscriptionPlan) bool { return includeArchived || !p.Archived })
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// users

func (tx *memTx) GetUser(_ context.Context, id string) (models.User, error) {
	u, ok := tx.m.users.get(id)
	if !ok {
		return models.User{}, apperr.NotFound("user %s not found", id)
	}
	return u, nil
}

func (tx *memTx) UpsertUser(_ context.Context, u models.User) error {
	return put(tx, tx.m.users, u.ID, u)
}

// payments

func (tx *memTx) GetPayment(_ context.Context, id string) (models.Payment, error) {
	p, ok := tx.m.payments.get(id)
	if !ok {
		return models.Payment{}, apperr.NotFound("payment %s not found", id)
	}
	return p, nil
}

func (tx *memTx) GetPaymentBySession(_ context.Context, sessionID string) (models.Payment, error) {
	found := tx.m.payments.scan(func(p models.Payment) bool { return p.SessionID == sessionID })
	if len(found) == 0 {
		return models.Payment{}, apperr.NotFound("payment for session %s not found", sessionID)
	}
	return found[0], nil
}

func (tx *memTx) InsertPayment(_ context.Context, p models.Payment) error {
	for _, existing := range tx.m.payments.rows {
		if p.SessionID != "" && existing.SessionID == p.SessionID {
			return apperr.Conflict("payment for session %s already exists", p.SessionID)
		}
	}
	return put(tx, tx.m.payments, p.ID, p)
}

func (tx *memTx) UpdatePayment(_ context.Context, p models.Payment) error {
	if _, ok := tx.m.payments.rows[p.ID]; !ok {
		return apperr.NotFound("payment %s not found", p.ID)
	}
	return put(tx, tx.m.payments, p.ID, p)
}

func (tx *memTx) ExpirePendingPayments(_ context.Context, now time.Time) (int, error) {
	stale := tx.m.payments.scan(func(p models.Payment) bool {
		return p.Status == models.PaymentPending && p.ExpiresAt.Before(now)
	})
	for _, p := range stale {
		p.Status = models.PaymentExpired
		if err := put(tx, tx.m.payments, p.ID, p); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// ratings

func (tx *memTx) InsertRating(_ context.Context, r models.Rating) error {
	for _, existing := range tx.m.ratings.rows {
		if existing.TripID == r.TripID && existing.PassengerID == r.PassengerID {
			return apperr.Conflict("passenger %s already rated trip %s", r.PassengerID, r.TripID)
		}
	}
	return put(tx, tx.m.ratings, r.ID, r)
}

func (tx *memTx) ListRatings(_ context.Context, tripID string) ([]models.Rating, error) {
	out := tx.m.ratings.scan(func(r models.Rating) bool { return r.TripID == tripID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
