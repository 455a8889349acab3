package trip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/subscription"
)

// Pricer suggests a per-seat price when a driver leaves the price at zero.
type Pricer interface {
	SeatPrice(ctx context.Context, from, to models.Coord, fuel string, seats int) (float64, error)
}

// EventPublisher receives trip domain events; failures are only logged.
type EventPublisher interface {
	PublishTrip(ctx context.Context, e ingest.TripEvent) error
}

// Deps wires a Manager. Only Store is required.
type Deps struct {
	Store    storage.Store
	Clock    clock.Clock
	Notifier dispatch.Notifier
	Events   EventPublisher
	Index    geo.Index
	Pricer   Pricer
	Routes   routing.Provider
	Logger   *slog.Logger
}

// Manager owns the Trip state machine and its seat accounting.
type Manager struct {
	store    storage.Store
	clock    clock.Clock
	notify   dispatch.Notifier
	events   EventPublisher
	index    geo.Index
	pricer   Pricer
	routes   routing.Provider
	log      *slog.Logger
	validate *validator.Validate
}

func NewManager(d Deps) *Manager {
	m := &Manager{
		store:    d.Store,
		clock:    d.Clock,
		notify:   d.Notifier,
		events:   d.Events,
		index:    d.Index,
		pricer:   d.Pricer,
		routes:   d.Routes,
		log:      logging.OrDefault(d.Logger),
		validate: validator.New(),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.notify == nil {
		m.notify = dispatch.Nop{}
	}
	return m
}

// CreateInput is what a driver submits to offer a trip.
type CreateInput struct {
	DriverID    string       `json:"-" validate:"required"`
	Start       models.Coord `json:"start"`
	End         models.Coord `json:"end"`
	StartTime   time.Time    `json:"start_time" validate:"required"`
	Capacity    int          `json:"capacity" validate:"gte=1,lte=8"`
	Price       float64      `json:"price" validate:"gte=0"`
	Description string       `json:"description" validate:"max=500"`
	FuelType    string       `json:"fuel_type" validate:"omitempty,oneof=essence diesel"`
}

func (m *Manager) validateRoute(start, end models.Coord) error {
	if !start.Valid() || !end.Valid() {
		return apperr.Validation("start and end must be valid coordinates")
	}
	return nil
}

// CreateTrip checks the driver's credits, inserts the trip and consumes one
// credit in a single transaction. Price suggestion happens before it opens.
func (m *Manager) CreateTrip(ctx context.Context, in CreateInput) (models.Trip, error) {
	if err := m.validate.Struct(in); err != nil {
		return models.Trip{}, apperr.FromValidator(err)
	}
	if err := m.validateRoute(in.Start, in.End); err != nil {
		return models.Trip{}, err
	}
	if !in.StartTime.After(m.clock.Now()) {
		return models.Trip{}, apperr.Validation("start time must be in the future")
	}
	if in.Price == 0 && m.pricer != nil {
		price, err := m.pricer.SeatPrice(ctx, in.Start, in.End, in.FuelType, in.Capacity)
		if err != nil {
			m.log.Warn("price suggestion failed", "driver_id", in.DriverID, "error", err)
		} else {
			in.Price = price
		}
	}

	now := m.clock.Now()
	t := models.Trip{
		ID:             uuid.NewString(),
		DriverID:       in.DriverID,
		PassengerIDs:   []string{},
		Start:          in.Start,
		End:            in.End,
		StartTime:      in.StartTime.UTC(),
		Description:    in.Description,
		Capacity:       in.Capacity,
		AvailableSeats: in.Capacity,
		Price:          in.Price,
		Status:         models.TripOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var sub models.Subscription
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := subscription.CheckCapacity(ctx, tx, in.DriverID, now); err != nil {
			return err
		}
		if err := tx.InsertTrip(ctx, t); err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}
		var err error
		sub, err = subscription.ConsumeCredit(ctx, tx, in.DriverID, now)
		return err
	})
	if err != nil {
		return models.Trip{}, err
	}

	observability.TripsCreated.Inc()
	m.log.Info("trip created", "trip_id", t.ID, "user_id", t.DriverID, "subscription_id", sub.ID, "trips_used", sub.TripsUsed)
	m.indexUpsert(ctx, t)
	m.publish(ctx, ingest.TripCreated, t, "")
	return t, nil
}

// UpdateInput replaces a trip's editable fields.
type UpdateInput struct {
	Start       models.Coord `json:"start"`
	End         models.Coord `json:"end"`
	StartTime   time.Time    `json:"start_time" validate:"required"`
	Price       float64      `json:"price" validate:"gte=0"`
	Description string       `json:"description" validate:"max=500"`
}

// UpdateTrip is a full replace of route, time, price and description. It
// never touches status or seats.
func (m *Manager) UpdateTrip(ctx context.Context, tripID, actorID string, in UpdateInput) (models.Trip, error) {
	if err := m.validate.Struct(in); err != nil {
		return models.Trip{}, apperr.FromValidator(err)
	}
	if err := m.validateRoute(in.Start, in.End); err != nil {
		return models.Trip{}, err
	}
	if !in.StartTime.After(m.clock.Now()) {
		return models.Trip{}, apperr.Validation("start time must be in the future")
	}
	t, err := m.mutate(ctx, tripID, func(tx storage.Tx, t *models.Trip) error {
		if err := requireDriver(*t, actorID); err != nil {
			return err
		}
		if t.Status.Terminal() {
			return apperr.InvalidState("trip %s is %s", t.ID, t.Status)
		}
		t.Start, t.End = in.Start, in.End
		t.StartTime = in.StartTime.UTC()
		t.Price = in.Price
		t.Description = in.Description
		t.UpdatedAt = m.clock.Now()
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	m.indexUpsert(ctx, t)
	return t, nil
}

// SetStatus moves a trip to a new status given as a string. CANCELED runs
// the full cancellation cascade.
func (m *Manager) SetStatus(ctx context.Context, tripID, actorID, status string) (models.Trip, error) {
	to, err := models.ParseTripStatus(status)
	if err != nil {
		return models.Trip{}, err
	}
	return m.transition(ctx, tripID, actorID, to)
}

// StartNavigation moves the trip to ACTIVE.
func (m *Manager) StartNavigation(ctx context.Context, tripID, actorID string) (models.Trip, error) {
	return m.transition(ctx, tripID, actorID, models.TripActive)
}

// EndNavigation completes the trip and asks passengers for a rating.
func (m *Manager) EndNavigation(ctx context.Context, tripID, actorID string) (models.Trip, error) {
	return m.transition(ctx, tripID, actorID, models.TripCompleted)
}

func (m *Manager) transition(ctx context.Context, tripID, actorID string, to models.TripStatus) (models.Trip, error) {
	if to == models.TripCanceled {
		return m.CancelTrip(ctx, tripID, actorID)
	}
	var from models.TripStatus
	t, err := m.mutate(ctx, tripID, func(tx storage.Tx, t *models.Trip) error {
		if err := requireDriver(*t, actorID); err != nil {
			return err
		}
		from = t.Status
		return t.Transition(to, m.clock.Now())
	})
	if err != nil {
		return models.Trip{}, err
	}
	if from == to {
		return t, nil
	}
	observability.TripTransitions.WithLabelValues(string(to)).Inc()
	m.log.Info("trip status changed", "trip_id", t.ID, "from", string(from), "to", string(to))
	if from == models.TripOpen {
		m.indexRemove(ctx, t.ID)
	}
	if to == models.TripCompleted {
		m.publish(ctx, ingest.TripCompleted, t, "")
		for _, p := range t.PassengerIDs {
			m.notify.Notify(ctx, dispatch.Notification{
				UserID: p, Type: dispatch.RatingRequest,
				Title: "How was your trip?", Body: "Rate your driver",
				Payload: map[string]any{"trip_id": t.ID, "driver_id": t.DriverID},
			})
		}
	} else {
		m.publish(ctx, ingest.TripStatusChanged, t, "")
	}
	return t, nil
}

// CancelTrip is the driver-initiated cancellation.
func (m *Manager) CancelTrip(ctx context.Context, tripID, actorID string) (models.Trip, error) {
	res, err := m.cancel(ctx, tripID, func(t models.Trip) (bool, error) {
		if err := requireDriver(t, actorID); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	return res.Trip, nil
}

// CancelOverdue cancels an OPEN trip whose start time is before cutoff,
// with the same cascade as a driver cancellation. It reports false when the
// trip changed in the meantime and was left alone.
func (m *Manager) CancelOverdue(ctx context.Context, tripID string, cutoff time.Time) (bool, error) {
	res, err := m.cancel(ctx, tripID, func(t models.Trip) (bool, error) {
		return t.Status == models.TripOpen && t.StartTime.Before(cutoff), nil
	})
	if err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

type cancelResult struct {
	Trip      models.Trip
	Cancelled bool
	Notify    []string
}

// cancel runs the cascade inside one transaction: open requests become
// CANCELLED, the passenger list is cleared (seats return after the list
// shrinks) and the trip moves to CANCELED.
func (m *Manager) cancel(ctx context.Context, tripID string, admit func(models.Trip) (bool, error)) (cancelResult, error) {
	var res cancelResult
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		res = cancelResult{Trip: t}
		ok, err := admit(t)
		if err != nil || !ok {
			return err
		}
		if t.Status == models.TripCanceled {
			return nil
		}
		now := m.clock.Now()
		if err := t.Transition(models.TripCanceled, now); err != nil {
			return err
		}
		reqs, err := tx.ListRequests(ctx, storage.RequestFilter{
			TripID:   t.ID,
			Statuses: []models.RequestStatus{models.RequestPending, models.RequestAccepted},
		})
		if err != nil {
			return err
		}
		notify := map[string]bool{}
		for _, r := range reqs {
			if err := r.Transition(models.RequestCancelled, now); err != nil {
				return err
			}
			if err := tx.UpdateRequest(ctx, r); err != nil {
				return err
			}
			notify[r.PassengerID] = true
		}
		for _, p := range t.ClearPassengers() {
			notify[p] = true
		}
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return err
		}
		res.Trip, res.Cancelled = t, true
		for p := range notify {
			res.Notify = append(res.Notify, p)
		}
		return nil
	})
	if err != nil {
		return cancelResult{}, err
	}
	if !res.Cancelled {
		return res, nil
	}

	t := res.Trip
	observability.TripTransitions.WithLabelValues(string(models.TripCanceled)).Inc()
	m.log.Info("trip cancelled", "trip_id", t.ID, "notified", len(res.Notify))
	m.indexRemove(ctx, t.ID)
	m.publish(ctx, ingest.TripCancelled, t, "")
	payload := map[string]any{"trip_id": t.ID, "start_time": t.StartTime}
	for _, uid := range append(res.Notify, t.DriverID) {
		m.notify.Notify(ctx, dispatch.Notification{
			UserID: uid, Type: dispatch.TripCancelled,
			Title: "Trip cancelled", Body: "A trip you are part of was cancelled",
			Payload: payload,
		})
	}
	return res, nil
}

// NavUpdate is one live position report.
type NavUpdate struct {
	Lat      float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon      float64 `json:"lon" validate:"gte=-180,lte=180"`
	SpeedKmh float64 `json:"speed_kmh" validate:"gte=0"`
	Bearing  float64 `json:"bearing" validate:"gte=0,lte=360"`
	Accuracy float64 `json:"accuracy" validate:"gte=0"`
}

// UpdateDriverLocation overwrites the live navigation of an ACTIVE trip.
// Only the trip's driver may report its position.
func (m *Manager) UpdateDriverLocation(ctx context.Context, tripID, actorID string, u NavUpdate) (models.Trip, error) {
	if err := m.validate.Struct(u); err != nil {
		return models.Trip{}, apperr.FromValidator(err)
	}
	return m.mutate(ctx, tripID, func(tx storage.Tx, t *models.Trip) error {
		if err := requireDriver(*t, actorID); err != nil {
			return err
		}
		if t.Status != models.TripActive {
			return apperr.InvalidState("trip %s is %s, not ACTIVE", t.ID, t.Status)
		}
		now := m.clock.Now()
		t.Navigation = &models.Navigation{
			Position:  models.Coord{Lat: u.Lat, Lon: u.Lon},
			SpeedKmh:  u.SpeedKmh,
			Bearing:   u.Bearing,
			Accuracy:  u.Accuracy,
			UpdatedAt: now,
		}
		t.UpdatedAt = now
		return nil
	})
}

func (m *Manager) GetDriverLocation(ctx context.Context, tripID string) (models.Navigation, error) {
	t, err := m.Get(ctx, tripID)
	if err != nil {
		return models.Navigation{}, err
	}
	if t.Navigation == nil {
		return models.Navigation{}, apperr.NotFound("trip %s has no live location", tripID)
	}
	return *t.Navigation, nil
}

// ListActive returns trips that currently report a live position.
func (m *Manager) ListActive(ctx context.Context) ([]models.Trip, error) {
	return m.list(ctx, storage.TripFilter{Statuses: []models.TripStatus{models.TripActive}, WithNavigation: true})
}

// RemovePassenger is the driver removing someone from the trip.
func (m *Manager) RemovePassenger(ctx context.Context, tripID, actorID, passengerID string) (models.Trip, error) {
	t, err := m.release(ctx, tripID, passengerID, func(t models.Trip) error { return requireDriver(t, actorID) })
	if err != nil {
		return models.Trip{}, err
	}
	m.notify.Notify(ctx, dispatch.Notification{
		UserID: passengerID, Type: dispatch.TripCancelled,
		Title: "Removed from trip", Body: "The driver removed you from the trip",
		Payload: map[string]any{"trip_id": t.ID},
	})
	return t, nil
}

// LeaveTrip is the passenger giving up their seat.
func (m *Manager) LeaveTrip(ctx context.Context, tripID, passengerID string) (models.Trip, error) {
	t, err := m.release(ctx, tripID, passengerID, nil)
	if err != nil {
		return models.Trip{}, err
	}
	m.notify.Notify(ctx, dispatch.Notification{
		UserID: t.DriverID, Type: dispatch.PassengerLeft,
		Title: "Passenger left", Body: "A passenger left your trip",
		Payload: map[string]any{"trip_id": t.ID, "passenger_id": passengerID},
	})
	return t, nil
}

// release frees the passenger's seat and cancels their accepted request in
// the same transaction.
func (m *Manager) release(ctx context.Context, tripID, passengerID string, authorize func(models.Trip) error) (models.Trip, error) {
	t, err := m.mutate(ctx, tripID, func(tx storage.Tx, t *models.Trip) error {
		if authorize != nil {
			if err := authorize(*t); err != nil {
				return err
			}
		}
		if t.Status.Terminal() {
			return apperr.InvalidState("trip %s is %s", t.ID, t.Status)
		}
		if err := t.ReleaseSeat(passengerID); err != nil {
			return err
		}
		now := m.clock.Now()
		t.UpdatedAt = now
		reqs, err := tx.ListRequests(ctx, storage.RequestFilter{
			TripID: t.ID, PassengerID: passengerID,
			Statuses: []models.RequestStatus{models.RequestAccepted},
		})
		if err != nil {
			return err
		}
		for _, r := range reqs {
			if err := r.Transition(models.RequestCancelled, now); err != nil {
				return err
			}
			if err := tx.UpdateRequest(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	m.log.Info("passenger released", "trip_id", t.ID, "user_id", passengerID, "available_seats", t.AvailableSeats)
	m.publish(ctx, ingest.SeatReleased, t, passengerID)
	return t, nil
}

// SetArchived flips the soft-delete flag; status is untouched.
func (m *Manager) SetArchived(ctx context.Context, tripID, actorID string, archived bool) (models.Trip, error) {
	t, err := m.mutate(ctx, tripID, func(tx storage.Tx, t *models.Trip) error {
		if err := requireDriver(*t, actorID); err != nil {
			return err
		}
		t.Archived = archived
		t.UpdatedAt = m.clock.Now()
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	if archived {
		m.indexRemove(ctx, t.ID)
	} else {
		m.indexUpsert(ctx, t)
	}
	return t, nil
}

func (m *Manager) Get(ctx context.Context, tripID string) (models.Trip, error) {
	var t models.Trip
	err := m.store.View(ctx, func(tx storage.Tx) (err error) {
		t, err = tx.GetTrip(ctx, tripID)
		return err
	})
	return t, err
}

func (m *Manager) ListByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	return m.list(ctx, storage.TripFilter{DriverID: driverID})
}

func (m *Manager) ListByPassenger(ctx context.Context, passengerID string) ([]models.Trip, error) {
	return m.list(ctx, storage.TripFilter{PassengerID: passengerID})
}

func (m *Manager) ListOpen(ctx context.Context) ([]models.Trip, error) {
	return m.list(ctx, storage.TripFilter{Statuses: []models.TripStatus{models.TripOpen}})
}

// Passengers returns the trip's passengers; unknown users come back with
// only their id set.
func (m *Manager) Passengers(ctx context.Context, tripID string) ([]models.User, error) {
	var out []models.User
	err := m.store.View(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		out = make([]models.User, 0, len(t.PassengerIDs))
		for _, id := range t.PassengerIDs {
			u, err := tx.GetUser(ctx, id)
			if apperr.Is(err, apperr.KindNotFound) {
				u = models.User{ID: id}
			} else if err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

// Route fetches the driving route. The upstream call runs outside any
// transaction and has no fallback.
func (m *Manager) Route(ctx context.Context, tripID string) (routing.Route, error) {
	t, err := m.Get(ctx, tripID)
	if err != nil {
		return routing.Route{}, err
	}
	if m.routes == nil {
		return routing.Route{}, apperr.Upstream("routing provider not configured", nil)
	}
	return m.routes.Route(ctx, t.Start, t.End)
}

func (m *Manager) list(ctx context.Context, f storage.TripFilter) ([]models.Trip, error) {
	var out []models.Trip
	err := m.store.View(ctx, func(tx storage.Tx) (err error) {
		out, err = tx.ListTrips(ctx, f)
		return err
	})
	return out, err
}

// mutate loads (and locks) a trip, applies fn and saves it.
func (m *Manager) mutate(ctx context.Context, tripID string, fn func(tx storage.Tx, t *models.Trip) error) (models.Trip, error) {
	var out models.Trip
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if err := fn(tx, &t); err != nil {
			return err
		}
		if err := t.CheckSeats(); err != nil {
			return err
		}
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func requireDriver(t models.Trip, actorID string) error {
	if actorID != t.DriverID {
		return apperr.Authorization("user %s is not the driver of trip %s", actorID, t.ID)
	}
	return nil
}

func (m *Manager) indexUpsert(ctx context.Context, t models.Trip) {
	if m.index == nil {
		return
	}
	if t.Status != models.TripOpen || t.Archived {
		m.indexRemove(ctx, t.ID)
		return
	}
	if err := m.index.Upsert(ctx, t.ID, t.Start); err != nil {
		m.log.Warn("geo index upsert failed", "trip_id", t.ID, "error", err)
	}
}

func (m *Manager) indexRemove(ctx context.Context, tripID string) {
	if m.index == nil {
		return
	}
	if err := m.index.Remove(ctx, tripID); err != nil {
		m.log.Warn("geo index remove failed", "trip_id", tripID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, kind ingest.EventKind, t models.Trip, passengerID string) {
	if m.events == nil {
		return
	}
	e := ingest.TripEvent{
		Kind: kind, TripID: t.ID, DriverID: t.DriverID, PassengerID: passengerID,
		Status: t.Status, AvailableSeats: t.AvailableSeats, At: m.clock.Now(),
	}
	if err := m.events.PublishTrip(ctx, e); err != nil {
		m.log.Warn("trip event publish failed", "trip_id", t.ID, "event", string(kind), "error", err)
	}
}
