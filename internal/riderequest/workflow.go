package riderequest

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/trip"
)

const maxCommentLen = 500

// Workflow moves ride requests between PENDING and their terminal states
// and keeps the trip's seat counter in step.
type Workflow struct {
	store  storage.Store
	clock  clock.Clock
	notify dispatch.Notifier
	events trip.EventPublisher
	log    *slog.Logger
}

func NewWorkflow(store storage.Store, clk clock.Clock, notifier dispatch.Notifier, events trip.EventPublisher, logger *slog.Logger) *Workflow {
	if clk == nil {
		clk = clock.Real()
	}
	if notifier == nil {
		notifier = dispatch.Nop{}
	}
	return &Workflow{store: store, clock: clk, notify: notifier, events: events, log: logging.OrDefault(logger)}
}

// Create files a PENDING request. Seats are not checked here; a full trip
// can still be requested and the driver decides later.
func (w *Workflow) Create(ctx context.Context, tripID, passengerID, comment string) (models.RideRequest, error) {
	comment = strings.TrimSpace(comment)
	if passengerID == "" {
		return models.RideRequest{}, apperr.Validation("passenger id is required")
	}
	if len(comment) > maxCommentLen {
		return models.RideRequest{}, apperr.Validation("comment longer than %d characters", maxCommentLen)
	}
	now := w.clock.Now()
	req := models.RideRequest{
		ID:          uuid.NewString(),
		TripID:      tripID,
		PassengerID: passengerID,
		Status:      models.RequestPending,
		Comment:     comment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var t models.Trip
	err := w.store.Update(ctx, func(tx storage.Tx) (err error) {
		t, err = tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if t.DriverID == passengerID {
			return apperr.Validation("driver cannot request a seat on their own trip")
		}
		if t.Status.Terminal() {
			return apperr.InvalidState("trip %s is %s", t.ID, t.Status)
		}
		if t.HasPassenger(passengerID) {
			return apperr.Conflict("passenger %s already on trip %s", passengerID, t.ID)
		}
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		return models.RideRequest{}, err
	}

	observability.RideRequests.WithLabelValues("created").Inc()
	w.log.Info("ride request created", "request_id", req.ID, "trip_id", tripID, "user_id", passengerID)
	w.notify.Notify(ctx, dispatch.Notification{
		UserID: t.DriverID, Type: dispatch.RequestReceived,
		Title: "New ride request", Body: "A passenger wants to join your trip",
		Payload: map[string]any{"trip_id": t.ID, "request_id": req.ID, "passenger_id": passengerID},
	})
	return req, nil
}

// Accept books the seat and marks the request ACCEPTED in one transaction.
// The seat counter drops before the request status changes.
func (w *Workflow) Accept(ctx context.Context, requestID, actorID string) (models.RideRequest, error) {
	var (
		req models.RideRequest
		t   models.Trip
	)
	err := w.store.Update(ctx, func(tx storage.Tx) (err error) {
		req, t, err = w.load(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		if !req.Status.CanTransitionTo(models.RequestAccepted) {
			return apperr.InvalidState("ride request %s is %s", req.ID, req.Status)
		}
		if err := t.ReserveSeat(req.PassengerID); err != nil {
			return err
		}
		now := w.clock.Now()
		t.UpdatedAt = now
		if err := t.CheckSeats(); err != nil {
			return err
		}
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return err
		}
		if err := req.Transition(models.RequestAccepted, now); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindCapacity) {
			observability.CapacityRejected.Inc()
		}
		return models.RideRequest{}, err
	}

	observability.RideRequests.WithLabelValues("accepted").Inc()
	w.log.Info("ride request accepted", "request_id", req.ID, "trip_id", t.ID, "available_seats", t.AvailableSeats)
	w.publish(ctx, ingest.SeatBooked, t, req.PassengerID)
	w.notify.Notify(ctx, dispatch.Notification{
		UserID: req.PassengerID, Type: dispatch.BookingConfirmed,
		Title: "Booking confirmed", Body: "Your seat is confirmed",
		Payload: map[string]any{"trip_id": t.ID, "request_id": req.ID, "start_time": t.StartTime},
	})
	return req, nil
}

// Reject closes a PENDING request. A second reject fails with InvalidState
// and never touches seats.
func (w *Workflow) Reject(ctx context.Context, requestID, actorID string) (models.RideRequest, error) {
	var req models.RideRequest
	err := w.store.Update(ctx, func(tx storage.Tx) (err error) {
		req, _, err = w.load(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		if err := req.Transition(models.RequestRejected, w.clock.Now()); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return models.RideRequest{}, err
	}
	observability.RideRequests.WithLabelValues("rejected").Inc()
	w.notify.Notify(ctx, dispatch.Notification{
		UserID: req.PassengerID, Type: dispatch.RequestRejected,
		Title: "Request declined", Body: "The driver declined your request",
		Payload: map[string]any{"trip_id": req.TripID, "request_id": req.ID},
	})
	return req, nil
}

// Cancel is the passenger withdrawing. An ACCEPTED request gives its seat
// back in the same transaction.
func (w *Workflow) Cancel(ctx context.Context, requestID, passengerID string) (models.RideRequest, error) {
	var (
		req      models.RideRequest
		t        models.Trip
		released bool
	)
	err := w.store.Update(ctx, func(tx storage.Tx) (err error) {
		req, err = tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.PassengerID != passengerID {
			return apperr.Authorization("ride request %s does not belong to user %s", requestID, passengerID)
		}
		t, err = tx.GetTrip(ctx, req.TripID)
		if err != nil {
			return err
		}
		now := w.clock.Now()
		if req.Status == models.RequestAccepted {
			if t.Status.Terminal() {
				return apperr.InvalidState("trip %s is %s; accepted seat can no longer be cancelled", t.ID, t.Status)
			}
			if err := t.ReleaseSeat(passengerID); err != nil {
				return err
			}
			t.UpdatedAt = now
			if err := tx.UpdateTrip(ctx, t); err != nil {
				return err
			}
			released = true
		}
		if err := req.Transition(models.RequestCancelled, now); err != nil {
			return err
		}
		return tx.UpdateRequest(ctx, req)
	})
	if err != nil {
		return models.RideRequest{}, err
	}
	observability.RideRequests.WithLabelValues("cancelled").Inc()
	if released {
		w.publish(ctx, ingest.SeatReleased, t, passengerID)
		w.notify.Notify(ctx, dispatch.Notification{
			UserID: t.DriverID, Type: dispatch.PassengerLeft,
			Title: "Passenger left", Body: "A passenger cancelled their seat",
			Payload: map[string]any{"trip_id": t.ID, "passenger_id": passengerID},
		})
	}
	return req, nil
}

func (w *Workflow) Get(ctx context.Context, requestID string) (models.RideRequest, error) {
	var r models.RideRequest
	err := w.store.View(ctx, func(tx storage.Tx) (err error) {
		r, err = tx.GetRequest(ctx, requestID)
		return err
	})
	return r, err
}

// ForDriver lists requests on every trip the driver owns, newest first.
func (w *Workflow) ForDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	return w.list(ctx, storage.RequestFilter{DriverID: driverID})
}

func (w *Workflow) ForPassenger(ctx context.Context, passengerID string) ([]models.RideRequest, error) {
	return w.list(ctx, storage.RequestFilter{PassengerID: passengerID})
}

func (w *Workflow) ForTrip(ctx context.Context, tripID string) ([]models.RideRequest, error) {
	return w.list(ctx, storage.RequestFilter{TripID: tripID})
}

func (w *Workflow) list(ctx context.Context, f storage.RequestFilter) ([]models.RideRequest, error) {
	var out []models.RideRequest
	err := w.store.View(ctx, func(tx storage.Tx) (err error) {
		out, err = tx.ListRequests(ctx, f)
		return err
	})
	return out, err
}

// load fetches a request with its trip and checks the actor drives it.
func (w *Workflow) load(ctx context.Context, tx storage.Tx, requestID, actorID string) (models.RideRequest, models.Trip, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return models.RideRequest{}, models.Trip{}, err
	}
	t, err := tx.GetTrip(ctx, req.TripID)
	if err != nil {
		return models.RideRequest{}, models.Trip{}, err
	}
	if t.DriverID != actorID {
		return models.RideRequest{}, models.Trip{}, apperr.Authorization("user %s is not the driver of trip %s", actorID, t.ID)
	}
	return req, t, nil
}

func (w *Workflow) publish(ctx context.Context, kind ingest.EventKind, t models.Trip, passengerID string) {
	if w.events == nil {
		return
	}
	err := w.events.PublishTrip(ctx, ingest.TripEvent{
		Kind: kind, TripID: t.ID, DriverID: t.DriverID, PassengerID: passengerID,
		Status: t.Status, AvailableSeats: t.AvailableSeats, At: w.clock.Now(),
	})
	if err != nil {
		w.log.Warn("trip event publish failed", "trip_id", t.ID, "event", string(kind), "error", err)
	}
}
