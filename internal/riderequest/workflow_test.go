package riderequest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/subscription"
	"github.com/example/carpool/internal/trip"
)

var now = time.Date(2026, 6, 10, 7, 30, 0, 0, time.UTC)

type notes struct {
	mu  sync.Mutex
	got []dispatch.Notification
}

func (n *notes) Notify(_ context.Context, x dispatch.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

func (n *notes) count(userID string, typ dispatch.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.got {
		if x.UserID == userID && x.Type == typ {
			c++
		}
	}
	return c
}

type env struct {
	store  *storage.MemoryStore
	ledger *subscription.Ledger
	trips  *trip.Manager
	w      *Workflow
	notes  *notes
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(now)
	e := &env{store: storage.NewMemoryStore(), notes: &notes{}}
	e.ledger = subscription.NewLedger(e.store, clk, nil)
	_, err := e.ledger.SeedPlans(ctx)
	require.NoError(t, err)
	gold, err := e.ledger.PlanByName(ctx, "gold")
	require.NoError(t, err)
	_, err = e.ledger.Purchase(ctx, "driver", gold.ID)
	require.NoError(t, err)
	e.trips = trip.NewManager(trip.Deps{Store: e.store, Clock: clk, Notifier: e.notes})
	e.w = NewWorkflow(e.store, clk, e.notes, nil, nil)
	return e
}

func (e *env) trip(t *testing.T, seats int) models.Trip {
	t.Helper()
	tr, err := e.trips.CreateTrip(context.Background(), trip.CreateInput{
		DriverID:  "driver",
		Start:     models.Coord{Lat: 36.80, Lon: 10.18},
		End:       models.Coord{Lat: 36.40, Lon: 10.61},
		StartTime: now.Add(3 * time.Hour),
		Capacity:  seats,
		Price:     6,
	})
	require.NoError(t, err)
	return tr
}

func TestFullLifecycleWithGoldPlan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tr := e.trip(t, 3)
	sub, err := e.ledger.Active(ctx, "driver")
	require.NoError(t, err)
	require.Equal(t, 1, sub.TripsUsed)
	require.Equal(t, 30, *sub.TripLimit)
	require.Equal(t, 3, tr.AvailableSeats)

	req, err := e.w.Create(ctx, tr.ID, "p1", "two bags")
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, req.Status)
	require.Equal(t, 1, e.notes.count("driver", dispatch.RequestReceived))

	req, err = e.w.Accept(ctx, req.ID, "driver")
	require.NoError(t, err)
	require.Equal(t, models.RequestAccepted, req.Status)
	got, err := e.trips.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AvailableSeats)
	require.Equal(t, []string{"p1"}, got.PassengerIDs)
	require.Equal(t, 1, e.notes.count("p1", dispatch.BookingConfirmed))

	got, err = e.trips.CancelTrip(ctx, tr.ID, "driver")
	require.NoError(t, err)
	require.Equal(t, models.TripCanceled, got.Status)
	require.Empty(t, got.PassengerIDs)
	require.Equal(t, 3, got.AvailableSeats)

	req, err = e.w.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, req.Status)
}

func TestConcurrentAcceptsOnLastSeat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 1)
	r1, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
	r2, err := e.w.Create(ctx, tr.ID, "p2", "")
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{r1.ID, r2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = e.w.Accept(ctx, id, "driver")
		}(i, id)
	}
	wg.Wait()

	ok, capacity := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindCapacity):
			capacity++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, capacity)

	got, err := e.trips.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Zero(t, got.AvailableSeats)
	require.Len(t, got.PassengerIDs, 1)

	pending, err := e.w.ForTrip(ctx, tr.ID)
	require.NoError(t, err)
	statuses := map[models.RequestStatus]int{}
	for _, r := range pending {
		statuses[r.Status]++
	}
	require.Equal(t, map[models.RequestStatus]int{models.RequestAccepted: 1, models.RequestPending: 1}, statuses)
}

func TestRejectTwiceNeverTouchesSeats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 2)
	req, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)

	req, err = e.w.Reject(ctx, req.ID, "driver")
	require.NoError(t, err)
	require.Equal(t, models.RequestRejected, req.Status)

	_, err = e.w.Reject(ctx, req.ID, "driver")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
	_, err = e.w.Accept(ctx, req.ID, "driver")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))

	got, err := e.trips.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AvailableSeats)
	require.Equal(t, 1, e.notes.count("p1", dispatch.RequestRejected))
}

func TestAcceptThenRemoveRestoresSeats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 3)
	req, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
	_, err = e.w.Accept(ctx, req.ID, "driver")
	require.NoError(t, err)

	got, err := e.trips.RemovePassenger(ctx, tr.ID, "driver", "p1")
	require.NoError(t, err)
	require.Equal(t, 3, got.AvailableSeats)
	require.Empty(t, got.PassengerIDs)

	// The passenger may ask again once the old request is closed.
	_, err = e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
}

func TestCreateRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 1)

	_, err := e.w.Create(ctx, tr.ID, "driver", "")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = e.w.Create(ctx, "missing", "p1", "")
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
	_, err = e.w.Create(ctx, tr.ID, "p1", "")
	require.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = e.trips.CancelTrip(ctx, tr.ID, "driver")
	require.NoError(t, err)
	_, err = e.w.Create(ctx, tr.ID, "p2", "")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestFullTripStillAcceptsRequests(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 1)
	r1, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
	_, err = e.w.Accept(ctx, r1.ID, "driver")
	require.NoError(t, err)

	r2, err := e.w.Create(ctx, tr.ID, "p2", "")
	require.NoError(t, err)
	_, err = e.w.Accept(ctx, r2.ID, "driver")
	require.True(t, apperr.Is(err, apperr.KindCapacity))

	r2, err = e.w.Get(ctx, r2.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, r2.Status)
}

func TestOnlyDriverDecides(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 2)
	req, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)

	_, err = e.w.Accept(ctx, req.ID, "p1")
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
	_, err = e.w.Reject(ctx, req.ID, "someone")
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
}

func TestPassengerCancelReleasesAcceptedSeat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 2)
	req, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
	_, err = e.w.Accept(ctx, req.ID, "driver")
	require.NoError(t, err)

	_, err = e.w.Cancel(ctx, req.ID, "p2")
	require.True(t, apperr.Is(err, apperr.KindAuthorization))

	req, err = e.w.Cancel(ctx, req.ID, "p1")
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, req.Status)
	got, err := e.trips.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AvailableSeats)
	require.Equal(t, 1, e.notes.count("driver", dispatch.PassengerLeft))

	_, err = e.w.Cancel(ctx, req.ID, "p1")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestAcceptedSeatStaysAfterTripCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 3)
	req, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
	_, err = e.w.Accept(ctx, req.ID, "driver")
	require.NoError(t, err)
	_, err = e.trips.StartNavigation(ctx, tr.ID, "driver")
	require.NoError(t, err)
	_, err = e.trips.EndNavigation(ctx, tr.ID, "driver")
	require.NoError(t, err)

	_, err = e.w.Cancel(ctx, req.ID, "p1")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))

	got, err := e.trips.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, models.TripCompleted, got.Status)
	require.Equal(t, []string{"p1"}, got.PassengerIDs)
	require.Equal(t, 2, got.AvailableSeats)
	req, err = e.w.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestAccepted, req.Status)
	require.Equal(t, 0, e.notes.count("driver", dispatch.PassengerLeft))
}

func TestListings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tr := e.trip(t, 2)
	_, err := e.w.Create(ctx, tr.ID, "p1", "")
	require.NoError(t, err)
	_, err = e.w.Create(ctx, tr.ID, "p2", "")
	require.NoError(t, err)

	byDriver, err := e.w.ForDriver(ctx, "driver")
	require.NoError(t, err)
	require.Len(t, byDriver, 2)
	byPassenger, err := e.w.ForPassenger(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, byPassenger, 1)
	none, err := e.w.ForDriver(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, none)
}
