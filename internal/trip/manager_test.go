package trip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/subscription"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type notes struct {
	mu  sync.Mutex
	got []dispatch.Notification
}

func (n *notes) Notify(_ context.Context, x dispatch.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

func (n *notes) to(userID string, typ dispatch.EventType) int {
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

type fixture struct {
	store  *storage.MemoryStore
	clock  *clock.Fake
	ledger *subscription.Ledger
	notes  *notes
	index  *geo.MemoryIndex
	m      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		clock: clock.NewFake(now),
		notes: &notes{},
		index: geo.NewMemoryIndex(),
	}
	f.ledger = subscription.NewLedger(f.store, f.clock, nil)
	_, err := f.ledger.SeedPlans(context.Background())
	require.NoError(t, err)
	f.m = NewManager(Deps{Store: f.store, Clock: f.clock, Notifier: f.notes, Index: f.index})
	return f
}

func (f *fixture) grant(t *testing.T, userID, plan string) models.Subscription {
	t.Helper()
	p, err := f.ledger.PlanByName(context.Background(), plan)
	require.NoError(t, err)
	sub, err := f.ledger.Grant(context.Background(), userID, p.ID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) create(t *testing.T, driverID string, seats int) models.Trip {
	t.Helper()
	tr, err := f.m.CreateTrip(context.Background(), CreateInput{
		DriverID:  driverID,
		Start:     models.Coord{Lat: 36.8065, Lon: 10.1815},
		End:       models.Coord{Lat: 35.8256, Lon: 10.6084},
		StartTime: now.Add(2 * time.Hour),
		Capacity:  seats,
		Price:     12,
	})
	require.NoError(t, err)
	return tr
}

// book puts a passenger on the trip the way an accepted request does.
func (f *fixture) book(t *testing.T, tripID, passengerID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx storage.Tx) error {
		tr, err := tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if err := tr.ReserveSeat(passengerID); err != nil {
			return err
		}
		if err := tx.InsertRequest(ctx, models.RideRequest{
			ID: "req-" + passengerID, TripID: tripID, PassengerID: passengerID,
			Status: models.RequestAccepted, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.UpdateTrip(ctx, tr)
	}))
}

func TestCreateTripWithoutSubscriptionLeavesNoTrip(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.CreateTrip(context.Background(), CreateInput{
		DriverID: "d1", Start: models.Coord{Lat: 1, Lon: 1}, End: models.Coord{Lat: 2, Lon: 2},
		StartTime: now.Add(time.Hour), Capacity: 3,
	})
	require.True(t, apperr.Is(err, apperr.KindQuotaExceeded), "got %v", err)

	trips, err := f.m.ListByDriver(context.Background(), "d1")
	require.NoError(t, err)
	require.Empty(t, trips)
}

func TestCreateTripConsumesOneCredit(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")

	tr := f.create(t, "d1", 3)
	require.Equal(t, models.TripOpen, tr.Status)
	require.Equal(t, 3, tr.AvailableSeats)
	require.Empty(t, tr.PassengerIDs)

	sub, err := f.ledger.Active(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, 1, sub.TripsUsed)

	hits, err := f.index.Within(context.Background(), tr.Start, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestCreateTripStopsAtTripLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.ledger.CreatePlan(ctx, subscription.PlanInput{Name: "tiny", Price: 1, TripLimit: models.IntPtr(2), DurationDays: 30})
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, "d1", p.ID)
	require.NoError(t, err)

	f.create(t, "d1", 2)
	f.create(t, "d1", 2)
	_, err = f.m.CreateTrip(ctx, CreateInput{
		DriverID: "d1", Start: models.Coord{Lat: 1, Lon: 1}, End: models.Coord{Lat: 2, Lon: 2},
		StartTime: now.Add(time.Hour), Capacity: 2,
	})
	require.True(t, apperr.Is(err, apperr.KindQuotaExceeded))

	trips, err := f.m.ListByDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, trips, 2)
}

func TestConcurrentCreateNeverOverspendsCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.ledger.CreatePlan(ctx, subscription.PlanInput{Name: "three", Price: 1, TripLimit: models.IntPtr(3), DurationDays: 30})
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, "d1", p.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.m.CreateTrip(ctx, CreateInput{
				DriverID: "d1", Start: models.Coord{Lat: 1, Lon: 1}, End: models.Coord{Lat: 2, Lon: 2},
				StartTime: now.Add(time.Hour), Capacity: 1,
			})
		}()
	}
	wg.Wait()

	trips, err := f.m.ListByDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, trips, 3)
	sub, err := f.ledger.Active(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 3, sub.TripsUsed)
}

func TestCreateTripValidation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()

	_, err := f.m.CreateTrip(ctx, CreateInput{
		DriverID: "d1", Start: models.Coord{Lat: 1, Lon: 1}, End: models.Coord{Lat: 2, Lon: 2},
		StartTime: now.Add(-time.Minute), Capacity: 2,
	})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.m.CreateTrip(ctx, CreateInput{
		DriverID: "d1", Start: models.Coord{Lat: 91, Lon: 1}, End: models.Coord{Lat: 2, Lon: 2},
		StartTime: now.Add(time.Hour), Capacity: 2,
	})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.m.CreateTrip(ctx, CreateInput{
		DriverID: "d1", Start: models.Coord{Lat: 1, Lon: 1}, End: models.Coord{Lat: 2, Lon: 2},
		StartTime: now.Add(time.Hour), Capacity: 0,
	})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	sub, err := f.ledger.Active(ctx, "d1")
	require.NoError(t, err)
	require.Zero(t, sub.TripsUsed)
}

type fixedPricer float64

func (p fixedPricer) SeatPrice(context.Context, models.Coord, models.Coord, string, int) (float64, error) {
	return float64(p), nil
}

func TestCreateTripSuggestsPriceWhenZero(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	f.m.pricer = fixedPricer(7.72)

	tr, err := f.m.CreateTrip(context.Background(), CreateInput{
		DriverID: "d1", Start: models.Coord{Lat: 1, Lon: 1}, End: models.Coord{Lat: 2, Lon: 2},
		StartTime: now.Add(time.Hour), Capacity: 2, FuelType: "diesel",
	})
	require.NoError(t, err)
	require.Equal(t, 7.72, tr.Price)
}

func TestLifecycleOpenActiveCompleted(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 3)
	f.book(t, tr.ID, "p1")

	tr, err := f.m.StartNavigation(ctx, tr.ID, "d1")
	require.NoError(t, err)
	require.Equal(t, models.TripActive, tr.Status)

	hits, err := f.index.Within(ctx, tr.Start, 1)
	require.NoError(t, err)
	require.Empty(t, hits)

	tr, err = f.m.UpdateDriverLocation(ctx, tr.ID, "d1", NavUpdate{Lat: 36.5, Lon: 10.3, SpeedKmh: 80, Bearing: 180})
	require.NoError(t, err)
	require.NotNil(t, tr.Navigation)
	active, err := f.m.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	tr, err = f.m.EndNavigation(ctx, tr.ID, "d1")
	require.NoError(t, err)
	require.Equal(t, models.TripCompleted, tr.Status)
	require.Nil(t, tr.Navigation)
	require.Equal(t, 1, f.notes.to("p1", dispatch.RatingRequest))

	_, err = f.m.GetDriverLocation(ctx, tr.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = f.m.SetStatus(ctx, tr.ID, "d1", "open")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestSetStatusSameValueIsNoop(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	tr := f.create(t, "d1", 2)

	got, err := f.m.SetStatus(context.Background(), tr.ID, "d1", "OPEN")
	require.NoError(t, err)
	require.Equal(t, models.TripOpen, got.Status)

	_, err = f.m.SetStatus(context.Background(), tr.ID, "d1", "paused")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestOnlyDriverMayChangeTrip(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 2)

	_, err := f.m.StartNavigation(ctx, tr.ID, "mallory")
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
	_, err = f.m.CancelTrip(ctx, tr.ID, "mallory")
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
	_, err = f.m.SetArchived(ctx, tr.ID, "mallory", true)
	require.True(t, apperr.Is(err, apperr.KindAuthorization))

	got, err := f.m.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, models.TripOpen, got.Status)
}

func TestUpdateTripReplacesFieldsButNotSeats(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 3)
	f.book(t, tr.ID, "p1")

	in := UpdateInput{
		Start:       models.Coord{Lat: 36.80, Lon: 10.18},
		End:         models.Coord{Lat: 36.40, Lon: 10.61},
		StartTime:   now.Add(4 * time.Hour),
		Price:       9,
		Description: "via the coast",
	}
	got, err := f.m.UpdateTrip(ctx, tr.ID, "d1", in)
	require.NoError(t, err)
	require.Equal(t, 9.0, got.Price)
	require.Equal(t, now.Add(4*time.Hour), got.StartTime)
	require.Equal(t, 2, got.AvailableSeats)
	require.Equal(t, []string{"p1"}, got.PassengerIDs)
	require.Equal(t, models.TripOpen, got.Status)

	_, err = f.m.UpdateTrip(ctx, tr.ID, "d2", in)
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
}

func TestUpdateTripRejectsPastStart(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 3)

	for _, start := range []time.Time{now, now.Add(-time.Hour)} {
		_, err := f.m.UpdateTrip(ctx, tr.ID, "d1", UpdateInput{
			Start: tr.Start, End: tr.End, StartTime: start, Price: tr.Price,
		})
		require.True(t, apperr.Is(err, apperr.KindValidation), start)
	}
	got, err := f.m.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, now.Add(2*time.Hour), got.StartTime)
}

func TestLocationRequiresActiveTrip(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	tr := f.create(t, "d1", 2)

	_, err := f.m.UpdateDriverLocation(context.Background(), tr.ID, "d1", NavUpdate{Lat: 1, Lon: 1})
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestLocationNeedsTheDriver(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 2)
	_, err := f.m.StartNavigation(ctx, tr.ID, "d1")
	require.NoError(t, err)

	for _, actor := range []string{"", "d2"} {
		_, err = f.m.UpdateDriverLocation(ctx, tr.ID, actor, NavUpdate{Lat: 1, Lon: 1})
		require.True(t, apperr.Is(err, apperr.KindAuthorization), actor)
	}
	got, err := f.m.UpdateDriverLocation(ctx, tr.ID, "d1", NavUpdate{Lat: 1, Lon: 1})
	require.NoError(t, err)
	require.NotNil(t, got.Navigation)
}

func TestCancelCascadesToPassengersAndRequests(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 3)
	f.book(t, tr.ID, "p1")
	f.book(t, tr.ID, "p2")
	require.NoError(t, f.store.Update(ctx, func(tx storage.Tx) error {
		return tx.InsertRequest(ctx, models.RideRequest{
			ID: "pending", TripID: tr.ID, PassengerID: "p3",
			Status: models.RequestPending, CreatedAt: now, UpdatedAt: now,
		})
	}))

	got, err := f.m.CancelTrip(ctx, tr.ID, "d1")
	require.NoError(t, err)
	require.Equal(t, models.TripCanceled, got.Status)
	require.Empty(t, got.PassengerIDs)
	require.Equal(t, 3, got.AvailableSeats)

	require.NoError(t, f.store.View(ctx, func(tx storage.Tx) error {
		reqs, err := tx.ListRequests(ctx, storage.RequestFilter{TripID: tr.ID})
		require.NoError(t, err)
		require.Len(t, reqs, 3)
		for _, r := range reqs {
			require.Equal(t, models.RequestCancelled, r.Status)
		}
		return nil
	}))
	for _, uid := range []string{"p1", "p2", "p3", "d1"} {
		require.Equal(t, 1, f.notes.to(uid, dispatch.TripCancelled), uid)
	}

	again, err := f.m.CancelTrip(ctx, tr.ID, "d1")
	require.NoError(t, err)
	require.Equal(t, models.TripCanceled, again.Status)
	require.Equal(t, 1, f.notes.to("d1", dispatch.TripCancelled))
}

func TestCancelCompletedTripFails(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 2)
	_, err := f.m.StartNavigation(ctx, tr.ID, "d1")
	require.NoError(t, err)
	_, err = f.m.EndNavigation(ctx, tr.ID, "d1")
	require.NoError(t, err)

	_, err = f.m.SetStatus(ctx, tr.ID, "d1", "CANCELLED")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestCancelOverdueRechecksTrip(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 2)

	ok, err := f.m.CancelOverdue(ctx, tr.ID, tr.StartTime)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.m.CancelOverdue(ctx, tr.ID, tr.StartTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	got, err := f.m.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, models.TripCanceled, got.Status)
}

func TestRemoveAndLeaveReleaseSeats(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 2)
	f.book(t, tr.ID, "p1")
	f.book(t, tr.ID, "p2")

	got, err := f.m.RemovePassenger(ctx, tr.ID, "d1", "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"p2"}, got.PassengerIDs)
	require.Equal(t, 1, got.AvailableSeats)

	_, err = f.m.RemovePassenger(ctx, tr.ID, "d1", "p1")
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	got, err = f.m.LeaveTrip(ctx, tr.ID, "p2")
	require.NoError(t, err)
	require.Empty(t, got.PassengerIDs)
	require.Equal(t, 2, got.AvailableSeats)
	require.Equal(t, 1, f.notes.to("d1", dispatch.PassengerLeft))

	require.NoError(t, f.store.View(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRequest(ctx, "req-p1")
		require.NoError(t, err)
		require.Equal(t, models.RequestCancelled, r.Status)
		return nil
	}))
}

func TestArchiveHidesTripFromListings(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 2)

	got, err := f.m.SetArchived(ctx, tr.ID, "d1", true)
	require.NoError(t, err)
	require.True(t, got.Archived)
	require.Equal(t, models.TripOpen, got.Status)

	open, err := f.m.ListOpen(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
	hits, err := f.index.Within(ctx, tr.Start, 1)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestPassengersFallsBackToBareIDs(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	ctx := context.Background()
	tr := f.create(t, "d1", 2)
	require.NoError(t, f.store.Update(ctx, func(tx storage.Tx) error {
		return tx.UpsertUser(ctx, models.User{ID: "p1", Name: "Amira"})
	}))
	f.book(t, tr.ID, "p1")
	f.book(t, tr.ID, "p2")

	users, err := f.m.Passengers(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, []models.User{{ID: "p1", Name: "Amira"}, {ID: "p2"}}, users)
}

func TestRouteWithoutProviderIsUpstreamError(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "d1", "gold")
	tr := f.create(t, "d1", 2)

	_, err := f.m.Route(context.Background(), tr.ID)
	require.True(t, apperr.Is(err, apperr.KindUpstream))
}
