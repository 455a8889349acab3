package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func seedTrip(id string, status models.TripStatus, start time.Time) models.Trip {
	return models.Trip{
		ID: id, DriverID: "d1", PassengerIDs: []string{},
		StartTime: start, Capacity: 3, AvailableSeats: 3,
		Status: status, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		return tx.InsertTrip(ctx, seedTrip("t1", models.TripOpen, t0))
	}))

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx Tx) error {
		tr, err := tx.GetTrip(ctx, "t1")
		require.NoError(t, err)
		require.NoError(t, tr.ReserveSeat("p1"))
		require.NoError(t, tx.UpdateTrip(ctx, tr))
		require.NoError(t, tx.InsertTrip(ctx, seedTrip("t2", models.TripOpen, t0)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		tr, err := tx.GetTrip(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, 3, tr.AvailableSeats)
		require.Empty(t, tr.PassengerIDs)
		_, err = tx.GetTrip(ctx, "t2")
		require.True(t, apperr.Is(err, apperr.KindNotFound))
		return nil
	}))
}

func TestViewRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.View(ctx, func(tx Tx) error {
		return tx.InsertTrip(ctx, seedTrip("t1", models.TripOpen, t0))
	})
	require.ErrorIs(t, err, errReadOnly)
}

func TestStoredRecordsDoNotAliasCallerMemory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tr := seedTrip("t1", models.TripOpen, t0)
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.InsertTrip(ctx, tr) }))
	tr.PassengerIDs = append(tr.PassengerIDs, "intruder")

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		got, err := tx.GetTrip(ctx, "t1")
		require.NoError(t, err)
		require.Empty(t, got.PassengerIDs)
		return nil
	}))
}

func TestOpenRequestUniquePerTripAndPassenger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	req := models.RideRequest{ID: "r1", TripID: "t1", PassengerID: "p1", Status: models.RequestPending, CreatedAt: t0}
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.InsertRequest(ctx, req) }))

	dup := req
	dup.ID = "r2"
	err := s.Update(ctx, func(tx Tx) error { return tx.InsertRequest(ctx, dup) })
	require.True(t, apperr.Is(err, apperr.KindConflict))

	req.Status = models.RequestRejected
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.UpdateRequest(ctx, req) }))
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.InsertRequest(ctx, dup) }))
}

func TestOneActiveSubscriptionPerUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sub := models.Subscription{ID: "s1", UserID: "u1", Active: true, StartDate: t0, EndDate: t0.Add(24 * time.Hour)}
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.InsertSubscription(ctx, sub) }))

	second := sub
	second.ID = "s2"
	err := s.Update(ctx, func(tx Tx) error { return tx.InsertSubscription(ctx, second) })
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestActiveSubscriptionHonoursEndDate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sub := models.Subscription{ID: "s1", UserID: "u1", Active: true, StartDate: t0, EndDate: t0.Add(time.Hour)}
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.InsertSubscription(ctx, sub) }))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		_, err := tx.ActiveSubscription(ctx, "u1", t0.Add(30*time.Minute))
		require.NoError(t, err)
		_, err = tx.ActiveSubscription(ctx, "u1", t0.Add(time.Hour))
		require.True(t, apperr.Is(err, apperr.KindNotFound))
		return nil
	}))

	var n int
	require.NoError(t, s.Update(ctx, func(tx Tx) (err error) {
		n, err = tx.DeactivateLapsedSubscriptions(ctx, t0.Add(2*time.Hour))
		return err
	}))
	require.Equal(t, 1, n)
}

func TestListTripsFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertTrip(ctx, seedTrip("old", models.TripOpen, t0.Add(-time.Hour))))
		require.NoError(t, tx.InsertTrip(ctx, seedTrip("new", models.TripOpen, t0.Add(time.Hour))))
		done := seedTrip("done", models.TripCompleted, t0.Add(-time.Hour))
		return tx.InsertTrip(ctx, done)
	}))

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		got, err := tx.ListTrips(ctx, TripFilter{Statuses: []models.TripStatus{models.TripOpen}, StartBefore: t0})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "old", got[0].ID)
		return nil
	}))
}

func TestExpirePendingPayments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertPayment(ctx, models.Payment{ID: "p1", SessionID: "cs_1", Status: models.PaymentPending, ExpiresAt: t0}))
		return tx.InsertPayment(ctx, models.Payment{ID: "p2", SessionID: "cs_2", Status: models.PaymentPending, ExpiresAt: t0.Add(time.Hour)})
	}))
	var n int
	require.NoError(t, s.Update(ctx, func(tx Tx) (err error) {
		n, err = tx.ExpirePendingPayments(ctx, t0.Add(time.Minute))
		return err
	}))
	require.Equal(t, 1, n)
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		p, err := tx.GetPaymentBySession(ctx, "cs_1")
		require.NoError(t, err)
		require.Equal(t, models.PaymentExpired, p.Status)
		return nil
	}))
}
