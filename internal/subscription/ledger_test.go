package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

var start = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*Ledger, *storage.MemoryStore, *clock.Fake) {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(start)
	l := NewLedger(store, clk, nil)
	n, err := l.SeedPlans(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return l, store, clk
}

func plan(t *testing.T, l *Ledger, name string) models.SubscriptionPlan {
	t.Helper()
	p, err := l.PlanByName(context.Background(), name)
	require.NoError(t, err)
	return p
}

func TestSeedPlansIsIdempotent(t *testing.T) {
	l, _, _ := newLedger(t)
	n, err := l.SeedPlans(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	plans, err := l.ListPlans(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, plans, 4)
	diamond := plan(t, l, "DIAMOND")
	require.Nil(t, diamond.TripLimit)
}

func TestPurchaseSetsWindowAndSnapshot(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	gold := plan(t, l, "gold")

	sub, err := l.Purchase(ctx, "u1", gold.ID)
	require.NoError(t, err)
	require.True(t, sub.Active)
	require.Zero(t, sub.TripsUsed)
	require.Equal(t, start, sub.StartDate)
	require.Equal(t, start.AddDate(0, 0, 30), sub.EndDate)
	require.Equal(t, 30, *sub.TripLimit)

	_, err = l.UpdatePlan(ctx, gold.ID, PlanInput{Name: "gold", Price: 12, TripLimit: models.IntPtr(5), DurationDays: 30})
	require.NoError(t, err)
	sub, err = l.Active(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 30, *sub.TripLimit)
	require.Equal(t, 10.0, sub.PricePaid)
}

func TestPurchaseRejectsSecondActive(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Purchase(ctx, "u1", plan(t, l, "gold").ID)
	require.NoError(t, err)

	_, err = l.Purchase(ctx, "u1", plan(t, l, "silver").ID)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestConcurrentPurchasesYieldOneActive(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	gold := plan(t, l, "gold")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Purchase(ctx, "u1", gold.ID)
		}()
	}
	wg.Wait()

	history, err := l.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestStudentPlanNeedsVerification(t *testing.T) {
	l, store, _ := newLedger(t)
	ctx := context.Background()
	student := plan(t, l, "student")

	_, err := l.Purchase(ctx, "u1", student.ID)
	require.True(t, apperr.Is(err, apperr.KindValidation))

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return tx.UpsertUser(ctx, models.User{ID: "u1", StudentVerified: true})
	}))
	_, err = l.Purchase(ctx, "u1", student.ID)
	require.NoError(t, err)

	_, err = l.Grant(ctx, "u2", student.ID)
	require.NoError(t, err)
}

func TestArchivedPlanCannotBeBought(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	silver := plan(t, l, "silver")
	_, err := l.SetPlanArchived(ctx, silver.ID, true)
	require.NoError(t, err)

	_, err = l.Purchase(ctx, "u1", silver.ID)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	visible, err := l.ListPlans(ctx, false)
	require.NoError(t, err)
	require.Len(t, visible, 3)
}

func TestConsumeCreditUntilExhausted(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	p, err := l.CreatePlan(ctx, PlanInput{Name: "pair", Price: 2, TripLimit: models.IntPtr(2), DurationDays: 7})
	require.NoError(t, err)
	_, err = l.Purchase(ctx, "u1", p.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := l.HasCapacity(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = l.ConsumeCredit(ctx, "u1")
		require.NoError(t, err)
	}
	ok, err := l.HasCapacity(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = l.ConsumeCredit(ctx, "u1")
	require.True(t, apperr.Is(err, apperr.KindQuotaExceeded))

	sub, err := l.Active(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, sub.TripsUsed)
}

func TestUnlimitedPlanAlwaysHasCapacity(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Purchase(ctx, "u1", plan(t, l, "diamond").ID)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err = l.ConsumeCredit(ctx, "u1")
		require.NoError(t, err)
	}
	st, err := l.Status(ctx, "u1")
	require.NoError(t, err)
	require.True(t, st.CanCreateTrip)
	require.Nil(t, st.RemainingTrips)
	require.Equal(t, 50, st.TripsUsed)
}

func TestExpiredSubscriptionGrantsNothing(t *testing.T) {
	l, _, clk := newLedger(t)
	ctx := context.Background()
	_, err := l.Purchase(ctx, "u1", plan(t, l, "gold").ID)
	require.NoError(t, err)

	clk.Advance(30 * 24 * time.Hour)
	ok, err := l.HasCapacity(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = l.ConsumeCredit(ctx, "u1")
	require.True(t, apperr.Is(err, apperr.KindQuotaExceeded))

	// A new purchase works before the sweep retires the old row.
	_, err = l.Purchase(ctx, "u1", plan(t, l, "silver").ID)
	require.NoError(t, err)
	n, err := l.DeactivateExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeactivateExpiredCountsLapsed(t *testing.T) {
	l, _, clk := newLedger(t)
	ctx := context.Background()
	gold := plan(t, l, "gold")
	_, err := l.Purchase(ctx, "u1", gold.ID)
	require.NoError(t, err)
	_, err = l.Purchase(ctx, "u2", gold.ID)
	require.NoError(t, err)
	clk.Advance(29 * 24 * time.Hour)
	_, err = l.Purchase(ctx, "u3", gold.ID)
	require.NoError(t, err)

	clk.Advance(2 * 24 * time.Hour)
	n, err := l.DeactivateExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = l.Active(ctx, "u3")
	require.NoError(t, err)
	st, err := l.Status(ctx, "u1")
	require.NoError(t, err)
	require.False(t, st.HasActive)
}

func TestCancelOwnership(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	sub, err := l.Purchase(ctx, "u1", plan(t, l, "gold").ID)
	require.NoError(t, err)

	_, err = l.Cancel(ctx, sub.ID, "u2")
	require.True(t, apperr.Is(err, apperr.KindAuthorization))
	_, err = l.Cancel(ctx, sub.ID, "u1")
	require.NoError(t, err)
	_, err = l.Cancel(ctx, sub.ID, "u1")
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
	_, err = l.Cancel(ctx, "nope", "u1")
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestStatusMessages(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	st, err := l.Status(ctx, "u1")
	require.NoError(t, err)
	require.False(t, st.CanCreateTrip)
	require.NotEmpty(t, st.Message)

	_, err = l.Purchase(ctx, "u1", plan(t, l, "silver").ID)
	require.NoError(t, err)
	_, err = l.ConsumeCredit(ctx, "u1")
	require.NoError(t, err)
	st, err = l.Status(ctx, "u1")
	require.NoError(t, err)
	require.True(t, st.HasActive)
	require.Equal(t, 19, *st.RemainingTrips)
	require.Equal(t, "Plan silver: 19 of 20 trips left.", st.Message)
}

func TestCreatePlanRejectsDuplicateName(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.CreatePlan(context.Background(), PlanInput{Name: "Gold", Price: 1, DurationDays: 1})
	require.True(t, apperr.Is(err, apperr.KindConflict))
	_, err = l.CreatePlan(context.Background(), PlanInput{Name: "x", Price: 1, DurationDays: 1})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
