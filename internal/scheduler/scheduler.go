package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Canceller runs the per-trip cancellation cascade for an overdue trip.
type Canceller interface {
	CancelOverdue(ctx context.Context, tripID string, cutoff time.Time) (bool, error)
}

// SubscriptionSweeper retires subscriptions past their end date.
type SubscriptionSweeper interface {
	DeactivateExpired(ctx context.Context) (int, error)
}

// PaymentSweeper expires stale checkout payments.
type PaymentSweeper interface {
	ExpirePending(ctx context.Context) (int, error)
}

type Config struct {
	TripInterval     time.Duration
	GraceWindow      time.Duration
	Cascade          bool
	BillingInterval  time.Duration
	ReminderInterval time.Duration
	// ReminderLead is how far ahead a trip gets its reminder; the window is
	// ReminderLead ± ReminderSlack.
	ReminderLead  time.Duration
	ReminderSlack time.Duration
}

func DefaultConfig() Config {
	return Config{
		TripInterval:     time.Minute,
		GraceWindow:      15 * time.Minute,
		Cascade:          true,
		BillingInterval:  5 * time.Minute,
		ReminderInterval: 5 * time.Minute,
		ReminderLead:     time.Hour,
		ReminderSlack:    5 * time.Minute,
	}
}

type Deps struct {
	Store         storage.Store
	Trips         Canceller
	Subscriptions SubscriptionSweeper
	Payments      PaymentSweeper
	Notifier      dispatch.Notifier
	Lease         Lease
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Scheduler runs the periodic sweeps. Per-record failures are logged and
// the sweep moves on.
type Scheduler struct {
	cfg   Config
	store storage.Store
	trips Canceller
	subs  SubscriptionSweeper
	pays  PaymentSweeper
	note  dispatch.Notifier
	lease Lease
	clock clock.Clock
	log   *slog.Logger

	mu       sync.Mutex
	reminded map[string]time.Time
}

func New(cfg Config, d Deps) *Scheduler {
	def := DefaultConfig()
	for _, p := range []struct{ v, d *time.Duration }{
		{&cfg.TripInterval, &def.TripInterval},
		{&cfg.BillingInterval, &def.BillingInterval},
		{&cfg.ReminderInterval, &def.ReminderInterval},
		{&cfg.ReminderLead, &def.ReminderLead},
		{&cfg.ReminderSlack, &def.ReminderSlack},
	} {
		if *p.v <= 0 {
			*p.v = *p.d
		}
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    d.Store,
		trips:    d.Trips,
		subs:     d.Subscriptions,
		pays:     d.Payments,
		note:     d.Notifier,
		lease:    d.Lease,
		clock:    d.Clock,
		log:      logging.OrDefault(d.Logger),
		reminded: map[string]time.Time{},
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.note == nil {
		s.note = dispatch.Nop{}
	}
	if s.lease == nil {
		s.lease = NewLocalLease(s.clock)
	}
	return s
}

// SweepTrips cancels OPEN trips whose start time is older than the grace
// window. In cascade mode every trip goes through the full cancellation;
// otherwise the statuses are flipped in bulk and requests are left as is.
func (s *Scheduler) SweepTrips(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.GraceWindow)
	if !s.cfg.Cascade || s.trips == nil {
		var n int
		err := s.store.Update(ctx, func(tx storage.Tx) (err error) {
			n, err = tx.CancelOpenTripsBefore(ctx, cutoff, s.clock.Now())
			return err
		})
		if err != nil {
			observability.SweepErrors.WithLabelValues("trips").Inc()
			return 0, err
		}
		observability.SweepCancelled.Add(float64(n))
		if n > 0 {
			s.log.Info("overdue trips cancelled", "count", n, "mode", "bulk")
		}
		return n, nil
	}

	var overdue []models.Trip
	err := s.store.View(ctx, func(tx storage.Tx) (err error) {
		overdue, err = tx.ListTrips(ctx, storage.TripFilter{
			Statuses:        []models.TripStatus{models.TripOpen},
			StartBefore:     cutoff,
			IncludeArchived: true,
		})
		return err
	})
	if err != nil {
		observability.SweepErrors.WithLabelValues("trips").Inc()
		return 0, err
	}
	n := 0
	for _, t := range overdue {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := s.trips.CancelOverdue(ctx, t.ID, cutoff)
		if err != nil {
			observability.SweepErrors.WithLabelValues("trips").Inc()
			s.log.Error("overdue trip cancel failed", "trip_id", t.ID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	observability.SweepCancelled.Add(float64(n))
	if n > 0 {
		s.log.Info("overdue trips cancelled", "count", n, "mode", "cascade")
	}
	return n, nil
}

// SweepBilling expires stale payments and retires lapsed subscriptions. A
// failure in one half does not stop the other.
func (s *Scheduler) SweepBilling(ctx context.Context) (payments, subscriptions int, err error) {
	var firstErr error
	if s.pays != nil {
		payments, err = s.pays.ExpirePending(ctx)
		if err != nil {
			observability.SweepErrors.WithLabelValues("payments").Inc()
			s.log.Error("payment sweep failed", "error", err)
			firstErr = err
		}
	}
	if s.subs != nil {
		subscriptions, err = s.subs.DeactivateExpired(ctx)
		if err != nil {
			observability.SweepErrors.WithLabelValues("subscriptions").Inc()
			s.log.Error("subscription sweep failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if payments > 0 || subscriptions > 0 {
		s.log.Info("billing sweep", "payments_expired", payments, "subscriptions_expired", subscriptions)
	}
	return payments, subscriptions, firstErr
}

// SendReminders notifies driver and passengers of trips starting about an
// hour from now. Each trip is reminded once per process.
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	now := s.clock.Now()
	s.forgetStarted(now)
	var trips []models.Trip
	err := s.store.View(ctx, func(tx storage.Tx) (err error) {
		trips, err = tx.ListTrips(ctx, storage.TripFilter{
			Statuses:    []models.TripStatus{models.TripOpen, models.TripScheduled},
			StartFrom:   now.Add(s.cfg.ReminderLead - s.cfg.ReminderSlack),
			StartBefore: now.Add(s.cfg.ReminderLead + s.cfg.ReminderSlack),
		})
		return err
	})
	if err != nil {
		observability.SweepErrors.WithLabelValues("reminders").Inc()
		return 0, err
	}
	sent := 0
	for _, t := range trips {
		if !s.markReminded(t.ID, t.StartTime) {
			continue
		}
		payload := map[string]any{"trip_id": t.ID, "start_time": t.StartTime}
		for _, uid := range append([]string{t.DriverID}, t.PassengerIDs...) {
			s.note.Notify(ctx, dispatch.Notification{
				UserID: uid, Type: dispatch.TripReminder,
				Title: "Trip starting soon", Body: "Your trip starts in about an hour",
				Payload: payload,
			})
		}
		sent++
	}
	return sent, nil
}

func (s *Scheduler) markReminded(tripID string, start time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminded[tripID]; ok {
		return false
	}
	s.reminded[tripID] = start
	return true
}

// forgetStarted drops trips whose start time has passed; they can no longer
// fall inside the reminder window.
func (s *Scheduler) forgetStarted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, start := range s.reminded {
		if start.Before(now) {
			delete(s.reminded, id)
		}
	}
}

// Run drives all sweeps until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	tripTick := time.NewTicker(s.cfg.TripInterval)
	billTick := time.NewTicker(s.cfg.BillingInterval)
	remindTick := time.NewTicker(s.cfg.ReminderInterval)
	defer tripTick.Stop()
	defer billTick.Stop()
	defer remindTick.Stop()

	s.log.Info("scheduler started",
		"trip_interval", s.cfg.TripInterval.String(),
		"grace_window", s.cfg.GraceWindow.String(),
		"cascade", s.cfg.Cascade)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-tripTick.C:
			s.locked(ctx, "trips", s.cfg.TripInterval, func() error {
				_, err := s.SweepTrips(ctx)
				return err
			})
		case <-billTick.C:
			s.locked(ctx, "billing", s.cfg.BillingInterval, func() error {
				_, _, err := s.SweepBilling(ctx)
				return err
			})
		case <-remindTick.C:
			s.locked(ctx, "reminders", s.cfg.ReminderInterval, func() error {
				_, err := s.SendReminders(ctx)
				return err
			})
		}
	}
}

// locked runs fn if this instance wins the tick. The lease expires a little
// before the next tick is due.
func (s *Scheduler) locked(ctx context.Context, name string, interval time.Duration, fn func() error) {
	ok, err := s.lease.Acquire(ctx, name, interval-interval/10)
	if err != nil {
		s.log.Warn("sweep lease unavailable", "sweep", name, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := fn(); err != nil {
		s.log.Error("sweep failed", "sweep", name, "error", err)
	}
}
