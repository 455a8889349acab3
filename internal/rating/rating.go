package rating

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// Service records passenger ratings of completed trips and keeps trip and
// driver averages current.
type Service struct {
	store storage.Store
	clock clock.Clock
	log   *slog.Logger
}

func NewService(store storage.Store, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: store, clock: clk, log: logging.OrDefault(logger)}
}

// Rate stores one rating per passenger per trip. The trip must be COMPLETED
// and the rater one of its passengers.
func (s *Service) Rate(ctx context.Context, tripID, passengerID string, stars int, comment string) (models.Rating, error) {
	if stars < 1 || stars > 5 {
		return models.Rating{}, apperr.Validation("rating must be between 1 and 5")
	}
	r := models.Rating{
		ID:          uuid.NewString(),
		TripID:      tripID,
		PassengerID: passengerID,
		Stars:       stars,
		Comment:     strings.TrimSpace(comment),
		CreatedAt:   s.clock.Now(),
	}
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if t.Status != models.TripCompleted {
			return apperr.InvalidState("trip %s is %s; only completed trips can be rated", t.ID, t.Status)
		}
		if !t.HasPassenger(passengerID) {
			return apperr.Authorization("user %s was not a passenger on trip %s", passengerID, t.ID)
		}
		if err := tx.InsertRating(ctx, r); err != nil {
			return err
		}

		ratings, err := tx.ListRatings(ctx, t.ID)
		if err != nil {
			return err
		}
		sum := 0
		for _, x := range ratings {
			sum += x.Stars
		}
		avg := round2(float64(sum) / float64(len(ratings)))
		t.AverageRating = &avg
		t.TotalRatings = len(ratings)
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return err
		}
		return s.updateDriver(ctx, tx, t.DriverID)
	})
	if err != nil {
		return models.Rating{}, err
	}
	s.log.Info("trip rated", "trip_id", tripID, "user_id", passengerID, "stars", stars)
	return r, nil
}

// updateDriver recomputes the driver's weighted average over all completed
// trips that have ratings.
func (s *Service) updateDriver(ctx context.Context, tx storage.Tx, driverID string) error {
	trips, err := tx.ListTrips(ctx, storage.TripFilter{
		DriverID:        driverID,
		Statuses:        []models.TripStatus{models.TripCompleted},
		IncludeArchived: true,
	})
	if err != nil {
		return err
	}
	total, count := 0.0, 0
	for _, t := range trips {
		if t.AverageRating == nil || t.TotalRatings == 0 {
			continue
		}
		total += *t.AverageRating * float64(t.TotalRatings)
		count += t.TotalRatings
	}
	if count == 0 {
		return nil
	}
	driver, err := tx.GetUser(ctx, driverID)
	if apperr.Is(err, apperr.KindNotFound) {
		driver = models.User{ID: driverID}
	} else if err != nil {
		return err
	}
	avg := round2(total / float64(count))
	driver.AverageRating = &avg
	driver.TotalRatings = count
	return tx.UpsertUser(ctx, driver)
}

func (s *Service) TripRatings(ctx context.Context, tripID string) ([]models.Rating, error) {
	var out []models.Rating
	err := s.store.View(ctx, func(tx storage.Tx) (err error) {
		out, err = tx.ListRatings(ctx, tripID)
		return err
	})
	return out, err
}

func (s *Service) HasRated(ctx context.Context, tripID, passengerID string) (bool, error) {
	ratings, err := s.TripRatings(ctx, tripID)
	if err != nil {
		return false, err
	}
	for _, r := range ratings {
		if r.PassengerID == passengerID {
			return true, nil
		}
	}
	return false, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
