package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Provider answers distance and route questions. DistanceKm never fails
// because of the upstream; Route does.
type Provider interface {
	DistanceKm(ctx context.Context, from, to models.Coord) (float64, error)
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Service guards a Fetcher with a circuit breaker and a distance cache.
// A nil Fetcher means no routing engine is configured.
type Service struct {
	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker[Route]
	cache   *Cache
	log     *slog.Logger
}

func NewService(fetcher Fetcher, cache *Cache, logger *slog.Logger) *Service {
	logger = logging.OrDefault(logger)
	settings := gobreaker.Settings{
		Name:        "osrm",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Service{
		fetcher: fetcher,
		breaker: gobreaker.NewCircuitBreaker[Route](settings),
		cache:   cache,
		log:     logger,
	}
}

func (s *Service) fetch(ctx context.Context, from, to models.Coord) (Route, error) {
	if s.fetcher == nil {
		return Route{}, apperr.Upstream("routing provider not configured", nil)
	}
	return s.breaker.Execute(func() (Route, error) {
		return s.fetcher.Fetch(ctx, from, to)
	})
}

// DistanceKm returns the road distance, or the great-circle distance when
// the routing engine is unavailable.
func (s *Service) DistanceKm(ctx context.Context, from, to models.Coord) (float64, error) {
	if s.cache != nil {
		if km, ok := s.cache.Get(from, to); ok {
			return km, nil
		}
	}
	r, err := s.fetch(ctx, from, to)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		observability.RoutingFallbacks.Inc()
		s.log.Warn("routing distance fallback to haversine", "error", err)
		return geo.Distance(from, to), nil
	}
	if s.cache != nil {
		s.cache.Set(from, to, r.DistanceKm)
	}
	return r.DistanceKm, nil
}

func (s *Service) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := s.fetch(ctx, from, to)
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return Route{}, err
		}
		return Route{}, apperr.Upstream("route lookup failed", err)
	}
	return r, nil
}
