// Package app assembles the carpool services from configuration. Every
// binary builds the same graph; optional backends are enabled by their
// environment variables and fall back to in-process implementations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/clock"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/payments"
	"github.com/example/carpool/internal/pricing"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/riderequest"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/scheduler"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/subscription"
	"github.com/example/carpool/internal/trip"
)

type App struct {
	Config config.ServerConfig
	Logger *slog.Logger
	Clock  clock.Clock

	Store  storage.Store
	Redis  redis.UniversalClient
	Index  geo.Index
	Kafka  *ingest.KafkaProducer
	WS     *dispatch.WSRegistry
	Fanout *dispatch.Fanout

	Trips         *trip.Manager
	Requests      *riderequest.Workflow
	Subscriptions *subscription.Ledger
	Payments      *payments.Service
	Finder        *matcher.Finder
	Ratings       *rating.Service
	Pricing       *pricing.Calculator
	Scheduler     *scheduler.Scheduler
	Limiter       *httpapi.RateLimiter

	closers []func() error
}

// OpenStore returns Postgres when PG_DSN is set, otherwise the in-memory
// store. Migrations run when requested.
func OpenStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDriver, cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}

// New wires every service. Backends that fail to connect are fatal, an
// unset backend is not.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Clock: clock.Real()}

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			_ = rc.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Redis = rc
		a.Index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		a.closers = append(a.closers, rc.Close)
	} else {
		a.Index = geo.NewMemoryIndex()
	}

	var events trip.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		a.Kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaLocationTopic)
		events = a.Kafka
		a.closers = append(a.closers, a.Kafka.Close)
	}

	a.WS = dispatch.NewWSRegistry()
	channels := []dispatch.Channel{a.WS}
	if cfg.FCMEndpoint != "" {
		channels = append(channels, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey, a.pushToken))
	}
	if cfg.RabbitMQURL != "" {
		rmq, err := dispatch.NewRabbitMQPublisher(cfg.RabbitMQURL, "carpool.notifications")
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		channels = append(channels, rmq)
		a.closers = append(a.closers, rmq.Close)
	}
	a.Fanout = dispatch.NewFanout(logger, 5*time.Second, channels...)

	var fetcher routing.Fetcher
	if cfg.OSRMEndpoint != "" {
		fetcher = routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.OSRMTimeout)
	}
	routes := routing.NewService(fetcher, routing.NewCache(time.Hour, a.Clock), logger)
	a.Pricing = pricing.NewCalculator(routes)

	a.Subscriptions = subscription.NewLedger(store, a.Clock, logger)
	a.Trips = trip.NewManager(trip.Deps{
		Store:    store,
		Clock:    a.Clock,
		Notifier: a.Fanout,
		Events:   events,
		Index:    a.Index,
		Pricer:   a.Pricing,
		Routes:   routes,
		Logger:   logger,
	})
	a.Requests = riderequest.NewWorkflow(store, a.Clock, a.Fanout, events, logger)
	a.Finder = matcher.NewFinder(a.Index, store, cfg.GeoRadiusKm, cfg.GeoNearKm, logger)
	a.Ratings = rating.NewService(store, a.Clock, logger)

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	}
	a.Payments = payments.NewService(store, gateway, a.Clock, cfg.StripeCurrency, logger)
	if cfg.RateLimitRPS > 0 {
		a.Limiter = httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	var lease scheduler.Lease
	if a.Redis != nil {
		host, _ := os.Hostname()
		lease = scheduler.NewRedisLease(a.Redis, "carpool:lease:", host+"/"+uuid.NewString())
	}
	a.Scheduler = scheduler.New(scheduler.Config{
		TripInterval:     cfg.TripSweepInterval,
		GraceWindow:      cfg.TripGraceWindow,
		Cascade:          cfg.TripSweepCascade,
		BillingInterval:  cfg.BillingSweepInterval,
		ReminderInterval: cfg.ReminderInterval,
		ReminderLead:     time.Hour,
		ReminderSlack:    5 * time.Minute,
	}, scheduler.Deps{
		Store:         store,
		Trips:         a.Trips,
		Subscriptions: a.Subscriptions,
		Payments:      a.Payments,
		Notifier:      a.Fanout,
		Lease:         lease,
		Clock:         a.Clock,
		Logger:        logger,
	})
	return a, nil
}

// Bootstrap seeds the default plans and reloads the geo index from the
// store.
func (a *App) Bootstrap(ctx context.Context) error {
	n, err := a.Subscriptions.SeedPlans(ctx)
	if err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	if n > 0 {
		a.Logger.Info("default plans seeded", "count", n)
	}
	indexed, err := a.Finder.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild geo index: %w", err)
	}
	a.Logger.Info("geo index rebuilt", "open_trips", indexed)
	return nil
}

// Server builds the HTTP adapter. Driver pings go through Kafka when it is
// configured.
func (a *App) Server() *httpapi.Server {
	var locations httpapi.LocationPublisher
	if a.Kafka != nil {
		locations = a.Kafka
	}
	return httpapi.NewServer(httpapi.Deps{
		Trips:         a.Trips,
		Requests:      a.Requests,
		Subscriptions: a.Subscriptions,
		Payments:      a.Payments,
		Finder:        a.Finder,
		Ratings:       a.Ratings,
		Pricing:       a.Pricing,
		WS:            a.WS,
		Locations:     locations,
		Limiter:       a.Limiter,
		CORSOrigins:   a.Config.CORSOrigins,
		AdminToken:    a.Config.AdminToken,
		Logger:        a.Logger,
	})
}

func (a *App) pushToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := a.Store.View(ctx, func(tx storage.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		token = u.FCMToken
		return nil
	})
	if apperr.Is(err, apperr.KindNotFound) {
		return "", nil
	}
	return token, err
}

// Close waits for in-flight notifications and releases backends in reverse
// order.
func (a *App) Close() error {
	if a.Fanout != nil {
		a.Fanout.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
