package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/app"
	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/trip"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; pings will be applied to a private in-memory store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			err := a.Store.View(r.Context(), func(tx storage.Tx) error {
				_, err := tx.ListPlans(r.Context(), false)
				return err
			})
			if err != nil {
				http.Error(w, "store not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			sleep(ctx, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		result := handleMessage(ctx, a.Trips, m.Value, 3, 200*time.Millisecond)
		observability.LocationPings.WithLabelValues(result).Inc()
		if result != resultApplied {
			logger.Debug("location ping not applied", "result", result, "offset", m.Offset, "partition", m.Partition)
		}
	}
}

// LocationApplier is the part of the trip manager the consumer needs.
type LocationApplier interface {
	UpdateDriverLocation(ctx context.Context, tripID, actorID string, u trip.NavUpdate) (models.Trip, error)
}

const (
	resultApplied  = "applied"
	resultInvalid  = "invalid"
	resultRejected = "rejected"
	resultFailed   = "failed"
)

// handleMessage decodes one ping and applies it. Pings for unknown or
// inactive trips are rejected without retry.
func handleMessage(ctx context.Context, trips LocationApplier, value []byte, attempts int, delay time.Duration) string {
	var p ingest.LocationPing
	if err := json.Unmarshal(value, &p); err != nil {
		return resultInvalid
	}
	if err := p.Validate(); err != nil {
		return resultInvalid
	}
	err := applyWithRetry(ctx, trips, p, attempts, delay)
	switch {
	case err == nil:
		return resultApplied
	case permanent(err):
		return resultRejected
	default:
		return resultFailed
	}
}

// applyWithRetry retries transient failures with exponential backoff.
func applyWithRetry(ctx context.Context, trips LocationApplier, p ingest.LocationPing, attempts int, delay time.Duration) error {
	u := trip.NavUpdate{Lat: p.Lat, Lon: p.Lon, SpeedKmh: p.SpeedKmh, Bearing: p.Bearing, Accuracy: p.Accuracy}
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = trips.UpdateDriverLocation(ctx, p.TripID, p.DriverID, u); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func permanent(err error) bool {
	ae, ok := apperr.As(err)
	if !ok {
		return false
	}
	switch ae.Kind {
	case apperr.KindNotFound, apperr.KindValidation, apperr.KindInvalidState, apperr.KindAuthorization:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
