package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures every tunable of the carpool processes. Values come
// from the environment (optionally seeded from a .env file) with defaults that
// let the binary run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaLocationTopic string
	KafkaGroup         string

	PGDSN    string
	PGDriver string

	RabbitMQURL string
	FCMEndpoint string
	FCMKey      string

	OSRMEndpoint string
	OSRMTimeout  time.Duration

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeCurrency      string

	TripSweepInterval    time.Duration
	TripGraceWindow      time.Duration
	TripSweepCascade     bool
	BillingSweepInterval time.Duration
	ReminderInterval     time.Duration

	GeoRadiusKm float64
	GeoNearKm   float64

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	AdminToken     string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "carpool:open_trips",
		KafkaTopic:           "trip-events",
		KafkaLocationTopic:   "driver-locations",
		KafkaGroup:           "carpool-location-consumer",
		PGDriver:             "postgres",
		OSRMTimeout:          3 * time.Second,
		StripeCurrency:       "eur",
		TripSweepInterval:    time.Minute,
		TripGraceWindow:      15 * time.Minute,
		TripSweepCascade:     true,
		BillingSweepInterval: 5 * time.Minute,
		ReminderInterval:     5 * time.Minute,
		GeoRadiusKm:          6.5,
		GeoNearKm:            2,
		RateLimitRPS:         20,
		RateLimitBurst:       40,
		CORSOrigins:          []string{"*"},
		LogLevel:             "info",
	}
}

// LoadServerConfig reads .env (if present) and the environment. All parse
// errors are reported together.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.PGDriver, "PG_DRIVER")

	cfg.RabbitMQURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.OSRMTimeout, "OSRM_TIMEOUT", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setDurationFromEnv(&cfg.TripSweepInterval, "TRIP_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TripGraceWindow, "TRIP_GRACE_WINDOW", &errs)
	setBoolFromEnv(&cfg.TripSweepCascade, "TRIP_SWEEP_CASCADE", &errs)
	setDurationFromEnv(&cfg.BillingSweepInterval, "BILLING_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReminderInterval, "REMINDER_INTERVAL", &errs)

	setFloatFromEnv(&cfg.GeoRadiusKm, "GEO_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.GeoNearKm, "GEO_NEAR_KM", &errs)

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.PGDriver != "postgres" && cfg.PGDriver != "pgx" {
		errs = append(errs, fmt.Errorf("PG_DRIVER must be postgres or pgx, got %q", cfg.PGDriver))
	}
	if cfg.TripSweepInterval <= 0 || cfg.BillingSweepInterval <= 0 || cfg.ReminderInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep intervals must be > 0"))
	}
	if cfg.GeoNearKm <= 0 || cfg.GeoRadiusKm < cfg.GeoNearKm {
		errs = append(errs, fmt.Errorf("GEO_NEAR_KM must be > 0 and <= GEO_RADIUS_KM"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
