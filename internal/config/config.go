package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// AgentConfig captures all tunable parameters for the dispatch agent
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type AgentConfig struct {
	DriverID string

	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers  []string
	DispatchTopic string
	DispatchGroup string
	LocationTopic string

	PGDSN     string
	StatusURL string

	LedgerRetention  time.Duration
	LedgerSweepEvery time.Duration
	CooldownPoll     time.Duration
	ReconcilePoll    time.Duration
	GraceWindow      time.Duration
	OfferTTL         time.Duration
	BootstrapTimeout time.Duration

	Currency string
	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:        ":8090",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		DispatchTopic: "dispatch-events",
		DispatchGroup: "driver-agent",
		LocationTopic: "driver-locations",

		LedgerRetention:  2 * time.Hour,
		LedgerSweepEvery: 10 * time.Minute,
		CooldownPoll:     time.Second,
		ReconcilePoll:    2 * time.Second,
		GraceWindow:      2 * time.Second,
		OfferTTL:         25 * time.Second,
		BootstrapTimeout: 4 * time.Second,

		Currency: "usd",
		LogLevel: "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	cfg.DriverID = strings.TrimSpace(os.Getenv("DRIVER_ID"))
	if cfg.DriverID == "" {
		errs = append(errs, fmt.Errorf("DRIVER_ID is required"))
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.DispatchTopic, "DISPATCH_TOPIC")
	setStringFromEnv(&cfg.DispatchGroup, "DISPATCH_GROUP")
	setStringFromEnv(&cfg.LocationTopic, "LOCATION_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StatusURL = strings.TrimSpace(os.Getenv("STATUS_URL"))

	setDurationFromEnv(&cfg.LedgerRetention, "LEDGER_RETENTION", &errs)
	setDurationFromEnv(&cfg.LedgerSweepEvery, "LEDGER_SWEEP_EVERY", &errs)
	setDurationFromEnv(&cfg.CooldownPoll, "COOLDOWN_POLL", &errs)
	setDurationFromEnv(&cfg.ReconcilePoll, "RECONCILE_POLL", &errs)
	setDurationFromEnv(&cfg.GraceWindow, "GRACE_WINDOW", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.BootstrapTimeout, "BOOTSTRAP_TIMEOUT", &errs)

	setStringFromEnv(&cfg.Currency, "CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.LedgerRetention <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_RETENTION must be > 0"))
	}
	if cfg.CooldownPoll <= 0 || cfg.ReconcilePoll <= 0 {
		errs = append(errs, fmt.Errorf("poll intervals must be > 0"))
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
