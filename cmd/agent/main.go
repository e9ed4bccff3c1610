package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/driver-dispatch/internal/bootstrap"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/cooldown"
	"github.com/example/driver-dispatch/internal/coordinator"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/httpapi"
	"github.com/example/driver-dispatch/internal/ledger"
	"github.com/example/driver-dispatch/internal/location"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/payments"
	"github.com/example/driver-dispatch/internal/reconcile"
	"github.com/example/driver-dispatch/internal/session"
	"github.com/example/driver-dispatch/internal/status"
)

const heartbeatEvery = 15 * time.Second

func main() {
	cfg, err := config.LoadAgentConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ignore ledger: redis-backed when available, in-process otherwise
	var ldg ledger.Ledger
	var memLedger *ledger.Memory
	if cfg.RedisAddr != "" {
		ldg = ledger.NewRedisLedger(cfg.RedisAddr, cfg.RedisPassword, "", cfg.LedgerRetention, logging.ForComponent(logger, "ledger"))
	} else {
		memLedger = ledger.NewMemory(cfg.LedgerRetention, cfg.LedgerSweepEvery, nil)
		ldg = memLedger
		go memLedger.Run(ctx)
	}

	var cooldownSrc cooldown.Source = cooldown.NopSource{}
	if cfg.RedisAddr != "" {
		cooldownSrc = cooldown.NewRedisSource(cfg.RedisAddr, cfg.RedisPassword)
	}
	gate := cooldown.NewGate(cooldownSrc, cfg.DriverID, cfg.CooldownPoll, logging.ForComponent(logger, "cooldown"))
	// enforcement must not hinge on bootstrap: the poll loop runs for the
	// whole process lifetime and recovers on its own cadence
	go gate.Run(ctx)

	var statusSrc status.Source = status.Static{Status: models.StatusUnknown}
	switch {
	case cfg.PGDSN != "":
		ps, err := status.NewPostgresSource(cfg.PGDSN)
		if err != nil {
			logger.Warn("status store unavailable, reconciliation degraded", "error", err)
		} else {
			statusSrc = ps
			defer ps.Close()
		}
	case cfg.StatusURL != "":
		statusSrc = status.NewHTTPSource(cfg.StatusURL)
	}

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	listener := dispatch.NewKafkaListener(dispatch.KafkaConfig{
		Brokers: brokers,
		Topic:   cfg.DispatchTopic,
		GroupID: cfg.DispatchGroup + "-" + cfg.DriverID,
	}, logging.ForComponent(logger, "dispatch"))

	var holds payments.FareHolds
	if os.Getenv("STRIPE_API_KEY") != "" {
		holds = payments.NewStripeHolds()
	}

	coord := coordinator.New(coordinator.Deps{
		Ledger:     ldg,
		Gate:       gate,
		Listener:   listener,
		Holds:      holds,
		Reconciler: reconcile.New(statusSrc, cfg.ReconcilePoll, logging.ForComponent(logger, "reconcile")),
		Currency:   cfg.Currency,
		Session:    session.Config{Grace: cfg.GraceWindow, OfferTTL: cfg.OfferTTL},
		Logger:     logging.ForComponent(logger, "coordinator"),
	})

	tracker := location.NewTracker(brokers, cfg.LocationTopic, cfg.DriverID)

	seq := bootstrap.NewSequencer([]bootstrap.Channel{
		{
			Name: "dispatch",
			Init: func(ictx context.Context, driverID string) (func(), error) {
				if err := coord.Bind(); err != nil {
					return nil, err
				}
				return coord.Shutdown, nil
			},
		},
		{
			Name: "driver-status",
			Init: func(ictx context.Context, driverID string) (func(), error) {
				// verification read only; the gate's own loop is already
				// polling and keeps polling even when this read fails
				_, err := cooldownSrc.GetCooldown(ictx, driverID)
				return nil, err
			},
		},
		{
			Name: "location",
			Init: func(ictx context.Context, driverID string) (func(), error) {
				if err := tracker.Heartbeat(); err != nil {
					return nil, err
				}
				lctx, cancel := context.WithCancel(ctx)
				go heartbeatLoop(lctx, tracker, logging.ForComponent(logger, "location"))
				return func() {
					cancel()
					_ = tracker.Offline()
					_ = tracker.Close()
				}, nil
			},
		},
	}, cfg.BootstrapTimeout, logging.ForComponent(logger, "bootstrap"))

	report := seq.Initialize(ctx, cfg.DriverID)
	defer seq.Teardown()
	if len(report.Degraded) > 0 {
		logger.Warn("agent running degraded", "channels", report.Degraded)
	}

	var locSink httpapi.LocationSink
	if !degraded(report.Degraded, "location") {
		locSink = tracker
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, locSink, logging.ForComponent(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("driver dispatch agent listening", "addr", cfg.HTTPAddr, "driver_id", cfg.DriverID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
}

func degraded(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func heartbeatLoop(ctx context.Context, tracker *location.Tracker, logger *slog.Logger) {
	t := time.NewTicker(heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := tracker.Heartbeat(); err != nil {
				logger.Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}
