package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/status"
)

// Reconciler is the fallback cancellation detector. While a bid session is
// awaiting or submitted, it polls the authoritative status source because
// push-channel cancellation delivery can be lost. On a terminal cancelled
// status it fires the callback once and stops itself.
type Reconciler struct {
	Source   status.Source
	Interval time.Duration
	Logger   *slog.Logger
}

func New(src status.Source, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{Source: src, Interval: interval, Logger: logger}
}

// Watch polls the status of requestID until it is cancelled, or until the
// returned stop func is called. The stop func is idempotent and halts the
// poller immediately; it must be called when the watched session ends for
// any reason so a leaked poller never outlives its session.
func (r *Reconciler) Watch(requestID string, onCancelled func(requestID string)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	stop = func() { once.Do(cancel) }

	go func() {
		defer cancel()
		t := time.NewTicker(r.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			rctx, rcancel := context.WithTimeout(ctx, r.Interval)
			st, err := r.Source.GetRequestStatus(rctx, requestID)
			rcancel()
			if err != nil {
				if ctx.Err() == nil {
					r.Logger.Warn("status poll failed", "request_id", requestID, "error", err)
				}
				continue
			}
			observability.ReconcilerPollsTotal.Inc()
			if st == models.StatusCancelled {
				// re-check: stop may have raced the poll
				if ctx.Err() != nil {
					return
				}
				observability.ReconciledCancellationsTotal.Inc()
				onCancelled(requestID)
				return
			}
		}
	}()
	return stop
}
