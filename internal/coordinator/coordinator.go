package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/cooldown"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/ledger"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/payments"
	"github.com/example/driver-dispatch/internal/reconcile"
	"github.com/example/driver-dispatch/internal/session"
)

const cancelledNotice = "This ride request was cancelled."

// Coordinator owns the dispatch side of the driver home screen: it feeds
// listener events through the admission checks into the bid session
// machine, keeps a reconciliation watch alive while a bid is pending,
// and fans session snapshots out to the app surface. The ledger and the
// session slot are its private state; the app only requests transitions
// and reads snapshots.
type Coordinator struct {
	machine  *session.Machine
	ledger   ledger.Ledger
	gate     *cooldown.Gate
	listener dispatch.Listener
	recon    *reconcile.Reconciler
	holds    payments.FareHolds
	currency string
	logger   *slog.Logger

	mu            sync.Mutex
	subs          []func(models.Snapshot)
	onCooldownEnd func()
	watchID       string
	watchStop     func()
}

type Deps struct {
	Ledger     ledger.Ledger
	Gate       *cooldown.Gate
	Listener   dispatch.Listener
	Reconciler *reconcile.Reconciler
	Holds      payments.FareHolds
	Notifier   session.Notifier
	Currency   string
	Session    session.Config
	Logger     *slog.Logger
}

func New(d Deps) *Coordinator {
	if d.Holds == nil {
		d.Holds = payments.NopHolds{}
	}
	if d.Currency == "" {
		d.Currency = "usd"
	}
	c := &Coordinator{
		ledger:   d.Ledger,
		gate:     d.Gate,
		listener: d.Listener,
		recon:    d.Reconciler,
		holds:    d.Holds,
		currency: d.Currency,
		logger:   d.Logger,
	}
	// a nil *Gate must not become a non-nil Guard interface
	var guard session.Guard
	if d.Gate != nil {
		guard = d.Gate
		d.Gate.OnEnd = c.fireCooldownEnd
	}
	c.machine = session.NewMachine(d.Ledger, guard, d.Notifier, d.Session, d.Logger)
	c.machine.OnChange = c.handleChange
	return c
}

// Bind registers the listener callbacks and starts the listener, in that
// order. It is the dispatch-channel init handed to the bootstrap
// sequencer.
func (c *Coordinator) Bind() error {
	c.listener.OnRequest(c.handleRequest)
	c.listener.OnAccepted(c.handleAccepted)
	c.listener.OnCancelled(c.handleCancelled)
	return c.listener.Start()
}

// Shutdown stops the listener and any live reconciliation watch.
func (c *Coordinator) Shutdown() {
	c.listener.Stop()
	c.mu.Lock()
	stop := c.watchStop
	c.watchID = ""
	c.watchStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Subscribe registers an observer for every session transition.
func (c *Coordinator) Subscribe(fn func(models.Snapshot)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// SetOnCooldownEnd registers the once-per-edge cooldown end signal.
func (c *Coordinator) SetOnCooldownEnd(fn func()) {
	c.mu.Lock()
	c.onCooldownEnd = fn
	c.mu.Unlock()
}

// Snapshot returns the current session view.
func (c *Coordinator) Snapshot() models.Snapshot { return c.machine.Snapshot() }

// Cooldown returns the last observed cooldown window.
func (c *Coordinator) Cooldown() models.CooldownWindow {
	if c.gate == nil {
		return models.CooldownWindow{}
	}
	return c.gate.Window()
}

// Driver-initiated transitions.

func (c *Coordinator) OpenOffer(requestID string) error { return c.machine.Open(requestID) }

func (c *Coordinator) DismissOffer(requestID, reason string) error {
	return c.machine.Dismiss(requestID, reason)
}

func (c *Coordinator) SubmitBid(requestID string, amount float64) error {
	return c.machine.SubmitBid(requestID, amount)
}

func (c *Coordinator) CancelOffer(requestID string) error { return c.machine.Cancel(requestID) }

// AcceptBid records platform acceptance and places the fare hold.
func (c *Coordinator) AcceptBid(requestID string, amount float64) error {
	if err := c.machine.Accept(requestID, amount); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.holds.Hold(ctx, requestID, toCents(amount), c.currency); err != nil {
		// the ride proceeds; the hold is retried platform-side
		c.logger.Error("fare hold failed", "request_id", requestID, "error", err)
	}
	return nil
}

func (c *Coordinator) handleRequest(ev models.DispatchEvent) {
	err := c.machine.Admit(&ev)
	if err == nil {
		return
	}
	observability.OffersDroppedTotal.WithLabelValues(dropReason(err)).Inc()
	c.logger.Debug("request dropped", "request_id", ev.RequestID, "reason", dropReason(err))
}

// handleAccepted processes a platform acceptance of the submitted bid.
// A stale acceptance (session already gone) is logged, not retried: the
// platform re-announces acceptance until the driver confirms pickup.
func (c *Coordinator) handleAccepted(requestID string, amount float64) {
	if err := c.AcceptBid(requestID, amount); err != nil {
		c.logger.Warn("acceptance not applied", "request_id", requestID, "error", err)
	}
}

// handleCancelled processes a pushed cancellation. The request is
// remembered even when no session matches: a cancelled request is dead
// server-side and must never be offered later.
func (c *Coordinator) handleCancelled(requestID string) {
	err := c.machine.Cancelled(requestID, cancelledNotice)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrWrongRequest) {
			c.ledger.Remember(requestID)
		} else {
			c.logger.Warn("cancellation not applied", "request_id", requestID, "error", err)
		}
	}
	c.releaseHold(requestID)
}

func (c *Coordinator) releaseHold(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.holds.Release(ctx, requestID); err != nil {
		c.logger.Error("fare hold release failed", "request_id", requestID, "error", err)
	}
}

// handleChange fans snapshots out and keeps the reconciliation watch in
// step with the session: the watch lives exactly while a request is
// awaiting or submitted.
func (c *Coordinator) handleChange(snap models.Snapshot) {
	c.mu.Lock()
	switch snap.Phase {
	case models.PhaseAwaitingBid, models.PhaseSubmitted:
		if c.watchID != snap.RequestID {
			if c.watchStop != nil {
				c.watchStop()
			}
			c.watchID = snap.RequestID
			c.watchStop = c.recon.Watch(snap.RequestID, c.handleReconciledCancel)
		}
	default:
		if c.watchStop != nil && (snap.RequestID == c.watchID || snap.Phase == models.PhaseIdle) {
			c.watchStop()
			c.watchID = ""
			c.watchStop = nil
		}
	}
	subs := make([]func(models.Snapshot), len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (c *Coordinator) handleReconciledCancel(requestID string) {
	c.logger.Info("cancellation found by reconciliation", "request_id", requestID)
	if err := c.machine.Cancelled(requestID, cancelledNotice); err != nil {
		// the session already ended some other way; membership still holds
		c.ledger.Remember(requestID)
	}
	c.releaseHold(requestID)
}

func (c *Coordinator) fireCooldownEnd() {
	observability.CooldownEndsTotal.Inc()
	c.mu.Lock()
	fn := c.onCooldownEnd
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, session.ErrIgnored):
		return "ignored"
	case errors.Is(err, session.ErrCoolingDown):
		return "cooldown"
	case errors.Is(err, session.ErrBusy):
		return "busy"
	case errors.Is(err, session.ErrJustClosed):
		return "grace"
	default:
		return "invalid"
	}
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
