package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/ledger"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Admission rejection sentinels. The coordinator maps these to drop-reason
// metrics and the HTTP layer maps them to response codes.
var (
	ErrIgnored      = errors.New("request is on the ignore ledger")
	ErrCoolingDown  = errors.New("driver is in cooldown")
	ErrBusy         = errors.New("another offer is active")
	ErrJustClosed   = errors.New("previous session closed moments ago")
	ErrNoSession    = errors.New("no active session")
	ErrWrongRequest = errors.New("request id does not match active session")
	ErrBadPhase     = errors.New("transition not valid in current phase")
)

// Guard reports whether offer admission is currently suspended.
type Guard interface {
	Active() bool
}

// Notifier plays the offer tone/announcement when a new offer lands.
type Notifier interface {
	OfferTone()
}

// NopNotifier is the documented no-op for embeddings without audio.
type NopNotifier struct{}

func (NopNotifier) OfferTone() {}

// Machine owns the single current-offer slot. At most one session is
// non-idle at any instant; a second inbound request while non-idle is
// dropped, not queued. All transitions are serialized under one mutex,
// and every terminal transition writes the request ID into the ignore
// ledger before the slot returns to idle.
type Machine struct {
	ledger   ledger.Ledger
	guard    Guard
	grace    time.Duration
	offerTTL time.Duration
	logger   *slog.Logger

	// OnChange is invoked after every transition with a snapshot, outside
	// the machine's lock. Nil is allowed.
	OnChange func(models.Snapshot)

	notifier Notifier

	mu             sync.Mutex
	phase          models.Phase
	offer          *models.DispatchEvent
	bidAmount      float64
	acceptedAmount float64
	notice         string
	updatedAt      time.Time

	// closedUntil models the post-close grace window as explicit state:
	// an in-flight duplicate of a just-dismissed offer must not reopen it
	// even when the ledger write raced the redelivery.
	closedUntil time.Time

	epoch  uint64
	expiry *time.Timer
}

// Config carries the machine's tunables.
type Config struct {
	Grace    time.Duration // post-close admission grace window
	OfferTTL time.Duration // offer-to-decision deadline; 0 disables expiry
}

func NewMachine(l ledger.Ledger, guard Guard, notifier Notifier, cfg Config, logger *slog.Logger) *Machine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Machine{
		ledger:   l,
		guard:    guard,
		grace:    cfg.Grace,
		offerTTL: cfg.OfferTTL,
		notifier: notifier,
		logger:   logger,
		phase:    models.PhaseIdle,
	}
}

// Snapshot returns the current session view.
func (m *Machine) Snapshot() models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() models.Snapshot {
	return models.Snapshot{
		RequestID:      m.requestIDLocked(),
		Phase:          m.phase,
		Offer:          m.offer,
		BidAmount:      m.bidAmount,
		AcceptedAmount: m.acceptedAmount,
		Notice:         m.notice,
		UpdatedAt:      m.updatedAt,
	}
}

func (m *Machine) requestIDLocked() string {
	if m.offer == nil {
		return ""
	}
	return m.offer.RequestID
}

// Admit attempts idle -> offered for an inbound request. The rejection
// reason comes back as a sentinel error; the event is dropped, never
// queued.
func (m *Machine) Admit(ev *models.DispatchEvent) error {
	if ev == nil || ev.RequestID == "" {
		return ErrWrongRequest
	}
	// Ledger and guard reads happen outside the transition lock; both are
	// re-checked implicitly by the single-flight rule since a losing racer
	// just sees a busy slot.
	if m.ledger.IsIgnored(ev.RequestID) {
		return ErrIgnored
	}
	if m.guard != nil && m.guard.Active() {
		return ErrCoolingDown
	}

	m.mu.Lock()
	if m.phase != models.PhaseIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	if time.Now().Before(m.closedUntil) {
		m.mu.Unlock()
		return ErrJustClosed
	}
	evCopy := *ev
	m.phase = models.PhaseOffered
	m.offer = &evCopy
	m.bidAmount = 0
	m.acceptedAmount = 0
	m.notice = ""
	m.updatedAt = time.Now()
	m.epoch++
	m.armExpiryLocked(evCopy.RequestID, m.epoch)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	observability.OffersAdmittedTotal.Inc()
	m.notifier.OfferTone()
	m.emit(snap)
	return nil
}

// Open moves offered -> awaiting_bid when the driver opens the bid UI.
func (m *Machine) Open(requestID string) error {
	return m.advance(requestID, models.PhaseOffered, models.PhaseAwaitingBid, func() {})
}

// SubmitBid moves awaiting_bid -> submitted with the driver's amount.
func (m *Machine) SubmitBid(requestID string, amount float64) error {
	return m.advance(requestID, models.PhaseAwaitingBid, models.PhaseSubmitted, func() {
		m.bidAmount = amount
	})
}

func (m *Machine) advance(requestID string, from, to models.Phase, apply func()) error {
	m.mu.Lock()
	if err := m.checkLocked(requestID); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.phase != from {
		m.mu.Unlock()
		return ErrBadPhase
	}
	apply()
	m.phase = to
	m.updatedAt = time.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return nil
}

// Dismiss declines the active offer. Valid from offered and awaiting_bid.
func (m *Machine) Dismiss(requestID, reason string) error {
	err := m.close(requestID, models.PhaseDeclined, "",
		models.PhaseOffered, models.PhaseAwaitingBid)
	if err == nil {
		m.logger.Info("offer dismissed", "request_id", requestID, "reason", reason)
	}
	return err
}

// Cancel is the driver abandoning an in-progress bid.
func (m *Machine) Cancel(requestID string) error {
	return m.close(requestID, models.PhaseCancelled, "",
		models.PhaseAwaitingBid, models.PhaseSubmitted)
}

// Accept records platform acceptance of the submitted bid.
func (m *Machine) Accept(requestID string, amount float64) error {
	m.mu.Lock()
	if err := m.checkLocked(requestID); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.phase != models.PhaseSubmitted {
		m.mu.Unlock()
		return ErrBadPhase
	}
	m.acceptedAmount = amount
	snaps := m.closeLocked(models.PhaseAccepted, "")
	m.mu.Unlock()
	m.emit(snaps...)
	return nil
}

// Cancelled handles a platform-side cancellation, whether pushed or found
// by reconciliation. notice is the single user-facing message.
func (m *Machine) Cancelled(requestID, notice string) error {
	return m.close(requestID, models.PhaseCancelled, notice,
		models.PhaseOffered, models.PhaseAwaitingBid, models.PhaseSubmitted)
}

func (m *Machine) close(requestID string, terminal models.Phase, notice string, validFrom ...models.Phase) error {
	m.mu.Lock()
	if err := m.checkLocked(requestID); err != nil {
		m.mu.Unlock()
		return err
	}
	valid := false
	for _, p := range validFrom {
		if m.phase == p {
			valid = true
			break
		}
	}
	if !valid {
		m.mu.Unlock()
		return ErrBadPhase
	}
	snaps := m.closeLocked(terminal, notice)
	m.mu.Unlock()
	m.emit(snaps...)
	return nil
}

// checkLocked validates that a session exists and the caller is talking
// about it. Events already in flight when a channel stops re-enter here,
// so identity is verified on delivery, not just on subscribe.
func (m *Machine) checkLocked(requestID string) error {
	if m.phase == models.PhaseIdle {
		return ErrNoSession
	}
	if requestID != m.requestIDLocked() {
		return ErrWrongRequest
	}
	return nil
}

// closeLocked performs a terminal transition and returns the slot to idle.
// The ledger write happens here, under the lock, strictly before the slot
// is reusable: a re-delivered duplicate observes either a busy slot, the
// ledger entry, or the grace window.
func (m *Machine) closeLocked(terminal models.Phase, notice string) []models.Snapshot {
	id := m.requestIDLocked()
	m.ledger.Remember(id)
	observability.SessionsClosedTotal.WithLabelValues(string(terminal)).Inc()

	m.phase = terminal
	m.notice = notice
	m.updatedAt = time.Now()
	terminalSnap := m.snapshotLocked()

	m.epoch++
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
	m.closedUntil = time.Now().Add(m.grace)

	m.phase = models.PhaseIdle
	m.offer = nil
	m.bidAmount = 0
	m.acceptedAmount = 0
	idleSnap := m.snapshotLocked()
	return []models.Snapshot{terminalSnap, idleSnap}
}

// armExpiryLocked starts the offer TTL clock. The epoch ties the timer to
// this session: a fired timer for a stale epoch is a no-op.
func (m *Machine) armExpiryLocked(requestID string, epoch uint64) {
	if m.offerTTL <= 0 {
		return
	}
	m.expiry = time.AfterFunc(m.offerTTL, func() {
		m.expire(requestID, epoch)
	})
}

func (m *Machine) expire(requestID string, epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.requestIDLocked() != requestID {
		m.mu.Unlock()
		return
	}
	if m.phase != models.PhaseOffered && m.phase != models.PhaseAwaitingBid {
		m.mu.Unlock()
		return
	}
	m.logger.Info("offer expired without a decision", "request_id", requestID)
	snaps := m.closeLocked(models.PhaseExpired, "")
	m.mu.Unlock()
	m.emit(snaps...)
}

func (m *Machine) emit(snaps ...models.Snapshot) {
	if m.OnChange == nil {
		return
	}
	for _, s := range snaps {
		m.OnChange(s)
	}
}
