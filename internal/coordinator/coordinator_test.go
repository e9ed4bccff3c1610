package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/cooldown"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/ledger"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/reconcile"
	"github.com/example/driver-dispatch/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type cooldownFeed struct {
	mu sync.Mutex
	w  models.CooldownWindow
}

func (f *cooldownFeed) set(w models.CooldownWindow) {
	f.mu.Lock()
	f.w = w
	f.mu.Unlock()
}

func (f *cooldownFeed) GetCooldown(ctx context.Context, driverID string) (models.CooldownWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w, nil
}

type statusFeed struct {
	mu sync.Mutex
	st string
}

func (f *statusFeed) set(st string) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func (f *statusFeed) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.st == "" {
		return models.StatusMatched, nil
	}
	return f.st, nil
}

type fakeHolds struct {
	mu       sync.Mutex
	held     map[string]int64
	released []string
}

func (f *fakeHolds) Hold(ctx context.Context, requestID string, amountCents int64, currency string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]int64)
	}
	f.held[requestID] = amountCents
	return nil
}

func (f *fakeHolds) Release(ctx context.Context, requestID string) error {
	f.mu.Lock()
	f.released = append(f.released, requestID)
	f.mu.Unlock()
	return nil
}

func (f *fakeHolds) heldCents(requestID string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.held[requestID]
	return c, ok
}

type harness struct {
	c        *Coordinator
	listener *dispatch.ManualListener
	ledger   *ledger.Memory
	cooldown *cooldownFeed
	status   *statusFeed
	gate     *cooldown.Gate
	holds    *fakeHolds
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	l := ledger.NewMemory(2*time.Hour, 10*time.Minute, nil)
	cf := &cooldownFeed{}
	sf := &statusFeed{}
	gate := cooldown.NewGate(cf, "d1", 5*time.Millisecond, testLogger())
	lst := dispatch.NewManualListener()
	holds := &fakeHolds{}
	c := New(Deps{
		Ledger:     l,
		Gate:       gate,
		Listener:   lst,
		Reconciler: reconcile.New(sf, 10*time.Millisecond, testLogger()),
		Holds:      holds,
		Session:    session.Config{Grace: grace},
		Logger:     testLogger(),
	})
	if err := c.Bind(); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(c.Shutdown)
	go gate.Run(ctx)
	return &harness{c: c, listener: lst, ledger: l, cooldown: cf, status: sf, gate: gate, holds: holds}
}

func event(id string) models.DispatchEvent {
	return models.DispatchEvent{RequestID: id, IssuedAt: time.Now()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBindRegistersBeforeStart(t *testing.T) {
	lst := dispatch.NewManualListener()
	if err := lst.Start(); err == nil {
		t.Fatal("start without callbacks must fail")
	}
	h := newHarness(t, 20*time.Millisecond)
	if !h.listener.Deliver(event("r0")) {
		t.Fatal("listener should deliver after Bind")
	}
}

func TestReconcilerCatchesLostCancellation(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.listener.Deliver(event("r1"))
	if err := h.c.OpenOffer("r1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.c.SubmitBid("r1", 12); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// the push cancellation is lost; only the authoritative store knows
	h.status.set(models.StatusCancelled)

	waitFor(t, func() bool { return h.c.Snapshot().Phase == models.PhaseIdle })
	if !h.ledger.IsIgnored("r1") {
		t.Fatal("reconciled cancellation must land on the ledger")
	}
	waitFor(t, func() bool { return h.c.Snapshot().Notice != "" })
}

func TestWatchStopsWhenBidAccepted(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.listener.Deliver(event("r1"))
	h.c.OpenOffer("r1")
	h.c.SubmitBid("r1", 12)
	if err := h.c.AcceptBid("r1", 12); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// a stale cancelled status must not flip anything after acceptance
	h.status.set(models.StatusCancelled)
	time.Sleep(50 * time.Millisecond)
	if snap := h.c.Snapshot(); snap.Phase != models.PhaseIdle || snap.Notice != "" {
		t.Fatalf("accepted session disturbed: %+v", snap)
	}
}

func TestPushedAcceptanceCompletesBidAndPlacesHold(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	var phases []models.Phase
	var mu sync.Mutex
	h.c.Subscribe(func(s models.Snapshot) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})

	h.listener.Deliver(event("r1"))
	if err := h.c.OpenOffer("r1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.c.SubmitBid("r1", 14); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !h.listener.DeliverAccept("r1", 14.5) {
		t.Fatal("acceptance not delivered")
	}

	mu.Lock()
	sawAccepted := false
	for _, p := range phases {
		if p == models.PhaseAccepted {
			sawAccepted = true
		}
	}
	mu.Unlock()
	if !sawAccepted {
		t.Fatal("pushed acceptance never reached the accepted phase")
	}
	if !h.ledger.IsIgnored("r1") {
		t.Fatal("accepted session must land on the ledger")
	}
	if cents, ok := h.holds.heldCents("r1"); !ok || cents != 1450 {
		t.Fatalf("fare hold = %d held=%v", cents, ok)
	}

	// a stale acceptance after the session ended is dropped quietly
	h.listener.DeliverAccept("r1", 14.5)
	if h.c.Snapshot().Phase != models.PhaseIdle {
		t.Fatal("stale acceptance disturbed the idle slot")
	}
}

func TestPushedCancellationForUnknownRequestIsLedgered(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.listener.DeliverCancel("r9")
	if !h.ledger.IsIgnored("r9") {
		t.Fatal("cancelled request must be remembered even without a session")
	}
	if h.listener.Deliver(event("r9")); h.c.Snapshot().Phase != models.PhaseIdle {
		t.Fatal("ledgered request must not open an offer")
	}
}

func TestSnapshotFanout(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	var phases []models.Phase
	var mu sync.Mutex
	h.c.Subscribe(func(s models.Snapshot) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})
	h.listener.Deliver(event("r1"))
	h.c.DismissOffer("r1", "busy")
	mu.Lock()
	defer mu.Unlock()
	want := []models.Phase{models.PhaseOffered, models.PhaseDeclined, models.PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("fanout = %v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("fanout[%d] = %s, want %s", i, phases[i], want[i])
		}
	}
}

// The end-to-end flow: duplicate suppression by grace window then ledger,
// cooldown exclusivity with a single end signal, then normal admission.
func TestDispatchLifecycle(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond)
	var cooldownEnds atomic.Int32
	h.c.SetOnCooldownEnd(func() { cooldownEnds.Add(1) })

	// R1 offered, driver dismisses
	h.listener.Deliver(event("R1"))
	if got := h.c.Snapshot().RequestID; got != "R1" {
		t.Fatalf("expected R1 active, got %q", got)
	}
	if err := h.c.DismissOffer("R1", "not_interested"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	// in-flight duplicate right after dismissal: grace window drops it
	// even with the ledger entry forced out
	h.ledger.Sweep(time.Now().Add(3 * time.Hour))
	h.listener.Deliver(event("R1"))
	if h.c.Snapshot().Phase != models.PhaseIdle {
		t.Fatal("grace window failed to suppress the duplicate")
	}

	// late duplicate after the grace window: the ledger drops it
	h.ledger.Remember("R1")
	time.Sleep(100 * time.Millisecond)
	h.listener.Deliver(event("R1"))
	if h.c.Snapshot().Phase != models.PhaseIdle {
		t.Fatal("ledger failed to suppress the late duplicate")
	}

	// cooldown becomes active; R2 must not be offered
	h.cooldown.set(models.CooldownWindow{Active: true, Reason: "cancel_penalty", Remaining: 30 * time.Second})
	waitFor(t, func() bool { return h.gate.Active() })
	h.listener.Deliver(event("R2"))
	if h.c.Snapshot().Phase != models.PhaseIdle {
		t.Fatal("cooldown failed to block admission")
	}

	// cooldown ends: exactly one end signal
	h.cooldown.set(models.CooldownWindow{})
	waitFor(t, func() bool { return cooldownEnds.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := cooldownEnds.Load(); n != 1 {
		t.Fatalf("cooldown end fired %d times", n)
	}

	// R3 is admitted normally
	h.listener.Deliver(event("R3"))
	snap := h.c.Snapshot()
	if snap.Phase != models.PhaseOffered || snap.RequestID != "R3" {
		t.Fatalf("R3 should be offered, got %+v", snap)
	}
}
