package cooldown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

type fakeSource struct {
	mu  sync.Mutex
	w   models.CooldownWindow
	err error
}

func (f *fakeSource) set(w models.CooldownWindow, err error) {
	f.mu.Lock()
	f.w, f.err = w, err
	f.mu.Unlock()
}

func (f *fakeSource) GetCooldown(ctx context.Context, driverID string) (models.CooldownWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestGateTracksActiveWindow(t *testing.T) {
	src := &fakeSource{}
	src.set(models.CooldownWindow{Active: true, Reason: "cancel_penalty", Remaining: 30 * time.Second}, nil)
	g := NewGate(src, "d1", 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	waitFor(t, func() bool { return g.Active() })
	if w := g.Window(); w.Reason != "cancel_penalty" {
		t.Fatalf("unexpected window: %+v", w)
	}
}

func TestEndFiresOncePerEdge(t *testing.T) {
	src := &fakeSource{}
	src.set(models.CooldownWindow{Active: true, Remaining: time.Minute}, nil)
	g := NewGate(src, "d1", 5*time.Millisecond, testLogger())
	var ends atomic.Int32
	g.OnEnd = func() { ends.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	waitFor(t, func() bool { return g.Active() })
	src.set(models.CooldownWindow{}, nil)
	waitFor(t, func() bool { return !g.Active() })

	// let several more ticks elapse; the signal must not repeat
	time.Sleep(40 * time.Millisecond)
	if n := ends.Load(); n != 1 {
		t.Fatalf("expected exactly one end signal, got %d", n)
	}
}

func TestEndDoesNotFireWithoutPriorActive(t *testing.T) {
	src := &fakeSource{}
	g := NewGate(src, "d1", 5*time.Millisecond, testLogger())
	var ends atomic.Int32
	g.OnEnd = func() { ends.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	time.Sleep(40 * time.Millisecond)
	if n := ends.Load(); n != 0 {
		t.Fatalf("end signal without an active window, got %d", n)
	}
}

func TestReadErrorFailsOpen(t *testing.T) {
	src := &fakeSource{}
	src.set(models.CooldownWindow{Active: true, Remaining: time.Minute}, nil)
	g := NewGate(src, "d1", 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	waitFor(t, func() bool { return g.Active() })
	src.set(models.CooldownWindow{}, errors.New("source down"))
	waitFor(t, func() bool { return !g.Active() })
}

func TestGateRecoversAfterStartupErrors(t *testing.T) {
	src := &fakeSource{}
	src.set(models.CooldownWindow{}, errors.New("source down"))
	g := NewGate(src, "d1", 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	// a few failed ticks must not stall the loop
	time.Sleep(30 * time.Millisecond)
	if g.Active() {
		t.Fatal("failed reads must fail open")
	}

	src.set(models.CooldownWindow{Active: true, Reason: "cancel_penalty", Remaining: time.Minute}, nil)
	waitFor(t, func() bool { return g.Active() })
}

func TestElapsedWindowReportedInactive(t *testing.T) {
	src := &fakeSource{}
	src.set(models.CooldownWindow{Active: true, Remaining: -time.Second}, nil)
	g := NewGate(src, "d1", 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	if g.Active() {
		t.Fatal("window with non-positive remaining must read as inactive")
	}
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
