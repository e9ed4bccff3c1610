package reconcile

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

type scriptedSource struct {
	mu     sync.Mutex
	status string
	err    error
	calls  atomic.Int32
}

func (s *scriptedSource) set(status string, err error) {
	s.mu.Lock()
	s.status, s.err = status, err
	s.mu.Unlock()
}

func (s *scriptedSource) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestDetectsLostCancellation(t *testing.T) {
	src := &scriptedSource{}
	src.set(models.StatusMatched, nil)
	r := New(src, 10*time.Millisecond, testLogger())

	fired := make(chan string, 1)
	stop := r.Watch("r1", func(id string) { fired <- id })
	defer stop()

	time.Sleep(25 * time.Millisecond)
	src.set(models.StatusCancelled, nil)

	select {
	case id := <-fired:
		if id != "r1" {
			t.Fatalf("wrong request id: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation not detected within polling bound")
	}

	// the poller stops itself after firing
	settled := src.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if src.calls.Load() != settled {
		t.Fatal("poller kept running after detecting cancellation")
	}
}

func TestFiresAtMostOnce(t *testing.T) {
	src := &scriptedSource{}
	src.set(models.StatusCancelled, nil)
	r := New(src, 5*time.Millisecond, testLogger())

	var fires atomic.Int32
	stop := r.Watch("r1", func(string) { fires.Add(1) })
	defer stop()

	time.Sleep(60 * time.Millisecond)
	if n := fires.Load(); n != 1 {
		t.Fatalf("callback fired %d times, want 1", n)
	}
}

func TestStopHaltsPollingImmediately(t *testing.T) {
	src := &scriptedSource{}
	src.set(models.StatusMatched, nil)
	r := New(src, 5*time.Millisecond, testLogger())

	stop := r.Watch("r1", func(string) { t.Error("callback after benign session end") })
	time.Sleep(20 * time.Millisecond)
	stop()
	stop() // idempotent

	settled := src.calls.Load()
	time.Sleep(40 * time.Millisecond)
	if grew := src.calls.Load() - settled; grew > 1 {
		t.Fatalf("poller outlived its session by %d polls", grew)
	}
}

func TestPollErrorsAreSkipped(t *testing.T) {
	src := &scriptedSource{}
	src.set("", errors.New("status backend down"))
	r := New(src, 5*time.Millisecond, testLogger())

	fired := make(chan string, 1)
	stop := r.Watch("r1", func(id string) { fired <- id })
	defer stop()

	time.Sleep(20 * time.Millisecond)
	src.set(models.StatusCancelled, nil)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("poller did not recover after read errors")
	}
}
