package bootstrap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/observability"
)

// Channel is one collaborator brought up during bootstrap. Init returns
// the channel's teardown func; a nil teardown is allowed.
type Channel struct {
	Name    string
	Timeout time.Duration // falls back to the sequencer default when 0
	Init    func(ctx context.Context, driverID string) (teardown func(), err error)
}

// Report is the bootstrap outcome. Ready is always true: a failed or
// timed-out collaborator is recorded as degraded instead of blocking the
// driver out of the app.
type Report struct {
	Ready    bool
	Degraded []string
}

// Sequencer brings dependent channels up in order, each under an
// independent timeout, and tears them down in exact reverse order.
type Sequencer struct {
	channels       []Channel
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	teardowns []func()
}

func NewSequencer(channels []Channel, defaultTimeout time.Duration, logger *slog.Logger) *Sequencer {
	return &Sequencer{channels: channels, defaultTimeout: defaultTimeout, logger: logger}
}

// Initialize runs every channel's Init. It never hangs past the sum of
// the per-channel timeouts and always completes with Ready=true.
func (s *Sequencer) Initialize(ctx context.Context, driverID string) Report {
	rep := Report{Ready: true}
	for _, ch := range s.channels {
		timeout := ch.Timeout
		if timeout <= 0 {
			timeout = s.defaultTimeout
		}
		td, err := s.initOne(ctx, ch, driverID, timeout)
		if err != nil {
			s.logger.Warn("bootstrap channel degraded", "channel", ch.Name, "driver_id", driverID, "error", err)
			rep.Degraded = append(rep.Degraded, ch.Name)
			continue
		}
		if td != nil {
			s.mu.Lock()
			s.teardowns = append(s.teardowns, td)
			s.mu.Unlock()
		}
	}
	observability.DegradedChannels.Set(float64(len(rep.Degraded)))
	return rep
}

type initResult struct {
	teardown func()
	err      error
}

func (s *Sequencer) initOne(ctx context.Context, ch Channel, driverID string, timeout time.Duration) (func(), error) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan initResult, 1)
	go func() {
		td, err := ch.Init(ictx, driverID)
		done <- initResult{teardown: td, err: err}
	}()
	select {
	case res := <-done:
		cancel()
		return res.teardown, res.err
	case <-ictx.Done():
		cancel()
		// a late success must not leak its resources
		go func() {
			if res := <-done; res.err == nil && res.teardown != nil {
				s.logger.Info("late bootstrap completion, tearing down", "channel", ch.Name)
				res.teardown()
			}
		}()
		return nil, ictx.Err()
	}
}

// Teardown reverses Initialize. Safe to call before, during, or more
// than once after bootstrap; each registered teardown runs at most once.
func (s *Sequencer) Teardown() {
	s.mu.Lock()
	tds := s.teardowns
	s.teardowns = nil
	s.mu.Unlock()
	for i := len(tds) - 1; i >= 0; i-- {
		tds[i]()
	}
}
