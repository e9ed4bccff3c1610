package cooldown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// Source is the external reliability decision this gate enforces. The
// penalty itself is computed elsewhere; the gate only reads it.
type Source interface {
	GetCooldown(ctx context.Context, driverID string) (models.CooldownWindow, error)
}

// Gate polls the cooldown source on a fixed cadence and caches the last
// window so admission checks stay synchronous. It detects the edge from
// active to inactive and fires the end callback once per edge, not once
// per poll tick. A failed read is logged and treated as "not in cooldown"
// for that tick: availability over strictness.
type Gate struct {
	source   Source
	driverID string
	interval time.Duration
	logger   *slog.Logger

	// OnEnd is invoked exactly once per active->inactive transition.
	// Set before Run; nil is allowed.
	OnEnd func()

	// OnTick receives every successfully-read window, for live countdown
	// display. Nil is allowed.
	OnTick func(models.CooldownWindow)

	mu      sync.RWMutex
	current models.CooldownWindow
	wasOn   bool
}

func NewGate(source Source, driverID string, interval time.Duration, logger *slog.Logger) *Gate {
	return &Gate{source: source, driverID: driverID, interval: interval, logger: logger}
}

// Active reports the last observed window state.
func (g *Gate) Active() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current.Active
}

// Window returns the last observed window.
func (g *Gate) Window() models.CooldownWindow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Run polls until ctx is cancelled. An immediate first read happens before
// the ticker starts so a driver already in cooldown is gated right away.
func (g *Gate) Run(ctx context.Context) {
	g.poll(ctx)
	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.poll(ctx)
		}
	}
}

func (g *Gate) poll(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, g.interval)
	w, err := g.source.GetCooldown(rctx, g.driverID)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("cooldown read failed, treating as inactive", "driver_id", g.driverID, "error", err)
		}
		w = models.CooldownWindow{}
	}
	if w.Active && w.Remaining <= 0 {
		// source reported an already-elapsed window
		w.Active = false
	}

	g.mu.Lock()
	ended := g.wasOn && !w.Active
	g.wasOn = w.Active
	g.current = w
	g.mu.Unlock()

	if err == nil && g.OnTick != nil {
		g.OnTick(w)
	}
	if ended && g.OnEnd != nil {
		g.OnEnd()
	}
}

// NopSource reports no cooldown; for embeddings without a reliability
// service.
type NopSource struct{}

func (NopSource) GetCooldown(ctx context.Context, driverID string) (models.CooldownWindow, error) {
	return models.CooldownWindow{}, nil
}
