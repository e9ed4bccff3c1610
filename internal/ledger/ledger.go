package ledger

import (
	"context"
	"sync"
	"time"
)

// Ledger remembers request IDs the driver is done with so a duplicate or
// late event can never resurrect a closed offer.
type Ledger interface {
	Remember(requestID string)
	IsIgnored(requestID string) bool
}

// Memory keeps ignored request IDs in-process with a retention window.
// The zero value is usable: queries on an uninitialized ledger report
// nothing ignored and the first Remember allocates the map.
type Memory struct {
	mu        sync.RWMutex
	entries   map[string]time.Time
	retention time.Duration
	sweepEach time.Duration
}

// NewMemory builds a ledger that forgets entries older than retention,
// sweeping on the sweepEach cadence when Run is active. legacyIDs carries
// membership migrated from an older untimestamped set representation;
// unknown-age entries are stamped with the current time once, here, rather
// than re-checked on every access.
func NewMemory(retention, sweepEach time.Duration, legacyIDs []string) *Memory {
	m := &Memory{
		entries:   make(map[string]time.Time, len(legacyIDs)),
		retention: retention,
		sweepEach: sweepEach,
	}
	now := time.Now()
	for _, id := range legacyIDs {
		if id != "" {
			m.entries[id] = now
		}
	}
	return m
}

// Remember is idempotent; re-remembering refreshes the entry's age.
func (m *Memory) Remember(requestID string) {
	if requestID == "" {
		return
	}
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]time.Time)
	}
	m.entries[requestID] = time.Now()
	m.mu.Unlock()
}

func (m *Memory) IsIgnored(requestID string) bool {
	m.mu.RLock()
	ts, ok := m.entries[requestID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if m.retention > 0 && time.Since(ts) > m.retention {
		// expired but not yet swept
		return false
	}
	return true
}

// Sweep drops entries whose remembered time is older than the retention
// window relative to now.
func (m *Memory) Sweep(now time.Time) {
	if m.retention <= 0 {
		return
	}
	m.mu.Lock()
	for id, ts := range m.entries {
		if now.Sub(ts) > m.retention {
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()
}

// Run sweeps on a fixed interval until ctx is cancelled. The cadence is
// independent of any consumer state.
func (m *Memory) Run(ctx context.Context) {
	if m.sweepEach <= 0 {
		return
	}
	t := time.NewTicker(m.sweepEach)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sweep(now)
		}
	}
}

// Len reports live (unexpired) entries; used by tests and metrics.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ts := range m.entries {
		if m.retention <= 0 || time.Since(ts) <= m.retention {
			n++
		}
	}
	return n
}
