package dispatch

import (
	"sync"

	"github.com/example/driver-dispatch/internal/models"
)

// ManualListener is an in-process Listener fed by direct calls. It backs
// tests and embeddings that bring their own transport, with the same
// register-before-start contract as the Kafka listener.
type ManualListener struct {
	mu          sync.Mutex
	onRequest   func(models.DispatchEvent)
	onAccepted  func(requestID string, amount float64)
	onCancelled func(requestID string)
	started     bool
	restarts    int
}

func NewManualListener() *ManualListener { return &ManualListener{} }

func (m *ManualListener) OnRequest(fn func(models.DispatchEvent)) {
	m.mu.Lock()
	m.onRequest = fn
	m.mu.Unlock()
}

func (m *ManualListener) OnAccepted(fn func(requestID string, amount float64)) {
	m.mu.Lock()
	m.onAccepted = fn
	m.mu.Unlock()
}

func (m *ManualListener) OnCancelled(fn func(requestID string)) {
	m.mu.Lock()
	m.onCancelled = fn
	m.mu.Unlock()
}

func (m *ManualListener) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onRequest == nil || m.onAccepted == nil || m.onCancelled == nil {
		return ErrCallbacksNotRegistered
	}
	m.started = true
	return nil
}

func (m *ManualListener) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

func (m *ManualListener) ForceRestart() {
	m.mu.Lock()
	if m.onRequest != nil && m.onAccepted != nil && m.onCancelled != nil {
		m.started = true
		m.restarts++
	}
	m.mu.Unlock()
}

// Deliver injects a ride request. Returns false if the listener is
// stopped (future events suppressed) or unstarted.
func (m *ManualListener) Deliver(ev models.DispatchEvent) bool {
	m.mu.Lock()
	fn, ok := m.onRequest, m.started
	m.mu.Unlock()
	if !ok || fn == nil {
		return false
	}
	fn(ev)
	return true
}

// DeliverAccept injects a platform acceptance of the submitted bid.
func (m *ManualListener) DeliverAccept(requestID string, amount float64) bool {
	m.mu.Lock()
	fn, ok := m.onAccepted, m.started
	m.mu.Unlock()
	if !ok || fn == nil {
		return false
	}
	fn(requestID, amount)
	return true
}

// DeliverCancel injects a cancellation event.
func (m *ManualListener) DeliverCancel(requestID string) bool {
	m.mu.Lock()
	fn, ok := m.onCancelled, m.started
	m.mu.Unlock()
	if !ok || fn == nil {
		return false
	}
	fn(requestID)
	return true
}

// Restarts reports how many times ForceRestart took effect.
func (m *ManualListener) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}
