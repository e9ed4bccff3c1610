package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Listener is the primary inbound channel for ride-request, acceptance,
// and cancellation events. All callbacks must be registered before Start
// or early events would race the registration and be silently dropped;
// Start enforces this.
type Listener interface {
	OnRequest(fn func(models.DispatchEvent))
	OnAccepted(fn func(requestID string, amount float64))
	OnCancelled(fn func(requestID string))
	Start() error
	Stop()
	ForceRestart()
}

// ErrCallbacksNotRegistered is returned by Start when a callback is
// missing.
var ErrCallbacksNotRegistered = errors.New("dispatch: all callbacks must be registered before start")

// KafkaConfig locates the driver's dispatch topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaListener consumes the dispatch topic and fans decoded events out
// to the registered callbacks. Events in flight when Stop is called may
// still be delivered, so consumers re-check ledger and session identity
// on delivery.
type KafkaListener struct {
	cfg    KafkaConfig
	logger *slog.Logger

	mu          sync.Mutex
	onRequest   func(models.DispatchEvent)
	onAccepted  func(requestID string, amount float64)
	onCancelled func(requestID string)
	cancel      context.CancelFunc
	reader      *kafka.Reader
	running     bool
}

func NewKafkaListener(cfg KafkaConfig, logger *slog.Logger) *KafkaListener {
	return &KafkaListener{cfg: cfg, logger: logger}
}

func (k *KafkaListener) OnRequest(fn func(models.DispatchEvent)) {
	k.mu.Lock()
	k.onRequest = fn
	k.mu.Unlock()
}

func (k *KafkaListener) OnAccepted(fn func(requestID string, amount float64)) {
	k.mu.Lock()
	k.onAccepted = fn
	k.mu.Unlock()
}

func (k *KafkaListener) OnCancelled(fn func(requestID string)) {
	k.mu.Lock()
	k.onCancelled = fn
	k.mu.Unlock()
}

// Start begins consuming. Calling Start on a running listener is a no-op.
func (k *KafkaListener) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.onRequest == nil || k.onAccepted == nil || k.onCancelled == nil {
		return ErrCallbacksNotRegistered
	}
	if k.running {
		return nil
	}
	k.startLocked()
	return nil
}

func (k *KafkaListener) startLocked() {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    k.cfg.Topic,
		GroupID:  k.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	ctx, cancel := context.WithCancel(context.Background())
	k.reader = r
	k.cancel = cancel
	k.running = true
	go k.consume(ctx, r)
}

// Stop halts delivery of future events. Idempotent.
func (k *KafkaListener) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopLocked()
}

func (k *KafkaListener) stopLocked() {
	if !k.running {
		return
	}
	k.cancel()
	_ = k.reader.Close()
	k.reader = nil
	k.cancel = nil
	k.running = false
}

// ForceRestart tears the consumer down and brings it back up, recovering
// a channel stuck half-open (e.g. after app resume). Safe to call
// redundantly and while stopped.
func (k *KafkaListener) ForceRestart() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.onRequest == nil || k.onAccepted == nil || k.onCancelled == nil {
		return
	}
	k.stopLocked()
	k.startLocked()
}

func (k *KafkaListener) consume(ctx context.Context, r *kafka.Reader) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Warn("dispatch read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var env models.EventEnvelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			observability.DispatchEventsInvalidTotal.Inc()
			k.logger.Warn("invalid dispatch message", "error", err)
			continue
		}
		k.deliver(env)
	}
}

func (k *KafkaListener) deliver(env models.EventEnvelope) {
	k.mu.Lock()
	onReq, onAcc, onCan := k.onRequest, k.onAccepted, k.onCancelled
	k.mu.Unlock()

	switch env.Type {
	case models.EventTypeRequest:
		observability.DispatchEventsTotal.WithLabelValues(env.Type).Inc()
		onReq(models.DispatchEvent{
			RequestID:   env.RequestID,
			Pickup:      env.Pickup,
			Destination: env.Dest,
			PickupAddr:  env.PickupAddr,
			DestAddr:    env.DestAddr,
			Fare:        env.Fare,
			IssuedAt:    env.IssuedAt,
		})
	case models.EventTypeAccepted:
		observability.DispatchEventsTotal.WithLabelValues(env.Type).Inc()
		onAcc(env.RequestID, env.Amount)
	case models.EventTypeCancelled:
		observability.DispatchEventsTotal.WithLabelValues(env.Type).Inc()
		onCan(env.RequestID)
	default:
		observability.DispatchEventsInvalidTotal.Inc()
		k.logger.Warn("unknown dispatch event type", "type", env.Type, "request_id", env.RequestID)
	}
}
