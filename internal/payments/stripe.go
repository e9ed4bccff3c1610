package payments

import (
	"context"
	"fmt"
	"os"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// FareHolds places and releases manual-capture PaymentIntent holds for
// accepted bids, keyed by request ID. The hold is a pass-through of the
// accepted amount; fare computation happens platform-side.
type FareHolds interface {
	Hold(ctx context.Context, requestID string, amountCents int64, currency string) error
	Release(ctx context.Context, requestID string) error
}

// StripeHolds is the production implementation.
type StripeHolds struct {
	mu      sync.Mutex
	intents map[string]string // requestID -> PaymentIntent ID
}

// NewStripeHolds initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewStripeHolds() *StripeHolds {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeHolds{intents: make(map[string]string)}
}

// Hold creates a PaymentIntent with capture_method=manual for the
// accepted amount and remembers it under the request ID.
func (s *StripeHolds) Hold(ctx context.Context, requestID string, amountCents int64, currency string) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("request_id", requestID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return fmt.Errorf("hold for %s: %w", requestID, err)
	}
	s.mu.Lock()
	s.intents[requestID] = pi.ID
	s.mu.Unlock()
	return nil
}

// Release cancels the hold for a request, if one exists. Releasing an
// unknown request is a no-op so cancellation paths can call it blindly.
func (s *StripeHolds) Release(ctx context.Context, requestID string) error {
	s.mu.Lock()
	id, ok := s.intents[requestID]
	delete(s.intents, requestID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := paymentintent.Cancel(id, nil); err != nil {
		return fmt.Errorf("release for %s: %w", requestID, err)
	}
	return nil
}

// NopHolds is the documented no-op for embeddings without payments.
type NopHolds struct{}

func (NopHolds) Hold(ctx context.Context, requestID string, amountCents int64, currency string) error {
	return nil
}
func (NopHolds) Release(ctx context.Context, requestID string) error { return nil }
