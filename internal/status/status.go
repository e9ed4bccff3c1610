package status

import (
	"context"

	"github.com/example/driver-dispatch/internal/models"
)

// Source answers authoritative request status lookups. Push-channel
// cancellation delivery is not trusted as sole source of truth, so the
// reconciler verifies against one of these.
type Source interface {
	GetRequestStatus(ctx context.Context, requestID string) (string, error)
}

// Static always answers with a fixed status; used in tests and as a no-op
// capability when no authoritative backend is configured.
type Static struct {
	Status string
}

func (s Static) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	if s.Status == "" {
		return models.StatusUnknown, nil
	}
	return s.Status, nil
}
