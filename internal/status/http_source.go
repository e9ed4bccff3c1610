package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSource queries the matching service's request-status endpoint for
// deployments where the agent has no database access.
type HTTPSource struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPSource(endpoint string) *HTTPSource {
	return &HTTPSource{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (h *HTTPSource) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	url := fmt.Sprintf("%s/api/v1/rides/%s/status", h.Endpoint, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status lookup: unexpected http %d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Status, nil
}
