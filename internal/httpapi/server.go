package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/coordinator"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/session"
)

// LocationSink receives driver GPS updates from the app.
type LocationSink interface {
	Update(loc models.Coord) error
}

// Server is the driver-facing surface: snapshot reads, transition
// requests, location updates, and a websocket stream of session changes.
// It never touches session state directly; everything goes through the
// coordinator.
type Server struct {
	coord    *coordinator.Coordinator
	location LocationSink // nil when the location channel is degraded
	hub      *Hub
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(coord *coordinator.Coordinator, loc LocationSink, logger *slog.Logger) *Server {
	s := &Server{
		coord:    coord,
		location: loc,
		hub:      NewHub(logger),
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.hub.Current = coord.Snapshot
	coord.Subscribe(s.hub.Broadcast)
	coord.SetOnCooldownEnd(s.hub.BroadcastCooldownEnd)
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/offer", s.handleSnapshot).Methods("GET")
	s.mux.HandleFunc("/api/v1/offer/open", s.transition(func(r transitionRequest) error {
		return s.coord.OpenOffer(r.RequestID)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/offer/dismiss", s.transition(func(r transitionRequest) error {
		return s.coord.DismissOffer(r.RequestID, r.Reason)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/offer/bid", s.transition(func(r transitionRequest) error {
		return s.coord.SubmitBid(r.RequestID, r.Amount)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/offer/cancel", s.transition(func(r transitionRequest) error {
		return s.coord.CancelOffer(r.RequestID)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/cooldown", s.handleCooldown).Methods("GET")
	s.mux.HandleFunc("/api/v1/location", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/ws/offers", s.hub.HandleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	cw := s.coord.Cooldown()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":            cw.Active,
		"reason":            cw.Reason,
		"remaining_seconds": int(cw.Remaining / time.Second),
	})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if s.location == nil {
		http.Error(w, "location channel unavailable", http.StatusServiceUnavailable)
		return
	}
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.location.Update(loc); err != nil {
		s.logger.Warn("location publish failed", "error", err)
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	RequestID string  `json:"request_id"`
	Reason    string  `json:"reason,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
}

func (s *Server) transition(apply func(transitionRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.RequestID == "" {
			http.Error(w, "request_id is required", http.StatusBadRequest)
			return
		}
		if err := apply(req); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, s.coord.Snapshot())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrWrongRequest):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBadPhase), errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrJustClosed), errors.Is(err, session.ErrIgnored),
		errors.Is(err, session.ErrCoolingDown):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
