package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DispatchEvent is an inbound ride request as delivered by the dispatch
// channel. Immutable once received; identity is RequestID.
type DispatchEvent struct {
	RequestID   string    `json:"request_id"`
	Pickup      Coord     `json:"pickup"`
	Destination Coord     `json:"destination"`
	PickupAddr  string    `json:"pickup_addr,omitempty"`
	DestAddr    string    `json:"dest_addr,omitempty"`
	Fare        float64   `json:"fare,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// EventEnvelope is the wire shape on the dispatch topic. Type selects which
// payload fields are meaningful.
type EventEnvelope struct {
	Type       string    `json:"type"` // "request" or "cancelled"
	RequestID  string    `json:"request_id"`
	Pickup     Coord     `json:"pickup,omitempty"`
	Dest       Coord     `json:"destination,omitempty"`
	PickupAddr string    `json:"pickup_addr,omitempty"`
	DestAddr   string    `json:"dest_addr,omitempty"`
	Fare       float64   `json:"fare,omitempty"`
	Amount     float64   `json:"amount,omitempty"` // accepted bid amount
	IssuedAt   time.Time `json:"issued_at"`
}

const (
	EventTypeRequest   = "request"
	EventTypeCancelled = "cancelled"
	EventTypeAccepted  = "accepted"
)

// Phase is the bid session lifecycle phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseOffered     Phase = "offered"
	PhaseAwaitingBid Phase = "awaiting_bid"
	PhaseSubmitted   Phase = "submitted"
	PhaseAccepted    Phase = "accepted"
	PhaseDeclined    Phase = "declined"
	PhaseCancelled   Phase = "cancelled"
	PhaseExpired     Phase = "expired"
)

// Terminal reports whether the phase ends a session. Terminal phases are
// transient: the slot returns to idle immediately after the transition.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseAccepted, PhaseDeclined, PhaseCancelled, PhaseExpired:
		return true
	}
	return false
}

// Snapshot is the read-only view of the current bid session handed to the
// driver-facing app. UI code never mutates session state directly.
type Snapshot struct {
	RequestID      string         `json:"request_id,omitempty"`
	Phase          Phase          `json:"phase"`
	Offer          *DispatchEvent `json:"offer,omitempty"`
	BidAmount      float64        `json:"bid_amount,omitempty"`
	AcceptedAmount float64        `json:"accepted_amount,omitempty"`
	Notice         string         `json:"notice,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CooldownWindow is the externally-decided eligibility suspension. This
// service only enforces it, it never computes the penalty.
type CooldownWindow struct {
	Active    bool          `json:"active"`
	Reason    string        `json:"reason,omitempty"`
	Remaining time.Duration `json:"remaining"`
	StartedAt time.Time     `json:"started_at,omitempty"`
}

// Authoritative request statuses as reported by the status channel.
const (
	StatusOpen      = "open"
	StatusMatched   = "matched"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusUnknown   = "unknown"
)
