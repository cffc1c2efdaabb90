// Package uplink maintains the logical connection between the vehicle and
// the dispatch coordination server. It owns the offline event queue,
// reconnection with backoff, heartbeat and latency probing, and the
// adjustable-cadence location stream. Network failures never propagate to
// callers; the channel degrades to queuing and reports state through the
// connection-status subscription.
package uplink

import (
	"time"

	"github.com/rapidaid/fieldlink/internal/store"
)

// Priority orders queued events. Higher values flush first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the wire-friendly name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// QueuedEvent is an event captured while the link was down, waiting for the
// next successful flush.
type QueuedEvent struct {
	ID         string
	Event      string
	Payload    map[string]any
	Timestamp  time.Time
	Priority   Priority
	RetryCount int
}

// ConnectionStatus is the observable state of the channel. QueuedEvents
// always equals the live queue length.
type ConnectionStatus struct {
	Connected         bool
	Reconnecting      bool
	ReconnectAttempts int
	LastConnected     time.Time
	LastSync          time.Time
	ServerLatency     time.Duration
	QueuedEvents      int
}

// ServerMessage is an inbound message from the coordination server.
// Known events: route-calculated, signal-cleared, eta-update, server-message.
// Pongs are consumed internally by the latency probe.
type ServerMessage struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// frame is the outbound wire format. Priority is a local queuing concept and
// is not transmitted.
type frame struct {
	Event     string         `json:"event"`
	VehicleID string         `json:"vehicleId"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Conn is the minimal connection surface the channel needs. Satisfied by
// *websocket.Conn; tests substitute a scripted fake.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Dialer opens a connection to the coordination server.
type Dialer func(url string) (Conn, error)

// Persistence is the slice of the local store the channel uses. Satisfied
// by *store.Store.
type Persistence interface {
	ReplaceQueue(events []store.QueuedEventRecord) error
	LoadQueue() ([]store.QueuedEventRecord, error)
	SaveLinkState(lastConnected, lastSync time.Time) error
	LoadLinkState() (lastConnected, lastSync time.Time, err error)
}
