// Package emergency manages the lifecycle of an emergency run: session
// state, live statistics, driving-safety monitoring, and the coordination
// events that surround signal clearances. One session is active at a time.
package emergency

import (
	"errors"
	"time"

	"github.com/rapidaid/fieldlink/internal/geo"
)

// ErrAlreadyActive is returned by StartEmergency while a session is running.
// The active session is left untouched.
var ErrAlreadyActive = errors.New("an emergency session is already active")

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// EndReason explains how a session ended.
type EndReason string

const (
	EndManual    EndReason = "manual"
	EndArrived   EndReason = "arrived"
	EndCancelled EndReason = "cancelled"
)

// EventType classifies a session event.
type EventType string

const (
	EventSignalCleared  EventType = "signal_cleared"
	EventStopped        EventType = "stopped"
	EventSpeedViolation EventType = "speed_violation"
	EventRouteDeviation EventType = "route_deviation"
	EventManualOverride EventType = "manual_override"
)

// Severity ranks session events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// notifiable reports whether the severity reaches the critical-event
// subscriber. All events land in the session log regardless.
func (s Severity) notifiable() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Event is one entry in a session's event log.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Location  *geo.Point     `json:"location,omitempty"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Destination is where the run is headed.
type Destination struct {
	Name     string    `json:"name"`
	Location geo.Point `json:"location"`
}

// Session is one emergency run from StartEmergency to EndEmergency.
type Session struct {
	ID                  string        `json:"id"`
	VehicleID           string        `json:"vehicleId"`
	StartTime           time.Time     `json:"startTime"`
	EndTime             *time.Time    `json:"endTime,omitempty"`
	StartLocation       geo.Point     `json:"startLocation"`
	Destination         *Destination  `json:"destination,omitempty"`
	EndLocation         *geo.Point    `json:"endLocation,omitempty"`
	TotalDistanceMeters float64       `json:"totalDistanceMeters"`
	AverageSpeedKmh     float64       `json:"averageSpeedKmh"`
	SignalsCleared      int           `json:"signalsCleared"`
	CriticalEvents      []Event       `json:"criticalEvents"`
	Status              SessionStatus `json:"status"`
	EndReason           EndReason     `json:"endReason,omitempty"`
}

// clone returns a deep copy safe to hand to subscribers.
func (s *Session) clone() Session {
	out := *s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.Destination != nil {
		d := *s.Destination
		out.Destination = &d
	}
	if s.EndLocation != nil {
		p := *s.EndLocation
		out.EndLocation = &p
	}
	out.CriticalEvents = append([]Event(nil), s.CriticalEvents...)
	return out
}

// Stats is the live statistics snapshot pushed to the stats subscriber on
// every stats tick.
type Stats struct {
	CurrentSpeedKmh             float64       `json:"currentSpeedKmh"`
	HeadingDeg                  float64       `json:"heading"`
	DistanceToDestinationMeters float64       `json:"distanceToDestinationMeters"`
	EstimatedArrival            *time.Time    `json:"estimatedArrival,omitempty"`
	SignalsCleared              int           `json:"signalsCleared"`
	NextSignalDistanceMeters    float64       `json:"nextSignalDistanceMeters"`
	RouteProgress               float64       `json:"routeProgress"`
	EmergencyDuration           time.Duration `json:"emergencyDuration"`
}
