// Package signalctl owns the roster of known traffic signals: a local
// red/yellow/green cycle simulation that keeps running with zero controller
// connectivity, and the direction-gated emergency override protocol against
// the roadside signal-controller API.
package signalctl

import (
	"github.com/rapidaid/fieldlink/internal/geo"
)

// LightColor is a signal lamp state.
type LightColor string

const (
	LightRed    LightColor = "red"
	LightYellow LightColor = "yellow"
	LightGreen  LightColor = "green"
)

// SignalStatus describes the coordination state of a signal.
type SignalStatus string

const (
	StatusNormal              SignalStatus = "normal"
	StatusEmergencyMode       SignalStatus = "emergency_mode"
	StatusClearedForAmbulance SignalStatus = "cleared_for_ambulance"

	// StatusClearancePending is a client-side annotation: a manual clearance
	// request is in flight for the signal but no confirmation has arrived.
	StatusClearancePending SignalStatus = "clearance_pending"
)

// NormalCycle holds the per-phase durations of the regular light cycle.
type NormalCycle struct {
	RedSeconds    int `json:"red"`
	YellowSeconds int `json:"yellow"`
	GreenSeconds  int `json:"green"`
}

// Controller-side defaults, used when a roster entry omits its cycle.
const (
	defaultRedSeconds    = 30
	defaultYellowSeconds = 3
	defaultGreenSeconds  = 30
)

// TrafficSignal is one intersection signal known to the coordinator.
// Signals are created from the controller roster at startup and live for the
// process lifetime; they are reset, not destroyed, between sessions.
type TrafficSignal struct {
	ID                string         `json:"id"`
	Location          geo.Point      `json:"location"`
	CurrentLight      LightColor     `json:"currentLight"`
	EmergencyOverride bool           `json:"emergencyOverride"`
	NormalCycle       NormalCycle    `json:"normalCycle"`
	Countdown         int            `json:"countdown"`
	Type              string         `json:"type"`
	Direction         geo.SignalAxis `json:"direction"`
	ProximityMeters   float64        `json:"proximity"`
	Status            SignalStatus   `json:"status"`

	// overrideAxis remembers which approach axis the active override was
	// issued for, so deactivation releases the same lane.
	overrideAxis geo.SignalAxis
}

// cycle returns the phase durations with controller defaults filled in.
func (s *TrafficSignal) cycle() NormalCycle {
	c := s.NormalCycle
	if c.RedSeconds <= 0 {
		c.RedSeconds = defaultRedSeconds
	}
	if c.YellowSeconds <= 0 {
		c.YellowSeconds = defaultYellowSeconds
	}
	if c.GreenSeconds <= 0 {
		c.GreenSeconds = defaultGreenSeconds
	}
	return c
}

// advancePhase moves the light one step through green→yellow→red→green and
// returns the configured duration of the new phase.
func (s *TrafficSignal) advancePhase() int {
	c := s.cycle()
	switch s.CurrentLight {
	case LightGreen:
		s.CurrentLight = LightYellow
		return c.YellowSeconds
	case LightYellow:
		s.CurrentLight = LightRed
		return c.RedSeconds
	default:
		s.CurrentLight = LightGreen
		return c.GreenSeconds
	}
}

// OverrideResult is the controller's answer to an override request. A
// skipped result is a non-error no-op: the controller declined because the
// requested direction does not serve that signal.
type OverrideResult struct {
	Skipped bool
	Reason  string
}

// SignalStateSync is one entry of a bulk state push to the controller.
type SignalStateSync struct {
	ID     string     `json:"id"`
	Status LightColor `json:"status"`
}
