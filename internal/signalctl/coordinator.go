package signalctl

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rapidaid/fieldlink/internal/config"
	"github.com/rapidaid/fieldlink/internal/geo"
	"github.com/rapidaid/fieldlink/internal/timeutil"
)

// Coordinator runs the local signal-cycle simulation and the override
// protocol. The roster is owned exclusively by the coordinator; all methods
// are safe for concurrent use. The simulation never stops on controller
// failures, so the observable signal state stays coherent with zero
// connectivity.
type Coordinator struct {
	ctrl  ControllerAPI
	cfg   *config.Config
	clock timeutil.Clock
	log   *zap.Logger

	mu        sync.Mutex
	signals   map[string]*TrafficSignal
	onSignals func([]TrafficSignal)

	cycleTask *timeutil.PeriodicTask
}

// New creates a Coordinator. Start must be called to load the roster and
// begin the cycle simulation.
func New(ctrl ControllerAPI, cfg *config.Config, clock timeutil.Clock, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		ctrl:    ctrl,
		cfg:     cfg,
		clock:   clock,
		log:     logger,
		signals: make(map[string]*TrafficSignal),
	}
	c.cycleTask = timeutil.NewPeriodicTask(clock, cfg.GetCycleTickInterval(), func(time.Time) {
		c.CycleTick()
	})
	return c
}

// Start fetches the roster and begins the 1s cycle simulation. An
// unreachable controller leaves the roster empty but the simulation still
// runs, degraded but non-crashing.
func (c *Coordinator) Start(ctx context.Context) {
	roster, err := c.ctrl.FetchRoster(ctx)
	if err != nil {
		c.log.Warn("signal controller unreachable, starting with empty roster", zap.Error(err))
	}

	c.mu.Lock()
	for i := range roster {
		sig := roster[i]
		if sig.CurrentLight == "" {
			sig.CurrentLight = LightRed
		}
		if sig.Status == "" {
			sig.Status = StatusNormal
		}
		if sig.Countdown <= 0 {
			sig.Countdown = sig.cycle().RedSeconds
		}
		c.signals[sig.ID] = &sig
	}
	count := len(c.signals)
	c.mu.Unlock()

	c.log.Info("signal roster loaded", zap.Int("signals", count))
	c.cycleTask.Start()
	c.PushStateSync(ctx)
}

// Stop halts the cycle simulation. It returns only after the current tick,
// if any, has finished.
func (c *Coordinator) Stop() {
	c.cycleTask.Stop()
}

// OnSignalsUpdated registers the signal-list subscriber, replacing any
// previous registration. It receives a sorted snapshot after every cycle
// tick and override transition.
func (c *Coordinator) OnSignalsUpdated(cb func([]TrafficSignal)) {
	c.mu.Lock()
	c.onSignals = cb
	c.mu.Unlock()
}

// CycleTick advances every signal's local cycle by one second. Signals
// under override are held green with their countdown pinned.
func (c *Coordinator) CycleTick() {
	c.mu.Lock()
	hold := c.cfg.GetOverrideHoldSeconds()
	for _, sig := range c.signals {
		if sig.EmergencyOverride {
			sig.CurrentLight = LightGreen
			sig.Countdown = hold
			continue
		}
		sig.Countdown--
		if sig.Countdown <= 0 {
			sig.Countdown = sig.advancePhase()
		}
	}
	c.mu.Unlock()
	c.notifySignals()
}

// NearbySignals returns the signals within radiusKm of loc, nearest first,
// with ProximityMeters annotated.
func (c *Coordinator) NearbySignals(loc geo.Point, radiusKm float64) []TrafficSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	radiusM := radiusKm * 1000
	var out []TrafficSignal
	for _, sig := range c.signals {
		d := geo.Haversine(loc, sig.Location)
		if d > radiusM {
			continue
		}
		snap := *sig
		snap.ProximityMeters = d
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProximityMeters < out[j].ProximityMeters
	})
	return out
}

// ActivateEmergencyMode requests right-of-way at the signal for a vehicle
// travelling with the given heading. It is idempotent for signals already
// under override and a no-op without a heading. Perpendicular signals are
// deliberately left untouched. Controller failures roll the speculative
// local state back.
func (c *Coordinator) ActivateEmergencyMode(ctx context.Context, signalID string, heading *float64) {
	if heading == nil {
		c.log.Debug("override request without heading ignored", zap.String("signal", signalID))
		return
	}
	axis := geo.AxisForHeading(*heading)

	c.mu.Lock()
	sig, ok := c.signals[signalID]
	if !ok || sig.EmergencyOverride {
		c.mu.Unlock()
		return
	}
	if !sig.Direction.Matches(axis) {
		c.log.Debug("skipping perpendicular signal",
			zap.String("signal", signalID),
			zap.String("signalDirection", string(sig.Direction)),
			zap.String("vehicleAxis", string(axis)))
		c.mu.Unlock()
		return
	}

	prevLight := sig.CurrentLight
	prevCountdown := sig.Countdown
	wasGreen := sig.CurrentLight == LightGreen

	// Speculative local state: the rest of the system sees the override
	// immediately; a controller failure rolls it back below.
	sig.EmergencyOverride = true
	sig.Status = StatusEmergencyMode
	sig.overrideAxis = axis
	if !wasGreen {
		sig.CurrentLight = LightYellow
		sig.Countdown = c.cfg.GetYellowTransitionSeconds()
	} else if hold := c.cfg.GetOverrideHoldSeconds(); sig.Countdown < hold {
		sig.Countdown = hold
	}
	c.mu.Unlock()

	res, err := c.ctrl.SendOverride(ctx, signalID, string(axis), LightGreen)

	c.mu.Lock()
	sig, ok = c.signals[signalID]
	if !ok {
		c.mu.Unlock()
		return
	}
	applied := false
	switch {
	case err != nil:
		c.log.Warn("controller override failed, rolling back",
			zap.String("signal", signalID), zap.Error(err))
		sig.EmergencyOverride = false
		sig.Status = StatusNormal
		sig.CurrentLight = prevLight
		sig.Countdown = prevCountdown
	case res.Skipped:
		c.log.Debug("controller reported direction mismatch",
			zap.String("signal", signalID), zap.String("reason", res.Reason))
		sig.EmergencyOverride = false
		sig.Status = StatusNormal
		sig.CurrentLight = prevLight
		sig.Countdown = prevCountdown
	default:
		sig.CurrentLight = LightGreen
		sig.Countdown = c.cfg.GetOverrideHoldSeconds()
		sig.Status = StatusClearedForAmbulance
		applied = true
	}
	c.mu.Unlock()
	c.notifySignals()
	if applied {
		c.PushStateSync(ctx)
	}
}

// ClearApproach requests overrides for every signal within the proximity
// gate of loc that serves the vehicle's travel axis. Already-overridden and
// perpendicular signals are skipped by ActivateEmergencyMode, so calling
// this on every position update is safe.
func (c *Coordinator) ClearApproach(ctx context.Context, loc geo.Point, heading *float64) {
	if heading == nil {
		return
	}
	gateKm := c.cfg.GetProximityGateMeters() / 1000
	for _, sig := range c.NearbySignals(loc, gateKm) {
		if sig.EmergencyOverride {
			continue
		}
		c.ActivateEmergencyMode(ctx, sig.ID, heading)
	}
}

// ManualOverride is the administrative equivalent of ActivateEmergencyMode
// for a specific signal.
func (c *Coordinator) ManualOverride(ctx context.Context, signalID string, heading *float64) {
	c.log.Info("manual signal override requested", zap.String("signal", signalID))
	c.ActivateEmergencyMode(ctx, signalID, heading)
}

// DeactivateEmergencyMode releases an active override: the controller gets
// a red request for the overridden direction and the local signal
// transitions through a short yellow phase back into the normal cycle.
func (c *Coordinator) DeactivateEmergencyMode(ctx context.Context, signalID string) {
	c.mu.Lock()
	sig, ok := c.signals[signalID]
	if !ok || !sig.EmergencyOverride {
		c.mu.Unlock()
		return
	}
	axis := sig.overrideAxis
	c.mu.Unlock()

	if _, err := c.ctrl.SendOverride(ctx, signalID, string(axis), LightRed); err != nil {
		c.log.Warn("controller release failed, clearing local override anyway",
			zap.String("signal", signalID), zap.Error(err))
	}

	c.mu.Lock()
	if sig, ok := c.signals[signalID]; ok {
		sig.EmergencyOverride = false
		sig.Status = StatusNormal
		sig.CurrentLight = LightYellow
		sig.Countdown = c.cfg.GetYellowTransitionSeconds()
		sig.overrideAxis = ""
	}
	c.mu.Unlock()
	c.notifySignals()
	c.PushStateSync(ctx)
}

// ClearAllEmergencyModes releases every active override.
func (c *Coordinator) ClearAllEmergencyModes(ctx context.Context) {
	c.mu.Lock()
	var ids []string
	for id, sig := range c.signals {
		if sig.EmergencyOverride {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		c.DeactivateEmergencyMode(ctx, id)
	}
}

// ResetAll returns every signal to its normal state between emergency
// sessions without touching the controller. Signals are reset, never
// destroyed.
func (c *Coordinator) ResetAll() {
	c.mu.Lock()
	for _, sig := range c.signals {
		sig.EmergencyOverride = false
		sig.Status = StatusNormal
		sig.overrideAxis = ""
	}
	c.mu.Unlock()
	c.notifySignals()
}

// PushStateSync mirrors the local light states to the controller so the
// physical lamps converge with the simulation. It runs after roster load and
// after every applied override transition.
func (c *Coordinator) PushStateSync(ctx context.Context) {
	c.mu.Lock()
	states := make([]SignalStateSync, 0, len(c.signals))
	for _, sig := range c.signals {
		states = append(states, SignalStateSync{ID: sig.ID, Status: sig.CurrentLight})
	}
	c.mu.Unlock()

	if len(states) == 0 {
		return
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	if err := c.ctrl.SyncStates(ctx, states); err != nil {
		c.log.Warn("state sync to controller failed", zap.Error(err))
	}
}

// Signals returns a sorted snapshot of the roster.
func (c *Coordinator) Signals() []TrafficSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() []TrafficSignal {
	out := make([]TrafficSignal, 0, len(c.signals))
	for _, sig := range c.signals {
		out = append(out, *sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) notifySignals() {
	c.mu.Lock()
	cb := c.onSignals
	var snap []TrafficSignal
	if cb != nil {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}
