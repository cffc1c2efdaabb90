package emergency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rapidaid/fieldlink/internal/config"
	"github.com/rapidaid/fieldlink/internal/geo"
	"github.com/rapidaid/fieldlink/internal/signalctl"
	"github.com/rapidaid/fieldlink/internal/store"
	"github.com/rapidaid/fieldlink/internal/timeutil"
	"github.com/rapidaid/fieldlink/internal/uplink"
)

// Uplink is the slice of the sync channel the session manager drives.
type Uplink interface {
	Emit(event string, payload map[string]any, prio uplink.Priority)
	StartEmergencyLocationSync(get func() *geo.LocationFix)
	StartNormalLocationSync(get func() *geo.LocationFix)
	StopLocationSync()
}

// SignalDirectory is the slice of the signal coordinator the manager
// consumes: roster queries, approach clearance, and the end-of-session
// release.
type SignalDirectory interface {
	NearbySignals(loc geo.Point, radiusKm float64) []signalctl.TrafficSignal
	ClearApproach(ctx context.Context, loc geo.Point, heading *float64)
	ClearAllEmergencyModes(ctx context.Context)
}

// Archive persists completed sessions.
type Archive interface {
	ArchiveSession(rec store.SessionRecord, keep int) error
	RecentSessions(n int) ([]store.SessionRecord, error)
}

// Manager owns the single active emergency session. All exported methods
// are safe for concurrent use; subscriber callbacks are invoked without the
// manager lock held.
type Manager struct {
	uplink  Uplink
	signals SignalDirectory
	archive Archive
	cfg     *config.Config
	clock   timeutil.Clock
	log     *zap.Logger

	mu            sync.Mutex
	session       *Session
	lastFix       *geo.LocationFix
	initialDistM  float64
	progressPeak  float64
	nearbyCache   []signalctl.TrafficSignal
	pendingSignal string

	statsTask  *timeutil.PeriodicTask
	safetyTask *timeutil.PeriodicTask

	onStats    func(Stats)
	onCritical func(Event)
	onSession  func(Session)
}

// New creates a Manager. Session tasks start with StartEmergency.
func New(up Uplink, signals SignalDirectory, archive Archive, cfg *config.Config, clock timeutil.Clock, logger *zap.Logger) *Manager {
	m := &Manager{
		uplink:  up,
		signals: signals,
		archive: archive,
		cfg:     cfg,
		clock:   clock,
		log:     logger,
	}
	m.statsTask = timeutil.NewPeriodicTask(clock, cfg.GetLocationUpdateInterval(), m.statsTick)
	m.safetyTask = timeutil.NewPeriodicTask(clock, cfg.GetSpeedMonitorInterval(), m.safetyTick)
	return m
}

// OnStats registers the statistics subscriber, replacing any previous one.
func (m *Manager) OnStats(cb func(Stats)) {
	m.mu.Lock()
	m.onStats = cb
	m.mu.Unlock()
}

// OnCriticalEvent registers the subscriber for high and critical events.
func (m *Manager) OnCriticalEvent(cb func(Event)) {
	m.mu.Lock()
	m.onCritical = cb
	m.mu.Unlock()
}

// OnSessionState registers the session lifecycle subscriber.
func (m *Manager) OnSessionState(cb func(Session)) {
	m.mu.Lock()
	m.onSession = cb
	m.mu.Unlock()
}

// StartEmergency opens a new session. While a session is active it returns
// ErrAlreadyActive and leaves the active session untouched.
func (m *Manager) StartEmergency(vehicleID string, loc geo.LocationFix, dest *Destination) (Session, error) {
	m.mu.Lock()
	if m.session != nil {
		active := m.session.clone()
		m.mu.Unlock()
		return active, ErrAlreadyActive
	}

	now := m.clock.Now()
	sess := &Session{
		ID:            uuid.NewString(),
		VehicleID:     vehicleID,
		StartTime:     now,
		StartLocation: loc.Point,
		Destination:   dest,
		Status:        StatusActive,
	}
	m.session = sess
	fix := loc
	m.lastFix = &fix
	m.progressPeak = 0
	m.pendingSignal = ""
	if dest != nil {
		m.initialDistM = geo.Haversine(loc.Point, dest.Location)
	} else {
		m.initialDistM = 0
	}
	m.nearbyCache = m.signals.NearbySignals(loc.Point, m.cfg.GetNearbyRadiusKm())

	ev, notify := m.appendEventLocked(EventManualOverride, SeverityLow, &loc.Point, map[string]any{
		"action": "emergency_started",
	})
	snap := sess.clone()
	cb := m.onSession
	m.mu.Unlock()

	m.log.Info("emergency session started",
		zap.String("session", snap.ID),
		zap.String("vehicle", vehicleID),
		zap.Bool("hasDestination", dest != nil))

	m.uplink.Emit("emergency-start", map[string]any{
		"sessionId": snap.ID,
		"vehicleId": vehicleID,
		"location":  loc.Point,
	}, uplink.PriorityHigh)
	m.uplink.StartEmergencyLocationSync(m.currentFix)

	m.statsTask.Start()
	m.safetyTask.Start()

	m.dispatchEvent(ev, notify)
	if cb != nil {
		cb(snap)
	}
	return snap, nil
}

// UpdateLocation feeds a positioning sample into the active session. It only
// records data; all derived work happens on the periodic ticks.
func (m *Manager) UpdateLocation(loc geo.Point, speedKmh, headingDeg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	m.lastFix = &geo.LocationFix{
		Point:         loc,
		HeadingDeg:    headingDeg,
		SpeedKmh:      speedKmh,
		UnixTimestamp: m.clock.Now().UnixMilli(),
	}
}

// EndEmergency closes the active session. It stops the periodic tasks
// synchronously, so no stats or safety callback fires after it returns.
func (m *Manager) EndEmergency(reason EndReason) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	final := m.completeLocked(reason)
	m.mu.Unlock()

	m.statsTask.Stop()
	m.safetyTask.Stop()
	m.finishSession(final)
}

// HandleSignalCleared records a confirmed clearance at a signal along the
// route.
func (m *Manager) HandleSignalCleared(signalID string, clearanceSeconds int) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.SignalsCleared++
	for i := range m.nearbyCache {
		if m.nearbyCache[i].ID == signalID {
			m.nearbyCache[i].Status = signalctl.StatusClearedForAmbulance
			m.nearbyCache[i].CurrentLight = signalctl.LightGreen
			m.nearbyCache[i].Countdown = clearanceSeconds
			break
		}
	}
	if m.pendingSignal == signalID {
		m.pendingSignal = ""
	}
	ev, notify := m.appendEventLocked(EventSignalCleared, SeverityLow, nil, map[string]any{
		"signal_id":         signalID,
		"clearance_seconds": clearanceSeconds,
	})
	cleared := m.session.SignalsCleared
	m.mu.Unlock()

	m.log.Info("signal cleared", zap.String("signal", signalID), zap.Int("total", cleared))
	m.dispatchEvent(ev, notify)
}

// RequestManualSignalClearance asks the dispatch server to clear the signal
// nearest to loc (or to the last fix when loc is nil).
func (m *Manager) RequestManualSignalClearance(loc *geo.Point) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	at := loc
	if at == nil && m.lastFix != nil {
		p := m.lastFix.Point
		at = &p
	}
	if at == nil {
		m.mu.Unlock()
		return
	}

	var nearest *signalctl.TrafficSignal
	nearestDist := 0.0
	for i := range m.nearbyCache {
		d := geo.Haversine(*at, m.nearbyCache[i].Location)
		if nearest == nil || d < nearestDist {
			nearest = &m.nearbyCache[i]
			nearestDist = d
		}
	}
	if nearest == nil {
		m.mu.Unlock()
		m.log.Warn("manual clearance requested with no known signals nearby")
		return
	}
	m.pendingSignal = nearest.ID
	nearest.Status = signalctl.StatusClearancePending
	sessionID := m.session.ID
	signalID := nearest.ID
	ev, notify := m.appendEventLocked(EventManualOverride, SeverityMedium, at, map[string]any{
		"action":    "manual_clearance_requested",
		"signal_id": signalID,
	})
	m.mu.Unlock()

	m.uplink.Emit("emergency-route-request", map[string]any{
		"sessionId": sessionID,
		"signalId":  signalID,
		"location":  *at,
	}, uplink.PriorityHigh)
	m.dispatchEvent(ev, notify)
}

// CachedSignals returns a snapshot of the signals around the vehicle as the
// session manager sees them, including the in-flight clearance annotation.
func (m *Manager) CachedSignals() []signalctl.TrafficSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signalctl.TrafficSignal(nil), m.nearbyCache...)
}

// ActiveSession returns a snapshot of the running session, or nil.
func (m *Manager) ActiveSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	snap := m.session.clone()
	return &snap
}

// RecentSessions returns up to n archived sessions, newest first.
func (m *Manager) RecentSessions(n int) ([]store.SessionRecord, error) {
	return m.archive.RecentSessions(n)
}

// currentFix is handed to the uplink as the location source for the
// emergency-cadence stream.
func (m *Manager) currentFix() *geo.LocationFix {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastFix == nil {
		return nil
	}
	fix := *m.lastFix
	return &fix
}

// statsTick recomputes the live statistics and checks the arrival condition.
func (m *Manager) statsTick(now time.Time) {
	m.mu.Lock()
	sess := m.session
	if sess == nil || m.lastFix == nil {
		m.mu.Unlock()
		return
	}

	m.nearbyCache = m.signals.NearbySignals(m.lastFix.Point, m.cfg.GetNearbyRadiusKm())
	if m.pendingSignal != "" {
		// The refresh replaced the cache; keep the in-flight clearance mark
		// visible until the confirmation arrives.
		for i := range m.nearbyCache {
			if m.nearbyCache[i].ID == m.pendingSignal {
				m.nearbyCache[i].Status = signalctl.StatusClearancePending
			}
		}
	}

	stats := Stats{
		CurrentSpeedKmh:   m.lastFix.SpeedKmh,
		HeadingDeg:        m.lastFix.HeadingDeg,
		SignalsCleared:    sess.SignalsCleared,
		EmergencyDuration: now.Sub(sess.StartTime),
	}
	if len(m.nearbyCache) > 0 {
		stats.NextSignalDistanceMeters = m.nearbyCache[0].ProximityMeters
	}

	arrived := false
	if sess.Destination != nil {
		dist := geo.Haversine(m.lastFix.Point, sess.Destination.Location)
		stats.DistanceToDestinationMeters = dist
		if m.lastFix.SpeedKmh > 0 {
			eta := now.Add(time.Duration(dist/geo.KmhToMs(m.lastFix.SpeedKmh)) * time.Second)
			stats.EstimatedArrival = &eta
		}
		if m.initialDistM > 0 {
			progress := 1 - dist/m.initialDistM
			if progress < m.progressPeak {
				progress = m.progressPeak
			}
			if progress > 1 {
				progress = 1
			}
			m.progressPeak = progress
			stats.RouteProgress = progress
		}
		arrived = m.cfg.GetAutoEndOnArrival() && dist <= m.cfg.GetArrivalRadiusMeters()
	}

	var approach *geo.LocationFix
	if !arrived {
		fix := *m.lastFix
		approach = &fix
	}
	var final Session
	if arrived {
		final = m.completeLocked(EndArrived)
	}
	cb := m.onStats
	m.mu.Unlock()

	if cb != nil {
		cb(stats)
	}
	if approach != nil {
		// Fire-and-forget: override calls block on the controller and must
		// not hold up the tick loop.
		go m.signals.ClearApproach(context.Background(), approach.Point, &approach.HeadingDeg)
	}
	if arrived {
		// Stop must not run inside this tick; the run loop is waiting on us.
		go func() {
			m.statsTask.Stop()
			m.safetyTask.Stop()
			m.finishSession(final)
		}()
	}
}

// safetyTick checks the driving-safety thresholds. A stopped vehicle and an
// overspeed are mutually exclusive per tick, and each tick below a threshold
// records a fresh event.
func (m *Manager) safetyTick(time.Time) {
	m.mu.Lock()
	if m.session == nil || m.lastFix == nil {
		m.mu.Unlock()
		return
	}
	speed := m.lastFix.SpeedKmh
	loc := m.lastFix.Point

	var ev Event
	var notify bool
	switch {
	case speed < m.cfg.GetMinSpeedThresholdKmh():
		ev, notify = m.appendEventLocked(EventStopped, SeverityMedium, &loc, map[string]any{
			"speed_kmh": speed,
		})
	case speed > m.cfg.GetMaxSpeedThresholdKmh():
		ev, notify = m.appendEventLocked(EventSpeedViolation, SeverityHigh, &loc, map[string]any{
			"speed_kmh": speed,
			"limit_kmh": m.cfg.GetMaxSpeedThresholdKmh(),
		})
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dispatchEvent(ev, notify)
}

// appendEventLocked records an event on the active session and reports
// whether it reaches the critical-event subscriber. Callers hold m.mu.
func (m *Manager) appendEventLocked(typ EventType, sev Severity, loc *geo.Point, payload map[string]any) (Event, bool) {
	ev := Event{
		ID:        uuid.NewString(),
		SessionID: m.session.ID,
		Timestamp: m.clock.Now(),
		Type:      typ,
		Severity:  sev,
		Payload:   payload,
	}
	if loc != nil {
		p := *loc
		ev.Location = &p
	}
	m.session.CriticalEvents = append(m.session.CriticalEvents, ev)
	return ev, sev.notifiable()
}

func (m *Manager) dispatchEvent(ev Event, notify bool) {
	if !notify {
		return
	}
	m.mu.Lock()
	cb := m.onCritical
	m.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
	m.log.Warn("critical session event",
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)))
}

// completeLocked finalizes the session fields and detaches the session from
// the manager. Callers hold m.mu and are responsible for stopping the tasks
// and calling finishSession with the returned snapshot.
func (m *Manager) completeLocked(reason EndReason) Session {
	sess := m.session
	now := m.clock.Now()
	sess.EndTime = &now
	sess.EndReason = reason
	if reason == EndCancelled {
		sess.Status = StatusCancelled
	} else {
		sess.Status = StatusCompleted
	}
	if m.lastFix != nil {
		p := m.lastFix.Point
		sess.EndLocation = &p
		sess.TotalDistanceMeters = geo.Haversine(sess.StartLocation, p)
	}
	if dur := now.Sub(sess.StartTime); dur > 0 {
		sess.AverageSpeedKmh = geo.MsToKmh(sess.TotalDistanceMeters / dur.Seconds())
	}

	final := sess.clone()
	m.session = nil
	m.lastFix = nil
	m.nearbyCache = nil
	m.pendingSignal = ""
	m.progressPeak = 0
	m.initialDistM = 0
	return final
}

// finishSession runs the post-close side effects: cadence revert, archive,
// uplink notification, subscriber notification.
func (m *Manager) finishSession(final Session) {
	m.uplink.StartNormalLocationSync(m.currentFix)
	go m.signals.ClearAllEmergencyModes(context.Background())

	m.uplink.Emit("emergency-end", map[string]any{
		"sessionId":           final.ID,
		"reason":              string(final.EndReason),
		"totalDistanceMeters": final.TotalDistanceMeters,
		"signalsCleared":      final.SignalsCleared,
	}, uplink.PriorityHigh)

	snapshot, err := json.Marshal(final)
	if err != nil {
		m.log.Error("failed to encode session snapshot", zap.Error(err))
	} else {
		rec := store.SessionRecord{
			ID:        final.ID,
			VehicleID: final.VehicleID,
			StartTime: final.StartTime,
			Status:    string(final.Status),
			Snapshot:  snapshot,
		}
		if final.EndTime != nil {
			rec.EndTime = *final.EndTime
		}
		if err := m.archive.ArchiveSession(rec, m.cfg.GetSessionHistoryLimit()); err != nil {
			m.log.Error("failed to archive session", zap.String("session", final.ID), zap.Error(err))
		}
	}

	m.log.Info("emergency session ended",
		zap.String("session", final.ID),
		zap.String("reason", string(final.EndReason)),
		zap.Float64("distanceMeters", final.TotalDistanceMeters),
		zap.Int("signalsCleared", final.SignalsCleared))

	m.mu.Lock()
	cb := m.onSession
	m.mu.Unlock()
	if cb != nil {
		cb(final)
	}
}
