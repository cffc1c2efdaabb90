package emergency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rapidaid/fieldlink/internal/config"
	"github.com/rapidaid/fieldlink/internal/geo"
	"github.com/rapidaid/fieldlink/internal/signalctl"
	"github.com/rapidaid/fieldlink/internal/store"
	"github.com/rapidaid/fieldlink/internal/timeutil"
	"github.com/rapidaid/fieldlink/internal/uplink"
)

type emittedEvent struct {
	event   string
	payload map[string]any
	prio    uplink.Priority
}

type fakeUplink struct {
	mu       sync.Mutex
	emits    []emittedEvent
	syncMode string
}

func (f *fakeUplink) Emit(event string, payload map[string]any, prio uplink.Priority) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emittedEvent{event, payload, prio})
}

func (f *fakeUplink) StartEmergencyLocationSync(func() *geo.LocationFix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncMode = "emergency"
}

func (f *fakeUplink) StartNormalLocationSync(func() *geo.LocationFix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncMode = "normal"
}

func (f *fakeUplink) StopLocationSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncMode = ""
}

func (f *fakeUplink) mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncMode
}

func (f *fakeUplink) events(name string) []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emittedEvent
	for _, e := range f.emits {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeSignals struct {
	mu         sync.Mutex
	nearby     []signalctl.TrafficSignal
	approaches []geo.Point
	released   int
}

func (f *fakeSignals) NearbySignals(loc geo.Point, radiusKm float64) []signalctl.TrafficSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signalctl.TrafficSignal(nil), f.nearby...)
}

func (f *fakeSignals) ClearApproach(ctx context.Context, loc geo.Point, heading *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approaches = append(f.approaches, loc)
}

func (f *fakeSignals) ClearAllEmergencyModes(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeSignals) approachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.approaches)
}

func (f *fakeSignals) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []store.SessionRecord
	keeps    []int
	recent   []store.SessionRecord
}

func (f *fakeArchive) ArchiveSession(rec store.SessionRecord, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, rec)
	f.keeps = append(f.keeps, keep)
	return nil
}

func (f *fakeArchive) RecentSessions(n int) ([]store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeArchive) archivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived)
}

type testEnv struct {
	mgr     *Manager
	up      *fakeUplink
	signals *fakeSignals
	archive *fakeArchive
	clock   *timeutil.MockClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		up:      &fakeUplink{},
		signals: &fakeSignals{},
		archive: &fakeArchive{},
		clock:   timeutil.NewMockClock(time.Unix(1_700_000_000, 0)),
	}
	env.mgr = New(env.up, env.signals, env.archive, config.Default(), env.clock, zap.NewNop())
	t.Cleanup(func() { env.mgr.EndEmergency(EndCancelled) })
	return env
}

func startFix() geo.LocationFix {
	return geo.LocationFix{
		Point:      geo.Point{Latitude: 31.2300, Longitude: 121.4700},
		HeadingDeg: 10,
		SpeedKmh:   40,
	}
}

// hospital ~1.6km north of the start fix.
func hospital() *Destination {
	return &Destination{
		Name:     "Central Hospital",
		Location: geo.Point{Latitude: 31.2445, Longitude: 121.4700},
	}
}

func TestStartEmergency(t *testing.T) {
	env := newTestEnv(t)

	var stateMu sync.Mutex
	var states []Session
	env.mgr.OnSessionState(func(s Session) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})

	sess, err := env.mgr.StartEmergency("amb-42", startFix(), hospital())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "amb-42", sess.VehicleID)
	assert.Equal(t, StatusActive, sess.Status)
	require.NotNil(t, sess.Destination)
	assert.Equal(t, "Central Hospital", sess.Destination.Name)

	assert.Equal(t, "emergency", env.up.mode())
	require.Len(t, env.up.events("emergency-start"), 1)
	assert.Equal(t, uplink.PriorityHigh, env.up.events("emergency-start")[0].prio)

	stateMu.Lock()
	defer stateMu.Unlock()
	require.Len(t, states, 1)
	assert.Equal(t, StatusActive, states[0].Status)
	require.Len(t, states[0].CriticalEvents, 1)
	assert.Equal(t, EventManualOverride, states[0].CriticalEvents[0].Type)
}

func TestStartEmergencyRejectsSecondSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.StartEmergency("amb-42", startFix(), hospital())
	require.NoError(t, err)
	before := env.mgr.ActiveSession()
	require.NotNil(t, before)

	_, err = env.mgr.StartEmergency("amb-99", startFix(), nil)
	require.ErrorIs(t, err, ErrAlreadyActive)

	after := env.mgr.ActiveSession()
	require.NotNil(t, after)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("active session mutated by rejected start (-before +after):\n%s", diff)
	}
}

func TestTotalDistanceIsStartToEnd(t *testing.T) {
	env := newTestEnv(t)

	var stateMu sync.Mutex
	var finals []Session
	env.mgr.OnSessionState(func(s Session) {
		if s.Status != StatusActive {
			stateMu.Lock()
			finals = append(finals, s)
			stateMu.Unlock()
		}
	})

	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	// ~111m per 0.001 degree of latitude; the detour does not count.
	env.mgr.UpdateLocation(geo.Point{Latitude: 31.2280, Longitude: 121.4700}, 40, 180)
	env.mgr.UpdateLocation(geo.Point{Latitude: 31.2320, Longitude: 121.4700}, 40, 0)
	env.mgr.EndEmergency(EndManual)

	stateMu.Lock()
	defer stateMu.Unlock()
	require.Len(t, finals, 1)
	assert.InDelta(t, 222, finals[0].TotalDistanceMeters, 10)
}

func TestSafetyTickRecordsStoppedEveryTick(t *testing.T) {
	env := newTestEnv(t)

	var critMu sync.Mutex
	var critical []Event
	env.mgr.OnCriticalEvent(func(ev Event) {
		critMu.Lock()
		critical = append(critical, ev)
		critMu.Unlock()
	})

	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.UpdateLocation(startFix().Point, 2, 0)
	for i := 0; i < 3; i++ {
		env.mgr.safetyTick(env.clock.Now())
	}

	sess := env.mgr.ActiveSession()
	require.NotNil(t, sess)
	var stopped int
	for _, ev := range sess.CriticalEvents {
		if ev.Type == EventStopped {
			stopped++
			assert.Equal(t, SeverityMedium, ev.Severity)
		}
	}
	assert.Equal(t, 3, stopped)

	// Medium severity stays out of the critical-event stream.
	critMu.Lock()
	assert.Empty(t, critical)
	critMu.Unlock()
}

func TestSafetyTickSpeedViolationNotifiesSubscriber(t *testing.T) {
	env := newTestEnv(t)

	var critMu sync.Mutex
	var critical []Event
	env.mgr.OnCriticalEvent(func(ev Event) {
		critMu.Lock()
		critical = append(critical, ev)
		critMu.Unlock()
	})

	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.UpdateLocation(startFix().Point, 135, 0)
	env.mgr.safetyTick(env.clock.Now())

	critMu.Lock()
	defer critMu.Unlock()
	require.Len(t, critical, 1)
	assert.Equal(t, EventSpeedViolation, critical[0].Type)
	assert.Equal(t, SeverityHigh, critical[0].Severity)
	assert.Equal(t, 135.0, critical[0].Payload["speed_kmh"])
}

func TestSafetyTickNormalSpeedIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.UpdateLocation(startFix().Point, 60, 0)
	env.mgr.safetyTick(env.clock.Now())

	sess := env.mgr.ActiveSession()
	require.NotNil(t, sess)
	for _, ev := range sess.CriticalEvents {
		assert.NotEqual(t, EventStopped, ev.Type)
		assert.NotEqual(t, EventSpeedViolation, ev.Type)
	}
}

func TestStatsTickComputesProgress(t *testing.T) {
	env := newTestEnv(t)
	env.signals.nearby = []signalctl.TrafficSignal{
		{ID: "sig-001", ProximityMeters: 240},
	}

	var statsMu sync.Mutex
	var got []Stats
	env.mgr.OnStats(func(s Stats) {
		statsMu.Lock()
		got = append(got, s)
		statsMu.Unlock()
	})

	_, err := env.mgr.StartEmergency("amb-42", startFix(), hospital())
	require.NoError(t, err)

	env.mgr.statsTick(env.clock.Now())
	// Halfway toward the hospital.
	env.mgr.UpdateLocation(geo.Point{Latitude: 31.2373, Longitude: 121.4700}, 50, 0)
	env.clock.Advance(time.Minute)
	env.mgr.statsTick(env.clock.Now())

	statsMu.Lock()
	defer statsMu.Unlock()
	require.Len(t, got, 2)
	assert.InDelta(t, 0, got[0].RouteProgress, 0.01)
	assert.InDelta(t, 0.5, got[1].RouteProgress, 0.05)
	assert.Greater(t, got[0].DistanceToDestinationMeters, got[1].DistanceToDestinationMeters)
	assert.Equal(t, 240.0, got[1].NextSignalDistanceMeters)
	assert.Equal(t, time.Minute, got[1].EmergencyDuration)
	require.NotNil(t, got[1].EstimatedArrival)
	assert.True(t, got[1].EstimatedArrival.After(env.clock.Now()))
}

func TestStatsTickProgressIsMonotone(t *testing.T) {
	env := newTestEnv(t)

	var statsMu sync.Mutex
	var got []Stats
	env.mgr.OnStats(func(s Stats) {
		statsMu.Lock()
		got = append(got, s)
		statsMu.Unlock()
	})

	_, err := env.mgr.StartEmergency("amb-42", startFix(), hospital())
	require.NoError(t, err)

	env.mgr.UpdateLocation(geo.Point{Latitude: 31.2373, Longitude: 121.4700}, 50, 0)
	env.mgr.statsTick(env.clock.Now())
	// Detour away from the destination must not lower the reported progress.
	env.mgr.UpdateLocation(geo.Point{Latitude: 31.2340, Longitude: 121.4700}, 50, 180)
	env.mgr.statsTick(env.clock.Now())

	statsMu.Lock()
	defer statsMu.Unlock()
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[1].RouteProgress, got[0].RouteProgress)
}

func TestStatsTickAutoEndsOnArrival(t *testing.T) {
	env := newTestEnv(t)

	var stateMu sync.Mutex
	var finals []Session
	env.mgr.OnSessionState(func(s Session) {
		if s.Status != StatusActive {
			stateMu.Lock()
			finals = append(finals, s)
			stateMu.Unlock()
		}
	})

	_, err := env.mgr.StartEmergency("amb-42", startFix(), hospital())
	require.NoError(t, err)

	// Pull up within the arrival radius.
	env.mgr.UpdateLocation(geo.Point{Latitude: 31.24445, Longitude: 121.4700}, 20, 0)
	env.mgr.statsTick(env.clock.Now())

	require.Eventually(t, func() bool {
		return env.mgr.ActiveSession() == nil && env.archive.archivedCount() == 1
	}, time.Second, 5*time.Millisecond)

	stateMu.Lock()
	defer stateMu.Unlock()
	require.Len(t, finals, 1)
	assert.Equal(t, StatusCompleted, finals[0].Status)
	assert.Equal(t, EndArrived, finals[0].EndReason)
	require.NotNil(t, finals[0].EndLocation)
}

func TestEndEmergencyFinalizesAndArchives(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.StartEmergency("amb-42", startFix(), hospital())
	require.NoError(t, err)

	env.mgr.UpdateLocation(geo.Point{Latitude: 31.2373, Longitude: 121.4700}, 50, 0)
	env.clock.Advance(time.Minute)
	env.mgr.EndEmergency(EndManual)

	assert.Nil(t, env.mgr.ActiveSession())
	assert.Equal(t, "normal", env.up.mode())
	require.Len(t, env.up.events("emergency-end"), 1)

	env.archive.mu.Lock()
	defer env.archive.mu.Unlock()
	require.Len(t, env.archive.archived, 1)
	rec := env.archive.archived[0]
	assert.Equal(t, "amb-42", rec.VehicleID)
	assert.Equal(t, string(StatusCompleted), rec.Status)
	assert.False(t, rec.EndTime.IsZero())
	assert.NotEmpty(t, rec.Snapshot)
	assert.Equal(t, []int{50}, env.archive.keeps)
}

func TestEndEmergencyStopsFurtherTicks(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)
	env.mgr.EndEmergency(EndManual)

	var statsMu sync.Mutex
	var called int
	env.mgr.OnStats(func(Stats) {
		statsMu.Lock()
		called++
		statsMu.Unlock()
	})

	// Ticks after the session has ended are inert.
	env.mgr.statsTick(env.clock.Now())
	env.mgr.safetyTick(env.clock.Now())

	statsMu.Lock()
	defer statsMu.Unlock()
	assert.Zero(t, called)
	assert.False(t, env.mgr.statsTask.Running())
	assert.False(t, env.mgr.safetyTask.Running())
}

func TestEndEmergencyWithoutSessionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.EndEmergency(EndManual)
	assert.Zero(t, env.archive.archivedCount())
}

func TestCancelledSessionStatus(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)
	env.mgr.EndEmergency(EndCancelled)

	env.archive.mu.Lock()
	defer env.archive.mu.Unlock()
	require.Len(t, env.archive.archived, 1)
	assert.Equal(t, string(StatusCancelled), env.archive.archived[0].Status)
}

func TestHandleSignalCleared(t *testing.T) {
	env := newTestEnv(t)
	env.signals.nearby = []signalctl.TrafficSignal{{ID: "sig-001", CurrentLight: signalctl.LightRed}}

	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.HandleSignalCleared("sig-001", 60)
	env.mgr.HandleSignalCleared("sig-002", 45)

	sess := env.mgr.ActiveSession()
	require.NotNil(t, sess)
	assert.Equal(t, 2, sess.SignalsCleared)

	var cleared []Event
	for _, ev := range sess.CriticalEvents {
		if ev.Type == EventSignalCleared {
			cleared = append(cleared, ev)
		}
	}
	require.Len(t, cleared, 2)
	assert.Equal(t, SeverityLow, cleared[0].Severity)
	assert.Equal(t, "sig-001", cleared[0].Payload["signal_id"])
}

func TestRequestManualSignalClearance(t *testing.T) {
	env := newTestEnv(t)
	env.signals.nearby = []signalctl.TrafficSignal{
		{ID: "sig-far", Location: geo.Point{Latitude: 31.2500, Longitude: 121.4700}},
		{ID: "sig-near", Location: geo.Point{Latitude: 31.2301, Longitude: 121.4700}},
	}

	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.RequestManualSignalClearance(nil)

	reqs := env.up.events("emergency-route-request")
	require.Len(t, reqs, 1)
	assert.Equal(t, "sig-near", reqs[0].payload["signalId"])
	assert.Equal(t, uplink.PriorityHigh, reqs[0].prio)
}

func signalStatus(t *testing.T, signals []signalctl.TrafficSignal, id string) signalctl.SignalStatus {
	t.Helper()
	for _, sig := range signals {
		if sig.ID == id {
			return sig.Status
		}
	}
	t.Fatalf("signal %s not in cache", id)
	return ""
}

func TestManualClearancePendingMarkIsObservable(t *testing.T) {
	env := newTestEnv(t)
	env.signals.nearby = []signalctl.TrafficSignal{
		{ID: "sig-far", Location: geo.Point{Latitude: 31.2500, Longitude: 121.4700}, Status: signalctl.StatusNormal},
		{ID: "sig-near", Location: geo.Point{Latitude: 31.2301, Longitude: 121.4700}, Status: signalctl.StatusNormal},
	}

	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.RequestManualSignalClearance(nil)
	assert.Equal(t, signalctl.StatusClearancePending,
		signalStatus(t, env.mgr.CachedSignals(), "sig-near"))
	assert.Equal(t, signalctl.StatusNormal,
		signalStatus(t, env.mgr.CachedSignals(), "sig-far"))

	// The stats tick refreshes the cache; the pending mark survives until the
	// clearance is confirmed.
	env.mgr.statsTick(env.clock.Now())
	assert.Equal(t, signalctl.StatusClearancePending,
		signalStatus(t, env.mgr.CachedSignals(), "sig-near"))

	env.mgr.HandleSignalCleared("sig-near", 30)
	assert.Equal(t, signalctl.StatusClearedForAmbulance,
		signalStatus(t, env.mgr.CachedSignals(), "sig-near"))
}

func TestStatsTickRequestsApproachClearance(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.statsTick(env.clock.Now())

	require.Eventually(t, func() bool {
		return env.signals.approachCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEndEmergencyReleasesOverrides(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.StartEmergency("amb-42", startFix(), nil)
	require.NoError(t, err)

	env.mgr.EndEmergency(EndManual)

	require.Eventually(t, func() bool {
		return env.signals.releasedCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecentSessionsPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.archive.recent = []store.SessionRecord{{ID: "old-session"}}

	got, err := env.mgr.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old-session", got[0].ID)
}
