package uplink

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rapidaid/fieldlink/internal/config"
	"github.com/rapidaid/fieldlink/internal/geo"
	"github.com/rapidaid/fieldlink/internal/timeutil"
)

type syncMode int

const (
	syncNone syncMode = iota
	syncNormal
	syncEmergency
)

// Channel is the client side of the coordination link. All exported methods
// are safe for concurrent use. Status and message callbacks are invoked
// synchronously in operation order; they must not call back into the
// channel.
type Channel struct {
	cfg   *config.Config
	clock timeutil.Clock
	db    Persistence
	log   *zap.Logger
	dial  Dialer

	mu                sync.Mutex
	serverURL         string
	vehicleID         string
	initialized       bool
	conn              Conn
	connected         bool
	reconnecting      bool
	reconnectAttempts int
	generation        uint64
	lastConnected     time.Time
	lastSync          time.Time
	latency           time.Duration
	queue             []QueuedEvent
	pendingPings      map[string]time.Time
	onStatus          func(ConnectionStatus)
	onServerMessage   func(ServerMessage)

	heartbeatTask *timeutil.PeriodicTask
	latencyTask   *timeutil.PeriodicTask

	locMu   sync.Mutex
	locTask *timeutil.PeriodicTask
	locMode syncMode
}

// New creates a Channel backed by the given persistence layer. The channel
// does not touch the network until Connect is called.
func New(db Persistence, cfg *config.Config, clock timeutil.Clock, logger *zap.Logger) *Channel {
	c := &Channel{
		cfg:          cfg,
		clock:        clock,
		db:           db,
		log:          logger,
		dial:         dialWebsocket,
		pendingPings: make(map[string]time.Time),
	}
	c.heartbeatTask = timeutil.NewPeriodicTask(clock, cfg.GetHeartbeatInterval(), c.heartbeatTick)
	c.latencyTask = timeutil.NewPeriodicTask(clock, cfg.GetLatencyProbeInterval(), c.latencyTick)
	return c
}

func dialWebsocket(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Initialize loads the persisted offline queue and connection timestamps.
// It must be called before Connect. Failures here are fatal and propagate
// to the caller.
func (c *Channel) Initialize(serverURL, vehicleID string) error {
	c.mu.Lock()
	c.serverURL = serverURL
	c.vehicleID = vehicleID
	c.mu.Unlock()

	if err := c.loadQueue(); err != nil {
		return fmt.Errorf("failed to load offline queue: %w", err)
	}
	lastConnected, lastSync, err := c.db.LoadLinkState()
	if err != nil {
		return fmt.Errorf("failed to load link state: %w", err)
	}

	c.mu.Lock()
	c.lastConnected = lastConnected
	c.lastSync = lastSync
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Connect establishes the server link. It is idempotent while connected.
// Dial failures are absorbed: the channel stays in queuing mode and
// schedules bounded background reconnection.
func (c *Channel) Connect(initial *geo.LocationFix) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		c.log.Error("connect called before initialize")
		return
	}
	if c.connected {
		c.mu.Unlock()
		return
	}
	url := c.serverURL
	c.mu.Unlock()

	conn, err := c.dial(url)

	c.mu.Lock()
	if err != nil {
		c.log.Warn("failed to reach coordination server, queuing mode",
			zap.String("server", url), zap.Error(err))
		c.scheduleReconnectLocked()
		c.broadcastStatusLocked()
		c.mu.Unlock()
		return
	}
	if c.connected {
		// A concurrent connect won the race.
		c.mu.Unlock()
		conn.Close()
		return
	}

	c.conn = conn
	c.connected = true
	c.reconnecting = false
	c.reconnectAttempts = 0
	c.lastConnected = c.clock.Now()
	c.generation++
	gen := c.generation

	registration := map[string]any{"vehicleId": c.vehicleID}
	if initial != nil {
		registration["location"] = locationPayload(initial)
	}
	if werr := c.writeFrameLocked("register", registration); werr != nil {
		c.handleWriteErrorLocked(werr)
		c.broadcastStatusLocked()
		c.mu.Unlock()
		return
	}
	c.flushQueueLocked()
	if !c.connected {
		// The flush tore the link down; reconnection is already scheduled.
		c.broadcastStatusLocked()
		c.mu.Unlock()
		return
	}
	c.saveLinkStateLocked()
	c.broadcastStatusLocked()
	c.mu.Unlock()

	c.heartbeatTask.Start()
	c.latencyTask.Start()
	go c.readLoop(conn, gen)

	c.log.Info("connected to coordination server", zap.String("server", url))
}

// Disconnect closes the link and persists queue and link state. Heartbeat
// and latency probing stop; the location-sync stream keeps running and
// feeds the offline queue.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.teardownConnLocked()
	c.reconnecting = false
	c.persistQueueLocked()
	c.saveLinkStateLocked()
	c.broadcastStatusLocked()
	c.mu.Unlock()

	c.heartbeatTask.Stop()
	c.latencyTask.Stop()
}

// ManualReconnect forces a disconnect/reconnect cycle and resets the
// bounded-retry budget. This is the recovery path once automatic
// reconnection has been exhausted.
func (c *Channel) ManualReconnect() {
	c.mu.Lock()
	c.teardownConnLocked()
	c.reconnecting = false
	c.reconnectAttempts = 0
	c.broadcastStatusLocked()
	c.mu.Unlock()

	c.heartbeatTask.Stop()
	c.latencyTask.Stop()
	c.Connect(nil)
}

// Close stops every owned timer and the connection. The queue is persisted.
func (c *Channel) Close() {
	c.StopLocationSync()
	c.Disconnect()
}

// Emit sends an event immediately when connected; otherwise the event joins
// the priority-ordered offline queue. Network failures never propagate.
func (c *Channel) Emit(event string, payload map[string]any, prio Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		err := c.writeFrameLocked(event, payload)
		if err == nil {
			c.broadcastStatusLocked()
			return
		}
		c.handleWriteErrorLocked(err)
	}

	c.enqueueLocked(QueuedEvent{
		ID:        uuid.NewString(),
		Event:     event,
		Payload:   payload,
		Timestamp: c.clock.Now(),
		Priority:  prio,
	})
	c.broadcastStatusLocked()
}

// Status returns the current connection status snapshot.
func (c *Channel) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// OnStatusChange registers the status subscriber, replacing any previous
// registration.
func (c *Channel) OnStatusChange(cb func(ConnectionStatus)) {
	c.mu.Lock()
	c.onStatus = cb
	c.mu.Unlock()
}

// OnServerMessage registers the inbound-message subscriber, replacing any
// previous registration. Pongs are consumed internally and not delivered.
func (c *Channel) OnServerMessage(cb func(ServerMessage)) {
	c.mu.Lock()
	c.onServerMessage = cb
	c.mu.Unlock()
}

// StartEmergencyLocationSync streams the getter's latest fix at the fast
// emergency cadence. Any previously running location stream is cancelled
// first; only one location-sync timer is ever active.
func (c *Channel) StartEmergencyLocationSync(get func() *geo.LocationFix) {
	c.startLocationSync(syncEmergency, c.cfg.GetEmergencySyncInterval(), get, PriorityMedium)
}

// StartNormalLocationSync streams the getter's latest fix at the slow
// normal cadence, cancelling any previous stream first.
func (c *Channel) StartNormalLocationSync(get func() *geo.LocationFix) {
	c.startLocationSync(syncNormal, c.cfg.GetNormalSyncInterval(), get, PriorityLow)
}

// StopLocationSync cancels the location stream if one is running.
func (c *Channel) StopLocationSync() {
	c.locMu.Lock()
	task := c.locTask
	c.locTask = nil
	c.locMode = syncNone
	c.locMu.Unlock()
	if task != nil {
		task.Stop()
	}
}

func (c *Channel) startLocationSync(mode syncMode, interval time.Duration, get func() *geo.LocationFix, prio Priority) {
	c.locMu.Lock()
	old := c.locTask
	c.locTask = nil
	c.locMu.Unlock()
	if old != nil {
		old.Stop()
	}

	task := timeutil.NewPeriodicTask(c.clock, interval, func(time.Time) {
		fix := get()
		if fix == nil {
			return
		}
		c.Emit("location-update", locationPayload(fix), prio)
	})

	c.locMu.Lock()
	c.locTask = task
	c.locMode = mode
	c.locMu.Unlock()
	task.Start()
}

func locationPayload(fix *geo.LocationFix) map[string]any {
	return map[string]any{
		"latitude":  fix.Latitude,
		"longitude": fix.Longitude,
		"heading":   fix.HeadingDeg,
		"speed":     fix.SpeedKmh,
		"accuracy":  fix.AccuracyM,
		"timestamp": fix.UnixTimestamp,
	}
}

// writeFrameLocked sends one event frame over the live connection and
// advances the sync timestamp. Caller holds c.mu.
func (c *Channel) writeFrameLocked(event string, payload map[string]any) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	f := frame{
		Event:     event,
		VehicleID: c.vehicleID,
		Timestamp: c.clock.Now().UnixMilli(),
		Payload:   payload,
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return err
	}
	c.lastSync = c.clock.Now()
	return nil
}

// handleWriteErrorLocked tears down a broken connection and schedules
// reconnection. Caller holds c.mu.
func (c *Channel) handleWriteErrorLocked(err error) {
	c.log.Warn("server link write failed", zap.Error(err))
	c.teardownConnLocked()
	c.scheduleReconnectLocked()
	// Stop the link timers off this goroutine: their ticks contend for c.mu.
	go func() {
		c.heartbeatTask.Stop()
		c.latencyTask.Stop()
	}()
}

func (c *Channel) teardownConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.generation++
	c.pendingPings = make(map[string]time.Time)
}

// scheduleReconnectLocked arms one background reconnect attempt with
// exponential backoff. Attempts are bounded; exhaustion leaves the channel
// offline until ManualReconnect. Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() {
	if c.reconnecting || c.connected {
		return
	}
	if c.reconnectAttempts >= c.cfg.GetMaxReconnectAttempts() {
		c.log.Warn("reconnect attempts exhausted, waiting for manual reconnect",
			zap.Int("attempts", c.reconnectAttempts))
		return
	}
	c.reconnecting = true
	delay := c.cfg.GetReconnectBaseDelay() << uint(c.reconnectAttempts)
	if max := 30 * time.Second; delay > max {
		delay = max
	}
	wait := c.clock.After(delay)

	go func() {
		<-wait
		c.mu.Lock()
		if c.connected || !c.reconnecting {
			c.mu.Unlock()
			return
		}
		c.reconnectAttempts++
		c.reconnecting = false
		c.broadcastStatusLocked()
		c.mu.Unlock()
		c.Connect(nil)
	}()
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			// A stale loop, whose connection was already replaced, must not
			// touch the timers the live connection owns.
			owned := c.generation == gen && c.connected
			if owned {
				c.log.Warn("server link read failed", zap.Error(err))
				c.teardownConnLocked()
				c.scheduleReconnectLocked()
				c.broadcastStatusLocked()
			}
			c.mu.Unlock()
			if owned {
				c.heartbeatTask.Stop()
				c.latencyTask.Stop()
			}
			return
		}
		c.handleInbound(msg)
	}
}

func (c *Channel) handleInbound(msg ServerMessage) {
	if msg.Event == "pong" {
		c.handlePong(msg)
		return
	}

	c.mu.Lock()
	cb := c.onServerMessage
	c.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (c *Channel) handlePong(msg ServerMessage) {
	nonce, _ := msg.Payload["nonce"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	sent, ok := c.pendingPings[nonce]
	if !ok {
		return
	}
	delete(c.pendingPings, nonce)
	c.latency = c.clock.Since(sent)
	c.broadcastStatusLocked()
}

func (c *Channel) heartbeatTick(time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return
	}
	if err := c.writeFrameLocked("heartbeat", nil); err != nil {
		c.handleWriteErrorLocked(err)
	}
	c.broadcastStatusLocked()
}

func (c *Channel) latencyTick(time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return
	}
	nonce := uuid.NewString()
	c.pendingPings[nonce] = c.clock.Now()
	if err := c.writeFrameLocked("ping", map[string]any{"nonce": nonce}); err != nil {
		c.handleWriteErrorLocked(err)
	}
}

func (c *Channel) saveLinkStateLocked() {
	if err := c.db.SaveLinkState(c.lastConnected, c.lastSync); err != nil {
		c.log.Warn("failed to persist link state", zap.Error(err))
	}
}

func (c *Channel) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		Connected:         c.connected,
		Reconnecting:      c.reconnecting,
		ReconnectAttempts: c.reconnectAttempts,
		LastConnected:     c.lastConnected,
		LastSync:          c.lastSync,
		ServerLatency:     c.latency,
		QueuedEvents:      len(c.queue),
	}
}

// broadcastStatusLocked recomputes the status and delivers it to the
// subscriber. Caller holds c.mu.
func (c *Channel) broadcastStatusLocked() {
	if c.onStatus == nil {
		return
	}
	c.onStatus(c.statusLocked())
}
