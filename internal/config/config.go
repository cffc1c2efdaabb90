// Package config holds the tunable thresholds and intervals for the field
// client. The schema uses pointer fields so a partial JSON file only
// overrides the values it names; the Get* accessors supply defaults for
// everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root tuning configuration. Durations are JSON strings like
// "2s" so the same file can be hand-edited in the field.
type Config struct {
	// Sync channel
	MaxQueueSize          *int    `json:"max_queue_size,omitempty"`
	MaxRetryAttempts      *int    `json:"max_retry_attempts,omitempty"`
	EmergencySyncInterval *string `json:"emergency_sync_interval,omitempty"`
	NormalSyncInterval    *string `json:"normal_sync_interval,omitempty"`
	HeartbeatInterval     *string `json:"heartbeat_interval,omitempty"`
	LatencyProbeInterval  *string `json:"latency_probe_interval,omitempty"`
	ReconnectBaseDelay    *string `json:"reconnect_base_delay,omitempty"`
	MaxReconnectAttempts  *int    `json:"max_reconnect_attempts,omitempty"`

	// Emergency session
	LocationUpdateInterval *string  `json:"location_update_interval,omitempty"`
	SpeedMonitorInterval   *string  `json:"speed_monitor_interval,omitempty"`
	MinSpeedThresholdKmh   *float64 `json:"min_speed_threshold_kmh,omitempty"`
	MaxSpeedThresholdKmh   *float64 `json:"max_speed_threshold_kmh,omitempty"`
	ArrivalRadiusMeters    *float64 `json:"arrival_radius_meters,omitempty"`
	AutoEndOnArrival       *bool    `json:"auto_end_on_arrival,omitempty"`
	SessionHistoryLimit    *int     `json:"session_history_limit,omitempty"`

	// Signal coordination
	CycleTickInterval       *string  `json:"cycle_tick_interval,omitempty"`
	ProximityGateMeters     *float64 `json:"proximity_gate_meters,omitempty"`
	NearbyRadiusKm          *float64 `json:"nearby_radius_km,omitempty"`
	OverrideHoldSeconds     *int     `json:"override_hold_seconds,omitempty"`
	YellowTransitionSeconds *int     `json:"yellow_transition_seconds,omitempty"`
}

// Default returns a Config with every field unset, i.e. all defaults.
func Default() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.MaxQueueSize != nil && *c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", *c.MaxQueueSize)
	}
	if c.MaxRetryAttempts != nil && *c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must be non-negative, got %d", *c.MaxRetryAttempts)
	}
	if c.SessionHistoryLimit != nil && *c.SessionHistoryLimit <= 0 {
		return fmt.Errorf("session_history_limit must be positive, got %d", *c.SessionHistoryLimit)
	}
	if c.MinSpeedThresholdKmh != nil && c.MaxSpeedThresholdKmh != nil &&
		*c.MinSpeedThresholdKmh >= *c.MaxSpeedThresholdKmh {
		return fmt.Errorf("min_speed_threshold_kmh %f must be below max_speed_threshold_kmh %f",
			*c.MinSpeedThresholdKmh, *c.MaxSpeedThresholdKmh)
	}
	for name, v := range map[string]*string{
		"emergency_sync_interval":  c.EmergencySyncInterval,
		"normal_sync_interval":     c.NormalSyncInterval,
		"heartbeat_interval":       c.HeartbeatInterval,
		"latency_probe_interval":   c.LatencyProbeInterval,
		"reconnect_base_delay":     c.ReconnectBaseDelay,
		"location_update_interval": c.LocationUpdateInterval,
		"speed_monitor_interval":   c.SpeedMonitorInterval,
		"cycle_tick_interval":      c.CycleTickInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMaxQueueSize returns the offline queue capacity.
func (c *Config) GetMaxQueueSize() int {
	if c.MaxQueueSize == nil {
		return 100
	}
	return *c.MaxQueueSize
}

// GetMaxRetryAttempts returns the per-event retry cap for queued sends.
func (c *Config) GetMaxRetryAttempts() int {
	if c.MaxRetryAttempts == nil {
		return 3
	}
	return *c.MaxRetryAttempts
}

// GetEmergencySyncInterval returns the fast location-streaming cadence.
func (c *Config) GetEmergencySyncInterval() time.Duration {
	return durationOr(c.EmergencySyncInterval, 2*time.Second)
}

// GetNormalSyncInterval returns the slow location-streaming cadence.
func (c *Config) GetNormalSyncInterval() time.Duration {
	return durationOr(c.NormalSyncInterval, 10*time.Second)
}

// GetHeartbeatInterval returns the server heartbeat cadence.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return durationOr(c.HeartbeatInterval, 15*time.Second)
}

// GetLatencyProbeInterval returns the ping/pong probing cadence.
func (c *Config) GetLatencyProbeInterval() time.Duration {
	return durationOr(c.LatencyProbeInterval, 30*time.Second)
}

// GetReconnectBaseDelay returns the first reconnect backoff step.
func (c *Config) GetReconnectBaseDelay() time.Duration {
	return durationOr(c.ReconnectBaseDelay, time.Second)
}

// GetMaxReconnectAttempts returns the reconnect attempt bound. Exhaustion
// requires an explicit manual reconnect.
func (c *Config) GetMaxReconnectAttempts() int {
	if c.MaxReconnectAttempts == nil {
		return 8
	}
	return *c.MaxReconnectAttempts
}

// GetLocationUpdateInterval returns the session stats tick interval.
func (c *Config) GetLocationUpdateInterval() time.Duration {
	return durationOr(c.LocationUpdateInterval, 3*time.Second)
}

// GetSpeedMonitorInterval returns the safety-monitor tick interval.
func (c *Config) GetSpeedMonitorInterval() time.Duration {
	return durationOr(c.SpeedMonitorInterval, 5*time.Second)
}

// GetMinSpeedThresholdKmh returns the stopped-vehicle threshold.
func (c *Config) GetMinSpeedThresholdKmh() float64 {
	if c.MinSpeedThresholdKmh == nil {
		return 5
	}
	return *c.MinSpeedThresholdKmh
}

// GetMaxSpeedThresholdKmh returns the overspeed threshold.
func (c *Config) GetMaxSpeedThresholdKmh() float64 {
	if c.MaxSpeedThresholdKmh == nil {
		return 120
	}
	return *c.MaxSpeedThresholdKmh
}

// GetArrivalRadiusMeters returns the auto-end arrival radius.
func (c *Config) GetArrivalRadiusMeters() float64 {
	if c.ArrivalRadiusMeters == nil {
		return 100
	}
	return *c.ArrivalRadiusMeters
}

// GetAutoEndOnArrival reports whether crossing the arrival radius completes
// the session automatically.
func (c *Config) GetAutoEndOnArrival() bool {
	if c.AutoEndOnArrival == nil {
		return true
	}
	return *c.AutoEndOnArrival
}

// GetSessionHistoryLimit returns how many completed sessions are retained.
func (c *Config) GetSessionHistoryLimit() int {
	if c.SessionHistoryLimit == nil {
		return 50
	}
	return *c.SessionHistoryLimit
}

// GetCycleTickInterval returns the signal cycle simulation interval.
func (c *Config) GetCycleTickInterval() time.Duration {
	return durationOr(c.CycleTickInterval, time.Second)
}

// GetProximityGateMeters returns the distance under which a signal becomes
// eligible for override activation.
func (c *Config) GetProximityGateMeters() float64 {
	if c.ProximityGateMeters == nil {
		return 500
	}
	return *c.ProximityGateMeters
}

// GetNearbyRadiusKm returns the default nearby-signal query radius.
func (c *Config) GetNearbyRadiusKm() float64 {
	if c.NearbyRadiusKm == nil {
		return 2
	}
	return *c.NearbyRadiusKm
}

// GetOverrideHoldSeconds returns the countdown held on overridden signals.
func (c *Config) GetOverrideHoldSeconds() int {
	if c.OverrideHoldSeconds == nil {
		return 60
	}
	return *c.OverrideHoldSeconds
}

// GetYellowTransitionSeconds returns the forced yellow phase length used
// when entering or leaving an override.
func (c *Config) GetYellowTransitionSeconds() int {
	if c.YellowTransitionSeconds == nil {
		return 3
	}
	return *c.YellowTransitionSeconds
}
