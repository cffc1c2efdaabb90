package signalctl

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ControllerAPI is the client-side protocol to the roadside
// signal-controller endpoint.
type ControllerAPI interface {
	FetchRoster(ctx context.Context) ([]TrafficSignal, error)
	SendOverride(ctx context.Context, signalID string, direction string, color LightColor) (OverrideResult, error)
	SyncStates(ctx context.Context, states []SignalStateSync) error
}

// Controller talks HTTP to the signal-controller box at the intersection
// cluster.
type Controller struct {
	http *resty.Client
	log  *zap.Logger
}

// NewController builds a controller client for the given base URL.
func NewController(baseURL string, logger *zap.Logger) *Controller {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Controller{http: client, log: logger}
}

type rosterResponse struct {
	Success bool            `json:"success"`
	Signals []TrafficSignal `json:"signals"`
}

// FetchRoster loads the list of signals the controller manages.
func (c *Controller) FetchRoster(ctx context.Context) ([]TrafficSignal, error) {
	var out rosterResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/signals")
	if err != nil {
		return nil, fmt.Errorf("failed to reach signal controller: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("signal controller returned %s", resp.Status())
	}
	if !out.Success {
		return nil, fmt.Errorf("signal controller rejected roster request")
	}
	return out.Signals, nil
}

type overrideRequest struct {
	Direction string `json:"direction"`
	Status    string `json:"status"`
}

type overrideResponse struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

// SendOverride asks the controller to force the signal's lamps for one
// approach direction. A "skipped" response means the direction does not
// serve that signal and nothing was changed.
func (c *Controller) SendOverride(ctx context.Context, signalID string, direction string, color LightColor) (OverrideResult, error) {
	var out overrideResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(overrideRequest{Direction: direction, Status: string(color)}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/signal/%s/direction", signalID))
	if err != nil {
		return OverrideResult{}, fmt.Errorf("failed to reach signal controller: %w", err)
	}
	if resp.IsError() || !out.Success {
		reason := out.Error
		if reason == "" {
			reason = resp.Status()
		}
		return OverrideResult{}, fmt.Errorf("signal controller rejected override for %s: %s", signalID, reason)
	}
	if out.Skipped {
		c.log.Debug("controller skipped override",
			zap.String("signal", signalID),
			zap.String("direction", direction),
			zap.String("reason", out.Reason))
	}
	return OverrideResult{Skipped: out.Skipped, Reason: out.Reason}, nil
}

type syncRequest struct {
	Signals []SignalStateSync `json:"signals"`
}

type syncResponse struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"`
}

// SyncStates pushes the local light states to the controller in bulk so the
// physical lamps converge with the simulation after a connectivity gap.
func (c *Controller) SyncStates(ctx context.Context, states []SignalStateSync) error {
	var out syncResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(syncRequest{Signals: states}).
		SetResult(&out).
		Post("/signals/sync")
	if err != nil {
		return fmt.Errorf("failed to reach signal controller: %w", err)
	}
	if resp.IsError() || !out.Success {
		return fmt.Errorf("signal controller rejected state sync: %s", resp.Status())
	}
	return nil
}
