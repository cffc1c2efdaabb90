// fieldlink is the on-vehicle field client: it keeps the dispatch uplink
// alive (queuing while offline), runs the emergency session manager, and
// coordinates traffic-signal overrides against the roadside controller.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rapidaid/fieldlink/internal/config"
	"github.com/rapidaid/fieldlink/internal/emergency"
	"github.com/rapidaid/fieldlink/internal/logging"
	"github.com/rapidaid/fieldlink/internal/signalctl"
	"github.com/rapidaid/fieldlink/internal/store"
	"github.com/rapidaid/fieldlink/internal/timeutil"
	"github.com/rapidaid/fieldlink/internal/uplink"
)

func main() {
	var serverURL string
	var controllerURL string
	var vehicleID string
	var dbPath string
	var configPath string
	var dev bool

	flag.StringVar(&serverURL, "server", "ws://localhost:8080/ws", "dispatch server websocket URL")
	flag.StringVar(&controllerURL, "controller", "http://localhost:5000", "signal controller base URL")
	flag.StringVar(&vehicleID, "vehicle", "", "vehicle identifier (required)")
	flag.StringVar(&dbPath, "db", "fieldlink.db", "path to sqlite state db")
	flag.StringVar(&configPath, "config", "", "path to tuning config JSON (optional)")
	flag.BoolVar(&dev, "dev", false, "console logging at debug level")
	flag.Parse()

	level, format := "info", "json"
	if dev {
		level, format = "debug", "console"
	}
	logger, err := logging.New(level, format, "fieldlink")
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if vehicleID == "" {
		logger.Fatal("-vehicle is required")
	}

	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.String("path", configPath), zap.Error(err))
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open state db", zap.String("path", dbPath), zap.Error(err))
	}

	clock := timeutil.RealClock{}
	channel := uplink.New(st, cfg, clock, logger.Named("uplink"))
	controller := signalctl.NewController(controllerURL, logger.Named("signalctl"))
	coordinator := signalctl.New(controller, cfg, clock, logger.Named("signalctl"))
	manager := emergency.New(channel, coordinator, st, cfg, clock, logger.Named("emergency"))

	channel.OnStatusChange(func(s uplink.ConnectionStatus) {
		logger.Debug("uplink status",
			zap.Bool("connected", s.Connected),
			zap.Bool("reconnecting", s.Reconnecting),
			zap.Int("queued", s.QueuedEvents))
	})
	channel.OnServerMessage(func(msg uplink.ServerMessage) {
		switch msg.Event {
		case "signal-cleared":
			signalID, _ := msg.Payload["signalId"].(string)
			seconds, _ := msg.Payload["clearanceSeconds"].(float64)
			if signalID != "" {
				manager.HandleSignalCleared(signalID, int(seconds))
			}
		default:
			logger.Debug("server message", zap.String("event", msg.Event))
		}
	})
	manager.OnCriticalEvent(func(ev emergency.Event) {
		logger.Warn("critical event",
			zap.String("type", string(ev.Type)),
			zap.String("severity", string(ev.Severity)))
	})
	manager.OnSessionState(func(s emergency.Session) {
		logger.Info("session state",
			zap.String("session", s.ID),
			zap.String("status", string(s.Status)))
	})

	if err := channel.Initialize(serverURL, vehicleID); err != nil {
		logger.Fatal("failed to initialize uplink", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator.Start(ctx)
	channel.Connect(nil)

	logger.Info("fieldlink running",
		zap.String("vehicle", vehicleID),
		zap.String("server", serverURL),
		zap.String("controller", controllerURL))

	<-ctx.Done()
	logger.Info("shutting down")

	// Dependency order: close the session first so its final snapshot still
	// reaches the uplink and the archive, then stop the services under it.
	manager.EndEmergency(emergency.EndCancelled)
	coordinator.ClearAllEmergencyModes(context.Background())
	coordinator.Stop()
	channel.Close()
	if err := st.Close(); err != nil {
		logger.Error("failed to close state db", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
