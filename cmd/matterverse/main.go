// Matterverse bridges a Matter fabric to MQTT (Homie 3.0.1),
// WebSocket and REST, driving the fabric through a chip-tool
// subprocess.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/config"
	"github.com/hosokawa-kenshin/Matterverse/internal/datamodel"
	"github.com/hosokawa-kenshin/Matterverse/internal/dispatcher"
	"github.com/hosokawa-kenshin/Matterverse/internal/handler"
	"github.com/hosokawa-kenshin/Matterverse/internal/logging"
	"github.com/hosokawa-kenshin/Matterverse/internal/mqtt"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
	"github.com/hosokawa-kenshin/Matterverse/internal/scheduler"
	"github.com/hosokawa-kenshin/Matterverse/internal/service"
	"github.com/hosokawa-kenshin/Matterverse/internal/websocket"
	"github.com/hosokawa-kenshin/Matterverse/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.EnableColoredLogs)
	if err != nil {
		zap.NewExample().Fatal("building logger", zap.Error(err))
	}
	defer logger.Sync()

	// ── Data model & registry ──────────────────────────────────────────────
	dict, err := datamodel.Load(cfg.ClusterXMLDir, cfg.DeviceTypeXMLFile, logger)
	if err != nil {
		logger.Fatal("loading cluster data model", zap.Error(err))
	}
	logger.Info("data model loaded",
		zap.Int("clusters", len(dict.Clusters())), zap.Int("device_types", len(dict.DeviceTypes())))

	registry, err := repository.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("opening device registry", zap.Error(err))
	}
	defer registry.Close()

	// ── Fabric access ──────────────────────────────────────────────────────
	executor := chiptool.NewExecutor(cfg.ChipToolPath, cfg.PAACertDirPath,
		cfg.CommissioningDir, cfg.MaxConcurrentCommands, dict, logger)

	// ── North-bound sinks ──────────────────────────────────────────────────
	hub := websocket.NewHub(logger)
	controller := mqtt.NewController(cfg.BrokerAddr(), registry, dict, logger)
	disp := dispatcher.New(controller, hub, logger)

	// ── Polling engine & services ──────────────────────────────────────────
	engine := worker.New(worker.Config{
		PollingInterval:       cfg.PollingInterval,
		CommandTimeout:        cfg.CommandTimeout,
		AutoDiscoveryInterval: cfg.AutoDiscoveryInterval,
		MaxConcurrentDevices:  cfg.MaxConcurrentDevices,
		DeviceErrorStop:       cfg.DeviceErrorStop,
	}, executor, registry, disp, logger)

	commandSvc := service.NewCommandService(executor, engine, registry, cfg.CommandTimeout, logger)
	controller.SetCommandGateway(commandSvc)
	commissioningSvc := service.NewCommissioningService(executor, registry, dict, engine, cfg.CommandTimeout, logger)
	deviceSvc := service.NewDeviceService(registry, dict, engine, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("starting polling engine", zap.Error(err))
	}

	discovery := scheduler.NewDiscovery(cfg.AutoDiscoveryInterval, engine, logger)
	discovery.Start()

	// The paho client reconnects on its own; a broker that is down at
	// boot must not keep the REST surface from coming up.
	if err := controller.Connect(); err != nil {
		logger.Error("mqtt broker unreachable, relying on reconnect",
			zap.String("broker", cfg.BrokerAddr()), zap.Error(err))
	}

	// ── HTTP server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.RegisterRoutes(e, deviceSvc, commissioningSvc, commandSvc, engine, dict, hub, disp, logger)

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	discovery.Stop()
	engine.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	controller.Disconnect(shutdownCtx)
	hub.Close()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	logger.Info("matterverse shut down cleanly")
}
