package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/iotserver/internal/api"
	"example.com/backstage/services/iotserver/internal/core"
	"example.com/backstage/services/iotserver/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the IoT API server",
	Long:  `Launches the HTTP server that handles device registration, heartbeats, sensor data ingestion and queries. MQTT ingestion and the presence sweep start when configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing IoT Server...")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	// --- MQTT Ingestion ---
	stopMQTT := func() {}
	if cfg.MQTT.Enabled() {
		stopMQTT, err = startMQTT(rt.services)
		if err != nil {
			return err
		}
	}

	// --- Presence Sweep ---
	if cfg.Presence.OfflineAfter > 0 {
		rt.services.Presence.Start(cfg.Presence.OfflineAfter, cfg.Presence.SweepInterval)
	}

	// --- API Layer Setup ---
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handlers := api.NewAPIHandlers(rt.services, rt.db, logger)
	api.SetupRoutes(router, handlers, api.RouteOptions{
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		CORSOrigins:        cfg.Server.CORSOrigins,
	}, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("IoT API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownChan:
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.WithError(err).Error("Server failed")
	}

	// Stop background work before the stores go away
	stopMQTT()
	rt.services.Presence.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("IoT Server shutdown complete")
	return nil
}

func startMQTT(services *core.ServiceRegistry) (func(), error) {
	var deadLetter *infrastructure.DeadLetterLog
	var sink infrastructure.DeadLetterSink
	if cfg.Storage.DeadLetterPath != "" {
		var err error
		deadLetter, err = infrastructure.NewDeadLetterLog(cfg.Storage.DeadLetterPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open dead letter log: %w", err)
		}
		sink = deadLetter
	}
	closeDeadLetter := func() {
		if deadLetter != nil {
			deadLetter.Close()
		}
	}

	subscriber, err := infrastructure.NewMQTTSubscriber(cfg.MQTT, sink, logger)
	if err != nil {
		closeDeadLetter()
		return nil, err
	}
	for kind, handler := range core.NewIngestHandlers(services, logger).Handlers() {
		subscriber.RegisterHandler(kind, handler)
	}

	logger.WithField("broker", cfg.MQTT.BrokerURL).Info("Connecting to MQTT broker...")
	if err := subscriber.Start(); err != nil {
		closeDeadLetter()
		return nil, err
	}

	return func() {
		subscriber.Stop()
		closeDeadLetter()
	}, nil
}
