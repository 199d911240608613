package cmd

import (
	"fmt"

	"example.com/backstage/services/iotserver/internal/core"
	"example.com/backstage/services/iotserver/internal/infrastructure"
)

// runtime bundles the infrastructure shared by the commands.
type runtime struct {
	db        *infrastructure.Database
	cache     *infrastructure.Cache
	messaging *infrastructure.Messaging
	services  *core.ServiceRegistry
}

// openRuntime connects to the database and the optional cache and event bus
// and builds the service registry. The database schema is migrated.
func openRuntime() (*runtime, error) {
	logger.WithField("driver", cfg.Database.Driver).Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.Migrate(core.Models()...); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	rt := &runtime{db: db}
	serviceConfig := core.ServiceConfig{
		DataStore: core.NewDataStore(db.DB, capacityLimits()),
		Logger:    logger,
		Limits:    capacityLimits(),
		DeviceTTL: cfg.Redis.DeviceTTL,
	}

	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
		} else {
			rt.cache = cache
			serviceConfig.Cache = cache
		}
	}
	if serviceConfig.Cache == nil && cfg.Redis.LocalSize > 0 {
		local, err := infrastructure.NewLocalCache(cfg.Redis.LocalSize)
		if err != nil {
			logger.WithError(err).Warn("Local cache unavailable, continuing without it")
		} else {
			logger.WithField("size", cfg.Redis.LocalSize).Info("Using in-process cache")
			serviceConfig.Cache = local
		}
	}

	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			rt.messaging = messaging
			serviceConfig.Events = messaging
		}
	}

	rt.services, err = core.NewServiceRegistry(serviceConfig)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.messaging != nil {
		if err := rt.messaging.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close messaging client")
		}
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close cache")
		}
	}
	if err := rt.db.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close database")
	}
}

func capacityLimits() core.CapacityLimits {
	return core.CapacityLimits{
		core.DeviceTypeMicrobit: cfg.Devices.MaxMicrobit,
		core.DeviceTypeESP32:    cfg.Devices.MaxESP32,
		core.DeviceTypeGateway:  cfg.Devices.MaxGateway,
	}
}
