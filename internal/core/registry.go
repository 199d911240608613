package core

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	DeviceManagement *DeviceManagementService
	Telemetry        *TelemetryService
	Presence         *PresenceSweeper
	Store            DataStore
}

// ServiceConfig carries the dependencies shared by the services. Cache and
// Events may be nil.
type ServiceConfig struct {
	DataStore DataStore
	Cache     Cache
	Events    EventPublisher
	Logger    *logrus.Logger
	Limits    CapacityLimits
	DeviceTTL time.Duration
}

func NewServiceRegistry(cfg ServiceConfig) (*ServiceRegistry, error) {
	if cfg.DataStore == nil {
		return nil, errors.New("data store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	devices := NewDeviceManagementService(cfg.DataStore, cfg.Cache, cfg.Events, cfg.Limits, cfg.Logger)
	if cfg.DeviceTTL > 0 {
		devices.deviceTTL = cfg.DeviceTTL
	}
	return &ServiceRegistry{
		DeviceManagement: devices,
		Telemetry:        NewTelemetryService(cfg.DataStore, cfg.Cache, cfg.Events, cfg.Logger),
		Presence:         NewPresenceSweeper(cfg.DataStore, devices, cfg.Logger),
		Store:            cfg.DataStore,
	}, nil
}
