// services/iotserver/internal/core/service.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"example.com/backstage/services/iotserver/internal/utils"
	"github.com/sirupsen/logrus"
)

// Cache is the subset of the Redis cache the services use. A nil Cache
// disables caching.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	HSet(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// EventPublisher receives service events. A nil publisher drops them.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

const (
	TopicDeviceRegistered    = "device.registered"
	TopicReadingsIngested    = "readings.ingested"
	TopicDeviceStatusChanged = "device.status_changed"
	TopicDeviceDeleted       = "device.deleted"
)

const defaultDeviceTTL = 24 * time.Hour

func deviceCacheKey(deviceID string) string {
	return "device:" + deviceID
}

func latestReadingsKey(deviceID string) string {
	return "readings:last:" + deviceID
}

// --- Device Management Service Implementation ---

type DeviceManagementService struct {
	store     DataStore
	cache     Cache
	events    EventPublisher
	limits    CapacityLimits
	deviceTTL time.Duration
	logger    *logrus.Logger
}

func NewDeviceManagementService(store DataStore, cache Cache, events EventPublisher, limits CapacityLimits, logger *logrus.Logger) *DeviceManagementService {
	return &DeviceManagementService{
		store:     store,
		cache:     cache,
		events:    events,
		limits:    limits,
		deviceTTL: defaultDeviceTTL,
		logger:    logger,
	}
}

// Limit returns the capacity of class, 0 meaning unlimited.
func (s *DeviceManagementService) Limit(class DeviceType) int {
	return s.limits.Limit(class)
}

// Register creates or refreshes a device of class from a registration body
// and marks it online. The boolean reports whether the device is new.
func (s *DeviceManagementService) Register(ctx context.Context, class DeviceType, body map[string]interface{}) (*Device, bool, error) {
	reg, err := BuildRegistration(class, body)
	if err != nil {
		return nil, false, err
	}

	_, created, err := s.store.RegisterOrUpdate(ctx, reg)
	if err != nil {
		if KindOf(err) == KindCapacityExceeded {
			s.logger.WithFields(logrus.Fields{
				"device_id":   reg.DeviceID,
				"device_type": class,
			}).Warn("Registration rejected, class at capacity")
		}
		return nil, false, err
	}

	device, err := s.store.SetStatus(ctx, reg.DeviceID, DeviceStatusOnline)
	if err != nil {
		return nil, false, err
	}

	s.cacheDevice(ctx, device)
	s.publish(ctx, TopicDeviceRegistered, map[string]interface{}{
		"device_id":   device.DeviceID,
		"device_type": device.DeviceType,
		"created":     created,
		"timestamp":   s.store.Now(),
	})

	s.logger.WithFields(logrus.Fields{
		"device_id":   device.DeviceID,
		"device_type": device.DeviceType,
		"created":     created,
	}).Info("Device registered successfully")

	return device, created, nil
}

// HeartbeatRequest is a liveness signal. SystemInfo and Extra are merged into
// the device config when present.
type HeartbeatRequest struct {
	DeviceID   string
	SystemInfo map[string]interface{}
	Extra      map[string]interface{}
}

// Heartbeat marks the device online. It reports whether the config changed.
func (s *DeviceManagementService) Heartbeat(ctx context.Context, req HeartbeatRequest) (*Device, bool, error) {
	if req.DeviceID == "" {
		return nil, false, ErrMissingDeviceID
	}

	var (
		device        *Device
		configUpdated bool
	)
	err := s.store.WithTransaction(ctx, func(tx DataStore) error {
		var err error
		device, err = tx.SetStatus(ctx, req.DeviceID, DeviceStatusOnline)
		if err != nil {
			return err
		}

		partial := make(map[string]interface{}, len(req.Extra)+2)
		for k, v := range req.Extra {
			partial[k] = v
		}
		if len(req.SystemInfo) > 0 {
			partial["system_info"] = req.SystemInfo
			partial["last_heartbeat"] = tx.Now().Format(time.RFC3339Nano)
		}
		if len(partial) == 0 {
			return nil
		}

		device, err = tx.MergeConfig(ctx, req.DeviceID, partial)
		configUpdated = err == nil
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, false, ErrDeviceNotFound.WithMessage("Device not registered")
		}
		return nil, false, err
	}

	s.cacheDevice(ctx, device)
	s.logger.WithFields(logrus.Fields{
		"device_id":      device.DeviceID,
		"config_updated": configUpdated,
	}).Debug("Heartbeat recorded")

	return device, configUpdated, nil
}

func (s *DeviceManagementService) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	if cached, err := s.getCachedDevice(ctx, deviceID); err == nil && cached != nil {
		return cached, nil
	}

	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	s.cacheDevice(ctx, device)
	return device, nil
}

// GetClassDevice loads a device and checks that it belongs to class. Both a
// missing device and one of another class are reported as not found.
func (s *DeviceManagementService) GetClassDevice(ctx context.Context, deviceID string, class DeviceType) (*Device, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, invalidClassDevice(ErrDeviceNotFound, class)
		}
		return nil, err
	}
	if device.DeviceType != class {
		return nil, invalidClassDevice(ErrDeviceWrongClass, class)
	}
	return device, nil
}

func invalidClassDevice(base BusinessError, class DeviceType) BusinessError {
	return base.WithMessagef("Invalid %s device", class.DisplayName())
}

func (s *DeviceManagementService) ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error) {
	return s.store.ListDevices(ctx, filter)
}

// SetStatus applies an explicit status change.
func (s *DeviceManagementService) SetStatus(ctx context.Context, deviceID string, status DeviceStatus) (*Device, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus.WithMessagef("Invalid status %q, expected online, offline or error", status)
	}

	device, err := s.store.SetStatus(ctx, deviceID, status)
	if err != nil {
		return nil, err
	}

	s.cacheDevice(ctx, device)
	s.publish(ctx, TopicDeviceStatusChanged, map[string]interface{}{
		"device_id": device.DeviceID,
		"status":    device.Status,
		"timestamp": s.store.Now(),
	})
	return device, nil
}

// DeleteDevice removes a device and its readings.
func (s *DeviceManagementService) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := s.store.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}

	s.ForgetDevices(ctx, deviceID)
	if s.cache != nil {
		if err := s.cache.Delete(ctx, latestReadingsKey(deviceID)); err != nil {
			s.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to evict cached readings")
		}
	}
	s.publish(ctx, TopicDeviceDeleted, map[string]interface{}{
		"device_id": deviceID,
		"timestamp": s.store.Now(),
	})
	s.logger.WithField("device_id", deviceID).Info("Device deleted")
	return nil
}

// UpdateConfig merges partial into the config of a class device and stamps
// last_config_update.
func (s *DeviceManagementService) UpdateConfig(ctx context.Context, deviceID string, class DeviceType, partial map[string]interface{}) (*Device, error) {
	if _, err := s.GetClassDevice(ctx, deviceID, class); err != nil {
		return nil, err
	}

	merged := make(map[string]interface{}, len(partial)+1)
	for k, v := range partial {
		merged[k] = v
	}
	merged["last_config_update"] = s.store.Now().Format(time.RFC3339Nano)

	device, err := s.store.MergeConfig(ctx, deviceID, merged)
	if err != nil {
		return nil, err
	}
	s.cacheDevice(ctx, device)
	return device, nil
}

// FirmwareUpdate reports a recorded firmware version change.
type FirmwareUpdate struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version"`
	PreviousVersion string `json:"previous_version,omitempty"`
	Upgrade         bool   `json:"upgrade"`
}

// RecordFirmware stores the firmware version an ESP32 reports after flashing.
func (s *DeviceManagementService) RecordFirmware(ctx context.Context, deviceID, version string) (*FirmwareUpdate, error) {
	if err := utils.ValidateVersion(version); err != nil {
		return nil, ErrInvalidVersion.WithMessage(err.Error())
	}

	device, err := s.GetClassDevice(ctx, deviceID, DeviceTypeESP32)
	if err != nil {
		return nil, err
	}

	update := &FirmwareUpdate{DeviceID: deviceID, FirmwareVersion: version, Upgrade: true}
	if prev, ok := device.Config["firmware_version"].(string); ok && prev != "" {
		update.PreviousVersion = prev
		if utils.ValidateVersion(prev) == nil {
			update.Upgrade = utils.CompareVersions(version, prev) > 0
		}
	}

	device, err = s.store.MergeConfig(ctx, deviceID, map[string]interface{}{
		"firmware_version":     version,
		"last_firmware_update": s.store.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	s.cacheDevice(ctx, device)

	s.logger.WithFields(logrus.Fields{
		"device_id":        deviceID,
		"firmware_version": version,
		"previous_version": update.PreviousVersion,
	}).Info("Firmware version recorded")
	return update, nil
}

// Command validates a control request for a class device. The descriptor is
// returned to the caller; delivery is left to the device polling for it.
func (s *DeviceManagementService) Command(ctx context.Context, class DeviceType, deviceID, name string, params map[string]interface{}) (*CommandDescriptor, error) {
	var table map[string][]string
	switch class {
	case DeviceTypeESP32:
		table = ESP32Actions
	case DeviceTypeMicrobit:
		table = MicrobitCommands
	default:
		return nil, ErrInvalidDeviceType.WithMessagef("%s devices accept no commands", class.DisplayName())
	}

	if _, err := s.GetClassDevice(ctx, deviceID, class); err != nil {
		return nil, err
	}

	cmd, err := BuildCommand(table, deviceID, name, params, s.store.Now())
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"command":    name,
		"command_id": cmd.CommandID,
	}).Info("Command accepted")
	return cmd, nil
}

// DeviceStats summarises the registry.
type DeviceStats struct {
	TotalDevices    int64 `json:"total_devices"`
	OnlineDevices   int64 `json:"online_devices"`
	OfflineDevices  int64 `json:"offline_devices"`
	MicrobitDevices int64 `json:"microbit_devices"`
	ESP32Devices    int64 `json:"esp32_devices"`
	GatewayDevices  int64 `json:"gateway_devices"`
}

func (s *DeviceManagementService) Stats(ctx context.Context) (*DeviceStats, error) {
	var (
		stats DeviceStats
		err   error
	)
	if stats.TotalDevices, err = s.store.CountAll(ctx); err != nil {
		return nil, err
	}
	if stats.OnlineDevices, err = s.store.CountByStatus(ctx, DeviceStatusOnline); err != nil {
		return nil, err
	}
	if stats.MicrobitDevices, err = s.store.CountByType(ctx, DeviceTypeMicrobit); err != nil {
		return nil, err
	}
	if stats.ESP32Devices, err = s.store.CountByType(ctx, DeviceTypeESP32); err != nil {
		return nil, err
	}
	if stats.GatewayDevices, err = s.store.CountByType(ctx, DeviceTypeGateway); err != nil {
		return nil, err
	}
	stats.OfflineDevices = stats.TotalDevices - stats.OnlineDevices
	return &stats, nil
}

// ForgetDevices drops cached copies of the given devices.
func (s *DeviceManagementService) ForgetDevices(ctx context.Context, deviceIDs ...string) {
	if s.cache == nil {
		return
	}
	for _, id := range deviceIDs {
		if err := s.cache.Delete(ctx, deviceCacheKey(id)); err != nil {
			s.logger.WithError(err).WithField("device_id", id).Warn("Failed to evict cached device")
		}
	}
}

func (s *DeviceManagementService) cacheDevice(ctx context.Context, device *Device) {
	if s.cache == nil || device == nil {
		return
	}
	data, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, deviceCacheKey(device.DeviceID), string(data), s.deviceTTL); err != nil {
		s.logger.WithError(err).WithField("device_id", device.DeviceID).Warn("Failed to cache device")
	}
}

func (s *DeviceManagementService) getCachedDevice(ctx context.Context, deviceID string) (*Device, error) {
	if s.cache == nil {
		return nil, nil
	}
	data, err := s.cache.Get(ctx, deviceCacheKey(deviceID))
	if err != nil {
		return nil, err
	}
	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *DeviceManagementService) publish(ctx context.Context, topic string, message interface{}) {
	publishEvent(ctx, s.events, s.logger, topic, message)
}

func publishEvent(ctx context.Context, events EventPublisher, logger *logrus.Logger, topic string, message interface{}) {
	if events == nil {
		return
	}
	if err := events.Publish(ctx, topic, message); err != nil {
		logger.WithError(err).WithField("topic", topic).Warn("Failed to publish event")
	}
}
