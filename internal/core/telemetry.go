package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Latest reading limits used by the class views.
var (
	statusViewLimit = map[DeviceType]int{DeviceTypeESP32: 20, DeviceTypeMicrobit: 10}
	deviceListLimit = map[DeviceType]int{DeviceTypeESP32: 10, DeviceTypeMicrobit: 5}
)

const (
	latestPerOnlineDevice = 5
	latestReadingsTTL     = 5 * time.Minute
)

// TelemetryService ingests sensor readings and answers reading queries.
type TelemetryService struct {
	store  DataStore
	cache  Cache
	events EventPublisher
	logger *logrus.Logger
}

func NewTelemetryService(store DataStore, cache Cache, events EventPublisher, logger *logrus.Logger) *TelemetryService {
	return &TelemetryService{
		store:  store,
		cache:  cache,
		events: events,
		logger: logger,
	}
}

// UploadPayload decomposes a class payload and stores every reading together
// with the online status refresh. Either all readings are stored or none.
func (s *TelemetryService) UploadPayload(ctx context.Context, class DeviceType, deviceID string, payload map[string]interface{}) ([]SensorReading, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	inputs, err := Decompose(class, payload)
	if err != nil {
		return nil, err
	}

	var saved []SensorReading
	err = s.store.WithTransaction(ctx, func(tx DataStore) error {
		device, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				return invalidClassDevice(ErrDeviceNotFound, class)
			}
			return err
		}
		if device.DeviceType != class {
			return invalidClassDevice(ErrDeviceWrongClass, class)
		}

		if _, err := tx.SetStatus(ctx, deviceID, DeviceStatusOnline); err != nil {
			return err
		}
		saved = make([]SensorReading, 0, len(inputs))
		for _, in := range inputs {
			r, err := tx.Append(ctx, deviceID, in)
			if err != nil {
				return err
			}
			saved = append(saved, *r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterIngest(ctx, class, deviceID, saved)
	return saved, nil
}

// ReadingRequest is a single generic reading.
type ReadingRequest struct {
	DeviceID   string
	SensorType string
	Value      float64
	Unit       string
	Metadata   map[string]interface{}
}

// ParseReadingRequest validates a generic reading body.
func ParseReadingRequest(body map[string]interface{}) (ReadingRequest, error) {
	for _, field := range []string{"device_id", "sensor_type", "value"} {
		if _, ok := body[field]; !ok {
			return ReadingRequest{}, NewValidationError("Missing field: %s", field)
		}
	}

	value, err := toFloat("value", body["value"])
	if err != nil {
		return ReadingRequest{}, ErrInvalidSensorValue.WithMessage("Invalid value format")
	}

	req := ReadingRequest{
		DeviceID:   stringField(body, "device_id"),
		SensorType: stringField(body, "sensor_type"),
		Value:      value,
		Unit:       stringField(body, "unit"),
	}
	if req.DeviceID == "" || req.SensorType == "" {
		return ReadingRequest{}, NewValidationError("device_id and sensor_type must not be empty")
	}
	if md, ok := body["metadata"].(map[string]interface{}); ok {
		req.Metadata = md
	}
	return req, nil
}

// AddReading stores one generic reading and marks its device online.
func (s *TelemetryService) AddReading(ctx context.Context, req ReadingRequest) (*SensorReading, error) {
	var (
		saved  *SensorReading
		device *Device
	)
	err := s.store.WithTransaction(ctx, func(tx DataStore) error {
		var err error
		device, err = tx.SetStatus(ctx, req.DeviceID, DeviceStatusOnline)
		if err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				return ErrDeviceNotFound.WithMessage("Device not found")
			}
			return err
		}
		saved, err = tx.Append(ctx, req.DeviceID, ReadingInput{
			SensorType: req.SensorType,
			Value:      req.Value,
			Unit:       req.Unit,
			Metadata:   req.Metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterIngest(ctx, device.DeviceType, req.DeviceID, []SensorReading{*saved})
	return saved, nil
}

// BatchResult reports a batch ingestion. Failed items do not roll back
// successful ones.
type BatchResult struct {
	Processed int             `json:"processed"`
	Added     []SensorReading `json:"added_data"`
	Errors    []string        `json:"errors"`
}

// AddBatch stores each item independently.
func (s *TelemetryService) AddBatch(ctx context.Context, items []interface{}) *BatchResult {
	result := &BatchResult{
		Processed: len(items),
		Added:     []SensorReading{},
		Errors:    []string{},
	}
	for i, raw := range items {
		body, ok := raw.(map[string]interface{})
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("Item %d: item must be an object", i))
			continue
		}
		req, err := ParseReadingRequest(body)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Item %d: %s", i, errorMessage(err)))
			continue
		}
		reading, err := s.AddReading(ctx, req)
		if err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				err = ErrDeviceNotFound.WithMessagef("Device %s not found", req.DeviceID)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("Item %d: %s", i, errorMessage(err)))
			continue
		}
		result.Added = append(result.Added, *reading)
	}

	s.logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"added":     len(result.Added),
		"errors":    len(result.Errors),
	}).Info("Batch ingestion finished")
	return result
}

func errorMessage(err error) string {
	var be BusinessError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

func (s *TelemetryService) afterIngest(ctx context.Context, class DeviceType, deviceID string, saved []SensorReading) {
	s.evictCached(ctx, deviceID)
	publishEvent(ctx, s.events, s.logger, TopicReadingsIngested, map[string]interface{}{
		"device_id":   deviceID,
		"device_type": class,
		"count":       len(saved),
		"timestamp":   s.store.Now(),
	})
	s.logger.WithFields(logrus.Fields{
		"device_id":   deviceID,
		"device_type": class,
		"data_count":  len(saved),
	}).Debug("Readings ingested")
}

// --- Queries ---

// ReadingQuery selects readings of one device. With both Start and End set
// the query is a range; otherwise the newest Limit readings are returned.
type ReadingQuery struct {
	DeviceID   string
	SensorType string
	Start      *time.Time
	End        *time.Time
	Limit      int
}

func (s *TelemetryService) Query(ctx context.Context, q ReadingQuery) ([]SensorReading, error) {
	if q.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if _, err := s.store.GetDevice(ctx, q.DeviceID); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, ErrDeviceNotFound.WithMessage("Device not found")
		}
		return nil, err
	}

	if q.Start != nil && q.End != nil {
		return s.store.Range(ctx, q.DeviceID, q.SensorType, *q.Start, *q.End)
	}
	return s.store.Latest(ctx, q.DeviceID, q.SensorType, q.Limit)
}

// RecentReadings returns the readings of the last hours when hours > 0,
// otherwise the newest limit readings.
func (s *TelemetryService) RecentReadings(ctx context.Context, deviceID, sensorType string, limit, hours int) ([]SensorReading, error) {
	q := ReadingQuery{DeviceID: deviceID, SensorType: sensorType, Limit: limit}
	if hours > 0 {
		end := s.store.Now()
		start := end.Add(-time.Duration(hours) * time.Hour)
		q.Start, q.End = &start, &end
	}
	return s.Query(ctx, q)
}

// SensorSummary is the per sensor entry of a device summary.
type SensorSummary struct {
	Average *float64       `json:"average"`
	Latest  *SensorReading `json:"latest"`
}

// Summary averages every sensor of a device over the last hours.
func (s *TelemetryService) Summary(ctx context.Context, deviceID string, hours int) (map[string]SensorSummary, error) {
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, ErrDeviceNotFound.WithMessage("Device not found")
		}
		return nil, err
	}

	end := s.store.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	types, err := s.store.DistinctSensorTypes(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]SensorSummary, len(types))
	for _, sensorType := range types {
		avg, err := s.store.Average(ctx, deviceID, sensorType, start, end)
		if err != nil {
			return nil, err
		}
		latest, err := s.store.Latest(ctx, deviceID, sensorType, 1)
		if err != nil {
			return nil, err
		}
		entry := SensorSummary{Average: avg}
		if len(latest) > 0 {
			entry.Latest = &latest[0]
		}
		summary[sensorType] = entry
	}
	return summary, nil
}

// DeviceLatest pairs a device with its newest readings.
type DeviceLatest struct {
	Device   Device          `json:"device_info"`
	Readings []SensorReading `json:"latest_data"`
}

// LatestForOnline returns the newest readings of every online device,
// optionally restricted to one class.
func (s *TelemetryService) LatestForOnline(ctx context.Context, class DeviceType) (map[string]DeviceLatest, error) {
	devices, err := s.store.ListDevices(ctx, DeviceFilter{Type: class, Status: DeviceStatusOnline})
	if err != nil {
		return nil, err
	}

	out := make(map[string]DeviceLatest, len(devices))
	for _, d := range devices {
		readings, err := s.store.Latest(ctx, d.DeviceID, "", latestPerOnlineDevice)
		if err != nil {
			return nil, err
		}
		out[d.DeviceID] = DeviceLatest{Device: d, Readings: readings}
	}
	return out, nil
}

// ReadingStatistics counts readings over a window.
type ReadingStatistics struct {
	TotalRecords int64            `json:"total_records"`
	ByDeviceType map[string]int64 `json:"by_device_type"`
	BySensorType map[string]int64 `json:"by_sensor_type"`
}

func (s *TelemetryService) Statistics(ctx context.Context, hours int) (*ReadingStatistics, error) {
	end := s.store.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.store.CountInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byDevice, err := s.store.CountInRangeByDeviceType(ctx, start, end)
	if err != nil {
		return nil, err
	}
	bySensor, err := s.store.CountInRangeBySensorType(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &ReadingStatistics{
		TotalRecords: total,
		ByDeviceType: byDevice,
		BySensorType: bySensor,
	}, nil
}

// LatestValue is the newest value of one sensor.
type LatestValue struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceStatusView is the class status page of one device.
type DeviceStatusView struct {
	Device         *Device                `json:"device"`
	SensorReadings map[string]LatestValue `json:"sensor_readings"`
	SystemStatus   map[string]LatestValue `json:"system_status,omitempty"`
}

// ClassStatus groups the newest readings of a class device by sensor type.
// ESP32 board metrics are reported separately under system_status.
func (s *TelemetryService) ClassStatus(ctx context.Context, device *Device) (*DeviceStatusView, error) {
	latest, err := s.latestBySensor(ctx, device)
	if err != nil {
		return nil, err
	}

	view := &DeviceStatusView{
		Device:         device,
		SensorReadings: map[string]LatestValue{},
	}
	if device.DeviceType == DeviceTypeESP32 {
		view.SystemStatus = map[string]LatestValue{}
	}
	for sensorType, v := range latest {
		if view.SystemStatus != nil && SystemSensorTypes[sensorType] {
			view.SystemStatus[sensorType] = v
			continue
		}
		view.SensorReadings[sensorType] = v
	}
	return view, nil
}

func (s *TelemetryService) latestBySensor(ctx context.Context, device *Device) (map[string]LatestValue, error) {
	if cached := s.cachedLatest(ctx, device.DeviceID); len(cached) > 0 {
		return cached, nil
	}

	limit := statusViewLimit[device.DeviceType]
	if limit == 0 {
		limit = 10
	}
	readings, err := s.store.Latest(ctx, device.DeviceID, "", limit)
	if err != nil {
		return nil, err
	}

	out := make(map[string]LatestValue)
	for _, r := range readings {
		// readings are newest first, so the first seen value wins
		if _, seen := out[r.SensorType]; seen {
			continue
		}
		out[r.SensorType] = LatestValue{Value: r.Value, Unit: r.Unit, Timestamp: r.Timestamp}
	}
	s.storeCachedLatest(ctx, device.DeviceID, out)
	return out, nil
}

// DeviceWithReadings is one entry of a class device list.
type DeviceWithReadings struct {
	Device
	LatestReadings []SensorReading `json:"latest_readings"`
}

// ClassDevices lists the devices of class with their newest readings.
func (s *TelemetryService) ClassDevices(ctx context.Context, class DeviceType) ([]DeviceWithReadings, error) {
	devices, err := s.store.ListDevices(ctx, DeviceFilter{Type: class})
	if err != nil {
		return nil, err
	}

	limit := deviceListLimit[class]
	if limit == 0 {
		limit = 5
	}
	out := make([]DeviceWithReadings, 0, len(devices))
	for _, d := range devices {
		readings, err := s.store.Latest(ctx, d.DeviceID, "", limit)
		if err != nil {
			return nil, err
		}
		out = append(out, DeviceWithReadings{Device: d, LatestReadings: readings})
	}
	return out, nil
}

// evictCached drops the cached device record and status view of deviceID.
// The status view is rebuilt from the store on the next read.
func (s *TelemetryService) evictCached(ctx context.Context, deviceID string) {
	if s.cache == nil {
		return
	}
	for _, key := range []string{deviceCacheKey(deviceID), latestReadingsKey(deviceID)} {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"device_id": deviceID,
				"key":       key,
			}).Warn("Failed to evict cache entry")
		}
	}
}

func (s *TelemetryService) storeCachedLatest(ctx context.Context, deviceID string, latest map[string]LatestValue) {
	if s.cache == nil || len(latest) == 0 {
		return
	}
	fields := make(map[string]string, len(latest))
	for sensorType, v := range latest {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		fields[sensorType] = string(data)
	}
	if err := s.cache.HSet(ctx, latestReadingsKey(deviceID), fields, latestReadingsTTL); err != nil {
		s.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to cache latest readings")
	}
}

func (s *TelemetryService) cachedLatest(ctx context.Context, deviceID string) map[string]LatestValue {
	if s.cache == nil {
		return nil
	}
	fields, err := s.cache.HGetAll(ctx, latestReadingsKey(deviceID))
	if err != nil || len(fields) == 0 {
		return nil
	}

	out := make(map[string]LatestValue, len(fields))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var v LatestValue
		if err := json.Unmarshal([]byte(fields[k]), &v); err != nil {
			return nil
		}
		out[k] = v
	}
	return out
}
