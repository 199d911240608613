// services/iotserver/internal/core/repository.go
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"example.com/backstage/services/iotserver/internal/infrastructure"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Clock returns the current time. Stores and services take one so tests can
// pin timestamps.
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// CapacityLimits maps a device class to the most devices of that class that
// may exist at once. Missing classes and zero values mean unlimited.
type CapacityLimits map[DeviceType]int

func (l CapacityLimits) Limit(t DeviceType) int {
	return l[t]
}

// DeviceStore owns device records.
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error)
	// RegisterOrUpdate commits its own transaction and must not be called
	// from inside WithTransaction.
	RegisterOrUpdate(ctx context.Context, reg Registration) (*Device, bool, error)
	SetStatus(ctx context.Context, deviceID string, status DeviceStatus) (*Device, error)
	MergeConfig(ctx context.Context, deviceID string, partial map[string]interface{}) (*Device, error)
	CountByType(ctx context.Context, t DeviceType) (int64, error)
	CountByStatus(ctx context.Context, s DeviceStatus) (int64, error)
	CountAll(ctx context.Context) (int64, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	MarkStale(ctx context.Context, before time.Time) ([]string, error)
}

// ReadingStore owns the append-only sensor reading log.
type ReadingStore interface {
	Append(ctx context.Context, deviceID string, in ReadingInput) (*SensorReading, error)
	Latest(ctx context.Context, deviceID, sensorType string, limit int) ([]SensorReading, error)
	Range(ctx context.Context, deviceID, sensorType string, start, end time.Time) ([]SensorReading, error)
	Average(ctx context.Context, deviceID, sensorType string, start, end time.Time) (*float64, error)
	DistinctSensorTypes(ctx context.Context, deviceID string) ([]string, error)
	CountInRange(ctx context.Context, start, end time.Time) (int64, error)
	CountInRangeByDeviceType(ctx context.Context, start, end time.Time) (map[string]int64, error)
	CountInRangeBySensorType(ctx context.Context, start, end time.Time) (map[string]int64, error)
}

// DataStore is the persistence boundary used by the services.
type DataStore interface {
	DeviceStore
	ReadingStore
	WithTransaction(ctx context.Context, fn func(DataStore) error) error
	Now() time.Time
}

type StoreOption func(*dataStore)

// WithClock overrides the clock used for every timestamp the store writes.
func WithClock(clock Clock) StoreOption {
	return func(s *dataStore) {
		s.clock = clock
	}
}

type dataStore struct {
	db     *gorm.DB
	limits CapacityLimits
	clock  Clock
	// regMu serializes capacity checks inside this process; postgres
	// additionally takes an advisory lock so several replicas agree.
	regMu *sync.Mutex
	inTx  bool
}

// NewDataStore builds the gorm backed store.
func NewDataStore(db *gorm.DB, limits CapacityLimits, opts ...StoreOption) DataStore {
	s := &dataStore{
		db:     db,
		limits: limits,
		clock:  SystemClock,
		regMu:  &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *dataStore) Now() time.Time {
	return s.clock().UTC()
}

func (s *dataStore) WithTransaction(ctx context.Context, fn func(DataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &dataStore{
			db:     tx,
			limits: s.limits,
			clock:  s.clock,
			regMu:  s.regMu,
			inTx:   true,
		}
		return fn(txStore)
	})
}

// --- Devices ---

func (s *dataStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}
	return &device, nil
}

func (s *dataStore) ListDevices(ctx context.Context, filter DeviceFilter) ([]Device, error) {
	q := s.db.WithContext(ctx).Model(&Device{})
	if filter.Type != "" {
		q = q.Where("device_type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var devices []Device
	if err := q.Order("id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func (s *dataStore) RegisterOrUpdate(ctx context.Context, reg Registration) (*Device, bool, error) {
	if s.inTx {
		return nil, false, errors.New("RegisterOrUpdate cannot run inside WithTransaction")
	}
	if reg.DeviceID == "" {
		return nil, false, ErrMissingDeviceID
	}
	if !reg.DeviceType.Valid() {
		return nil, false, ErrInvalidDeviceType.WithMessagef("invalid device type %q", reg.DeviceType)
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	device, created, err := s.registerOnce(ctx, reg)
	if err != nil && infrastructure.IsDuplicateError(err) {
		// Another replica inserted the same id between our lookup and insert.
		device, created, err = s.registerOnce(ctx, reg)
	}
	return device, created, err
}

func (s *dataStore) registerOnce(ctx context.Context, reg Registration) (*Device, bool, error) {
	var (
		device  Device
		created bool
	)
	config := datatypes.JSONMap(reg.Config)
	if config == nil {
		config = datatypes.JSONMap{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if infrastructure.Dialect(tx) == infrastructure.DialectPostgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", capacityLockKey(reg.DeviceType)).Error; err != nil {
				return fmt.Errorf("failed to take capacity lock: %w", err)
			}
		}

		now := s.Now()
		err := tx.Where("device_id = ?", reg.DeviceID).First(&device).Error
		switch {
		case err == nil:
			if err := tx.Model(&device).Updates(map[string]interface{}{
				"name":        reg.Name,
				"description": reg.Description,
				"config":      config,
				"updated_at":  now,
			}).Error; err != nil {
				return err
			}
			device.Name = reg.Name
			device.Description = reg.Description
			device.Config = config
			device.UpdatedAt = now
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if limit := s.limits.Limit(reg.DeviceType); limit > 0 {
			var count int64
			if err := tx.Model(&Device{}).Where("device_type = ?", reg.DeviceType).Count(&count).Error; err != nil {
				return err
			}
			if count >= int64(limit) {
				return NewCapacityError(reg.DeviceType, limit)
			}
		}

		device = Device{
			DeviceID:    reg.DeviceID,
			DeviceType:  reg.DeviceType,
			Name:        reg.Name,
			Description: reg.Description,
			Status:      DeviceStatusOffline,
			CreatedAt:   now,
			UpdatedAt:   now,
			Config:      config,
		}
		created = true
		return tx.Create(&device).Error
	})
	if err != nil {
		var be BusinessError
		if errors.As(err, &be) || infrastructure.IsDuplicateError(err) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to register device %s: %w", reg.DeviceID, err)
	}
	return &device, created, nil
}

func capacityLockKey(t DeviceType) int64 {
	h := fnv.New64a()
	h.Write([]byte("device_capacity:" + string(t)))
	return int64(h.Sum64())
}

func (s *dataStore) SetStatus(ctx context.Context, deviceID string, status DeviceStatus) (*Device, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus.WithMessagef("invalid status %q", status)
	}

	now := s.Now()
	res := s.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_seen":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update status of %s: %w", deviceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}
	return s.GetDevice(ctx, deviceID)
}

func (s *dataStore) MergeConfig(ctx context.Context, deviceID string, partial map[string]interface{}) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ?", deviceID).
			First(&device).Error
		if err != nil {
			return err
		}

		merged := datatypes.JSONMap{}
		for k, v := range device.Config {
			merged[k] = v
		}
		for k, v := range partial {
			merged[k] = v
		}

		now := s.Now()
		if err := tx.Model(&device).Updates(map[string]interface{}{
			"config":     merged,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		device.Config = merged
		device.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to merge config of %s: %w", deviceID, err)
	}
	return &device, nil
}

func (s *dataStore) CountByType(ctx context.Context, t DeviceType) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Device{}).Where("device_type = ?", t).Count(&n).Error
	return n, err
}

func (s *dataStore) CountByStatus(ctx context.Context, status DeviceStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Device{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func (s *dataStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Device{}).Count(&n).Error
	return n, err
}

// DeleteDevice removes a device together with its readings.
func (s *dataStore) DeleteDevice(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&SensorReading{}).Error; err != nil {
			return err
		}
		res := tx.Where("device_id = ?", deviceID).Delete(&Device{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDeviceNotFound
		}
		return nil
	})
}

// MarkStale moves online devices whose last_seen is older than before to
// offline. last_seen keeps the time the device was actually heard from.
func (s *dataStore) MarkStale(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Device{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ?", DeviceStatusOnline).
			Where("(last_seen IS NULL OR last_seen < ?)", before).
			Order("device_id").
			Pluck("device_id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		return tx.Model(&Device{}).
			Where("device_id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     DeviceStatusOffline,
				"updated_at": s.Now(),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale devices: %w", err)
	}
	return ids, nil
}

// --- Readings ---

func (s *dataStore) Append(ctx context.Context, deviceID string, in ReadingInput) (*SensorReading, error) {
	var exists int64
	if err := s.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", deviceID).Count(&exists).Error; err != nil {
		return nil, fmt.Errorf("failed to check device %s: %w", deviceID, err)
	}
	if exists == 0 {
		return nil, ErrDeviceNotFound
	}

	reading := SensorReading{
		DeviceID:   deviceID,
		SensorType: in.SensorType,
		Value:      in.Value,
		Unit:       in.Unit,
		Timestamp:  s.Now(),
	}
	if in.Metadata != nil {
		reading.Metadata = datatypes.JSONMap(in.Metadata)
	}
	if err := s.db.WithContext(ctx).Create(&reading).Error; err != nil {
		return nil, fmt.Errorf("failed to append %s reading for %s: %w", in.SensorType, deviceID, err)
	}
	return &reading, nil
}

func (s *dataStore) readings(ctx context.Context, deviceID, sensorType string) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&SensorReading{}).Where("device_id = ?", deviceID)
	if sensorType != "" {
		q = q.Where("sensor_type = ?", sensorType)
	}
	return q
}

func (s *dataStore) Latest(ctx context.Context, deviceID, sensorType string, limit int) ([]SensorReading, error) {
	q := s.readings(ctx, deviceID, sensorType).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []SensorReading
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load latest readings: %w", err)
	}
	return out, nil
}

func (s *dataStore) Range(ctx context.Context, deviceID, sensorType string, start, end time.Time) ([]SensorReading, error) {
	var out []SensorReading
	err := s.readings(ctx, deviceID, sensorType).
		Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Order("timestamp DESC, id DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load readings in range: %w", err)
	}
	return out, nil
}

func (s *dataStore) Average(ctx context.Context, deviceID, sensorType string, start, end time.Time) (*float64, error) {
	var avg sql.NullFloat64
	err := s.readings(ctx, deviceID, sensorType).
		Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Select("AVG(value)").
		Row().Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average %s: %w", sensorType, err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

func (s *dataStore) DistinctSensorTypes(ctx context.Context, deviceID string) ([]string, error) {
	var types []string
	err := s.db.WithContext(ctx).Model(&SensorReading{}).
		Distinct("sensor_type").
		Where("device_id = ?", deviceID).
		Order("sensor_type").
		Pluck("sensor_type", &types).Error
	return types, err
}

func (s *dataStore) CountInRange(ctx context.Context, start, end time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&SensorReading{}).
		Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Count(&n).Error
	return n, err
}

type groupCount struct {
	GroupKey string
	Total    int64
}

func (s *dataStore) CountInRangeByDeviceType(ctx context.Context, start, end time.Time) (map[string]int64, error) {
	var rows []groupCount
	err := s.db.WithContext(ctx).Table("sensor_data").
		Select("devices.device_type AS group_key, COUNT(sensor_data.id) AS total").
		Joins("JOIN devices ON devices.device_id = sensor_data.device_id").
		Where("sensor_data.timestamp >= ? AND sensor_data.timestamp <= ?", start.UTC(), end.UTC()).
		Group("devices.device_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count readings by device type: %w", err)
	}
	return groupCounts(rows), nil
}

func (s *dataStore) CountInRangeBySensorType(ctx context.Context, start, end time.Time) (map[string]int64, error) {
	var rows []groupCount
	err := s.db.WithContext(ctx).Table("sensor_data").
		Select("sensor_type AS group_key, COUNT(id) AS total").
		Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Group("sensor_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count readings by sensor type: %w", err)
	}
	return groupCounts(rows), nil
}

func groupCounts(rows []groupCount) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.GroupKey] = r.Total
	}
	return out
}
