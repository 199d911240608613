// services/iotserver/internal/core/models.go
package core

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceType is the device class. It selects the capacity limit and the
// payload schema used for uploads.
type DeviceType string

const (
	DeviceTypeMicrobit DeviceType = "microbit"
	DeviceTypeESP32    DeviceType = "esp32"
	DeviceTypeGateway  DeviceType = "gateway"
)

// Valid reports whether t is a known device class.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeMicrobit, DeviceTypeESP32, DeviceTypeGateway:
		return true
	}
	return false
}

// DeviceTypes lists the classes in display order.
var DeviceTypes = []DeviceType{DeviceTypeMicrobit, DeviceTypeESP32, DeviceTypeGateway}

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusError   DeviceStatus = "error"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusOnline, DeviceStatusOffline, DeviceStatusError:
		return true
	}
	return false
}

// Device represents a registered IoT endpoint
type Device struct {
	ID          uint              `json:"id" gorm:"primaryKey"`
	DeviceID    string            `json:"device_id" gorm:"uniqueIndex;size:100;not null"`
	DeviceType  DeviceType        `json:"device_type" gorm:"index;size:50;not null"`
	Name        string            `json:"name" gorm:"size:200;not null"`
	Description string            `json:"description" gorm:"type:text"`
	Status      DeviceStatus      `json:"status" gorm:"index;size:20;not null;default:offline"`
	LastSeen    *time.Time        `json:"last_seen"`
	CreatedAt   time.Time         `json:"created_at" gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time         `json:"updated_at" gorm:"autoUpdateTime:false"`
	Config      datatypes.JSONMap `json:"config"`

	Readings []SensorReading `json:"-" gorm:"foreignKey:DeviceID;references:DeviceID;constraint:OnDelete:CASCADE"`
}

func (Device) TableName() string {
	return "devices"
}

// SensorReading is one normalized measurement. Rows are append-only.
type SensorReading struct {
	ID         uint              `json:"id" gorm:"primaryKey"`
	DeviceID   string            `json:"device_id" gorm:"index:idx_sensor_data_device_time,priority:1;size:100;not null"`
	SensorType string            `json:"sensor_type" gorm:"index;size:50;not null"`
	Value      float64           `json:"value" gorm:"not null"`
	Unit       string            `json:"unit,omitempty" gorm:"size:20"`
	Timestamp  time.Time         `json:"timestamp" gorm:"index:idx_sensor_data_device_time,priority:2;index;not null"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
}

func (SensorReading) TableName() string {
	return "sensor_data"
}

// Registration carries the fields accepted by RegisterOrUpdate.
type Registration struct {
	DeviceID    string
	DeviceType  DeviceType
	Name        string
	Description string
	Config      map[string]interface{}
}

// DeviceFilter narrows ListDevices. Empty fields match everything.
type DeviceFilter struct {
	Type   DeviceType
	Status DeviceStatus
}

// ReadingInput is a decomposed reading waiting to be appended.
type ReadingInput struct {
	SensorType string
	Value      float64
	Unit       string
	Metadata   map[string]interface{}
}

// Models returns every persisted model, in migration order.
func Models() []interface{} {
	return []interface{}{
		&Device{},
		&SensorReading{},
	}
}
