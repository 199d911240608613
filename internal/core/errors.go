// services/iotserver/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// ErrorKind groups business errors by how callers should react to them.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindCapacityExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	default:
		return "internal"
	}
}

// BusinessError is an error that is safe to show to API clients.
type BusinessError struct {
	Code    string
	Message string
	Kind    ErrorKind
}

func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so a BusinessError with a custom message still
// satisfies errors.Is against the sentinel it was derived from.
func (e BusinessError) Is(target error) bool {
	var t BusinessError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e carrying msg.
func (e BusinessError) WithMessage(msg string) BusinessError {
	e.Message = msg
	return e
}

// WithMessagef is WithMessage with formatting.
func (e BusinessError) WithMessagef(format string, args ...interface{}) BusinessError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

var (
	ErrDeviceNotFound     = BusinessError{"DEVICE_001", "device not registered", KindNotFound}
	ErrDeviceWrongClass   = BusinessError{"DEVICE_002", "device is not of the expected type", KindNotFound}
	ErrCapacityExceeded   = BusinessError{"DEVICE_003", "maximum number of devices reached", KindCapacityExceeded}
	ErrInvalidDeviceType  = BusinessError{"DEVICE_004", "invalid device type", KindValidation}
	ErrInvalidStatus      = BusinessError{"DEVICE_005", "invalid status", KindValidation}
	ErrMissingDeviceID    = BusinessError{"DEVICE_006", "device_id is required", KindValidation}
	ErrInvalidPayload     = BusinessError{"DATA_001", "invalid payload", KindValidation}
	ErrInvalidSensorValue = BusinessError{"DATA_002", "invalid sensor value", KindValidation}
	ErrUnknownCommand     = BusinessError{"CMD_001", "unknown command", KindValidation}
	ErrMissingParameter   = BusinessError{"CMD_002", "missing required parameter", KindValidation}
	ErrInvalidVersion     = BusinessError{"FW_001", "invalid firmware version", KindValidation}
	ErrInternal           = BusinessError{"SYS_001", "internal server error", KindInternal}
)

// KindOf reports the kind of err, or KindInternal when err is not a BusinessError.
func KindOf(err error) ErrorKind {
	var be BusinessError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// NewValidationError wraps a free-form validation failure.
func NewValidationError(format string, args ...interface{}) BusinessError {
	return ErrInvalidPayload.WithMessagef(format, args...)
}

// NewCapacityError reports that class t is already at limit.
func NewCapacityError(t DeviceType, limit int) BusinessError {
	return ErrCapacityExceeded.WithMessagef("Maximum number of %s devices (%d) reached", t.DisplayName(), limit)
}

// DisplayName is the human readable class name used in messages.
func (t DeviceType) DisplayName() string {
	switch t {
	case DeviceTypeMicrobit:
		return "micro:bit"
	case DeviceTypeESP32:
		return "ESP32"
	case DeviceTypeGateway:
		return "gateway"
	}
	return string(t)
}
