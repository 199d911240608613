// services/iotserver/internal/core/decompose.go
package core

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

type valueTransform func(field string, raw interface{}) (float64, error)

// fieldRule maps one top-level payload key onto readings.
type fieldRule struct {
	key    string
	expand func(raw interface{}) ([]ReadingInput, error)
}

func scalar(key, sensorType, unit string, transform valueTransform) fieldRule {
	return fieldRule{
		key: key,
		expand: func(raw interface{}) ([]ReadingInput, error) {
			v, err := transform(key, raw)
			if err != nil {
				return nil, err
			}
			return []ReadingInput{{SensorType: sensorType, Value: v, Unit: unit}}, nil
		},
	}
}

// pinMap expands a {pin: value} mapping into one reading per pin, in pin order.
func pinMap(key, prefix, unit, kind string, transform valueTransform) fieldRule {
	return fieldRule{
		key: key,
		expand: func(raw interface{}) ([]ReadingInput, error) {
			pins, ok := raw.(map[string]interface{})
			if !ok {
				return nil, nil
			}
			names := make([]string, 0, len(pins))
			for pin := range pins {
				names = append(names, pin)
			}
			sort.Strings(names)

			out := make([]ReadingInput, 0, len(names))
			for _, pin := range names {
				v, err := transform(key+"."+pin, pins[pin])
				if err != nil {
					return nil, err
				}
				out = append(out, ReadingInput{
					SensorType: prefix + pin,
					Value:      v,
					Unit:       unit,
					Metadata:   map[string]interface{}{"pin": pin, "type": kind},
				})
			}
			return out, nil
		},
	}
}

// nested reads fixed sub-keys of a mapping field, in the order given.
func nested(key string, children ...fieldRule) fieldRule {
	return fieldRule{
		key: key,
		expand: func(raw interface{}) ([]ReadingInput, error) {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				return nil, nil
			}
			return applyRules(obj, children)
		},
	}
}

// vectorOrScalar accepts either {x, y, z} or a bare number.
func vectorOrScalar(key, unit string, axes ...string) fieldRule {
	return fieldRule{
		key: key,
		expand: func(raw interface{}) ([]ReadingInput, error) {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				v, err := toFloat(key, raw)
				if err != nil {
					return nil, err
				}
				return []ReadingInput{{SensorType: key, Value: v, Unit: unit}}, nil
			}

			var out []ReadingInput
			for _, axis := range axes {
				rawAxis, present := obj[axis]
				if !present {
					continue
				}
				v, err := toFloat(key+"."+axis, rawAxis)
				if err != nil {
					return nil, err
				}
				out = append(out, ReadingInput{SensorType: key + "_" + axis, Value: v, Unit: unit})
			}
			return out, nil
		},
	}
}

var esp32Schema = []fieldRule{
	scalar("temperature", "temperature", "°C", toFloat),
	scalar("humidity", "humidity", "%", toFloat),
	scalar("pressure", "pressure", "hPa", toFloat),
	scalar("light", "light", "lux", toFloat),
	scalar("uv_index", "uv_index", "UV", toFloat),
	scalar("air_quality", "air_quality", "AQI", toFloat),
	scalar("motion", "motion", "bool", toBool),
	scalar("distance", "distance", "cm", toFloat),
	pinMap("analog_inputs", "analog_pin_", "V", "analog_input", toFloat),
	pinMap("digital_inputs", "digital_pin_", "bool", "digital_input", toBool),
	nested("system_status",
		scalar("free_heap", "free_heap", "bytes", toFloat),
		scalar("wifi_rssi", "wifi_rssi", "dBm", toFloat),
	),
}

var microbitSchema = []fieldRule{
	scalar("temperature", "temperature", "°C", toFloat),
	scalar("light", "light", "lux", toFloat),
	vectorOrScalar("accelerometer", "g", "x", "y", "z"),
	scalar("compass", "compass", "°", toFloat),
	scalar("button_a", "button_a", "bool", toBool),
	scalar("button_b", "button_b", "bool", toBool),
}

// SystemSensorTypes are ESP32 readings that describe the board rather than
// its environment.
var SystemSensorTypes = map[string]bool{
	"free_heap": true,
	"wifi_rssi": true,
}

// Decompose turns one upload payload into readings using the schema of class.
// Unknown keys are ignored. Any malformed value fails the whole payload.
func Decompose(class DeviceType, payload map[string]interface{}) ([]ReadingInput, error) {
	var schema []fieldRule
	switch class {
	case DeviceTypeESP32:
		schema = esp32Schema
	case DeviceTypeMicrobit:
		schema = microbitSchema
	default:
		return nil, ErrInvalidDeviceType.WithMessagef("%s devices do not upload sensor data", class.DisplayName())
	}
	return applyRules(payload, schema)
}

func applyRules(obj map[string]interface{}, rules []fieldRule) ([]ReadingInput, error) {
	var out []ReadingInput
	for _, rule := range rules {
		raw, present := obj[rule.key]
		if !present {
			continue
		}
		readings, err := rule.expand(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, readings...)
	}
	return out, nil
}

func toFloat(field string, raw interface{}) (float64, error) {
	f, err := parseNumber(raw)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidValue(field, raw)
	}
	return f, nil
}

func parseNumber(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("unsupported type %T", raw)
}

// toBool maps truthy values to 1 and falsy ones to 0.
func toBool(field string, raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return 0, invalidValue(field, raw)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	}

	f, err := toFloat(field, raw)
	if err != nil {
		return 0, err
	}
	if f != 0 {
		return 1, nil
	}
	return 0, nil
}

func invalidValue(field string, raw interface{}) error {
	return ErrInvalidSensorValue.WithMessage(fmt.Sprintf("invalid value for %s: %v", field, raw))
}
