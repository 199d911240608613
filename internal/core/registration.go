package core

import (
	"fmt"
	"strings"
)

type classProfile struct {
	namePrefix  string
	description string
	buildConfig func(body map[string]interface{}) map[string]interface{}
}

var classProfiles = map[DeviceType]classProfile{
	DeviceTypeMicrobit: {
		namePrefix:  "MicroBit",
		description: "BBC micro:bit device",
		buildConfig: microbitConfig,
	},
	DeviceTypeESP32: {
		namePrefix:  "ESP32",
		description: "ESP32 IoT device",
		buildConfig: esp32Config,
	},
	DeviceTypeGateway: {
		namePrefix:  "Gateway",
		description: "ESP32 gateway for micro:bit devices",
		buildConfig: gatewayConfig,
	},
}

// BuildRegistration applies the defaults of class to a registration body.
// The body is the decoded JSON request; device_id and name may already have
// been filled in from the query string by the caller.
func BuildRegistration(class DeviceType, body map[string]interface{}) (Registration, error) {
	profile, ok := classProfiles[class]
	if !ok {
		return Registration{}, ErrInvalidDeviceType.WithMessagef("invalid device type %q", class)
	}

	deviceID := stringField(body, "device_id")
	if deviceID == "" {
		return Registration{}, ErrMissingDeviceID
	}

	name := stringField(body, "name")
	if name == "" {
		name = fmt.Sprintf("%s-%s", profile.namePrefix, deviceID)
	}
	description, present := body["description"].(string)
	if !present {
		description = profile.description
	}

	return Registration{
		DeviceID:    deviceID,
		DeviceType:  class,
		Name:        name,
		Description: description,
		Config:      profile.buildConfig(body),
	}, nil
}

func microbitConfig(body map[string]interface{}) map[string]interface{} {
	cfg := map[string]interface{}{
		"sensors":      []interface{}{"temperature", "light", "accelerometer", "compass"},
		"capabilities": []interface{}{"display", "buttons", "radio"},
	}
	// Registrations relayed by a gateway carry their own config block.
	if extra, ok := body["config"].(map[string]interface{}); ok {
		for k, v := range extra {
			cfg[k] = v
		}
	}
	return cfg
}

func esp32Config(body map[string]interface{}) map[string]interface{} {
	chipModel := stringField(body, "chip_model")
	if chipModel == "" {
		chipModel = "ESP32"
	}
	return map[string]interface{}{
		"sensors": valueOr(body, "sensors", []interface{}{
			"temperature", "humidity", "pressure", "light", "motion", "distance", "analog_inputs",
		}),
		"capabilities": valueOr(body, "capabilities", []interface{}{
			"wifi", "bluetooth", "gpio", "pwm", "adc", "dac",
		}),
		"gpio_pins":        valueOr(body, "gpio_pins", map[string]interface{}{}),
		"wifi_info":        wifiInfo(body),
		"firmware_version": body["firmware_version"],
		"chip_model":       chipModel,
	}
}

func gatewayConfig(body map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"capabilities":      valueOr(body, "capabilities", []interface{}{"wifi", "uart", "radio_bridge"}),
		"wifi_info":         wifiInfo(body),
		"connected_devices": valueOr(body, "connected_devices", []interface{}{}),
	}
}

func wifiInfo(body map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"ssid":        body["wifi_ssid"],
		"ip_address":  body["ip_address"],
		"mac_address": body["mac_address"],
	}
}

func valueOr(body map[string]interface{}, key string, fallback interface{}) interface{} {
	if v, ok := body[key]; ok && v != nil {
		return v
	}
	return fallback
}

// stringField reads a string or number field as trimmed text.
func stringField(body map[string]interface{}, key string) string {
	switch v := body[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%g", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
