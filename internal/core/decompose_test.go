package core

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	return body
}

func sensorTypes(in []ReadingInput) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		out = append(out, r.SensorType)
	}
	return out
}

func TestDecomposeESP32(t *testing.T) {
	payload := decodePayload(t, `{
		"device_id": "esp32_1",
		"system_status": {"wifi_rssi": -61, "free_heap": 181000},
		"analog_inputs": {"A1": 1.25, "A0": "3.3"},
		"digital_inputs": {"D5": true, "D2": 0},
		"motion": "true",
		"humidity": 48.5,
		"temperature": 21.5,
		"firmware": "ignored"
	}`)

	readings, err := Decompose(DeviceTypeESP32, payload)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"temperature", "humidity", "motion",
		"analog_pin_A0", "analog_pin_A1",
		"digital_pin_D2", "digital_pin_D5",
		"free_heap", "wifi_rssi",
	}, sensorTypes(readings))

	assert.Equal(t, ReadingInput{SensorType: "temperature", Value: 21.5, Unit: "°C"}, readings[0])
	assert.Equal(t, 1.0, readings[2].Value)
	assert.Equal(t, "bool", readings[2].Unit)
	assert.Equal(t, 3.3, readings[3].Value)
	assert.Equal(t, "V", readings[3].Unit)
	assert.Equal(t, map[string]interface{}{"pin": "A0", "type": "analog_input"}, readings[3].Metadata)
	assert.Equal(t, 0.0, readings[5].Value)
	assert.Equal(t, 1.0, readings[6].Value)
	assert.Equal(t, map[string]interface{}{"pin": "D5", "type": "digital_input"}, readings[6].Metadata)
	assert.Equal(t, ReadingInput{SensorType: "wifi_rssi", Value: -61, Unit: "dBm"}, readings[8])
}

func TestDecomposeMicrobit(t *testing.T) {
	readings, err := Decompose(DeviceTypeMicrobit, decodePayload(t, `{
		"temperature": 19,
		"accelerometer": {"x": 0.1, "z": -1.0},
		"button_a": false,
		"button_b": 1
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"temperature", "accelerometer_x", "accelerometer_z", "button_a", "button_b"}, sensorTypes(readings))
	assert.Equal(t, "g", readings[1].Unit)
	assert.Equal(t, -1.0, readings[2].Value)
	assert.Equal(t, 0.0, readings[3].Value)
	assert.Equal(t, 1.0, readings[4].Value)

	readings, err = Decompose(DeviceTypeMicrobit, decodePayload(t, `{"accelerometer": 512}`))
	require.NoError(t, err)
	assert.Equal(t, []ReadingInput{{SensorType: "accelerometer", Value: 512, Unit: "g"}}, readings)
}

func TestDecomposeRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name    string
		class   DeviceType
		payload string
	}{
		{"text temperature", DeviceTypeESP32, `{"temperature": "warm"}`},
		{"nested pin", DeviceTypeESP32, `{"analog_inputs": {"A0": {"v": 1}}}`},
		{"boolean text", DeviceTypeMicrobit, `{"button_a": "pressed"}`},
		{"axis", DeviceTypeMicrobit, `{"accelerometer": {"x": "left"}}`},
		{"array", DeviceTypeESP32, `{"humidity": [1, 2]}`},
		{"nan text", DeviceTypeESP32, `{"temperature": "NaN"}`},
		{"inf text", DeviceTypeESP32, `{"temperature": "Inf"}`},
		{"infinity pin", DeviceTypeESP32, `{"analog_inputs": {"A0": "+Infinity"}}`},
		{"negative inf axis", DeviceTypeMicrobit, `{"accelerometer": {"x": "-inf"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings, err := Decompose(tt.class, decodePayload(t, tt.payload))
			assert.ErrorIs(t, err, ErrInvalidSensorValue)
			assert.Equal(t, KindValidation, KindOf(err))
			assert.Nil(t, readings)
		})
	}
}

func TestDecomposeEmptyAndUnknown(t *testing.T) {
	readings, err := Decompose(DeviceTypeESP32, map[string]interface{}{"device_id": "x", "colour": "blue"})
	require.NoError(t, err)
	assert.Empty(t, readings)

	_, err = Decompose(DeviceTypeGateway, map[string]interface{}{"temperature": 1.0})
	assert.ErrorIs(t, err, ErrInvalidDeviceType)

	// non-object pin maps are ignored rather than rejected
	readings, err = Decompose(DeviceTypeESP32, map[string]interface{}{"analog_inputs": "n/a"})
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestToFloatRejectsNonFinite(t *testing.T) {
	for _, raw := range []interface{}{math.NaN(), math.Inf(1), math.Inf(-1), "nan", " Inf "} {
		_, err := toFloat("value", raw)
		assert.ErrorIs(t, err, ErrInvalidSensorValue, "%v", raw)
	}

	f, err := toFloat("value", "1e3")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, f)

	_, err = ParseReadingRequest(map[string]interface{}{"device_id": "d", "sensor_type": "co2", "value": "NaN"})
	assert.ErrorIs(t, err, ErrInvalidSensorValue)
}
