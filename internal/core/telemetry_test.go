package core

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadPayload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, true)
	telemetry := env.services.Telemetry
	env.register(t, DeviceTypeESP32, "esp32_1")
	env.register(t, DeviceTypeMicrobit, "mb_1")
	_, err := env.store.SetStatus(ctx, "esp32_1", DeviceStatusOffline)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	saved, err := telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{
		"device_id":     "esp32_1",
		"temperature":   21.5,
		"humidity":      40.0,
		"system_status": map[string]interface{}{"free_heap": 150000.0},
	})
	require.NoError(t, err)
	require.Len(t, saved, 3)
	assert.Equal(t, "temperature", saved[0].SensorType)
	assert.Equal(t, "free_heap", saved[2].SensorType)
	for _, r := range saved {
		assert.True(t, r.Timestamp.Equal(testEpoch.Add(time.Minute)))
		assert.NotZero(t, r.ID)
	}

	device, err := env.services.DeviceManagement.GetDevice(ctx, "esp32_1")
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusOnline, device.Status)
	assert.True(t, device.LastSeen.Equal(testEpoch.Add(time.Minute)))
	assert.Contains(t, env.events.Topics(), TopicReadingsIngested)
}

func TestUploadPayloadRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, false)
	telemetry := env.services.Telemetry
	env.register(t, DeviceTypeMicrobit, "mb_1")
	env.register(t, DeviceTypeESP32, "esp32_1")

	_, err := telemetry.UploadPayload(ctx, DeviceTypeESP32, "", map[string]interface{}{"temperature": 1.0})
	assert.ErrorIs(t, err, ErrMissingDeviceID)

	_, err = telemetry.UploadPayload(ctx, DeviceTypeESP32, "ghost", map[string]interface{}{"temperature": 1.0})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, "Invalid ESP32 device", errorMessage(err))

	_, err = telemetry.UploadPayload(ctx, DeviceTypeESP32, "mb_1", map[string]interface{}{"temperature": 1.0})
	assert.ErrorIs(t, err, ErrDeviceWrongClass)

	_, err = telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{
		"temperature": 20.0,
		"humidity":    "damp",
	})
	assert.ErrorIs(t, err, ErrInvalidSensorValue)

	_, err = telemetry.UploadPayload(ctx, DeviceTypeGateway, "esp32_1", map[string]interface{}{})
	assert.ErrorIs(t, err, ErrInvalidDeviceType)

	readings, err := env.store.Latest(ctx, "esp32_1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestUploadPayloadEmptyStillMarksOnline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, false)
	env.register(t, DeviceTypeMicrobit, "mb_1")
	_, err := env.store.SetStatus(ctx, "mb_1", DeviceStatusOffline)
	require.NoError(t, err)

	saved, err := env.services.Telemetry.UploadPayload(ctx, DeviceTypeMicrobit, "mb_1", map[string]interface{}{"device_id": "mb_1"})
	require.NoError(t, err)
	assert.Empty(t, saved)

	device, err := env.store.GetDevice(ctx, "mb_1")
	require.NoError(t, err)
	assert.Equal(t, DeviceStatusOnline, device.Status)
}

func TestParseReadingRequest(t *testing.T) {
	req, err := ParseReadingRequest(map[string]interface{}{
		"device_id":   "esp32_1",
		"sensor_type": "temperature",
		"value":       "21.5",
		"unit":        "°C",
		"metadata":    map[string]interface{}{"source": "manual"},
	})
	require.NoError(t, err)
	assert.Equal(t, ReadingRequest{
		DeviceID:   "esp32_1",
		SensorType: "temperature",
		Value:      21.5,
		Unit:       "°C",
		Metadata:   map[string]interface{}{"source": "manual"},
	}, req)

	_, err = ParseReadingRequest(map[string]interface{}{"device_id": "esp32_1", "sensor_type": "temperature"})
	assert.Equal(t, "Missing field: value", errorMessage(err))

	_, err = ParseReadingRequest(map[string]interface{}{"device_id": "esp32_1", "sensor_type": "temperature", "value": "hot"})
	assert.ErrorIs(t, err, ErrInvalidSensorValue)
	assert.Equal(t, "Invalid value format", errorMessage(err))

	_, err = ParseReadingRequest(map[string]interface{}{"device_id": "", "sensor_type": "temperature", "value": 1.0})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestAddReadingAndBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, false)
	telemetry := env.services.Telemetry
	env.register(t, DeviceTypeESP32, "esp32_1")

	reading, err := telemetry.AddReading(ctx, ReadingRequest{DeviceID: "esp32_1", SensorType: "co2", Value: 415, Unit: "ppm"})
	require.NoError(t, err)
	assert.Equal(t, "co2", reading.SensorType)

	_, err = telemetry.AddReading(ctx, ReadingRequest{DeviceID: "ghost", SensorType: "co2", Value: 1})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, "Device not found", errorMessage(err))

	result := telemetry.AddBatch(ctx, []interface{}{
		map[string]interface{}{"device_id": "esp32_1", "sensor_type": "co2", "value": 420.0},
		map[string]interface{}{"device_id": "esp32_1", "sensor_type": "co2"},
		"not an object",
		map[string]interface{}{"device_id": "ghost", "sensor_type": "co2", "value": 1.0},
		map[string]interface{}{"device_id": "esp32_1", "sensor_type": "noise", "value": 31.0},
	})
	assert.Equal(t, 5, result.Processed)
	require.Len(t, result.Added, 2)
	assert.Equal(t, "noise", result.Added[1].SensorType)
	assert.Equal(t, []string{
		"Item 1: Missing field: value",
		"Item 2: item must be an object",
		"Item 3: Device ghost not found",
	}, result.Errors)

	readings, err := env.store.Latest(ctx, "esp32_1", "", 0)
	require.NoError(t, err)
	assert.Len(t, readings, 3)

	empty := telemetry.AddBatch(ctx, nil)
	assert.Zero(t, empty.Processed)
	assert.NotNil(t, empty.Added)
	assert.NotNil(t, empty.Errors)
}

func TestQueryAndSummary(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, false)
	telemetry := env.services.Telemetry
	env.register(t, DeviceTypeESP32, "esp32_1")

	for _, v := range []float64{10, 20, 30} {
		_, err := telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{"temperature": v, "humidity": v * 2})
		require.NoError(t, err)
		env.clock.Advance(time.Hour)
	}
	// clock is now epoch+3h, readings at +0h, +1h, +2h

	_, err := telemetry.Query(ctx, ReadingQuery{DeviceID: "ghost"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = telemetry.Query(ctx, ReadingQuery{})
	assert.ErrorIs(t, err, ErrMissingDeviceID)

	latest, err := telemetry.Query(ctx, ReadingQuery{DeviceID: "esp32_1", SensorType: "temperature", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 30.0, latest[0].Value)

	start, end := testEpoch.Add(30*time.Minute), testEpoch.Add(90*time.Minute)
	ranged, err := telemetry.Query(ctx, ReadingQuery{DeviceID: "esp32_1", Start: &start, End: &end, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	// only one bound falls back to newest-first
	onlyStart, err := telemetry.Query(ctx, ReadingQuery{DeviceID: "esp32_1", Start: &start, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, onlyStart, 1)

	recent, err := telemetry.RecentReadings(ctx, "esp32_1", "humidity", 50, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 60.0, recent[0].Value)

	summary, err := telemetry.Summary(ctx, "esp32_1", 24)
	require.NoError(t, err)
	require.Contains(t, summary, "temperature")
	require.NotNil(t, summary["temperature"].Average)
	assert.InDelta(t, 20.0, *summary["temperature"].Average, 1e-9)
	assert.Equal(t, 30.0, summary["temperature"].Latest.Value)
	assert.InDelta(t, 40.0, *summary["humidity"].Average, 1e-9)

	narrow, err := telemetry.Summary(ctx, "esp32_1", 0)
	require.NoError(t, err)
	assert.Nil(t, narrow["temperature"].Average)
	assert.NotNil(t, narrow["temperature"].Latest)

	_, err = telemetry.Summary(ctx, "ghost", 24)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestLatestForOnlineAndStatistics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, false)
	telemetry := env.services.Telemetry
	env.register(t, DeviceTypeESP32, "esp32_1")
	env.register(t, DeviceTypeMicrobit, "mb_1")
	env.register(t, DeviceTypeMicrobit, "mb_2")

	for i := 0; i < 7; i++ {
		_, err := telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{"temperature": float64(i)})
		require.NoError(t, err)
	}
	_, err := telemetry.UploadPayload(ctx, DeviceTypeMicrobit, "mb_1", map[string]interface{}{"temperature": 18.0, "light": 3.0})
	require.NoError(t, err)
	_, err = env.store.SetStatus(ctx, "mb_2", DeviceStatusOffline)
	require.NoError(t, err)

	latest, err := telemetry.LatestForOnline(ctx, "")
	require.NoError(t, err)
	assert.Len(t, latest, 2)
	assert.Len(t, latest["esp32_1"].Readings, latestPerOnlineDevice)
	assert.Equal(t, 6.0, latest["esp32_1"].Readings[0].Value)
	assert.NotContains(t, latest, "mb_2")

	microbits, err := telemetry.LatestForOnline(ctx, DeviceTypeMicrobit)
	require.NoError(t, err)
	assert.Len(t, microbits, 1)
	assert.Equal(t, DeviceTypeMicrobit, microbits["mb_1"].Device.DeviceType)

	stats, err := telemetry.Statistics(ctx, 24)
	require.NoError(t, err)
	assert.EqualValues(t, 9, stats.TotalRecords)
	assert.Equal(t, map[string]int64{"esp32": 7, "microbit": 2}, stats.ByDeviceType)
	assert.Equal(t, map[string]int64{"temperature": 8, "light": 1}, stats.BySensorType)

	env.clock.Advance(48 * time.Hour)
	stats, err = telemetry.Statistics(ctx, 24)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
	assert.Empty(t, stats.ByDeviceType)
}

func TestClassStatus(t *testing.T) {
	for _, withCache := range []bool{true, false} {
		name := "store"
		if withCache {
			name = "cache"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, nil, withCache)
			telemetry := env.services.Telemetry
			device := env.register(t, DeviceTypeESP32, "esp32_1")

			_, err := telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{
				"temperature":   20.0,
				"humidity":      45.0,
				"system_status": map[string]interface{}{"wifi_rssi": -70.0},
			})
			require.NoError(t, err)
			env.clock.Advance(time.Minute)
			_, err = telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{"temperature": 25.0})
			require.NoError(t, err)

			view, err := telemetry.ClassStatus(ctx, device)
			require.NoError(t, err)
			require.Contains(t, view.SensorReadings, "temperature")
			assert.Equal(t, 25.0, view.SensorReadings["temperature"].Value)
			assert.Equal(t, "°C", view.SensorReadings["temperature"].Unit)
			assert.True(t, view.SensorReadings["temperature"].Timestamp.Equal(testEpoch.Add(time.Minute)))
			assert.Equal(t, 45.0, view.SensorReadings["humidity"].Value)
			assert.NotContains(t, view.SensorReadings, "wifi_rssi")
			assert.Equal(t, -70.0, view.SystemStatus["wifi_rssi"].Value)
		})
	}
}

func TestClassStatusCacheMatchesStore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, true)
	telemetry := env.services.Telemetry
	device := env.register(t, DeviceTypeESP32, "esp32_1")

	_, err := telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{"humidity": 45.0})
	require.NoError(t, err)
	// push humidity out of the newest readings window
	for i := 0; i < statusViewLimit[DeviceTypeESP32]; i++ {
		env.clock.Advance(time.Second)
		_, err = telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{"temperature": float64(i)})
		require.NoError(t, err)
	}

	first, err := telemetry.ClassStatus(ctx, device)
	require.NoError(t, err)
	assert.NotContains(t, first.SensorReadings, "humidity")
	assert.Equal(t, 19.0, first.SensorReadings["temperature"].Value)

	fields, err := env.cache.HGetAll(ctx, latestReadingsKey("esp32_1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"temperature"}, sortedKeys(fields))

	cached, err := telemetry.ClassStatus(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, first.SensorReadings, cached.SensorReadings)

	// an upload invalidates the cached view
	env.clock.Advance(time.Second)
	_, err = telemetry.UploadPayload(ctx, DeviceTypeESP32, "esp32_1", map[string]interface{}{"temperature": 99.0, "humidity": 50.0})
	require.NoError(t, err)
	fields, err = env.cache.HGetAll(ctx, latestReadingsKey("esp32_1"))
	require.NoError(t, err)
	assert.Empty(t, fields)

	view, err := telemetry.ClassStatus(ctx, device)
	require.NoError(t, err)
	assert.Equal(t, 99.0, view.SensorReadings["temperature"].Value)
	assert.Equal(t, 50.0, view.SensorReadings["humidity"].Value)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestClassStatusMicrobitHasNoSystemSection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, false)
	device := env.register(t, DeviceTypeMicrobit, "mb_1")

	view, err := env.services.Telemetry.ClassStatus(ctx, device)
	require.NoError(t, err)
	assert.Empty(t, view.SensorReadings)
	assert.Nil(t, view.SystemStatus)
}

func TestClassDevices(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, false)
	telemetry := env.services.Telemetry
	env.register(t, DeviceTypeMicrobit, "mb_1")
	env.register(t, DeviceTypeMicrobit, "mb_2")
	env.register(t, DeviceTypeESP32, "esp32_1")

	for i := 0; i < 4; i++ {
		_, err := telemetry.UploadPayload(ctx, DeviceTypeMicrobit, "mb_1", map[string]interface{}{"temperature": 1.0, "light": 2.0})
		require.NoError(t, err)
	}

	devices, err := telemetry.ClassDevices(ctx, DeviceTypeMicrobit)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "mb_1", devices[0].DeviceID)
	assert.Len(t, devices[0].LatestReadings, deviceListLimit[DeviceTypeMicrobit])
	assert.Empty(t, devices[1].LatestReadings)
}
