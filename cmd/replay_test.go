package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"example.com/backstage/services/iotserver/internal/core"
	"example.com/backstage/services/iotserver/internal/infrastructure"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReplayer(t *testing.T, dryRun bool) (*DeadLetterReplayer, *core.ServiceRegistry) {
	t.Helper()
	nullLogger, _ := test.NewNullLogger()
	dir := t.TempDir()

	db, err := infrastructure.NewSQLiteDatabase(filepath.Join(dir, "replay.db"), nullLogger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(core.Models()...))

	services, err := core.NewServiceRegistry(core.ServiceConfig{
		DataStore: core.NewDataStore(db.DB, nil),
		Logger:    nullLogger,
	})
	require.NoError(t, err)

	deadLetter, err := infrastructure.NewDeadLetterLog(filepath.Join(dir, "dead_letters.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { deadLetter.Close() })

	return &DeadLetterReplayer{
		log:         deadLetter,
		ingest:      core.NewIngestHandlers(services, nullLogger),
		topicPrefix: "iot",
		logger:      nullLogger,
		dryRun:      dryRun,
		concurrency: 2,
	}, services
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	replayer, services := newTestReplayer(t, false)
	cause := errors.New("device not registered")

	require.NoError(t, replayer.log.Write("iot/esp32/esp32_1/data", []byte(`{"temperature": 20}`), cause))
	require.NoError(t, replayer.log.Write("iot/esp32/esp32_1/heartbeat", []byte(`{}`), cause))
	require.NoError(t, replayer.log.Write("iot/esp32/esp32_9/data", []byte(`{"temperature": 21}`), cause))

	_, _, err := services.DeviceManagement.Register(ctx, core.DeviceTypeESP32, map[string]interface{}{"device_id": "esp32_1"})
	require.NoError(t, err)

	stats, err := replayer.Replay(ctx, ReplayCriteria{})
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{TotalProcessed: 3, Successful: 2, Failed: 1}, *stats)

	readings, err := services.Store.Latest(ctx, "esp32_1", "", 0)
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	// only the failure is left for the next run
	remaining, err := replayer.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "iot/esp32/esp32_9/data", remaining[0].Topic)
}

func TestReplayCriteria(t *testing.T) {
	ctx := context.Background()
	replayer, services := newTestReplayer(t, false)
	cause := errors.New("broker hiccup")

	require.NoError(t, replayer.log.Write("iot/microbit/mb_1/data", []byte(`{"temperature": 20}`), cause))
	require.NoError(t, replayer.log.Write("iot/microbit/mb_1/heartbeat", []byte(`{}`), cause))
	require.NoError(t, replayer.log.Write("iot/microbit/mb_2/data", []byte(`{"temperature": 20}`), cause))
	require.NoError(t, replayer.log.Write("garbage", []byte(`{}`), cause))

	_, _, err := services.DeviceManagement.Register(ctx, core.DeviceTypeMicrobit, map[string]interface{}{"device_id": "mb_1"})
	require.NoError(t, err)

	stats, err := replayer.Replay(ctx, ReplayCriteria{DeviceID: "mb_1", Kind: "DATA"})
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{TotalProcessed: 1, Successful: 1, Skipped: 3}, *stats)

	future := time.Now().Add(time.Hour)
	stats, err = replayer.Replay(ctx, ReplayCriteria{Since: &future})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	assert.Zero(t, stats.TotalProcessed)

	stats, err = replayer.Replay(ctx, ReplayCriteria{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalProcessed)
}

func TestReplayDryRun(t *testing.T) {
	ctx := context.Background()
	replayer, services := newTestReplayer(t, true)

	_, _, err := services.DeviceManagement.Register(ctx, core.DeviceTypeESP32, map[string]interface{}{"device_id": "esp32_1"})
	require.NoError(t, err)
	require.NoError(t, replayer.log.Write("iot/esp32/esp32_1/data", []byte(`{"temperature": 20}`), errors.New("timeout")))

	stats, err := replayer.Replay(ctx, ReplayCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalProcessed)
	assert.Zero(t, stats.Successful)

	readings, err := services.Store.Latest(ctx, "esp32_1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, readings)

	entries, err := replayer.log.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
