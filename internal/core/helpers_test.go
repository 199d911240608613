package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/iotserver/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	Topic   string
	Message map[string]interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, _ := message.(map[string]interface{})
	p.events = append(p.events, publishedEvent{Topic: topic, Message: msg})
	return nil
}

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	return out
}

func newTestLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newTestStore(t *testing.T, limits CapacityLimits, clock *fakeClock) DataStore {
	t.Helper()
	db, err := infrastructure.NewSQLiteDatabase(filepath.Join(t.TempDir(), "test.db"), newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(Models()...))
	return NewDataStore(db.DB, limits, WithClock(clock.Now))
}

type testEnv struct {
	clock    *fakeClock
	store    DataStore
	events   *recordingPublisher
	cache    *infrastructure.LocalCache
	services *ServiceRegistry
}

// newTestEnv builds the services over SQLite. withCache selects the
// in-process cache; without it every read goes to the store.
func newTestEnv(t *testing.T, limits CapacityLimits, withCache bool) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:  newFakeClock(),
		events: &recordingPublisher{},
	}
	env.store = newTestStore(t, limits, env.clock)

	cfg := ServiceConfig{
		DataStore: env.store,
		Events:    env.events,
		Logger:    newTestLogger(),
		Limits:    limits,
	}
	if withCache {
		cache, err := infrastructure.NewLocalCache(128)
		require.NoError(t, err)
		env.cache = cache
		cfg.Cache = cache
	}

	services, err := NewServiceRegistry(cfg)
	require.NoError(t, err)
	env.services = services
	return env
}

func (e *testEnv) register(t *testing.T, class DeviceType, deviceID string) *Device {
	t.Helper()
	device, _, err := e.services.DeviceManagement.Register(context.Background(), class, map[string]interface{}{"device_id": deviceID})
	require.NoError(t, err)
	return device
}
