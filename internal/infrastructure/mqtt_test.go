package infrastructure

import (
	"context"
	"errors"
	"sync"
	"testing"

	"example.com/backstage/services/iotserver/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		want    Topic
		wantErr bool
	}{
		{name: "data", topic: "iot/esp32/esp32_1/data", want: Topic{Class: "esp32", DeviceID: "esp32_1", Kind: "data"}},
		{name: "heartbeat", topic: "iot/gateway/gw-7/heartbeat", want: Topic{Class: "gateway", DeviceID: "gw-7", Kind: "heartbeat"}},
		{name: "wrong prefix", topic: "devices/esp32/esp32_1/data", wantErr: true},
		{name: "too short", topic: "iot/esp32/data", wantErr: true},
		{name: "too long", topic: "iot/esp32/a/b/data", wantErr: true},
		{name: "empty device", topic: "iot/esp32//data", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTopic("iot", tt.topic)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingSink) Write(topic string, payload []byte, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, topic)
	return nil
}

func newTestSubscriber(t *testing.T, sink DeadLetterSink) *MQTTSubscriber {
	t.Helper()
	logger, _ := test.NewNullLogger()
	sub, err := NewMQTTSubscriber(config.MQTTConfig{BrokerURL: "tcp://localhost:1883"}, sink, logger)
	require.NoError(t, err)
	return sub
}

func TestNewMQTTSubscriberRequiresBroker(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewMQTTSubscriber(config.MQTTConfig{}, nil, logger)
	assert.Error(t, err)
}

func TestSubscriptions(t *testing.T) {
	sub := newTestSubscriber(t, nil)
	noop := func(context.Context, Topic, []byte) error { return nil }
	sub.RegisterHandler("heartbeat", noop)
	sub.RegisterHandler("data", noop)

	assert.Equal(t, []string{"iot/+/+/data", "iot/+/+/heartbeat"}, sub.Subscriptions())
}

func TestDispatch(t *testing.T) {
	sink := &recordingSink{}
	sub := newTestSubscriber(t, sink)

	var got []Topic
	sub.RegisterHandler("data", func(_ context.Context, topic Topic, payload []byte) error {
		got = append(got, topic)
		return nil
	})
	sub.RegisterHandler("heartbeat", func(context.Context, Topic, []byte) error {
		return errors.New("device not registered")
	})

	sub.Dispatch("iot/esp32/esp32_1/data", []byte(`{"temperature": 21}`))
	require.Len(t, got, 1)
	assert.Equal(t, "esp32_1", got[0].DeviceID)
	assert.Empty(t, sink.entries)

	sub.Dispatch("iot/esp32/esp32_1/heartbeat", nil)
	assert.Equal(t, []string{"iot/esp32/esp32_1/heartbeat"}, sink.entries)

	sub.Dispatch("garbage", nil)
	assert.Equal(t, []string{"iot/esp32/esp32_1/heartbeat", "garbage"}, sink.entries)

	// kinds nobody handles are dropped, not dead-lettered
	sub.Dispatch("iot/esp32/esp32_1/status", nil)
	assert.Len(t, sink.entries, 2)
}
