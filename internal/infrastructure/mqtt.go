// services/iotserver/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/iotserver/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Topic is a parsed device topic of the form <prefix>/<class>/<device_id>/<kind>.
type Topic struct {
	Class    string
	DeviceID string
	Kind     string
}

// ParseTopic splits a device topic. The prefix must match exactly.
func ParseTopic(prefix, topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != prefix {
		return Topic{}, fmt.Errorf("unexpected topic %q", topic)
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return Topic{}, fmt.Errorf("topic %q has empty segments", topic)
	}
	return Topic{Class: parts[1], DeviceID: parts[2], Kind: parts[3]}, nil
}

// MessageHandler processes MQTT messages
type MessageHandler func(ctx context.Context, topic Topic, payload []byte) error

// DeadLetterSink stores messages that could not be processed.
type DeadLetterSink interface {
	Write(topic string, payload []byte, cause error) error
}

// MQTTSubscriber handles MQTT connections and message processing
type MQTTSubscriber struct {
	config     config.MQTTConfig
	client     mqtt.Client
	logger     *logrus.Logger
	deadLetter DeadLetterSink
	handlers   map[string]MessageHandler
	mu         sync.RWMutex
	connected  bool
	wg         sync.WaitGroup
}

// NewMQTTSubscriber creates a new MQTT subscriber. deadLetter may be nil.
func NewMQTTSubscriber(cfg config.MQTTConfig, deadLetter DeadLetterSink, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("iotserver-%d", time.Now().UnixNano())
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "iot"
	}

	return &MQTTSubscriber{
		config:     cfg,
		logger:     logger,
		deadLetter: deadLetter,
		handlers:   make(map[string]MessageHandler),
	}, nil
}

// RegisterHandler registers a handler for a message kind ("data", "heartbeat").
func (s *MQTTSubscriber) RegisterHandler(kind string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// Subscriptions returns the topic filters the subscriber listens on, one per
// registered kind.
func (s *MQTTSubscriber) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filters := make([]string, 0, len(s.handlers))
	for kind := range s.handlers {
		filters = append(filters, fmt.Sprintf("%s/+/+/%s", s.config.TopicPrefix, kind))
	}
	sort.Strings(filters)
	return filters
}

// Start connects to MQTT broker and subscribes to topics
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.WithField("broker", s.config.BrokerURL).Info("MQTT subscriber started")
	return nil
}

// Stop unsubscribes, disconnects and waits for in-flight messages.
func (s *MQTTSubscriber) Stop() {
	s.logger.Info("Stopping MQTT subscriber...")

	if s.client != nil && s.client.IsConnected() {
		filters := s.Subscriptions()
		if token := s.client.Unsubscribe(filters...); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).Error("Failed to unsubscribe")
		}
		s.client.Disconnect(250)
	}

	s.wg.Wait()
	s.logger.Info("MQTT subscriber stopped")
}

// IsConnected returns the connection status
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	for _, filter := range s.Subscriptions() {
		if token := client.Subscribe(filter, s.config.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", filter).
				Error("Failed to subscribe to topic")
		} else {
			s.logger.WithField("topic", filter).Info("Subscribed to topic")
		}
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (s *MQTTSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Dispatch(msg.Topic(), msg.Payload())
	}()
}

// Dispatch routes one message to the handler registered for its kind. Failed
// messages go to the dead-letter sink.
func (s *MQTTSubscriber) Dispatch(rawTopic string, payload []byte) {
	log := s.logger.WithFields(logrus.Fields{
		"topic": rawTopic,
		"size":  len(payload),
	})
	log.Debug("Received MQTT message")

	topic, err := ParseTopic(s.config.TopicPrefix, rawTopic)
	if err != nil {
		log.WithError(err).Warn("Message on unrecognised topic")
		s.handleFailedMessage(rawTopic, payload, err)
		return
	}

	s.mu.RLock()
	handler, exists := s.handlers[topic.Kind]
	s.mu.RUnlock()

	if !exists {
		log.WithField("kind", topic.Kind).Warn("No handler registered for message kind")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		log.WithError(err).WithField("device_id", topic.DeviceID).Error("Failed to process MQTT message")
		s.handleFailedMessage(rawTopic, payload, err)
	}
}

func (s *MQTTSubscriber) handleFailedMessage(topic string, payload []byte, cause error) {
	if s.deadLetter == nil {
		return
	}
	if err := s.deadLetter.Write(topic, payload, cause); err != nil {
		s.logger.WithError(err).WithField("topic", topic).Error("Failed to write dead letter")
	}
}
