package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/iotserver/config"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Messaging publishes service events to an Azure Service Bus queue.
type Messaging struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	maxRetries uint64
	retryDelay time.Duration
}

func NewMessaging(cfg config.ServiceBusConfig) (*Messaging, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("service bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &Messaging{
		client:     client,
		sender:     sender,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Publish sends message as JSON. topic is carried as the message subject so
// consumers can filter without decoding the body.
func (m *Messaging) Publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	messageID := uuid.NewString()
	contentType := "application/json"
	msg := &azservicebus.Message{
		MessageID:   &messageID,
		Subject:     &topic,
		ContentType: &contentType,
		Body:        data,
		ApplicationProperties: map[string]interface{}{
			"topic":     topic,
			"timestamp": time.Now().Unix(),
		},
	}

	send := func() error {
		return m.sender.SendMessage(ctx, msg, nil)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), m.maxRetries),
		ctx,
	)
	if err := backoff.Retry(send, policy); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

func (m *Messaging) Close() error {
	if m.sender != nil {
		if err := m.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(context.Background())
	}

	return nil
}
