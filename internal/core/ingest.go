package core

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/backstage/services/iotserver/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// Message kinds carried in the last topic segment.
const (
	KindData      = "data"
	KindHeartbeat = "heartbeat"
)

// HeartbeatFromBody builds a heartbeat request from a decoded body. Gateways
// also report the micro:bits they relay for.
func HeartbeatFromBody(class DeviceType, deviceID string, body map[string]interface{}) HeartbeatRequest {
	req := HeartbeatRequest{DeviceID: deviceID}
	if info, ok := body["system_info"].(map[string]interface{}); ok {
		req.SystemInfo = info
	}
	if class == DeviceTypeGateway {
		if connected, ok := body["connected_devices"].([]interface{}); ok {
			req.Extra = map[string]interface{}{
				"connected_devices": connected,
				"device_count":      len(connected),
			}
		}
	}
	return req
}

// IngestHandlers feeds MQTT messages into the same service calls as the
// HTTP endpoints.
type IngestHandlers struct {
	devices   *DeviceManagementService
	telemetry *TelemetryService
	logger    *logrus.Logger
}

func NewIngestHandlers(services *ServiceRegistry, logger *logrus.Logger) *IngestHandlers {
	return &IngestHandlers{
		devices:   services.DeviceManagement,
		telemetry: services.Telemetry,
		logger:    logger,
	}
}

// Handlers returns the handler of every message kind.
func (h *IngestHandlers) Handlers() map[string]infrastructure.MessageHandler {
	return map[string]infrastructure.MessageHandler{
		KindData:      h.Data,
		KindHeartbeat: h.Heartbeat,
	}
}

// Route parses rawTopic and runs the matching handler.
func (h *IngestHandlers) Route(ctx context.Context, prefix, rawTopic string, payload []byte) error {
	topic, err := infrastructure.ParseTopic(prefix, rawTopic)
	if err != nil {
		return err
	}
	handler, ok := h.Handlers()[topic.Kind]
	if !ok {
		return fmt.Errorf("no handler for message kind %q", topic.Kind)
	}
	return handler(ctx, topic, payload)
}

func (h *IngestHandlers) Data(ctx context.Context, topic infrastructure.Topic, payload []byte) error {
	class := DeviceType(topic.Class)
	if !class.Valid() {
		return ErrInvalidDeviceType.WithMessagef("invalid device type %q", topic.Class)
	}

	body, err := decodeBody(payload)
	if err != nil {
		return err
	}

	saved, err := h.telemetry.UploadPayload(ctx, class, topic.DeviceID, body)
	if err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"device_id":  topic.DeviceID,
		"data_count": len(saved),
	}).Debug("MQTT upload stored")
	return nil
}

func (h *IngestHandlers) Heartbeat(ctx context.Context, topic infrastructure.Topic, payload []byte) error {
	class := DeviceType(topic.Class)
	if !class.Valid() {
		return ErrInvalidDeviceType.WithMessagef("invalid device type %q", topic.Class)
	}

	body, err := decodeBody(payload)
	if err != nil {
		return err
	}

	_, _, err = h.devices.Heartbeat(ctx, HeartbeatFromBody(class, topic.DeviceID, body))
	return err
}

// decodeBody accepts an empty payload as an empty object.
func decodeBody(payload []byte) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if len(payload) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ErrInvalidPayload.WithMessagef("invalid JSON payload: %v", err)
	}
	return body, nil
}
