package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/backstage/services/iotserver/internal/core"
	"example.com/backstage/services/iotserver/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	serviceName    = "IoT Server API"
	serviceVersion = "1.0.0"

	maxQueryLimit = 1000
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping() error
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	devices   *core.DeviceManagementService
	telemetry *core.TelemetryService
	db        Pinger
	clock     core.Clock
	logger    *logrus.Logger
	started   time.Time
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry, db Pinger, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{
		devices:   services.DeviceManagement,
		telemetry: services.Telemetry,
		db:        db,
		clock:     services.Store.Now,
		logger:    logger,
		started:   time.Now(),
	}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	dbStatus := "connected"
	if h.db == nil {
		dbStatus = "unknown"
	} else if err := h.db.Ping(); err != nil {
		h.logger.WithError(err).Warn("Database ping failed")
		dbStatus = "disconnected"
	}

	body := gin.H{
		"status":         "healthy",
		"database":       dbStatus,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"host":           infrastructure.CollectHostStats(c.Request.Context()),
	}

	stats, err := h.devices.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Warn("Failed to count devices for health check")
	} else {
		body["devices"] = gin.H{
			"total":    stats.TotalDevices,
			"online":   stats.OnlineDevices,
			"microbit": stats.MicrobitDevices,
			"esp32":    stats.ESP32Devices,
			"gateway":  stats.GatewayDevices,
		}
	}

	status := http.StatusOK
	if dbStatus == "disconnected" {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

// APIInfo describes the service and its endpoint groups.
func (h *APIHandlers) APIInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        serviceName,
		"version":     serviceVersion,
		"description": "Device registry and telemetry ingestion API for ESP32 and micro:bit devices",
		"endpoints": gin.H{
			"devices":  "/api/devices",
			"data":     "/api/data",
			"microbit": "/api/microbit",
			"esp32":    "/api/esp32",
			"gateway":  "/api/gateway",
		},
		"status": "running",
	})
}

// NotFound renders unknown routes in the common error shape.
func (h *APIHandlers) NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Endpoint not found"})
}

// --- helpers ---

func (h *APIHandlers) serverTime() time.Time {
	return h.clock()
}

func respond(c *gin.Context, status int, body gin.H) {
	body["success"] = true
	c.JSON(status, body)
}

// readBody decodes an optional JSON object. An empty body yields an empty map.
func readBody(c *gin.Context) (map[string]interface{}, error) {
	raw, err := c.GetRawData()
	if err != nil {
		return nil, core.ErrInvalidPayload.WithMessage("failed to read request body")
	}
	body := map[string]interface{}{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, core.ErrInvalidPayload.WithMessage("request body must be a JSON object")
	}
	// a literal null decodes to a nil map
	if body == nil {
		body = map[string]interface{}{}
	}
	return body, nil
}

// fillFromQuery copies query parameters into body where the body lacks them.
func fillFromQuery(c *gin.Context, body map[string]interface{}, keys ...string) {
	for _, key := range keys {
		if v, ok := body[key]; ok && v != nil && v != "" {
			continue
		}
		if q := c.Query(key); q != "" {
			body[key] = q
		}
	}
}

// intQuery reads a positive integer query parameter.
func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, core.NewValidationError("%s must be a non-negative integer", key)
	}
	return v, nil
}

// limitQuery reads a row limit. It must be at least 1 and is capped at maxQueryLimit.
func limitQuery(c *gin.Context, fallback int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, core.NewValidationError("limit must be a positive integer")
	}
	if v > maxQueryLimit {
		v = maxQueryLimit
	}
	return v, nil
}

func stringParam(body map[string]interface{}, key string) string {
	switch v := body[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
