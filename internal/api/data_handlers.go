package api

import (
	"fmt"
	"net/http"
	"time"

	"example.com/backstage/services/iotserver/internal/core"
	"github.com/gin-gonic/gin"
)

// --- Telemetry Endpoints ---

// AddReading stores a single generic reading.
func (h *APIHandlers) AddReading(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.Error(err)
		return
	}
	if len(body) == 0 {
		c.Error(core.NewValidationError("No data provided"))
		return
	}

	req, err := core.ParseReadingRequest(body)
	if err != nil {
		c.Error(err)
		return
	}

	reading, err := h.telemetry.AddReading(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusCreated, gin.H{
		"message": "Data added successfully",
		"data":    reading,
	})
}

// AddBatch stores every item of data_list independently.
func (h *APIHandlers) AddBatch(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.Error(err)
		return
	}

	raw, present := body["data_list"]
	if !present {
		c.Error(core.NewValidationError("No data_list provided"))
		return
	}
	items, ok := raw.([]interface{})
	if !ok {
		c.Error(core.NewValidationError("data_list must be an array"))
		return
	}

	result := h.telemetry.AddBatch(c.Request.Context(), items)
	respond(c, http.StatusOK, gin.H{
		"message":     fmt.Sprintf("Processed %d items", result.Processed),
		"added_count": len(result.Added),
		"error_count": len(result.Errors),
		"added_data":  result.Added,
		"errors":      result.Errors,
	})
}

// QueryReadings returns readings of one device, by time range or newest first.
func (h *APIHandlers) QueryReadings(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.Error(core.ErrMissingDeviceID)
		return
	}
	limit, err := limitQuery(c, 100)
	if err != nil {
		c.Error(err)
		return
	}

	q := core.ReadingQuery{
		DeviceID:   deviceID,
		SensorType: c.Query("sensor_type"),
		Limit:      limit,
	}
	if q.Start, err = timeQuery(c, "start_time"); err != nil {
		c.Error(err)
		return
	}
	if q.End, err = timeQuery(c, "end_time"); err != nil {
		c.Error(err)
		return
	}

	readings, err := h.telemetry.Query(c.Request.Context(), q)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"data":  readings,
		"count": len(readings),
	})
}

// LatestReadings returns the newest readings of every online device.
func (h *APIHandlers) LatestReadings(c *gin.Context) {
	class := core.DeviceType(c.Query("device_type"))
	if class != "" && !class.Valid() {
		c.Error(core.ErrInvalidDeviceType.WithMessagef("invalid device type %q", class))
		return
	}

	latest, err := h.telemetry.LatestForOnline(c.Request.Context(), class)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"data":         latest,
		"device_count": len(latest),
	})
}

// ReadingStatistics counts readings of the last hours.
func (h *APIHandlers) ReadingStatistics(c *gin.Context) {
	hours, err := intQuery(c, "hours", 24)
	if err != nil {
		c.Error(err)
		return
	}

	stats, err := h.telemetry.Statistics(c.Request.Context(), hours)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"time_range_hours": hours,
		"statistics":       stats,
	})
}

// timeQuery parses an optional RFC 3339 query parameter. A trailing Z is
// optional; times without an offset are taken as UTC.
func timeQuery(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, core.NewValidationError("Invalid datetime format for %s", key)
}
