package api

import (
	"errors"
	"net/http"

	"example.com/backstage/services/iotserver/internal/core"
	"github.com/gin-gonic/gin"
)

// --- Device Management Endpoints ---

// ListDevices returns devices, optionally filtered by type and status
func (h *APIHandlers) ListDevices(c *gin.Context) {
	filter := core.DeviceFilter{
		Type:   core.DeviceType(c.Query("type")),
		Status: core.DeviceStatus(c.Query("status")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		c.Error(core.ErrInvalidDeviceType.WithMessagef("invalid device type %q", filter.Type))
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.Error(core.ErrInvalidStatus.WithMessagef("invalid status %q", filter.Status))
		return
	}

	devices, err := h.devices.ListDevices(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}
	if devices == nil {
		devices = []core.Device{}
	}

	respond(c, http.StatusOK, gin.H{
		"data":  devices,
		"count": len(devices),
	})
}

// RegisterDevice is the generic registration used by gateways relaying for
// micro:bits. The class comes from device_type.
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.Error(err)
		return
	}

	class := core.DeviceType(stringParam(body, "device_type"))
	if !class.Valid() {
		c.Error(core.ErrInvalidDeviceType.WithMessage("device_type must be one of microbit, esp32, gateway"))
		return
	}

	h.register(c, class, body)
}

// GetDevice retrieves device details
func (h *APIHandlers) GetDevice(c *gin.Context) {
	device, err := h.devices.GetDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		c.Error(notFoundAs(err, "Device not found"))
		return
	}

	respond(c, http.StatusOK, gin.H{"data": device})
}

// UpdateDeviceStatus applies an explicit status change
func (h *APIHandlers) UpdateDeviceStatus(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.Error(err)
		return
	}

	status := stringParam(body, "status")
	if status == "" {
		c.Error(core.NewValidationError("Status is required"))
		return
	}

	device, err := h.devices.SetStatus(c.Request.Context(), c.Param("device_id"), core.DeviceStatus(status))
	if err != nil {
		c.Error(notFoundAs(err, "Device not found"))
		return
	}

	respond(c, http.StatusOK, gin.H{
		"message": "Device status updated",
		"data":    device,
	})
}

// DeleteDevice removes a device with all of its readings.
func (h *APIHandlers) DeleteDevice(c *gin.Context) {
	deviceID := c.Param("device_id")
	if err := h.devices.DeleteDevice(c.Request.Context(), deviceID); err != nil {
		c.Error(notFoundAs(err, "Device not found"))
		return
	}

	respond(c, http.StatusOK, gin.H{
		"message":   "Device deleted",
		"device_id": deviceID,
	})
}

// DeviceStats summarises the registry.
func (h *APIHandlers) DeviceStats(c *gin.Context) {
	stats, err := h.devices.Stats(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{"stats": stats})
}

// DeviceReadings returns recent readings of one device.
func (h *APIHandlers) DeviceReadings(c *gin.Context) {
	limit, err := limitQuery(c, 50)
	if err != nil {
		c.Error(err)
		return
	}
	hours, err := intQuery(c, "hours", 0)
	if err != nil {
		c.Error(err)
		return
	}

	readings, err := h.telemetry.RecentReadings(c.Request.Context(), c.Param("device_id"), c.Query("sensor_type"), limit, hours)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"data":  readings,
		"count": len(readings),
	})
}

// DeviceSummary averages every sensor of a device over a window.
func (h *APIHandlers) DeviceSummary(c *gin.Context) {
	hours, err := intQuery(c, "hours", 24)
	if err != nil {
		c.Error(err)
		return
	}

	deviceID := c.Param("device_id")
	summary, err := h.telemetry.Summary(c.Request.Context(), deviceID, hours)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"device_id":        deviceID,
		"time_range_hours": hours,
		"summary":          summary,
	})
}

func notFoundAs(err error, msg string) error {
	var be core.BusinessError
	if errors.As(err, &be) && be.Kind == core.KindNotFound {
		return be.WithMessage(msg)
	}
	return err
}
