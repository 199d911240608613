package api

import (
	"fmt"
	"net/http"

	"example.com/backstage/services/iotserver/internal/core"
	"github.com/gin-gonic/gin"
)

// --- Device class endpoints (/api/microbit, /api/esp32, /api/gateway) ---

// Register creates or refreshes a device of class. device_id and name may be
// given in the query string instead of the body.
func (h *APIHandlers) Register(class core.DeviceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			c.Error(err)
			return
		}
		h.register(c, class, body)
	}
}

func (h *APIHandlers) register(c *gin.Context, class core.DeviceType, body map[string]interface{}) {
	fillFromQuery(c, body, "device_id", "name")

	device, created, err := h.devices.Register(c.Request.Context(), class, body)
	if err != nil {
		c.Error(err)
		return
	}

	// device firmware treats anything but 200 as a failed registration
	respond(c, http.StatusOK, gin.H{
		"message":     fmt.Sprintf("%s device registered successfully", class.DisplayName()),
		"device":      device,
		"created":     created,
		"assigned_id": device.DeviceID,
		"server_time": h.serverTime(),
	})
}

// Heartbeat accepts the device id from the body (POST) or query string (GET).
func (h *APIHandlers) Heartbeat(class core.DeviceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			c.Error(err)
			return
		}
		fillFromQuery(c, body, "device_id")

		deviceID := stringParam(body, "device_id")
		if deviceID == "" {
			c.Error(core.ErrMissingDeviceID)
			return
		}

		_, configUpdated, err := h.devices.Heartbeat(c.Request.Context(), core.HeartbeatFromBody(class, deviceID, body))
		if err != nil {
			c.Error(err)
			return
		}

		respond(c, http.StatusOK, gin.H{
			"device_id":      deviceID,
			"status":         core.DeviceStatusOnline,
			"server_time":    h.serverTime(),
			"config_updated": configUpdated,
		})
	}
}

// UploadData stores a class payload as individual readings.
func (h *APIHandlers) UploadData(class core.DeviceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			c.Error(err)
			return
		}

		deviceID := stringParam(body, "device_id")
		saved, err := h.telemetry.UploadPayload(c.Request.Context(), class, deviceID, body)
		if err != nil {
			c.Error(err)
			return
		}

		respond(c, http.StatusOK, gin.H{
			"message":     fmt.Sprintf("Uploaded %d sensor readings", len(saved)),
			"device_id":   deviceID,
			"data_count":  len(saved),
			"server_time": h.serverTime(),
		})
	}
}

// ESP32Control validates a control action for an ESP32.
func (h *APIHandlers) ESP32Control(c *gin.Context) {
	h.command(c, core.DeviceTypeESP32, "action", "control_data")
}

// MicrobitCommand validates a display or sound command for a micro:bit.
func (h *APIHandlers) MicrobitCommand(c *gin.Context) {
	h.command(c, core.DeviceTypeMicrobit, "command", "command_data")
}

func (h *APIHandlers) command(c *gin.Context, class core.DeviceType, nameKey, resultKey string) {
	body, err := readBody(c)
	if err != nil {
		c.Error(err)
		return
	}

	deviceID := stringParam(body, "device_id")
	name := stringParam(body, nameKey)
	if deviceID == "" || name == "" {
		c.Error(core.NewValidationError("device_id and %s are required", nameKey))
		return
	}

	cmd, err := h.devices.Command(c.Request.Context(), class, deviceID, name, body)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"message": fmt.Sprintf("Command %q accepted for device", name),
		resultKey: gin.H{
			"command_id": cmd.CommandID,
			nameKey:      cmd.Name,
			"device_id":  cmd.DeviceID,
			"timestamp":  cmd.Timestamp,
			"parameters": cmd.Parameters,
		},
	})
}

// GetESP32Config returns the stored config of an ESP32.
func (h *APIHandlers) GetESP32Config(c *gin.Context) {
	deviceID := c.Param("device_id")
	device, err := h.devices.GetClassDevice(c.Request.Context(), deviceID, core.DeviceTypeESP32)
	if err != nil {
		c.Error(err)
		return
	}

	config := device.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	respond(c, http.StatusOK, gin.H{
		"device_id":   deviceID,
		"config":      config,
		"server_time": h.serverTime(),
	})
}

// UpdateESP32Config merges the "config" object of the body into the stored config.
func (h *APIHandlers) UpdateESP32Config(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.Error(err)
		return
	}

	partial := map[string]interface{}{}
	if raw, present := body["config"]; present && raw != nil {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			c.Error(core.NewValidationError("config must be an object"))
			return
		}
		partial = obj
	}

	deviceID := c.Param("device_id")
	device, err := h.devices.UpdateConfig(c.Request.Context(), deviceID, core.DeviceTypeESP32, partial)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"message":   "Configuration updated",
		"device_id": deviceID,
		"config":    device.Config,
	})
}

// ClassStatus returns the newest value of every sensor of a class device.
func (h *APIHandlers) ClassStatus(class core.DeviceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		device, err := h.devices.GetClassDevice(c.Request.Context(), c.Param("device_id"), class)
		if err != nil {
			c.Error(err)
			return
		}

		view, err := h.telemetry.ClassStatus(c.Request.Context(), device)
		if err != nil {
			c.Error(err)
			return
		}

		body := gin.H{
			"device":          view.Device,
			"sensor_readings": view.SensorReadings,
			"server_time":     h.serverTime(),
		}
		if view.SystemStatus != nil {
			body["system_status"] = view.SystemStatus
		}
		respond(c, http.StatusOK, body)
	}
}

// ClassDevices lists the devices of class with their latest readings.
func (h *APIHandlers) ClassDevices(class core.DeviceType) gin.HandlerFunc {
	return func(c *gin.Context) {
		devices, err := h.telemetry.ClassDevices(c.Request.Context(), class)
		if err != nil {
			c.Error(err)
			return
		}

		respond(c, http.StatusOK, gin.H{
			"devices":     devices,
			"count":       len(devices),
			"max_devices": h.devices.Limit(class),
		})
	}
}

// ESP32Firmware records the firmware version an ESP32 reports.
func (h *APIHandlers) ESP32Firmware(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.Error(err)
		return
	}

	deviceID := stringParam(body, "device_id")
	if deviceID == "" {
		c.Error(core.ErrMissingDeviceID)
		return
	}
	version := stringParam(body, "firmware_version")
	if version == "" {
		c.Error(core.NewValidationError("firmware_version is required"))
		return
	}

	update, err := h.devices.RecordFirmware(c.Request.Context(), deviceID, version)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"message":          "Firmware version updated",
		"device_id":        update.DeviceID,
		"firmware_version": update.FirmwareVersion,
		"previous_version": update.PreviousVersion,
		"upgrade":          update.Upgrade,
	})
}
