package api

import (
	"example.com/backstage/services/iotserver/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouteOptions tunes the global middleware.
type RouteOptions struct {
	RateLimitPerMinute int
	CORSOrigins        []string
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, opts RouteOptions, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestID())
	router.Use(RequestLogger(logger))
	router.Use(CORS(opts.CORSOrigins))
	router.Use(ErrorHandler(logger))

	router.NoRoute(handlers.NotFound)
	router.GET("/health", handlers.HealthCheck)

	apiGroup := router.Group("/api")
	apiGroup.Use(RateLimiter(opts.RateLimitPerMinute))
	apiGroup.GET("", handlers.APIInfo)

	// Generic device management
	devices := apiGroup.Group("/devices")
	{
		devices.GET("", handlers.ListDevices)
		devices.POST("", handlers.RegisterDevice)
		devices.GET("/stats", handlers.DeviceStats)
		devices.GET("/:device_id", handlers.GetDevice)
		devices.DELETE("/:device_id", handlers.DeleteDevice)
		devices.PUT("/:device_id/status", handlers.UpdateDeviceStatus)
		devices.GET("/:device_id/data", handlers.DeviceReadings)
		devices.GET("/:device_id/data/summary", handlers.DeviceSummary)
	}

	// Readings
	data := apiGroup.Group("/data")
	{
		data.POST("", handlers.AddReading)
		data.POST("/batch", handlers.AddBatch)
		data.GET("/query", handlers.QueryReadings)
		data.GET("/latest", handlers.LatestReadings)
		data.GET("/statistics", handlers.ReadingStatistics)
	}

	// micro:bit
	microbit := apiGroup.Group("/microbit")
	{
		microbit.POST("/register", handlers.Register(core.DeviceTypeMicrobit))
		microbit.POST("/heartbeat", handlers.Heartbeat(core.DeviceTypeMicrobit))
		microbit.GET("/heartbeat", handlers.Heartbeat(core.DeviceTypeMicrobit))
		microbit.POST("/data", handlers.UploadData(core.DeviceTypeMicrobit))
		microbit.POST("/command", handlers.MicrobitCommand)
		microbit.GET("/status/:device_id", handlers.ClassStatus(core.DeviceTypeMicrobit))
		microbit.GET("/devices", handlers.ClassDevices(core.DeviceTypeMicrobit))
	}

	// ESP32
	esp32 := apiGroup.Group("/esp32")
	{
		esp32.POST("/register", handlers.Register(core.DeviceTypeESP32))
		esp32.POST("/heartbeat", handlers.Heartbeat(core.DeviceTypeESP32))
		esp32.GET("/heartbeat", handlers.Heartbeat(core.DeviceTypeESP32))
		esp32.POST("/data", handlers.UploadData(core.DeviceTypeESP32))
		esp32.POST("/control", handlers.ESP32Control)
		esp32.GET("/config/:device_id", handlers.GetESP32Config)
		esp32.PUT("/config/:device_id", handlers.UpdateESP32Config)
		esp32.GET("/status/:device_id", handlers.ClassStatus(core.DeviceTypeESP32))
		esp32.GET("/devices", handlers.ClassDevices(core.DeviceTypeESP32))
		esp32.POST("/firmware", handlers.ESP32Firmware)
	}

	// Radio gateway relaying for micro:bits
	gateway := apiGroup.Group("/gateway")
	{
		gateway.POST("/register", handlers.Register(core.DeviceTypeGateway))
		gateway.POST("/heartbeat", handlers.Heartbeat(core.DeviceTypeGateway))
		gateway.GET("/heartbeat", handlers.Heartbeat(core.DeviceTypeGateway))
		gateway.GET("/devices", handlers.ClassDevices(core.DeviceTypeGateway))
	}
}
