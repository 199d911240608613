package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"example.com/backstage/services/iotserver/internal/core"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing the caller's when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		entry := logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"request_id": c.GetString("request_id"),
			"user_agent": c.Request.UserAgent(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP Request")
			return
		}
		entry.Info("HTTP Request")
	}
}

// ErrorHandler renders errors attached with c.Error as {success:false, error, code}.
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var be core.BusinessError
		switch {
		case errors.As(err, &be) && be.Kind != core.KindInternal:
			c.JSON(statusFor(be.Kind), gin.H{
				"success": false,
				"error":   be.Message,
				"code":    be.Code,
			})
		default:
			logger.WithError(err).WithFields(logrus.Fields{
				"path":       c.Request.URL.Path,
				"request_id": c.GetString("request_id"),
			}).Error("Request failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "internal server error",
				"code":    core.ErrInternal.Code,
			})
		}
	}
}

func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindValidation, core.KindCapacityExceeded:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// CORS enables cross-origin requests. An empty origin list allows every origin.
func CORS(origins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AddAllowHeaders("Authorization", requestIDHeader)
	corsConfig.ExposeHeaders = []string{requestIDHeader}
	corsConfig.MaxAge = 5 * time.Minute
	return cors.New(corsConfig)
}

// rateLimitClients bounds how many client IPs the limiter remembers.
const rateLimitClients = 10000

// RateLimiter allows requestsPerMinute requests per client IP in a fixed
// one-minute window. A non-positive limit disables it.
func RateLimiter(requestsPerMinute int) gin.HandlerFunc {
	return newRateLimiter(requestsPerMinute, rateLimitClients, time.Now).handle
}

// rateLimiter keeps the windows of the most recently seen clients. A client
// pushed out of the table starts a fresh window.
type rateLimiter struct {
	limit   int
	now     func() time.Time
	mu      sync.Mutex
	clients *lru.Cache[string, *rateLimitClient]
}

type rateLimitClient struct {
	lastReset time.Time
	requests  int
}

func newRateLimiter(requestsPerMinute, maxClients int, now func() time.Time) *rateLimiter {
	if maxClients < 1 {
		maxClients = 1
	}
	clients, err := lru.New[string, *rateLimitClient](maxClients)
	if err != nil {
		panic(err)
	}
	return &rateLimiter{
		limit:   requestsPerMinute,
		now:     now,
		clients: clients,
	}
}

func (l *rateLimiter) handle(c *gin.Context) {
	if l.limit <= 0 {
		c.Next()
		return
	}

	if retryAfter, ok := l.allow(c.ClientIP()); !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success":     false,
			"error":       "rate limit exceeded",
			"retry_after": retryAfter,
		})
		return
	}
	c.Next()
}

// allow counts one request of clientIP. When the window is used up it
// returns the seconds until the window resets.
func (l *rateLimiter) allow(clientIP string) (int, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	client, exists := l.clients.Get(clientIP)
	if !exists || now.Sub(client.lastReset) > time.Minute {
		client = &rateLimitClient{lastReset: now}
		l.clients.Add(clientIP, client)
	}
	if client.requests >= l.limit {
		return 60 - int(now.Sub(client.lastReset).Seconds()), false
	}
	client.requests++
	return 0, true
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   "internal server error",
				})
			}
		}()
		c.Next()
	}
}
