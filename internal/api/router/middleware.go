package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey is the gin context key carrying the request id.
const RequestIDKey = "request_id"

// RequestIDMiddleware assigns each request a UUID, echoed back in the
// X-Request-ID header, so server-side log lines can be correlated.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Calculate latency
		latency := time.Since(start)

		// Log request details
		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("request_id", c.GetString(RequestIDKey)),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

		// Log errors if any
		if len(c.Errors) > 0 {
			for _, e := range c.Errors {
				logger.Error("Request error",
					slog.String("error", e.Error()),
					slog.String("request_id", c.GetString(RequestIDKey)),
				)
			}
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// rateLimiter keeps a sliding window of request timestamps per client.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	calls   int
	period  time.Duration
	now     func() time.Time
}

func newRateLimiter(calls, periodSeconds int) *rateLimiter {
	if periodSeconds <= 0 {
		periodSeconds = 60
	}
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		calls:   calls,
		period:  time.Duration(periodSeconds) * time.Second,
		now:     time.Now,
	}
}

// allow records the request if the client is under the limit and reports
// the remaining budget.
func (l *rateLimiter) allow(clientID string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.period)

	recent := l.clients[clientID][:0]
	for _, t := range l.clients[clientID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.calls {
		l.clients[clientID] = recent
		return false, 0
	}

	l.clients[clientID] = append(recent, now)
	return true, l.calls - len(l.clients[clientID])
}

// RateLimitMiddleware enforces an in-memory per-client sliding window.
// Health checks are exempt.
func RateLimitMiddleware(logger *slog.Logger, calls, periodSeconds int) gin.HandlerFunc {
	limiter := newRateLimiter(calls, periodSeconds)

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		clientID := c.ClientIP()
		allowed, remaining := limiter.allow(clientID)

		c.Writer.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", calls))
		c.Writer.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			logger.Warn("Rate limit exceeded",
				slog.String("client", clientID),
				slog.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": "too many requests, retry later",
			})
			return
		}

		c.Next()
	}
}
