package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/soundprediction/lettuce/pkg/server/dto"
	"github.com/soundprediction/lettuce/pkg/types"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// contextMiddleware tags the request context with a request id and source.
// A caller-supplied X-Request-ID is kept; otherwise a new one is generated.
func contextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := context.WithValue(c.Request.Context(), types.ContextKeyRequestID, requestID)
		ctx = context.WithValue(ctx, types.ContextKeyRequestSource, "server")

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// timeoutMiddleware bounds the request context.
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// rateLimitMiddleware rejects requests beyond a shared token bucket.
func rateLimitMiddleware(limiter *rate.Limiter, onLimited func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			if onLimited != nil {
				onLimited()
			}
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.ErrorResponse{
				Error:   "rate_limited",
				Message: "too many requests",
				Code:    http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}
