package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/lettuce"
	"github.com/soundprediction/lettuce/pkg/nlp"
)

// Build information - can be set at build time using ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

const serviceName = "lettuce"

// HealthHandler handles health check requests
type HealthHandler struct {
	detector lettuce.HallucinationDetector
	started  time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(d lettuce.HallucinationDetector) *HealthHandler {
	return &HealthHandler{
		detector: d,
		started:  time.Now(),
	}
}

// HealthCheck handles GET /health - basic liveness check
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// ReadinessCheck handles GET /ready. The service is ready once a detector is
// installed and its classifier backend answers.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	response := gin.H{
		"status":    "ready",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}

	allHealthy := true
	if h.detector == nil {
		checks["classifier"] = gin.H{
			"status": "unhealthy",
			"error":  "detector not initialized",
		}
		allHealthy = false
	} else if withClassifier, ok := h.detector.(interface{ Classifier() nlp.Classifier }); ok {
		start := time.Now()
		classifier := withClassifier.Classifier()
		status := gin.H{
			"status": "healthy",
			"name":   classifier.Name(),
		}
		if err := nlp.CheckHealth(ctx, classifier); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			allHealthy = false
		}
		status["duration"] = time.Since(start).String()
		checks["classifier"] = status
	}

	checks["system"] = gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}

	if !allHealthy {
		response["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// LivenessCheck handles GET /live - Kubernetes liveness probe endpoint
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// DetailedHealthCheck handles GET /health/detailed - build and runtime information
func (h *HealthHandler) DetailedHealthCheck(c *gin.Context) {
	m := getSystemMetrics()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": Version,
		"build_info": gin.H{
			"git_commit": GitCommit,
			"build_time": BuildTime,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"environment": gin.H{
			"go_version": GoVersion,
		},
		"system": m,
	})
}

// SystemMetrics holds system runtime metrics
type SystemMetrics struct {
	MemoryUsage string `json:"memory_usage"`
	Goroutines  int    `json:"goroutines"`
	GCCycles    uint32 `json:"gc_cycles"`
	HeapObjects uint64 `json:"heap_objects"`
	StackUsage  string `json:"stack_usage"`
}

// getSystemMetrics collects current system runtime metrics
func getSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		MemoryUsage: fmt.Sprintf("%.2f MB", float64(m.Alloc)/(1024*1024)),
		Goroutines:  runtime.NumGoroutine(),
		GCCycles:    m.NumGC,
		HeapObjects: m.HeapObjects,
		StackUsage:  fmt.Sprintf("%.2f MB", float64(m.StackSys)/(1024*1024)),
	}
}
