// Package server exposes the detector over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soundprediction/lettuce"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/server/handlers"
)

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	router   *gin.Engine
	detector lettuce.HallucinationDetector
	server   *http.Server
	logger   *slog.Logger
	registry *prometheus.Registry
}

// New creates a new server instance
func New(cfg *config.Config, detector lettuce.HallucinationDetector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		detector: detector,
		logger:   logger,
	}
}

// Setup sets up the server routes and middleware
func (s *Server) Setup() {
	if s.config.Server.Mode != "" {
		gin.SetMode(s.config.Server.Mode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(contextMiddleware())

	var metrics *httpMetrics
	if s.config.Telemetry.Metrics {
		s.registry = prometheus.NewRegistry()
		metrics = newHTTPMetrics(s.registry)
		s.router.Use(metrics.middleware())
	}
	if gin.Mode() != gin.TestMode {
		s.router.Use(gin.Logger())
	}

	s.setupRoutes(metrics)

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
}

// setupRoutes sets up all the routes
func (s *Server) setupRoutes(metrics *httpMetrics) {
	healthHandler := handlers.NewHealthHandler(s.detector)
	detectHandler := handlers.NewDetectHandler(s.detector, s.logger)

	// Health endpoints
	s.router.GET("/health", healthHandler.HealthCheck)
	s.router.GET("/healthcheck", healthHandler.HealthCheck) // Legacy endpoint
	s.router.GET("/ready", healthHandler.ReadinessCheck)
	s.router.GET("/live", healthHandler.LivenessCheck) // Kubernetes liveness probe
	s.router.GET("/health/detailed", healthHandler.DetailedHealthCheck)

	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	detect := []gin.HandlerFunc{timeoutMiddleware(s.config.Server.RequestTimeout)}
	if rl := s.config.RateLimit; rl.Enabled {
		var onLimited func()
		if metrics != nil {
			onLimited = metrics.limited.Inc
		}
		limiter := rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst)
		detect = append([]gin.HandlerFunc{rateLimitMiddleware(limiter, onLimited)}, detect...)
	}

	// Routes of the original service and the /v1 paths used by its client
	for _, prefix := range []string{"", "/v1"} {
		g := s.router.Group(prefix+"/lettucedetect", detect...)
		g.POST("/token", detectHandler.DetectTokens)
		g.POST("/spans", detectHandler.DetectSpans)
	}
}

// Handler returns the configured router. Setup must have been called.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("Server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server")
	return s.server.Shutdown(ctx)
}
