// Package api exposes the attendance service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beaconattend/internal/attendance"
	"beaconattend/internal/auth"
	"beaconattend/internal/export"
	"beaconattend/internal/httpmiddleware"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Config wires the router.
type Config struct {
	SigningKey      string
	Issuer          string
	AuthRequired    bool
	RateLimitPerMin int
	RateLimitBurst  int
	HealthChecks    map[string]HealthCheck
}

// Handler serves the attendance routes.
type Handler struct {
	svc      *attendance.Service
	exporter *export.Exporter
}

// NewHandler creates the route handlers.
func NewHandler(svc *attendance.Service) *Handler {
	return &Handler{svc: svc, exporter: export.New(svc)}
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(svc *attendance.Service, cfg Config) *gin.Engine {
	h := NewHandler(svc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.Metrics())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", healthz(cfg.HealthChecks))
	r.GET("/health", healthz(cfg.HealthChecks))

	apiGroup := r.Group("/api",
		httpmiddleware.NewIPRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst).GinMiddleware(),
		auth.Middleware(cfg.SigningKey, cfg.Issuer, cfg.AuthRequired),
	)
	instructor := auth.RequireRole(auth.RoleInstructor)

	apiGroup.POST("/session/start", instructor, h.startSession)
	apiGroup.PUT("/session/end/:session_id", instructor, h.endSession)
	apiGroup.GET("/session/status/:session_id", h.sessionStatus)
	apiGroup.GET("/sessions/active", h.activeSessions)

	apiGroup.POST("/attendance/checkin", auth.RequireRole(auth.RoleStudent), h.checkIn)
	apiGroup.GET("/attendance/list/:session_id", instructor, h.sessionRecords)
	apiGroup.GET("/attendance/student/:student_id", h.studentRecords)
	apiGroup.GET("/attendance/export/:session_id", instructor, h.exportSession)

	apiGroup.POST("/beacon/validate", h.validateBeacon)

	return r
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, check := range checks {
			healthy := check(ctx)
			body[name] = healthy
			if !healthy {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}
