package bridge

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options configures NewRouter.
type Options struct {
	CORSOrigins  []string
	RateLimitRPS int    // per client IP; 0 disables limiting
	JWTSecret    string // HS256 secret guarding /api/v1; empty disables auth

	// Registry receives the bridge metrics and is served at /metrics.
	// A private registry is created when nil.
	Registry *prometheus.Registry

	// Done stops background goroutines started by the router.
	Done <-chan struct{}
}

// NewRouter builds the bridge's Gin engine around api.
func NewRouter(api API, opts Options, logger *zap.Logger) *gin.Engine {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := newMetrics(reg)

	router := gin.New()
	router.Use(gin.Recovery())

	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     opts.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(opts.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(securityHeaders())
	router.Use(m.middleware())
	router.Use(bodyLimit())

	if opts.RateLimitRPS > 0 {
		router.Use(RateLimiter(opts.RateLimitRPS, opts.RateLimitRPS*2, opts.Done))
	}

	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metricsHandler(reg))

	v1 := router.Group("/api/v1", RequireBearer(opts.JWTSecret))
	NewHandler(api, logger).Register(v1)

	return router
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Request body limits. Multipart uploads get their own, larger cap.
const (
	maxBodyBytes   = 1 << 20
	maxUploadBytes = 64 << 20
)

func bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := int64(maxBodyBytes)
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			limit = maxUploadBytes
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("caller", CallerSubject(c)),
		)
	}
}
