package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/internal/node"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int   // 0 disables rate limiting
	MaxBodyBytes int64 // 0 means 1 MiB
}

// NewRouter builds the node's HTTP router: health and metrics endpoints at
// the root, node operations under /api/v1. ctx bounds background work owned
// by the middleware.
func NewRouter(ctx context.Context, n *node.Node, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
			ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	maxBody := cfg.MaxBodyBytes
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitRPS*2, peerRoutes...))
	}

	router.Use(requestLogger(logger))
	router.Use(PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"node":   n.ID(),
			"length": n.Ledger().Len(),
		})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	NewNodeHandler(n, logger).Register(v1)

	return router
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

// requestLogger logs each request with zap and tags it with an X-Request-ID,
// reusing the caller's when present.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)

		c.Next()

		logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
