// Package proxy implements the HTTP handler that orchestrates filter →
// inject → translate → route → stream for every inbound
// Anthropic-compatible request (spec.md §4.9).
package proxy

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sparkmesh/clusterproxy/internal/cluster"
	"github.com/sparkmesh/clusterproxy/internal/filter"
	"github.com/sparkmesh/clusterproxy/internal/servertools"
	"github.com/sparkmesh/clusterproxy/internal/toolinject"
)

// Config carries the tunables a deployment sets once for every request
// (spec.md §4.3, §4.4, §9); no request can override them.
type Config struct {
	DefaultFilterTier filter.Tier
	MaxPromptBytes    int
	MaxTools          int
	MaxDocumentBytes  int
	RequestTimeout    time.Duration
	NormalizeSystemForBackends map[string]bool // node id -> strict-JSON backend
}

// DefaultConfig mirrors spec.md §5's resource limits.
func DefaultConfig() Config {
	return Config{
		DefaultFilterTier: filter.Aggressive,
		MaxPromptBytes:    1 << 20, // 1 MiB
		MaxTools:          64,
		MaxDocumentBytes:  10 << 20,
		RequestTimeout:    120 * time.Second,
	}
}

// Server wires the cluster manager and pipeline helpers into gin routes.
type Server struct {
	manager  *cluster.Manager
	cfg      Config
	injector toolinject.Config
	limiters *toolinject.LimiterRegistry
	searchCh servertools.Chain
}

// NewServer constructs a Server. manager must already be Initialize'd.
func NewServer(manager *cluster.Manager, cfg Config, searchChain servertools.Chain) *Server {
	return &Server{
		manager:  manager,
		cfg:      cfg,
		injector: toolinject.DefaultConfig(),
		limiters: toolinject.NewLimiterRegistry(),
		searchCh: searchChain,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	// CORS only applies to the public, browser-facing API surface. The
	// cluster-internal endpoints (breaker metrics, health, cluster
	// status) are never called cross-origin and must not advertise
	// Access-Control-Allow-Origin: * (spec.md §4.6).
	public := r.Group("/")
	public.Use(corsMiddleware())
	public.POST("/v1/messages", s.handleMessages)
	public.GET("/v1/models", s.handleModels)

	r.GET("/v1/circuit-breaker/metrics", s.handleBreakerMetrics)
	r.GET("/healthz", s.handleHealthz)
	r.GET("/v1/cluster/status", s.handleClusterStatus)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("requestID", requestID)
		c.Writer.Header().Set("X-Request-Id", requestID)

		c.Next()

		log.Printf("request_id=%s method=%s path=%s status=%d duration_ms=%d",
			requestID, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-Request-Id")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleClusterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.manager.Nodes()})
}

func (s *Server) handleBreakerMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.BreakerMetrics())
}

// requestContext applies the configured per-request deadline, rooted in
// the inbound connection's own context so a client disconnect still
// cancels everything downstream (spec.md §4.9 step 9, §5).
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}
