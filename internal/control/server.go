package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marketwatch/anomaly-engine/internal/middleware"
	"github.com/redis/go-redis/v9"
)

// Config configures the control plane's HTTP address and auth secret.
type Config struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Server is the read-only HTTP/websocket control plane. It serves
// snapshot-backed counters and stats endpoints and a live feed; it never
// acquires a lock owned by the pipeline or registry.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	snapshotter *Snapshotter
}

// NewServer builds the gin router: JWT bearer auth (skipped entirely when
// cfg.JWTSecret is empty), Sentry tracing, Redis-or-local rate limiting,
// and the four read-only routes.
func NewServer(cfg Config, snapshotter *Snapshotter, redisClient *redis.Client, logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	hub := NewHub(logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TelemetryMiddleware())

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig(), redisClient, nil)
	router.Use(limiter.Middleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := router.Group("/v1")
	v1.Use(requireBearerToken(cfg.JWTSecret))
	{
		v1.GET("/counters", func(c *gin.Context) {
			c.JSON(http.StatusOK, snapshotter.Current().Counters)
		})
		v1.GET("/instruments/:key/stats", func(c *gin.Context) {
			stats, ok := snapshotter.InstrumentStats(c.Param("key"))
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
				return
			}
			c.JSON(http.StatusOK, stats)
		})
		v1.GET("/anomalies/recent", func(c *gin.Context) {
			c.JSON(http.StatusOK, snapshotter.Current().RecentAnomalies)
		})
		v1.GET("/stream", hub.ServeWebSocket)
	}

	return &Server{
		httpServer:  &http.Server{Addr: cfg.Addr, Handler: router},
		hub:         hub,
		snapshotter: snapshotter,
	}
}

// Hub exposes the websocket feed so the pipeline's event/anomaly
// observers can be wired to it directly, in addition to the snapshotter's
// anomaly ring.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the HTTP server in a background goroutine. It returns
// immediately; use Stop for graceful shutdown.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop gracefully shuts down the HTTP server and the websocket hub.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
