// Package admin serves the broker's HTTP side: health and readiness probes,
// Prometheus metrics, routing and session snapshots, and STOMP over
// WebSocket.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/stompd/internal/broker"
	"github.com/danmuck/stompd/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Config struct {
	Addr        string
	CORSOrigins []string
	// WebSocketPath mounts STOMP over WebSocket, "/stomp" when empty.
	WebSocketPath string
	// DisableWebSocket leaves the WebSocket route unmounted.
	DisableWebSocket bool
	ShutdownTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8161",
		WebSocketPath:   "/stomp",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Broker is the part of broker.Service the admin surface reads.
type Broker interface {
	Router() *broker.Router
	ActiveSessions() int
	Sessions() []broker.SessionInfo
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
}

type Server struct {
	cfg     Config
	broker  Broker
	router  *gin.Engine
	started time.Time
}

func NewServer(cfg Config, b Broker) *Server {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if strings.TrimSpace(cfg.WebSocketPath) == "" {
		cfg.WebSocketPath = def.WebSocketPath
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("admin"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, broker: b, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "stompd",
			"version":   version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.broker != nil
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.started).String(),
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// A single destination is selected with ?name= since destinations
	// usually contain slashes.
	s.router.GET("/destinations", func(c *gin.Context) {
		if !s.available(c) {
			return
		}
		routes := s.broker.Router().Snapshot()
		name, ok := c.GetQuery("name")
		if !ok {
			c.JSON(http.StatusOK, gin.H{"destinations": routes})
			return
		}
		for _, route := range routes {
			if route.Destination == name {
				c.JSON(http.StatusOK, route)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "destination not found"})
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		if !s.available(c) {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"active":   s.broker.ActiveSessions(),
			"sessions": s.broker.Sessions(),
		})
	})

	if !s.cfg.DisableWebSocket && s.broker != nil {
		s.router.GET(s.cfg.WebSocketPath, gin.WrapF(s.broker.ServeWebSocket))
	}
}

func (s *Server) available(c *gin.Context) bool {
	if s.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker not attached"})
		return false
	}
	return true
}

// Run serves until ctx is done, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin.Server.Run listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin.Server.Run shutdown")
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
