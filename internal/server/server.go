// Package server provides the inbound HTTP server of the gateway: a gin
// engine carrying the middleware chain, the health routes and one
// catch-all route per backend prefix.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/health"
	"github.com/vyrodovalexey/medgw/internal/middleware"
	"github.com/vyrodovalexey/medgw/internal/observability"
	"github.com/vyrodovalexey/medgw/internal/proxy"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// DefaultMaxHeaderBytes bounds inbound request headers.
const DefaultMaxHeaderBytes = 1 << 20

// Server represents the inbound HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	dispatcher *proxy.Dispatcher
	logger     observability.Logger
	tracer     trace.Tracer
	config     config.ServerConfig
	identity   config.IdentityConfig

	mu      sync.RWMutex
	running bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTracer sets the tracer for server spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// New builds the server for spec. Health routes are served by checks and
// every backend prefix is dispatched through dispatcher.
func New(spec *config.GatewaySpec, dispatcher *proxy.Dispatcher, checks *health.Handler, opts ...Option) (*Server, error) {
	ginModeOnce.Do(func() {
		if gin.Mode() != gin.TestMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	s := &Server{
		engine:     gin.New(),
		dispatcher: dispatcher,
		logger:     observability.NopLogger(),
		config:     spec.Server,
		identity:   spec.Identity,
	}
	for _, opt := range opts {
		opt(s)
	}

	// An empty list disables X-Forwarded-For trust.
	if err := s.engine.SetTrustedProxies(spec.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	s.engine.Use(
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.Tracing(s.tracer),
		middleware.Logging(s.logger),
		middleware.Identity(s.identity.UserIDHeader, s.identity.RolesHeader),
		middleware.BodyLimit(s.config.MaxBodyBytes),
	)

	if checks != nil {
		checks.RegisterRoutes(s.engine)
	}
	for _, b := range spec.Backends {
		s.registerBackend(b)
	}

	notFound := func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "No route matched the request",
		})
	}
	s.engine.NoRoute(notFound)
	s.engine.NoMethod(notFound)

	return s, nil
}

// Handler returns the HTTP handler serving all gateway routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called. It returns nil after a
// graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("server already running")
	}

	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.config.ReadTimeout.Duration(),
		ReadHeaderTimeout: s.config.ReadTimeout.Duration(),
		WriteTimeout:      s.config.WriteTimeout.Duration(),
		IdleTimeout:       s.config.IdleTimeout.Duration(),
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
	srv := s.httpServer
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.config.ReadTimeout.Duration()),
		observability.Duration("write_timeout", s.config.WriteTimeout.Duration()),
	)

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop stops the HTTP server gracefully, waiting for in-flight requests
// until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	start := time.Now()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("HTTP server stopped", observability.Duration("drain", time.Since(start)))
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
