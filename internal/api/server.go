package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/sigscope/sigscope/internal/acquisition"
	mw "github.com/sigscope/sigscope/internal/api/middleware"
	"github.com/sigscope/sigscope/internal/buildinfo"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/measurement"
	"github.com/sigscope/sigscope/internal/observability"
	"github.com/sigscope/sigscope/internal/sysinfo"
)

// SystemInfoFunc collects the host report served by /api/v1/system.
type SystemInfoFunc func(ctx context.Context) (sysinfo.Info, error)

// Server is the HTTP API over one channel list and measurement engine.
type Server struct {
	echo    *echo.Echo
	config  Config
	log     logger.Logger
	list    *acquisition.ChannelList
	engine  *measurement.Engine
	metrics *observability.Metrics
	system  SystemInfoFunc

	// cache holds rendered listings for a short TTL so that dashboards
	// polling many times per tick do not contend with the engine.
	cache *cache.Cache

	startTime time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics serves /metrics and records request telemetry.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithSystemInfo replaces the host report collector.
func WithSystemInfo(fn SystemInfoFunc) ServerOption {
	return func(s *Server) {
		s.system = fn
	}
}

// New creates the server and registers its routes. It does not listen
// until Run.
func New(cfg Config, list *acquisition.ChannelList, engine *measurement.Engine, opts ...ServerOption) (*Server, error) {
	if list == nil || engine == nil {
		return nil, fmt.Errorf("api server needs a channel list and a measurement engine")
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = DefaultSnapshotLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		config:    cfg,
		log:       GetLogger(),
		list:      list,
		engine:    engine,
		system:    sysinfo.Collect,
		cache:     cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout
	s.echo.Server.IdleTimeout = cfg.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestID())
	s.echo.Use(mw.NewRequestLogger(s.log))
	if s.metrics != nil {
		s.echo.Use(mw.NewMetrics(s.metrics.HTTP))
	}
	if s.config.BodyLimit != "" {
		s.echo.Use(echomw.BodyLimit(s.config.BodyLimit))
	}
	s.echo.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1")

	v1.GET("/streams", s.listStreams)
	v1.GET("/streams/:id", s.getStream)
	v1.POST("/streams/:id/:action", s.streamAction)
	v1.PUT("/streams/:id/buffer", s.resizeBuffers)

	v1.GET("/channels", s.listChannels)
	v1.GET("/channels/:index", s.getChannel)
	v1.PATCH("/channels/:index", s.updateChannel)
	v1.GET("/channels/:index/snapshot", s.channelSnapshot)
	v1.GET("/channels/:index/filters", s.getFilters)
	v1.PUT("/channels/:index/filters", s.setFilters)

	v1.GET("/measurements", s.listMeasurements)
	v1.POST("/measurements", s.addMeasurement)
	v1.GET("/measurements/:id", s.getMeasurement)
	v1.DELETE("/measurements/:id", s.removeMeasurement)
	v1.GET("/measurements/:id/peaks", s.measurementPeaks)

	v1.GET("/system", s.systemInfo)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run listens on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API starting", logger.String("address", s.config.Listen))
		errCh <- s.echo.Start(s.config.Listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Error("HTTP API shutdown error", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	<-errCh
	s.log.Info("HTTP API stopped")
	return nil
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	info := buildinfo.Get()
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        info.Version,
		"build_date":     info.BuildDate,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"streams":        len(s.list.Streams()),
		"channels":       s.list.Len(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}
