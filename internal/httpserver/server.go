// Package httpserver exposes the classwatch status and control API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/clock"
	"github.com/classwatch/classwatch/internal/dutycycle"
	cwerrors "github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/model"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// Config holds the listener settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    string
}

// DefaultConfig returns the default listener settings.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BodyLimit:    "64K",
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PhaseControl is the duty-cycle surface used by the API.
type PhaseControl interface {
	Status() dutycycle.Status
	SetForced(forced bool) dutycycle.Phase
}

// ModelState reports model residency.
type ModelState interface {
	State() model.State
}

// Capturer runs manual captures and reports pipeline counters.
type Capturer interface {
	TriggerNow(ctx context.Context) (pipeline.CaptureEvent, error)
	Status() pipeline.Status
}

// WindowFinder resolves class periods and detection windows.
type WindowFinder interface {
	PeriodAt(t time.Time) (calendar.Period, bool)
	NextWindow(t time.Time) (calendar.ActiveWindow, bool)
}

// RecentEvents lists the latest capture events, newest last.
type RecentEvents interface {
	Events() []pipeline.CaptureEvent
}

// Deps are the components served by the API. Recent and Metrics are optional.
type Deps struct {
	Phases   PhaseControl
	Model    ModelState
	Pipeline Capturer
	Calendar WindowFinder
	Recent   RecentEvents
	Metrics  http.Handler
	Clock    clock.Clock
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the HTTP API server.
type Server struct {
	echo      *echo.Echo
	cfg       Config
	deps      Deps
	log       logger.Logger
	startTime time.Time
	done      chan error
}

// New creates a server with its routes registered. It does not listen.
func New(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Phases == nil || deps.Model == nil || deps.Pipeline == nil || deps.Calendar == nil {
		return nil, cwerrors.Newf("httpserver requires phases, model, pipeline and calendar").
			Component("httpserver").
			Category(cwerrors.CategoryConfiguration).
			Build()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = DefaultConfig().BodyLimit
	}

	s := &Server{cfg: cfg, deps: deps, done: make(chan error, 1)}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = GetLogger()
	}
	s.startTime = deps.Clock.Now()

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
	s.echo.Use(newRequestLogger(s.log.Module("request")))
	s.echo.Use(echomw.BodyLimit(s.cfg.BodyLimit))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)
	api.GET("/events", s.getEvents)
	api.POST("/forced", s.setForced)
	api.POST("/capture", s.triggerCapture)

	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start begins serving in a background goroutine and returns immediately.
func (s *Server) Start() {
	addr := s.cfg.Address()
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server stopped", logger.String("address", addr), logger.Error(err))
			s.done <- fmt.Errorf("http server: %w", err)
		}
		close(s.done)
	}()
	s.log.Info("HTTP server starting", logger.String("address", addr))
}

// Done yields the listener error, if any, and is closed when serving stops.
func (s *Server) Done() <-chan error {
	return s.done
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return cwerrors.New(err).
			Component("httpserver").
			Category(cwerrors.CategoryHTTP).
			Build()
	}
	s.log.Info("HTTP server stopped")
	return nil
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := s.deps.Clock.Now().Sub(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
	})
}
