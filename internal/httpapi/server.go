// Package httpapi serves the read-side feed endpoints. All story ordering and
// diversification happens here in application code; the store is queried with
// time-window predicates only.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/newswire/internal/metrics"
	"horse.fit/newswire/internal/store"
)

// Options configure the HTTP server. Zero values take the defaults applied in
// NewServer.
type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AdminToken gates /admin/metrics. Empty disables the endpoint.
	AdminToken string
	// FeedWindow bounds the story query predicate.
	FeedWindow time.Duration
	// CacheTTL bounds staleness of cached feed responses.
	CacheTTL time.Duration
}

// Pinger reports backing-store liveness for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	stories  *store.Stories
	registry *metrics.Registry
	pinger   Pinger
	cache    *responseCache
	logger   zerolog.Logger
	opts     Options
}

func NewServer(stories *store.Stories, registry *metrics.Registry, pinger Pinger, logger zerolog.Logger, opts Options) *Server {
	if strings.TrimSpace(opts.Host) == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.FeedWindow <= 0 {
		opts.FeedWindow = 7 * 24 * time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	return &Server{
		stories:  stories,
		registry: registry,
		pinger:   pinger,
		cache:    newResponseCache(opts.CacheTTL),
		logger:   logger.With().Str("component", "httpapi").Logger(),
		opts:     opts,
	}
}

// Handler builds the routed echo instance. Split from Start so tests can
// exercise the full middleware stack without binding a port.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := s.logger.Info()
			if v.Error != nil {
				evt = s.logger.Error().Err(v.Error)
			}
			evt.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealthz)
	e.GET("/feed", s.handleFeed)
	e.GET("/feed/last-modified", s.handleLastModified)
	e.GET("/breaking", s.handleBreaking)
	e.GET("/story/:id", s.handleStory)
	e.GET("/story/:id/sources", s.handleStorySources)
	e.GET("/admin/metrics", s.handleAdminMetrics)

	return e
}

// Start serves until the context ends, then shuts down within the configured
// timeout.
func (s *Server) Start(ctx context.Context) error {
	e := s.Handler()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("feed api started")
	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("feed api stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok && strings.TrimSpace(msg) != "" {
			message = msg
		} else if text := http.StatusText(status); text != "" {
			message = text
		}
	}
	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message)
}
