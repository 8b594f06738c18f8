package api

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/basekick-labs/deltat/internal/logger"
	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

var startTime = time.Now()

// Server is the HTTP API server
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	addr   string

	tlsCert string
	tlsKey  string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxPayloadSize int64
	TLSCertFile    string // TLS is served when both files are set
	TLSKeyFile     string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:           8086,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxPayloadSize: 100 * 1024 * 1024,
	}
}

// NewServer creates the Fiber app with the common middleware and the
// operational routes (health, readiness, metrics, logs).
func NewServer(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 120 * time.Second
	}
	bodyLimit := int(config.MaxPayloadSize)
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		AppName:               "deltat",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Content-Encoding",
	}))
	app.Use(securityHeaders())
	app.Use(requestLogger(logger))

	s := &Server{
		app:     app,
		logger:  logger.With().Str("component", "api-server").Logger(),
		addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		tlsCert: config.TLSCertFile,
		tlsKey:  config.TLSKeyFile,
	}

	app.Get("/health", s.healthHandler)
	app.Get("/ready", s.readyHandler)
	app.Get("/metrics", s.metricsHandler)
	app.Get("/api/v1/metrics", s.apiMetricsHandler)
	app.Get("/api/v1/logs", s.logsHandler)

	return s
}

// App returns the underlying Fiber app for registering handlers
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Bool("tls", s.tlsCert != "").Msg("Starting HTTP server")

	go func() {
		var err error
		if s.tlsCert != "" && s.tlsKey != "" {
			err = s.app.ListenTLS(s.addr, s.tlsCert, s.tlsKey)
		} else {
			err = s.app.Listen(s.addr)
		}
		if err != nil {
			s.logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

func (s *Server) readyHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(startTime).Seconds(),
	})
}

// metricsHandler serves Prometheus text unless JSON is asked for
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	if c.Get(fiber.HeaderAccept) == fiber.MIMEApplicationJSON {
		return c.JSON(m.Snapshot())
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := metrics.Get().Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	snapshot["goroutines"] = runtime.NumGoroutine()
	return c.JSON(snapshot)
}

// logsHandler returns recent log lines: ?limit=100&level=warn&since_minutes=60
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	sinceMinutes := 60
	if sm, err := strconv.Atoi(c.Query("since_minutes")); err == nil && sm > 0 && sm <= 1440 {
		sinceMinutes = sm
	}
	level := c.Query("level")

	entries := logger.Recent().Query(limit, level, time.Now().Add(-time.Duration(sinceMinutes)*time.Minute))

	return c.JSON(fiber.Map{
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger records HTTP metrics and logs failed requests only
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		m := metrics.Get()
		m.IncHTTPRequests()
		m.RecordHTTPLatency(duration.Microseconds())
		if status >= 400 {
			m.IncHTTPError()
			ev := logger.Warn()
			if status >= 500 {
				ev = logger.Error()
			}
			ev.Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", duration).
				Str("ip", c.IP()).
				Msg("HTTP request failed")
		} else {
			m.IncHTTPSuccess()
		}

		return err
	}
}
