package http

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"apigen/internal/config"
	"apigen/internal/metrics"
	"apigen/internal/registry"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	reg    *registry.Registry
	logger *slog.Logger
}

func NewServer(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Inject the registry into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("registry", reg)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, c.Route().Path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	app.Get("/health", healthHandler)

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	app.Get("/api/data/:endpoint_id", dataHandler)
	app.Get("/api/endpoints", listEndpointsHandler)
	app.Delete("/api/endpoints/:endpoint_id", deleteEndpointHandler)

	return &Server{
		app:    app,
		config: cfg,
		reg:    reg,
		logger: logger,
	}
}

// BindListener binds to the configured port, falling back over successive
// ports on a bind conflict. It returns the listener and the port actually
// bound so access URLs can be composed before the server starts serving.
func BindListener(cfg *config.Config) (net.Listener, int, error) {
	attempts := cfg.Server.FallbackAttempts
	if attempts <= 0 {
		attempts = 10
	}

	var lastErr error
	for i := 0; i <= attempts; i++ {
		port := cfg.Server.Port + i
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, port))
		if err == nil {
			if addr, ok := ln.Addr().(*net.TCPAddr); ok {
				port = addr.Port
			}
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in %d..%d: %w",
		cfg.Server.Port, cfg.Server.Port+attempts, lastErr)
}

// Serve runs the server on a previously bound listener. It blocks until the
// listener closes, so callers normally run it on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// App exposes the fiber application for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
