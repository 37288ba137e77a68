package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vidpipe/internal/config"
	"vidpipe/internal/metrics"
	"vidpipe/internal/notify"
	"vidpipe/internal/store"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	store  store.JobStore
	logger *slog.Logger
}

// NewServer builds the ingress API. n and rdb are optional: without a
// notifier workers fall back to polling, and without Redis rate limiting
// is disabled and deep health reports redis as "disabled".
func NewServer(cfg *config.Config, st store.JobStore, n notify.Notifier, rdb *redis.Client, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// Inject config, store, and notifier into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("store", st)
		if n != nil {
			c.Locals("notifier", n)
		}
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		// Label by route pattern (/jobs/:id), not the raw path, so job ids
		// do not mint a new series per request.
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

	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := st.Ping(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		code := fiber.StatusOK
		if dbStatus != "ok" || redisStatus == "error" {
			status = "error"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	rateMw := func(c *fiber.Ctx) error { return c.Next() }
	if rdb != nil {
		rateMw = rateLimitMiddleware(cfg, rdb)
	}

	jobs := app.Group("/jobs", rateMw)
	registerJobRoutes(jobs)

	return &Server{
		app:    app,
		config: cfg,
		store:  st,
		logger: logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	if s.logger != nil {
		s.logger.Info("http server listening", "addr", addr)
	}
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight
// requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func registerJobRoutes(group fiber.Router) {
	group.Post("/", createJobHandler)
	group.Get("/", listJobsHandler)
	group.Get("/:id", getJobHandler)
	group.Post("/:id/cancel", cancelJobHandler)
}

// errorHandler renders fiber errors (unknown routes, bad methods) in the
// shared error envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(ErrorResponse{
		Success: false,
		Code:    fmt.Sprintf("HTTP_%d", code),
		Error:   err.Error(),
	})
}
