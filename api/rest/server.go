// Package rest provides the HTTP control surface for the dispatcher master.
package rest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/console"
	"yqhp/dispatcher/internal/master"
)

// Controller is the part of the master driven by the control surface.
type Controller interface {
	Status() master.Status
	Workers() []master.ConnectionInfo
	Distribute(ctx context.Context, totalUnits int64) (*master.Plan, error)
	Collect(ctx context.Context) (*master.Report, error)
	Report() *master.Report
}

// StatusSource supplies the recent status text history.
type StatusSource interface {
	Lines() []console.StatusLine
}

// Server represents the control surface HTTP server.
type Server struct {
	app        *fiber.App
	controller Controller
	status     StatusSource
	config     *Config
	logger     *zap.Logger

	// Collection started by an asynchronous distribute request runs under
	// baseCtx so Shutdown can cancel it.
	baseCtx    context.Context
	cancel     context.CancelFunc
	collecting sync.WaitGroup
}

// Config holds the configuration for the control surface.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// StatusLines caps how many status lines /api/v1/status returns by default.
	StatusLines int `yaml:"status_lines"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		StatusLines:  100,
	}
}

// NewServer creates a new control surface server. status and logger may be nil.
func NewServer(controller Controller, status StatusSource, config *Config, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "Dispatcher Control",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		app:        app,
		controller: controller,
		status:     status,
		config:     config,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestid.New())
	s.app.Use(s.requestLogger())
}

// requestLogger logs every request through zap.
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Debug("http request",
			zap.String("request_id", fmt.Sprint(c.Locals("requestid"))),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/workers", s.listWorkers)
	api.Get("/status", s.getStatus)
	api.Post("/distribute", s.distribute)
	api.Get("/report", s.getReport)
}

// StartWithContext serves until ctx ends, then shuts down.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("control surface listening", zap.String("address", s.config.Address))
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown cancels background collection and stops the server.
func (s *Server) Shutdown() error {
	s.cancel()
	err := s.app.Shutdown()
	s.collecting.Wait()
	return err
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
