// Package api serves the control API over HTTP.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-dispatch/internal/api/handlers"
	"github.com/acme/outbound-dispatch/internal/config"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the Fiber application.
type Server struct {
	app  *fiber.App
	port int
}

// NewServer constructs a new HTTP server.
func NewServer(cfg config.HTTPConfig, handlerSet *handlers.HandlerSet) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ErrorHandler:          handlerSet.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(otelfiber.Middleware())
	handlerSet.Register(app)

	return &Server{app: app, port: cfg.Port}
}

// App exposes the fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
