// Package handlers implements the control API.
package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/metrics"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/internal/resource"
	campaignsvc "github.com/acme/outbound-dispatch/internal/service/campaign"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

// Deps are the components the handlers read from.
type Deps struct {
	Campaigns *campaignsvc.Service
	Queue     queue.LeadQueue
	Pool      *resource.Pool
	// Attempts serves the per-lead attempt history. Optional.
	Attempts repository.AttemptStore
	// Health checks backing stores. Nil means always healthy.
	Health func(ctx context.Context) error
	Logger *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	queue     queue.LeadQueue
	pool      *resource.Pool
	attempts  repository.AttemptStore
	healthFn  func(ctx context.Context) error
	log       *logger.Logger
	now       func() time.Time
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &HandlerSet{
		campaigns: deps.Campaigns,
		queue:     deps.Queue,
		pool:      deps.Pool,
		attempts:  deps.Attempts,
		healthFn:  deps.Health,
		log:       log.Named("api"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (h *HandlerSet) WithClock(now func() time.Time) *HandlerSet {
	h.now = now
	return h
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Get("/:id/queue-status", h.queueStatus)
	campaigns.Get("/:id/metrics", h.campaignMetrics)
	campaigns.Post("/:id/leads", h.addLeads)

	if h.attempts != nil {
		v1.Get("/leads/:id/attempts", h.leadAttempts)
	}
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	if h.healthFn == nil {
		return ctx.JSON(fiber.Map{"status": "ok"})
	}

	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	if err := h.healthFn(healthCtx); err != nil {
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
	}
	return ctx.JSON(fiber.Map{"status": "ok"})
}
