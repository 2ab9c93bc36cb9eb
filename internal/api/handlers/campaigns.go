package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	campaignsvc "github.com/acme/outbound-dispatch/internal/service/campaign"
	"github.com/acme/outbound-dispatch/internal/window"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

const dateLayout = "2006-01-02"

type createCampaignRequest struct {
	Name             string              `json:"name"`
	AssistantID      string              `json:"assistant_id"`
	PhoneNumberIDs   []string            `json:"phone_number_ids"`
	ConcurrencyLimit int                 `json:"concurrency_limit"`
	Schedule         scheduleRequest     `json:"schedule"`
	RetryPolicy      *retryPolicyPayload `json:"retry_policy"`
	Leads            []string            `json:"leads"`
}

type scheduleRequest struct {
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	StartTime    string   `json:"start_time"`
	EndTime      string   `json:"end_time"`
	TimeZone     string   `json:"time_zone"`
	WorkingDays  []string `json:"working_days"`
	CallsPerDay  int      `json:"calls_per_day"`
	CallsPerHour int      `json:"calls_per_hour"`
}

type retryPolicyPayload struct {
	Enabled          bool   `json:"enabled"`
	MaxRetries       int    `json:"max_retries"`
	RetryDelay       int    `json:"retry_delay"`
	RetryDelayUnit   string `json:"retry_delay_unit"`
	RetryOnNoAnswer  bool   `json:"retry_on_no_answer"`
	RetryOnBusy      bool   `json:"retry_on_busy"`
	RetryOnVoicemail bool   `json:"retry_on_voicemail"`
	RetryOnFailed    bool   `json:"retry_on_failed"`
}

type scheduleResponse struct {
	StartDate    string   `json:"start_date,omitempty"`
	EndDate      string   `json:"end_date,omitempty"`
	StartTime    string   `json:"start_time"`
	EndTime      string   `json:"end_time"`
	TimeZone     string   `json:"time_zone"`
	WorkingDays  []string `json:"working_days"`
	CallsPerDay  int      `json:"calls_per_day"`
	CallsPerHour int      `json:"calls_per_hour"`
}

type campaignResponse struct {
	ID               uuid.UUID             `json:"id"`
	Name             string                `json:"name"`
	Status           domain.CampaignStatus `json:"status"`
	AssistantID      string                `json:"assistant_id"`
	PhoneNumberIDs   []string              `json:"phone_number_ids"`
	ConcurrencyLimit int                   `json:"concurrency_limit"`
	Schedule         scheduleResponse      `json:"schedule"`
	RetryPolicy      retryPolicyPayload    `json:"retry_policy"`
	LastError        string                `json:"last_error,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

type statusResponse struct {
	ID     uuid.UUID             `json:"id"`
	Status domain.CampaignStatus `json:"status"`
}

type phoneNumberUsage struct {
	ID             string `json:"id"`
	Number         string `json:"number"`
	DailyCallCount int    `json:"daily_call_count"`
	DailyCap       int    `json:"daily_cap"`
	LastResetDate  string `json:"last_reset_date"`
}

type queueStatusResponse struct {
	ID           uuid.UUID             `json:"id"`
	Status       domain.CampaignStatus `json:"status"`
	Waiting      int                   `json:"waiting"`
	Active       int                   `json:"active"`
	Completed    int                   `json:"completed"`
	Failed       int                   `json:"failed"`
	Delayed      int                   `json:"delayed"`
	RetryPending int                   `json:"retry_pending"`
	PhoneNumbers []phoneNumberUsage    `json:"phone_numbers"`
	// RemainingToday is the unused daily quota across the campaign's numbers.
	RemainingToday int        `json:"remaining_today"`
	NextWindow     *time.Time `json:"next_window"`
	NextDueAt      *time.Time `json:"next_due_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

type metricsResponse struct {
	ID               uuid.UUID `json:"id"`
	Dispatched       int64     `json:"dispatched"`
	Completed        int64     `json:"completed"`
	Failed           int64     `json:"failed"`
	RetriesScheduled int64     `json:"retries_scheduled"`
	Deferred         int64     `json:"deferred"`
	CostTotal        float64   `json:"cost_total"`
	InFlight         int       `json:"in_flight"`
}

type addLeadsRequest struct {
	Phones []string `json:"phones"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return translateError(err)
	}
	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.transition(ctx, h.campaigns.Start)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.transition(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.transition(ctx, h.campaigns.Resume)
}

func (h *HandlerSet) transition(ctx *fiber.Ctx, fn func(context.Context, uuid.UUID) (*domain.Campaign, error)) error {
	id, err := parseID(ctx)
	if err != nil {
		return translateError(err)
	}
	campaign, err := fn(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(statusResponse{ID: campaign.ID, Status: campaign.Status})
}

func (h *HandlerSet) queueStatus(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return translateError(err)
	}
	reqCtx := ctx.UserContext()
	now := h.now()

	campaign, err := h.campaigns.Get(reqCtx, id)
	if err != nil {
		return translateError(err)
	}
	stats, err := h.queue.Stats(reqCtx, id, now)
	if err != nil {
		return translateError(fmt.Errorf("queue status: %w: %v", apperrors.ErrUnavailable, err))
	}
	progress, err := h.campaigns.Progress(reqCtx, id)
	if err != nil {
		return translateError(err)
	}

	resp := queueStatusResponse{
		ID:           campaign.ID,
		Status:       campaign.Status,
		Waiting:      stats.Waiting,
		Active:       stats.InFlight,
		Completed:    progress.Completed,
		Failed:       progress.Failed,
		Delayed:      stats.Delayed,
		RetryPending: progress.RetryPending,
		PhoneNumbers: h.phoneUsage(campaign, now),
		NextDueAt:    stats.NextDueAt,
		LastError:    campaign.LastError,
	}
	if h.pool != nil {
		resp.RemainingToday = h.pool.Remaining(now, campaign.PhoneNumberIDs)
	}
	if campaign.Status != domain.CampaignStatusCompleted {
		if next, ok, err := window.NextOpening(campaign.Schedule, now); err == nil && ok {
			resp.NextWindow = &next
		}
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) phoneUsage(campaign *domain.Campaign, now time.Time) []phoneNumberUsage {
	out := []phoneNumberUsage{}
	if h.pool == nil {
		return out
	}
	allowed := make(map[string]struct{}, len(campaign.PhoneNumberIDs))
	for _, id := range campaign.PhoneNumberIDs {
		allowed[id] = struct{}{}
	}
	for _, n := range h.pool.Usage(now) {
		if len(allowed) > 0 {
			if _, ok := allowed[n.ID]; !ok {
				continue
			}
		}
		out = append(out, phoneNumberUsage{
			ID:             n.ID,
			Number:         n.Number,
			DailyCallCount: n.DailyCallCount,
			DailyCap:       n.DailyCap,
			LastResetDate:  n.LastResetDate,
		})
	}
	return out
}

func (h *HandlerSet) campaignMetrics(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return translateError(err)
	}
	reqCtx := ctx.UserContext()

	stats, err := h.campaigns.Stats(reqCtx, id)
	if err != nil {
		return translateError(err)
	}
	resp := metricsResponse{
		ID:               id,
		Dispatched:       stats.Dispatched,
		Completed:        stats.Completed,
		Failed:           stats.Failed,
		RetriesScheduled: stats.RetriesScheduled,
		Deferred:         stats.Deferred,
		CostTotal:        stats.CostTotal,
	}
	if qs, err := h.queue.Stats(reqCtx, id, h.now()); err == nil {
		resp.InFlight = qs.InFlight
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) addLeads(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return translateError(err)
	}
	var req addLeadsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Phones) == 0 {
		return fiber.NewError(http.StatusBadRequest, "phones are required")
	}

	n, err := h.campaigns.ImportLeads(ctx.UserContext(), id, req.Phones)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"imported": n})
}

func parseID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid campaign id: %w", apperrors.ErrValidation)
	}
	return id, nil
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	schedule, err := toSchedule(req.Schedule)
	if err != nil {
		return campaignsvc.CreateCampaignInput{}, err
	}

	input := campaignsvc.CreateCampaignInput{
		Name:             strings.TrimSpace(req.Name),
		Schedule:         schedule,
		ConcurrencyLimit: req.ConcurrencyLimit,
		AssistantID:      req.AssistantID,
		PhoneNumberIDs:   req.PhoneNumberIDs,
		Leads:            req.Leads,
	}
	if p := req.RetryPolicy; p != nil {
		input.RetryPolicy = domain.RetryPolicy{
			Enabled:          p.Enabled,
			MaxRetries:       p.MaxRetries,
			RetryDelay:       p.RetryDelay,
			RetryDelayUnit:   domain.RetryDelayUnit(strings.ToLower(p.RetryDelayUnit)),
			RetryOnNoAnswer:  p.RetryOnNoAnswer,
			RetryOnBusy:      p.RetryOnBusy,
			RetryOnVoicemail: p.RetryOnVoicemail,
			RetryOnFailed:    p.RetryOnFailed,
		}
	}
	return input, nil
}

func toSchedule(req scheduleRequest) (domain.Schedule, error) {
	schedule := domain.Schedule{
		TimeZone:     req.TimeZone,
		CallsPerDay:  req.CallsPerDay,
		CallsPerHour: req.CallsPerHour,
	}
	loc, err := schedule.Location()
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("invalid time_zone %q: %w", req.TimeZone, apperrors.ErrValidation)
	}

	if req.StartDate != "" {
		start, err := time.ParseInLocation(dateLayout, req.StartDate, loc)
		if err != nil {
			return domain.Schedule{}, fmt.Errorf("invalid start_date: %w", apperrors.ErrValidation)
		}
		schedule.StartDate = start
	}
	if req.EndDate != "" {
		end, err := time.ParseInLocation(dateLayout, req.EndDate, loc)
		if err != nil {
			return domain.Schedule{}, fmt.Errorf("invalid end_date: %w", apperrors.ErrValidation)
		}
		schedule.EndDate = &end
	}

	if schedule.StartTime, err = domain.ParseClock(req.StartTime); err != nil {
		return domain.Schedule{}, fmt.Errorf("invalid start_time: %w", apperrors.ErrValidation)
	}
	if schedule.EndTime, err = domain.ParseClock(req.EndTime); err != nil {
		return domain.Schedule{}, fmt.Errorf("invalid end_time: %w", apperrors.ErrValidation)
	}

	for _, name := range req.WorkingDays {
		day, ok := parseWeekday(name)
		if !ok {
			return domain.Schedule{}, fmt.Errorf("invalid working day %q: %w", name, apperrors.ErrValidation)
		}
		schedule.WorkingDays = append(schedule.WorkingDays, day)
	}
	return schedule, nil
}

func parseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, true
		}
	}
	return 0, false
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	days := make([]string, 0, len(c.Schedule.WorkingDays))
	for _, d := range c.Schedule.WorkingDays {
		days = append(days, strings.ToLower(d.String()))
	}
	ids := c.PhoneNumberIDs
	if ids == nil {
		ids = []string{}
	}

	resp := campaignResponse{
		ID:               c.ID,
		Name:             c.Name,
		Status:           c.Status,
		AssistantID:      c.AssistantID,
		PhoneNumberIDs:   ids,
		ConcurrencyLimit: c.ConcurrencyLimit,
		Schedule: scheduleResponse{
			StartTime:    c.Schedule.StartTime.String(),
			EndTime:      c.Schedule.EndTime.String(),
			TimeZone:     c.Schedule.TimeZone,
			WorkingDays:  days,
			CallsPerDay:  c.Schedule.CallsPerDay,
			CallsPerHour: c.Schedule.CallsPerHour,
		},
		RetryPolicy: retryPolicyPayload{
			Enabled:          c.RetryPolicy.Enabled,
			MaxRetries:       c.RetryPolicy.MaxRetries,
			RetryDelay:       c.RetryPolicy.RetryDelay,
			RetryDelayUnit:   string(c.RetryPolicy.RetryDelayUnit),
			RetryOnNoAnswer:  c.RetryPolicy.RetryOnNoAnswer,
			RetryOnBusy:      c.RetryPolicy.RetryOnBusy,
			RetryOnVoicemail: c.RetryPolicy.RetryOnVoicemail,
			RetryOnFailed:    c.RetryPolicy.RetryOnFailed,
		},
		LastError:   c.LastError,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
	if !c.Schedule.StartDate.IsZero() {
		resp.Schedule.StartDate = c.Schedule.StartDate.Format(dateLayout)
	}
	if c.Schedule.EndDate != nil {
		resp.Schedule.EndDate = c.Schedule.EndDate.Format(dateLayout)
	}
	return resp
}
