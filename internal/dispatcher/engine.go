// Package dispatcher runs one worker pool per active campaign. Workers pull
// leads from the lead queue and turn them into provider calls.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/events"
	"github.com/acme/outbound-dispatch/internal/governor"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository"
	"github.com/acme/outbound-dispatch/internal/resource"
	"github.com/acme/outbound-dispatch/internal/retry"
	"github.com/acme/outbound-dispatch/internal/service/campaign"
	"github.com/acme/outbound-dispatch/internal/voice"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

// Config tunes the worker pools.
type Config struct {
	MaxWorkersPerCampaign int
	PollInterval          time.Duration
	CallTimeout           time.Duration
	ProviderPollInterval  time.Duration
	StoreErrorDelay       time.Duration
	RefreshInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkersPerCampaign <= 0 {
		c.MaxWorkersPerCampaign = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ProviderPollInterval <= 0 {
		c.ProviderPollInterval = 2 * time.Second
	}
	if c.StoreErrorDelay <= 0 {
		c.StoreErrorDelay = 30 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Second
	}
	return c
}

// Deps are the collaborators a worker needs.
type Deps struct {
	Campaigns *campaign.Service
	Leads     repository.LeadRepository
	Queue     queue.LeadQueue
	Governor  *governor.Governor
	Pool      *resource.Pool
	Retry     *retry.Scheduler
	Provider  voice.Provider
	Publisher events.Publisher
	// Attempts is optional. When nil the attempt log is fed from the outcome topic.
	Attempts repository.AttemptStore
	Logger   *logger.Logger
}

// Engine owns the per-campaign worker pools.
type Engine struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
	now  func() time.Time

	mu      sync.Mutex
	root    context.Context
	group   *errgroup.Group
	running map[uuid.UUID]struct{}
	pending map[uuid.UUID]struct{}
}

// New constructs an engine. Campaign pools start once Run is called.
func New(cfg Config, deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.PublisherFunc(func(context.Context, events.Event) error { return nil })
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		log:     log.Named("dispatcher"),
		now:     func() time.Time { return time.Now().UTC() },
		running: make(map[uuid.UUID]struct{}),
		pending: make(map[uuid.UUID]struct{}),
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Ensure starts a pool for the campaign unless one is already running. The
// pool lives as long as the context passed to Run, not ctx.
func (e *Engine) Ensure(_ context.Context, campaignID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[campaignID]; ok {
		return
	}
	if e.root == nil || e.root.Err() != nil {
		e.pending[campaignID] = struct{}{}
		return
	}
	e.startLocked(campaignID)
}

// Running reports whether a pool is active for the campaign.
func (e *Engine) Running(campaignID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[campaignID]
	return ok
}

// Run blocks until ctx is done and every worker has exited.
func (e *Engine) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	e.mu.Lock()
	e.root = gctx
	e.group = group
	for id := range e.pending {
		e.startLocked(id)
	}
	e.pending = make(map[uuid.UUID]struct{})
	e.mu.Unlock()

	e.sync(gctx)

	group.Go(func() error {
		ticker := time.NewTicker(e.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				e.refresh(gctx)
			}
		}
	})

	err := group.Wait()
	e.mu.Lock()
	e.root = nil
	e.mu.Unlock()
	return err
}

// sync starts pools for campaigns that were active before this process.
func (e *Engine) sync(ctx context.Context) {
	active, err := e.deps.Campaigns.Sync(ctx)
	if err != nil {
		e.log.Error("sync campaigns", zap.Error(err))
		return
	}
	recoverer, canRecover := e.deps.Queue.(queue.Recoverer)
	for _, c := range active {
		if canRecover {
			n, err := recoverer.RecoverInFlight(ctx, c.ID)
			if err != nil {
				e.log.Error("recover in-flight leads", zap.String("campaign_id", c.ID.String()), zap.Error(err))
			} else if n > 0 {
				e.log.Info("recovered in-flight leads", zap.String("campaign_id", c.ID.String()), zap.Int("count", n))
			}
		}
		if _, err := e.deps.Campaigns.Requeue(ctx, c.ID); err != nil {
			e.log.Error("requeue campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		}
		e.Ensure(ctx, c.ID)
	}
}

// refresh pulls status changes made by other processes onto the board.
func (e *Engine) refresh(ctx context.Context) {
	e.mu.Lock()
	ids := make([]uuid.UUID, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if _, err := e.deps.Campaigns.Refresh(ctx, id); err != nil && ctx.Err() == nil {
			e.log.Warn("refresh campaign status", zap.String("campaign_id", id.String()), zap.Error(err))
		}
	}

	active, err := e.deps.Campaigns.Sync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("sync campaigns", zap.Error(err))
		}
		return
	}
	for _, c := range active {
		e.Ensure(ctx, c.ID)
	}
}

func (e *Engine) startLocked(campaignID uuid.UUID) {
	e.running[campaignID] = struct{}{}
	root := e.root
	e.group.Go(func() error {
		defer func() {
			e.mu.Lock()
			delete(e.running, campaignID)
			e.mu.Unlock()
		}()
		e.runCampaign(root, campaignID)
		return nil
	})
}

func (e *Engine) runCampaign(ctx context.Context, campaignID uuid.UUID) {
	c, err := e.deps.Campaigns.Get(ctx, campaignID)
	if err != nil {
		e.log.Error("load campaign", zap.String("campaign_id", campaignID.String()), zap.Error(err))
		return
	}
	if c.Status == domain.CampaignStatusCompleted {
		return
	}

	size := c.ConcurrencyLimit
	if size <= 0 || size > e.cfg.MaxWorkersPerCampaign {
		size = e.cfg.MaxWorkersPerCampaign
	}

	log := e.log.With(zap.String("campaign_id", campaignID.String()))
	log.Info("starting campaign workers", zap.Int("workers", size))

	var wg errgroup.Group
	for i := 0; i < size; i++ {
		w := &worker{engine: e, campaign: c, id: i, log: log.With(zap.Int("worker", i))}
		wg.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	_ = wg.Wait()
	log.Info("campaign workers stopped")
}

// sleep waits for d, the optional wake channel or ctx. It returns false once
// ctx is done.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}
