// Package app wires configuration into the running dispatcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dispatch/internal/config"
	"github.com/acme/outbound-dispatch/internal/dispatcher"
	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/events"
	"github.com/acme/outbound-dispatch/internal/governor"
	"github.com/acme/outbound-dispatch/internal/infra/db"
	"github.com/acme/outbound-dispatch/internal/infra/redis"
	"github.com/acme/outbound-dispatch/internal/metrics"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository"
	memrepo "github.com/acme/outbound-dispatch/internal/repository/memory"
	pgrepo "github.com/acme/outbound-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-dispatch/internal/repository/scylla"
	"github.com/acme/outbound-dispatch/internal/resource"
	"github.com/acme/outbound-dispatch/internal/retry"
	campaignsvc "github.com/acme/outbound-dispatch/internal/service/campaign"
	"github.com/acme/outbound-dispatch/internal/voice"
	"github.com/acme/outbound-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies. Backends are
// only opened when the configuration selects them.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *events.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		err          error
		repositories *Repositories
		runtime      *Runtime
	}
}

// Repositories groups the persistence ports.
type Repositories struct {
	Campaigns    repository.CampaignRepository
	Leads        repository.LeadRepository
	Stats        repository.CampaignStatisticsRepository
	PhoneNumbers repository.PhoneNumberRepository
	Attempts     repository.AttemptStore
}

// Runtime groups the dispatch components.
type Runtime struct {
	Queue      queue.LeadQueue
	Governor   *governor.Governor
	Pool       *resource.Pool
	Retry      *retry.Scheduler
	Provider   voice.Provider
	Bus        *events.Bus
	Outcomes   *events.KafkaPublisher
	Forwarder  *events.Forwarder
	Aggregator *metrics.Aggregator
	Campaigns  *campaignsvc.Service
	Engine     *dispatcher.Engine
}

// Build loads configuration from path and opens the selected backends.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	return New(ctx, cfg, lg)
}

// New opens the backends cfg selects.
func New(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*Container, error) {
	if lg == nil {
		lg = logger.Nop()
	}
	c := &Container{Config: cfg, Logger: lg}

	if cfg.Store.Driver == "postgres" {
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		if cfg.Postgres.AutoMigrate {
			if err := pgrepo.Migrate(ctx, pg.DB()); err != nil {
				_ = c.Close(ctx)
				return nil, fmt.Errorf("bootstrap postgres: %w", err)
			}
		}
	}

	if cfg.Store.AttemptLog == "scylla" {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
	}

	if cfg.Queue.Backend == "redis" || cfg.Governor.Backend == "redis" {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = client
	}

	if cfg.Kafka.Enabled {
		kafka, err := events.NewKafka(cfg.Kafka)
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
	}

	return c, nil
}

func (c *Container) initComponents(ctx context.Context) error {
	c.components.once.Do(func() {
		repos, err := c.buildRepositories(ctx)
		if err != nil {
			c.components.err = err
			return
		}
		rt, err := c.buildRuntime(ctx, repos)
		if err != nil {
			c.components.err = err
			return
		}
		c.components.repositories = repos
		c.components.runtime = rt
	})
	return c.components.err
}

func (c *Container) buildRepositories(ctx context.Context) (*Repositories, error) {
	repos := &Repositories{}
	if c.Postgres != nil {
		dbx := c.Postgres.DB()
		repos.Campaigns = pgrepo.NewCampaignRepository(dbx)
		repos.Leads = pgrepo.NewLeadRepository(dbx)
		repos.Stats = pgrepo.NewCampaignStatisticsRepository(dbx)
		repos.PhoneNumbers = pgrepo.NewPhoneNumberRepository(dbx)
	} else {
		repos.Campaigns = memrepo.NewCampaignRepository()
		repos.Leads = memrepo.NewLeadRepository()
		repos.Stats = memrepo.NewStatisticsRepository()
		repos.PhoneNumbers = memrepo.NewPhoneNumberRepository(configuredNumbers(c.Config))
	}

	if c.Scylla != nil {
		store := scyllarepo.NewAttemptStore(c.Scylla.Session())
		if !c.Config.Scylla.DisableInitSchema {
			if err := store.InitSchema(ctx); err != nil {
				return nil, err
			}
		}
		repos.Attempts = store
	} else {
		repos.Attempts = memrepo.NewAttemptStore()
	}
	return repos, nil
}

func (c *Container) buildRuntime(ctx context.Context, repos *Repositories) (*Runtime, error) {
	cfg := c.Config
	rt := &Runtime{}

	switch cfg.Queue.Backend {
	case "redis":
		rt.Queue = queue.NewRedisQueue(c.Redis.Inner(), cfg.Queue.KeyPrefix)
	default:
		rt.Queue = queue.NewMemoryQueue()
	}

	govCfg := governor.Config{
		GlobalCallsPerMinute:   cfg.Governor.GlobalCallsPerMinute,
		CampaignCallsPerMinute: cfg.Governor.CampaignCallsPerMinute,
		MinBackoff:             cfg.Governor.MinBackoff,
		MaxBackoff:             cfg.Governor.MaxBackoff,
	}
	switch cfg.Governor.Backend {
	case "redis":
		rt.Governor = governor.New(
			governor.NewRedisSlots(c.Redis.Inner(), cfg.Governor.SlotTTL),
			governor.NewRedisWindows(c.Redis.Inner()),
			govCfg,
		)
	default:
		rt.Governor = governor.New(governor.NewLocalSlots(), governor.NewLocalWindows(), govCfg)
	}

	pool, err := c.buildPool(ctx, repos)
	if err != nil {
		return nil, err
	}
	rt.Pool = pool

	rt.Retry = retry.NewScheduler(repos.Leads, rt.Queue, c.Logger)

	switch cfg.Voice.Provider {
	case "vapi":
		rt.Provider = voice.NewVAPIClient(cfg.Voice.BaseURL, cfg.Voice.APIKey, cfg.Voice.Timeout)
	default:
		opts := []voice.MockOption{voice.WithLatency(cfg.Voice.MockLatency)}
		if cfg.Voice.MockSeed != 0 {
			opts = append(opts, voice.WithSeed(cfg.Voice.MockSeed))
		}
		rt.Provider = voice.NewMockProvider(opts...)
	}

	rt.Bus = events.NewBus()
	rt.Aggregator = metrics.NewAggregator(rt.Bus, repos.Stats, cfg.Metrics.RefreshInterval, cfg.Metrics.BusBuffer, c.Logger.Named("metrics"))

	rt.Campaigns = campaignsvc.NewService(
		repos.Campaigns,
		repos.Leads,
		repos.Stats,
		rt.Queue,
		campaignsvc.NewBoard(),
		c.Logger.Named("campaign"),
		cfg.Campaign.DefaultConcurrency,
	).WithNumbers(rt.Pool)

	// With Kafka and Scylla both on, the status worker feeds the attempt log
	// and the forwarder writes it directly only when the topic rejects an outcome.
	attempts := repos.Attempts
	if c.Kafka != nil {
		var fallback events.AttemptAppender
		if c.Scylla != nil {
			fallback = repos.Attempts
			attempts = nil
		}
		rt.Outcomes = events.NewKafkaPublisher(c.Kafka, cfg.Kafka.OutcomeTopic)
		rt.Forwarder = events.NewForwarder(rt.Bus, rt.Outcomes, fallback,
			cfg.Kafka.ForwardBuffer, cfg.Kafka.WriteTimeout, c.Logger.Named("events"))
	}

	rt.Engine = dispatcher.New(dispatcher.Config{
		MaxWorkersPerCampaign: cfg.Dispatcher.MaxWorkersPerCampaign,
		PollInterval:          cfg.Dispatcher.PollInterval,
		CallTimeout:           cfg.Dispatcher.CallTimeout,
		ProviderPollInterval:  cfg.Dispatcher.ProviderPollInterval,
		StoreErrorDelay:       cfg.Dispatcher.StoreErrorDelay,
		RefreshInterval:       cfg.Dispatcher.RefreshInterval,
	}, dispatcher.Deps{
		Campaigns: rt.Campaigns,
		Leads:     repos.Leads,
		Queue:     rt.Queue,
		Governor:  rt.Governor,
		Pool:      rt.Pool,
		Retry:     rt.Retry,
		Provider:  rt.Provider,
		Publisher: rt.Bus,
		Attempts:  attempts,
		Logger:    c.Logger,
	})
	rt.Campaigns.SetActivator(rt.Engine)

	return rt, nil
}

func (c *Container) buildPool(ctx context.Context, repos *Repositories) (*resource.Pool, error) {
	loc := time.UTC
	if tz := c.Config.Pool.TimeZone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("resource pool: time zone: %w", err)
		}
		loc = l
	}

	numbers := configuredNumbers(c.Config)
	if c.Config.Pool.Source == "postgres" {
		pgNumbers, ok := repos.PhoneNumbers.(*pgrepo.PhoneNumberRepository)
		if !ok {
			return nil, errors.New("resource pool: postgres source requires the postgres store")
		}
		if err := pgNumbers.Seed(ctx, numbers); err != nil {
			return nil, err
		}
		stored, err := pgNumbers.List(ctx)
		if err != nil {
			return nil, err
		}
		numbers = stored
	}

	return resource.NewPool(numbers,
		resource.WithLocation(loc),
		resource.WithRecorder(repos.PhoneNumbers),
		resource.WithLogger(c.Logger.Named("pool")),
	)
}

func configuredNumbers(cfg *config.Config) []domain.PhoneNumber {
	out := make([]domain.PhoneNumber, 0, len(cfg.PhoneNumbers))
	for _, n := range cfg.PhoneNumbers {
		out = append(out, domain.PhoneNumber{ID: n.ID, Number: n.Number, DailyCap: n.DailyCap})
	}
	return out
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories(ctx context.Context) (*Repositories, error) {
	if err := c.initComponents(ctx); err != nil {
		return nil, err
	}
	return c.components.repositories, nil
}

// Runtime exposes the dispatch components.
func (c *Container) Runtime(ctx context.Context) (*Runtime, error) {
	if err := c.initComponents(ctx); err != nil {
		return nil, err
	}
	return c.components.runtime, nil
}

// Health pings every opened backend.
func (c *Container) Health(ctx context.Context) error {
	if c.Postgres != nil {
		if err := c.Postgres.Ping(ctx); err != nil {
			return err
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			return err
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.OutcomeTopic})
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if rt := c.components.runtime; rt != nil {
		rt.Bus.Close()
		if rt.Outcomes != nil {
			if err := rt.Outcomes.Close(); err != nil {
				errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
			}
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		c.Logger.Warn("container close", zap.Errors("errors", errs))
		return errors.Join(errs...)
	}
	return nil
}
