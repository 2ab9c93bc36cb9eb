package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/events"
	"github.com/acme/outbound-dispatch/internal/governor"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository/memory"
	"github.com/acme/outbound-dispatch/internal/resource"
	"github.com/acme/outbound-dispatch/internal/retry"
	"github.com/acme/outbound-dispatch/internal/service/campaign"
	"github.com/acme/outbound-dispatch/internal/voice"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recorder) first() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[0]
}

func (r *recorder) count(kind events.Kind, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && (reason == "" || e.Reason == reason) {
			n++
		}
	}
	return n
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc      *campaign.Service
	leads    *memory.LeadRepository
	queue    *queue.MemoryQueue
	provider *voice.MockProvider
	pool     *resource.Pool
	engine   *Engine
	events   *recorder
	attempts *memory.AttemptStore
	clock    *testClock

	cancel context.CancelFunc
	done   chan error
}

type harnessOpts struct {
	numbers  []domain.PhoneNumber
	provider *voice.MockProvider
	now      time.Time
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.now.IsZero() {
		opts.now = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	}
	if opts.numbers == nil {
		opts.numbers = []domain.PhoneNumber{{ID: "pn-1", Number: "+15550001000", DailyCap: 1000}}
	}
	if opts.provider == nil {
		opts.provider = voice.NewMockProvider(voice.WithMix(voice.OutcomeMix{domain.OutcomeAnswered: 1}))
	}

	h := &harness{
		leads:    memory.NewLeadRepository(),
		queue:    queue.NewMemoryQueue(),
		provider: opts.provider,
		events:   &recorder{},
		attempts: memory.NewAttemptStore(),
		clock:    &testClock{t: opts.now},
	}
	clock := h.clock.Now

	h.svc = campaign.NewService(
		memory.NewCampaignRepository(), h.leads, memory.NewStatisticsRepository(),
		h.queue, campaign.NewBoard(), nil, 1,
	).WithClock(clock)

	pool, err := resource.NewPool(opts.numbers)
	require.NoError(t, err)
	h.pool = pool

	gov := governor.New(governor.NewLocalSlots(), governor.NewLocalWindows(), governor.Config{
		MinBackoff: time.Second, MaxBackoff: time.Minute,
	}).WithClock(clock)

	h.engine = New(Config{
		PollInterval:         10 * time.Millisecond,
		CallTimeout:          5 * time.Second,
		ProviderPollInterval: 5 * time.Millisecond,
		RefreshInterval:      20 * time.Millisecond,
	}, Deps{
		Campaigns: h.svc,
		Leads:     h.leads,
		Queue:     h.queue,
		Governor:  gov,
		Pool:      pool,
		Retry:     retry.NewScheduler(h.leads, h.queue, nil).WithClock(clock),
		Provider:  h.provider,
		Publisher: h.events,
		Attempts:  h.attempts,
	}).WithClock(clock)
	h.svc.SetActivator(h.engine)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.engine.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) create(t *testing.T, concurrency int, schedule domain.Schedule, phones ...string) *domain.Campaign {
	t.Helper()
	c, err := h.svc.Create(context.Background(), campaign.CreateCampaignInput{
		Name:             "test",
		Schedule:         schedule,
		ConcurrencyLimit: concurrency,
		AssistantID:      "asst-1",
		Leads:            phones,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) counts(t *testing.T, id uuid.UUID) map[domain.LeadStatus]int {
	t.Helper()
	counts, err := h.leads.CountByStatus(context.Background(), id)
	require.NoError(t, err)
	return counts
}

func openSchedule() domain.Schedule {
	return domain.Schedule{
		StartTime: domain.MustClock("00:00"),
		EndTime:   domain.MustClock("23:59"),
		TimeZone:  "UTC",
	}
}

func phones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("+1555000%04d", i)
	}
	return out
}

func TestDailyCapDefersToNextDay(t *testing.T) {
	h := newHarness(t, harnessOpts{
		numbers: []domain.PhoneNumber{{ID: "pn-1", Number: "+15550001000", DailyCap: 2}},
	})
	c := h.create(t, 1, openSchedule(), phones(3)...)
	h.run(t)

	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(context.Background(), c.ID, h.clock.Now())
		return err == nil && h.counts(t, c.ID)[domain.LeadStatusCompleted] == 2 && stats.Delayed == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats, err := h.queue.Stats(context.Background(), c.ID, h.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, stats.NextDueAt)
	require.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), stats.NextDueAt.UTC())
	require.Equal(t, 2, h.provider.Created())
	require.Equal(t, 1, h.events.count(events.KindDeferred, events.ReasonExhausted))

	usage := h.pool.Usage(h.clock.Now())
	require.Equal(t, 2, usage[0].DailyCallCount)

	got, err := h.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusActive, got.Status)
}

func TestConcurrencyLimitBoundsInFlightCalls(t *testing.T) {
	h := newHarness(t, harnessOpts{
		provider: voice.NewMockProvider(
			voice.WithMix(voice.OutcomeMix{domain.OutcomeAnswered: 1}),
			voice.WithLatency(150*time.Millisecond),
		),
	})
	c := h.create(t, 5, openSchedule(), phones(10)...)
	h.run(t)

	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.counts(t, c.ID)[domain.LeadStatusCompleted] == 10
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 5, h.provider.Peak())
	require.Equal(t, 10, h.provider.Created())

	require.Eventually(t, func() bool {
		got, err := h.svc.Get(context.Background(), c.ID)
		return err == nil && got.Status == domain.CampaignStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !h.engine.Running(c.ID) }, time.Second, 5*time.Millisecond)

	require.Equal(t, 10, h.events.count(events.KindOutcome, ""))
	attempts, err := h.attempts.ListAttemptsByLead(context.Background(), h.events.first().LeadID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func TestPauseStopsDequeuesAndLetsCallsFinish(t *testing.T) {
	h := newHarness(t, harnessOpts{
		provider: voice.NewMockProvider(
			voice.WithMix(voice.OutcomeMix{domain.OutcomeAnswered: 1}),
			voice.WithLatency(100*time.Millisecond),
		),
	})
	c := h.create(t, 1, openSchedule(), phones(4)...)
	h.run(t)

	ctx := context.Background()
	_, err := h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.provider.Created() == 1 }, time.Second, time.Millisecond)

	_, err = h.svc.Pause(ctx, c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.counts(t, c.ID)[domain.LeadStatusCompleted] == 1
	}, time.Second, 5*time.Millisecond, "in-flight call must complete after pause")

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.provider.Created(), "no new calls while paused")

	_, err = h.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	_, err = h.svc.Resume(ctx, c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.counts(t, c.ID)[domain.LeadStatusCompleted] == 4
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 4, h.provider.Created(), "resume must not queue work twice")
}

func TestOutsideWindowDefersToNextOpening(t *testing.T) {
	h := newHarness(t, harnessOpts{now: time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)})
	schedule := domain.Schedule{
		StartTime: domain.MustClock("09:00"),
		EndTime:   domain.MustClock("20:00"),
		TimeZone:  "UTC",
	}
	c := h.create(t, 1, schedule, phones(1)...)
	h.run(t)

	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.events.count(events.KindDeferred, events.ReasonWindow) >= 1
	}, time.Second, 5*time.Millisecond)

	stats, err := h.queue.Stats(context.Background(), c.ID, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delayed)
	require.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), stats.NextDueAt.UTC())
	require.Zero(t, h.provider.Created())
}

func TestInvalidPhoneFailsWithoutCalling(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.create(t, 1, openSchedule(), "555-1234", "+15550000001")
	h.run(t)

	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		counts := h.counts(t, c.ID)
		return counts[domain.LeadStatusFailed] == 1 && counts[domain.LeadStatusCompleted] == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.provider.Created())
}

func TestRetryAttemptsAreBounded(t *testing.T) {
	h := newHarness(t, harnessOpts{
		provider: voice.NewMockProvider(voice.WithMix(voice.OutcomeMix{domain.OutcomeNoAnswer: 1})),
	})
	c, err := h.svc.Create(context.Background(), campaign.CreateCampaignInput{
		Name:        "retry",
		Schedule:    openSchedule(),
		AssistantID: "asst-1",
		RetryPolicy: domain.RetryPolicy{
			Enabled: true, MaxRetries: 2, RetryDelay: 1, RetryDelayUnit: domain.RetryDelayHours, RetryOnNoAnswer: true,
		},
		Leads: phones(1),
	})
	require.NoError(t, err)
	h.run(t)

	_, err = h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		require.Eventually(t, func() bool { return h.provider.Created() == attempt }, 2*time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			return h.events.count(events.KindOutcome, "") == attempt
		}, 2*time.Second, 5*time.Millisecond)
		// Move the shared clock past the retry delay.
		h.clock.Advance(time.Hour)
	}

	require.Eventually(t, func() bool {
		got, err := h.svc.Get(context.Background(), c.ID)
		return err == nil && got.Status == domain.CampaignStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, h.provider.Created())
	require.Equal(t, 1, h.counts(t, c.ID)[domain.LeadStatusNoAnswer])
}

func TestUnknownDesignatedNumberPausesCampaign(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	// The number was dropped from the pool after the campaign was created.
	c, err := h.svc.Create(context.Background(), campaign.CreateCampaignInput{
		Name:           "stale numbers",
		Schedule:       openSchedule(),
		AssistantID:    "asst-1",
		PhoneNumberIDs: []string{"pn-gone"},
		Leads:          phones(1),
	})
	require.NoError(t, err)
	h.run(t)

	_, err = h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.svc.Get(context.Background(), c.ID)
		return err == nil && got.Status == domain.CampaignStatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Contains(t, got.LastError, "pn-gone")
	require.Zero(t, h.provider.Created())
	require.Equal(t, 1, h.events.count(events.KindDeferred, events.ReasonConfig))
	require.Zero(t, h.events.count(events.KindDeferred, events.ReasonExhausted))

	stats, err := h.queue.Stats(context.Background(), c.ID, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Waiting+stats.Delayed, "lead stays queued for resume")
	require.Equal(t, 1, h.counts(t, c.ID)[domain.LeadStatusQueued])
}
