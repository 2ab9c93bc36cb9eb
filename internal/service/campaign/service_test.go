package campaign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/queue"
	"github.com/acme/outbound-dispatch/internal/repository/memory"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

func validSchedule() domain.Schedule {
	return domain.Schedule{
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		StartTime: domain.MustClock("09:00"),
		EndTime:   domain.MustClock("17:00"),
		TimeZone:  "UTC",
	}
}

type recordingActivator struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (a *recordingActivator) Ensure(_ context.Context, id uuid.UUID) {
	a.mu.Lock()
	a.ids = append(a.ids, id)
	a.mu.Unlock()
}

func (a *recordingActivator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

type fixture struct {
	svc       *Service
	leads     *memory.LeadRepository
	queue     *queue.MemoryQueue
	activator *recordingActivator
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		leads:     memory.NewLeadRepository(),
		queue:     queue.NewMemoryQueue(),
		activator: &recordingActivator{},
		now:       time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(
		memory.NewCampaignRepository(),
		f.leads,
		memory.NewStatisticsRepository(),
		f.queue,
		NewBoard(),
		nil,
		3,
	).WithClock(func() time.Time { return f.now })
	f.svc.SetActivator(f.activator)
	return f
}

func (f *fixture) create(t *testing.T, leads ...string) *domain.Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), CreateCampaignInput{
		Name:     "renewals",
		Schedule: validSchedule(),
		RetryPolicy: domain.RetryPolicy{
			Enabled: true, MaxRetries: 2, RetryDelay: 1, RetryOnNoAnswer: true,
		},
		Leads: leads,
	})
	require.NoError(t, err)
	return c
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    domain.CampaignStatus
		event   Event
		to      domain.CampaignStatus
		changed bool
		err     error
	}{
		{domain.CampaignStatusDraft, EventStart, domain.CampaignStatusActive, true, nil},
		{domain.CampaignStatusActive, EventStart, domain.CampaignStatusActive, false, nil},
		{domain.CampaignStatusPaused, EventStart, domain.CampaignStatusPaused, false, nil},
		{domain.CampaignStatusCompleted, EventStart, domain.CampaignStatusCompleted, false, nil},
		{domain.CampaignStatusActive, EventPause, domain.CampaignStatusPaused, true, nil},
		{domain.CampaignStatusPaused, EventPause, domain.CampaignStatusPaused, false, nil},
		{domain.CampaignStatusDraft, EventPause, domain.CampaignStatusDraft, false, apperrors.ErrCampaignNotActive},
		{domain.CampaignStatusCompleted, EventPause, domain.CampaignStatusCompleted, false, apperrors.ErrCampaignNotActive},
		{domain.CampaignStatusPaused, EventResume, domain.CampaignStatusActive, true, nil},
		{domain.CampaignStatusActive, EventResume, domain.CampaignStatusActive, false, nil},
		{domain.CampaignStatusDraft, EventResume, domain.CampaignStatusDraft, false, apperrors.ErrCampaignNotActive},
		{domain.CampaignStatusCompleted, EventResume, domain.CampaignStatusCompleted, false, apperrors.ErrCampaignNotActive},
		{domain.CampaignStatusActive, EventComplete, domain.CampaignStatusCompleted, true, nil},
		{domain.CampaignStatusCompleted, EventComplete, domain.CampaignStatusCompleted, false, nil},
		{domain.CampaignStatusPaused, EventComplete, domain.CampaignStatusPaused, false, apperrors.ErrConflict},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.event), func(t *testing.T) {
			to, changed, err := Transition(tc.from, tc.event)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.to, to)
			require.Equal(t, tc.changed, changed)
		})
	}
}

func TestValidateCreateInput(t *testing.T) {
	bad := []CreateCampaignInput{
		{Name: "", Schedule: validSchedule()},
		{Name: "x", Schedule: domain.Schedule{TimeZone: "Mars/Olympus", StartTime: 60, EndTime: 120}},
		{Name: "x", Schedule: domain.Schedule{StartTime: domain.MustClock("17:00"), EndTime: domain.MustClock("09:00")}},
		{Name: "x", Schedule: validSchedule(), ConcurrencyLimit: -1},
		{Name: "x", Schedule: validSchedule(), RetryPolicy: domain.RetryPolicy{MaxRetries: -1}},
		{Name: "x", Schedule: validSchedule(), RetryPolicy: domain.RetryPolicy{RetryDelayUnit: "weeks"}},
	}
	for _, in := range bad {
		err := validateCreateInput(in)
		require.ErrorIs(t, err, apperrors.ErrValidation, "input %+v", in)
	}

	require.NoError(t, validateCreateInput(CreateCampaignInput{Name: "ok", Schedule: validSchedule()}))
}

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "+15550000001", " ", "+15550000002")

	require.Equal(t, domain.CampaignStatusDraft, c.Status)
	require.Equal(t, 3, c.ConcurrencyLimit)
	require.Equal(t, domain.RetryDelayHours, c.RetryPolicy.RetryDelayUnit)

	counts, err := f.leads.CountByStatus(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, counts[domain.LeadStatusNew])

	status, ok := f.svc.Board().Status(c.ID)
	require.True(t, ok)
	require.Equal(t, domain.CampaignStatusDraft, status)
}

func TestStartQueuesLeadsAndActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "+15550000001", "+15550000002")

	started, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusActive, started.Status)
	require.Equal(t, 1, f.activator.count())
	require.True(t, f.svc.Board().Active(c.ID))

	stats, err := f.queue.Stats(ctx, c.ID, f.now)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Waiting)

	counts, err := f.leads.CountByStatus(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, counts[domain.LeadStatusQueued])

	again, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusActive, again.Status)

	stats, err = f.queue.Stats(ctx, c.ID, f.now)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Waiting, "restart must not duplicate queue entries")
}

func TestPauseResumeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "+15550000001")

	_, err := f.svc.Pause(ctx, c.ID)
	require.ErrorIs(t, err, apperrors.ErrCampaignNotActive)
	_, err = f.svc.Resume(ctx, c.ID)
	require.ErrorIs(t, err, apperrors.ErrCampaignNotActive)

	_, err = f.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	paused, err := f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusPaused, paused.Status)
	require.False(t, f.svc.Board().Active(c.ID))

	paused, err = f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusPaused, paused.Status)

	resumed, err := f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusActive, resumed.Status)

	resumed, err = f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusActive, resumed.Status)

	stats, err := f.queue.Stats(ctx, c.ID, f.now)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Waiting)
}

func TestStartRestoresDelayedRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	due := f.now.Add(2 * time.Hour)
	lead := domain.Lead{
		ID:             uuid.New(),
		CampaignID:     c.ID,
		Phone:          "+15550000003",
		Status:         domain.LeadStatusNoAnswer,
		CallAttempts:   1,
		NextEligibleAt: &due,
	}
	require.NoError(t, f.leads.BulkInsert(ctx, []domain.Lead{lead}))

	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	stats, err := f.queue.Stats(ctx, c.ID, f.now)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Waiting)
	require.Equal(t, 1, stats.Delayed)
	require.NotNil(t, stats.NextDueAt)
	require.True(t, stats.NextDueAt.Equal(due))
}

func TestTryCompleteWaitsForDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "+15550000001")

	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	done, err := f.svc.TryComplete(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, done)

	lead, ok, err := f.queue.Dequeue(ctx, c.ID, f.now)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := f.leads.Get(ctx, lead.ID)
	require.NoError(t, err)
	answered := *stored
	answered.Status = domain.LeadStatusCompleted
	answered.CallAttempts = 1
	swapped, err := f.leads.CompareAndSwap(ctx, answered, stored.Status, stored.CallAttempts)
	require.NoError(t, err)
	require.True(t, swapped)

	done, err = f.svc.TryComplete(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, done, "in-flight lead keeps the campaign open")

	require.NoError(t, f.queue.Done(ctx, lead))

	done, err = f.svc.TryComplete(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, done)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = f.svc.ImportLeads(ctx, c.ID, []string{"+15550000009"})
	require.ErrorIs(t, err, apperrors.ErrCampaignNotActive)
}

func TestImportIntoActiveCampaignQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t)

	_, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	n, err := f.svc.ImportLeads(ctx, c.ID, []string{"+15550000001", "+15550000002"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stats, err := f.queue.Stats(ctx, c.ID, f.now)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Waiting)
}

func TestSyncLoadsBoard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t)
	b := f.create(t)

	_, err := f.svc.Start(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, b.ID)
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, b.ID)
	require.NoError(t, err)

	fresh := NewService(f.svc.repo, f.leads, f.svc.statsRepo, f.queue, NewBoard(), nil, 1)
	active, err := fresh.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, a.ID, active[0].ID)
	require.True(t, fresh.Board().Active(a.ID))
	status, ok := fresh.Board().Status(b.ID)
	require.True(t, ok)
	require.Equal(t, domain.CampaignStatusPaused, status)
}

func TestProgressSeparatesPendingRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, "+15550000001")

	due := f.now.Add(time.Hour)
	require.NoError(t, f.leads.BulkInsert(ctx, []domain.Lead{
		{ID: uuid.New(), CampaignID: c.ID, Phone: "+15550000002", Status: domain.LeadStatusCompleted, CallAttempts: 1},
		{ID: uuid.New(), CampaignID: c.ID, Phone: "+15550000003", Status: domain.LeadStatusCallbackRequested, CallAttempts: 1},
		{ID: uuid.New(), CampaignID: c.ID, Phone: "+15550000004", Status: domain.LeadStatusBusy, CallAttempts: 1, NextEligibleAt: &due},
		{ID: uuid.New(), CampaignID: c.ID, Phone: "+15550000005", Status: domain.LeadStatusNoAnswer, CallAttempts: 3},
	}))

	p, err := f.svc.Progress(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, Progress{Total: 5, Completed: 2, Failed: 1, RetryPending: 1}, p)
}

type numberSet map[string]bool

func (s numberSet) Has(id string) bool { return s[id] }

func TestDesignatedNumbersMustExist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	numbers := numberSet{"pn-1": true, "pn-2": true}
	f.svc.WithNumbers(numbers)

	input := CreateCampaignInput{
		Name:           "renewals",
		Schedule:       validSchedule(),
		PhoneNumberIDs: []string{"pn-1", "pn-9"},
	}
	_, err := f.svc.Create(ctx, input)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.ErrorContains(t, err, "pn-9")

	input.PhoneNumberIDs = []string{"pn-1", "pn-2"}
	c, err := f.svc.Create(ctx, input)
	require.NoError(t, err)

	// The pool changed between create and start.
	delete(numbers, "pn-2")
	_, err = f.svc.Start(ctx, c.ID)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.Zero(t, f.activator.count())

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusDraft, got.Status)
	require.Contains(t, got.LastError, "pn-2")

	numbers["pn-2"] = true
	started, err := f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusActive, started.Status)
}

type gatedLeads struct {
	*memory.LeadRepository
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLeads) BulkInsert(ctx context.Context, leads []domain.Lead) error {
	close(g.entered)
	<-g.release
	return g.LeadRepository.BulkInsert(ctx, leads)
}

func TestTryCompleteWaitsForRunningImport(t *testing.T) {
	ctx := context.Background()
	leads := &gatedLeads{
		LeadRepository: memory.NewLeadRepository(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	q := queue.NewMemoryQueue()
	svc := NewService(memory.NewCampaignRepository(), leads, memory.NewStatisticsRepository(), q, NewBoard(), nil, 1)

	c, err := svc.Create(ctx, CreateCampaignInput{Name: "late import", Schedule: validSchedule()})
	require.NoError(t, err)
	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)

	imported := make(chan int, 1)
	go func() {
		n, err := svc.ImportLeads(ctx, c.ID, []string{"+15550000001"})
		if err != nil {
			n = -1
		}
		imported <- n
	}()
	<-leads.entered

	completed := make(chan bool, 1)
	go func() {
		done, _ := svc.TryComplete(ctx, c.ID)
		completed <- done
	}()

	require.Never(t, func() bool { return len(completed) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"completion must wait for the import")
	close(leads.release)

	require.Equal(t, 1, <-imported)
	require.False(t, <-completed)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusActive, got.Status)
	stats, err := q.Stats(ctx, c.ID, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Waiting)
}
