package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/outbound-dispatch/internal/domain"
	"github.com/acme/outbound-dispatch/internal/events"
	"github.com/acme/outbound-dispatch/internal/repository/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chanReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed int
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed += len(msgs)
	r.mu.Unlock()
	return nil
}

func (r *chanReader) Close() error { return nil }

func (r *chanReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

func message(t *testing.T, evt events.Event) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return kafka.Message{Key: evt.LeadID[:], Value: raw}
}

func TestWorkerAppendsOutcomes(t *testing.T) {
	store := memory.NewAttemptStore()
	reader := &chanReader{msgs: make(chan kafka.Message, 4)}
	w := New(reader, store, nil)

	leadID := uuid.New()
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	reader.msgs <- message(t, events.Event{
		ID: uuid.New(), Kind: events.KindOutcome, CampaignID: uuid.New(), LeadID: leadID, Attempt: 1,
		Outcome: domain.OutcomeBusy, LeadStatus: domain.LeadStatusBusy, OccurredAt: at,
	})
	reader.msgs <- message(t, events.Event{
		ID: uuid.New(), Kind: events.KindOutcome, CampaignID: uuid.New(), LeadID: leadID, Attempt: 2,
		Outcome: domain.OutcomeAnswered, LeadStatus: domain.LeadStatusCompleted, Cost: 0.3, DurationMs: 42000, OccurredAt: at.Add(time.Hour),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	attempts, err := store.ListAttemptsByLead(context.Background(), leadID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, 2, attempts[0].AttemptNum)
	require.Equal(t, domain.OutcomeAnswered, attempts[0].Outcome)
	require.Equal(t, 42*time.Second, attempts[0].Duration)
	require.Equal(t, domain.OutcomeBusy, attempts[1].Outcome)
}

func TestWorkerIgnoresOtherKinds(t *testing.T) {
	store := memory.NewAttemptStore()
	w := New(&chanReader{msgs: make(chan kafka.Message)}, store, nil)

	leadID := uuid.New()
	require.NoError(t, w.Handle(context.Background(), events.Event{Kind: events.KindDispatched, LeadID: leadID, Attempt: 1}))

	attempts, err := store.ListAttemptsByLead(context.Background(), leadID, 10)
	require.NoError(t, err)
	require.Empty(t, attempts)
}

type failingStore struct{ memory.AttemptStore }

func (*failingStore) AppendAttempt(context.Context, domain.CallAttempt) error {
	return errors.New("scylla: unavailable")
}

func TestWorkerLeavesFailedMessagesUncommitted(t *testing.T) {
	reader := &chanReader{msgs: make(chan kafka.Message, 1)}
	w := New(reader, &failingStore{}, nil)
	reader.msgs <- message(t, events.Event{ID: uuid.New(), Kind: events.KindOutcome, LeadID: uuid.New(), Attempt: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.msgs) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	require.Zero(t, reader.commits())
}
