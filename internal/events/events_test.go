package events

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
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	evt := Event{ID: uuid.New(), Kind: KindDispatched}
	require.NoError(t, bus.Publish(context.Background(), evt))
	require.Equal(t, evt, <-a)
	require.Equal(t, evt, <-b)

	cancelA()
	_, open := <-a
	require.False(t, open)

	require.NoError(t, bus.Publish(context.Background(), evt))
	require.Equal(t, evt, <-b)
}

func TestBusPublishHonoursContext(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(0)
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer stop()
	require.ErrorIs(t, bus.Publish(ctx, Event{}), context.DeadlineExceeded)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	bus.Close()
	cancel()
	_, open := <-ch
	require.False(t, open)
	require.NoError(t, bus.Publish(context.Background(), Event{}))
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherOnlyShipsOutcomes(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w)
	lead := uuid.New()

	require.NoError(t, p.Publish(context.Background(), Event{Kind: KindDeferred, LeadID: lead}))
	require.NoError(t, p.Publish(context.Background(), Event{
		Kind: KindOutcome, LeadID: lead, Outcome: domain.OutcomeBusy, OccurredAt: time.Unix(100, 0).UTC(),
	}))

	require.Len(t, w.msgs, 1)
	require.Equal(t, lead[:], w.msgs[0].Key)
	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, domain.OutcomeBusy, decoded.Outcome)
}

type recordingAppender struct {
	mu       sync.Mutex
	attempts []domain.CallAttempt
}

func (r *recordingAppender) AppendAttempt(_ context.Context, a domain.CallAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *recordingAppender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func runForwarder(t *testing.T, f *Forwarder) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestForwarderFallsBackWhenTopicRejects(t *testing.T) {
	bus := NewBus()
	store := &recordingAppender{}
	f := NewForwarder(bus, NewKafkaPublisherWithWriter(&fakeWriter{err: errors.New("broker down")}), store, 8, 50*time.Millisecond, nil)
	stop := runForwarder(t, f)
	defer stop()

	lead := uuid.New()
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindDispatched, LeadID: lead, Attempt: 1}))
	require.NoError(t, bus.Publish(context.Background(), Event{
		ID: uuid.New(), Kind: KindOutcome, LeadID: lead, Attempt: 1, Outcome: domain.OutcomeNoAnswer, DurationMs: 900,
	}))

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
	store.mu.Lock()
	got := store.attempts[0]
	store.mu.Unlock()
	require.Equal(t, lead, got.LeadID)
	require.Equal(t, 1, got.AttemptNum)
	require.Equal(t, domain.OutcomeNoAnswer, got.Outcome)
	require.Equal(t, 900*time.Millisecond, got.Duration)
}

func TestForwarderShipsOutcomesWithoutFallback(t *testing.T) {
	bus := NewBus()
	w := &fakeWriter{}
	store := &recordingAppender{}
	f := NewForwarder(bus, NewKafkaPublisherWithWriter(w), store, 8, time.Second, nil)
	stop := runForwarder(t, f)

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindOutcome, LeadID: uuid.New(), Attempt: 1}))
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindDeferred, LeadID: uuid.New()}))
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.msgs) == 1
	}, time.Second, 5*time.Millisecond)

	stop()
	require.Zero(t, store.count())
}

func TestForwarderDrainsBufferedOutcomesOnShutdown(t *testing.T) {
	bus := NewBus()
	w := &fakeWriter{}
	f := NewForwarder(bus, NewKafkaPublisherWithWriter(w), nil, 8, time.Second, nil)

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindOutcome, LeadID: uuid.New(), Attempt: i}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.Run(ctx))

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 3)
}

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed += len(msgs)
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerDecodesAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	evt := Event{ID: uuid.New(), Kind: KindOutcome, LeadID: uuid.New(), Attempt: 2, DurationMs: 1500}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	reader.msgs <- kafka.Message{Value: []byte("garbage")}
	reader.msgs <- kafka.Message{Value: raw}

	got := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c := NewConsumer(reader, func(_ context.Context, e Event) error {
		got <- e
		return nil
	}, nil)
	go func() { done <- c.Run(ctx) }()

	received := <-got
	require.Equal(t, evt.ID, received.ID)
	require.Equal(t, 1500*time.Millisecond, received.AttemptRecord().Duration)

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return reader.committed == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestBusUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(0)

	done := make(chan error, 1)
	go func() { done <- bus.Publish(context.Background(), Event{Kind: KindOutcome}) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after unsubscribe")
	}
	bus.Close()
}
