package voice

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

// endedReasons maps simulated outcomes back to provider reasons.
var endedReasons = map[domain.Outcome]string{
	domain.OutcomeAnswered:       "customer-ended-call",
	domain.OutcomeNoAnswer:       "customer-did-not-answer",
	domain.OutcomeBusy:           "customer-busy",
	domain.OutcomeVoicemail:      "voicemail",
	domain.OutcomeProviderFailed: "pipeline-error-unknown",
}

// OutcomeMix weights simulated outcomes. Missing entries weigh zero.
type OutcomeMix map[domain.Outcome]float64

// DefaultMix resembles a typical outbound list.
func DefaultMix() OutcomeMix {
	return OutcomeMix{
		domain.OutcomeAnswered:       0.55,
		domain.OutcomeNoAnswer:       0.25,
		domain.OutcomeBusy:           0.08,
		domain.OutcomeVoicemail:      0.1,
		domain.OutcomeProviderFailed: 0.02,
	}
}

// MockProvider simulates a voice platform for local runs and tests.
type MockProvider struct {
	mu      sync.Mutex
	mix     OutcomeMix
	latency time.Duration
	rng     *rand.Rand
	decide  func(CreateCallRequest) domain.Outcome
	calls   map[string]*mockCall
	active  int
	peak    int
	created int
}

type mockCall struct {
	call    Call
	outcome domain.Outcome
	readyAt time.Time
	done    bool
}

// MockOption customizes the mock.
type MockOption func(*MockProvider)

// WithMix sets the outcome weights.
func WithMix(mix OutcomeMix) MockOption {
	return func(p *MockProvider) { p.mix = mix }
}

// WithLatency sets how long a call stays in progress.
func WithLatency(d time.Duration) MockOption {
	return func(p *MockProvider) { p.latency = d }
}

// WithSeed makes outcome selection deterministic.
func WithSeed(seed int64) MockOption {
	return func(p *MockProvider) { p.rng = rand.New(rand.NewSource(seed)) }
}

// WithDecider picks the outcome per request, overriding the mix.
func WithDecider(fn func(CreateCallRequest) domain.Outcome) MockOption {
	return func(p *MockProvider) { p.decide = fn }
}

// NewMockProvider constructs a mock provider.
func NewMockProvider(opts ...MockOption) *MockProvider {
	p := &MockProvider{
		mix:   DefaultMix(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		calls: make(map[string]*mockCall),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateCall registers a simulated call.
func (p *MockProvider) CreateCall(ctx context.Context, req CreateCallRequest) (Call, error) {
	if err := ctx.Err(); err != nil {
		return Call{}, fmt.Errorf("mock: create call: %v: %w", err, apperrors.ErrProvider)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := p.pick(req)
	now := time.Now()
	c := &mockCall{
		call:    Call{ID: uuid.NewString(), Status: StatusQueued, StartedAt: &now},
		outcome: outcome,
		readyAt: now.Add(p.latency),
	}
	p.calls[c.call.ID] = c
	p.created++
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	return c.call, nil
}

// GetCall reports the call as in progress until its latency has elapsed.
func (p *MockProvider) GetCall(_ context.Context, callID string) (Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.calls[callID]
	if !ok {
		return Call{}, fmt.Errorf("mock: call %s: %w", callID, apperrors.ErrNotFound)
	}
	now := time.Now()
	if now.Before(c.readyAt) {
		c.call.Status = StatusInProgress
		return c.call, nil
	}
	if !c.done {
		c.done = true
		p.active--
		c.call.Status = StatusEnded
		c.call.EndedReason = endedReasons[c.outcome]
		c.call.EndedAt = &now
		if c.outcome == domain.OutcomeAnswered {
			c.call.Cost = 0.05 + c.call.Duration().Minutes()*0.1
		}
	}
	return c.call, nil
}

// Created is the number of calls placed so far.
func (p *MockProvider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Peak is the highest number of simultaneously unfinished calls.
func (p *MockProvider) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

func (p *MockProvider) pick(req CreateCallRequest) domain.Outcome {
	if p.decide != nil {
		return p.decide(req)
	}
	var total float64
	for _, w := range p.mix {
		total += w
	}
	if total <= 0 {
		return domain.OutcomeAnswered
	}
	r := p.rng.Float64() * total
	for _, o := range []domain.Outcome{
		domain.OutcomeAnswered, domain.OutcomeNoAnswer, domain.OutcomeBusy,
		domain.OutcomeVoicemail, domain.OutcomeProviderFailed,
	} {
		r -= p.mix[o]
		if r < 0 {
			return o
		}
	}
	return domain.OutcomeAnswered
}
