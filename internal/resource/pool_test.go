package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-dispatch/pkg/errors"
)

type countingRecorder struct {
	calls atomic.Int64
}

func (r *countingRecorder) RecordUsage(context.Context, domain.PhoneNumber) error {
	r.calls.Add(1)
	return nil
}

func TestNewPoolRequiresNumbers(t *testing.T) {
	_, err := NewPool(nil)
	require.ErrorIs(t, err, apperrors.ErrNoPhoneNumbers)
}

func TestAllocateRoundRobin(t *testing.T) {
	pool, err := NewPool([]domain.PhoneNumber{
		{ID: "a", Number: "+15550000001", DailyCap: 10},
		{ID: "b", Number: "+15550000002", DailyCap: 10},
		{ID: "c", Number: "+15550000003", DailyCap: 10},
	})
	require.NoError(t, err)

	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	var got []string
	for i := 0; i < 5; i++ {
		n, err := pool.Allocate(context.Background(), now, nil)
		require.NoError(t, err)
		got = append(got, n.ID)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b"}, got)
}

func TestAllocateExhaustsAtDailyCap(t *testing.T) {
	rec := &countingRecorder{}
	pool, err := NewPool([]domain.PhoneNumber{{ID: "only", Number: "+15550000001", DailyCap: 2}}, WithRecorder(rec))
	require.NoError(t, err)

	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := pool.Allocate(context.Background(), now, nil)
		require.NoError(t, err)
	}
	_, err = pool.Allocate(context.Background(), now, nil)
	require.ErrorIs(t, err, apperrors.ErrResourceExhausted)
	require.EqualValues(t, 2, rec.calls.Load())
	require.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), pool.NextReset(now))

	// Counter resets exactly once on the next calendar day.
	tomorrow := now.Add(24 * time.Hour)
	n, err := pool.Allocate(context.Background(), tomorrow, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n.DailyCallCount)
	require.Equal(t, "2024-01-03", n.LastResetDate)

	n, err = pool.Allocate(context.Background(), tomorrow.Add(time.Hour), nil)
	require.NoError(t, err)
	require.Equal(t, 2, n.DailyCallCount)
}

func TestAllocateSkipsFullNumbers(t *testing.T) {
	pool, err := NewPool([]domain.PhoneNumber{
		{ID: "a", DailyCap: 1},
		{ID: "b", DailyCap: 3},
	})
	require.NoError(t, err)
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	var got []string
	for i := 0; i < 4; i++ {
		n, err := pool.Allocate(context.Background(), now, nil)
		require.NoError(t, err)
		got = append(got, n.ID)
	}
	require.Equal(t, []string{"a", "b", "b", "b"}, got)
	require.Zero(t, pool.Remaining(now, nil))
}

func TestAllocateRestrictedToDesignatedNumbers(t *testing.T) {
	pool, err := NewPool([]domain.PhoneNumber{
		{ID: "a", DailyCap: 5},
		{ID: "b", DailyCap: 5},
	})
	require.NoError(t, err)
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		n, err := pool.Allocate(context.Background(), now, []string{"b"})
		require.NoError(t, err)
		require.Equal(t, "b", n.ID)
	}
	_, err = pool.Allocate(context.Background(), now, []string{"missing"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.NotErrorIs(t, err, apperrors.ErrResourceExhausted)

	// One known id is enough to rotate; the unknown one is skipped.
	n, err := pool.Allocate(context.Background(), now, []string{"missing", "a"})
	require.NoError(t, err)
	require.Equal(t, "a", n.ID)
	require.True(t, pool.Has("a"))
	require.False(t, pool.Has("missing"))
}

func TestUsageUsesPoolLocationForCalendarDay(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	pool, err := NewPool([]domain.PhoneNumber{{ID: "a", DailyCap: 5}}, WithLocation(loc))
	require.NoError(t, err)

	// 2024-01-03 06:00 UTC is still 2024-01-02 in Los Angeles.
	now := time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC)
	n, err := pool.Allocate(context.Background(), now, nil)
	require.NoError(t, err)
	require.Equal(t, "2024-01-02", n.LastResetDate)

	usage := pool.Usage(now.Add(20 * time.Hour))
	require.Zero(t, usage[0].DailyCallCount)
}

func TestAllocateConcurrentNeverExceedsCap(t *testing.T) {
	numbers := []domain.PhoneNumber{
		{ID: "a", DailyCap: 7},
		{ID: "b", DailyCap: 11},
		{ID: "c", DailyCap: 5},
	}
	pool, err := NewPool(numbers)
	require.NoError(t, err)
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Allocate(context.Background(), now, nil); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 23, granted.Load())
	for _, n := range pool.Usage(now) {
		require.Equal(t, n.DailyCap, n.DailyCallCount)
	}
}
