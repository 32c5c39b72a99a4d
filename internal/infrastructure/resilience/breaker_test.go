package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("unavailable")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(s Settings) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	b := New("kernel", s)
	b.now = c.now
	b.expiry = c.now().Add(b.settings.Interval)
	return b, c
}

func fail(context.Context) error { return errRemote }
func ok(context.Context) error   { return nil }

func TestBreakerStateTransitions(t *testing.T) {
	var changes []string
	b, c := newBreaker(Settings{
		Timeout:     time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(_ string, from, to State) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errRemote)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(ctx, ok), ErrCircuitOpen)

	c.advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, c := newBreaker(Settings{Timeout: time.Second, ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	c.advance(2 * time.Second)
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	b, c := newBreaker(Settings{Timeout: time.Second, ReadyToTrip: func(c Counts) bool { return true }})
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	c.advance(2 * time.Second)

	err := b.Do(ctx, func(ctx context.Context) error {
		return b.Do(ctx, ok)
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestIsFailureFiltersErrors(t *testing.T) {
	rejected := errors.New("kernel said no")
	b, _ := newBreaker(Settings{
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, rejected) },
	})

	assert.ErrorIs(t, b.Do(context.Background(), func(context.Context) error { return rejected }), rejected)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().TotalSuccesses)
}

func TestCancelledContextDoesNotCount(t *testing.T) {
	b, _ := newBreaker(Settings{ReadyToTrip: func(c Counts) bool { return true }})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Do(ctx, ok), context.Canceled)
	assert.Zero(t, b.Counts().Requests)
	assert.Equal(t, StateClosed, b.State())
}

func TestIntervalClearsCounts(t *testing.T) {
	b, c := newBreaker(Settings{Interval: time.Second})
	_ = b.Do(context.Background(), fail)
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)

	c.advance(2 * time.Second)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Counts().Requests)
}

func TestPanicCountsAsFailure(t *testing.T) {
	b, _ := newBreaker(Settings{ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})
	assert.Panics(t, func() {
		_ = b.Do(context.Background(), func(context.Context) error { panic("x") })
	})
	assert.Equal(t, StateOpen, b.State())
}
