package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Name:           "test",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		HealthyAfter:   time.Hour,
		Logger:         hclog.NewNullLogger(),
	}
}

// recorder notes the start time of every run.
type recorder struct {
	sync.Mutex
	starts []time.Time
}

func (r *recorder) mark() int {
	r.Lock()
	defer r.Unlock()
	r.starts = append(r.starts, time.Now())
	return len(r.starts)
}

func (r *recorder) gaps() []time.Duration {
	r.Lock()
	defer r.Unlock()
	gaps := make([]time.Duration, 0)
	for i := 1; i < len(r.starts); i++ {
		gaps = append(gaps, r.starts[i].Sub(r.starts[i-1]))
	}
	return gaps
}

func TestRestartsWithGrowingBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, func(ctx context.Context) error {
			if rec.mark() == 5 {
				<-ctx.Done()
				return nil
			}
			return errors.New("boom")
		}, testOptions())
	}()

	assert.Eventually(t, func() bool { return len(rec.gaps()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	gaps := rec.gaps()
	assert.GreaterOrEqual(t, gaps[0], 10*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 20*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[2], 40*time.Millisecond)
	// capped
	assert.GreaterOrEqual(t, gaps[3], 40*time.Millisecond)
	assert.Less(t, gaps[3], 80*time.Millisecond)
}

func TestPanicIsRecovered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, func(ctx context.Context) error {
			if rec.mark() == 1 {
				panic("kaput")
			}
			<-ctx.Done()
			return nil
		}, testOptions())
	}()
	assert.Eventually(t, func() bool { return len(rec.gaps()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestHealthyRunResetsBackoff(t *testing.T) {
	opts := testOptions()
	opts.HealthyAfter = 30 * time.Millisecond
	opts.MaxBackoff = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, func(ctx context.Context) error {
			n := rec.mark()
			switch {
			case n == 4:
				// healthy run
				time.Sleep(40 * time.Millisecond)
			case n >= 6:
				<-ctx.Done()
				return nil
			}
			return errors.New("boom")
		}, opts)
	}()
	assert.Eventually(t, func() bool { return len(rec.gaps()) == 5 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	gaps := rec.gaps()
	// after the healthy fourth run the delay is back at the initial backoff
	assert.Less(t, gaps[4], 40*time.Millisecond)
}

func TestGivesUpAfterMaxRestarts(t *testing.T) {
	opts := testOptions()
	opts.MaxRestarts = 2
	calls := 0
	err := Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	}, opts)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestCancelDuringBackoff(t *testing.T) {
	opts := testOptions()
	opts.InitialBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Run(ctx, func(context.Context) error { return errors.New("boom") }, opts)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
