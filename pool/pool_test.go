package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xypriss/xypriss/xyerrors"
)

func newTestPool() *Pool {
	return New(Config{
		CPUMin: 1, CPUMax: 2,
		IOMin: 1, IOMax: 2,
		RetryBackoff:     time.Millisecond,
		DrainGracePeriod: time.Second,
	}, zerolog.Nop())
}

func TestPool_SubmitAndRun(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	ch, err := p.Submit(&Task{
		Fn:      func(context.Context) error { return nil },
		Timeout: NoTimeout,
	})
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.NoError(t, r.Err)
		assert.Equal(t, 1, r.Attempts)
	case <-time.After(time.Second):
		t.Fatal("task never completed")
	}
}

func TestPool_RejectsLiteralZeroTimeout(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	_, err := p.Submit(&Task{Fn: func(context.Context) error { return nil }})
	require.Error(t, err)
}

func TestPool_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	var attempts atomic.Int32
	ch, err := p.Submit(&Task{
		Fn: func(context.Context) error {
			n := attempts.Add(1)
			if n < 3 {
				return xyerrors.Transient(errors.New("blip"), "not yet")
			}
			return nil
		},
		Timeout: NoTimeout,
	})
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.NoError(t, r.Err)
		assert.Equal(t, 3, r.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
}

func TestPool_NeverRetriesValidationErrors(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	var attempts atomic.Int32
	ch, err := p.Submit(&Task{
		Fn: func(context.Context) error {
			attempts.Add(1)
			return xyerrors.Validation("bad input")
		},
		Timeout: NoTimeout,
	})
	require.NoError(t, err)

	r := <-ch
	assert.Error(t, r.Err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPool_NoRetriesSentinelOverridesDefault(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	var attempts atomic.Int32
	ch, err := p.Submit(&Task{
		Fn: func(context.Context) error {
			attempts.Add(1)
			return xyerrors.Timeout("always late")
		},
		Timeout:    NoTimeout,
		MaxRetries: NoRetries,
	})
	require.NoError(t, err)

	r := <-ch
	assert.Error(t, r.Err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPool_ShutdownDrainsInFlightWork(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	var ran atomic.Bool
	_, err := p.Submit(&Task{
		Fn: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			ran.Store(true)
			return nil
		},
		Timeout: NoTimeout,
	})
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, ran.Load())
}

func TestPool_ShutdownRejectsNewSubmissions(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Submit(&Task{Fn: func(context.Context) error { return nil }, Timeout: NoTimeout})
	assert.Error(t, err)
}
