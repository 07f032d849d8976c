package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(99).String())
}

func TestBreaker_StartsClosed(t *testing.T) {
	cb := New(DefaultConfig(), zap.NewNop())
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_ClosedCallSucceeds(t *testing.T) {
	cb := New(DefaultConfig(), zap.NewNop())

	err := cb.Call(context.Background(), func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := &Config{
		Threshold:        3,
		Timeout:          50 * time.Millisecond,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}
	cb := New(cfg, zap.NewNop())
	upstreamErr := errors.New("upstream unavailable")

	for i := 0; i < 3; i++ {
		err := cb.Call(context.Background(), func() error { return upstreamErr })
		assert.ErrorIs(t, err, upstreamErr)
	}

	assert.Equal(t, StateOpen, cb.State())

	err := cb.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "open circuit should reject calls before cooldown")
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cfg := &Config{
		Threshold:        1,
		Timeout:          50 * time.Millisecond,
		ResetTimeout:     20 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
	cb := New(cfg, zap.NewNop())
	upstreamErr := errors.New("upstream unavailable")

	err := cb.Call(context.Background(), func() error { return upstreamErr })
	assert.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	err = cb.Call(context.Background(), func() error { return nil })
	assert.NoError(t, err, "probe call during half-open should be allowed through")
	assert.Equal(t, StateClosed, cb.State(), "a successful probe closes the circuit")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := &Config{
		Threshold:        1,
		Timeout:          50 * time.Millisecond,
		ResetTimeout:     20 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
	cb := New(cfg, zap.NewNop())
	upstreamErr := errors.New("upstream unavailable")

	_ = cb.Call(context.Background(), func() error { return upstreamErr })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	err := cb.Call(context.Background(), func() error { return upstreamErr })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "a failed probe reopens the circuit")
}

func TestBreaker_HalfOpenCallLimit(t *testing.T) {
	cfg := &Config{
		Threshold:        1,
		Timeout:          50 * time.Millisecond,
		ResetTimeout:     10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}
	cb := New(cfg, zap.NewNop())
	upstreamErr := errors.New("upstream unavailable")

	_ = cb.Call(context.Background(), func() error { return upstreamErr })
	time.Sleep(20 * time.Millisecond)

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = cb.Call(context.Background(), func() error {
			<-block
			return nil
		})
		close(done)
	}()

	// Give the first half-open probe time to be admitted.
	time.Sleep(10 * time.Millisecond)

	err := cb.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyCallsInHalfOpen)

	close(block)
	<-done
}

func TestBreaker_CallTimeout(t *testing.T) {
	cfg := &Config{
		Threshold:        5,
		Timeout:          10 * time.Millisecond,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}
	cb := New(cfg, zap.NewNop())

	err := cb.Call(context.Background(), func() error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestBreaker_CallWithResult(t *testing.T) {
	cb := New(DefaultConfig(), zap.NewNop())

	val, err := cb.CallWithResult(context.Background(), func() (any, error) {
		return "fragment body", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "fragment body", val)
}

func TestBreaker_Reset(t *testing.T) {
	cfg := &Config{
		Threshold:        1,
		Timeout:          50 * time.Millisecond,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
	}
	cb := New(cfg, zap.NewNop())
	upstreamErr := errors.New("upstream unavailable")

	_ = cb.Call(context.Background(), func() error { return upstreamErr })
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	err := cb.Call(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

func TestBreaker_OnStateChangeCallback(t *testing.T) {
	type transition struct{ from, to State }
	changes := make(chan transition, 10)

	cfg := &Config{
		Threshold:        1,
		Timeout:          50 * time.Millisecond,
		ResetTimeout:     time.Minute,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(from, to State) {
			changes <- transition{from, to}
		},
	}
	cb := New(cfg, zap.NewNop())

	_ = cb.Call(context.Background(), func() error { return errors.New("fail") })

	select {
	case tr := <-changes:
		assert.Equal(t, StateClosed, tr.from)
		assert.Equal(t, StateOpen, tr.to)
	case <-time.After(time.Second):
		t.Fatal("expected OnStateChange to fire")
	}
}

func TestNew_NilConfigUsesDefault(t *testing.T) {
	cb := New(nil, zap.NewNop())
	assert.Equal(t, StateClosed, cb.State())
}

func TestNew_NilLoggerDoesNotPanic(t *testing.T) {
	cb := New(DefaultConfig(), nil)
	assert.NotPanics(t, func() {
		_ = cb.Call(context.Background(), func() error { return nil })
	})
}
