// Package circuitbreaker protects upstream fragment hosts from repeated
// doomed calls: once a host fails enough consecutive fetches it is tripped
// open for a cooldown window before being probed again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three circuit-breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config tunes breaker thresholds.
type Config struct {
	Threshold        int
	Timeout          time.Duration
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
	OnStateChange    func(from State, to State)
}

// DefaultConfig returns thresholds sized for a single upstream fragment host.
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		Timeout:          5 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker wraps a call with trip/cooldown/probe semantics.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func() error) error
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)
	State() State
	Reset()
}

type breaker struct {
	config *Config
	logger *zap.Logger

	mu                sync.RWMutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// New creates a CircuitBreaker.
func New(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{config: config, logger: logger, state: StateClosed}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := fmt.Errorf("upstream call timed out: %w", callCtx.Err())
		b.afterCall(false)
		return nil, err
	case res := <-resultCh:
		success := res.err == nil
		b.afterCall(success)
		if !success {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 1
			b.logger.Info("circuit entering half-open")
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil
	default:
		return fmt.Errorf("unknown circuit state: %v", b.state)
	}
}

func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.logger.Info("circuit recovered", zap.Int("half_open_calls", b.halfOpenCallCount))
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0
	case StateOpen:
		b.logger.Warn("success observed while circuit open")
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit opening",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("probe failed, reopening circuit")
		b.setState(StateOpen)
		b.halfOpenCallCount = 0
	case StateOpen:
		b.logger.Warn("failure observed while circuit open")
	}
}

func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0
	b.logger.Info("circuit reset", zap.String("from_state", oldState.String()))
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

var (
	ErrCircuitOpen            = errors.New("circuit breaker open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls while half-open")
)
