package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/rpcguard-go/rpcerror"
	"github.com/ggoodman/rpcguard-go/storage"
)

// CircuitNamespace is the storage namespace holding circuit records.
const CircuitNamespace = "circuit"

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Circuit is the persisted breaker record for one context key.
type Circuit struct {
	State        State `json:"state" jsonschema:"enum=closed,enum=open,enum=half-open"`
	FailureCount int   `json:"failureCount"`
	// LastFailureTime is unix milliseconds; for a half-open circuit it is
	// the start of the running trial.
	LastFailureTime int64 `json:"lastFailureTime"`
}

func (c Circuit) lastFailure() time.Time {
	return time.UnixMilli(c.LastFailureTime)
}

// CircuitOpenError is returned without invoking the operation while a
// circuit is open.
type CircuitOpenError struct {
	ContextKey string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open for %s, try again in %s", e.ContextKey, e.RetryAfter.Round(time.Millisecond))
}

// Is matches rpcerror.ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == rpcerror.ErrCircuitOpen
}

// ExecuteWithCircuitBreaker runs op through Execute guarded by the circuit
// stored under contextKey. After failureThreshold consecutive failures the
// circuit opens and calls fail fast until recoveryTimeout has elapsed since
// the last failure; then exactly one trial attempt is let through.
func (e *Engine) ExecuteWithCircuitBreaker(ctx context.Context, op Operation, contextKey string, failureThreshold int, recoveryTimeout time.Duration) (any, error) {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}

	trial, err := e.admit(ctx, contextKey, recoveryTimeout)
	if err != nil {
		return nil, err
	}

	var v any
	if trial {
		v, err = e.execute(ctx, op, contextKey, 0)
	} else {
		v, err = e.Execute(ctx, op, contextKey)
	}

	e.settle(ctx, contextKey, trial, err, failureThreshold)
	return v, err
}

// admit decides whether an operation may run. It reports whether the run
// is a half-open trial.
func (e *Engine) admit(ctx context.Context, key string, recovery time.Duration) (bool, error) {
	e.circuits.Lock(key)
	defer e.circuits.Unlock(key)

	c := e.loadCircuit(ctx, key)
	now := e.now()

	switch c.State {
	case StateOpen, StateHalfOpen:
		elapsed := now.Sub(c.lastFailure())
		if elapsed < recovery {
			return false, &CircuitOpenError{ContextKey: key, RetryAfter: recovery - elapsed}
		}
		c.State = StateHalfOpen
		c.LastFailureTime = now.UnixMilli()
		e.saveCircuit(ctx, key, c)
		e.monitor.CircuitTransition(key, string(StateHalfOpen))
		e.log.InfoContext(ctx, "circuit.half_open", slog.String("context_key", key))
		return true, nil
	}
	return false, nil
}

func (e *Engine) settle(ctx context.Context, key string, trial bool, opErr error, threshold int) {
	e.circuits.Lock(key)
	defer e.circuits.Unlock(key)

	c := e.loadCircuit(ctx, key)

	if opErr == nil {
		if c.State != StateClosed || c.FailureCount != 0 {
			if c.State != StateClosed {
				e.monitor.CircuitTransition(key, string(StateClosed))
				e.log.InfoContext(ctx, "circuit.closed", slog.String("context_key", key))
			}
			e.saveCircuit(ctx, key, Circuit{State: StateClosed})
		}
		return
	}

	now := e.now().UnixMilli()
	if trial {
		e.saveCircuit(ctx, key, Circuit{State: StateOpen, FailureCount: threshold, LastFailureTime: now})
		e.monitor.CircuitTransition(key, string(StateOpen))
		e.log.ErrorContext(ctx, "circuit.reopened", slog.String("context_key", key))
		return
	}

	c.FailureCount++
	c.LastFailureTime = now
	if c.FailureCount >= threshold && c.State != StateOpen {
		c.State = StateOpen
		e.monitor.CircuitTransition(key, string(StateOpen))
		e.log.ErrorContext(ctx, "circuit.opened",
			slog.String("context_key", key),
			slog.Int("failures", c.FailureCount),
		)
	}
	e.saveCircuit(ctx, key, c)
}

// CircuitState returns the stored record for contextKey, or a closed
// circuit when none exists.
func (e *Engine) CircuitState(ctx context.Context, contextKey string) (Circuit, error) {
	item, err := e.store.Get(ctx, contextKey, storage.WithNamespace(CircuitNamespace))
	if err != nil {
		return Circuit{}, err
	}
	if item == nil {
		return Circuit{State: StateClosed}, nil
	}
	var c Circuit
	if err := json.Unmarshal(item.Data, &c); err != nil {
		return Circuit{}, fmt.Errorf("decode circuit %s: %w", contextKey, err)
	}
	return c, nil
}

// ResetCircuit forgets the record for contextKey.
func (e *Engine) ResetCircuit(ctx context.Context, contextKey string) error {
	e.circuits.Lock(contextKey)
	defer e.circuits.Unlock(contextKey)
	return e.store.Delete(ctx, storage.WithNamespace(CircuitNamespace), storage.WithKey(contextKey))
}

// loadCircuit treats unreadable state as closed so a broken backend
// degrades to plain retries.
func (e *Engine) loadCircuit(ctx context.Context, key string) Circuit {
	c, err := e.CircuitState(ctx, key)
	if err != nil {
		e.log.WarnContext(ctx, "circuit.load_failed", slog.String("context_key", key), slog.String("err", err.Error()))
		return Circuit{State: StateClosed}
	}
	if c.State == "" {
		c.State = StateClosed
	}
	return c
}

func (e *Engine) saveCircuit(ctx context.Context, key string, c Circuit) {
	data, err := json.Marshal(c)
	if err == nil {
		err = e.store.Set(ctx, key, data, storage.WithNamespace(CircuitNamespace))
	}
	if err != nil {
		e.log.WarnContext(ctx, "circuit.save_failed", slog.String("context_key", key), slog.String("err", err.Error()))
	}
}

// DoWithCircuitBreaker is ExecuteWithCircuitBreaker with a typed result.
func DoWithCircuitBreaker[T any](ctx context.Context, e *Engine, op func(ctx context.Context) (T, error), contextKey string, failureThreshold int, recoveryTimeout time.Duration) (T, error) {
	v, err := e.ExecuteWithCircuitBreaker(ctx, wrap(op), contextKey, failureThreshold, recoveryTimeout)
	return typed[T](v, err)
}
