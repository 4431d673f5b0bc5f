// Package retry runs operations under bounded retries with per-attempt
// timeouts, exponential backoff and a circuit breaker whose state lives in
// a storage.Storage so it survives restarts and can be shared.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/rpcguard-go/internal/logctx"
	"github.com/ggoodman/rpcguard-go/metrics"
	"github.com/ggoodman/rpcguard-go/rpcerror"
	"github.com/ggoodman/rpcguard-go/storage"
	"github.com/ggoodman/rpcguard-go/storage/memory"
)

// ErrTimeout is returned (wrapped) when an attempt exceeds Config.Timeout.
var ErrTimeout = rpcerror.ErrTimeout

// Operation is one unit of retryable work. The context is cancelled when
// the attempt times out or the caller gives up.
type Operation func(ctx context.Context) (any, error)

// ExhaustedError reports the last failure of an operation that ran out of
// attempts or hit a non-retryable error.
type ExhaustedError struct {
	ContextKey string
	Attempts   int
	Err        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.ContextKey, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Stats describes the most recently completed Execute.
type Stats struct {
	Attempts  int
	TotalTime time.Duration
	LastError error
	Success   bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStorage sets the backend holding circuit breaker state.
func WithStorage(s storage.Storage) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides time.Now for circuit bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep overrides the backoff wait. The function must return early with
// ctx.Err() when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithMonitor reports attempts and circuit transitions to m.
func WithMonitor(m *metrics.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// Engine executes operations with retries. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	store   storage.Storage
	log     *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	monitor *metrics.Monitor

	circuits keyMutex

	statsMu sync.Mutex
	stats   Stats
}

// New creates an Engine. Without WithStorage circuit state is kept in a
// private in-memory store.
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:   cfg.applyDefaults(),
		log:   slog.Default(),
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.store == nil {
		mem, err := memory.New(1024)
		if err != nil {
			return nil, fmt.Errorf("create circuit store: %w", err)
		}
		e.store = mem
	}
	e.log = logctx.Wrap(e.log)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Execute runs op until it succeeds, the retry condition rejects its error,
// attempts are exhausted or ctx is done.
func (e *Engine) Execute(ctx context.Context, op Operation, contextKey string) (any, error) {
	return e.execute(ctx, op, contextKey, e.cfg.MaxRetries)
}

func (e *Engine) execute(ctx context.Context, op Operation, contextKey string, maxRetries int) (any, error) {
	start := e.now()
	var (
		attempts int
		lastErr  error
	)

	finish := func(success bool) {
		e.statsMu.Lock()
		e.stats = Stats{Attempts: attempts, TotalTime: e.now().Sub(start), LastError: lastErr, Success: success}
		e.statsMu.Unlock()
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts = attempt + 1
		actx := logctx.WithOperation(ctx, &logctx.OperationData{ContextKey: contextKey, Attempt: attempts})

		v, err := e.attempt(actx, op)
		e.monitor.RetryAttempt(contextKey, err)
		if err == nil {
			finish(true)
			if attempt > 0 {
				e.log.InfoContext(actx, "retry.recovered", slog.Duration("elapsed", e.now().Sub(start)))
			}
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			finish(false)
			if lastErr != nil {
				return nil, errors.Join(ctxErr, lastErr)
			}
			return nil, ctxErr
		}
		lastErr = err

		if attempt >= maxRetries || !e.cfg.RetryCondition(err) {
			break
		}

		delay := e.cfg.Delay(attempt)
		e.log.WarnContext(actx, "retry.attempt_failed",
			slog.Duration("retry_in", delay),
			slog.String("err", err.Error()),
		)
		if err := e.sleep(ctx, delay); err != nil {
			finish(false)
			return nil, errors.Join(err, lastErr)
		}
	}

	finish(false)
	e.log.ErrorContext(ctx, "retry.exhausted",
		slog.String("context_key", contextKey),
		slog.Int("attempts", attempts),
		slog.String("category", rpcerror.Classify(lastErr).String()),
		slog.String("err", lastErr.Error()),
	)
	return nil, &ExhaustedError{ContextKey: contextKey, Attempts: attempts, Err: lastErr}
}

type outcome struct {
	v   any
	err error
}

// attempt races op against the per-attempt timeout. A late result is
// discarded; op observes the cancellation through its context.
func (e *Engine) attempt(ctx context.Context, op Operation) (any, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		v, err := op(actx)
		done <- outcome{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout)
	}
}

// Stats returns the statistics of the last completed Execute.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// ResetStats zeroes the statistics.
func (e *Engine) ResetStats() {
	e.statsMu.Lock()
	e.stats = Stats{}
	e.statsMu.Unlock()
}

// Do is Execute with a typed result.
func Do[T any](ctx context.Context, e *Engine, op func(ctx context.Context) (T, error), contextKey string) (T, error) {
	v, err := e.Execute(ctx, wrap(op), contextKey)
	return typed[T](v, err)
}

func wrap[T any](op func(ctx context.Context) (T, error)) Operation {
	return func(ctx context.Context) (any, error) {
		return op(ctx)
	}
}

func typed[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return t, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
