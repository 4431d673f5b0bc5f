// Package batch aggregates independent read calls into grouped round trips
// against a batching endpoint. Every group runs through the retry engine
// and a group that still fails only degrades its own calls.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/rpcguard-go/internal/logctx"
	"github.com/ggoodman/rpcguard-go/metrics"
	"github.com/ggoodman/rpcguard-go/retry"
)

// Context keys used for the retry engine.
const (
	KeyAggregate    = "aggregate3"
	KeyTryAggregate = "tryAggregate"
)

// Call is one read addressed to Target. Data is the opaque call payload.
type Call struct {
	Target       string
	Data         []byte
	AllowFailure bool
}

// Result is the outcome of one Call. Data is empty when Success is false.
type Result struct {
	Success bool
	Data    []byte
}

// Endpoint executes one group of calls in a single round trip and returns
// one Result per call in request order.
type Endpoint interface {
	Aggregate(ctx context.Context, calls []Call) ([]Result, error)
	// TryAggregate must fail the whole group when requireSuccess is set and
	// any call fails.
	TryAggregate(ctx context.Context, requireSuccess bool, calls []Call) ([]Result, error)
}

// ErrLengthMismatch is returned when an endpoint answers a group with a
// different number of results than calls.
var ErrLengthMismatch = errors.New("batch: result count does not match call count")

// GroupFailureError aborts TryAggregate when success is required and a call
// in the group at Offset did not succeed.
type GroupFailureError struct {
	Group  int
	Offset int
	Size   int
	Err    error
}

func (e *GroupFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch group %d (calls %d-%d) failed: %v", e.Group, e.Offset, e.Offset+e.Size-1, e.Err)
	}
	return fmt.Sprintf("batch group %d (calls %d-%d) contains a failed call", e.Group, e.Offset, e.Offset+e.Size-1)
}

func (e *GroupFailureError) Unwrap() error { return e.Err }

// Config controls grouping and pacing.
type Config struct {
	// BatchSize is the maximum number of calls per round trip.
	BatchSize int
	// Pacing is the wait between consecutive groups of one invocation.
	Pacing time.Duration
}

// DefaultConfig returns the default grouping.
func DefaultConfig() Config {
	return Config{BatchSize: 100, Pacing: 16 * time.Millisecond}
}

// Option customizes a Batcher.
type Option func(*Batcher)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) {
		if l != nil {
			b.log = l
		}
	}
}

// WithSleep overrides the pacing wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Batcher) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

// WithMonitor reports group outcomes to m.
func WithMonitor(m *metrics.Monitor) Option {
	return func(b *Batcher) { b.monitor = m }
}

// Batcher splits calls into groups and executes them through an Endpoint.
type Batcher struct {
	endpoint Endpoint
	engine   *retry.Engine
	cfg      Config
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	monitor  *metrics.Monitor
}

// New creates a Batcher.
func New(endpoint Endpoint, engine *retry.Engine, cfg Config, opts ...Option) *Batcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	b := &Batcher{
		endpoint: endpoint,
		engine:   engine,
		cfg:      cfg,
		log:      slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.log = logctx.Wrap(b.log)
	return b
}

// Aggregate executes calls honouring each call's AllowFailure flag. The
// result always has len(calls) entries in input order; a group that fails
// after retries yields failed results for its calls. The error is non-nil
// only when ctx ended before every group ran.
func (b *Batcher) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	return b.run(ctx, calls, KeyAggregate, false, b.endpoint.Aggregate)
}

// AggregateWithFailure is Aggregate with every call's AllowFailure set to
// allowFailure.
func (b *Batcher) AggregateWithFailure(ctx context.Context, calls []Call, allowFailure bool) ([]Result, error) {
	overridden := make([]Call, len(calls))
	for i, c := range calls {
		c.AllowFailure = allowFailure
		overridden[i] = c
	}
	return b.Aggregate(ctx, overridden)
}

// TryAggregate executes calls in try mode. With requireSuccess unset it
// degrades failed groups like Aggregate. With requireSuccess set, the first
// group that fails or contains an unsuccessful call aborts the invocation
// with a *GroupFailureError and no further groups are sent.
func (b *Batcher) TryAggregate(ctx context.Context, calls []Call, requireSuccess bool) ([]Result, error) {
	return b.run(ctx, calls, KeyTryAggregate, requireSuccess, func(ctx context.Context, group []Call) ([]Result, error) {
		return b.endpoint.TryAggregate(ctx, requireSuccess, group)
	})
}

func (b *Batcher) run(ctx context.Context, calls []Call, key string, strict bool, send func(context.Context, []Call) ([]Result, error)) ([]Result, error) {
	if len(calls) == 0 {
		return []Result{}, nil
	}

	size := b.cfg.BatchSize
	groups := (len(calls) + size - 1) / size
	out := make([]Result, 0, len(calls))

	for g := 0; g < groups; g++ {
		lo := g * size
		hi := min(lo+size, len(calls))
		group := calls[lo:hi]

		if g > 0 {
			if err := b.sleep(ctx, b.cfg.Pacing); err != nil {
				return fill(out, len(calls)), err
			}
		}
		if err := ctx.Err(); err != nil {
			return fill(out, len(calls)), err
		}

		gctx := logctx.WithBatch(ctx, &logctx.BatchData{Group: g, Groups: groups, Size: len(group)})
		res, err := b.sendGroup(gctx, key, group, send)
		b.monitor.BatchGroup(key, err == nil)

		if strict {
			if err == nil {
				if i := firstFailure(res); i >= 0 {
					b.log.ErrorContext(gctx, "batch.group_required_success", slog.Int("call", lo+i))
					return nil, &GroupFailureError{Group: g, Offset: lo, Size: len(group)}
				}
			} else {
				b.log.ErrorContext(gctx, "batch.group_failed", slog.String("err", err.Error()))
				return nil, &GroupFailureError{Group: g, Offset: lo, Size: len(group), Err: err}
			}
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fill(out, len(calls)), ctxErr
			}
			b.log.ErrorContext(gctx, "batch.group_degraded", slog.String("err", err.Error()))
			out = fill(out, len(out)+len(group))
			continue
		}
		out = append(out, res...)
	}
	return out, nil
}

func (b *Batcher) sendGroup(ctx context.Context, key string, group []Call, send func(context.Context, []Call) ([]Result, error)) ([]Result, error) {
	return retry.Do(ctx, b.engine, func(ctx context.Context) ([]Result, error) {
		res, err := send(ctx, group)
		if err != nil {
			return nil, err
		}
		if len(res) != len(group) {
			return nil, fmt.Errorf("%w: sent %d, got %d", ErrLengthMismatch, len(group), len(res))
		}
		return res, nil
	}, key)
}

func firstFailure(res []Result) int {
	for i, r := range res {
		if !r.Success {
			return i
		}
	}
	return -1
}

// fill pads out with failed results up to n entries.
func fill(out []Result, n int) []Result {
	for len(out) < n {
		out = append(out, Result{})
	}
	return out
}

// Decode converts a successful result with fn. It reports false for failed
// or empty results and for payloads fn rejects.
func Decode[T any](res Result, fn func([]byte) (T, error)) (T, bool) {
	var zero T
	if !res.Success || len(res.Data) == 0 {
		return zero, false
	}
	v, err := fn(res.Data)
	if err != nil {
		return zero, false
	}
	return v, true
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
