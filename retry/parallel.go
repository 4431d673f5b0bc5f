package retry

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Outcome is the settled result of one parallel operation.
type Outcome struct {
	Value any
	Err   error
}

// ExecuteParallelSettled runs every op through Execute concurrently, at most
// Config.Parallelism at a time, and returns every outcome in input order.
// The context key of op i is contextKey[i].
func (e *Engine) ExecuteParallelSettled(ctx context.Context, ops []Operation, contextKey string) []Outcome {
	out := make([]Outcome, len(ops))
	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, op := range ops {
		g.Go(func() error {
			v, err := e.Execute(ctx, op, fmt.Sprintf("%s[%d]", contextKey, i))
			out[i] = Outcome{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ExecuteParallel returns only the successful results, in input order.
// Failures are logged, not returned; callers that need all-or-nothing
// semantics compare the result length with len(ops) or use
// ExecuteParallelSettled.
func (e *Engine) ExecuteParallel(ctx context.Context, ops []Operation, contextKey string) []any {
	settled := e.ExecuteParallelSettled(ctx, ops, contextKey)
	out := make([]any, 0, len(settled))
	failed := 0
	for _, o := range settled {
		if o.Err != nil {
			failed++
			continue
		}
		out = append(out, o.Value)
	}
	e.logPartial(ctx, contextKey, failed, len(out))
	return out
}

func (e *Engine) logPartial(ctx context.Context, contextKey string, failed, succeeded int) {
	if failed == 0 {
		return
	}
	e.log.WarnContext(ctx, "retry.parallel_partial_failure",
		slog.String("context_key", contextKey),
		slog.Int("failed", failed),
		slog.Int("succeeded", succeeded),
	)
}

// DoParallel is ExecuteParallel with typed results.
func DoParallel[T any](ctx context.Context, e *Engine, ops []func(ctx context.Context) (T, error), contextKey string) []T {
	wrapped := make([]Operation, len(ops))
	for i, op := range ops {
		wrapped[i] = wrap(op)
	}
	var out []T
	failed := 0
	for _, o := range e.ExecuteParallelSettled(ctx, wrapped, contextKey) {
		if o.Err != nil {
			failed++
			continue
		}
		t, _ := o.Value.(T)
		out = append(out, t)
	}
	e.logPartial(ctx, contextKey, failed, len(out))
	return out
}
