package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/rpcguard-go/internal/jsonrpc"
	"github.com/ggoodman/rpcguard-go/rpcerror"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	e, err := New(cfg, append([]Option{WithSleep(rec.sleep)}, opts...)...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return e, rec
}

var errNetwork = errors.New("network request failed")

func TestExecuteSucceedsFirstTry(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig())

	v, err := e.Execute(context.Background(), func(context.Context) (any, error) { return 42, nil }, "op")
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if v != 42 {
		t.Fatalf("Execute() = %v, want 42", v)
	}
	if len(rec.get()) != 0 {
		t.Fatal("no delay expected on success")
	}
	if st := e.Stats(); st.Attempts != 1 || !st.Success {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestExecuteTransientExhaustsAllAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 4
	cfg.RetryDelay = 100 * time.Millisecond
	cfg.MaxRetryDelay = 500 * time.Millisecond
	e, rec := newTestEngine(t, cfg)

	var calls atomic.Int32
	_, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errNetwork
	}, "op")

	if got := calls.Load(); got != 5 {
		t.Fatalf("expected MaxRetries+1 = 5 attempts, got %d", got)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 5 {
		t.Fatalf("expected ExhaustedError with 5 attempts, got %v", err)
	}
	if !errors.Is(err, errNetwork) {
		t.Fatal("last error must be surfaced")
	}

	delays := rec.get()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
		if i > 0 && delays[i] < delays[i-1] {
			t.Fatalf("delays must be non-decreasing: %v", delays)
		}
	}
}

func TestExecuteLinearBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = 50 * time.Millisecond
	cfg.ExponentialBackoff = false
	e, rec := newTestEngine(t, cfg)

	_, _ = e.Execute(context.Background(), func(context.Context) (any, error) { return nil, errNetwork }, "op")
	for _, d := range rec.get() {
		if d != 50*time.Millisecond {
			t.Fatalf("expected constant delay, got %v", rec.get())
		}
	}
}

func TestExecuteUserRejectionIsNotRetried(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig())

	var calls atomic.Int32
	_, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeUserRejected, Message: "User rejected the request."}
	}, "connect_wallet")

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
	if len(rec.get()) != 0 {
		t.Fatal("no delay expected for user rejection")
	}
	if rpcerror.Classify(err) != rpcerror.CategoryUserRejected {
		t.Fatalf("classification lost through wrapping: %v", err)
	}
}

func TestExecuteRecoversAfterFailures(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())

	var calls atomic.Int32
	v, err := e.Execute(context.Background(), func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errNetwork
		}
		return "ok", nil
	}, "op")
	if err != nil || v != "ok" {
		t.Fatalf("Execute() = %v, %v", v, err)
	}
	if st := e.Stats(); st.Attempts != 3 || !st.Success || !errors.Is(st.LastError, errNetwork) {
		t.Fatalf("unexpected stats: %+v", st)
	}
	e.ResetStats()
	if st := e.Stats(); st.Attempts != 0 {
		t.Fatalf("ResetStats did not reset: %+v", st)
	}
}

func TestExecuteAttemptTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.Timeout = 20 * time.Millisecond
	e, _ := newTestEngine(t, cfg)

	var calls atomic.Int32
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, "slow")

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("timeouts must be retried, got %d attempts", calls.Load())
	}
}

func TestExecuteStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Hour
	cfg.MaxRetryDelay = time.Hour
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, func(context.Context) (any, error) {
			calls.Add(1)
			return nil, errNetwork
		}, "op")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || !errors.Is(err, errNetwork) {
			t.Fatalf("expected cancellation joined with last error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not observe cancellation")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one attempt before cancellation, got %d", calls.Load())
	}
}

func TestCustomRetryCondition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryCondition = func(error) bool { return false }
	e, _ := newTestEngine(t, cfg)

	var calls atomic.Int32
	_, _ = e.Execute(context.Background(), func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errNetwork
	}, "op")
	if calls.Load() != 1 {
		t.Fatalf("custom condition ignored: %d attempts", calls.Load())
	}
}

func TestDoTyped(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	got, err := Do(context.Background(), e, func(context.Context) (string, error) { return "0xabc", nil }, "op")
	if err != nil || got != "0xabc" {
		t.Fatalf("Do() = %q, %v", got, err)
	}
}

func TestDelayCap(t *testing.T) {
	cfg := Config{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second, ExponentialBackoff: true}.applyDefaults()
	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for i, w := range want {
		if got := cfg.Delay(i); got != w*time.Second {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w*time.Second)
		}
	}
	if got := cfg.Delay(200); got != 10*time.Second {
		t.Fatalf("Delay(200) must not overflow, got %v", got)
	}
}

func TestExecuteParallel(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxRetries: 0, Parallelism: 2})

	ops := []Operation{
		func(context.Context) (any, error) { return 1, nil },
		func(context.Context) (any, error) { return nil, errNetwork },
		func(context.Context) (any, error) { return 3, nil },
	}
	got := e.ExecuteParallel(context.Background(), ops, "balances")
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("ExecuteParallel() = %v, want [1 3]", got)
	}

	settled := e.ExecuteParallelSettled(context.Background(), ops, "balances")
	if len(settled) != 3 || settled[1].Err == nil || settled[2].Value != 3 {
		t.Fatalf("unexpected settled outcomes: %+v", settled)
	}
	var exhausted *ExhaustedError
	if !errors.As(settled[1].Err, &exhausted) || exhausted.ContextKey != "balances[1]" {
		t.Fatalf("per-op context key not derived from index: %v", settled[1].Err)
	}
}

func TestDoParallelBoundsConcurrency(t *testing.T) {
	e, _ := newTestEngine(t, Config{Parallelism: 2})

	var inFlight, peak atomic.Int32
	op := func(context.Context) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return int(n), nil
	}
	ops := make([]func(context.Context) (int, error), 6)
	for i := range ops {
		ops[i] = op
	}
	got := DoParallel(context.Background(), e, ops, "p")
	if len(got) != 6 {
		t.Fatalf("expected 6 results, got %d", len(got))
	}
	if peak.Load() > 2 {
		t.Fatalf("parallelism exceeded: peak %d", peak.Load())
	}
}
