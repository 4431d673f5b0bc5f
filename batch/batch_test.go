package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/rpcguard-go/internal/jsonrpc"
	"github.com/ggoodman/rpcguard-go/retry"
)

// fakeEndpoint echoes each call's payload as its result. Groups whose first
// payload byte is a key of failFirst always fail.
type fakeEndpoint struct {
	mu         sync.Mutex
	groups     [][]Call
	modes      []bool
	failFirst  map[byte]error
	unsuccess  map[byte]bool
	shortReply bool
}

func (f *fakeEndpoint) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	return f.handle(calls, false)
}

func (f *fakeEndpoint) TryAggregate(ctx context.Context, requireSuccess bool, calls []Call) ([]Result, error) {
	return f.handle(calls, requireSuccess)
}

func (f *fakeEndpoint) handle(calls []Call, requireSuccess bool) ([]Result, error) {
	f.mu.Lock()
	f.groups = append(f.groups, append([]Call(nil), calls...))
	f.modes = append(f.modes, requireSuccess)
	f.mu.Unlock()

	if err, ok := f.failFirst[calls[0].Data[0]]; ok {
		return nil, err
	}
	out := make([]Result, len(calls))
	for i, c := range calls {
		out[i] = Result{Success: !f.unsuccess[c.Data[0]], Data: c.Data}
	}
	if f.shortReply {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *fakeEndpoint) groupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}

func makeCalls(n int) []Call {
	calls := make([]Call, n)
	for i := range calls {
		calls[i] = Call{Target: fmt.Sprintf("0x%040x", i), Data: []byte{byte(i)}, AllowFailure: true}
	}
	return calls
}

type pacing struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *pacing) sleep(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, d)
	p.mu.Unlock()
	return ctx.Err()
}

func newTestBatcher(t *testing.T, ep Endpoint, size int) (*Batcher, *pacing) {
	t.Helper()
	engine, err := retry.New(retry.Config{MaxRetries: 2}, retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	if err != nil {
		t.Fatalf("retry.New() failed: %v", err)
	}
	p := &pacing{}
	return New(ep, engine, Config{BatchSize: size, Pacing: 16 * time.Millisecond}, WithSleep(p.sleep)), p
}

var errTransient = errors.New("network timeout")

func TestAggregatePreservesCountAndOrder(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7, 100} {
		for _, n := range []int{0, 1, 5, 13} {
			t.Run(fmt.Sprintf("B=%d/N=%d", size, n), func(t *testing.T) {
				ep := &fakeEndpoint{}
				b, _ := newTestBatcher(t, ep, size)

				res, err := b.Aggregate(context.Background(), makeCalls(n))
				if err != nil {
					t.Fatalf("Aggregate() failed: %v", err)
				}
				if len(res) != n {
					t.Fatalf("expected %d results, got %d", n, len(res))
				}
				for i, r := range res {
					if !r.Success || r.Data[0] != byte(i) {
						t.Fatalf("result %d out of order: %+v", i, r)
					}
				}
				if want := (n + size - 1) / size; ep.groupCount() != want {
					t.Fatalf("expected %d groups, got %d", want, ep.groupCount())
				}
			})
		}
	}
}

func TestAggregateDegradesOnlyFailedGroup(t *testing.T) {
	ep := &fakeEndpoint{failFirst: map[byte]error{2: errTransient}}
	b, p := newTestBatcher(t, ep, 2)

	res, err := b.Aggregate(context.Background(), makeCalls(5))
	if err != nil {
		t.Fatalf("Aggregate() failed: %v", err)
	}
	if len(res) != 5 {
		t.Fatalf("expected 5 results, got %d", len(res))
	}
	for i, want := range []bool{true, true, false, false, true} {
		if res[i].Success != want {
			t.Fatalf("result %d success = %v, want %v (%+v)", i, res[i].Success, want, res)
		}
	}
	if res[2].Data != nil || res[3].Data != nil {
		t.Fatal("failed results must carry no payload")
	}
	// Group 2 is attempted MaxRetries+1 times.
	if ep.groupCount() != 1+3+1 {
		t.Fatalf("expected 5 round trips, got %d", ep.groupCount())
	}
	if len(p.delays) != 2 {
		t.Fatalf("expected pacing between 3 groups only, got %v", p.delays)
	}
	for _, d := range p.delays {
		if d != 16*time.Millisecond {
			t.Fatalf("unexpected pacing delay %v", d)
		}
	}
}

func TestAggregateSingleGroupHasNoPacing(t *testing.T) {
	b, p := newTestBatcher(t, &fakeEndpoint{}, 10)
	if _, err := b.Aggregate(context.Background(), makeCalls(10)); err != nil {
		t.Fatalf("Aggregate() failed: %v", err)
	}
	if len(p.delays) != 0 {
		t.Fatalf("no pacing expected for a single group, got %v", p.delays)
	}
}

func TestAggregateEmptyDoesNoIO(t *testing.T) {
	ep := &fakeEndpoint{}
	b, _ := newTestBatcher(t, ep, 10)
	res, err := b.Aggregate(context.Background(), nil)
	if err != nil || len(res) != 0 || res == nil {
		t.Fatalf("Aggregate(nil) = %v, %v", res, err)
	}
	if ep.groupCount() != 0 {
		t.Fatal("empty input must not reach the endpoint")
	}
}

func TestAggregateWithFailureOverridesFlag(t *testing.T) {
	ep := &fakeEndpoint{}
	b, _ := newTestBatcher(t, ep, 10)
	calls := makeCalls(3)
	if _, err := b.AggregateWithFailure(context.Background(), calls, false); err != nil {
		t.Fatalf("AggregateWithFailure() failed: %v", err)
	}
	for _, c := range ep.groups[0] {
		if c.AllowFailure {
			t.Fatal("AllowFailure must be overridden")
		}
	}
	if !calls[0].AllowFailure {
		t.Fatal("caller's calls must not be mutated")
	}
}

func TestAggregateLengthMismatchDegradesGroup(t *testing.T) {
	ep := &fakeEndpoint{shortReply: true}
	b, _ := newTestBatcher(t, ep, 3)
	res, err := b.Aggregate(context.Background(), makeCalls(3))
	if err != nil {
		t.Fatalf("Aggregate() failed: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	for _, r := range res {
		if r.Success {
			t.Fatal("mismatched group must degrade to failures")
		}
	}
}

func TestAggregateCancellationFillsRemaining(t *testing.T) {
	ep := &fakeEndpoint{}
	engine, _ := retry.New(retry.Config{MaxRetries: 0})
	ctx, cancel := context.WithCancel(context.Background())
	b := New(ep, engine, Config{BatchSize: 2}, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	res, err := b.Aggregate(ctx, makeCalls(5))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if len(res) != 5 {
		t.Fatalf("cancellation must not shorten results, got %d", len(res))
	}
	if !res[0].Success || !res[1].Success || res[2].Success || res[4].Success {
		t.Fatalf("unexpected results after cancellation: %+v", res)
	}
	if ep.groupCount() != 1 {
		t.Fatalf("no groups may be sent after cancellation, got %d", ep.groupCount())
	}
}

func TestTryAggregateDegradesWithoutRequireSuccess(t *testing.T) {
	ep := &fakeEndpoint{failFirst: map[byte]error{0: errTransient}, unsuccess: map[byte]bool{3: true}}
	b, _ := newTestBatcher(t, ep, 2)

	res, err := b.TryAggregate(context.Background(), makeCalls(4), false)
	if err != nil {
		t.Fatalf("TryAggregate() failed: %v", err)
	}
	want := []bool{false, false, true, false}
	for i := range want {
		if res[i].Success != want[i] {
			t.Fatalf("result %d = %v, want %v", i, res[i].Success, want[i])
		}
	}
	for _, mode := range ep.modes {
		if mode {
			t.Fatal("requireSuccess must be forwarded as false")
		}
	}
}

func TestTryAggregateRequireSuccessAborts(t *testing.T) {
	ep := &fakeEndpoint{unsuccess: map[byte]bool{3: true}}
	b, _ := newTestBatcher(t, ep, 2)

	res, err := b.TryAggregate(context.Background(), makeCalls(6), true)
	var gf *GroupFailureError
	if !errors.As(err, &gf) {
		t.Fatalf("expected GroupFailureError, got %v", err)
	}
	if gf.Group != 1 || gf.Offset != 2 || gf.Size != 2 {
		t.Fatalf("unexpected group failure: %+v", gf)
	}
	if res != nil {
		t.Fatal("hard failure must not return partial results")
	}
	if ep.groupCount() != 2 {
		t.Fatalf("groups after the failed one must not be sent, got %d", ep.groupCount())
	}
	if !ep.modes[0] {
		t.Fatal("requireSuccess must be forwarded")
	}
}

func TestTryAggregateRequireSuccessEndpointRevert(t *testing.T) {
	revert := &jsonrpc.Error{Code: jsonrpc.ErrorCodeExecutionReverted, Message: "execution reverted: Multicall3: call failed"}
	ep := &fakeEndpoint{failFirst: map[byte]error{0: revert}}
	b, _ := newTestBatcher(t, ep, 5)

	_, err := b.TryAggregate(context.Background(), makeCalls(3), true)
	var gf *GroupFailureError
	if !errors.As(err, &gf) || !errors.Is(err, revert) {
		t.Fatalf("expected group failure wrapping the revert, got %v", err)
	}
	if ep.groupCount() != 1 {
		t.Fatalf("reverts are final and must not be retried, got %d round trips", ep.groupCount())
	}
}

func TestDecode(t *testing.T) {
	u64 := func(b []byte) (uint64, error) {
		if len(b) != 8 {
			return 0, errors.New("bad length")
		}
		return binary.BigEndian.Uint64(b), nil
	}
	buf := binary.BigEndian.AppendUint64(nil, 18)

	if v, ok := Decode(Result{Success: true, Data: buf}, u64); !ok || v != 18 {
		t.Fatalf("Decode() = %d, %v", v, ok)
	}
	if _, ok := Decode(Result{Success: false, Data: buf}, u64); ok {
		t.Fatal("failed result must not decode")
	}
	if _, ok := Decode(Result{Success: true}, u64); ok {
		t.Fatal("empty payload must not decode")
	}
	if _, ok := Decode(Result{Success: true, Data: []byte{1}}, u64); ok {
		t.Fatal("decoder errors must report false")
	}
}
