package rpcguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/connpool"
	"github.com/ggoodman/rpcguard-go/internal/jsonrpc"
	"github.com/ggoodman/rpcguard-go/retry"
	"github.com/ggoodman/rpcguard-go/rpcerror"
	"github.com/ggoodman/rpcguard-go/session"
	"github.com/ggoodman/rpcguard-go/storage/memory"
)

const testAccount = "0x00000000000000000000000000000000000000aa"

type fakeProvider struct {
	mu         sync.Mutex
	connects   int
	failures   []error
	gate       chan struct{}
	entered    chan struct{}
	network    uint64
	switchErr  error
	disconnect func() error
}

func (p *fakeProvider) Connect(ctx context.Context) (Account, error) {
	p.mu.Lock()
	p.connects++
	var err error
	if len(p.failures) > 0 {
		err, p.failures = p.failures[0], p.failures[1:]
	}
	gate, entered := p.gate, p.entered
	network := p.network
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Account{}, ctx.Err()
		}
	}
	if err != nil {
		return Account{}, err
	}
	if network == 0 {
		network = 1
	}
	return Account{Address: testAccount, NetworkID: network, Method: session.MethodInjected}, nil
}

func (p *fakeProvider) Disconnect(ctx context.Context) error {
	if p.disconnect != nil {
		return p.disconnect()
	}
	return nil
}

func (p *fakeProvider) SwitchNetwork(ctx context.Context, networkID uint64) error {
	return p.switchErr
}

func (p *fakeProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

type fakeConn struct{ closed atomic.Bool }

func (c *fakeConn) Close() { c.closed.Store(true) }

type countingDialer struct {
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, networkID uint64) (connpool.Conn, error) {
	d.dials.Add(1)
	return &fakeConn{}, nil
}

// scriptedEndpoint echoes each call's data back, or fails with err.
type scriptedEndpoint struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (e *scriptedEndpoint) Aggregate(ctx context.Context, calls []batch.Call) ([]batch.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([]batch.Result, len(calls))
	for i, c := range calls {
		out[i] = batch.Result{Success: true, Data: c.Data}
	}
	return out, nil
}

func (e *scriptedEndpoint) TryAggregate(ctx context.Context, requireSuccess bool, calls []batch.Call) ([]batch.Result, error) {
	return e.Aggregate(ctx, calls)
}

type harness struct {
	client   *Client
	provider *fakeProvider
	sessions *session.Store
	registry *connpool.Registry
	dialer   *countingDialer
	endpoint *scriptedEndpoint
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T, p *fakeProvider) *harness {
	t.Helper()

	backend, err := memory.New(64)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	engine, err := retry.New(cfg, retry.WithStorage(backend), retry.WithSleep(noSleep))
	if err != nil {
		t.Fatalf("retry.New() failed: %v", err)
	}

	h := &harness{
		provider: p,
		sessions: session.New(backend, session.DefaultConfig()),
		dialer:   &countingDialer{},
		endpoint: &scriptedEndpoint{},
	}
	h.registry = connpool.New(h.dialer)

	h.client, err = New(Config{
		Provider:  p,
		Sessions:  h.sessions,
		Registry:  h.registry,
		Engine:    engine,
		Endpoints: func(*connpool.Handle) (batch.Endpoint, error) { return h.endpoint, nil },
		Batch:     batch.Config{BatchSize: 2},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestConnectPersistsSessionAndConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeProvider{})

	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if h.client.State() != StateConnected {
		t.Fatalf("expected connected, got %s", h.client.State())
	}
	acct := h.client.Account()
	if acct == nil || acct.Address != testAccount || acct.NetworkID != 1 {
		t.Fatalf("unexpected account %+v", acct)
	}

	sess, err := h.sessions.Load(ctx)
	if err != nil || sess == nil {
		t.Fatalf("expected a saved session, got %v, %v", sess, err)
	}
	if sess.Account != testAccount || sess.Method != session.MethodInjected {
		t.Fatalf("unexpected session %+v", sess)
	}
	if h.registry.Count() != 1 {
		t.Fatalf("expected one connection, got %d", h.registry.Count())
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	h := newHarness(t, p)

	done := make(chan error, 1)
	go func() { done <- h.client.Connect(ctx) }()
	<-p.entered

	if h.client.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", h.client.State())
	}
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("second Connect() while connecting failed: %v", err)
	}
	close(p.gate)
	if err := <-done; err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() while connected failed: %v", err)
	}
	if n := p.connectCount(); n != 1 {
		t.Fatalf("provider connected %d times, want 1", n)
	}
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{failures: []error{
		errors.New("network unreachable"),
		errors.New("connection reset"),
	}}
	h := newHarness(t, p)

	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if n := p.connectCount(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestConnectUserRejectionIsFinal(t *testing.T) {
	p := &fakeProvider{failures: []error{&jsonrpc.Error{Code: jsonrpc.ErrorCodeUserRejected, Message: "denied"}}}
	h := newHarness(t, p)

	err := h.client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if n := p.connectCount(); n != 1 {
		t.Fatalf("user rejection must not be retried, got %d attempts", n)
	}
	if h.client.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", h.client.State())
	}
	got := h.client.Err()
	if got == nil || got.Message != rpcerror.MsgUserRejectedRequest || got.Category != rpcerror.CategoryUserRejected {
		t.Fatalf("unexpected normalized error %+v", got)
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("retry exhaustion must stay reachable, got %v", err)
	}

	h.client.ClearError()
	if h.client.Err() != nil {
		t.Fatal("ClearError() did not clear")
	}
}

func TestDisconnectOrder(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{}
	h := newHarness(t, p)

	var sawConns int
	var sawSession *session.Session
	p.disconnect = func() error {
		sawConns = h.registry.Count()
		sawSession, _ = h.sessions.Load(ctx)
		return nil
	}

	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if err := h.client.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}
	if sawConns != 0 || sawSession != nil {
		t.Fatalf("provider disconnected before cleanup: conns=%d session=%v", sawConns, sawSession)
	}
	if h.client.State() != StateDisconnected || h.client.Account() != nil {
		t.Fatal("expected disconnected with no account")
	}
	if err := h.client.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect() failed: %v", err)
	}
}

func TestDisconnectProviderFailure(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{}
	p.disconnect = func() error { return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "boom"} }
	h := newHarness(t, p)

	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	err := h.client.Disconnect(ctx)
	var nerr *rpcerror.Error
	if !errors.As(err, &nerr) || nerr.Message != rpcerror.MsgInternalRPC {
		t.Fatalf("expected normalized internal error, got %v", err)
	}
	if h.client.State() != StateDisconnected || h.client.Account() != nil {
		t.Fatal("Disconnect must always end disconnected")
	}
	if h.client.Err() == nil {
		t.Fatal("expected the failure to be remembered")
	}
}

func TestSwitchNetwork(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{}
	h := newHarness(t, p)

	if err := h.client.SwitchNetwork(ctx, 137); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if err := h.client.SwitchNetwork(ctx, 137); err != nil {
		t.Fatalf("SwitchNetwork() failed: %v", err)
	}
	if acct := h.client.Account(); acct.NetworkID != 137 {
		t.Fatalf("account not switched: %+v", acct)
	}
	sess, _ := h.sessions.Load(ctx)
	if sess == nil || sess.NetworkID != 137 {
		t.Fatalf("session not switched: %+v", sess)
	}

	p.switchErr = &jsonrpc.Error{Code: jsonrpc.ErrorCodeUnrecognizedChain, Message: "Unrecognized chain"}
	if err := h.client.SwitchNetwork(ctx, 5); err == nil {
		t.Fatal("expected error")
	}
	if acct := h.client.Account(); acct.NetworkID != 137 {
		t.Fatalf("failed switch must keep the previous network, got %d", acct.NetworkID)
	}
	if got := h.client.Err(); got == nil || got.Category != rpcerror.CategoryInvalidInput {
		t.Fatalf("unexpected error %+v", got)
	}
}

func TestAutoConnect(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{network: 137}
	h := newHarness(t, p)

	attempted, err := h.client.AutoConnect(ctx)
	if err != nil || attempted {
		t.Fatalf("no session must not connect: %v, %v", attempted, err)
	}

	err = h.sessions.Save(ctx, session.Session{
		Account:     testAccount,
		NetworkID:   137,
		Method:      session.MethodInjected,
		Preferences: session.DefaultPreferences(),
	})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	attempted, err = h.client.AutoConnect(ctx)
	if err != nil || !attempted {
		t.Fatalf("expected auto-connect: %v, %v", attempted, err)
	}
	if h.client.State() != StateConnected {
		t.Fatalf("expected connected, got %s", h.client.State())
	}
}

func TestAutoConnectFailureClearsSession(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{failures: []error{rpcerror.ErrUserRejected}}
	h := newHarness(t, p)

	err := h.sessions.Save(ctx, session.Session{Account: testAccount, NetworkID: 1, Preferences: session.DefaultPreferences()})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	attempted, err := h.client.AutoConnect(ctx)
	if !attempted || err == nil {
		t.Fatalf("expected failed attempt, got %v, %v", attempted, err)
	}
	if sess, _ := h.sessions.Load(ctx); sess != nil {
		t.Fatalf("expected session to be cleared, got %+v", sess)
	}
}

func TestTouchSlidesActivity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeProvider{})

	if err := h.client.Touch(ctx); err != nil {
		t.Fatalf("Touch() while disconnected failed: %v", err)
	}
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	before, _ := h.sessions.Load(ctx)
	time.Sleep(5 * time.Millisecond)
	if err := h.client.Touch(ctx); err != nil {
		t.Fatalf("Touch() failed: %v", err)
	}
	after, _ := h.sessions.Load(ctx)
	if !after.LastActivity.After(before.LastActivity) {
		t.Fatalf("activity did not move: %v -> %v", before.LastActivity, after.LastActivity)
	}
}

func TestAggregateRequiresConnection(t *testing.T) {
	h := newHarness(t, &fakeProvider{})
	if _, err := h.client.Aggregate(context.Background(), []batch.Call{{Target: "a"}}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestAggregateThroughConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeProvider{})
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	calls := make([]batch.Call, 5)
	for i := range calls {
		calls[i] = batch.Call{Target: "t", Data: []byte(fmt.Sprint(i))}
	}
	res, err := h.client.Aggregate(ctx, calls)
	if err != nil {
		t.Fatalf("Aggregate() failed: %v", err)
	}
	for i, r := range res {
		if !r.Success || string(r.Data) != fmt.Sprint(i) {
			t.Fatalf("result %d out of order: %+v", i, r)
		}
	}
	if h.endpoint.calls != 3 {
		t.Fatalf("expected 3 groups, got %d", h.endpoint.calls)
	}

	res, err = h.client.TryAggregate(ctx, calls[:2], true)
	if err != nil || len(res) != 2 {
		t.Fatalf("TryAggregate() = %v, %v", res, err)
	}
	if h.dialer.dials.Load() != 1 {
		t.Fatalf("reads must reuse the connection, dialed %d times", h.dialer.dials.Load())
	}
}

func TestRepeatedTransportFailuresReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeProvider{})
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	h.endpoint.err = errors.New("connection reset by peer")
	res, err := h.client.Aggregate(ctx, []batch.Call{{Target: "t"}})
	if err != nil {
		t.Fatalf("degraded Aggregate() must not fail: %v", err)
	}
	if res[0].Success {
		t.Fatal("expected a failed result")
	}
	if h.registry.Count() != 0 {
		t.Fatal("expected the failing connection to be closed")
	}

	h.endpoint.mu.Lock()
	h.endpoint.err = nil
	h.endpoint.mu.Unlock()
	res, err = h.client.Aggregate(ctx, []batch.Call{{Target: "t", Data: []byte("ok")}})
	if err != nil || !res[0].Success {
		t.Fatalf("Aggregate() after reconnect = %v, %v", res, err)
	}
	if h.dialer.dials.Load() != 2 {
		t.Fatalf("expected a redial, got %d dials", h.dialer.dials.Load())
	}
	if h.registry.RetryCount(1) != 0 {
		t.Fatal("success must reset the failure counter")
	}
}

func TestWatchProvider(t *testing.T) {
	ctx := context.Background()

	p := NewWatchProvider("0x00000000000000000000000000000000000000AA", 1, 1, 137)
	acct, err := p.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if !strings.EqualFold(acct.Address, testAccount) || acct.NetworkID != 1 {
		t.Fatalf("unexpected account %+v", acct)
	}
	if err := p.SwitchNetwork(ctx, 42161); rpcerror.Classify(err) != rpcerror.CategoryInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := p.SwitchNetwork(ctx, 137); err != nil {
		t.Fatalf("SwitchNetwork() failed: %v", err)
	}
	if acct, _ := p.Connect(ctx); acct.NetworkID != 137 {
		t.Fatalf("expected network 137, got %d", acct.NetworkID)
	}

	if _, err := NewWatchProvider("not-an-address", 1).Connect(ctx); err == nil {
		t.Fatal("expected error for a bad address")
	}
}

func TestNetworkName(t *testing.T) {
	for id, want := range map[uint64]string{
		1:        "Ethereum Mainnet",
		137:      "Polygon",
		42161:    "Arbitrum One",
		11155111: "Sepolia Testnet",
		5:        "Unknown Network",
	} {
		if got := NetworkName(id); got != want {
			t.Errorf("NetworkName(%d) = %q, want %q", id, got, want)
		}
	}
}
