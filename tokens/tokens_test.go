package tokens

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/retry"
	"github.com/ggoodman/rpcguard-go/rpcerror"
	"github.com/ggoodman/rpcguard-go/storage/memory"
)

// fakeTokens answers ERC-20 reads for a fixed set of contracts. Contracts in
// broken answer every read as reverted.
type fakeTokens struct {
	mu      sync.Mutex
	broken  map[common.Address]bool
	reads   map[common.Address]int
	balance *big.Int
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{
		broken:  map[common.Address]bool{},
		reads:   map[common.Address]int{},
		balance: big.NewInt(1_500_000),
	}
}

func (f *fakeTokens) Aggregate(ctx context.Context, calls []batch.Call) ([]batch.Result, error) {
	out := make([]batch.Result, len(calls))
	for i, c := range calls {
		out[i] = f.answer(c)
	}
	return out, nil
}

func (f *fakeTokens) TryAggregate(ctx context.Context, requireSuccess bool, calls []batch.Call) ([]batch.Result, error) {
	return f.Aggregate(ctx, calls)
}

func (f *fakeTokens) answer(c batch.Call) batch.Result {
	addr := common.HexToAddress(c.Target)
	f.mu.Lock()
	f.reads[addr]++
	broken := f.broken[addr]
	f.mu.Unlock()
	if broken {
		return batch.Result{}
	}

	method, err := ERC20.MethodById(c.Data[:4])
	if err != nil {
		return batch.Result{}
	}
	var packed []byte
	switch method.Name {
	case "symbol":
		packed, err = method.Outputs.Pack("USDC")
	case "name":
		packed, err = method.Outputs.Pack("USD Coin")
	case "decimals":
		packed, err = method.Outputs.Pack(uint8(6))
	case "balanceOf":
		packed, err = method.Outputs.Pack(f.balance)
	default:
		return batch.Result{}
	}
	if err != nil {
		return batch.Result{}
	}
	return batch.Result{Success: true, Data: packed}
}

func (f *fakeTokens) readCount(addr common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[addr]
}

var owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newTestReader(t *testing.T, ep batch.Endpoint) (*Reader, *retry.Engine) {
	t.Helper()
	store, err := memory.New(64)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	engine, err := retry.New(retry.Config{MaxRetries: 0}, retry.WithStorage(store), retry.WithSleep(noSleep))
	if err != nil {
		t.Fatalf("retry.New() failed: %v", err)
	}
	b := batch.New(ep, engine, batch.DefaultConfig(), batch.WithSleep(noSleep))
	return NewReader(b, engine), engine
}

func TestTokenInfoDecodesAllFields(t *testing.T) {
	r, _ := newTestReader(t, newFakeTokens())
	token := Known(1)[0].Address

	info, err := r.TokenInfo(context.Background(), token, owner)
	if err != nil {
		t.Fatalf("TokenInfo() failed: %v", err)
	}
	if info.Address != token || info.Symbol != "USDC" || info.Name != "USD Coin" || info.Decimals != 6 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Balance.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("unexpected balance %s", info.Balance)
	}
	if info.BalanceFormatted != "1.5" {
		t.Fatalf("expected formatted balance 1.5, got %q", info.BalanceFormatted)
	}
}

func TestTokenInfoIncompleteWhenReadFails(t *testing.T) {
	fake := newFakeTokens()
	token := Known(1)[1].Address
	fake.broken[token] = true
	r, _ := newTestReader(t, fake)

	if _, err := r.TokenInfo(context.Background(), token, owner); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestRefreshSkipsFailedTokens(t *testing.T) {
	fake := newFakeTokens()
	list := Known(137)
	fake.broken[list[2].Address] = true
	r, _ := newTestReader(t, fake)

	infos, err := r.Refresh(context.Background(), 137, owner)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if len(infos) != len(list)-1 {
		t.Fatalf("expected %d tokens, got %d", len(list)-1, len(infos))
	}
	for i, want := range []common.Address{list[0].Address, list[1].Address, list[3].Address} {
		if infos[i].Address != want {
			t.Fatalf("token %d: expected %s, got %s", i, want.Hex(), infos[i].Address.Hex())
		}
	}
}

func TestRefreshOpensPerTokenCircuit(t *testing.T) {
	fake := newFakeTokens()
	list := Known(42161)
	bad := list[0].Address
	fake.broken[bad] = true
	r, engine := newTestReader(t, fake)
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		if _, err := r.Refresh(ctx, 42161, owner); err != nil {
			t.Fatalf("Refresh() #%d failed: %v", i, err)
		}
	}
	c, err := engine.CircuitState(ctx, CircuitKey(bad))
	if err != nil {
		t.Fatalf("CircuitState() failed: %v", err)
	}
	if c.State != retry.StateOpen {
		t.Fatalf("expected open circuit for failing token, got %+v", c)
	}
	good, err := engine.CircuitState(ctx, CircuitKey(list[1].Address))
	if err != nil {
		t.Fatalf("CircuitState() failed: %v", err)
	}
	if good.State != retry.StateClosed {
		t.Fatalf("healthy token circuit must stay closed, got %+v", good)
	}

	before := fake.readCount(bad)
	if _, err := r.Refresh(ctx, 42161, owner); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if fake.readCount(bad) != before {
		t.Fatal("open circuit must not issue reads for the failing token")
	}

	_, err = retry.DoWithCircuitBreaker(ctx, engine, func(ctx context.Context) (Info, error) {
		return r.TokenInfo(ctx, bad, owner)
	}, CircuitKey(bad), DefaultFailureThreshold, DefaultRecoveryTimeout)
	if !errors.Is(err, rpcerror.ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
}

func TestRefreshUnknownChain(t *testing.T) {
	r, _ := newTestReader(t, newFakeTokens())
	infos, err := r.Refresh(context.Background(), 999, owner)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no tokens, got %d", len(infos))
	}
}

func TestFormatUnits(t *testing.T) {
	for _, tc := range []struct {
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{big.NewInt(0), 18, "0.0"},
		{big.NewInt(1_500_000), 6, "1.5"},
		{big.NewInt(1), 6, "0.000001"},
		{big.NewInt(42), 0, "42.0"},
		{big.NewInt(-2_000_000), 6, "-2.0"},
		{new(big.Int).Mul(big.NewInt(123), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)), 18, "123.0"},
		{nil, 6, "0.0"},
	} {
		if got := FormatUnits(tc.amount, tc.decimals); got != tc.want {
			t.Errorf("FormatUnits(%v, %d) = %q, want %q", tc.amount, tc.decimals, got, tc.want)
		}
	}
}
