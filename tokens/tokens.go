// Package tokens reads ERC-20 metadata and balances for a wallet through the
// call batcher. Every token costs one grouped round trip; a portfolio
// refresh fans out over the known tokens of a network, each guarded by its
// own circuit breaker.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/internal/logctx"
	"github.com/ggoodman/rpcguard-go/metrics"
	"github.com/ggoodman/rpcguard-go/retry"
	"github.com/ggoodman/rpcguard-go/transport/multicall"
	"golang.org/x/sync/errgroup"
)

const erc20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"symbol","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"name","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view",
  "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// ERC20 is the parsed ERC-20 read surface.
var ERC20 abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("tokens: parse ERC-20 ABI: %v", err))
	}
	ERC20 = parsed
}

// Circuit-breaker defaults for per-token reads.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
)

// ErrIncomplete is returned when any of a token's reads failed.
var ErrIncomplete = errors.New("tokens: incomplete token info")

// Token is an entry of the per-network token table.
type Token struct {
	Symbol  string
	Address common.Address
}

var known = map[uint64][]Token{
	1: {
		{"USDC", common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")},
		{"USDT", common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")},
		{"DAI", common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")},
		{"WETH", common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")},
	},
	137: {
		{"USDC", common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")},
		{"USDT", common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")},
		{"DAI", common.HexToAddress("0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063")},
		{"WMATIC", common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")},
	},
	42161: {
		{"USDC", common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")},
		{"USDT", common.HexToAddress("0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9")},
		{"DAI", common.HexToAddress("0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1")},
		{"WETH", common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")},
	},
	11155111: {
		{"USDC", common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")},
		{"USDT", common.HexToAddress("0x7169D38820dfd117C3FA1f22f697A224E4c8b9d5")},
		{"DAI", common.HexToAddress("0xFF34B3d4Aee8ddCd6F9AFFFB6Fe49bD371b8a357")},
		{"WETH", common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14")},
	},
}

// Known returns the token table for chainID in a stable order.
func Known(chainID uint64) []Token {
	return append([]Token(nil), known[chainID]...)
}

// Info is the decoded state of one token for one owner.
type Info struct {
	Address          common.Address `json:"address"`
	Symbol           string         `json:"symbol"`
	Name             string         `json:"name"`
	Decimals         uint8          `json:"decimals"`
	Balance          *big.Int       `json:"balance"`
	BalanceFormatted string         `json:"balanceFormatted"`
}

// Option customizes a Reader.
type Option func(*Reader)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMonitor measures TokenInfo and Refresh with m.
func WithMonitor(m *metrics.Monitor) Option {
	return func(r *Reader) { r.monitor = m }
}

// WithCircuit overrides the per-token breaker settings used by Refresh.
func WithCircuit(threshold int, recovery time.Duration) Option {
	return func(r *Reader) {
		if threshold > 0 {
			r.threshold = threshold
		}
		if recovery > 0 {
			r.recovery = recovery
		}
	}
}

// Reader issues token reads through a Batcher.
type Reader struct {
	batcher   *batch.Batcher
	engine    *retry.Engine
	log       *slog.Logger
	monitor   *metrics.Monitor
	threshold int
	recovery  time.Duration
}

// NewReader creates a Reader. The engine guards Refresh with per-token
// circuit breakers.
func NewReader(b *batch.Batcher, engine *retry.Engine, opts ...Option) *Reader {
	r := &Reader{
		batcher:   b,
		engine:    engine,
		log:       slog.Default(),
		threshold: DefaultFailureThreshold,
		recovery:  DefaultRecoveryTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.log = logctx.Wrap(r.log)
	return r
}

// TokenInfo reads symbol, name, decimals and the owner's balance of token
// in a single aggregate.
func (r *Reader) TokenInfo(ctx context.Context, token, owner common.Address) (Info, error) {
	var info Info
	err := r.monitor.Measure(ctx, "getTokenInfo", func(ctx context.Context) error {
		var err error
		info, err = r.tokenInfo(ctx, token, owner)
		return err
	})
	return info, err
}

func (r *Reader) tokenInfo(ctx context.Context, token, owner common.Address) (Info, error) {
	target := token.Hex()
	calls := make([]batch.Call, 0, 4)
	for _, m := range []struct {
		method string
		args   []any
	}{
		{"symbol", nil},
		{"name", nil},
		{"decimals", nil},
		{"balanceOf", []any{owner}},
	} {
		c, err := multicall.EncodeCall(ERC20, target, m.method, true, m.args...)
		if err != nil {
			return Info{}, err
		}
		calls = append(calls, c)
	}

	res, err := r.batcher.Aggregate(ctx, calls)
	if err != nil {
		return Info{}, err
	}
	if len(res) != len(calls) {
		return Info{}, fmt.Errorf("%w: %s", ErrIncomplete, target)
	}

	symbol, ok1 := decodeOne[string](res[0], "symbol")
	name, ok2 := decodeOne[string](res[1], "name")
	decimals, ok3 := decodeOne[uint8](res[2], "decimals")
	balance, ok4 := decodeOne[*big.Int](res[3], "balanceOf")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Info{}, fmt.Errorf("%w: %s", ErrIncomplete, target)
	}

	return Info{
		Address:          token,
		Symbol:           symbol,
		Name:             name,
		Decimals:         decimals,
		Balance:          balance,
		BalanceFormatted: FormatUnits(balance, decimals),
	}, nil
}

func decodeOne[T any](res batch.Result, method string) (T, bool) {
	var zero T
	out, ok := multicall.DecodeResult(ERC20, method, res)
	if !ok || len(out) != 1 {
		return zero, false
	}
	v, ok := out[0].(T)
	return v, ok
}

// Refresh reads every known token of chainID for owner concurrently. Each
// token sits behind its own circuit breaker keyed token_info:<address>.
// Tokens that fail are logged and left out; the error is non-nil only when
// ctx ends.
func (r *Reader) Refresh(ctx context.Context, chainID uint64, owner common.Address) ([]Info, error) {
	var out []Info
	err := r.monitor.Measure(ctx, "refreshBalances", func(ctx context.Context) error {
		var err error
		out, err = r.refresh(ctx, chainID, owner)
		return err
	})
	return out, err
}

func (r *Reader) refresh(ctx context.Context, chainID uint64, owner common.Address) ([]Info, error) {
	list := known[chainID]
	if len(list) == 0 {
		return []Info{}, nil
	}

	slots := make([]*Info, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.engine.Config().Parallelism)
	for i, tok := range list {
		g.Go(func() error {
			info, err := retry.DoWithCircuitBreaker(gctx, r.engine, func(ctx context.Context) (Info, error) {
				return r.tokenInfo(ctx, tok.Address, owner)
			}, CircuitKey(tok.Address), r.threshold, r.recovery)
			if err != nil {
				r.log.WarnContext(gctx, "tokens.read_failed",
					slog.String("symbol", tok.Symbol),
					slog.String("token", tok.Address.Hex()),
					slog.String("err", err.Error()))
				return nil
			}
			slots[i] = &info
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(list))
	for _, s := range slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

// CircuitKey is the breaker key guarding reads of token.
func CircuitKey(token common.Address) string {
	return "token_info:" + token.Hex()
}

// FormatUnits renders an integer amount with the given number of decimals,
// trimming trailing fractional zeros but keeping at least one digit after
// the point.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()

	d := int(decimals)
	if len(digits) <= d {
		digits = strings.Repeat("0", d-len(digits)+1) + digits
	}
	whole, frac := digits[:len(digits)-d], strings.TrimRight(digits[len(digits)-d:], "0")
	if frac == "" {
		frac = "0"
	}
	s := whole + "." + frac
	if neg {
		s = "-" + s
	}
	return s
}
