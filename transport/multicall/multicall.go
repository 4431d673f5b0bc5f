// Package multicall implements batch.Endpoint on top of the Multicall3
// contract: every group becomes a single eth_call.
package multicall

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/rpcerror"
)

const multicall3ABI = `[
 {"type":"function","name":"aggregate3","stateMutability":"payable",
  "inputs":[{"name":"calls","type":"tuple[]","components":[
    {"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],
  "outputs":[{"name":"returnData","type":"tuple[]","components":[
    {"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]},
 {"type":"function","name":"tryAggregate","stateMutability":"payable",
  "inputs":[{"name":"requireSuccess","type":"bool"},{"name":"calls","type":"tuple[]","components":[
    {"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
  "outputs":[{"name":"returnData","type":"tuple[]","components":[
    {"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

var (
	// ErrUnsupportedChain is returned by New for chains without a known
	// Multicall3 deployment.
	ErrUnsupportedChain = errors.New("multicall: unsupported chain")
	// ErrInvalidTarget is returned for a call whose target is not a hex address.
	ErrInvalidTarget = errors.New("multicall: invalid call target")
)

var addresses = map[uint64]common.Address{
	1:        common.HexToAddress("0x5BA1e12693Dc8F9c48aAD8770482f4739bEeD696"),
	137:      common.HexToAddress("0x275617327c4B24C46A74d9695d3B2C97C4C2B5f2"),
	42161:    common.HexToAddress("0xca11bde05977b3631167028862be2a173976ca11"),
	11155111: common.HexToAddress("0x5BA1e12693Dc8F9c48aAD8770482f4739bEeD696"),
}

// Address returns the Multicall3 deployment for chainID.
func Address(chainID uint64) (common.Address, bool) {
	a, ok := addresses[chainID]
	return a, ok
}

// Supported reports whether chainID has a known deployment.
func Supported(chainID uint64) bool {
	_, ok := addresses[chainID]
	return ok
}

// ABI is the parsed Multicall3 subset used by Endpoint.
var ABI = mustParse(multicall3ABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("multicall: parse ABI: %v", err))
	}
	return parsed
}

// ContractCaller is the subset of *ethclient.Client the endpoint needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type tryCall struct {
	Target   common.Address
	CallData []byte
}

type result struct {
	Success    bool
	ReturnData []byte
}

// Endpoint sends groups to one Multicall3 contract.
type Endpoint struct {
	caller  ContractCaller
	address common.Address
	block   *big.Int
}

// New returns an Endpoint for the chain's known deployment.
func New(chainID uint64, caller ContractCaller) (*Endpoint, error) {
	addr, ok := Address(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return NewAt(addr, caller), nil
}

// NewAt returns an Endpoint for a deployment at addr.
func NewAt(addr common.Address, caller ContractCaller) *Endpoint {
	return &Endpoint{caller: caller, address: addr}
}

// AtBlock pins reads to a block number; nil reads the latest block.
func (e *Endpoint) AtBlock(block *big.Int) *Endpoint {
	cp := *e
	cp.block = block
	return &cp
}

// Address returns the contract address calls are sent to.
func (e *Endpoint) Address() common.Address { return e.address }

// Aggregate implements batch.Endpoint with aggregate3.
func (e *Endpoint) Aggregate(ctx context.Context, calls []batch.Call) ([]batch.Result, error) {
	args := make([]call3, len(calls))
	for i, c := range calls {
		target, err := parseTarget(c.Target)
		if err != nil {
			return nil, err
		}
		args[i] = call3{Target: target, AllowFailure: c.AllowFailure, CallData: c.Data}
	}
	return e.call(ctx, "aggregate3", args)
}

// TryAggregate implements batch.Endpoint with tryAggregate. The contract
// reverts the whole group when requireSuccess is set and any call fails.
func (e *Endpoint) TryAggregate(ctx context.Context, requireSuccess bool, calls []batch.Call) ([]batch.Result, error) {
	args := make([]tryCall, len(calls))
	for i, c := range calls {
		target, err := parseTarget(c.Target)
		if err != nil {
			return nil, err
		}
		args[i] = tryCall{Target: target, CallData: c.Data}
	}
	return e.call(ctx, "tryAggregate", requireSuccess, args)
}

func (e *Endpoint) call(ctx context.Context, method string, args ...any) ([]batch.Result, error) {
	input, err := ABI.Pack(method, args...)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.CategoryInvalidInput, err, "pack %s: %v", method, err)
	}

	to := e.address
	raw, err := e.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, e.block)
	if err != nil {
		return nil, err
	}

	out, err := ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 output, got %d", method, len(out))
	}
	decoded := *abi.ConvertType(out[0], new([]result)).(*[]result)

	res := make([]batch.Result, len(decoded))
	for i, r := range decoded {
		res[i] = batch.Result{Success: r.Success}
		if r.Success {
			res[i].Data = r.ReturnData
		}
	}
	return res, nil
}

func parseTarget(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, rpcerror.Wrap(rpcerror.CategoryInvalidInput, ErrInvalidTarget, "invalid call target %q", s)
	}
	return common.HexToAddress(s), nil
}

// EncodeCall builds a batch.Call invoking method on target.
func EncodeCall(contract abi.ABI, target, method string, allowFailure bool, args ...any) (batch.Call, error) {
	if !common.IsHexAddress(target) {
		return batch.Call{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return batch.Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return batch.Call{Target: target, Data: data, AllowFailure: allowFailure}, nil
}

// DecodeResult unpacks a successful result of method. It reports false for
// failed or empty results and for payloads that do not decode.
func DecodeResult(contract abi.ABI, method string, res batch.Result) ([]any, bool) {
	return batch.Decode(res, func(b []byte) ([]any, error) {
		return contract.Unpack(method, b)
	})
}

var _ batch.Endpoint = (*Endpoint)(nil)
