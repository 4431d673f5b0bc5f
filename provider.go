package rpcguard

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/rpcguard-go/rpcerror"
	"github.com/ggoodman/rpcguard-go/session"
)

var networkNames = map[uint64]string{
	1:        "Ethereum Mainnet",
	137:      "Polygon",
	42161:    "Arbitrum One",
	11155111: "Sepolia Testnet",
}

// NetworkName returns a display name for networkID.
func NetworkName(networkID uint64) string {
	if n, ok := networkNames[networkID]; ok {
		return n
	}
	return "Unknown Network"
}

// WatchProvider connects a fixed address without a wallet, for read-only
// tools. Networks lists the ids it may switch to; empty allows any.
type WatchProvider struct {
	Address  string
	Networks []uint64

	mu      sync.Mutex
	network uint64
}

// NewWatchProvider returns a provider that reports address on networkID.
func NewWatchProvider(address string, networkID uint64, networks ...uint64) *WatchProvider {
	return &WatchProvider{Address: address, Networks: networks, network: networkID}
}

func (p *WatchProvider) Connect(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	if !common.IsHexAddress(p.Address) {
		return Account{}, rpcerror.New(rpcerror.CategoryInvalidInput, "invalid account address "+p.Address)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allowed(p.network) {
		return Account{}, rpcerror.New(rpcerror.CategoryInvalidInput, rpcerror.MsgUnsupportedNetwork)
	}
	return Account{
		Address:   common.HexToAddress(p.Address).Hex(),
		NetworkID: p.network,
		Method:    session.MethodUnknown,
	}, nil
}

func (p *WatchProvider) Disconnect(ctx context.Context) error { return nil }

func (p *WatchProvider) SwitchNetwork(ctx context.Context, networkID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allowed(networkID) {
		return rpcerror.New(rpcerror.CategoryInvalidInput, rpcerror.MsgUnsupportedNetwork)
	}
	p.network = networkID
	return nil
}

func (p *WatchProvider) allowed(networkID uint64) bool {
	if len(p.Networks) == 0 {
		return true
	}
	for _, id := range p.Networks {
		if id == networkID {
			return true
		}
	}
	return false
}

var _ Provider = (*WatchProvider)(nil)
