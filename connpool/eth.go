package connpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggoodman/rpcguard-go/rpcerror"
)

var (
	// ErrUnknownNetwork is returned when no endpoint URL is configured for a
	// network.
	ErrUnknownNetwork = errors.New("connpool: unsupported chain")
	// ErrChainMismatch is returned when an endpoint reports a different chain
	// id than the network it was configured for.
	ErrChainMismatch = errors.New("connpool: endpoint chain id mismatch")
)

// EthDialer opens go-ethereum clients from a network id to URL table.
type EthDialer struct {
	URLs map[uint64]string
	// VerifyChainID asks the endpoint for its chain id after dialing.
	VerifyChainID bool
}

// Dial implements Dialer.
func (d EthDialer) Dial(ctx context.Context, networkID uint64) (Conn, error) {
	url, ok := d.URLs[networkID]
	if !ok || url == "" {
		return nil, rpcerror.Wrap(rpcerror.CategoryInvalidInput, ErrUnknownNetwork, "no endpoint for network %d", networkID)
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	if !d.VerifyChainID {
		return client, nil
	}

	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if !id.IsUint64() || id.Uint64() != networkID {
		client.Close()
		return nil, rpcerror.Wrap(rpcerror.CategoryInvalidInput, ErrChainMismatch, "endpoint for network %d reports chain %s", networkID, id)
	}
	return client, nil
}

var _ Dialer = EthDialer{}
