package rpcguard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/connpool"
	"github.com/ggoodman/rpcguard-go/internal/logctx"
	"github.com/ggoodman/rpcguard-go/rpcerror"
	"github.com/ggoodman/rpcguard-go/transport/jsonrpcbatch"
	"github.com/ggoodman/rpcguard-go/transport/multicall"
)

// EndpointFactory builds the batching endpoint for a connection handle.
type EndpointFactory func(h *connpool.Handle) (batch.Endpoint, error)

// MulticallEndpoints sends groups through the network's Multicall3
// deployment using the handle's connection.
func MulticallEndpoints() EndpointFactory {
	return func(h *connpool.Handle) (batch.Endpoint, error) {
		caller, ok := h.Conn().(multicall.ContractCaller)
		if !ok {
			return nil, fmt.Errorf("connection for network %d cannot call contracts", h.NetworkID)
		}
		return multicall.New(h.NetworkID, caller)
	}
}

// JSONRPCEndpoints sends groups as JSON-RPC batches to the network's URL.
func JSONRPCEndpoints(urls map[uint64]string, opts ...jsonrpcbatch.Option) EndpointFactory {
	return func(h *connpool.Handle) (batch.Endpoint, error) {
		u, ok := urls[h.NetworkID]
		if !ok {
			return nil, rpcerror.Wrap(rpcerror.CategoryInvalidInput, connpool.ErrUnknownNetwork, "no endpoint for network %d", h.NetworkID)
		}
		return jsonrpcbatch.New(u, opts...), nil
	}
}

type reader struct {
	handle  *connpool.Handle
	batcher *batch.Batcher
}

// Batcher returns the batcher for the connected network, creating the
// connection and endpoint on first use.
func (c *Client) Batcher(ctx context.Context) (*batch.Batcher, error) {
	r, err := c.reader(ctx)
	if err != nil {
		return nil, err
	}
	return r.batcher, nil
}

// Aggregate runs calls against the connected network. See
// batch.Batcher.Aggregate.
func (c *Client) Aggregate(ctx context.Context, calls []batch.Call) ([]batch.Result, error) {
	r, err := c.reader(ctx)
	if err != nil {
		return nil, err
	}
	var out []batch.Result
	err = c.monitor.Measure(ctx, "aggregate", func(ctx context.Context) error {
		out, err = r.batcher.Aggregate(ctx, calls)
		return err
	})
	return out, err
}

// TryAggregate runs calls in try mode against the connected network. See
// batch.Batcher.TryAggregate.
func (c *Client) TryAggregate(ctx context.Context, calls []batch.Call, requireSuccess bool) ([]batch.Result, error) {
	r, err := c.reader(ctx)
	if err != nil {
		return nil, err
	}
	var out []batch.Result
	err = c.monitor.Measure(ctx, "tryAggregate", func(ctx context.Context) error {
		out, err = r.batcher.TryAggregate(ctx, calls, requireSuccess)
		return err
	})
	return out, err
}

func (c *Client) reader(ctx context.Context) (*reader, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.account == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	networkID := c.account.NetworkID
	c.mu.Unlock()

	if c.endpoints == nil {
		return nil, fmt.Errorf("rpcguard: no endpoint factory configured")
	}

	ctx = logctx.WithNetwork(ctx, &logctx.NetworkData{NetworkID: networkID})
	h, err := c.registry.Get(ctx, networkID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[networkID]; ok && r.handle == h {
		return r, nil
	}
	ep, err := c.endpoints(h)
	if err != nil {
		return nil, err
	}
	ep = &trackedEndpoint{client: c, handle: h, next: ep}
	r := &reader{
		handle:  h,
		batcher: batch.New(ep, c.engine, c.batchCfg, batch.WithLogger(c.log), batch.WithMonitor(c.monitor)),
	}
	c.readers[networkID] = r
	c.log.DebugContext(ctx, "rpcguard.reader_created", slog.String("handle", h.ID.String()))
	return r, nil
}

func (c *Client) dropReaders() {
	c.mu.Lock()
	c.readers = make(map[uint64]*reader)
	c.mu.Unlock()
}

// trackedEndpoint applies the handle's rate limit and feeds transport
// outcomes into the registry's per-network failure counter. Once the
// counter reaches the reconnect threshold the handle is closed, so the
// next read dials a fresh connection.
type trackedEndpoint struct {
	client *Client
	handle *connpool.Handle
	next   batch.Endpoint
}

func (t *trackedEndpoint) Aggregate(ctx context.Context, calls []batch.Call) ([]batch.Result, error) {
	if err := t.handle.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := t.next.Aggregate(ctx, calls)
	t.observe(ctx, err)
	return res, err
}

func (t *trackedEndpoint) TryAggregate(ctx context.Context, requireSuccess bool, calls []batch.Call) ([]batch.Result, error) {
	if err := t.handle.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := t.next.TryAggregate(ctx, requireSuccess, calls)
	t.observe(ctx, err)
	return res, err
}

func (t *trackedEndpoint) observe(ctx context.Context, err error) {
	reg := t.client.registry
	id := t.handle.NetworkID
	if err == nil {
		reg.ResetRetry(id)
		return
	}
	if rpcerror.Classify(err) != rpcerror.CategoryTransient {
		return
	}
	if n := reg.IncrementRetry(id); n >= t.client.reconnectAfter && t.handle.Alive() {
		t.client.log.WarnContext(ctx, "rpcguard.reconnecting",
			slog.Uint64("network", id),
			slog.Int("failures", n),
			slog.String("err", err.Error()))
		reg.Close(id)
	}
}
