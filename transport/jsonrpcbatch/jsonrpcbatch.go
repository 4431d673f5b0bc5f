// Package jsonrpcbatch implements batch.Endpoint for nodes without a
// Multicall3 deployment: every group is sent as one JSON-RPC 2.0 batch of
// eth_call requests over HTTP.
package jsonrpcbatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/internal/jsonrpc"
	"github.com/ggoodman/rpcguard-go/rpcerror"
)

const maxResponseBytes = 32 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

var (
	// ErrUnexpectedContentType is returned when a node answers with a
	// non-JSON body, typically an HTML error page from a proxy.
	ErrUnexpectedContentType = errors.New("jsonrpcbatch: unexpected response content type")
	// ErrInvalidTarget is returned for a call whose target is not a hex address.
	ErrInvalidTarget = errors.New("jsonrpcbatch: invalid call target")
)

// CallError reports the failure of one call of a group that required it
// to succeed.
type CallError struct {
	Index int
	Err   error
}

func (e *CallError) Error() string { return fmt.Sprintf("call %d: %v", e.Index, e.Err) }

func (e *CallError) Unwrap() error { return e.Err }

// Option customizes an Endpoint.
type Option func(*Endpoint)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Endpoint) {
		if c != nil {
			e.client = c
		}
	}
}

// WithBlock sets the block tag or hex number reads are evaluated at.
func WithBlock(tag string) Option {
	return func(e *Endpoint) {
		if tag != "" {
			e.block = tag
		}
	}
}

// WithHeader adds a header to every request, e.g. an API key.
func WithHeader(key, value string) Option {
	return func(e *Endpoint) { e.header.Add(key, value) }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l
		}
	}
}

// Endpoint posts eth_call batches to one node URL.
type Endpoint struct {
	url    string
	client *http.Client
	block  string
	header http.Header
	log    *slog.Logger
}

// New creates an Endpoint for url.
func New(url string, opts ...Option) *Endpoint {
	e := &Endpoint{
		url:    url,
		client: http.DefaultClient,
		block:  "latest",
		header: make(http.Header),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Aggregate implements batch.Endpoint. A failed call whose AllowFailure is
// unset fails the whole group, matching aggregate3.
func (e *Endpoint) Aggregate(ctx context.Context, calls []batch.Call) ([]batch.Result, error) {
	res, errs, err := e.send(ctx, calls)
	if err != nil {
		return nil, err
	}
	for i, c := range calls {
		if !res[i].Success && !c.AllowFailure {
			return nil, &CallError{Index: i, Err: errs[i]}
		}
	}
	return res, nil
}

// TryAggregate implements batch.Endpoint. With requireSuccess set any failed
// call fails the group. Reads have no side effects, so discarding the whole
// group is equivalent to the contract's revert.
func (e *Endpoint) TryAggregate(ctx context.Context, requireSuccess bool, calls []batch.Call) ([]batch.Result, error) {
	res, errs, err := e.send(ctx, calls)
	if err != nil {
		return nil, err
	}
	if requireSuccess {
		for i := range res {
			if !res[i].Success {
				return nil, &CallError{Index: i, Err: errs[i]}
			}
		}
	}
	return res, nil
}

type callObject struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

func (e *Endpoint) send(ctx context.Context, calls []batch.Call) ([]batch.Result, []error, error) {
	reqs := make([]*jsonrpc.Request, len(calls))
	index := make(map[string]int, len(calls))
	for i, c := range calls {
		if !common.IsHexAddress(c.Target) {
			return nil, nil, rpcerror.Wrap(rpcerror.CategoryInvalidInput, ErrInvalidTarget, "invalid call target %q", c.Target)
		}
		id := jsonrpc.NewRandomID()
		req, err := jsonrpc.NewRequest(id, "eth_call", callObject{To: c.Target, Data: hexutil.Encode(c.Data)}, e.block)
		if err != nil {
			return nil, nil, err
		}
		reqs[i] = req
		index[id.String()] = i
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range e.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, rpc.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: raw}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !contenttype.NewMediaType(ct).Matches(jsonMediaType) {
		return nil, nil, rpcerror.Wrap(rpcerror.CategoryTransient, ErrUnexpectedContentType, "unexpected content type %q", ct)
	}

	responses, err := jsonrpc.DecodeResponses(raw)
	if err != nil {
		return nil, nil, rpcerror.Wrap(rpcerror.CategoryInternalRPC, err, "decode batch response: %v", err)
	}

	// A lone error object without an id rejects the whole batch.
	if len(responses) == 1 && responses[0].Error != nil && responses[0].ID.IsNil() {
		return nil, nil, responses[0].Error
	}

	results := make([]batch.Result, len(calls))
	errs := make([]error, len(calls))
	for i := range errs {
		errs[i] = errors.New("no response for call")
	}
	for _, r := range responses {
		i, ok := index[r.ID.String()]
		if !ok {
			e.log.WarnContext(ctx, "jsonrpcbatch.unknown_id", slog.String("id", r.ID.String()))
			continue
		}
		if r.Error != nil {
			errs[i] = r.Error
			continue
		}
		var hexData string
		if err := json.Unmarshal(r.Result, &hexData); err != nil {
			errs[i] = fmt.Errorf("result is not a hex string: %w", err)
			continue
		}
		data, err := hexutil.Decode(hexData)
		if err != nil {
			errs[i] = fmt.Errorf("decode result: %w", err)
			continue
		}
		results[i] = batch.Result{Success: true, Data: data}
		errs[i] = nil
	}
	return results, errs, nil
}

var _ batch.Endpoint = (*Endpoint)(nil)
