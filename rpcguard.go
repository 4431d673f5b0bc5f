// Package rpcguard is a resilient client-side access layer for blockchain
// RPC endpoints on behalf of a wallet-connected application.
//
// A Client ties together the retry engine (package retry), the call batcher
// (package batch), the connection registry (package connpool) and the
// session store (package session). It drives the wallet connection through
// a Provider, persists the resulting session, and serves batched reads
// against the connected network.
package rpcguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/rpcguard-go/batch"
	"github.com/ggoodman/rpcguard-go/connpool"
	"github.com/ggoodman/rpcguard-go/internal/logctx"
	"github.com/ggoodman/rpcguard-go/metrics"
	"github.com/ggoodman/rpcguard-go/retry"
	"github.com/ggoodman/rpcguard-go/rpcerror"
	"github.com/ggoodman/rpcguard-go/session"
)

// KeyConnect is the retry context key of wallet connection attempts.
const KeyConnect = "connect_wallet"

var (
	// ErrNotConnected is returned by operations that need a connected wallet.
	ErrNotConnected = errors.New("rpcguard: wallet not connected")
	// ErrInterrupted is returned by Connect when Disconnect ran before the
	// connection completed.
	ErrInterrupted = errors.New("rpcguard: connect interrupted by disconnect")
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Account is what a Provider reports after connecting.
type Account struct {
	Address   string
	NetworkID uint64
	Alias     string
	Method    session.Method
}

// Provider is the wallet the Client connects through.
type Provider interface {
	Connect(ctx context.Context) (Account, error)
	Disconnect(ctx context.Context) error
	SwitchNetwork(ctx context.Context, networkID uint64) error
}

// Config wires a Client. Provider, Sessions, Registry and Engine are
// required; Endpoints is required for reads.
type Config struct {
	Provider  Provider
	Sessions  *session.Store
	Registry  *connpool.Registry
	Engine    *retry.Engine
	Endpoints EndpointFactory
	Batch     batch.Config
	// ReconnectAfter is the number of consecutive transport failures on a
	// network after which its handle is closed and redialed. Defaults to
	// the engine's attempts per operation.
	ReconnectAfter int
	Monitor        *metrics.Monitor
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Client is the orchestrating façade. It is safe for concurrent use.
type Client struct {
	provider       Provider
	sessions       *session.Store
	registry       *connpool.Registry
	engine         *retry.Engine
	endpoints      EndpointFactory
	batchCfg       batch.Config
	reconnectAfter int
	monitor        *metrics.Monitor
	log            *slog.Logger
	now            func() time.Time

	mu      sync.Mutex
	state   State
	account *Account
	err     *rpcerror.Error
	readers map[uint64]*reader
}

// New validates cfg and returns a disconnected Client.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.Provider == nil:
		return nil, errors.New("rpcguard: provider is required")
	case cfg.Sessions == nil:
		return nil, errors.New("rpcguard: session store is required")
	case cfg.Registry == nil:
		return nil, errors.New("rpcguard: connection registry is required")
	case cfg.Engine == nil:
		return nil, errors.New("rpcguard: retry engine is required")
	}

	c := &Client{
		provider:       cfg.Provider,
		sessions:       cfg.Sessions,
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		endpoints:      cfg.Endpoints,
		batchCfg:       cfg.Batch,
		reconnectAfter: cfg.ReconnectAfter,
		monitor:        cfg.Monitor,
		log:            cfg.Logger,
		now:            cfg.Clock,
		readers:        make(map[uint64]*reader),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = logctx.Wrap(c.log)
	if c.now == nil {
		c.now = time.Now
	}
	if c.batchCfg == (batch.Config{}) {
		c.batchCfg = batch.DefaultConfig()
	}
	if c.reconnectAfter <= 0 {
		c.reconnectAfter = c.engine.Config().MaxRetries + 1
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Account returns the connected account, or nil.
func (c *Client) Account() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account == nil {
		return nil
	}
	a := *c.account
	return &a
}

// Err returns the last normalized error, or nil.
func (c *Client) Err() *rpcerror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ClearError forgets the last error.
func (c *Client) ClearError() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
}

// Connect connects the wallet. It is a no-op while connecting or
// connected. Provider failures are retried per the engine's policy; the
// final failure is normalized, remembered in Err and returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.err = nil
	c.state = StateConnecting
	c.mu.Unlock()

	var acct Account
	err := c.monitor.Measure(ctx, "connectWallet", func(ctx context.Context) error {
		var err error
		acct, err = retry.Do(ctx, c.engine, c.provider.Connect, KeyConnect)
		return err
	})

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		if err == nil {
			return ErrInterrupted
		}
		return err
	}
	if err != nil {
		nerr := normalize(err)
		c.err = nerr
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.ErrorContext(ctx, "rpcguard.connect_failed", slog.String("category", nerr.Category.String()), slog.String("err", err.Error()))
		return nerr
	}
	c.account = &acct
	c.state = StateConnected
	c.mu.Unlock()

	nctx := logctx.WithNetwork(ctx, &logctx.NetworkData{NetworkID: acct.NetworkID})
	c.persist(nctx, acct)
	if _, err := c.registry.Get(nctx, acct.NetworkID); err != nil {
		c.log.WarnContext(nctx, "rpcguard.connection_deferred", slog.String("err", err.Error()))
	}
	c.log.InfoContext(nctx, "rpcguard.connected", slog.String("account", acct.Address))
	return nil
}

func (c *Client) persist(ctx context.Context, acct Account) {
	prefs, err := c.sessions.Preferences(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "rpcguard.preferences_unavailable", slog.String("err", err.Error()))
		prefs = session.DefaultPreferences()
	}
	method := acct.Method
	if method == "" {
		method = session.MethodUnknown
	}
	sess := session.Session{
		Account:     acct.Address,
		NetworkID:   acct.NetworkID,
		Alias:       acct.Alias,
		ConnectedAt: c.now(),
		Method:      method,
		Preferences: prefs,
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.log.ErrorContext(ctx, "rpcguard.session_save_failed", slog.String("err", err.Error()))
	}
}

// Disconnect closes every connection, clears the session and then
// disconnects the provider, in that order. It always ends disconnected; a
// provider failure is normalized and returned.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.err = nil
	c.state = StateDisconnecting
	c.mu.Unlock()

	err := c.monitor.Measure(ctx, "disconnectWallet", func(ctx context.Context) error {
		c.dropReaders()
		c.registry.CloseAll()
		if err := c.sessions.Clear(ctx); err != nil {
			c.log.ErrorContext(ctx, "rpcguard.session_clear_failed", slog.String("err", err.Error()))
		}
		return c.provider.Disconnect(ctx)
	})

	c.mu.Lock()
	c.state = StateDisconnected
	c.account = nil
	var nerr *rpcerror.Error
	if err != nil {
		nerr = normalize(err)
		c.err = nerr
	}
	c.mu.Unlock()

	if nerr != nil {
		c.log.ErrorContext(ctx, "rpcguard.disconnect_failed", slog.String("err", err.Error()))
		return nerr
	}
	c.log.InfoContext(ctx, "rpcguard.disconnected")
	return nil
}

// SwitchNetwork asks the provider to move to networkID. On success the
// account and the persisted session follow; on failure the previous
// network stays in place and the normalized error is returned.
func (c *Client) SwitchNetwork(ctx context.Context, networkID uint64) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	err := c.monitor.Measure(ctx, "switchChain", func(ctx context.Context) error {
		return c.provider.SwitchNetwork(ctx, networkID)
	})
	if err != nil {
		nerr := normalize(err)
		c.mu.Lock()
		c.err = nerr
		c.mu.Unlock()
		c.log.ErrorContext(ctx, "rpcguard.switch_failed", slog.Uint64("network", networkID), slog.String("err", err.Error()))
		return nerr
	}

	c.mu.Lock()
	if c.account != nil {
		c.account.NetworkID = networkID
	}
	c.mu.Unlock()

	nctx := logctx.WithNetwork(ctx, &logctx.NetworkData{NetworkID: networkID})
	if err := c.sessions.UpdateNetwork(nctx, networkID); err != nil {
		c.log.WarnContext(nctx, "rpcguard.session_network_not_updated", slog.String("err", err.Error()))
	}
	c.log.InfoContext(nctx, "rpcguard.network_switched")
	return nil
}

// AutoConnect connects when the session store says a valid session with
// auto-connect enabled exists. It reports whether a connection was
// attempted. A failed attempt clears the stale session.
func (c *Client) AutoConnect(ctx context.Context) (bool, error) {
	ok, err := c.sessions.ShouldAutoConnect(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := c.Connect(ctx); err != nil {
		if cerr := c.sessions.Clear(ctx); cerr != nil {
			c.log.ErrorContext(ctx, "rpcguard.session_clear_failed", slog.String("err", cerr.Error()))
		}
		return true, err
	}
	return true, nil
}

// Touch slides the session's activity window for the connected account.
func (c *Client) Touch(ctx context.Context) error {
	acct := c.Account()
	if acct == nil {
		return nil
	}
	return c.sessions.UpdateActivity(ctx, acct.Address)
}

// Close tears down every connection. The Client cannot read afterwards.
func (c *Client) Close() error {
	c.dropReaders()
	c.registry.Shutdown()
	return nil
}

// normalize maps err to a stable message. Retry exhaustion is looked
// through so the provider's own failure decides the message, while the
// full chain stays reachable with errors.As.
func normalize(err error) *rpcerror.Error {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) && ex.Err != nil {
		n := *rpcerror.Normalize(ex.Err)
		n.Cause = err
		return &n
	}
	return rpcerror.Normalize(err)
}
