// Package connpool keeps at most one live connection handle per network.
//
// Handles are created lazily on first use, checked for liveness with a
// local flag only, and torn down explicitly. Callers that detect a broken
// connection Close the network and the next Get dials a fresh one.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/rpcguard-go/internal/logctx"
	"github.com/ggoodman/rpcguard-go/metrics"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned by Get after Shutdown.
	ErrClosed = errors.New("connpool: registry closed")
	// ErrReset is returned when CloseAll ran while a dial was in flight.
	ErrReset = errors.New("connpool: registry reset during dial")
)

// Conn is the underlying client a handle owns. *ethclient.Client
// satisfies it.
type Conn interface {
	Close()
}

// Dialer opens a connection for a network.
type Dialer interface {
	Dial(ctx context.Context, networkID uint64) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, networkID uint64) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, networkID uint64) (Conn, error) {
	return f(ctx, networkID)
}

// Handle is one logical connection to a network.
type Handle struct {
	ID        uuid.UUID
	NetworkID uint64
	CreatedAt time.Time

	conn      Conn
	limiter   *rate.Limiter
	destroyed atomic.Bool
}

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn { return h.conn }

// Alive reports whether the handle has not been closed.
func (h *Handle) Alive() bool {
	return h != nil && !h.destroyed.Load()
}

// Close marks the handle destroyed and closes the connection once.
func (h *Handle) Close() {
	if h.destroyed.CompareAndSwap(false, true) && h.conn != nil {
		h.conn.Close()
	}
}

// Wait blocks until the handle's rate limit admits one request. Handles
// without a limit return immediately.
func (h *Handle) Wait(ctx context.Context) error {
	if h.limiter == nil {
		return ctx.Err()
	}
	return h.limiter.Wait(ctx)
}

// RateLimit is a per-handle token bucket. A non-positive RPS disables it.
type RateLimit struct {
	RPS   float64
	Burst int
}

func (l RateLimit) limiter() *rate.Limiter {
	if l.RPS <= 0 {
		return nil
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.RPS), burst)
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRateLimit attaches a token bucket to every new handle.
func WithRateLimit(l RateLimit) Option {
	return func(r *Registry) { r.limit = l }
}

// WithMonitor reports the number of open handles to m.
func WithMonitor(m *metrics.Monitor) Option {
	return func(r *Registry) { r.monitor = m }
}

// Registry maps network ids to live handles.
type Registry struct {
	dialer  Dialer
	log     *slog.Logger
	now     func() time.Time
	limit   RateLimit
	monitor *metrics.Monitor

	mu      sync.Mutex
	handles map[uint64]*Handle
	retries map[uint64]int
	dialing map[uint64]*sync.Mutex
	gen     uint64
	closed  bool
}

// New creates a Registry that opens connections with dialer.
func New(dialer Dialer, opts ...Option) *Registry {
	r := &Registry{
		dialer:  dialer,
		log:     slog.Default(),
		now:     time.Now,
		handles: make(map[uint64]*Handle),
		retries: make(map[uint64]int),
		dialing: make(map[uint64]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.log = logctx.Wrap(r.log)
	return r
}

// Get returns the live handle for networkID, dialing a new one when none
// exists or the previous one was closed. Creating a handle resets the
// network's retry counter. Dials for one network are serialized; other
// networks are not blocked.
func (r *Registry) Get(ctx context.Context, networkID uint64) (*Handle, error) {
	if h, err := r.lookup(networkID); h != nil || err != nil {
		return h, err
	}

	lock := r.dialLock(networkID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have finished dialing while we waited.
	if h, err := r.lookup(networkID); h != nil || err != nil {
		return h, err
	}

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	conn, err := r.dialer.Dial(ctx, networkID)
	if err != nil {
		n := r.IncrementRetry(networkID)
		r.log.WarnContext(logctx.WithNetwork(ctx, &logctx.NetworkData{NetworkID: networkID}), "connpool.dial_failed",
			slog.Int("retries", n),
			slog.String("err", err.Error()))
		return nil, fmt.Errorf("dial network %d: %w", networkID, err)
	}

	h := &Handle{
		ID:        uuid.New(),
		NetworkID: networkID,
		CreatedAt: r.now(),
		conn:      conn,
		limiter:   r.limit.limiter(),
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		h.Close()
		return nil, ErrClosed
	case r.gen != gen:
		r.mu.Unlock()
		h.Close()
		return nil, ErrReset
	}
	r.handles[networkID] = h
	r.retries[networkID] = 0
	n := len(r.handles)
	r.mu.Unlock()

	r.monitor.ConnectionsOpen(n)
	r.log.InfoContext(logctx.WithNetwork(ctx, &logctx.NetworkData{NetworkID: networkID, HandleID: h.ID.String()}), "connpool.created")
	return h, nil
}

func (r *Registry) lookup(networkID uint64) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	h, ok := r.handles[networkID]
	if !ok {
		return nil, nil
	}
	if h.Alive() {
		return h, nil
	}
	delete(r.handles, networkID)
	return nil, nil
}

func (r *Registry) dialLock(networkID uint64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.dialing[networkID]
	if !ok {
		l = &sync.Mutex{}
		r.dialing[networkID] = l
	}
	return l
}

// Close destroys and forgets the handle for networkID, if any.
func (r *Registry) Close(networkID uint64) {
	r.mu.Lock()
	h, ok := r.handles[networkID]
	delete(r.handles, networkID)
	n := len(r.handles)
	r.mu.Unlock()

	if !ok {
		return
	}
	h.Close()
	r.monitor.ConnectionsOpen(n)
	r.log.Info("connpool.closed", slog.Uint64("network", networkID), slog.String("handle", h.ID.String()))
}

// CloseAll destroys every handle and clears all retry counters. Dials in
// flight when CloseAll runs are discarded.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[uint64]*Handle)
	r.retries = make(map[uint64]int)
	r.gen++
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	r.monitor.ConnectionsOpen(0)
	if len(handles) > 0 {
		r.log.Info("connpool.closed_all", slog.Int("count", len(handles)))
	}
}

// Shutdown closes every handle and rejects further Gets.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.CloseAll()
}

// Count returns the number of tracked handles.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// RetryCount returns the failure counter for networkID.
func (r *Registry) RetryCount(networkID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries[networkID]
}

// IncrementRetry bumps and returns the failure counter for networkID.
func (r *Registry) IncrementRetry(networkID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[networkID]++
	return r.retries[networkID]
}

// ResetRetry zeroes the failure counter for networkID.
func (r *Registry) ResetRetry(networkID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[networkID] = 0
}
