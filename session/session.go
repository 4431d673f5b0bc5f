// Package session persists the connected wallet session and its usage
// statistics in a storage.Storage.
//
// A session is valid while it is younger than Config.MaxAge and was active
// within Config.Inactivity. Loading a valid session slides its activity
// window forward; loading an invalid or unreadable one removes it. The
// statistics record has its own, longer lifetime and is discarded whole
// once it goes stale.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/rpcguard-go/storage"
)

// Storage layout.
const (
	Namespace  = "session"
	SessionKey = "wallet_session"
	StatsKey   = "session_stats"

	// ExportVersion tags documents produced by Export.
	ExportVersion = "1.0.0"
)

var (
	// ErrNoSession is returned by operations that need a stored session.
	ErrNoSession = errors.New("session: no active session")
	// ErrUnsupportedVersion is returned by Import for unknown export formats.
	ErrUnsupportedVersion = errors.New("session: unsupported export version")
)

// Method is how the wallet was connected.
type Method string

const (
	MethodInjected      Method = "injected"
	MethodWalletConnect Method = "walletconnect"
	MethodCoinbase      Method = "coinbase"
	MethodUnknown       Method = "unknown"
)

// ParseMethod maps a connector name to a Method.
func ParseMethod(s string) Method {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodInjected, MethodWalletConnect, MethodCoinbase:
		return m
	default:
		return MethodUnknown
	}
}

// Theme is the display theme preference.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
	ThemeAuto  Theme = "auto"
)

// Preferences travel with the session.
type Preferences struct {
	AutoConnect     bool  `json:"autoConnect"`
	RememberNetwork bool  `json:"rememberNetwork"`
	Theme           Theme `json:"theme" jsonschema:"enum=light,enum=dark,enum=auto"`
}

// DefaultPreferences are used when nothing is stored.
func DefaultPreferences() Preferences {
	return Preferences{AutoConnect: true, RememberNetwork: true, Theme: ThemeAuto}
}

// PreferencesPatch updates the non-nil fields only.
type PreferencesPatch struct {
	AutoConnect     *bool
	RememberNetwork *bool
	Theme           *Theme
}

func (p PreferencesPatch) apply(prefs Preferences) Preferences {
	if p.AutoConnect != nil {
		prefs.AutoConnect = *p.AutoConnect
	}
	if p.RememberNetwork != nil {
		prefs.RememberNetwork = *p.RememberNetwork
	}
	if p.Theme != nil {
		prefs.Theme = *p.Theme
	}
	return prefs
}

// Session is the persisted wallet session.
type Session struct {
	Account      string      `json:"account"`
	NetworkID    uint64      `json:"networkId"`
	Alias        string      `json:"alias,omitempty"`
	ConnectedAt  time.Time   `json:"connectedAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Method       Method      `json:"connectionMethod" jsonschema:"enum=injected,enum=walletconnect,enum=coinbase,enum=unknown"`
	Preferences  Preferences `json:"preferences"`
}

// Placeholder reports whether the session only carries preferences.
func (s *Session) Placeholder() bool { return s.Account == "" }

// Stats summarizes past connections.
type Stats struct {
	TotalConnections       int            `json:"totalConnections"`
	AverageSessionDuration time.Duration  `json:"averageSessionDuration"`
	MostUsedNetwork        uint64         `json:"mostUsedNetwork"`
	Networks               map[uint64]int `json:"networks"`
	ConnectionMethods      map[Method]int `json:"connectionMethods"`
	LastConnected          time.Time      `json:"lastConnected"`
}

// Config holds the validity windows.
type Config struct {
	MaxAge         time.Duration
	Inactivity     time.Duration
	StatsMaxAge    time.Duration
	DefaultNetwork uint64
}

// DefaultConfig returns a 7 day session lifetime, a 24 hour inactivity
// window, 30 day statistics and mainnet as the default network.
func DefaultConfig() Config {
	return Config{
		MaxAge:         7 * 24 * time.Hour,
		Inactivity:     24 * time.Hour,
		StatsMaxAge:    30 * 24 * time.Hour,
		DefaultNetwork: 1,
	}
}

func (c Config) applyDefaults() Config {
	def := DefaultConfig()
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.Inactivity <= 0 {
		c.Inactivity = def.Inactivity
	}
	if c.StatsMaxAge <= 0 {
		c.StatsMaxAge = def.StatsMaxAge
	}
	if c.DefaultNetwork == 0 {
		c.DefaultNetwork = def.DefaultNetwork
	}
	return c
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store reads and writes the session and statistics records.
type Store struct {
	backend storage.Storage
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a Store over backend.
func New(backend storage.Storage, cfg Config, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		cfg:     cfg.applyDefaults(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Save stamps LastActivity and persists sess. Saving a session with an
// account also counts one connection in the statistics.
func (s *Store) Save(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.write(ctx, &sess, now); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "session.saved", slog.String("account", sess.Account), slog.Uint64("network", sess.NetworkID))

	if sess.Placeholder() {
		return nil
	}
	if err := s.recordConnection(ctx, &sess, now); err != nil {
		return fmt.Errorf("update session stats: %w", err)
	}
	return nil
}

// Load returns the stored session if it is still valid, sliding its
// activity window. A missing, expired or unreadable session yields nil.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (*Session, error) {
	item, err := s.backend.Get(ctx, SessionKey, storage.WithNamespace(Namespace))
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if item == nil {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		s.log.WarnContext(ctx, "session.corrupt", slog.String("err", err.Error()))
		return nil, s.clear(ctx)
	}

	now := s.now()
	if !s.valid(&sess, now) {
		s.log.InfoContext(ctx, "session.expired", slog.String("account", sess.Account))
		return nil, s.clear(ctx)
	}

	if err := s.write(ctx, &sess, now); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) valid(sess *Session, now time.Time) bool {
	return now.Sub(sess.ConnectedAt) < s.cfg.MaxAge && now.Sub(sess.LastActivity) < s.cfg.Inactivity
}

// write stamps LastActivity with now and stores sess with a TTL matching
// the earlier of its two expiry windows.
func (s *Store) write(ctx context.Context, sess *Session, now time.Time) error {
	sess.LastActivity = now
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = now
	}
	if sess.Method == "" {
		sess.Method = MethodUnknown
	}

	ttl := min(s.cfg.Inactivity, s.cfg.MaxAge-now.Sub(sess.ConnectedAt))
	if ttl <= 0 {
		return s.clear(ctx)
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.backend.Set(ctx, SessionKey, raw, storage.WithNamespace(Namespace), storage.WithTTL(ttl)); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Clear removes the stored session.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.clear(ctx); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "session.cleared")
	return nil
}

func (s *Store) clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, storage.WithNamespace(Namespace), storage.WithKey(SessionKey)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// UpdateActivity slides the activity window of the session of account.
func (s *Store) UpdateActivity(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// load already re-stamps the session it returns.
	sess, err := s.load(ctx)
	if err != nil || sess == nil {
		return err
	}
	if !strings.EqualFold(sess.Account, account) {
		s.log.DebugContext(ctx, "session.activity_account_mismatch", slog.String("account", account))
	}
	return nil
}

// UpdateNetwork rewrites the network of the stored session.
func (s *Store) UpdateNetwork(ctx context.Context, networkID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNoSession
	}
	sess.NetworkID = networkID
	return s.write(ctx, sess, s.now())
}

// Preferences returns the stored preferences or the defaults.
func (s *Store) Preferences(ctx context.Context) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx)
	if err != nil {
		return Preferences{}, err
	}
	if sess == nil {
		return DefaultPreferences(), nil
	}
	return sess.Preferences, nil
}

// UpdatePreferences merges patch into the stored preferences. Without a
// session, a placeholder session is created to carry them.
func (s *Store) UpdatePreferences(ctx context.Context, patch PreferencesPatch) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx)
	if err != nil {
		return Preferences{}, err
	}
	now := s.now()
	if sess == nil {
		sess = &Session{
			NetworkID:   s.cfg.DefaultNetwork,
			ConnectedAt: now,
			Method:      MethodUnknown,
			Preferences: DefaultPreferences(),
		}
	}
	sess.Preferences = patch.apply(sess.Preferences)
	if err := s.write(ctx, sess, now); err != nil {
		return Preferences{}, err
	}
	return sess.Preferences, nil
}

// ShouldAutoConnect reports whether auto-connect is enabled and a valid
// session with an account exists.
func (s *Store) ShouldAutoConnect(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx)
	if err != nil || sess == nil {
		return false, err
	}
	return sess.Preferences.AutoConnect && !sess.Placeholder(), nil
}

// PreferredNetwork returns the session's network when the user asked to
// remember it, otherwise the configured default.
func (s *Store) PreferredNetwork(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	if sess != nil && sess.Preferences.RememberNetwork && sess.NetworkID != 0 {
		return sess.NetworkID, nil
	}
	return s.cfg.DefaultNetwork, nil
}
