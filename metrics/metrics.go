// Package metrics provides Monitor, an explicitly owned performance monitor
// that keeps a bounded window of recent operation samples for in-process
// statistics and mirrors every observation into Prometheus collectors.
package metrics

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpcguard"

// Config controls sampling and retention.
type Config struct {
	// Enabled turns sample recording on. Prometheus collectors are always
	// updated when a registerer is configured.
	Enabled bool
	// SampleRate in [0,1] is the fraction of operations kept in the window.
	SampleRate float64
	// MaxSamples bounds the window; oldest samples are dropped first.
	MaxSamples int
	// FlushInterval is the period of the Run summary log. Zero disables it.
	FlushInterval time.Duration
}

// DefaultConfig returns the defaults used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		SampleRate:    1,
		MaxSamples:    1000,
		FlushInterval: 30 * time.Second,
	}
}

// Sample is one recorded operation.
type Sample struct {
	ID        string            `json:"id"`
	Operation string            `json:"operation"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes the current window.
type Stats struct {
	TotalOperations      int            `json:"totalOperations"`
	SuccessfulOperations int            `json:"successfulOperations"`
	FailedOperations     int            `json:"failedOperations"`
	AverageDuration      time.Duration  `json:"averageDuration"`
	MedianDuration       time.Duration  `json:"medianDuration"`
	P95Duration          time.Duration  `json:"p95Duration"`
	P99Duration          time.Duration  `json:"p99Duration"`
	OperationsByType     map[string]int `json:"operationsByType"`
	ErrorRate            float64        `json:"errorRate"`
}

type collectors struct {
	duration    *prometheus.HistogramVec
	operations  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	groups      *prometheus.CounterVec
	connections prometheus.Gauge
}

func newCollectors() *collectors {
	return &collectors{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of measured operations in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of measured operations",
		}, []string{"operation", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of attempts made by the retry engine",
		}, []string{"context_key", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"context_key", "to"}),
		groups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_groups_total",
			Help:      "Batched call groups executed",
		}, []string{"mode", "outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Live connection handles in the registry",
		}),
	}
}

func (c *collectors) register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.duration, c.operations, c.retries, c.transitions, c.groups, c.connections} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithRegisterer registers the Monitor's collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.reg = reg }
}

// WithLogger sets the logger used by Run.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRand overrides the sampler's source of uniform [0,1) values.
func WithRand(r func() float64) Option {
	return func(m *Monitor) {
		if r != nil {
			m.rand = r
		}
	}
}

// Monitor records operation samples. A nil *Monitor is valid and records
// nothing, so components can accept one optionally.
type Monitor struct {
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
	rand func() float64
	reg  prometheus.Registerer
	prom *collectors

	mu      sync.Mutex
	samples []Sample
}

// New creates a Monitor. Registration fails when the registerer already
// holds collectors with the same names.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultConfig().MaxSamples
	}
	if cfg.SampleRate < 0 {
		cfg.SampleRate = 0
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}

	m := &Monitor{
		cfg:  cfg,
		log:  slog.Default(),
		now:  time.Now,
		rand: rand.Float64,
		prom: newCollectors(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.reg != nil {
		if err := m.prom.register(m.reg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Measure runs fn, timing it under operation. The error returned by fn is
// returned unchanged.
func (m *Monitor) Measure(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if m == nil {
		return fn(ctx)
	}
	start := m.now()
	err := fn(ctx)
	m.Record(operation, m.now().Sub(start), err, nil)
	return err
}

// Record adds a sample for an operation measured elsewhere.
func (m *Monitor) Record(operation string, d time.Duration, err error, metadata map[string]string) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.prom.duration.WithLabelValues(operation, outcome).Observe(d.Seconds())
	m.prom.operations.WithLabelValues(operation, outcome).Inc()

	if !m.cfg.Enabled || m.rand() >= m.cfg.SampleRate {
		return
	}

	s := Sample{
		ID:        uuid.NewString(),
		Operation: operation,
		Duration:  d,
		Timestamp: m.now(),
		Success:   err == nil,
		Metadata:  metadata,
	}
	if err != nil {
		s.Error = err.Error()
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	if over := len(m.samples) - m.cfg.MaxSamples; over > 0 {
		m.samples = slices.Delete(m.samples, 0, over)
	}
	m.mu.Unlock()
}

// RetryAttempt counts one attempt of the retry engine.
func (m *Monitor) RetryAttempt(contextKey string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.prom.retries.WithLabelValues(contextKey, outcome).Inc()
}

// CircuitTransition counts a circuit breaker moving into state to.
func (m *Monitor) CircuitTransition(contextKey, to string) {
	if m == nil {
		return
	}
	m.prom.transitions.WithLabelValues(contextKey, to).Inc()
}

// BatchGroup counts one executed batch group.
func (m *Monitor) BatchGroup(mode string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.prom.groups.WithLabelValues(mode, outcome).Inc()
}

// ConnectionsOpen reports the number of live connection handles.
func (m *Monitor) ConnectionsOpen(n int) {
	if m == nil {
		return
	}
	m.prom.connections.Set(float64(n))
}

// Stats summarizes the current sample window.
func (m *Monitor) Stats() Stats {
	out := Stats{OperationsByType: map[string]int{}}
	if m == nil {
		return out
	}

	m.mu.Lock()
	samples := slices.Clone(m.samples)
	m.mu.Unlock()

	if len(samples) == 0 {
		return out
	}

	durations := make([]time.Duration, 0, len(samples))
	var total time.Duration
	for _, s := range samples {
		if s.Success {
			out.SuccessfulOperations++
		} else {
			out.FailedOperations++
		}
		out.OperationsByType[s.Operation]++
		durations = append(durations, s.Duration)
		total += s.Duration
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	out.TotalOperations = n
	out.AverageDuration = total / time.Duration(n)
	out.MedianDuration = durations[n/2]
	out.P95Duration = durations[percentileIndex(n, 0.95)]
	out.P99Duration = durations[percentileIndex(n, 0.99)]
	out.ErrorRate = float64(out.FailedOperations) / float64(n)
	return out
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}

// OperationMetrics returns the samples recorded for one operation.
func (m *Monitor) OperationMetrics(operation string) []Sample {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range m.samples {
		if s.Operation == operation {
			out = append(out, s)
		}
	}
	return out
}

// Clear drops every sample. Prometheus counters are unaffected.
func (m *Monitor) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples = nil
	m.mu.Unlock()
}

// Export returns a copy of the current window.
func (m *Monitor) Export() []Sample {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.samples)
}

// Run logs a summary every FlushInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil || m.cfg.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := m.Stats()
		if st.TotalOperations == 0 {
			continue
		}
		m.log.InfoContext(ctx, "metrics.summary",
			slog.Int("total", st.TotalOperations),
			slog.Int("failed", st.FailedOperations),
			slog.Duration("avg", st.AverageDuration),
			slog.Duration("p95", st.P95Duration),
			slog.Float64("error_rate", st.ErrorRate),
		)
	}
}
