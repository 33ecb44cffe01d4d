// Package circuitbreaker guards outbound calls, notification webhooks in
// particular, with sony/gobreaker and reports outcomes as OpenTelemetry
// counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state as reported to logs, metrics and /stats
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker
type Config struct {
	Name string
	// MaxRequests is both the number of probes let through while half-open
	// and the consecutive successes needed to close again
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears
	Interval time.Duration
	// Timeout is the open period before probing
	Timeout time.Duration
	// FailureThreshold trips the breaker on consecutive failures while fewer
	// than MinRequests calls have been counted
	FailureThreshold uint32
	// FailureRatio trips the breaker once MinRequests calls have been counted
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful decides which errors count against the target. Nil
	// treats every error as a failure.
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults for a notification webhook target
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < c.MinRequests {
		return counts.ConsecutiveFailures >= c.FailureThreshold
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

// CircuitBreaker is a named gobreaker with tracing and outcome counters
type CircuitBreaker struct {
	cb       *gobreaker.CircuitBreaker
	name     string
	logger   *zap.Logger
	tracer   trace.Tracer
	calls    metric.Int64Counter
	listener func(name string, from, to State)
}

// New creates a breaker from cfg
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through a circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create call counter: %w", err)
	}

	c := &CircuitBreaker{
		name:     cfg.Name,
		logger:   logger.With(zap.String("breaker", cfg.Name)),
		tracer:   otel.Tracer("circuit-breaker"),
		calls:    calls,
		listener: cfg.OnStateChange,
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.readyToTrip,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.changed(mapState(from), mapState(to))
		},
	}
	if cfg.IsSuccessful != nil {
		settings.IsSuccessful = cfg.IsSuccessful
	}
	c.cb = gobreaker.NewCircuitBreaker(settings)
	return c, nil
}

// Execute runs fn unless the breaker rejects the call. Rejections satisfy
// IsOpenError.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.execute", trace.WithAttributes(
		attribute.String("breaker.name", c.name),
		attribute.String("breaker.state", string(c.GetState())),
	))
	defer span.End()

	result, err := c.cb.Execute(fn)

	outcome := "success"
	switch {
	case err == nil:
	case IsOpenError(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("breaker.open", true))
	default:
		outcome = "failure"
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (c *CircuitBreaker) changed(from, to State) {
	c.logger.Warn("circuit breaker state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if c.listener != nil {
		c.listener(c.name, from, to)
	}
}

// GetState returns the current state
func (c *CircuitBreaker) GetState() State { return mapState(c.cb.State()) }

// IsOpen reports whether calls are currently rejected
func (c *CircuitBreaker) IsOpen() bool { return c.GetState() == StateOpen }

// IsClosed reports whether calls flow normally
func (c *CircuitBreaker) IsClosed() bool { return c.GetState() == StateClosed }

// Counts returns the counts of the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }

// IsOpenError reports whether err is a rejection by an open or saturated
// half-open breaker rather than a failure of the wrapped call
func IsOpenError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager keeps one breaker per webhook host
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker for name, creating it from cfg on first
// use. cfg.Name is replaced by name.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus is one breaker's entry in /stats
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus reports every breaker, sorted by name
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		state := cb.GetState()
		statuses = append(statuses, HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state == StateClosed,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
