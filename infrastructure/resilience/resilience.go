// Package resilience provides fault tolerance patterns backed by
// github.com/sony/gobreaker/v2 (circuit breaking) and
// github.com/cenkalti/backoff/v4 (retry with exponential backoff).
//
// This package is a thin adapter that preserves the original API surface
// used throughout the codebase while delegating to battle-tested OSS.
package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/tripleh1701/pipelineforge/infrastructure/logging"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State represents circuit breaker state.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ---------------------------------------------------------------------------
// Circuit Breaker
// ---------------------------------------------------------------------------

// Config for circuit breaker.
type Config struct {
	Name          string // identifies this breaker in metrics and transition logs
	MaxFailures   int    // consecutive failures before opening
	Timeout       time.Duration // time in open state before half-open
	HalfOpenMax   int           // max requests allowed in half-open
	OnStateChange func(from, to State)
	Logger        *logging.Logger // defaults to logging.Default() when nil
}

// Counters is one breaker's observable state, per spec §4.3: total
// successes/failures/rejections, the current consecutive-failure streak,
// per-target-state transition counts, and the current state itself.
// Rejections counts calls that never reached fn because the breaker was
// open or half-open's in-flight cap was hit — distinct from fn itself
// failing.
type Counters struct {
	Name                  string
	State                 State
	TotalSuccesses        uint64
	TotalFailures         uint64
	Rejections            uint64
	ConsecutiveFailures   uint64
	TransitionsToOpen     uint64
	TransitionsToHalfOpen uint64
	TransitionsToClosed   uint64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker while preserving the
// original Execute(ctx, fn) signature used by all consumers, adding the
// counter surface and forced-reset operations spec §4.3 names: gobreaker
// tracks the counts it needs for its own trip decision internally but
// exposes no rejection count and no way to force a breaker back to closed,
// so both live in this layer instead.
type CircuitBreaker struct {
	mu       sync.RWMutex
	gb       *gobreaker.CircuitBreaker[any]
	settings gobreaker.Settings
	name     string
	logger   *logging.Logger
	onChange func(from, to State)

	totalSuccesses        uint64
	totalFailures         uint64
	rejections            uint64
	consecutiveFailures   uint64
	transitionsToOpen     uint64
	transitionsToHalfOpen uint64
	transitionsToClosed   uint64
}

// New creates a new CircuitBreaker backed by sony/gobreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	cb := &CircuitBreaker{
		name:     cfg.Name,
		logger:   logger,
		onChange: cfg.OnStateChange,
	}

	cb.settings = gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: halfOpenMax,
		Interval:    0, // gobreaker resets counts on state change, not on interval
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.handleStateChange(State(from), State(to))
		},
	}
	cb.gb = gobreaker.NewCircuitBreaker[any](cb.settings)

	return cb
}

// handleStateChange records one transition's count, emits the structured
// event spec §4.3 requires ("transitions emit one structured event each"),
// and forwards to the caller-supplied OnStateChange hook, if any.
func (cb *CircuitBreaker) handleStateChange(from, to State) {
	switch to {
	case StateOpen:
		atomic.AddUint64(&cb.transitionsToOpen, 1)
	case StateHalfOpen:
		atomic.AddUint64(&cb.transitionsToHalfOpen, 1)
	case StateClosed:
		atomic.AddUint64(&cb.transitionsToClosed, 1)
	}
	cb.logger.WithFields(map[string]interface{}{
		"breaker": cb.name, "from_state": from.String(), "to_state": to.String(),
	}).Warn("circuit breaker state transition")
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return State(cb.gb.State())
}

// Execute runs fn with circuit breaker protection.
// The ctx parameter is accepted for API compatibility but gobreaker does not
// use it internally — callers should enforce timeouts via context on fn itself.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	cb.mu.RLock()
	gb := cb.gb
	cb.mu.RUnlock()

	called := false
	_, err := gb.Execute(func() (any, error) {
		called = true
		return nil, fn()
	})

	if !called {
		atomic.AddUint64(&cb.rejections, 1)
		return mapGobreakerError(err)
	}
	if err != nil {
		atomic.AddUint64(&cb.totalFailures, 1)
		atomic.AddUint64(&cb.consecutiveFailures, 1)
		return err
	}
	atomic.AddUint64(&cb.totalSuccesses, 1)
	atomic.StoreUint64(&cb.consecutiveFailures, 0)
	return nil
}

// Counters returns a snapshot of this breaker's observable counters and
// current state.
func (cb *CircuitBreaker) Counters() Counters {
	return Counters{
		Name:                  cb.name,
		State:                 cb.State(),
		TotalSuccesses:        atomic.LoadUint64(&cb.totalSuccesses),
		TotalFailures:         atomic.LoadUint64(&cb.totalFailures),
		Rejections:            atomic.LoadUint64(&cb.rejections),
		ConsecutiveFailures:   atomic.LoadUint64(&cb.consecutiveFailures),
		TransitionsToOpen:     atomic.LoadUint64(&cb.transitionsToOpen),
		TransitionsToHalfOpen: atomic.LoadUint64(&cb.transitionsToHalfOpen),
		TransitionsToClosed:   atomic.LoadUint64(&cb.transitionsToClosed),
	}
}

// Reset forces the breaker back to CLOSED and clears its counters. gobreaker
// exposes no public "force closed" operation, so this rebuilds the
// underlying breaker from the same settings it was constructed with, which
// starts fresh in the closed state with a zeroed trip count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.gb = gobreaker.NewCircuitBreaker[any](cb.settings)
	cb.mu.Unlock()
	cb.ResetMetrics()
}

// ResetMetrics clears this breaker's observable counters without disturbing
// its current state — unlike Reset, an open breaker stays open.
func (cb *CircuitBreaker) ResetMetrics() {
	atomic.StoreUint64(&cb.totalSuccesses, 0)
	atomic.StoreUint64(&cb.totalFailures, 0)
	atomic.StoreUint64(&cb.rejections, 0)
	atomic.StoreUint64(&cb.consecutiveFailures, 0)
	atomic.StoreUint64(&cb.transitionsToOpen, 0)
	atomic.StoreUint64(&cb.transitionsToHalfOpen, 0)
	atomic.StoreUint64(&cb.transitionsToClosed, 0)
}

// mapGobreakerError translates gobreaker sentinel errors to our own so that
// existing consumer code comparing against ErrCircuitOpen / ErrTooManyRequests
// continues to work.
func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness (mapped to backoff.RandomizationFactor)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes fn with exponential backoff using cenkalti/backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	// Disable the global elapsed-time limit; we control via MaxRetries.
	bo.MaxElapsedTime = 0

	// MaxRetries = MaxAttempts - 1 because the first call is not a "retry".
	maxRetries := uint64(cfg.MaxAttempts - 1)

	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		return fn()
	}, withCtx)
}

// ---------------------------------------------------------------------------
// Service-level convenience configs (preserved from config.go)
// ---------------------------------------------------------------------------

// ServiceCircuitBreakerConfig provides preconfigured circuit breaker settings
// optimized for service-to-service HTTP calls.
type ServiceCircuitBreakerConfig struct {
	MaxFailures    int
	TimeoutSeconds int
	HalfOpenMax    int
	Logger         *logging.Logger
}

// DefaultServiceCBConfig returns a circuit breaker configuration suitable for
// most service HTTP clients.
func DefaultServiceCBConfig(logger *logging.Logger) Config {
	return ServiceCBConfig(ServiceCircuitBreakerConfig{
		MaxFailures:    5,
		TimeoutSeconds: 30,
		HalfOpenMax:    3,
		Logger:         logger,
	})
}

// StrictServiceCBConfig returns a conservative circuit breaker configuration
// for critical services that should fail fast.
func StrictServiceCBConfig(logger *logging.Logger) Config {
	return ServiceCBConfig(ServiceCircuitBreakerConfig{
		MaxFailures:    3,
		TimeoutSeconds: 60,
		HalfOpenMax:    1,
		Logger:         logger,
	})
}

// LenientServiceCBConfig returns a lenient circuit breaker configuration
// for services that can tolerate more failures.
func LenientServiceCBConfig(logger *logging.Logger) Config {
	return ServiceCBConfig(ServiceCircuitBreakerConfig{
		MaxFailures:    10,
		TimeoutSeconds: 15,
		HalfOpenMax:    5,
		Logger:         logger,
	})
}

// ServiceCBConfig creates a Config from ServiceCircuitBreakerConfig.
func ServiceCBConfig(cfg ServiceCircuitBreakerConfig) Config {
	cbConfig := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax: cfg.HalfOpenMax,
	}

	if cbConfig.MaxFailures <= 0 {
		cbConfig.MaxFailures = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.HalfOpenMax <= 0 {
		cbConfig.HalfOpenMax = 3
	}

	if cfg.Logger != nil {
		cbConfig.OnStateChange = func(from, to State) {
			cfg.Logger.WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("circuit breaker state changed")
		}
	}

	return cbConfig
}

// SecondsToDuration converts seconds to Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
