// Package stage implements the per-stage-type handlers dispatched by the
// execution coordinator, wrapping every outbound network call through a
// named circuit breaker and an exponential-backoff retry.
package stage

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/errors"
	"github.com/tripleh1701/pipelineforge/infrastructure/resilience"
	"github.com/tripleh1701/pipelineforge/pkg/credential"
)

// SharedContext carries data one stage leaves for a later one within the
// same execution (e.g. Code stores the GitHub repo/branch/token that
// Deploy needs), per spec §4.7's Code handler note. It is safe for
// concurrent use because stages within a node run serially but multiple
// nodes in a tier run concurrently and may all read it.
type SharedContext struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewSharedContext returns an empty SharedContext.
func NewSharedContext() *SharedContext {
	return &SharedContext{data: make(map[string]any)}
}

func (c *SharedContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *SharedContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// ApprovalCreator delegates inbox-item creation to C9 and returns the
// resume token handed back to the caller of WAITING_APPROVAL. accountID is
// threaded through explicitly (rather than assumed fixed) because one
// Dispatcher is shared across every concurrently running execution,
// regardless of which account it belongs to.
type ApprovalCreator func(ctx context.Context, accountID, executionID, stageID string, approvers []string) (resumeToken string, err error)

// Handler executes one compiled stage against its node and returns its
// result. Handlers never panic and never mutate data outside sc; retryable
// failures are already exhausted by the time a handler returns FAILED.
type Handler func(ctx context.Context, d *Dispatcher, sc *SharedContext, node pipeline.CompiledNode, st pipeline.CompiledStage, auth *credential.ResolvedAuth) pipeline.StageResult

// Dispatcher routes a compiled stage to its type handler and owns the
// shared HTTP client, breaker registry, and retry policy every handler's
// outbound calls run through.
type Dispatcher struct {
	client      *http.Client
	retryConfig resilience.RetryConfig
	approvals   ApprovalCreator

	mu         sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	breakerCfg resilience.Config

	handlers map[pipeline.StageType]Handler
}

// SetApprovalCreator wires (or rewires) the approval-stage handler's C9
// delegate after construction. It exists because the natural wiring order
// is circular: C9's Bridge needs a Resumer to relaunch a suspended
// execution, and that Resumer typically needs the very Dispatcher whose
// Approvals field would otherwise have to reference the Bridge before it
// exists. Callers build the Dispatcher first, then the Bridge, then close
// the loop with one SetApprovalCreator call; it is safe to call before the
// Dispatcher has processed any stage.
func (d *Dispatcher) SetApprovalCreator(fn ApprovalCreator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.approvals = fn
}

func (d *Dispatcher) approvalCreator() ApprovalCreator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.approvals
}

// Config configures a Dispatcher.
type Config struct {
	Client              *http.Client
	PerCallTimeout       time.Duration // default 60s
	MaxRetries           int           // default 3 (so up to 4 attempts)
	BreakerFailThreshold int
	BreakerResetTimeout  time.Duration
	BreakerHalfOpenMax   int
	Approvals            ApprovalCreator
}

// New builds a Dispatcher with the built-in Plan/Code/Deploy/Approval and
// Build/Test/Release/Generic handlers registered.
func New(cfg Config) *Dispatcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.PerCallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client.Timeout = timeout

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	d := &Dispatcher{
		client: client,
		retryConfig: resilience.RetryConfig{
			MaxAttempts:  maxRetries + 1,
			InitialDelay: 2 * time.Second,
			MaxDelay:     8 * time.Second,
			Multiplier:   2.0,
			Jitter:       0,
		},
		approvals: cfg.Approvals,
		breakers:  make(map[string]*resilience.CircuitBreaker),
		handlers:  make(map[pipeline.StageType]Handler),
	}

	d.handlers[pipeline.StagePlan] = planHandler
	d.handlers[pipeline.StageCode] = codeHandler
	d.handlers[pipeline.StageDeploy] = deployHandler
	d.handlers[pipeline.StageApproval] = approvalHandler
	d.handlers[pipeline.StageBuild] = genericHandler
	d.handlers[pipeline.StageTest] = genericHandler
	d.handlers[pipeline.StageRelease] = genericHandler
	d.handlers[pipeline.StageGeneric] = genericHandler

	breakerThreshold := cfg.BreakerFailThreshold
	if breakerThreshold <= 0 {
		breakerThreshold = 5
	}
	breakerReset := cfg.BreakerResetTimeout
	if breakerReset <= 0 {
		breakerReset = 30 * time.Second
	}
	breakerHalfOpen := cfg.BreakerHalfOpenMax
	if breakerHalfOpen <= 0 {
		breakerHalfOpen = 2
	}
	d.breakerCfg = resilience.Config{
		MaxFailures: breakerThreshold,
		Timeout:     breakerReset,
		HalfOpenMax: breakerHalfOpen,
	}

	return d
}

// breaker lazily creates (or returns) the named circuit breaker, one per
// downstream connector (jira, github, sap), per spec §4.3's per-downstream
// isolation.
func (d *Dispatcher) breaker(name string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[name]
	if !ok {
		cfg := d.breakerCfg
		cfg.Name = name
		b = resilience.New(cfg)
		d.breakers[name] = b
	}
	return b
}

// Dispatch runs stage st of node against its type handler, first applying
// the executionEnabled/toolSelected skip rules from spec §4.5.
func (d *Dispatcher) Dispatch(ctx context.Context, sc *SharedContext, node pipeline.CompiledNode, st pipeline.CompiledStage, auth *credential.ResolvedAuth) pipeline.StageResult {
	start := time.Now()
	if !st.ExecutionEnabled {
		return skipped(node, st, start, "")
	}
	if st.ToolConfig != nil && !st.ToolSelected {
		return skipped(node, st, start, "")
	}

	handler, ok := d.handlers[st.Type]
	if !ok {
		handler = genericHandler
	}
	return handler(ctx, d, sc, node, st, auth)
}

func skipped(node pipeline.CompiledNode, st pipeline.CompiledStage, start time.Time, message string) pipeline.StageResult {
	return pipeline.StageResult{
		NodeID: node.ID, StageID: st.ID, StageType: st.Type,
		Status: pipeline.StageSkipped, Message: message,
		DurationMs: 0, StartedAt: start, CompletedAt: start,
	}
}

// doRequest runs newReq under the named circuit breaker and retry policy.
// Transport errors and 5xx responses are retried per spec §4.7; the retry
// loop as a whole counts as exactly one breaker outcome. 4xx and 2xx
// responses return immediately without retry.
func (d *Dispatcher) doRequest(ctx context.Context, breakerName string, newReq func() (*http.Request, error)) (*http.Response, []byte, error) {
	breaker := d.breaker(breakerName)

	var resp *http.Response
	var body []byte

	err := breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, d.retryConfig, func() error {
			req, err := newReq()
			if err != nil {
				return backoff.Permanent(err)
			}
			r, err := d.client.Do(req)
			if err != nil {
				return err
			}
			if r.StatusCode >= 500 {
				io.Copy(io.Discard, r.Body)
				r.Body.Close()
				return errors.Transient(breakerName, httpStatusError(r.StatusCode))
			}

			b, readErr := io.ReadAll(io.LimitReader(r.Body, 10<<20))
			r.Body.Close()
			if readErr != nil {
				return backoff.Permanent(readErr)
			}
			resp, body = r, b
			return nil
		})
	})

	if stderrors.Is(err, resilience.ErrCircuitOpen) {
		return nil, nil, errors.CircuitOpen(breakerName)
	}
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

type httpStatusErr struct{ status int }

func httpStatusError(status int) error { return &httpStatusErr{status: status} }
func (e *httpStatusErr) Error() string { return httpStatusText(e.status) }

func httpStatusText(status int) string {
	return "server error: " + http.StatusText(status)
}
