// Package engine composes C1-C10 into the three calls spec §6 names as the
// "Engine API (exposed to controllers)": Run admits a build job, GetLogs
// and ListForPipeline read back an execution's state, and ApproveStage
// resolves an execution+stage pair to the pending inbox item gating it and
// actions it. The HTTP/REST controller layer these calls are exposed to is
// explicitly out of scope (spec §1); this package is the seam.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/config"
	"github.com/tripleh1701/pipelineforge/infrastructure/database"
	"github.com/tripleh1701/pipelineforge/infrastructure/errors"
	"github.com/tripleh1701/pipelineforge/infrastructure/logging"
	"github.com/tripleh1701/pipelineforge/infrastructure/metrics"
	"github.com/tripleh1701/pipelineforge/pkg/approval"
	"github.com/tripleh1701/pipelineforge/pkg/audit"
	"github.com/tripleh1701/pipelineforge/pkg/credential"
	"github.com/tripleh1701/pipelineforge/pkg/execution"
	"github.com/tripleh1701/pipelineforge/pkg/stage"
	"github.com/tripleh1701/pipelineforge/pkg/tenant"
)

// Engine is the root composition object spec §9's "Global singletons"
// redesign note asks for: one struct wiring the tenant router, the shared
// stage dispatcher/credential resolver, the audit recorder, and the
// approval bridge, so tests can build independent Engines against stub
// stores rather than reaching into process-wide state.
type Engine struct {
	router     *tenant.Router
	dispatcher *stage.Dispatcher
	resolver   *credential.Resolver
	audit      *audit.Recorder
	bridge     *approval.Bridge
	logger     *logging.Logger
}

// New builds an Engine. bridgeCfg configures the approval bridge's email
// side effect and resume-token signing key; the Engine wires itself in as
// the bridge's Resumer (approval.Resumer), since resuming a suspended
// execution needs the pipeline/build-job lookups only the Engine can do.
// dispatcher's Approval-stage handler is rewired to call the bridge's
// Create once the bridge exists, closing the C7/C9 wiring loop described
// on Dispatcher.SetApprovalCreator.
func New(router *tenant.Router, dispatcher *stage.Dispatcher, resolver *credential.Resolver, auditor *audit.Recorder, bridgeCfg approval.Config) *Engine {
	e := &Engine{
		router:     router,
		dispatcher: dispatcher,
		resolver:   resolver,
		audit:      auditor,
		logger:     logging.Default(),
	}
	e.bridge = approval.New(router, e, bridgeCfg)
	dispatcher.SetApprovalCreator(e.bridge.Create)
	return e
}

// NewFromConfig is the composition root a process entrypoint calls: it
// reads the recognized environment keys (spec §6's "Configuration" table)
// into a config.EngineConfig and wires every collaborator's tunables from
// it — the tenant router's route-cache TTL, the dispatcher's per-call
// timeout/retry/breaker thresholds, and whether the approval bridge sends
// its notification side effect at all. shared is the control-plane store
// holding Account/License records; lookup and resolve are the account
// routing facts and dedicated-store-by-name resolution tenant.New expects.
func NewFromConfig(shared database.ItemStore, lookup tenant.AccountLookup, resolve tenant.StoreResolver, email approval.EmailFunc, signingKey []byte, serviceName string) *Engine {
	cfg := config.LoadEngineConfig()

	router := tenant.New(shared, lookup, resolve, cfg.TenantCacheTTL)

	m := metrics.New(serviceName)
	auditor := audit.New(router, m)

	resolver := credential.New(func(ctx context.Context, accountID, credentialID string, resolved bool) {
		auditor.Record(ctx, audit.Params{
			AccountID: accountID, Entity: "credential", EntityID: credentialID,
			Action: "resolve", Outcome: credentialAuditOutcome(resolved),
		})
	})

	dispatcher := stage.New(stage.Config{
		Client:               &http.Client{},
		PerCallTimeout:       cfg.StageTimeout,
		MaxRetries:           cfg.StageMaxRetries,
		BreakerFailThreshold: cfg.CircuitFailureThreshold,
		BreakerResetTimeout:  cfg.CircuitResetTimeout,
		BreakerHalfOpenMax:   cfg.CircuitHalfOpenSuccesses,
	})

	bridgeEmail := email
	if !cfg.ApprovalEmailEnabled {
		bridgeEmail = nil
	}

	return New(router, dispatcher, resolver, auditor, approval.Config{
		SigningKey: signingKey,
		Email:      bridgeEmail,
		Audit:      auditor,
	})
}

func credentialAuditOutcome(resolved bool) pipeline.AuditOutcome {
	if resolved {
		return pipeline.AuditSent
	}
	return pipeline.AuditFailed
}

// Bridge exposes the approval bridge's own API (spec §6's "Approval bridge
// API"): ListForUser/Approve/Reject/Dismiss/GetPendingCount.
func (e *Engine) Bridge() *approval.Bridge { return e.bridge }

// Run admits buildJobID's pipeline run for accountID and returns the new
// execution's id. branchOverride and approversOverride are applied over
// the stored build job's own Branch/Approvers when non-empty; a missing
// buildJobID is a Validation error (spec §9 open question: never defaulted
// to "unknown"). A structural compile/schedule failure (invalid YAML, a
// circular dependency) still returns an executionId: the Coordinator
// persists the execution as immediately failed per spec §8 scenario 6.
func (e *Engine) Run(ctx context.Context, accountID, pipelineID, buildJobID, branchOverride string, approversOverride []string) (string, error) {
	if buildJobID == "" {
		return "", errors.MissingBuildJobID()
	}

	route, err := e.router.Resolve(ctx, accountID)
	if err != nil {
		return "", err
	}

	if err := e.checkLicenseCap(ctx, route, accountID); err != nil {
		return "", err
	}

	p, err := e.getPipeline(ctx, route, accountID, pipelineID)
	if err != nil {
		return "", err
	}

	buildJob, err := e.getBuildJob(ctx, route, accountID, buildJobID)
	if err != nil {
		return "", err
	}
	if branchOverride != "" {
		buildJob.Branch = branchOverride
	}
	if len(approversOverride) > 0 {
		buildJob.Approvers = approversOverride
	}

	coord := execution.New(route.Store, route.IsPrivate, e.dispatcher, e.resolver, e.audit)
	exec, err := coord.Admit(ctx, accountID, p, buildJob)
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// ExecutionSnapshot is GetLogs' return shape (spec §6): the current status,
// per-stage results, accumulated logs, and the suspended stage if the
// execution is paused. Terminal or in-flight, it always reflects whatever
// the coordinator has persisted so far (spec §7: "GetLogs always returns
// the current snapshot, including partial logs from in-flight stages").
type ExecutionSnapshot struct {
	ID             string
	Status         pipeline.ExecutionStatus
	StageResults   []pipeline.StageResult
	Logs           []string
	SuspendedStage *pipeline.SuspendedStage
	FailureReason  string
}

// GetLogs returns executionID's current snapshot.
func (e *Engine) GetLogs(ctx context.Context, accountID, executionID string) (ExecutionSnapshot, error) {
	route, err := e.router.Resolve(ctx, accountID)
	if err != nil {
		return ExecutionSnapshot{}, err
	}
	item, err := e.getExecutionItem(ctx, route, accountID, executionID)
	if err != nil {
		return ExecutionSnapshot{}, err
	}
	exec := executionFromItem(*item)
	return ExecutionSnapshot{
		ID: exec.ID, Status: exec.Status, StageResults: exec.StageResults,
		Logs: exec.Logs, SuspendedStage: exec.SuspendedStage, FailureReason: exec.FailureReason,
	}, nil
}

// ExecutionListItem is one row of ListForPipeline's return value.
type ExecutionListItem struct {
	ID        string
	Status    pipeline.ExecutionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListForPipeline returns every execution of pipelineID for accountID,
// newest first.
func (e *Engine) ListForPipeline(ctx context.Context, accountID, pipelineID string) ([]ExecutionListItem, error) {
	route, err := e.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	pk := pipeline.ExecutionPK(accountID, route.IsPrivate)
	items, err := route.Store.Query(ctx, database.QueryCondition{PK: pk, SKOp: database.SKBeginsWith, SKValue: "EXECUTION#"}, func(it database.Item) bool {
		pid, _ := it.Attrs["pipelineId"].(string)
		return pid == pipelineID
	})
	if err != nil {
		return nil, fmt.Errorf("list executions for pipeline %s: %w", pipelineID, err)
	}
	out := make([]ExecutionListItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		exec := executionFromItem(items[i])
		out = append(out, ExecutionListItem{ID: exec.ID, Status: exec.Status, CreatedAt: exec.CreatedAt, UpdatedAt: exec.UpdatedAt})
	}
	return out, nil
}

// ApproveStage resolves executionID+stageID to the pending inbox item
// gating it and approves it on actorID's behalf. It is idempotent per spec
// §4.9: actioning an already-resolved stage returns NotFound, the same
// signal Bridge.Approve gives a repeated call on one inbox item directly.
func (e *Engine) ApproveStage(ctx context.Context, accountID, executionID, stageID, actorID string) error {
	inboxID, err := e.bridge.FindPendingInbox(ctx, accountID, executionID, stageID)
	if err != nil {
		return err
	}
	_, err = e.bridge.Approve(ctx, accountID, inboxID, actorID)
	return err
}

// ResumeApproval implements approval.Resumer: it reloads the suspended
// execution's pipeline and build job, then launches a fresh Coordinator to
// continue from the actioned stage, per spec §4.8's resumption contract
// ("a fresh coordinator instance is launched with the persisted
// execution"). Called by the Bridge after a successful Approve/Reject; its
// own error is logged by the Bridge and never propagated further.
func (e *Engine) ResumeApproval(ctx context.Context, accountID, executionID, stageID string, outcome pipeline.StageStatus) error {
	route, err := e.router.Resolve(ctx, accountID)
	if err != nil {
		return err
	}
	item, err := e.getExecutionItem(ctx, route, accountID, executionID)
	if err != nil {
		return err
	}
	exec := executionFromItem(*item)

	p, err := e.getPipeline(ctx, route, accountID, exec.PipelineID)
	if err != nil {
		return err
	}
	buildJob, err := e.getBuildJob(ctx, route, accountID, exec.BuildJobID)
	if err != nil {
		return err
	}

	coord := execution.New(route.Store, route.IsPrivate, e.dispatcher, e.resolver, e.audit)
	return coord.Resume(ctx, exec, p, buildJob, outcome)
}

func (e *Engine) checkLicenseCap(ctx context.Context, route tenant.Route, accountID string) error {
	acctItem, err := route.Store.Get(ctx, database.Key{PK: "ACCOUNT#" + accountID, SK: "METADATA"}, true)
	if err != nil {
		if database.IsNotFound(err) {
			return errors.NotFound("account", accountID)
		}
		return fmt.Errorf("load account %s: %w", accountID, err)
	}
	activeUsers, _ := acctItem.Attrs["activeUserCount"].(int)

	items, err := route.Store.Query(ctx, database.QueryCondition{PK: "ACCOUNT#" + accountID, SKOp: database.SKBeginsWith, SKValue: "LICENSE#"}, nil)
	if err != nil {
		return fmt.Errorf("list licenses for account %s: %w", accountID, err)
	}
	now := time.Now()
	seatCap := 0
	for _, it := range items {
		numberOfUsers, _ := it.Attrs["numberOfUsers"].(int)
		endDate, _ := it.Attrs["endDate"].(time.Time)
		if (pipeline.License{EndDate: endDate}).Active(now) {
			seatCap += numberOfUsers
		}
	}
	if seatCap < activeUsers {
		return errors.LicenseExceeded(accountID, activeUsers, seatCap)
	}
	return nil
}

func (e *Engine) getPipeline(ctx context.Context, route tenant.Route, accountID, pipelineID string) (pipeline.Pipeline, error) {
	item, err := route.Store.Get(ctx, database.Key{PK: "ACCOUNT#" + accountID, SK: "PIPELINE#" + pipelineID}, true)
	if err != nil {
		if database.IsNotFound(err) {
			return pipeline.Pipeline{}, errors.NotFound("pipeline", pipelineID)
		}
		return pipeline.Pipeline{}, fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	return pipelineFromItem(*item), nil
}

func (e *Engine) getBuildJob(ctx context.Context, route tenant.Route, accountID, buildJobID string) (pipeline.BuildJob, error) {
	key := database.Key{PK: pipeline.BuildJobPK(accountID, route.IsPrivate), SK: "BUILD_JOB#" + buildJobID}
	item, err := route.Store.Get(ctx, key, true)
	if err != nil {
		if database.IsNotFound(err) {
			return pipeline.BuildJob{}, errors.NotFound("build job", buildJobID)
		}
		return pipeline.BuildJob{}, fmt.Errorf("load build job %s: %w", buildJobID, err)
	}
	return buildJobFromItem(*item), nil
}

func (e *Engine) getExecutionItem(ctx context.Context, route tenant.Route, accountID, executionID string) (*database.Item, error) {
	key := database.Key{PK: pipeline.ExecutionPK(accountID, route.IsPrivate), SK: "EXECUTION#" + executionID}
	item, err := route.Store.Get(ctx, key, true)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errors.NotFound("execution", executionID)
		}
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	return item, nil
}

// PutPipeline and PutBuildJob let a caller (controller or test fixture)
// persist the entities Run reads back through the tenant-resolved store,
// in the same attrs shape getPipeline/getBuildJob expect.

// PutPipeline persists p through accountID's resolved route.
func (e *Engine) PutPipeline(ctx context.Context, p pipeline.Pipeline) error {
	route, err := e.router.Resolve(ctx, p.AccountID)
	if err != nil {
		return err
	}
	return route.Store.Put(ctx, pipelineToItem(p))
}

// PutBuildJob persists b through accountID's resolved route, choosing the
// public/private partition layout spec §3 specifies for BuildJob.
func (e *Engine) PutBuildJob(ctx context.Context, accountID string, b pipeline.BuildJob) error {
	route, err := e.router.Resolve(ctx, accountID)
	if err != nil {
		return err
	}
	return route.Store.Put(ctx, buildJobToItem(accountID, route.IsPrivate, b))
}

// PutAccount persists a through the shared control-plane store directly:
// an account's own routing facts can't be resolved from itself.
func (e *Engine) PutAccount(ctx context.Context, store database.ItemStore, a pipeline.Account) error {
	return store.Put(ctx, database.Item{
		PK: a.PK(), SK: a.SK(),
		Attrs: map[string]any{
			"id": a.ID, "name": a.Name, "cloudType": string(a.CloudType),
			"dedicatedStoreName": a.DedicatedStoreName, "activeUserCount": a.ActiveUserCount,
			"createdAt": a.CreatedAt, "updatedAt": a.UpdatedAt,
		},
	})
}

// PutLicense persists l through the shared control-plane store.
func (e *Engine) PutLicense(ctx context.Context, store database.ItemStore, l pipeline.License) error {
	return store.Put(ctx, database.Item{
		PK: l.PK(), SK: l.SK(),
		Attrs: map[string]any{
			"id": l.ID, "accountId": l.AccountID, "enterprise": l.Enterprise,
			"product": l.Product, "numberOfUsers": l.NumberOfUsers,
			"endDate": l.EndDate, "createdAt": l.CreatedAt,
		},
	})
}

func pipelineToItem(p pipeline.Pipeline) database.Item {
	return database.Item{
		PK: p.PK(), SK: p.SK(),
		Attrs: map[string]any{
			"id": p.ID, "accountId": p.AccountID, "name": p.Name,
			"nodes": p.Nodes, "edges": p.Edges, "yamlContent": p.YAMLContent,
			"createdAt": p.CreatedAt, "updatedAt": p.UpdatedAt,
		},
	}
}

func pipelineFromItem(it database.Item) pipeline.Pipeline {
	p := pipeline.Pipeline{
		ID:          stringAttr(it.Attrs, "id"),
		AccountID:   stringAttr(it.Attrs, "accountId"),
		Name:        stringAttr(it.Attrs, "name"),
		YAMLContent: stringAttr(it.Attrs, "yamlContent"),
	}
	if nodes, ok := decodeAttr[[]pipeline.PipelineNode](it.Attrs, "nodes"); ok {
		p.Nodes = nodes
	}
	if edges, ok := decodeAttr[[]pipeline.PipelineEdge](it.Attrs, "edges"); ok {
		p.Edges = edges
	}
	if t, ok := it.Attrs["createdAt"].(time.Time); ok {
		p.CreatedAt = t
	}
	if t, ok := it.Attrs["updatedAt"].(time.Time); ok {
		p.UpdatedAt = t
	}
	return p
}

func buildJobToItem(accountID string, isPrivate bool, b pipeline.BuildJob) database.Item {
	return database.Item{
		PK: pipeline.BuildJobPK(accountID, isPrivate), SK: b.SK(),
		Attrs: map[string]any{
			"id": b.ID, "accountId": accountID, "pipelineId": b.PipelineID,
			"branch": b.Branch, "approvers": b.Approvers,
			"pipelineStagesState": b.PipelineStagesState, "selectedArtifacts": b.SelectedArtifacts,
			"createdAt": b.CreatedAt, "updatedAt": b.UpdatedAt,
		},
	}
}

func buildJobFromItem(it database.Item) pipeline.BuildJob {
	b := pipeline.BuildJob{
		ID:         stringAttr(it.Attrs, "id"),
		PipelineID: stringAttr(it.Attrs, "pipelineId"),
		Branch:     stringAttr(it.Attrs, "branch"),
	}
	if approvers, ok := decodeAttr[[]string](it.Attrs, "approvers"); ok {
		b.Approvers = approvers
	}
	if states, ok := decodeAttr[[]pipeline.StageState](it.Attrs, "pipelineStagesState"); ok {
		b.PipelineStagesState = states
	}
	if artifacts, ok := decodeAttr[[]string](it.Attrs, "selectedArtifacts"); ok {
		b.SelectedArtifacts = artifacts
	}
	if t, ok := it.Attrs["createdAt"].(time.Time); ok {
		b.CreatedAt = t
	}
	if t, ok := it.Attrs["updatedAt"].(time.Time); ok {
		b.UpdatedAt = t
	}
	return b
}

func executionFromItem(it database.Item) pipeline.Execution {
	exec := pipeline.Execution{
		ID:         stringAttr(it.Attrs, "id"),
		AccountID:  stringAttr(it.Attrs, "accountId"),
		PipelineID: stringAttr(it.Attrs, "pipelineId"),
		BuildJobID: stringAttr(it.Attrs, "buildJobId"),
		Status:     pipeline.ExecutionStatus(stringAttr(it.Attrs, "status")),
		FailureReason: stringAttr(it.Attrs, "failureReason"),
	}
	if results, ok := decodeAttr[[]pipeline.StageResult](it.Attrs, "stageResults"); ok {
		exec.StageResults = results
	}
	if logs, ok := decodeAttr[[]string](it.Attrs, "logs"); ok {
		exec.Logs = logs
	}
	if suspended, ok := decodeAttr[*pipeline.SuspendedStage](it.Attrs, "suspendedStage"); ok {
		exec.SuspendedStage = suspended
	}
	if t, ok := it.Attrs["createdAt"].(time.Time); ok {
		exec.CreatedAt = t
	}
	if t, ok := it.Attrs["updatedAt"].(time.Time); ok {
		exec.UpdatedAt = t
	}
	return exec
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

// decodeAttr extracts attrs[key] into a T. MemoryStore round-trips Go values
// untouched, so the direct assertion is the common case; a JSONB-backed
// store like PostgresStore instead hands back the generic
// map[string]interface{}/[]interface{} shape encoding/json produces, so that
// path is re-marshaled through json into T. Returns false (and T's zero
// value) if attrs[key] is absent or decodes into neither shape.
func decodeAttr[T any](attrs map[string]any, key string) (T, bool) {
	var zero T
	v, ok := attrs[key]
	if !ok || v == nil {
		return zero, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}
