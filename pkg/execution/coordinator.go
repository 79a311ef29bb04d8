// Package execution owns an execution's full lifecycle: admission,
// tiered/concurrent node execution, stage dispatch, suspension on
// approval, resumption, and terminality.
package execution

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/database"
	"github.com/tripleh1701/pipelineforge/infrastructure/logging"
	"github.com/tripleh1701/pipelineforge/pkg/audit"
	"github.com/tripleh1701/pipelineforge/pkg/compiler"
	"github.com/tripleh1701/pipelineforge/pkg/credential"
	"github.com/tripleh1701/pipelineforge/pkg/scheduler"
	"github.com/tripleh1701/pipelineforge/pkg/stage"
)

// maxTierConcurrencyCeiling is the hard ceiling on the number of nodes run
// concurrently within one tier; New caps the number of logical CPUs at it.
const maxTierConcurrencyCeiling = 16

// logFlushInterval is how often a running coordinator persists its
// accumulated log buffer, independent of stage completion.
const logFlushInterval = time.Second

// runCancels is the per-execution message channel spec §5 describes for
// exterior cancel triggers: Admit/Resume register the cancel half of the
// run's own context under the execution's id before launching it, and
// Cancel — which may be called against a Coordinator built fresh from a
// persisted snapshot, not the one actually driving the goroutine — looks
// the id up here to reach the live run. A run unregisters itself on exit.
var runCancels sync.Map // execution id -> context.CancelFunc

func registerRun(executionID string, cancel context.CancelFunc) {
	runCancels.Store(executionID, cancel)
}

func unregisterRun(executionID string) {
	runCancels.Delete(executionID)
}

// requestCancel interrupts executionID's run, if one is currently
// registered. It is a no-op once the run has already reached a terminal
// state and unregistered itself.
func requestCancel(executionID string) {
	if v, ok := runCancels.Load(executionID); ok {
		v.(context.CancelFunc)()
	}
}

// Coordinator owns a single execution's run. One Coordinator is created
// per admitted run and per resumption; it holds no state a second
// Coordinator could not reconstruct from the persisted Execution.
type Coordinator struct {
	store      database.ItemStore
	isPrivate  bool
	dispatcher *stage.Dispatcher
	resolver   *credential.Resolver
	audit      *audit.Recorder
	logger     *logging.Logger

	maxTierConcurrency int
}

// New builds a Coordinator. dispatcher and resolver are shared across all
// concurrently running executions; store is the tenant-resolved ItemStore
// for this execution's account and isPrivate is that same resolution's
// tenant.Route.IsPrivate flag, so the coordinator persists under the same
// partition layout C1 chose (ACCOUNT#<id> for public/hybrid accounts,
// EXECUTION#LIST for private ones, per spec §3). auditor is nil-able; a nil
// auditor simply disables stage-outcome audit recording.
func New(store database.ItemStore, isPrivate bool, dispatcher *stage.Dispatcher, resolver *credential.Resolver, auditor *audit.Recorder) *Coordinator {
	concurrency := runtime.NumCPU()
	if concurrency > maxTierConcurrencyCeiling {
		concurrency = maxTierConcurrencyCeiling
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		store:              store,
		isPrivate:          isPrivate,
		dispatcher:         dispatcher,
		resolver:           resolver,
		audit:              auditor,
		logger:             logging.Default(),
		maxTierConcurrency: concurrency,
	}
}

// Admit compiles and schedules buildJob's pipeline, persists a running
// Execution, and launches it in the background. It returns as soon as the
// Execution record is durably created; Run continues asynchronously.
//
// A compile/schedule failure (invalid YAML, a circular dependency) never
// surfaces as a bare error here: spec §8's end-to-end scenario 6 requires
// Run to still hand back an executionId, with the execution's persisted
// status already failed and its FailureReason naming the compiler/scheduler
// error, since no stage ever had the chance to start. The only error Admit
// returns is a genuine persistence failure.
func (c *Coordinator) Admit(ctx context.Context, accountID string, p pipeline.Pipeline, buildJob pipeline.BuildJob) (*pipeline.Execution, error) {
	exec := &pipeline.Execution{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		PipelineID: p.ID,
		BuildJobID: buildJob.ID,
		Status:     pipeline.ExecRunning,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	nodes, err := compiler.Compile(p, buildJob)
	var tiers [][]pipeline.CompiledNode
	if err == nil {
		tiers, err = scheduler.Schedule(nodes)
	}
	if err != nil {
		exec.Status = pipeline.ExecFailed
		exec.FailureReason = err.Error()
		exec.UpdatedAt = time.Now()
		if perr := c.persist(ctx, exec); perr != nil {
			return nil, perr
		}
		return exec, nil
	}

	if err := c.persist(ctx, exec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	registerRun(exec.ID, cancel)
	go func() {
		defer unregisterRun(exec.ID)
		c.run(runCtx, exec, tiers, buildJob)
	}()

	return exec, nil
}

// Resume launches a Coordinator picking up a previously suspended
// execution after its WAITING_APPROVAL stage was actioned. outcome is
// SUCCESS, FAILED, or STALE per spec §4.9's resumption contract; terminal
// stages are skipped and the remaining tiers continue from where the
// suspended node left off.
func (c *Coordinator) Resume(ctx context.Context, exec pipeline.Execution, p pipeline.Pipeline, buildJob pipeline.BuildJob, outcome pipeline.StageStatus) error {
	if exec.SuspendedStage == nil {
		return fmt.Errorf("execution %s has no suspended stage to resume", exec.ID)
	}
	nodes, err := compiler.Compile(p, buildJob)
	if err != nil {
		return err
	}
	tiers, err := scheduler.Schedule(nodes)
	if err != nil {
		return err
	}

	resumed := exec
	resumed.StageResults = append(append([]pipeline.StageResult{}, resumed.StageResults...), pipeline.StageResult{
		NodeID: nodeForStage(tiers, exec.SuspendedStage.StageID),
		StageID: exec.SuspendedStage.StageID, Status: outcome,
		CompletedAt: time.Now(),
	})
	resumed.SuspendedStage = nil
	resumed.Status = pipeline.ExecRunning
	resumed.UpdatedAt = time.Now()
	if err := c.persist(ctx, &resumed); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	registerRun(resumed.ID, cancel)
	go func() {
		defer unregisterRun(resumed.ID)
		c.run(runCtx, &resumed, tiers, buildJob)
	}()
	return nil
}

// Cancel flips a running execution to cancelled and interrupts its actual
// run goroutine, wherever it is — exec here may be a snapshot freshly
// loaded from the store rather than the pointer run() itself is mutating,
// so requestCancel reaches the live run by id instead of by pointer
// identity. Stages already dispatched observe the resulting ctx
// cancellation at their next retry boundary.
func (c *Coordinator) Cancel(ctx context.Context, exec *pipeline.Execution) error {
	requestCancel(exec.ID)
	exec.Status = pipeline.ExecCancelled
	exec.UpdatedAt = time.Now()
	return c.persist(ctx, exec)
}

func nodeForStage(tiers [][]pipeline.CompiledNode, stageID string) string {
	for _, tier := range tiers {
		for _, n := range tier {
			for _, st := range n.Stages {
				if st.ID == stageID {
					return n.ID
				}
			}
		}
	}
	return ""
}

// run drives exec through every tier of nodes, persisting progress as it
// goes. Nodes within a tier run concurrently (bounded by
// maxTierConcurrency); stages within a node run serially.
func (c *Coordinator) run(ctx context.Context, exec *pipeline.Execution, tiers [][]pipeline.CompiledNode, buildJob pipeline.BuildJob) {
	sc := stage.NewSharedContext()
	sc.Set("executionId", exec.ID)
	sc.Set("accountId", exec.AccountID)
	if len(buildJob.Approvers) > 0 {
		sc.Set("approvers", buildJob.Approvers)
	}

	var logMu sync.Mutex
	flushTicker := time.NewTicker(logFlushInterval)
	defer flushTicker.Stop()
	stopFlush := make(chan struct{})
	go func() {
		for {
			select {
			case <-flushTicker.C:
				logMu.Lock()
				c.persist(ctx, exec)
				logMu.Unlock()
			case <-stopFlush:
				return
			}
		}
	}()
	defer close(stopFlush)

	appendLog := func(line string) {
		logMu.Lock()
		exec.Logs = append(exec.Logs, line)
		logMu.Unlock()
	}

	failed := false
	for _, tier := range tiers {
		if ctx.Err() != nil {
			break
		}
		if failed {
			for _, n := range tier {
				for _, st := range n.Stages {
					logMu.Lock()
					exec.StageResults = append(exec.StageResults, pipeline.StageResult{
						NodeID: n.ID, StageID: st.ID, StageType: st.Type,
						Status: pipeline.StageSkipped, Message: "skipped: an earlier tier failed",
					})
					logMu.Unlock()
				}
			}
			continue
		}

		sem := make(chan struct{}, c.maxTierConcurrency)
		var wg sync.WaitGroup
		var tierFailed atomic.Bool
		suspended := false
		var suspendedStage *pipeline.SuspendedStage

		for _, n := range tier {
			wg.Add(1)
			go func(node pipeline.CompiledNode) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				appendLog(fmt.Sprintf("[NODE:%s] STARTED", node.ID))

				for _, st := range node.Stages {
					if ctx.Err() != nil {
						return
					}
					auth, err := c.resolver.Resolve(ctx, c.store, exec.AccountID, credential.StageAuthInput{CredentialID: st.CredentialID})
					if err != nil {
						logMu.Lock()
						exec.StageResults = append(exec.StageResults, pipeline.StageResult{
							NodeID: node.ID, StageID: st.ID, StageType: st.Type,
							Status: pipeline.StageFailed, Message: "credential resolution failed: " + err.Error(),
						})
						logMu.Unlock()
						appendLog(fmt.Sprintf("[NODE:%s] [%s] credential resolution failed: %s", node.ID, st.ID, err.Error()))
						tierFailed.Store(true)
						return
					}

					res := c.dispatcher.Dispatch(ctx, sc, node, st, auth)

					logMu.Lock()
					exec.StageResults = append(exec.StageResults, res)
					logMu.Unlock()
					appendLog(fmt.Sprintf("[NODE:%s] [%s] %s: %s", node.ID, st.ID, res.Status, res.Message))
					c.auditStageOutcome(ctx, exec.AccountID, exec.ID, node.ID, st.ID, res)

					switch res.Status {
					case pipeline.StageFailed:
						tierFailed.Store(true)
						return
					case pipeline.StageWaitingApproval:
						resumeToken, _ := res.Data["resumeToken"].(string)
						logMu.Lock()
						suspended = true
						suspendedStage = &pipeline.SuspendedStage{ExecutionID: exec.ID, StageID: st.ID, ResumeToken: resumeToken}
						logMu.Unlock()
						return
					}
				}
			}(n)
		}
		wg.Wait()

		logMu.Lock()
		c.persist(ctx, exec)
		logMu.Unlock()

		if suspended {
			exec.Status = pipeline.ExecPaused
			exec.SuspendedStage = suspendedStage
			exec.UpdatedAt = time.Now()
			c.persist(ctx, exec)
			return
		}
		if tierFailed.Load() {
			failed = true
		}
	}

	if ctx.Err() != nil {
		exec.Status = pipeline.ExecCancelled
		exec.UpdatedAt = time.Now()
		c.persist(ctx, exec)
		return
	}
	if failed {
		exec.Status = pipeline.ExecFailed
		exec.FailureReason = "one or more stages failed"
	} else {
		exec.Status = pipeline.ExecCompleted
	}
	exec.UpdatedAt = time.Now()
	c.persist(ctx, exec)
}

// auditStageOutcome records one stage's terminal (or suspending) result,
// per spec §4.10's "records every... stage outcome" contract. A nil
// auditor simply skips this; a recording failure is already swallowed by
// audit.Recorder itself.
func (c *Coordinator) auditStageOutcome(ctx context.Context, accountID, executionID, nodeID, stageID string, res pipeline.StageResult) {
	if c.audit == nil {
		return
	}
	outcome := pipeline.AuditSent
	if res.Status == pipeline.StageFailed {
		outcome = pipeline.AuditFailed
	}
	c.audit.Record(ctx, audit.Params{
		AccountID: accountID, Entity: "execution", EntityID: executionID,
		Action: fmt.Sprintf("stage:%s/%s:%s", nodeID, stageID, res.Status), Outcome: outcome,
	})
}

func (c *Coordinator) persist(ctx context.Context, exec *pipeline.Execution) error {
	item := database.Item{
		PK: pipeline.ExecutionPK(exec.AccountID, c.isPrivate), SK: exec.SK(),
		Attrs: map[string]any{
			"id": exec.ID, "accountId": exec.AccountID, "pipelineId": exec.PipelineID,
			"buildJobId": exec.BuildJobID, "status": string(exec.Status),
			"stageResults": exec.StageResults, "logs": exec.Logs,
			"suspendedStage": exec.SuspendedStage, "failureReason": exec.FailureReason,
			"createdAt": exec.CreatedAt, "updatedAt": exec.UpdatedAt,
		},
	}
	if err := c.store.Put(ctx, item); err != nil {
		c.logger.Error(ctx, "execution persist failed", err, map[string]interface{}{"executionId": exec.ID})
		return fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}
	return nil
}
