// Package pipeline holds the persisted entity types of the pipeline
// execution engine: accounts, licenses, pipelines, build jobs, executions,
// inbox items, credentials and audit records. Every entity carries the
// PK/SK pair that identifies its item-store location.
package pipeline

import "time"

// CloudType determines how an account's operational data is routed by the
// tenant router.
type CloudType string

const (
	CloudPublic  CloudType = "public"
	CloudPrivate CloudType = "private"
	CloudHybrid  CloudType = "hybrid"
)

// Account is the master tenant record. PK: ACCOUNT#<id>, SK: METADATA.
type Account struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	CloudType           CloudType `json:"cloudType"`
	DedicatedStoreName  string    `json:"dedicatedStoreName,omitempty"`
	ActiveUserCount     int       `json:"activeUserCount"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func (a Account) PK() string { return "ACCOUNT#" + a.ID }
func (a Account) SK() string { return "METADATA" }

// License caps seats per (enterprise, product) pair. PK: ACCOUNT#<id>,
// SK: LICENSE#<lid>.
type License struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	Enterprise      string    `json:"enterprise"`
	Product         string    `json:"product"`
	NumberOfUsers   int       `json:"numberOfUsers"`
	EndDate         time.Time `json:"endDate"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (l License) PK() string { return "ACCOUNT#" + l.AccountID }
func (l License) SK() string { return "LICENSE#" + l.ID }

// Active reports whether the license has not yet lapsed.
func (l License) Active(now time.Time) bool {
	return l.EndDate.IsZero() || now.Before(l.EndDate)
}

// StageType is a closed set of stage kinds. Unknown YAML stage types
// compile to StageGeneric rather than failing.
type StageType string

const (
	StagePlan     StageType = "Plan"
	StageCode     StageType = "Code"
	StageBuild    StageType = "Build"
	StageDeploy   StageType = "Deploy"
	StageTest     StageType = "Test"
	StageApproval StageType = "Approval"
	StageRelease  StageType = "Release"
	StageGeneric  StageType = "Generic"
)

// KnownStageType reports whether t is one of the closed stage kinds,
// Generic included.
func KnownStageType(t StageType) bool {
	switch t {
	case StagePlan, StageCode, StageBuild, StageDeploy, StageTest, StageApproval, StageRelease, StageGeneric:
		return true
	default:
		return false
	}
}

// PipelineNode is a layout-only vertex declared under Pipeline.Nodes.
// Execution order is derived from YAML, not from this struct's ordering.
type PipelineNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PipelineEdge declares a source→target dependency between two nodes.
type PipelineEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Pipeline is a persisted graph template. PK: ACCOUNT#<id>, SK: PIPELINE#<pid>.
type Pipeline struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"accountId"`
	Name        string         `json:"name"`
	Nodes       []PipelineNode `json:"nodes"`
	Edges       []PipelineEdge `json:"edges"`
	YAMLContent string         `json:"yamlContent"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (p Pipeline) PK() string { return "ACCOUNT#" + p.AccountID }
func (p Pipeline) SK() string { return "PIPELINE#" + p.ID }

// StageState is a caller-supplied per-stage override captured in a build
// job's pipelineStagesState (executionEnabled/toolSelected/credentialId).
type StageState struct {
	StageID          string `json:"stageId"`
	ExecutionEnabled bool   `json:"executionEnabled"`
	ToolSelected     bool   `json:"toolSelected"`
	CredentialID     string `json:"credentialId,omitempty"`
}

// BuildJob binds a pipeline to runtime configuration. PK: ACCOUNT#<id> for
// public-cloud accounts, BUILD_JOB#LIST for private ones (per C1); SK:
// BUILD_JOB#<bid>.
type BuildJob struct {
	ID                  string       `json:"id"`
	AccountID           string       `json:"accountId"`
	PipelineID          string       `json:"pipelineId"`
	Branch              string       `json:"branch,omitempty"`
	Approvers           []string     `json:"approvers,omitempty"`
	PipelineStagesState []StageState `json:"pipelineStagesState"`
	SelectedArtifacts   []string     `json:"selectedArtifacts,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

func (b BuildJob) SK() string { return "BUILD_JOB#" + b.ID }

// BuildJobPK returns the partition a build job lives under: the account's
// own partition for a public/hybrid account, or the dedicated store's
// single BUILD_JOB#LIST partition for a private one (per C1/§3).
func BuildJobPK(accountID string, isPrivate bool) string {
	if isPrivate {
		return "BUILD_JOB#LIST"
	}
	return "ACCOUNT#" + accountID
}

// StageStateFor returns the caller-supplied override for stageID, or the
// zero value (enabled, tool-selected) if none was declared.
func (b BuildJob) StageStateFor(stageID string) StageState {
	for _, s := range b.PipelineStagesState {
		if s.StageID == stageID {
			return s
		}
	}
	return StageState{StageID: stageID, ExecutionEnabled: true, ToolSelected: true}
}

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecRunning   ExecutionStatus = "running"
	ExecPaused    ExecutionStatus = "paused"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether status admits no further stage writes.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	default:
		return false
	}
}

// StageStatus is the monotonic status of one compiled stage's execution.
type StageStatus string

const (
	StagePending          StageStatus = "PENDING"
	StageRunning          StageStatus = "RUNNING"
	StageSuccess          StageStatus = "SUCCESS"
	StageFailed           StageStatus = "FAILED"
	StageSkipped          StageStatus = "SKIPPED"
	StageWaitingApproval  StageStatus = "WAITING_APPROVAL"
	StageStale            StageStatus = "STALE"
)

// stageRank orders statuses for monotonicity checks; a status may only move
// to a higher rank, and from WAITING_APPROVAL only the documented branches.
var stageRank = map[StageStatus]int{
	StagePending:         0,
	StageRunning:         1,
	StageWaitingApproval: 2,
	StageSuccess:         3,
	StageFailed:          3,
	StageSkipped:         3,
	StageStale:           3,
}

// ValidStageTransition reports whether from→to is an allowed monotonic
// progression per the spec's stage state machine.
func ValidStageTransition(from, to StageStatus) bool {
	if from == to {
		return true
	}
	if from == StageWaitingApproval {
		return to == StageSuccess || to == StageFailed || to == StageStale
	}
	fr, ok1 := stageRank[from]
	tr, ok2 := stageRank[to]
	return ok1 && ok2 && tr > fr
}

// StageResult records the outcome of one compiled stage's execution.
type StageResult struct {
	NodeID      string      `json:"nodeId"`
	StageID     string      `json:"stageId"`
	StageType   StageType   `json:"stageType"`
	Status      StageStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
	DurationMs  int64       `json:"durationMs"`
	Data        map[string]any `json:"data,omitempty"`
	StartedAt   time.Time   `json:"startedAt,omitempty"`
	CompletedAt time.Time   `json:"completedAt,omitempty"`
}

// NodeResult aggregates the stage results for one node.
type NodeResult struct {
	NodeID string        `json:"nodeId"`
	Status StageStatus   `json:"status"`
	Stages []StageResult `json:"stages"`
}

// SuspendedStage identifies the paused stage of a suspended execution,
// carrying the signed resume token handed back by C9.
type SuspendedStage struct {
	ExecutionID string `json:"executionId"`
	StageID     string `json:"stageId"`
	ResumeToken string `json:"resumeToken"`
}

// Execution is one run of a build job. PK: as BuildJob; SK: EXECUTION#<eid>.
type Execution struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"accountId"`
	PipelineID      string          `json:"pipelineId"`
	BuildJobID      string          `json:"buildJobId"`
	Status          ExecutionStatus `json:"status"`
	NodeResults     []NodeResult    `json:"nodeResults"`
	StageResults    []StageResult   `json:"stageResults"`
	Logs            []string        `json:"logs"`
	SuspendedStage  *SuspendedStage `json:"suspendedStage,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (e Execution) SK() string { return "EXECUTION#" + e.ID }

// ExecutionPK returns the partition an execution lives under, following the
// same public/private split as BuildJobPK (spec §3: "PK: as above").
func ExecutionPK(accountID string, isPrivate bool) string {
	if isPrivate {
		return "EXECUTION#LIST"
	}
	return "ACCOUNT#" + accountID
}

// StageResultFor returns the persisted result for stageID, and whether one
// exists yet.
func (e Execution) StageResultFor(stageID string) (StageResult, bool) {
	for _, r := range e.StageResults {
		if r.StageID == stageID {
			return r, true
		}
	}
	return StageResult{}, false
}

// InboxStatus is the lifecycle state of one approval inbox item.
type InboxStatus string

const (
	InboxPending   InboxStatus = "PENDING"
	InboxApproved  InboxStatus = "APPROVED"
	InboxRejected  InboxStatus = "REJECTED"
	InboxDismissed InboxStatus = "DISMISSED"
	InboxStale     InboxStatus = "STALE"
)

// InboxItem is a persisted approval request targeted at one recipient for
// one stage. PK: as BuildJob (public) / INBOX#LIST (private); SK: INBOX#<iid>.
type InboxItem struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"accountId"`
	ExecutionID string      `json:"executionId"`
	StageID     string      `json:"stageId"`
	Recipient   string      `json:"recipient"`
	Status      InboxStatus `json:"status"`
	ActionedBy  string      `json:"actionedBy,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	ActionedAt  time.Time   `json:"actionedAt,omitempty"`
}

func (i InboxItem) SK() string { return "INBOX#" + i.ID }

// CredentialType enumerates connector auth kinds handled by C4.
type CredentialType string

const (
	CredentialBasic             CredentialType = "basic"
	CredentialBearer            CredentialType = "bearer"
	CredentialClientCredentials CredentialType = "client_credentials"
)

// Credential is connector auth material keyed by connector type. PK: as
// BuildJob; SK: CREDENTIAL#<cid>. Secrets never render via the default
// struct formatting path — callers use ResolvedAuth.Redacted() instead.
type Credential struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"accountId"`
	ConnectorType string        `json:"connectorType"`
	Type         CredentialType `json:"type"`
	Attrs        map[string]string `json:"attrs"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func (c Credential) SK() string { return "CREDENTIAL#" + c.ID }

// AuditOutcome is the result recorded for one audited action.
type AuditOutcome string

const (
	AuditSent   AuditOutcome = "sent"
	AuditFailed AuditOutcome = "failed"
)

// AuditRecord is an immutable send-attempt record. PK: NOTIFICATION_AUDIT#<id>,
// SK: METADATA.
type AuditRecord struct {
	ID        string       `json:"id"`
	AccountID string       `json:"accountId"`
	Entity    string       `json:"entity"`
	EntityID  string       `json:"entityId"`
	Action    string       `json:"action"`
	Outcome   AuditOutcome `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (a AuditRecord) PK() string { return "NOTIFICATION_AUDIT#" + a.ID }
func (a AuditRecord) SK() string { return "METADATA" }

// CompiledStage is one unit of work inside a CompiledNode, the output of
// the pipeline compiler (C5) before the scheduler (C6) linearizes it.
type CompiledStage struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Type             StageType      `json:"type"`
	ToolConfig       map[string]any `json:"toolConfig,omitempty"`
	ExecutionEnabled bool           `json:"executionEnabled"`
	ToolSelected     bool           `json:"toolSelected"`
	CredentialID     string         `json:"credentialId,omitempty"`
	DependsOn        []string       `json:"dependsOn,omitempty"`
}

// CompiledNode is one environment vertex of a compiled pipeline.
type CompiledNode struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	DependsOn []string        `json:"dependsOn,omitempty"`
	Stages    []CompiledStage `json:"stages"`
}
