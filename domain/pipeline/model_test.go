package pipeline

import (
	"testing"
	"time"
)

func TestAccountKeys(t *testing.T) {
	a := Account{ID: "acct-1", CloudType: CloudPrivate}

	if got, want := a.PK(), "ACCOUNT#acct-1"; got != want {
		t.Fatalf("PK() = %v, want %v", got, want)
	}
	if got, want := a.SK(), "METADATA"; got != want {
		t.Fatalf("SK() = %v, want %v", got, want)
	}
}

func TestLicenseActive(t *testing.T) {
	now := time.Now()

	perpetual := License{EndDate: time.Time{}}
	if !perpetual.Active(now) {
		t.Fatalf("expected zero-value EndDate to mean perpetual")
	}

	expired := License{EndDate: now.Add(-time.Hour)}
	if expired.Active(now) {
		t.Fatalf("expected past EndDate to be inactive")
	}

	live := License{EndDate: now.Add(time.Hour)}
	if !live.Active(now) {
		t.Fatalf("expected future EndDate to be active")
	}
}

func TestKnownStageType(t *testing.T) {
	for _, st := range []StageType{StagePlan, StageCode, StageBuild, StageDeploy, StageTest, StageApproval, StageRelease, StageGeneric} {
		if !KnownStageType(st) {
			t.Fatalf("expected %v to be known", st)
		}
	}
	if KnownStageType(StageType("Unknown")) {
		t.Fatalf("expected Unknown to not be a known stage type")
	}
}

func TestBuildJobStageStateFor(t *testing.T) {
	bj := BuildJob{
		PipelineStagesState: []StageState{
			{StageID: "s1", ExecutionEnabled: false, ToolSelected: true},
		},
	}

	s1 := bj.StageStateFor("s1")
	if s1.ExecutionEnabled {
		t.Fatalf("expected s1 to be disabled")
	}

	missing := bj.StageStateFor("s2")
	if !missing.ExecutionEnabled || !missing.ToolSelected {
		t.Fatalf("expected default override to be enabled and tool-selected")
	}
}

func TestValidStageTransition(t *testing.T) {
	tests := []struct {
		from, to StageStatus
		want     bool
	}{
		{StagePending, StageRunning, true},
		{StageRunning, StageSuccess, true},
		{StageRunning, StageWaitingApproval, true},
		{StageWaitingApproval, StageSuccess, true},
		{StageWaitingApproval, StageFailed, true},
		{StageWaitingApproval, StageStale, true},
		{StageWaitingApproval, StageRunning, false},
		{StageSuccess, StagePending, false},
		{StageFailed, StageSuccess, false},
	}

	for _, tt := range tests {
		if got := ValidStageTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidStageTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	terminal := []ExecutionStatus{ExecCompleted, ExecFailed, ExecCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %v to be terminal", s)
		}
	}
	nonTerminal := []ExecutionStatus{ExecRunning, ExecPaused}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %v to not be terminal", s)
		}
	}
}

func TestExecutionStageResultFor(t *testing.T) {
	exec := Execution{
		StageResults: []StageResult{
			{StageID: "s1", Status: StageSuccess},
		},
	}

	r, ok := exec.StageResultFor("s1")
	if !ok || r.Status != StageSuccess {
		t.Fatalf("expected to find s1 with SUCCESS status")
	}

	_, ok = exec.StageResultFor("missing")
	if ok {
		t.Fatalf("expected missing stage to not be found")
	}
}
