package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
)

const sampleYAML = `
nodes:
  - id: Dev
    name: Development
    stages:
      - id: plan1
        name: Plan Work
        type: Plan
        credentialId: cred-jira
      - id: code1
        name: Verify Branch
        type: Code
  - id: Test
    name: Test Environment
    dependsOn: [Dev]
    stages:
      - id: test1
        type: Test
`

func TestCompileDerivesImplicitStageChain(t *testing.T) {
	p := pipeline.Pipeline{YAMLContent: sampleYAML}
	buildJob := pipeline.BuildJob{}

	nodes, err := Compile(p, buildJob)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	dev := nodes[0]
	assert.Equal(t, "Dev", dev.ID)
	require.Len(t, dev.Stages, 2)
	assert.Empty(t, dev.Stages[0].DependsOn)
	assert.Equal(t, []string{"plan1"}, dev.Stages[1].DependsOn)
}

func TestCompileNodeDependsOnExplicitYAML(t *testing.T) {
	p := pipeline.Pipeline{YAMLContent: sampleYAML}
	nodes, err := Compile(p, pipeline.BuildJob{})
	require.NoError(t, err)

	test := nodes[1]
	assert.Equal(t, []string{"Dev"}, test.DependsOn)
}

func TestCompileNodeDependsOnFallsBackToEdges(t *testing.T) {
	yamlContent := `
nodes:
  - id: Dev
    stages:
      - id: s1
        type: Generic
  - id: Test
    stages:
      - id: s2
        type: Generic
`
	p := pipeline.Pipeline{
		YAMLContent: yamlContent,
		Edges:       []pipeline.PipelineEdge{{Source: "Dev", Target: "Test"}},
	}

	nodes, err := Compile(p, pipeline.BuildJob{})
	require.NoError(t, err)
	assert.Empty(t, nodes[0].DependsOn)
	assert.Equal(t, []string{"Dev"}, nodes[1].DependsOn)
}

func TestCompileUnknownStageTypeBecomesGeneric(t *testing.T) {
	yamlContent := `
nodes:
  - id: Dev
    stages:
      - id: s1
        type: Frobnicate
`
	p := pipeline.Pipeline{YAMLContent: yamlContent}
	nodes, err := Compile(p, pipeline.BuildJob{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageGeneric, nodes[0].Stages[0].Type)
}

func TestCompileAppliesBuildJobOverrides(t *testing.T) {
	p := pipeline.Pipeline{YAMLContent: sampleYAML}
	buildJob := pipeline.BuildJob{
		PipelineStagesState: []pipeline.StageState{
			{StageID: "plan1", ExecutionEnabled: false, ToolSelected: true, CredentialID: "cred-override"},
		},
	}

	nodes, err := Compile(p, buildJob)
	require.NoError(t, err)

	plan1 := nodes[0].Stages[0]
	assert.False(t, plan1.ExecutionEnabled)
	assert.Equal(t, "cred-override", plan1.CredentialID)

	code1 := nodes[0].Stages[1]
	assert.True(t, code1.ExecutionEnabled)
	assert.True(t, code1.ToolSelected)
}

func TestCompileInvalidYAMLIsValidationError(t *testing.T) {
	p := pipeline.Pipeline{YAMLContent: "not: [valid"}
	_, err := Compile(p, pipeline.BuildJob{})
	require.Error(t, err)
}

func TestCompileMissingNodeIDIsValidationError(t *testing.T) {
	p := pipeline.Pipeline{YAMLContent: "nodes:\n  - name: Dev\n"}
	_, err := Compile(p, pipeline.BuildJob{})
	require.Error(t, err)
}
