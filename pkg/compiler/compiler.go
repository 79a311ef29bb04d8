// Package compiler turns a stored pipeline's YAML graph plus a build job's
// per-stage overrides into the compiled node/stage shape the scheduler and
// dispatcher consume.
package compiler

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/errors"
)

// yamlStage is the on-disk shape of one stage declaration inside a node.
type yamlStage struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Type         string         `yaml:"type"`
	ToolConfig   map[string]any `yaml:"toolConfig"`
	CredentialID string         `yaml:"credentialId"`
	DependsOn    []string       `yaml:"dependsOn"`
}

// yamlNode is the on-disk shape of one node declaration.
type yamlNode struct {
	ID        string      `yaml:"id"`
	Name      string      `yaml:"name"`
	DependsOn []string    `yaml:"dependsOn"`
	Stages    []yamlStage `yaml:"stages"`
}

type yamlGraph struct {
	Nodes []yamlNode `yaml:"nodes"`
}

// Compile parses p.YAMLContent (the authoritative execution graph) and
// applies buildJob's pipelineStagesState overrides, producing the compiled
// node list the scheduler orders into tiers.
//
// Node dependsOn falls back to the layout edges (source→target) when a node
// declares none of its own, per spec §4.5. Stage dependsOn falls back to a
// serial chain on declaration order when a stage declares none.
func Compile(p pipeline.Pipeline, buildJob pipeline.BuildJob) ([]pipeline.CompiledNode, error) {
	var graph yamlGraph
	if err := yaml.Unmarshal([]byte(p.YAMLContent), &graph); err != nil {
		return nil, errors.Validation("yamlContent", fmt.Sprintf("invalid pipeline YAML: %v", err))
	}

	edgeDeps := make(map[string][]string)
	for _, e := range p.Edges {
		edgeDeps[e.Target] = append(edgeDeps[e.Target], e.Source)
	}

	nodes := make([]pipeline.CompiledNode, 0, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if n.ID == "" {
			return nil, errors.MissingField("nodes[].id")
		}

		dependsOn := n.DependsOn
		if dependsOn == nil {
			dependsOn = edgeDeps[n.ID]
		}

		stages, err := compileStages(n, buildJob)
		if err != nil {
			return nil, err
		}

		nodes = append(nodes, pipeline.CompiledNode{
			ID:        n.ID,
			Name:      firstNonEmpty(n.Name, n.ID),
			DependsOn: dependsOn,
			Stages:    stages,
		})
	}

	return nodes, nil
}

func compileStages(n yamlNode, buildJob pipeline.BuildJob) ([]pipeline.CompiledStage, error) {
	stages := make([]pipeline.CompiledStage, 0, len(n.Stages))
	var prevID string

	for i, s := range n.Stages {
		if s.ID == "" {
			return nil, errors.MissingField(fmt.Sprintf("nodes[%s].stages[%d].id", n.ID, i))
		}

		dependsOn := s.DependsOn
		if dependsOn == nil && prevID != "" {
			dependsOn = []string{prevID}
		}

		stageType := pipeline.StageType(s.Type)
		if !pipeline.KnownStageType(stageType) {
			stageType = pipeline.StageGeneric
		}

		override := buildJob.StageStateFor(s.ID)
		credentialID := s.CredentialID
		if override.CredentialID != "" {
			credentialID = override.CredentialID
		}

		stages = append(stages, pipeline.CompiledStage{
			ID:               s.ID,
			Name:             firstNonEmpty(s.Name, s.ID),
			Type:             stageType,
			ToolConfig:       s.ToolConfig,
			ExecutionEnabled: override.ExecutionEnabled,
			ToolSelected:     override.ToolSelected,
			CredentialID:     credentialID,
			DependsOn:        dependsOn,
		})
		prevID = s.ID
	}

	return stages, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
