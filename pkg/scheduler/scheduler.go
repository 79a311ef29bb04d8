// Package scheduler orders a compiled pipeline's nodes into dependency
// tiers and linearizes each node's stage chain, detecting cycles.
package scheduler

import (
	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/errors"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// Schedule computes node tiers by depth-first visit with VISITING/VISITED
// marks: a node's tier is one more than the deepest of its predecessors'
// tiers. Declaration order is preserved within a tier. Every node's stage
// chain is linearized against its own dependsOn graph before being
// returned. A cycle anywhere raises CircularDependency naming one node on
// the cycle.
func Schedule(nodes []pipeline.CompiledNode) ([][]pipeline.CompiledNode, error) {
	byID := make(map[string]pipeline.CompiledNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	state := make(map[string]visitState, len(nodes))
	tierIndex := make(map[string]int, len(nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return errors.CircularDependency(id)
		}
		state[id] = visiting

		node, ok := byID[id]
		if !ok {
			// a dependsOn referencing an undeclared node has no tier of its
			// own; treat it as tier -1 so the dependent node still lands at
			// tier 0.
			state[id] = visited
			tierIndex[id] = -1
			return nil
		}

		maxPred := -1
		for _, dep := range node.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
			if tierIndex[dep] > maxPred {
				maxPred = tierIndex[dep]
			}
		}

		tierIndex[id] = maxPred + 1
		state[id] = visited
		return nil
	}

	for _, n := range nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}

	maxTier := -1
	for _, n := range nodes {
		if tierIndex[n.ID] > maxTier {
			maxTier = tierIndex[n.ID]
		}
	}

	tiers := make([][]pipeline.CompiledNode, maxTier+1)
	for _, n := range nodes {
		ordered, err := OrderStages(n)
		if err != nil {
			return nil, err
		}
		n.Stages = ordered
		tiers[tierIndex[n.ID]] = append(tiers[tierIndex[n.ID]], n)
	}

	return tiers, nil
}

// OrderStages linearizes a node's stages respecting dependsOn, preserving
// declaration order as the tie-break. A node does not support parallel
// stages: the result is always a single serial chain.
func OrderStages(node pipeline.CompiledNode) ([]pipeline.CompiledStage, error) {
	byID := make(map[string]pipeline.CompiledStage, len(node.Stages))
	for _, s := range node.Stages {
		byID[s.ID] = s
	}

	state := make(map[string]visitState, len(node.Stages))
	var ordered []pipeline.CompiledStage

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return errors.CircularDependency(node.ID + "/" + id)
		}
		stage, ok := byID[id]
		if !ok {
			return nil
		}
		state[id] = visiting
		for _, dep := range stage.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		ordered = append(ordered, stage)
		return nil
	}

	// visiting in declaration order keeps the tie-break stable: a stage
	// with no unresolved deps left is appended as soon as its turn comes.
	for _, s := range node.Stages {
		if err := visit(s.ID); err != nil {
			return nil, err
		}
	}

	return ordered, nil
}
