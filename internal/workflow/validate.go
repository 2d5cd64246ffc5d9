package workflow

import (
	"errors"
	"fmt"

	"github.com/scriptherd/scriptherd/internal/model"
)

// ErrNoStartNode rejects graphs where every node has an incoming edge.
var ErrNoStartNode = errors.New("workflow: graph has no start node")

// ValidateGraph checks a workflow graph before it is saved: edges must
// reference existing nodes and at least one node must have no incoming
// edge. Empty graphs are valid; they produce a no_start_nodes run.
func ValidateGraph(wf *model.Workflow) error {
	ids := make(map[int64]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %d", n.ID)
		}
		ids[n.ID] = true
	}

	incoming := make(map[int64]bool, len(wf.Edges))
	for _, e := range wf.Edges {
		if !ids[e.SourceNodeID] {
			return fmt.Errorf("edge %d references unknown source node %d", e.ID, e.SourceNodeID)
		}
		if !ids[e.TargetNodeID] {
			return fmt.Errorf("edge %d references unknown target node %d", e.ID, e.TargetNodeID)
		}
		if e.Condition != model.OnSuccess && e.Condition != model.OnFailure {
			return fmt.Errorf("edge %d has unknown condition %q", e.ID, e.Condition)
		}
		incoming[e.TargetNodeID] = true
	}

	if len(wf.Nodes) == 0 {
		return nil
	}
	for _, n := range wf.Nodes {
		if !incoming[n.ID] {
			return nil
		}
	}
	return ErrNoStartNode
}
