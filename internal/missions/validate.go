package missions

import (
	"fmt"
	"strings"

	"github.com/novachat/nova/internal/dag"
)

// ValidateGraph runs the pure-structure checks applied both at save time and
// before every run: unique node ids and labels, connections referencing real
// nodes, and an acyclic trigger-reachable subgraph. Returns all issues found.
func ValidateGraph(m *Mission) []string {
	var issues []string

	if len(m.Nodes) == 0 {
		issues = append(issues, "mission has no nodes")
		return issues
	}

	ids := make(map[string]bool, len(m.Nodes))
	labels := make(map[string]string, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.ID == "" {
			issues = append(issues, "node with empty id")
			continue
		}
		if ids[n.ID] {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
		if n.Label == "" {
			issues = append(issues, fmt.Sprintf("node %q has empty label", n.ID))
			continue
		}
		if prev, dup := labels[n.Label]; dup {
			issues = append(issues, fmt.Sprintf("duplicate node label %q (nodes %s, %s)", n.Label, prev, n.ID))
		}
		labels[n.Label] = n.ID
	}

	for _, c := range m.Connections {
		if !ids[c.SourceNodeID] {
			issues = append(issues, fmt.Sprintf("connection %s references missing source node %q", c.ID, c.SourceNodeID))
		}
		if !ids[c.TargetNodeID] {
			issues = append(issues, fmt.Sprintf("connection %s references missing target node %q", c.ID, c.TargetNodeID))
		}
	}
	if len(issues) > 0 {
		return issues
	}

	if _, cyclic, cycleIDs := dag.TopoOrder(m.TriggerNodeIDs(), nodeIDs(m), Edges(m)); cyclic {
		issues = append(issues, "cycle detected involving: "+strings.Join(m.labelsFor(cycleIDs), " -> "))
	}
	return issues
}

// Edges converts mission connections into dag edges.
func Edges(m *Mission) []dag.Edge {
	edges := make([]dag.Edge, 0, len(m.Connections))
	for _, c := range m.Connections {
		edges = append(edges, dag.Edge{From: c.SourceNodeID, To: c.TargetNodeID})
	}
	return edges
}

func nodeIDs(m *Mission) []string {
	ids := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func (m *Mission) labelsFor(ids []string) []string {
	labels := make([]string, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.NodeByID(id); ok && n.Label != "" {
			labels = append(labels, n.Label)
		} else {
			labels = append(labels, id)
		}
	}
	return labels
}
