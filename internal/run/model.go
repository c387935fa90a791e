// Package run executes one mission: topological traversal, per-node
// executors, expression resolution, branch and failure routing, timeout, and
// fallback output.
package run

import (
	"time"

	"github.com/novachat/nova/internal/expr"
	"github.com/novachat/nova/internal/missions"
)

// Node trace statuses, emitted in order for every traversed node.
const (
	TraceRunning   = "running"
	TraceCompleted = "completed"
	TraceFailed    = "failed"
	TraceSkipped   = "skipped"
)

// Stable executor-path error codes.
const (
	CodeNoExecutor        = "NO_EXECUTOR"
	CodeExecutorException = "EXECUTOR_EXCEPTION"
)

// NodeOutput is the runtime result of one node. It lives only inside the
// current execution context.
type NodeOutput struct {
	OK          bool           `json:"ok"`
	Data        map[string]any `json:"data,omitempty"`
	Text        string         `json:"text,omitempty"`
	Items       []any          `json:"items,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	ArtifactRef string         `json:"artifactRef,omitempty"`
	Port        string         `json:"port,omitempty"` // condition/switch only
}

// NodeTrace is one progress event of a run.
type NodeTrace struct {
	NodeID      string    `json:"nodeId"`
	Label       string    `json:"label"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Text        string    `json:"text,omitempty"` // completed traces carry text[:200]
	ErrorCode   string    `json:"errorCode,omitempty"`
	ArtifactRef string    `json:"artifactRef,omitempty"`
	At          time.Time `json:"at"`
}

// OutputResult is one output-family dispatch outcome, in topological order.
type OutputResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of executeMission.
type Result struct {
	OK         bool           `json:"ok"`
	Skipped    bool           `json:"skipped"`
	Reason     string         `json:"reason,omitempty"`
	Outputs    []OutputResult `json:"outputs"`
	NodeTraces []NodeTrace    `json:"nodeTraces"`
	DayStamp   string         `json:"dayStamp,omitempty"`
	RunID      string         `json:"runId"`
}

// ExecutionContext is the per-run state executors read and write. It is owned
// by a single worker for the duration of the run.
type ExecutionContext struct {
	MissionID    string
	MissionLabel string
	RunID        string
	RunKey       string
	Attempt      int
	Now          time.Time
	Source       string
	Scope        string

	Mission     *missions.Mission
	NodeOutputs map[string]*NodeOutput
	Variables   map[string]string

	outputIndex int
}

// ResolveExpr substitutes {{$vars.*}} and {{$nodes.*}} tokens against the
// run's current state.
func (ec *ExecutionContext) ResolveExpr(s string) string {
	env := expr.Env{Vars: ec.Variables, Nodes: make(map[string]expr.NodeValue, len(ec.NodeOutputs))}
	for id, out := range ec.NodeOutputs {
		n, ok := ec.Mission.NodeByID(id)
		if !ok || out == nil {
			continue
		}
		var data any
		if out.Data != nil {
			data = out.Data
		}
		env.Nodes[n.Label] = expr.NodeValue{Text: out.Text, Data: data}
	}
	return expr.Resolve(s, env)
}

// Incoming returns the outputs of nodes feeding this node's main port, in
// connection declaration order. Nodes without a stored output are omitted.
func (ec *ExecutionContext) Incoming(nodeID string) []*NodeOutput {
	var ins []*NodeOutput
	for _, c := range ec.Mission.Connections {
		if c.TargetNodeID != nodeID {
			continue
		}
		if out, ok := ec.NodeOutputs[c.SourceNodeID]; ok && out != nil {
			ins = append(ins, out)
		}
	}
	return ins
}

// FirstIncoming returns the first upstream output, or nil.
func (ec *ExecutionContext) FirstIncoming(nodeID string) *NodeOutput {
	if ins := ec.Incoming(nodeID); len(ins) > 0 {
		return ins[0]
	}
	return nil
}

// skipMarker is the output pre-marked onto main-port successors of a failed
// or not-taken node, so downstream reads see empty input.
func skipMarker(reason string) *NodeOutput {
	return &NodeOutput{
		OK:   true,
		Text: "",
		Data: map[string]any{"skipped": true, "reason": reason},
	}
}

// IsSkipMarker reports whether an upstream output is a branch/failure skip
// placeholder rather than real data.
func IsSkipMarker(out *NodeOutput) bool {
	if out == nil || out.Data == nil {
		return false
	}
	skipped, _ := out.Data["skipped"].(bool)
	return skipped
}
