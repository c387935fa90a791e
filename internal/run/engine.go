package run

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/novachat/nova/internal/bus"
	"github.com/novachat/nova/internal/dag"
	"github.com/novachat/nova/internal/guard"
	"github.com/novachat/nova/internal/missions"
	"github.com/novachat/nova/internal/schedule"
	"github.com/novachat/nova/internal/telemetry"
)

// DefaultTimeout is the wall-clock bound on one run, overridable via
// NOVA_MISSION_MAX_DURATION_MS.
const DefaultTimeout = 5 * time.Minute

// DefaultChannel is the personal channel tried last by fallback output.
const DefaultChannel = "novachat"

const traceTextLimit = 200

// Config tunes the engine.
type Config struct {
	Timeout time.Duration
}

// Engine executes missions. Construct one per process; the guard it holds is
// the process-wide inflight map.
type Engine struct {
	registry   *Registry
	guard      *guard.Guard
	dispatcher bus.ChannelDispatcher
	telemetry  *telemetry.Provider
	timeout    time.Duration
	now        func() time.Time
}

// NewEngine wires the engine. dispatcher may be nil (fallback output then
// reports failure instead of sending); telemetry may be nil for a silent
// engine.
func NewEngine(registry *Registry, g *guard.Guard, dispatcher bus.ChannelDispatcher, tel *telemetry.Provider, cfg Config) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		registry:   registry,
		guard:      g,
		dispatcher: dispatcher,
		telemetry:  tel,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Input identifies one run request.
type Input struct {
	Mission       *missions.Mission
	UserContextID string
	Source        string // scheduler | trigger | manual
	RunID         string // minted when empty
	RunKey        string
	Attempt       int
	OnNodeTrace   func(NodeTrace)
}

// Execute runs the mission under the wall-clock timeout. On timeout the
// caller gets a failure result immediately; the detached run's later
// completion is ignored.
func (e *Engine) Execute(ctx context.Context, in Input) *Result {
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	in.RunID = runID

	resCh := make(chan *Result, 1)
	go func() {
		resCh <- e.run(ctx, in)
	}()

	select {
	case res := <-resCh:
		return res
	case <-time.After(e.timeout):
		slog.Warn("mission run timed out", "mission", in.Mission.ID, "run", runID, "timeout", e.timeout)
		return &Result{
			OK:         false,
			Reason:     fmt.Sprintf("Mission execution timed out after %ds.", int(e.timeout.Seconds())),
			Outputs:    []OutputResult{},
			NodeTraces: []NodeTrace{},
			RunID:      runID,
		}
	case <-ctx.Done():
		return &Result{
			OK:         false,
			Reason:     "mission execution cancelled: " + ctx.Err().Error(),
			Outputs:    []OutputResult{},
			NodeTraces: []NodeTrace{},
			RunID:      runID,
		}
	}
}

func (e *Engine) run(ctx context.Context, in Input) *Result {
	m := in.Mission
	result := &Result{RunID: in.RunID, Outputs: []OutputResult{}, NodeTraces: []NodeTrace{}}

	release, err := e.guard.Acquire(in.UserContextID, in.RunID)
	if err != nil {
		result.Reason = err.Error()
		return result
	}
	defer release()

	ctx, span := e.startSpan(ctx, m.ID, in.RunID, in.Source)
	defer func() {
		span.End(result.OK, result.Skipped, len(result.Outputs), result.Reason)
	}()

	now := e.now()

	if in.Source == missions.SourceScheduler {
		decision := schedule.ShouldRunNow(m, now)
		result.DayStamp = decision.DayStamp
		if !decision.Due {
			result.OK = true
			result.Skipped = true
			result.Reason = decision.Reason
			slog.Debug("mission not due", "mission", m.ID, "reason", decision.Reason)
			return result
		}
	}

	if issues := missions.ValidateGraph(m); len(issues) > 0 {
		result.Reason = "mission validation failed: " + strings.Join(issues, "; ")
		return result
	}

	ec := &ExecutionContext{
		MissionID:    m.ID,
		MissionLabel: m.Label,
		RunID:        in.RunID,
		RunKey:       in.RunKey,
		Attempt:      in.Attempt,
		Now:          now,
		Source:       in.Source,
		Scope:        in.UserContextID,
		Mission:      m,
		NodeOutputs:  make(map[string]*NodeOutput, len(m.Nodes)),
		Variables:    seedVariables(m),
	}

	startIDs := m.TriggerNodeIDs()
	order, cyclic, cycleIDs := dag.TopoOrder(startIDs, allNodeIDs(m), missions.Edges(m))
	if cyclic {
		result.Reason = "cycle detected involving: " + strings.Join(labelList(m, cycleIDs), " -> ")
		return result
	}

	preSkipped := make(map[string]string) // node id -> reason
	outputSucceeded := false

	for _, nodeID := range order {
		node, ok := m.NodeByID(nodeID)
		if !ok {
			continue
		}

		if node.Disabled {
			e.trace(in, result, NodeTrace{NodeID: node.ID, Label: node.Label, Type: node.Type, Status: TraceSkipped, Reason: "node disabled", At: e.now()})
			continue
		}
		if reason, skip := preSkipped[node.ID]; skip {
			ec.NodeOutputs[node.ID] = skipMarker(reason)
			e.trace(in, result, NodeTrace{NodeID: node.ID, Label: node.Label, Type: node.Type, Status: TraceSkipped, Reason: reason, At: e.now()})
			// The skip cascades along main edges so the whole branch is
			// consistently bypassed.
			markSuccessors(m, node.ID, missions.PortMain, reason, preSkipped)
			continue
		}

		e.trace(in, result, NodeTrace{NodeID: node.ID, Label: node.Label, Type: node.Type, Status: TraceRunning, At: e.now()})

		exec, found := e.registry.Lookup(node.Type)
		if !found {
			ec.NodeOutputs[node.ID] = &NodeOutput{OK: false, Error: fmt.Sprintf("no executor for node type %q", node.Type), ErrorCode: CodeNoExecutor}
			e.trace(in, result, NodeTrace{NodeID: node.ID, Label: node.Label, Type: node.Type, Status: TraceFailed, ErrorCode: CodeNoExecutor, Reason: fmt.Sprintf("no executor for node type %q", node.Type), At: e.now()})
			e.routeFailure(m, node, ec, preSkipped)
			continue
		}

		out := e.invoke(ctx, exec, node, ec)
		ec.NodeOutputs[node.ID] = out

		if out.OK && triggerSkipped(out) {
			result.OK = true
			result.Skipped = true
			result.Reason = out.Text
			return result
		}

		if !out.OK {
			slog.Warn("mission node failed", "mission", m.ID, "node", node.Label, "error", out.Error, "code", out.ErrorCode)
			e.trace(in, result, NodeTrace{NodeID: node.ID, Label: node.Label, Type: node.Type, Status: TraceFailed, Reason: out.Error, ErrorCode: out.ErrorCode, At: e.now()})
			e.routeFailure(m, node, ec, preSkipped)
			if node.IsOutput() {
				result.Outputs = append(result.Outputs, OutputResult{OK: false, Error: out.Error})
				ec.outputIndex++
			}
			continue
		}

		// Branch routing: edges off the resolved port are not taken.
		if out.Port != "" || node.Type == missions.TypeCondition || node.Type == missions.TypeSwitch {
			resolvedPort := out.Port
			if resolvedPort == "" {
				resolvedPort = missions.PortMain
			}
			reason := "Branch not taken: " + resolvedPort
			for _, c := range m.Connections {
				if c.SourceNodeID == node.ID && c.Port() != resolvedPort {
					if _, exists := preSkipped[c.TargetNodeID]; !exists {
						preSkipped[c.TargetNodeID] = reason
					}
				}
			}
		}

		if node.IsOutput() {
			result.Outputs = append(result.Outputs, OutputResult{OK: true})
			ec.outputIndex++
			outputSucceeded = true
		}

		e.trace(in, result, NodeTrace{
			NodeID: node.ID, Label: node.Label, Type: node.Type,
			Status: TraceCompleted, Text: clip(out.Text, traceTextLimit),
			ArtifactRef: out.ArtifactRef, At: e.now(),
		})
	}

	if !outputSucceeded {
		e.dispatchFallback(ctx, m, ec, result)
	}

	result.OK = len(result.Outputs) == 0 || anyOK(result.Outputs)
	return result
}

// invoke runs one executor, converting returned errors and panics into
// EXECUTOR_EXCEPTION outputs.
func (e *Engine) invoke(ctx context.Context, exec Executor, node missions.Node, ec *ExecutionContext) (out *NodeOutput) {
	defer func() {
		if r := recover(); r != nil {
			out = &NodeOutput{OK: false, Error: fmt.Sprintf("executor panic: %v", r), ErrorCode: CodeExecutorException}
		}
	}()
	out, err := exec(ctx, node, ec)
	if err != nil {
		return &NodeOutput{OK: false, Error: err.Error(), ErrorCode: CodeExecutorException}
	}
	if out == nil {
		out = &NodeOutput{OK: false, Error: "executor returned no output", ErrorCode: CodeExecutorException}
	}
	return out
}

// routeFailure pre-marks main-port successors of a failed node so their
// executors observe empty input; error-port successors run normally and read
// the failed output via the resolver.
func (e *Engine) routeFailure(m *missions.Mission, node missions.Node, ec *ExecutionContext, preSkipped map[string]string) {
	reason := fmt.Sprintf("Upstream node %q failed: %s", node.Label, ec.NodeOutputs[node.ID].Error)
	markSuccessors(m, node.ID, missions.PortMain, reason, preSkipped)
}

func markSuccessors(m *missions.Mission, nodeID, port, reason string, preSkipped map[string]string) {
	for _, c := range m.Connections {
		if c.SourceNodeID == nodeID && c.Port() == port {
			if _, exists := preSkipped[c.TargetNodeID]; !exists {
				preSkipped[c.TargetNodeID] = reason
			}
		}
	}
}

// dispatchFallback notifies the user when no output node succeeded: primary
// channel first, then the default personal channel, stopping on the first
// success.
func (e *Engine) dispatchFallback(ctx context.Context, m *missions.Mission, ec *ExecutionContext, result *Result) {
	text := lastNonEmptyText(ec)
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("Mission %q completed with upstream errors.", m.Label)
	}

	channels := []string{}
	if m.Integration != "" {
		channels = append(channels, m.Integration)
	}
	if m.Integration != DefaultChannel {
		channels = append(channels, DefaultChannel)
	}

	for _, channel := range channels {
		if e.dispatcher == nil {
			result.Outputs = append(result.Outputs, OutputResult{OK: false, Error: "no channel dispatcher configured"})
			ec.outputIndex++
			return
		}
		results, err := e.dispatcher.Dispatch(ctx, bus.DispatchRequest{
			Channel:    channel,
			Text:       text,
			Recipients: m.ChatIDs,
			Schedule: bus.ScheduleRef{
				MissionID:    m.ID,
				MissionLabel: m.Label,
				Timezone:     m.Settings.Timezone,
			},
			Scope:       ec.Scope,
			RunID:       ec.RunID,
			NodeID:      "fallback",
			OutputIndex: ec.outputIndex,
		})
		ec.outputIndex++
		if err != nil {
			result.Outputs = append(result.Outputs, OutputResult{OK: false, Error: err.Error()})
			continue
		}
		ok := false
		var errMsg string
		for _, r := range results {
			if r.OK {
				ok = true
				break
			}
			errMsg = r.Error
		}
		result.Outputs = append(result.Outputs, OutputResult{OK: ok, Error: errMsg})
		if ok {
			slog.Info("fallback output dispatched", "mission", m.ID, "channel", channel)
			return
		}
	}
}

type runSpan interface {
	End(ok, skipped bool, outputs int, reason string)
}

type noopSpan struct{}

func (noopSpan) End(bool, bool, int, string) {}

func (e *Engine) startSpan(ctx context.Context, missionID, runID, source string) (context.Context, runSpan) {
	if e.telemetry == nil {
		return ctx, noopSpan{}
	}
	return e.telemetry.StartRun(ctx, missionID, runID, source)
}

func (e *Engine) trace(in Input, result *Result, t NodeTrace) {
	result.NodeTraces = append(result.NodeTraces, t)
	if in.OnNodeTrace != nil {
		in.OnNodeTrace(t)
	}
}

func triggerSkipped(out *NodeOutput) bool {
	if out.Data == nil {
		return false
	}
	triggered, hasTriggered := out.Data["triggered"].(bool)
	skipped, _ := out.Data["skipped"].(bool)
	return hasTriggered && !triggered && skipped
}

func seedVariables(m *missions.Mission) map[string]string {
	vars := make(map[string]string, len(m.Variables))
	for _, v := range m.Variables {
		switch val := v.Value.(type) {
		case string:
			vars[v.Name] = val
		case nil:
			vars[v.Name] = ""
		default:
			vars[v.Name] = fmt.Sprintf("%v", val)
		}
	}
	return vars
}

func allNodeIDs(m *missions.Mission) []string {
	ids := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func labelList(m *missions.Mission, ids []string) []string {
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

func anyOK(outputs []OutputResult) bool {
	for _, o := range outputs {
		if o.OK {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
