package run

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/novachat/nova/internal/bus"
	"github.com/novachat/nova/internal/llm"
	"github.com/novachat/nova/internal/missions"
)

// waitCap bounds a wait node regardless of configuration; the run timeout is
// the outer bound.
const waitCap = 60 * time.Second

func triggerExecutor(_ context.Context, _ missions.Node, _ *ExecutionContext) (*NodeOutput, error) {
	return &NodeOutput{OK: true, Data: map[string]any{"triggered": true}}, nil
}

func stickyNoteExecutor(_ context.Context, _ missions.Node, _ *ExecutionContext) (*NodeOutput, error) {
	return &NodeOutput{OK: true}, nil
}

func conditionExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var spec missions.ConditionSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid condition: %v", err)}, nil
	}
	if len(spec.Rules) == 0 {
		return &NodeOutput{OK: false, Error: "condition has no rules"}, nil
	}

	anyMode := strings.EqualFold(spec.Combine, "any")
	matched := !anyMode
	for _, rule := range spec.Rules {
		hit := evalRule(ec.ResolveExpr(rule.Left), rule.Op, ec.ResolveExpr(rule.Right))
		if anyMode && hit {
			matched = true
			break
		}
		if !anyMode && !hit {
			matched = false
			break
		}
	}

	port := missions.PortFalse
	if matched {
		port = missions.PortTrue
	}
	return &NodeOutput{
		OK:   true,
		Port: port,
		Text: strconv.FormatBool(matched),
		Data: map[string]any{"result": matched},
	}, nil
}

func evalRule(left, op, right string) bool {
	switch op {
	case "eq":
		return left == right
	case "neq":
		return left != right
	case "contains":
		return strings.Contains(left, right)
	case "empty":
		return strings.TrimSpace(left) == ""
	case "notEmpty":
		return strings.TrimSpace(left) != ""
	case "gt", "lt", "gte", "lte":
		l, errL := strconv.ParseFloat(strings.TrimSpace(left), 64)
		r, errR := strconv.ParseFloat(strings.TrimSpace(right), 64)
		if errL != nil || errR != nil {
			// Lexicographic fallback for non-numeric operands.
			switch op {
			case "gt":
				return left > right
			case "lt":
				return left < right
			case "gte":
				return left >= right
			default:
				return left <= right
			}
		}
		switch op {
		case "gt":
			return l > r
		case "lt":
			return l < r
		case "gte":
			return l >= r
		default:
			return l <= r
		}
	default:
		return false
	}
}

func switchExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var spec missions.SwitchSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid switch: %v", err)}, nil
	}
	value := ec.ResolveExpr(spec.Expression)
	port := spec.DefaultPort
	if port == "" {
		port = missions.PortMain
	}
	for _, c := range spec.Cases {
		if value == c.Value {
			port = c.Port
			break
		}
	}
	return &NodeOutput{
		OK:   true,
		Port: port,
		Text: value,
		Data: map[string]any{"value": value, "port": port},
	}, nil
}

// mergeExecutor concatenates upstream texts and unions upstream items,
// skipping branch placeholders.
func mergeExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var texts []string
	var items []any
	for _, in := range ec.Incoming(node.ID) {
		if IsSkipMarker(in) {
			continue
		}
		if in.Text != "" {
			texts = append(texts, in.Text)
		}
		items = append(items, in.Items...)
	}
	return &NodeOutput{OK: true, Text: strings.Join(texts, "\n"), Items: items}, nil
}

// splitExecutor turns the upstream output into items: pass-through when the
// upstream already carries items, otherwise one item per non-empty text line.
func splitExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	in := ec.FirstIncoming(node.ID)
	if in == nil || IsSkipMarker(in) {
		return &NodeOutput{OK: true}, nil
	}
	if len(in.Items) > 0 {
		return &NodeOutput{OK: true, Items: in.Items, Text: in.Text}, nil
	}
	var items []any
	for _, line := range strings.Split(in.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	return &NodeOutput{OK: true, Items: items, Text: in.Text}, nil
}

func waitExecutor(ctx context.Context, node missions.Node, _ *ExecutionContext) (*NodeOutput, error) {
	var spec missions.WaitSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid wait: %v", err)}, nil
	}
	d := time.Duration(spec.Seconds * float64(time.Second))
	if d <= 0 {
		return &NodeOutput{OK: true}, nil
	}
	if d > waitCap {
		d = waitCap
	}
	select {
	case <-time.After(d):
		return &NodeOutput{OK: true}, nil
	case <-ctx.Done():
		return &NodeOutput{OK: false, Error: "wait interrupted: " + ctx.Err().Error()}, nil
	}
}

func setVariablesExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var spec missions.SetVariablesSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid set-variables: %v", err)}, nil
	}
	for name, value := range spec.Values {
		ec.Variables[name] = ec.ResolveExpr(value)
	}
	return &NodeOutput{OK: true, Data: map[string]any{"set": len(spec.Values)}}, nil
}

func formatExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var spec missions.FormatSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid format: %v", err)}, nil
	}
	return &NodeOutput{OK: true, Text: ec.ResolveExpr(spec.Template)}, nil
}

func filterExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var spec missions.FilterSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid filter: %v", err)}, nil
	}
	in := ec.FirstIncoming(node.ID)
	if in == nil {
		return &NodeOutput{OK: true}, nil
	}
	var kept []any
	for _, item := range in.Items {
		if evalRule(itemField(item, spec.Field), spec.Op, ec.ResolveExpr(spec.Value)) {
			kept = append(kept, item)
		}
	}
	return &NodeOutput{OK: true, Items: kept, Text: in.Text}, nil
}

func sortExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var spec missions.SortSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid sort: %v", err)}, nil
	}
	in := ec.FirstIncoming(node.ID)
	if in == nil {
		return &NodeOutput{OK: true}, nil
	}
	items := append([]any(nil), in.Items...)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := itemField(items[i], spec.Field), itemField(items[j], spec.Field)
		if fa, errA := strconv.ParseFloat(a, 64); errA == nil {
			if fb, errB := strconv.ParseFloat(b, 64); errB == nil {
				if spec.Descending {
					return fa > fb
				}
				return fa < fb
			}
		}
		if spec.Descending {
			return a > b
		}
		return a < b
	})
	return &NodeOutput{OK: true, Items: items, Text: in.Text}, nil
}

func dedupeExecutor(_ context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
	var spec missions.DedupeSpec
	if err := node.DecodeAttrs(&spec); err != nil {
		return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid dedupe: %v", err)}, nil
	}
	in := ec.FirstIncoming(node.ID)
	if in == nil {
		return &NodeOutput{OK: true}, nil
	}
	seen := make(map[string]bool, len(in.Items))
	var kept []any
	for _, item := range in.Items {
		key := itemField(item, spec.Field)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, item)
	}
	return &NodeOutput{OK: true, Items: kept, Text: in.Text}, nil
}

// itemField extracts a comparable string from an item. Empty field means the
// item itself.
func itemField(item any, field string) string {
	if field == "" {
		return fmt.Sprintf("%v", item)
	}
	m, ok := item.(map[string]any)
	if !ok {
		return ""
	}
	v, ok := m[field]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// --- Output family ---

// channelForOutputType maps output node types to channel names; the node or
// mission integration can override.
var channelForOutputType = map[string]string{
	missions.TypeTelegramOutput: "telegram",
	missions.TypeDiscordOutput:  "discord",
	missions.TypeEmailOutput:    "email",
	missions.TypeWebhookOutput:  "webhook",
	missions.TypeSlackOutput:    "slack",
	missions.TypeNovachatOutput: "novachat",
}

func outputExecutor(d bus.ChannelDispatcher) Executor {
	return func(ctx context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
		var spec missions.OutputSpec
		if err := node.DecodeAttrs(&spec); err != nil {
			return &NodeOutput{OK: false, Error: fmt.Sprintf("invalid output node: %v", err)}, nil
		}

		text := ""
		if spec.Template != "" {
			text = ec.ResolveExpr(spec.Template)
		}
		if text == "" {
			if in := ec.FirstIncoming(node.ID); in != nil && !IsSkipMarker(in) {
				text = in.Text
			}
		}
		if text == "" {
			text = lastNonEmptyText(ec)
		}
		if strings.TrimSpace(text) == "" {
			return &NodeOutput{OK: false, Error: "nothing to send"}, nil
		}

		channel := spec.Channel
		if channel == "" {
			channel = channelForOutputType[node.Type]
		}
		if node.Type == missions.TypeNovachatOutput && ec.Mission.Integration != "" {
			channel = ec.Mission.Integration
		}
		recipients := spec.ChatIDs
		if len(recipients) == 0 {
			recipients = ec.Mission.ChatIDs
		}

		results, err := d.Dispatch(ctx, bus.DispatchRequest{
			Channel:    channel,
			Text:       text,
			Recipients: recipients,
			Schedule: bus.ScheduleRef{
				MissionID:    ec.MissionID,
				MissionLabel: ec.MissionLabel,
				Timezone:     ec.Mission.Settings.Timezone,
			},
			Scope:       ec.Scope,
			RunID:       ec.RunID,
			NodeID:      node.ID,
			OutputIndex: ec.outputIndex,
		})
		if err != nil {
			return &NodeOutput{OK: false, Error: err.Error()}, nil
		}

		var errs []string
		ok := false
		for _, res := range results {
			if res.OK {
				ok = true
			} else if res.Error != "" {
				errs = append(errs, res.Error)
			}
		}
		out := &NodeOutput{OK: ok, Text: text, Data: map[string]any{"channel": channel, "sent": ok}}
		if !ok {
			out.Error = strings.Join(errs, "; ")
			if out.Error == "" {
				out.Error = "dispatch produced no successful sends"
			}
		}
		return out, nil
	}
}

func lastNonEmptyText(ec *ExecutionContext) string {
	text := ""
	for _, n := range ec.Mission.Nodes {
		if out, ok := ec.NodeOutputs[n.ID]; ok && out != nil && !IsSkipMarker(out) && strings.TrimSpace(out.Text) != "" {
			text = out.Text
		}
	}
	return text
}

// --- AI and search families ---

var aiSystemPrompts = map[string]string{
	missions.TypeAISummarize: "Summarize the provided content concisely, keeping key facts and figures.",
	missions.TypeAIClassify:  "Classify the provided content. Answer with the best matching category only.",
	missions.TypeAIExtract:   "Extract the requested fields from the provided content. Answer with the extracted values only.",
	missions.TypeAIGenerate:  "Generate content following the instructions exactly.",
	missions.TypeAIChat:      "You are a helpful assistant inside an automation workflow.",
}

func aiExecutor(c llm.Completer, system string) Executor {
	return func(ctx context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
		prompt := ec.ResolveExpr(node.Attr("prompt"))
		if in := ec.FirstIncoming(node.ID); in != nil && !IsSkipMarker(in) && in.Text != "" {
			if prompt == "" {
				prompt = in.Text
			} else {
				prompt = prompt + "\n\n" + in.Text
			}
		}
		if strings.TrimSpace(prompt) == "" {
			return &NodeOutput{OK: false, Error: "no input to process"}, nil
		}

		completion, err := c.Complete(ctx, llm.CompletionRequest{
			System:        system,
			Prompt:        prompt,
			Scope:         ec.Scope,
			ModelOverride: node.Attr("model"),
		})
		if err != nil {
			return &NodeOutput{OK: false, Error: err.Error(), ErrorCode: "LLM_FAILED"}, nil
		}
		return &NodeOutput{
			OK:   true,
			Text: completion.Text,
			Data: map[string]any{"provider": completion.Provider, "model": completion.Model},
		}, nil
	}
}

func searchExecutor(s llm.Searcher) Executor {
	return func(ctx context.Context, node missions.Node, ec *ExecutionContext) (*NodeOutput, error) {
		query := ec.ResolveExpr(node.Attr("query"))
		if strings.TrimSpace(query) == "" {
			return &NodeOutput{OK: false, Error: "empty search query"}, nil
		}
		resp, err := s.Search(ctx, llm.SearchQuery{Query: query, Scope: ec.Scope})
		if err != nil {
			return &NodeOutput{OK: false, Error: err.Error(), ErrorCode: "SEARCH_FAILED"}, nil
		}

		items := make([]any, 0, len(resp.Results))
		var lines []string
		for _, r := range resp.Results {
			items = append(items, map[string]any{
				"title":       r.Title,
				"url":         r.URL,
				"description": r.Description,
			})
			lines = append(lines, fmt.Sprintf("%s (%s)", r.Title, r.URL))
		}
		// Empty results are usable data, not an error.
		return &NodeOutput{
			OK:    true,
			Text:  strings.Join(lines, "\n"),
			Items: items,
			Data:  map[string]any{"provider": resp.Provider, "count": len(items)},
		}, nil
	}
}
