package run

import (
	"context"
	"testing"

	"github.com/novachat/nova/internal/missions"
)

func emptyContext(m *missions.Mission) *ExecutionContext {
	return &ExecutionContext{
		Mission:     m,
		NodeOutputs: make(map[string]*NodeOutput),
		Variables:   make(map[string]string),
	}
}

func TestEvalRule(t *testing.T) {
	tests := []struct {
		name  string
		left  string
		op    string
		right string
		want  bool
	}{
		{"eq match", "a", "eq", "a", true},
		{"eq miss", "a", "eq", "b", false},
		{"neq", "a", "neq", "b", true},
		{"contains", "hello world", "contains", "lo w", true},
		{"numeric gt", "10", "gt", "9", true},
		{"numeric gt string trap", "10", "gt", "9", true}, // "10" < "9" lexicographically
		{"lte", "3.5", "lte", "3.5", true},
		{"lexicographic fallback", "banana", "gt", "apple", true},
		{"empty", "  ", "empty", "", true},
		{"notEmpty", "x", "notEmpty", "", true},
		{"unknown op", "a", "matches", "a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evalRule(tt.left, tt.op, tt.right); got != tt.want {
				t.Errorf("evalRule(%q, %q, %q) = %v", tt.left, tt.op, tt.right, got)
			}
		})
	}
}

func TestConditionCombineAny(t *testing.T) {
	n := node("c", "Check", missions.TypeCondition, missions.ConditionSpec{
		Combine: "any",
		Rules: []missions.ConditionRule{
			{Left: "a", Op: "eq", Right: "b"},
			{Left: "x", Op: "eq", Right: "x"},
		},
	})
	out, err := conditionExecutor(context.Background(), n, emptyContext(&missions.Mission{}))
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.Port != missions.PortTrue {
		t.Errorf("out = %+v", out)
	}
}

func TestSwitchRouting(t *testing.T) {
	spec := missions.SwitchSpec{
		Expression: "{{$vars.env}}",
		Cases: []missions.SwitchCase{
			{Value: "prod", Port: "case_prod"},
			{Value: "dev", Port: "case_dev"},
		},
		DefaultPort: "case_other",
	}
	n := node("s", "Route", missions.TypeSwitch, spec)

	ec := emptyContext(&missions.Mission{})
	ec.Variables["env"] = "dev"
	out, _ := switchExecutor(context.Background(), n, ec)
	if out.Port != "case_dev" {
		t.Errorf("port = %q", out.Port)
	}

	ec.Variables["env"] = "staging"
	out, _ = switchExecutor(context.Background(), n, ec)
	if out.Port != "case_other" {
		t.Errorf("default port = %q", out.Port)
	}
}

func itemsMission(nodeID string, typ string, attrs any) (*missions.Mission, *ExecutionContext) {
	m := &missions.Mission{
		Nodes: []missions.Node{
			node("src", "Source", missions.TypeHTTPRequest, nil),
			node(nodeID, "Op", typ, attrs),
		},
		Connections: []missions.Connection{conn("c1", "src", nodeID, "")},
	}
	ec := emptyContext(m)
	ec.NodeOutputs["src"] = &NodeOutput{OK: true, Items: []any{
		map[string]any{"name": "beta", "score": 2.0},
		map[string]any{"name": "alpha", "score": 9.0},
		map[string]any{"name": "beta", "score": 5.0},
	}}
	return m, ec
}

func TestFilterItems(t *testing.T) {
	m, ec := itemsMission("f", missions.TypeFilter, missions.FilterSpec{Field: "score", Op: "gt", Value: "4"})
	n, _ := m.NodeByID("f")
	out, _ := filterExecutor(context.Background(), n, ec)
	if len(out.Items) != 2 {
		t.Fatalf("items = %v", out.Items)
	}
}

func TestSortItemsDescending(t *testing.T) {
	m, ec := itemsMission("s", missions.TypeSort, missions.SortSpec{Field: "score", Descending: true})
	n, _ := m.NodeByID("s")
	out, _ := sortExecutor(context.Background(), n, ec)
	first := out.Items[0].(map[string]any)
	if first["score"] != 9.0 {
		t.Errorf("first = %v", first)
	}
}

func TestDedupeItems(t *testing.T) {
	m, ec := itemsMission("d", missions.TypeDedupe, missions.DedupeSpec{Field: "name"})
	n, _ := m.NodeByID("d")
	out, _ := dedupeExecutor(context.Background(), n, ec)
	if len(out.Items) != 2 {
		t.Fatalf("items = %v", out.Items)
	}
	if out.Items[0].(map[string]any)["name"] != "beta" {
		t.Error("dedupe must keep first occurrence")
	}
}

func TestSplitTextIntoItems(t *testing.T) {
	m := &missions.Mission{
		Nodes: []missions.Node{
			node("src", "Source", missions.TypeHTTPRequest, nil),
			node("sp", "Split", missions.TypeSplit, nil),
		},
		Connections: []missions.Connection{conn("c1", "src", "sp", "")},
	}
	ec := emptyContext(m)
	ec.NodeOutputs["src"] = &NodeOutput{OK: true, Text: "one\n\ntwo\nthree  "}
	n, _ := m.NodeByID("sp")
	out, _ := splitExecutor(context.Background(), n, ec)
	if len(out.Items) != 3 || out.Items[2] != "three" {
		t.Errorf("items = %v", out.Items)
	}
}

func TestMergeSkipsBranchPlaceholders(t *testing.T) {
	m := &missions.Mission{
		Nodes: []missions.Node{
			node("l", "Left", missions.TypeFormat, nil),
			node("r", "Right", missions.TypeFormat, nil),
			node("m", "Merge", missions.TypeMerge, nil),
		},
		Connections: []missions.Connection{
			conn("c1", "l", "m", ""),
			conn("c2", "r", "m", ""),
		},
	}
	ec := emptyContext(m)
	ec.NodeOutputs["l"] = &NodeOutput{OK: true, Text: "kept"}
	ec.NodeOutputs["r"] = skipMarker("Branch not taken: true")

	n, _ := m.NodeByID("m")
	out, _ := mergeExecutor(context.Background(), n, ec)
	if out.Text != "kept" {
		t.Errorf("text = %q", out.Text)
	}
}

func TestSetVariablesResolvesValues(t *testing.T) {
	n := node("sv", "Assign", missions.TypeSetVariables, missions.SetVariablesSpec{
		Values: map[string]string{"greeting": "hi {{$vars.name}}"},
	})
	ec := emptyContext(&missions.Mission{})
	ec.Variables["name"] = "alice"
	out, _ := setVariablesExecutor(context.Background(), n, ec)
	if !out.OK || ec.Variables["greeting"] != "hi alice" {
		t.Errorf("vars = %v", ec.Variables)
	}
}
