// Package expr resolves {{$vars.name}} and {{$nodes.Label.output.field}}
// templates against a run's variable map and node outputs. Node labels are
// the only addressing surface; duplicate labels are rejected at load time.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NodeValue is the resolvable view of one node's output.
type NodeValue struct {
	Text string
	Data any
}

// Env is a read-only view of the run state.
type Env struct {
	Vars  map[string]string
	Nodes map[string]NodeValue // keyed by node label
}

var tokenRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Keys that would walk into the prototype chain in the original runtime;
// rejected at lookup time so templates cannot smuggle them through.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// Resolve substitutes every template token in s. Unresolvable tokens are left
// intact.
func Resolve(s string, env Env) string {
	return tokenRe.ReplaceAllStringFunc(s, func(token string) string {
		path := strings.TrimSpace(tokenRe.FindStringSubmatch(token)[1])
		if v, ok := resolvePath(path, env); ok {
			return v
		}
		return token
	})
}

func resolvePath(path string, env Env) (string, bool) {
	segs := strings.Split(path, ".")
	switch segs[0] {
	case "$vars":
		if len(segs) < 2 {
			return "", false
		}
		// Absent variables resolve to the empty string.
		return env.Vars[strings.Join(segs[1:], ".")], true
	case "$nodes":
		return resolveNodePath(segs[1:], env)
	default:
		return "", false
	}
}

func resolveNodePath(segs []string, env Env) (string, bool) {
	if len(segs) < 2 {
		return "", false
	}
	label, section := segs[0], segs[1]
	node, ok := env.Nodes[label]
	if !ok || section != "output" {
		return "", false
	}

	rest := segs[2:]
	switch {
	case len(rest) == 0, len(rest) == 1 && rest[0] == "text":
		return node.Text, true
	case len(rest) == 1 && rest[0] == "data":
		if node.Data != nil {
			if b, err := json.Marshal(node.Data); err == nil {
				return string(b), true
			}
		}
		return node.Text, true
	default:
		return walkData(node.Data, rest)
	}
}

// walkData follows a dot-path through the node's data. The leading "data"
// segment is optional in the stored path form.
func walkData(data any, segs []string) (string, bool) {
	if len(segs) > 0 && segs[0] == "data" {
		segs = segs[1:]
	}
	cur := data
	for _, seg := range segs {
		if forbiddenKeys[seg] {
			return "", false
		}
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return "", false
			}
			cur = v[idx]
		default:
			return "", false
		}
	}
	return stringify(cur)
}

func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	default:
		if b, err := json.Marshal(val); err == nil {
			return string(b), true
		}
		return fmt.Sprintf("%v", val), true
	}
}
