package missions

import "encoding/json"

// Typed views over node attrs. Decoding is lenient: absent or malformed attrs
// yield zero values and the executor reports the problem at run time.

// ScheduleSpec is the schedule-trigger configuration.
type ScheduleSpec struct {
	Mode            string   `json:"mode"` // once | daily | weekly | interval | cron
	Time            string   `json:"time,omitempty"` // "HH:MM" local
	Timezone        string   `json:"timezone,omitempty"`
	Days            []string `json:"days,omitempty"` // lowercased short weekdays
	IntervalMinutes int      `json:"intervalMinutes,omitempty"`
	CronExpr        string   `json:"cronExpr,omitempty"`
}

// ConditionRule is one comparison inside a condition node.
type ConditionRule struct {
	Left  string `json:"left"`
	Op    string `json:"op"` // eq | neq | contains | gt | lt | gte | lte | empty | notEmpty
	Right string `json:"right,omitempty"`
}

// ConditionSpec holds a condition node's rules.
type ConditionSpec struct {
	Rules   []ConditionRule `json:"rules"`
	Combine string          `json:"combine,omitempty"` // all (default) | any
}

// SwitchCase maps a matched value to a named port.
type SwitchCase struct {
	Value string `json:"value"`
	Port  string `json:"port"`
}

// SwitchSpec holds a switch node's expression and cases.
type SwitchSpec struct {
	Expression  string       `json:"expression"`
	Cases       []SwitchCase `json:"cases"`
	DefaultPort string       `json:"defaultPort,omitempty"`
}

// SetVariablesSpec assigns run variables.
type SetVariablesSpec struct {
	Values map[string]string `json:"values"`
}

// FormatSpec renders a template against the run context.
type FormatSpec struct {
	Template string `json:"template"`
}

// FilterSpec keeps items whose field matches the rule.
type FilterSpec struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value,omitempty"`
}

// SortSpec orders items by a field.
type SortSpec struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// DedupeSpec removes items repeating a field value.
type DedupeSpec struct {
	Field string `json:"field"`
}

// WaitSpec pauses the run. Bounded by the run timeout regardless.
type WaitSpec struct {
	Seconds float64 `json:"seconds"`
}

// OutputSpec is the shared configuration of output-family nodes.
type OutputSpec struct {
	Channel  string   `json:"channel,omitempty"` // override; defaults to mission integration
	ChatIDs  []string `json:"chatIds,omitempty"`
	Template string   `json:"template,omitempty"`
}

// DecodeAttrs unmarshals the node's preserved attrs into spec.
func (n Node) DecodeAttrs(spec any) error {
	if n.Attrs == nil {
		return nil
	}
	raw, err := json.Marshal(n.Attrs)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, spec)
}

// Attr returns a single raw attr value decoded into a string, or "".
func (n Node) Attr(key string) string {
	raw, ok := n.Attrs[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
