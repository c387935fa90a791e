// Package missions defines the mission data model and the per-user mission
// store. A mission is a user-owned DAG of typed nodes compiled from a natural
// language description and re-executed on schedule or on demand.
package missions

import (
	"encoding/json"
	"time"
)

// Mission statuses.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// Run sources.
const (
	SourceScheduler = "scheduler"
	SourceTrigger   = "trigger"
	SourceManual    = "manual"
)

// Mission is an ordered set of nodes and connections plus settings and
// execution metadata. All fields round-trip verbatim through the store.
type Mission struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status"`
	Version     int      `json:"version"`
	Integration string   `json:"integration,omitempty"`
	ChatIDs     []string `json:"chatIds,omitempty"`

	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Variables   []Variable   `json:"variables,omitempty"`
	Settings    Settings     `json:"settings"`

	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastSentLocalDate   string     `json:"lastSentLocalDate,omitempty"`
	RunCount            int        `json:"runCount"`
	SuccessCount        int        `json:"successCount"`
	FailureCount        int        `json:"failureCount"`
	LastRunStatus       string     `json:"lastRunStatus,omitempty"`
	ScheduledAtOverride *time.Time `json:"scheduledAtOverride,omitempty"`
}

// Settings holds per-mission execution policy.
type Settings struct {
	Timezone              string `json:"timezone,omitempty"`
	RetryOnFail           bool   `json:"retryOnFail,omitempty"`
	RetryCount            int    `json:"retryCount,omitempty"`
	RetryIntervalMs       int    `json:"retryIntervalMs,omitempty"`
	SaveExecutionProgress bool   `json:"saveExecutionProgress,omitempty"`
	ErrorWorkflowID       string `json:"errorWorkflowId,omitempty"`
}

// Variable is a named default value seeded into each run.
type Variable struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"` // string | number | boolean
	Value any    `json:"value"`
}

// Connection routes a node's named output port to a downstream node.
// SourcePort defaults to "main".
type Connection struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"sourceNodeId"`
	SourcePort   string `json:"sourcePort,omitempty"`
	TargetNodeID string `json:"targetNodeId"`
	TargetPort   string `json:"targetPort,omitempty"`
}

// Port names with built-in routing semantics.
const (
	PortMain  = "main"
	PortError = "error"
	PortTrue  = "true"
	PortFalse = "false"
)

// Port returns the effective source port of the connection.
func (c Connection) Port() string {
	if c.SourcePort == "" {
		return PortMain
	}
	return c.SourcePort
}

// Position is the canvas placement of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one step of a mission. Variant-specific fields live in Attrs and
// round-trip untouched, so unknown node types survive persistence; typed
// accessors in params.go decode the attrs a given executor needs.
type Node struct {
	ID       string   `json:"-"`
	Label    string   `json:"-"`
	Type     string   `json:"-"`
	Position Position `json:"-"`
	Disabled bool     `json:"-"`
	Notes    string   `json:"-"`

	Attrs map[string]json.RawMessage `json:"-"`
}

type nodeCommon struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Disabled bool     `json:"disabled,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

var nodeCommonKeys = map[string]bool{
	"id": true, "label": true, "type": true,
	"position": true, "disabled": true, "notes": true,
}

// UnmarshalJSON splits the common envelope from variant attrs, keeping the
// attrs raw so every field survives a load/save cycle byte-for-byte.
func (n *Node) UnmarshalJSON(data []byte) error {
	var common nodeCommon
	if err := json.Unmarshal(data, &common); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if nodeCommonKeys[k] {
			delete(all, k)
		}
	}
	n.ID = common.ID
	n.Label = common.Label
	n.Type = common.Type
	n.Position = common.Position
	n.Disabled = common.Disabled
	n.Notes = common.Notes
	if len(all) > 0 {
		n.Attrs = all
	} else {
		n.Attrs = nil
	}
	return nil
}

// MarshalJSON re-merges the common envelope with the preserved attrs.
func (n Node) MarshalJSON() ([]byte, error) {
	envelope, err := json.Marshal(nodeCommon{
		ID: n.ID, Label: n.Label, Type: n.Type,
		Position: n.Position, Disabled: n.Disabled, Notes: n.Notes,
	})
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(envelope, &merged); err != nil {
		return nil, err
	}
	for k, v := range n.Attrs {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Node type discriminants, grouped by family.
const (
	// Triggers
	TypeScheduleTrigger = "schedule-trigger"
	TypeWebhookTrigger  = "webhook-trigger"
	TypeManualTrigger   = "manual-trigger"
	TypeEventTrigger    = "event-trigger"

	// Data
	TypeHTTPRequest = "http-request"
	TypeWebSearch   = "web-search"
	TypeRSSFeed     = "rss-feed"
	TypeCoinbase    = "coinbase"
	TypeFileRead    = "file-read"
	TypeFormInput   = "form-input"

	// AI
	TypeAISummarize = "ai-summarize"
	TypeAIClassify  = "ai-classify"
	TypeAIExtract   = "ai-extract"
	TypeAIGenerate  = "ai-generate"
	TypeAIChat      = "ai-chat"

	// Logic
	TypeCondition = "condition"
	TypeSwitch    = "switch"
	TypeLoop      = "loop"
	TypeMerge     = "merge"
	TypeSplit     = "split"
	TypeWait      = "wait"

	// Transform
	TypeSetVariables = "set-variables"
	TypeCode         = "code"
	TypeFormat       = "format"
	TypeFilter       = "filter"
	TypeSort         = "sort"
	TypeDedupe       = "dedupe"

	// Output
	TypeTelegramOutput = "telegram-output"
	TypeDiscordOutput  = "discord-output"
	TypeEmailOutput    = "email-output"
	TypeWebhookOutput  = "webhook-output"
	TypeSlackOutput    = "slack-output"
	TypeNovachatOutput = "novachat-output"

	// Utility
	TypeStickyNote  = "sticky-note"
	TypeSubWorkflow = "sub-workflow"
)

var triggerTypes = map[string]bool{
	TypeScheduleTrigger: true,
	TypeWebhookTrigger:  true,
	TypeManualTrigger:   true,
	TypeEventTrigger:    true,
}

var outputTypes = map[string]bool{
	TypeTelegramOutput: true,
	TypeDiscordOutput:  true,
	TypeEmailOutput:    true,
	TypeWebhookOutput:  true,
	TypeSlackOutput:    true,
	TypeNovachatOutput: true,
}

// IsTrigger reports whether the node starts mission execution.
func (n Node) IsTrigger() bool { return triggerTypes[n.Type] }

// IsOutput reports whether the node belongs to the output family.
func (n Node) IsOutput() bool { return outputTypes[n.Type] }

// TriggerNodeIDs returns the ids of all enabled trigger nodes, falling back to
// the first node when the mission has no triggers.
func (m *Mission) TriggerNodeIDs() []string {
	var ids []string
	for _, n := range m.Nodes {
		if n.IsTrigger() {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) == 0 && len(m.Nodes) > 0 {
		ids = append(ids, m.Nodes[0].ID)
	}
	return ids
}

// NodeByID returns the node with the given id.
func (m *Mission) NodeByID(id string) (Node, bool) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// ScheduleTriggerNode returns the first schedule-trigger node, if any.
func (m *Mission) ScheduleTriggerNode() (Node, bool) {
	for _, n := range m.Nodes {
		if n.Type == TypeScheduleTrigger && !n.Disabled {
			return n, true
		}
	}
	return Node{}, false
}
