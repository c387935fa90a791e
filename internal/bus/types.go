// Package bus holds the outbound dispatch contract between the mission
// executor and channel implementations.
package bus

import "context"

// OutboundMessage is a message headed for a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScheduleRef is the schedule-shaped metadata a dispatch carries so channels
// can annotate or thread messages. Fallback dispatch synthesizes a minimal
// one from the mission record.
type ScheduleRef struct {
	MissionID    string `json:"mission_id"`
	MissionLabel string `json:"mission_label"`
	Timezone     string `json:"timezone,omitempty"`
}

// DispatchRequest is one outbound send on behalf of a mission run. The
// (RunID, NodeID, OutputIndex) triple is the idempotency key: dispatchers
// must not double-send for a repeated triple.
type DispatchRequest struct {
	Channel     string
	Text        string
	Recipients  []string
	Schedule    ScheduleRef
	Scope       string
	RunID       string
	NodeID      string
	OutputIndex int
	Metadata    map[string]string
}

// DispatchResult is the outcome of one recipient send.
type DispatchResult struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status,omitempty"`
}

// ChannelDispatcher sends mission output to a channel. One result per
// attempted recipient.
type ChannelDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) ([]DispatchResult, error)
}

// CatalogItem describes one connected (or connectable) integration.
type CatalogItem struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Connected bool   `json:"connected"`
	Endpoint  string `json:"endpoint,omitempty"`
	Label     string `json:"label"`
}

// Catalog exposes the read-only integration catalog for a user scope.
type Catalog interface {
	Items(ctx context.Context, scope string) ([]CatalogItem, error)
}
