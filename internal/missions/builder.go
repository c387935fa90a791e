package missions

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTimezone is applied when neither the build input nor the schedule
// trigger names one.
const DefaultTimezone = "UTC"

// BuildInput is what the workflow builder hands the factory.
type BuildInput struct {
	UserID      string
	Label       string
	Description string
	Category    string
	Tags        []string
	Integration string
	ChatIDs     []string
	Timezone    string
	Status      string
	Nodes       []Node
	Connections []Connection
	Variables   []Variable
}

// Build assembles a mission with default settings. Node and connection ids
// are minted where missing; the caller persists via Store.Upsert.
func Build(in BuildInput) Mission {
	tz := in.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	status := in.Status
	if status == "" {
		status = StatusActive
	}

	nodes := make([]Node, len(in.Nodes))
	copy(nodes, in.Nodes)
	for i := range nodes {
		if nodes[i].ID == "" {
			nodes[i].ID = uuid.NewString()
		}
	}
	conns := make([]Connection, len(in.Connections))
	copy(conns, in.Connections)
	for i := range conns {
		if conns[i].ID == "" {
			conns[i].ID = uuid.NewString()
		}
	}

	now := time.Now().UTC()
	return Mission{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Label:       in.Label,
		Description: in.Description,
		Category:    in.Category,
		Tags:        in.Tags,
		Status:      status,
		Version:     1,
		Integration: in.Integration,
		ChatIDs:     in.ChatIDs,
		Nodes:       nodes,
		Connections: conns,
		Variables:   in.Variables,
		Settings: Settings{
			Timezone:        tz,
			RetryOnFail:     false,
			RetryCount:      0,
			RetryIntervalMs: 0,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
