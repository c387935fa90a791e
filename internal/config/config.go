// Package config loads the nova configuration: JSON5 file merged over
// defaults, then NOVA_* environment overlays. Env vars take precedence over
// file values.
package config

import (
	"time"

	"github.com/novachat/nova/internal/guard"
	"github.com/novachat/nova/internal/scheduler"
	"github.com/novachat/nova/internal/sessions"
	"github.com/novachat/nova/internal/telemetry"
)

// DefaultAgentID names the agent when none is configured.
const DefaultAgentID = "nova"

// Config is the full nova configuration tree.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Workspace WorkspaceConfig `json:"workspace"`
	Mission   MissionConfig   `json:"mission"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Session   SessionConfig   `json:"session"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Channels  ChannelsConfig  `json:"channels"`
}

// AgentConfig identifies the agent persona.
type AgentConfig struct {
	ID string `json:"id"`
}

// WorkspaceConfig pins the storage root. Empty means auto-resolve.
type WorkspaceConfig struct {
	Root string `json:"root,omitempty"`
}

// MissionConfig tunes mission execution.
type MissionConfig struct {
	MaxDurationMs          int `json:"maxDurationMs"`
	ExecMaxInflightPerUser int `json:"execMaxInflightPerUser"`
	ExecMaxInflightGlobal  int `json:"execMaxInflightGlobal"`
	ExecSlotTTLMs          int `json:"execSlotTtlMs"`
}

// SchedulerConfig tunes the request scheduler.
type SchedulerConfig struct {
	MaxInflightGlobal          int            `json:"maxInflightGlobal"`
	MaxInflightPerUser         int            `json:"maxInflightPerUser"`
	MaxInflightPerConversation int            `json:"maxInflightPerConversation"`
	MaxQueueSize               int            `json:"maxQueueSize"`
	MaxQueueSizePerUser        int            `json:"maxQueueSizePerUser"`
	QueueStaleMs               int            `json:"queueStaleMs"`
	SupersedeQueuedByKey       bool           `json:"supersedeQueuedByKey"`
	SupersedeSameUserOnly      bool           `json:"supersedeSameUserOnly"`
	StrictUserIsolation        bool           `json:"strictUserIsolation"`
	LaneWeights                map[string]int `json:"laneWeights,omitempty"`
}

// SessionConfig tunes session lifecycle policy.
type SessionConfig struct {
	IdleMinutes        int `json:"idleMinutes"`
	MaxTranscriptLines int `json:"maxTranscriptLines"`
	RetentionDays      int `json:"transcriptRetentionDays"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlpEndpoint,omitempty"`
	ServiceName  string `json:"serviceName,omitempty"`
}

// ChannelsConfig holds channel credentials and dispatch policy.
type ChannelsConfig struct {
	Telegram      ChannelCredential `json:"telegram"`
	Discord       ChannelCredential `json:"discord"`
	RatePerSecond float64           `json:"ratePerSecond"`
	RateBurst     int               `json:"rateBurst"`
}

// ChannelCredential enables a channel when its token is present.
type ChannelCredential struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{ID: DefaultAgentID},
		Mission: MissionConfig{
			MaxDurationMs:          300_000,
			ExecMaxInflightPerUser: 3,
			ExecMaxInflightGlobal:  200,
			ExecSlotTTLMs:          900_000,
		},
		Scheduler: SchedulerConfig{
			MaxInflightGlobal:          8,
			MaxInflightPerUser:         2,
			MaxInflightPerConversation: 1,
			MaxQueueSize:               256,
			MaxQueueSizePerUser:        32,
			QueueStaleMs:               120_000,
			SupersedeQueuedByKey:       true,
		},
		Session: SessionConfig{
			IdleMinutes:        30,
			MaxTranscriptLines: 400,
			RetentionDays:      30,
		},
		Channels: ChannelsConfig{
			RatePerSecond: 5,
			RateBurst:     5,
		},
	}
}

// GuardConfig converts to the execution guard's config.
func (c *Config) GuardConfig() guard.Config {
	return guard.Config{
		PerUserLimit: c.Mission.ExecMaxInflightPerUser,
		GlobalLimit:  c.Mission.ExecMaxInflightGlobal,
		SlotTTL:      time.Duration(c.Mission.ExecSlotTTLMs) * time.Millisecond,
	}
}

// SchedulerSettings converts to the request scheduler's config.
func (c *Config) SchedulerSettings() scheduler.Config {
	weights := make(map[scheduler.Lane]int, len(c.Scheduler.LaneWeights))
	for lane, w := range c.Scheduler.LaneWeights {
		weights[scheduler.Lane(lane)] = w
	}
	if len(weights) == 0 {
		weights = nil
	}
	return scheduler.Config{
		LaneWeights:                weights,
		MaxInFlightGlobal:          c.Scheduler.MaxInflightGlobal,
		MaxInFlightPerUser:         c.Scheduler.MaxInflightPerUser,
		MaxInFlightPerConversation: c.Scheduler.MaxInflightPerConversation,
		MaxQueueSize:               c.Scheduler.MaxQueueSize,
		MaxQueueSizePerUser:        c.Scheduler.MaxQueueSizePerUser,
		QueueStale:                 time.Duration(c.Scheduler.QueueStaleMs) * time.Millisecond,
		SupersedeQueuedByKey:       c.Scheduler.SupersedeQueuedByKey,
		SupersedeSameUserOnly:      c.Scheduler.SupersedeSameUserOnly,
		StrictUserIsolation:        c.Scheduler.StrictUserIsolation,
	}
}

// SessionSettings converts to the session store's config.
func (c *Config) SessionSettings() sessions.Config {
	return sessions.Config{
		IdleTimeout:        time.Duration(c.Session.IdleMinutes) * time.Minute,
		MaxTranscriptLines: c.Session.MaxTranscriptLines,
		RetentionDays:      c.Session.RetentionDays,
	}
}

// TelemetrySettings converts to the telemetry provider's config.
func (c *Config) TelemetrySettings() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Telemetry.Enabled,
		OTLPEndpoint: c.Telemetry.OTLPEndpoint,
		ServiceName:  c.Telemetry.ServiceName,
	}
}

// MissionTimeout is the wall-clock bound on one run.
func (c *Config) MissionTimeout() time.Duration {
	return time.Duration(c.Mission.MaxDurationMs) * time.Millisecond
}
