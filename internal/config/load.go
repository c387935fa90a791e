package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays NOVA_* env vars. A
// missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("NOVA_AGENT_ID", &c.Agent.ID)
	envStr("NOVA_WORKSPACE", &c.Workspace.Root)

	// Mission execution
	envInt("NOVA_MISSION_MAX_DURATION_MS", &c.Mission.MaxDurationMs)
	envInt("NOVA_MISSION_EXECUTION_MAX_INFLIGHT_PER_USER", &c.Mission.ExecMaxInflightPerUser)
	envInt("NOVA_MISSION_EXECUTION_MAX_INFLIGHT_GLOBAL", &c.Mission.ExecMaxInflightGlobal)
	envInt("NOVA_MISSION_EXECUTION_SLOT_TTL_MS", &c.Mission.ExecSlotTTLMs)

	// Request scheduler
	envInt("NOVA_SCHEDULER_MAX_INFLIGHT_GLOBAL", &c.Scheduler.MaxInflightGlobal)
	envInt("NOVA_SCHEDULER_MAX_INFLIGHT_PER_USER", &c.Scheduler.MaxInflightPerUser)
	envInt("NOVA_SCHEDULER_MAX_INFLIGHT_PER_CONVERSATION", &c.Scheduler.MaxInflightPerConversation)
	envInt("NOVA_SCHEDULER_MAX_QUEUE_SIZE", &c.Scheduler.MaxQueueSize)
	envInt("NOVA_SCHEDULER_MAX_QUEUE_SIZE_PER_USER", &c.Scheduler.MaxQueueSizePerUser)
	envInt("NOVA_SCHEDULER_QUEUE_STALE_MS", &c.Scheduler.QueueStaleMs)
	envBool("NOVA_SCHEDULER_SUPERSEDE_QUEUED_BY_KEY", &c.Scheduler.SupersedeQueuedByKey)
	envBool("NOVA_SCHEDULER_SUPERSEDE_SAME_USER_ONLY", &c.Scheduler.SupersedeSameUserOnly)
	envBool("NOVA_SCHEDULER_STRICT_USER_ISOLATION", &c.Scheduler.StrictUserIsolation)
	if v := os.Getenv("NOVA_SCHEDULER_LANE_WEIGHTS"); v != "" {
		if weights := parseLaneWeights(v); len(weights) > 0 {
			c.Scheduler.LaneWeights = weights
		}
	}

	// Sessions
	envInt("NOVA_SESSION_IDLE_MINUTES", &c.Session.IdleMinutes)
	envInt("NOVA_SESSION_MAX_TRANSCRIPT_LINES", &c.Session.MaxTranscriptLines)
	envInt("NOVA_SESSION_TRANSCRIPT_RETENTION_DAYS", &c.Session.RetentionDays)

	// Telemetry
	envBool("NOVA_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("NOVA_TELEMETRY_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envStr("NOVA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)

	// Channels; a token from env auto-enables the channel.
	envStr("NOVA_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NOVA_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// parseLaneWeights parses "fast=4,default=2,tool=2,background=1".
func parseLaneWeights(s string) map[string]int {
	weights := make(map[string]int)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if w, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && w > 0 {
			weights[strings.TrimSpace(name)] = w
		}
	}
	return weights
}
