package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/novachat/nova/internal/bus"
	"github.com/novachat/nova/internal/channels"
	"github.com/novachat/nova/internal/channels/discord"
	"github.com/novachat/nova/internal/channels/telegram"
	"github.com/novachat/nova/internal/config"
	"github.com/novachat/nova/internal/guard"
	"github.com/novachat/nova/internal/idempotency"
	"github.com/novachat/nova/internal/missions"
	"github.com/novachat/nova/internal/persist"
	"github.com/novachat/nova/internal/run"
	"github.com/novachat/nova/internal/scheduler"
	"github.com/novachat/nova/internal/telemetry"
)

// app wires the stores and the engine from config. Everything shares one
// persistence kit so per-path write serialization holds process-wide.
// mu guards the config-derived components, which watch mode swaps on reload.
type app struct {
	missions    *missions.Store
	idempotency *idempotency.Store
	dispatcher  bus.ChannelDispatcher
	telemetry   *telemetry.Provider

	mu        sync.RWMutex
	scheduler *scheduler.Scheduler
	engine    *run.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	paths := persist.NewPaths(cfg.Workspace.Root)
	kit := persist.NewKit()

	tel, err := telemetry.New(ctx, cfg.TelemetrySettings())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	registry := channels.NewRegistry(cfg.Channels.RatePerSecond, cfg.Channels.RateBurst)
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		sender, err := telegram.New(cfg.Channels.Telegram.Token)
		if err != nil {
			slog.Warn("telegram sender unavailable", "error", err)
		} else {
			registry.Register(sender)
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		sender, err := discord.New(cfg.Channels.Discord.Token)
		if err != nil {
			slog.Warn("discord sender unavailable", "error", err)
		} else {
			registry.Register(sender)
		}
	}

	a := &app{
		missions:    missions.NewStore(kit, paths),
		idempotency: idempotency.NewStore(kit, paths),
		dispatcher:  registry,
		telemetry:   tel,
	}
	a.applyConfig(cfg)
	return a, nil
}

// applyConfig swaps the config-derived components. Stores and channel senders
// keep their identities; only execution policy is rebuilt, so in-flight runs
// finish against the scheduler and guard they started with.
func (a *app) applyConfig(cfg *config.Config) {
	engine := run.NewEngine(
		run.NewRegistry(run.WithDispatcher(a.dispatcher)),
		guard.New(cfg.GuardConfig()),
		a.dispatcher,
		a.telemetry,
		run.Config{Timeout: cfg.MissionTimeout()},
	)
	sched := scheduler.New(cfg.SchedulerSettings())

	a.mu.Lock()
	a.scheduler = sched
	a.engine = engine
	a.mu.Unlock()
}

// snapshot returns the current execution components under the reload lock.
func (a *app) snapshot() (*scheduler.Scheduler, *run.Engine) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scheduler, a.engine
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}
