package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/novachat/nova/internal/config"
	"github.com/novachat/nova/internal/missions"
	"github.com/novachat/nova/internal/schedule"
)

const tickParallelism = 4

func tickCmd() *cobra.Command {
	var (
		userID string
		watch  bool
		every  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a scheduler pass: execute every due mission for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)

			if !watch {
				ran, total, err := tickPass(ctx, a, userID)
				if err != nil {
					return err
				}
				fmt.Printf("tick complete: %d of %d missions due\n", ran, total)
				return nil
			}

			// Daemon mode: keep ticking and pick up config edits live.
			go func() {
				err := config.Watch(ctx, resolveConfigPath(), a.applyConfig)
				if err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("config watch stopped", "error", err)
				}
			}()
			slog.Info("tick loop started", "every", every)
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				ran, total, err := tickPass(ctx, a, userID)
				if err != nil {
					slog.Error("tick pass failed", "error", err)
				} else {
					slog.Info("tick pass complete", "due", ran, "total", total)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user context id (required)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep ticking and hot-reload config on change")
	cmd.Flags().DurationVar(&every, "every", time.Minute, "tick period in watch mode")
	cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}

// tickPass runs one scheduler pass: load, gate, and execute every due active
// mission. One rejection never cancels the pass.
func tickPass(ctx context.Context, a *app, userID string) (ran, total int, err error) {
	all, err := a.missions.Load(userID)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tickParallelism)
	for _, m := range all {
		if m.Status != missions.StatusActive {
			continue
		}
		decision := schedule.ShouldRunNow(&m, now)
		if !decision.Due {
			slog.Debug("mission not due", "mission", m.ID, "reason", decision.Reason)
			continue
		}
		ran++
		missionID := m.ID
		g.Go(func() error {
			res, err := executeMission(gctx, a, userID, missionID, missions.SourceScheduler)
			if err != nil {
				slog.Error("mission run rejected", "mission", missionID, "error", err)
				return nil
			}
			slog.Info("mission run finished",
				"mission", missionID, "ok", res.OK, "skipped", res.Skipped, "outputs", len(res.Outputs))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ran, len(all), err
	}
	return ran, len(all), nil
}
