package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/novachat/nova/internal/missions"
	"github.com/novachat/nova/internal/run"
	"github.com/novachat/nova/internal/scheduler"
)

func runCmd() *cobra.Command {
	var (
		userID    string
		missionID string
		source    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one mission now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)

			res, err := executeMission(ctx, a, userID, missionID, source)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if !res.OK {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user context id (required)")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id (required)")
	cmd.Flags().StringVar(&source, "source", missions.SourceManual, "run source: manual | scheduler | trigger")
	cmd.MarkFlagRequired("user")    //nolint:errcheck
	cmd.MarkFlagRequired("mission") //nolint:errcheck
	return cmd
}

// executeMission gates the run through the request scheduler, executes, and
// records the outcome on the mission record.
func executeMission(ctx context.Context, a *app, userID, missionID, source string) (*run.Result, error) {
	m, err := a.missions.Get(userID, missionID)
	if err != nil {
		return nil, err
	}

	lane := scheduler.LaneDefault
	if source == missions.SourceScheduler {
		lane = scheduler.LaneBackground
	}

	sched, engine := a.snapshot()
	value, err := sched.Enqueue(scheduler.Request{
		Lane:         lane,
		UserID:       userID,
		SupersedeKey: "mission-run:" + userID + ":" + missionID,
		Run: func() (any, error) {
			return engine.Execute(ctx, run.Input{
				Mission:       &m,
				UserContextID: userID,
				Source:        source,
			}), nil
		},
	})
	if err != nil {
		return nil, err
	}
	res := value.(*run.Result)

	if err := a.missions.RecordRun(userID, missionID, res.OK, res.Skipped, res.DayStamp); err != nil {
		return res, fmt.Errorf("record run: %w", err)
	}
	return res, nil
}
