package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/novachat/nova/internal/idempotency"
	"github.com/novachat/nova/internal/missions"
)

func missionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "missions",
		Short: "Inspect and manage the mission store",
	}
	cmd.AddCommand(missionsListCmd())
	cmd.AddCommand(missionsBuildCmd())
	cmd.AddCommand(missionsDeleteCmd())
	return cmd
}

func missionsListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)

			all, err := a.missions.Load(userID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATUS\tVERSION\tRUNS\tLAST RUN")
			for _, m := range all {
				lastRun := "-"
				if m.LastRunAt != nil {
					lastRun = m.LastRunAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", m.ID, m.Label, m.Status, m.Version, m.RunCount, lastRun)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user context id (required)")
	cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}

func missionsBuildCmd() *cobra.Command {
	var (
		userID string
		file   string
		deploy bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build and save a mission from a JSON definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)

			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var in missions.BuildInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			in.UserID = userID
			if !deploy {
				in.Status = missions.StatusDraft
			}

			// Identical definitions within the reservation window collapse
			// onto the first build instead of creating duplicates.
			res, err := a.idempotency.Reserve(idempotency.BuildInput{
				UserContextID: userID,
				Prompt:        in.Label + "\n" + in.Description,
				Deploy:        deploy,
				Timezone:      in.Timezone,
				Enabled:       deploy,
			})
			if err != nil {
				return err
			}
			switch res.Status {
			case idempotency.OutcomePending:
				return fmt.Errorf("an identical build is already in flight; retry in %dms", res.RetryAfterMs)
			case idempotency.OutcomeCompleted:
				fmt.Printf("mission already built: %s\n", res.Result)
				return nil
			case idempotency.OutcomeFailed:
				return fmt.Errorf("previous identical build failed: %s", res.Error)
			}

			m := missions.Build(in)
			saved, err := a.missions.Upsert(m, userID)
			if err != nil {
				finErr := a.idempotency.Finalize(idempotency.FinalizeInput{
					UserContextID: userID, Key: res.Key, Error: err.Error(),
				})
				if finErr != nil {
					slog.Warn("finalize build reservation", "error", finErr)
				}
				return err
			}
			if err := a.idempotency.Finalize(idempotency.FinalizeInput{
				UserContextID: userID, Key: res.Key, OK: true, Result: saved.ID,
			}); err != nil {
				slog.Warn("finalize build reservation", "error", err)
			}
			fmt.Printf("mission built: %s (%s, status %s)\n", saved.ID, saved.Label, saved.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user context id (required)")
	cmd.Flags().StringVar(&file, "file", "", "mission definition JSON file (required)")
	cmd.Flags().BoolVar(&deploy, "deploy", false, "activate the mission immediately")
	cmd.MarkFlagRequired("user") //nolint:errcheck
	cmd.MarkFlagRequired("file") //nolint:errcheck
	return cmd
}

func missionsDeleteCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "delete <mission-id>",
		Short: "Delete a mission (tombstoned against legacy re-import)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)

			res, err := a.missions.Delete(args[0], userID)
			if err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("delete failed: %s", res.Reason)
			}
			fmt.Printf("mission %s: %s\n", args[0], res.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user context id (required)")
	cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}
