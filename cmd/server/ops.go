package main

import (
	"github.com/spf13/cobra"

	"github.com/agentmarket/market-engine/internal/round"
)

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the built-in agents that do not exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, cleanup, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			created, err := round.Seed(ctx, a.buildEngine(st).registry)
			if err != nil {
				return err
			}
			a.logger.Info("built-in agents seeded", "created", created, "roster", len(round.BuiltIns))
			return nil
		},
	}
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute every leaderboard entry from the ledger once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, cleanup, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.buildEngine(st).board.Reconcile(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("leaderboard reconciled",
				"updated", report.Updated,
				"failed", report.Failed,
				"duration", report.Duration,
			)
			return nil
		},
	}
}
