package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coopbank/ledger-service/internal/app"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			applied, err := store.Migrate(cmd.Context(), rt.pool)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if len(applied) == 0 {
				fmt.Println("Schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Printf("Applied %s\n", version)
			}
			return nil
		},
	}
}

func pollCmd() *cobra.Command {
	var (
		minAge time.Duration
		batch  int
	)
	cmd := &cobra.Command{
		Use:   "poll-pending",
		Short: "Re-poll the provider once for stale pending deposits and withdrawals",
		Long: `Runs a single pass of the pending-transaction poller.

Every PENDING deposit or withdrawal older than --min-age is checked with the
mobile-money provider and settled when the provider reports a final outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if !cmd.Flags().Changed("min-age") {
				minAge = time.Duration(rt.cfg.PollMinAgeSeconds) * time.Second
			}
			poller := app.NewPendingPoller(rt.service, app.PollerConfig{MinAge: minAge, BatchSize: batch})
			checked, err := poller.RunOnce(cmd.Context())
			fmt.Printf("Checked %d pending transactions\n", checked)
			return err
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", app.DefaultPollMinAge, "only poll records older than this")
	cmd.Flags().IntVarP(&batch, "batch", "n", 100, "maximum records to poll")
	return cmd
}

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision [user-id]",
		Short: "Create a member's product accounts if they are missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			rt, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			accounts, err := rt.service.ProvisionAccounts(cmd.Context(), userID)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(accounts)
		},
	}
}
