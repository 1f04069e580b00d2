package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/youthshield-donations/internal/data/postgres"
	"github.com/youthshield-donations/internal/ledger"
	"github.com/youthshield-donations/internal/logger"
	"github.com/youthshield-donations/internal/platform/persistence"
)

func receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Manage donation receipt numbers",
	}

	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Number donations stored without a receipt, oldest first",
		Args:  cobra.NoArgs,
		RunE:  runBackfill,
	}
	backfill.Flags().Int("batch-size", 100, "donations numbered per query")
	cmd.AddCommand(backfill)

	return cmd
}

func runBackfill(cmd *cobra.Command, args []string) error {
	batchSize, err := cmd.Flags().GetInt("batch-size")
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgresDB, err := persistence.NewPostgresDB(ctx, log, &cfg.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer postgresDB.Close()

	l := ledger.NewLedger(postgresDB,
		postgres.NewDonationRepository(log, postgresDB),
		postgres.NewProviderTransactionRepository(log, postgresDB),
		postgres.NewCorrelationIndex(log, postgresDB),
		postgres.NewOutboxRepository(log, postgresDB),
		log,
	)

	assigned, err := l.BackfillReceipts(ctx, batchSize)
	fmt.Fprintf(cmd.OutOrStdout(), "assigned %d receipt numbers\n", assigned)
	return err
}
