package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/ingestor/internal/core/config"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/deadletter"
	"github.com/vietddude/ingestor/internal/infra/storage/postgres"
)

var (
	recoverItemType  string
	recoverErrorType string
	recoverOlderThan time.Duration
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue dead-lettered items back into the retry queue",
	Run:   runRecover,
}

func init() {
	recoverCmd.Flags().StringVar(&recoverItemType, "item-type", "", "only recover items of this type (webhook, event)")
	recoverCmd.Flags().StringVar(&recoverErrorType, "error-type", "", "only recover items that died with this error type")
	recoverCmd.Flags().DurationVar(&recoverOlderThan, "older-than", 0, "only recover items dead for at least this long")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	svc := deadletter.NewService(postgres.NewDeadLetterRepo(db), postgres.NewRetryRepo(db))
	recovered, err := svc.Recover(ctx, domain.DeadLetterFilter{
		ItemType:  domain.RetryItemType(recoverItemType),
		ErrorType: domain.ErrorType(recoverErrorType),
		OlderThan: recoverOlderThan,
	})
	if err != nil {
		slog.Error("Failed to recover dead letters", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Recovered %d dead-lettered items\n", len(recovered))
}
