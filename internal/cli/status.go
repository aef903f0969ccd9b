package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vietddude/ingestor/internal/core/config"
	"github.com/vietddude/ingestor/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show retry queue and dead-letter counts",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TABLE\tSTATUS\tCOUNT")

	for _, table := range []string{"retry_items", "dead_letters"} {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status ORDER BY status", table))
		if err != nil {
			slog.Error("Failed to query status counts", "table", table, "error", err)
			os.Exit(1)
		}
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", table, status, count)
		}
		_ = rows.Close()
	}
	_ = w.Flush()
}
