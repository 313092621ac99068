package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarberg/loopd/internal/db"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [loop]",
	Short: "Show loop status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := cmd.Context()
		if err := database.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}

		if len(args) == 1 {
			return showLoopStatus(ctx, database, args[0])
		}
		return listLoops(ctx, database)
	},
}

func listLoops(ctx context.Context, database *db.DB) error {
	loops, err := db.NewLoopRepository(database).List(ctx)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return WriteOutput(os.Stdout, loops)
	}

	if len(loops) == 0 {
		fmt.Println("no loops")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tREPO\tLAST RUN")
	for _, entry := range loops {
		lastRun := "-"
		if entry.LastRunAt != nil {
			lastRun = entry.LastRunAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.Name,
			colorize(string(entry.State), stateColor(entry.State)),
			entry.RepoPath,
			lastRun,
		)
	}
	return w.Flush()
}

func showLoopStatus(ctx context.Context, database *db.DB, ref string) error {
	entry, err := resolveLoop(ctx, database, ref)
	if err != nil {
		return err
	}

	iterRepo := db.NewIterationRepository(database)
	count, err := iterRepo.Count(ctx, entry.ID)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return WriteOutput(os.Stdout, map[string]any{
			"loop":       entry,
			"iterations": count,
		})
	}

	fmt.Printf("name:        %s\n", entry.Name)
	fmt.Printf("state:       %s\n", colorize(string(entry.State), stateColor(entry.State)))
	fmt.Printf("repo:        %s\n", entry.RepoPath)
	fmt.Printf("iterations:  %d\n", count)
	if entry.LastRunAt != nil {
		fmt.Printf("last run:    %s\n", entry.LastRunAt.Local().Format(time.RFC3339))
	}
	if entry.LastExitCode != nil {
		fmt.Printf("last exit:   %d\n", *entry.LastExitCode)
	}
	if entry.LastError != "" {
		fmt.Printf("last error:  %s\n", colorize(entry.LastError, colorRed))
	}
	if entry.LedgerPath != "" {
		fmt.Printf("ledger:      %s\n", entry.LedgerPath)
	}
	if entry.LogPath != "" {
		fmt.Printf("log:         %s\n", entry.LogPath)
	}
	return nil
}
