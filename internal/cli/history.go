package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarberg/loopd/internal/db"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show")
}

var historyCmd = &cobra.Command{
	Use:   "history <loop>",
	Short: "Show recent iteration records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := cmd.Context()
		entry, err := resolveLoop(ctx, database, args[0])
		if err != nil {
			return err
		}

		records, err := db.NewIterationRepository(database).ReadRecent(ctx, entry.ID, historyLimit)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, records)
		}

		if len(records) == 0 {
			fmt.Println("no iterations")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tSTATUS\tSTARTED\tDURATION\tOUTCOME")
		for _, it := range records {
			duration := "-"
			if it.FinishedAt != nil {
				duration = it.FinishedAt.Sub(it.StartedAt).Round(time.Second).String()
			}
			outcome := it.Outcome
			if len(outcome) > 60 {
				outcome = outcome[:57] + "..."
			}
			outcome = strings.ReplaceAll(outcome, "\n", " ")
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				it.Seq,
				colorize(string(it.Status), statusColor(it.Status)),
				it.StartedAt.Local().Format("2006-01-02 15:04:05"),
				duration,
				outcome,
			)
		}
		return w.Flush()
	},
}
