package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/models"
)

var guardrailPattern string

func init() {
	rootCmd.AddCommand(guardrailCmd)
	guardrailCmd.AddCommand(guardrailAddCmd)
	guardrailCmd.AddCommand(guardrailListCmd)

	guardrailAddCmd.Flags().StringVar(&guardrailPattern, "pattern", "", "action pattern the lesson applies to")
}

var guardrailCmd = &cobra.Command{
	Use:   "guardrail",
	Short: "Manage guardrail entries",
	Long: `Guardrails are accumulated lessons fed into every prompt, so the
agent keeps them across context resets. They are append-only; a bad
guardrail is superseded by a newer one, never edited.`,
}

var guardrailAddCmd = &cobra.Command{
	Use:   "add <loop> <note>",
	Short: "Add a guardrail entry",
	Args:  cobra.MinimumNArgs(2),
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

		guardrail := &models.Guardrail{
			LoopID:  entry.ID,
			Pattern: guardrailPattern,
			Note:    strings.Join(args[1:], " "),
		}
		if err := db.NewGuardrailRepository(database).Append(ctx, guardrail); err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, guardrail)
		}
		fmt.Printf("guardrail added to %s\n", entry.Name)
		return nil
	},
}

var guardrailListCmd = &cobra.Command{
	Use:   "list <loop>",
	Short: "List guardrail entries",
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

		guardrails, err := db.NewGuardrailRepository(database).List(ctx, entry.ID)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return WriteOutput(os.Stdout, guardrails)
		}

		if len(guardrails) == 0 {
			fmt.Println("no guardrails")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tPATTERN\tNOTE")
		for _, g := range guardrails {
			pattern := g.Pattern
			if pattern == "" {
				pattern = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				g.CreatedAt.Local().Format("2006-01-02 15:04"),
				pattern,
				g.Note,
			)
		}
		return w.Flush()
	},
}
