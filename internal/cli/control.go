package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/models"
)

var (
	pauseFor    time.Duration
	pauseReason string
	abortReason string
	budgetIters int
	budgetWall  time.Duration
)

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(setBudgetCmd)

	pauseCmd.Flags().DurationVar(&pauseFor, "for", 0, "pause duration (0 = until resumed)")
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "why the loop is being paused")
	abortCmd.Flags().StringVar(&abortReason, "reason", "", "why the loop is being aborted")
	setBudgetCmd.Flags().IntVar(&budgetIters, "max-iterations", 0, "iteration budget (0 = unlimited)")
	setBudgetCmd.Flags().DurationVar(&budgetWall, "max-wall-clock", 0, "wall clock budget (0 = unlimited)")
}

var pauseCmd = &cobra.Command{
	Use:   "pause <loop>",
	Short: "Pause a running loop",
	Long: `Pause enqueues a pause control for the loop. The supervisor picks it
up between iterations; the current iteration is never interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueControl(cmd.Context(), args[0], models.ControlPause, models.PausePayload{
			DurationSeconds: int(pauseFor.Seconds()),
			Reason:          pauseReason,
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <loop>",
	Short: "Resume a paused loop",
	Long: `Resume enqueues a resume control. If the loop opened its circuit
breaker, the next iteration runs as a single probe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueControl(cmd.Context(), args[0], models.ControlResume, models.ResumePayload{})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <loop>",
	Short: "Abort a running loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueControl(cmd.Context(), args[0], models.ControlAbort, models.AbortPayload{
			Reason: abortReason,
		})
	},
}

var setBudgetCmd = &cobra.Command{
	Use:   "set-budget <loop>",
	Short: "Override iteration and wall clock budgets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueControl(cmd.Context(), args[0], models.ControlSetBudget, models.BudgetPayload{
			MaxIterations:       budgetIters,
			MaxWallClockSeconds: int(budgetWall.Seconds()),
		})
	},
}

func enqueueControl(ctx context.Context, ref string, controlType models.ControlType, payload any) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	entry, err := resolveLoop(ctx, database, ref)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal control payload: %w", err)
	}

	item := &models.ControlItem{
		LoopID:  entry.ID,
		Type:    controlType,
		Payload: raw,
	}
	if err := db.NewControlRepository(database).Enqueue(ctx, entry.ID, item); err != nil {
		return err
	}

	if IsJSONOutput() {
		return WriteOutput(os.Stdout, item)
	}
	fmt.Printf("%s queued for loop %s\n", controlType, entry.Name)
	return nil
}
