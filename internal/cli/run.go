package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/loop"
	"github.com/tarberg/loopd/internal/models"
)

var (
	runRepo          string
	runPrompt        string
	runInterval      time.Duration
	runOnce          bool
	runMaxIterations int
	runMaxWallClock  time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runRepo, "repo", "", "repository path (default: current directory)")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "prompt file path, relative to the repo")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "sleep between iterations")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single iteration and exit")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration budget (0 = unlimited)")
	runCmd.Flags().DurationVar(&runMaxWallClock, "max-wall-clock", 0, "wall clock budget (0 = unlimited)")
}

var runCmd = &cobra.Command{
	Use:   "run <loop>",
	Short: "Run a supervised agent loop",
	Long: `Run starts the supervisor for the named loop, creating it on first
use. The loop keeps invoking the agent until it emits the completion
token, reports being blocked, a budget runs out, or an operator aborts.

Exit codes: 0 completed, 1 error, 2 aborted, 3 blocked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		entry, err := ensureLoop(ctx, database, args[0])
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("max-iterations") {
			appConfig.Breaker.MaxIterations = runMaxIterations
		}
		if cmd.Flags().Changed("max-wall-clock") {
			appConfig.Breaker.MaxWallClock = runMaxWallClock
		}

		controller := loop.NewController(database, appConfig)

		var outcome loop.Outcome
		if runOnce {
			outcome, err = controller.RunOnce(ctx, entry.ID)
		} else {
			outcome, err = controller.Run(ctx, entry.ID)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		if IsJSONOutput() {
			if err := WriteOutput(os.Stdout, outcome); err != nil {
				return err
			}
		} else {
			fmt.Printf("loop %s: %s", entry.Name, colorize(string(outcome.State), stateColor(outcome.State)))
			if outcome.Reason != "" {
				fmt.Printf(" (%s)", outcome.Reason)
			}
			fmt.Println()
		}

		switch outcome.State {
		case models.LoopStateAborted:
			return &ExitError{Code: 2, Err: errors.New(outcome.Reason), Printed: true}
		case models.LoopStateBlocked:
			return &ExitError{Code: 3, Err: errors.New(outcome.Reason), Printed: true}
		case models.LoopStateError:
			return &ExitError{Code: 1, Err: errors.New(outcome.Reason), Printed: true}
		}
		return nil
	},
}

func ensureLoop(ctx context.Context, database *db.DB, name string) (*models.Loop, error) {
	repo := db.NewLoopRepository(database)

	entry, err := repo.GetByName(ctx, name)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, db.ErrLoopNotFound) {
		return nil, err
	}

	repoPath := runRepo
	if repoPath == "" {
		repoPath, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}

	entry = &models.Loop{
		Name:            name,
		RepoPath:        repoPath,
		PromptPath:      runPrompt,
		IntervalSeconds: int(runInterval.Seconds()),
	}
	if err := repo.Create(ctx, entry); err != nil {
		return nil, err
	}

	logger.Info().Str("loop", name).Str("repo", repoPath).Msg("created loop")
	return entry, nil
}
