package harness

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarberg/loopd/internal/logging"
	"github.com/tarberg/loopd/internal/models"
)

// RunOptions controls a single harness run.
type RunOptions struct {
	// WorkDir is the working directory for the subprocess.
	WorkDir string

	// Output receives combined stdout and stderr as it streams.
	Output io.Writer

	// Timeout bounds the iteration. Zero means no timeout.
	Timeout time.Duration

	// LaunchRetryLimit is how many times a failed launch is retried.
	// Failures after the process has started are never retried here; the
	// loop's own machinery decides what a failed iteration means.
	LaunchRetryLimit int

	// LaunchRetryBackoff is the initial backoff between launch attempts.
	// It doubles on each retry.
	LaunchRetryBackoff time.Duration
}

// RunResult describes a finished harness run.
type RunResult struct {
	ExitCode int
	TimedOut bool
	Launches int
}

// ErrLaunchFailed marks a subprocess that never started, after exhausting
// launch retries.
var ErrLaunchFailed = errors.New("harness launch failed")

// Runner executes harness invocations.
type Runner struct {
	logger zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{logger: logging.Component("harness")}
}

// Run invokes the agent subprocess once, retrying only launch failures with
// exponential backoff.
func (r *Runner) Run(ctx context.Context, profile models.Profile, promptPath, promptContent string, opts RunOptions) (RunResult, error) {
	backoff := opts.LaunchRetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	result := RunResult{ExitCode: -1}
	var launchErr error

	for attempt := 0; attempt <= opts.LaunchRetryLimit; attempt++ {
		if attempt > 0 {
			r.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(launchErr).
				Msg("retrying harness launch")
			if !sleepCtx(ctx, backoff) {
				return result, ctx.Err()
			}
			backoff *= 2
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}

		execution, err := BuildExecution(runCtx, profile, promptPath, promptContent)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return result, err
		}
		execution.Cmd.Dir = opts.WorkDir
		execution.Cmd.Stdout = opts.Output
		execution.Cmd.Stderr = opts.Output

		if err := execution.Cmd.Start(); err != nil {
			if cancel != nil {
				cancel()
			}
			launchErr = err
			continue
		}

		result.Launches = attempt + 1
		err = execution.Cmd.Wait()
		if cancel != nil {
			cancel()
		}

		result.ExitCode = exitCodeFromError(err)
		if opts.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
		}
		return result, err
	}

	return result, errors.Join(ErrLaunchFailed, launchErr)
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
