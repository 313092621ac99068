// Package loop drives supervised agent loops. The controller re-invokes the
// agent subprocess with a fixed prompt until it reports completion, the
// circuit breaker aborts the run, or a budget runs out. Everything the loop
// knows lives in the durable store; memory only ever holds derived state.
package loop

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarberg/loopd/internal/breaker"
	"github.com/tarberg/loopd/internal/config"
	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/gutter"
	"github.com/tarberg/loopd/internal/harness"
	"github.com/tarberg/loopd/internal/logging"
	"github.com/tarberg/loopd/internal/models"
	"github.com/tarberg/loopd/internal/ratelimit"
)

const (
	defaultOutputTailLines     = 60
	defaultControlPollInterval = 1 * time.Second

	// maxSleepSlice bounds every sleep so pending controls never wait
	// longer than this to be noticed.
	maxSleepSlice = 5 * time.Second
)

// ExecuteFunc runs one harness invocation and streams output to the writer.
type ExecuteFunc func(ctx context.Context, profile models.Profile, promptPath, promptContent, workDir string, output io.Writer) (harness.RunResult, error)

// Outcome describes how a run ended.
type Outcome struct {
	State  models.LoopState
	Reason string
}

// Controller supervises a single loop.
type Controller struct {
	DB                  *db.DB
	Config              *config.Config
	Logger              zerolog.Logger
	Exec                ExecuteFunc
	ControlPollInterval time.Duration
}

// NewController creates a Controller with default dependencies.
func NewController(database *db.DB, cfg *config.Config) *Controller {
	c := &Controller{
		DB:                  database,
		Config:              cfg,
		Logger:              logging.Component("loop"),
		ControlPollInterval: defaultControlPollInterval,
	}
	c.Exec = c.defaultExecute
	return c
}

// Run runs the loop until it completes, blocks, aborts, or is cancelled.
func (c *Controller) Run(ctx context.Context, loopID string) (Outcome, error) {
	return c.run(ctx, loopID, false)
}

// RunOnce runs a single iteration.
func (c *Controller) RunOnce(ctx context.Context, loopID string) (Outcome, error) {
	return c.run(ctx, loopID, true)
}

func (c *Controller) run(ctx context.Context, loopID string, once bool) (Outcome, error) {
	if c.DB == nil || c.Config == nil {
		return Outcome{}, errors.New("controller requires database and config")
	}
	if c.Exec == nil {
		c.Exec = c.defaultExecute
	}
	if c.ControlPollInterval <= 0 {
		c.ControlPollInterval = defaultControlPollInterval
	}

	loopRepo := db.NewLoopRepository(c.DB)
	iterRepo := db.NewIterationRepository(c.DB)
	guardrailRepo := db.NewGuardrailRepository(c.DB)
	controlRepo := db.NewControlRepository(c.DB)

	loop, err := loopRepo.Get(ctx, loopID)
	if err != nil {
		return Outcome{}, err
	}

	if err := c.ensureLoopPaths(ctx, loop, loopRepo); err != nil {
		return Outcome{}, err
	}

	logWriter, err := newLoopLogger(loop.LogPath)
	if err != nil {
		return Outcome{}, err
	}
	defer logWriter.Close()

	startedAt := loopStartedAt(loop.Metadata)
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
		setLoopStartedAt(loop, startedAt)
		_ = loopRepo.Update(ctx, loop)
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxCallsPerWindow: c.Config.RateLimit.MaxCallsPerWindow,
		WindowDuration:    c.Config.RateLimit.WindowDuration,
	})
	tracker := gutter.New(gutter.Config{
		Window:          c.Config.Gutter.Window,
		RepeatThreshold: c.Config.Gutter.RepeatThreshold,
		ThrashThreshold: c.Config.Gutter.ThrashThreshold,
	})
	brk := breaker.New(breaker.Config{
		CooldownDuration: c.Config.Breaker.CooldownDuration,
		AbortAfter:       c.Config.Breaker.AbortAfter,
		MaxIterations:    c.Config.Breaker.MaxIterations,
		MaxWallClock:     c.Config.Breaker.MaxWallClock,
	}, limiter, tracker, startedAt)

	nextSeq, err := rebuildDerivedState(ctx, iterRepo, loop.ID, limiter, tracker, brk,
		c.Config.RateLimit.MaxCallsPerWindow, c.Config.Gutter.Window, time.Now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	if nextSeq > 1 {
		logWriter.WriteLine(fmt.Sprintf("resumed from durable trail at seq %d", nextSeq))
	}

	profile := c.effectiveProfile()
	if err := profile.Validate(); err != nil {
		return Outcome{}, err
	}

	maxIterations := c.Config.Breaker.MaxIterations
	maxWallClock := c.Config.Breaker.MaxWallClock

	loop.State = models.LoopStateRunning
	loop.LastError = ""
	if err := loopRepo.Update(ctx, loop); err != nil {
		return Outcome{}, err
	}
	logWriter.WriteLine("loop started")
	c.Logger.Info().
		Str("loop", loop.Name).
		Str("repo", loop.RepoPath).
		Int("next_seq", nextSeq).
		Msg("loop started")

	for {
		if ctx.Err() != nil {
			logWriter.WriteLine("loop context cancelled")
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateStopped, Reason: "cancelled"}, ctx.Err())
		}

		plan, err := drainControls(ctx, controlRepo, loop.ID)
		if err != nil {
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateError, Reason: err.Error()}, err)
		}
		if plan.abort {
			logWriter.WriteLine("abort control received: " + plan.abortReason)
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateAborted, Reason: plan.abortReason}, nil)
		}
		if plan.budget != nil {
			maxIterations = plan.budget.MaxIterations
			maxWallClock = time.Duration(plan.budget.MaxWallClockSeconds) * time.Second
			brk.SetBudgets(maxIterations, maxWallClock)
			logWriter.WriteLine(fmt.Sprintf("budget updated: max_iterations=%d max_wall_clock=%s", maxIterations, maxWallClock))
		}
		if plan.resume {
			// The operator resumed, presumably after adding a guardrail.
			// Stale history must not condemn the probe immediately.
			tracker.Reset()
			brk.Resume()
		}
		if plan.pause {
			outcome, abort, err := c.pauseLoop(ctx, controlRepo, loopRepo, loop, plan, brk, tracker, logWriter)
			if err != nil || abort {
				return c.finish(ctx, loopRepo, loop, outcome, err)
			}
			continue
		}

		now := time.Now().UTC()
		if maxIterations > 0 && brk.Iterations() >= maxIterations {
			reason := fmt.Sprintf("iteration budget exhausted (%d)", maxIterations)
			logWriter.WriteLine(reason)
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateAborted, Reason: reason}, nil)
		}
		if maxWallClock > 0 && now.Sub(startedAt) >= maxWallClock {
			reason := fmt.Sprintf("wall clock budget exhausted (%s)", maxWallClock)
			logWriter.WriteLine(reason)
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateAborted, Reason: reason}, nil)
		}

		decision := brk.Evaluate(now)
		switch decision.Kind {
		case breaker.Abort:
			logWriter.WriteLine("breaker abort: " + decision.Reason)
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateAborted, Reason: decision.Reason}, nil)
		case breaker.Wait:
			if loop.State != models.LoopStateWaiting {
				loop.State = models.LoopStateWaiting
				loop.LastError = decision.Reason
				_ = loopRepo.Update(ctx, loop)
			}
			c.sleep(ctx, boundSleep(decision.Wait))
			continue
		}

		prompt, err := resolvePrompt(loop, c.Config.LoopDefaults.Prompt)
		if err != nil {
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateError, Reason: err.Error()}, err)
		}
		guardrails, err := guardrailRepo.List(ctx, loop.ID)
		if err != nil {
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateError, Reason: err.Error()}, err)
		}
		promptContent := appendGuardrails(prompt.Content, guardrails)

		if !limiter.RecordCall(now) {
			// The breaker said proceed but the window filled in between.
			// Loop back round; Evaluate will report the wait.
			continue
		}

		outcome, terminal, err := c.runIteration(ctx, loop, iterRepo, profile, prompt.Path, promptContent, nextSeq, brk, tracker, logWriter)
		if err != nil {
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateError, Reason: err.Error()}, err)
		}
		nextSeq++

		loop.State = models.LoopStateSleeping
		_ = loopRepo.Update(ctx, loop)

		if terminal {
			logWriter.WriteLine(fmt.Sprintf("loop finished: %s", outcome.State))
			return c.finish(ctx, loopRepo, loop, outcome, nil)
		}

		if once {
			return c.finish(ctx, loopRepo, loop, Outcome{State: models.LoopStateStopped, Reason: "single iteration"}, nil)
		}

		interval := time.Duration(loop.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = c.Config.LoopDefaults.Interval
		}
		c.sleepSliced(ctx, interval)
	}
}

// runIteration invokes the agent once and records the outcome. The returned
// error is fatal to the whole run; a failed iteration is not an error here.
func (c *Controller) runIteration(
	ctx context.Context,
	loop *models.Loop,
	iterRepo *db.IterationRepository,
	profile models.Profile,
	promptPath, promptContent string,
	seq int,
	brk *breaker.Breaker,
	tracker *gutter.Tracker,
	logWriter *loopLogger,
) (Outcome, bool, error) {
	transcriptPath := TranscriptPath(c.Config.Global.DataDir, loop.ID, seq)
	if err := os.MkdirAll(filepath.Dir(transcriptPath), 0o755); err != nil {
		return Outcome{}, false, err
	}
	transcript, err := os.OpenFile(transcriptPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Outcome{}, false, err
	}

	if profile.PromptMode == models.PromptModePath {
		path, err := c.writeRenderedPrompt(loop.ID, seq, promptContent)
		if err != nil {
			transcript.Close()
			return Outcome{}, false, err
		}
		promptPath = path
	}

	tail := newTailWriter(c.tailLines())
	output := io.MultiWriter(transcript, tail, logWriter)

	startedAt := time.Now().UTC()
	logWriter.WriteLine(fmt.Sprintf("iteration %d start", seq))

	result, execErr := c.Exec(ctx, profile, promptPath, promptContent, loop.RepoPath, output)
	transcript.Close()

	finishedAt := time.Now().UTC()
	signals := harness.ScanOutput(tail.String(), c.Config.Harness.DoneToken, c.Config.Harness.BlockedToken)

	record := &models.Iteration{
		LoopID:         loop.ID,
		Seq:            seq,
		Status:         iterationStatus(result, execErr, signals),
		PromptRef:      promptRef(promptContent),
		TranscriptPath: transcriptPath,
		StartedAt:      startedAt,
		FinishedAt:     &finishedAt,
		ExitCode:       &result.ExitCode,
	}
	if signals.Report != nil {
		record.Command = signals.Report.Command
		record.Outcome = signals.Report.Outcome
		record.FilesTouched = signals.Report.FilesTouched
		record.Progress = signals.Report.Progress
	}
	if record.Outcome == "" && execErr != nil {
		record.Outcome = execErr.Error()
	}
	if result.Launches > 1 {
		record.Metadata = map[string]any{"launch_attempts": result.Launches}
	}

	// The durable trail is the loop's memory. If it cannot be written the
	// run must stop rather than continue blind. Cancellation must not lose
	// the record either, so the write outlives the run context.
	if err := iterRepo.Append(context.WithoutCancel(ctx), record); err != nil {
		return Outcome{}, false, err
	}

	tracker.Observe(record)
	success := record.Status == models.IterationStatusSuccess
	brk.RecordResult(finishedAt, success)

	loop.LastRunAt = &finishedAt
	loop.LastExitCode = record.ExitCode
	loop.LastError = ""
	if !success {
		loop.LastError = record.Outcome
	}

	if err := appendLedgerEntry(loop, record, tail.String(), c.tailLines()); err != nil {
		logWriter.WriteLine(fmt.Sprintf("ledger append failed: %v", err))
	}

	logWriter.WriteLine(fmt.Sprintf("iteration %d finished: %s (exit %d)", seq, record.Status, result.ExitCode))

	if signals.Done {
		return Outcome{State: models.LoopStateCompleted, Reason: "completion token received"}, true, nil
	}
	if signals.Blocked {
		return Outcome{State: models.LoopStateBlocked, Reason: "blocked token received"}, true, nil
	}
	return Outcome{}, false, nil
}

// pauseLoop holds the loop in the paused state until the pause expires or a
// resume or abort control arrives. The second return value reports abort.
func (c *Controller) pauseLoop(
	ctx context.Context,
	controlRepo *db.ControlRepository,
	loopRepo *db.LoopRepository,
	loop *models.Loop,
	plan controlPlan,
	brk *breaker.Breaker,
	tracker *gutter.Tracker,
	logWriter *loopLogger,
) (Outcome, bool, error) {
	reason := plan.pauseReason
	if reason == "" {
		reason = "operator pause"
	}
	logWriter.WriteLine("paused: " + reason)

	loop.State = models.LoopStatePaused
	loop.LastError = reason
	_ = loopRepo.Update(ctx, loop)

	var deadline time.Time
	if !plan.pauseIndefinite {
		deadline = time.Now().UTC().Add(plan.pauseDuration)
	}

	for {
		if ctx.Err() != nil {
			return Outcome{State: models.LoopStateStopped, Reason: "cancelled"}, true, ctx.Err()
		}
		if !deadline.IsZero() && !time.Now().UTC().Before(deadline) {
			logWriter.WriteLine("pause expired")
			return Outcome{}, false, nil
		}

		next, err := drainControls(ctx, controlRepo, loop.ID)
		if err != nil {
			return Outcome{State: models.LoopStateError, Reason: err.Error()}, true, err
		}
		if next.abort {
			logWriter.WriteLine("abort control received while paused: " + next.abortReason)
			return Outcome{State: models.LoopStateAborted, Reason: next.abortReason}, true, nil
		}
		if next.resume {
			logWriter.WriteLine("resumed by operator")
			tracker.Reset()
			brk.Resume()
			return Outcome{}, false, nil
		}
		if next.pause {
			if next.pauseIndefinite {
				deadline = time.Time{}
			} else {
				deadline = time.Now().UTC().Add(next.pauseDuration)
			}
		}

		c.sleep(ctx, c.ControlPollInterval)
	}
}

func (c *Controller) finish(ctx context.Context, loopRepo *db.LoopRepository, loop *models.Loop, outcome Outcome, err error) (Outcome, error) {
	loop.State = outcome.State
	if outcome.Reason != "" && outcome.State != models.LoopStateCompleted {
		loop.LastError = outcome.Reason
	}
	_ = loopRepo.Update(context.WithoutCancel(ctx), loop)
	c.Logger.Info().
		Str("loop", loop.Name).
		Str("state", string(outcome.State)).
		Str("reason", outcome.Reason).
		Msg("loop finished")
	return outcome, err
}

func (c *Controller) effectiveProfile() models.Profile {
	profile := c.Config.Harness.Profile
	if profile.CommandTemplate == "" {
		profile.CommandTemplate = harness.DefaultCommandTemplate(profile.Harness, profile.Model)
	}
	if profile.PromptMode == "" {
		profile.PromptMode = harness.DefaultPromptMode(profile.Harness)
	}
	return profile
}

func (c *Controller) writeRenderedPrompt(loopID string, seq int, content string) (string, error) {
	dir := filepath.Join(c.Config.Global.DataDir, "prompts", loopID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("iter-%06d.md", seq))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Controller) ensureLoopPaths(ctx context.Context, loop *models.Loop, repo *db.LoopRepository) error {
	updated := false
	if loop.LogPath == "" {
		path := LogPath(c.Config.Global.DataDir, loop.Name, loop.ID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		loop.LogPath = path
		updated = true
	} else {
		if err := os.MkdirAll(filepath.Dir(loop.LogPath), 0o755); err != nil {
			return err
		}
	}
	if loop.LedgerPath == "" {
		path := LedgerPath(loop.RepoPath, loop.Name, loop.ID)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		loop.LedgerPath = path
		updated = true
	}
	if updated {
		if err := repo.Update(ctx, loop); err != nil {
			return err
		}
	}

	return ensureLedgerFile(loop)
}

func (c *Controller) defaultExecute(ctx context.Context, profile models.Profile, promptPath, promptContent, workDir string, output io.Writer) (harness.RunResult, error) {
	runner := harness.NewRunner()
	return runner.Run(ctx, profile, promptPath, promptContent, harness.RunOptions{
		WorkDir:            workDir,
		Output:             output,
		Timeout:            c.Config.Harness.IterationTimeout,
		LaunchRetryLimit:   c.Config.Harness.LaunchRetryLimit,
		LaunchRetryBackoff: c.Config.Harness.LaunchRetryBackoff,
	})
}

func (c *Controller) tailLines() int {
	if c.Config.Harness.OutputTailLines > 0 {
		return c.Config.Harness.OutputTailLines
	}
	return defaultOutputTailLines
}

func (c *Controller) sleep(ctx context.Context, duration time.Duration) {
	if duration <= 0 {
		return
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// sleepSliced sleeps in bounded slices so cancellation and controls stay
// responsive across long intervals.
func (c *Controller) sleepSliced(ctx context.Context, duration time.Duration) {
	deadline := time.Now().Add(duration)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return
		}
		c.sleep(ctx, boundSleep(remaining))
	}
}

func boundSleep(d time.Duration) time.Duration {
	if d > maxSleepSlice {
		return maxSleepSlice
	}
	return d
}

func iterationStatus(result harness.RunResult, execErr error, signals harness.Signals) models.IterationStatus {
	if result.TimedOut {
		return models.IterationStatusTimeout
	}
	if signals.Blocked {
		return models.IterationStatusBlocked
	}
	if execErr != nil || result.ExitCode != 0 {
		return models.IterationStatusError
	}
	return models.IterationStatusSuccess
}

func promptRef(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum[:8])
}

func loopStartedAt(metadata map[string]any) time.Time {
	if metadata == nil {
		return time.Time{}
	}
	value, ok := metadata["started_at"]
	if !ok {
		return time.Time{}
	}
	if s, ok := value.(string); ok {
		parsed, err := time.Parse(time.RFC3339, s)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func setLoopStartedAt(loop *models.Loop, startedAt time.Time) {
	if loop.Metadata == nil {
		loop.Metadata = make(map[string]any)
	}
	loop.Metadata["started_at"] = startedAt.UTC().Format(time.RFC3339)
}
