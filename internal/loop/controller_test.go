package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tarberg/loopd/internal/config"
	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/harness"
	"github.com/tarberg/loopd/internal/models"
)

func setupController(t *testing.T) (*Controller, *db.DB, *models.Loop) {
	t.Helper()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	repoDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoDir, "PROMPT.md"), []byte("fix the failing tests"), 0o644); err != nil {
		t.Fatalf("failed to write prompt: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Global.DataDir = t.TempDir()
	cfg.Breaker.CooldownDuration = 10 * time.Millisecond
	cfg.Harness.Profile = models.Profile{
		Harness:         models.HarnessGeneric,
		PromptMode:      models.PromptModeEnv,
		CommandTemplate: "true",
	}
	cfg.LoopDefaults.Interval = time.Millisecond

	loop := &models.Loop{
		Name:     "test-loop",
		RepoPath: repoDir,
	}
	if err := db.NewLoopRepository(database).Create(context.Background(), loop); err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	controller := NewController(database, cfg)
	controller.ControlPollInterval = time.Millisecond
	return controller, database, loop
}

func scriptedExec(outputs ...string) ExecuteFunc {
	call := 0
	return func(ctx context.Context, profile models.Profile, promptPath, promptContent, workDir string, output io.Writer) (harness.RunResult, error) {
		text := outputs[len(outputs)-1]
		if call < len(outputs) {
			text = outputs[call]
		}
		call++
		fmt.Fprintln(output, text)
		return harness.RunResult{ExitCode: 0, Launches: 1}, nil
	}
}

func TestControllerCompletes(t *testing.T) {
	controller, database, loop := setupController(t)
	controller.Exec = scriptedExec(
		`LOOP_REPORT {"command":"go test ./...","outcome":"one failure fixed","progress":true}`,
		"LOOP_COMPLETE",
	)

	outcome, err := controller.Run(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.State != models.LoopStateCompleted {
		t.Fatalf("expected completed, got %q (%s)", outcome.State, outcome.Reason)
	}

	records, err := db.NewIterationRepository(database).ReadRecent(context.Background(), loop.ID, 10)
	if err != nil {
		t.Fatalf("ReadRecent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 iteration records, got %d", len(records))
	}
	if records[1].Command != "go test ./..." {
		t.Fatalf("expected report fields recorded, got command %q", records[1].Command)
	}
	if !records[1].Progress {
		t.Fatalf("expected progress recorded from report")
	}

	stored, err := db.NewLoopRepository(database).Get(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("Get loop failed: %v", err)
	}
	if stored.State != models.LoopStateCompleted {
		t.Fatalf("expected loop state completed, got %q", stored.State)
	}
}

func TestControllerBlocked(t *testing.T) {
	controller, database, loop := setupController(t)
	controller.Exec = scriptedExec("LOOP_BLOCKED: need credentials")

	outcome, err := controller.Run(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.State != models.LoopStateBlocked {
		t.Fatalf("expected blocked, got %q", outcome.State)
	}

	records, _ := db.NewIterationRepository(database).ReadRecent(context.Background(), loop.ID, 1)
	if len(records) != 1 || records[0].Status != models.IterationStatusBlocked {
		t.Fatalf("expected blocked iteration record")
	}
}

func TestControllerRunOnce(t *testing.T) {
	controller, database, loop := setupController(t)
	controller.Exec = scriptedExec("still working")

	outcome, err := controller.RunOnce(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if outcome.State != models.LoopStateStopped {
		t.Fatalf("expected stopped after single run, got %q", outcome.State)
	}

	count, err := db.NewIterationRepository(database).Count(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}
}

func TestControllerGuardrailsInPrompt(t *testing.T) {
	controller, database, loop := setupController(t)

	guardrail := &models.Guardrail{
		LoopID: loop.ID,
		Note:   "never touch the generated files",
	}
	if err := db.NewGuardrailRepository(database).Append(context.Background(), guardrail); err != nil {
		t.Fatalf("Append guardrail failed: %v", err)
	}

	var seenPrompt string
	controller.Exec = func(ctx context.Context, profile models.Profile, promptPath, promptContent, workDir string, output io.Writer) (harness.RunResult, error) {
		seenPrompt = promptContent
		fmt.Fprintln(output, "LOOP_COMPLETE")
		return harness.RunResult{ExitCode: 0, Launches: 1}, nil
	}

	if _, err := controller.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(seenPrompt, "never touch the generated files") {
		t.Fatalf("expected guardrail note in prompt, got %q", seenPrompt)
	}
	if !strings.Contains(seenPrompt, "fix the failing tests") {
		t.Fatalf("expected base prompt content, got %q", seenPrompt)
	}
}

func TestControllerIterationBudgetAborts(t *testing.T) {
	controller, _, loop := setupController(t)
	controller.Config.Breaker.MaxIterations = 2
	controller.Exec = scriptedExec("still going")

	outcome, err := controller.Run(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.State != models.LoopStateAborted {
		t.Fatalf("expected aborted on budget, got %q (%s)", outcome.State, outcome.Reason)
	}
	if !strings.Contains(outcome.Reason, "iteration budget") {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}
}

func TestControllerAbortControl(t *testing.T) {
	controller, database, loop := setupController(t)
	controller.Exec = scriptedExec("still going")

	payload, _ := json.Marshal(models.AbortPayload{Reason: "operator said stop"})
	item := &models.ControlItem{Type: models.ControlAbort, Payload: payload}
	if err := db.NewControlRepository(database).Enqueue(context.Background(), loop.ID, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	outcome, err := controller.Run(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.State != models.LoopStateAborted {
		t.Fatalf("expected aborted, got %q", outcome.State)
	}
	if outcome.Reason != "operator said stop" {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}
}

func TestControllerResumeAppendsAfterCrash(t *testing.T) {
	controller, database, loop := setupController(t)

	// Simulate a pre-crash trail.
	iterRepo := db.NewIterationRepository(database)
	for seq := 1; seq <= 2; seq++ {
		finished := time.Now().UTC()
		code := 0
		if err := iterRepo.Append(context.Background(), &models.Iteration{
			LoopID:     loop.ID,
			Seq:        seq,
			Status:     models.IterationStatusSuccess,
			StartedAt:  time.Now().UTC().Add(-time.Minute),
			FinishedAt: &finished,
			ExitCode:   &code,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	controller.Exec = scriptedExec("LOOP_COMPLETE")
	if _, err := controller.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	maxSeq, err := iterRepo.MaxSeq(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if maxSeq != 3 {
		t.Fatalf("expected resume to continue at seq 3, got max seq %d", maxSeq)
	}
}

func TestControllerLedgerWritten(t *testing.T) {
	controller, database, loop := setupController(t)
	controller.Exec = scriptedExec("LOOP_COMPLETE")

	if _, err := controller.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stored, err := db.NewLoopRepository(database).Get(context.Background(), loop.ID)
	if err != nil {
		t.Fatalf("Get loop failed: %v", err)
	}
	data, err := os.ReadFile(stored.LedgerPath)
	if err != nil {
		t.Fatalf("expected ledger file: %v", err)
	}
	if !strings.Contains(string(data), "Iteration 1") {
		t.Fatalf("expected iteration entry in ledger, got %q", string(data))
	}
}
