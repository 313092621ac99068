package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/models"
)

// controlPlan is the net effect of draining the pending control queue.
// Items apply in arrival order, so a resume after a pause cancels it.
type controlPlan struct {
	pause           bool
	pauseDuration   time.Duration
	pauseReason     string
	pauseIndefinite bool
	resume          bool
	abort           bool
	abortReason     string
	budget          *models.BudgetPayload
}

func drainControls(ctx context.Context, repo *db.ControlRepository, loopID string) (controlPlan, error) {
	var plan controlPlan

	items, err := repo.ListPending(ctx, loopID)
	if err != nil {
		return plan, err
	}

	for _, item := range items {
		if err := applyControl(&plan, item); err != nil {
			_ = repo.MarkFailed(ctx, item.ID, err.Error())
			continue
		}
		_ = repo.MarkApplied(ctx, item.ID)
	}

	return plan, nil
}

func applyControl(plan *controlPlan, item *models.ControlItem) error {
	switch item.Type {
	case models.ControlPause:
		var payload models.PausePayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("invalid pause payload: %w", err)
		}
		plan.pause = true
		plan.resume = false
		plan.pauseDuration = time.Duration(payload.DurationSeconds) * time.Second
		plan.pauseIndefinite = payload.DurationSeconds == 0
		plan.pauseReason = payload.Reason

	case models.ControlResume:
		var payload models.ResumePayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("invalid resume payload: %w", err)
		}
		plan.resume = true
		plan.pause = false
		plan.pauseIndefinite = false

	case models.ControlAbort:
		var payload models.AbortPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("invalid abort payload: %w", err)
		}
		plan.abort = true
		plan.abortReason = payload.Reason
		if plan.abortReason == "" {
			plan.abortReason = "operator abort"
		}

	case models.ControlSetBudget:
		var payload models.BudgetPayload
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("invalid set_budget payload: %w", err)
		}
		plan.budget = &payload

	default:
		return fmt.Errorf("unknown control type %q", item.Type)
	}

	return nil
}
