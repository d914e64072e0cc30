package deploy

import (
	"context"
	"strconv"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// enableAccess exposes the instance on its public URL.
func (h *Handlers) enableAccess(ctx context.Context, run *stepRun) (*StepResult, error) {
	handle, err := run.handle()
	if err != nil {
		return nil, err
	}
	if err := h.provider.SetPublicAccess(ctx, handle, true); err != nil {
		return nil, err
	}
	return run.forward(), nil
}

// finalize moves the box to running with its public URL.
func (h *Handlers) finalize(ctx context.Context, run *stepRun) (*StepResult, error) {
	result := run.forward()
	if err := h.store.FinalizeBox(ctx, run.box.ID, run.data.Attempt, result.URL); err != nil {
		if engine.IsInvalidStatus(err) {
			return nil, workflow.ErrCancelFlow
		}
		return nil, err
	}

	h.metrics.RecordDeployFinished("succeeded", h.attemptDuration(ctx, run))
	entry := &engine.AuditEntry{
		Timestamp: time.Now().UTC(),
		Actor:     "system",
		Action:    "box.deployed",
		Entity:    "box",
		EntityID:  run.box.ID,
		Details: map[string]string{
			"attempt": strconv.Itoa(run.data.Attempt),
			"url":     result.URL,
		},
	}
	if err := h.store.AppendAudit(ctx, entry); err != nil {
		h.logger.Warn().Err(err).Str("box_id", run.box.ID).Msg("Failed to write audit entry")
	}
	h.logger.Info().
		Str("box_id", run.box.ID).
		Int("attempt", run.data.Attempt).
		Str("url", result.URL).
		Msg("Box is running")
	return result, nil
}
