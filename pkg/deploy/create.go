package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// InstanceName is the provider-side name of the instance of one attempt.
// Providers key CreateInstance idempotency on it.
func InstanceName(box *engine.Box, attempt int) string {
	return fmt.Sprintf("froyobox-%s-%d", box.Subdomain, attempt)
}

// createInstance provisions the instance of this attempt and records its
// handle on the box.
func (h *Handlers) createInstance(ctx context.Context, run *stepRun) (*StepResult, error) {
	box := run.box
	if run.data.Attempt > 1 {
		h.removePreviousInstance(ctx, run)
	}

	inst, err := h.provider.CreateInstance(ctx, providers.InstanceSpec{
		Name:      InstanceName(box, run.data.Attempt),
		BoxID:     box.ID,
		Subdomain: box.Subdomain,
		Image:     h.cfg.Image,
		Env: map[string]string{
			"FROYOBOX_BOX_ID":    box.ID,
			"FROYOBOX_SUBDOMAIN": box.Subdomain,
		},
		Labels: map[string]string{
			"froyobox.box-id":  box.ID,
			"froyobox.owner":   box.OwnerID,
			"froyobox.attempt": strconv.Itoa(run.data.Attempt),
		},
	})
	if err != nil {
		return nil, err
	}

	if err := h.store.SetInstance(ctx, box.ID, run.data.Attempt, inst.Handle); err != nil {
		if !engine.IsInvalidStatus(err) {
			return nil, err
		}
		// The box was deleted or redeployed while the instance was being
		// created; nobody will ever reference this instance.
		if derr := h.provider.DeleteInstance(context.WithoutCancel(ctx), inst.Handle); derr != nil {
			h.logger.Warn().Err(derr).Str("handle", inst.Handle).Msg("Failed to remove orphaned instance")
		}
		return nil, workflow.ErrCancelFlow
	}

	return &StepResult{Handle: inst.Handle, URL: inst.URL}, nil
}

// removePreviousInstance deletes the instance created by the previous
// attempt, if any. Failures are logged; a leftover instance does not block a
// retry.
func (h *Handlers) removePreviousInstance(ctx context.Context, run *stepRun) {
	prev, err := h.store.GetStep(ctx, run.box.ID, run.data.Attempt-1, engine.StepCreateInstance)
	if err != nil || len(prev.Output) == 0 {
		return
	}
	var result StepResult
	if err := json.Unmarshal(prev.Output, &result); err != nil || result.Handle == "" {
		return
	}

	if err := h.provider.DeleteInstance(ctx, result.Handle); err != nil {
		h.logger.Warn().Err(err).
			Str("box_id", run.box.ID).
			Str("handle", result.Handle).
			Msg("Failed to remove instance of previous attempt")
		return
	}
	h.logger.Info().
		Str("box_id", run.box.ID).
		Str("handle", result.Handle).
		Int("attempt", run.data.Attempt-1).
		Msg("Removed instance of previous attempt")
}
