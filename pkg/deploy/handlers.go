package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/catalog"
	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
	"github.com/openfroyo/froyobox/pkg/telemetry"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// Store is the persistence the deploy package needs.
type Store interface {
	engine.BoxRegistry
	engine.StepLedger
	engine.AuditLog
}

// StepResult is the JSON result of every step. The instance handle and URL
// are forwarded by every step so any node can reach the instance through its
// direct dependencies.
type StepResult struct {
	Handle string `json:"handle,omitempty"`
	URL    string `json:"url,omitempty"`

	// Skill is set by install-skill nodes.
	Skill string `json:"skill,omitempty"`

	// Failed marks a recorded failure that does not fail the node.
	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`

	// Skipped is set when a skill check found it already installed.
	Skipped bool `json:"skipped,omitempty"`

	// Installed and FailedSkills are aggregated by the skills gate.
	Installed    []string `json:"installed,omitempty"`
	FailedSkills []string `json:"failed_skills,omitempty"`

	// Polls is the number of status polls of the health check.
	Polls int `json:"polls,omitempty"`
}

// stepRun is what a step function sees.
type stepRun struct {
	box  *engine.Box
	data JobData
	job  *workflow.Job
	in   StepResult
}

type stepFunc func(ctx context.Context, run *stepRun) (*StepResult, error)

// Handlers executes deploy steps. Every handler checks that the box is still
// live for its attempt, claims its ledger row, performs one idempotent
// provider action, and records the outcome.
type Handlers struct {
	store    Store
	provider providers.Provider
	catalog  *catalog.Catalog
	env      *catalog.EnvEvaluator
	cfg      Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	// sleep waits between health polls; now measures the health deadline.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewHandlers creates the step handlers.
func NewHandlers(store Store, provider providers.Provider, cat *catalog.Catalog, env *catalog.EnvEvaluator, cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Handlers {
	cfg.applyDefaults()
	if env == nil {
		env = catalog.NewEnvEvaluator(0)
	}
	return &Handlers{
		store:    store,
		provider: provider,
		catalog:  cat,
		env:      env,
		cfg:      cfg,
		logger:   logger.With().Str("component", "deploy-steps").Logger(),
		metrics:  metrics,
		tracer:   tracer,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Register binds one handler per step kind to the workflow engine. The
// concurrency of each queue comes from the engine configuration.
func (h *Handlers) Register(wf *workflow.Engine) error {
	queues := map[string]stepFunc{
		string(StageCreateInstance): h.createInstance,
		string(StageSetup):          h.setup,
		string(StageHealthCheck):    h.healthCheck,
		string(StageInstallSkills):  h.installSkill,
		string(StageSkillsGate):     h.skillsGate,
		string(StageEnableAccess):   h.enableAccess,
		string(StageFinalize):       h.finalize,
	}
	for queue, fn := range queues {
		if err := wf.Register(queue, h.wrap(fn), 0); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", queue, err)
		}
	}
	return nil
}

// wrap turns a step function into a workflow handler.
func (h *Handlers) wrap(fn stepFunc) workflow.Handler {
	return func(ctx context.Context, job *workflow.Job) (json.RawMessage, error) {
		var data JobData
		if err := json.Unmarshal(job.Data, &data); err != nil {
			return nil, engine.NewPermanentError("invalid job data", err).WithCode(engine.ErrCodeInternal)
		}
		logger := h.logger.With().
			Str("box_id", data.BoxID).
			Int("attempt", data.Attempt).
			Str("step", string(data.StepKey)).
			Int("job_attempt", job.Attempt).
			Logger()

		box, err := h.store.GetBox(ctx, data.BoxID)
		if engine.IsNotFound(err) {
			logger.Info().Msg("Box is gone, abandoning deployment")
			return nil, workflow.ErrCancelFlow
		}
		if err != nil {
			return nil, err
		}
		if !box.IsLiveFor(data.Attempt) {
			logger.Info().
				Str("status", string(box.Status)).
				Int("current_attempt", box.DeploymentAttempt).
				Msg("Box is no longer live for this attempt, abandoning deployment")
			return nil, workflow.ErrCancelFlow
		}

		row, err := h.store.CreateStep(ctx, &engine.DeployStep{
			BoxID:             data.BoxID,
			DeploymentAttempt: data.Attempt,
			StepKey:           data.StepKey,
			Order:             data.Order,
		})
		if err != nil {
			return nil, err
		}
		if row.Status == engine.StepStatusCompleted {
			logger.Debug().Msg("Step already completed, returning recorded output")
			return row.Output, nil
		}
		if err := h.store.UpdateStep(ctx, row.ID, engine.StepUpdate{Status: engine.StepStatusRunning}); err != nil {
			return nil, err
		}

		in, err := mergeInputs(job.DependencyResults)
		run := &stepRun{box: box, data: data, job: job, in: in}
		if err != nil {
			return nil, h.recordFailure(context.WithoutCancel(ctx), logger, run, row.ID, data.StepKey.Kind(), 0, err)
		}

		stepCtx, span := h.tracer.StartStepSpan(ctx, data.BoxID, data.Attempt, string(data.StepKey))
		start := time.Now()
		result, err := fn(stepCtx, run)
		telemetry.End(span, err)
		duration := time.Since(start)
		kind := data.StepKey.Kind()

		if errors.Is(err, workflow.ErrCancelFlow) {
			h.recordCancelled(context.WithoutCancel(ctx), logger, run, row.ID)
			return nil, err
		}
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			logger.Info().Err(err).Msg("Step interrupted by flow cancellation")
			h.recordCancelled(context.WithoutCancel(ctx), logger, run, row.ID)
			return nil, workflow.ErrCancelFlow
		}
		if err != nil {
			return nil, h.recordFailure(context.WithoutCancel(ctx), logger, run, row.ID, kind, duration, err)
		}

		output, merr := json.Marshal(result)
		if merr != nil {
			return nil, engine.InternalError("failed to encode step result", merr)
		}

		if result.Failed {
			// Recorded as failed on the ledger, but the node succeeds so the
			// gate can aggregate it.
			msg := result.Error
			if err := h.store.UpdateStep(ctx, row.ID, engine.StepUpdate{Status: engine.StepStatusFailed, Message: &msg, Output: output}); err != nil {
				return nil, err
			}
			h.metrics.RecordStep(kind, string(engine.StepStatusFailed), duration)
			logger.Warn().Str("error", msg).Msg("Step failed, continuing")
			return output, nil
		}

		if err := h.store.UpdateStep(ctx, row.ID, engine.StepUpdate{Status: engine.StepStatusCompleted, Output: output}); err != nil {
			return nil, err
		}
		h.metrics.RecordStep(kind, string(engine.StepStatusCompleted), duration)
		logger.Info().Dur("duration", duration).Msg("Step completed")
		return output, nil
	}
}

// recordFailure writes a failed step. A failure that the engine will retry
// only annotates the row; a final failure marks the row failed and moves the
// box to error with a message naming the step.
func (h *Handlers) recordFailure(ctx context.Context, logger zerolog.Logger, run *stepRun, rowID, kind string, duration time.Duration, stepErr error) error {
	msg := stepErr.Error()
	final := run.job.IsFinalAttempt() || !engine.IsRetryable(stepErr)

	if !final {
		note := fmt.Sprintf("attempt %d/%d failed, retrying: %s", run.job.Attempt, run.job.MaxAttempts, msg)
		if err := h.store.UpdateStep(ctx, rowID, engine.StepUpdate{Status: engine.StepStatusPending, Message: &note}); err != nil {
			logger.Warn().Err(err).Msg("Failed to annotate step retry")
		}
		logger.Warn().Err(stepErr).Msg("Step failed, engine will retry")
		return stepErr
	}

	if err := h.store.UpdateStep(ctx, rowID, engine.StepUpdate{Status: engine.StepStatusFailed, Message: &msg}); err != nil {
		logger.Error().Err(err).Msg("Failed to record step failure")
	}
	h.metrics.RecordStep(kind, string(engine.StepStatusFailed), duration)

	boxMsg := fmt.Sprintf("%s failed: %s", run.data.StepKey, msg)
	if err := h.store.FailDeployment(ctx, run.box.ID, run.data.Attempt, boxMsg); err != nil {
		logger.Error().Err(err).Msg("Failed to move box to error")
	}
	h.metrics.RecordDeployFinished("failed", h.attemptDuration(ctx, run))
	logger.Error().Err(stepErr).Msg("Step failed, deployment stopped")

	return stepErr
}

// recordCancelled closes the ledger row of a step whose flow was abandoned,
// so no row of a dead attempt stays running. The box is left untouched.
func (h *Handlers) recordCancelled(ctx context.Context, logger zerolog.Logger, run *stepRun, rowID string) {
	msg := "cancelled"
	box, err := h.store.GetBox(ctx, run.box.ID)
	switch {
	case engine.IsNotFound(err), err == nil && box.Status == engine.BoxStatusDeleted:
		msg = "cancelled: box deleted"
	case err == nil && box.DeploymentAttempt != run.data.Attempt:
		msg = fmt.Sprintf("cancelled: superseded by attempt %d", box.DeploymentAttempt)
	}
	if err := h.store.UpdateStep(ctx, rowID, engine.StepUpdate{Status: engine.StepStatusFailed, Message: &msg}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record step cancellation")
	}
}

// attemptDuration is the time since the first step of the attempt started.
func (h *Handlers) attemptDuration(ctx context.Context, run *stepRun) time.Duration {
	first, err := h.store.GetStep(ctx, run.box.ID, run.data.Attempt, engine.StepCreateInstance)
	if err != nil {
		return 0
	}
	return time.Since(first.CreatedAt)
}

// mergeInputs combines the results of a node's dependencies. Handle and URL
// are identical across dependencies of one attempt; skill results are
// collected in node ID order. A result that does not decode is an internal
// error naming the dependency.
func mergeInputs(deps map[string]json.RawMessage) (StepResult, error) {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var merged StepResult
	for _, id := range ids {
		if len(deps[id]) == 0 {
			continue
		}
		var r StepResult
		if err := json.Unmarshal(deps[id], &r); err != nil {
			return StepResult{}, engine.NewPermanentError(fmt.Sprintf("invalid result of dependency %s", id), err).
				WithCode(engine.ErrCodeInternal)
		}
		if merged.Handle == "" {
			merged.Handle = r.Handle
		}
		if merged.URL == "" {
			merged.URL = r.URL
		}
		if r.Skill != "" {
			if r.Failed {
				merged.FailedSkills = append(merged.FailedSkills, r.Skill)
			} else {
				merged.Installed = append(merged.Installed, r.Skill)
			}
		}
	}
	return merged, nil
}

// forward returns a result carrying the instance handle and URL onward.
func (r *stepRun) forward() *StepResult {
	return &StepResult{Handle: r.in.Handle, URL: r.in.URL}
}

// handle returns the instance handle from the dependencies, falling back to
// the one recorded on the box.
func (r *stepRun) handle() (string, error) {
	if r.in.Handle != "" {
		return r.in.Handle, nil
	}
	if r.box.InstanceHandle != "" {
		return r.box.InstanceHandle, nil
	}
	return "", engine.NewPermanentError("no instance handle available", nil).
		WithCode(engine.ErrCodeInternal).
		WithResource(r.box.ID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
