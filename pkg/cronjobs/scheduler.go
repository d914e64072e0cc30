package cronjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
	"github.com/openfroyo/froyobox/pkg/telemetry"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// Store is the persistence the scheduler needs.
type Store interface {
	engine.CronjobStore
	engine.AuditLog
	GetBox(ctx context.Context, id string) (*engine.Box, error)
}

// Scheduler keeps one repeatable workflow trigger per enabled cronjob and
// runs activations against the cronjob's box. Every change deregisters the
// old trigger before registering the new one.
type Scheduler struct {
	store    Store
	wf       *workflow.Engine
	provider providers.Provider
	cfg      Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	validate *validator.Validate
	now      func() time.Time
}

// NewScheduler creates a scheduler and registers its execution handler.
func NewScheduler(store Store, wf *workflow.Engine, provider providers.Provider, cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = def.OutputLimit
	}

	s := &Scheduler{
		store:    store,
		wf:       wf,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "cronjobs").Logger(),
		metrics:  metrics,
		validate: validator.New(),
		now:      time.Now,
	}
	if err := wf.Register(Queue, s.handle, cfg.Concurrency); err != nil {
		return nil, fmt.Errorf("failed to register cronjob handler: %w", err)
	}
	return s, nil
}

// Start registers a trigger for every enabled cronjob.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListEnabledCronjobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.register(job); err != nil {
			s.logger.Error().Err(err).Str("cronjob_id", job.ID).Msg("Failed to register cronjob")
		}
	}
	s.logger.Info().Int("cronjobs", len(jobs)).Msg("Cronjob scheduler started")
	return nil
}

// Create validates and stores a cronjob, and registers its trigger when
// enabled. The box must exist and not be deleted.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*engine.Cronjob, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Timezone = strings.TrimSpace(req.Timezone)
	if err := s.validate.Struct(req); err != nil {
		return nil, engine.ValidationError("invalid cronjob request: %v", err)
	}

	box, err := s.store.GetBox(ctx, req.BoxID)
	if err != nil {
		return nil, err
	}
	if box.Status == engine.BoxStatusDeleted {
		return nil, engine.NotFoundError("box", req.BoxID)
	}

	job := &engine.Cronjob{
		BoxID:    req.BoxID,
		Name:     req.Name,
		Schedule: strings.TrimSpace(req.Schedule),
		Timezone: req.Timezone,
		Command:  req.Command,
		Enabled:  req.Enabled == nil || *req.Enabled,
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	if err := s.computeNextRun(job); err != nil {
		return nil, err
	}

	if err := s.store.CreateCronjob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.sync(job); err != nil {
		return nil, err
	}

	s.audit(ctx, "cronjob.create", job, map[string]string{"schedule": job.Schedule, "timezone": job.Timezone})
	s.logger.Info().Str("cronjob_id", job.ID).Str("box_id", job.BoxID).Str("schedule", job.Schedule).Msg("Cronjob created")
	return job, nil
}

// Get returns a cronjob by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*engine.Cronjob, error) {
	return s.store.GetCronjob(ctx, id)
}

// List returns the cronjobs of a box.
func (s *Scheduler) List(ctx context.Context, boxID string) ([]*engine.Cronjob, error) {
	return s.store.ListCronjobsByBox(ctx, boxID)
}

// Update changes a cronjob and re-registers its trigger.
func (s *Scheduler) Update(ctx context.Context, id string, req UpdateRequest) (*engine.Cronjob, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, engine.ValidationError("invalid cronjob update: %v", err)
	}
	job, err := s.store.GetCronjob(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		job.Name = strings.TrimSpace(*req.Name)
	}
	if req.Schedule != nil {
		job.Schedule = strings.TrimSpace(*req.Schedule)
	}
	if req.Timezone != nil {
		job.Timezone = strings.TrimSpace(*req.Timezone)
		if job.Timezone == "" {
			job.Timezone = "UTC"
		}
	}
	if req.Command != nil {
		job.Command = *req.Command
	}
	if err := s.computeNextRun(job); err != nil {
		return nil, err
	}

	if err := s.store.UpdateCronjob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.sync(job); err != nil {
		return nil, err
	}

	s.audit(ctx, "cronjob.update", job, map[string]string{"schedule": job.Schedule, "timezone": job.Timezone})
	return job, nil
}

// Toggle enables or disables a cronjob.
func (s *Scheduler) Toggle(ctx context.Context, id string, enabled bool) (*engine.Cronjob, error) {
	job, err := s.store.GetCronjob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled
	if err := s.computeNextRun(job); err != nil {
		return nil, err
	}
	if err := s.store.UpdateCronjob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.sync(job); err != nil {
		return nil, err
	}

	s.audit(ctx, "cronjob.toggle", job, map[string]string{"enabled": fmt.Sprint(enabled)})
	return job, nil
}

// Delete removes a cronjob, its trigger and its execution ledger.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetCronjob(ctx, id)
	if err != nil {
		return err
	}
	s.wf.RemoveRepeatable(job.RepeatableKey())
	if err := s.store.DeleteCronjob(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, "cronjob.delete", job, nil)
	s.logger.Info().Str("cronjob_id", id).Msg("Cronjob deleted")
	return nil
}

// RemoveForBox deletes every cronjob of a box.
func (s *Scheduler) RemoveForBox(ctx context.Context, boxID string) error {
	jobs, err := s.store.ListCronjobsByBox(ctx, boxID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.Delete(ctx, job.ID); err != nil && !engine.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// Runs returns the most recent executions of a cronjob, newest first.
func (s *Scheduler) Runs(ctx context.Context, id string, limit int) ([]*engine.CronjobExecution, error) {
	if _, err := s.store.GetCronjob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, id, limit)
}

// computeNextRun validates the schedule and sets NextRunAt. Disabled jobs
// have no next run.
func (s *Scheduler) computeNextRun(job *engine.Cronjob) error {
	next, err := workflow.NextRun(job.Schedule, job.Timezone, s.now())
	if err != nil {
		return err
	}
	if !job.Enabled {
		job.NextRunAt = nil
		return nil
	}
	next = next.UTC()
	job.NextRunAt = &next
	return nil
}

// sync deregisters the trigger of job and registers it again if enabled.
func (s *Scheduler) sync(job *engine.Cronjob) error {
	s.wf.RemoveRepeatable(job.RepeatableKey())
	if !job.Enabled {
		return nil
	}
	return s.register(job)
}

func (s *Scheduler) register(job *engine.Cronjob) error {
	data, err := json.Marshal(payload{CronjobID: job.ID})
	if err != nil {
		return engine.InternalError("failed to encode cronjob payload", err)
	}
	return s.wf.AddRepeatable(job.RepeatableKey(), job.Schedule, job.Timezone, Queue, data)
}

func (s *Scheduler) audit(ctx context.Context, action string, job *engine.Cronjob, details map[string]string) {
	if details == nil {
		details = map[string]string{}
	}
	details["box_id"] = job.BoxID
	details["name"] = job.Name
	err := s.store.AppendAudit(ctx, &engine.AuditEntry{
		Actor:    "system",
		Action:   action,
		Entity:   "cronjob",
		EntityID: job.ID,
		Details:  details,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("cronjob_id", job.ID).Str("action", action).Msg("Failed to append audit entry")
	}
}
