package deploy

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/catalog"
	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
	"github.com/openfroyo/froyobox/pkg/telemetry"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// Admitter decides whether a deploy may start.
type Admitter interface {
	Admit(ctx context.Context, box *engine.Box, catalogSkills []string) error
}

// CronjobCleaner removes the cronjobs of a deleted box.
type CronjobCleaner interface {
	RemoveForBox(ctx context.Context, boxID string) error
}

// Dependencies are the collaborators of an Orchestrator. Policy and Cronjobs
// are optional.
type Dependencies struct {
	Store    Store
	Workflow *workflow.Engine
	Provider providers.Provider
	Catalog  *catalog.Catalog
	Env      *catalog.EnvEvaluator
	Policy   Admitter
	Cronjobs CronjobCleaner
	Layout   Layout
	Config   Config
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// Orchestrator turns deploy and delete requests into workflow flows.
// Request-time errors are returned before anything is submitted; once a flow
// runs, failures are reported through the box status.
type Orchestrator struct {
	store    Store
	wf       *workflow.Engine
	provider providers.Provider
	catalog  *catalog.Catalog
	policy   Admitter
	cronjobs CronjobCleaner
	layout   Layout
	cfg      Config
	handlers *Handlers
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewOrchestrator validates the layout and registers the step handlers with
// the workflow engine.
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	if deps.Store == nil || deps.Workflow == nil || deps.Provider == nil || deps.Catalog == nil {
		return nil, errors.New("deploy: store, workflow, provider and catalog are required")
	}
	if len(deps.Layout.Stages) == 0 {
		deps.Layout = DefaultLayout()
	}
	if err := deps.Layout.Validate(); err != nil {
		return nil, err
	}
	deps.Config.applyDefaults()

	h := NewHandlers(deps.Store, deps.Provider, deps.Catalog, deps.Env, deps.Config, deps.Logger, deps.Metrics, deps.Tracer)
	if err := h.Register(deps.Workflow); err != nil {
		return nil, err
	}

	return &Orchestrator{
		store:    deps.Store,
		wf:       deps.Workflow,
		provider: deps.Provider,
		catalog:  deps.Catalog,
		policy:   deps.Policy,
		cronjobs: deps.Cronjobs,
		layout:   deps.Layout,
		cfg:      deps.Config,
		handlers: h,
		logger:   deps.Logger.With().Str("component", "deploy").Logger(),
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
	}, nil
}

// Deploy starts a deployment attempt of a pending or errored box. A retry
// from error increments the attempt; rows of earlier attempts are kept.
// ownerID, when set, must match the box owner.
func (o *Orchestrator) Deploy(ctx context.Context, boxID, ownerID string) (*engine.Box, error) {
	box, err := o.owned(ctx, boxID, ownerID)
	if err != nil {
		return nil, err
	}
	if !box.Status.IsDeployable() {
		return nil, engine.InvalidStatusError(box.ID, box.Status, engine.BoxStatusDeploying)
	}

	if o.policy != nil {
		if err := o.policy.Admit(ctx, box, o.catalog.SkillIDs()); err != nil {
			return nil, err
		}
	}

	// Build once before touching the status so a bad catalog or layout is a
	// request-time error.
	if _, err := o.plan(box); err != nil {
		return nil, err
	}

	box, err = o.store.BeginDeployment(ctx, box.ID)
	if err != nil {
		return nil, err
	}
	retry := box.DeploymentAttempt > 1

	ctx, span := o.tracer.StartDeploySpan(ctx, box.ID, box.DeploymentAttempt)
	defer span.End()

	nodes, err := o.layout.Build(box, o.catalog.SetupNames(), o.cfg)
	if err == nil {
		_, err = o.wf.Submit(ctx, workflow.Graph{
			FlowID: engine.FlowID(box.ID, box.DeploymentAttempt),
			Nodes:  nodes,
		})
	}
	if err != nil {
		telemetry.RecordError(span, err)
		msg := "failed to start deployment: " + err.Error()
		if ferr := o.store.FailDeployment(context.WithoutCancel(ctx), box.ID, box.DeploymentAttempt, msg); ferr != nil {
			o.logger.Error().Err(ferr).Str("box_id", box.ID).Msg("Failed to move box to error")
		}
		return nil, err
	}

	o.metrics.RecordDeployStarted(o.provider.Name(), retry)
	o.audit(ctx, ownerID, "box.deploy", box.ID, map[string]string{
		"attempt": strconv.Itoa(box.DeploymentAttempt),
	})
	o.logger.Info().
		Str("box_id", box.ID).
		Int("attempt", box.DeploymentAttempt).
		Int("nodes", len(nodes)).
		Bool("retry", retry).
		Msg("Deployment submitted")

	return box, nil
}

// Delete marks a box deleted, stops its active flow, removes its cronjobs
// and, best-effort, its instance. Deleting a deleted box succeeds.
func (o *Orchestrator) Delete(ctx context.Context, boxID, ownerID string) (*engine.Box, error) {
	if _, err := o.owned(ctx, boxID, ownerID); err != nil {
		return nil, err
	}

	box, err := o.store.MarkBoxDeleted(ctx, boxID)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With().Str("box_id", box.ID).Logger()

	if o.wf.Cancel(engine.FlowID(box.ID, box.DeploymentAttempt)) {
		logger.Info().Int("attempt", box.DeploymentAttempt).Msg("Cancelled active deployment")
	}

	if o.cronjobs != nil {
		if err := o.cronjobs.RemoveForBox(ctx, box.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove cronjobs of deleted box")
		}
	}

	if box.InstanceHandle != "" {
		if err := o.provider.DeleteInstance(ctx, box.InstanceHandle); err != nil {
			logger.Warn().Err(err).Str("handle", box.InstanceHandle).Msg("Failed to remove instance of deleted box")
		}
	}

	o.audit(ctx, ownerID, "box.delete", box.ID, nil)
	logger.Info().Msg("Box deleted")
	return box, nil
}

// Steps returns the ledger of a box. attempt 0 returns every attempt.
func (o *Orchestrator) Steps(ctx context.Context, boxID, ownerID string, attempt int) ([]*engine.DeployStep, error) {
	if _, err := o.owned(ctx, boxID, ownerID); err != nil {
		return nil, err
	}
	if attempt > 0 {
		return o.store.ListStepsByAttempt(ctx, boxID, attempt)
	}
	return o.store.ListStepsByBox(ctx, boxID)
}

// Plan renders the DAG the next deploy of a box would run, as Graphviz DOT.
func (o *Orchestrator) Plan(ctx context.Context, boxID, ownerID string) (string, error) {
	box, err := o.owned(ctx, boxID, ownerID)
	if err != nil {
		return "", err
	}
	nodes, err := o.plan(box)
	if err != nil {
		return "", err
	}
	return PlanDOT(nodes)
}

// Wait blocks until the current deployment flow of a box finishes and
// returns the box as it was left.
func (o *Orchestrator) Wait(ctx context.Context, boxID string) (*engine.Box, error) {
	box, err := o.store.GetBox(ctx, boxID)
	if err != nil {
		return nil, err
	}
	_, err = o.wf.Wait(ctx, engine.FlowID(box.ID, box.DeploymentAttempt))
	if err != nil && !engine.IsNotFound(err) {
		return nil, err
	}
	return o.store.GetBox(ctx, boxID)
}

// plan builds the nodes of the attempt a deploy of box would start.
func (o *Orchestrator) plan(box *engine.Box) ([]workflow.Node, error) {
	next := *box
	if box.Status == engine.BoxStatusError {
		next.DeploymentAttempt++
	}
	return o.layout.Build(&next, o.catalog.SetupNames(), o.cfg)
}

func (o *Orchestrator) owned(ctx context.Context, boxID, ownerID string) (*engine.Box, error) {
	box, err := o.store.GetBox(ctx, boxID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && box.OwnerID != ownerID {
		return nil, engine.NotFoundError("box", boxID)
	}
	return box, nil
}

func (o *Orchestrator) audit(ctx context.Context, actor, action, boxID string, details map[string]string) {
	if actor == "" {
		actor = "system"
	}
	err := o.store.AppendAudit(ctx, &engine.AuditEntry{
		Actor:    actor,
		Action:   action,
		Entity:   "box",
		EntityID: boxID,
		Details:  details,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("box_id", boxID).Str("action", action).Msg("Failed to append audit entry")
	}
}
