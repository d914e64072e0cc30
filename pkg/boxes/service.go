package boxes

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/telemetry"
)

// subdomainAttempts bounds collision retries when generating a subdomain.
const subdomainAttempts = 5

// Store is the persistence the box service needs.
type Store interface {
	engine.BoxRegistry
	engine.AuditLog
}

// SkillCatalog reports which requested skills are unknown.
type SkillCatalog interface {
	UnknownSkills(requested []string) []string
}

// CreateRequest is the input of Service.Create.
type CreateRequest struct {
	Name    string   `json:"name" validate:"required,max=64"`
	OwnerID string   `json:"owner_id" validate:"required"`
	Skills  []string `json:"skills" validate:"dive,required"`
}

// Service is the request-side Box Registry: it validates input, assigns
// subdomains, and keeps the audit trail.
type Service struct {
	store    Store
	catalog  SkillCatalog
	provider string
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	validate *validator.Validate

	// suffix generates subdomain suffixes.
	suffix func() string
}

// NewService creates a box service. provider is recorded on every new box.
func NewService(store Store, catalog SkillCatalog, provider string, logger zerolog.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		store:    store,
		catalog:  catalog,
		provider: provider,
		logger:   logger.With().Str("component", "boxes").Logger(),
		metrics:  metrics,
		validate: validator.New(),
		suffix:   RandomSuffix,
	}
}

// Create registers a new pending box with a fresh subdomain. A duplicate
// name for the same owner or an unknown skill is VALIDATION_FAILED.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*engine.Box, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, engine.ValidationError("invalid box request: %v", err)
	}

	skills := dedupe(req.Skills)
	if s.catalog != nil {
		if unknown := s.catalog.UnknownSkills(skills); len(unknown) > 0 {
			return nil, engine.ValidationError("unknown skills: %s", strings.Join(unknown, ", "))
		}
	}

	box := &engine.Box{
		ID:                uuid.New().String(),
		Name:              req.Name,
		Status:            engine.BoxStatusPending,
		Provider:          s.provider,
		DeploymentAttempt: 1,
		Skills:            skills,
		OwnerID:           req.OwnerID,
	}

	var err error
	for i := 0; i < subdomainAttempts; i++ {
		box.Subdomain = NewSubdomain(box.Name, s.suffix())
		err = s.store.CreateBox(ctx, box)
		if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
			break
		}
		s.logger.Debug().Str("subdomain", box.Subdomain).Msg("Subdomain taken, retrying")
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordBoxCreated()
	s.audit(ctx, req.OwnerID, "box.create", box.ID, map[string]string{
		"name":      box.Name,
		"subdomain": box.Subdomain,
		"skills":    strings.Join(box.Skills, ","),
	})

	s.logger.Info().
		Str("box_id", box.ID).
		Str("subdomain", box.Subdomain).
		Str("owner_id", box.OwnerID).
		Msg("Box created")

	return box, nil
}

// List returns the live boxes of an owner, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]*engine.Box, error) {
	if ownerID == "" {
		return nil, engine.ValidationError("owner id is required")
	}
	return s.store.ListBoxesByOwner(ctx, ownerID)
}

// Get returns a box by ID, deleted boxes included.
func (s *Service) Get(ctx context.Context, id string) (*engine.Box, error) {
	if id == "" {
		return nil, engine.ValidationError("box id is required")
	}
	return s.store.GetBox(ctx, id)
}

// GetOwned returns a box only if ownerID owns it. Boxes of other owners are
// reported as NOT_FOUND.
func (s *Service) GetOwned(ctx context.Context, ownerID, id string) (*engine.Box, error) {
	box, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && box.OwnerID != ownerID {
		return nil, engine.NotFoundError("box", id)
	}
	return box, nil
}

// History returns the audit trail of a box, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]*engine.AuditEntry, error) {
	return s.store.ListAudit(ctx, id, limit)
}

func (s *Service) audit(ctx context.Context, actor, action, boxID string, details map[string]string) {
	err := s.store.AppendAudit(ctx, &engine.AuditEntry{
		Actor:    actor,
		Action:   action,
		Entity:   "box",
		EntityID: boxID,
		Details:  details,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("box_id", boxID).Str("action", action).Msg("Failed to append audit entry")
	}
}

// dedupe keeps the first occurrence of every skill, preserving order.
func dedupe(skills []string) []string {
	seen := make(map[string]bool, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
