package policy

import (
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a deploy.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must
// define a `deny` set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with froyobox. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document exposed to policies as `input`.
type Input struct {
	// Operation is the operation being admitted, e.g. "deploy".
	Operation string `json:"operation"`

	Box     BoxInput     `json:"box"`
	Catalog CatalogInput `json:"catalog"`
	Limits  Limits       `json:"limits"`
}

// BoxInput is the box as seen by policies.
type BoxInput struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Subdomain string   `json:"subdomain"`
	OwnerID   string   `json:"owner_id"`
	Provider  string   `json:"provider"`
	Status    string   `json:"status"`
	Attempt   int      `json:"attempt"`
	Skills    []string `json:"skills"`
}

// CatalogInput lists what the provisioning catalog offers.
type CatalogInput struct {
	Skills []string `json:"skills"`
}

// Limits are operator-configured bounds passed through to policies.
type Limits struct {
	MaxSkills int `json:"max_skills"`
}

// NewDeployInput builds the admission input for deploying box.
func NewDeployInput(box *engine.Box, catalogSkills []string, limits Limits) *Input {
	skills := box.Skills
	if skills == nil {
		skills = []string{}
	}
	if catalogSkills == nil {
		catalogSkills = []string{}
	}
	return &Input{
		Operation: "deploy",
		Box: BoxInput{
			ID:        box.ID,
			Name:      box.Name,
			Subdomain: box.Subdomain,
			OwnerID:   box.OwnerID,
			Provider:  box.Provider,
			Status:    string(box.Status),
			Attempt:   box.DeploymentAttempt,
			Skills:    skills,
		},
		Catalog: CatalogInput{Skills: catalogSkills},
		Limits:  limits,
	}
}
