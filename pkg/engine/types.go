package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Box is a user-owned sandboxed compute instance.
type Box struct {
	// ID is the unique identifier for this box.
	ID string `json:"id"`

	// Name is the human-readable name, unique per owner.
	Name string `json:"name"`

	// Subdomain is the unique, immutable public hostname label.
	Subdomain string `json:"subdomain"`

	// Status is the lifecycle status. It is the source of truth for the box.
	Status BoxStatus `json:"status"`

	// Provider is the compute backend that hosts the instance.
	Provider string `json:"provider"`

	// InstanceHandle is the opaque provider-side identifier, set by create-instance.
	InstanceHandle string `json:"instance_handle,omitempty"`

	// InstanceURL is the public URL, set by finalize.
	InstanceURL string `json:"instance_url,omitempty"`

	// ErrorMessage describes the last failure. Cleared when a deploy starts.
	ErrorMessage *string `json:"error_message,omitempty"`

	// DeploymentAttempt starts at 1 and increments on every retry from error.
	DeploymentAttempt int `json:"deployment_attempt"`

	// Skills is the ordered set of skill identifiers to install.
	Skills []string `json:"skills"`

	// OwnerID is the opaque identity of the owning user.
	OwnerID string `json:"owner_id"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsLiveFor reports whether a step for the given attempt may still act on
// this box. A deleted box or a box that moved on to a newer attempt is not live.
func (b *Box) IsLiveFor(attempt int) bool {
	return b != nil && b.Status != BoxStatusDeleted && b.DeploymentAttempt == attempt
}

// StepKey identifies a deploy step within one attempt.
type StepKey string

// Fixed step keys. Setup and install-skill keys are built with SetupStepKey
// and InstallSkillStepKey.
const (
	StepCreateInstance StepKey = "create-instance"
	StepHealthCheck    StepKey = "health-check"
	StepSkillsGate     StepKey = "skills-gate"
	StepEnableAccess   StepKey = "enable-access"
	StepFinalize       StepKey = "finalize"

	setupPrefix        = "setup:"
	installSkillPrefix = "install-skill:"
)

// SetupStepKey returns the key of a named setup step.
func SetupStepKey(name string) StepKey {
	return StepKey(setupPrefix + name)
}

// InstallSkillStepKey returns the key of the install step for a skill.
func InstallSkillStepKey(skillID string) StepKey {
	return StepKey(installSkillPrefix + skillID)
}

// IsSetup reports whether k is a setup step key.
func (k StepKey) IsSetup() bool {
	return strings.HasPrefix(string(k), setupPrefix)
}

// IsInstallSkill reports whether k is an install-skill step key.
func (k StepKey) IsInstallSkill() bool {
	return strings.HasPrefix(string(k), installSkillPrefix)
}

// Suffix returns the setup name or skill id of a parameterized key.
func (k StepKey) Suffix() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Kind returns the step type used for queue selection and metrics,
// e.g. "setup" for "setup:inject-env".
func (k StepKey) Kind() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// DeployStep is one ledger row: the record of a single step in a single
// deployment attempt.
type DeployStep struct {
	ID                string          `json:"id"`
	BoxID             string          `json:"box_id"`
	DeploymentAttempt int             `json:"deployment_attempt"`
	StepKey           StepKey         `json:"step_key"`
	Order             int             `json:"order"`
	Status            StepStatus      `json:"status"`
	Message           *string         `json:"message,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Duration returns the wall time of a finished step, or zero.
func (s *DeployStep) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

// StepUpdate describes a ledger row transition.
type StepUpdate struct {
	Status  StepStatus
	Message *string
	Output  json.RawMessage
}

// Cronjob is a recurring command bound to a box.
type Cronjob struct {
	ID        string     `json:"id"`
	BoxID     string     `json:"box_id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Timezone  string     `json:"timezone"`
	Command   string     `json:"command"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RepeatableKey returns the workflow engine key of the cronjob trigger.
func (c *Cronjob) RepeatableKey() string {
	return "cronjob:" + c.ID
}

// CronjobExecution is one entry in the cronjob execution ledger.
type CronjobExecution struct {
	ID          string          `json:"id"`
	CronjobID   string          `json:"cronjob_id"`
	Status      ExecutionStatus `json:"status"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// AuditEntry records a user-visible state change.
type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Entity    string            `json:"entity"`
	EntityID  string            `json:"entity_id"`
	Details   map[string]string `json:"details,omitempty"`
}

// FlowID returns the workflow flow identifier for a deployment attempt.
func FlowID(boxID string, attempt int) string {
	return fmt.Sprintf("deploy:%s:%d", boxID, attempt)
}
