package catalog

import (
	"sort"
	"time"
)

// Config selects the catalog file.
type Config struct {
	// Path is a CUE catalog file. Empty uses the embedded default.
	Path string `yaml:"path"`

	// EnvScriptTimeout bounds a single env_script evaluation.
	EnvScriptTimeout time.Duration `yaml:"env_script_timeout"`
}

// DefaultConfig returns the default catalog configuration.
func DefaultConfig() Config {
	return Config{EnvScriptTimeout: 5 * time.Second}
}

// Catalog is a validated provisioning catalog.
type Catalog struct {
	Setup  []SetupStep       `json:"setup" validate:"dive"`
	Skills map[string]*Skill `json:"skills" validate:"dive"`

	// Source is the file the catalog was loaded from.
	Source string `json:"-"`
}

// File is a file written into an instance.
type File struct {
	Path    string `json:"path" validate:"required,startswith=/"`
	Content string `json:"content"`
	Mode    uint32 `json:"mode" validate:"lte=4095"`
	Owner   string `json:"owner,omitempty"`
}

// SetupStep is one link of the setup chain. Files are written first, then
// environment is injected, then commands run.
type SetupStep struct {
	Name      string            `json:"name" validate:"required"`
	Commands  []string          `json:"commands"`
	Files     []File            `json:"files" validate:"dive"`
	Env       map[string]string `json:"env"`
	EnvScript string            `json:"env_script,omitempty"`
	EnvFile   string            `json:"env_file" validate:"required,startswith=/"`
	WorkDir   string            `json:"workdir,omitempty"`
	User      string            `json:"user,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`
}

// InjectsEnv reports whether the step writes an environment file.
func (s *SetupStep) InjectsEnv() bool {
	return len(s.Env) > 0 || s.EnvScript != ""
}

// CommandTimeout returns the per-command timeout, or zero for the provider
// default.
func (s *SetupStep) CommandTimeout() time.Duration {
	return parseTimeout(s.Timeout)
}

// Skill is an optional capability installed after the instance is healthy.
type Skill struct {
	// ID is the catalog key of the skill.
	ID          string            `json:"-"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description,omitempty"`
	Install     []string          `json:"install" validate:"min=1,dive,required"`
	Check       string            `json:"check,omitempty"`
	Files       []File            `json:"files" validate:"dive"`
	Env         map[string]string `json:"env"`
	Timeout     string            `json:"timeout,omitempty"`
}

// CommandTimeout returns the per-command timeout, or zero for the provider
// default.
func (s *Skill) CommandTimeout() time.Duration {
	return parseTimeout(s.Timeout)
}

func parseTimeout(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Skill returns a skill by ID.
func (c *Catalog) Skill(id string) (*Skill, bool) {
	s, ok := c.Skills[id]
	return s, ok
}

// SkillIDs returns the catalog's skill IDs, sorted.
func (c *Catalog) SkillIDs() []string {
	ids := make([]string, 0, len(c.Skills))
	for id := range c.Skills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetupStep returns a setup step by name.
func (c *Catalog) SetupStep(name string) (*SetupStep, bool) {
	for i := range c.Setup {
		if c.Setup[i].Name == name {
			return &c.Setup[i], true
		}
	}
	return nil, false
}

// SetupNames returns the setup step names in chain order.
func (c *Catalog) SetupNames() []string {
	names := make([]string, len(c.Setup))
	for i, s := range c.Setup {
		names[i] = s.Name
	}
	return names
}

// UnknownSkills returns the requested skills that the catalog lacks.
func (c *Catalog) UnknownSkills(requested []string) []string {
	var unknown []string
	for _, id := range requested {
		if _, ok := c.Skills[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown
}
