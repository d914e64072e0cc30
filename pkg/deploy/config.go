package deploy

import (
	"time"
)

// Config tunes deployments.
type Config struct {
	// Image overrides the provider's default instance image.
	Image string `yaml:"image"`

	// Health configures the health-check polling loop.
	Health HealthConfig `yaml:"health"`

	// Skills decides how skill failures affect a deployment.
	Skills SkillPolicy `yaml:"skills"`

	// StepAttempts is the number of engine attempts per step node.
	StepAttempts int `yaml:"step_attempts" validate:"gte=0"`
}

// HealthConfig bounds the health-check polling loop.
type HealthConfig struct {
	// PollInterval is the delay between status polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout is the total time allowed to reach a healthy status.
	Timeout time.Duration `yaml:"timeout"`

	// RestartThreshold is the number of consecutive restarting polls that
	// count as a crash loop.
	RestartThreshold int `yaml:"restart_threshold" validate:"gte=0"`
}

// SkillPolicy decides how individual skill failures propagate.
type SkillPolicy struct {
	// FailOnSkillError fails the deployment as soon as any skill fails.
	// When false, failed skills are recorded and the deployment continues.
	FailOnSkillError bool `yaml:"fail_on_skill_error"`

	// RequireAnySkill fails the gate when skills were requested and none
	// of them installed.
	RequireAnySkill bool `yaml:"require_any_skill"`
}

// DefaultConfig returns the default deployment configuration.
func DefaultConfig() Config {
	return Config{
		Health: HealthConfig{
			PollInterval:     5 * time.Second,
			Timeout:          120 * time.Second,
			RestartThreshold: 2,
		},
		Skills: SkillPolicy{
			FailOnSkillError: false,
			RequireAnySkill:  true,
		},
		StepAttempts: 3,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Health.PollInterval <= 0 {
		c.Health.PollInterval = def.Health.PollInterval
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = def.Health.Timeout
	}
	if c.Health.RestartThreshold <= 0 {
		c.Health.RestartThreshold = def.Health.RestartThreshold
	}
	if c.StepAttempts <= 0 {
		c.StepAttempts = def.StepAttempts
	}
}
