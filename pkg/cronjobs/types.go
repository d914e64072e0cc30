package cronjobs

import (
	"time"
)

// Queue is the workflow queue cronjob activations run on.
const Queue = "cronjob"

// Config tunes cronjob execution.
type Config struct {
	// CommandTimeout bounds a single execution.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// OutputLimit is the number of output bytes kept per execution.
	OutputLimit int `yaml:"output_limit" validate:"gte=0"`

	// Concurrency bounds concurrently running executions.
	Concurrency int `yaml:"concurrency" validate:"gte=0"`
}

// DefaultConfig returns the default cronjob configuration.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 10 * time.Minute,
		OutputLimit:    16 * 1024,
		Concurrency:    5,
	}
}

// CreateRequest is the input of Scheduler.Create.
type CreateRequest struct {
	BoxID    string `json:"box_id" validate:"required"`
	Name     string `json:"name" validate:"required,max=64"`
	Schedule string `json:"schedule" validate:"required"`
	Timezone string `json:"timezone"`
	Command  string `json:"command" validate:"required"`

	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
}

// UpdateRequest changes the fields that are set.
type UpdateRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=64"`
	Schedule *string `json:"schedule,omitempty" validate:"omitempty,min=1"`
	Timezone *string `json:"timezone,omitempty"`
	Command  *string `json:"command,omitempty" validate:"omitempty,min=1"`
}

// payload is the job data of an activation.
type payload struct {
	CronjobID string `json:"cronjob_id"`
}
