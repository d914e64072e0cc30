// Package providers defines the compute provider capability set used by the
// deploy step handlers, and the helpers shared by every backend.
package providers

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Provider is the capability interface over a compute backend that hosts box
// instances. Implementations must return engine PROVIDER_ERROR values for
// upstream failures so the workflow engine can classify them for retry.
type Provider interface {
	// Name returns the backend discriminator stored on boxes (e.g. "docker").
	Name() string

	// CreateInstance provisions a new instance. Calling it again with the same
	// spec.Name returns the existing instance instead of creating a second one.
	CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)

	// ExecCommand runs a command inside the instance and waits for it.
	// A non-zero exit code is reported in the result, not as an error.
	ExecCommand(ctx context.Context, handle string, cmd Command) (*ExecResult, error)

	// WriteFile creates or replaces a file inside the instance.
	WriteFile(ctx context.Context, handle, path string, data []byte, opts FileOptions) error

	// ReadFile returns the contents of a file inside the instance.
	ReadFile(ctx context.Context, handle, path string) ([]byte, error)

	// GetStatus returns the raw backend status of the instance. Use
	// NormalizeStatus to interpret it.
	GetStatus(ctx context.Context, handle string) (string, error)

	// SetPublicAccess exposes or hides the instance on its public URL.
	SetPublicAccess(ctx context.Context, handle string, public bool) error

	// DeleteInstance removes the instance. Deleting a missing instance
	// succeeds.
	DeleteInstance(ctx context.Context, handle string) error
}

// InstanceSpec describes an instance to create.
type InstanceSpec struct {
	// Name is a stable, backend-safe name derived from the box and attempt.
	// Backends use it to make CreateInstance idempotent.
	Name string `json:"name"`

	// BoxID is the owning box.
	BoxID string `json:"box_id"`

	// Subdomain is the public hostname label of the box.
	Subdomain string `json:"subdomain"`

	// Image overrides the backend's default image when set.
	Image string `json:"image,omitempty"`

	// Env is passed to the instance at creation time.
	Env map[string]string `json:"env,omitempty"`

	// Labels are attached to the instance for bookkeeping.
	Labels map[string]string `json:"labels,omitempty"`
}

// Instance is a created instance.
type Instance struct {
	// Handle is the opaque backend identifier.
	Handle string `json:"handle"`

	// URL is the public URL the instance will be reachable on once access
	// is enabled.
	URL string `json:"url"`

	// Status is the raw backend status at creation time.
	Status string `json:"status,omitempty"`
}

// Command is a command to run inside an instance.
type Command struct {
	// Argv is executed directly when set.
	Argv []string `json:"argv,omitempty"`

	// Shell is run with /bin/sh -c when Argv is empty.
	Shell string `json:"shell,omitempty"`

	// Env is added to the command's environment.
	Env map[string]string `json:"env,omitempty"`

	// WorkDir is the working directory of the command.
	WorkDir string `json:"work_dir,omitempty"`

	// User runs the command as this user when supported.
	User string `json:"user,omitempty"`

	// Timeout bounds the command. Zero means the backend default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ShellCommand is a convenience constructor for a /bin/sh -c command.
func ShellCommand(script string) Command {
	return Command{Shell: script}
}

// Args returns the argv to execute.
func (c Command) Args() []string {
	if len(c.Argv) > 0 {
		return c.Argv
	}
	return []string{"/bin/sh", "-c", c.Shell}
}

// String renders the command as a single shell line, used by backends that
// only accept a command string.
func (c Command) String() string {
	if len(c.Argv) == 0 {
		return c.Shell
	}
	quoted := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// ShellLine renders the command with its env, working directory and user as
// one line for backends that can only run a string through a login shell.
func (c Command) ShellLine() string {
	line := c.String()
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		assigns := make([]string, len(keys))
		for i, k := range keys {
			assigns[i] = k + "=" + ShellQuote(c.Env[k])
		}
		line = "env " + strings.Join(assigns, " ") + " /bin/sh -c " + ShellQuote(line)
	}
	if c.WorkDir != "" {
		line = "cd " + ShellQuote(c.WorkDir) + " && " + line
	}
	if c.User != "" {
		line = "sudo -n -u " + ShellQuote(c.User) + " -- /bin/sh -c " + ShellQuote(line)
	}
	return line
}

// ExecResult is the outcome of a command.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the command exited with status 0.
func (r *ExecResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0
}

// FileOptions controls how WriteFile creates a file.
type FileOptions struct {
	// Mode is the permission bits of the file. Zero means 0644.
	Mode uint32 `json:"mode,omitempty"`

	// Owner is an optional "user[:group]" to chown the file to.
	Owner string `json:"owner,omitempty"`
}

// FileMode returns the effective permission bits.
func (o FileOptions) FileMode() uint32 {
	if o.Mode == 0 {
		return 0o644
	}
	return o.Mode
}

// ShellQuote quotes s for safe use as a single POSIX shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
