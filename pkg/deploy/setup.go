package deploy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/froyobox/pkg/catalog"
	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
)

// maxOutputInMessage bounds command output copied into step messages.
const maxOutputInMessage = 512

// setup runs one catalog setup step: files first, then the environment
// file, then commands.
func (h *Handlers) setup(ctx context.Context, run *stepRun) (*StepResult, error) {
	name := run.data.StepKey.Suffix()
	step, ok := h.catalog.SetupStep(name)
	if !ok {
		return nil, engine.ValidationError("setup step %q is not in the catalog", name)
	}
	handle, err := run.handle()
	if err != nil {
		return nil, err
	}

	if err := h.writeFiles(ctx, handle, step.Files); err != nil {
		return nil, err
	}

	var env map[string]string
	if step.InjectsEnv() {
		env, err = h.boxEnv(ctx, step, run.box)
		if err != nil {
			return nil, err
		}
		err = h.provider.WriteFile(ctx, handle, step.EnvFile, RenderEnvFile(env), providers.FileOptions{Mode: 0o644})
		if err != nil {
			return nil, err
		}
	}

	for _, line := range step.Commands {
		cmd := providers.Command{
			Shell:   line,
			Env:     env,
			WorkDir: step.WorkDir,
			User:    step.User,
			Timeout: step.CommandTimeout(),
		}
		if _, err := h.exec(ctx, handle, cmd); err != nil {
			return nil, err
		}
	}

	return run.forward(), nil
}

// boxEnv merges the static env of a step with the env computed by its
// script. Script values win.
func (h *Handlers) boxEnv(ctx context.Context, step *catalog.SetupStep, box *engine.Box) (map[string]string, error) {
	env := make(map[string]string, len(step.Env))
	for k, v := range step.Env {
		env[k] = v
	}
	if step.EnvScript == "" {
		return env, nil
	}
	computed, err := h.env.BoxEnv(ctx, step.EnvScript, box)
	if err != nil {
		return nil, err
	}
	for k, v := range computed {
		env[k] = v
	}
	return env, nil
}

// RenderEnvFile renders env as sorted KEY=value lines with shell quoting,
// suitable for sourcing or for systemd EnvironmentFile.
func RenderEnvFile(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(providers.ShellQuote(env[k]))
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

func (h *Handlers) writeFiles(ctx context.Context, handle string, files []catalog.File) error {
	for _, f := range files {
		opts := providers.FileOptions{Mode: f.Mode, Owner: f.Owner}
		if err := h.provider.WriteFile(ctx, handle, f.Path, []byte(f.Content), opts); err != nil {
			return err
		}
	}
	return nil
}

// exec runs cmd and turns a non-zero exit into a permanent error carrying
// the tail of the command output.
func (h *Handlers) exec(ctx context.Context, handle string, cmd providers.Command) (*providers.ExecResult, error) {
	res, err := h.provider.ExecCommand(ctx, handle, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return res, engine.NewPermanentError(
			fmt.Sprintf("command %q exited with status %d%s", cmd.String(), res.ExitCode, outputTail(res)), nil,
		).WithCode(engine.ErrCodeProvider).WithOperation("exec")
	}
	return res, nil
}

func outputTail(res *providers.ExecResult) string {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	if out == "" {
		return ""
	}
	if len(out) > maxOutputInMessage {
		out = "..." + out[len(out)-maxOutputInMessage:]
	}
	return ": " + out
}
