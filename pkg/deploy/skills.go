package deploy

import (
	"context"
	"sort"
	"strings"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
)

// installSkill installs one skill. Unless skill errors are fatal, a failed
// install is returned as a Failed result so the other skills and the gate
// still run.
func (h *Handlers) installSkill(ctx context.Context, run *stepRun) (*StepResult, error) {
	id := run.data.StepKey.Suffix()
	result := run.forward()
	result.Skill = id

	skipped, err := h.runSkill(ctx, run, id)
	if err == nil {
		result.Skipped = skipped
		return result, nil
	}

	// Retryable errors go back to the engine until the final attempt.
	if engine.IsRetryable(err) && !run.job.IsFinalAttempt() {
		return nil, err
	}
	if h.cfg.Skills.FailOnSkillError {
		return nil, err
	}
	result.Failed = true
	result.Error = err.Error()
	return result, nil
}

// runSkill writes the skill's files and runs its install commands. It
// reports true when the check command shows the skill is already present.
func (h *Handlers) runSkill(ctx context.Context, run *stepRun, id string) (bool, error) {
	skill, ok := h.catalog.Skill(id)
	if !ok {
		return false, engine.ValidationError("skill %q is not in the catalog", id)
	}
	handle, err := run.handle()
	if err != nil {
		return false, err
	}

	if skill.Check != "" {
		res, err := h.provider.ExecCommand(ctx, handle, providers.Command{
			Shell:   skill.Check,
			Env:     skill.Env,
			Timeout: skill.CommandTimeout(),
		})
		if err != nil {
			return false, err
		}
		if res.Succeeded() {
			h.logger.Info().Str("box_id", run.box.ID).Str("skill", id).Msg("Skill already installed")
			return true, nil
		}
	}

	if err := h.writeFiles(ctx, handle, skill.Files); err != nil {
		return false, err
	}
	for _, line := range skill.Install {
		cmd := providers.Command{Shell: line, Env: skill.Env, Timeout: skill.CommandTimeout()}
		if _, err := h.exec(ctx, handle, cmd); err != nil {
			return false, err
		}
	}
	return false, nil
}

// skillsGate joins the install-skill fan-out. It fails when skills were
// requested and none of them installed, if the policy requires one.
func (h *Handlers) skillsGate(ctx context.Context, run *stepRun) (*StepResult, error) {
	result := run.forward()
	result.Installed = append([]string(nil), run.in.Installed...)
	result.FailedSkills = append([]string(nil), run.in.FailedSkills...)
	sort.Strings(result.Installed)
	sort.Strings(result.FailedSkills)

	if len(result.FailedSkills) > 0 {
		h.logger.Warn().
			Str("box_id", run.box.ID).
			Strs("failed", result.FailedSkills).
			Strs("installed", result.Installed).
			Msg("Some skills failed to install")
	}

	if h.cfg.Skills.RequireAnySkill && len(run.box.Skills) > 0 && len(result.Installed) == 0 {
		return nil, engine.NewPermanentError(
			"no requested skill could be installed: "+strings.Join(result.FailedSkills, ", "), nil,
		).WithCode(engine.ErrCodeProvider).WithOperation("skills-gate")
	}
	return result, nil
}
