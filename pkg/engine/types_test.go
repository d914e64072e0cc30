package engine

import (
	"testing"
	"time"
)

func TestStepKeys(t *testing.T) {
	tests := []struct {
		key     StepKey
		kind    string
		suffix  string
		setup   bool
		install bool
	}{
		{StepCreateInstance, "create-instance", "", false, false},
		{StepFinalize, "finalize", "", false, false},
		{SetupStepKey("inject-env"), "setup", "inject-env", true, false},
		{InstallSkillStepKey("node"), "install-skill", "node", false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			if got := tt.key.Kind(); got != tt.kind {
				t.Errorf("Kind() = %q, want %q", got, tt.kind)
			}
			if got := tt.key.Suffix(); got != tt.suffix {
				t.Errorf("Suffix() = %q, want %q", got, tt.suffix)
			}
			if tt.key.IsSetup() != tt.setup || tt.key.IsInstallSkill() != tt.install {
				t.Errorf("IsSetup/IsInstallSkill = %v/%v", tt.key.IsSetup(), tt.key.IsInstallSkill())
			}
		})
	}
}

func TestBoxIsLiveFor(t *testing.T) {
	box := &Box{Status: BoxStatusDeploying, DeploymentAttempt: 2}

	if !box.IsLiveFor(2) {
		t.Error("current attempt should be live")
	}
	if box.IsLiveFor(1) {
		t.Error("stale attempt should not be live")
	}

	box.Status = BoxStatusDeleted
	if box.IsLiveFor(2) {
		t.Error("deleted box should not be live")
	}

	var missing *Box
	if missing.IsLiveFor(1) {
		t.Error("nil box should not be live")
	}
}

func TestIdentifiers(t *testing.T) {
	if got := FlowID("box-1", 3); got != "deploy:box-1:3" {
		t.Errorf("FlowID() = %q", got)
	}
	cj := &Cronjob{ID: "c-1"}
	if got := cj.RepeatableKey(); got != "cronjob:c-1" {
		t.Errorf("RepeatableKey() = %q", got)
	}
}

func TestStepDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	step := &DeployStep{StartedAt: &start}
	if step.Duration() != 0 {
		t.Error("unfinished step should have zero duration")
	}
	step.CompletedAt = &end
	if step.Duration() != 1500*time.Millisecond {
		t.Errorf("Duration() = %s", step.Duration())
	}
}
