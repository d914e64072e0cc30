package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/froyobox/pkg/deploy"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  address: 0.0.0.0:9090
database:
  path: /tmp/boxes.db
provider:
  type: paas
  paas:
    api_url: https://api.paas.test
    project: sandboxes
workflow:
  concurrency:
    health-check: 20
deploy:
  image: custom:latest
  step_attempts: 5
  health:
    poll_interval: 2s
    timeout: 1m
  skills:
    fail_on_skill_error: true
    require_any_skill: false
policy:
  max_skills: 3
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.Server.Address != "0.0.0.0:9090" || cfg.Database.Path != "/tmp/boxes.db" {
		t.Errorf("server/database = %+v / %+v", cfg.Server, cfg.Database)
	}
	if cfg.Provider.Type != "paas" || cfg.Provider.Paas.Project != "sandboxes" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	// Unset fields of a section keep their defaults.
	if cfg.Provider.Paas.RequestTimeout != 30*time.Second {
		t.Errorf("paas request timeout = %s, want default 30s", cfg.Provider.Paas.RequestTimeout)
	}
	if cfg.Workflow.Concurrency["health-check"] != 20 || cfg.Workflow.DefaultConcurrency != 5 {
		t.Errorf("workflow = %+v", cfg.Workflow)
	}
	d := cfg.Deploy
	if d.Image != "custom:latest" || d.StepAttempts != 5 || d.Health.PollInterval != 2*time.Second || d.Health.Timeout != time.Minute {
		t.Errorf("deploy = %+v", d.Config)
	}
	if !d.Skills.FailOnSkillError || d.Skills.RequireAnySkill {
		t.Errorf("skill policy = %+v", d.Skills)
	}
	if d.Health.RestartThreshold != 2 {
		t.Errorf("restart threshold = %d, want default 2", d.Health.RestartThreshold)
	}
	if cfg.Policy.MaxSkills != 3 {
		t.Errorf("max skills = %d, want 3", cfg.Policy.MaxSkills)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "unknown key", yaml: "server:\n  adress: x\n", want: "adress"},
		{name: "bad provider", yaml: "provider:\n  type: k8s\n", want: "provider.type"},
		{name: "fleet without api url", yaml: "provider:\n  type: fleet\n", want: "provider.fleet"},
		{name: "bad address", yaml: "server:\n  address: nope\n", want: "server"},
		{name: "negative skills", yaml: "policy:\n  max_skills: -1\n", want: "policy"},
		{name: "bad layout", yaml: "deploy:\n  stages: [finalize]\n", want: "deploy"},
		{name: "bad log level", yaml: "telemetry:\n  logging:\n    level: loud\n", want: "telemetry"},
		{name: "bad duration", yaml: "deploy:\n  health:\n    timeout: soon\n", want: "time.Duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLayoutOverride(t *testing.T) {
	cfg, err := Parse([]byte("deploy:\n  after:\n    install-skill: setup\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	layout := cfg.Deploy.Layout()
	if len(layout.Stages) != len(deploy.DefaultLayout().Stages) {
		t.Errorf("stages = %v, want the default order", layout.Stages)
	}
	if layout.After[deploy.StageInstallSkills] != deploy.StageSetup {
		t.Errorf("after = %v", layout.After)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FROYOBOX_DATABASE_PATH":    "/data/fb.db",
		"FROYOBOX_PROVIDER":         "fleet",
		"FROYOBOX_FLEET_API_URL":    "https://fleet.test",
		"FROYOBOX_POLICY_PATHS":     "/etc/policies, /opt/policies ,",
		"FROYOBOX_POLICY_WATCH":     "true",
		"FROYOBOX_HEALTH_TIMEOUT":   "90s",
		"FROYOBOX_LOG_LEVEL":        "debug",
		"FROYOBOX_TRACING_ENDPOINT": "otel:4317",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Database.Path != "/data/fb.db" || cfg.Provider.Type != "fleet" || cfg.Provider.Fleet.APIURL != "https://fleet.test" {
		t.Errorf("unexpected config: %+v %+v", cfg.Database, cfg.Provider)
	}
	if len(cfg.Policy.Paths) != 2 || cfg.Policy.Paths[1] != "/opt/policies" || !cfg.Policy.Watch {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Deploy.Health.Timeout != 90*time.Second {
		t.Errorf("health timeout = %s", cfg.Deploy.Health.Timeout)
	}
	if cfg.Telemetry.Logging.Level != "debug" || !cfg.Telemetry.Tracing.Enabled || cfg.Telemetry.Tracing.Endpoint != "otel:4317" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "FROYOBOX_HEALTH_TIMEOUT" {
			return "forever", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "FROYOBOX_HEALTH_TIMEOUT") {
		t.Errorf("ApplyEnv() error = %v, want it to name the variable", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "froyobox.yaml")
	if err := os.WriteFile(path, []byte("database:\n  path: from-file.db\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("FROYOBOX_SERVER_ADDRESS", "127.0.0.1:7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Path != "from-file.db" || cfg.Server.Address != "127.0.0.1:7000" {
		t.Errorf("database=%q server=%q", cfg.Database.Path, cfg.Server.Address)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestEnvNames(t *testing.T) {
	for _, name := range EnvNames() {
		if !strings.HasPrefix(name, EnvPrefix) {
			t.Errorf("%s lacks the %s prefix", name, EnvPrefix)
		}
	}
}
