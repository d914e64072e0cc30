package deploy

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

func testBox(skills ...string) *engine.Box {
	return &engine.Box{
		ID:                "box-1",
		Name:              "demo",
		Subdomain:         "demo-ab12",
		Status:            engine.BoxStatusDeploying,
		DeploymentAttempt: 2,
		Skills:            skills,
	}
}

func nodesByID(nodes []workflow.Node) map[string]workflow.Node {
	out := make(map[string]workflow.Node, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}

func deps(n workflow.Node) string {
	d := append([]string(nil), n.DependsOn...)
	sort.Strings(d)
	return strings.Join(d, ",")
}

func TestDefaultLayoutBuild(t *testing.T) {
	nodes, err := DefaultLayout().Build(testBox("git", "node"), []string{"a", "b"}, DefaultConfig())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	byID := nodesByID(nodes)
	want := map[string]string{
		"create-instance":    "",
		"setup:a":            "create-instance",
		"setup:b":            "setup:a",
		"health-check":       "setup:b",
		"install-skill:git":  "health-check",
		"install-skill:node": "health-check",
		"skills-gate":        "install-skill:git,install-skill:node",
		"enable-access":      "skills-gate",
		"finalize":           "enable-access",
	}
	if len(nodes) != len(want) {
		t.Fatalf("got %d nodes, want %d", len(nodes), len(want))
	}
	for id, wantDeps := range want {
		n, ok := byID[id]
		if !ok {
			t.Errorf("missing node %s", id)
			continue
		}
		if got := deps(n); got != wantDeps {
			t.Errorf("%s depends on %q, want %q", id, got, wantDeps)
		}
	}

	for i, n := range nodes {
		var data JobData
		if err := json.Unmarshal(n.Data, &data); err != nil {
			t.Fatalf("node %s has invalid data: %v", n.ID, err)
		}
		if data.BoxID != "box-1" || data.Attempt != 2 || string(data.StepKey) != n.ID || data.Order != i+1 {
			t.Errorf("node %s data = %+v", n.ID, data)
		}
		if n.Queue != data.StepKey.Kind() {
			t.Errorf("node %s queue = %s, want %s", n.ID, n.Queue, data.StepKey.Kind())
		}
	}
}

func TestBuildWithoutSetupOrSkills(t *testing.T) {
	nodes, err := DefaultLayout().Build(testBox(), nil, DefaultConfig())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	byID := nodesByID(nodes)
	if len(nodes) != 5 {
		t.Fatalf("got %d nodes, want 5", len(nodes))
	}
	if got := deps(byID["health-check"]); got != "create-instance" {
		t.Errorf("health-check depends on %q, want create-instance", got)
	}
	if got := deps(byID["skills-gate"]); got != "health-check" {
		t.Errorf("skills-gate depends on %q, want health-check", got)
	}
}

func TestBuildHealthCheckOwnsItsDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StepAttempts = 4
	nodes, err := DefaultLayout().Build(testBox(), nil, cfg)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	for _, n := range nodes {
		if n.ID == string(engine.StepHealthCheck) {
			if n.MaxAttempts != 1 {
				t.Errorf("health-check MaxAttempts = %d, want 1", n.MaxAttempts)
			}
			if n.Timeout <= cfg.Health.Timeout {
				t.Errorf("health-check Timeout = %s, want more than %s", n.Timeout, cfg.Health.Timeout)
			}
			continue
		}
		if n.MaxAttempts != 4 {
			t.Errorf("%s MaxAttempts = %d, want 4", n.ID, n.MaxAttempts)
		}
	}
}

func TestLayoutAfterOverride(t *testing.T) {
	layout := DefaultLayout()
	// Skills install in parallel with the health check.
	layout.After = map[Stage]Stage{StageInstallSkills: StageSetup}

	nodes, err := layout.Build(testBox("git"), []string{"a"}, DefaultConfig())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	byID := nodesByID(nodes)
	if got := deps(byID["install-skill:git"]); got != "setup:a" {
		t.Errorf("install-skill:git depends on %q, want setup:a", got)
	}
	if got := deps(byID["skills-gate"]); got != "install-skill:git" {
		t.Errorf("skills-gate depends on %q, want install-skill:git", got)
	}
}

func TestLayoutOverrideMustReachFinalize(t *testing.T) {
	layout := DefaultLayout()
	// enable-access after create-instance leaves the gate dangling.
	layout.After = map[Stage]Stage{StageEnableAccess: StageCreateInstance}

	_, err := layout.Build(testBox("git"), nil, DefaultConfig())
	if !engine.IsValidation(err) {
		t.Fatalf("Build() error = %v, want VALIDATION_FAILED", err)
	}
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Layout)
		want   string
	}{
		{name: "default", mutate: func(*Layout) {}},
		{
			name:   "empty",
			mutate: func(l *Layout) { l.Stages = nil },
			want:   "no stages",
		},
		{
			name:   "wrong first stage",
			mutate: func(l *Layout) { l.Stages[0], l.Stages[1] = l.Stages[1], l.Stages[0] },
			want:   "must start with",
		},
		{
			name:   "wrong last stage",
			mutate: func(l *Layout) { l.Stages = l.Stages[:len(l.Stages)-1] },
			want:   "must end with",
		},
		{
			name:   "unknown stage",
			mutate: func(l *Layout) { l.Stages[2] = "reboot" },
			want:   "unknown stage",
		},
		{
			name:   "duplicate stage",
			mutate: func(l *Layout) { l.Stages[2] = StageSetup },
			want:   "appears twice",
		},
		{
			name:   "after later stage",
			mutate: func(l *Layout) { l.After = map[Stage]Stage{StageSetup: StageSkillsGate} },
			want:   "must come after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLayout()
			tt.mutate(&l)
			err := l.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestPlanDOT(t *testing.T) {
	nodes, err := DefaultLayout().Build(testBox("git"), []string{"a"}, DefaultConfig())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	dot, err := PlanDOT(nodes)
	if err != nil {
		t.Fatalf("PlanDOT() error: %v", err)
	}
	for _, want := range []string{"digraph", "setup:a", "finalize"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.Health.PollInterval != 5*time.Second || cfg.Health.Timeout != 120*time.Second || cfg.Health.RestartThreshold != 2 {
		t.Errorf("health defaults = %+v", cfg.Health)
	}
	if cfg.StepAttempts != 3 {
		t.Errorf("StepAttempts = %d, want 3", cfg.StepAttempts)
	}
}
