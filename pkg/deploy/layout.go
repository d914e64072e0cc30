package deploy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// Stage is one group of nodes in the deploy DAG.
type Stage string

const (
	StageCreateInstance Stage = "create-instance"
	StageSetup          Stage = "setup"
	StageHealthCheck    Stage = "health-check"
	StageInstallSkills  Stage = "install-skill"
	StageSkillsGate     Stage = "skills-gate"
	StageEnableAccess   Stage = "enable-access"
	StageFinalize       Stage = "finalize"
)

var knownStages = map[Stage]bool{
	StageCreateInstance: true,
	StageSetup:          true,
	StageHealthCheck:    true,
	StageInstallSkills:  true,
	StageSkillsGate:     true,
	StageEnableAccess:   true,
	StageFinalize:       true,
}

// Layout is the parameterized shape of the deploy DAG. Each stage depends on
// the output nodes of the stage before it unless After names another,
// earlier stage. A stage without nodes (no setup steps, no skills) passes
// its own dependencies through.
//
// Setup steps form a linear chain. Install-skill nodes fan out from the same
// dependencies and the skills gate joins them.
type Layout struct {
	Stages []Stage         `yaml:"stages"`
	After  map[Stage]Stage `yaml:"after"`
}

// DefaultLayout returns the reference ordering:
// create-instance, setup chain, health-check, install-skill fan-out,
// skills-gate, enable-access, finalize.
func DefaultLayout() Layout {
	return Layout{
		Stages: []Stage{
			StageCreateInstance,
			StageSetup,
			StageHealthCheck,
			StageInstallSkills,
			StageSkillsGate,
			StageEnableAccess,
			StageFinalize,
		},
	}
}

// Validate checks the stage list independently of any box.
func (l Layout) Validate() error {
	if len(l.Stages) == 0 {
		return engine.ValidationError("layout has no stages")
	}
	if l.Stages[0] != StageCreateInstance {
		return engine.ValidationError("layout must start with %s", StageCreateInstance)
	}
	if l.Stages[len(l.Stages)-1] != StageFinalize {
		return engine.ValidationError("layout must end with %s", StageFinalize)
	}

	position := make(map[Stage]int, len(l.Stages))
	for i, s := range l.Stages {
		if !knownStages[s] {
			return engine.ValidationError("unknown stage %q", s)
		}
		if _, dup := position[s]; dup {
			return engine.ValidationError("stage %q appears twice", s)
		}
		position[s] = i
	}
	for s := range knownStages {
		if _, ok := position[s]; !ok {
			return engine.ValidationError("layout is missing stage %q", s)
		}
	}

	for stage, after := range l.After {
		sp, ok := position[stage]
		if !ok {
			return engine.ValidationError("after: unknown stage %q", stage)
		}
		ap, ok := position[after]
		if !ok {
			return engine.ValidationError("after: %s depends on unknown stage %q", stage, after)
		}
		if ap >= sp {
			return engine.ValidationError("after: %s must come after %s", stage, after)
		}
	}
	return nil
}

// JobData is the payload of every deploy node.
type JobData struct {
	BoxID   string         `json:"box_id"`
	Attempt int            `json:"deployment_attempt"`
	StepKey engine.StepKey `json:"step_key"`
	Order   int            `json:"order"`
}

// Build returns the nodes of one deployment attempt of box. Node IDs are step
// keys and queues are step kinds.
func (l Layout) Build(box *engine.Box, setupNames []string, cfg Config) ([]workflow.Node, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	var nodes []workflow.Node
	add := func(key engine.StepKey, deps []string) (string, error) {
		data, err := json.Marshal(JobData{
			BoxID:   box.ID,
			Attempt: box.DeploymentAttempt,
			StepKey: key,
			Order:   len(nodes) + 1,
		})
		if err != nil {
			return "", engine.InternalError("failed to encode job data", err)
		}
		node := workflow.Node{
			ID:          string(key),
			Queue:       key.Kind(),
			Data:        data,
			DependsOn:   append([]string(nil), deps...),
			MaxAttempts: cfg.StepAttempts,
		}
		if key == engine.StepHealthCheck {
			// Polling owns its own deadline; retrying it would restart the clock.
			node.MaxAttempts = 1
			node.Timeout = cfg.Health.Timeout + cfg.Health.PollInterval + 30*time.Second
		}
		nodes = append(nodes, node)
		return node.ID, nil
	}

	tails := make(map[Stage][]string, len(l.Stages))
	var prev []string

	for _, stage := range l.Stages {
		deps := prev
		if after, ok := l.After[stage]; ok {
			deps = tails[after]
		}

		var out []string
		switch stage {
		case StageSetup:
			chain := deps
			for _, name := range setupNames {
				id, err := add(engine.SetupStepKey(name), chain)
				if err != nil {
					return nil, err
				}
				chain = []string{id}
			}
			out = chain

		case StageInstallSkills:
			for _, skill := range box.Skills {
				id, err := add(engine.InstallSkillStepKey(skill), deps)
				if err != nil {
					return nil, err
				}
				out = append(out, id)
			}
			if len(out) == 0 {
				out = deps
			}

		default:
			id, err := add(engine.StepKey(stage), deps)
			if err != nil {
				return nil, err
			}
			out = []string{id}
		}

		tails[stage] = out
		prev = out
	}

	if err := checkRooted(nodes, string(engine.StepFinalize)); err != nil {
		return nil, err
	}
	if _, err := workflow.NewDAGBuilder().BuildGraph(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// checkRooted verifies that every node is a transitive dependency of root,
// so a finished root implies a finished deployment.
func checkRooted(nodes []workflow.Node, root string) error {
	byID := make(map[string]*workflow.Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	seen := make(map[string]bool, len(nodes))
	var visit func(id string)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		if n, ok := byID[id]; ok {
			for _, dep := range n.DependsOn {
				visit(dep)
			}
		}
	}
	visit(root)

	for _, n := range nodes {
		if !seen[n.ID] {
			return engine.ValidationError("step %s is not on the path to %s", n.ID, root)
		}
	}
	return nil
}

// PlanDOT renders the nodes as a Graphviz digraph.
func PlanDOT(nodes []workflow.Node) (string, error) {
	builder := workflow.NewDAGBuilder()
	if _, err := builder.BuildGraph(nodes); err != nil {
		return "", err
	}
	return builder.ToDOT(), nil
}

// String returns a short description of a layout for logs.
func (l Layout) String() string {
	return fmt.Sprintf("%v after=%v", l.Stages, l.After)
}
