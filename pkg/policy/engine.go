package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/telemetry"
)

// Config configures deploy admission.
type Config struct {
	// Paths are .rego files or directories with custom policies.
	Paths []string `yaml:"paths"`

	// Watch reloads custom policies when files under Paths change.
	Watch bool `yaml:"watch"`

	// MaxSkills is passed to policies as input.limits.max_skills. Zero
	// means unlimited.
	MaxSkills int `yaml:"max_skills" validate:"min=0"`

	// Disabled lists policy names to turn off, built-ins included.
	Disabled []string `yaml:"disabled"`
}

// DefaultConfig returns the default admission configuration.
func DefaultConfig() Config {
	return Config{MaxSkills: 10}
}

// Engine evaluates Rego deny rules before a deploy is accepted.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	cfg      Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	loader   *Loader
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine compiles the built-in policies and loads custom ones from
// cfg.Paths.
func NewEngine(ctx context.Context, cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		metrics:  metrics,
	}
	e.loader = NewLoader(e.logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	if len(cfg.Paths) > 0 {
		if err := e.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	e.applyDisabled()

	e.logger.Info().
		Int("builtin", len(builtins)).
		Int("total", len(e.policies)).
		Msg("Policy engine ready")

	return e, nil
}

// Admit evaluates a deploy of box. Blocking violations are returned as a
// VALIDATION_FAILED error naming every violated rule.
func (e *Engine) Admit(ctx context.Context, box *engine.Box, catalogSkills []string) error {
	input := NewDeployInput(box, catalogSkills, Limits{MaxSkills: e.cfg.MaxSkills})
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.InternalError("policy evaluation failed", err)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("box_id", box.ID).
			Str("policy", w.Policy).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		e.metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		messages = append(messages, v.Message)
	}
	return engine.ValidationError("deploy rejected by policy: %s", strings.Join(messages, "; ")).
		WithResource(box.ID).
		WithDetail("violations", result.Violations)
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(active)),
	}

	for _, cp := range active {
		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// evaluatePolicy evaluates the deny set of a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	// Set iteration order is not stable across evaluations.
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from a deny entry, which is either a
// string or an object with message and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && sev != "" {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	if violation.Message == "" {
		violation.Message = fmt.Sprintf("denied by policy %s", policy.Name)
	}
	return violation
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads custom policies from paths and replaces the current
// custom set. Nothing changes if any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.loader.ClearCache()
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies compiles policies and swaps them in as the custom set.
// Built-in policies are kept. A custom policy may not reuse a built-in name.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		if _, dup := compiled[p.Name]; dup {
			return engine.ValidationError("duplicate policy name %q", p.Name)
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return engine.ValidationError("failed to compile policy %s: %v", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return engine.ValidationError("policy %q shadows a built-in policy", name)
		}
	}

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.applyDisabledLocked()

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Custom policies loaded")

	return nil
}

// Watch reloads custom policies whenever files under the configured paths
// change. It returns immediately; watching stops when ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if len(e.cfg.Paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, e.cfg.Paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

func (e *Engine) applyDisabled() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyDisabledLocked()
}

func (e *Engine) applyDisabledLocked() {
	for _, name := range e.cfg.Disabled {
		if cp, ok := e.policies[name]; ok {
			cp.policy.Enabled = false
		}
	}
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NotFoundError("policy", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NotFoundError("policy", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
