package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyobox/pkg/engine"
)

// EnvEvaluator runs env_script programs. Scripts see the box as a struct
// named box and must assign a dict of strings to env.
type EnvEvaluator struct {
	timeout time.Duration
}

// NewEnvEvaluator creates an evaluator. A zero timeout means 5 seconds.
func NewEnvEvaluator(timeout time.Duration) *EnvEvaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EnvEvaluator{timeout: timeout}
}

// BoxEnv evaluates script for box and returns the env dict.
func (ee *EnvEvaluator) BoxEnv(ctx context.Context, script string, box *engine.Box) (map[string]string, error) {
	globals, err := ee.Evaluate(ctx, script, starlark.StringDict{"box": boxStruct(box)})
	if err != nil {
		return nil, err
	}

	val, ok := globals["env"]
	if !ok {
		return nil, engine.ValidationError("env_script must assign a dict to env")
	}
	dict, ok := val.(*starlark.Dict)
	if !ok {
		return nil, engine.ValidationError("env_script: env must be a dict, got %s", val.Type())
	}

	env := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		k, ok := item[0].(starlark.String)
		if !ok {
			return nil, engine.ValidationError("env_script: env keys must be strings, got %s", item[0].Type())
		}
		v, ok := item[1].(starlark.String)
		if !ok {
			return nil, engine.ValidationError("env_script: env[%s] must be a string, got %s", k, item[1].Type())
		}
		env[string(k)] = string(v)
	}
	return env, nil
}

// Evaluate executes script with the given predeclared values and returns its
// globals. Execution stops when the timeout or ctx expires.
func (ee *EnvEvaluator) Evaluate(ctx context.Context, script string, predeclared starlark.StringDict) (starlark.StringDict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, ee.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "env_script",
		// Scripts must not write to the server log.
		Print: func(_ *starlark.Thread, _ string) {},
	}

	env := starlark.StringDict{"struct": starlark.NewBuiltin("struct", starlarkstruct.Make)}
	for k, v := range predeclared {
		env[k] = v
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, "env_script.star", script, env)
	close(done)

	if err != nil {
		if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return nil, engine.TimeoutError("env_script", ee.timeout)
		}
		if evalCtx.Err() != nil {
			return nil, evalCtx.Err()
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, engine.ValidationError("env_script failed: %s", evalErr.Backtrace())
		}
		return nil, engine.ValidationError("env_script failed: %v", err)
	}
	return globals, nil
}

func boxStruct(box *engine.Box) *starlarkstruct.Struct {
	skills := make([]starlark.Value, len(box.Skills))
	for i, s := range box.Skills {
		skills[i] = starlark.String(s)
	}
	return starlarkstruct.FromStringDict(starlark.String("box"), starlark.StringDict{
		"id":        starlark.String(box.ID),
		"name":      starlark.String(box.Name),
		"subdomain": starlark.String(box.Subdomain),
		"owner_id":  starlark.String(box.OwnerID),
		"provider":  starlark.String(box.Provider),
		"attempt":   starlark.MakeInt(box.DeploymentAttempt),
		"skills":    starlark.NewList(skills),
	})
}

// ValidateScript compiles script without running it.
func ValidateScript(script string) error {
	_, _, err := starlark.SourceProgram("env_script.star", script, func(name string) bool {
		return name == "box" || name == "struct"
	})
	if err != nil {
		return fmt.Errorf("env_script does not compile: %w", err)
	}
	return nil
}
