package deploy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/catalog"
	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
	"github.com/openfroyo/froyobox/pkg/stores"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

type testEnv struct {
	orch     *Orchestrator
	store    *stores.SQLiteStore
	provider *fakeProvider
}

func newTestEnv(t *testing.T, provider *fakeProvider, mutate func(*Dependencies)) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	wfCfg := workflow.DefaultConfig()
	wfCfg.BackoffBase = time.Millisecond
	wfCfg.BackoffMax = 5 * time.Millisecond
	wf := workflow.NewEngine(wfCfg, zerolog.Nop(), nil, nil)

	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wf.Close(closeCtx)
		_ = store.Close()
	})

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("failed to load default catalog: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Health.PollInterval = time.Second
	cfg.Health.Timeout = 3 * time.Second

	deps := Dependencies{
		Store:    store,
		Workflow: wf,
		Provider: provider,
		Catalog:  cat,
		Config:   cfg,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	orch, err := NewOrchestrator(deps)
	if err != nil {
		t.Fatalf("NewOrchestrator() error: %v", err)
	}
	// Polls do not wait in tests; sleeping advances a shared fake clock.
	var clockMu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orch.handlers.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	orch.handlers.sleep = func(ctx context.Context, d time.Duration) error {
		clockMu.Lock()
		clock = clock.Add(d)
		clockMu.Unlock()
		return ctx.Err()
	}

	return &testEnv{orch: orch, store: store, provider: provider}
}

func (e *testEnv) createBox(t *testing.T, skills ...string) *engine.Box {
	t.Helper()
	id := uuid.New().String()
	box := &engine.Box{
		ID:        id,
		Name:      "box-" + id[:8],
		Subdomain: "box-" + id[:8],
		Provider:  "fake",
		OwnerID:   "user-1",
		Skills:    skills,
	}
	if err := e.store.CreateBox(context.Background(), box); err != nil {
		t.Fatalf("CreateBox() error: %v", err)
	}
	return box
}

func (e *testEnv) deployAndWait(t *testing.T, boxID string) *engine.Box {
	t.Helper()
	if _, err := e.orch.Deploy(context.Background(), boxID, "user-1"); err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}
	return e.wait(t, boxID)
}

func (e *testEnv) wait(t *testing.T, boxID string) *engine.Box {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	box, err := e.orch.Wait(ctx, boxID)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	return box
}

func stepsByKey(t *testing.T, store *stores.SQLiteStore, boxID string, attempt int) map[engine.StepKey]*engine.DeployStep {
	t.Helper()
	rows, err := store.ListStepsByAttempt(context.Background(), boxID, attempt)
	if err != nil {
		t.Fatalf("ListStepsByAttempt() error: %v", err)
	}
	out := make(map[engine.StepKey]*engine.DeployStep, len(rows))
	for _, r := range rows {
		out[r.StepKey] = r
	}
	return out
}

func TestDeploySucceeds(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("created", "starting", "running"), nil)
	box := env.createBox(t, "git", "node")

	got := env.deployAndWait(t, box.ID)

	if got.Status != engine.BoxStatusRunning {
		t.Fatalf("Status = %s, want running (error: %v)", got.Status, got.ErrorMessage)
	}
	if got.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %q, want nil", *got.ErrorMessage)
	}
	wantURL := "https://" + box.Subdomain + ".boxes.test"
	if got.InstanceURL != wantURL {
		t.Errorf("InstanceURL = %q, want %q", got.InstanceURL, wantURL)
	}
	if !env.provider.public[got.InstanceHandle] {
		t.Error("public access was not enabled")
	}

	steps := stepsByKey(t, env.store, box.ID, 1)
	want := []engine.StepKey{
		engine.StepCreateInstance,
		engine.SetupStepKey("install-agent"),
		engine.SetupStepKey("create-workdirs"),
		engine.SetupStepKey("inject-env"),
		engine.StepHealthCheck,
		engine.InstallSkillStepKey("git"),
		engine.InstallSkillStepKey("node"),
		engine.StepSkillsGate,
		engine.StepEnableAccess,
		engine.StepFinalize,
	}
	if len(steps) != len(want) {
		t.Fatalf("got %d step rows, want %d", len(steps), len(want))
	}
	for _, key := range want {
		row, ok := steps[key]
		if !ok {
			t.Errorf("missing step row %s", key)
			continue
		}
		if row.Status != engine.StepStatusCompleted {
			t.Errorf("step %s status = %s, want completed", key, row.Status)
		}
		if row.StartedAt == nil || row.CompletedAt == nil {
			t.Errorf("step %s is missing timestamps", key)
		}
	}

	var health StepResult
	if err := json.Unmarshal(steps[engine.StepHealthCheck].Output, &health); err != nil {
		t.Fatalf("failed to decode health output: %v", err)
	}
	if health.Polls != 3 {
		t.Errorf("health polls = %d, want 3", health.Polls)
	}

	envFile := env.provider.file(got.InstanceHandle, "/etc/froyobox/env")
	for _, line := range []string{"FROYOBOX=1", "BOX_ID=" + box.ID, "BOX_SKILLS=git,node"} {
		if !strings.Contains(envFile, line+"\n") {
			t.Errorf("env file is missing %q:\n%s", line, envFile)
		}
	}
}

func TestDeployHealthTimeout(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("created"), nil)
	box := env.createBox(t, "git")

	got := env.deployAndWait(t, box.ID)

	if got.Status != engine.BoxStatusError {
		t.Fatalf("Status = %s, want error", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "timed out") {
		t.Fatalf("ErrorMessage = %v, want it to mention a timeout", got.ErrorMessage)
	}
	if !strings.Contains(*got.ErrorMessage, string(engine.StepHealthCheck)) {
		t.Errorf("ErrorMessage %q does not name the step", *got.ErrorMessage)
	}

	steps := stepsByKey(t, env.store, box.ID, 1)
	if row := steps[engine.StepHealthCheck]; row == nil || row.Status != engine.StepStatusFailed {
		t.Errorf("health-check row = %+v, want failed", row)
	}
	for _, key := range []engine.StepKey{engine.InstallSkillStepKey("git"), engine.StepSkillsGate, engine.StepEnableAccess, engine.StepFinalize} {
		if _, ok := steps[key]; ok {
			t.Errorf("step %s has a row, but it should never have run", key)
		}
	}
}

func TestDeployFailsFastOnUnhealthyInstance(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     string
	}{
		{name: "exited", statuses: []string{"created", "exited"}, want: "instance exited"},
		{name: "crash loop", statuses: []string{"restarting", "restarting"}, want: "crash looping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newFakeProvider(tt.statuses...), nil)
			box := env.createBox(t)

			got := env.deployAndWait(t, box.ID)
			if got.Status != engine.BoxStatusError {
				t.Fatalf("Status = %s, want error", got.Status)
			}
			if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, tt.want) {
				t.Errorf("ErrorMessage = %v, want it to contain %q", got.ErrorMessage, tt.want)
			}
			if env.provider.polls != len(tt.statuses) {
				t.Errorf("polls = %d, want %d", env.provider.polls, len(tt.statuses))
			}
		})
	}
}

func TestRetryAfterFailureStartsNewAttempt(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("exited"), nil)
	box := env.createBox(t)

	first := env.deployAndWait(t, box.ID)
	if first.Status != engine.BoxStatusError {
		t.Fatalf("first attempt status = %s, want error", first.Status)
	}
	firstHandle := first.InstanceHandle

	env.provider.setStatuses("running")
	second := env.deployAndWait(t, box.ID)

	if second.Status != engine.BoxStatusRunning {
		t.Fatalf("second attempt status = %s, want running", second.Status)
	}
	if second.DeploymentAttempt != 2 {
		t.Errorf("DeploymentAttempt = %d, want 2", second.DeploymentAttempt)
	}
	if second.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %q, want it cleared", *second.ErrorMessage)
	}
	if second.InstanceHandle == firstHandle {
		t.Error("second attempt reused the first attempt's instance")
	}
	if !env.provider.wasDeleted(firstHandle) {
		t.Error("instance of the failed attempt was not removed")
	}

	old := stepsByKey(t, env.store, box.ID, 1)
	if row := old[engine.StepHealthCheck]; row == nil || row.Status != engine.StepStatusFailed {
		t.Errorf("attempt 1 health-check row = %+v, want it kept as failed", row)
	}
	all, err := env.store.ListStepsByBox(context.Background(), box.ID)
	if err != nil {
		t.Fatalf("ListStepsByBox() error: %v", err)
	}
	if len(all) <= len(old) || all[0].DeploymentAttempt != 1 || all[len(all)-1].DeploymentAttempt != 2 {
		t.Errorf("ledger is not ordered by attempt: first=%d last=%d", all[0].DeploymentAttempt, all[len(all)-1].DeploymentAttempt)
	}
}

func TestDeployRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, newFakeProvider(), nil)
	ctx := context.Background()

	running := env.createBox(t)
	if got := env.deployAndWait(t, running.ID); got.Status != engine.BoxStatusRunning {
		t.Fatalf("setup deploy status = %s, want running", got.Status)
	}
	pending := env.createBox(t)

	tests := []struct {
		name  string
		boxID string
		owner string
		code  string
	}{
		{name: "running box", boxID: running.ID, owner: "user-1", code: engine.ErrCodeInvalidStatus},
		{name: "unknown box", boxID: uuid.New().String(), owner: "user-1", code: engine.ErrCodeNotFound},
		{name: "other owner", boxID: pending.ID, owner: "user-2", code: engine.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.Deploy(ctx, tt.boxID, tt.owner)
			if !engine.HasCode(err, tt.code) {
				t.Errorf("Deploy() error = %v, want %s", err, tt.code)
			}
		})
	}

	got, err := env.store.GetBox(ctx, pending.ID)
	if err != nil {
		t.Fatalf("GetBox() error: %v", err)
	}
	if got.Status != engine.BoxStatusPending {
		t.Errorf("rejected deploy changed status to %s", got.Status)
	}
}

type denyAll struct{}

func (denyAll) Admit(ctx context.Context, box *engine.Box, catalogSkills []string) error {
	return engine.ValidationError("deploy rejected by policy: no")
}

func TestDeployRejectedByPolicy(t *testing.T) {
	env := newTestEnv(t, newFakeProvider(), func(d *Dependencies) { d.Policy = denyAll{} })
	box := env.createBox(t)

	_, err := env.orch.Deploy(context.Background(), box.ID, "user-1")
	if !engine.IsValidation(err) {
		t.Fatalf("Deploy() error = %v, want VALIDATION_FAILED", err)
	}

	got, _ := env.store.GetBox(context.Background(), box.ID)
	if got.Status != engine.BoxStatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if rows := stepsByKey(t, env.store, box.ID, 1); len(rows) != 0 {
		t.Errorf("got %d step rows, want none", len(rows))
	}
}

type recordingCleaner struct{ boxes []string }

func (c *recordingCleaner) RemoveForBox(ctx context.Context, boxID string) error {
	c.boxes = append(c.boxes, boxID)
	return nil
}

func TestDeleteDuringDeploy(t *testing.T) {
	provider := newFakeProvider()
	entered := make(chan struct{})
	provider.exec = func(ctx context.Context, cmd providers.Command) (*providers.ExecResult, error) {
		if strings.Contains(cmd.String(), "mkdir -p /workspace") {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &providers.ExecResult{}, nil
	}
	cleaner := &recordingCleaner{}
	env := newTestEnv(t, provider, func(d *Dependencies) { d.Cronjobs = cleaner })
	box := env.createBox(t, "git")
	ctx := context.Background()

	if _, err := env.orch.Deploy(ctx, box.ID, "user-1"); err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("setup step never started")
	}

	deleted, err := env.orch.Delete(ctx, box.ID, "user-1")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	got := env.wait(t, box.ID)

	if got.Status != engine.BoxStatusDeleted || got.DeletedAt == nil {
		t.Errorf("Status = %s, DeletedAt = %v, want deleted", got.Status, got.DeletedAt)
	}
	if !provider.wasDeleted(deleted.InstanceHandle) {
		t.Errorf("instance %q was not removed", deleted.InstanceHandle)
	}
	if len(cleaner.boxes) != 1 || cleaner.boxes[0] != box.ID {
		t.Errorf("cronjob cleanup calls = %v, want [%s]", cleaner.boxes, box.ID)
	}

	steps := stepsByKey(t, env.store, box.ID, 1)
	for _, key := range []engine.StepKey{engine.StepHealthCheck, engine.StepEnableAccess, engine.StepFinalize} {
		if _, ok := steps[key]; ok {
			t.Errorf("step %s ran after delete", key)
		}
	}
	for key, row := range steps {
		if row.Status == engine.StepStatusRunning || row.Status == engine.StepStatusPending {
			t.Errorf("step %s left %s after delete", key, row.Status)
		}
	}
	interrupted := steps[engine.SetupStepKey("create-workdirs")]
	if interrupted == nil || interrupted.Status != engine.StepStatusFailed {
		t.Fatalf("interrupted setup row = %+v, want failed", interrupted)
	}
	if interrupted.Message == nil || *interrupted.Message != "cancelled: box deleted" {
		t.Errorf("interrupted setup message = %v, want %q", interrupted.Message, "cancelled: box deleted")
	}

	// Deleting twice succeeds and deploying a deleted box does not.
	if _, err := env.orch.Delete(ctx, box.ID, "user-1"); err != nil {
		t.Errorf("second Delete() error: %v", err)
	}
	if _, err := env.orch.Deploy(ctx, box.ID, "user-1"); !engine.IsInvalidStatus(err) {
		t.Errorf("Deploy() of deleted box error = %v, want INVALID_STATUS", err)
	}
}

func TestSkillFailuresAreRecordedButDoNotFailDeploy(t *testing.T) {
	provider := newFakeProvider()
	provider.exec = failCommands("python3")
	env := newTestEnv(t, provider, nil)
	box := env.createBox(t, "git", "python")

	got := env.deployAndWait(t, box.ID)
	if got.Status != engine.BoxStatusRunning {
		t.Fatalf("Status = %s (%v), want running", got.Status, got.ErrorMessage)
	}

	steps := stepsByKey(t, env.store, box.ID, 1)
	if row := steps[engine.InstallSkillStepKey("python")]; row == nil || row.Status != engine.StepStatusFailed {
		t.Errorf("install-skill:python row = %+v, want failed", row)
	}
	if row := steps[engine.InstallSkillStepKey("git")]; row == nil || row.Status != engine.StepStatusCompleted {
		t.Errorf("install-skill:git row = %+v, want completed", row)
	}

	var gate StepResult
	if err := json.Unmarshal(steps[engine.StepSkillsGate].Output, &gate); err != nil {
		t.Fatalf("failed to decode gate output: %v", err)
	}
	if len(gate.Installed) != 1 || gate.Installed[0] != "git" {
		t.Errorf("gate installed = %v, want [git]", gate.Installed)
	}
	if len(gate.FailedSkills) != 1 || gate.FailedSkills[0] != "python" {
		t.Errorf("gate failed = %v, want [python]", gate.FailedSkills)
	}
}

func TestSkillsGateFailsWhenNothingInstalled(t *testing.T) {
	provider := newFakeProvider()
	provider.exec = failCommands("python3")
	env := newTestEnv(t, provider, nil)
	box := env.createBox(t, "python")

	got := env.deployAndWait(t, box.ID)
	if got.Status != engine.BoxStatusError {
		t.Fatalf("Status = %s, want error", got.Status)
	}
	if got.ErrorMessage == nil || !strings.HasPrefix(*got.ErrorMessage, "skills-gate failed") {
		t.Errorf("ErrorMessage = %v, want it to name the skills gate", got.ErrorMessage)
	}
}

func TestFailOnSkillError(t *testing.T) {
	provider := newFakeProvider()
	provider.exec = failCommands("python3")
	env := newTestEnv(t, provider, func(d *Dependencies) { d.Config.Skills.FailOnSkillError = true })
	box := env.createBox(t, "git", "python")

	got := env.deployAndWait(t, box.ID)
	if got.Status != engine.BoxStatusError {
		t.Fatalf("Status = %s, want error", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "install-skill:python failed") {
		t.Errorf("ErrorMessage = %v, want it to name install-skill:python", got.ErrorMessage)
	}
}

func TestHandlerRerunReturnsRecordedOutput(t *testing.T) {
	env := newTestEnv(t, newFakeProvider(), nil)
	box := env.createBox(t)

	got := env.deployAndWait(t, box.ID)
	if got.Status != engine.BoxStatusRunning {
		t.Fatalf("Status = %s, want running", got.Status)
	}
	if n := env.provider.createCount(); n != 1 {
		t.Fatalf("creates = %d, want 1", n)
	}

	// A redelivered create-instance job must not provision again.
	data, _ := json.Marshal(JobData{BoxID: box.ID, Attempt: 1, StepKey: engine.StepCreateInstance, Order: 1})
	handler := env.orch.handlers.wrap(env.orch.handlers.createInstance)
	out, err := handler(context.Background(), &workflow.Job{
		NodeID:      string(engine.StepCreateInstance),
		Queue:       string(StageCreateInstance),
		Data:        data,
		Attempt:     1,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("rerun error: %v", err)
	}

	var result StepResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("failed to decode rerun output: %v", err)
	}
	if result.Handle != got.InstanceHandle {
		t.Errorf("rerun handle = %q, want %q", result.Handle, got.InstanceHandle)
	}
	if n := env.provider.createCount(); n != 1 {
		t.Errorf("creates after rerun = %d, want 1", n)
	}
}

func TestStaleHandlerCancelsFlow(t *testing.T) {
	env := newTestEnv(t, newFakeProvider(), nil)
	box := env.createBox(t)

	data, _ := json.Marshal(JobData{BoxID: box.ID, Attempt: 5, StepKey: engine.StepCreateInstance, Order: 1})
	handler := env.orch.handlers.wrap(env.orch.handlers.createInstance)
	_, err := handler(context.Background(), &workflow.Job{Data: data, Attempt: 1, MaxAttempts: 1})
	if err != workflow.ErrCancelFlow {
		t.Fatalf("error = %v, want ErrCancelFlow", err)
	}
	if rows := stepsByKey(t, env.store, box.ID, 5); len(rows) != 0 {
		t.Errorf("stale handler wrote %d rows", len(rows))
	}
}

func TestCorruptDependencyResultFailsStep(t *testing.T) {
	env := newTestEnv(t, newFakeProvider(), nil)
	box := env.createBox(t)
	ctx := context.Background()
	if _, err := env.store.BeginDeployment(ctx, box.ID); err != nil {
		t.Fatalf("BeginDeployment() error: %v", err)
	}

	data, _ := json.Marshal(JobData{BoxID: box.ID, Attempt: 1, StepKey: engine.StepHealthCheck, Order: 3})
	handler := env.orch.handlers.wrap(env.orch.handlers.healthCheck)
	_, err := handler(ctx, &workflow.Job{
		NodeID:            string(engine.StepHealthCheck),
		Queue:             string(StageHealthCheck),
		Data:              data,
		Attempt:           1,
		MaxAttempts:       1,
		DependencyResults: map[string]json.RawMessage{"setup:inject-env": json.RawMessage(`not json`)},
	})
	if !engine.HasCode(err, engine.ErrCodeInternal) {
		t.Fatalf("error = %v, want INTERNAL_ERROR", err)
	}
	if env.provider.polls != 0 {
		t.Errorf("polls = %d, want the step to stop before polling", env.provider.polls)
	}

	row := stepsByKey(t, env.store, box.ID, 1)[engine.StepHealthCheck]
	if row == nil || row.Status != engine.StepStatusFailed {
		t.Fatalf("health-check row = %+v, want failed", row)
	}
	got, err := env.store.GetBox(ctx, box.ID)
	if err != nil {
		t.Fatalf("GetBox() error: %v", err)
	}
	if got.Status != engine.BoxStatusError || got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "setup:inject-env") {
		t.Errorf("box = %s %v, want error naming the corrupt dependency", got.Status, got.ErrorMessage)
	}
}

func TestStepsAndPlan(t *testing.T) {
	env := newTestEnv(t, newFakeProvider(), nil)
	box := env.createBox(t, "git")
	ctx := context.Background()

	dot, err := env.orch.Plan(ctx, box.ID, "user-1")
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if !strings.HasPrefix(dot, "digraph") || !strings.Contains(dot, "install-skill:git") {
		t.Errorf("unexpected plan:\n%s", dot)
	}

	env.deployAndWait(t, box.ID)

	steps, err := env.orch.Steps(ctx, box.ID, "user-1", 0)
	if err != nil {
		t.Fatalf("Steps() error: %v", err)
	}
	if len(steps) != 9 {
		t.Errorf("got %d steps, want 9", len(steps))
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Order < steps[i-1].Order {
			t.Errorf("steps not ordered: %s(%d) after %s(%d)", steps[i].StepKey, steps[i].Order, steps[i-1].StepKey, steps[i-1].Order)
		}
	}

	if _, err := env.orch.Steps(ctx, box.ID, "user-2", 0); !engine.IsNotFound(err) {
		t.Errorf("Steps() for other owner error = %v, want NOT_FOUND", err)
	}
}
