package cronjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
	"github.com/openfroyo/froyobox/pkg/workflow"
)

// handle is the workflow handler of one activation.
func (s *Scheduler) handle(ctx context.Context, job *workflow.Job) (json.RawMessage, error) {
	var p payload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return nil, engine.NewPermanentError("invalid cronjob payload", err).WithCode(engine.ErrCodeInternal)
	}

	cj, err := s.store.GetCronjob(ctx, p.CronjobID)
	if engine.IsNotFound(err) {
		// Deleted between the trigger firing and the job running.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cj.Enabled {
		return nil, nil
	}

	exec, err := s.Execute(ctx, cj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(exec)
}

// Execute runs a cronjob once and records the execution. An execution on a
// box that is not running is recorded as failed without touching the
// provider. Command failures are recorded, not returned.
func (s *Scheduler) Execute(ctx context.Context, cj *engine.Cronjob) (*engine.CronjobExecution, error) {
	start := s.now()
	exec := &engine.CronjobExecution{
		CronjobID: cj.ID,
		Status:    engine.ExecutionStatusRunning,
		StartedAt: start.UTC(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	logger := s.logger.With().Str("cronjob_id", cj.ID).Str("box_id", cj.BoxID).Str("execution_id", exec.ID).Logger()

	s.run(ctx, cj, exec)

	duration := s.now().Sub(start)
	completed := start.Add(duration).UTC()
	exec.DurationMS = duration.Milliseconds()
	exec.CompletedAt = &completed

	// Record the outcome even if the activation was cancelled.
	recordCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateExecution(recordCtx, exec); err != nil {
		return nil, err
	}

	var next *time.Time
	if t, ok := s.wf.NextActivation(cj.RepeatableKey()); ok {
		t = t.UTC()
		next = &t
	}
	if err := s.store.SetCronjobRun(recordCtx, cj.ID, start, next); err != nil && !engine.IsNotFound(err) {
		logger.Warn().Err(err).Msg("Failed to record cronjob run")
	}

	s.metrics.RecordCronRun(string(exec.Status), duration)
	event := logger.Info()
	if exec.Status == engine.ExecutionStatusFailed {
		event = logger.Warn()
		if exec.Error != nil {
			event = event.Str("error", *exec.Error)
		}
	}
	event.Dur("duration", duration).Str("status", string(exec.Status)).Msg("Cronjob executed")
	return exec, nil
}

// run fills in the outcome of exec.
func (s *Scheduler) run(ctx context.Context, cj *engine.Cronjob, exec *engine.CronjobExecution) {
	fail := func(msg string) {
		exec.Status = engine.ExecutionStatusFailed
		exec.Error = &msg
	}

	box, err := s.store.GetBox(ctx, cj.BoxID)
	if err != nil {
		fail(fmt.Sprintf("failed to load box: %v", err))
		return
	}
	if box.Status != engine.BoxStatusRunning || box.InstanceHandle == "" {
		fail(fmt.Sprintf("skipped: box is %s", box.Status))
		return
	}

	res, err := s.provider.ExecCommand(ctx, box.InstanceHandle, providers.Command{
		Shell:   cj.Command,
		Timeout: s.cfg.CommandTimeout,
	})
	if err != nil {
		fail(err.Error())
		return
	}

	code := res.ExitCode
	exec.ExitCode = &code
	exec.Output = truncate(combineOutput(res), s.cfg.OutputLimit)
	if res.Succeeded() {
		exec.Status = engine.ExecutionStatusCompleted
		return
	}
	fail(fmt.Sprintf("command exited with status %d", code))
}

func combineOutput(res *providers.ExecResult) string {
	switch {
	case res.Stderr == "":
		return res.Stdout
	case res.Stdout == "":
		return res.Stderr
	default:
		return strings.TrimRight(res.Stdout, "\n") + "\n" + res.Stderr
	}
}

// truncate keeps the last limit bytes of s.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
