package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/providers"
)

// healthCheck polls the instance status until it reports healthy. A crash
// loop or an exited instance fails immediately; otherwise the check gives up
// with TIMEOUT once the configured timeout has elapsed, counting the time
// spent inside each status call.
func (h *Handlers) healthCheck(ctx context.Context, run *stepRun) (*StepResult, error) {
	handle, err := run.handle()
	if err != nil {
		return nil, err
	}

	hc := h.cfg.Health
	deadline := h.now().Add(hc.Timeout)
	restarting := 0
	var lastErr error

	for poll := 1; ; poll++ {
		raw, err := h.pollStatus(ctx, handle, deadline)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, healthAborted(ctx, hc, poll, lastErr)
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			// The status call ran into the check's own deadline.
			return nil, healthTimeout(hc, poll, err)
		case err != nil && !engine.IsRetryable(err):
			return nil, err
		case err != nil:
			// Transient status errors count against the timeout only.
			lastErr = err
			h.metrics.RecordHealthPoll("error")
			h.logger.Debug().Err(err).Str("box_id", run.box.ID).Int("poll", poll).Msg("Status poll failed")
		default:
			signal := providers.NormalizeStatus(raw)
			h.metrics.RecordHealthPoll(signal.String())

			switch {
			case signal.IsHealthy:
				h.logger.Info().Str("box_id", run.box.ID).Int("polls", poll).Msg("Instance is healthy")
				result := run.forward()
				result.Polls = poll
				return result, nil
			case signal.IsExited:
				return nil, engine.NewPermanentError("instance exited: "+raw, nil).
					WithCode(engine.ErrCodeProvider).
					WithOperation("health-check")
			case signal.IsRestarting:
				restarting++
				if restarting >= hc.RestartThreshold {
					return nil, engine.NewPermanentError("instance is crash looping: "+raw, nil).
						WithCode(engine.ErrCodeProvider).
						WithOperation("health-check").
						WithDetail("restarts", restarting)
				}
			default:
				restarting = 0
			}
		}

		remaining := deadline.Sub(h.now())
		if remaining <= 0 {
			return nil, healthTimeout(hc, poll, lastErr)
		}
		if err := h.sleep(ctx, min(hc.PollInterval, remaining)); err != nil {
			return nil, healthAborted(ctx, hc, poll, lastErr)
		}
	}
}

// pollStatus reads the instance status, bounded by the check deadline.
func (h *Handlers) pollStatus(ctx context.Context, handle string, deadline time.Time) (string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, deadline.Sub(h.now()))
	defer cancel()
	return h.provider.GetStatus(pollCtx, handle)
}

// healthAborted reports a check whose job context ended. An expired job
// deadline is a timeout like any other; cancellation is passed through.
func healthAborted(ctx context.Context, hc HealthConfig, polls int, lastErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return healthTimeout(hc, polls, lastErr)
	}
	return ctx.Err()
}

func healthTimeout(hc HealthConfig, polls int, lastErr error) error {
	err := engine.TimeoutError("health check", hc.Timeout).WithDetail("polls", polls)
	if lastErr != nil {
		err = err.WithDetail("last_error", lastErr.Error())
	}
	return err
}
