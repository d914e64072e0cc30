package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openfroyo/froyobox/pkg/engine"
)

// scheduleParser accepts standard five-field expressions and descriptors
// such as @hourly.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression and returns a schedule that
// evaluates in the given IANA timezone. An empty timezone means UTC.
func ParseSchedule(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, engine.ValidationError("cron expression is required")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, engine.ValidationError("cron expression must not embed a timezone")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, engine.ValidationError("invalid timezone %q: %v", timezone, err)
	}

	sched, err := scheduleParser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, engine.ValidationError("invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// NextRun returns the next activation of expr after from.
func NextRun(expr, timezone string, from time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// AddRepeatable registers a recurring trigger under key. Each activation
// submits a single-node flow on queue with payload as job data. Adding a key
// that already exists replaces its trigger.
func (e *Engine) AddRepeatable(key, expr, timezone, queue string, payload json.RawMessage) error {
	if key == "" {
		return engine.ValidationError("repeatable key is required")
	}
	sched, err := ParseSchedule(expr, timezone)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.queues[queue]; !ok {
		return engine.ValidationError("repeatable %s uses unregistered queue %s", key, queue)
	}
	if id, ok := e.repeatables[key]; ok {
		e.cron.Remove(id)
	}

	id := e.cron.Schedule(sched, cron.FuncJob(func() {
		e.fire(key, queue, payload)
	}))
	e.repeatables[key] = id

	e.logger.Debug().Str("key", key).Str("schedule", expr).Str("timezone", timezone).Msg("repeatable registered")
	return nil
}

// RemoveRepeatable deregisters a trigger. It reports whether one existed.
func (e *Engine) RemoveRepeatable(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.repeatables[key]
	if !ok {
		return false
	}
	e.cron.Remove(id)
	delete(e.repeatables, key)
	e.logger.Debug().Str("key", key).Msg("repeatable removed")
	return true
}

// Repeatables returns the registered trigger keys in sorted order.
func (e *Engine) Repeatables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(e.repeatables))
	for k := range e.repeatables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NextActivation returns the next scheduled time of a trigger.
func (e *Engine) NextActivation(key string) (time.Time, bool) {
	e.mu.Lock()
	id, ok := e.repeatables[key]
	e.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return e.cron.Entry(id).Next, true
}

// fire submits one activation of a repeatable trigger.
func (e *Engine) fire(key, queue string, payload json.RawMessage) {
	flowID := key + "@" + time.Now().UTC().Format("20060102T150405.000")
	_, err := e.Submit(context.Background(), Graph{
		FlowID: flowID,
		Nodes: []Node{{
			ID:          "run",
			Queue:       queue,
			Data:        payload,
			MaxAttempts: 1,
		}},
	})
	if err != nil {
		e.logger.Error().Err(err).Str("key", key).Msg("failed to submit repeatable activation")
	}
}
