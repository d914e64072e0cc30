package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/telemetry"
)

// Config tunes the workflow engine.
type Config struct {
	// DefaultConcurrency bounds each queue that has no explicit entry.
	DefaultConcurrency int `yaml:"default_concurrency" validate:"gte=1"`

	// Concurrency bounds individual queues by name.
	Concurrency map[string]int `yaml:"concurrency" validate:"dive,gte=1"`

	// DefaultMaxAttempts applies to nodes that do not set MaxAttempts.
	DefaultMaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `yaml:"backoff_max"`

	// JobTimeout bounds a single attempt for nodes without a Timeout.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// Retention is how long finished flows stay queryable.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency: 5,
		Concurrency:        map[string]int{},
		DefaultMaxAttempts: 3,
		BackoffBase:        time.Second,
		BackoffMax:         time.Minute,
		JobTimeout:         10 * time.Minute,
		Retention:          time.Hour,
	}
}

// Engine is an in-process, at-least-once DAG executor. Nodes of a flow run
// once all their dependencies completed. A failed node prevents every
// transitive dependent from running. Each queue has a bounded number of
// concurrently executing jobs across all flows.
type Engine struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu     sync.Mutex
	queues map[string]*queue
	flows  map[string]*flow
	closed bool

	cron        *cron.Cron
	repeatables map[string]cron.EntryID

	wg sync.WaitGroup
}

type queue struct {
	name    string
	handler Handler
	sem     chan struct{}
}

type flow struct {
	id     string
	nodes  map[string]*Node
	graph  *ExecutionGraph
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     *FlowState
	results   map[string]json.RawMessage
	cancelled bool
}

type nodeOutcome struct {
	id       string
	result   json.RawMessage
	attempts int
	err      error
}

// NewEngine creates a workflow engine and starts its repeatable trigger clock.
func NewEngine(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Engine {
	def := DefaultConfig()
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = def.DefaultConcurrency
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	logger = logger.With().Str("component", "workflow").Logger()
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		queues:      make(map[string]*queue),
		flows:       make(map[string]*flow),
		repeatables: make(map[string]cron.EntryID),
	}

	cl := cronLogger{logger: logger}
	e.cron = cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	e.cron.Start()

	return e
}

// Register binds a handler to a queue. A non-positive concurrency uses the
// configured bound for the queue, falling back to DefaultConcurrency.
func (e *Engine) Register(name string, handler Handler, concurrency int) error {
	if name == "" || handler == nil {
		return engine.ValidationError("queue name and handler are required")
	}
	if concurrency <= 0 {
		concurrency = e.cfg.Concurrency[name]
	}
	if concurrency <= 0 {
		concurrency = e.cfg.DefaultConcurrency
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.queues[name]; exists {
		return engine.AlreadyExistsError("queue", name)
	}
	e.queues[name] = &queue{
		name:    name,
		handler: handler,
		sem:     make(chan struct{}, concurrency),
	}
	return nil
}

// Submit validates a graph and starts executing it. It returns once the flow
// is accepted; use Wait to block until it finishes.
func (e *Engine) Submit(ctx context.Context, g Graph) (string, error) {
	if g.FlowID == "" {
		return "", engine.ValidationError("flow id is required")
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(g.Nodes)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", engine.NewPermanentError("workflow engine is closed", nil).WithCode(engine.ErrCodeInternal)
	}

	for _, n := range g.Nodes {
		if _, ok := e.queues[n.Queue]; !ok {
			return "", engine.ValidationError("node %s uses unregistered queue %s", n.ID, n.Queue)
		}
	}

	if existing, ok := e.flows[g.FlowID]; ok {
		existing.mu.Lock()
		active := !existing.state.Status.IsTerminal()
		existing.mu.Unlock()
		if active {
			return "", engine.AlreadyExistsError("flow", g.FlowID)
		}
	}
	e.pruneLocked()

	flowCtx, cancel := context.WithCancel(context.Background())
	f := &flow{
		id:      g.FlowID,
		nodes:   make(map[string]*Node, len(g.Nodes)),
		graph:   graph,
		ctx:     flowCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		results: make(map[string]json.RawMessage),
		state: &FlowState{
			ID:        g.FlowID,
			Status:    FlowStatusRunning,
			Nodes:     make(map[string]*NodeState, len(g.Nodes)),
			StartedAt: time.Now(),
		},
	}
	for i := range g.Nodes {
		n := g.Nodes[i]
		f.nodes[n.ID] = &n
		f.state.Nodes[n.ID] = &NodeState{ID: n.ID, Queue: n.Queue, Status: NodeStatusWaiting}
	}
	e.flows[g.FlowID] = f

	e.wg.Add(1)
	go e.runFlow(f)

	e.logger.Debug().
		Str("flow_id", f.id).
		Int("nodes", len(g.Nodes)).
		Int("depth", graph.Depth()).
		Msg("flow submitted")

	return f.id, nil
}

// Cancel stops a flow. Running jobs see their context cancelled and no
// further nodes start. Cancelling an unknown or finished flow is a no-op.
func (e *Engine) Cancel(flowID string) bool {
	e.mu.Lock()
	f, ok := e.flows[flowID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Status.IsTerminal() {
		return false
	}
	f.cancelled = true
	f.cancel()
	e.logger.Info().Str("flow_id", flowID).Msg("flow cancelled")
	return true
}

// Wait blocks until the flow finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, flowID string) (*FlowState, error) {
	e.mu.Lock()
	f, ok := e.flows[flowID]
	e.mu.Unlock()
	if !ok {
		return nil, engine.NotFoundError("flow", flowID)
	}

	select {
	case <-f.done:
		return f.snapshot(), nil
	case <-ctx.Done():
		return f.snapshot(), ctx.Err()
	}
}

// Status returns a snapshot of a flow.
func (e *Engine) Status(flowID string) (*FlowState, error) {
	e.mu.Lock()
	f, ok := e.flows[flowID]
	e.mu.Unlock()
	if !ok {
		return nil, engine.NotFoundError("flow", flowID)
	}
	return f.snapshot(), nil
}

// Close stops the trigger clock, cancels all active flows and waits for
// their goroutines to exit or ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	flows := make([]*flow, 0, len(e.flows))
	for _, f := range e.flows {
		flows = append(flows, f)
	}
	e.mu.Unlock()

	cronDone := e.cron.Stop()

	for _, f := range flows {
		e.Cancel(f.id)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneLocked drops finished flows older than the retention window.
// e.mu must be held.
func (e *Engine) pruneLocked() {
	cutoff := time.Now().Add(-e.cfg.Retention)
	for id, f := range e.flows {
		f.mu.Lock()
		completed := f.state.CompletedAt
		f.mu.Unlock()
		if completed != nil && completed.Before(cutoff) {
			delete(e.flows, id)
		}
	}
}

// runFlow drives a flow to completion.
func (e *Engine) runFlow(f *flow) {
	defer e.wg.Done()
	defer close(f.done)

	e.metrics.AddActiveFlows(1)
	defer e.metrics.AddActiveFlows(-1)

	outcomes := make(chan nodeOutcome, len(f.nodes))
	running := 0

	launch := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.cancelled {
			return
		}
		for _, level := range f.graph.Levels {
			for _, id := range level {
				st := f.state.Nodes[id]
				if st.Status != NodeStatusWaiting || !f.dependenciesCompletedLocked(id) {
					continue
				}
				st.Status = NodeStatusRunning
				running++
				deps := make(map[string]json.RawMessage, len(f.graph.Nodes[id].Dependencies))
				for _, dep := range f.graph.Nodes[id].Dependencies {
					deps[dep] = f.results[dep]
				}
				go e.runNode(f, f.nodes[id], deps, outcomes)
			}
		}
	}

	launch()
	for running > 0 {
		o := <-outcomes
		running--
		e.recordOutcome(f, o)
		launch()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	failed := false
	for _, st := range f.state.Nodes {
		switch st.Status {
		case NodeStatusWaiting, NodeStatusRunning:
			if f.cancelled {
				st.Status = NodeStatusCancelled
			} else {
				st.Status = NodeStatusSkipped
			}
		case NodeStatusFailed:
			failed = true
		}
	}

	now := time.Now()
	f.state.CompletedAt = &now
	switch {
	case f.cancelled:
		f.state.Status = FlowStatusCancelled
	case failed:
		f.state.Status = FlowStatusFailed
	default:
		f.state.Status = FlowStatusCompleted
	}
	f.cancel()

	e.logger.Debug().
		Str("flow_id", f.id).
		Str("status", string(f.state.Status)).
		Dur("duration", now.Sub(f.state.StartedAt)).
		Msg("flow finished")
}

// recordOutcome applies a node outcome to the flow state.
func (e *Engine) recordOutcome(f *flow, o nodeOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.state.Nodes[o.id]
	st.Attempts = o.attempts

	switch {
	case o.err == nil:
		st.Status = NodeStatusCompleted
		st.Result = o.result
		f.results[o.id] = o.result
	case errors.Is(o.err, ErrCancelFlow):
		st.Status = NodeStatusCancelled
		if !f.cancelled {
			f.cancelled = true
			f.cancel()
			e.logger.Info().Str("flow_id", f.id).Str("node_id", o.id).Msg("flow cancelled by handler")
		}
	case f.cancelled:
		st.Status = NodeStatusCancelled
	default:
		st.Status = NodeStatusFailed
		st.Error = o.err.Error()
		if f.state.Err == nil {
			f.state.Err = o.err
		}
		f.skipDependentsLocked(o.id)
	}
}

// dependenciesCompletedLocked reports whether all dependencies of id completed.
func (f *flow) dependenciesCompletedLocked(id string) bool {
	for _, dep := range f.graph.Nodes[id].Dependencies {
		if f.state.Nodes[dep].Status != NodeStatusCompleted {
			return false
		}
	}
	return true
}

// skipDependentsLocked marks every transitive dependent of id as skipped.
func (f *flow) skipDependentsLocked(id string) {
	for _, dependent := range f.graph.Nodes[id].Dependents {
		st := f.state.Nodes[dependent]
		if st.Status == NodeStatusWaiting {
			st.Status = NodeStatusSkipped
			st.Error = fmt.Sprintf("dependency %s failed", id)
			f.skipDependentsLocked(dependent)
		}
	}
}

// snapshot returns a deep copy of the flow state.
func (f *flow) snapshot() *FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *f.state
	cp.Nodes = make(map[string]*NodeState, len(f.state.Nodes))
	for id, st := range f.state.Nodes {
		n := *st
		cp.Nodes[id] = &n
	}
	return &cp
}

// runNode executes one node with retries and reports the outcome.
func (e *Engine) runNode(f *flow, node *Node, deps map[string]json.RawMessage, out chan<- nodeOutcome) {
	e.mu.Lock()
	q := e.queues[node.Queue]
	e.mu.Unlock()

	maxAttempts := node.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.DefaultMaxAttempts
	}

	var (
		result   json.RawMessage
		err      error
		attempts int
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		job := &Job{
			FlowID:            f.id,
			NodeID:            node.ID,
			Queue:             node.Queue,
			Data:              node.Data,
			Attempt:           attempt,
			MaxAttempts:       maxAttempts,
			DependencyResults: deps,
		}

		result, err = e.invoke(f.ctx, q, node, job)
		if err == nil || errors.Is(err, ErrCancelFlow) || f.ctx.Err() != nil {
			break
		}
		if !engine.IsRetryable(err) || attempt >= maxAttempts {
			break
		}

		delay := e.calculateBackoff(attempt, err)
		e.metrics.RecordJobRetry(node.Queue)
		e.logger.Warn().
			Err(err).
			Str("flow_id", f.id).
			Str("node_id", node.ID).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("job failed, retrying")

		select {
		case <-time.After(delay):
		case <-f.ctx.Done():
			err = f.ctx.Err()
		}
		if f.ctx.Err() != nil {
			break
		}
	}

	out <- nodeOutcome{id: node.ID, result: result, attempts: attempts, err: err}
}

// invoke runs a single attempt within the queue's concurrency bound.
func (e *Engine) invoke(ctx context.Context, q *queue, node *Node, job *Job) (result json.RawMessage, err error) {
	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-q.sem }()

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.JobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobCtx, span := e.tracer.StartJobSpan(jobCtx, job.FlowID, job.NodeID, job.Queue, job.Attempt)
	e.metrics.AddJobsInflight(q.name, 1)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = engine.NewPermanentError("job handler panicked", fmt.Errorf("%v", r)).
				WithCode(engine.ErrCodeInternal).
				WithResource(job.NodeID)
			e.logger.Error().Str("flow_id", job.FlowID).Str("node_id", job.NodeID).Interface("panic", r).Msg("job handler panicked")
		}

		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		e.metrics.AddJobsInflight(q.name, -1)
		e.metrics.RecordJob(q.name, outcome, time.Since(start))
		telemetry.End(span, err)
	}()

	return q.handler(jobCtx, job)
}

// calculateBackoff calculates exponential backoff with jitter.
func (e *Engine) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := e.cfg.BackoffBase

	// Rate limits and conflicts back off harder than plain transient failures.
	if engine.IsThrottled(err) {
		baseDelay *= 5
	} else if engine.IsConflict(err) {
		baseDelay *= 2
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > e.cfg.BackoffMax || delay <= 0 {
		delay = e.cfg.BackoffMax
	}

	// Up to +25% jitter.
	if quarter := int64(delay / 4); quarter > 0 {
		delay += time.Duration(rand.Int64N(quarter))
	}

	return delay
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	ev := l.logger.Debug()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	ev.Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	ev := l.logger.Error().Err(err)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	ev.Msg("cron: " + msg)
}
