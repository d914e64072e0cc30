package providers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyobox/pkg/engine"
	"github.com/openfroyo/froyobox/pkg/telemetry"
)

// Instrumented wraps a Provider with tracing, metrics, and debug logging.
// Every call gets a provider span and a latency sample; failures are counted
// by error code.
type Instrumented struct {
	next    Provider
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

var _ Provider = (*Instrumented)(nil)

// Instrument wraps p. Nil metrics and tracer are allowed.
func Instrument(p Provider, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Instrumented {
	return &Instrumented{
		next:    p,
		logger:  logger.With().Str("component", "provider").Str("provider", p.Name()).Logger(),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Unwrap returns the wrapped provider.
func (i *Instrumented) Unwrap() Provider {
	return i.next
}

func (i *Instrumented) observe(ctx context.Context, op, handle string, fn func(ctx context.Context) error) error {
	ctx, span := i.tracer.StartProviderSpan(ctx, i.next.Name(), op)
	start := time.Now()

	err := fn(ctx)

	duration := time.Since(start)
	i.metrics.RecordProviderCall(i.next.Name(), op, duration)
	telemetry.End(span, err)

	event := i.logger.Debug()
	if err != nil {
		i.metrics.RecordProviderError(i.next.Name(), op, engine.CodeOf(err))
		event = i.logger.Warn().Err(err)
	}
	event.Str("operation", op).
		Str("handle", handle).
		Dur("duration", duration).
		Msg("provider call")

	return err
}

func (i *Instrumented) Name() string {
	return i.next.Name()
}

func (i *Instrumented) CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	var inst *Instance
	err := i.observe(ctx, "create_instance", spec.Name, func(ctx context.Context) error {
		var err error
		inst, err = i.next.CreateInstance(ctx, spec)
		return err
	})
	return inst, err
}

func (i *Instrumented) ExecCommand(ctx context.Context, handle string, cmd Command) (*ExecResult, error) {
	var res *ExecResult
	err := i.observe(ctx, "exec", handle, func(ctx context.Context) error {
		var err error
		res, err = i.next.ExecCommand(ctx, handle, cmd)
		return err
	})
	return res, err
}

func (i *Instrumented) WriteFile(ctx context.Context, handle, path string, data []byte, opts FileOptions) error {
	return i.observe(ctx, "write_file", handle, func(ctx context.Context) error {
		return i.next.WriteFile(ctx, handle, path, data, opts)
	})
}

func (i *Instrumented) ReadFile(ctx context.Context, handle, path string) ([]byte, error) {
	var data []byte
	err := i.observe(ctx, "read_file", handle, func(ctx context.Context) error {
		var err error
		data, err = i.next.ReadFile(ctx, handle, path)
		return err
	})
	return data, err
}

func (i *Instrumented) GetStatus(ctx context.Context, handle string) (string, error) {
	var status string
	err := i.observe(ctx, "get_status", handle, func(ctx context.Context) error {
		var err error
		status, err = i.next.GetStatus(ctx, handle)
		return err
	})
	return status, err
}

func (i *Instrumented) SetPublicAccess(ctx context.Context, handle string, public bool) error {
	return i.observe(ctx, "set_public_access", handle, func(ctx context.Context) error {
		return i.next.SetPublicAccess(ctx, handle, public)
	})
}

func (i *Instrumented) DeleteInstance(ctx context.Context, handle string) error {
	return i.observe(ctx, "delete_instance", handle, func(ctx context.Context) error {
		return i.next.DeleteInstance(ctx, handle)
	})
}
