// Package telemetry provides observability instrumentation for froyobox.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus):
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.Component("deploy")
//	ctx, span := tel.Tracer.StartStepSpan(ctx, box.ID, box.DeploymentAttempt, "health-check")
//	defer span.End()
//	tel.Metrics.RecordStep("health-check", "completed", elapsed)
//
// Metrics are registered on a private registry and exposed through
// Metrics.Handler. A nil *Metrics or *Tracer is safe to use and records
// nothing, which keeps test wiring short.
package telemetry
