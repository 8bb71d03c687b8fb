package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/dodos-os/dodos/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of a
// builder.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates telemetry from cfg.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(),
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that records nothing.
func Nop() *Telemetry {
	tracer, _ := NewTracer(TracingConfig{}, "dodos-builder", "test")
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: &Metrics{},
		Events:  NewEventPublisher(),
		Config:  DefaultConfig(),
	}
}

// WithContext stores the telemetry and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// RunStage runs fn as one pipeline stage of a build. It opens the stage
// span, publishes the started and completed or failed events, records the
// stage duration and the error class. Errors come back wrapped in
// *engine.StageError.
func (t *Telemetry) RunStage(ctx context.Context, buildID string, stage engine.Stage, fn func(context.Context) error) error {
	ctx, span := t.Tracer.StartStageSpan(ctx, string(stage))
	defer span.End()

	log := FromContext(ctx).WithStage(string(stage))
	ctx = log.WithContext(ctx)
	timer := NewTimer()

	t.Events.PublishStage(buildID, engine.EventTypeStageStarted, stage, fmt.Sprintf("%s started", stage))
	log.Debug("stage started")

	err := fn(ctx)
	elapsed := timer.Duration()
	t.Metrics.RecordStage(string(stage), elapsed, err)

	if err != nil {
		class := engine.ClassOf(err)
		t.Metrics.RecordError(string(class), string(stage))
		span.SetAttributes(AttrErrorClass.String(string(class)))
		RecordError(span, err)
		t.Events.PublishStage(buildID, engine.EventTypeStageFailed, stage, err.Error())
		log.WithError(err).Errorf("stage failed after %s", elapsed.Round(time.Millisecond))
		return &engine.StageError{Stage: stage, Err: err}
	}

	RecordSuccess(span)
	t.Events.PublishStage(buildID, engine.EventTypeStageCompleted, stage,
		fmt.Sprintf("%s completed in %s", stage, elapsed.Round(time.Millisecond)))
	log.Debugf("stage completed in %s", elapsed.Round(time.Millisecond))
	return nil
}
