package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attributes of builds, stages and fetches.
var (
	AttrBuildID     = attribute.Key("build.id")
	AttrBuildStatus = attribute.Key("build.status")
	AttrTarget      = attribute.Key("build.target")
	AttrStage       = attribute.Key("stage")

	AttrPackage        = attribute.Key("package.name")
	AttrPackageVersion = attribute.Key("package.version")
	AttrDigest         = attribute.Key("artifact.digest")
	AttrPlanSize       = attribute.Key("plan.size")

	AttrErrorClass = attribute.Key("error.class")
)

// Tracer opens the spans of a build: one per build, one per stage and one
// per artifact download.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer exporting to cfg.Exporter. With tracing
// disabled spans are still created so attributes can be set freely, but
// nothing is exported.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	if !cfg.Enabled() {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.ExportTimeout)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// StartBuildSpan starts the root span of a build.
func (t *Tracer) StartBuildSpan(ctx context.Context, buildID, target string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "build", trace.WithAttributes(
		AttrBuildID.String(buildID),
		AttrTarget.String(target),
	))
}

// StartStageSpan starts the span of one pipeline stage.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stage."+stage, trace.WithAttributes(AttrStage.String(stage)))
}

// StartFetchSpan starts the span of one artifact download.
func (t *Tracer) StartFetchSpan(ctx context.Context, pkg, version, digest string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "artifact.fetch", trace.WithAttributes(
		AttrPackage.String(pkg),
		AttrPackageVersion.String(version),
		AttrDigest.String(digest),
	))
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

func SetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// SpanFromContext returns the current span, which may be a no-op span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TracerFromContext returns the tracer of the telemetry stored in ctx, or
// one on the global provider.
func TracerFromContext(ctx context.Context) *Tracer {
	if tel := FromTelemetryContext(ctx); tel != nil && tel.Tracer != nil {
		return tel.Tracer
	}
	return &Tracer{tracer: otel.Tracer("dodos-builder")}
}
