// Package telemetry provides observability instrumentation for dodos builds.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus), and a build event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("cache")
//	logger.WithPackage("glibc", "2.39-1").Info("artifact cached")
//
// Components that are not handed a Logger take the one stored in the
// context with FromContext, which falls back to a no-op logger.
//
// # Tracing
//
// Every build gets a root span from StartBuildSpan and every pipeline stage
// a child span from StartStageSpan. Exporters: stdout, otlp (gRPC), none.
//
// # Metrics
//
// Metrics cover builds, stage durations, artifact fetches, cache hits,
// downloaded bytes, verification failures, applied operations and errors
// by class. All Record methods are safe on a nil or disabled *Metrics.
// One-shot builds write them with WriteTextfile; watch mode can serve them
// over HTTP with StartMetricsServer.
//
// # Events
//
// EventPublisher delivers engine.Event values synchronously to
// subscribers. The state store subscribes to persist the build timeline.
//
// # Stages
//
// RunStage ties the four together for one pipeline stage:
//
//	err := tel.RunStage(ctx, build.ID, engine.StageFetch, func(ctx context.Context) error {
//	    artifacts, err = fetcher.FetchAll(ctx, plan)
//	    return err
//	})
package telemetry
