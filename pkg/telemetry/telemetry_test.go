package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dodos-os/dodos/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Exporter = "otlp"
	assert.Error(t, cfg.Validate(), "otlp without endpoint")
	cfg.Tracing.Endpoint = "localhost:4317"
	assert.NoError(t, cfg.Validate())
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordFetch("downloaded", 2048, 10*time.Millisecond)
	m.RecordVerificationFailure()
	m.RecordError("transient", "fetch")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.bytesDownloaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("downloaded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetches.WithLabelValues("cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues("transient", "fetch")))

	path := t.TempDir() + "/dodos.prom"
	require.NoError(t, m.WriteTextfile(path))
	assert.FileExists(t, path)
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Writer: &buf})
	require.NoError(t, err)

	log.WithBuildID("b1").NewComponentLogger("cache").WithPackage("base", "1.2-1").Info("artifact cached")
	log.Debug("hidden")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "b1", entry["build_id"])
	assert.Equal(t, "cache", entry["component"])
	assert.Equal(t, "base", entry["package"])
	assert.Equal(t, "1.2-1", entry["version"])
	assert.Equal(t, "artifact cached", entry["message"])

	ctx := log.WithContext(context.Background())
	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordBuildStarted()
		m.RecordCacheHit()
		m.RecordStage("fetch", time.Second, nil)
	})

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() { disabled.RecordOperation("write") })
	assert.NoError(t, disabled.WriteTextfile(t.TempDir()+"/x.prom"))
}

func TestEventPublisher(t *testing.T) {
	ep := NewEventPublisher()

	var all, failures []*engine.Event
	ep.Subscribe(func(e *engine.Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e *engine.Event) { failures = append(failures, e) }, FilterByLevel("error"))
	ep.AddFilter(FilterByBuildID("b1"))

	ep.PublishStage("b1", engine.EventTypeStageStarted, engine.StageFetch, "fetch started")
	ep.PublishPackage("b1", engine.EventTypeArtifactFailed, engine.StageFetch, "base", "digest mismatch",
		map[string]interface{}{"attempts": 3})
	ep.PublishStage("other", engine.EventTypeStageStarted, engine.StageFetch, "ignored")

	require.Len(t, all, 2)
	require.Len(t, failures, 1)
	assert.Equal(t, "base", failures[0].Package)
	assert.JSONEq(t, `{"attempts":3}`, string(failures[0].Details))

	var nilPublisher *EventPublisher
	assert.NotPanics(t, func() { nilPublisher.PublishStage("b", engine.EventTypeInfo, "", "x") })
}

func TestRunStage(t *testing.T) {
	tel := Nop()
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)
	tel.Metrics = m

	var events []engine.EventType
	tel.Events.Subscribe(func(e *engine.Event) { events = append(events, e.Type) }, nil)

	ctx := tel.WithContext(context.Background())
	require.NoError(t, tel.RunStage(ctx, "b1", engine.StageResolve, func(context.Context) error { return nil }))

	boom := &engine.VerificationError{Expected: "a", Actual: "b"}
	err = tel.RunStage(ctx, "b1", engine.StageFetch, func(context.Context) error { return boom })

	var se *engine.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, engine.StageFetch, se.Stage)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, engine.BuildStatusFetchFailure, engine.StatusFor(err))

	assert.Equal(t, []engine.EventType{
		engine.EventTypeStageStarted, engine.EventTypeStageCompleted,
		engine.EventTypeStageStarted, engine.EventTypeStageFailed,
	}, events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByClass.WithLabelValues("transient", "fetch")))
}
