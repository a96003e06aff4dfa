package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useRecorder(t *testing.T, opts ...sdktrace.TracerProviderOption) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithSpanProcessor(sr))...)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := map[string]string{}
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestStageSpanUnderRunSpan(t *testing.T) {
	sr := useRecorder(t)

	ctx, run := StartRunSpan(context.Background(), "r1", "dada", "eco")
	_, stage := StartStageSpan(ctx, 3, "target", "sd35_large", "dangling")
	EndSpan(stage, errors.New("boom"))
	EndSpan(run, nil)

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans: want=2 got=%d", len(ended))
	}
	got := ended[0]
	if got.Name() != "pipeline.stage3" {
		t.Fatalf("name: got=%q", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Fatalf("status: want=Error got=%v", got.Status().Code)
	}
	if got.Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Fatalf("stage span is not a child of the run span")
	}
	attrs := attrMap(got.Attributes())
	if len(attrs) != 2 || attrs["interception.stage"] != "3" || attrs["interception.target"] != "sd35_large" {
		t.Fatalf("stage attributes: got=%v", attrs)
	}
	runAttrs := attrMap(ended[1].Attributes())
	if runAttrs["interception.run_id"] != "r1" || runAttrs["interception.config"] != "dada" || runAttrs["interception.execution_mode"] != "eco" {
		t.Fatalf("run attributes: got=%v", runAttrs)
	}
}

func TestRunSamplerKeepsRunsWhenRequestsAreDropped(t *testing.T) {
	sr := useRecorder(t, sdktrace.WithSampler(newRunSampler(0, 1)))

	reqCtx, req := Tracer().Start(context.Background(), "GET /api/configs")
	EndSpan(req, nil)

	ctx, run := StartRunSpan(reqCtx, "r2", "dada", "fast")
	_, stage := StartStageSpan(ctx, 2)
	EndSpan(stage, nil)
	EndSpan(run, nil)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	if len(names) != 2 || names[0] != "pipeline.stage2" || names[1] != RunSpanName {
		t.Fatalf("sampled spans: got=%v", names)
	}
}

func TestTraceSettingsFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-api-key=abc, broken ,=v")
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_SAMPLER_RATIO", "7")
	t.Setenv("OTEL_RUN_SAMPLER_RATIO", "")

	s := traceSettingsFromEnv()
	if !s.Enabled || s.Exporter != "otlp" {
		t.Fatalf("settings: got=%+v", s)
	}
	if len(s.Headers) != 1 || s.Headers["x-api-key"] != "abc" {
		t.Fatalf("headers: got=%v", s.Headers)
	}
	if s.Ratio != 1 || s.RunRatio != 1 {
		t.Fatalf("ratios: got=%v/%v", s.Ratio, s.RunRatio)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if got := traceSettingsFromEnv().Exporter; got != "none" {
		t.Fatalf("exporter without endpoint: got=%q", got)
	}
}

func TestBuildTraceExporter(t *testing.T) {
	if exp, err := buildTraceExporter(context.Background(), traceSettings{Exporter: "none"}); err != nil || exp != nil {
		t.Fatalf("none: exp=%v err=%v", exp, err)
	}
	if _, err := buildTraceExporter(context.Background(), traceSettings{Exporter: "otlp"}); err == nil {
		t.Fatalf("otlp without endpoint: expected error")
	}
	if _, err := buildTraceExporter(context.Background(), traceSettings{Exporter: "zipkin"}); err == nil {
		t.Fatalf("unknown exporter: expected error")
	}
}

func TestInitOTelDisabled(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	shutdown := InitOTel(context.Background(), nil, OtelConfig{})
	if shutdown == nil {
		t.Fatalf("shutdown func must not be nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
