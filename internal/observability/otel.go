package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/interception-backend/internal/platform/envutil"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// OtelConfig describes this process on the trace resource.
type OtelConfig struct {
	ServiceName     string
	Environment     string
	Version         string
	DefinitionsPath string
	RunsPath        string
}

const tracerName = "github.com/yungbote/interception-backend/pipeline"

// RunSpanName is the root span of one pipeline run.
const RunSpanName = "pipeline.run"

// attrPrefix namespaces the pipeline span attributes.
const attrPrefix = "interception."

const (
	AttrRunID         = attribute.Key(attrPrefix + "run_id")
	AttrConfig        = attribute.Key(attrPrefix + "config")
	AttrExecutionMode = attribute.Key(attrPrefix + "execution_mode")
	AttrStage         = attribute.Key(attrPrefix + "stage")
)

var (
	otelOnce     sync.Once
	otelShutdown = func(context.Context) error { return nil }
)

// Tracer returns the pipeline tracer from the global provider. Without
// InitOTel it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRunSpan opens the root span of a run.
func StartRunSpan(ctx context.Context, runID, config, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, RunSpanName, trace.WithAttributes(
		AttrRunID.String(runID),
		AttrConfig.String(config),
		AttrExecutionMode.String(mode),
	))
}

// StartStageSpan opens "pipeline.stageN" below the run span. Extra string
// attributes are key/value pairs placed under the interception. namespace.
func StartStageSpan(ctx context.Context, stage int, kv ...string) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{AttrStage.Int(stage)}, kvAttrs(kv)...)
	return Tracer().Start(ctx, fmt.Sprintf("pipeline.stage%d", stage), trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func kvAttrs(kv []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(attrPrefix+kv[i], kv[i+1]))
	}
	return attrs
}

// traceSettings is the OTEL_* environment as this service reads it.
type traceSettings struct {
	Enabled  bool
	Exporter string // otlp, stdout or none
	Endpoint string
	Headers  map[string]string
	Insecure bool
	// Ratio samples request spans; RunRatio samples pipeline runs, which
	// are rare and expensive enough to keep by default.
	Ratio    float64
	RunRatio float64
}

func traceSettingsFromEnv() traceSettings {
	s := traceSettings{
		Enabled:  envutil.Bool("OTEL_ENABLED", false),
		Endpoint: envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Headers:  parseHeaders(envutil.List("OTEL_EXPORTER_OTLP_HEADERS", nil)),
		Insecure: envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Ratio:    clampRatio(envutil.Float("OTEL_SAMPLER_RATIO", 0.1)),
		RunRatio: clampRatio(envutil.Float("OTEL_RUN_SAMPLER_RATIO", 1)),
	}
	def := "none"
	if s.Endpoint != "" {
		def = "otlp"
	}
	s.Exporter = strings.ToLower(envutil.String("OTEL_TRACES_EXPORTER", def))
	return s
}

func parseHeaders(pairs []string) map[string]string {
	headers := map[string]string{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		headers[k] = v
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func clampRatio(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// runSampler samples pipeline.run spans at their own ratio, regardless of
// the request span that started them. Everything else follows its parent.
type runSampler struct {
	run  sdktrace.Sampler
	rest sdktrace.Sampler
}

func newRunSampler(ratio, runRatio float64) sdktrace.Sampler {
	return runSampler{
		run:  sdktrace.TraceIDRatioBased(runRatio),
		rest: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)),
	}
}

func (s runSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if p.Name == RunSpanName {
		return s.run.ShouldSample(p)
	}
	return s.rest.ShouldSample(p)
}

func (s runSampler) Description() string {
	return fmt.Sprintf("RunSampler{run:%s,rest:%s}", s.run.Description(), s.rest.Description())
}

func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	otelOnce.Do(func() {
		settings := traceSettingsFromEnv()
		if !settings.Enabled {
			return
		}
		if log == nil {
			log = logger.Nop()
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "interception-backend"
		}
		res, err := resource.New(ctx,
			resource.WithHost(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(serviceName),
				semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
				attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
				attribute.String(attrPrefix+"definitions_path", cfg.DefinitionsPath),
				attribute.String(attrPrefix+"runs_path", cfg.RunsPath),
			),
		)
		if err != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(newRunSampler(settings.Ratio, settings.RunRatio)),
			sdktrace.WithResource(res),
		}
		exporter, err := buildTraceExporter(ctx, settings)
		if err != nil {
			log.Warn("otel exporter init failed (continuing)", "exporter", settings.Exporter, "error", err)
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		otelShutdown = tp.Shutdown
		log.Info("otel tracing initialized",
			"service", serviceName,
			"exporter", settings.Exporter,
			"endpoint", settings.Endpoint,
			"sample_ratio", settings.Ratio,
			"run_sample_ratio", settings.RunRatio,
		)
	})
	return otelShutdown
}

func buildTraceExporter(ctx context.Context, s traceSettings) (sdktrace.SpanExporter, error) {
	switch s.Exporter {
	case "otlp":
		if s.Endpoint == "" {
			return nil, fmt.Errorf("OTEL_EXPORTER_OTLP_ENDPOINT is required for the otlp exporter")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.Endpoint)}
		if s.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if s.Headers != nil {
			opts = append(opts, otlptracehttp.WithHeaders(s.Headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		return exp, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", s.Exporter)
	}
}
