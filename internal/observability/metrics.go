package observability

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Metrics is a small Prometheus text-format registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	apiRequests    *CounterVec
	apiLatency     *HistogramVec
	apiInflight    *Gauge
	streamsOpen    *GaugeVec
	runs           *CounterVec
	stageLatency   *HistogramVec
	backendCalls   *CounterVec
	backendLatency *HistogramVec
	safety         *CounterVec
	mediaStored    *CounterVec
	queueDepth     *Gauge
	workersBusy    *Gauge
	abandoned      *CounterVec

	all []collector
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

// Init builds the process-wide registry when METRICS_ENABLED is set.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = New()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

func New() *Metrics {
	m := &Metrics{
		apiRequests: NewCounterVec("ic_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"ic_api_request_duration_seconds",
			"API request latency in seconds by method/route.",
			[]string{"method", "route"},
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 480},
		),
		apiInflight: NewGauge("ic_api_inflight_requests", "In-flight API requests."),
		streamsOpen: NewGaugeVec("ic_event_streams_open", "Open server-sent event streams by route.", []string{"route"}),
		runs:        NewCounterVec("ic_runs_total", "Finished pipeline runs by config/status.", []string{"config", "status"}),
		stageLatency: NewHistogramVec(
			"ic_stage_duration_seconds",
			"Pipeline stage latency in seconds.",
			[]string{"stage", "status"},
			[]float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 480},
		),
		backendCalls: NewCounterVec("ic_backend_calls_total", "Backend calls by provider/status.", []string{"provider", "status"}),
		backendLatency: NewHistogramVec(
			"ic_backend_call_duration_seconds",
			"Backend call latency in seconds by provider.",
			[]string{"provider"},
			[]float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 480},
		),
		safety:      NewCounterVec("ic_safety_verdicts_total", "Safety verdicts by stage/method/verdict.", []string{"stage", "method", "verdict"}),
		mediaStored: NewCounterVec("ic_media_stored_total", "Stored media outputs by media type/source.", []string{"media_type", "source"}),
		queueDepth:  NewGauge("ic_queue_depth", "Runs waiting for a worker."),
		workersBusy: NewGauge("ic_workers_busy", "Workers currently executing a run."),
		abandoned:   NewCounterVec("ic_runs_abandoned_total", "Runs marked abandoned by the janitor.", []string{"source"}),
	}
	m.all = []collector{
		m.apiRequests, m.apiLatency, m.apiInflight, m.streamsOpen,
		m.runs, m.stageLatency, m.backendCalls, m.backendLatency,
		m.safety, m.mediaStored, m.queueDepth, m.workersBusy, m.abandoned,
	}
	return m
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range m.all {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

// CountAPI counts a request without a latency sample.
func (m *Metrics) CountAPI(method, route, status string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.Inc(method, route, status)
}

func (m *Metrics) StreamOpened(route string) {
	if m == nil {
		return
	}
	m.streamsOpen.Add(1, route)
}

func (m *Metrics) StreamClosed(route string) {
	if m == nil {
		return
	}
	m.streamsOpen.Add(-1, route)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveRun(config, status string) {
	if m == nil {
		return
	}
	m.runs.Inc(config, status)
}

func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.Observe(dur.Seconds(), stage, status)
}

// ObserveBackend records one routed backend call. provider is the model
// prefix (local, openrouter, comfyui, ...).
func (m *Metrics) ObserveBackend(provider string, ok bool, dur time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.backendCalls.Inc(provider, status)
	m.backendLatency.Observe(dur.Seconds(), provider)
}

func (m *Metrics) ObserveSafety(stage, method string, safe bool) {
	if m == nil {
		return
	}
	verdict := "safe"
	if !safe {
		verdict = "blocked"
	}
	m.safety.Inc(stage, method, verdict)
}

func (m *Metrics) IncMediaStored(mediaType, source string) {
	if m == nil {
		return
	}
	m.mediaStored.Inc(mediaType, source)
}

func (m *Metrics) IncAbandoned(source string) {
	if m == nil {
		return
	}
	m.abandoned.Inc(source)
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	if delta > 0 {
		m.workersBusy.Inc()
	} else {
		m.workersBusy.Dec()
	}
}
