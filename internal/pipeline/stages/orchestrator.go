package stages

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/pipeline/backend"
	"github.com/yungbote/interception-backend/internal/pipeline/chunks"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/mediastore"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/pipeline/safety"
	"github.com/yungbote/interception-backend/internal/platform/ctxutil"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Run statuses reported in RunResult and the run index.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
)

// Target statuses in OutputResult.
const (
	TargetCompleted = "completed"
	TargetBlocked   = "blocked"
	TargetFailed    = "failed"
)

// Steps written to current_state.
const (
	StepPreInterception = "pre_interception"
	StepInterception    = "interception"
	StepPreOutput       = "pre_output_safety"
	StepOutput          = "output_generation"
)

type ConfigSource interface {
	Config(name string) (*defs.ResolvedConfig, bool)
}

type ChunkBuilder interface {
	Build(chunkName string, cfg *defs.ResolvedConfig, pc *chunks.Context, mode string) (*chunks.Request, error)
}

type Executor interface {
	Process(ctx context.Context, req *chunks.Request) (*backend.Response, error)
	ProcessStream(ctx context.Context, req *chunks.Request, onDelta func(string)) (*backend.Response, error)
}

type SafetyGate interface {
	PreInterception(ctx context.Context, text string, level safety.Level, mode string) (safety.Verdict, error)
	PreOutput(ctx context.Context, prompt, mediaType string, level safety.Level, mode string) (safety.Verdict, error)
}

type MediaSink interface {
	AddFromResponse(ctx context.Context, runID, config string, meta map[string]any) (*mediastore.Artifact, error)
}

type Settings interface {
	StageTimeout(stage int) time.Duration
	OutputFallback(mediaType, mode string) (string, bool)
}

// RunIndex is told about every run start and finish. Failures are logged.
type RunIndex interface {
	RunStarted(ctx context.Context, m recorder.Manifest, inputText string) error
	RunFinished(ctx context.Context, m recorder.Manifest, status, errorType, message string) error
}

type Deps struct {
	Configs  ConfigSource
	Builder  ChunkBuilder
	Backend  Executor
	Safety   SafetyGate
	Media    MediaSink
	Settings Settings
	Registry *recorder.Registry
	Index    RunIndex
	Metrics  *observability.Metrics
}

// Orchestrator drives the four stages of a run.
type Orchestrator struct {
	configs  ConfigSource
	builder  ChunkBuilder
	backend  Executor
	safety   SafetyGate
	media    MediaSink
	settings Settings
	registry *recorder.Registry
	index    RunIndex
	metrics  *observability.Metrics
	log      *logger.Logger
}

func New(deps Deps, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		configs:  deps.Configs,
		builder:  deps.Builder,
		backend:  deps.Backend,
		safety:   deps.Safety,
		media:    deps.Media,
		settings: deps.Settings,
		registry: deps.Registry,
		index:    deps.Index,
		metrics:  deps.Metrics,
		log:      log.With("service", "StageOrchestrator"),
	}
}

type RunRequest struct {
	RunID              string            `json:"run_id,omitempty"`
	ConfigName         string            `json:"config_name"`
	InputText          string            `json:"input_text"`
	UserInput          string            `json:"user_input,omitempty"`
	ExecutionMode      string            `json:"execution_mode,omitempty"`
	SafetyLevel        string            `json:"safety_level,omitempty"`
	UserID             string            `json:"user_id,omitempty"`
	CustomPlaceholders map[string]string `json:"custom_placeholders,omitempty"`

	// OnInterceptionDelta receives the final stage-2 chunk's text as it
	// arrives. The interception entity is still written once, on completion.
	OnInterceptionDelta func(string) `json:"-"`
}

type ErrorInfo struct {
	Type    string         `json:"error_type"`
	Message string         `json:"message"`
	Stage   int            `json:"stage"`
	Step    string         `json:"step,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type OutputResult struct {
	Config    string                `json:"config"`
	MediaType string                `json:"media_type"`
	Status    string                `json:"status"`
	Safety    map[string]any        `json:"safety,omitempty"`
	Output    *recorder.MediaOutput `json:"output,omitempty"`
	Error     *ErrorInfo            `json:"error,omitempty"`
}

type RunResult struct {
	RunID          string         `json:"run_id"`
	ConfigName     string         `json:"config_name"`
	Status         string         `json:"status"`
	ExecutionMode  string         `json:"execution_mode"`
	SafetyLevel    string         `json:"safety_level"`
	InputText      string         `json:"input_text"`
	TranslatedText string         `json:"translated_text,omitempty"`
	FinalOutput    string         `json:"final_output,omitempty"`
	Iterations     int            `json:"iterations"`
	Safety         map[string]any `json:"safety,omitempty"`
	Outputs        []OutputResult `json:"outputs,omitempty"`
	Error          *ErrorInfo     `json:"error,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
}

// run is the per-execution state.
type run struct {
	req     RunRequest
	cfg     *defs.ResolvedConfig
	mode    string
	level   safety.Level
	rec     *recorder.Recorder
	result  *RunResult
	targets []string
	stage3  bool
	err     *pipeerr.Error
}

// Execute runs one config end to end. The returned result is always non-nil
// once a run directory exists; err is set when the run failed or was blocked
// in stage 1. Per-target stage 3/4 problems do not fail the run.
func (o *Orchestrator) Execute(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	start := time.Now()
	cfg, ok := o.configs.Config(req.ConfigName)
	if !ok {
		return nil, pipeerr.New(pipeerr.KindConfiguration, "unknown config %q", req.ConfigName).With("config", req.ConfigName)
	}
	r := &run{
		req:   req,
		cfg:   cfg,
		mode:  NormalizeMode(req.ExecutionMode),
		level: safety.ParseLevel(req.SafetyLevel),
	}
	if r.req.RunID == "" {
		r.req.RunID = uuid.NewString()
	}
	skipStage1 := cfg.IsSystemPipeline() || cfg.IsOutputStage()
	r.stage3 = r.level != safety.LevelOff && !skipStage1
	r.targets = o.outputTargets(cfg, r.mode)

	mediaTypes := make([]string, 0, len(r.targets)+1)
	for _, t := range r.targets {
		mediaTypes = append(mediaTypes, MediaTypeFor(t))
	}
	if cfg.IsOutputStage() {
		mediaTypes = append(mediaTypes, outputStageMediaType(cfg))
	}

	rec, cerr := o.registry.Create(recorder.InitOptions{
		RunID:           r.req.RunID,
		ConfigName:      cfg.Name,
		ExecutionMode:   r.mode,
		SafetyLevel:     string(r.level),
		UserID:          req.UserID,
		ExpectedOutputs: recorder.ExpectedOutputs(!skipStage1, r.stage3, mediaTypes...),
	})
	if cerr != nil {
		return nil, pipeerr.Wrap(pipeerr.KindInternal, cerr, "init run %s", r.req.RunID)
	}
	r.rec = rec
	r.result = &RunResult{
		RunID:         r.req.RunID,
		ConfigName:    cfg.Name,
		ExecutionMode: r.mode,
		SafetyLevel:   string(r.level),
		InputText:     req.InputText,
		Iterations:    cfg.Iterations(),
	}

	td := &ctxutil.TraceData{RunID: r.req.RunID}
	if prev := ctxutil.GetTraceData(ctx); prev != nil {
		td.RequestID = prev.RequestID
	}
	ctx = ctxutil.WithTraceData(ctx, td)
	ctx, span := observability.StartRunSpan(ctx, r.req.RunID, cfg.Name, r.mode)
	log := o.log.With("run_id", r.req.RunID, "config", cfg.Name)
	log.Info("Run started", "execution_mode", r.mode, "safety_level", string(r.level), "targets", len(r.targets), "input_len", len(req.InputText))

	if o.index != nil {
		if err := o.index.RunStarted(ctx, rec.Status().Manifest, req.InputText); err != nil {
			log.Warn("Run index start failed", "error", err)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.err = pipeerr.New(pipeerr.KindInternal, "panic: %v", p)
			o.saveError(r, r.err)
		}
		o.finalize(ctx, r, start)
		observability.EndSpan(span, errOrNil(r.err))
		log.Info("Run finished", "status", r.result.Status, "duration_ms", r.result.DurationMS)
		res, err = r.result, nil
		if r.err != nil {
			err = r.err
		}
	}()

	o.execute(ctx, r, skipStage1)
	return r.result, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, skipStage1 bool) {
	if _, err := r.rec.SaveEntity(recorder.TypeInput, r.req.InputText, nil); err != nil {
		o.log.Warn("Input entity not fully recorded", "run_id", r.req.RunID, "error", err)
	}

	text := r.req.InputText
	if !skipStage1 {
		translated, ok := o.stage1(ctx, r)
		if !ok {
			return
		}
		text = translated
	}

	final, last, ok := o.stage2(ctx, r, text)
	if !ok {
		return
	}
	r.result.FinalOutput = final

	if r.cfg.IsOutputStage() {
		o.storeOwnOutput(ctx, r, last)
		return
	}
	o.stages34(ctx, r, final)
}

// finalize writes the terminal manifest state, whatever happened before.
func (o *Orchestrator) finalize(ctx context.Context, r *run, start time.Time) {
	var markErr error
	switch {
	case r.err != nil && r.err.Kind == pipeerr.KindSafetyBlocked:
		r.result.Status = StatusBlocked
		markErr = r.rec.MarkBlocked()
	case r.err != nil:
		r.result.Status = StatusFailed
		markErr = r.rec.MarkFailed()
	default:
		r.result.Status = StatusCompleted
		markErr = r.rec.MarkComplete()
	}
	if markErr != nil {
		o.log.Error("Final manifest write failed", "run_id", r.req.RunID, "error", markErr)
	}
	if r.err != nil {
		r.result.Error = errorInfo(r.err)
	}
	r.result.DurationMS = time.Since(start).Milliseconds()

	o.metrics.ObserveRun(r.cfg.Name, r.result.Status)
	if o.index != nil {
		errType, msg := "", ""
		if r.err != nil {
			errType, msg = string(r.err.Kind), r.err.Error()
		}
		if err := o.index.RunFinished(context.WithoutCancel(ctx), r.rec.Status().Manifest, r.result.Status, errType, msg); err != nil {
			o.log.Warn("Run index finish failed", "run_id", r.req.RunID, "error", err)
		}
	}
	o.registry.Release(r.req.RunID)
}

// fail records err as the run's terminal error.
func (o *Orchestrator) fail(r *run, err error, stage int, step string) {
	pe, ok := pipeerr.As(err)
	if !ok {
		pe = pipeerr.Wrap(pipeerr.KindInternal, err, "stage %d", stage)
	}
	if pe.Stage == 0 {
		pe.AtStage(stage, step)
	}
	r.err = pe
	o.saveError(r, pe)
}

func (o *Orchestrator) saveError(r *run, pe *pipeerr.Error) {
	msg := pe.Message
	if msg == "" {
		msg = pe.Error()
	}
	details := map[string]any{}
	for k, v := range pe.Details {
		details[k] = v
	}
	if pe.Step != "" {
		details["step"] = pe.Step
	}
	if pe.Err != nil {
		details["cause"] = pe.Err.Error()
	}
	if _, err := r.rec.SaveError(pe.Stage, string(pe.Kind), msg, details); err != nil {
		o.log.Error("Error entity not fully recorded", "run_id", r.req.RunID, "error", err)
	}
}

// withStageTimeout bounds one backend call of stage n.
func (o *Orchestrator) withStageTimeout(ctx context.Context, n int) (context.Context, context.CancelFunc) {
	if o.settings == nil {
		return context.WithCancel(ctx)
	}
	d := o.settings.StageTimeout(n)
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (o *Orchestrator) setState(r *run, stage int, step string) {
	if err := r.rec.SetState(stage, step); err != nil {
		o.log.Warn("State write failed", "run_id", r.req.RunID, "stage", stage, "error", err)
	}
}

// NormalizeMode maps anything but "fast" to "eco".
func NormalizeMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), chunks.ModeFast) {
		return chunks.ModeFast
	}
	return chunks.ModeEco
}

func errorInfo(pe *pipeerr.Error) *ErrorInfo {
	if pe == nil {
		return nil
	}
	msg := pe.Message
	if msg == "" {
		msg = pe.Error()
	}
	return &ErrorInfo{Type: string(pe.Kind), Message: msg, Stage: pe.Stage, Step: pe.Step, Details: pe.Details}
}

// ErrorInfoOf is the response shape of any error returned by Execute.
func ErrorInfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	pe, ok := pipeerr.As(err)
	if !ok {
		pe = pipeerr.Wrap(pipeerr.KindInternal, err, "run failed")
	}
	return errorInfo(pe)
}

func errOrNil(pe *pipeerr.Error) error {
	if pe == nil {
		return nil
	}
	return pe
}
