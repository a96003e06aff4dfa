package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yungbote/interception-backend/internal/inference/router"
	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/pipeline/backend"
	"github.com/yungbote/interception-backend/internal/pipeline/chunks"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/platform/ctxutil"
)

// stage1 runs the pre-interception gate and records translation and safety.
func (o *Orchestrator) stage1(ctx context.Context, r *run) (string, bool) {
	o.setState(r, 1, StepPreInterception)
	start := time.Now()
	ctx, span := observability.StartStageSpan(ctx, 1, "safety_level", string(r.level))

	cctx, cancel := o.withStageTimeout(ctx, 1)
	verdict, err := o.safety.PreInterception(cctx, r.req.InputText, r.level, r.mode)
	if err == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = context.DeadlineExceeded
	}
	cancel()
	if err != nil {
		o.metrics.ObserveStage("1", "error", time.Since(start))
		observability.EndSpan(span, err)
		o.fail(r, pipeerr.Wrap(pipeerr.KindBackend, err, "pre-interception safety"), 1, StepPreInterception)
		return "", false
	}

	translated := verdict.Translated
	if translated == "" {
		translated = r.req.InputText
	}
	if _, err := r.rec.SaveEntity(recorder.TypeTranslation, translated, map[string]any{
		"method":  verdict.Method,
		"model":   verdict.Model,
		"blocked": !verdict.Safe,
	}); err != nil {
		o.log.Warn("Translation entity not fully recorded", "run_id", r.req.RunID, "error", err)
	}
	record := verdict.Record()
	if _, err := r.rec.SaveEntity(recorder.TypeSafety, record, map[string]any{"safe": verdict.Safe}); err != nil {
		o.log.Warn("Safety entity not fully recorded", "run_id", r.req.RunID, "error", err)
	}
	r.result.TranslatedText = translated
	r.result.Safety = record
	o.metrics.ObserveSafety("1", verdict.Method, verdict.Safe)

	if !verdict.Safe {
		o.metrics.ObserveStage("1", "blocked", time.Since(start))
		blocked := verdict.Err(1, StepPreInterception)
		observability.EndSpan(span, blocked)
		o.fail(r, blocked, 1, StepPreInterception)
		return "", false
	}
	o.metrics.ObserveStage("1", "ok", time.Since(start))
	observability.EndSpan(span, nil)
	return translated, true
}

// stage2 runs the config's chunk sequence and records the final text.
func (o *Orchestrator) stage2(ctx context.Context, r *run, text string) (string, *backend.Response, bool) {
	o.setState(r, 2, StepInterception)
	start := time.Now()
	ctx, span := observability.StartStageSpan(ctx, 2, "pipeline", r.cfg.PipelineName)

	final, last, err := o.runPipeline(ctx, r, r.cfg, text, 2, r.req.OnInterceptionDelta)
	observability.EndSpan(span, err)
	if err != nil {
		o.metrics.ObserveStage("2", "error", time.Since(start))
		o.fail(r, err, 2, StepInterception)
		return "", nil, false
	}
	o.metrics.ObserveStage("2", "ok", time.Since(start))

	iterations := r.cfg.Iterations()
	meta := map[string]any{
		"iterations": iterations,
		"chunks":     r.cfg.Chunks,
	}
	if last != nil {
		if m, ok := last.Metadata["model"]; ok {
			meta["model"] = m
		}
	}
	recorded := final
	if r.cfg.IsOutputStage() {
		// The output chunk's content is a job handle; the prompt is what matters.
		recorded = text
	}
	if _, err := r.rec.SaveEntity(recorder.TypeInterception, recorded, meta); err != nil {
		o.log.Warn("Interception entity not fully recorded", "run_id", r.req.RunID, "error", err)
	}
	if err := r.rec.SetMeta("iterations", iterations); err != nil {
		o.log.Warn("Run metadata write failed", "run_id", r.req.RunID, "error", err)
	}
	if err := r.rec.SetMeta("transformed_text", recorded); err != nil {
		o.log.Warn("Run metadata write failed", "run_id", r.req.RunID, "error", err)
	}
	return final, last, true
}

// runPipeline executes cfg's chunks against input, cfg.Iterations() times.
// Each iteration starts from the previous iteration's final output. Only
// the last chunk of the last iteration streams.
func (o *Orchestrator) runPipeline(ctx context.Context, r *run, cfg *defs.ResolvedConfig, input string, stage int, onDelta func(string)) (string, *backend.Response, error) {
	iterations := cfg.Iterations()
	current := input
	var last *backend.Response

	for iter := 1; iter <= iterations; iter++ {
		pc := &chunks.Context{
			InputText:          current,
			UserInput:          r.req.UserInput,
			CustomPlaceholders: r.req.CustomPlaceholders,
		}
		for i, name := range cfg.Chunks {
			step := fmt.Sprintf("%s:%s", stepFor(stage), name)
			req, err := o.builder.Build(name, cfg, pc, r.mode)
			if err != nil {
				return "", nil, stepError(err, stage, step, pipeerr.KindTemplate).With("config", cfg.Name).With("iteration", iter)
			}
			var sink func(string)
			if iter == iterations && i == len(cfg.Chunks)-1 {
				sink = onDelta
			}
			resp, err := o.call(ctx, req, stage, sink)
			if err != nil {
				kind := pipeerr.KindInterception
				if stage != 2 {
					kind = pipeerr.KindBackend
				}
				return "", nil, stepError(err, stage, step, kind).With("config", cfg.Name).With("iteration", iter)
			}
			pc.Append(resp.Content)
			last = resp
		}
		current = pc.PreviousOutput()
		if iterations > 1 {
			o.log.Debug("Iteration done", "run_id", r.req.RunID, "config", cfg.Name, "iteration", iter, "output_len", len(current))
		}
	}
	return current, last, nil
}

// call executes one chunk request under the stage timeout.
func (o *Orchestrator) call(ctx context.Context, req *chunks.Request, stage int, onDelta func(string)) (*backend.Response, error) {
	cctx, cancel := o.withStageTimeout(ctxutil.WithStage(ctx, stage, req.ChunkName), stage)
	defer cancel()

	start := time.Now()
	var (
		resp *backend.Response
		err  error
	)
	if onDelta != nil {
		resp, err = o.backend.ProcessStream(cctx, req, onDelta)
	} else {
		resp, err = o.backend.Process(cctx, req)
	}
	if err == nil && (resp == nil || !resp.Success) {
		msg := "empty response"
		if resp != nil && resp.Error != "" {
			msg = resp.Error
		}
		err = pipeerr.New(pipeerr.KindBackend, "chunk %s: %s", req.ChunkName, msg)
	}
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && pipeerr.KindOf(err) != pipeerr.KindTimeout {
		err = pipeerr.Wrap(pipeerr.KindTimeout, fmt.Errorf("%w: %v", context.DeadlineExceeded, err), "chunk %s exceeded stage %d timeout", req.ChunkName, stage)
	}
	o.metrics.ObserveBackend(providerOf(req, resp), err == nil, time.Since(start))
	return resp, err
}

// stepError classifies err for a failed chunk. Template, placeholder and
// timeout errors keep their kind; anything else becomes kind.
func stepError(err error, stage int, step string, kind pipeerr.Kind) *pipeerr.Error {
	pe, ok := pipeerr.As(err)
	if ok {
		switch pe.Kind {
		case pipeerr.KindTemplate, pipeerr.KindPlaceholder, pipeerr.KindTimeout, pipeerr.KindConfiguration:
			return pe.AtStage(stage, step)
		}
		if pe.Kind == kind {
			return pe.AtStage(stage, step)
		}
	}
	return pipeerr.Wrap(kind, err, "%s failed", step).AtStage(stage, step)
}

func stepFor(stage int) string {
	if stage == 4 {
		return StepOutput
	}
	return StepInterception
}

func providerOf(req *chunks.Request, resp *backend.Response) string {
	if resp != nil {
		if b, ok := resp.Metadata["backend"].(string); ok && b != "" {
			return b
		}
	}
	if prefix, _ := router.SplitModel(req.Model); prefix != "" {
		return prefix
	}
	if req.BackendType != "" {
		return req.BackendType
	}
	return "unknown"
}
