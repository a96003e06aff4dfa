package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/pipeline/backend"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
)

// outputTargets lists the output configs stage 4 runs for cfg, in order.
func (o *Orchestrator) outputTargets(cfg *defs.ResolvedConfig, mode string) []string {
	if cfg.IsOutputStage() {
		return nil
	}
	prefs := cfg.MediaPreferences
	if len(prefs.OutputConfigs) > 0 {
		return append([]string(nil), prefs.OutputConfigs...)
	}
	def := strings.ToLower(strings.TrimSpace(prefs.DefaultOutput))
	if def == "" || def == "text" || o.settings == nil {
		return nil
	}
	if name, ok := o.settings.OutputFallback(def, mode); ok && name != "" {
		return []string{name}
	}
	o.log.Debug("No output fallback", "config", cfg.Name, "media_type", def, "execution_mode", mode)
	return nil
}

// MediaTypeFor guesses the media type an output config produces from its name.
func MediaTypeFor(configName string) string {
	n := strings.ToLower(configName)
	switch {
	case containsAny(n, "image", "sd", "flux", "gpt"):
		return "image"
	case strings.Contains(n, "audio"):
		return "audio"
	case containsAny(n, "music", "ace"):
		return "music"
	case strings.Contains(n, "video"):
		return "video"
	}
	return "image"
}

// outputStageMediaType is meta.media_type when set, else the name heuristic.
func outputStageMediaType(cfg *defs.ResolvedConfig) string {
	if mt, ok := cfg.Meta["media_type"].(string); ok && strings.TrimSpace(mt) != "" {
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return MediaTypeFor(cfg.Name)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// stages34 runs the pre-output check and generation for every target. A
// blocked or failed target never stops the others; the run only fails when
// no target completed or was blocked.
func (o *Orchestrator) stages34(ctx context.Context, r *run, prompt string) {
	if len(r.targets) == 0 {
		return
	}
	var lastErr *pipeerr.Error
	failed := 0
	for i, name := range r.targets {
		res, err := o.runTarget(ctx, r, i+1, name, prompt)
		r.result.Outputs = append(r.result.Outputs, res)
		if res.Status == TargetFailed {
			failed++
			lastErr = err
		}
	}
	if failed == len(r.targets) && lastErr != nil {
		// Each target already has its error entity.
		r.err = lastErr
	}
}

func (o *Orchestrator) runTarget(ctx context.Context, r *run, index int, name, prompt string) (OutputResult, *pipeerr.Error) {
	mediaType := MediaTypeFor(name)
	res := OutputResult{Config: name, MediaType: mediaType}
	log := o.log.With("run_id", r.req.RunID, "target", name, "index", index)

	if r.stage3 {
		o.setState(r, 3, fmt.Sprintf("%s:%s", StepPreOutput, name))
		start := time.Now()
		sctx, span := observability.StartStageSpan(ctx, 3, "target", name, "media_type", mediaType)
		cctx, cancel := o.withStageTimeout(sctx, 3)
		verdict, err := o.safety.PreOutput(cctx, prompt, mediaType, r.level, r.mode)
		cancel()
		observability.EndSpan(span, err)
		if err != nil {
			o.metrics.ObserveStage("3", "error", time.Since(start))
			pe := pipeerr.Wrap(pipeerr.KindBackend, err, "pre-output safety for %s", name).
				AtStage(3, StepPreOutput).With("config", name).With("media_type", mediaType)
			o.saveError(r, pe)
			log.Warn("Pre-output safety failed", "error", err)
			return o.targetFailed(res, pe), pe
		}
		record := verdict.Record()
		record["config"] = name
		if _, err := r.rec.SaveEntity(recorder.TypeSafetyPreOutput, record, map[string]any{
			"config": name, "media_type": mediaType, "safe": verdict.Safe,
		}); err != nil {
			log.Warn("Pre-output safety entity not fully recorded", "error", err)
		}
		res.Safety = record
		o.metrics.ObserveSafety("3", verdict.Method, verdict.Safe)
		if !verdict.Safe {
			o.metrics.ObserveStage("3", "blocked", time.Since(start))
			pe := verdict.Err(3, StepPreOutput).
				With("config", name).
				With("media_type", mediaType).
				With("abort_reason", abortReason(verdict.Explanation, verdict.Symbol))
			o.saveError(r, pe)
			log.Info("Target blocked before generation", "method", verdict.Method)
			res.Status = TargetBlocked
			res.Error = errorInfo(pe)
			return res, nil
		}
		o.metrics.ObserveStage("3", "ok", time.Since(start))
	}

	o.setState(r, 4, fmt.Sprintf("%s:%s", StepOutput, name))
	start := time.Now()
	gctx, span := observability.StartStageSpan(ctx, 4, "target", name, "media_type", mediaType)
	out, pe := o.generate(gctx, r, name, mediaType, prompt)
	observability.EndSpan(span, errOrNil(pe))
	if pe != nil {
		o.metrics.ObserveStage("4", "error", time.Since(start))
		o.saveError(r, pe)
		log.Warn("Output generation failed", "error_type", string(pe.Kind), "error", pe.Error())
		return o.targetFailed(res, pe), pe
	}
	o.metrics.ObserveStage("4", "ok", time.Since(start))
	res.Status = TargetCompleted
	res.Output = out
	res.MediaType = out.Type
	return res, nil
}

// generate runs the output config against prompt and stores what it produced.
func (o *Orchestrator) generate(ctx context.Context, r *run, name, mediaType, prompt string) (*recorder.MediaOutput, *pipeerr.Error) {
	outCfg, ok := o.configs.Config(name)
	if !ok {
		return nil, pipeerr.New(pipeerr.KindConfiguration, "unknown output config %q", name).
			AtStage(4, StepOutput).With("config", name)
	}
	_, last, err := o.runPipeline(ctx, r, outCfg, prompt, 4, nil)
	if err != nil {
		pe, _ := pipeerr.As(err)
		if pe == nil {
			pe = pipeerr.Wrap(pipeerr.KindBackend, err, "output %s", name).AtStage(4, StepOutput)
		}
		return nil, pe.With("media_type", mediaType)
	}
	return o.storeArtifact(ctx, r, name, mediaType, last)
}

// storeOwnOutput stores the media an output-stage config produced when it
// was run directly.
func (o *Orchestrator) storeOwnOutput(ctx context.Context, r *run, last *backend.Response) {
	o.setState(r, 4, fmt.Sprintf("%s:%s", StepOutput, r.cfg.Name))
	mediaType := outputStageMediaType(r.cfg)
	out, pe := o.storeArtifact(ctx, r, r.cfg.Name, mediaType, last)
	res := OutputResult{Config: r.cfg.Name, MediaType: mediaType}
	if pe != nil {
		o.fail(r, pe, 4, StepOutput)
		r.result.Outputs = append(r.result.Outputs, o.targetFailed(res, pe))
		return
	}
	res.Status = TargetCompleted
	res.Output = out
	res.MediaType = out.Type
	r.result.Outputs = append(r.result.Outputs, res)
}

func (o *Orchestrator) storeArtifact(ctx context.Context, r *run, name, mediaType string, resp *backend.Response) (*recorder.MediaOutput, *pipeerr.Error) {
	step := fmt.Sprintf("%s:%s", StepOutput, name)
	if resp == nil {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "output config %s produced no response", name).AtStage(4, step)
	}
	meta := make(map[string]any, len(resp.Metadata)+1)
	for k, v := range resp.Metadata {
		meta[k] = v
	}
	if mt, _ := meta["media_type"].(string); mt == "" {
		meta["media_type"] = mediaType
	}

	cctx, cancel := o.withStageTimeout(ctx, 4)
	art, err := o.media.AddFromResponse(cctx, r.req.RunID, name, meta)
	cancel()
	if err != nil {
		return nil, stepError(err, 4, step, pipeerr.KindMediaStore).With("config", name)
	}

	if _, err := r.rec.SaveEntity(recorder.OutputPrefix+art.Output.Type, art.Data, map[string]any{
		"config":    name,
		"filename":  art.Output.Filename,
		"backend":   art.Output.Backend,
		"mime_type": art.Output.MIMEType,
	}); err != nil {
		o.log.Warn("Output entity not fully recorded", "run_id", r.req.RunID, "config", name, "error", err)
	}
	source, _ := meta["source"].(string)
	o.metrics.IncMediaStored(art.Output.Type, source)
	return art.Output, nil
}

func (o *Orchestrator) targetFailed(res OutputResult, pe *pipeerr.Error) OutputResult {
	res.Status = TargetFailed
	res.Error = errorInfo(pe)
	return res
}

func abortReason(explanation, symbol string) string {
	if s := strings.TrimSpace(explanation); s != "" {
		return s
	}
	if s := strings.TrimSpace(symbol); s != "" {
		return s
	}
	return "blocked by pre-output safety check"
}
