package backend

import (
	"context"
	"net/http"
	"strings"

	"github.com/yungbote/interception-backend/internal/inference/engine"
	"github.com/yungbote/interception-backend/internal/inference/router"
	"github.com/yungbote/interception-backend/internal/pipeline/chunks"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Media reference sources understood by the media store.
const (
	SourceJob    = "job"
	SourceURL    = "url"
	SourceBase64 = "base64"
	SourcePath   = "path"
)

// DefaultCloudPrefix is used for unprefixed models on cloud_llm chunks.
const DefaultCloudPrefix = "openrouter"

// LocalPrefix marks models served by the local LLM provider.
const LocalPrefix = "local"

// Response is the uniform result of one backend call. For media chunks
// Metadata["source"] says how the bytes can be obtained.
type Response struct {
	Success  bool           `json:"success"`
	Content  string         `json:"content"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TextRouter interface {
	HasProvider(prefix string) bool
	Generate(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions) (router.Result, error)
	Stream(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions, onDelta func(string)) (router.Result, error)
}

type WorkflowSubmitter interface {
	Submit(ctx context.Context, workflow map[string]any) (string, error)
	BaseURL() string
}

type ModeModels interface {
	ModeModel(mode string) string
}

type Router struct {
	text     TextRouter
	workflow WorkflowSubmitter
	models   ModeModels
	http     *http.Client
	log      *logger.Logger
}

type Options struct {
	Workflow   WorkflowSubmitter
	Models     ModeModels
	HTTPClient *http.Client
}

func New(text TextRouter, opts Options, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Router{
		text:     text,
		workflow: opts.Workflow,
		models:   opts.Models,
		http:     opts.HTTPClient,
		log:      log.With("service", "BackendRouter"),
	}
}

// Target names the path a request will take.
type Target struct {
	Kind  string // "llm", "workflow" or "api"
	Model string
}

// Resolve decides where req goes. A provider prefix on the model always wins
// over the chunk's declared backend_type.
func (r *Router) Resolve(req *chunks.Request) (Target, error) {
	model := strings.TrimSpace(req.Model)
	prefix, _ := router.SplitModel(model)
	if prefix != "" && r.text != nil && r.text.HasProvider(prefix) {
		return Target{Kind: "llm", Model: model}, nil
	}
	if prefix == LocalPrefix {
		return Target{}, pipeerr.New(pipeerr.KindBackend, "model %q needs the %q provider, which is not configured", model, LocalPrefix).
			With("chunk", req.ChunkName).With("provider", LocalPrefix)
	}

	if req.Chunk != nil {
		switch req.Chunk.Kind() {
		case defs.ChunkOutput:
			return Target{Kind: "workflow"}, nil
		case defs.ChunkAPIOutput:
			return Target{Kind: "api"}, nil
		}
	}

	switch req.BackendType {
	case defs.BackendLocalLLM:
		if model == "" && r.models != nil {
			return Target{Kind: "llm", Model: r.models.ModeModel(chunks.ModeEco)}, nil
		}
		return Target{Kind: "llm", Model: LocalPrefix + "/" + model}, nil
	case defs.BackendCloudLLM, "":
		if model == "" && r.models != nil {
			return Target{Kind: "llm", Model: r.models.ModeModel(chunks.ModeFast)}, nil
		}
		if model == "" {
			break
		}
		return Target{Kind: "llm", Model: DefaultCloudPrefix + "/" + model}, nil
	case defs.BackendMediaEngine:
		return Target{Kind: "workflow"}, nil
	case defs.BackendAPIImage:
		return Target{Kind: "api"}, nil
	}
	return Target{}, pipeerr.New(pipeerr.KindBackend, "no backend for chunk %q (model=%q backend_type=%q)", req.ChunkName, model, req.BackendType)
}

func (r *Router) Process(ctx context.Context, req *chunks.Request) (*Response, error) {
	target, err := r.Resolve(req)
	if err != nil {
		return failed(err), err
	}
	var resp *Response
	switch target.Kind {
	case "llm":
		resp, err = r.processText(ctx, req, target.Model, nil)
	case "workflow":
		resp, err = r.processWorkflow(ctx, req)
	case "api":
		resp, err = r.processAPI(ctx, req)
	}
	if err != nil {
		return failed(err), err
	}
	return resp, nil
}

// ProcessStream is Process with incremental text for LLM targets. Media
// targets produce no deltas.
func (r *Router) ProcessStream(ctx context.Context, req *chunks.Request, onDelta func(string)) (*Response, error) {
	target, err := r.Resolve(req)
	if err != nil {
		return failed(err), err
	}
	if target.Kind != "llm" {
		return r.Process(ctx, req)
	}
	resp, err := r.processText(ctx, req, target.Model, onDelta)
	if err != nil {
		return failed(err), err
	}
	return resp, nil
}

// StreamEvent is one item of StreamEvents: "delta", then "done" or "error".
type StreamEvent struct {
	Type     string
	Text     string
	Response *Response
	Err      error
}

// StreamEvents runs ProcessStream in the background. The channel carries
// deltas in arrival order and is closed after exactly one terminal event.
func (r *Router) StreamEvents(ctx context.Context, req *chunks.Request) <-chan StreamEvent {
	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		resp, err := r.ProcessStream(ctx, req, func(d string) {
			select {
			case ch <- StreamEvent{Type: "delta", Text: d}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			ch <- StreamEvent{Type: "error", Err: err, Response: resp}
			return
		}
		ch <- StreamEvent{Type: "done", Response: resp}
	}()
	return ch
}

func (r *Router) processText(ctx context.Context, req *chunks.Request, model string, onDelta func(string)) (*Response, error) {
	if r.text == nil {
		return nil, pipeerr.New(pipeerr.KindBackend, "no text backend configured")
	}
	system, _ := req.Parameters["system_prompt"].(string)
	msgs := engine.Prompt(system, req.Prompt)
	opts := engine.OptionsFromParams(req.Parameters)

	var res router.Result
	var err error
	if onDelta != nil {
		res, err = r.text.Stream(ctx, model, msgs, opts, onDelta)
	} else {
		res, err = r.text.Generate(ctx, model, msgs, opts)
	}
	if err != nil {
		r.log.Warn("Text backend failed", "chunk", req.ChunkName, "model", model, "attempts", len(res.Attempts), "error", err)
		return nil, pipeerr.Wrap(pipeerr.KindBackend, err, "chunk %s via %s", req.ChunkName, model).
			With("model", model).With("attempts", res.Attempts)
	}
	prefix, _ := router.SplitModel(res.Model)
	meta := map[string]any{
		"model":           res.Model,
		"requested_model": model,
		"backend":         prefix,
		"chunk_name":      req.ChunkName,
	}
	if len(res.Attempts) > 1 {
		meta["attempts"] = res.Attempts
	}
	return &Response{Success: true, Content: strings.TrimSpace(res.Text), Metadata: meta}, nil
}

func failed(err error) *Response {
	return &Response{Success: false, Error: err.Error()}
}
