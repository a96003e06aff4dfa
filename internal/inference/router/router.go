package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/yungbote/interception-backend/internal/inference/config"
	"github.com/yungbote/interception-backend/internal/inference/engine"
	"github.com/yungbote/interception-backend/internal/inference/engine/anthropic"
	"github.com/yungbote/interception-backend/internal/inference/engine/mock"
	"github.com/yungbote/interception-backend/internal/inference/engine/oaihttp"
	"github.com/yungbote/interception-backend/internal/platform/httpx"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

var ErrUnknownProvider = errors.New("unknown model provider")

type Route struct {
	Prefix        string
	Model         string
	UpstreamModel string
	Engine        engine.Engine
}

type Attempt struct {
	Model string `json:"model"`
	Error string `json:"error,omitempty"`
}

// Result reports which model finally answered and what was tried before.
type Result struct {
	Text     string
	Model    string
	Attempts []Attempt
}

// Router maps "<prefix>/<model>" strings to engines and walks the provider's
// fallback chain on retryable failures, one model at a time.
type Router struct {
	log       *logger.Logger
	engines   map[string]engine.Engine
	providers map[string]config.ProviderConfig
	fallbacks map[string][]string
	breaker   config.BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg *config.Config, log *logger.Logger) (*Router, error) {
	engines := make(map[string]engine.Engine, len(cfg.Providers))
	for prefix, p := range cfg.Providers {
		var eng engine.Engine
		switch p.Type {
		case config.ProviderMock:
			eng = mock.New()
		case config.ProviderOAIHTTP:
			e, err := oaihttp.New(p)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", prefix, err)
			}
			eng = e
		case config.ProviderAnthropic:
			e, err := anthropic.New(p)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", prefix, err)
			}
			eng = e
		default:
			return nil, fmt.Errorf("unsupported engine type %q for provider %q", p.Type, prefix)
		}
		engines[prefix] = eng
	}
	return NewWithEngines(cfg, log, engines), nil
}

// NewWithEngines wires pre-built engines, keyed by provider prefix.
func NewWithEngines(cfg *config.Config, log *logger.Logger, engines map[string]engine.Engine) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{
		log:       log.With("service", "ModelRouter"),
		engines:   engines,
		providers: cfg.Providers,
		fallbacks: cfg.Fallbacks,
		breaker:   cfg.Breaker,
		breakers:  map[string]*gobreaker.CircuitBreaker{},
	}
}

// SplitModel separates the leading provider segment from the model name.
func SplitModel(model string) (prefix, name string) {
	model = strings.TrimSpace(model)
	i := strings.Index(model, "/")
	if i <= 0 {
		return "", model
	}
	return model[:i], model[i+1:]
}

func (r *Router) HasProvider(prefix string) bool {
	_, ok := r.engines[prefix]
	return ok
}

func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.engines))
	for p := range r.engines {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Router) RouteForModel(model string) (Route, bool) {
	prefix, name := SplitModel(model)
	eng, ok := r.engines[prefix]
	if !ok || name == "" {
		return Route{}, false
	}
	upstream := name
	if r.providers[prefix].KeepPrefix {
		upstream = strings.TrimSpace(model)
	}
	return Route{Prefix: prefix, Model: strings.TrimSpace(model), UpstreamModel: upstream, Engine: eng}, true
}

// Chain returns model followed by its provider's fallbacks, without repeats.
func (r *Router) Chain(model string) []string {
	model = strings.TrimSpace(model)
	prefix, _ := SplitModel(model)
	out := []string{model}
	seen := map[string]bool{model: true}
	for _, fb := range r.fallbacks[prefix] {
		fb = strings.TrimSpace(fb)
		if fb == "" || seen[fb] {
			continue
		}
		seen[fb] = true
		out = append(out, fb)
	}
	return out
}

func (r *Router) Generate(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions) (Result, error) {
	return r.run(ctx, model, func(ctx context.Context, route Route) (string, error) {
		return route.Engine.GenerateText(ctx, route.UpstreamModel, messages, opts)
	}, nil)
}

// Stream falls back to the next model only while nothing has been emitted.
func (r *Router) Stream(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions, onDelta func(string)) (Result, error) {
	emitted := false
	return r.run(ctx, model, func(ctx context.Context, route Route) (string, error) {
		return route.Engine.StreamText(ctx, route.UpstreamModel, messages, opts, func(d string) {
			emitted = true
			if onDelta != nil {
				onDelta(d)
			}
		})
	}, func() bool { return !emitted })
}

func (r *Router) run(ctx context.Context, model string, call func(context.Context, Route) (string, error), mayFallback func() bool) (Result, error) {
	var res Result
	var lastErr error
	for i, m := range r.Chain(model) {
		route, ok := r.RouteForModel(m)
		if !ok {
			if i == 0 {
				return res, fmt.Errorf("%w: %q", ErrUnknownProvider, m)
			}
			r.log.Warn("Skipping fallback with unknown provider", "model", m)
			continue
		}

		text, err := r.execute(ctx, route, call)
		if err == nil {
			res.Text = text
			res.Model = m
			res.Attempts = append(res.Attempts, Attempt{Model: m})
			if i > 0 {
				r.log.Info("Fallback model answered", "requested", model, "model", m, "attempts", len(res.Attempts))
			}
			return res, nil
		}

		res.Attempts = append(res.Attempts, Attempt{Model: m, Error: err.Error()})
		lastErr = err
		if ctx.Err() != nil || !shouldFallback(err) || (mayFallback != nil && !mayFallback()) {
			break
		}
		r.log.Warn("Model call failed, trying next", "model", m, "error", err)
	}
	return res, lastErr
}

func (r *Router) execute(ctx context.Context, route Route, call func(context.Context, Route) (string, error)) (string, error) {
	cb := r.breakerFor(route.Model)
	if cb == nil {
		return call(ctx, route)
	}
	out, err := cb.Execute(func() (interface{}, error) {
		return call(ctx, route)
	})
	if err != nil {
		return "", err
	}
	text, _ := out.(string)
	return text, nil
}

func (r *Router) breakerFor(model string) *gobreaker.CircuitBreaker {
	if !r.breaker.Enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[model]; ok {
		return cb
	}
	maxFailures := uint32(r.breaker.MaxFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        model,
		MaxRequests: uint32(r.breaker.HalfOpenMax),
		Timeout:     r.breaker.OpenFor.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Only upstream trouble counts against the model.
		IsSuccessful: func(err error) bool {
			return err == nil || !httpx.IsRetryableError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("Model breaker state changed", "model", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[model] = cb
	return cb
}

// BreakerStates reports the state of every breaker created so far.
func (r *Router) BreakerStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for m, cb := range r.breakers {
		out[m] = cb.State().String()
	}
	return out
}

func shouldFallback(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return httpx.IsRetryableError(err)
}
