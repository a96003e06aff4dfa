package safety

import (
	"context"
	"strings"

	"github.com/yungbote/interception-backend/internal/inference/config"
	"github.com/yungbote/interception-backend/internal/inference/engine"
	"github.com/yungbote/interception-backend/internal/inference/router"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Verdict methods.
const (
	MethodTermFilter      = "term_filter"
	MethodUnified         = "unified"
	MethodLegacy          = "legacy"
	MethodLegacyUnparsed  = "legacy_unparsed"
	MethodTranslationOnly = "translation_only"
	MethodMediaCheck      = "media_check"
)

type TextGenerator interface {
	Generate(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions) (router.Result, error)
}

type ModelSettings interface {
	Variable(name, mode string) (string, bool)
	ModeModel(mode string) string
}

// Verdict is what a safety gate decided. Translated carries the English text
// produced alongside a stage-1 check.
type Verdict struct {
	Safe         bool
	Checked      bool
	Method       string
	Level        Level
	MediaType    string
	LawReference string
	Symbol       string
	Explanation  string
	Model        string
	Translated   string
}

// Record is the JSON body stored as a safety entity.
func (v Verdict) Record() map[string]any {
	out := map[string]any{
		"safe":         v.Safe,
		"checked":      v.Checked,
		"method":       v.Method,
		"safety_level": string(v.Level),
	}
	if v.MediaType != "" {
		out["media_type"] = v.MediaType
	}
	if v.Model != "" {
		out["model"] = v.Model
	}
	if !v.Safe {
		out["law_reference"] = v.LawReference
		out["symbol"] = v.Symbol
		out["explanation"] = v.Explanation
	}
	return out
}

// Err converts a blocking verdict into a safety_blocked error.
func (v Verdict) Err(stage int, step string) *pipeerr.Error {
	if v.Safe {
		return nil
	}
	reason := v.Explanation
	if reason == "" {
		reason = v.Symbol
	}
	e := pipeerr.New(pipeerr.KindSafetyBlocked, "content blocked: %s", strings.TrimSpace(v.LawReference+" "+reason)).
		AtStage(stage, step).
		With("method", v.Method).
		With("law_reference", v.LawReference).
		With("symbol", v.Symbol)
	if v.MediaType != "" {
		e = e.With("media_type", v.MediaType)
	}
	return e
}

type Checker struct {
	text   TextGenerator
	models ModelSettings
	log    *logger.Logger
}

func NewChecker(text TextGenerator, models ModelSettings, log *logger.Logger) *Checker {
	if log == nil {
		log = logger.Nop()
	}
	return &Checker{text: text, models: models, log: log.With("service", "SafetyChecker")}
}

// PreInterception is the stage-1 gate: one unified SAFE:/BLOCKED: call that
// also translates, falling back to separate translate and classify calls when
// the answer cannot be parsed. With level off it only translates.
func (c *Checker) PreInterception(ctx context.Context, text string, level Level, mode string) (Verdict, error) {
	if level == LevelOff {
		translated, model, err := c.translate(ctx, text, mode)
		if err != nil {
			return Verdict{}, err
		}
		return Verdict{Safe: true, Checked: false, Method: MethodTranslationOnly, Level: level, Model: model, Translated: translated}, nil
	}

	if hit, ok := PreFilter(text, level); ok {
		c.log.Info("Pre-filter blocked input", "term", hit.Term, "safety_level", string(level))
		return Verdict{
			Safe: false, Checked: true, Method: MethodTermFilter, Level: level,
			LawReference: hit.LawReference, Symbol: hit.Symbol,
			Explanation: "matched blocked term " + hit.Term,
			Translated:  text,
		}, nil
	}

	model := c.model(config.VarStage1, mode)
	raw, err := c.ask(ctx, model, unifiedPrompt(level), text)
	if err != nil {
		return Verdict{}, err
	}
	if p, ok := ParseVerdict(raw); ok {
		v := fromParsed(p, MethodUnified, level, model)
		if p.Safe {
			v.Translated = p.Text
			if v.Translated == "" {
				v.Translated = text
			}
		} else {
			v.Translated = text
		}
		return v, nil
	}

	c.log.Warn("Unified safety answer did not parse, using legacy path", "model", model, "answer_len", len(raw))
	return c.legacy(ctx, text, level, mode)
}

func (c *Checker) legacy(ctx context.Context, text string, level Level, mode string) (Verdict, error) {
	translated, _, err := c.translate(ctx, text, mode)
	if err != nil {
		return Verdict{}, err
	}
	model := c.model(config.VarSafety, mode)
	raw, err := c.ask(ctx, model, classifyPrompt(level), text)
	if err != nil {
		return Verdict{}, err
	}
	p, ok := ParseClassification(raw)
	if !ok {
		c.log.Warn("Safety classification did not parse, treating as unsafe", "model", model)
		return Verdict{
			Safe: false, Checked: true, Method: MethodLegacyUnparsed, Level: level, Model: model,
			Explanation: "safety check returned an unreadable answer",
			Translated:  translated,
		}, nil
	}
	v := fromParsed(p, MethodLegacy, level, model)
	v.Translated = translated
	return v, nil
}

// PreOutput is the stage-3 gate for one output target.
func (c *Checker) PreOutput(ctx context.Context, prompt, mediaType string, level Level, mode string) (Verdict, error) {
	if level == LevelOff {
		return Verdict{Safe: true, Checked: false, Method: MethodMediaCheck, Level: level, MediaType: mediaType}, nil
	}
	if hit, ok := PreFilter(prompt, level); ok {
		return Verdict{
			Safe: false, Checked: true, Method: MethodTermFilter, Level: level, MediaType: mediaType,
			LawReference: hit.LawReference, Symbol: hit.Symbol,
			Explanation: "matched blocked term " + hit.Term,
		}, nil
	}

	model := c.model(config.VarStage3, mode)
	raw, err := c.ask(ctx, model, mediaPrompt(mediaType, level), prompt)
	if err != nil {
		return Verdict{}, err
	}
	p, ok := ParseClassification(raw)
	if !ok {
		raw, err = c.ask(ctx, c.model(config.VarSafety, mode), classifyPrompt(level), prompt)
		if err != nil {
			return Verdict{}, err
		}
		if p, ok = ParseClassification(raw); !ok {
			return Verdict{
				Safe: false, Checked: true, Method: MethodLegacyUnparsed, Level: level, MediaType: mediaType, Model: model,
				Explanation: "safety check returned an unreadable answer",
			}, nil
		}
	}
	v := fromParsed(p, MethodMediaCheck, level, model)
	v.MediaType = mediaType
	return v, nil
}

func (c *Checker) translate(ctx context.Context, text, mode string) (string, string, error) {
	model := c.model(config.VarStage1, mode)
	out, err := c.ask(ctx, model, translateSystemPrompt, text)
	if err != nil {
		return "", model, err
	}
	out = cleanAnswer(out)
	if out == "" {
		out = text
	}
	return out, model, nil
}

func (c *Checker) ask(ctx context.Context, model, system, user string) (string, error) {
	if c.text == nil {
		return "", pipeerr.New(pipeerr.KindBackend, "no text backend configured for safety checks")
	}
	res, err := c.text.Generate(ctx, model, engine.Prompt(system, user), engine.GenerateOptions{})
	if err != nil {
		return "", pipeerr.Wrap(pipeerr.KindBackend, err, "safety model %s", model).With("model", model)
	}
	return res.Text, nil
}

func (c *Checker) model(variable, mode string) string {
	if c.models == nil {
		return ""
	}
	if m, ok := c.models.Variable(variable, mode); ok && m != "" {
		return m
	}
	return c.models.ModeModel(mode)
}

func fromParsed(p Parsed, method string, level Level, model string) Verdict {
	return Verdict{
		Safe:         p.Safe,
		Checked:      true,
		Method:       method,
		Level:        level,
		Model:        model,
		LawReference: p.LawReference,
		Symbol:       p.Symbol,
		Explanation:  p.Explanation,
	}
}
