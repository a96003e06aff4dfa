package chunks

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

const (
	ModeEco  = "eco"
	ModeFast = "fast"
)

// maxPasses bounds how deep config values may reference each other.
const maxPasses = 3

type ChunkSource interface {
	Chunk(name string) (*defs.Chunk, bool)
}

type ModelSettings interface {
	Variable(name, mode string) (string, bool)
	ModeModel(mode string) string
}

// Context is the per-run state a chunk is built against.
type Context struct {
	InputText          string
	UserInput          string
	PreviousOutputs    []string
	CustomPlaceholders map[string]string
}

func (c *Context) PreviousOutput() string {
	if n := len(c.PreviousOutputs); n > 0 {
		return c.PreviousOutputs[n-1]
	}
	return c.InputText
}

func (c *Context) Append(output string) {
	c.PreviousOutputs = append(c.PreviousOutputs, output)
}

// Request is a fully substituted, executable chunk.
type Request struct {
	ChunkName   string
	ChunkType   string
	BackendType string
	Model       string
	Prompt      string
	Parameters  map[string]any
	Metadata    map[string]any
	Chunk       *defs.Chunk
}

type Builder struct {
	chunks ChunkSource
	models ModelSettings
	log    *logger.Logger
}

func NewBuilder(chunks ChunkSource, models ModelSettings, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.Nop()
	}
	return &Builder{chunks: chunks, models: models, log: log.With("service", "ChunkBuilder")}
}

func (b *Builder) Build(chunkName string, cfg *defs.ResolvedConfig, pc *Context, mode string) (*Request, error) {
	chunk, ok := b.chunks.Chunk(chunkName)
	if !ok {
		return nil, pipeerr.New(pipeerr.KindTemplate, "unknown chunk %q", chunkName).With("chunk", chunkName)
	}
	if pc == nil {
		pc = &Context{}
	}

	values := PlaceholderValues(cfg, pc)

	template := chunk.Template
	if strings.TrimSpace(template) == "" && chunk.IsOutput() {
		template = "{{PREVIOUS_OUTPUT}}"
	}
	prompt := Substitute(template, values)

	unresolved := defs.ExtractPlaceholders(prompt)
	if missing := intersect(unresolved, chunk.RequiredPlaceholders); len(missing) > 0 {
		return nil, pipeerr.New(pipeerr.KindPlaceholder, "chunk %q has unresolved required placeholders: %s",
			chunkName, strings.Join(missing, ", ")).With("chunk", chunkName).With("placeholders", missing)
	}
	if len(unresolved) > 0 {
		b.log.Warn("Unresolved placeholders left in prompt", "chunk", chunkName, "placeholders", unresolved)
	}

	params := mergeParams(chunk.Parameters, cfgParams(cfg))
	params = substituteValue(params, values).(map[string]any)

	model, source := b.selectModel(chunk, cfg, mode)

	meta := map[string]any{
		"chunk_name":   chunk.Name,
		"chunk_type":   chunk.Kind(),
		"backend_type": chunk.BackendType,
		"model_source": source,
	}
	if cfg != nil {
		meta["config_name"] = cfg.Name
	}
	if chunk.MediaType != "" {
		meta["media_type"] = chunk.MediaType
	}
	if len(unresolved) > 0 {
		meta["unresolved_placeholders"] = unresolved
	}

	return &Request{
		ChunkName:   chunk.Name,
		ChunkType:   chunk.Kind(),
		BackendType: chunk.BackendType,
		Model:       model,
		Prompt:      prompt,
		Parameters:  params,
		Metadata:    meta,
		Chunk:       chunk,
	}, nil
}

// selectModel applies model_override, model variables and the execution mode.
func (b *Builder) selectModel(chunk *defs.Chunk, cfg *defs.ResolvedConfig, mode string) (string, string) {
	base := chunk.Model
	source := "chunk"
	if cfg != nil && cfg.ModelOverride() != "" {
		base = cfg.ModelOverride()
		source = "override"
	}
	model := base
	if b.models != nil {
		if v, ok := b.models.Variable(base, mode); ok {
			model = v
			source = "variable"
		}
	}

	if b.models == nil || chunk.IsOutput() || chunk.BackendType == defs.BackendMediaEngine || chunk.BackendType == defs.BackendAPIImage {
		return model, source
	}
	switch mode {
	case ModeEco:
		if !strings.HasPrefix(model, "local/") {
			if m := b.models.ModeModel(ModeEco); m != "" {
				return m, "mode"
			}
		}
	case ModeFast:
		if model == "" || strings.HasPrefix(model, "local/") {
			if m := b.models.ModeModel(ModeFast); m != "" {
				return m, "mode"
			}
		}
	}
	return model, source
}

// PlaceholderValues builds the substitution map. Config parameters are added
// last and therefore win over same-named custom placeholders.
//
// Config-side values (context and parameters) may reference each other and
// the runtime values; they are expanded here, so the template itself needs
// only one literal pass. Runtime text (input, previous output, user input,
// custom placeholders) is never expanded.
func PlaceholderValues(cfg *defs.ResolvedConfig, pc *Context) map[string]string {
	runtime := map[string]string{
		"INPUT_TEXT":      pc.InputText,
		"PREVIOUS_OUTPUT": pc.PreviousOutput(),
		"USER_INPUT":      pc.UserInput,
	}
	for k, v := range pc.CustomPlaceholders {
		runtime[k] = v
	}

	authored := map[string]string{}
	if cfg != nil {
		authored["INSTRUCTION"] = cfg.Context
		authored["INSTRUCTIONS"] = cfg.Context
		for k, v := range cfg.Parameters {
			authored[k] = stringify(v)
		}
	}
	authored = expandAuthored(authored)

	values := make(map[string]string, len(runtime)+len(authored))
	for k, v := range runtime {
		values[k] = v
	}
	for k, v := range authored {
		values[k] = Substitute(v, runtime)
	}
	return values
}

// expandAuthored resolves references between config-side values, at most
// maxPasses deep.
func expandAuthored(values map[string]string) map[string]string {
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		next := make(map[string]string, len(values))
		for k, v := range values {
			out := Substitute(v, values)
			if out != v {
				changed = true
			}
			next[k] = out
		}
		values = next
		if !changed {
			break
		}
	}
	return values
}

// Substitute replaces every known {{NAME}} literally in one pass; unknown
// tokens stay and inserted values are not scanned again.
func Substitute(s string, values map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return defs.PlaceholderPattern.ReplaceAllStringFunc(s, func(tok string) string {
		name := defs.PlaceholderPattern.FindStringSubmatch(tok)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return tok
	})
}

func substituteValue(v any, values map[string]string) any {
	switch t := v.(type) {
	case string:
		return Substitute(t, values)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substituteValue(val, values)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substituteValue(val, values)
		}
		return out
	default:
		return v
	}
}

func cfgParams(cfg *defs.ResolvedConfig) map[string]any {
	if cfg == nil {
		return nil
	}
	return cfg.Parameters
}

func mergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func intersect(have, want []string) []string {
	if len(have) == 0 || len(want) == 0 {
		return nil
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	var out []string
	for _, w := range want {
		if set[w] {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}
