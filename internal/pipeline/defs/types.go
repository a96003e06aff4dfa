package defs

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	BackendLocalLLM    = "local_llm"
	BackendCloudLLM    = "cloud_llm"
	BackendMediaEngine = "media_engine"
	BackendAPIImage    = "api_image"
)

const (
	ChunkProcessing = "processing_chunk"
	ChunkOutput     = "output_chunk"
	ChunkAPIOutput  = "api_output_chunk"
)

// PlaceholderPattern matches {{NAME}} tokens.
var PlaceholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Chunk is one reusable prompt template or media output definition.
type Chunk struct {
	Name                 string                  `json:"name"`
	Type                 string                  `json:"type,omitempty"`
	Description          string                  `json:"description,omitempty"`
	Template             string                  `json:"template"`
	BackendType          string                  `json:"backend_type"`
	Model                string                  `json:"model,omitempty"`
	Parameters           map[string]any          `json:"parameters,omitempty"`
	MediaType            string                  `json:"media_type,omitempty"`
	RequiredPlaceholders []string                `json:"required_placeholders,omitempty"`
	Workflow             map[string]any          `json:"workflow,omitempty"`
	InputMappings        map[string]InputMapping `json:"input_mappings,omitempty"`
	OutputMapping        *OutputMapping          `json:"output_mapping,omitempty"`
	APIConfig            *APIConfig              `json:"api_config,omitempty"`

	// Placeholders lists the distinct {{NAME}} tokens in Template.
	Placeholders []string `json:"-"`
}

// InputMapping injects a named input into a workflow node field or, for API
// chunks, into a dotted path of the request body.
type InputMapping struct {
	NodeID      string `json:"node_id,omitempty"`
	Field       string `json:"field,omitempty"`
	Path        string `json:"path,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Default     any    `json:"default,omitempty"`
}

type OutputMapping struct {
	// Type is "workflow", "chat" or "images".
	Type       string `json:"type,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	OutputType string `json:"output_type,omitempty"`
	Path       string `json:"path,omitempty"`
}

type APIConfig struct {
	Endpoint    string            `json:"endpoint"`
	Method      string            `json:"method,omitempty"`
	Model       string            `json:"model,omitempty"`
	Backend     string            `json:"backend,omitempty"`
	APIKeyEnv   string            `json:"api_key_env,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestBody map[string]any    `json:"request_body,omitempty"`
}

func (c *Chunk) Kind() string {
	if c.Type == "" {
		return ChunkProcessing
	}
	return c.Type
}

func (c *Chunk) IsOutput() bool {
	k := c.Kind()
	return k == ChunkOutput || k == ChunkAPIOutput
}

type PipelineDefaults struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Pipeline struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Chunks      []string         `json:"chunks"`
	Defaults    PipelineDefaults `json:"defaults,omitempty"`
	Meta        map[string]any   `json:"meta,omitempty"`
}

func (p *Pipeline) Recursive() bool { return metaBool(p.Meta, "recursive") }

type MediaPreferences struct {
	DefaultOutput string   `json:"default_output,omitempty"`
	OutputConfigs []string `json:"output_configs,omitempty"`
}

// ResolvedConfig is a config merged with its pipeline.
type ResolvedConfig struct {
	Name             string            `json:"name"`
	DisplayName      map[string]string `json:"display_name"`
	Description      map[string]string `json:"description"`
	PipelineName     string            `json:"pipeline"`
	Chunks           []string          `json:"chunks"`
	Context          string            `json:"context,omitempty"`
	Parameters       map[string]any    `json:"parameters,omitempty"`
	MediaPreferences MediaPreferences  `json:"media_preferences"`
	Meta             map[string]any    `json:"meta,omitempty"`
}

func (r *ResolvedConfig) IsSystemPipeline() bool { return metaBool(r.Meta, "system_pipeline") }

func (r *ResolvedConfig) IsOutputStage() bool {
	s, _ := r.Meta["stage"].(string)
	return strings.EqualFold(s, "output")
}

// Iterations is meta.iterations, at least 1.
func (r *ResolvedConfig) Iterations() int {
	n := 1
	switch v := r.Meta["iterations"].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			n = i
		}
	}
	if n < 1 {
		return 1
	}
	return n
}

func (r *ResolvedConfig) ModelOverride() string {
	s, _ := r.Meta["model_override"].(string)
	return strings.TrimSpace(s)
}

func metaBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// ExtractPlaceholders returns the distinct placeholder names in s, sorted.
func ExtractPlaceholders(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range PlaceholderPattern.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}
