package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderOAIHTTP   = "oai_http"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

const (
	VarStage1       = "STAGE1_MODEL"
	VarInterception = "STAGE2_INTERCEPTION_MODEL"
	VarStage3       = "STAGE3_MODEL"
	VarSafety       = "SAFETY_MODEL"
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		return d.parse(u)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a JSON string like \"90s\" or an int nanoseconds: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

func secs(n int) Duration { return Duration{Duration: time.Duration(n) * time.Second} }

func Default() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"local":      {Type: ProviderOAIHTTP, BaseURL: "http://localhost:11434", Timeout: secs(120)},
			"openrouter": {Type: ProviderOAIHTTP, BaseURL: "https://openrouter.ai/api", APIKeyEnv: "OPENROUTER_API_KEY"},
			"openai":     {Type: ProviderOAIHTTP, BaseURL: "https://api.openai.com", APIKeyEnv: "OPENAI_API_KEY"},
			"mistral":    {Type: ProviderOAIHTTP, BaseURL: "https://api.mistral.ai", APIKeyEnv: "MISTRAL_API_KEY"},
			"bedrock":    {Type: ProviderOAIHTTP, BaseURL: "https://bedrock-runtime.eu-central-1.amazonaws.com/openai", APIKeyEnv: "AWS_BEARER_TOKEN_BEDROCK"},
			"anthropic":  {Type: ProviderAnthropic, BaseURL: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY"},
		},
		ModelVariables: map[string]ModelVariable{
			VarStage1: {
				Default: "local/mistral-nemo:12b",
				Fast:    "openrouter/mistralai/mistral-small-3.2-24b-instruct",
			},
			VarInterception: {
				Default: "local/mistral-nemo:12b",
				Fast:    "openrouter/anthropic/claude-3.5-haiku",
			},
			VarStage3: {
				Default: "local/mistral-nemo:12b",
				Fast:    "openrouter/mistralai/mistral-small-3.2-24b-instruct",
			},
			VarSafety: {
				Default: "local/llama-guard3:8b",
			},
		},
		EcoModel:  "local/mistral-nemo:12b",
		FastModel: "openrouter/mistralai/mistral-small-3.2-24b-instruct",
		Fallbacks: map[string][]string{
			"openrouter": {"openrouter/mistralai/mistral-small-3.2-24b-instruct", "openrouter/meta-llama/llama-3.1-8b-instruct"},
			"openai":     {"openai/gpt-4o-mini"},
			"mistral":    {"mistral/mistral-small-latest"},
			"bedrock":    {"bedrock/openai.gpt-oss-20b-1:0"},
			"anthropic":  {"anthropic/claude-3-5-haiku-latest"},
		},
		Timeouts: TimeoutsConfig{
			Stage1:    secs(90),
			Stage2:    secs(120),
			Stage3:    secs(90),
			Stage4:    secs(480),
			MediaPoll: secs(480),
		},
		OutputFallbacks: map[string]map[string]string{
			"image": {"eco": "sd35_large", "fast": "gpt_image_1"},
			"audio": {"*": "stable_audio_standard"},
			"music": {"*": "acestep_standard"},
			"video": {"*": "wan22_video"},
		},
		Media: MediaConfig{
			ComfyUIURL:       "http://127.0.0.1:8188",
			PollInterval:     secs(2),
			DownloadTimeout:  secs(120),
			MaxDownloadBytes: 512 << 20,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			OpenFor:     secs(60),
			HalfOpenMax: 1,
		},
	}
}

// Load reads the backend configuration from path (or INTERCEPTION_CONFIG_PATH,
// or ./config/interception.{json,yaml}) on top of Default(). A missing file is
// not an error; the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("INTERCEPTION_CONFIG_PATH"))
	}
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			for _, name := range []string{"interception.json", "interception.yaml", "interception.yml"} {
				p := filepath.Join(wd, "config", name)
				if _, err := os.Stat(p); err == nil {
					path = p
					break
				}
			}
		}
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

func applyEnv(cfg *Config) {
	for name, v := range cfg.ModelVariables {
		if env := strings.TrimSpace(os.Getenv(name)); env != "" {
			v.Default = env
			cfg.ModelVariables[name] = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("COMFYUI_URL")); v != "" {
		cfg.Media.ComfyUIURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LOCAL_LLM_URL")); v != "" {
		if p, ok := cfg.Providers["local"]; ok {
			p.BaseURL = v
			cfg.Providers["local"] = p
		}
	}
}

// Normalize fills per-provider defaults and validates the result.
func (c *Config) Normalize() error {
	if len(c.Providers) == 0 {
		return errors.New("config must define at least one provider")
	}
	for prefix, p := range c.Providers {
		if strings.TrimSpace(prefix) == "" || strings.Contains(prefix, "/") {
			return fmt.Errorf("invalid provider prefix %q", prefix)
		}
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		switch p.Type {
		case "openai_http", ProviderOAIHTTP:
			p.Type = ProviderOAIHTTP
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q (oai_http) missing base_url", prefix)
			}
			if strings.TrimSpace(p.ChatCompletionsPath) == "" {
				p.ChatCompletionsPath = "/v1/chat/completions"
			}
		case ProviderAnthropic:
			if p.BaseURL == "" {
				p.BaseURL = "https://api.anthropic.com"
			}
			if p.APIVersion == "" {
				p.APIVersion = "2023-06-01"
			}
			if p.MaxTokens <= 0 {
				p.MaxTokens = 4096
			}
		case ProviderMock:
		default:
			return fmt.Errorf("provider %q has unsupported type %q", prefix, p.Type)
		}
		if p.Timeout.Duration <= 0 {
			p.Timeout = secs(90)
		}
		if p.StreamTimeout.Duration < 0 {
			return fmt.Errorf("provider %q invalid stream_timeout", prefix)
		}
		c.Providers[prefix] = p
	}

	for prefix, p := range c.Providers {
		if prefix == "local" || p.Type == ProviderMock {
			continue
		}
		if len(c.Fallbacks[prefix]) == 0 {
			return fmt.Errorf("provider %q needs at least one fallback model", prefix)
		}
	}

	for name, v := range c.ModelVariables {
		if strings.TrimSpace(v.Default) == "" {
			return fmt.Errorf("model variable %q missing default", name)
		}
	}

	def := Default()
	fill := func(d *Duration, fallback Duration) {
		if d.Duration <= 0 {
			*d = fallback
		}
	}
	fill(&c.Timeouts.Stage1, def.Timeouts.Stage1)
	fill(&c.Timeouts.Stage2, def.Timeouts.Stage2)
	fill(&c.Timeouts.Stage3, def.Timeouts.Stage3)
	fill(&c.Timeouts.Stage4, def.Timeouts.Stage4)
	fill(&c.Timeouts.MediaPoll, def.Timeouts.MediaPoll)
	fill(&c.Media.PollInterval, def.Media.PollInterval)
	fill(&c.Media.DownloadTimeout, def.Media.DownloadTimeout)
	if c.Media.MaxDownloadBytes <= 0 {
		c.Media.MaxDownloadBytes = def.Media.MaxDownloadBytes
	}
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = def.Breaker.MaxFailures
	}
	fill(&c.Breaker.OpenFor, def.Breaker.OpenFor)
	if c.Breaker.HalfOpenMax <= 0 {
		c.Breaker.HalfOpenMax = def.Breaker.HalfOpenMax
	}
	return nil
}

// ResolvedAPIKey prefers the literal key over the environment variable.
func (p ProviderConfig) ResolvedAPIKey() string {
	if k := strings.TrimSpace(p.APIKey); k != "" {
		return k
	}
	if p.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
	}
	return ""
}

// StageTimeout returns the per-call deadline for stage 1..4.
func (c *Config) StageTimeout(stage int) time.Duration {
	switch stage {
	case 1:
		return c.Timeouts.Stage1.Duration
	case 2:
		return c.Timeouts.Stage2.Duration
	case 3:
		return c.Timeouts.Stage3.Duration
	case 4:
		return c.Timeouts.Stage4.Duration
	}
	return c.Timeouts.Stage2.Duration
}

// Variable returns the concrete model for a model variable under mode.
func (c *Config) Variable(name, mode string) (string, bool) {
	v, ok := c.ModelVariables[strings.TrimSpace(name)]
	if !ok {
		return "", false
	}
	switch mode {
	case "eco":
		if v.Eco != "" {
			return v.Eco, true
		}
	case "fast":
		if v.Fast != "" {
			return v.Fast, true
		}
	}
	return v.Default, true
}

// OutputFallback looks up the output config for (mediaType, mode).
func (c *Config) OutputFallback(mediaType, mode string) (string, bool) {
	byMode, ok := c.OutputFallbacks[strings.ToLower(strings.TrimSpace(mediaType))]
	if !ok {
		return "", false
	}
	if name := byMode[mode]; name != "" {
		return name, true
	}
	if name := byMode["*"]; name != "" {
		return name, true
	}
	return "", false
}

// ModeModel is the model forced by an execution mode, or "" for none.
func (c *Config) ModeModel(mode string) string {
	switch mode {
	case "eco":
		return c.EcoModel
	case "fast":
		return c.FastModel
	}
	return ""
}
