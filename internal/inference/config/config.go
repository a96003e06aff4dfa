package config

import "time"

type Duration struct {
	Duration time.Duration
}

// ProviderConfig describes one model prefix ("local", "openrouter", ...).
type ProviderConfig struct {
	Type string `json:"type" yaml:"type"`

	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// APIKey wins over APIKeyEnv; both are optional for local engines.
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	ChatCompletionsPath string `json:"chat_completions_path,omitempty" yaml:"chat_completions_path,omitempty"`

	Timeout       Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StreamTimeout Duration `json:"stream_timeout,omitempty" yaml:"stream_timeout,omitempty"`

	// KeepPrefix sends "openrouter/x" upstream instead of "x".
	KeepPrefix bool `json:"keep_prefix,omitempty" yaml:"keep_prefix,omitempty"`

	// Anthropic only.
	APIVersion string `json:"api_version,omitempty" yaml:"api_version,omitempty"`
	MaxTokens  int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// ModelVariable is a named model slot chunks may refer to instead of a
// literal model string.
type ModelVariable struct {
	Default string `json:"default" yaml:"default"`
	Eco     string `json:"eco,omitempty" yaml:"eco,omitempty"`
	Fast    string `json:"fast,omitempty" yaml:"fast,omitempty"`
}

type TimeoutsConfig struct {
	Stage1    Duration `json:"stage1,omitempty" yaml:"stage1,omitempty"`
	Stage2    Duration `json:"stage2,omitempty" yaml:"stage2,omitempty"`
	Stage3    Duration `json:"stage3,omitempty" yaml:"stage3,omitempty"`
	Stage4    Duration `json:"stage4,omitempty" yaml:"stage4,omitempty"`
	MediaPoll Duration `json:"media_poll,omitempty" yaml:"media_poll,omitempty"`
}

type MediaConfig struct {
	ComfyUIURL      string   `json:"comfyui_url,omitempty" yaml:"comfyui_url,omitempty"`
	PollInterval    Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	DownloadTimeout Duration `json:"download_timeout,omitempty" yaml:"download_timeout,omitempty"`
	// MaxDownloadBytes caps a single media download.
	MaxDownloadBytes int64 `json:"max_download_bytes,omitempty" yaml:"max_download_bytes,omitempty"`
}

type BreakerConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	MaxFailures int      `json:"max_failures,omitempty" yaml:"max_failures,omitempty"`
	OpenFor     Duration `json:"open_for,omitempty" yaml:"open_for,omitempty"`
	HalfOpenMax int      `json:"half_open_max,omitempty" yaml:"half_open_max,omitempty"`
}

type Config struct {
	Providers      map[string]ProviderConfig `json:"providers" yaml:"providers"`
	ModelVariables map[string]ModelVariable  `json:"model_variables" yaml:"model_variables"`

	// EcoModel/FastModel are used when the execution mode forces a prefix
	// and the chunk's model slot has no mode-specific value.
	EcoModel  string `json:"eco_model,omitempty" yaml:"eco_model,omitempty"`
	FastModel string `json:"fast_model,omitempty" yaml:"fast_model,omitempty"`

	// Fallbacks lists models tried in order after a retryable failure, keyed
	// by provider prefix.
	Fallbacks map[string][]string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`

	Timeouts TimeoutsConfig `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`

	// OutputFallbacks maps media type → execution mode → output config name.
	// The "*" mode matches any mode.
	OutputFallbacks map[string]map[string]string `json:"output_fallbacks,omitempty" yaml:"output_fallbacks,omitempty"`

	Media   MediaConfig   `json:"media,omitempty" yaml:"media,omitempty"`
	Breaker BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}
