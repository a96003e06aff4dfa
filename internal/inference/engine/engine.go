package engine

import (
	"context"
	"strconv"
	"strings"
)

type Message struct {
	Role    string
	Content string
}

type GenerateOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type Engine interface {
	GenerateText(ctx context.Context, model string, messages []Message, opts GenerateOptions) (string, error)
	StreamText(ctx context.Context, model string, messages []Message, opts GenerateOptions, onDelta func(delta string)) (full string, err error)
}

// Prompt builds the usual [system?, user] message pair.
func Prompt(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, Message{Role: "user", Content: user})
}

// OptionsFromParams picks the sampling options out of a chunk parameter map.
// Values may be numbers or numeric strings; anything else is ignored.
func OptionsFromParams(params map[string]any) GenerateOptions {
	var opts GenerateOptions
	if v, ok := number(params["temperature"]); ok {
		opts.Temperature = v
	}
	if v, ok := number(params["top_p"]); ok {
		opts.TopP = v
	}
	if v, ok := number(params["max_tokens"]); ok && v > 0 {
		opts.MaxTokens = int(v)
	}
	return opts
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
