package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/interception-backend/internal/inference/config"
	"github.com/yungbote/interception-backend/internal/inference/engine"
)

func TestGenerateTextLiftsSystemPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var in request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "claude-3-5-haiku-latest", in.Model)
		assert.Equal(t, "be brief", in.System)
		require.Len(t, in.Messages, 1)
		assert.Equal(t, "user", in.Messages[0].Role)
		assert.Equal(t, 4096, in.MaxTokens)

		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"a green cat"}]}`)
	}))
	defer srv.Close()

	e, err := New(config.ProviderConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	out, err := e.GenerateText(context.Background(), "claude-3-5-haiku-latest", engine.Prompt("be brief", "cat"), engine.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a green cat", out)
}

func TestGenerateTextStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	e, _ := New(config.ProviderConfig{BaseURL: srv.URL, APIKey: "k"})
	_, err := e.GenerateText(context.Background(), "m", engine.Prompt("", "x"), engine.GenerateOptions{})
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.HTTPStatusCode())
}

func TestStreamText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"pink ", "and ", "green"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", part)
		}
		_, _ = io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	e, _ := New(config.ProviderConfig{BaseURL: srv.URL, APIKey: "k"})
	var got []string
	full, err := e.StreamText(context.Background(), "m", engine.Prompt("", "x"), engine.GenerateOptions{}, func(d string) {
		got = append(got, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "pink and green", full)
	assert.Equal(t, "pink |and |green", strings.Join(got, "|"))
}

func TestMissingKey(t *testing.T) {
	e, _ := New(config.ProviderConfig{})
	_, err := e.GenerateText(context.Background(), "m", engine.Prompt("", "x"), engine.GenerateOptions{})
	require.Error(t, err)
}
