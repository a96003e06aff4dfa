package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitWaitDownload(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/prompt":
			var in map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Contains(t, in, "client_id")
			_, _ = io.WriteString(w, `{"prompt_id":"p-1","number":1,"node_errors":{}}`)
		case r.URL.Path == "/history/p-1":
			if atomic.AddInt32(&polls, 1) < 2 {
				_, _ = io.WriteString(w, `{}`)
				return
			}
			_, _ = io.WriteString(w, `{"p-1":{"outputs":{"9":{"images":[{"filename":"ComfyUI_0001.png","subfolder":"","type":"output"}]}},"status":{"status_str":"success","completed":true}}}`)
		case r.URL.Path == "/view":
			assert.Equal(t, "ComfyUI_0001.png", r.URL.Query().Get("filename"))
			assert.Equal(t, "output", r.URL.Query().Get("type"))
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nrest"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, Options{PollInterval: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, map[string]any{"3": map[string]any{"class_type": "KSampler"}})
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)

	entry, err := c.Wait(ctx, id)
	require.NoError(t, err)
	files := entry.Files("", KindsFor("image")...)
	require.Len(t, files, 1)
	assert.Equal(t, "9", files[0].NodeID)

	b, ct, err := c.Download(ctx, files[0])
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\nrest"), b)
}

func TestWaitReportsFailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"p-2":{"outputs":{},"status":{"status_str":"error","completed":false}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{PollInterval: 10 * time.Millisecond}, nil)
	_, err := c.Wait(context.Background(), "p-2")
	assert.True(t, errors.Is(err, ErrJobFailed))
}

func TestWaitHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{PollInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitNodeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"prompt_id":"","node_errors":{"3":{"errors":["bad"]}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, Options{}, nil)
	_, err := c.Submit(context.Background(), map[string]any{})
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.StatusCode)
}
