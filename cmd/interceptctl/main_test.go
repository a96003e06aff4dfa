package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func exitCode(err error) int {
	var ce cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	if err != nil {
		return exitError
	}
	return 0
}

func TestRunPostsRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/runs", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"run":{"run_id":"r1","status":"completed"}}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "run", "-c", "dada", "--mode", "eco", "-p", "STYLE=odd", "a", "cat")
	require.NoError(t, err)
	assert.Contains(t, out, `"run_id": "r1"`)
	assert.Equal(t, "dada", got["config_name"])
	assert.Equal(t, "a cat", got["input_text"])
	assert.Equal(t, "eco", got["execution_mode"])
	assert.Equal(t, map[string]any{"STYLE": "odd"}, got["custom_placeholders"])
}

func TestRunBlockedExitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"blocked","code":"safety_blocked"}}`))
	}))
	defer srv.Close()

	_, err := execute(t, "--server", srv.URL, "run", "-c", "dada", "bad words")
	assert.Equal(t, exitBlocked, exitCode(err))
}

func TestRunRequiresConfig(t *testing.T) {
	_, err := execute(t, "run", "text")
	assert.Equal(t, exitInvalid, exitCode(err))
}

func TestRunRejectsBadPlaceholder(t *testing.T) {
	_, err := execute(t, "run", "-c", "dada", "-p", "nope", "text")
	assert.Equal(t, exitInvalid, exitCode(err))
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/runs/missing", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"run not found","code":"run_not_found"}}`))
	}))
	defer srv.Close()

	_, err := execute(t, "--server", srv.URL, "status", "missing")
	require.Error(t, err)
	assert.Equal(t, exitError, exitCode(err))
	assert.Equal(t, "run not found", err.Error())
}

func TestConfigsReloadAndList(t *testing.T) {
	var reloaded bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/configs/reload":
			reloaded = true
			_, _ = w.Write([]byte(`{"configs":2}`))
		case r.URL.Path == "/api/configs":
			_, _ = w.Write([]byte(`{"configs":[{"name":"dada","pipeline":"text_transformation"},{"name":"sd35_large","pipeline":"single_output","output_stage":true}],"skipped":[{"path":"x.json","reason":"bad"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "configs", "--reload")
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Contains(t, out, "dada\ttext_transformation\n")
	assert.Contains(t, out, "sd35_large\tsingle_output (output)\n")
	assert.Contains(t, out, "skipped x.json: bad")
}

func writeDefs(t *testing.T, files map[string]string) string {
	t.Helper()
	base := t.TempDir()
	for rel, body := range files {
		p := filepath.Join(base, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return base
}

func validDefs() map[string]string {
	return map[string]string{
		"chunks/manipulate.json":             `{"name": "manipulate", "template": "{{INSTRUCTION}} {{PREVIOUS_OUTPUT}}", "backend_type": "cloud_llm"}`,
		"pipelines/text_transformation.json": `{"name": "text_transformation", "chunks": ["manipulate"]}`,
		"configs/dada.json":                  `{"pipeline": "text_transformation"}`,
	}
}

func TestValidateOK(t *testing.T) {
	base := writeDefs(t, validDefs())
	out, err := execute(t, "validate", base)
	require.NoError(t, err)
	assert.Contains(t, out, "1 chunks, 1 pipelines, 1 configs")
}

func TestValidateReportsSkipped(t *testing.T) {
	files := validDefs()
	files["chunks/broken.json"] = `{"name": `
	base := writeDefs(t, files)
	out, err := execute(t, "validate", base)
	assert.Equal(t, exitInvalid, exitCode(err))
	assert.Contains(t, out, "invalid ")
}

func TestValidateMissingDir(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, exitInvalid, exitCode(err))
}
