package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/interception-backend/internal/jobs/worker"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/pipeline/stages"
	"github.com/yungbote/interception-backend/internal/sse"
)

type fakeExecutor struct {
	last   stages.RunRequest
	deltas []string
	res    *stages.RunResult
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, req stages.RunRequest) (*stages.RunResult, error) {
	f.last = req
	for _, d := range f.deltas {
		if req.OnInterceptionDelta != nil {
			req.OnInterceptionDelta(d)
		}
	}
	res := f.res
	if res == nil {
		res = &stages.RunResult{RunID: req.RunID, ConfigName: req.ConfigName, Status: stages.StatusCompleted}
	}
	return res, f.err
}

type fakeQueue struct {
	err error
}

func (f fakeQueue) Submit(req stages.RunRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "run-q", nil
}

func newRunRouter(t *testing.T, exec *fakeExecutor, queue RunQueue) (*gin.Engine, *recorder.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := recorder.NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)
	h := NewRunHandler(RunHandlerDeps{Runs: exec, Queue: queue, Store: reg, Events: sse.NewHub(nil)}, nil)
	r := gin.New()
	r.POST("/api/runs", h.CreateRun)
	r.POST("/api/runs/stream", h.StreamRun)
	r.GET("/api/runs", h.ListRuns)
	r.GET("/api/runs/:id", h.GetRun)
	r.GET("/api/runs/:id/events", h.StreamEvents)
	r.GET("/api/runs/:id/files/:name", h.GetFile)
	r.GET("/api/runs/:id/media/:name", h.GetMedia)
	return r, reg
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func finishedRun(t *testing.T, reg *recorder.Registry, runID, config string) {
	t.Helper()
	rec, err := reg.Create(recorder.InitOptions{RunID: runID, ConfigName: config, ExpectedOutputs: []string{"input"}})
	require.NoError(t, err)
	_, err = rec.SaveEntity(recorder.TypeInput, "katze", nil)
	require.NoError(t, err)
	require.NoError(t, rec.MarkComplete())
	reg.Release(runID)
}

func TestCreateRunSync(t *testing.T) {
	exec := &fakeExecutor{}
	r, _ := newRunRouter(t, exec, nil)
	rec := do(r, http.MethodPost, "/api/runs", `{"schema":"dada","input_text":"katze","execution_mode":"fast","safety_level":"off"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "dada", exec.last.ConfigName)
	assert.Equal(t, "fast", exec.last.ExecutionMode)

	var body struct {
		Run stages.RunResult `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, stages.StatusCompleted, body.Run.Status)
}

func TestCreateRunBlocked(t *testing.T) {
	exec := &fakeExecutor{
		res: &stages.RunResult{RunID: "run-b", Status: stages.StatusBlocked},
		err: pipeerr.New(pipeerr.KindSafetyBlocked, "content blocked").AtStage(1, stages.StepPreInterception),
	}
	r, _ := newRunRouter(t, exec, nil)
	rec := do(r, http.MethodPost, "/api/runs", `{"config_name":"dada","input_text":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "run-b", rec.Header().Get("X-Run-Id"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "safety_blocked", body["error"].(map[string]any)["code"])
	assert.Equal(t, "blocked", body["run"].(map[string]any)["status"])
}

func TestCreateRunValidation(t *testing.T) {
	r, _ := newRunRouter(t, &fakeExecutor{}, nil)
	for _, body := range []string{`{"input_text":"x"}`, `{"config_name":"dada"}`, `not json`} {
		rec := do(r, http.MethodPost, "/api/runs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestCreateRunAsync(t *testing.T) {
	r, _ := newRunRouter(t, &fakeExecutor{}, fakeQueue{})
	rec := do(r, http.MethodPost, "/api/runs?async=true", `{"config_name":"dada","input_text":"x"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-q"`)

	r, _ = newRunRouter(t, &fakeExecutor{}, fakeQueue{err: worker.ErrQueueFull})
	rec = do(r, http.MethodPost, "/api/runs", `{"config_name":"dada","input_text":"x","async":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	r, _ = newRunRouter(t, &fakeExecutor{}, nil)
	rec = do(r, http.MethodPost, "/api/runs", `{"config_name":"dada","input_text":"x","async":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamRun(t *testing.T) {
	exec := &fakeExecutor{deltas: []string{"hel", "lo"}}
	r, _ := newRunRouter(t, exec, nil)
	rec := do(r, http.MethodPost, "/api/runs/stream", `{"config_name":"dada","input_text":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	iRun := strings.Index(out, "event: run")
	iDelta := strings.Index(out, "event: delta")
	iResult := strings.Index(out, "event: result")
	require.True(t, iRun >= 0 && iDelta > iRun && iResult > iDelta, out)
	assert.Equal(t, 2, strings.Count(out, "event: delta"))
	assert.NotEmpty(t, exec.last.RunID)
}

func TestStreamRunError(t *testing.T) {
	exec := &fakeExecutor{err: pipeerr.New(pipeerr.KindInterception, "chunk failed")}
	r, _ := newRunRouter(t, exec, nil)
	rec := do(r, http.MethodPost, "/api/runs/stream", `{"config_name":"dada","input_text":"x"}`)
	assert.Contains(t, rec.Body.String(), "event: error")
	assert.Contains(t, rec.Body.String(), "interception_error")
}

func TestGetRunAndFiles(t *testing.T) {
	r, reg := newRunRouter(t, &fakeExecutor{}, nil)
	finishedRun(t, reg, "run-a", "dada")

	rec := do(r, http.MethodGet, "/api/runs/run-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run    recorder.Status `json:"run"`
		Active bool            `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-a", body.Run.RunID)
	assert.Equal(t, recorder.StepComplete, body.Run.CurrentState.Step)
	assert.False(t, body.Active)

	rec = do(r, http.MethodGet, "/api/runs/run-a/files/01_input.txt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "katze", rec.Body.String())

	rec = do(r, http.MethodGet, "/api/runs/run-a/files/nope.txt", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(r, http.MethodGet, "/api/runs/run-a/media/output_image.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunErrors(t *testing.T) {
	r, _ := newRunRouter(t, &fakeExecutor{}, nil)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/runs/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/runs/.hidden", "").Code)
}

func TestListRunsFromRegistry(t *testing.T) {
	r, reg := newRunRouter(t, &fakeExecutor{}, nil)
	finishedRun(t, reg, "run-a", "dada")
	finishedRun(t, reg, "run-b", "other")

	rec := do(r, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs   []recorder.Manifest `json:"runs"`
		Source string              `json:"source"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "registry", body.Source)
	assert.Len(t, body.Runs, 2)

	rec = do(r, http.MethodGet, "/api/runs?config=dada", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-a", body.Runs[0].RunID)
}

func TestStreamEventsForFinishedRun(t *testing.T) {
	r, reg := newRunRouter(t, &fakeExecutor{}, nil)
	finishedRun(t, reg, "run-a", "dada")
	rec := do(r, http.MethodGet, "/api/runs/run-a/events", "")
	assert.Contains(t, rec.Body.String(), "event: complete")
}

type fakeCatalog struct {
	configs   map[string]*defs.ResolvedConfig
	reloadErr error
	reloads   int
}

func (f *fakeCatalog) ListConfigs() []string {
	out := make([]string, 0, len(f.configs))
	for k := range f.configs {
		out = append(out, k)
	}
	return out
}

func (f *fakeCatalog) Config(name string) (*defs.ResolvedConfig, bool) {
	c, ok := f.configs[name]
	return c, ok
}

func (f *fakeCatalog) Skipped() []defs.SkippedFile { return nil }

func (f *fakeCatalog) Reload() error {
	f.reloads++
	return f.reloadErr
}

func TestConfigHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cat := &fakeCatalog{configs: map[string]*defs.ResolvedConfig{
		"sd35_large": {Name: "sd35_large", PipelineName: "single_output", Meta: map[string]any{"stage": "output"}},
	}}
	h := NewConfigHandler(cat)
	r := gin.New()
	r.GET("/api/configs", h.ListConfigs)
	r.GET("/api/configs/:name", h.GetConfig)
	r.POST("/api/configs/reload", h.Reload)

	rec := do(r, http.MethodGet, "/api/configs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"output_stage":true`)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/configs/sd35_large", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/configs/nope", "").Code)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/configs/reload", "").Code)
	cat.reloadErr = assert.AnError
	assert.Equal(t, http.StatusUnprocessableEntity, do(r, http.MethodPost, "/api/configs/reload", "").Code)
	assert.Equal(t, 2, cat.reloads)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthHandler(map[string]Pinger{"db": pingFunc(func() error { return assert.AnError })})
	r := gin.New()
	r.GET("/healthcheck", h.HealthCheck)
	r.GET("/readyz", h.Ready)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthcheck", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/readyz", "").Code)
}

type pingFunc func() error

func (f pingFunc) Ping() error { return f() }
