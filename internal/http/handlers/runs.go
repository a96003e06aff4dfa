package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/interception-backend/internal/data/repos/runs"
	types "github.com/yungbote/interception-backend/internal/domain"
	"github.com/yungbote/interception-backend/internal/http/response"
	"github.com/yungbote/interception-backend/internal/jobs/worker"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/pipeline/stages"
	"github.com/yungbote/interception-backend/internal/platform/logger"
	"github.com/yungbote/interception-backend/internal/sse"
)

type RunExecutor interface {
	Execute(ctx context.Context, req stages.RunRequest) (*stages.RunResult, error)
}

type RunQueue interface {
	Submit(req stages.RunRequest) (string, error)
}

// RunStore is the on-disk run registry.
type RunStore interface {
	Get(runID string) (*recorder.Recorder, error)
	IsActive(runID string) bool
	RunIDs() ([]string, error)
}

type RunIndex interface {
	List(ctx context.Context, f runs.ListFilter) ([]*types.RunRecord, error)
}

type MediaLookup interface {
	GetMediaPath(runID, filename string) (string, bool)
}

type RunHandlerDeps struct {
	Runs   RunExecutor
	Queue  RunQueue
	Store  RunStore
	Index  RunIndex
	Media  MediaLookup
	Events *sse.Hub
}

type RunHandler struct {
	runs   RunExecutor
	queue  RunQueue
	store  RunStore
	index  RunIndex
	media  MediaLookup
	events *sse.Hub
	log    *logger.Logger
}

func NewRunHandler(deps RunHandlerDeps, log *logger.Logger) *RunHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RunHandler{
		runs:   deps.Runs,
		queue:  deps.Queue,
		store:  deps.Store,
		index:  deps.Index,
		media:  deps.Media,
		events: deps.Events,
		log:    log.With("handler", "RunHandler"),
	}
}

type createRunRequest struct {
	ConfigName         string            `json:"config_name"`
	Schema             string            `json:"schema"`
	InputText          string            `json:"input_text"`
	UserInput          string            `json:"user_input"`
	ExecutionMode      string            `json:"execution_mode"`
	SafetyLevel        string            `json:"safety_level"`
	UserID             string            `json:"user_id"`
	CustomPlaceholders map[string]string `json:"custom_placeholders"`
	Async              bool              `json:"async"`
}

func (h *RunHandler) bind(c *gin.Context) (stages.RunRequest, bool, bool) {
	var body createRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return stages.RunRequest{}, false, false
	}
	name := strings.TrimSpace(body.ConfigName)
	if name == "" {
		name = strings.TrimSpace(body.Schema)
	}
	if name == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("config_name is required"))
		return stages.RunRequest{}, false, false
	}
	if strings.TrimSpace(body.InputText) == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("input_text is required"))
		return stages.RunRequest{}, false, false
	}
	async := body.Async || c.Query("async") == "true"
	return stages.RunRequest{
		ConfigName:         name,
		InputText:          body.InputText,
		UserInput:          body.UserInput,
		ExecutionMode:      body.ExecutionMode,
		SafetyLevel:        body.SafetyLevel,
		UserID:             body.UserID,
		CustomPlaceholders: body.CustomPlaceholders,
	}, async, true
}

// POST /api/runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	req, async, ok := h.bind(c)
	if !ok {
		return
	}
	if async {
		h.enqueue(c, req)
		return
	}

	// The run finishes even when the client goes away.
	res, err := h.runs.Execute(context.WithoutCancel(c.Request.Context()), req)
	if res != nil {
		c.Header("X-Run-Id", res.RunID)
	}
	if err != nil {
		extra := gin.H{}
		if res != nil {
			extra["run"] = res
		}
		response.RespondPipelineError(c, err, extra)
		return
	}
	response.RespondOK(c, gin.H{"run": res})
}

func (h *RunHandler) enqueue(c *gin.Context, req stages.RunRequest) {
	if h.queue == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "queue_disabled", errors.New("async runs are not enabled"))
		return
	}
	runID, err := h.queue.Submit(req)
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrStopped):
		response.RespondError(c, http.StatusServiceUnavailable, "queue_unavailable", err)
		return
	case err != nil:
		response.RespondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}
	c.Header("X-Run-Id", runID)
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "queued"})
}

// POST /api/runs/stream
//
// Streams "run", then "delta" frames of the final interception chunk, then
// one "result" or "error" frame.
func (h *RunHandler) StreamRun(c *gin.Context) {
	req, _, ok := h.bind(c)
	if !ok {
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", errors.New("streaming unsupported"))
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	deltas := make(chan string, 64)
	req.OnInterceptionDelta = func(d string) {
		select {
		case deltas <- d:
		case <-stop:
		}
	}
	type outcome struct {
		res *stages.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.runs.Execute(context.WithoutCancel(c.Request.Context()), req)
		done <- outcome{res: res, err: err}
	}()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Run-Id", req.RunID)
	w.WriteHeader(http.StatusOK)
	_ = sse.WriteEvent(w, "run", gin.H{"run_id": req.RunID, "config_name": req.ConfigName})
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case d := <-deltas:
			_ = sse.WriteEvent(w, "delta", gin.H{"text": d})
			flusher.Flush()
		case o := <-done:
			for drained := false; !drained; {
				select {
				case d := <-deltas:
					_ = sse.WriteEvent(w, "delta", gin.H{"text": d})
				default:
					drained = true
				}
			}
			if o.err != nil {
				_ = sse.WriteEvent(w, "error", gin.H{"run": o.res, "error": stages.ErrorInfoOf(o.err)})
			} else {
				_ = sse.WriteEvent(w, "result", gin.H{"run": o.res})
			}
			flusher.Flush()
			return
		case <-ctx.Done():
			h.log.Debug("Stream client gone, run continues", "run_id", req.RunID)
			return
		}
	}
}

// GET /api/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	if h.index != nil {
		records, err := h.index.List(c.Request.Context(), runs.ListFilter{
			ConfigName: c.Query("config"),
			Status:     c.Query("status"),
			UserID:     c.Query("user_id"),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			response.RespondError(c, http.StatusInternalServerError, "list_runs_failed", err)
			return
		}
		response.RespondOK(c, gin.H{"runs": records, "source": "index"})
		return
	}

	ids, err := h.store.RunIDs()
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_runs_failed", err)
		return
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	// Directory names carry no order; sort by manifest timestamp.
	out := make([]recorder.Manifest, 0, len(ids))
	for _, id := range ids {
		rec, err := h.store.Get(id)
		if err != nil {
			continue
		}
		m := rec.Status().Manifest
		if cfg := c.Query("config"); cfg != "" && m.ConfigName != cfg {
			continue
		}
		out = append(out, m)
	}
	sortManifests(out)
	if offset > len(out) {
		offset = len(out)
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	response.RespondOK(c, gin.H{"runs": out[offset:end], "source": "registry"})
}

// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	rec, ok := h.load(c)
	if !ok {
		return
	}
	response.RespondOK(c, gin.H{"run": rec.Status(), "active": h.store.IsActive(rec.RunID())})
}

// GET /api/runs/:id/files/:name
func (h *RunHandler) GetFile(c *gin.Context) {
	rec, ok := h.load(c)
	if !ok {
		return
	}
	path, ok := rec.Path(c.Param("name"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "file_not_found", errors.New("no such file in run"))
		return
	}
	c.File(path)
}

// GET /api/runs/:id/media/:name
func (h *RunHandler) GetMedia(c *gin.Context) {
	if h.media == nil {
		response.RespondError(c, http.StatusNotFound, "media_not_found", errors.New("media store disabled"))
		return
	}
	path, ok := h.media.GetMediaPath(c.Param("id"), c.Param("name"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "media_not_found", errors.New("no such media in run"))
		return
	}
	c.File(path)
}

// GET /api/runs/:id/events
func (h *RunHandler) StreamEvents(c *gin.Context) {
	if h.events == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "events_disabled", errors.New("event stream disabled"))
		return
	}
	runID := c.Param("id")
	// Subscribe first so a run finishing now is not missed.
	client := h.events.Subscribe(runID)
	defer h.events.Unsubscribe(client)

	rec, ok := h.load(c)
	if !ok {
		return
	}
	st := rec.Status()
	if st.Terminal() {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		state := st.CurrentState
		ev := recorder.Event{RunID: runID, Type: terminalEvent(state.Step), State: &state}
		_ = sse.WriteEvent(c.Writer, ev.Type, ev)
		c.Writer.Flush()
		return
	}
	h.events.ServeHTTP(c.Writer, c.Request, client)
}

func (h *RunHandler) load(c *gin.Context) (*recorder.Recorder, bool) {
	rec, err := h.store.Get(c.Param("id"))
	switch {
	case errors.Is(err, recorder.ErrBadRunID):
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return nil, false
	case errors.Is(err, recorder.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, "run_not_found", err)
		return nil, false
	case err != nil:
		response.RespondError(c, http.StatusInternalServerError, "load_run_failed", err)
		return nil, false
	}
	return rec, true
}

func terminalEvent(step string) string {
	switch step {
	case recorder.StepComplete:
		return recorder.EventComplete
	case recorder.StepAbandoned:
		return recorder.EventAbandoned
	}
	return recorder.EventFailed
}

// sortManifests orders newest first, run id as tiebreak.
func sortManifests(ms []recorder.Manifest) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Timestamp != ms[j].Timestamp {
			return ms[i].Timestamp > ms[j].Timestamp
		}
		return ms[i].RunID < ms[j].RunID
	})
}
