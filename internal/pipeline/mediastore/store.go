package mediastore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/yungbote/interception-backend/internal/pipeline/backend"
	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/platform/comfyui"
	"github.com/yungbote/interception-backend/internal/platform/gcp"
	"github.com/yungbote/interception-backend/internal/platform/localmedia"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

type RunMetadata = recorder.Manifest

// JobSource waits for workflow jobs and fetches their files.
type JobSource interface {
	Wait(ctx context.Context, promptID string) (*comfyui.HistoryEntry, error)
	Download(ctx context.Context, f comfyui.File) ([]byte, string, error)
}

type Options struct {
	Jobs        JobSource
	HTTPClient  *http.Client
	Mirror      gcp.MediaMirror
	Probe       localmedia.Tools
	MaxBytes    int64
	PollTimeout time.Duration
}

// Store materializes media into run directories and records a MediaOutput
// for each artifact.
type Store struct {
	reg         *recorder.Registry
	jobs        JobSource
	http        *http.Client
	mirror      gcp.MediaMirror
	probe       localmedia.Tools
	maxBytes    int64
	pollTimeout time.Duration
	log         *logger.Logger
}

func New(reg *recorder.Registry, opts Options, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.Probe == nil {
		opts.Probe = localmedia.Noop{}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 512 << 20
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 480 * time.Second
	}
	return &Store{
		reg:         reg,
		jobs:        opts.Jobs,
		http:        opts.HTTPClient,
		mirror:      opts.Mirror,
		probe:       opts.Probe,
		maxBytes:    opts.MaxBytes,
		pollTimeout: opts.PollTimeout,
		log:         log.With("service", "MediaStore"),
	}
}

type CreateRunRequest struct {
	Schema          string
	ExecutionMode   string
	InputText       string
	TransformedText string
	UserID          string
	RunID           string
	SafetyLevel     string
	ExpectedOutputs []string
}

// CreateRun opens (or reuses) the run directory. A run id is generated when
// none is given. A recorder opened here is released again before returning;
// one already active (a run in flight) stays with its owner.
func (s *Store) CreateRun(req CreateRunRequest) (*RunMetadata, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	rec, created, err := s.reg.Acquire(recorder.InitOptions{
		RunID:           req.RunID,
		ConfigName:      req.Schema,
		ExecutionMode:   req.ExecutionMode,
		SafetyLevel:     req.SafetyLevel,
		UserID:          req.UserID,
		ExpectedOutputs: req.ExpectedOutputs,
	})
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "create run %s", req.RunID)
	}
	if created {
		defer s.reg.Release(req.RunID)
	}
	if req.InputText != "" {
		if err := rec.SetMeta("input_text", req.InputText); err != nil {
			s.log.Warn("Run metadata not recorded", "run_id", req.RunID, "key", "input_text", "error", err)
		}
	}
	if req.TransformedText != "" {
		if err := rec.SetMeta("transformed_text", req.TransformedText); err != nil {
			s.log.Warn("Run metadata not recorded", "run_id", req.RunID, "key", "transformed_text", "error", err)
		}
	}
	st := rec.Status()
	return &st.Manifest, nil
}

func (s *Store) GetMetadata(runID string) (*RunMetadata, error) {
	rec, err := s.reg.Get(runID)
	if err != nil {
		return nil, err
	}
	st := rec.Status()
	return &st.Manifest, nil
}

// GetMediaPath resolves a file of the run, false when it does not exist.
func (s *Store) GetMediaPath(runID, filename string) (string, bool) {
	rec, err := s.reg.Get(runID)
	if err != nil {
		return "", false
	}
	return rec.Path(filename)
}

// Artifact is a stored output plus its bytes.
type Artifact struct {
	Output *recorder.MediaOutput
	Data   []byte
}

// AddFromResponse dispatches on the backend response's metadata source.
func (s *Store) AddFromResponse(ctx context.Context, runID, config string, meta map[string]any) (*Artifact, error) {
	source, _ := meta["source"].(string)
	mediaType := str(meta["media_type"])
	if mediaType == "" {
		mediaType = "image"
	}
	extra := Extra{Backend: str(meta["backend"]), Seed: meta["seed"], JobID: str(meta["job_id"])}
	switch source {
	case backend.SourceJob:
		return s.addFromJob(ctx, runID, str(meta["job_id"]), config, mediaType, str(meta["output_node"]), extra)
	case backend.SourceURL:
		return s.addFromURL(ctx, runID, str(meta["url"]), config, mediaType, extra)
	case backend.SourceBase64:
		return s.addFromBase64(ctx, runID, str(meta["data"]), config, mediaType, extra)
	case backend.SourcePath:
		return s.addFromPath(ctx, runID, str(meta["path"]), config, mediaType, extra)
	}
	return nil, pipeerr.New(pipeerr.KindMediaStore, "response for %s has no usable media source %q", config, source)
}

// Extra carries provenance recorded on the MediaOutput.
type Extra struct {
	Backend string
	Seed    any
	JobID   string
}

func (s *Store) AddMediaFromURL(ctx context.Context, runID, url, config, mediaType string) (*recorder.MediaOutput, error) {
	a, err := s.addFromURL(ctx, runID, url, config, mediaType, Extra{})
	return output(a), err
}

func (s *Store) AddMediaFromJob(ctx context.Context, runID, jobID, config, mediaType string) (*recorder.MediaOutput, error) {
	a, err := s.addFromJob(ctx, runID, jobID, config, mediaType, "", Extra{JobID: jobID, Backend: "comfyui"})
	return output(a), err
}

func (s *Store) AddMediaFromBase64(ctx context.Context, runID, data, config, mediaType, backendName string) (*recorder.MediaOutput, error) {
	a, err := s.addFromBase64(ctx, runID, data, config, mediaType, Extra{Backend: backendName})
	return output(a), err
}

func (s *Store) AddMediaFromPath(ctx context.Context, runID, path, config, mediaType, backendName string) (*recorder.MediaOutput, error) {
	a, err := s.addFromPath(ctx, runID, path, config, mediaType, Extra{Backend: backendName})
	return output(a), err
}

func (s *Store) addFromURL(ctx context.Context, runID, rawURL, config, mediaType string, extra Extra) (*Artifact, error) {
	if rawURL == "" {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "empty media url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "media url")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "download %s", config)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "download %s: status %d", config, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "read %s", config)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "media for %s exceeds %d bytes", config, s.maxBytes)
	}
	return s.store(ctx, runID, data, resp.Header.Get("Content-Type"), config, mediaType, extra, rawURL)
}

func (s *Store) addFromJob(ctx context.Context, runID, jobID, config, mediaType, nodeID string, extra Extra) (*Artifact, error) {
	if s.jobs == nil {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "no workflow backend to fetch job %s", jobID)
	}
	if jobID == "" {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "empty job id for %s", config)
	}
	wctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()
	entry, err := s.jobs.Wait(wctx, jobID)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "wait for job %s", jobID)
	}
	kinds := comfyui.KindsFor(mediaType)
	files := entry.Files(nodeID, kinds...)
	if len(files) == 0 && nodeID != "" {
		files = entry.Files("", kinds...)
	}
	if len(files) == 0 {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "job %s produced no %s output", jobID, mediaType)
	}
	data, ct, err := s.jobs.Download(ctx, files[0])
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "download %s from job %s", files[0].Filename, jobID)
	}
	if extra.Backend == "" {
		extra.Backend = "comfyui"
	}
	extra.JobID = jobID
	return s.store(ctx, runID, data, ct, config, mediaType, extra, "")
}

func (s *Store) addFromBase64(ctx context.Context, runID, payload, config, mediaType string, extra Extra) (*Artifact, error) {
	ct := ""
	if strings.HasPrefix(payload, "data:") {
		if comma := strings.IndexByte(payload, ','); comma >= 0 {
			ct = strings.TrimSuffix(payload[len("data:"):comma], ";base64")
			payload = payload[comma+1:]
		}
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "decode base64 for %s", config)
	}
	return s.store(ctx, runID, data, ct, config, mediaType, extra, "")
}

func (s *Store) addFromPath(ctx context.Context, runID, path, config, mediaType string, extra Extra) (*Artifact, error) {
	if path == "" {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "empty media path")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "read %s", path)
	}
	return s.store(ctx, runID, data, "", config, mediaType, extra, "")
}

func (s *Store) store(ctx context.Context, runID string, data []byte, contentType, config, mediaType string, extra Extra, sourceURL string) (*Artifact, error) {
	if len(data) == 0 {
		return nil, pipeerr.New(pipeerr.KindMediaStore, "empty media for %s", config)
	}
	rec, err := s.reg.Get(runID)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "run %s", runID)
	}

	f := localmedia.Sniff(data, mediaType)
	if f.Ext == "bin" {
		if ext := localmedia.ExtFromMIME(contentType); ext != "" {
			f = localmedia.Format{Ext: ext, MIME: contentType}
		}
	}
	name := nextName(rec, mediaType, f.Ext)
	path, err := rec.WriteFile(name, data)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "write %s", name)
	}

	out := recorder.MediaOutput{
		Type:      mediaType,
		Filename:  name,
		Config:    config,
		Backend:   extra.Backend,
		Format:    f.Ext,
		MIMEType:  f.MIME,
		SizeBytes: int64(len(data)),
		Seed:      extra.Seed,
		JobID:     extra.JobID,
		SourceURL: sourceURL,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if mediaType == "image" {
		if w, h, ok := imageSize(data); ok {
			out.Width, out.Height = &w, &h
		}
	}
	if (mediaType == "audio" || mediaType == "music" || mediaType == "video") && s.probe.Available() {
		if d, err := s.probe.Duration(ctx, path); err == nil {
			secs := d.Seconds()
			out.DurationSeconds = &secs
		} else {
			s.log.Debug("Duration probe failed", "file", name, "error", err)
		}
	}
	if s.mirror != nil {
		key := s.mirror.Key(runID, name)
		if err := s.mirror.Upload(ctx, key, data, f.MIME); err != nil {
			s.log.Warn("Media mirror upload failed", "run_id", runID, "file", name, "error", err)
		} else {
			out.PublicURL = s.mirror.PublicURL(key)
		}
	}

	if err := rec.AddOutput(out); err != nil {
		return nil, pipeerr.Wrap(pipeerr.KindMediaStore, err, "record output %s", name)
	}
	s.log.Info("Stored media output", "run_id", runID, "file", name, "config", config, "bytes", len(data))
	return &Artifact{Output: &out, Data: data}, nil
}

// nextName is output_<type>.<ext>, then output_<type>_2.<ext> and so on.
func nextName(rec *recorder.Recorder, mediaType, ext string) string {
	name := fmt.Sprintf("%s%s.%s", recorder.OutputPrefix, mediaType, ext)
	for i := 2; rec.HasFile(name); i++ {
		name = fmt.Sprintf("%s%s_%d.%s", recorder.OutputPrefix, mediaType, i, ext)
	}
	return name
}

func imageSize(data []byte) (int, int, bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 payload (%d chars)", len(s))
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func output(a *Artifact) *recorder.MediaOutput {
	if a == nil {
		return nil
	}
	return a.Output
}
