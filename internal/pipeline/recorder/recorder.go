package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/interception-backend/internal/platform/localmedia"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

const ManifestFile = "metadata.json"

// Stage values of current_state. Stages 1-4 are the pipeline stages.
const (
	StageInit     = 0
	StageComplete = 5
)

// Terminal steps.
const (
	StepInit      = "init"
	StepComplete  = "complete"
	StepFailed    = "failed"
	StepBlocked   = "blocked"
	StepAbandoned = "abandoned"
)

// Entity types written by the pipeline.
const (
	TypeInput           = "input"
	TypeTranslation     = "translation"
	TypeSafety          = "safety"
	TypeInterception    = "interception"
	TypeSafetyPreOutput = "safety_pre_output"
	TypeError           = "error"
	OutputPrefix        = "output_"
)

var (
	ErrNotFound   = errors.New("run not found")
	ErrBadRunID   = errors.New("invalid run id")
	validRunID    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
	entityPattern = regexp.MustCompile(`^(\d+)_(.+)\.([A-Za-z0-9]+)$`)
)

type State struct {
	Stage    int    `json:"stage"`
	Step     string `json:"step"`
	Progress string `json:"progress"`
}

type Entity struct {
	Sequence  int            `json:"sequence"`
	Type      string         `json:"type"`
	Filename  string         `json:"filename"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MediaOutput describes one stored media artifact of a run.
type MediaOutput struct {
	Type            string         `json:"type"`
	Filename        string         `json:"filename"`
	Config          string         `json:"config"`
	Backend         string         `json:"backend"`
	Format          string         `json:"format"`
	MIMEType        string         `json:"mime_type"`
	SizeBytes       int64          `json:"size_bytes"`
	Width           *int           `json:"width,omitempty"`
	Height          *int           `json:"height,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Seed            any            `json:"seed,omitempty"`
	JobID           string         `json:"job_id,omitempty"`
	SourceURL       string         `json:"source_url,omitempty"`
	PublicURL       string         `json:"public_url,omitempty"`
	CreatedAt       string         `json:"created_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type Manifest struct {
	RunID           string         `json:"run_id"`
	Timestamp       string         `json:"timestamp"`
	UpdatedAt       string         `json:"updated_at,omitempty"`
	ConfigName      string         `json:"config_name"`
	ExecutionMode   string         `json:"execution_mode"`
	SafetyLevel     string         `json:"safety_level"`
	UserID          string         `json:"user_id"`
	ExpectedOutputs []string       `json:"expected_outputs"`
	CurrentState    State          `json:"current_state"`
	Entities        []Entity       `json:"entities"`
	Outputs         []MediaOutput  `json:"outputs,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the run has reached a final state.
func (m Manifest) Terminal() bool {
	if m.CurrentState.Stage == StageComplete {
		return true
	}
	switch m.CurrentState.Step {
	case StepComplete, StepFailed, StepBlocked, StepAbandoned:
		return true
	}
	return false
}

// Status is the manifest plus the first expected type not yet recorded.
type Status struct {
	Manifest
	NextExpected string `json:"next_expected,omitempty"`
}

type InitOptions struct {
	RunID           string
	ConfigName      string
	ExecutionMode   string
	SafetyLevel     string
	UserID          string
	ExpectedOutputs []string
}

// ExpectedOutputs is the entity contract for a run: stage 1 (unless
// skipped), interception, and per media type an optional pre-output check
// plus the artifact.
func ExpectedOutputs(withStage1, withStage3 bool, mediaTypes ...string) []string {
	out := []string{TypeInput}
	if withStage1 {
		out = append(out, TypeTranslation, TypeSafety)
	}
	out = append(out, TypeInterception)
	for _, mt := range mediaTypes {
		if withStage3 {
			out = append(out, TypeSafetyPreOutput)
		}
		out = append(out, OutputPrefix+mt)
	}
	return out
}

// Recorder persists every observable event of one run under <base>/<run_id>.
// A Recorder is the single writer of its directory.
type Recorder struct {
	mu       sync.RWMutex
	dir      string
	manifest Manifest
	seq      int
	sink     EventSink
	log      *logger.Logger
	now      func() time.Time
}

func ValidRunID(id string) bool {
	return validRunID.MatchString(id) && !strings.Contains(id, "..")
}

func newRecorder(dir string, m Manifest, sink EventSink, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	r := &Recorder{
		dir:      dir,
		manifest: m,
		sink:     sink,
		log:      log.With("service", "RunRecorder", "run_id", m.RunID),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, e := range m.Entities {
		if e.Sequence > r.seq {
			r.seq = e.Sequence
		}
	}
	return r
}

// Init creates the run directory and writes the initial manifest.
func Init(base string, opts InitOptions, sink EventSink, log *logger.Logger) (*Recorder, error) {
	if !ValidRunID(opts.RunID) {
		return nil, fmt.Errorf("%w: %q", ErrBadRunID, opts.RunID)
	}
	dir := filepath.Join(base, opts.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	expected := append([]string{}, opts.ExpectedOutputs...)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	m := Manifest{
		RunID:           opts.RunID,
		Timestamp:       now,
		ConfigName:      opts.ConfigName,
		ExecutionMode:   opts.ExecutionMode,
		SafetyLevel:     opts.SafetyLevel,
		UserID:          opts.UserID,
		ExpectedOutputs: expected,
		CurrentState:    State{Stage: StageInit, Step: StepInit},
		Entities:        []Entity{},
	}
	r := newRecorder(dir, m, sink, log)
	r.manifest.CurrentState.Progress = r.progressLocked()
	if err := r.writeManifestLocked(); err != nil {
		return nil, err
	}
	r.log.Debug("Run recorder initialized", "config", opts.ConfigName, "expected", len(expected))
	return r, nil
}

// Load reconstructs a Recorder from an existing run directory. Missing
// manifest fields get defaults, and NN_* files the manifest does not list
// are adopted as entities.
func Load(base, runID string, sink EventSink, log *logger.Logger) (*Recorder, error) {
	if !ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrBadRunID, runID)
	}
	dir := filepath.Join(base, runID)
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", runID, err)
	}
	if m.RunID == "" {
		m.RunID = runID
	}
	if m.Entities == nil {
		m.Entities = []Entity{}
	}
	if m.ExpectedOutputs == nil {
		m.ExpectedOutputs = []string{}
	}
	if m.CurrentState.Step == "" {
		m.CurrentState.Step = StepInit
	}

	r := newRecorder(dir, m, sink, log)
	adopted, err := r.adoptOrphans()
	if err != nil {
		return nil, err
	}
	r.manifest.CurrentState.Progress = r.progressLocked()
	if adopted > 0 {
		r.log.Warn("Adopted entity files missing from manifest", "count", adopted)
		if err := r.writeManifestLocked(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) adoptOrphans() (int, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, err
	}
	listed := make(map[string]bool, len(r.manifest.Entities))
	for _, e := range r.manifest.Entities {
		listed[e.Filename] = true
	}
	adopted := 0
	for _, f := range files {
		if f.IsDir() || listed[f.Name()] {
			continue
		}
		m := entityPattern.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		seq, _ := strconv.Atoi(m[1])
		ts := ""
		if info, err := f.Info(); err == nil {
			ts = info.ModTime().UTC().Format(time.RFC3339Nano)
		}
		r.manifest.Entities = append(r.manifest.Entities, Entity{
			Sequence: seq, Type: m[2], Filename: f.Name(), Timestamp: ts,
			Metadata: map[string]any{"recovered": true},
		})
		if seq > r.seq {
			r.seq = seq
		}
		adopted++
	}
	sort.SliceStable(r.manifest.Entities, func(i, j int) bool {
		return r.manifest.Entities[i].Sequence < r.manifest.Entities[j].Sequence
	})
	return adopted, nil
}

func (r *Recorder) RunID() string { return r.manifest.RunID }
func (r *Recorder) Dir() string   { return r.dir }

// Sequence is the number of the last entity written.
func (r *Recorder) Sequence() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// SetState rewrites current_state and recomputes progress.
func (r *Recorder) SetState(stage int, step string) error {
	r.mu.Lock()
	r.manifest.CurrentState.Stage = stage
	r.manifest.CurrentState.Step = step
	r.manifest.CurrentState.Progress = r.progressLocked()
	state := r.manifest.CurrentState
	err := r.writeManifestLocked()
	r.mu.Unlock()

	r.publish(Event{Type: EventState, State: &state})
	return err
}

// SaveEntity writes the payload as NN_<type>.<ext>, then rewrites the
// manifest. Content may be a string, []byte, or any JSON-encodable value.
// When only the manifest write fails, the filename is returned with the error
// and the entity stays recorded in memory for the next write.
func (r *Recorder) SaveEntity(typ string, content any, meta map[string]any) (string, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" || strings.ContainsAny(typ, `/\`) {
		return "", fmt.Errorf("invalid entity type %q", typ)
	}
	data, ext, err := encodeEntity(typ, content)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", typ, err)
	}

	r.mu.Lock()
	seq := r.seq + 1
	name := fmt.Sprintf("%02d_%s.%s", seq, typ, ext)
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	r.seq = seq
	entity := Entity{
		Sequence:  seq,
		Type:      typ,
		Filename:  name,
		Timestamp: r.now().Format(time.RFC3339Nano),
		Metadata:  copyMap(meta),
	}
	r.manifest.Entities = append(r.manifest.Entities, entity)
	r.manifest.CurrentState.Progress = r.progressLocked()
	werr := r.writeManifestLocked()
	r.mu.Unlock()

	if werr != nil {
		r.log.Error("Manifest write failed after entity", "entity", name, "error", werr)
		return name, werr
	}
	r.publish(Event{Type: EventEntity, Entity: &entity})
	return name, nil
}

// SaveError records an error entity for stage.
func (r *Recorder) SaveError(stage int, errorType, message string, details map[string]any) (string, error) {
	body := map[string]any{
		"stage":      stage,
		"error_type": errorType,
		"message":    message,
		"timestamp":  r.now().Format(time.RFC3339Nano),
	}
	if len(details) > 0 {
		body["details"] = details
	}
	return r.SaveEntity(TypeError, body, map[string]any{"stage": stage, "error_type": errorType})
}

// Status is a pure read of the manifest.
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.snapshotLocked()
	return Status{Manifest: m, NextExpected: nextExpected(m.ExpectedOutputs, m.Entities)}
}

func (r *Recorder) MarkComplete() error {
	return r.finish(StageComplete, StepComplete, EventComplete)
}

// MarkFailed keeps the stage the run failed in.
func (r *Recorder) MarkFailed() error {
	return r.finish(-1, StepFailed, EventFailed)
}

func (r *Recorder) MarkBlocked() error {
	return r.finish(-1, StepBlocked, EventFailed)
}

func (r *Recorder) MarkAbandoned() error {
	return r.finish(-1, StepAbandoned, EventAbandoned)
}

func (r *Recorder) finish(stage int, step, event string) error {
	r.mu.Lock()
	if stage >= 0 {
		r.manifest.CurrentState.Stage = stage
	}
	r.manifest.CurrentState.Step = step
	r.manifest.CurrentState.Progress = r.progressLocked()
	state := r.manifest.CurrentState
	err := r.writeManifestLocked()
	r.mu.Unlock()

	r.publish(Event{Type: event, State: &state})
	return err
}

// SetMeta stores a run-level metadata value in the manifest.
func (r *Recorder) SetMeta(key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifest.Metadata == nil {
		r.manifest.Metadata = map[string]any{}
	}
	r.manifest.Metadata[key] = value
	return r.writeManifestLocked()
}

// AddOutput appends to the manifest's outputs array.
func (r *Recorder) AddOutput(out MediaOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifest.Outputs = append(r.manifest.Outputs, out)
	return r.writeManifestLocked()
}

// HasFile reports whether name already exists in the run directory.
func (r *Recorder) HasFile(name string) bool {
	_, err := os.Stat(filepath.Join(r.dir, name))
	return err == nil
}

// WriteFile writes an auxiliary file at the run root without creating an
// entity. name must be a plain file name.
func (r *Recorder) WriteFile(name string, data []byte) (string, error) {
	if name == "" || name != filepath.Base(name) || name == ManifestFile {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Path resolves a file inside the run directory.
func (r *Recorder) Path(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	p := filepath.Join(r.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

func (r *Recorder) snapshotLocked() Manifest {
	m := r.manifest
	m.ExpectedOutputs = append([]string{}, r.manifest.ExpectedOutputs...)
	m.Entities = append([]Entity{}, r.manifest.Entities...)
	m.Outputs = append([]MediaOutput(nil), r.manifest.Outputs...)
	m.Metadata = copyMap(r.manifest.Metadata)
	return m
}

// progressLocked counts entities against the expected multiset; extra
// types do not count.
func (r *Recorder) progressLocked() string {
	want := map[string]int{}
	for _, t := range r.manifest.ExpectedOutputs {
		want[t]++
	}
	done := 0
	for _, e := range r.manifest.Entities {
		if want[e.Type] > 0 {
			want[e.Type]--
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(r.manifest.ExpectedOutputs))
}

func nextExpected(expected []string, entities []Entity) string {
	have := map[string]int{}
	for _, e := range entities {
		have[e.Type]++
	}
	for _, t := range expected {
		if have[t] > 0 {
			have[t]--
			continue
		}
		return t
	}
	return ""
}

// writeManifestLocked replaces metadata.json through a temp file and rename.
func (r *Recorder) writeManifestLocked() error {
	r.manifest.UpdatedAt = r.now().Format(time.RFC3339Nano)
	b, err := json.MarshalIndent(r.manifest, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("manifest temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("manifest write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("manifest sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(r.dir, ManifestFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("manifest rename: %w", err)
	}
	return nil
}

func (r *Recorder) publish(ev Event) {
	ev.RunID = r.manifest.RunID
	ev.Time = r.now()
	if err := r.sink.Publish(context.Background(), ev); err != nil {
		r.log.Warn("Run event publish failed", "type", ev.Type, "error", err)
	}
}

// encodeEntity picks the payload bytes and extension. Strings are txt,
// bytes are sniffed (output_<media> types hint the default), anything else
// is indented JSON.
func encodeEntity(typ string, content any) ([]byte, string, error) {
	switch c := content.(type) {
	case nil:
		return []byte{}, "txt", nil
	case string:
		return []byte(c), "txt", nil
	case []byte:
		f := localmedia.Sniff(c, strings.TrimPrefix(typ, OutputPrefix))
		return c, f.Ext, nil
	case json.RawMessage:
		return c, "json", nil
	default:
		b, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, "", err
		}
		return b, "json", nil
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
