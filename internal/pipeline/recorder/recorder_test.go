package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(t *testing.T, base string, expected []string) *Recorder {
	t.Helper()
	r, err := Init(base, InitOptions{
		RunID:           "run-1",
		ConfigName:      "dada",
		ExecutionMode:   "eco",
		SafetyLevel:     "kids",
		UserID:          "u1",
		ExpectedOutputs: expected,
	}, nil, nil)
	require.NoError(t, err)
	return r
}

func readManifest(t *testing.T, dir string) Manifest {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestEntitiesAndManifest(t *testing.T) {
	base := t.TempDir()
	r := newRun(t, base, ExpectedOutputs(true, true))

	m := readManifest(t, r.Dir())
	assert.Equal(t, State{Stage: StageInit, Step: StepInit, Progress: "0/4"}, m.CurrentState)

	name, err := r.SaveEntity(TypeInput, "katze auf der matratze", nil)
	require.NoError(t, err)
	assert.Equal(t, "01_input.txt", name)
	name, err = r.SaveEntity(TypeTranslation, "cat on the mattress", map[string]any{"model": "local/x"})
	require.NoError(t, err)
	assert.Equal(t, "02_translation.txt", name)
	name, err = r.SaveEntity(TypeSafety, map[string]any{"safe": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "03_safety.json", name)
	require.NoError(t, r.SetState(2, "interception"))

	m = readManifest(t, r.Dir())
	require.Len(t, m.Entities, 3)
	for i, e := range m.Entities {
		assert.Equal(t, i+1, e.Sequence)
		_, err := os.Stat(filepath.Join(r.Dir(), e.Filename))
		assert.NoError(t, err)
	}
	assert.Equal(t, State{Stage: 2, Step: "interception", Progress: "3/4"}, m.CurrentState)
	assert.Equal(t, "local/x", m.Entities[1].Metadata["model"])

	st := r.Status()
	assert.Equal(t, TypeInterception, st.NextExpected)

	raw, err := os.ReadFile(filepath.Join(r.Dir(), "03_safety.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"safe":true}`, string(raw))
}

func TestProgressIgnoresExtraTypes(t *testing.T) {
	r := newRun(t, t.TempDir(), []string{TypeInput, TypeInterception})
	_, _ = r.SaveEntity(TypeInput, "x", nil)
	_, _ = r.SaveError(2, "backend_error", "boom", map[string]any{"model": "m"})
	st := r.Status()
	assert.Equal(t, "1/2", st.CurrentState.Progress)
	assert.Equal(t, TypeInterception, st.NextExpected)
	assert.Equal(t, TypeError, st.Entities[1].Type)
	assert.Equal(t, "02_error.json", st.Entities[1].Filename)
}

func TestProgressCountsRepeatedTypes(t *testing.T) {
	expected := ExpectedOutputs(true, true, "image", "audio")
	assert.Equal(t, []string{"input", "translation", "safety", "interception",
		"safety_pre_output", "output_image", "safety_pre_output", "output_audio"}, expected)

	r := newRun(t, t.TempDir(), expected)
	for _, typ := range []string{TypeInput, TypeTranslation, TypeSafety, TypeInterception, TypeSafetyPreOutput, TypeSafetyPreOutput, TypeSafetyPreOutput} {
		_, err := r.SaveEntity(typ, "x", nil)
		require.NoError(t, err)
	}
	st := r.Status()
	assert.Equal(t, "6/8", st.CurrentState.Progress)
	assert.Equal(t, "output_image", st.NextExpected)
}

func TestBinaryEntityExtension(t *testing.T) {
	r := newRun(t, t.TempDir(), nil)
	name, err := r.SaveEntity("output_image", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), nil)
	require.NoError(t, err)
	assert.Equal(t, "01_output_image.png", name)
	name, err = r.SaveEntity("output_audio", []byte("not really audio"), nil)
	require.NoError(t, err)
	assert.Equal(t, "02_output_audio.wav", name)
}

func TestMarkCompleteAndFailed(t *testing.T) {
	r := newRun(t, t.TempDir(), nil)
	require.NoError(t, r.SetState(3, "pre_output_safety"))
	require.NoError(t, r.MarkFailed())
	st := r.Status()
	assert.Equal(t, 3, st.CurrentState.Stage)
	assert.Equal(t, StepFailed, st.CurrentState.Step)
	assert.True(t, st.Terminal())

	r2, err := Init(t.TempDir(), InitOptions{RunID: "run-2"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r2.MarkComplete())
	assert.Equal(t, State{Stage: StageComplete, Step: StepComplete, Progress: "0/0"}, r2.Status().CurrentState)
}

func TestLoadRoundTrip(t *testing.T) {
	base := t.TempDir()
	r := newRun(t, base, ExpectedOutputs(true, true))
	for _, typ := range []string{TypeInput, TypeTranslation} {
		_, err := r.SaveEntity(typ, "x", nil)
		require.NoError(t, err)
	}
	require.NoError(t, r.SetMeta("iterations", 3))

	loaded, err := Load(base, "run-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Sequence())
	want, got := r.Status(), loaded.Status()
	assert.Equal(t, want.Entities, got.Entities)
	assert.Equal(t, want.CurrentState, got.CurrentState)
	assert.Equal(t, want.ExpectedOutputs, got.ExpectedOutputs)
	assert.EqualValues(t, 3, got.Metadata["iterations"])

	name, err := loaded.SaveEntity(TypeSafety, map[string]any{"safe": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "03_safety.json", name)
}

func TestLoadToleratesOldManifest(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "legacy-run")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"run_id":"legacy-run","config_name":"dada"}`), 0o644))

	r, err := Load(base, "legacy-run", nil, nil)
	require.NoError(t, err)
	st := r.Status()
	assert.Empty(t, st.Entities)
	assert.Empty(t, st.ExpectedOutputs)
	assert.Equal(t, StepInit, st.CurrentState.Step)
	assert.Equal(t, 0, r.Sequence())
}

func TestLoadAdoptsFilesMissingFromManifest(t *testing.T) {
	base := t.TempDir()
	r := newRun(t, base, ExpectedOutputs(true, true))
	_, err := r.SaveEntity(TypeInput, "x", nil)
	require.NoError(t, err)
	// a payload written before the process died, manifest never updated
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "02_translation.txt"), []byte("y"), 0o644))

	loaded, err := Load(base, "run-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Sequence())
	st := loaded.Status()
	require.Len(t, st.Entities, 2)
	assert.Equal(t, TypeTranslation, st.Entities[1].Type)
	assert.Equal(t, "2/4", st.CurrentState.Progress)

	onDisk := readManifest(t, r.Dir())
	assert.Len(t, onDisk.Entities, 2)
}

func TestLoadMissingRun(t *testing.T) {
	_, err := Load(t.TempDir(), "nope", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = Load(t.TempDir(), "../etc", nil, nil)
	assert.ErrorIs(t, err, ErrBadRunID)
}

func TestPathRejectsTraversal(t *testing.T) {
	r := newRun(t, t.TempDir(), nil)
	_, _ = r.SaveEntity(TypeInput, "x", nil)
	_, ok := r.Path("01_input.txt")
	assert.True(t, ok)
	_, ok = r.Path("../run-1/01_input.txt")
	assert.False(t, ok)
	_, ok = r.Path("missing.txt")
	assert.False(t, ok)
}

func TestRegistryReturnsExistingRecorder(t *testing.T) {
	reg, err := NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make([]*Recorder, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := reg.Create(InitOptions{RunID: "same"})
			assert.NoError(t, err)
			got[i] = r
		}(i)
	}
	wg.Wait()
	for _, r := range got {
		assert.Same(t, got[0], r)
	}

	reg.Release("same")
	assert.False(t, reg.IsActive("same"))
	r, err := reg.Get("same")
	require.NoError(t, err)
	assert.Equal(t, "same", r.RunID())

	ids, err := reg.RunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"same"}, ids)
}

func TestEventsPublished(t *testing.T) {
	var mu sync.Mutex
	var types []string
	sink := SinkFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
		assert.Equal(t, "ev", ev.RunID)
		return nil
	})
	r, err := Init(t.TempDir(), InitOptions{RunID: "ev"}, sink, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState(1, "pre_interception"))
	_, err = r.SaveEntity(TypeInput, "x", nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkComplete())
	assert.Equal(t, []string{EventState, EventEntity, EventComplete}, types)
}

func TestJanitorAbandonsStaleRuns(t *testing.T) {
	reg, err := NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)

	stale, err := reg.Create(InitOptions{RunID: "stale"})
	require.NoError(t, err)
	require.NoError(t, stale.SetState(2, "interception"))
	reg.Release("stale")

	done, err := reg.Create(InitOptions{RunID: "done"})
	require.NoError(t, err)
	require.NoError(t, done.MarkComplete())
	reg.Release("done")

	_, err = reg.Create(InitOptions{RunID: "live"})
	require.NoError(t, err)

	var notified []string
	j := NewJanitor(reg, time.Minute, func(id string) { notified = append(notified, id) }, nil)
	j.now = func() time.Time { return time.Now().Add(time.Hour) }

	ids, err := j.Sweep()
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"stale"}, ids)
	assert.Equal(t, []string{"stale"}, notified)

	r, err := reg.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, StepAbandoned, r.Status().CurrentState.Step)
	assert.Equal(t, 2, r.Status().CurrentState.Stage)
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	reg, err := NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)
	j := NewJanitor(reg, time.Minute, nil, nil)
	assert.Error(t, j.Start("not a schedule"))
	require.NoError(t, j.Start("@every 1h"))
	j.Stop(context.Background())
}
