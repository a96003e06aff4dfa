package mediastore

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/interception-backend/internal/pipeline/pipeerr"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/platform/comfyui"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func wavBytes() []byte {
	return append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
}

func newStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	reg, err := recorder.NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)
	s := New(reg, opts, nil)
	meta, err := s.CreateRun(CreateRunRequest{Schema: "sd35_large", ExecutionMode: "eco", InputText: "a cat", RunID: "run-m"})
	require.NoError(t, err)
	return s, meta.RunID
}

func TestAddFromBase64RecordsDimensions(t *testing.T) {
	s, runID := newStore(t, Options{})
	data := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 3, 2))

	a, err := s.AddFromResponse(context.Background(), runID, "gpt_image_1", map[string]any{
		"source": "base64", "data": data, "media_type": "image", "backend": "openai", "seed": int64(7),
	})
	require.NoError(t, err)
	out := a.Output
	assert.Equal(t, "output_image.png", out.Filename)
	assert.Equal(t, "gpt_image_1", out.Config)
	assert.Equal(t, "openai", out.Backend)
	require.NotNil(t, out.Width)
	assert.Equal(t, 3, *out.Width)
	assert.Equal(t, 2, *out.Height)

	path, ok := s.GetMediaPath(runID, "output_image.png")
	require.True(t, ok)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	meta, err := s.GetMetadata(runID)
	require.NoError(t, err)
	require.Len(t, meta.Outputs, 1)
	assert.Equal(t, "a cat", meta.Metadata["input_text"])
}

func TestSecondArtifactGetsSuffix(t *testing.T) {
	s, runID := newStore(t, Options{})
	ctx := context.Background()
	enc := base64.StdEncoding.EncodeToString(pngBytes(t, 1, 1))
	first, err := s.AddMediaFromBase64(ctx, runID, enc, "a", "image", "x")
	require.NoError(t, err)
	second, err := s.AddMediaFromBase64(ctx, runID, enc, "b", "image", "x")
	require.NoError(t, err)
	assert.Equal(t, "output_image.png", first.Filename)
	assert.Equal(t, "output_image_2.png", second.Filename)
}

func TestUndecodableImageHasNoDimensions(t *testing.T) {
	s, runID := newStore(t, Options{})
	out, err := s.AddMediaFromBase64(context.Background(), runID, base64.StdEncoding.EncodeToString([]byte("not an image")), "c", "image", "x")
	require.NoError(t, err)
	assert.Equal(t, "output_image.png", out.Filename)
	assert.Nil(t, out.Width)
	assert.Nil(t, out.Height)
}

func TestAddFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavBytes())
	}))
	defer srv.Close()

	s, runID := newStore(t, Options{HTTPClient: srv.Client()})
	out, err := s.AddMediaFromURL(context.Background(), runID, srv.URL+"/a.wav", "stable_audio_standard", "audio")
	require.NoError(t, err)
	assert.Equal(t, "output_audio.wav", out.Filename)
	assert.Equal(t, srv.URL+"/a.wav", out.SourceURL)
}

func TestAddFromURLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	s, runID := newStore(t, Options{})
	_, err := s.AddMediaFromURL(context.Background(), runID, srv.URL, "x", "image")
	assert.Equal(t, pipeerr.KindMediaStore, pipeerr.KindOf(err))
}

func TestAddFromJob(t *testing.T) {
	img := pngBytes(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/history/job-1":
			_, _ = io.WriteString(w, `{"job-1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}},"status":{"status_str":"success","completed":true}}}`)
		case "/view":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(img)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	jobs := comfyui.New(srv.URL, comfyui.Options{PollInterval: 10 * time.Millisecond}, nil)
	s, runID := newStore(t, Options{Jobs: jobs})
	a, err := s.AddFromResponse(context.Background(), runID, "sd35_large", map[string]any{
		"source": "job", "job_id": "job-1", "media_type": "image", "output_node": "42", "seed": int64(5),
	})
	require.NoError(t, err)
	assert.Equal(t, "output_image.png", a.Output.Filename)
	assert.Equal(t, "comfyui", a.Output.Backend)
	assert.Equal(t, "job-1", a.Output.JobID)
	assert.Equal(t, img, a.Data)
}

func TestAddFromPath(t *testing.T) {
	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte{0x00, 0x01, 0x02}, 0o644))
	s, runID := newStore(t, Options{})
	out, err := s.AddMediaFromPath(context.Background(), runID, src, "wan22_video", "video", "comfyui")
	require.NoError(t, err)
	assert.Equal(t, "output_video.mp4", out.Filename)
}

func TestUnknownSource(t *testing.T) {
	s, runID := newStore(t, Options{})
	_, err := s.AddFromResponse(context.Background(), runID, "x", map[string]any{"source": "carrier-pigeon"})
	assert.Equal(t, pipeerr.KindMediaStore, pipeerr.KindOf(err))
}

func TestCreateRunGeneratesID(t *testing.T) {
	reg, err := recorder.NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)
	meta, err := New(reg, Options{}, nil).CreateRun(CreateRunRequest{Schema: "dada"})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.RunID)
	assert.Equal(t, "dada", meta.ConfigName)
}

func TestCreateRunReleasesOwnRecorder(t *testing.T) {
	reg, err := recorder.NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)
	s := New(reg, Options{}, nil)

	_, err = s.CreateRun(CreateRunRequest{Schema: "dada", RunID: "run-own", InputText: "a cat"})
	require.NoError(t, err)
	assert.False(t, reg.IsActive("run-own"))

	meta, err := s.GetMetadata("run-own")
	require.NoError(t, err)
	assert.Equal(t, "a cat", meta.Metadata["input_text"])
}

func TestCreateRunLeavesActiveRunWithOwner(t *testing.T) {
	reg, err := recorder.NewRegistry(t.TempDir(), nil, nil)
	require.NoError(t, err)
	_, err = reg.Create(recorder.InitOptions{RunID: "run-live", ConfigName: "dada"})
	require.NoError(t, err)

	_, err = New(reg, Options{}, nil).CreateRun(CreateRunRequest{Schema: "dada", RunID: "run-live", TransformedText: "x"})
	require.NoError(t, err)
	assert.True(t, reg.IsActive("run-live"))
}

type fakeMirror struct{ keys []string }

func (m *fakeMirror) Upload(_ context.Context, key string, _ []byte, _ string) error {
	m.keys = append(m.keys, key)
	return nil
}
func (m *fakeMirror) Delete(context.Context, string) error { return nil }
func (m *fakeMirror) PublicURL(key string) string         { return "https://cdn.test/" + key }
func (m *fakeMirror) Key(runID, filename string) string   { return "runs/" + runID + "/" + filename }
func (m *fakeMirror) Close() error                        { return nil }

func TestMirrorUpload(t *testing.T) {
	mirror := &fakeMirror{}
	s, runID := newStore(t, Options{Mirror: mirror})
	out, err := s.AddMediaFromBase64(context.Background(), runID, base64.StdEncoding.EncodeToString(wavBytes()), "a", "audio", "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/run-m/output_audio.wav"}, mirror.keys)
	assert.Equal(t, "https://cdn.test/runs/run-m/output_audio.wav", out.PublicURL)
}
