package gcp

import (
	"testing"
)

func clearMirrorEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GCS_MEDIA_BUCKET", "GCS_MEDIA_PREFIX", "GCS_MEDIA_CDN_DOMAIN", "OBJECT_STORAGE_MODE", "STORAGE_EMULATOR_HOST", "OBJECT_STORAGE_PUBLIC_BASE_URL"} {
		t.Setenv(k, "")
	}
}

func TestMirrorConfigDisabledWithoutBucket(t *testing.T) {
	clearMirrorEnv(t)
	_, enabled, err := MirrorConfigFromEnv()
	if err != nil {
		t.Fatalf("MirrorConfigFromEnv: %v", err)
	}
	if enabled {
		t.Fatalf("enabled: want=false got=true")
	}
}

func TestMirrorConfigDefaultGCS(t *testing.T) {
	clearMirrorEnv(t)
	t.Setenv("GCS_MEDIA_BUCKET", "media")
	t.Setenv("GCS_MEDIA_PREFIX", "/prod/")

	cfg, enabled, err := MirrorConfigFromEnv()
	if err != nil {
		t.Fatalf("MirrorConfigFromEnv: %v", err)
	}
	if !enabled {
		t.Fatalf("enabled: want=true got=false")
	}
	if cfg.Mode != ObjectStorageModeGCS {
		t.Fatalf("mode: want=%q got=%q", ObjectStorageModeGCS, cfg.Mode)
	}
	if cfg.KeyPrefix != "prod" {
		t.Fatalf("prefix: want=%q got=%q", "prod", cfg.KeyPrefix)
	}
}

func TestMirrorConfigEmulatorFromHost(t *testing.T) {
	clearMirrorEnv(t)
	t.Setenv("GCS_MEDIA_BUCKET", "media")
	t.Setenv("STORAGE_EMULATOR_HOST", "http://fake-gcs:4443/")

	cfg, _, err := MirrorConfigFromEnv()
	if err != nil {
		t.Fatalf("MirrorConfigFromEnv: %v", err)
	}
	if cfg.Mode != ObjectStorageModeGCSEmulator {
		t.Fatalf("mode: want=%q got=%q", ObjectStorageModeGCSEmulator, cfg.Mode)
	}
	if cfg.EmulatorHost != "http://fake-gcs:4443" {
		t.Fatalf("emulator host: got=%q", cfg.EmulatorHost)
	}
}

func TestMirrorConfigRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"invalid mode":          {"OBJECT_STORAGE_MODE": "local"},
		"missing emulator host": {"OBJECT_STORAGE_MODE": "gcs_emulator"},
		"bad emulator host":     {"OBJECT_STORAGE_MODE": "gcs_emulator", "STORAGE_EMULATOR_HOST": "fake-gcs:4443"},
		"bad public base":       {"OBJECT_STORAGE_PUBLIC_BASE_URL": "localhost:4443"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearMirrorEnv(t)
			t.Setenv("GCS_MEDIA_BUCKET", "media")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, _, err := MirrorConfigFromEnv(); err == nil {
				t.Fatalf("MirrorConfigFromEnv: expected error, got nil")
			}
		})
	}
}

func TestPublicURL(t *testing.T) {
	cases := []struct {
		name string
		cfg  MirrorConfig
		want string
	}{
		{"gcs default", MirrorConfig{Bucket: "media", Mode: ObjectStorageModeGCS}, "https://storage.googleapis.com/media/runs/r1/output_image.png"},
		{"cdn", MirrorConfig{Bucket: "media", CDNDomain: "cdn.example.org", Mode: ObjectStorageModeGCS}, "https://cdn.example.org/runs/r1/output_image.png"},
		{"public base", MirrorConfig{Bucket: "media", PublicBaseURL: "http://localhost:4443", Mode: ObjectStorageModeGCS}, "http://localhost:4443/media/runs/r1/output_image.png"},
		{"emulator", MirrorConfig{Bucket: "media", Mode: ObjectStorageModeGCSEmulator, EmulatorHost: "http://fake-gcs:4443"}, "http://fake-gcs:4443/storage/v1/b/media/o/runs%2Fr1%2Foutput_image.png?alt=media"},
	}
	for _, tc := range cases {
		if got := publicURL(tc.cfg, "/runs/r1/output_image.png"); got != tc.want {
			t.Fatalf("%s: want=%q got=%q", tc.name, tc.want, got)
		}
	}
}

func TestContentTypeForKey(t *testing.T) {
	if got := contentTypeForKey("runs/a/output_audio.wav"); got != "audio/wav" {
		t.Fatalf("wav: got=%q", got)
	}
	if got := contentTypeForKey("runs/a/output.bin"); got != "application/octet-stream" {
		t.Fatalf("bin: got=%q", got)
	}
}
