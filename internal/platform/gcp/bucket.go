package gcp

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// MediaMirror copies stored run media into a bucket.
type MediaMirror interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
	Key(runID, filename string) string
	Close() error
}

type bucketMirror struct {
	log    *logger.Logger
	client *storage.Client
	cfg    MirrorConfig
}

func NewMediaMirror(ctx context.Context, cfg MirrorConfig, log *logger.Logger) (MediaMirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("missing media bucket name")
	}
	if log == nil {
		log = logger.Nop()
	}
	client, err := newStorageClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	l := log.With("service", "MediaMirror")
	l.Info("Media mirror initialized", "mode", cfg.Mode, "bucket", cfg.Bucket, "prefix", cfg.KeyPrefix)
	return &bucketMirror{log: l, client: client, cfg: cfg}, nil
}

func newStorageClient(ctx context.Context, cfg MirrorConfig) (*storage.Client, error) {
	if cfg.IsEmulatorMode() {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", cfg.EmulatorHost)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	}
	opts := append(ClientOptionsFromEnv(), option.WithScopes(storage.ScopeReadWrite))
	return storage.NewClient(ctx, opts...)
}

// Key is runs/<run_id>/<filename> below the configured prefix.
func (m *bucketMirror) Key(runID, filename string) string {
	return path.Join(m.cfg.KeyPrefix, "runs", runID, filename)
}

func (m *bucketMirror) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := m.client.Bucket(m.cfg.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if w.ContentType == "" {
		w.ContentType = contentTypeForKey(key)
	}
	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	m.log.Debug("Uploaded media", "key", key, "bytes", len(data))
	return nil
}

func (m *bucketMirror) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.client.Bucket(m.cfg.Bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, m.cfg.Bucket, err)
	}
	return nil
}

func (m *bucketMirror) PublicURL(key string) string {
	return publicURL(m.cfg, key)
}

func (m *bucketMirror) Close() error { return m.client.Close() }

func publicURL(cfg MirrorConfig, key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if cfg.CDNDomain != "" {
		return fmt.Sprintf("https://%s/%s", cfg.CDNDomain, key)
	}
	if cfg.IsEmulatorMode() {
		base := cfg.PublicBaseURL
		if base == "" {
			base = cfg.EmulatorHost
		}
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media", base, url.PathEscape(cfg.Bucket), url.PathEscape(key))
	}
	if cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", cfg.PublicBaseURL, cfg.Bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", cfg.Bucket, key)
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".webp"):
		return "image/webp"
	case strings.HasSuffix(s, ".gif"):
		return "image/gif"
	case strings.HasSuffix(s, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".flac"):
		return "audio/flac"
	case strings.HasSuffix(s, ".mp4"), strings.HasSuffix(s, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(s, ".webm"):
		return "video/webm"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
