package gcp

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

type ObjectStorageMode string

const (
	ObjectStorageModeGCS         ObjectStorageMode = "gcs"
	ObjectStorageModeGCSEmulator ObjectStorageMode = "gcs_emulator"
)

// MirrorConfig selects the bucket generated media is copied to.
type MirrorConfig struct {
	Bucket        string
	KeyPrefix     string
	CDNDomain     string
	PublicBaseURL string
	Mode          ObjectStorageMode
	EmulatorHost  string
}

func (cfg MirrorConfig) IsEmulatorMode() bool {
	return cfg.Mode == ObjectStorageModeGCSEmulator
}

type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	switch e.Field {
	case "OBJECT_STORAGE_MODE":
		return fmt.Sprintf("invalid OBJECT_STORAGE_MODE=%q (allowed: %q, %q)", e.Value, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator)
	case "STORAGE_EMULATOR_HOST":
		if e.Value == "" {
			return fmt.Sprintf("OBJECT_STORAGE_MODE=%q requires STORAGE_EMULATOR_HOST to be set", ObjectStorageModeGCSEmulator)
		}
		return fmt.Sprintf("invalid STORAGE_EMULATOR_HOST=%q; expected absolute URL like http://fake-gcs:4443", e.Value)
	default:
		return fmt.Sprintf("invalid %s=%q; expected absolute URL", e.Field, e.Value)
	}
}

// MirrorConfigFromEnv reads GCS_MEDIA_BUCKET and friends. enabled is false
// when no bucket is configured.
func MirrorConfigFromEnv() (cfg MirrorConfig, enabled bool, err error) {
	cfg = MirrorConfig{
		Bucket:       strings.TrimSpace(os.Getenv("GCS_MEDIA_BUCKET")),
		KeyPrefix:    strings.Trim(strings.TrimSpace(os.Getenv("GCS_MEDIA_PREFIX")), "/"),
		CDNDomain:    strings.TrimSpace(os.Getenv("GCS_MEDIA_CDN_DOMAIN")),
		EmulatorHost: strings.TrimRight(strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")), "/"),
	}
	if cfg.Bucket == "" {
		return cfg, false, nil
	}

	rawMode := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_MODE"))
	switch ObjectStorageMode(strings.ToLower(rawMode)) {
	case "":
		cfg.Mode = ObjectStorageModeGCS
		if cfg.EmulatorHost != "" {
			cfg.Mode = ObjectStorageModeGCSEmulator
		}
	case ObjectStorageModeGCS:
		cfg.Mode = ObjectStorageModeGCS
	case ObjectStorageModeGCSEmulator:
		cfg.Mode = ObjectStorageModeGCSEmulator
	default:
		return cfg, false, &ConfigError{Field: "OBJECT_STORAGE_MODE", Value: rawMode}
	}

	if raw := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_PUBLIC_BASE_URL")); raw != "" {
		if !absoluteURL(raw) {
			return cfg, false, &ConfigError{Field: "OBJECT_STORAGE_PUBLIC_BASE_URL", Value: raw}
		}
		cfg.PublicBaseURL = strings.TrimRight(raw, "/")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

func (cfg MirrorConfig) Validate() error {
	switch cfg.Mode {
	case ObjectStorageModeGCS:
		return nil
	case ObjectStorageModeGCSEmulator:
		if cfg.EmulatorHost == "" || !absoluteURL(cfg.EmulatorHost) {
			return &ConfigError{Field: "STORAGE_EMULATOR_HOST", Value: cfg.EmulatorHost}
		}
		return nil
	default:
		return &ConfigError{Field: "OBJECT_STORAGE_MODE", Value: string(cfg.Mode)}
	}
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && strings.TrimSpace(u.Scheme) != "" && strings.TrimSpace(u.Host) != ""
}
