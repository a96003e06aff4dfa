package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yungbote/interception-backend/internal/clients/redis"
	"github.com/yungbote/interception-backend/internal/inference/config"
	"github.com/yungbote/interception-backend/internal/platform/comfyui"
	"github.com/yungbote/interception-backend/internal/platform/gcp"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

type Clients struct {
	EventBus redis.EventBus
	ComfyUI  *comfyui.Client
	Mirror   gcp.MediaMirror
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config, inf *config.Config) (Clients, error) {
	log.Info("Wiring clients...")

	// Redis
	var bus redis.EventBus
	if cfg.RedisAddr != "" {
		b, err := redis.NewEventBus(redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		}, log)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis event bus: %w", err)
		}
		bus = b
	}

	// ComfyUI
	comfy := comfyui.New(inf.Media.ComfyUIURL, comfyui.Options{
		PollInterval: inf.Media.PollInterval.Duration,
		MaxBytes:     inf.Media.MaxDownloadBytes,
		HTTPClient:   &http.Client{Timeout: inf.Media.DownloadTimeout.Duration},
	}, log)

	// Gcs
	var mirror gcp.MediaMirror
	mirrorCfg, enabled, err := gcp.MirrorConfigFromEnv()
	if err != nil {
		if bus != nil {
			_ = bus.Close()
		}
		return Clients{}, fmt.Errorf("media mirror config: %w", err)
	}
	if enabled {
		m, err := gcp.NewMediaMirror(ctx, mirrorCfg, log)
		if err != nil {
			if bus != nil {
				_ = bus.Close()
			}
			return Clients{}, fmt.Errorf("init media mirror: %w", err)
		}
		mirror = m
	}

	return Clients{
		EventBus: bus,
		ComfyUI:  comfy,
		Mirror:   mirror,
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.EventBus != nil {
		_ = c.EventBus.Close()
	}
	if c.Mirror != nil {
		_ = c.Mirror.Close()
	}
}
