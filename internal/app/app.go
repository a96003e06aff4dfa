package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/yungbote/interception-backend/internal/inference/config"
	apphttp "github.com/yungbote/interception-backend/internal/http"
	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/platform/logger"
	"github.com/yungbote/interception-backend/internal/sse"
)

type App struct {
	Log       *logger.Logger
	Cfg       Config
	Inference *config.Config
	Clients   Clients
	Repos     Repos
	Services  Services
	Handlers  Handlers
	Server    *apphttp.Server
	SSEHub    *sse.Hub
	Metrics   *observability.Metrics

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	inf, err := config.Load(cfg.InferenceConfigPath)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load inference config: %w", err)
	}

	metrics := observability.Init(log)
	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName:     serviceName,
		Environment:     cfg.Environment,
		Version:         cfg.Version,
		DefinitionsPath: cfg.DefinitionsPath,
		RunsPath:        cfg.RunsPath,
	})

	clients, err := wireClients(context.Background(), log, cfg, inf)
	if err != nil {
		log.Sync()
		return nil, err
	}

	reposet, err := wireRepos(log, cfg)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	hub := sse.NewHub(log)

	serviceset, err := wireServices(log, cfg, inf, clients, reposet, hub, metrics)
	if err != nil {
		reposet.Close()
		clients.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, serviceset, clients, reposet, hub)
	server := wireServer(log, cfg, handlerset, metrics)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Inference:    inf,
		Clients:      clients,
		Repos:        reposet,
		Services:     serviceset,
		Handlers:     handlerset,
		Server:       server,
		SSEHub:       hub,
		Metrics:      metrics,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background parts: worker pool, janitor, event
// forwarder, definitions watcher and metrics listener.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Services.Queue.Start(ctx)

	if a.Cfg.JanitorSchedule != "" {
		if err := a.Services.Janitor.Start(a.Cfg.JanitorSchedule); err != nil {
			return err
		}
	}

	if a.Clients.EventBus != nil {
		if err := a.Clients.EventBus.StartForwarder(ctx, func(ev recorder.Event) {
			a.SSEHub.Broadcast(ev)
		}); err != nil {
			return fmt.Errorf("start run event forwarder: %w", err)
		}
	}

	if a.Cfg.DefinitionsWatch {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Services.Definitions.Watch(ctx, a.Cfg.DefinitionsDebounce); err != nil && !errors.Is(err, context.Canceled) {
				a.Log.Warn("Definitions watcher stopped", "error", err)
			}
		}()
	}

	a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
	return nil
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
		errCh <- a.Server.Run(a.Cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		a.Log.Info("Shutdown requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("HTTP shutdown incomplete", "error", err)
	}
	a.stop(shutdownCtx)
	return nil
}

func (a *App) stop(ctx context.Context) {
	if err := a.Services.Queue.Stop(ctx); err != nil {
		a.Log.Warn("Run queue did not drain", "error", err)
	}
	a.Services.Janitor.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	a.Clients.Close()
	a.Repos.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
