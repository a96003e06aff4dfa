package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yungbote/interception-backend/internal/inference/config"
	"github.com/yungbote/interception-backend/internal/inference/router"
	"github.com/yungbote/interception-backend/internal/jobs/worker"
	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/pipeline/backend"
	"github.com/yungbote/interception-backend/internal/pipeline/chunks"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/pipeline/mediastore"
	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/pipeline/safety"
	"github.com/yungbote/interception-backend/internal/pipeline/stages"
	"github.com/yungbote/interception-backend/internal/platform/localmedia"
	"github.com/yungbote/interception-backend/internal/platform/logger"
	"github.com/yungbote/interception-backend/internal/sse"
)

type Services struct {
	Definitions  *defs.Loader
	TextRouter   *router.Router
	Backend      *backend.Router
	Safety       *safety.Checker
	Registry     *recorder.Registry
	Media        *mediastore.Store
	Orchestrator *stages.Orchestrator
	Queue        *worker.Pool
	Janitor      *recorder.Janitor
}

func wireServices(log *logger.Logger, cfg Config, inf *config.Config, clients Clients, reposet Repos, hub *sse.Hub, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	loader := defs.NewLoader(cfg.DefinitionsPath, log)
	if err := loader.Load(); err != nil {
		return Services{}, fmt.Errorf("load definitions: %w", err)
	}
	log.Info("Definitions loaded", "summary", loader.String())

	textRouter, err := router.New(inf, log)
	if err != nil {
		return Services{}, fmt.Errorf("init text router: %w", err)
	}

	be := backend.New(textRouter, backend.Options{
		Workflow:   clients.ComfyUI,
		Models:     inf,
		HTTPClient: &http.Client{Timeout: inf.Media.DownloadTimeout.Duration},
	}, log)
	builder := chunks.NewBuilder(loader, inf, log)
	checker := safety.NewChecker(textRouter, inf, log)

	registry, err := recorder.NewRegistry(cfg.RunsPath, eventSink(hub, clients), log)
	if err != nil {
		return Services{}, fmt.Errorf("init run registry: %w", err)
	}

	store := mediastore.New(registry, mediastore.Options{
		Jobs:        clients.ComfyUI,
		HTTPClient:  &http.Client{Timeout: inf.Media.DownloadTimeout.Duration},
		Mirror:      clients.Mirror,
		Probe:       localmedia.New(log),
		MaxBytes:    inf.Media.MaxDownloadBytes,
		PollTimeout: inf.Timeouts.MediaPoll.Duration,
	}, log)

	deps := stages.Deps{
		Configs:  loader,
		Builder:  builder,
		Backend:  be,
		Safety:   checker,
		Media:    store,
		Settings: inf,
		Registry: registry,
		Metrics:  metrics,
	}
	if reposet.Index != nil {
		deps.Index = reposet.Index
	}
	orch := stages.New(deps, log)

	wopts := worker.OptionsFromEnv()
	wopts.OnDone = func(req stages.RunRequest, res *stages.RunResult, err error) {
		if err != nil {
			log.Warn("Queued run ended with error", "run_id", req.RunID, "config", req.ConfigName, "error", err)
		}
	}
	queue := worker.NewPool(orch, wopts, metrics, log)

	janitor := recorder.NewJanitor(registry, cfg.JanitorStaleAfter, func(runID string) {
		if metrics != nil {
			metrics.IncAbandoned("janitor")
		}
		if reposet.Index == nil {
			return
		}
		if _, err := reposet.Index.MarkAbandoned(context.Background(), runID); err != nil {
			log.Warn("Run index abandon update failed", "run_id", runID, "error", err)
		}
	}, log)

	return Services{
		Definitions:  loader,
		TextRouter:   textRouter,
		Backend:      be,
		Safety:       checker,
		Registry:     registry,
		Media:        store,
		Orchestrator: orch,
		Queue:        queue,
		Janitor:      janitor,
	}, nil
}

// eventSink publishes recorder events to Redis when a bus is configured (the
// forwarder feeds the local hub from there), else straight to the hub.
func eventSink(hub *sse.Hub, clients Clients) recorder.EventSink {
	if clients.EventBus != nil {
		return clients.EventBus
	}
	return hub
}
