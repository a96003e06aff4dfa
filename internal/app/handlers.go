package app

import (
	httpH "github.com/yungbote/interception-backend/internal/http/handlers"
	"github.com/yungbote/interception-backend/internal/platform/logger"
	"github.com/yungbote/interception-backend/internal/sse"
)

type Handlers struct {
	Health  *httpH.HealthHandler
	Runs    *httpH.RunHandler
	Configs *httpH.ConfigHandler
}

func wireHandlers(log *logger.Logger, services Services, clients Clients, reposet Repos, hub *sse.Hub) Handlers {
	log.Info("Wiring handlers...")

	checks := map[string]httpH.Pinger{}
	if reposet.DB != nil {
		checks["run_index"] = reposet.DB
	}
	if clients.EventBus != nil {
		checks["redis"] = clients.EventBus
	}

	deps := httpH.RunHandlerDeps{
		Runs:   services.Orchestrator,
		Queue:  services.Queue,
		Store:  services.Registry,
		Media:  services.Media,
		Events: hub,
	}
	if reposet.Index != nil {
		deps.Index = reposet.Index
	}

	return Handlers{
		Health:  httpH.NewHealthHandler(checks),
		Runs:    httpH.NewRunHandler(deps, log),
		Configs: httpH.NewConfigHandler(services.Definitions),
	}
}
