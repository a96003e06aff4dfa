package app

import (
	apphttp "github.com/yungbote/interception-backend/internal/http"
	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

const serviceName = "interception-backend"

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *apphttp.Server {
	return apphttp.NewServer(apphttp.RouterConfig{
		ServiceName:   serviceName,
		Log:           log,
		Metrics:       metrics,
		HealthHandler: handlers.Health,
		RunHandler:    handlers.Runs,
		ConfigHandler: handlers.Configs,
		// A dedicated METRICS_ADDR listener replaces the /metrics route.
		ExposeMetrics: cfg.MetricsAddr == "",
	})
}
