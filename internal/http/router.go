package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/interception-backend/internal/http/handlers"
	httpMW "github.com/yungbote/interception-backend/internal/http/middleware"
	"github.com/yungbote/interception-backend/internal/observability"
	"github.com/yungbote/interception-backend/internal/platform/logger"
)

type RouterConfig struct {
	ServiceName string
	Log         *logger.Logger
	Metrics     *observability.Metrics

	HealthHandler *httpH.HealthHandler
	RunHandler    *httpH.RunHandler
	ConfigHandler *httpH.ConfigHandler

	// ExposeMetrics mounts GET /metrics on this router.
	ExposeMetrics bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.RequestLogger(cfg.Log))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.ExposeMetrics && cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	{
		// Runs
		if cfg.RunHandler != nil {
			api.POST("/runs", cfg.RunHandler.CreateRun)
			api.POST("/runs/stream", cfg.RunHandler.StreamRun)
			api.GET("/runs", cfg.RunHandler.ListRuns)
			api.GET("/runs/:id", cfg.RunHandler.GetRun)
			api.GET("/runs/:id/events", cfg.RunHandler.StreamEvents)
			api.GET("/runs/:id/files/:name", cfg.RunHandler.GetFile)
			api.GET("/runs/:id/media/:name", cfg.RunHandler.GetMedia)
		}

		// Configs
		if cfg.ConfigHandler != nil {
			api.GET("/configs", cfg.ConfigHandler.ListConfigs)
			api.GET("/configs/:name", cfg.ConfigHandler.GetConfig)
			api.POST("/configs/reload", cfg.ConfigHandler.Reload)
		}
	}

	return r
}
