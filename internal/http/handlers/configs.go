package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/interception-backend/internal/http/response"
	"github.com/yungbote/interception-backend/internal/pipeline/defs"
)

type ConfigCatalog interface {
	ListConfigs() []string
	Config(name string) (*defs.ResolvedConfig, bool)
	Skipped() []defs.SkippedFile
	Reload() error
}

type ConfigHandler struct {
	catalog ConfigCatalog
}

func NewConfigHandler(catalog ConfigCatalog) *ConfigHandler {
	return &ConfigHandler{catalog: catalog}
}

type configSummary struct {
	Name             string                `json:"name"`
	DisplayName      map[string]string     `json:"display_name,omitempty"`
	Description      map[string]string     `json:"description,omitempty"`
	Pipeline         string                `json:"pipeline"`
	MediaPreferences defs.MediaPreferences `json:"media_preferences"`
	OutputStage      bool                  `json:"output_stage"`
	SystemPipeline   bool                  `json:"system_pipeline"`
	Iterations       int                   `json:"iterations"`
}

// GET /api/configs
func (h *ConfigHandler) ListConfigs(c *gin.Context) {
	names := h.catalog.ListConfigs()
	out := make([]configSummary, 0, len(names))
	for _, name := range names {
		cfg, ok := h.catalog.Config(name)
		if !ok {
			continue
		}
		out = append(out, configSummary{
			Name:             cfg.Name,
			DisplayName:      cfg.DisplayName,
			Description:      cfg.Description,
			Pipeline:         cfg.PipelineName,
			MediaPreferences: cfg.MediaPreferences,
			OutputStage:      cfg.IsOutputStage(),
			SystemPipeline:   cfg.IsSystemPipeline(),
			Iterations:       cfg.Iterations(),
		})
	}
	response.RespondOK(c, gin.H{"configs": out, "skipped": h.catalog.Skipped()})
}

// GET /api/configs/:name
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	cfg, ok := h.catalog.Config(c.Param("name"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "config_not_found", errors.New("unknown config "+c.Param("name")))
		return
	}
	response.RespondOK(c, gin.H{"config": cfg})
}

// POST /api/configs/reload
func (h *ConfigHandler) Reload(c *gin.Context) {
	if err := h.catalog.Reload(); err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "reload_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"configs": len(h.catalog.ListConfigs()), "skipped": h.catalog.Skipped()})
}
