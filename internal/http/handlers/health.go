package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by anything with a cheap liveness probe.
type Pinger interface {
	Ping() error
}

type HealthHandler struct {
	deps map[string]Pinger
}

func NewHealthHandler(deps map[string]Pinger) *HealthHandler { return &HealthHandler{deps: deps} }

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /readyz
func (h *HealthHandler) Ready(c *gin.Context) {
	checks := gin.H{}
	ready := true
	for name, p := range h.deps {
		if p == nil {
			continue
		}
		if err := p.Ping(); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
