package response

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/interception-backend/internal/platform/apierr"
)

// RespondPipelineError writes err with the status its pipeline kind maps to.
// extra is merged into the body next to "error".
func RespondPipelineError(c *gin.Context, err error, extra gin.H) {
	ae := apierr.FromPipeline(err)
	body := gin.H{"error": APIError{Message: ae.Error(), Code: ae.Code, Details: ae.Details}}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(ae.Status, body)
}
