package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/shopmetrics/models"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// Health returns a handler for GET /api/v1/health.
//
// Reports page utilisation and degrades status when > 80% of pages are active.
func Health(run *Run) gin.HandlerFunc {
	return func(c *gin.Context) {
		active := 0
		if run.ActivePages != nil {
			active = run.ActivePages()
		}

		status := "healthy"
		if run.MaxPages > 0 && active > int(float64(run.MaxPages)*0.8) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:      status,
			Uptime:      time.Since(run.StartedAt).Round(time.Second).String(),
			ActivePages: active,
			MaxPages:    run.MaxPages,
			Version:     Version,
		})
	}
}
