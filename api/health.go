package api

import (
	"net/http"
	"time"

	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/labstack/echo/v4"
)

var startedAt = time.Now()

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status     Status        `json:"status"`
	Uptime     time.Duration `json:"uptime"`
	Busy       bool          `json:"busy"`
	QueueDepth int           `json:"queue_depth"`
}

// Health reports uptime and whether the job slot is held.
func Health(m *manager.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := HealthResponse{
			Status: Healthy,
			Uptime: time.Since(startedAt),
		}

		status, err := m.GetJobStatus(c.Request().Context())
		if err != nil {
			resp.Status = Degraded
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp.Busy = status.Holder != nil
		resp.QueueDepth = status.QueueDepth

		return c.JSON(http.StatusOK, resp)
	}
}

// Status enumerates the health statuses of lumen.
type Status string

const (
	Healthy Status = "healthy"
	// Degraded means the store could not be read.
	Degraded Status = "degraded"
)
