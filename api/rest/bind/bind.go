package bind

import (
	"github.com/caesium-cloud/lumen/api/rest/controller/event"
	"github.com/caesium-cloud/lumen/api/rest/controller/export"
	"github.com/caesium-cloud/lumen/api/rest/controller/images"
	"github.com/caesium-cloud/lumen/api/rest/controller/jobs"
	"github.com/caesium-cloud/lumen/api/rest/controller/queue"
	"github.com/caesium-cloud/lumen/api/rest/controller/retries"
	"github.com/caesium-cloud/lumen/api/rest/controller/settings"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/labstack/echo/v4"
)

func All(g *echo.Group, m *manager.Manager) {
	Jobs(g, m)
	Images(g, m)

	// live settings
	{
		ctrl := settings.New(m)
		g.GET("/config", ctrl.Get)
		g.PUT("/config", ctrl.Put)
	}

	g.GET("/export", export.New(m).Get)
	g.GET("/events", event.New(m.Bus()).Stream)
}

func Jobs(g *echo.Group, m *manager.Manager) {
	ctrl := jobs.New(m)

	g.POST("/jobs", ctrl.Post)
	g.GET("/jobs", ctrl.List)
	g.GET("/jobs/current", ctrl.Current)
	g.DELETE("/jobs/current", ctrl.Stop)
	g.POST("/jobs/rerun", ctrl.BulkRerun)
	g.GET("/jobs/:id", ctrl.Get)
	g.DELETE("/jobs/:id", ctrl.Delete)
	g.POST("/jobs/:id/rerun", ctrl.Rerun)

	// lane
	{
		q := queue.New(m)
		g.GET("/queue", q.List)
		g.DELETE("/queue/:id", q.Cancel)
	}
}

func Images(g *echo.Group, m *manager.Manager) {
	ctrl := images.New(m)

	g.GET("/images", ctrl.List)
	g.GET("/images/:id", ctrl.Get)
	g.PATCH("/images/:id", ctrl.Patch)
	g.DELETE("/images/:id", ctrl.Delete)

	// retries
	{
		r := retries.New(m)
		g.POST("/retries", r.Post)
		g.GET("/retries", r.Status)
	}
}
