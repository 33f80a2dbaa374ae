package export

import (
	"net/http"
	"strings"

	"github.com/caesium-cloud/lumen/api/rest/respond"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	m *manager.Manager
}

func New(m *manager.Manager) *Controller {
	return &Controller{m: m}
}

// Get returns executions with their images. execution_ids narrows the
// export to a comma separated list.
func (ctrl *Controller) Get(c echo.Context) error {
	var ids []uuid.UUID
	if raw := c.QueryParam("execution_ids"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			id, err := uuid.Parse(strings.TrimSpace(s))
			if err != nil {
				return respond.BadRequest(err)
			}
			ids = append(ids, id)
		}
	}

	views, err := ctrl.m.ExportView(c.Request().Context(), ids)
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusOK, views)
}
