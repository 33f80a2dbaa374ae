package queue

import (
	"net/http"

	"github.com/caesium-cloud/lumen/api/rest/respond"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/internal/rerun"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	m *manager.Manager
}

func New(m *manager.Manager) *Controller {
	return &Controller{m: m}
}

type ListResponse struct {
	Items []rerun.Item `json:"items"`
}

func (ctrl *Controller) List(c echo.Context) error {
	return c.JSON(http.StatusOK, ListResponse{Items: ctrl.m.Queue()})
}

// Cancel removes a waiting item from the lane.
func (ctrl *Controller) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.BadRequest(err)
	}

	item, err := ctrl.m.CancelRerun(c.Request().Context(), id)
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusOK, item)
}
