package settings

import (
	"net/http"

	"github.com/caesium-cloud/lumen/api/rest/respond"
	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	m *manager.Manager
}

func New(m *manager.Manager) *Controller {
	return &Controller{m: m}
}

// Get returns the live settings with credentials removed.
func (ctrl *Controller) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.m.LiveSettingsRedacted())
}

// Put replaces the live settings. Credentials omitted from the body are
// carried over from the current settings.
func (ctrl *Controller) Put(c echo.Context) error {
	next := &config.Settings{}
	if err := c.Bind(next); err != nil {
		return err
	}

	if next.Credentials == nil {
		next.Credentials = ctrl.m.LiveSettings().Credentials
	}

	if err := ctrl.m.SetLiveSettings(c.Request().Context(), next); err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusOK, ctrl.m.LiveSettingsRedacted())
}
