package rest

import (
	"github.com/caesium-cloud/lumen/api/rest/bind"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/labstack/echo/v4"
)

// Bind the REST endpoints to the versioned endpoint group.
func Bind(group *echo.Group, m *manager.Manager) {
	bind.All(group, m)
}
