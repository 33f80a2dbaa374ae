package images

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/caesium-cloud/lumen/api/rest/respond"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/ledger"
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

type ListResponse struct {
	Images []manager.ImageView `json:"images"`
	Total  int64               `json:"total"`
}

func (ctrl *Controller) List(c echo.Context) error {
	req, err := parseListRequest(c)
	if err != nil {
		return respond.BadRequest(err)
	}

	views, total, err := ctrl.m.ListImages(c.Request().Context(), req)
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusOK, ListResponse{Images: views, Total: total})
}

func parseListRequest(c echo.Context) (req ledger.ListRequest, err error) {
	if execID := c.QueryParam("execution_id"); execID != "" {
		if req.ExecutionID, err = uuid.Parse(execID); err != nil {
			return req, err
		}
	}

	if statuses := c.QueryParam("status"); statuses != "" {
		for _, raw := range strings.Split(statuses, ",") {
			s := image.Status(strings.TrimSpace(raw))
			if !image.Valid(s) {
				return req, fmt.Errorf("unknown status %q", raw)
			}
			req.Statuses = append(req.Statuses, s)
		}
	}

	if limit := c.QueryParam("limit"); limit != "" {
		if req.Limit, err = strconv.Atoi(limit); err != nil {
			return req, err
		}
	}

	if offset := c.QueryParam("offset"); offset != "" {
		if req.Offset, err = strconv.Atoi(offset); err != nil {
			return req, err
		}
	}

	req.Descending = strings.EqualFold(c.QueryParam("order"), "desc")

	return req, nil
}

func (ctrl *Controller) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.BadRequest(err)
	}

	view, err := ctrl.m.GetImage(c.Request().Context(), id)
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusOK, view)
}

type PatchRequest struct {
	Status image.Status `json:"status"`
}

// Patch applies a manual status change. Only approved and retry_pending
// can be requested.
func (ctrl *Controller) Patch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.BadRequest(err)
	}

	req := PatchRequest{}
	if err := c.Bind(&req); err != nil {
		return err
	}

	view, err := ctrl.m.UpdateImageStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusOK, view)
}

func (ctrl *Controller) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.BadRequest(err)
	}

	if _, err := ctrl.m.DeleteImage(c.Request().Context(), id); err != nil {
		return respond.Error(err)
	}

	return c.NoContent(http.StatusNoContent)
}
