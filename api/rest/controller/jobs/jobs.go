package jobs

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/caesium-cloud/lumen/api/rest/respond"
	"github.com/caesium-cloud/lumen/internal/execution"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/rerun"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	m *manager.Manager
}

func New(m *manager.Manager) *Controller {
	return &Controller{m: m}
}

// Post starts a job from the request settings, or from the live settings
// when the body carries none.
func (ctrl *Controller) Post(c echo.Context) error {
	req := manager.StartJobRequest{}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return err
		}
	}

	exec, err := ctrl.m.StartJob(c.Request().Context(), req)
	if err != nil {
		return respond.Error(err)
	}

	log.Info("job started", "execution_id", exec.ID, "label", exec.Label)

	return c.JSON(http.StatusCreated, exec)
}

type ListResponse struct {
	Executions models.JobExecutions `json:"executions"`
	Total      int64                `json:"total"`
}

func (ctrl *Controller) List(c echo.Context) error {
	filter, err := parseHistoryFilter(c)
	if err != nil {
		return respond.BadRequest(err)
	}

	execs, total, err := ctrl.m.GetJobHistory(c.Request().Context(), filter)
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusOK, ListResponse{Executions: execs, Total: total})
}

func parseHistoryFilter(c echo.Context) (f execution.HistoryFilter, err error) {
	f.Label = c.QueryParam("label")

	if statuses := c.QueryParam("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			f.Statuses = append(f.Statuses, models.ExecutionStatus(strings.TrimSpace(s)))
		}
	}

	if parent := c.QueryParam("parent_id"); parent != "" {
		id, err := uuid.Parse(parent)
		if err != nil {
			return f, err
		}
		f.ParentID = &id
	}

	if limit := c.QueryParam("limit"); limit != "" {
		if f.Limit, err = strconv.Atoi(limit); err != nil {
			return f, err
		}
	}

	if offset := c.QueryParam("offset"); offset != "" {
		if f.Offset, err = strconv.Atoi(offset); err != nil {
			return f, err
		}
	}

	return f, nil
}

func (ctrl *Controller) Current(c echo.Context) error {
	status, err := ctrl.m.GetJobStatus(c.Request().Context())
	if err != nil {
		return respond.Error(err)
	}
	return c.JSON(http.StatusOK, status)
}

// Stop asks the running job to stop. With force=true in-flight work is
// cancelled and swept after the grace period; execution_id restricts a
// force stop to that execution.
func (ctrl *Controller) Stop(c echo.Context) error {
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	target := uuid.Nil
	if raw := c.QueryParam("execution_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return respond.BadRequest(err)
		}
		target = id
	}

	var (
		exec *models.JobExecution
		err  error
	)
	if force {
		exec, err = ctrl.m.ForceStopJob(c.Request().Context(), target)
	} else {
		exec, err = ctrl.m.StopJob(c.Request().Context())
	}
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusAccepted, exec)
}

func (ctrl *Controller) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.BadRequest(err)
	}

	view, err := ctrl.m.GetJob(c.Request().Context(), id)
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

	if _, err := ctrl.m.DeleteJob(c.Request().Context(), id); err != nil {
		return respond.Error(err)
	}

	return c.NoContent(http.StatusNoContent)
}

type RerunRequest struct {
	ExecutionIDs  []uuid.UUID `json:"execution_ids"`
	UseLiveConfig bool        `json:"use_live_config"`
}

type RerunResponse struct {
	Items []rerun.Item `json:"items"`
}

// Rerun queues a rerun of the execution in the path.
func (ctrl *Controller) Rerun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respond.BadRequest(err)
	}

	req := RerunRequest{}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return err
		}
	}

	return ctrl.rerun(c, []uuid.UUID{id}, req.UseLiveConfig)
}

// BulkRerun queues reruns of every listed execution in order.
func (ctrl *Controller) BulkRerun(c echo.Context) error {
	req := RerunRequest{}
	if err := c.Bind(&req); err != nil {
		return err
	}
	return ctrl.rerun(c, req.ExecutionIDs, req.UseLiveConfig)
}

func (ctrl *Controller) rerun(c echo.Context, ids []uuid.UUID, useLive bool) error {
	items, err := ctrl.m.RerunJob(c.Request().Context(), ids, useLive)
	if err != nil {
		return respond.Error(err)
	}
	return c.JSON(http.StatusAccepted, RerunResponse{Items: items})
}
