package retries

import (
	"fmt"
	"net/http"

	"github.com/caesium-cloud/lumen/api/rest/respond"
	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/internal/retry"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	m *manager.Manager
}

func New(m *manager.Manager) *Controller {
	return &Controller{m: m}
}

// PostRequest selects failed images for post-processing again. Settings is
// "original" (the default) or "modified", in which case Processing applies
// to every image.
type PostRequest struct {
	ImageIDs           []uuid.UUID        `json:"image_ids"`
	Settings           string             `json:"settings,omitempty"`
	Processing         *config.Processing `json:"processing,omitempty"`
	Timeouts           *config.Timeouts   `json:"timeouts,omitempty"`
	RegenerateMetadata bool               `json:"regenerate_metadata,omitempty"`
	Policy             map[string]string  `json:"policy,omitempty"`
}

func (r PostRequest) toRetry() (retry.Request, error) {
	policy, err := pipeline.ParsePolicy(r.Policy)
	if err != nil {
		return retry.Request{}, err
	}

	req := retry.Request{
		ImageIDs:           r.ImageIDs,
		RegenerateMetadata: r.RegenerateMetadata,
		Policy:             policy,
	}

	switch r.Settings {
	case "", "original":
		if r.Processing != nil || r.Timeouts != nil {
			return req, fmt.Errorf("processing and timeout settings require settings=modified")
		}
		req.Settings = retry.Original{}
	case "modified":
		if r.Processing == nil {
			return req, fmt.Errorf("settings=modified requires processing settings")
		}
		req.Settings = retry.Modified{Processing: *r.Processing, Timeouts: r.Timeouts}
	default:
		return req, fmt.Errorf("unknown settings mode %q", r.Settings)
	}

	return req, nil
}

type PostResponse struct {
	*manager.RetryAdmission
	Started bool `json:"started"`
}

// Post admits a retry batch. It starts immediately when the slot is free
// and otherwise waits in the lane behind earlier work.
func (ctrl *Controller) Post(c echo.Context) error {
	body := PostRequest{}
	if err := c.Bind(&body); err != nil {
		return err
	}

	req, err := body.toRetry()
	if err != nil {
		return respond.BadRequest(err)
	}

	admission, err := ctrl.m.RetryBatch(c.Request().Context(), req)
	if err != nil {
		return respond.Error(err)
	}

	return c.JSON(http.StatusAccepted, PostResponse{RetryAdmission: admission, Started: admission.Started()})
}

func (ctrl *Controller) Status(c echo.Context) error {
	status, err := ctrl.m.GetRetryQueueStatus(c.Request().Context())
	if err != nil {
		return respond.Error(err)
	}
	return c.JSON(http.StatusOK, status)
}
