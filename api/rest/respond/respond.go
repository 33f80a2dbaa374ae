// Package respond maps domain errors onto HTTP errors.
package respond

import (
	"errors"
	"net/http"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/execution"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/internal/rerun"
	"github.com/caesium-cloud/lumen/internal/retry"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/labstack/echo/v4"
)

var (
	badRequest = []error{
		config.ErrInvalid,
		retry.ErrEmptySelection,
		retry.ErrMixedExecutions,
		rerun.ErrNoParents,
		image.ErrInvalidTransition,
		ledger.ErrReasonRequired,
		manager.ErrUnsupportedSet,
	}
	notFound = []error{
		execution.ErrNotFound,
		ledger.ErrNotFound,
		snapshot.ErrNotFound,
		rerun.ErrNotQueued,
	}
	conflict = []error{
		execution.ErrAlreadyRunning,
		execution.ErrNotRunning,
		execution.ErrActive,
		rerun.ErrParentActive,
		ledger.ErrStatusConflict,
		retry.ErrNothingToRetry,
		manager.ErrQueued,
	}
)

// Error converts err into an *echo.HTTPError carrying the error text.
func Error(err error) error {
	if err == nil {
		return nil
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	code := http.StatusInternalServerError
	switch {
	case matches(err, badRequest):
		code = http.StatusBadRequest
	case matches(err, notFound):
		code = http.StatusNotFound
	case matches(err, conflict):
		code = http.StatusConflict
	}

	if code == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		return echo.NewHTTPError(code, http.StatusText(code)).SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

// BadRequest wraps a request parsing error.
func BadRequest(err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
}

func matches(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
