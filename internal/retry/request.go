package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/google/uuid"
)

var (
	ErrEmptySelection  = errors.New("retry batch selects no images")
	ErrMixedExecutions = errors.New("original settings require images from a single execution")
	ErrNothingToRetry  = errors.New("none of the selected images can be retried")
)

// Settings selects where a batch takes its processing settings from. It is
// either Original or Modified.
type Settings interface {
	settingsMode() string
}

// Original reuses the processing section of each image's execution
// snapshot.
type Original struct{}

// Modified applies the same explicit processing settings to every image in
// the batch. Nil Timeouts take the live settings' timeouts.
type Modified struct {
	Processing config.Processing `json:"processing"`
	Timeouts   *config.Timeouts  `json:"timeouts,omitempty"`
}

func (Original) settingsMode() string { return "original" }
func (Modified) settingsMode() string { return "modified" }

// ModeName returns "original" or "modified".
func ModeName(s Settings) string {
	if s == nil {
		return Original{}.settingsMode()
	}
	return s.settingsMode()
}

func isOriginal(s Settings) bool {
	switch s.(type) {
	case nil, Original, *Original:
		return true
	}
	return false
}

// Request is a transient retry batch request.
type Request struct {
	ImageIDs           []uuid.UUID
	Settings           Settings
	RegenerateMetadata bool
	Policy             pipeline.Policy
}

func (r Request) validate() error {
	if len(r.ImageIDs) == 0 {
		return ErrEmptySelection
	}
	return nil
}

// checkSingleExecution enforces the original-mode constraint.
func checkSingleExecution(images models.GeneratedImages) (uuid.UUID, error) {
	var execID uuid.UUID
	for i, img := range images {
		if i == 0 {
			execID = img.ExecutionID
			continue
		}
		if img.ExecutionID != execID {
			return uuid.Nil, ErrMixedExecutions
		}
	}
	return execID, nil
}

// ResolveSettings returns the effective processing settings for images of
// executionID under mode.
func ResolveSettings(ctx context.Context, snaps *snapshot.Store, executionID uuid.UUID, mode Settings) (config.Processing, error) {
	switch m := mode.(type) {
	case nil, Original, *Original:
		settings, err := snaps.Settings(ctx, executionID)
		if err != nil {
			return config.Processing{}, fmt.Errorf("load snapshot for %s: %w", executionID, err)
		}
		return settings.Processing, nil
	case Modified:
		return m.Processing, nil
	case *Modified:
		if m == nil {
			return config.Processing{}, errors.New("modified settings are nil")
		}
		return m.Processing, nil
	}
	return config.Processing{}, fmt.Errorf("unknown settings mode %T", mode)
}

// ResolveTimeouts returns the operation timeouts a batch runs with: the
// snapshot's in original mode, else the request's own or live.
func ResolveTimeouts(ctx context.Context, snaps *snapshot.Store, executionID uuid.UUID, mode Settings, live func() config.Timeouts) (config.Timeouts, error) {
	var override *config.Timeouts
	switch m := mode.(type) {
	case nil, Original, *Original:
		settings, err := snaps.Settings(ctx, executionID)
		if err != nil {
			return config.Timeouts{}, fmt.Errorf("load snapshot for %s: %w", executionID, err)
		}
		return settings.Timeouts, nil
	case Modified:
		override = m.Timeouts
	case *Modified:
		if m != nil {
			override = m.Timeouts
		}
	}
	if override != nil {
		return *override, nil
	}
	if live != nil {
		return live(), nil
	}
	return config.Timeouts{}, nil
}
