// Package failure maps raw image failure reasons to stable labels and
// explanations. Classification is pure and never fails.
package failure

import (
	"strings"

	"github.com/caesium-cloud/lumen/internal/models"
)

const (
	processingPrefix = "processing_failed:"

	// LabelQCFailed is used for genuine model rejections and unknown reasons.
	LabelQCFailed = "QC Failed"

	// Interrupted marks images swept after a force stop or crash.
	Interrupted = "interrupted"
)

type entry struct {
	label       string
	explanation string
}

var steps = map[string]entry{
	"download": {
		label:       "Download failed",
		explanation: "The generated image could not be stored locally, so no post-processing ran.",
	},
	"remove_bg": {
		label:       "Background removal failed",
		explanation: "The background removal service returned an error; the image was kept with its original background.",
	},
	"trim": {
		label:       "Trim failed",
		explanation: "Trimming the transparent border failed; the image was kept untrimmed.",
	},
	"enhancement": {
		label:       "Enhancement failed",
		explanation: "Image enhancement failed; the image was kept un-enhanced.",
	},
	"convert": {
		label:       "Conversion failed",
		explanation: "Converting to the requested format failed; the image was kept in its source format.",
	},
	"save_final": {
		label:       "Save failed",
		explanation: "The final image could not be written to the output directory.",
	},
	"metadata": {
		label:       "Metadata generation failed",
		explanation: "The metadata model could not describe this image.",
	},
	"qc": {
		label:       "Quality check error",
		explanation: "The quality check model did not return a usable verdict.",
	},
	Interrupted: {
		label:       "Processing interrupted",
		explanation: "Processing stopped before this image finished; retry it to complete post-processing.",
	},
}

var statusLabels = map[models.ImageStatus]string{
	models.ImageStatusPending:      "Awaiting QC",
	models.ImageStatusApproved:     "Approved",
	models.ImageStatusRetryPending: "Queued for retry",
	models.ImageStatusProcessing:   "Processing",
}

// Reason builds the structured reason recorded for a failed step.
func Reason(step string) string {
	return processingPrefix + step
}

// StepOf extracts the step from a structured reason. ok is false for
// free-form model rejections.
func StepOf(reason string) (step string, ok bool) {
	if !strings.HasPrefix(reason, processingPrefix) {
		return "", false
	}
	step = strings.TrimPrefix(reason, processingPrefix)
	if _, known := steps[step]; !known {
		return "", false
	}
	return step, true
}

// Technical reports whether the reason is a technical fault rather than a
// content rejection by the quality check model.
func Technical(reason string) bool {
	_, ok := StepOf(reason)
	return ok
}

// Classify returns the user-facing label and, where available, an
// explanation for an image status and its recorded reason.
func Classify(reason string, status models.ImageStatus) (label string, explanation *string) {
	if status != models.ImageStatusQCFailed && status != models.ImageStatusRetryFailed {
		if l, ok := statusLabels[status]; ok {
			return l, nil
		}
		return string(status), nil
	}

	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return LabelQCFailed, nil
	}

	if step, ok := StepOf(trimmed); ok {
		e := steps[step]
		text := e.explanation
		return e.label, &text
	}

	return LabelQCFailed, &reason
}
