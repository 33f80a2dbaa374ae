package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/failure"
	"github.com/caesium-cloud/lumen/internal/metrics"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/postprocess"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
)

// Runner executes the post-processing steps for one image. It holds no
// generator or quality checker, so nothing it runs can trigger either.
type Runner struct {
	remover   BackgroundRemover
	describer Describer
	store     *postprocess.Store
}

func NewRunner(store *postprocess.Store, remover BackgroundRemover, describer Describer) *Runner {
	return &Runner{
		remover:   remover,
		describer: describer,
		store:     store,
	}
}

// Job is one image's post-processing request.
type Job struct {
	ExecutionID uuid.UUID
	ImageID     uuid.UUID
	Source      []byte
	Prompt      string
	Processing  config.Processing
	Metadata    bool
	Policy      Policy
	Timeouts    Timeouts
	// Mode labels metrics and logs ("job" or "retry").
	Mode string
}

// Outcome reports how far a job got.
type Outcome struct {
	FinalPath    string
	Metadata     *models.ImageMetadata
	Failed       Step
	Interrupted  bool
	SoftFailures []Step
	Err          error
}

// OK reports whether the image may be approved.
func (o Outcome) OK() bool {
	return o.Failed == "" && !o.Interrupted
}

// Reason returns the structured qc_reason for a failed outcome.
func (o Outcome) Reason() string {
	if o.Interrupted {
		return failure.Reason(failure.Interrupted)
	}
	return failure.Reason(string(o.Failed))
}

// Enabled reports whether step is switched on for job.
func (j Job) Enabled(step Step) bool {
	switch step {
	case StepEnhancement:
		return j.Processing.Enhancement.Enabled
	case StepRemoveBackground:
		return j.Processing.RemoveBackground.Enabled
	case StepTrim:
		return j.Processing.Trim.Enabled
	case StepConvert:
		return j.Processing.Convert.Enabled
	case StepSaveFinal:
		return true
	case StepMetadata:
		return j.Metadata
	}
	return false
}

// Run decodes the source and applies every enabled step in ProcessingOrder.
// A failing hard step stops the run; a failing soft step is recorded and the
// previous artifact carries on.
func (r *Runner) Run(ctx context.Context, job Job) Outcome {
	var out Outcome

	art, err := postprocess.Decode(job.Source)
	if err != nil {
		r.recordFailure(job, StepDownload, Hard, err)
		out.Failed, out.Err = StepDownload, err
		return out
	}

	for _, step := range ProcessingOrder {
		if !job.Enabled(step) {
			continue
		}
		if ctx.Err() != nil {
			out.Interrupted, out.Err = true, ctx.Err()
			return out
		}

		next, err := r.apply(ctx, job, step, art, &out)
		if err != nil {
			if ctx.Err() != nil {
				out.Interrupted, out.Err = true, ctx.Err()
				return out
			}

			mode := job.Policy.Mode(step)
			r.recordFailure(job, step, mode, err)
			if mode == Hard {
				out.Failed, out.Err = step, err
				return out
			}
			out.SoftFailures = append(out.SoftFailures, step)
			continue
		}
		art = next
	}

	return out
}

func (r *Runner) apply(ctx context.Context, job Job, step Step, art *postprocess.Artifact, out *Outcome) (*postprocess.Artifact, error) {
	switch step {
	case StepEnhancement:
		return postprocess.Enhance(art, job.Processing.Enhancement)

	case StepRemoveBackground:
		if r.remover == nil {
			return nil, errors.New("no background remover configured")
		}
		data, err := art.Encode()
		if err != nil {
			return nil, err
		}
		opCtx, cancel := job.Timeouts.Context(ctx, OpBackgroundRemoval)
		defer cancel()
		cut, err := r.remover.RemoveBackground(opCtx, data, job.Processing.RemoveBackground.Size)
		if err != nil {
			return nil, err
		}
		next, err := postprocess.Decode(cut)
		if err != nil {
			return nil, err
		}
		next.Format, next.Quality = art.Format, art.Quality
		return next, nil

	case StepTrim:
		return postprocess.Trim(art)

	case StepConvert:
		return postprocess.Convert(art, job.Processing.Convert)

	case StepSaveFinal:
		path, err := r.store.SaveFinal(job.ExecutionID, job.ImageID, art)
		if err != nil {
			return nil, err
		}
		out.FinalPath = path
		return art, nil

	case StepMetadata:
		if r.describer == nil {
			return nil, errors.New("no describer configured")
		}
		data, err := art.Encode()
		if err != nil {
			return nil, err
		}
		opCtx, cancel := job.Timeouts.Context(ctx, OpDescribe)
		defer cancel()
		meta, err := r.describer.Describe(opCtx, DescribeRequest{Image: data, Prompt: job.Prompt})
		if err != nil {
			return nil, err
		}
		out.Metadata = &meta
		return art, nil
	}

	return nil, fmt.Errorf("unknown step %q", step)
}

func (r *Runner) recordFailure(job Job, step Step, mode Mode, err error) {
	metrics.StepFailuresTotal.WithLabelValues(string(step), string(mode)).Inc()
	log.Warn(
		"post-processing step failed",
		"execution_id", job.ExecutionID,
		"image_id", job.ImageID,
		"step", step,
		"mode", mode,
		"run", job.Mode,
		"error", err,
	)
}
