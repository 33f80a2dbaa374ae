package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/failure"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/metrics"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// unit runs one generation unit: prompt, generate, persist the raw output,
// then either quality-check and process, or process directly.
//
// Only ledger write failures are fatal to the run. Everything else is
// recorded on the image (or, when no image exists yet, logged and counted).
func (c *Controller) unit(r *run, index int) {
	if r.stopping.Load() || r.ctx.Err() != nil {
		return
	}

	id := r.exec.ID
	writeCtx := context.WithoutCancel(r.ctx)

	prompt, err := c.prompt(r, index)
	if err != nil {
		c.generationFailed(r, index, "prompt", err)
		return
	}

	req := pipeline.GenerateRequestFor(r.settings.Generation, prompt, index)
	genCtx, cancel := r.timeouts.Context(r.ctx, pipeline.OpGeneration)
	data, err := c.collab.Generator.Generate(genCtx, req)
	cancel()
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		c.generationFailed(r, index, "generation", err)
		return
	}

	img := &models.GeneratedImage{
		ID:                 uuid.New(),
		ExecutionID:        id,
		GenerationIndex:    index,
		GenerationPrompt:   prompt,
		Seed:               req.Seed,
		Width:              req.Width,
		Height:             req.Height,
		ProcessingSettings: datatypes.NewJSONType(r.settings.Processing),
	}

	rawPath, err := c.files.SaveRaw(id, img.ID, data)
	if err != nil {
		log.Warn("failed to store generated image", "execution_id", id, "generation_index", index, "error", err)
		img.QCStatus = image.QCFailed
		img.QCReason = reason(failure.Reason(string(pipeline.StepDownload)))
		r.completed.Add(1)
		c.record(writeCtx, r, img)
		return
	}
	img.SourceImagePath = &rawPath

	if r.settings.QualityCheck.Enabled {
		c.checkedUnit(r, img, data)
		return
	}

	r.completed.Add(1)
	c.publishProgress(r)

	outcome := c.process(r, img, data)
	if outcome.Interrupted {
		return
	}
	applyOutcome(img, outcome)
	c.record(writeCtx, r, img)
}

// checkedUnit records the image as pending, asks the quality model for a
// verdict, and settles the record.
func (c *Controller) checkedUnit(r *run, img *models.GeneratedImage, data []byte) {
	writeCtx := context.WithoutCancel(r.ctx)

	if r.forced.Load() {
		return
	}

	img.QCStatus = image.Pending
	r.pendingQC.Add(1)
	r.completed.Add(1)
	defer func() {
		r.pendingQC.Add(-1)
		c.publishProgress(r)
	}()

	if !c.record(writeCtx, r, img) {
		return
	}
	c.publishProgress(r)

	qcCtx, cancel := r.timeouts.Context(r.ctx, pipeline.OpQualityCheck)
	verdict, err := c.collab.QualityChecker.Check(qcCtx, pipeline.CheckRequest{
		Image:    data,
		Prompt:   img.GenerationPrompt,
		Criteria: r.settings.QualityCheck.Criteria,
	})
	cancel()

	switch {
	case r.ctx.Err() != nil:
		// swept by finish
		return
	case err != nil:
		if !errors.Is(err, pipeline.ErrMalformedVerdict) {
			log.Warn("quality check failed", "execution_id", img.ExecutionID, "image_id", img.ID, "error", err)
		}
		c.settle(r, img, image.QCFailed, ledger.Update{Reason: reason(failure.Reason(string(pipeline.StepQC)))})
		return
	case !verdict.Passed:
		c.settle(r, img, image.QCFailed, ledger.Update{Reason: reason(verdict.Reason)})
		return
	}

	outcome := c.process(r, img, data)
	if outcome.Interrupted {
		return
	}
	if !outcome.OK() {
		c.settle(r, img, image.QCFailed, ledger.Update{Reason: reason(outcome.Reason())})
		return
	}

	upd := ledger.Update{Metadata: outcome.Metadata}
	if outcome.FinalPath != "" {
		upd.FinalImagePath = &outcome.FinalPath
	}
	c.settle(r, img, image.Approved, upd)
}

func (c *Controller) process(r *run, img *models.GeneratedImage, data []byte) pipeline.Outcome {
	return c.runner.Run(r.ctx, pipeline.Job{
		ExecutionID: img.ExecutionID,
		ImageID:     img.ID,
		Source:      data,
		Prompt:      img.GenerationPrompt,
		Processing:  r.settings.Processing,
		Metadata:    r.settings.Processing.Metadata.Enabled,
		Policy:      pipeline.DefaultPolicy(),
		Timeouts:    r.timeouts,
		Mode:        "job",
	})
}

func (c *Controller) prompt(r *run, index int) (string, error) {
	templates := r.settings.Prompts.Templates
	template := templates[index%len(templates)]
	if !r.settings.Prompts.Generate || c.collab.Prompter == nil {
		return template, nil
	}

	ctx, cancel := r.timeouts.Context(r.ctx, pipeline.OpPrompt)
	defer cancel()
	return c.collab.Prompter.Prompt(ctx, pipeline.PromptRequest{
		Template: template,
		Context:  r.settings.Prompts.Context,
		Index:    index,
	})
}

// generationFailed accounts for a unit that produced no image. There is no
// record to attach a reason to, so the failure only reaches logs, events
// and metrics.
func (c *Controller) generationFailed(r *run, index int, stage string, err error) {
	if r.ctx.Err() != nil {
		return
	}
	r.completed.Add(1)
	metrics.GenerationFailuresTotal.Inc()
	log.Warn(
		"generation unit failed",
		"execution_id", r.exec.ID,
		"generation_index", index,
		"stage", stage,
		"error", err,
	)
	event.Emit(c.bus, event.TypeGenerationFailed, r.exec.ID, uuid.Nil, map[string]any{
		"generation_index": index,
		"stage":            stage,
	})
	c.publishProgress(r)
}

func (c *Controller) record(ctx context.Context, r *run, img *models.GeneratedImage) bool {
	img.CreatedAt = time.Now().UTC()
	if err := c.ledger.Create(ctx, img); err != nil {
		r.fail(fmt.Errorf("record image: %w", err))
		return false
	}
	return true
}

func (c *Controller) settle(r *run, img *models.GeneratedImage, to image.Status, upd ledger.Update) {
	ctx := context.WithoutCancel(r.ctx)
	if _, err := c.ledger.Transition(ctx, img.ID, image.Pending, to, image.ActorSystem, upd); err != nil {
		if errors.Is(err, ledger.ErrStatusConflict) {
			// already swept by a force stop
			log.Warn("image settled concurrently", "image_id", img.ID, "status", to)
			return
		}
		r.fail(fmt.Errorf("settle image: %w", err))
	}
}

func (c *Controller) publishProgress(r *run) {
	event.Emit(c.bus, event.TypeExecutionProgress, r.exec.ID, uuid.Nil, map[string]int{
		"progress":  Progress(r.counters()),
		"completed": int(r.completed.Load()),
		"total":     r.total,
	})
}

func applyOutcome(img *models.GeneratedImage, outcome pipeline.Outcome) {
	if !outcome.OK() {
		img.QCStatus = image.QCFailed
		img.QCReason = reason(outcome.Reason())
		return
	}
	img.QCStatus = image.Approved
	if outcome.FinalPath != "" {
		img.FinalImagePath = &outcome.FinalPath
	}
	if outcome.Metadata != nil {
		meta := datatypes.NewJSONType(*outcome.Metadata)
		img.Metadata = &meta
	}
}

func reason(s string) *string {
	return &s
}
