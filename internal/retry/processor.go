// Package retry re-runs post-processing for images that already failed.
// A Processor holds no generator and no quality checker: a retry batch can
// only decode the stored raw output and walk it through the step runner.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/internal/postprocess"
	"github.com/caesium-cloud/lumen/internal/slot"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/caesium-cloud/lumen/internal/worker"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
)

// Batch is a validated request whose images have been moved to
// retry_pending. It runs once it holds the job slot.
type Batch struct {
	ID                 uuid.UUID         `json:"id"`
	Mode               string            `json:"mode"`
	ImageIDs           []uuid.UUID       `json:"image_ids"`
	Skipped            []uuid.UUID       `json:"skipped,omitempty"`
	Processing         config.Processing `json:"processing"`
	RegenerateMetadata bool              `json:"regenerate_metadata"`
	Timeouts           config.Timeouts   `json:"timeouts"`
	Policy             pipeline.Policy   `json:"-"`
	SubmittedAt        time.Time         `json:"submitted_at"`
}

// Result tallies a finished batch.
type Result struct {
	BatchID     uuid.UUID `json:"batch_id"`
	Approved    int       `json:"approved"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Interrupted int       `json:"interrupted"`
}

// Progress is the live view of the batch holding the slot.
type Progress struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Approved  int       `json:"approved"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
}

type Deps struct {
	Ledger    *ledger.Ledger
	Snapshots *snapshot.Store
	Files     *postprocess.Store
	Remover   pipeline.BackgroundRemover
	Describer pipeline.Describer
	Slot      *slot.Slot
	Bus       event.Bus
	// LiveTimeouts supplies timeouts to modified batches that carry none.
	LiveTimeouts func() config.Timeouts
}

type Config struct {
	Concurrency     int
	FallbackTimeout time.Duration
}

type Processor struct {
	ledger    *ledger.Ledger
	snapshots *snapshot.Store
	files     *postprocess.Store
	runner    *pipeline.Runner
	slot      *slot.Slot
	bus       event.Bus
	live      func() config.Timeouts
	cfg       Config

	baseCtx context.Context
	cancel  context.CancelFunc

	current atomic.Pointer[tally]
	wg      sync.WaitGroup
}

type tally struct {
	batch     *Batch
	started   time.Time
	done      atomic.Int64
	approved  atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	interrupt atomic.Int64
}

func NewProcessor(deps Deps, cfg Config) *Processor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		ledger:    deps.Ledger,
		snapshots: deps.Snapshots,
		files:     deps.Files,
		runner:    pipeline.NewRunner(deps.Files, deps.Remover, deps.Describer),
		slot:      deps.Slot,
		bus:       deps.Bus,
		live:      deps.LiveTimeouts,
		cfg:       cfg,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Prepare validates req, resolves the effective settings, and claims every
// selected failed image for retry by moving it to retry_pending. Images that
// are not in a failed status are reported as skipped.
func (p *Processor) Prepare(ctx context.Context, req Request) (*Batch, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ids := dedupe(req.ImageIDs)
	images, err := p.ledger.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	var execID uuid.UUID
	if isOriginal(req.Settings) {
		if execID, err = checkSingleExecution(images); err != nil {
			return nil, err
		}
	}

	processing, err := ResolveSettings(ctx, p.snapshots, execID, req.Settings)
	if err != nil {
		return nil, err
	}
	timeouts, err := ResolveTimeouts(ctx, p.snapshots, execID, req.Settings, p.live)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		ID:                 uuid.New(),
		Mode:               ModeName(req.Settings),
		Processing:         processing,
		Timeouts:           timeouts,
		RegenerateMetadata: req.RegenerateMetadata,
		Policy:             req.Policy,
		SubmittedAt:        time.Now().UTC(),
	}

	for _, img := range images {
		if !image.Failed(img.QCStatus) {
			batch.Skipped = append(batch.Skipped, img.ID)
			continue
		}
		if _, err := p.ledger.Transition(ctx, img.ID, img.QCStatus, image.RetryPending, image.ActorUser, ledger.Update{}); err != nil {
			if errors.Is(err, ledger.ErrStatusConflict) {
				batch.Skipped = append(batch.Skipped, img.ID)
				continue
			}
			p.release(ctx, batch)
			return nil, fmt.Errorf("queue image %s for retry: %w", img.ID, err)
		}
		batch.ImageIDs = append(batch.ImageIDs, img.ID)
	}

	if len(batch.ImageIDs) == 0 {
		return nil, ErrNothingToRetry
	}

	log.Info(
		"retry batch prepared",
		"batch_id", batch.ID,
		"mode", batch.Mode,
		"images", len(batch.ImageIDs),
		"skipped", len(batch.Skipped),
	)

	return batch, nil
}

// release fails the images a partially admitted batch already moved to
// retry_pending, so they are selectable again.
func (p *Processor) release(ctx context.Context, batch *Batch) {
	if len(batch.ImageIDs) == 0 {
		return
	}
	if _, err := p.ledger.SweepImages(context.WithoutCancel(ctx), batch.ImageIDs); err != nil {
		log.Error("failed to release partially admitted retry images", "batch_id", batch.ID, "error", err)
	}
}

// Start claims the job slot for batch and processes it in the background.
// It returns slot.ErrBusy when anything else holds the slot.
func (p *Processor) Start(batch *Batch) error {
	lease, err := p.slot.Claim(batch.ID, slot.KindRetryBatch)
	if err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(p.baseCtx, lease, batch)
	}()
	return nil
}

// Run claims the slot and processes batch before returning.
func (p *Processor) Run(ctx context.Context, batch *Batch) (*Result, error) {
	lease, err := p.slot.Claim(batch.ID, slot.KindRetryBatch)
	if err != nil {
		return nil, err
	}
	return p.process(ctx, lease, batch), nil
}

// Wait blocks until every batch started with Start has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Shutdown interrupts running batches. Images caught mid-step end
// retry_failed with the interrupted reason.
func (p *Processor) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// Current reports the batch holding the slot, if any.
func (p *Processor) Current() *Progress {
	t := p.current.Load()
	if t == nil {
		return nil
	}
	return &Progress{
		BatchID:   t.batch.ID,
		Total:     len(t.batch.ImageIDs),
		Done:      int(t.done.Load()),
		Approved:  int(t.approved.Load()),
		Failed:    int(t.failed.Load()),
		StartedAt: t.started,
	}
}

// Abandon fails the images of a batch that will never run, such as one
// cancelled while queued.
func (p *Processor) Abandon(ctx context.Context, batch *Batch) error {
	n, err := p.ledger.SweepImages(ctx, batch.ImageIDs)
	if err != nil {
		return err
	}
	log.Info("retry batch abandoned", "batch_id", batch.ID, "images", n)
	return nil
}

func (p *Processor) process(ctx context.Context, lease *slot.Lease, batch *Batch) *Result {
	t := &tally{batch: batch, started: time.Now().UTC()}
	p.current.Store(t)

	log.Info("retry batch started", "batch_id", batch.ID, "mode", batch.Mode, "images", len(batch.ImageIDs))
	event.Emit(p.bus, event.TypeRetryBatchStarted, uuid.Nil, uuid.Nil, batch)

	timeouts := pipeline.NewTimeouts(batch.Timeouts, p.cfg.FallbackTimeout)
	pool := worker.NewPool(p.cfg.Concurrency)
	for _, id := range batch.ImageIDs {
		id := id
		if err := pool.Submit(ctx, func() { p.image(ctx, batch, id, timeouts, t) }); err != nil {
			break
		}
	}
	pool.Wait()

	// images never submitted because ctx ended are still retry_pending
	if ctx.Err() != nil {
		if n, err := p.ledger.SweepImages(context.WithoutCancel(ctx), batch.ImageIDs); err != nil {
			log.Error("failed to sweep retry batch", "batch_id", batch.ID, "error", err)
		} else {
			t.interrupt.Add(n)
		}
	}

	res := &Result{
		BatchID:     batch.ID,
		Approved:    int(t.approved.Load()),
		Failed:      int(t.failed.Load()),
		Skipped:     int(t.skipped.Load()),
		Interrupted: int(t.interrupt.Load()),
	}

	log.Info(
		"retry batch finished",
		"batch_id", batch.ID,
		"approved", res.Approved,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"interrupted", res.Interrupted,
	)
	event.Emit(p.bus, event.TypeRetryBatchCompleted, uuid.Nil, uuid.Nil, res)

	p.current.CompareAndSwap(t, nil)
	p.slot.Release(lease)

	return res
}

// image claims one retry_pending image and writes its terminal outcome.
func (p *Processor) image(ctx context.Context, batch *Batch, id uuid.UUID, timeouts pipeline.Timeouts, t *tally) {
	defer t.done.Add(1)
	writeCtx := context.WithoutCancel(ctx)

	img, err := p.ledger.Transition(writeCtx, id, image.RetryPending, image.Processing, image.ActorSystem, ledger.Update{})
	if err != nil {
		log.Warn("retry image not claimed", "batch_id", batch.ID, "image_id", id, "error", err)
		t.skipped.Add(1)
		return
	}

	var source []byte
	if img.SourceImagePath != nil {
		source, err = p.files.ReadSource(*img.SourceImagePath)
		if err != nil {
			log.Warn("failed to read retry source", "image_id", id, "error", err)
		}
	}

	outcome := p.runner.Run(ctx, pipeline.Job{
		ExecutionID: img.ExecutionID,
		ImageID:     img.ID,
		Source:      source,
		Prompt:      img.GenerationPrompt,
		Processing:  batch.Processing,
		Metadata:    batch.RegenerateMetadata,
		Policy:      batch.Policy,
		Timeouts:    timeouts,
		Mode:        "retry",
	})

	processing := batch.Processing
	upd := ledger.Update{ProcessingSettings: &processing}
	to := image.Approved

	switch {
	case outcome.OK():
		if outcome.FinalPath != "" {
			upd.FinalImagePath = &outcome.FinalPath
		}
		upd.Metadata = outcome.Metadata
	default:
		to = image.RetryFailed
		reason := outcome.Reason()
		upd.Reason = &reason
	}

	if _, err := p.ledger.Transition(writeCtx, id, image.Processing, to, image.ActorSystem, upd); err != nil {
		log.Error("failed to record retry outcome", "batch_id", batch.ID, "image_id", id, "status", to, "error", err)
		return
	}

	switch {
	case outcome.Interrupted:
		t.interrupt.Add(1)
	case to == image.Approved:
		t.approved.Add(1)
	default:
		t.failed.Add(1)
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Images returns the current records of a batch's images.
func (p *Processor) Images(ctx context.Context, batch *Batch) (models.GeneratedImages, error) {
	return p.ledger.GetMany(ctx, batch.ImageIDs)
}
