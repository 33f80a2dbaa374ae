package retry_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/execution"
	"github.com/caesium-cloud/lumen/internal/failure"
	imagestatus "github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/internal/postprocess"
	"github.com/caesium-cloud/lumen/internal/retry"
	"github.com/caesium-cloud/lumen/internal/slot"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/caesium-cloud/lumen/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

func encodePNG(opaque bool) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	if opaque {
		for y := 1; y < 5; y++ {
			for x := 1; x < 5; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: 200, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

type countingGenerator struct {
	calls atomic.Int32
}

func (g *countingGenerator) Generate(context.Context, pipeline.GenerateRequest) ([]byte, error) {
	g.calls.Add(1)
	return encodePNG(true), nil
}

type countingChecker struct {
	calls atomic.Int32
}

func (q *countingChecker) Check(context.Context, pipeline.CheckRequest) (pipeline.Verdict, error) {
	q.calls.Add(1)
	return pipeline.Verdict{Passed: false, Reason: "watermark visible"}, nil
}

// slowRemover takes delay unless its context ends first.
type slowRemover struct {
	delay time.Duration
}

func (r slowRemover) RemoveBackground(ctx context.Context, data []byte, _ string) ([]byte, error) {
	select {
	case <-time.After(r.delay):
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type RetryTestSuite struct {
	suite.Suite
	db        *gorm.DB
	ledger    *ledger.Ledger
	snapshots *snapshot.Store
	files     *postprocess.Store
	slot      *slot.Slot
	processor *retry.Processor
}

func TestRetryTestSuite(t *testing.T) {
	suite.Run(t, new(RetryTestSuite))
}

func (s *RetryTestSuite) SetupTest() {
	s.db = testutil.OpenTestDB(s.T())
	s.ledger = ledger.New(s.db, event.New())
	s.snapshots = snapshot.NewStore(s.db)
	s.files = postprocess.NewStore(s.T().TempDir())
	s.slot = slot.New()
	s.processor = retry.NewProcessor(retry.Deps{
		Ledger:    s.ledger,
		Snapshots: s.snapshots,
		Files:     s.files,
		Slot:      s.slot,
		Bus:       event.New(),
	}, retry.Config{Concurrency: 2, FallbackTimeout: time.Second})
}

func (s *RetryTestSuite) seedExecution(processing config.Processing) uuid.UUID {
	return s.seedSettings(config.Settings{
		Prompts:    config.Prompts{Templates: []string{"a mug"}},
		Generation: config.Generation{Count: 1, VariationsPerGeneration: 1},
		Processing: processing,
	})
}

func (s *RetryTestSuite) seedSettings(settings config.Settings) uuid.UUID {
	id := uuid.New()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		snap, err := snapshot.Capture(tx, id, settings)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		return tx.Create(&models.JobExecution{
			ID:               id,
			Label:            "seed",
			Status:           models.ExecutionStatusCompleted,
			ConfigSnapshotID: snap.ID,
			StartedAt:        now,
			CompletedAt:      &now,
		}).Error
	})
	s.Require().NoError(err)
	return id
}

func (s *RetryTestSuite) seedImage(execID uuid.UUID, source []byte) uuid.UUID {
	img := &models.GeneratedImage{
		ID:               uuid.New(),
		ExecutionID:      execID,
		GenerationPrompt: "a mug",
		QCStatus:         imagestatus.QCFailed,
		QCReason:         strPtr(failure.Reason("trim")),
	}
	path, err := s.files.SaveRaw(execID, img.ID, source)
	s.Require().NoError(err)
	img.SourceImagePath = &path
	s.Require().NoError(s.ledger.Create(context.Background(), img))
	return img.ID
}

func (s *RetryTestSuite) run(req retry.Request) (*retry.Batch, *retry.Result) {
	ctx := context.Background()
	batch, err := s.processor.Prepare(ctx, req)
	s.Require().NoError(err)
	res, err := s.processor.Run(ctx, batch)
	s.Require().NoError(err)
	return batch, res
}

func (s *RetryTestSuite) status(id uuid.UUID) *models.GeneratedImage {
	img, err := s.ledger.Get(context.Background(), id)
	s.Require().NoError(err)
	return img
}

func strPtr(v string) *string { return &v }

func (s *RetryTestSuite) TestEmptySelection() {
	_, err := s.processor.Prepare(context.Background(), retry.Request{})
	s.ErrorIs(err, retry.ErrEmptySelection)
}

func (s *RetryTestSuite) TestMixedExecutionsOnlyInOriginalMode() {
	x := s.seedExecution(config.Processing{})
	y := s.seedExecution(config.Processing{})
	ids := []uuid.UUID{
		s.seedImage(x, encodePNG(true)),
		s.seedImage(x, encodePNG(true)),
		s.seedImage(y, encodePNG(true)),
	}

	_, err := s.processor.Prepare(context.Background(), retry.Request{ImageIDs: ids, Settings: retry.Original{}})
	s.ErrorIs(err, retry.ErrMixedExecutions)
	for _, id := range ids {
		s.Equal(imagestatus.QCFailed, s.status(id).QCStatus)
	}

	_, res := s.run(retry.Request{ImageIDs: ids, Settings: retry.Modified{}, Policy: pipeline.DefaultPolicy()})
	s.Equal(3, res.Approved)
	for _, id := range ids {
		s.Equal(imagestatus.Approved, s.status(id).QCStatus)
	}
}

func (s *RetryTestSuite) TestHardTrimFailureEndsRetryFailed() {
	exec := s.seedExecution(config.Processing{Trim: config.Trim{Enabled: true}})
	id := s.seedImage(exec, encodePNG(false))

	policy, err := pipeline.NewPolicy(map[pipeline.Step]pipeline.Mode{pipeline.StepTrim: pipeline.Hard})
	s.Require().NoError(err)

	_, res := s.run(retry.Request{ImageIDs: []uuid.UUID{id}, Policy: policy})
	s.Equal(1, res.Failed)

	img := s.status(id)
	s.Equal(imagestatus.RetryFailed, img.QCStatus)
	s.Require().NotNil(img.QCReason)
	s.Equal("processing_failed:trim", *img.QCReason)
	s.Nil(img.FinalImagePath)
}

func (s *RetryTestSuite) TestSoftTrimFailureApproves() {
	exec := s.seedExecution(config.Processing{Trim: config.Trim{Enabled: true}})
	id := s.seedImage(exec, encodePNG(false))

	policy, err := pipeline.NewPolicy(map[pipeline.Step]pipeline.Mode{pipeline.StepTrim: pipeline.Soft})
	s.Require().NoError(err)

	_, res := s.run(retry.Request{ImageIDs: []uuid.UUID{id}, Policy: policy})
	s.Equal(1, res.Approved)

	img := s.status(id)
	s.Equal(imagestatus.Approved, img.QCStatus)
	s.Nil(img.QCReason)
	s.Require().NotNil(img.FinalImagePath)
	s.FileExists(*img.FinalImagePath)
}

func (s *RetryTestSuite) TestRetryFailedImageCanBeRetriedAgain() {
	exec := s.seedExecution(config.Processing{Trim: config.Trim{Enabled: true}})
	id := s.seedImage(exec, encodePNG(false))

	s.run(retry.Request{ImageIDs: []uuid.UUID{id}, Policy: pipeline.DefaultPolicy()})
	s.Equal(imagestatus.RetryFailed, s.status(id).QCStatus)

	_, res := s.run(retry.Request{
		ImageIDs: []uuid.UUID{id},
		Settings: retry.Modified{Processing: config.Processing{}},
		Policy:   pipeline.DefaultPolicy(),
	})
	s.Equal(1, res.Approved)
	s.Equal(imagestatus.Approved, s.status(id).QCStatus)
}

func (s *RetryTestSuite) TestOriginalSettingsMatchSnapshot() {
	processing := config.Processing{
		Enhancement: config.Enhancement{Enabled: true, Brightness: 10, Contrast: 5, Saturation: 20, Sharpen: 0.5},
		Convert:     config.Convert{Enabled: true, Format: "jpeg", Quality: 80},
	}
	exec := s.seedExecution(processing)

	resolved, err := retry.ResolveSettings(context.Background(), s.snapshots, exec, retry.Original{})
	s.Require().NoError(err)
	stored, err := s.snapshots.Settings(context.Background(), exec)
	s.Require().NoError(err)
	s.Empty(cmp.Diff(stored.Processing, resolved))

	id := s.seedImage(exec, encodePNG(true))
	batch, _ := s.run(retry.Request{ImageIDs: []uuid.UUID{id}, Policy: pipeline.DefaultPolicy()})
	s.Equal("original", batch.Mode)
	s.Empty(cmp.Diff(stored.Processing, s.status(id).ProcessingSettings.Data()))
}

func (s *RetryTestSuite) TestModifiedSettingsRecordedOnImage() {
	exec := s.seedExecution(config.Processing{})
	id := s.seedImage(exec, encodePNG(true))

	override := config.Processing{Convert: config.Convert{Enabled: true, Format: "jpeg", Quality: 70}}
	s.run(retry.Request{ImageIDs: []uuid.UUID{id}, Settings: retry.Modified{Processing: override}, Policy: pipeline.DefaultPolicy()})

	img := s.status(id)
	s.Equal(imagestatus.Approved, img.QCStatus)
	s.Empty(cmp.Diff(override, img.ProcessingSettings.Data()))
	s.Require().NotNil(img.FinalImagePath)
	s.Contains(*img.FinalImagePath, ".jpg")
}

func (s *RetryTestSuite) TestMissingSourceIsDownloadFailure() {
	exec := s.seedExecution(config.Processing{})
	id := s.seedImage(exec, encodePNG(true))
	img := s.status(id)
	s.Require().NoError(s.files.Remove(*img.SourceImagePath))

	s.run(retry.Request{ImageIDs: []uuid.UUID{id}, Policy: pipeline.DefaultPolicy()})

	img = s.status(id)
	s.Equal(imagestatus.RetryFailed, img.QCStatus)
	s.Equal("processing_failed:download", *img.QCReason)
}

func (s *RetryTestSuite) TestNonFailedImagesAreSkipped() {
	exec := s.seedExecution(config.Processing{})
	failed := s.seedImage(exec, encodePNG(true))
	approved := &models.GeneratedImage{ExecutionID: exec, QCStatus: imagestatus.Approved}
	s.Require().NoError(s.ledger.Create(context.Background(), approved))

	batch, err := s.processor.Prepare(context.Background(), retry.Request{ImageIDs: []uuid.UUID{failed, approved.ID}})
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{failed}, batch.ImageIDs)
	s.Equal([]uuid.UUID{approved.ID}, batch.Skipped)
	s.Equal(imagestatus.RetryPending, s.status(failed).QCStatus)

	_, err = s.processor.Prepare(context.Background(), retry.Request{ImageIDs: []uuid.UUID{approved.ID}})
	s.ErrorIs(err, retry.ErrNothingToRetry)
}

func (s *RetryTestSuite) TestConcurrentBatchesCannotClaimSameImage() {
	exec := s.seedExecution(config.Processing{})
	id := s.seedImage(exec, encodePNG(true))

	first, err := s.processor.Prepare(context.Background(), retry.Request{ImageIDs: []uuid.UUID{id}})
	s.Require().NoError(err)
	_, err = s.processor.Prepare(context.Background(), retry.Request{ImageIDs: []uuid.UUID{id}})
	s.ErrorIs(err, retry.ErrNothingToRetry)

	res, err := s.processor.Run(context.Background(), first)
	s.Require().NoError(err)
	s.Equal(1, res.Approved)
}

func (s *RetryTestSuite) TestBatchHoldsSlot() {
	exec := s.seedExecution(config.Processing{})
	id := s.seedImage(exec, encodePNG(true))
	batch, err := s.processor.Prepare(context.Background(), retry.Request{ImageIDs: []uuid.UUID{id}})
	s.Require().NoError(err)

	lease, err := s.slot.Claim(uuid.New(), slot.KindExecution)
	s.Require().NoError(err)
	s.ErrorIs(s.processor.Start(batch), slot.ErrBusy)
	s.Equal(imagestatus.RetryPending, s.status(id).QCStatus)

	s.True(s.slot.Release(lease))
	s.Require().NoError(s.processor.Start(batch))
	s.processor.Wait()
	s.False(s.slot.Busy())
	s.Equal(imagestatus.Approved, s.status(id).QCStatus)
}

func (s *RetryTestSuite) TestAbandonFailsQueuedImages() {
	exec := s.seedExecution(config.Processing{})
	id := s.seedImage(exec, encodePNG(true))
	batch, err := s.processor.Prepare(context.Background(), retry.Request{ImageIDs: []uuid.UUID{id}})
	s.Require().NoError(err)

	s.Require().NoError(s.processor.Abandon(context.Background(), batch))

	img := s.status(id)
	s.Equal(imagestatus.RetryFailed, img.QCStatus)
	s.Equal(failure.Reason(failure.Interrupted), *img.QCReason)
}

func (s *RetryTestSuite) TestNeverCallsGeneratorOrQualityCheck() {
	generator := &countingGenerator{}
	checker := &countingChecker{}
	controller := execution.NewController(execution.Deps{
		DB:     s.db,
		Ledger: s.ledger,
		Files:  s.files,
		Collaborators: pipeline.Collaborators{
			Generator:      generator,
			QualityChecker: checker,
		},
		Slot: s.slot,
		Bus:  event.New(),
	}, execution.Config{Concurrency: 2, FallbackTimeout: time.Second})

	exec, err := controller.Start(context.Background(), execution.StartRequest{Settings: config.Settings{
		Prompts:      config.Prompts{Templates: []string{"a mug"}},
		Generation:   config.Generation{Count: 3, VariationsPerGeneration: 1},
		QualityCheck: config.QualityCheck{Enabled: true},
	}})
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(controller.Wait(ctx))

	images, _, err := s.ledger.List(ctx, ledger.ListRequest{ExecutionID: exec.ID})
	s.Require().NoError(err)
	s.Require().Len(images, 3)

	ids := make([]uuid.UUID, 0, len(images))
	for _, img := range images {
		s.Require().Equal(imagestatus.QCFailed, img.QCStatus)
		s.Equal("watermark visible", *img.QCReason)
		ids = append(ids, img.ID)
	}

	generated, checked := generator.calls.Load(), checker.calls.Load()

	_, res := s.run(retry.Request{ImageIDs: ids, RegenerateMetadata: false, Policy: pipeline.DefaultPolicy()})
	s.Equal(3, res.Approved)

	s.Equal(generated, generator.calls.Load())
	s.Equal(checked, checker.calls.Load())
}

func (s *RetryTestSuite) slowProcessor(live config.Timeouts) *retry.Processor {
	return retry.NewProcessor(retry.Deps{
		Ledger:       s.ledger,
		Snapshots:    s.snapshots,
		Files:        s.files,
		Remover:      slowRemover{delay: 2 * time.Second},
		Slot:         s.slot,
		Bus:          event.New(),
		LiveTimeouts: func() config.Timeouts { return live },
	}, retry.Config{Concurrency: 1, FallbackTimeout: 5 * time.Second})
}

func (s *RetryTestSuite) runWith(p *retry.Processor, req retry.Request) *retry.Batch {
	batch, err := p.Prepare(context.Background(), req)
	s.Require().NoError(err)
	_, err = p.Run(context.Background(), batch)
	s.Require().NoError(err)
	return batch
}

func (s *RetryTestSuite) TestOriginalModeUsesSnapshotTimeouts() {
	exec := s.seedSettings(config.Settings{
		Prompts:    config.Prompts{Templates: []string{"a mug"}},
		Generation: config.Generation{Count: 1, VariationsPerGeneration: 1},
		Processing: config.Processing{RemoveBackground: config.RemoveBackground{Enabled: true}},
		Timeouts: config.Timeouts{
			Enabled:           true,
			BackgroundRemoval: config.Duration{Duration: 50 * time.Millisecond},
		},
	})
	id := s.seedImage(exec, encodePNG(true))

	policy, err := pipeline.ParsePolicy(map[string]string{"remove_bg": "hard"})
	s.Require().NoError(err)

	started := time.Now()
	batch := s.runWith(s.slowProcessor(config.Timeouts{}), retry.Request{
		ImageIDs: []uuid.UUID{id},
		Settings: retry.Original{},
		Policy:   policy,
	})
	s.Less(time.Since(started), time.Second)
	s.True(batch.Timeouts.Enabled)

	img := s.status(id)
	s.Equal(imagestatus.RetryFailed, img.QCStatus)
	s.Equal(failure.Reason("remove_bg"), *img.QCReason)
}

func (s *RetryTestSuite) TestModifiedModeUsesLiveTimeouts() {
	exec := s.seedExecution(config.Processing{})
	id := s.seedImage(exec, encodePNG(true))

	policy, err := pipeline.ParsePolicy(map[string]string{"remove_bg": "hard"})
	s.Require().NoError(err)

	live := config.Timeouts{Enabled: true, BackgroundRemoval: config.Duration{Duration: 50 * time.Millisecond}}
	s.runWith(s.slowProcessor(live), retry.Request{
		ImageIDs: []uuid.UUID{id},
		Settings: retry.Modified{Processing: config.Processing{RemoveBackground: config.RemoveBackground{Enabled: true}}},
		Policy:   policy,
	})
	s.Equal(imagestatus.RetryFailed, s.status(id).QCStatus)
}

func (s *RetryTestSuite) TestModifiedModeTimeoutsOverrideLive() {
	exec := s.seedExecution(config.Processing{})
	id := s.seedImage(exec, encodePNG(true))

	live := config.Timeouts{Enabled: true, BackgroundRemoval: config.Duration{Duration: 50 * time.Millisecond}}
	own := config.Timeouts{Enabled: true, BackgroundRemoval: config.Duration{Duration: 3 * time.Second}}
	batch := s.runWith(s.slowProcessor(live), retry.Request{
		ImageIDs: []uuid.UUID{id},
		Settings: retry.Modified{
			Processing: config.Processing{RemoveBackground: config.RemoveBackground{Enabled: true}},
			Timeouts:   &own,
		},
		Policy: pipeline.DefaultPolicy(),
	})
	s.Equal(own, batch.Timeouts)
	s.Equal(imagestatus.Approved, s.status(id).QCStatus)
}

func (s *RetryTestSuite) TestPartialAdmissionReleasesClaimedImages() {
	exec := s.seedExecution(config.Processing{})
	ids := []uuid.UUID{
		s.seedImage(exec, encodePNG(true)),
		s.seedImage(exec, encodePNG(true)),
		s.seedImage(exec, encodePNG(true)),
	}

	var updates atomic.Int32
	s.Require().NoError(s.db.Callback().Update().Before("gorm:update").Register("test:fail_second_update", func(tx *gorm.DB) {
		if updates.Add(1) == 2 {
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	}))

	_, err := s.processor.Prepare(context.Background(), retry.Request{ImageIDs: ids})
	s.Require().Error(err)
	s.Contains(err.Error(), "disk I/O error")

	counts := map[imagestatus.Status]int{}
	for _, id := range ids {
		counts[s.status(id).QCStatus]++
	}
	s.Equal(0, counts[imagestatus.RetryPending])
	s.Equal(1, counts[imagestatus.RetryFailed])
	s.Equal(2, counts[imagestatus.QCFailed])
}
