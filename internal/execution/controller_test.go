package execution

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
	"github.com/caesium-cloud/lumen/internal/failure"
	imagestatus "github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/internal/postprocess"
	"github.com/caesium-cloud/lumen/internal/slot"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/caesium-cloud/lumen/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

var testPNG = func() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}()

type fakeGenerator struct {
	gate  chan struct{}
	calls atomic.Int32
	err   error
}

func (g *fakeGenerator) Generate(ctx context.Context, _ pipeline.GenerateRequest) ([]byte, error) {
	g.calls.Add(1)
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return testPNG, nil
}

type fakeChecker struct {
	gate    chan struct{}
	calls   atomic.Int32
	verdict pipeline.Verdict
	err     error
}

func (q *fakeChecker) Check(ctx context.Context, _ pipeline.CheckRequest) (pipeline.Verdict, error) {
	q.calls.Add(1)
	if q.gate != nil {
		select {
		case <-q.gate:
		case <-ctx.Done():
			return pipeline.Verdict{}, ctx.Err()
		}
	}
	return q.verdict, q.err
}

type ControllerTestSuite struct {
	suite.Suite
	db         *gorm.DB
	ledger     *ledger.Ledger
	slot       *slot.Slot
	generator  *fakeGenerator
	checker    *fakeChecker
	controller *Controller
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}

func (s *ControllerTestSuite) SetupTest() {
	s.db = testutil.OpenTestDB(s.T())
	s.ledger = ledger.New(s.db, event.New())
	s.slot = slot.New()
	s.generator = &fakeGenerator{}
	s.checker = &fakeChecker{verdict: pipeline.Verdict{Passed: true}}
	s.controller = s.newController(1)
}

func (s *ControllerTestSuite) newController(concurrency int) *Controller {
	return NewController(Deps{
		DB:     s.db,
		Ledger: s.ledger,
		Files:  postprocess.NewStore(s.T().TempDir()),
		Collaborators: pipeline.Collaborators{
			Generator:      s.generator,
			QualityChecker: s.checker,
		},
		Slot: s.slot,
		Bus:  event.New(),
	}, Config{Concurrency: concurrency, FallbackTimeout: time.Minute, ForceStopGrace: 2 * time.Second})
}

func settings(count int, qc bool) config.Settings {
	return config.Settings{
		Prompts:      config.Prompts{Templates: []string{"a red mug", "a blue mug"}},
		Generation:   config.Generation{Count: count, VariationsPerGeneration: 1},
		QualityCheck: config.QualityCheck{Enabled: qc},
		Credentials:  &config.Credentials{APIKey: "sk-secret"},
	}
}

func (s *ControllerTestSuite) wait() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.controller.Wait(ctx))
}

func (s *ControllerTestSuite) images(execID uuid.UUID) models.GeneratedImages {
	images, _, err := s.ledger.List(context.Background(), ledger.ListRequest{ExecutionID: execID})
	s.Require().NoError(err)
	return images
}

func (s *ControllerTestSuite) progress() int {
	status, err := s.controller.Status(context.Background())
	s.Require().NoError(err)
	return status.Progress
}

func (s *ControllerTestSuite) TestRunCompletesWithoutQC() {
	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(3, false)})
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusRunning, exec.Status)
	s.Contains(exec.Label, "job_")
	s.wait()

	got, err := s.controller.Store().Get(context.Background(), exec.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusCompleted, got.Status)
	s.NotNil(got.CompletedAt)

	images := s.images(exec.ID)
	s.Len(images, 3)
	for _, img := range images {
		s.Equal(imagestatus.Approved, img.QCStatus)
		s.NotNil(img.FinalImagePath)
		s.NotNil(img.SourceImagePath)
	}
	s.Equal("a blue mug", images[1].GenerationPrompt)
	s.Zero(s.checker.calls.Load())

	snap, err := snapshot.NewStore(s.db).Settings(context.Background(), exec.ID)
	s.Require().NoError(err)
	s.Nil(snap.Credentials)

	s.False(s.slot.Busy())
	s.Equal(100, s.progress())
}

func (s *ControllerTestSuite) TestSecondStartFailsWhileRunning() {
	s.generator.gate = make(chan struct{})

	first, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false)})
	s.Require().NoError(err)

	_, err = s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false)})
	s.ErrorIs(err, ErrAlreadyRunning)

	active, err := s.controller.Store().Active(context.Background())
	s.Require().NoError(err)
	s.Len(active, 1)
	s.Equal(first.ID, active[0].ID)

	close(s.generator.gate)
	s.wait()

	got, err := s.controller.Store().Get(context.Background(), first.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusCompleted, got.Status)
}

func (s *ControllerTestSuite) TestSingleGenerationProgressWithQC() {
	s.generator.gate = make(chan struct{})
	s.checker.gate = make(chan struct{})

	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, true)})
	s.Require().NoError(err)

	s.Eventually(func() bool { return s.generator.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(0, s.progress())

	close(s.generator.gate)
	s.Eventually(func() bool { return s.checker.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(95, s.progress())

	images := s.images(exec.ID)
	s.Require().Len(images, 1)
	s.Equal(imagestatus.Pending, images[0].QCStatus)

	close(s.checker.gate)
	s.wait()
	s.Equal(100, s.progress())
	s.Equal(imagestatus.Approved, s.images(exec.ID)[0].QCStatus)
}

func (s *ControllerTestSuite) TestQCRejectionKeepsModelReason() {
	s.checker.verdict = pipeline.Verdict{Passed: false, Reason: "Nike logo detected"}

	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, true)})
	s.Require().NoError(err)
	s.wait()

	images := s.images(exec.ID)
	s.Require().Len(images, 1)
	s.Equal(imagestatus.QCFailed, images[0].QCStatus)
	s.Equal("Nike logo detected", *images[0].QCReason)
	s.Nil(images[0].FinalImagePath)
}

func (s *ControllerTestSuite) TestMalformedVerdictIsTechnicalFailure() {
	s.checker.err = pipeline.ErrMalformedVerdict

	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, true)})
	s.Require().NoError(err)
	s.wait()

	images := s.images(exec.ID)
	s.Require().Len(images, 1)
	s.Equal(failure.Reason("qc"), *images[0].QCReason)
	s.EqualValues(1, s.checker.calls.Load())
}

func (s *ControllerTestSuite) TestGenerationErrorSkipsUnit() {
	s.generator.err = errors.New("provider 500")

	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(2, false)})
	s.Require().NoError(err)
	s.wait()

	got, err := s.controller.Store().Get(context.Background(), exec.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusCompleted, got.Status)
	s.Empty(s.images(exec.ID))
}

func (s *ControllerTestSuite) TestStopFinishesInFlightUnit() {
	s.generator.gate = make(chan struct{})

	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(3, false)})
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.generator.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopping, err := s.controller.Stop(context.Background())
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusStopping, stopping.Status)

	close(s.generator.gate)
	s.wait()

	got, err := s.controller.Store().Get(context.Background(), exec.ID)
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusStopped, got.Status)

	images := s.images(exec.ID)
	s.Require().Len(images, 1)
	s.Equal(imagestatus.Approved, images[0].QCStatus)
	s.EqualValues(1, s.generator.calls.Load())

	_, err = s.controller.Stop(context.Background())
	s.ErrorIs(err, ErrNotRunning)
}

func (s *ControllerTestSuite) TestForceStopIsIdempotent() {
	s.generator.gate = make(chan struct{})

	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(2, false)})
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.generator.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	first, err := s.controller.ForceStop(context.Background(), uuid.Nil)
	s.Require().NoError(err)
	s.Equal(models.ExecutionStatusForceStopped, first.Status)
	s.False(s.slot.Busy())

	second, err := s.controller.ForceStop(context.Background(), uuid.Nil)
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(first.Status, second.Status)
	s.Require().NotNil(second.CompletedAt)
	s.True(first.CompletedAt.Equal(*second.CompletedAt))
	s.Equal(exec.ID, second.ID)
}

func (s *ControllerTestSuite) TestForceStopRepeatSparesQueuedSuccessor() {
	s.generator.gate = make(chan struct{})

	first, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false)})
	s.Require().NoError(err)

	stopped, err := s.controller.ForceStop(context.Background(), uuid.Nil)
	s.Require().NoError(err)
	s.Equal(first.ID, stopped.ID)

	successor, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false), Queued: true})
	s.Require().NoError(err)

	again, err := s.controller.ForceStop(context.Background(), uuid.Nil)
	s.Require().NoError(err)
	s.Equal(first.ID, again.ID)
	s.Equal(models.ExecutionStatusForceStopped, again.Status)
	s.Equal(successor.ID, s.controller.ActiveID())
	s.True(s.slot.Busy())

	targeted, err := s.controller.ForceStop(context.Background(), successor.ID)
	s.Require().NoError(err)
	s.Equal(successor.ID, targeted.ID)
	s.Equal(models.ExecutionStatusForceStopped, targeted.Status)
	s.False(s.slot.Busy())

	repeat, err := s.controller.ForceStop(context.Background(), successor.ID)
	s.Require().NoError(err)
	s.Equal(targeted.Status, repeat.Status)
	s.True(targeted.CompletedAt.Equal(*repeat.CompletedAt))
}

func (s *ControllerTestSuite) TestForceStopAfterDirectStartStopsNewRun() {
	s.generator.gate = make(chan struct{})

	_, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false)})
	s.Require().NoError(err)
	_, err = s.controller.ForceStop(context.Background(), uuid.Nil)
	s.Require().NoError(err)

	next, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false)})
	s.Require().NoError(err)

	stopped, err := s.controller.ForceStop(context.Background(), uuid.Nil)
	s.Require().NoError(err)
	s.Equal(next.ID, stopped.ID)
	s.Equal(models.ExecutionStatusForceStopped, stopped.Status)
}

func (s *ControllerTestSuite) TestForceStopUnknownTarget() {
	_, err := s.controller.ForceStop(context.Background(), uuid.New())
	s.ErrorIs(err, ErrNotFound)
}

func (s *ControllerTestSuite) TestForceStopSweepsPendingImages() {
	s.checker.gate = make(chan struct{})

	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, true)})
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.checker.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.controller.ForceStop(context.Background(), uuid.Nil)
	s.Require().NoError(err)

	images := s.images(exec.ID)
	s.Require().Len(images, 1)
	s.Equal(imagestatus.QCFailed, images[0].QCStatus)
	label, _ := failure.Classify(*images[0].QCReason, images[0].QCStatus)
	s.Equal("Processing interrupted", label)
}

func (s *ControllerTestSuite) TestForceStopWithoutHistory() {
	_, err := s.controller.ForceStop(context.Background(), uuid.Nil)
	s.ErrorIs(err, ErrNotRunning)
}

func (s *ControllerTestSuite) TestDelete() {
	s.generator.gate = make(chan struct{})
	exec, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false)})
	s.Require().NoError(err)

	_, err = s.controller.Delete(context.Background(), exec.ID)
	s.ErrorIs(err, ErrActive)

	close(s.generator.gate)
	s.wait()

	_, err = s.controller.Delete(context.Background(), exec.ID)
	s.Require().NoError(err)
	testutil.AssertCount(s.T(), s.db, &models.JobExecution{}, 0)
	testutil.AssertCount(s.T(), s.db, &models.GeneratedImage{}, 0)
	testutil.AssertCount(s.T(), s.db, &models.ConfigSnapshot{}, 0)

	_, err = s.controller.Delete(context.Background(), exec.ID)
	s.ErrorIs(err, ErrNotFound)
}

func (s *ControllerTestSuite) TestRecoverFailsInterruptedExecutions() {
	exec := &models.JobExecution{
		ID:        uuid.New(),
		Label:     "crashed",
		Status:    models.ExecutionStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	s.Require().NoError(s.db.Create(exec).Error)
	pending := &models.GeneratedImage{ExecutionID: exec.ID, GenerationPrompt: "p", QCStatus: imagestatus.Pending}
	s.Require().NoError(s.ledger.Create(context.Background(), pending))

	recovered, err := s.controller.Recover(context.Background())
	s.Require().NoError(err)
	s.Require().Len(recovered, 1)
	s.Equal(models.ExecutionStatusFailed, recovered[0].Status)

	img, err := s.ledger.Get(context.Background(), pending.ID)
	s.Require().NoError(err)
	s.Equal(imagestatus.QCFailed, img.QCStatus)

	_, err = s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false)})
	s.Require().NoError(err)
	s.wait()
}

func (s *ControllerTestSuite) TestInvalidSettingsRejected() {
	_, err := s.controller.Start(context.Background(), StartRequest{Settings: config.Settings{}})
	s.Error(err)
	s.False(s.slot.Busy())
}

func (s *ControllerTestSuite) TestHistory() {
	for i := 0; i < 2; i++ {
		_, err := s.controller.Start(context.Background(), StartRequest{Settings: settings(1, false), Label: "batch"})
		s.Require().NoError(err)
		s.wait()
	}

	execs, total, err := s.controller.Store().List(context.Background(), HistoryFilter{Label: "bat", Limit: 1})
	s.Require().NoError(err)
	s.EqualValues(2, total)
	s.Len(execs, 1)
}
