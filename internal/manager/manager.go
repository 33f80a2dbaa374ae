// Package manager is the single entry point for job, image and retry
// operations. It wires the execution controller, the retry processor and the
// rerun lane around one job slot and one ledger.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/execution"
	"github.com/caesium-cloud/lumen/internal/failure"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/internal/postprocess"
	"github.com/caesium-cloud/lumen/internal/rerun"
	"github.com/caesium-cloud/lumen/internal/retry"
	"github.com/caesium-cloud/lumen/internal/slot"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrQueued         = errors.New("execution is queued for rerun")
	ErrUnsupportedSet = errors.New("status cannot be set directly")
)

type Deps struct {
	DB            *gorm.DB
	Bus           event.Bus
	Files         *postprocess.Store
	Collaborators pipeline.Collaborators
	Live          *config.Live
	// LivePath, when set, receives every accepted live settings update.
	LivePath string
}

type Config struct {
	Concurrency     int
	FallbackTimeout time.Duration
	ForceStopGrace  time.Duration
	PollInterval    time.Duration
}

type Manager struct {
	db        *gorm.DB
	bus       event.Bus
	files     *postprocess.Store
	slot      *slot.Slot
	ledger    *ledger.Ledger
	snapshots *snapshot.Store
	live      *config.Live
	livePath  string
	cfg       Config

	controller *execution.Controller
	processor  *retry.Processor
	scheduler  *rerun.Scheduler
}

func New(deps Deps, cfg Config) *Manager {
	bus := deps.Bus
	if bus == nil {
		bus = event.New()
	}
	live := deps.Live
	if live == nil {
		live = config.NewLive(&config.Settings{})
	}

	m := &Manager{
		db:        deps.DB,
		bus:       bus,
		files:     deps.Files,
		slot:      slot.New(),
		ledger:    ledger.New(deps.DB, bus),
		snapshots: snapshot.NewStore(deps.DB),
		live:      live,
		livePath:  deps.LivePath,
		cfg:       cfg,
	}

	m.controller = execution.NewController(execution.Deps{
		DB:            deps.DB,
		Ledger:        m.ledger,
		Files:         deps.Files,
		Collaborators: deps.Collaborators,
		Slot:          m.slot,
		Bus:           bus,
	}, execution.Config{
		Concurrency:     cfg.Concurrency,
		FallbackTimeout: cfg.FallbackTimeout,
		ForceStopGrace:  cfg.ForceStopGrace,
	})

	m.processor = retry.NewProcessor(retry.Deps{
		Ledger:    m.ledger,
		Snapshots: m.snapshots,
		Files:     deps.Files,
		Remover:   deps.Collaborators.Remover,
		Describer: deps.Collaborators.Describer,
		Slot:      m.slot,
		Bus:       bus,
		LiveTimeouts: func() config.Timeouts {
			return live.Get().Timeouts
		},
	}, retry.Config{
		Concurrency:     cfg.Concurrency,
		FallbackTimeout: cfg.FallbackTimeout,
	})

	m.scheduler = rerun.New(rerun.Deps{
		Executions: m.controller,
		History:    m.controller.Store(),
		Snapshots:  m.snapshots,
		Retries:    m.processor,
		Live:       func() config.Settings { return *m.live.Get() },
		Slot:       m.slot,
		Bus:        bus,
	})

	return m
}

// Bus exposes the event stream.
func (m *Manager) Bus() event.Bus {
	return m.bus
}

// Recover repairs state left by a previous process. Call it once before
// serving requests.
func (m *Manager) Recover(ctx context.Context) error {
	recovered, err := m.controller.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if len(recovered) > 0 {
		log.Warn("recovered interrupted executions", "count", len(recovered))
	}
	return nil
}

// Run drives the rerun lane until ctx is done, then interrupts any running
// work.
func (m *Manager) Run(ctx context.Context) error {
	m.scheduler.Run(ctx, m.cfg.PollInterval)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ForceStopGrace+time.Second)
	defer cancel()
	if id := m.controller.ActiveID(); id != uuid.Nil {
		if _, err := m.controller.ForceStop(shutdownCtx, id); err != nil {
			log.Error("failed to stop execution on shutdown", "execution_id", id, "error", err)
		}
	}
	m.processor.Shutdown()

	return nil
}

// StartJobRequest starts a job from explicit settings, or from the live
// settings when Settings is nil.
type StartJobRequest struct {
	Settings *config.Settings `json:"settings,omitempty"`
	Label    string           `json:"label,omitempty"`
}

func (m *Manager) StartJob(ctx context.Context, req StartJobRequest) (*models.JobExecution, error) {
	settings := req.Settings
	if settings == nil {
		settings = m.live.Get()
	}
	if m.scheduler.Depth() > 0 {
		// queued reruns keep their turn
		return nil, execution.ErrAlreadyRunning
	}
	return m.controller.Start(ctx, execution.StartRequest{Settings: *settings, Label: req.Label})
}

func (m *Manager) StopJob(ctx context.Context) (*models.JobExecution, error) {
	return m.controller.Stop(ctx)
}

// ForceStopJob force-stops the running execution, or only the execution id
// names when it is not uuid.Nil.
func (m *Manager) ForceStopJob(ctx context.Context, id uuid.UUID) (*models.JobExecution, error) {
	return m.controller.ForceStop(ctx, id)
}

// JobStatus is the combined view of the slot holder and the lane.
type JobStatus struct {
	*execution.Status
	Retry      *retry.Progress `json:"retry,omitempty"`
	QueueDepth int             `json:"queue_depth"`
}

func (m *Manager) GetJobStatus(ctx context.Context) (*JobStatus, error) {
	status, err := m.controller.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &JobStatus{
		Status:     status,
		Retry:      m.processor.Current(),
		QueueDepth: m.scheduler.Depth(),
	}, nil
}

// JobView is one execution with its image counts and snapshot.
type JobView struct {
	Execution *models.JobExecution   `json:"execution"`
	Counts    map[image.Status]int64 `json:"counts"`
	Settings  config.Settings        `json:"settings"`
}

func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (*JobView, error) {
	exec, err := m.controller.Store().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := m.ledger.Counts(ctx, id)
	if err != nil {
		return nil, err
	}
	settings, err := m.snapshots.Settings(ctx, id)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return nil, err
	}
	return &JobView{Execution: exec, Counts: counts, Settings: settings}, nil
}

func (m *Manager) GetJobHistory(ctx context.Context, filter execution.HistoryFilter) (models.JobExecutions, int64, error) {
	return m.controller.Store().List(ctx, filter)
}

// RerunJob queues reruns of the given executions. They reuse their parent's
// snapshot unless useLive is set.
func (m *Manager) RerunJob(ctx context.Context, ids []uuid.UUID, useLive bool) ([]rerun.Item, error) {
	return m.scheduler.Rerun(ctx, ids, useLive)
}

// ScheduleJob queues a start of the live settings behind anything already
// waiting.
func (m *Manager) ScheduleJob(ctx context.Context, label string) rerun.Item {
	return m.scheduler.Schedule(ctx, label)
}

func (m *Manager) CancelRerun(ctx context.Context, id uuid.UUID) (rerun.Item, error) {
	return m.scheduler.Cancel(ctx, id)
}

func (m *Manager) Queue() []rerun.Item {
	return m.scheduler.Queued()
}

// DeleteJob removes a finished execution together with its images and
// files. Executions still waiting to rerun cannot be deleted.
func (m *Manager) DeleteJob(ctx context.Context, id uuid.UUID) (*models.JobExecution, error) {
	for _, item := range m.scheduler.Queued() {
		if item.ParentID != nil && *item.ParentID == id && !item.LiveConfig {
			return nil, ErrQueued
		}
	}
	return m.controller.Delete(ctx, id)
}

// ImageView adds the classified failure label to a record. Raw technical
// reasons are never exposed.
type ImageView struct {
	*models.GeneratedImage
	Label       string  `json:"label"`
	Explanation *string `json:"explanation,omitempty"`
	Technical   bool    `json:"technical"`
}

func viewOf(img *models.GeneratedImage) ImageView {
	reason := ""
	if img.QCReason != nil {
		reason = *img.QCReason
	}
	label, explanation := failure.Classify(reason, img.QCStatus)
	return ImageView{
		GeneratedImage: img,
		Label:          label,
		Explanation:    explanation,
		Technical:      failure.Technical(reason),
	}
}

func (m *Manager) ListImages(ctx context.Context, req ledger.ListRequest) ([]ImageView, int64, error) {
	images, total, err := m.ledger.List(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	views := make([]ImageView, 0, len(images))
	for _, img := range images {
		views = append(views, viewOf(img))
	}
	return views, total, nil
}

func (m *Manager) GetImage(ctx context.Context, id uuid.UUID) (*ImageView, error) {
	img, err := m.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := viewOf(img)
	return &view, nil
}

// UpdateImageStatus applies a manual status change. Approving works from
// either failed status; asking for retry_pending queues a single-image
// retry batch with the image's original settings.
func (m *Manager) UpdateImageStatus(ctx context.Context, id uuid.UUID, to image.Status) (*ImageView, error) {
	switch to {
	case image.Approved:
		img, err := m.ledger.UpdateStatus(ctx, id, to)
		if err != nil {
			return nil, err
		}
		view := viewOf(img)
		return &view, nil
	case image.RetryPending:
		if _, err := m.RetryBatch(ctx, retry.Request{
			ImageIDs: []uuid.UUID{id},
			Settings: retry.Original{},
			Policy:   pipeline.DefaultPolicy(),
		}); err != nil {
			return nil, err
		}
		return m.GetImage(ctx, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSet, to)
}

// DeleteImage removes a settled image and its files.
func (m *Manager) DeleteImage(ctx context.Context, id uuid.UUID) (*models.GeneratedImage, error) {
	img, err := m.ledger.Delete(ctx, id)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, 2)
	if img.SourceImagePath != nil {
		paths = append(paths, *img.SourceImagePath)
	}
	if img.FinalImagePath != nil {
		paths = append(paths, *img.FinalImagePath)
	}
	if err := m.files.Remove(paths...); err != nil {
		log.Warn("failed to remove image files", "image_id", id, "error", err)
	}

	return img, nil
}

// RetryAdmission reports how a retry batch was admitted.
type RetryAdmission struct {
	Batch *retry.Batch `json:"batch"`
	Item  rerun.Item   `json:"item"`
}

// Started reports whether the batch took the slot immediately.
func (a *RetryAdmission) Started() bool {
	return a.Item.State == rerun.StateStarted
}

func (m *Manager) RetryBatch(ctx context.Context, req retry.Request) (*RetryAdmission, error) {
	batch, err := m.processor.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return &RetryAdmission{Batch: batch, Item: m.scheduler.Retry(ctx, batch)}, nil
}

// RetryQueueStatus describes retry work running and waiting.
type RetryQueueStatus struct {
	Running      *retry.Progress `json:"running,omitempty"`
	Queued       []rerun.Item    `json:"queued"`
	QueueDepth   int             `json:"queue_depth"`
	SlotHolder   *slot.Lease     `json:"slot_holder,omitempty"`
	RetryPending int64           `json:"retry_pending"`
	Processing   int64           `json:"processing"`
}

func (m *Manager) GetRetryQueueStatus(ctx context.Context) (*RetryQueueStatus, error) {
	counts, err := m.ledger.Counts(ctx, uuid.Nil)
	if err != nil {
		return nil, err
	}

	queue := m.scheduler.Queued()
	retries := make([]rerun.Item, 0, len(queue))
	for _, item := range queue {
		if item.Kind == rerun.KindRetryBatch {
			retries = append(retries, item)
		}
	}

	return &RetryQueueStatus{
		Running:      m.processor.Current(),
		Queued:       retries,
		QueueDepth:   len(queue),
		SlotHolder:   m.slot.Holder(),
		RetryPending: counts[image.RetryPending],
		Processing:   counts[image.Processing],
	}, nil
}

// ExportView returns the read-only execution and image view consumed by
// exporters.
func (m *Manager) ExportView(ctx context.Context, ids []uuid.UUID) ([]ledger.ExecutionView, error) {
	return m.ledger.Export(ctx, ids)
}

func (m *Manager) LiveSettings() *config.Settings {
	return m.live.Get()
}

// LiveSettingsRedacted returns the live settings without credentials.
func (m *Manager) LiveSettingsRedacted() *config.Settings {
	return m.live.Get().StripCredentials()
}

// SetLiveSettings validates and replaces the live settings. Running and
// queued snapshot reruns are unaffected.
func (m *Manager) SetLiveSettings(_ context.Context, s *config.Settings) error {
	if err := m.live.Set(s); err != nil {
		return err
	}
	if m.livePath != "" {
		if err := config.Save(m.livePath, s); err != nil {
			return fmt.Errorf("persist live settings: %w", err)
		}
	}
	log.Info("live settings updated", "label", s.Label)
	return nil
}

// Wait blocks until the slot holder has finished. Intended for tests and
// one-shot commands.
func (m *Manager) Wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !m.slot.Busy() && m.scheduler.Depth() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
