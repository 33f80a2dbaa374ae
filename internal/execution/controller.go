// Package execution drives job executions. The Controller owns the
// single-job slot while a run is active and writes every image produced by
// the run through the ledger.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/ledger"
	"github.com/caesium-cloud/lumen/internal/metrics"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/pipeline"
	"github.com/caesium-cloud/lumen/internal/postprocess"
	"github.com/caesium-cloud/lumen/internal/slot"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/caesium-cloud/lumen/internal/worker"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrAlreadyRunning = errors.New("a job is already running")
	ErrNotRunning     = errors.New("no job is running")
	ErrNotFound       = errors.New("execution not found")
	ErrActive         = errors.New("execution is still active")
)

const (
	StepInitialization = "initialization"
	StepGeneration     = "generation"
	StepFinalizing     = "finalizing"

	defaultForceStopGrace = 10 * time.Second
)

type Config struct {
	Concurrency     int
	FallbackTimeout time.Duration
	ForceStopGrace  time.Duration
}

// Controller runs at most one JobExecution at a time.
type Controller struct {
	db        *gorm.DB
	store     *Store
	ledger    *ledger.Ledger
	files     *postprocess.Store
	collab    pipeline.Collaborators
	runner    *pipeline.Runner
	slot      *slot.Slot
	bus       event.Bus
	cfg       Config
	baseCtx   context.Context
	mu        sync.Mutex
	current   *run
	lastCount atomic.Pointer[Counters]

	// forced is the last execution stopped by an untargeted ForceStop and
	// successor the queued run dispatched into the slot it freed. Repeated
	// untargeted calls resolve to forced while successor holds the slot.
	forced    uuid.UUID
	successor uuid.UUID
}

type Deps struct {
	DB            *gorm.DB
	Ledger        *ledger.Ledger
	Files         *postprocess.Store
	Collaborators pipeline.Collaborators
	Slot          *slot.Slot
	Bus           event.Bus
}

func NewController(deps Deps, cfg Config) *Controller {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ForceStopGrace <= 0 {
		cfg.ForceStopGrace = defaultForceStopGrace
	}
	return &Controller{
		db:      deps.DB,
		store:   NewStore(deps.DB),
		ledger:  deps.Ledger,
		files:   deps.Files,
		collab:  deps.Collaborators,
		runner:  pipeline.NewRunner(deps.Files, deps.Collaborators.Remover, deps.Collaborators.Describer),
		slot:    deps.Slot,
		bus:     deps.Bus,
		cfg:     cfg,
		baseCtx: context.Background(),
	}
}

// Store exposes execution records to the facade.
func (c *Controller) Store() *Store {
	return c.store
}

// StartRequest describes a new execution.
type StartRequest struct {
	Settings config.Settings
	Label    string
	ParentID *uuid.UUID
	// ID pre-assigns the execution id, used by the rerun scheduler so the
	// label can embed it.
	ID uuid.UUID
	// Queued marks a start dispatched from the rerun lane rather than
	// requested directly.
	Queued bool
}

type run struct {
	exec     *models.JobExecution
	settings config.Settings
	lease    *slot.Lease
	timeouts pipeline.Timeouts

	ctx    context.Context
	cancel context.CancelFunc

	stopping atomic.Bool
	forced   atomic.Bool

	total     int
	completed atomic.Int64
	pendingQC atomic.Int64

	fatalOnce sync.Once
	fatal     error

	finishOnce sync.Once
	done       chan struct{}
}

func (r *run) counters() Counters {
	return Counters{
		Total:     r.total,
		Completed: int(r.completed.Load()),
		PendingQC: int(r.pendingQC.Load()),
		QCEnabled: r.settings.QualityCheck.Enabled,
	}
}

func (r *run) fail(err error) {
	r.fatalOnce.Do(func() {
		r.fatal = err
		r.cancel()
	})
}

// DefaultLabel is used when a start request carries none.
func DefaultLabel(t time.Time) string {
	return "job_" + t.Format("20060102_150405")
}

// Start claims the slot, records the execution with its snapshot, and
// begins driving it in the background.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*models.JobExecution, error) {
	if err := req.Settings.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	active, err := c.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, ErrAlreadyRunning
	}

	lease, err := c.slot.Claim(id, slot.KindExecution)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
	}

	exec, err := c.create(ctx, id, req)
	if err != nil {
		c.slot.Release(lease)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	r := &run{
		exec:     exec,
		settings: *req.Settings.Clone(),
		lease:    lease,
		timeouts: pipeline.NewTimeouts(req.Settings.Timeouts, c.cfg.FallbackTimeout),
		ctx:      runCtx,
		cancel:   cancel,
		total:    req.Settings.Generation.Total(),
		done:     make(chan struct{}),
	}

	if err := c.store.SetStatus(ctx, id, models.ExecutionStatusRunning); err != nil {
		cancel()
		_, _ = c.store.Finish(context.WithoutCancel(ctx), id, models.ExecutionStatusFailed, "failed to start")
		c.slot.Release(lease)
		return nil, err
	}
	exec.Status = models.ExecutionStatusRunning

	c.mu.Lock()
	c.current = r
	if c.forced != uuid.Nil {
		if req.Queued && c.successor == uuid.Nil {
			c.successor = id
		} else {
			c.forced, c.successor = uuid.Nil, uuid.Nil
		}
	}
	c.mu.Unlock()

	log.Info("execution started", "execution_id", id, "label", exec.Label, "total_generations", r.total)
	event.Emit(c.bus, event.TypeExecutionStarted, id, uuid.Nil, exec)

	go c.drive(r)

	out := *exec
	return &out, nil
}

func (c *Controller) create(ctx context.Context, id uuid.UUID, req StartRequest) (*models.JobExecution, error) {
	now := time.Now().UTC()
	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = strings.TrimSpace(req.Settings.Label)
	}
	if label == "" {
		label = DefaultLabel(now)
	}

	exec := &models.JobExecution{
		ID:                id,
		Label:             label,
		ParentExecutionID: req.ParentID,
		Status:            models.ExecutionStatusStarting,
		Step:              StepInitialization,
		TotalGenerations:  req.Settings.Generation.Total(),
		StartedAt:         now,
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap, err := snapshot.Capture(tx, id, req.Settings)
		if err != nil {
			return fmt.Errorf("capture snapshot: %w", err)
		}
		exec.ConfigSnapshotID = snap.ID
		return tx.Create(exec).Error
	})
	if err != nil {
		return nil, err
	}

	return exec, nil
}

func (c *Controller) drive(r *run) {
	defer c.finish(r)

	id := r.exec.ID
	writeCtx := context.WithoutCancel(r.ctx)

	c.setStep(writeCtx, r, StepGeneration)

	pool := worker.NewPool(c.cfg.Concurrency)
	for i := 0; i < r.total; i++ {
		if r.stopping.Load() || r.ctx.Err() != nil {
			break
		}
		index := i
		if err := pool.Submit(r.ctx, func() { c.unit(r, index) }); err != nil {
			break
		}
	}
	pool.Wait()

	if r.ctx.Err() == nil {
		c.setStep(writeCtx, r, StepFinalizing)
	}

	log.Debug("execution units drained", "execution_id", id, "completed", r.completed.Load())
}

func (c *Controller) setStep(ctx context.Context, r *run, step string) {
	if err := c.store.SetStep(ctx, r.exec.ID, step); err != nil {
		r.fail(fmt.Errorf("record step %s: %w", step, err))
		return
	}
	event.Emit(c.bus, event.TypeExecutionStep, r.exec.ID, uuid.Nil, map[string]string{"step": step})
}

// finish writes the terminal status, sweeps unfinished images, and releases
// the slot. It runs once per execution.
func (c *Controller) finish(r *run) {
	r.finishOnce.Do(func() {
		ctx := context.WithoutCancel(r.ctx)
		id := r.exec.ID

		status := models.ExecutionStatusCompleted
		errMsg := ""
		switch {
		case r.forced.Load():
			status = models.ExecutionStatusForceStopped
		case r.fatal != nil:
			status = models.ExecutionStatusFailed
			errMsg = r.fatal.Error()
		case r.stopping.Load():
			status = models.ExecutionStatusStopped
		}

		if status != models.ExecutionStatusCompleted {
			if _, err := c.ledger.SweepExecution(ctx, id); err != nil {
				log.Error("failed to sweep execution images", "execution_id", id, "error", err)
			}
		}

		exec, err := c.store.Finish(ctx, id, status, errMsg)
		if err != nil {
			log.Error("failed to record execution result", "execution_id", id, "status", status, "error", err)
		}

		counters := r.counters()
		counters.Finished = status == models.ExecutionStatusCompleted
		c.lastCount.Store(&counters)

		metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
		metrics.ExecutionDurationSeconds.WithLabelValues(string(status)).Observe(time.Since(r.exec.StartedAt).Seconds())

		log.Info("execution finished", "execution_id", id, "status", status, "error", errMsg)
		event.Emit(c.bus, terminalEvent(status), id, uuid.Nil, exec)
		event.Emit(c.bus, event.TypeExecutionProgress, id, uuid.Nil, map[string]int{"progress": Progress(counters)})

		c.mu.Lock()
		if c.current == r {
			c.current = nil
		}
		c.mu.Unlock()

		c.slot.Release(r.lease)
		r.cancel()
		close(r.done)
	})

	// a unit that outlived a force stop may have inserted a pending record
	// after the first sweep
	if r.forced.Load() {
		if _, err := c.ledger.SweepExecution(context.WithoutCancel(r.ctx), r.exec.ID); err != nil {
			log.Error("failed to sweep execution images", "execution_id", r.exec.ID, "error", err)
		}
	}
}

func terminalEvent(status models.ExecutionStatus) event.Type {
	switch status {
	case models.ExecutionStatusStopped:
		return event.TypeExecutionStopped
	case models.ExecutionStatusFailed:
		return event.TypeExecutionFailed
	case models.ExecutionStatusForceStopped:
		return event.TypeExecutionForceStopped
	}
	return event.TypeExecutionCompleted
}

func (c *Controller) active() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Stop requests a graceful stop: in-flight units finish, no new unit
// starts. It returns without waiting for the run to drain.
func (c *Controller) Stop(ctx context.Context) (*models.JobExecution, error) {
	r := c.active()
	if r == nil {
		return nil, ErrNotRunning
	}

	if r.stopping.CompareAndSwap(false, true) {
		if err := c.store.SetStatus(ctx, r.exec.ID, models.ExecutionStatusStopping); err != nil {
			log.Warn("failed to record stopping status", "execution_id", r.exec.ID, "error", err)
		}
		log.Info("execution stopping", "execution_id", r.exec.ID)
		event.Emit(c.bus, event.TypeExecutionStopping, r.exec.ID, uuid.Nil, nil)
	}

	return c.store.Get(ctx, r.exec.ID)
}

// ActiveID returns the id of the running execution, or uuid.Nil.
func (c *Controller) ActiveID() uuid.UUID {
	if r := c.active(); r != nil {
		return r.exec.ID
	}
	return uuid.Nil
}

// ForceStop abandons in-flight work immediately. A non-nil target only
// stops that execution; when it is no longer running its record is returned
// unchanged. Without a target the running execution is stopped, except that
// a repeated call returns the previously force-stopped execution instead of
// stopping the queued run that took over its slot. With no active run the
// last execution is returned, so repeated calls converge on the same
// terminal state.
func (c *Controller) ForceStop(ctx context.Context, target uuid.UUID) (*models.JobExecution, error) {
	c.mu.Lock()
	r := c.current
	forced := c.forced
	repeat := target == uuid.Nil && forced != uuid.Nil &&
		((r == nil && c.successor == uuid.Nil) || (r != nil && r.exec.ID == c.successor))
	c.mu.Unlock()

	switch {
	case repeat:
		return c.store.Get(ctx, forced)
	case target != uuid.Nil && (r == nil || r.exec.ID != target):
		return c.store.Get(ctx, target)
	case r == nil:
		latest, err := c.store.Latest(ctx)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, ErrNotRunning
		}
		return latest, nil
	}

	if target == uuid.Nil {
		c.mu.Lock()
		c.forced, c.successor = r.exec.ID, uuid.Nil
		c.mu.Unlock()
	}

	if r.forced.CompareAndSwap(false, true) {
		log.Warn("execution force stopped", "execution_id", r.exec.ID)
	}
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(c.cfg.ForceStopGrace):
		log.Warn("execution did not drain within grace period", "execution_id", r.exec.ID)
		c.finish(r)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.store.Get(context.WithoutCancel(ctx), r.exec.ID)
}

// Wait blocks until the active run, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	r := c.active()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is the controller's view of the current or most recent run.
type Status struct {
	Running   bool                 `json:"running"`
	Execution *models.JobExecution `json:"execution,omitempty"`
	Progress  int                  `json:"progress"`
	Counters  Counters             `json:"counters"`
	Holder    *slot.Lease          `json:"slot_holder,omitempty"`
}

func (c *Controller) Status(ctx context.Context) (*Status, error) {
	status := &Status{Holder: c.slot.Holder()}

	if r := c.active(); r != nil {
		exec, err := c.store.Get(ctx, r.exec.ID)
		if err != nil {
			return nil, err
		}
		status.Running = true
		status.Execution = exec
		status.Counters = r.counters()
		status.Progress = Progress(status.Counters)
		return status, nil
	}

	latest, err := c.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	status.Execution = latest
	if latest != nil {
		if last := c.lastCount.Load(); last != nil {
			status.Counters = *last
		}
		if latest.Status == models.ExecutionStatusCompleted {
			status.Counters.Finished = true
		}
		status.Progress = Progress(status.Counters)
	}
	return status, nil
}

// Delete removes a terminal execution, its snapshot, images and files.
func (c *Controller) Delete(ctx context.Context, id uuid.UUID) (*models.JobExecution, error) {
	if r := c.active(); r != nil && r.exec.ID == id {
		return nil, ErrActive
	}

	exec, err := c.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.files.RemoveExecution(id); err != nil {
		log.Warn("failed to remove execution files", "execution_id", id, "error", err)
	}

	log.Info("execution deleted", "execution_id", id)
	return exec, nil
}

// Recover fails executions left active by a previous process and sweeps
// their images. Call it before serving requests.
func (c *Controller) Recover(ctx context.Context) (models.JobExecutions, error) {
	recovered, err := c.store.RecoverInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	for _, exec := range recovered {
		log.Warn("recovered interrupted execution", "execution_id", exec.ID, "label", exec.Label)
	}
	if _, err := c.ledger.SweepOrphans(ctx); err != nil {
		return recovered, err
	}
	return recovered, nil
}
