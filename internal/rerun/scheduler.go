// Package rerun serializes pending starts behind the single job slot. Job
// reruns, scheduled starts and retry batches wait in one FIFO lane and are
// dispatched one at a time whenever the slot is released.
package rerun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/execution"
	"github.com/caesium-cloud/lumen/internal/metrics"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/retry"
	"github.com/caesium-cloud/lumen/internal/slot"
	"github.com/caesium-cloud/lumen/internal/snapshot"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
)

var (
	ErrNotQueued    = errors.New("item is not queued")
	ErrNoParents    = errors.New("rerun requires at least one execution")
	ErrParentActive = errors.New("cannot rerun an execution that is still active")
)

const defaultPollInterval = 500 * time.Millisecond

type Kind string

const (
	KindRerun      Kind = "rerun"
	KindScheduled  Kind = "scheduled"
	KindRetryBatch Kind = "retry_batch"
)

type State string

const (
	StateQueued    State = "queued"
	StateStarted   State = "started"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Item is one entry of the lane.
type Item struct {
	ID         uuid.UUID  `json:"id"`
	Kind       Kind       `json:"kind"`
	Label      string     `json:"label,omitempty"`
	ParentID   *uuid.UUID `json:"parent_execution_id,omitempty"`
	LiveConfig bool       `json:"live_config,omitempty"`
	Images     int        `json:"images,omitempty"`
	State      State      `json:"state"`
	Position   int        `json:"position,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Error      string     `json:"error,omitempty"`

	settings func(context.Context) (config.Settings, error)
	batch    *retry.Batch
}

// Executions starts job executions.
type Executions interface {
	Start(ctx context.Context, req execution.StartRequest) (*models.JobExecution, error)
}

// Retries starts and abandons retry batches.
type Retries interface {
	Start(batch *retry.Batch) error
	Abandon(ctx context.Context, batch *retry.Batch) error
}

// LiveSettings returns the current live configuration.
type LiveSettings func() config.Settings

type Deps struct {
	Executions Executions
	History    *execution.Store
	Snapshots  *snapshot.Store
	Retries    Retries
	Live       LiveSettings
	Slot       *slot.Slot
	Bus        event.Bus
}

type Scheduler struct {
	executions Executions
	history    *execution.Store
	snapshots  *snapshot.Store
	retries    Retries
	live       LiveSettings
	slot       *slot.Slot
	bus        event.Bus

	mu    sync.Mutex
	queue []*Item
}

// New builds a scheduler and hooks it to slot releases.
func New(deps Deps) *Scheduler {
	s := &Scheduler{
		executions: deps.Executions,
		history:    deps.History,
		snapshots:  deps.Snapshots,
		retries:    deps.Retries,
		live:       deps.Live,
		slot:       deps.Slot,
		bus:        deps.Bus,
	}
	deps.Slot.OnRelease(func() { s.Dispatch(context.Background()) })
	return s
}

// RerunLabel names a rerun after its parent and the tail of its own id.
func RerunLabel(parent string, id uuid.UUID) string {
	raw := id.String()
	return fmt.Sprintf("%s (Rerun %s)", parent, raw[len(raw)-6:])
}

// Rerun queues a new execution for every parent, in order. By default each
// rerun reuses its parent's snapshot; useLive takes the live settings at
// dispatch time instead. Unknown or active parents reject the whole request.
func (s *Scheduler) Rerun(ctx context.Context, parents []uuid.UUID, useLive bool) ([]Item, error) {
	if len(parents) == 0 {
		return nil, ErrNoParents
	}

	items := make([]*Item, 0, len(parents))
	for _, parentID := range parents {
		parent, err := s.history.Get(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.Status.Active() {
			return nil, fmt.Errorf("%w: %s", ErrParentActive, parentID)
		}

		id := uuid.New()
		pid := parent.ID
		item := &Item{
			ID:         id,
			Kind:       KindRerun,
			Label:      RerunLabel(parent.Label, id),
			ParentID:   &pid,
			LiveConfig: useLive,
		}
		if useLive {
			item.settings = s.liveSettings
		} else {
			item.settings = func(ctx context.Context) (config.Settings, error) {
				return s.snapshots.Settings(ctx, pid)
			}
		}
		items = append(items, item)
	}

	return s.enqueue(ctx, items...), nil
}

// Schedule queues a start of the live settings.
func (s *Scheduler) Schedule(ctx context.Context, label string) Item {
	item := &Item{
		ID:         uuid.New(),
		Kind:       KindScheduled,
		Label:      label,
		LiveConfig: true,
		settings:   s.liveSettings,
	}
	return s.enqueue(ctx, item)[0]
}

// Retry queues a prepared retry batch. The returned item is StateStarted
// when the batch took the slot immediately.
func (s *Scheduler) Retry(ctx context.Context, batch *retry.Batch) Item {
	item := &Item{
		ID:     batch.ID,
		Kind:   KindRetryBatch,
		Images: len(batch.ImageIDs),
		batch:  batch,
	}
	out := s.enqueue(ctx, item)[0]

	admission := "queued"
	if out.State == StateStarted {
		admission = "started"
	}
	metrics.RetryBatchesTotal.WithLabelValues(admission).Inc()

	return out
}

func (s *Scheduler) liveSettings(context.Context) (config.Settings, error) {
	if s.live == nil {
		return config.Settings{}, errors.New("no live settings configured")
	}
	live := s.live()
	return *live.Clone(), nil
}

func (s *Scheduler) enqueue(ctx context.Context, items ...*Item) []Item {
	s.mu.Lock()
	now := time.Now().UTC()
	for _, item := range items {
		item.State = StateQueued
		item.EnqueuedAt = now
		s.queue = append(s.queue, item)
		log.Info("queued", "item_id", item.ID, "kind", item.Kind, "label", item.Label)
	}
	s.dispatchLocked(ctx)
	out := make([]Item, 0, len(items))
	for _, item := range items {
		out = append(out, s.viewLocked(item))
	}
	s.changedLocked()
	s.mu.Unlock()

	return out
}

// Dispatch starts the head of the lane if the slot is free. Items that
// fail to start for any reason other than a busy slot are dropped.
func (s *Scheduler) Dispatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchLocked(ctx) {
		s.changedLocked()
	}
}

func (s *Scheduler) dispatchLocked(ctx context.Context) bool {
	changed := false
	for len(s.queue) > 0 && !s.slot.Busy() {
		head := s.queue[0]
		err := s.start(ctx, head)
		if isBusy(err) {
			return changed
		}

		s.queue = s.queue[1:]
		changed = true

		if err != nil {
			head.State = StateFailed
			head.Error = err.Error()
			log.Error("failed to start queued item", "item_id", head.ID, "kind", head.Kind, "error", err)
			continue
		}

		head.State = StateStarted
		log.Info("dequeued", "item_id", head.ID, "kind", head.Kind, "remaining", len(s.queue))
		return true
	}
	return changed
}

func (s *Scheduler) start(ctx context.Context, item *Item) error {
	if item.Kind == KindRetryBatch {
		return s.retries.Start(item.batch)
	}

	settings, err := item.settings(ctx)
	if err != nil {
		return err
	}
	_, err = s.executions.Start(ctx, execution.StartRequest{
		ID:       item.ID,
		Label:    item.Label,
		ParentID: item.ParentID,
		Settings: settings,
		Queued:   true,
	})
	return err
}

// isBusy reports a start refused because something else holds the slot,
// including an execution left active in the store.
func isBusy(err error) bool {
	return errors.Is(err, slot.ErrBusy) || errors.Is(err, execution.ErrAlreadyRunning)
}

// Cancel removes a queued item. A cancelled retry batch fails its images
// so they can be selected again.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (Item, error) {
	s.mu.Lock()
	idx := -1
	for i, item := range s.queue {
		if item.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return Item{}, ErrNotQueued
	}
	item := s.queue[idx]
	s.queue = append(s.queue[:idx:idx], s.queue[idx+1:]...)
	item.State = StateCancelled
	s.changedLocked()
	s.mu.Unlock()

	log.Info("queued item cancelled", "item_id", id, "kind", item.Kind)

	if item.batch != nil {
		if err := s.retries.Abandon(ctx, item.batch); err != nil {
			return *item, err
		}
	}
	return *item, nil
}

// Queued lists the waiting items in dispatch order.
func (s *Scheduler) Queued() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.queue))
	for _, item := range s.queue {
		out = append(out, s.viewLocked(item))
	}
	return out
}

// Depth returns the number of waiting items.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run polls the lane until ctx is done, covering releases that raced with
// an enqueue.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Dispatch(ctx)
		}
	}
}

func (s *Scheduler) viewLocked(item *Item) Item {
	out := *item
	out.Position = 0
	for i, queued := range s.queue {
		if queued == item {
			out.Position = i + 1
			break
		}
	}
	return out
}

func (s *Scheduler) changedLocked() {
	metrics.QueueDepth.Set(float64(len(s.queue)))
	ids := make([]uuid.UUID, 0, len(s.queue))
	for _, item := range s.queue {
		ids = append(ids, item.ID)
	}
	event.Emit(s.bus, event.TypeQueueChanged, uuid.Nil, uuid.Nil, map[string]any{"queue": ids})
}
