// Package callback posts a summary to webhook targets whenever an execution
// reaches a terminal status or a retry batch completes.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/lumen/internal/event"
	"github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
)

// Types lists the events that trigger a notification.
var Types = []event.Type{
	event.TypeExecutionCompleted,
	event.TypeExecutionStopped,
	event.TypeExecutionFailed,
	event.TypeExecutionForceStopped,
	event.TypeRetryBatchCompleted,
}

// Metadata is the body posted to every target.
type Metadata struct {
	Event       event.Type             `json:"event"`
	ExecutionID uuid.UUID              `json:"execution_id,omitempty"`
	Label       string                 `json:"label,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Counts      map[image.Status]int64 `json:"counts,omitempty"`
	Detail      json.RawMessage        `json:"detail,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Handler delivers one notification.
type Handler interface {
	Handle(ctx context.Context, meta Metadata) error
}

// Jobs looks up the execution an event refers to.
type Jobs interface {
	GetJob(ctx context.Context, id uuid.UUID) (*manager.JobView, error)
}

// Dispatcher turns bus events into notifications.
type Dispatcher struct {
	bus      event.Bus
	jobs     Jobs
	handlers []Handler
	timeout  time.Duration
}

func NewDispatcher(bus event.Bus, jobs Jobs, handlers ...Handler) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		jobs:     jobs,
		handlers: handlers,
		timeout:  10 * time.Second,
	}
}

// Run subscribes to the bus and dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.handlers) == 0 {
		return nil
	}

	ch, err := d.bus.Subscribe(ctx, event.Filter{Types: Types})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	log.Info("callbacks listening", "targets", len(d.handlers))

	for e := range ch {
		if err := d.Dispatch(context.WithoutCancel(ctx), e); err != nil {
			log.Warn("callback failure", "event", e.Type, "execution_id", e.ExecutionID, "error", err)
		}
	}
	return nil
}

// Dispatch sends e to every handler, collecting their errors.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) error {
	meta, err := d.prepare(ctx, e)
	if err != nil {
		return err
	}

	var errs []error
	for _, h := range d.handlers {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := h.Handle(callCtx, meta)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) prepare(ctx context.Context, e event.Event) (Metadata, error) {
	meta := Metadata{
		Event:       e.Type,
		ExecutionID: e.ExecutionID,
		Detail:      e.Payload,
		Timestamp:   e.Timestamp,
	}

	if e.ExecutionID == uuid.Nil {
		return meta, nil
	}

	view, err := d.jobs.GetJob(ctx, e.ExecutionID)
	if err != nil {
		return meta, fmt.Errorf("load execution: %w", err)
	}

	exec := view.Execution
	meta.Label = exec.Label
	meta.Status = string(exec.Status)
	meta.Error = exec.Error
	meta.StartedAt = &exec.StartedAt
	meta.CompletedAt = exec.CompletedAt
	meta.Counts = view.Counts
	meta.Detail = nil

	return meta, nil
}

// ParseTargets splits a comma separated list of webhook URLs.
func ParseTargets(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
