package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/google/uuid"
)

// Type represents the type of event.
type Type string

const (
	TypeExecutionStarted      Type = "execution_started"
	TypeExecutionStep         Type = "execution_step"
	TypeExecutionProgress     Type = "execution_progress"
	TypeExecutionStopping     Type = "execution_stopping"
	TypeExecutionCompleted    Type = "execution_completed"
	TypeExecutionStopped      Type = "execution_stopped"
	TypeExecutionFailed       Type = "execution_failed"
	TypeExecutionForceStopped Type = "execution_force_stopped"
	TypeImageCreated          Type = "image_created"
	TypeImageUpdated          Type = "image_updated"
	TypeGenerationFailed      Type = "generation_failed"
	TypeRetryBatchStarted     Type = "retry_batch_started"
	TypeRetryBatchCompleted   Type = "retry_batch_completed"
	TypeQueueChanged          Type = "queue_changed"
)

// Event represents a system event.
type Event struct {
	Type        Type            `json:"type"`
	ExecutionID uuid.UUID       `json:"execution_id,omitempty"`
	ImageID     uuid.UUID       `json:"image_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Filter defines criteria for receiving events.
type Filter struct {
	ExecutionID uuid.UUID
	Types       []Type
}

// Bus defines the event bus interface.
type Bus interface {
	Publish(e Event)
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)
}

type bus struct {
	subscribers map[chan Event]Filter
	mu          sync.RWMutex
}

// New creates a new event bus.
func New() Bus {
	return &bus{
		subscribers: make(map[chan Event]Filter),
	}
}

func (b *bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if b.matches(filter, e) {
			select {
			case ch <- e:
			default:
				// Drop event if channel is full to prevent blocking
			}
		}
	}
}

func (b *bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	b.subscribers[ch] = filter
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

func (b *bus) matches(filter Filter, e Event) bool {
	if filter.ExecutionID != uuid.Nil && filter.ExecutionID != e.ExecutionID {
		return false
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Emit marshals payload and publishes it. A nil bus is a no-op.
func Emit(b Bus, t Type, executionID, imageID uuid.UUID, payload any) {
	if b == nil {
		return
	}

	e := Event{
		Type:        t,
		ExecutionID: executionID,
		ImageID:     imageID,
		Timestamp:   time.Now().UTC(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Error("failed to marshal event payload", "type", t, "error", err)
			return
		}
		e.Payload = raw
	}

	b.Publish(e)
}
