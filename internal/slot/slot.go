// Package slot is the single-job ownership token. Whoever holds the lease
// (a job execution or a retry batch) is the only active driver in the
// process; Claim and Release are the only mutators.
package slot

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caesium-cloud/lumen/internal/metrics"
	"github.com/google/uuid"
)

var ErrBusy = errors.New("job slot is occupied")

type Kind string

const (
	KindExecution  Kind = "execution"
	KindRetryBatch Kind = "retry_batch"
)

// Lease identifies the current holder.
type Lease struct {
	ID       uuid.UUID `json:"id"`
	Kind     Kind      `json:"kind"`
	Acquired time.Time `json:"acquired"`
}

type Slot struct {
	current atomic.Pointer[Lease]

	mu    sync.Mutex
	hooks []func()
}

func New() *Slot {
	return &Slot{}
}

// Claim takes the slot if it is empty.
func (s *Slot) Claim(id uuid.UUID, kind Kind) (*Lease, error) {
	lease := &Lease{ID: id, Kind: kind, Acquired: time.Now().UTC()}
	if !s.current.CompareAndSwap(nil, lease) {
		metrics.SlotContentionTotal.Inc()
		return nil, ErrBusy
	}
	metrics.ExecutionsActive.Set(1)
	return lease, nil
}

// Release frees the slot if lease still holds it and then runs the release
// hooks in their own goroutines. Releasing a stale lease is a no-op.
func (s *Slot) Release(lease *Lease) bool {
	if lease == nil || !s.current.CompareAndSwap(lease, nil) {
		return false
	}
	metrics.ExecutionsActive.Set(0)

	s.mu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		go fn()
	}
	return true
}

// Holder returns the current lease, or nil when the slot is free.
func (s *Slot) Holder() *Lease {
	return s.current.Load()
}

func (s *Slot) Busy() bool {
	return s.current.Load() != nil
}

// OnRelease registers fn to run after every successful release.
func (s *Slot) OnRelease(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}
