package worker

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/caesium-cloud/lumen/pkg/log"
)

// Pool bounds concurrent goroutines using a semaphore. It is used to fan out
// per-image work inside one execution or retry batch.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit blocks until a slot is free or ctx is done. A panicking fn is
// recovered and logged so one bad unit cannot take the batch down.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
		p.wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("pool task panicked", "panic", r, "stack", string(debug.Stack()))
				}
				<-p.sem
				p.wg.Done()
			}()
			fn()
		}()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every submitted function has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the maximum fan-out.
func (p *Pool) Size() int {
	return cap(p.sem)
}
