package callcore

import (
	"context"
	"errors"
	"sync"
)

// ErrStoppableWorkersAlreadyStopped is returned by Add once Stop has been called.
var ErrStoppableWorkersAlreadyStopped = errors.New("cannot add worker: already stopped")

// StoppableWorkers owns the background loops of one component (a relay pump,
// an event loop, a ringtone) and tears them all down together.
type StoppableWorkers struct {
	mu     sync.RWMutex
	ctx    context.Context
	cancel func()

	running sync.WaitGroup
}

// NewStoppableWorkers returns a group whose context derives from ctx and
// starts any given workers in it.
func NewStoppableWorkers(ctx context.Context, workers ...func(context.Context)) *StoppableWorkers {
	ctx, cancel := context.WithCancel(ctx)
	sw := &StoppableWorkers{ctx: ctx, cancel: cancel}
	for _, worker := range workers {
		UncheckedError(sw.Add(worker))
	}
	return sw
}

// Add runs worker in its own goroutine until it returns. A worker must
// return once its context is done and must not Add to its own group. Panics
// are recovered and logged.
func (sw *StoppableWorkers) Add(worker func(context.Context)) error {
	// Stop takes the write lock, so no worker slips in after cancellation.
	sw.mu.RLock()
	if sw.ctx.Err() != nil {
		sw.mu.RUnlock()
		return ErrStoppableWorkersAlreadyStopped
	}
	sw.running.Add(1)
	sw.mu.RUnlock()

	PanicCapturingGo(func() {
		defer sw.running.Done()
		worker(sw.ctx)
	})
	return nil
}

// Context returns the context workers are run with. It is canceled by Stop.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}

// Stopped reports whether the workers have been told to stop, by Stop or by
// the parent context.
func (sw *StoppableWorkers) Stopped() bool {
	return sw.ctx.Err() != nil
}

// Stop cancels every worker and waits for them to return. It is safe to call
// more than once, and waits even when the parent context was canceled first.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	sw.cancel()
	sw.mu.Unlock()

	sw.running.Wait()
}
