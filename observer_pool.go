package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool dispatches events to observers asynchronously so a slow
// observer never blocks the publish/deliver path. When the buffer is full
// the event is dropped and counted, never queued synchronously.
type ObserverPool struct {
	queue   chan *Event
	workers int
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// PoolStats is a point-in-time snapshot of pool telemetry.
type PoolStats struct {
	Dropped      uint64
	Processed    uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}

// NewObserverPool starts workers dispatch goroutines over a queue of
// bufferSize events. Non-positive sizes fall back to 4 workers / 1024 events.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &ObserverPool{
		queue:   make(chan *Event, bufferSize),
		workers: workers,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(poolCtx)
	}
	return p
}

// Notify queues an event for asynchronous dispatch. The observer slice is
// captured at send time so later registry mutations don't race dispatch.
func (p *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case p.queue <- &e:
	default:
		p.dropped.Add(1)
	}
}

func (p *ObserverPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case e := <-p.queue:
			p.dispatch(e)
			p.processed.Add(1)
		}
	}
}

// drain empties whatever is still queued at shutdown so already-accepted
// events are not silently lost.
func (p *ObserverPool) drain() {
	for {
		select {
		case e := <-p.queue:
			p.dispatch(e)
		default:
			return
		}
	}
}

func (p *ObserverPool) dispatch(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(*e)
		}()
	}
}

// Close stops the workers and waits up to timeout for queued events to drain.
func (p *ObserverPool) Close(timeout time.Duration) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool telemetry.
func (p *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      p.dropped.Load(),
		Processed:    p.processed.Load(),
		ActiveEvents: len(p.queue),
		Workers:      p.workers,
		BufferSize:   cap(p.queue),
	}
}
