package ingest

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/PagewiseAI/pagewise-mvp/engine/domain"
	met "github.com/PagewiseAI/pagewise-mvp/pkg/metrics"
)

// Dispatcher feeds accepted webhook events to a fixed worker pool through a
// bounded queue. A full queue rejects with ErrBackpressure so the HTTP layer
// can answer 503 instead of buffering without limit.
type Dispatcher struct {
	processor *Processor
	queue     chan *domain.Event
	workers   int
	log       *slog.Logger

	depth *met.Gauge

	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher. workers defaults to GOMAXPROCS and
// capacity to 256 when non-positive.
func NewDispatcher(processor *Processor, workers, capacity int, reg *met.Registry, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if capacity <= 0 {
		capacity = 256
	}
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = met.New()
	}
	return &Dispatcher{
		processor: processor,
		queue:     make(chan *domain.Event, capacity),
		workers:   workers,
		log:       log,
		depth:     reg.Gauge("ingest_queue_depth", "Events waiting for a worker"),
	}
}

// Start launches the worker pool. Workers exit when Stop is called or the
// context is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.log.Info("dispatcher started", "workers", d.workers, "capacity", cap(d.queue))
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			d.depth.Dec()
			d.processor.HandleEvent(ctx, ev)
		}
	}
}

// Enqueue hands an event to the pool without blocking. Returns
// ErrBackpressure when the queue is full.
func (d *Dispatcher) Enqueue(ev *domain.Event) error {
	select {
	case d.queue <- ev:
		d.depth.Inc()
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// Stop closes the queue, lets workers drain what is already buffered, and
// waits for them to exit.
func (d *Dispatcher) Stop() {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if !d.started {
		return
	}
	d.started = false

	close(d.queue)
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}
