package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/artistsync/internal/metrics"
	"github.com/desertthunder/artistsync/internal/models"
	"github.com/desertthunder/artistsync/internal/shared"
)

// job is one admitted run waiting for a worker.
type job struct {
	adm  Admission
	ids  models.Identifiers
	opts models.ImportOptions
}

// Dispatcher runs admitted imports on a fixed pool of workers fed by a bounded queue.
//
// Submit never blocks: a full queue fails the run immediately so that callers polling its status
// see a terminal state instead of a run stuck in initializing.
type Dispatcher struct {
	engine  *ImportEngine
	queue   chan job
	workers int
	metrics *metrics.Metrics
	logger  *log.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with a queue of size and the given number of workers.
func NewDispatcher(engine *ImportEngine, size, workers int, m *metrics.Metrics, logger *log.Logger) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Dispatcher{
		engine:  engine,
		queue:   make(chan job, size),
		workers: workers,
		metrics: m,
		logger:  logger,
	}
}

// Start launches the workers. Runs stop when ctx is cancelled or [Dispatcher.Stop] is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Debug("dispatcher started", "workers", d.workers, "queue", cap(d.queue))
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.metrics.SetQueueDepth(len(d.queue))
			d.run(ctx, id, j)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("import worker panicked", "worker", id, "key", j.adm.Status.Key, "panic", r)
			d.engine.crashed(ctx, j.adm.Status, r)
		}
	}()
	d.engine.Run(ctx, j.adm, j.ids, j.opts, nil)
}

// Submit queues an admitted run.
//
// Returns [shared.ErrQueueFull] after marking the run failed when the queue has no room, and
// [shared.ErrServiceUnavailable] once the dispatcher is stopped.
func (d *Dispatcher) Submit(ctx context.Context, adm Admission, ids models.Identifiers, opts models.ImportOptions) error {
	if !adm.Proceed {
		return fmt.Errorf("%w: run was not admitted", shared.ErrInvalidArgument)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.reject(ctx, adm, "importer is shutting down", shared.ErrServiceUnavailable)
		return fmt.Errorf("%w: importer is shutting down", shared.ErrServiceUnavailable)
	}

	select {
	case d.queue <- job{adm: adm, ids: ids, opts: opts}:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.Rejected("queue-full")
		d.reject(ctx, adm, msgQueueFull, shared.ErrQueueFull)
		return shared.ErrQueueFull
	}
}

func (d *Dispatcher) reject(ctx context.Context, adm Admission, message string, cause error) {
	if _, err := d.engine.guard.Finish(ctx, adm.Status, message, cause); err != nil {
		d.logger.Warn("failed to record rejected import", "key", adm.Status.Key, "error", err)
	}
}

// Pending returns the number of queued runs not yet picked up by a worker.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stop refuses new runs, cancels the ones in flight and waits for the workers to exit or ctx to end.
//
// Runs still queued are marked failed so their statuses do not linger until they go stale.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("failed to stop dispatcher: %w", ctx.Err())
	}

	for {
		select {
		case j := <-d.queue:
			d.reject(context.WithoutCancel(ctx), j.adm, msgCancelled, errors.New(msgCancelled))
		default:
			d.metrics.SetQueueDepth(0)
			return err
		}
	}
}
