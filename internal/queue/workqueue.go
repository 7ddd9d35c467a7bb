// Package queue provides a bounded work queue with a fixed-size worker pool
// and admission control.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity and
	// the queue was configured with RejectOnFull. It signals backpressure,
	// not a fault; callers are expected to shed load or retry later.
	ErrQueueFull = errors.New("work queue is full")
)

// workerFailureBackoff is how long a worker sleeps after an infrastructure
// failure in its own loop before pulling the next item. Fixed, no escalation.
const workerFailureBackoff = 100 * time.Millisecond

// Task is a unit of work submitted to the queue. The context passed to the
// task is the queue's run context: it is cancelled by Stop, not by the
// submitting caller, so a caller abandoning its await does not interrupt a
// task that already started.
type Task[T any] func(ctx context.Context) (T, error)

// Config configures a Queue. All fields are immutable after construction.
type Config struct {
	// Name is a diagnostic label used in logs.
	Name string `yaml:"name" json:"name"`
	// MaxQueueSize is the queue capacity. Must be > 0.
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`
	// MaxConcurrency is the number of worker goroutines. Must be > 0.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// RejectOnFull makes Submit fail immediately with ErrQueueFull when the
	// queue is at capacity instead of blocking for a free slot.
	RejectOnFull bool `yaml:"reject_on_full" json:"reject_on_full"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "workqueue",
		MaxQueueSize:   128,
		MaxConcurrency: 8,
		RejectOnFull:   false,
	}
}

// Item states. Exactly one of the terminal states (resolved, cancelled) is
// ever reached, exactly once.
const (
	statePending int32 = iota
	stateRunning
	stateResolved
	stateCancelled
)

type outcome[T any] struct {
	value T
	err   error
}

// workItem carries one submitted task and its single-assignment result slot.
type workItem[T any] struct {
	task   Task[T]
	state  atomic.Int32
	result chan outcome[T] // buffered, capacity 1
}

func newWorkItem[T any](task Task[T]) *workItem[T] {
	return &workItem[T]{task: task, result: make(chan outcome[T], 1)}
}

// begin transitions pending -> running. Returns false if the item was
// cancelled while still queued; the task must not be invoked in that case.
func (it *workItem[T]) begin() bool {
	return it.state.CompareAndSwap(statePending, stateRunning)
}

// abandon transitions to cancelled from pending or running. Returns true if
// the caller owns the cancellation, false if the item already resolved.
func (it *workItem[T]) abandon() bool {
	return it.state.CompareAndSwap(statePending, stateCancelled) ||
		it.state.CompareAndSwap(stateRunning, stateCancelled)
}

// resolve delivers the task outcome unless the item was cancelled.
// Resolving a cancelled item is a no-op, not an error.
func (it *workItem[T]) resolve(v T, err error) {
	if it.state.CompareAndSwap(stateRunning, stateResolved) {
		it.result <- outcome[T]{value: v, err: err}
	}
}

// generation holds the per-run state of the queue. Start creates a fresh
// generation; Stop discards it, so workers abandoned by a hard stop can
// never corrupt the counters of a later run.
type generation[T any] struct {
	items chan *workItem[T]
	busy  atomic.Int32
	done  chan struct{} // closed when this generation is stopping
	wg    sync.WaitGroup

	// unfinished tracks enqueued-but-not-yet-completed items for drain.
	mu         sync.Mutex
	unfinished int
	drained    *sync.Cond
}

func newGeneration[T any](capacity int) *generation[T] {
	g := &generation[T]{
		items: make(chan *workItem[T], capacity),
		done:  make(chan struct{}),
	}
	g.drained = sync.NewCond(&g.mu)
	return g
}

func (g *generation[T]) taskAdded() {
	g.mu.Lock()
	g.unfinished++
	g.mu.Unlock()
}

func (g *generation[T]) taskDone() {
	g.mu.Lock()
	g.unfinished--
	if g.unfinished <= 0 {
		g.drained.Broadcast()
	}
	g.mu.Unlock()
}

// join blocks until every enqueued item has been picked up and completed,
// including items enqueued while joining.
func (g *generation[T]) join() {
	g.mu.Lock()
	for g.unfinished > 0 {
		g.drained.Wait()
	}
	g.mu.Unlock()
}

// Queue is a bounded FIFO work queue executing tasks on a fixed-size pool of
// worker goroutines. The zero value is not usable; create one with New.
//
// Submit lazily starts the queue, so an explicit Start call is optional.
// Tests that rely on a cold queue must account for that side effect.
type Queue[T any] struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	gen     *generation[T]
	cancel  context.CancelFunc

	// dequeueHook, when set, runs after a worker pulls an item and before the
	// item executes. An error return simulates a failure of the dequeue
	// machinery itself. Test seam only.
	dequeueHook func(*workItem[T]) error
}

// New creates a stopped Queue with the given configuration.
func New[T any](cfg Config, logger *zap.Logger) *Queue[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Queue[T]{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "work_queue"), zap.String("queue", cfg.Name)),
	}
}

// Start spins up the worker pool. Calling Start on a running queue is a no-op.
func (q *Queue[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked()
}

func (q *Queue[T]) startLocked() {
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := newGeneration[T](q.cfg.MaxQueueSize)
	for i := 0; i < q.cfg.MaxConcurrency; i++ {
		g.wg.Add(1)
		go q.worker(ctx, g, i)
	}
	q.gen = g
	q.cancel = cancel
	q.running = true
	q.logger.Info("work queue started",
		zap.Int("max_concurrency", q.cfg.MaxConcurrency),
		zap.Int("max_queue_size", q.cfg.MaxQueueSize),
	)
}

// Stop tears down the worker pool. Calling Stop on a stopped queue is a no-op.
//
// With waitForCompletion the queue is fully drained first: every item already
// enqueued is picked up and completed, and callers with items in flight
// receive their results normally. Without it, workers are cancelled
// immediately; a task that already started observes a cancelled context, and
// result slots of items never picked up remain unresolved (their callers
// unblock through their own context cancellation).
func (q *Queue[T]) Stop(waitForCompletion bool) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	g := q.gen
	cancel := q.cancel
	q.running = false
	q.gen = nil
	q.cancel = nil
	q.mu.Unlock()

	close(g.done)
	if waitForCompletion {
		g.join()
		cancel()
		g.wg.Wait()
	} else {
		cancel()
	}
	q.logger.Info("work queue stopped", zap.Bool("wait_for_completion", waitForCompletion))
}

// Close gracefully stops the queue. It implements io.Closer so short-lived
// scopes can pair Start with a deferred Close.
func (q *Queue[T]) Close() error {
	q.Stop(true)
	return nil
}

// Submit enqueues a task and blocks until its result is available.
//
// The task's return value and error are handed back verbatim; errors are
// never wrapped, so errors.Is/As against the task's own error works on the
// caller side. When the queue is full, Submit either fails immediately with
// ErrQueueFull (RejectOnFull) or blocks until a slot frees.
//
// Cancelling ctx while the item is still queued abandons it: the task is
// never invoked and Submit returns ctx.Err(). Cancelling after the task
// started returns ctx.Err() too, but the task keeps running to completion.
//
// A submission racing a concurrent Stop may be abandoned without a result;
// callers that share a queue with its lifecycle owner should pass a
// cancellable context.
func (q *Queue[T]) Submit(ctx context.Context, task Task[T]) (T, error) {
	var zero T

	q.mu.Lock()
	q.startLocked() // lazy auto-start
	g := q.gen
	q.mu.Unlock()

	it := newWorkItem(task)

	g.taskAdded()
	if q.cfg.RejectOnFull {
		select {
		case g.items <- it:
		case <-g.done:
			g.taskDone()
			return zero, context.Canceled
		default:
			g.taskDone()
			return zero, ErrQueueFull
		}
	} else {
		select {
		case g.items <- it:
		case <-ctx.Done():
			g.taskDone()
			return zero, ctx.Err()
		case <-g.done:
			g.taskDone()
			return zero, context.Canceled
		}
	}

	select {
	case out := <-it.result:
		return out.value, out.err
	case <-ctx.Done():
		if it.abandon() {
			return zero, ctx.Err()
		}
		// Resolution raced the cancellation; the result is already buffered.
		out := <-it.result
		return out.value, out.err
	}
}

// NumBusyWorkers reports how many workers are currently executing a task.
// Workers idle-waiting on the queue are not counted. Informational only.
func (q *Queue[T]) NumBusyWorkers() int {
	if g := q.currentGen(); g != nil {
		return int(g.busy.Load())
	}
	return 0
}

// IsQueueFull reports whether the queue is at capacity. Informational only;
// there is no synchronization between this read and a subsequent Submit.
func (q *Queue[T]) IsQueueFull() bool {
	if g := q.currentGen(); g != nil {
		return len(g.items) >= q.cfg.MaxQueueSize
	}
	return false
}

// IsQueueEmpty reports whether no items are waiting. Informational only.
func (q *Queue[T]) IsQueueEmpty() bool {
	if g := q.currentGen(); g != nil {
		return len(g.items) == 0
	}
	return true
}

// IsBusy reports whether any work is queued or executing. Informational only.
func (q *Queue[T]) IsBusy() bool {
	if g := q.currentGen(); g != nil {
		return len(g.items) > 0 || g.busy.Load() > 0
	}
	return false
}

// IsRunning reports whether the worker pool is up.
func (q *Queue[T]) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// QueueLen reports the number of items waiting to be picked up.
func (q *Queue[T]) QueueLen() int {
	if g := q.currentGen(); g != nil {
		return len(g.items)
	}
	return 0
}

func (q *Queue[T]) currentGen() *generation[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// worker is the loop run by each of the MaxConcurrency pool goroutines. It
// exits only when the queue's run context is cancelled; task errors, task
// panics and infrastructure failures never terminate it.
func (q *Queue[T]) worker(ctx context.Context, g *generation[T], id int) {
	defer g.wg.Done()
	log := q.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-g.items:
			if err := q.process(ctx, g, it); err != nil {
				log.Error("worker loop failure, backing off",
					zap.String("error_type", fmt.Sprintf("%T", err)),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(workerFailureBackoff):
				}
			}
		}
	}
}

// process runs one dequeued item. A non-nil return is an infrastructure
// failure of the queue machinery, never an error of the task itself.
func (q *Queue[T]) process(ctx context.Context, g *generation[T], it *workItem[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker infrastructure panic: %v", r)
		}
	}()

	if q.dequeueHook != nil {
		if hookErr := q.dequeueHook(it); hookErr != nil {
			// The dequeue machinery failed before the item was handed over.
			// Put the item back so its caller still gets a result later.
			select {
			case g.items <- it:
			default:
				// No room to requeue; fail the item rather than strand its caller.
				// A cancelled item still counts toward the drain bookkeeping.
				if it.begin() {
					it.resolve(*new(T), hookErr)
				}
				g.taskDone()
			}
			return hookErr
		}
	}

	if !it.begin() {
		// Cancelled while queued: discard without invoking the task.
		g.taskDone()
		return nil
	}

	g.busy.Add(1)
	defer g.busy.Add(-1)
	defer g.taskDone()

	v, taskErr := runTask(ctx, it.task)
	it.resolve(v, taskErr)
	return nil
}

// runTask invokes the task, converting a panic into an error result so a
// misbehaving task cannot take down its worker.
func runTask[T any](ctx context.Context, task Task[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}
