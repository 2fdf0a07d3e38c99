// Package workerpool implements the bounded priority worker pool of spec
// §4.2, grounded on original_source's src/utils/thread_pool.{hpp,cpp}
// (ThreadPool::submit_priority, a std::priority_queue<Task> drained by N
// worker threads) — rebuilt on Go goroutines and container/heap, the
// idiomatic priority-queue substrate used throughout the example corpus
// (e.g. go-ethereum's txpool pending-transaction heap).
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrShuttingDown is returned by Submit once shutdown has been requested.
var ErrShuttingDown = errors.New("workerpool: pool is shutting down")

// Priority levels named for the alert pipeline's use of the pool (spec
// §4.5: emergency alerts get high priority, everything else default).
const (
	PriorityLow     = -10
	PriorityDefault = 0
	PriorityHigh    = 10
)

// Task is a unit of work submitted to the pool. It returns a result value
// (nil is fine) or an error; a failing task never crashes its worker.
type Task func(ctx context.Context) (any, error)

// Handle resolves to a task's eventual result or failure.
type Handle struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the task completes and returns its result.
func (h *Handle) Wait() (any, error) {
	<-h.done
	return h.result, h.err
}

// WaitContext blocks until the task completes or ctx is cancelled.
func (h *Handle) WaitContext(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type heapItem struct {
	priority int
	seq      uint64 // submission order, for stable tie-breaking
	task     Task
	handle   *Handle
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].seq < h[j].seq // FIFO among equal priority
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool is a bounded set of workers draining a max-heap keyed on priority.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     taskHeap
	nextSeq  uint64
	shutdown bool
	active   int

	idleCond *sync.Cond

	wg  sync.WaitGroup
	log zerolog.Logger
}

// New starts numWorkers goroutines draining the priority heap.
func New(numWorkers int, log zerolog.Logger) *Pool {
	p := &Pool{
		log: log.With().Str("component", "workerpool").Logger(),
	}
	p.cond = sync.NewCond(&p.mu)
	p.idleCond = sync.NewCond(&p.mu)

	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task at the given priority. Rejected once shutdown has
// been requested.
func (p *Pool) Submit(ctx context.Context, priority int, task Task) (*Handle, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}

	h := &Handle{done: make(chan struct{})}
	item := &heapItem{priority: priority, seq: p.nextSeq, task: task, handle: h}
	p.nextSeq++
	heap.Push(&p.heap, item)
	p.mu.Unlock()

	p.cond.Signal()
	return h, nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.heap) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.heap) == 0 && p.shutdown {
			p.mu.Unlock()
			return
		}
		item := heap.Pop(&p.heap).(*heapItem)
		p.active++
		p.mu.Unlock()

		p.run(item)

		p.mu.Lock()
		p.active--
		if len(p.heap) == 0 && p.active == 0 {
			p.idleCond.Broadcast()
		}
		p.mu.Unlock()
	}
}

// run executes a task, recovering from a panic so a misbehaving task never
// takes down its worker goroutine.
func (p *Pool) run(item *heapItem) {
	defer func() {
		if r := recover(); r != nil {
			item.handle.err = errTaskPanicked(r)
			close(item.handle.done)
		}
	}()
	result, err := item.task(context.Background())
	item.handle.result = result
	item.handle.err = err
	close(item.handle.done)
}

func errTaskPanicked(r any) error {
	return &panicError{recovered: r}
}

type panicError struct{ recovered any }

func (e *panicError) Error() string {
	return "workerpool: task panicked"
}

// Unwrap supports errors.Is/As against the recovered value when it is
// itself an error.
func (e *panicError) Unwrap() error {
	if err, ok := e.recovered.(error); ok {
		return err
	}
	return nil
}

// WaitIdle blocks until the heap is empty and no task is executing.
func (p *Pool) WaitIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.heap) > 0 || p.active > 0 {
		p.idleCond.Wait()
	}
}

// Pending returns the number of queued-but-not-yet-running tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// Shutdown stops accepting new work and wakes all workers so they drain the
// heap and exit. It does not cancel in-flight tasks. Shutdown blocks until
// every worker goroutine has exited.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}
