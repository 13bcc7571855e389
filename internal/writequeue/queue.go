// Package writequeue implements the Durable Write Queue (C5): a priority
// queue of upsert/create/update operations with bounded concurrency,
// exponential-backoff retry on transient failures, and drain-on-shutdown.
package writequeue

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/eternisai/voicerelay/internal/metrics"
)

// Kind is the operation's write semantics against the datastore.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpsert Kind = "upsert"
	KindUpdate Kind = "update"
)

// Priority values used by the system: a session-final write must never be
// overtaken by a later periodic write enqueued close behind it.
const (
	PriorityPeriodic = 1
	PriorityFinal    = 10
)

const (
	maxConcurrency  = 3
	defaultMaxRetries = 3
	dispatchInterval  = 100 * time.Millisecond
)

// Op is one durable write operation.
type Op struct {
	ID         string
	Kind       Kind
	Table      string
	Where      map[string]interface{}
	Payload    map[string]interface{}
	Priority   int
	Retries    int
	MaxRetries int
	CreatedAt  time.Time
}

// Executor performs one Op against the real datastore. Returning an error
// whose message/code substring-matches a transient marker triggers a
// backoff retry; any other error drops the op after logging.
type Executor interface {
	Execute(ctx context.Context, op Op) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op Op) error

func (f ExecutorFunc) Execute(ctx context.Context, op Op) error { return f(ctx, op) }

// transientMarkers are substrings identifying retryable datastore failures.
var transientMarkers = []string{
	"connection refused",
	"no such host",
	"dns",
	"timeout",
	"deadlock",
	"i/o timeout",
	"context deadline exceeded",
}

// IsTransient reports whether err's message carries a known transient marker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// opHeap is a max-heap on (priority desc, createdAt asc) — the
// higher-priority-first, FIFO-on-ties ordering the queue requires.
type opHeap []Op

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x interface{}) { *h = append(*h, x.(Op)) }
func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	op := old[n-1]
	*h = old[:n-1]
	return op
}

// Logger is the narrow logging seam the queue needs; satisfied by
// internal/logger.Logger and by a no-op in tests.
type Logger interface {
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}

// Queue is the in-process priority write queue. One Queue serves every
// session in the process.
type Queue struct {
	mu       sync.Mutex
	heap     opHeap
	inFlight map[string]struct{}

	executor Executor
	logger   Logger

	dispatchOnce sync.Once
	stopDispatch chan struct{}
	wg           sync.WaitGroup

	drainCond *sync.Cond
}

// New creates a Queue bound to executor. Call Start to begin dispatching.
func New(executor Executor, logger Logger) *Queue {
	if logger == nil {
		logger = nopLogger{}
	}
	q := &Queue{
		inFlight:     make(map[string]struct{}),
		executor:     executor,
		logger:       logger,
		stopDispatch: make(chan struct{}),
	}
	q.drainCond = sync.NewCond(&q.mu)
	return q
}

// Start launches the dispatcher goroutine. Safe to call once.
func (q *Queue) Start() {
	q.dispatchOnce.Do(func() {
		go q.dispatchLoop()
	})
}

// Enqueue adds op to the queue. Non-blocking.
func (q *Queue) Enqueue(op Op) {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = defaultMaxRetries
	}

	q.mu.Lock()
	heap.Push(&q.heap, op)
	q.mu.Unlock()
}

// dispatchLoop polls every 100ms and, while the queue is non-empty and
// in-flight is under maxConcurrency, pops and launches a worker.
func (q *Queue) dispatchLoop() {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopDispatch:
			return
		case <-ticker.C:
			q.dispatchReady()
		}
	}
}

func (q *Queue) dispatchReady() {
	for {
		q.mu.Lock()
		if q.heap.Len() == 0 || len(q.inFlight) >= maxConcurrency {
			q.mu.Unlock()
			return
		}

		op := heap.Pop(&q.heap).(Op)
		if _, dup := q.inFlight[op.ID]; dup {
			// Another in-flight attempt owns this id; requeue behind it.
			heap.Push(&q.heap, op)
			q.mu.Unlock()
			return
		}
		q.inFlight[op.ID] = struct{}{}
		q.mu.Unlock()

		q.wg.Add(1)
		go q.runWithRetry(op)
	}
}

func (q *Queue) runWithRetry(op Op) {
	defer q.wg.Done()
	defer q.finishInFlight(op.ID)

	ctx := context.Background()
	for {
		err := q.executor.Execute(ctx, op)
		if err == nil {
			return
		}

		if !IsTransient(err) || op.Retries >= op.MaxRetries {
			q.logger.Error("writequeue: dropping operation after failure", "id", op.ID, "table", op.Table, "retries", op.Retries, "err", err)
			metrics.RecordWriteQueueDropped(op.Table)
			return
		}

		op.Retries++
		backoff := time.Duration(1<<(op.Retries-1)) * time.Second
		q.logger.Warn("writequeue: retrying after transient failure", "id", op.ID, "attempt", op.Retries, "backoff", backoff, "err", err)
		metrics.RecordWriteQueueRetry(op.Table)
		time.Sleep(backoff)
	}
}

func (q *Queue) finishInFlight(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	empty := q.heap.Len() == 0 && len(q.inFlight) == 0
	q.mu.Unlock()

	if empty {
		q.drainCond.Broadcast()
	}
}

// Flush blocks until both the queue and the in-flight set are empty. Used
// during graceful shutdown so no enqueued write is lost.
func (q *Queue) Flush() {
	q.mu.Lock()
	for q.heap.Len() > 0 || len(q.inFlight) > 0 {
		q.drainCond.Wait()
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Stop halts the dispatcher loop. Call Flush first if pending writes must
// complete.
func (q *Queue) Stop() {
	close(q.stopDispatch)
}

// Depth returns the current queue length, for observability.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// InFlightCount returns the number of operations currently executing.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
