package transport

import (
	"context"
	"log/slog"
	"sync"
)

// JobFunc is the body of a queued job. It must return promptly once ctx is done.
type JobFunc func(ctx context.Context)

// QueueManager runs jobs concurrently off the caller's goroutine. It imposes no upper
// bound on concurrent jobs and no ordering between them; throttling belongs to the
// Transport. Enqueue is safe for concurrent use.
type QueueManager struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueueManager creates a queue. A nil logger discards output.
func NewQueueManager(logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueManager{
		logger:  logger,
		pending: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue schedules fn under id without blocking. It fails with ErrQueueClosed after
// Close. Re-using the id of a pending job is the caller's bug; the older job keeps
// running but can no longer be cancelled by id.
func (q *QueueManager) Enqueue(id string, fn JobFunc) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	ctx, cancel := context.WithCancel(q.ctx)
	q.pending[id] = cancel
	q.wg.Add(1)
	q.mu.Unlock()

	q.logger.Debug("job enqueued", "id", id)

	go func() {
		defer q.wg.Done()
		defer q.finish(id, cancel)
		fn(ctx)
	}()
	return nil
}

func (q *QueueManager) finish(id string, cancel context.CancelFunc) {
	cancel()
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// Cancel cancels the context of the pending job id. It reports whether the job was
// still pending.
func (q *QueueManager) Cancel(id string) bool {
	q.mu.Lock()
	cancel, ok := q.pending[id]
	q.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Pending returns the number of jobs that have not finished.
func (q *QueueManager) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CancelAll cancels every pending job. The queue stays usable.
func (q *QueueManager) CancelAll() {
	q.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(q.pending))
	for _, cancel := range q.pending {
		cancels = append(cancels, cancel)
	}
	q.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Wait blocks until every enqueued job has returned.
func (q *QueueManager) Wait() {
	q.wg.Wait()
}

// Close rejects new jobs, cancels pending ones and waits for them to return.
func (q *QueueManager) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
